// Package notice carries user-visible messages from the call components to
// whatever renders them (toast, console line, push).
package notice

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type Kind string

const (
	KindInfo    Kind = "info"
	KindSuccess Kind = "success"
	KindWarning Kind = "warning"
	KindError   Kind = "error"
)

// SettingsVoice is where voice credentials and device settings are fixed.
const SettingsVoice = "/settings/voice"

// Notice is one user-visible message.
type Notice struct {
	Kind Kind
	// Cause groups notices that share a root cause; repeated notices with the
	// same cause are collapsed by Deduper.
	Cause   string
	Message string
	// Action is an optional path to the screen that resolves the problem.
	Action string
}

// Notifier renders notices.
type Notifier interface {
	Notify(n Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notice)

func (f NotifierFunc) Notify(n Notice) { f(n) }

// Discard drops every notice.
var Discard Notifier = NotifierFunc(func(Notice) {})

// Deduper forwards at most one notice per cause per window.
// Notices without a cause are always forwarded.
type Deduper struct {
	next   Notifier
	window time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewDeduper wraps next. A non-positive window defaults to 30s.
func NewDeduper(next Notifier, window time.Duration) *Deduper {
	if next == nil {
		next = Discard
	}
	if window <= 0 {
		window = 30 * time.Second
	}
	return &Deduper{next: next, window: window, limiters: map[string]*rate.Limiter{}}
}

func (d *Deduper) Notify(n Notice) {
	if n.Cause != "" && !d.allow(n.Cause) {
		return
	}
	d.next.Notify(n)
}

// Reset forgets the suppression state for cause, so the next notice for it is shown.
func (d *Deduper) Reset(cause string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.limiters, cause)
}

// ResetAll forgets every cause.
func (d *Deduper) ResetAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	clear(d.limiters)
}

func (d *Deduper) allow(cause string) bool {
	d.mu.Lock()
	l, ok := d.limiters[cause]
	if !ok {
		l = rate.NewLimiter(rate.Every(d.window), 1)
		d.limiters[cause] = l
	}
	d.mu.Unlock()
	return l.Allow()
}

// Recorder keeps every notice it receives.
type Recorder struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *Recorder) Notify(n Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

func (r *Recorder) Notices() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notice, len(r.notices))
	copy(out, r.notices)
	return out
}

// Count returns how many recorded notices have the given cause.
func (r *Recorder) Count(cause string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, x := range r.notices {
		if x.Cause == cause {
			n++
		}
	}
	return n
}
