// Package calltimer measures a call's elapsed time from its start timestamp.
package calltimer

import (
	"context"
	"sync"
	"time"
)

// Timer derives elapsed duration from a start timestamp. Elapsed time is
// always computed from the clock, never accumulated from ticks, so a delayed
// tick cannot skew the duration.
type Timer struct {
	now func() time.Time

	mu      sync.Mutex
	started time.Time
	stopped time.Time
	done    chan struct{}
}

// New returns a stopped timer. now defaults to time.Now.
func New(now func() time.Time) *Timer {
	if now == nil {
		now = time.Now
	}
	return &Timer{now: now, done: make(chan struct{})}
}

// Start records the start timestamp. Starting twice keeps the first timestamp.
func (t *Timer) Start() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started.IsZero() {
		t.started = t.now()
	}
	return t.started
}

// Stop freezes the elapsed time and returns it. Subsequent calls return the
// same value.
func (t *Timer) Stop() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started.IsZero() {
		return 0
	}
	if t.stopped.IsZero() {
		t.stopped = t.now()
		close(t.done)
	}
	return t.stopped.Sub(t.started)
}

// Running reports whether the timer was started and not yet stopped.
func (t *Timer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.started.IsZero() && t.stopped.IsZero()
}

func (t *Timer) StartedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started
}

// StoppedAt is zero while the timer runs.
func (t *Timer) StoppedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *Timer) Elapsed() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.started.IsZero():
		return 0
	case !t.stopped.IsZero():
		return t.stopped.Sub(t.started)
	default:
		return t.now().Sub(t.started)
	}
}

// Seconds is Elapsed rounded to the nearest whole second.
func (t *Timer) Seconds() int {
	return int((t.Elapsed() + time.Second/2) / time.Second)
}

// Tick calls fn with the elapsed time every interval until ctx is done or the
// timer stops. It blocks; run it in its own goroutine.
func (t *Timer) Tick(ctx context.Context, every time.Duration, fn func(time.Duration)) {
	if every <= 0 {
		every = time.Second
	}
	tk := time.NewTicker(every)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		case <-tk.C:
			fn(t.Elapsed())
		}
	}
}
