// Package recording discovers the recording a provider attaches to a call
// record some time after the call ends.
package recording

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"crm-voice/internal/calls"
	"crm-voice/internal/metrics"
	"crm-voice/pkg/logger"
)

// Lookup reads the call record bound to a provider leg.
type Lookup interface {
	GetByLegID(ctx context.Context, legID string) (calls.CallRecord, error)
}

// Config bounds one resolution run. MaxAttempts counts every store read,
// including the immediate one; Deadline caps the run regardless of attempts.
type Config struct {
	Interval    time.Duration
	MaxAttempts int
	Deadline    time.Duration
}

func DefaultConfig() Config {
	return Config{Interval: 3 * time.Second, MaxAttempts: 8, Deadline: 30 * time.Second}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.Deadline <= 0 {
		c.Deadline = d.Deadline
	}
	return c
}

type Outcome string

const (
	OutcomeFound     Outcome = "found"
	OutcomeExhausted Outcome = "exhausted"
	OutcomeDeadline  Outcome = "deadline"
	OutcomeCancelled Outcome = "cancelled"
)

// Result is the final state of a Task.
type Result struct {
	Outcome   Outcome
	Recording calls.Recording
	Attempts  int
}

type Option func(*Resolver)

func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.log = logger.Component(l, "recording") }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// Resolver runs at most one resolution task at a time. Starting a new task
// cancels the previous one, so overlapping triggers never produce two
// polling loops.
type Resolver struct {
	store   Lookup
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	current *Task
}

func New(store Lookup, cfg Config, opts ...Option) *Resolver {
	r := &Resolver{store: store, cfg: cfg.withDefaults(), log: logger.Component(nil, "recording")}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve starts polling for legID's recording. onFound runs at most once,
// on the task goroutine, when a recording is found.
func (r *Resolver) Resolve(ctx context.Context, legID string, onFound func(calls.Recording)) *Task {
	runCtx, cancel := context.WithTimeout(ctx, r.cfg.Deadline)
	t := &Task{legID: legID, cancel: cancel, done: make(chan struct{})}

	r.mu.Lock()
	prev := r.current
	r.current = t
	r.mu.Unlock()
	if prev != nil {
		prev.Cancel()
	}

	go r.run(runCtx, ctx, t, onFound)
	return t
}

// Cancel stops the running task, if any.
func (r *Resolver) Cancel() {
	r.mu.Lock()
	t := r.current
	r.current = nil
	r.mu.Unlock()
	if t != nil {
		t.Cancel()
	}
}

func (r *Resolver) run(ctx, parent context.Context, t *Task, onFound func(calls.Recording)) {
	defer close(t.done)
	defer t.cancel()

	log := r.log.With("leg_id", t.legID)
	finish := func(res Result) {
		t.mu.Lock()
		t.result = res
		t.mu.Unlock()
		r.metrics.RecordingResolved(string(res.Outcome))
		log.Debug("recording resolution finished", "outcome", res.Outcome, "attempts", res.Attempts)
	}
	stopped := func(attempts int) Result {
		if t.isCancelled() || parent.Err() != nil {
			return Result{Outcome: OutcomeCancelled, Attempts: attempts}
		}
		return Result{Outcome: OutcomeDeadline, Attempts: attempts}
	}

	for attempt := 1; ; attempt++ {
		rec, err := r.store.GetByLegID(ctx, t.legID)
		switch {
		case err == nil && rec.HasRecording():
			res := Result{Outcome: OutcomeFound, Recording: rec.Recording(), Attempts: attempt}
			finish(res)
			if onFound != nil && !t.isCancelled() {
				onFound(res.Recording)
			}
			return
		case ctx.Err() != nil:
			finish(stopped(attempt))
			return
		case err != nil && !errors.Is(err, calls.ErrNotFound):
			log.Warn("recording lookup failed", "attempt", attempt, "err", err)
		}

		if attempt >= r.cfg.MaxAttempts {
			finish(Result{Outcome: OutcomeExhausted, Attempts: attempt})
			return
		}

		wait := time.NewTimer(r.cfg.Interval)
		select {
		case <-ctx.Done():
			wait.Stop()
			finish(stopped(attempt))
			return
		case <-wait.C:
		}
	}
}

// Task is one cancellable resolution run. It owns its attempt counter and
// deadline; cancelling it releases every timer it holds.
type Task struct {
	legID  string
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	cancelled bool
	result    Result
}

func (t *Task) Cancel() {
	t.mu.Lock()
	t.cancelled = true
	t.mu.Unlock()
	t.cancel()
}

func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the task finishes and returns its result.
func (t *Task) Wait() Result {
	<-t.done
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

func (t *Task) isCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}
