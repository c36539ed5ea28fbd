// Package ratelimit holds the sliding window limiter shared by every
// balance query the rebalancer makes.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Window admits at most Limit calls in any span of Per. The lock is held
// while waiting so callers are admitted in arrival order.
type Window struct {
	mu    sync.Mutex
	limit int
	per   time.Duration
	calls []time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

type Option func(*Window)

// WithClock replaces the time source and the sleeper, for tests.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(w *Window) {
		if now != nil {
			w.now = now
		}
		if sleep != nil {
			w.sleep = sleep
		}
	}
}

func NewWindow(limit int, per time.Duration, opts ...Option) *Window {
	if limit < 1 {
		limit = 1
	}
	if per <= 0 {
		per = time.Second
	}
	w := &Window{
		limit: limit,
		per:   per,
		calls: make([]time.Time, 0, limit),
		now:   time.Now,
		sleep: sleepContext,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Window) Wait(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	w.evict(now)
	if len(w.calls) >= w.limit {
		delay := w.calls[0].Add(w.per).Sub(now)
		if delay > 0 {
			if err := w.sleep(ctx, delay); err != nil {
				return err
			}
		}
		now = w.now()
		w.evict(now)
	}
	w.calls = append(w.calls, now)
	return nil
}

// Do waits for a slot and then runs fn.
func (w *Window) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := w.Wait(ctx); err != nil {
		return err
	}
	return fn(ctx)
}

func (w *Window) evict(now time.Time) {
	cutoff := now.Add(-w.per)
	i := 0
	for i < len(w.calls) && !w.calls[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.calls = append(w.calls[:0], w.calls[i:]...)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
