// Package scheduler provides the task scheduling primitives used by the
// coordinator (one-shot and repeating tasks with cancellable handles) and a
// cron-driven sweeper that refreshes stored platform tokens.
package scheduler

import (
	"context"
	"sync"
	"time"
)

// Handle controls a scheduled task.
type Handle interface {
	// Cancel stops the task. It reports whether the task was still pending.
	Cancel() bool
}

// Scheduler runs functions after a delay or at a fixed interval.
// Tasks run on their own goroutine; callers marshal results back to
// whatever execution context owns their state.
type Scheduler interface {
	After(d time.Duration, fn func()) Handle
	Every(d time.Duration, fn func()) Handle
}

// Real is the Scheduler backed by the runtime timers.
type Real struct{}

// NewReal returns the runtime-backed scheduler.
func NewReal() Real { return Real{} }

// After runs fn once after d.
func (Real) After(d time.Duration, fn func()) Handle {
	return &timerHandle{t: time.AfterFunc(d, fn)}
}

// Every runs fn every d until cancelled. The first run happens after d.
func (Real) Every(d time.Duration, fn func()) Handle {
	h := &tickerHandle{stop: make(chan struct{})}
	ticker := time.NewTicker(d)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-h.stop:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
	return h
}

type timerHandle struct {
	t *time.Timer
}

func (h *timerHandle) Cancel() bool { return h.t.Stop() }

type tickerHandle struct {
	once sync.Once
	stop chan struct{}
}

func (h *tickerHandle) Cancel() bool {
	stopped := false
	h.once.Do(func() {
		close(h.stop)
		stopped = true
	})
	return stopped
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
