package analyzer

import (
	"context"
	"sync"
	"time"

	"gwi.com/chat-insights/internal/clock"
)

// RateLimiter caps outbound model calls. It is shared by every concurrent
// caller in the process.
type RateLimiter interface {
	TryAcquire() bool
	// WaitForSlot blocks until a slot is taken or ctx is done.
	WaitForSlot(ctx context.Context) error
}

// WindowLimiter allows at most limit acquisitions in any rolling window.
type WindowLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	clock  clock.Clock
	times  []time.Time
}

func NewWindowLimiter(limit int, window time.Duration, clk clock.Clock) *WindowLimiter {
	if clk == nil {
		clk = clock.Real()
	}
	return &WindowLimiter{limit: limit, window: window, clock: clk}
}

func (l *WindowLimiter) TryAcquire() bool {
	ok, _ := l.reserve()
	return ok
}

func (l *WindowLimiter) WaitForSlot(ctx context.Context) error {
	for {
		ok, wait := l.reserve()
		if ok {
			return nil
		}
		if err := l.clock.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// reserve takes a slot if one is free, otherwise reports how long until the
// oldest call leaves the window.
func (l *WindowLimiter) reserve() (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	kept := l.times[:0]
	for _, t := range l.times {
		if now.Sub(t) < l.window {
			kept = append(kept, t)
		}
	}
	l.times = kept

	if l.limit <= 0 || len(l.times) < l.limit {
		l.times = append(l.times, now)
		return true, 0
	}
	wait := l.window - now.Sub(l.times[0])
	if wait <= 0 {
		wait = time.Millisecond
	}
	return false, wait
}
