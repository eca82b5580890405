package analyzer

import (
	"context"
	"errors"
	"testing"
	"time"

	"gwi.com/chat-insights/internal/clock"
	"gwi.com/chat-insights/internal/logger"
)

func newTestRetrier(clk clock.Clock, budget int) *Retrier {
	r := NewRetrier(RetryPolicy{
		Budget:    budget,
		BaseDelay: 10 * time.Second,
		MaxDelay:  180 * time.Second,
		Jitter:    100 * time.Second,
	}, nil, clk, logger.Nop())
	r.jitter = func(time.Duration) time.Duration { return 0 }
	return r
}

func failing(kind Kind) func(context.Context) error {
	return func(context.Context) error { return NewError(kind, errors.New("boom")) }
}

func countCalls(fn func(context.Context) error, calls *int) func(context.Context) error {
	return func(ctx context.Context) error {
		*calls++
		return fn(ctx)
	}
}

func TestRetrierBudgetByKind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind  Kind
		calls int
	}{
		{KindOther, 11},
		{KindRateLimited, 11},
		{KindMalformedOutput, 5},
		{KindNotFound, 1},
	}
	for _, tc := range tests {
		clk := clock.NewFake(time.Unix(0, 0))
		calls := 0
		err := newTestRetrier(clk, 10).Do(context.Background(), countCalls(failing(tc.kind), &calls))
		if KindOf(err) != tc.kind {
			t.Fatalf("%v: returned kind %v", tc.kind, KindOf(err))
		}
		if calls != tc.calls {
			t.Fatalf("%v: calls = %d, want %d", tc.kind, calls, tc.calls)
		}
	}
}

func TestRetrierBackoff(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.Unix(0, 0))
	_ = newTestRetrier(clk, 6).Do(context.Background(), failing(KindRateLimited))

	want := []time.Duration{10 * time.Second, 20 * time.Second, 40 * time.Second, 80 * time.Second, 160 * time.Second, 180 * time.Second}
	got := clk.Sleeps()
	if len(got) != len(want) {
		t.Fatalf("sleeps = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sleep %d = %v, want %v", i, got[i], want[i])
		}
	}

	clk = clock.NewFake(time.Unix(0, 0))
	_ = newTestRetrier(clk, 2).Do(context.Background(), failing(KindOther))
	for _, d := range clk.Sleeps() {
		if d != 10*time.Second {
			t.Fatalf("flat backoff slept %v, want 10s", d)
		}
	}
}

func TestRetrierSucceedsAfterFailures(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.Unix(0, 0))
	calls := 0
	err := newTestRetrier(clk, 10).Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return NewError(KindMalformedOutput, errors.New("bad json"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetrierUsesLimiter(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.Unix(0, 0))
	limiter := NewWindowLimiter(1, time.Minute, clk)
	r := NewRetrier(RetryPolicy{Budget: 0}, limiter, clk, logger.Nop())

	for i := 0; i < 3; i++ {
		if err := r.Do(context.Background(), func(context.Context) error { return nil }); err != nil {
			t.Fatalf("Do: %v", err)
		}
	}
	if got := clk.Now().Sub(time.Unix(0, 0)); got != 2*time.Minute {
		t.Fatalf("three calls took %v of fake time, want 2m", got)
	}
}
