package analyzer

import (
	"context"
	"testing"
	"time"

	"gwi.com/chat-insights/internal/clock"
)

func TestWindowLimiterTryAcquire(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.Unix(0, 0))
	l := NewWindowLimiter(2, time.Minute, clk)

	if !l.TryAcquire() || !l.TryAcquire() {
		t.Fatalf("first two acquisitions should succeed")
	}
	if l.TryAcquire() {
		t.Fatalf("third acquisition inside the window should fail")
	}
	clk.Advance(time.Minute)
	if !l.TryAcquire() {
		t.Fatalf("acquisition after the window should succeed")
	}
}

func TestWindowLimiterWaitForSlotSleepsUntilOldestExpires(t *testing.T) {
	t.Parallel()

	start := time.Unix(0, 0)
	clk := clock.NewFake(start)
	l := NewWindowLimiter(1, time.Minute, clk)

	if err := l.WaitForSlot(context.Background()); err != nil {
		t.Fatalf("WaitForSlot: %v", err)
	}
	clk.Advance(20 * time.Second)
	if err := l.WaitForSlot(context.Background()); err != nil {
		t.Fatalf("WaitForSlot: %v", err)
	}
	if got, want := clk.Now().Sub(start), time.Minute; got != want {
		t.Fatalf("second slot granted after %v, want %v", got, want)
	}
	sleeps := clk.Sleeps()
	if len(sleeps) != 1 || sleeps[0] != 40*time.Second {
		t.Fatalf("sleeps = %v, want [40s]", sleeps)
	}
}

func TestWindowLimiterWaitForSlotHonoursContext(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.Unix(0, 0))
	l := NewWindowLimiter(1, time.Minute, clk)
	l.TryAcquire()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.WaitForSlot(ctx); err == nil {
		t.Fatalf("expected context error")
	}
}
