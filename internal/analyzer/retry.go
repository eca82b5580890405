package analyzer

import (
	"context"
	"math/rand/v2"
	"time"

	"gwi.com/chat-insights/internal/clock"
	"gwi.com/chat-insights/internal/logger"
)

type RetryPolicy struct {
	// Budget is spent by failures: one per ordinary failure, three per
	// malformed response.
	Budget    int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Jitter    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Budget:    10,
		BaseDelay: 10 * time.Second,
		MaxDelay:  180 * time.Second,
		Jitter:    100 * time.Second,
	}
}

const malformedCost = 3

// Retrier runs a call under the rate limiter and retries it by error kind.
type Retrier struct {
	policy  RetryPolicy
	limiter RateLimiter
	clock   clock.Clock
	log     *logger.Logger
	jitter  func(max time.Duration) time.Duration
}

func NewRetrier(policy RetryPolicy, limiter RateLimiter, clk clock.Clock, log *logger.Logger) *Retrier {
	if clk == nil {
		clk = clock.Real()
	}
	return &Retrier{
		policy:  policy,
		limiter: limiter,
		clock:   clk,
		log:     log,
		jitter: func(max time.Duration) time.Duration {
			if max <= 0 {
				return 0
			}
			return rand.N(max)
		},
	}
}

// Do calls fn until it succeeds, fails with KindNotFound, or the budget runs
// out. The last error is returned on exhaustion.
func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	remaining := r.policy.Budget
	rateLimited := 0
	for {
		if r.limiter != nil {
			if err := r.limiter.WaitForSlot(ctx); err != nil {
				return err
			}
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}

		kind := KindOf(err)
		if kind == KindNotFound || remaining <= 0 {
			return err
		}

		delay := r.policy.BaseDelay
		cost := 1
		switch kind {
		case KindMalformedOutput:
			cost = malformedCost
		case KindRateLimited:
			delay = r.backoff(rateLimited)
			rateLimited++
		}
		remaining -= cost
		r.log.Warn("Retrying model call", "kind", kind.String(), "delay", delay, "remaining", remaining, "error", err)

		if err := r.clock.Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (r *Retrier) backoff(n int) time.Duration {
	d := r.policy.BaseDelay
	for i := 0; i < n && (r.policy.MaxDelay <= 0 || d < r.policy.MaxDelay); i++ {
		d *= 2
	}
	if r.policy.MaxDelay > 0 && d > r.policy.MaxDelay {
		d = r.policy.MaxDelay
	}
	return d + r.jitter(r.policy.Jitter)
}
