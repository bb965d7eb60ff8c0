// Package resilience wraps the model adapters with the uniform failure
// policy every pipeline stage gets: a per-call deadline, a bounded retry
// with exponential backoff for transient failures, and a circuit breaker
// that fails fast while a backend is down.
//
// The wrappers ([STTGuard], [LLMGuard], [TTSGuard]) implement the provider
// interfaces themselves, so the rest of the system composes against plain
// providers and never sees the policy.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"time"

	"github.com/echolens-ai/echolens/pkg/fault"
)

// RetryPolicy bounds the retry loop. Only failures whose [fault.Kind] is
// retryable (timeout, upstream unavailable) are retried; rejections and
// validation failures repeat deterministically and fail immediately.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries including the first.
	// Default: 3.
	MaxAttempts int

	// BaseDelay is the sleep before the second attempt; each further
	// attempt doubles it. Default: 500ms.
	BaseDelay time.Duration

	// MaxDelay caps the backoff growth. Default: 2s.
	MaxDelay time.Duration
}

// withDefaults fills zero fields with the canonical policy.
func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 2 * time.Second
	}
	return p
}

// Retry runs fn up to p.MaxAttempts times, sleeping an exponentially
// growing delay between attempts. It stops early when fn succeeds, when the
// failure kind is not retryable, or when ctx is done; context cancellation
// wins over the backoff sleep.
func Retry(ctx context.Context, p RetryPolicy, fn func(ctx context.Context) error) error {
	p = p.withDefaults()

	var err error
	delay := p.BaseDelay
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !fault.KindOf(err).Retryable() || attempt >= p.MaxAttempts {
			return err
		}
		if ctx.Err() != nil {
			return err
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}

		delay *= 2
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
}
