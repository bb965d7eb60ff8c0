package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/echolens-ai/echolens/pkg/provider/stt"
)

// GuardConfig is the per-stage failure policy: one deadline, one retry
// policy, one breaker.
type GuardConfig struct {
	// Deadline bounds each adapter call, counted per attempt.
	Deadline time.Duration

	// Retry bounds the retry loop around the call.
	Retry RetryPolicy

	// Breaker configures the circuit breaker around the whole call.
	Breaker BreakerConfig
}

// STTGuard wraps an [stt.Provider] with the stage failure policy.
type STTGuard struct {
	inner   stt.Provider
	retry   RetryPolicy
	breaker *Breaker
	cfg     GuardConfig
}

// Compile-time interface assertion.
var _ stt.Provider = (*STTGuard)(nil)

// NewSTTGuard wraps inner with cfg.
func NewSTTGuard(inner stt.Provider, cfg GuardConfig) *STTGuard {
	return &STTGuard{
		inner:   inner,
		retry:   cfg.Retry,
		breaker: NewBreaker(cfg.Breaker),
		cfg:     cfg,
	}
}

// Transcribe implements stt.Provider with deadline, retry, and breaker.
func (g *STTGuard) Transcribe(ctx context.Context, req stt.Request) (*stt.Result, error) {
	var res *stt.Result
	err := g.breaker.Execute(func() error {
		return Retry(ctx, g.retry, func(ctx context.Context) error {
			callCtx, cancel := g.callContext(ctx)
			defer cancel()

			r, err := g.inner.Transcribe(callCtx, req)
			if err != nil {
				return err
			}
			res = r
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Inner returns the wrapped provider, for health probes that must bypass
// the breaker.
func (g *STTGuard) Inner() stt.Provider { return g.inner }

// Healthy returns nil while the breaker admits calls. An open breaker means
// the upstream has been failing and new transcriptions will be refused.
func (g *STTGuard) Healthy() error {
	if s := g.breaker.State(); s == "open" {
		return fmt.Errorf("resilience: stt breaker %s", s)
	}
	return nil
}

func (g *STTGuard) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.cfg.Deadline <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.cfg.Deadline)
}
