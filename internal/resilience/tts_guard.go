package resilience

import (
	"context"
	"fmt"

	"github.com/echolens-ai/echolens/pkg/provider/tts"
)

// TTSGuard wraps a [tts.Provider] with the stage failure policy.
type TTSGuard struct {
	inner   tts.Provider
	retry   RetryPolicy
	breaker *Breaker
	cfg     GuardConfig
}

// Compile-time interface assertion.
var _ tts.Provider = (*TTSGuard)(nil)

// NewTTSGuard wraps inner with cfg.
func NewTTSGuard(inner tts.Provider, cfg GuardConfig) *TTSGuard {
	return &TTSGuard{
		inner:   inner,
		retry:   cfg.Retry,
		breaker: NewBreaker(cfg.Breaker),
		cfg:     cfg,
	}
}

// Synthesize implements tts.Provider with deadline, retry, and breaker.
func (g *TTSGuard) Synthesize(ctx context.Context, req tts.Request) (*tts.Result, error) {
	var res *tts.Result
	err := g.breaker.Execute(func() error {
		return Retry(ctx, g.retry, func(ctx context.Context) error {
			callCtx, cancel := g.callContext(ctx)
			defer cancel()

			r, err := g.inner.Synthesize(callCtx, req)
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
func (g *TTSGuard) Inner() tts.Provider { return g.inner }

// Healthy returns nil while the breaker admits calls.
func (g *TTSGuard) Healthy() error {
	if s := g.breaker.State(); s == "open" {
		return fmt.Errorf("resilience: tts breaker %s", s)
	}
	return nil
}

func (g *TTSGuard) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.cfg.Deadline <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.cfg.Deadline)
}
