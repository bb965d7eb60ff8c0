package resilience

import (
	"context"
	"fmt"

	"github.com/echolens-ai/echolens/pkg/provider/llm"
)

// LLMGuard wraps an [llm.Provider] with the stage failure policy. The same
// guard serves both pipeline responses and memory summarisation, so
// summarisation participates in the identical retry/timeout behaviour.
type LLMGuard struct {
	inner   llm.Provider
	retry   RetryPolicy
	breaker *Breaker
	cfg     GuardConfig
}

// Compile-time interface assertion.
var _ llm.Provider = (*LLMGuard)(nil)

// NewLLMGuard wraps inner with cfg.
func NewLLMGuard(inner llm.Provider, cfg GuardConfig) *LLMGuard {
	return &LLMGuard{
		inner:   inner,
		retry:   cfg.Retry,
		breaker: NewBreaker(cfg.Breaker),
		cfg:     cfg,
	}
}

// Respond implements llm.Provider with deadline, retry, and breaker.
func (g *LLMGuard) Respond(ctx context.Context, req llm.Request) (*llm.Result, error) {
	var res *llm.Result
	err := g.breaker.Execute(func() error {
		return Retry(ctx, g.retry, func(ctx context.Context) error {
			callCtx, cancel := g.callContext(ctx)
			defer cancel()

			r, err := g.inner.Respond(callCtx, req)
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
func (g *LLMGuard) Inner() llm.Provider { return g.inner }

// Healthy returns nil while the breaker admits calls.
func (g *LLMGuard) Healthy() error {
	if s := g.breaker.State(); s == "open" {
		return fmt.Errorf("resilience: llm breaker %s", s)
	}
	return nil
}

func (g *LLMGuard) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.cfg.Deadline <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.cfg.Deadline)
}
