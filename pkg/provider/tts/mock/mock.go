// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider in unit tests to feed controlled synthesis results without a
// live backend. For scripted behaviour set SynthesizeFunc, which takes
// precedence over the static fields.
package mock

import (
	"context"
	"sync"

	"github.com/echolens-ai/echolens/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Ctx is the context passed to Synthesize.
	Ctx context.Context
	// Req is the request passed to Synthesize.
	Req tts.Request
}

// Provider is a mock implementation of tts.Provider.
// Zero values cause Synthesize to return an empty Result and nil error.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Result is returned by Synthesize when SynthesizeFunc is nil.
	Result *tts.Result

	// Err, if non-nil, is returned instead of Result.
	Err error

	// SynthesizeFunc, when set, handles the call entirely. The call is
	// still recorded.
	SynthesizeFunc func(ctx context.Context, req tts.Request) (*tts.Result, error)

	// --- Call records (read after test) ---

	// Calls records every invocation in order.
	Calls []SynthesizeCall
}

var _ tts.Provider = (*Provider)(nil)

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (*tts.Result, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, SynthesizeCall{Ctx: ctx, Req: req})
	fn := p.SynthesizeFunc
	res, err := p.Result, p.Err
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	if res == nil {
		return &tts.Result{}, nil
	}
	out := *res
	return &out, nil
}

// CallCount returns the number of recorded Synthesize invocations.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// LastCall returns the most recent recorded call, or a zero value when none
// was made.
func (p *Provider) LastCall() SynthesizeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Calls) == 0 {
		return SynthesizeCall{}
	}
	return p.Calls[len(p.Calls)-1]
}
