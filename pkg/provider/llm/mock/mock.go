// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify the requests the pipeline and the
// summariser build and to feed controlled responses without a live backend.
// For scripted behaviour (sentinel on first call only, block until
// cancelled) set RespondFunc, which takes precedence over the static fields.
package mock

import (
	"context"
	"sync"

	"github.com/echolens-ai/echolens/pkg/provider/llm"
)

// RespondCall records a single invocation of Respond.
type RespondCall struct {
	// Ctx is the context passed to Respond.
	Ctx context.Context
	// Req is the request passed to Respond.
	Req llm.Request
}

// Provider is a mock implementation of llm.Provider.
// Zero values cause Respond to return an empty Result and nil error.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Result is returned by Respond when RespondFunc is nil.
	Result *llm.Result

	// Err, if non-nil, is returned instead of Result.
	Err error

	// RespondFunc, when set, handles the call entirely. The call is still
	// recorded.
	RespondFunc func(ctx context.Context, req llm.Request) (*llm.Result, error)

	// --- Call records (read after test) ---

	// Calls records every invocation in order.
	Calls []RespondCall
}

var _ llm.Provider = (*Provider)(nil)

// Respond implements llm.Provider.
func (p *Provider) Respond(ctx context.Context, req llm.Request) (*llm.Result, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, RespondCall{Ctx: ctx, Req: req})
	fn := p.RespondFunc
	res, err := p.Result, p.Err
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	if res == nil {
		return &llm.Result{}, nil
	}
	out := *res
	return &out, nil
}

// CallCount returns the number of recorded Respond invocations.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// LastCall returns the most recent recorded call, or a zero value when none
// was made.
func (p *Provider) LastCall() RespondCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Calls) == 0 {
		return RespondCall{}
	}
	return p.Calls[len(p.Calls)-1]
}
