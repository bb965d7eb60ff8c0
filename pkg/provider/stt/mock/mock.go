// Package mock provides a test double for the stt.Provider interface.
//
// Use Provider in unit tests to feed controlled transcriptions without a
// live backend. Configure response fields before the test runs; read call
// records after. For scripted behaviour (fail twice then succeed, block
// until cancelled) set TranscribeFunc, which takes precedence over the
// static fields.
package mock

import (
	"context"
	"sync"

	"github.com/echolens-ai/echolens/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Transcribe.
type TranscribeCall struct {
	// Ctx is the context passed to Transcribe.
	Ctx context.Context
	// Req is the request passed to Transcribe.
	Req stt.Request
}

// Provider is a mock implementation of stt.Provider.
// Zero values cause Transcribe to return an empty Result and nil error.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Result is returned by Transcribe when TranscribeFunc is nil.
	Result *stt.Result

	// Err, if non-nil, is returned instead of Result.
	Err error

	// TranscribeFunc, when set, handles the call entirely. The call is
	// still recorded.
	TranscribeFunc func(ctx context.Context, req stt.Request) (*stt.Result, error)

	// --- Call records (read after test) ---

	// Calls records every invocation in order.
	Calls []TranscribeCall
}

var _ stt.Provider = (*Provider)(nil)

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (*stt.Result, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, TranscribeCall{Ctx: ctx, Req: req})
	fn := p.TranscribeFunc
	res, err := p.Result, p.Err
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	if res == nil {
		return &stt.Result{}, nil
	}
	out := *res
	return &out, nil
}

// CallCount returns the number of recorded Transcribe invocations.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// LastCall returns the most recent recorded call, or a zero value when none
// was made.
func (p *Provider) LastCall() TranscribeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Calls) == 0 {
		return TranscribeCall{}
	}
	return p.Calls[len(p.Calls)-1]
}
