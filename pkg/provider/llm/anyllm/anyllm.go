// Package anyllm provides a universal language-model provider backed by
// github.com/mozilla-ai/any-llm-go, a unified multi-provider interface that
// supports OpenAI, Anthropic, Gemini, Ollama, DeepSeek, Mistral, Groq, and
// more.
//
// This adapter is text-only: screen captures are not forwarded because the
// unified message format carries no image parts. Deployments that need
// vision use the gemini or openai adapters; anyllm exists for everything
// else (local Ollama models in particular).
//
// Usage:
//
//	p, err := anyllm.New("ollama", "llama3.2")
//	p, err := anyllm.New("groq", "llama-3.1-8b-instant", anyllmlib.WithAPIKey("gsk_..."))
package anyllm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/echolens-ai/echolens/pkg/fault"
	"github.com/echolens-ai/echolens/pkg/provider/llm"
)

const (
	defaultTemperature = 0.7
	defaultMaxTokens   = 1000
)

// Compile-time assertion that Provider implements llm.Provider.
var _ llm.Provider = (*Provider)(nil)

// Provider implements llm.Provider by wrapping github.com/mozilla-ai/any-llm-go.
type Provider struct {
	backend anyllmlib.Provider
	model   string
}

// New creates a Provider backed by the given backend name.
//
// backendName is one of: "openai", "anthropic", "gemini", "ollama",
// "deepseek", "mistral", "groq", "llamacpp", "llamafile". model is the
// specific model to use. opts are any-llm-go configuration options (e.g.
// anyllmlib.WithAPIKey, anyllmlib.WithBaseURL); without an API key option
// the backend falls back to its usual environment variable.
func New(backendName string, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if backendName == "" {
		return nil, fmt.Errorf("anyllm: backendName must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}

	backend, err := createBackend(backendName, opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", backendName, err)
	}

	return &Provider{backend: backend, model: model}, nil
}

// createBackend creates the underlying any-llm-go provider for the given name.
func createBackend(backendName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(backendName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported backend %q; supported: openai, anthropic, gemini, ollama, deepseek, mistral, groq, llamacpp, llamafile", backendName)
	}
}

// Respond implements llm.Provider.
func (p *Provider) Respond(ctx context.Context, req llm.Request) (*llm.Result, error) {
	if strings.TrimSpace(req.UserText) == "" {
		return nil, fault.New(fault.InvalidInput, "anyllm: empty user text")
	}
	if req.Screen != nil {
		slog.Debug("anyllm: dropping screen image, backend is text-only", "model", p.model)
	}

	params := p.buildParams(req)

	start := time.Now()
	resp, err := p.backend.Completion(ctx, params)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fault.Wrap(fault.Timeout, fmt.Errorf("anyllm: completion: %w", ctx.Err()))
		}
		return nil, fault.Wrap(fault.UpstreamUnavailable, fmt.Errorf("anyllm: completion: %w", err))
	}
	if len(resp.Choices) == 0 {
		return nil, fault.New(fault.UpstreamRejected, "anyllm: empty choices in response")
	}

	return &llm.Result{
		Text:           resp.Choices[0].Message.ContentString(),
		ProcessingTime: time.Since(start),
	}, nil
}

// buildParams converts an llm.Request into any-llm-go completion params.
func (p *Provider) buildParams(req llm.Request) anyllmlib.CompletionParams {
	system := req.SystemPrompt
	if system == "" {
		system = llm.DefaultSystemPrompt
	}
	if req.Memory.Summary != "" {
		system += "\n\nSummary of the conversation so far: " + req.Memory.Summary
	}

	messages := []anyllmlib.Message{
		{Role: anyllmlib.RoleSystem, Content: system},
	}
	for _, turn := range req.Memory.Turns {
		messages = append(messages,
			anyllmlib.Message{Role: anyllmlib.RoleUser, Content: turn.User},
			anyllmlib.Message{Role: anyllmlib.RoleAssistant, Content: turn.Assistant},
		)
	}
	messages = append(messages, anyllmlib.Message{Role: anyllmlib.RoleUser, Content: req.UserText})

	temperature := req.Temperature
	if temperature == 0 {
		temperature = defaultTemperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	return anyllmlib.CompletionParams{
		Model:       p.model,
		Messages:    messages,
		Temperature: &temperature,
		MaxTokens:   &maxTokens,
	}
}
