// Package openai provides a language-model provider backed by the OpenAI
// chat completions API, including vision input for screen captures.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/echolens-ai/echolens/pkg/fault"
	"github.com/echolens-ai/echolens/pkg/provider/llm"
)

const (
	defaultModel       = "gpt-4o-mini"
	defaultTemperature = 0.7
	defaultMaxTokens   = 1000
)

// Compile-time assertion that Provider implements llm.Provider.
var _ llm.Provider = (*Provider)(nil)

// config holds optional configuration for the provider.
type config struct {
	baseURL string
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL, for
// OpenAI-compatible gateways.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout below the stage deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// Provider implements llm.Provider using the OpenAI API. It is stateless
// and safe for concurrent use.
type Provider struct {
	client oai.Client
	model  string
}

// New constructs a Provider. model may be empty to use the default.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	if model == "" {
		model = defaultModel
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Provider{client: oai.NewClient(reqOpts...), model: model}, nil
}

// Respond implements llm.Provider.
func (p *Provider) Respond(ctx context.Context, req llm.Request) (*llm.Result, error) {
	if strings.TrimSpace(req.UserText) == "" {
		return nil, fault.New(fault.InvalidInput, "openai: empty user text")
	}

	params := p.buildParams(req)

	start := time.Now()
	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, classify(fmt.Errorf("openai: chat completion: %w", err), ctx)
	}
	if len(resp.Choices) == 0 {
		return nil, fault.New(fault.UpstreamRejected, "openai: empty choices in response")
	}

	result := &llm.Result{
		Text:           resp.Choices[0].Message.Content,
		ProcessingTime: time.Since(start),
	}
	if req.Screen != nil {
		result.ScreenSummary = "Answered using the user's shared screen."
	}
	return result, nil
}

// buildParams converts an llm.Request into OpenAI SDK params.
func (p *Provider) buildParams(req llm.Request) oai.ChatCompletionNewParams {
	system := req.SystemPrompt
	if system == "" {
		system = llm.DefaultSystemPrompt
	}
	if req.Memory.Summary != "" {
		system += "\n\nSummary of the conversation so far: " + req.Memory.Summary
	}

	messages := []oai.ChatCompletionMessageParamUnion{
		oai.SystemMessage(system),
	}
	for _, turn := range req.Memory.Turns {
		messages = append(messages,
			oai.UserMessage(turn.User),
			oai.AssistantMessage(turn.Assistant),
		)
	}

	if req.Screen != nil {
		messages = append(messages, oai.UserMessage([]oai.ChatCompletionContentPartUnionParam{
			oai.TextContentPart(req.UserText),
			oai.ImageContentPart(oai.ChatCompletionContentPartImageImageURLParam{
				URL: req.Screen.DataURI(),
			}),
		}))
	} else {
		messages = append(messages, oai.UserMessage(req.UserText))
	}

	temperature := req.Temperature
	if temperature == 0 {
		temperature = defaultTemperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	return oai.ChatCompletionNewParams{
		Model:               shared.ChatModel(p.model),
		Messages:            messages,
		Temperature:         param.NewOpt(temperature),
		MaxCompletionTokens: param.NewOpt(int64(maxTokens)),
	}
}

// classify maps SDK errors onto failure kinds using the HTTP status when
// one is available.
func classify(err error, ctx context.Context) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		if kind := fault.FromStatusCode(apiErr.StatusCode); kind != "" {
			return fault.Wrap(kind, err)
		}
	}
	if ctx.Err() != nil {
		return fault.Wrap(fault.Timeout, err)
	}
	return fault.Wrap(fault.UpstreamUnavailable, err)
}
