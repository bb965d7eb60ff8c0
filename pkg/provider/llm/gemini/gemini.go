// Package gemini provides a language-model provider backed by the Google
// Gemini REST API (generativelanguage.googleapis.com).
//
// The adapter speaks the v1beta generateContent endpoint directly: the
// conversation snapshot becomes the contents history (Gemini names the
// assistant role "model"), the rolling summary rides in the system
// instruction, and a screen capture is attached as an inlineData image part
// on the final user message. Gemini is the default backend because it
// handles text and vision in one call.
//
// Usage:
//
//	p := gemini.New(os.Getenv("GEMINI_API_KEY"),
//	    gemini.WithModel("gemini-1.5-flash"),
//	)
//	res, err := p.Respond(ctx, llm.Request{UserText: "what's on my screen?", Screen: img})
package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/echolens-ai/echolens/pkg/fault"
	"github.com/echolens-ai/echolens/pkg/provider/llm"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultModel   = "gemini-1.5-flash"

	defaultTemperature = 0.7
	defaultMaxTokens   = 1000
)

// Compile-time assertion that Provider implements llm.Provider.
var _ llm.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model identifier (e.g. "gemini-1.5-flash").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithBaseURL overrides the API base URL, for proxies and tests.
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		p.baseURL = strings.TrimRight(url, "/")
	}
}

// WithHTTPClient substitutes the HTTP client, mainly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements llm.Provider against the Gemini REST API. It is
// stateless and safe for concurrent use.
type Provider struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// New returns a Provider authenticating with the given API key.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// ---- wire types ----

type generateRequest struct {
	SystemInstruction *content         `json:"systemInstruction,omitempty"`
	Contents          []content        `json:"contents"`
	GenerationConfig  generationConfig `json:"generationConfig"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type generationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// Respond implements llm.Provider.
func (p *Provider) Respond(ctx context.Context, req llm.Request) (*llm.Result, error) {
	if strings.TrimSpace(req.UserText) == "" {
		return nil, fault.New(fault.InvalidInput, "gemini: empty user text")
	}

	body, err := json.Marshal(p.buildRequest(req))
	if err != nil {
		return nil, fault.Wrap(fault.Internal, fmt.Errorf("gemini: marshal request: %w", err))
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", p.baseURL, p.model, p.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fault.Wrap(fault.Internal, fmt.Errorf("gemini: create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fault.Wrap(fault.Timeout, fmt.Errorf("gemini: completion: %w", ctx.Err()))
		}
		return nil, fault.Wrap(fault.UpstreamUnavailable, fmt.Errorf("gemini: completion request: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fault.Wrap(fault.UpstreamUnavailable, fmt.Errorf("gemini: read response: %w", err))
	}

	var gr generateResponse
	if jsonErr := json.Unmarshal(raw, &gr); jsonErr != nil && resp.StatusCode == http.StatusOK {
		return nil, fault.Wrap(fault.UpstreamRejected, fmt.Errorf("gemini: parse response: %w", jsonErr))
	}

	if kind := fault.FromStatusCode(resp.StatusCode); kind != "" {
		detail := fmt.Sprintf("HTTP %d", resp.StatusCode)
		if gr.Error != nil {
			detail = fmt.Sprintf("HTTP %d: %s", resp.StatusCode, gr.Error.Message)
		}
		return nil, fault.New(kind, "gemini: completion returned %s", detail)
	}

	if gr.PromptFeedback != nil && gr.PromptFeedback.BlockReason != "" {
		return nil, fault.New(fault.UpstreamRejected, "gemini: prompt blocked: %s", gr.PromptFeedback.BlockReason)
	}
	if len(gr.Candidates) == 0 {
		return nil, fault.New(fault.UpstreamRejected, "gemini: no candidates in response")
	}

	var text strings.Builder
	for _, pt := range gr.Candidates[0].Content.Parts {
		text.WriteString(pt.Text)
	}

	result := &llm.Result{
		Text:           text.String(),
		ProcessingTime: time.Since(start),
	}
	if req.Screen != nil {
		result.ScreenSummary = "Answered using the user's shared screen."
	}
	return result, nil
}

// buildRequest converts an llm.Request into the Gemini wire shape.
func (p *Provider) buildRequest(req llm.Request) generateRequest {
	system := req.SystemPrompt
	if system == "" {
		system = llm.DefaultSystemPrompt
	}
	if req.Memory.Summary != "" {
		system += "\n\nSummary of the conversation so far: " + req.Memory.Summary
	}

	var contents []content
	for _, turn := range req.Memory.Turns {
		contents = append(contents,
			content{Role: "user", Parts: []part{{Text: turn.User}}},
			content{Role: "model", Parts: []part{{Text: turn.Assistant}}},
		)
	}

	userParts := []part{{Text: req.UserText}}
	if req.Screen != nil {
		userParts = append(userParts, part{InlineData: &inlineData{
			MIMEType: req.Screen.MIMEType,
			Data:     base64.StdEncoding.EncodeToString(req.Screen.Data),
		}})
	}
	contents = append(contents, content{Role: "user", Parts: userParts})

	temperature := req.Temperature
	if temperature == 0 {
		temperature = defaultTemperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	return generateRequest{
		SystemInstruction: &content{Parts: []part{{Text: system}}},
		Contents:          contents,
		GenerationConfig: generationConfig{
			Temperature:     temperature,
			MaxOutputTokens: maxTokens,
		},
	}
}

// Ping probes the model metadata endpoint for readiness reporting.
func (p *Provider) Ping(ctx context.Context) error {
	url := fmt.Sprintf("%s/models/%s?key=%s", p.baseURL, p.model, p.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("gemini: create ping request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gemini: ping: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gemini: ping returned HTTP %d", resp.StatusCode)
	}
	return nil
}
