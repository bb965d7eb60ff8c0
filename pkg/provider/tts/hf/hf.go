// Package hf provides a text-to-speech provider backed by the Hugging Face
// Inference API.
//
// Text is submitted as JSON to the hosted model endpoint (default
// microsoft/speecht5_tts) and the synthesized audio comes back as a WAV
// stream, which is decoded to float32 samples. The hosted API is a batch
// service: one HTTP round trip per utterance. A cold model answers 503 and
// is retried by the resilience layer.
//
// Before synthesis the text is normalised to spoken form: symbols become
// words, markdown decoration is stripped, whitespace collapses, and overly
// long inputs are clamped at a word boundary. Speech models produce garbage
// on raw markdown and symbol soup.
package hf

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/echolens-ai/echolens/pkg/audio"
	"github.com/echolens-ai/echolens/pkg/fault"
	"github.com/echolens-ai/echolens/pkg/provider/tts"
)

const (
	defaultBaseURL = "https://api-inference.huggingface.co/models"
	defaultModel   = "microsoft/speecht5_tts"

	// maxSpokenChars clamps the synthesis input; longer answers are cut at
	// the last word boundary before the limit.
	maxSpokenChars = 500
)

// Compile-time assertion that Provider implements tts.Provider.
var _ tts.Provider = (*Provider)(nil)

// symbolWords maps symbols the model cannot pronounce to their spoken form.
var symbolWords = []struct{ from, to string }{
	{"&", " and "},
	{"%", " percent "},
	{"+", " plus "},
	{"=", " equals "},
	{"@", " at "},
	{"#", " number "},
}

var markdownDecoration = regexp.MustCompile("[*_`~]+")

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the hosted model identifier (e.g. "microsoft/speecht5_tts").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithBaseURL overrides the Inference API base URL.
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		p.baseURL = url
	}
}

// WithHTTPClient substitutes the HTTP client, mainly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// WithTimeout sets a hard per-request HTTP timeout below the stage deadline.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// Provider implements tts.Provider against the Hugging Face Inference API.
// It is stateless and safe for concurrent use. The Voice field of requests
// is ignored: hosted speecht5 uses its built-in speaker embedding.
type Provider struct {
	token      string
	model      string
	baseURL    string
	httpClient *http.Client
}

// New returns a Provider authenticating with the given API token.
func New(token string, opts ...Option) *Provider {
	p := &Provider{
		token:      token,
		model:      defaultModel,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (*tts.Result, error) {
	text := SpokenForm(req.Text)
	if text == "" {
		return nil, fault.New(fault.InvalidInput, "hf: nothing to synthesize")
	}

	payload, err := json.Marshal(map[string]string{"inputs": text})
	if err != nil {
		return nil, fault.Wrap(fault.Internal, fmt.Errorf("hf: marshal synthesis request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/"+p.model, bytes.NewReader(payload))
	if err != nil {
		return nil, fault.Wrap(fault.Internal, fmt.Errorf("hf: create request: %w", err))
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.token)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/wav")

	start := time.Now()
	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fault.Wrap(fault.Timeout, fmt.Errorf("hf: synthesis: %w", ctx.Err()))
		}
		return nil, fault.Wrap(fault.UpstreamUnavailable, fmt.Errorf("hf: synthesis request: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fault.Wrap(fault.UpstreamUnavailable, fmt.Errorf("hf: read response: %w", err))
	}

	if kind := fault.FromStatusCode(resp.StatusCode); kind != "" {
		return nil, fault.New(kind, "hf: synthesis returned HTTP %d: %s", resp.StatusCode, errorDetail(body))
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch mediaType {
	case "audio/wav", "audio/x-wav", "audio/wave":
	default:
		return nil, fault.New(fault.UpstreamRejected, "hf: unsupported synthesis content type %q", mediaType)
	}

	samples, rate, err := audio.DecodeWAV16(body)
	if err != nil {
		return nil, fault.Wrap(fault.UpstreamRejected, fmt.Errorf("hf: decode synthesis audio: %w", err))
	}

	return &tts.Result{
		Samples:        samples,
		SampleRate:     rate,
		Duration:       audio.Duration(len(samples), rate),
		ProcessingTime: time.Since(start),
	}, nil
}

// Ping probes the model endpoint for readiness reporting.
func (p *Provider) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.baseURL+"/"+p.model, nil)
	if err != nil {
		return fmt.Errorf("hf: create ping request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.token)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("hf: ping: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusServiceUnavailable {
		return fmt.Errorf("hf: ping returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// SpokenForm normalises display text for speech synthesis: symbol
// replacement, markdown stripping, whitespace collapse, and length clamping
// at a word boundary. Exported so tests and alternative providers share the
// exact normalisation.
func SpokenForm(text string) string {
	// Strip heading markers at line starts before "#" becomes a spoken word.
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimLeft(line, "# ")
	}
	text = strings.Join(lines, " ")

	for _, s := range symbolWords {
		text = strings.ReplaceAll(text, s.from, s.to)
	}
	text = markdownDecoration.ReplaceAllString(text, "")

	text = strings.Join(strings.Fields(text), " ")

	if len(text) > maxSpokenChars {
		cut := strings.LastIndex(text[:maxSpokenChars], " ")
		if cut <= 0 {
			cut = maxSpokenChars
		}
		text = text[:cut]
	}
	return text
}

// errorDetail extracts the "error" field the Inference API returns on
// failures, falling back to a clipped raw body.
func errorDetail(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		return e.Error
	}
	if len(body) > 200 {
		body = body[:200]
	}
	return string(body)
}
