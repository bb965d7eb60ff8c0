// Package hf provides a speech-to-text provider backed by the Hugging Face
// Inference API.
//
// Audio is submitted as a single binary WAV upload to the hosted model
// endpoint (default openai/whisper-large-v3), which returns the transcription
// as JSON. The hosted API is a batch service: one HTTP round trip per
// utterance, no streaming. A cold model answers 503 with an estimated load
// time; that is classified [fault.UpstreamUnavailable] so the resilience
// layer retries it.
//
// Usage:
//
//	p := hf.New(os.Getenv("HF_API_TOKEN"),
//	    hf.WithModel("openai/whisper-large-v3"),
//	    hf.WithTimeout(20*time.Second),
//	)
//	res, err := p.Transcribe(ctx, stt.Request{Samples: samples, SampleRate: 16000})
package hf

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/echolens-ai/echolens/pkg/audio"
	"github.com/echolens-ai/echolens/pkg/fault"
	"github.com/echolens-ai/echolens/pkg/provider/stt"
)

const (
	defaultBaseURL = "https://api-inference.huggingface.co/models"
	defaultModel   = "openai/whisper-large-v3"

	// maxUtteranceBytes bounds the WAV upload. 30 s of 16 kHz 16-bit mono is
	// well under this; anything larger indicates a caller bug.
	maxUtteranceBytes = 4 << 20
)

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the hosted model identifier (e.g. "openai/whisper-large-v3").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithBaseURL overrides the Inference API base URL, for proxies or
// self-hosted inference endpoints.
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

// WithTimeout sets a hard per-request HTTP timeout. The per-stage deadline
// arrives via context; this is a safety net below it.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// Provider implements stt.Provider against the Hugging Face Inference API.
// It is stateless and safe for concurrent use.
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

// Transcribe implements stt.Provider. The Language hint is ignored: the
// hosted binary endpoint does not accept per-request parameters.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (*stt.Result, error) {
	if len(req.Samples) == 0 {
		return nil, fault.New(fault.InvalidInput, "hf: empty audio")
	}
	if req.SampleRate <= 0 {
		return nil, fault.New(fault.InvalidInput, "hf: invalid sample rate %d", req.SampleRate)
	}

	wav := audio.EncodeWAV16(req.Samples, req.SampleRate)
	if len(wav) > maxUtteranceBytes {
		return nil, fault.New(fault.InvalidInput, "hf: utterance too large (%d bytes)", len(wav))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/"+p.model, bytes.NewReader(wav))
	if err != nil {
		return nil, fault.Wrap(fault.Internal, fmt.Errorf("hf: create request: %w", err))
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.token)
	httpReq.Header.Set("Content-Type", "audio/wav")

	start := time.Now()
	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fault.Wrap(fault.Timeout, fmt.Errorf("hf: transcription: %w", ctx.Err()))
		}
		return nil, fault.Wrap(fault.UpstreamUnavailable, fmt.Errorf("hf: transcription request: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fault.Wrap(fault.UpstreamUnavailable, fmt.Errorf("hf: read response: %w", err))
	}

	if kind := fault.FromStatusCode(resp.StatusCode); kind != "" {
		return nil, fault.New(kind, "hf: transcription returned HTTP %d: %s", resp.StatusCode, errorDetail(body))
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fault.Wrap(fault.UpstreamRejected, fmt.Errorf("hf: parse transcription response: %w", err))
	}

	return &stt.Result{
		Text:           result.Text,
		ProcessingTime: time.Since(start),
	}, nil
}

// Ping probes the model endpoint for readiness reporting. A HEAD to the
// model URL answers 200 for a loaded model and 503 while loading.
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
