// Package stt defines the speech-to-text adapter contract.
//
// An adapter wraps one transcription backend behind a single batch
// operation. Adapters are stateless values: every call carries its full
// input, requests are constructed idempotently, and the same adapter may be
// shared by all connections. Deadlines, retries, and circuit breaking are
// applied by the resilience layer wrapping the adapter, not inside it.
// Adapters only classify their failures into [fault.Kind]s at the edge.
package stt

import (
	"context"
	"time"
)

// Request is one utterance to transcribe.
type Request struct {
	// Samples is the utterance audio, mono float32 in [-1, 1].
	Samples []float32

	// SampleRate in Hz of Samples.
	SampleRate int

	// Language is an optional BCP-47 hint (e.g. "en"). Empty lets the
	// backend detect.
	Language string
}

// Result is a completed transcription.
type Result struct {
	// Text is the transcribed speech. May be empty when the backend heard
	// nothing intelligible; the caller decides what empty means.
	Text string

	// Confidence is the backend's confidence (0.0–1.0), zero when the
	// backend does not report one.
	Confidence float64

	// ProcessingTime is the wall time the backend call took.
	ProcessingTime time.Duration
}

// Provider transcribes utterance audio. Implementations must be safe for
// concurrent use and must respect context cancellation promptly; in-flight
// HTTP requests are expected to abort within 500 ms of the context firing.
type Provider interface {
	Transcribe(ctx context.Context, req Request) (*Result, error)
}
