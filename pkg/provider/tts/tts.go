// Package tts defines the text-to-speech adapter contract.
//
// An adapter wraps one synthesis backend behind a single batch operation
// returning float32 samples, which is the representation the client plays
// back. Adapters are stateless and shared across connections; resilience
// wraps them from outside.
package tts

import (
	"context"
	"time"
)

// Request is one utterance to synthesize.
type Request struct {
	// Text to speak. Callers pass display text; adapters apply their own
	// spoken-form preprocessing.
	Text string

	// Voice selects the voice preset. Empty uses the adapter default.
	Voice string
}

// Result is synthesized speech.
type Result struct {
	// Samples is the synthesized audio, mono float32 in [-1, 1].
	Samples []float32

	// SampleRate in Hz of Samples.
	SampleRate int

	// Duration is the playback length of Samples.
	Duration time.Duration

	// ProcessingTime is the wall time the backend call took.
	ProcessingTime time.Duration
}

// Provider synthesizes speech. Implementations must be safe for concurrent
// use and abort in-flight calls promptly on context cancellation.
type Provider interface {
	Synthesize(ctx context.Context, req Request) (*Result, error)
}
