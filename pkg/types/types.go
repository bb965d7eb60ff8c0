// Package types defines the shared types used across all EchoLens packages.
//
// These types form the lingua franca between the transport, the speech
// aggregator, the pipeline, the memory layer, and the model adapters. They are
// intentionally minimal: each package defines its own domain types, but
// cross-cutting data structures live here to avoid circular imports.
package types

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// VADVerdict is the per-frame voice-activity annotation supplied by the
// client's detector. The server never runs its own VAD; it trusts this
// verdict to drive session boundaries.
type VADVerdict struct {
	// IsSpeaking reports whether the client classified the frame as speech.
	// A frame with IsSpeaking=false is a silence marker, not audio to
	// transcribe.
	IsSpeaking bool `json:"isSpeaking"`

	// Energy is the frame's signal energy as computed by the client.
	Energy float64 `json:"energy"`

	// Confidence is the detector's confidence in the verdict (0.0–1.0).
	Confidence float64 `json:"confidence"`
}

// Frame is a single inbound audio frame: float32 mono samples in [-1, 1]
// plus the VAD verdict that accompanied them. Frames are ephemeral; only
// samples captured while speech is active are retained.
type Frame struct {
	// Samples holds mono float32 PCM. Empty for silence-only signals.
	Samples []float32

	// SampleRate in Hz as declared by the client (canonically 16000).
	SampleRate int

	// VAD is the client's verdict for this frame.
	VAD VADVerdict

	// Screen optionally carries a screen capture delivered alongside the
	// audio. When present it is attached to the session completed by (or
	// containing) this frame.
	Screen *ScreenImage

	// ClientTimestamp is the client clock in milliseconds since epoch.
	ClientTimestamp int64
}

// ScreenImage is a decoded screen capture ready for submission to a vision
// model.
type ScreenImage struct {
	// MIMEType of the encoded image, e.g. "image/jpeg".
	MIMEType string

	// Data is the raw encoded image bytes.
	Data []byte
}

// DataURI renders the image as an RFC 2397 data URI, the form vision APIs
// accept inline.
func (s *ScreenImage) DataURI() string {
	return fmt.Sprintf("data:%s;base64,%s", s.MIMEType, base64.StdEncoding.EncodeToString(s.Data))
}

// Utterance is a completed speech session: a maximal contiguous span of
// speech frames bounded by silence or by the maximum duration, delivered as
// one audio blob to transcription. At most one utterance is open per
// connection at any time; completed utterances are handed to the pipeline by
// value and never mutated afterwards.
type Utterance struct {
	// ID is unique per connection and monotonically increasing, rendered as
	// "<connID>-<seq>".
	ID string

	// Seq is the per-connection sequence number starting at 1.
	Seq uint64

	// ConnID identifies the owning connection.
	ConnID string

	// Samples is the accumulated speech audio, mono float32.
	Samples []float32

	// SampleRate in Hz of Samples.
	SampleRate int

	// Start is the wall time the session opened.
	Start time.Time

	// LastSpeech is the wall time of the most recent speech frame.
	LastSpeech time.Time

	// Screen is the screen capture attached to the session, if any.
	Screen *ScreenImage
}

// Duration is the accumulated speech duration derived from the sample count.
func (u *Utterance) Duration() time.Duration {
	if u.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(len(u.Samples)) / float64(u.SampleRate) * float64(time.Second))
}

// Turn is one completed conversation exchange. Turns are created when an AI
// response is finalised, stored in order of production, and never mutated.
type Turn struct {
	// User is the transcribed user utterance.
	User string

	// Assistant is the AI response text.
	Assistant string

	// ScreenSummary optionally describes the screen context that informed
	// the answer.
	ScreenSummary string

	// At is the wall time the turn was committed.
	At time.Time
}

// MemorySnapshot is the bounded, possibly summarised conversation state
// handed to the language model for one call. It is assembled by the memory
// store and treated as an opaque read-only carrier everywhere else.
type MemorySnapshot struct {
	// Summary is the rolling summary of turns too old to retain verbatim.
	// Empty until the first summarisation.
	Summary string

	// Turns are the recent exchanges retained verbatim, oldest first.
	Turns []Turn
}

// Empty reports whether the snapshot carries no conversation state at all.
func (s MemorySnapshot) Empty() bool {
	return s.Summary == "" && len(s.Turns) == 0
}

// Transcript renders the snapshot as a plain-text conversation log, used by
// adapters whose APIs take a single prompt rather than structured history.
func (s MemorySnapshot) Transcript() string {
	var b strings.Builder
	if s.Summary != "" {
		b.WriteString("[Previous conversation summary]: ")
		b.WriteString(s.Summary)
		b.WriteString("\n")
	}
	for _, t := range s.Turns {
		b.WriteString("User: ")
		b.WriteString(t.User)
		b.WriteString("\nAssistant: ")
		b.WriteString(t.Assistant)
		b.WriteString("\n")
	}
	return b.String()
}
