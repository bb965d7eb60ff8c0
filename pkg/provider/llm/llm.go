// Package llm defines the language-model adapter contract.
//
// An adapter wraps one chat/vision backend behind a single Respond
// operation. The conversation state arrives as a [types.MemorySnapshot]
// assembled by the memory store; adapters translate it into whatever
// history representation their backend expects. Adapters are stateless and
// shared across connections; resilience (deadline, retry, breaker) wraps
// them from outside.
package llm

import (
	"context"
	"strings"
	"time"

	"github.com/echolens-ai/echolens/pkg/types"
)

// ScreenSentinel is the marker a model emits inside its response when
// answering requires a current screen image. The system prompt instructs the
// model to use it; [ExtractScreenRequest] strips it back out. The sentinel
// never reaches the client.
const ScreenSentinel = "[SCREEN_CAPTURE_REQUEST]"

// DefaultSystemPrompt is the conversational prompt used when the caller does
// not override it. It teaches the model the screen-capture sentinel.
const DefaultSystemPrompt = `You are a helpful voice assistant. The user speaks to you and may share their screen.
Keep answers concise and conversational, since they will be read aloud.
If answering the user's question requires seeing their current screen and no screen image was provided, include the exact marker ` + ScreenSentinel + ` in your reply together with your best answer so far.`

// Request is one completion call.
type Request struct {
	// UserText is the user's transcribed utterance, or, for auxiliary
	// calls such as summarisation, the full prompt body.
	UserText string

	// Memory is the bounded conversation state preceding this utterance.
	Memory types.MemorySnapshot

	// Screen optionally attaches a screen capture for vision backends.
	Screen *types.ScreenImage

	// SystemPrompt overrides [DefaultSystemPrompt] when non-empty.
	SystemPrompt string

	// SessionID is a hint identifying the speech session, for logging and
	// backend affinity. Optional.
	SessionID string

	// Temperature overrides the adapter default when non-zero.
	Temperature float64

	// MaxTokens bounds the completion length when non-zero.
	MaxTokens int
}

// Result is a completed response.
type Result struct {
	// Text is the model's reply. It may contain [ScreenSentinel]; callers
	// strip it via [ExtractScreenRequest].
	Text string

	// ScreenSummary is non-empty when a screen image informed the answer;
	// it is a one-line description suitable for storing with the turn.
	ScreenSummary string

	// ProcessingTime is the wall time the backend call took.
	ProcessingTime time.Duration
}

// Provider produces responses. Implementations must be safe for concurrent
// use and abort in-flight calls promptly on context cancellation.
type Provider interface {
	Respond(ctx context.Context, req Request) (*Result, error)
}

// ExtractScreenRequest strips every occurrence of [ScreenSentinel] from text
// and reports whether one was present. The cleaned text is
// whitespace-normalised at the cut points.
func ExtractScreenRequest(text string) (clean string, requested bool) {
	if !strings.Contains(text, ScreenSentinel) {
		return text, false
	}
	clean = strings.ReplaceAll(text, ScreenSentinel, " ")
	clean = strings.Join(strings.Fields(clean), " ")
	return clean, true
}
