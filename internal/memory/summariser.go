package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/echolens-ai/echolens/pkg/provider/llm"
	"github.com/echolens-ai/echolens/pkg/types"
)

// summarisationPrompt is the system prompt sent to the model when folding
// old turns into the rolling summary.
const summarisationPrompt = `Summarise the following conversation between a user and a voice assistant.
Preserve: the user's goals and preferences, questions asked and answers given, anything
discussed from the user's screen, and unresolved follow-ups.
Be concise but keep every detail needed to continue the conversation naturally.`

// summaryMaxTokens bounds the model output for a summarisation call so the
// rolling summary stays well inside the memory budget.
const summaryMaxTokens = 400

// summaryTemperature keeps summarisation output stable across retries.
const summaryTemperature = 0.3

// Summariser folds old turns and the existing rolling summary into a new
// rolling summary that replaces both.
type Summariser interface {
	Summarise(ctx context.Context, existing string, turns []types.Turn) (string, error)
}

// LLMSummariser implements [Summariser] on top of a language-model adapter.
// Passing the guarded adapter gives summarisation the same deadline, retry
// and breaker behaviour as pipeline calls.
type LLMSummariser struct {
	llm llm.Provider
}

var _ Summariser = (*LLMSummariser)(nil)

// NewLLMSummariser creates a [LLMSummariser] backed by the given provider.
func NewLLMSummariser(provider llm.Provider) *LLMSummariser {
	return &LLMSummariser{llm: provider}
}

// Summarise formats the turns into a transcript, prefixed by the existing
// summary, and asks the model for a replacement summary covering both.
func (s *LLMSummariser) Summarise(ctx context.Context, existing string, turns []types.Turn) (string, error) {
	if len(turns) == 0 {
		return existing, nil
	}

	var sb strings.Builder
	if existing != "" {
		fmt.Fprintf(&sb, "Existing summary of the conversation so far:\n%s\n\nNewer exchanges to fold in:\n", existing)
	}
	for _, t := range turns {
		fmt.Fprintf(&sb, "[user]: %s\n[assistant]: %s\n", t.User, t.Assistant)
		if t.ScreenSummary != "" {
			fmt.Fprintf(&sb, "(screen context: %s)\n", t.ScreenSummary)
		}
	}

	resp, err := s.llm.Respond(ctx, llm.Request{
		UserText:     sb.String(),
		SystemPrompt: summarisationPrompt,
		Temperature:  summaryTemperature,
		MaxTokens:    summaryMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("memory: summarise: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}
