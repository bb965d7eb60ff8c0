// Package memory maintains per-connection conversation history under a
// strict token budget.
//
// Each connection owns one [Conversation]. Completed exchanges are appended
// as [types.Turn] values; when the estimated footprint exceeds the budget,
// the oldest turns are folded into a rolling summary by a [Summariser]
// running in the background. [Conversation.Snapshot] assembles the bounded
// [types.MemorySnapshot] handed to the language model, waiting briefly for
// an in-flight summarisation before falling back to a trimmed view.
//
// All exported types are safe for concurrent use.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/echolens-ai/echolens/internal/observe"
	"github.com/echolens-ai/echolens/pkg/types"
)

// charsPerToken is the heuristic ratio used for token estimation.
// English text averages roughly 4 characters per token across common
// LLM tokenizers. This avoids pulling in a tokenizer dependency.
const charsPerToken = 4

// DefaultMaxTokens is the per-connection budget for the combined estimate
// of the rolling summary plus verbatim turns.
const DefaultMaxTokens = 2000

// DefaultSnapshotWait bounds how long [Conversation.Snapshot] blocks on an
// in-flight summarisation before proceeding with the current state.
const DefaultSnapshotWait = 5 * time.Second

// summariseBackstop is the hard stop for one background summarisation run,
// covering all retries of the underlying model call.
const summariseBackstop = 2 * time.Minute

// maxSummarisePasses caps how many times one background run may call the
// summariser. If the budget is still exceeded afterwards, the next Append
// starts a fresh run.
const maxSummarisePasses = 4

// Conversation is the memory record for one connection: ordered verbatim
// turns plus a single rolling summary of turns too old to retain.
//
// Append never discards data. The budget is enforced in two layers: a
// background summarisation absorbs the oldest turns into the summary, and
// [Conversation.Snapshot] trims its returned copy as a last resort so the
// view handed to the model never exceeds the budget even while
// summarisation is behind.
type Conversation struct {
	maxTokens    int
	snapshotWait time.Duration
	summariser   Summariser
	metrics      *observe.Metrics

	mu      sync.Mutex
	summary string
	turns   []types.Turn
	pending chan struct{} // non-nil while a summarisation run is in flight; closed on completion
	gen     uint64        // bumped by Clear so stale runs discard their result
}

// Config configures a [Conversation].
type Config struct {
	// MaxTokens is the hard budget for the combined snapshot estimate.
	// Defaults to [DefaultMaxTokens] if zero or negative.
	MaxTokens int

	// SnapshotWait bounds how long Snapshot blocks on an in-flight
	// summarisation. Defaults to [DefaultSnapshotWait] if zero or negative.
	SnapshotWait time.Duration

	// Summariser folds old turns into the rolling summary. When nil, the
	// budget is enforced by snapshot trimming alone.
	Summariser Summariser

	// Metrics receives summarisation and snapshot instrumentation. Defaults
	// to [observe.DefaultMetrics] when nil.
	Metrics *observe.Metrics
}

// New creates an empty [Conversation] with the given configuration.
func New(cfg Config) *Conversation {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.SnapshotWait <= 0 {
		cfg.SnapshotWait = DefaultSnapshotWait
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Conversation{
		maxTokens:    cfg.MaxTokens,
		snapshotWait: cfg.SnapshotWait,
		summariser:   cfg.Summariser,
		metrics:      cfg.Metrics,
	}
}

// Append records one completed exchange. It never blocks on the model: if
// the budget is exceeded it kicks off a background summarisation run and
// returns immediately.
func (c *Conversation) Append(user, assistant, screenSummary string) {
	turn := types.Turn{
		User:          user,
		Assistant:     assistant,
		ScreenSummary: screenSummary,
		At:            time.Now(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns = append(c.turns, turn)
	if c.summariser != nil && c.pending == nil && len(c.turns) > 1 && c.estimateLocked() > c.maxTokens {
		c.pending = make(chan struct{})
		go c.summariseOldest(c.gen, c.pending)
	}
}

// Snapshot assembles the conversation state for one model call. If a
// summarisation run is in flight it waits for it, bounded by the configured
// wait and by ctx, then falls back to the current state. The returned
// snapshot is a copy and its token estimate never exceeds the budget.
func (c *Conversation) Snapshot(ctx context.Context) types.MemorySnapshot {
	c.mu.Lock()
	ch := c.pending
	c.mu.Unlock()

	if ch != nil {
		wait := time.NewTimer(c.snapshotWait)
		defer wait.Stop()
		select {
		case <-ch:
		case <-wait.C:
			slog.Debug("memory snapshot proceeding before summarisation finished",
				"waited", c.snapshotWait)
		case <-ctx.Done():
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	snap := types.MemorySnapshot{
		Summary: c.summary,
		Turns:   append([]types.Turn(nil), c.turns...),
	}
	snap = trimToBudget(snap, c.maxTokens)
	c.metrics.RecordSnapshotTokens(ctx, estimateSnapshot(snap))
	return snap
}

// Clear discards all turns and the summary. An in-flight summarisation run
// is invalidated; its result will be dropped when it completes.
func (c *Conversation) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.turns = nil
	c.summary = ""
}

// TokenEstimate returns the current estimated token count of the full
// record (summary plus all verbatim turns, before any snapshot trimming).
func (c *Conversation) TokenEstimate() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.estimateLocked()
}

// Len returns the number of verbatim turns currently retained.
func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.turns)
}

// summariseOldest is the background run started by Append. Each pass folds
// the oldest half of the turns into the rolling summary, repeating while
// the record is still over budget. Only this run removes turns from the
// front, so the captured prefix stays valid across the model call unless
// Clear bumps the generation.
func (c *Conversation) summariseOldest(gen uint64, done chan struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), summariseBackstop)
	defer cancel()

	defer func() {
		c.mu.Lock()
		if c.pending == done {
			c.pending = nil
		}
		c.mu.Unlock()
		close(done)
	}()

	for range maxSummarisePasses {
		c.mu.Lock()
		if c.gen != gen || len(c.turns) < 2 || c.estimateLocked() <= c.maxTokens {
			c.mu.Unlock()
			return
		}
		half := len(c.turns) / 2
		oldest := make([]types.Turn, half)
		copy(oldest, c.turns[:half])
		existing := c.summary
		c.mu.Unlock()

		summary, err := c.summariser.Summarise(ctx, existing, oldest)
		if err != nil {
			slog.Warn("conversation summarisation failed, keeping verbatim turns",
				"error", err, "turns", len(oldest))
			c.metrics.RecordSummarisation(ctx, "error")
			return
		}

		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			c.metrics.RecordSummarisation(ctx, "stale")
			return
		}
		c.turns = append([]types.Turn(nil), c.turns[half:]...)
		c.summary = summary
		c.mu.Unlock()
		c.metrics.RecordSummarisation(ctx, "ok")
	}
}

// estimateLocked returns the token estimate for the full record.
// Must be called with c.mu held.
func (c *Conversation) estimateLocked() int {
	total := estimateText(c.summary)
	for _, t := range c.turns {
		total += estimateTurn(t)
	}
	return total
}

// trimToBudget enforces the hard bound on a snapshot copy. The underlying
// record keeps every turn; only the view handed to the model is cut.
// Oldest turns go first, then the summary, then the last turn's own text.
func trimToBudget(snap types.MemorySnapshot, maxTokens int) types.MemorySnapshot {
	for estimateSnapshot(snap) > maxTokens && len(snap.Turns) > 1 {
		snap.Turns = snap.Turns[1:]
	}
	if estimateSnapshot(snap) > maxTokens && snap.Summary != "" {
		snap.Summary = ""
	}
	if estimateSnapshot(snap) > maxTokens && len(snap.Turns) == 1 {
		limit := maxTokens * charsPerToken / 2
		t := &snap.Turns[0]
		t.ScreenSummary = ""
		t.User = truncate(t.User, limit)
		t.Assistant = truncate(t.Assistant, limit)
	}
	return snap
}

// estimateSnapshot returns the token estimate for a snapshot.
func estimateSnapshot(s types.MemorySnapshot) int {
	total := estimateText(s.Summary)
	for _, t := range s.Turns {
		total += estimateTurn(t)
	}
	return total
}

// estimateTurn returns a rough token count for a single turn using the
// 1-token-per-4-characters heuristic.
func estimateTurn(t types.Turn) int {
	chars := len(t.User) + len(t.Assistant) + len(t.ScreenSummary)
	tokens := chars / charsPerToken
	if tokens == 0 && chars > 0 {
		tokens = 1
	}
	return tokens
}

// estimateText returns a rough token count for a bare string.
func estimateText(s string) int {
	if s == "" {
		return 0
	}
	tokens := len(s) / charsPerToken
	if tokens == 0 {
		tokens = 1
	}
	return tokens
}

// truncate cuts s to at most limit bytes without splitting a rune.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}
