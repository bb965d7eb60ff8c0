// Package app wires the echolens subsystems into a running service.
//
// New builds the full object graph from a validated config and the three
// model providers: resilience guards, the conversation-memory registry,
// the screen-intent detector, readiness checks, and the websocket server.
// Run blocks until the context is cancelled and drains gracefully.
//
// For testing, inject alternatives via functional options (WithMetrics,
// WithDetector). Providers themselves are plain interface values, so tests
// pass mocks directly.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/echolens-ai/echolens/internal/config"
	"github.com/echolens-ai/echolens/internal/health"
	"github.com/echolens-ai/echolens/internal/memory"
	"github.com/echolens-ai/echolens/internal/observe"
	"github.com/echolens-ai/echolens/internal/pipeline"
	"github.com/echolens-ai/echolens/internal/resilience"
	"github.com/echolens-ai/echolens/internal/screen"
	"github.com/echolens-ai/echolens/internal/server"
	"github.com/echolens-ai/echolens/pkg/provider/llm"
	"github.com/echolens-ai/echolens/pkg/provider/stt"
	"github.com/echolens-ai/echolens/pkg/provider/tts"
)

// Providers holds one interface value per provider role. All three are
// required. Populated by main via the config registry.
type Providers struct {
	STT stt.Provider
	LLM llm.Provider
	TTS tts.Provider
}

// App owns the wired service. Construct with [New], run with [App.Run].
type App struct {
	cfg       *config.Config
	providers *Providers

	metrics  *observe.Metrics
	detector *screen.Detector

	sttGuard *resilience.STTGuard
	llmGuard *resilience.LLMGuard
	ttsGuard *resilience.TTSGuard

	registry *server.Registry
	server   *server.Server
}

// Option is a functional option for [New]. Use these to inject test doubles.
type Option func(*App)

// WithMetrics injects a metrics set instead of using the process default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithDetector injects a screen-intent detector, overriding the one built
// from the screen config section.
func WithDetector(d *screen.Detector) Option {
	return func(a *App) { a.detector = d }
}

// New wires all subsystems together. The providers struct comes from main,
// populated via the config registry; every role must be set.
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.STT == nil {
		return nil, fmt.Errorf("app: stt provider is required")
	}
	if providers.LLM == nil {
		return nil, fmt.Errorf("app: llm provider is required")
	}
	if providers.TTS == nil {
		return nil, fmt.Errorf("app: tts provider is required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Stage guards ──────────────────────────────────────────────────
	// One guard per provider role. The LLM guard also serves memory
	// summarisation, so both paths share the same breaker view of the
	// backend.
	a.sttGuard = resilience.NewSTTGuard(providers.STT, resilience.GuardConfig{
		Deadline: cfg.Pipeline.STTDeadline(),
		Breaker:  resilience.BreakerConfig{Name: "stt"},
	})
	a.llmGuard = resilience.NewLLMGuard(providers.LLM, resilience.GuardConfig{
		Deadline: cfg.Pipeline.LLMDeadline(),
		Breaker:  resilience.BreakerConfig{Name: "llm"},
	})
	a.ttsGuard = resilience.NewTTSGuard(providers.TTS, resilience.GuardConfig{
		Deadline: cfg.Pipeline.TTSDeadline(),
		Breaker:  resilience.BreakerConfig{Name: "tts"},
	})

	// ── 2. Conversation memory ───────────────────────────────────────────
	summariser := memory.NewLLMSummariser(a.llmGuard)
	fresh := func() *memory.Conversation {
		return memory.New(memory.Config{
			MaxTokens:    cfg.Memory.MaxTokens,
			SnapshotWait: cfg.Memory.SummaryWait(),
			Summariser:   summariser,
			Metrics:      a.metrics,
		})
	}
	a.registry = server.NewRegistry(cfg.Memory.GracePeriod(), fresh)

	// ── 3. Screen-intent detector ────────────────────────────────────────
	if a.detector == nil && cfg.Screen.HeuristicEnabled {
		a.detector = screen.NewDetector(
			screen.WithCaptureThreshold(cfg.Screen.HeuristicThreshold),
		)
	}

	// ── 4. Readiness checks ──────────────────────────────────────────────
	checks := health.New(
		health.Checker{Name: "stt", Check: func(_ context.Context) error { return a.sttGuard.Healthy() }},
		health.Checker{Name: "llm", Check: func(_ context.Context) error { return a.llmGuard.Healthy() }},
		health.Checker{Name: "tts", Check: func(_ context.Context) error { return a.ttsGuard.Healthy() }},
	)

	// ── 5. Server ────────────────────────────────────────────────────────
	factory := func(connID string, mem *memory.Conversation, sink pipeline.Sink) *pipeline.Coordinator {
		return pipeline.New(pipeline.Config{
			ConnID:      connID,
			STT:         a.sttGuard,
			LLM:         a.llmGuard,
			TTS:         a.ttsGuard,
			Memory:      mem,
			Sink:        sink,
			Detector:    a.detector,
			Voice:       cfg.Providers.TTS.VoicePreset,
			CaptureWait: cfg.Pipeline.CaptureTimeout(),
			Metrics:     a.metrics,
		})
	}
	a.server = server.New(server.Config{
		Addr:            cfg.Server.Addr,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		SampleRate:      cfg.Speech.SampleRate,
		MinSpeech:       cfg.Speech.MinSpeech(),
		MaxSpeech:       cfg.Speech.MaxSpeech(),
		IdleProbe:       cfg.Connection.IdleProbe(),
		IdleClose:       cfg.Connection.IdleClose(),
		QueueDepth:      cfg.Connection.OutboundQueueDepth,
		ShutdownTimeout: cfg.Server.ShutdownTimeout(),
	}, a.registry, factory, checks, a.metrics)

	return a, nil
}

// Run serves until ctx is cancelled, then drains connections and parked
// memory before returning.
func (a *App) Run(ctx context.Context) error {
	slog.Info("app running",
		"addr", a.cfg.Server.Addr,
		"stt", a.cfg.Providers.STT.Name,
		"llm", a.cfg.Providers.LLM.Name,
		"tts", a.cfg.Providers.TTS.Name,
	)
	return a.server.Run(ctx)
}

// Handler exposes the HTTP surface for tests.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// ReloadHandler returns a config-watcher callback that applies runtime
// changes and reports the rest. Only the log level takes effect without a
// restart; level is the logger's level variable.
func ReloadHandler(level *slog.LevelVar) func(old, new *config.Config) {
	return func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.LogLevelChanged {
			level.Set(d.NewLogLevel.Slog())
			slog.Info("log level updated", "level", d.NewLogLevel)
		}
		if len(d.RestartRequired) > 0 {
			slog.Warn("config changes need a restart to take effect", "sections", d.RestartRequired)
		}
	}
}
