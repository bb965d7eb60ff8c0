// Package server exposes the websocket endpoint and supervises its
// connections.
//
// [Server] owns the HTTP surface: the /ws stream, the health probes, and the
// Prometheus metrics endpoint. Each accepted websocket gets a [conn]
// supervisor wiring a speech aggregator, a pipeline coordinator built by the
// injected factory, and a bounded outbound [queue] drained by a single
// writer. Conversation memory outlives the socket through the [Registry]
// grace period, keyed by the client-supplied connection id.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/echolens-ai/echolens/internal/health"
	"github.com/echolens-ai/echolens/internal/memory"
	"github.com/echolens-ai/echolens/internal/observe"
	"github.com/echolens-ai/echolens/internal/pipeline"
	"github.com/echolens-ai/echolens/internal/speech"
)

// DefaultAddr is the listen address when none is configured.
const DefaultAddr = ":8000"

// defaultShutdownTimeout bounds the graceful drain on exit.
const defaultShutdownTimeout = 10 * time.Second

// maxFrameBytes caps one inbound websocket frame. Pre-accumulated utterances
// arrive as JSON float arrays and inline captures as base64, so frames run
// far larger than typical text traffic.
const maxFrameBytes = 32 << 20

// CoordinatorFactory builds the pipeline coordinator for one connection. The
// sink is the connection's outbound queue.
type CoordinatorFactory func(connID string, mem *memory.Conversation, sink pipeline.Sink) *pipeline.Coordinator

// Config carries the server tunables. Zero values fall back to the package
// defaults.
type Config struct {
	// Addr is the listen address.
	Addr string

	// AllowedOrigins is passed to the websocket accept check. Empty means
	// same-origin only.
	AllowedOrigins []string

	// SampleRate is the canonical rate frames are resampled to.
	SampleRate int

	// MinSpeech and MaxSpeech bound speech session durations.
	MinSpeech time.Duration
	MaxSpeech time.Duration

	// IdleProbe and IdleClose drive the keepalive.
	IdleProbe time.Duration
	IdleClose time.Duration

	// QueueDepth bounds the outbound queue per connection.
	QueueDepth int

	// ShutdownTimeout bounds the graceful drain.
	ShutdownTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.SampleRate <= 0 {
		c.SampleRate = speech.DefaultSampleRate
	}
	if c.IdleProbe <= 0 {
		c.IdleProbe = DefaultIdleProbe
	}
	if c.IdleClose <= 0 {
		c.IdleClose = DefaultIdleClose
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = DefaultQueueDepth
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
}

// Server is the HTTP front of the orchestrator.
type Server struct {
	cfg            Config
	log            *slog.Logger
	metrics        *observe.Metrics
	registry       *Registry
	newCoordinator CoordinatorFactory
	handler        http.Handler

	closing   chan struct{}
	closeOnce sync.Once
}

// New assembles the server. registry and factory are required; checks may be
// nil when no readiness checkers exist.
func New(cfg Config, registry *Registry, factory CoordinatorFactory, checks *health.Handler, metrics *observe.Metrics) *Server {
	cfg.applyDefaults()
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	s := &Server{
		cfg:            cfg,
		log:            slog.Default(),
		metrics:        metrics,
		registry:       registry,
		newCoordinator: factory,
		closing:        make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.Handle("GET /metrics", promhttp.Handler())
	if checks == nil {
		checks = health.New()
	}
	checks.Register(mux)

	s.handler = observe.Middleware(metrics)(mux)
	return s
}

// Handler exposes the full HTTP handler, primarily for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves until ctx is cancelled, then drains gracefully: the listener
// stops, live websockets are told to shut down, and parked memory is
// discarded.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info("listening", "addr", s.cfg.Addr)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.closeOnce.Do(func() { close(s.closing) })
	shCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	s.registry.Close()
	return nil
}

// handleWS upgrades the request and runs the connection supervisor until the
// client leaves or the server shuts down.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	connID := r.URL.Query().Get("client_id")
	if connID == "" {
		connID = uuid.NewString()
	}
	log := s.log.With("conn", connID)

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowedOrigins,
	})
	if err != nil {
		log.Warn("websocket accept failed", "error", err)
		return
	}
	ws.SetReadLimit(maxFrameBytes)
	log.Info("connection established", "remote", r.RemoteAddr)

	mem := s.registry.Acquire(connID)
	q := newQueue(s.cfg.QueueDepth, s.metrics)
	c := &conn{
		cfg: connConfig{
			id:           connID,
			sampleRate:   s.cfg.SampleRate,
			idleProbe:    s.cfg.IdleProbe,
			idleClose:    s.cfg.IdleClose,
			writeTimeout: defaultWriteTimeout,
		},
		ws:  ws,
		log: log,
		q:   q,
		agg: speech.New(speech.Config{
			ConnID:      connID,
			MinDuration: s.cfg.MinSpeech,
			MaxDuration: s.cfg.MaxSpeech,
			SampleRate:  s.cfg.SampleRate,
		}),
		co:       s.newCoordinator(connID, mem, q),
		metrics:  s.metrics,
		shutdown: s.closing,
	}

	err = c.run(r.Context())
	s.registry.Release(connID, mem)

	if err != nil && !clientGone(err) {
		log.Warn("connection ended", "error", err)
		return
	}
	log.Info("connection closed")
}

// clientGone reports whether err is an ordinary departure rather than a
// server-side failure.
func clientGone(err error) bool {
	if websocket.CloseStatus(err) != -1 {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) ||
		errors.Is(err, errShuttingDown) || errors.Is(err, errIdleTimeout)
}
