package resilience

import (
	"log/slog"
	"sync"
	"time"

	"github.com/echolens-ai/echolens/pkg/fault"
)

// breakerState is the operating mode of a [Breaker].
type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case stateClosed:
		return "closed"
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds tuning knobs for a [Breaker].
type BreakerConfig struct {
	// Name labels the breaker in log messages (e.g. "stt").
	Name string

	// MaxFailures is the number of consecutive transient failures before
	// the breaker opens. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before allowing a
	// probe call. Default: 30s.
	ResetTimeout time.Duration
}

// Breaker is a three-state circuit breaker tuned for inference backends.
// Only transient failures (timeout, upstream unavailable) count toward
// opening: a rejected prompt or malformed input says nothing about backend
// health. While open, calls fail fast as [fault.UpstreamUnavailable]
// without touching the network. After the reset timeout a single probe call
// is allowed through; its outcome closes or re-opens the breaker.
type Breaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration

	mu          sync.Mutex
	state       breakerState
	failures    int
	lastFailure time.Time
	probing     bool
}

// NewBreaker creates a [Breaker]. Zero-value config fields get defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	return &Breaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
	}
}

// Execute runs fn if the breaker allows it and records the outcome.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.admit(); err != nil {
		return err
	}

	err := fn()
	b.record(err)
	return err
}

// admit decides whether a call may proceed.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateOpen:
		if time.Since(b.lastFailure) < b.resetTimeout {
			return fault.New(fault.UpstreamUnavailable, "%s: circuit breaker open", b.name)
		}
		b.state = stateHalfOpen
		b.probing = true
		slog.Info("circuit breaker half-open, probing", "name", b.name)
		return nil

	case stateHalfOpen:
		if b.probing {
			return fault.New(fault.UpstreamUnavailable, "%s: circuit breaker probing", b.name)
		}
		b.probing = true
		return nil

	default:
		return nil
	}
}

// record updates breaker state from a call outcome.
func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == stateHalfOpen {
		b.probing = false
	}

	if err == nil {
		if b.state != stateClosed {
			slog.Info("circuit breaker closed", "name", b.name)
		}
		b.state = stateClosed
		b.failures = 0
		return
	}

	// Hard rejections do not indicate an outage.
	if !fault.KindOf(err).Retryable() {
		return
	}

	b.lastFailure = time.Now()
	switch b.state {
	case stateHalfOpen:
		b.state = stateOpen
		slog.Warn("circuit breaker re-opened after failed probe", "name", b.name, "error", err)
	case stateClosed:
		b.failures++
		if b.failures >= b.maxFailures {
			b.state = stateOpen
			slog.Warn("circuit breaker opened",
				"name", b.name,
				"consecutiveFailures", b.failures,
				"resetTimeout", b.resetTimeout,
			)
		}
	}
}

// State returns the current state name, for health and test introspection.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.String()
}
