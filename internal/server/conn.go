package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/echolens-ai/echolens/internal/observe"
	"github.com/echolens-ai/echolens/internal/pipeline"
	"github.com/echolens-ai/echolens/internal/protocol"
	"github.com/echolens-ai/echolens/internal/screen"
	"github.com/echolens-ai/echolens/internal/speech"
	"github.com/echolens-ai/echolens/pkg/audio"
	"github.com/echolens-ai/echolens/pkg/fault"
)

// Keepalive defaults: probe the client after DefaultIdleProbe of inbound
// silence, close the connection after DefaultIdleClose.
const (
	DefaultIdleProbe = 45 * time.Second
	DefaultIdleClose = 90 * time.Second
)

// defaultWriteTimeout bounds a single outbound frame write.
const defaultWriteTimeout = 10 * time.Second

var (
	errBackpressure = errors.New("server: outbound queue overflowed")
	errIdleTimeout  = errors.New("server: client idle past the close threshold")
	errShuttingDown = errors.New("server: shutting down")
)

// connConfig carries the per-connection tunables resolved by the server.
type connConfig struct {
	id           string
	sampleRate   int
	idleProbe    time.Duration
	idleClose    time.Duration
	writeTimeout time.Duration
}

// conn supervises one websocket connection: a reader task feeding the speech
// aggregator and the coordinator, a single writer task draining the outbound
// queue, and a keepalive task watching inbound idleness. The tasks run under
// one errgroup; the first to fail tears the connection down.
type conn struct {
	cfg     connConfig
	ws      *websocket.Conn
	log     *slog.Logger
	q       *queue
	agg     *speech.Aggregator
	co      *pipeline.Coordinator
	metrics *observe.Metrics

	// shutdown, when non-nil, forces the connection down on server exit.
	shutdown <-chan struct{}

	// lastInbound is the arrival time of the newest client frame, in
	// nanoseconds since epoch.
	lastInbound atomic.Int64
	assistantOn atomic.Bool
}

func (c *conn) run(ctx context.Context) error {
	c.metrics.ActiveConnections.Add(ctx, 1)
	defer c.metrics.ActiveConnections.Add(ctx, -1)
	c.lastInbound.Store(time.Now().UnixNano())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop(ctx) })
	g.Go(func() error { return c.writeLoop(ctx) })
	g.Go(func() error { return c.keepalive(ctx) })
	if c.shutdown != nil {
		g.Go(func() error {
			select {
			case <-c.shutdown:
				return errShuttingDown
			case <-ctx.Done():
				return nil
			}
		})
	}

	err := g.Wait()
	c.teardown(err)
	return err
}

// teardown releases everything the connection owns. The outbound queue closes
// first so late pipeline emissions fall on the floor instead of piling into a
// buffer nobody drains; the coordinator close then blocks until the in-flight
// job has unwound, after which the caller may park the conversation memory.
func (c *conn) teardown(cause error) {
	c.q.close()
	if u := c.agg.Abort(); u != nil {
		c.log.Debug("open speech session discarded at teardown", "session", u.ID)
	}
	c.co.Close()

	switch {
	case errors.Is(cause, errBackpressure):
		c.ws.Close(websocket.StatusPolicyViolation, string(fault.Backpressure))
	case errors.Is(cause, errIdleTimeout):
		c.ws.Close(websocket.StatusGoingAway, "idle timeout")
	case errors.Is(cause, errShuttingDown):
		c.ws.Close(websocket.StatusGoingAway, "server shutting down")
	default:
		c.ws.Close(websocket.StatusNormalClosure, "")
	}
}

// readLoop pulls frames off the socket and dispatches them. It returns on the
// first read failure, which includes the client closing the connection.
func (c *conn) readLoop(ctx context.Context) error {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return fmt.Errorf("server: read: %w", err)
		}
		c.lastInbound.Store(time.Now().UnixNano())

		if typ != websocket.MessageText {
			c.log.Warn("non-text frame ignored", "bytes", len(data))
			c.q.Send(protocol.ErrorEvent(protocol.ErrInvalidInput,
				"Only text frames are supported"))
			continue
		}
		m, err := protocol.DecodeInbound(data)
		if err != nil {
			c.log.Warn("malformed inbound message", "error", err)
			c.q.Send(protocol.ErrorEvent(protocol.ErrInvalidInput, "Invalid JSON format"))
			continue
		}
		c.dispatch(ctx, m)
	}
}

func (c *conn) dispatch(ctx context.Context, m *protocol.Inbound) {
	switch m.Type {
	case protocol.TypeAudioData, protocol.TypeVADState:
		c.handleFrame(ctx, m)

	case protocol.TypeVoiceAssistantStart:
		c.assistantOn.Store(true)
		c.log.Info("voice assistant started")
		c.q.Send(protocol.AssistantAck(true))

	case protocol.TypeVoiceAssistantStop:
		c.assistantOn.Store(false)
		if u := c.agg.Abort(); u != nil {
			c.log.Info("open speech session discarded, assistant stopped", "session", u.ID)
			c.metrics.RecordSpeechSession(ctx, "aborted")
		}
		c.q.Send(protocol.AssistantAck(false))

	case protocol.TypeScreenShareStart:
		c.co.SetScreenShare(true)
		c.log.Info("screen sharing started")
		c.q.Send(protocol.ScreenShareAck(true))

	case protocol.TypeScreenShareStop:
		c.co.SetScreenShare(false)
		c.log.Info("screen sharing stopped")
		c.q.Send(protocol.ScreenShareAck(false))

	case protocol.TypeScreenCaptureResponse:
		c.handleCaptureResponse(m)

	case protocol.TypeHeartbeat:
		c.q.Send(protocol.HeartbeatAck())

	default:
		c.log.Warn("unknown message type", "type", m.Type)
		c.q.Send(protocol.ErrorEvent(protocol.ErrInvalidInput,
			"Unknown message type: "+m.Type))
	}
}

// handleFrame feeds one audio or VAD frame through the aggregator and submits
// any completed session to the pipeline. Frames are ignored while the voice
// assistant is stopped.
func (c *conn) handleFrame(ctx context.Context, m *protocol.Inbound) {
	if !c.assistantOn.Load() {
		c.log.Debug("frame ignored, assistant inactive", "type", m.Type)
		return
	}

	frame, err := m.Frame(c.cfg.sampleRate)
	if err != nil {
		c.log.Warn("invalid frame", "error", err)
		c.q.Send(protocol.ErrorEvent(protocol.ErrInvalidInput, "Invalid audio frame"))
		return
	}
	if m.ScreenImage != "" {
		img, err := screen.ParseImage(m.ScreenImage)
		if err != nil {
			// The audio still counts; only the attachment is refused.
			c.log.Warn("inline screen image rejected", "error", err)
			c.q.Send(protocol.ErrorEvent(protocol.ErrInvalidInput,
				"Screen image could not be decoded"))
		} else {
			frame.Screen = img
		}
	}
	if frame.SampleRate != c.cfg.sampleRate && len(frame.Samples) > 0 {
		frame.Samples = audio.Resample(frame.Samples, frame.SampleRate, c.cfg.sampleRate)
		frame.SampleRate = c.cfg.sampleRate
	}

	out := c.agg.Feed(frame, time.Now())
	if out.Started {
		c.q.Send(protocol.SpeechActive(frame.VAD))
	}
	if out.Inactive {
		c.q.Send(protocol.SpeechInactive(frame.VAD))
	}
	if out.DiscardedShort {
		c.log.Debug("speech session under the minimum duration discarded")
		c.metrics.RecordSpeechSession(ctx, "discarded_short")
	}
	if out.Completed != nil {
		c.metrics.RecordSpeechSession(ctx, "completed")
		c.co.Submit(*out.Completed)
	}
}

func (c *conn) handleCaptureResponse(m *protocol.Inbound) {
	if m.ScreenImage == "" {
		c.log.Warn("screen capture response without an image")
		c.q.Send(protocol.ErrorEvent(protocol.ErrInvalidInput,
			"Screen capture response without an image"))
		return
	}
	img, err := screen.ParseImage(m.ScreenImage)
	if err != nil {
		c.log.Warn("screen capture rejected", "error", err)
		c.q.Send(protocol.ErrorEvent(protocol.ErrInvalidInput,
			"Screen image could not be decoded"))
		return
	}
	if !c.co.DeliverCapture(img) {
		c.log.Warn("unsolicited screen capture discarded")
	}
}

// writeLoop is the connection's only writer. It drains the outbound queue in
// order and converts a queue overflow into a backpressure close.
func (c *conn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-c.q.overflow:
			return errBackpressure
		default:
		}

		ev, ok := c.q.pop()
		if !ok {
			select {
			case <-c.q.wake:
				continue
			case <-c.q.overflow:
				return errBackpressure
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		data, err := ev.Encode()
		if err != nil {
			c.log.Error("outbound event encoding failed", "type", ev.Type, "error", err)
			continue
		}
		wctx, cancel := context.WithTimeout(ctx, c.cfg.writeTimeout)
		err = c.ws.Write(wctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			return fmt.Errorf("server: write: %w", err)
		}
	}
}

// keepalive probes an idle client once per idle spell and closes the
// connection when inbound silence reaches the close threshold.
func (c *conn) keepalive(ctx context.Context) error {
	probed := false
	for {
		idle := time.Since(time.Unix(0, c.lastInbound.Load()))

		var wait time.Duration
		switch {
		case idle >= c.cfg.idleClose:
			c.log.Warn("client idle past the close threshold", "idle", idle)
			return errIdleTimeout
		case idle >= c.cfg.idleProbe:
			if !probed {
				c.q.Send(protocol.Heartbeat())
				probed = true
			}
			wait = c.cfg.idleClose - idle
		default:
			probed = false
			wait = c.cfg.idleProbe - idle
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}
