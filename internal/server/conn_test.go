package server

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/echolens-ai/echolens/internal/protocol"
)

func quietConn(cfg connConfig, q *queue) *conn {
	return &conn{
		cfg: cfg,
		log: slog.New(slog.DiscardHandler),
		q:   q,
	}
}

func TestConn_WriteLoopBackpressure(t *testing.T) {
	q := newQueue(2, nil)
	q.Send(protocol.Transcription("one", "s-1", 0.9, 0))
	q.Send(protocol.ErrorEvent(protocol.ErrInternal, "boom"))
	// Both slots hold critical events; a third critical arrival trips the
	// overflow before the writer ever runs.
	q.Send(protocol.AIResponse("two", "s-1", "", 0))

	c := quietConn(connConfig{writeTimeout: time.Second}, q)
	err := c.writeLoop(context.Background())
	if !errors.Is(err, errBackpressure) {
		t.Fatalf("expected errBackpressure, got %v", err)
	}
}

func TestConn_WriteLoopStopsOnContext(t *testing.T) {
	q := newQueue(4, nil)
	c := quietConn(connConfig{writeTimeout: time.Second}, q)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.writeLoop(ctx) }()

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("writeLoop did not stop on context cancellation")
	}
}

func TestConn_KeepaliveProbesThenCloses(t *testing.T) {
	q := newQueue(8, nil)
	c := quietConn(connConfig{
		idleProbe: 60 * time.Millisecond,
		idleClose: 180 * time.Millisecond,
	}, q)
	c.lastInbound.Store(time.Now().UnixNano())

	start := time.Now()
	errCh := make(chan error, 1)
	go func() { errCh <- c.keepalive(context.Background()) }()

	select {
	case err := <-errCh:
		if !errors.Is(err, errIdleTimeout) {
			t.Fatalf("expected errIdleTimeout, got %v", err)
		}
		if elapsed := time.Since(start); elapsed < 180*time.Millisecond {
			t.Fatalf("closed after %v, before the close threshold", elapsed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("keepalive never closed the idle connection")
	}

	ev, ok := q.pop()
	if !ok || ev.Type != protocol.EventHeartbeat {
		t.Fatalf("expected a heartbeat probe in the queue, got %+v (ok=%v)", ev, ok)
	}
	if _, ok := q.pop(); ok {
		t.Fatal("expected exactly one probe per idle spell")
	}
}

func TestConn_KeepaliveQuietWhileClientActive(t *testing.T) {
	q := newQueue(8, nil)
	c := quietConn(connConfig{
		idleProbe: 100 * time.Millisecond,
		idleClose: 300 * time.Millisecond,
	}, q)
	c.lastInbound.Store(time.Now().UnixNano())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.keepalive(ctx) }()

	// Simulate steady inbound traffic for well past the close threshold.
	for range 20 {
		time.Sleep(20 * time.Millisecond)
		c.lastInbound.Store(time.Now().UnixNano())
	}

	select {
	case err := <-errCh:
		t.Fatalf("keepalive gave up on an active connection: %v", err)
	default:
	}
	if got := q.depth(); got != 0 {
		t.Fatalf("expected no probes while traffic flows, got %d events", got)
	}

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("keepalive did not stop on context cancellation")
	}
}
