package server

import (
	"context"
	"sync"

	"github.com/echolens-ai/echolens/internal/observe"
	"github.com/echolens-ai/echolens/internal/pipeline"
	"github.com/echolens-ai/echolens/internal/protocol"
)

// DefaultQueueDepth bounds the outbound event buffer per connection.
const DefaultQueueDepth = 64

// queue is the bounded outbound buffer between event producers and the
// connection's single writer task. When it fills, the oldest non-critical
// event is discarded to make room; a critical event that cannot be placed at
// all trips the overflow signal, which the writer turns into a backpressure
// close. Send never blocks.
type queue struct {
	metrics *observe.Metrics
	cap     int

	mu     sync.Mutex
	buf    []protocol.Event
	closed bool

	// wake carries one token telling the writer the buffer is non-empty.
	wake chan struct{}
	// overflow is closed once a critical event had to be refused.
	overflow     chan struct{}
	overflowOnce sync.Once
}

var _ pipeline.Sink = (*queue)(nil)

func newQueue(capacity int, metrics *observe.Metrics) *queue {
	if capacity <= 0 {
		capacity = DefaultQueueDepth
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &queue{
		metrics:  metrics,
		cap:      capacity,
		wake:     make(chan struct{}, 1),
		overflow: make(chan struct{}),
	}
}

// Send enqueues ev for the writer, applying the drop policy when full.
func (q *queue) Send(ev protocol.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}

	if len(q.buf) < q.cap {
		q.buf = append(q.buf, ev)
		q.signal()
		return
	}

	for i, queued := range q.buf {
		if queued.Critical() {
			continue
		}
		q.metrics.RecordOutboundDrop(context.Background(), queued.Type)
		q.buf = append(q.buf[:i], q.buf[i+1:]...)
		q.buf = append(q.buf, ev)
		q.signal()
		return
	}

	// Every buffered event is critical. A non-critical arrival is itself
	// the first thing to drop; a critical one cannot be refused without
	// breaking delivery guarantees, so the connection must go.
	if !ev.Critical() {
		q.metrics.RecordOutboundDrop(context.Background(), ev.Type)
		return
	}
	q.overflowOnce.Do(func() { close(q.overflow) })
}

// pop removes and returns the oldest buffered event.
func (q *queue) pop() (protocol.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) == 0 {
		return protocol.Event{}, false
	}
	ev := q.buf[0]
	q.buf = q.buf[1:]
	return ev, true
}

// depth reports the number of buffered events.
func (q *queue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// close makes all further Sends no-ops and releases the buffer.
func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.buf = nil
	q.mu.Unlock()
}

func (q *queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
