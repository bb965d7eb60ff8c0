package server

import (
	"log/slog"
	"sync"
	"time"

	"github.com/echolens-ai/echolens/internal/memory"
)

// DefaultGracePeriod is how long a departed connection's conversation memory
// survives before it is discarded.
const DefaultGracePeriod = 30 * time.Second

// Registry parks conversation memory between connections. A client that
// reconnects with the same connection id within the grace period gets its
// conversation back; after the grace period the memory is discarded.
type Registry struct {
	log   *slog.Logger
	grace time.Duration
	fresh func() *memory.Conversation

	mu     sync.Mutex
	parked map[string]*parkedMemory
	closed bool
}

type parkedMemory struct {
	mem   *memory.Conversation
	timer *time.Timer
}

// NewRegistry builds a registry. fresh constructs the conversation memory
// for a connection id that has nothing parked. A non-positive grace falls
// back to [DefaultGracePeriod].
func NewRegistry(grace time.Duration, fresh func() *memory.Conversation) *Registry {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &Registry{
		log:    slog.Default(),
		grace:  grace,
		fresh:  fresh,
		parked: make(map[string]*parkedMemory),
	}
}

// Acquire hands out the conversation memory for connID: the parked one if the
// client returned within the grace period, a fresh one otherwise.
func (r *Registry) Acquire(connID string) *memory.Conversation {
	r.mu.Lock()
	p, ok := r.parked[connID]
	if ok {
		delete(r.parked, connID)
		p.timer.Stop()
	}
	r.mu.Unlock()

	if ok {
		r.log.Info("conversation memory reclaimed", "conn", connID, "turns", p.mem.Len())
		return p.mem
	}
	return r.fresh()
}

// Release parks mem for connID until the grace period expires or the client
// reconnects. Releasing the same id twice keeps the newer memory.
func (r *Registry) Release(connID string, mem *memory.Conversation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if prev, ok := r.parked[connID]; ok {
		prev.timer.Stop()
	}
	p := &parkedMemory{mem: mem}
	p.timer = time.AfterFunc(r.grace, func() { r.evict(connID, p) })
	r.parked[connID] = p
}

// Parked reports how many conversations are waiting out their grace period.
func (r *Registry) Parked() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.parked)
}

// Close stops all grace timers and discards everything parked.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for id, p := range r.parked {
		p.timer.Stop()
		delete(r.parked, id)
	}
}

func (r *Registry) evict(connID string, p *parkedMemory) {
	r.mu.Lock()
	current, ok := r.parked[connID]
	if !ok || current != p {
		r.mu.Unlock()
		return
	}
	delete(r.parked, connID)
	r.mu.Unlock()

	r.log.Info("conversation memory discarded after grace period",
		"conn", connID, "turns", p.mem.Len())
}
