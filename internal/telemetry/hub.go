// Package telemetry carries sensor frames from the active source (simulator
// or serial modem) to all WebSocket subscribers.
package telemetry

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// subscriberQueueCap bounds each subscriber's frame queue. On overflow the
// oldest frame is dropped: the dashboard cares about recent data, not
// history.
const subscriberQueueCap = 64

// Frame is one telemetry sample across all enabled channels.
type Frame struct {
	// Timestamp is UTC seconds with fractional part.
	Timestamp float64 `json:"timestamp"`
	// Source is "simulated" or "serial".
	Source string `json:"source"`
	// Channels maps sensor_id to its current value.
	Channels map[string]float64 `json:"channels"`
}

// Subscriber is one consumer's handle on the hub. Frames arrive on C in
// strict publish order; the queue is bounded and drops from the head when
// the consumer is slow.
type Subscriber struct {
	ID string
	C  chan Frame

	dropped atomic.Uint64
	closed  sync.Once
}

// Dropped returns how many frames were discarded for this subscriber.
func (s *Subscriber) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Subscriber) close() {
	s.closed.Do(func() { close(s.C) })
}

// Hub is the single in-process broadcaster. Publish never blocks: enqueues
// are non-blocking, so the whole fan-out runs under the mutex. Queue closes
// happen under the same mutex, which is what makes sending safe.
type Hub struct {
	mu   sync.Mutex
	subs map[string]*Subscriber
	done bool
}

// NewHub creates a Hub ready for use.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]*Subscriber)}
}

// Subscribe registers a new subscriber and returns its handle.
func (h *Hub) Subscribe() *Subscriber {
	s := &Subscriber{
		ID: uuid.NewString(),
		C:  make(chan Frame, subscriberQueueCap),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		s.close()
		return s
	}
	h.subs[s.ID] = s
	return s
}

// Unsubscribe removes a subscriber and closes its queue. Safe to call more
// than once and after Close.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.subs[id]; ok {
		delete(h.subs, id)
		s.close()
	}
}

// Publish fans a frame out to all current subscribers. A full queue drops
// its oldest frame so the newest is always accepted. The mutex is held for
// the whole fan-out; that serializes Publish against the queue closes in
// Unsubscribe and Close, and every enqueue below is non-blocking.
func (h *Hub) Publish(f Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		return
	}

	for _, s := range h.subs {
		select {
		case s.C <- f:
			continue
		default:
		}
		// Queue full: discard the oldest, then retry once. The second
		// attempt can only fail if the consumer drained concurrently
		// and refilled, in which case the frame counts as dropped.
		select {
		case <-s.C:
			s.dropped.Add(1)
		default:
		}
		select {
		case s.C <- f:
		default:
			s.dropped.Add(1)
		}
	}
}

// SubscriberCount returns how many subscribers are registered.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close shuts the hub down, closing every subscriber queue. Further
// Publish and Subscribe calls are no-ops.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.done = true
	for _, s := range h.subs {
		s.close()
	}
	h.subs = make(map[string]*Subscriber)
}
