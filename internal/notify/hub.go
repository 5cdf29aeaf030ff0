// Package notify fans committed patient change events out to connected
// clients (SSE streams, websockets and in-process listeners).
package notify

import (
	"sync"

	"go.uber.org/zap"

	"github.com/rxcare/rxcare/internal/domain/patient"
)

// DefaultBuffer is the per-subscriber queue length
const DefaultBuffer = 64

// Subscription receives events until Close is called
type Subscription struct {
	C <-chan *patient.Event

	ch       chan *patient.Event
	recordID string
	email    string
	hub      *Hub
	once     sync.Once
}

// Close detaches the subscription and closes C
func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.remove(s) })
}

// Filter narrows a subscription; zero value receives everything
type Filter struct {
	RecordID string
	// Email restricts to records owned by a patient account
	Email string
}

// Hub is a fan-out of patient events. Slow subscribers drop events rather
// than block publishers.
type Hub struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	buffer  int
	logger  *zap.Logger
	dropped uint64
	closed  bool
}

// NewHub creates a hub
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		subs:   make(map[*Subscription]struct{}),
		buffer: DefaultBuffer,
		logger: logger,
	}
}

// Subscribe registers a listener
func (h *Hub) Subscribe(f Filter) *Subscription {
	ch := make(chan *patient.Event, h.buffer)
	s := &Subscription{C: ch, ch: ch, recordID: f.RecordID, email: f.Email, hub: h}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return s
	}
	h.subs[s] = struct{}{}
	return s
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; !ok {
		return
	}
	delete(h.subs, s)
	close(s.ch)
}

// Publish implements patient.Publisher
func (h *Hub) Publish(e *patient.Event) {
	if e == nil {
		return
	}
	var email string
	if len(e.Record) > 0 {
		email = recordEmail(e.Record)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		if s.recordID != "" && s.recordID != e.RecordID {
			continue
		}
		if s.email != "" && s.email != email {
			continue
		}
		select {
		case s.ch <- e:
		default:
			h.dropped++
			h.logger.Warn("subscriber buffer full, dropping event",
				zap.String("event_id", e.ID),
				zap.String("event_type", string(e.EventType)))
		}
	}
}

// Count returns the number of live subscriptions
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped for full buffers
func (h *Hub) Dropped() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

// Close ends every subscription
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for s := range h.subs {
		close(s.ch)
		delete(h.subs, s)
	}
}

var _ patient.Publisher = (*Hub)(nil)
