// Package hub fans session events out to reviewer connections.
//
// Every subscriber sees lifecycle events and alerts in publish order. Session
// updates are coalesced: a slow subscriber only ever holds the latest snapshot
// per session, so a burst of ticks costs it one frame.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/vango-go/proctor/pkg/gateway/live/protocol"
)

// ErrClosed is returned by Next once the subscriber is closed and drained.
var ErrClosed = errors.New("hub: subscriber closed")

// DefaultMaxQueued bounds a subscriber's FIFO of alerts and lifecycle events.
const DefaultMaxQueued = 1024

// Sink receives every alert and lifecycle event, in order. Implementations
// must not block.
type Sink interface {
	Consume(msg any)
}

type Hub struct {
	logger    *slog.Logger
	maxQueued int

	mu    sync.RWMutex
	subs  map[string]*Subscriber
	sinks []Sink
}

func New(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:    logger,
		maxQueued: DefaultMaxQueued,
		subs:      make(map[string]*Subscriber),
	}
}

func (h *Hub) AddSink(s Sink) {
	if s == nil {
		return
	}
	h.mu.Lock()
	h.sinks = append(h.sinks, s)
	h.mu.Unlock()
}

// Subscribe registers a new reviewer stream. Callers must Close it.
func (h *Hub) Subscribe() *Subscriber {
	s := &Subscriber{
		ID:      "rev_" + uuid.NewString(),
		hub:     h,
		pending: make(map[string]protocol.SessionSnapshot),
		notify:  make(chan struct{}, 1),
	}
	h.mu.Lock()
	h.subs[s.ID] = s
	h.mu.Unlock()
	return s
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	delete(h.subs, id)
	h.mu.Unlock()
}

func (h *Hub) PublishJoined(snap protocol.SessionSnapshot) {
	h.publishOrdered(protocol.ServerSessionJoined{Type: "session_joined", Session: snap}, "")
}

func (h *Hub) PublishLeft(sessionID, reason string) {
	h.publishOrdered(protocol.ServerSessionLeft{Type: "session_left", SessionID: sessionID, Reason: reason}, sessionID)
}

func (h *Hub) PublishAlert(a protocol.Alert) {
	h.publishOrdered(protocol.ServerAlert{Type: "alert", Alert: a}, "")
}

// PublishUpdate replaces any undelivered snapshot of the same session.
func (h *Hub) PublishUpdate(snap protocol.SessionSnapshot) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		s.coalesce(snap)
	}
}

func (h *Hub) publishOrdered(msg any, dropPendingFor string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sink := range h.sinks {
		sink.Consume(msg)
	}
	for _, s := range h.subs {
		if n := s.enqueue(msg, dropPendingFor, h.maxQueued); n > 0 && n%100 == 1 {
			h.logger.Warn("reviewer queue overflow", "subscriber", s.ID, "dropped", n)
		}
	}
}

type Subscriber struct {
	ID string

	hub *Hub

	mu      sync.Mutex
	fifo    []any
	pending map[string]protocol.SessionSnapshot
	order   []string
	closed  bool
	dropped int
	notify  chan struct{}
}

func (s *Subscriber) enqueue(msg any, dropPendingFor string, max int) int {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0
	}
	if dropPendingFor != "" {
		if _, ok := s.pending[dropPendingFor]; ok {
			delete(s.pending, dropPendingFor)
			s.order = removeID(s.order, dropPendingFor)
		}
	}
	if max > 0 && len(s.fifo) >= max {
		s.fifo = s.fifo[1:]
		s.dropped++
	}
	s.fifo = append(s.fifo, msg)
	dropped := s.dropped
	s.mu.Unlock()
	s.wake()
	return dropped
}

func (s *Subscriber) coalesce(snap protocol.SessionSnapshot) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, ok := s.pending[snap.SessionID]; !ok {
		s.order = append(s.order, snap.SessionID)
	}
	s.pending[snap.SessionID] = snap
	s.mu.Unlock()
	s.wake()
}

func (s *Subscriber) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until a message is available. Ordered messages are delivered
// before coalesced updates.
func (s *Subscriber) Next(ctx context.Context) (any, error) {
	for {
		s.mu.Lock()
		if len(s.fifo) > 0 {
			msg := s.fifo[0]
			s.fifo[0] = nil
			s.fifo = s.fifo[1:]
			s.mu.Unlock()
			return msg, nil
		}
		if len(s.order) > 0 {
			id := s.order[0]
			s.order = s.order[1:]
			snap := s.pending[id]
			delete(s.pending, id)
			s.mu.Unlock()
			return protocol.ServerSessionUpdate{Type: "session_update", Session: snap}, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return nil, ErrClosed
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.notify:
		}
	}
}

// Dropped is the number of ordered messages discarded on overflow.
func (s *Subscriber) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Subscriber) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.fifo = nil
	s.pending = map[string]protocol.SessionSnapshot{}
	s.order = nil
	s.mu.Unlock()
	s.hub.remove(s.ID)
	s.wake()
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
