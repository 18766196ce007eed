package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vango-go/proctor/pkg/gateway/live/protocol"
)

const (
	defaultQueueSize    = 1024
	defaultWriteTimeout = 5 * time.Second
)

type RecorderOptions struct {
	QueueSize    int
	WriteTimeout time.Duration

	// OnError observes failed writes and queue drops; op is "alert",
	// "session_event" or "dropped".
	OnError func(op string)
}

// Recorder is a hub sink that writes alerts and lifecycle events to a Store
// on its own goroutine. Consume never blocks; when the queue is full the event
// is dropped and logged.
type Recorder struct {
	store  Store
	logger *slog.Logger
	opts   RecorderOptions

	mu     sync.Mutex
	closed bool
	queue  chan any
	done   chan struct{}
}

func NewRecorder(st Store, logger *slog.Logger) *Recorder {
	return NewRecorderWithOptions(st, logger, RecorderOptions{})
}

func NewRecorderWithOptions(st Store, logger *slog.Logger, opts RecorderOptions) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	r := &Recorder{
		store:  st,
		logger: logger,
		opts:   opts,
		queue:  make(chan any, opts.QueueSize),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Recorder) Consume(msg any) {
	switch msg.(type) {
	case protocol.ServerAlert, protocol.ServerSessionJoined, protocol.ServerSessionLeft:
	default:
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- msg:
	default:
		r.logger.Warn("store queue full, dropping event")
		r.observe("dropped")
	}
}

// Close stops accepting events and waits for queued writes to finish or ctx
// to end.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for msg := range r.queue {
		r.write(msg)
	}
}

func (r *Recorder) write(msg any) {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.WriteTimeout)
	defer cancel()

	switch m := msg.(type) {
	case protocol.ServerAlert:
		a := m.Alert
		err := r.store.RecordAlert(ctx, AlertRecord{
			ID:          a.ID,
			SessionID:   a.SessionID,
			Severity:    a.Severity,
			Source:      a.Source,
			Message:     a.Message,
			Status:      a.Status,
			Score:       a.Score,
			EvidenceRef: a.EvidenceRef,
			At:          time.UnixMilli(a.AtMS).UTC(),
		})
		if err != nil {
			r.logger.Error("record alert failed", "session_id", a.SessionID, "alert_id", a.ID, "error", err)
			r.observe("alert")
		}
	case protocol.ServerSessionJoined:
		s := m.Session
		r.recordEvent(ctx, SessionEvent{
			SessionID: s.SessionID,
			Kind:      EventJoined,
			Status:    s.Status,
			Score:     s.Score,
			At:        time.UnixMilli(s.JoinedAtMS).UTC(),
		})
	case protocol.ServerSessionLeft:
		r.recordEvent(ctx, SessionEvent{
			SessionID: m.SessionID,
			Kind:      EventLeft,
			Reason:    m.Reason,
			At:        time.Now().UTC(),
		})
	}
}

func (r *Recorder) recordEvent(ctx context.Context, ev SessionEvent) {
	if err := r.store.RecordSessionEvent(ctx, ev); err != nil {
		r.logger.Error("record session event failed", "session_id", ev.SessionID, "kind", ev.Kind, "error", err)
		r.observe("session_event")
	}
}

func (r *Recorder) observe(op string) {
	if r.opts.OnError != nil {
		r.opts.OnError(op)
	}
}
