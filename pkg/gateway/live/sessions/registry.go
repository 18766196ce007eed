// Package sessions tracks the live exam sessions of one gateway process.
package sessions

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/vango-go/proctor/pkg/gateway/live/protocol"
	"github.com/vango-go/proctor/pkg/gateway/live/session"
)

var (
	ErrDuplicateSession = errors.New("session already live")
	ErrNotFound         = errors.New("session not found")
)

// Handle is the part of a live session the registry and reviewers may touch.
// *session.Session implements it.
type Handle interface {
	Snapshot() protocol.SessionSnapshot
	Act(ctx context.Context, action string) (session.ActionResult, error)
	Warn(code, message string) error
	Cancel()
	Done() <-chan struct{}
}

type Registry struct {
	mu       sync.Mutex
	sessions map[string]*entry
	wg       sync.WaitGroup
}

type entry struct {
	handle Handle
	once   sync.Once
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*entry)}
}

// Register claims id for h. A second registration of a live id fails with
// ErrDuplicateSession; the returned func releases the id and is idempotent.
func (r *Registry) Register(id string, h Handle) (unregister func(), err error) {
	if h == nil {
		return nil, errors.New("sessions: nil handle")
	}
	e := &entry{handle: h}

	r.mu.Lock()
	if r.sessions == nil {
		r.sessions = make(map[string]*entry)
	}
	if _, ok := r.sessions[id]; ok {
		r.mu.Unlock()
		return nil, ErrDuplicateSession
	}
	r.sessions[id] = e
	r.wg.Add(1)
	r.mu.Unlock()

	return func() { r.unregister(id, e) }, nil
}

func (r *Registry) unregister(id string, e *entry) {
	e.once.Do(func() {
		r.mu.Lock()
		if r.sessions[id] == e {
			delete(r.sessions, id)
		}
		r.mu.Unlock()
		r.wg.Done()
	})
}

func (r *Registry) Lookup(id string) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.handle, nil
}

// Snapshots returns the latest published snapshot of every live session,
// ordered by session id.
func (r *Registry) Snapshots() []protocol.SessionSnapshot {
	handles := r.handles()
	out := make([]protocol.SessionSnapshot, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) WarnAll(code, message string) (sent int) {
	for _, h := range r.handles() {
		if err := h.Warn(code, message); err == nil {
			sent++
		}
	}
	return sent
}

func (r *Registry) CancelAll() (canceled int) {
	for _, h := range r.handles() {
		h.Cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every registered session has unregistered or ctx ends.
func (r *Registry) Wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

func (r *Registry) handles() []Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Handle, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, e.handle)
	}
	return out
}
