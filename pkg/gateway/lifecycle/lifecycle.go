// Package lifecycle tracks whether the gateway is draining. Handlers consult
// it to refuse new examinees and readiness reports it to load balancers.
package lifecycle

import (
	"sync/atomic"
	"time"
)

type Lifecycle struct {
	draining atomic.Bool
	since    atomic.Int64
}

// BeginDrain marks the gateway as draining. It reports true only for the
// call that started the drain, so a second signal can escalate.
func (l *Lifecycle) BeginDrain(now time.Time) bool {
	if l == nil {
		return false
	}
	if !l.draining.CompareAndSwap(false, true) {
		return false
	}
	l.since.Store(now.UnixMilli())
	return true
}

func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	if draining {
		l.BeginDrain(time.Now())
		return
	}
	l.draining.Store(false)
	l.since.Store(0)
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}

// DrainingSince returns when the drain began, or the zero time.
func (l *Lifecycle) DrainingSince() time.Time {
	if l == nil || !l.draining.Load() {
		return time.Time{}
	}
	return time.UnixMilli(l.since.Load())
}
