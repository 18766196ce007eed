package proctor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestVerificationSlot_SingleInFlight(t *testing.T) {
	var s VerificationSlot
	id, ok := s.Begin()
	if !ok {
		t.Fatalf("begin refused on empty slot")
	}
	if _, ok := s.Begin(); ok {
		t.Fatalf("second begin accepted while in flight")
	}
	if _, ok := s.Take(); ok {
		t.Fatalf("take returned a result while in flight")
	}
	if s.Complete(id+1, VerificationResult{}) {
		t.Fatalf("foreign job id accepted")
	}
	if !s.Complete(id, VerificationResult{Distance: 0.3}) {
		t.Fatalf("current job rejected")
	}
	if s.Complete(id, VerificationResult{Distance: 0.9}) {
		t.Fatalf("result written twice")
	}
	res, ok := s.Take()
	if !ok || res.Distance != 0.3 {
		t.Fatalf("take=%+v/%v", res, ok)
	}
	if _, ok := s.Take(); ok {
		t.Fatalf("result consumed twice")
	}
}

func TestVerificationSlot_CancelMakesResultStale(t *testing.T) {
	var s VerificationSlot
	old, _ := s.Begin()
	s.Cancel()
	fresh, ok := s.Begin()
	if !ok || fresh == old {
		t.Fatalf("fresh=%d old=%d ok=%v", fresh, old, ok)
	}
	if s.Complete(old, VerificationResult{Distance: 0.9}) {
		t.Fatalf("cancelled job result accepted")
	}
	if !s.Complete(fresh, VerificationResult{Distance: 0.1}) {
		t.Fatalf("fresh job result rejected")
	}
}

type blockingVerifier struct {
	release chan struct{}
	calls   atomic.Int64
	active  atomic.Int64
	peak    atomic.Int64
	result  VerificationResult
	err     error
}

func (v *blockingVerifier) Verify(ctx context.Context, ref string, frame []byte) (VerificationResult, error) {
	v.calls.Add(1)
	n := v.active.Add(1)
	defer v.active.Add(-1)
	for {
		p := v.peak.Load()
		if n <= p || v.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if v.release != nil {
		select {
		case <-v.release:
		case <-ctx.Done():
			return VerificationResult{}, ctx.Err()
		}
	}
	return v.result, v.err
}

func TestScheduler_DeliversResult(t *testing.T) {
	v := &blockingVerifier{result: VerificationResult{Matched: true, Distance: 0.2}}
	var outcomes []string
	var mu sync.Mutex
	s := NewScheduler(v, SchedulerOptions{Observe: func(o string, _ time.Duration) {
		mu.Lock()
		outcomes = append(outcomes, o)
		mu.Unlock()
	}})

	got := make(chan VerificationResult, 1)
	s.Dispatch(context.Background(), Job{ID: 1, SessionID: "s1", ReferencePath: "/ref.jpg", Frame: []byte("x")}, func(j Job, r VerificationResult) {
		got <- r
	})
	select {
	case r := <-got:
		if r.Distance != 0.2 || r.Error != "" {
			t.Fatalf("result=%+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("result not delivered")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if !s.Wait(ctx) {
		t.Fatalf("wait timed out")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(outcomes) != 1 || outcomes[0] != OutcomeMatch {
		t.Fatalf("outcomes=%v, want [match]", outcomes)
	}
}

func TestScheduler_ErrorsMapToResultError(t *testing.T) {
	cases := []struct {
		name string
		v    IdentityVerifier
		job  Job
	}{
		{"verifier error", &blockingVerifier{err: errors.New("reference image not found")}, Job{ReferencePath: "/r", Frame: []byte("x")}},
		{"no reference", &blockingVerifier{}, Job{Frame: []byte("x")}},
		{"no frame", &blockingVerifier{}, Job{ReferencePath: "/r"}},
		{"no verifier", nil, Job{ReferencePath: "/r", Frame: []byte("x")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := NewScheduler(tc.v, SchedulerOptions{})
			got := make(chan VerificationResult, 1)
			s.Dispatch(context.Background(), tc.job, func(_ Job, r VerificationResult) { got <- r })
			select {
			case r := <-got:
				if r.Error == "" {
					t.Fatalf("result=%+v, want error", r)
				}
			case <-time.After(2 * time.Second):
				t.Fatalf("result not delivered")
			}
		})
	}
}

func TestScheduler_TimeoutBecomesError(t *testing.T) {
	v := &blockingVerifier{release: make(chan struct{})}
	s := NewScheduler(v, SchedulerOptions{Timeout: 20 * time.Millisecond})
	got := make(chan VerificationResult, 1)
	s.Dispatch(context.Background(), Job{ReferencePath: "/r", Frame: []byte("x")}, func(_ Job, r VerificationResult) { got <- r })
	select {
	case r := <-got:
		if r.Error == "" {
			t.Fatalf("result=%+v, want timeout error", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("result not delivered")
	}
}

func TestScheduler_GlobalCap(t *testing.T) {
	v := &blockingVerifier{release: make(chan struct{})}
	s := NewScheduler(v, SchedulerOptions{MaxConcurrent: 2})

	var delivered atomic.Int64
	for i := 0; i < 6; i++ {
		s.Dispatch(context.Background(), Job{ID: uint64(i), ReferencePath: "/r", Frame: []byte("x")}, func(Job, VerificationResult) {
			delivered.Add(1)
		})
	}

	deadline := time.Now().Add(time.Second)
	for v.calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	if p := v.peak.Load(); p > 2 {
		t.Fatalf("peak concurrency=%d, want <= 2", p)
	}
	close(v.release)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if !s.Wait(ctx) {
		t.Fatalf("wait timed out")
	}
	if delivered.Load() != 6 {
		t.Fatalf("delivered=%d, want 6", delivered.Load())
	}
}

func TestScheduler_DispatchAfterWaitIsRefused(t *testing.T) {
	v := &blockingVerifier{release: make(chan struct{})}
	close(v.release)
	s := NewScheduler(v, SchedulerOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if !s.Wait(ctx) {
		t.Fatal("idle scheduler did not drain")
	}

	got := make(chan VerificationResult, 1)
	s.Dispatch(context.Background(), Job{ID: 9, ReferencePath: "/r", Frame: []byte("x")}, func(_ Job, r VerificationResult) { got <- r })
	select {
	case r := <-got:
		if r.Error != schedulerClosedMsg {
			t.Fatalf("result=%+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("refused job not delivered")
	}
	if n := v.calls.Load(); n != 0 {
		t.Fatalf("verifier calls=%d, want 0", n)
	}
	if !s.Wait(ctx) {
		t.Fatal("second wait blocked")
	}
}
