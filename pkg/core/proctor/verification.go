package proctor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

// Job is one identity verification request.
type Job struct {
	ID            uint64
	SessionID     string
	ReferencePath string
	Frame         []byte
}

// VerificationSlot guarantees at most one live verification job per session.
// It is owned by the session lane and is not safe for concurrent use.
type VerificationSlot struct {
	inFlight bool
	jobID    uint64
	lastID   uint64
	pending  *VerificationResult
}

// Begin reserves the slot and returns the new job id. It refuses while a job
// is in flight. Any previous pending result is discarded.
func (s *VerificationSlot) Begin() (uint64, bool) {
	if s.inFlight {
		return 0, false
	}
	s.lastID++
	s.jobID = s.lastID
	s.inFlight = true
	s.pending = nil
	return s.jobID, true
}

// Complete records the result of job id. Results for any other id are stale
// and dropped.
func (s *VerificationSlot) Complete(id uint64, res VerificationResult) bool {
	if !s.inFlight || id != s.jobID {
		return false
	}
	s.inFlight = false
	s.pending = &res
	return true
}

// Cancel forgets the current job; its eventual result will be stale.
func (s *VerificationSlot) Cancel() {
	s.inFlight = false
	s.jobID = 0
	s.pending = nil
}

// Take consumes the pending result once no job is in flight.
func (s *VerificationSlot) Take() (VerificationResult, bool) {
	if s.inFlight || s.pending == nil {
		return VerificationResult{}, false
	}
	res := *s.pending
	s.pending = nil
	return res, true
}

func (s *VerificationSlot) InFlight() bool { return s.inFlight }

// Verification outcomes reported to SchedulerOptions.Observe.
const (
	OutcomeMatch    = "match"
	OutcomeMismatch = "mismatch"
	OutcomeError    = "error"
)

type SchedulerOptions struct {
	// Timeout bounds a single verifier call. Default: 20s
	Timeout time.Duration

	// MaxConcurrent caps jobs across all sessions. Default: 16
	MaxConcurrent int64

	// Threshold is the largest distance treated as a match when labelling outcomes.
	Threshold float64

	Tracer  trace.Tracer
	Logger  *slog.Logger
	Observe func(outcome string, elapsed time.Duration)
}

// Scheduler runs verification jobs in the background and hands each result to
// the deliver callback exactly once. Delivery happens whether or not the
// originating session still cares; staleness is the consumer's concern.
type Scheduler struct {
	verifier IdentityVerifier
	opts     SchedulerOptions
	sem      *semaphore.Weighted

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// Result error of a job dispatched after Wait.
const schedulerClosedMsg = "verification not started: scheduler closed"

func NewScheduler(verifier IdentityVerifier, opts SchedulerOptions) *Scheduler {
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 16
	}
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThresholds().VerificationDistance
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/vango-go/proctor/pkg/core/proctor")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Scheduler{
		verifier: verifier,
		opts:     opts,
		sem:      semaphore.NewWeighted(opts.MaxConcurrent),
	}
}

// Dispatch starts job in its own goroutine and returns immediately. Once Wait
// has been called the job is not run; deliver still receives an error result.
func (s *Scheduler) Dispatch(ctx context.Context, job Job, deliver func(Job, VerificationResult)) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		if deliver != nil {
			go deliver(job, VerificationResult{Error: schedulerClosedMsg})
		}
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		res := s.run(ctx, job)
		if deliver != nil {
			deliver(job, res)
		}
	}()
}

func (s *Scheduler) run(ctx context.Context, job Job) (res VerificationResult) {
	start := time.Now()
	ctx, span := s.opts.Tracer.Start(ctx, "proctor.verify_identity",
		trace.WithAttributes(
			attribute.String("session.id", job.SessionID),
			attribute.Int64("job.id", int64(job.ID)),
		))
	defer func() {
		outcome := OutcomeMatch
		switch {
		case res.Error != "":
			outcome = OutcomeError
			span.SetStatus(codes.Error, res.Error)
		case res.Distance > s.opts.Threshold:
			outcome = OutcomeMismatch
		}
		span.SetAttributes(attribute.String("verify.outcome", outcome), attribute.Float64("verify.distance", res.Distance))
		span.End()
		if s.opts.Observe != nil {
			s.opts.Observe(outcome, time.Since(start))
		}
	}()

	if s.verifier == nil {
		return VerificationResult{Error: "identity verifier not configured"}
	}
	if strings.TrimSpace(job.ReferencePath) == "" {
		return VerificationResult{Error: "reference image not configured"}
	}
	if len(job.Frame) == 0 {
		return VerificationResult{Error: "no sample frame available"}
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return VerificationResult{Error: fmt.Sprintf("verification not started: %v", err)}
	}
	defer s.sem.Release(1)

	callCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	defer func() {
		if v := recover(); v != nil {
			s.opts.Logger.Error("identity verifier panic", "session_id", job.SessionID, "job_id", job.ID, "panic", v)
			res = VerificationResult{Error: "identity verifier failed"}
		}
	}()

	out, err := s.verifier.Verify(callCtx, job.ReferencePath, job.Frame)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return VerificationResult{Error: "identity verification timed out"}
		}
		return VerificationResult{Error: err.Error()}
	}
	return out
}

// Wait closes the scheduler to new jobs, then blocks until every dispatched
// job has delivered or ctx is done.
func (s *Scheduler) Wait(ctx context.Context) bool {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
