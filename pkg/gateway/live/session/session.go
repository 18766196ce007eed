// Package session runs the proctoring lane of one examinee.
//
// A Session owns the video state machine, phone timer, score ledger and audio
// monitor of a single exam session. Every mutation happens on the goroutine
// running Run: ticks, audio chunks, background results and reviewer actions
// arrive through one inbox and are handled strictly in arrival order.
// Identity verification and transcription run elsewhere and post their results
// back into the inbox; once the lane has stopped those posts are dropped.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-go/proctor/pkg/core/audio"
	"github.com/vango-go/proctor/pkg/core/proctor"
	"github.com/vango-go/proctor/pkg/gateway/live/protocol"
	"github.com/vango-go/proctor/pkg/gateway/metrics"
)

var (
	// ErrClosed is returned when submitting to a lane that has stopped.
	ErrClosed = errors.New("session closed")

	// ErrKicked is returned by Run after a reviewer removed the examinee.
	ErrKicked = errors.New("session kicked")
)

// End reasons reported in session_left events.
const (
	EndLeave      = "leave"
	EndDisconnect = "disconnect"
	EndKicked     = "kicked"
	EndShutdown   = "shutdown"
)

const (
	defaultInboxSize         = 64
	defaultTranscribeTimeout = 10 * time.Second
)

// Publisher receives the lane's reviewer-facing events.
type Publisher interface {
	PublishJoined(protocol.SessionSnapshot)
	PublishUpdate(protocol.SessionSnapshot)
	PublishAlert(protocol.Alert)
	PublishLeft(sessionID, reason string)
}

// Outbox delivers server messages to the examinee.
type Outbox interface {
	Send(msg any) error
}

// Chunk is one inbound audio event.
type Chunk struct {
	At       time.Time
	Data     []byte
	MIMEType string

	// Transcript, when set, skips the transcriber.
	Transcript string

	Energy           *float64
	SpeechConfidence *float64
}

type ActionResult struct {
	Action  string
	Changed bool
}

type Dependencies struct {
	SessionID     string
	ReferencePath string
	FallbackPath  string

	Thresholds   proctor.Thresholds
	Scorer       *audio.Scorer
	Conversation audio.ConversationConfig
	Gate         audio.Gate
	DedupSize    int
	HistorySize  int

	// Verifier may be nil, in which case every verification fails open.
	Verifier *proctor.Scheduler

	// Transcriber may be nil; audio without a client transcript is then ignored.
	Transcriber       proctor.Transcriber
	AudioMaxInFlight  int
	TranscribeTimeout time.Duration

	Publisher Publisher
	Outbox    Outbox
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Tracer    trace.Tracer
	Now       func() time.Time
	InboxSize int
}

type Session struct {
	id     string
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time

	machine *proctor.Machine
	phone   *proctor.PhoneTimer
	ledger  *proctor.Ledger
	audio   *audio.Monitor
	gate    audio.Gate

	verifier          *proctor.Scheduler
	transcriber       proctor.Transcriber
	maxTranscribing   int
	transcribeTimeout time.Duration

	publisher Publisher
	outbox    Outbox
	metrics   *metrics.Metrics

	inbox  chan any
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	joinedAt time.Time
	snapshot atomic.Pointer[protocol.SessionSnapshot]

	endMu     sync.Mutex
	endReason string

	// Lane-owned.
	transcribing int
	failing      map[string]bool
	sentStatus   bool
	lastStatus   proctor.Status
	lastReason   proctor.Reason
}

type tickMsg struct {
	tick proctor.Tick
}

type audioMsg struct {
	chunk Chunk
}

type transcriptMsg struct {
	at   time.Time
	text string
	err  error
}

type verifyMsg struct {
	job proctor.Job
	res proctor.VerificationResult
}

type flushMsg struct {
	done chan struct{}
}

type actionMsg struct {
	action string
	reply  chan ActionResult
}

func New(deps Dependencies) (*Session, error) {
	if !protocol.ValidSessionID(deps.SessionID) {
		return nil, fmt.Errorf("invalid session id %q", deps.SessionID)
	}
	if deps.Scorer == nil {
		return nil, fmt.Errorf("scorer is required")
	}
	if deps.Thresholds == (proctor.Thresholds{}) {
		deps.Thresholds = proctor.DefaultThresholds()
	}
	if err := deps.Thresholds.Validate(); err != nil {
		return nil, err
	}
	if deps.Conversation == (audio.ConversationConfig{}) {
		deps.Conversation = audio.DefaultConversationConfig()
	}
	if deps.Gate == (audio.Gate{}) {
		deps.Gate = audio.DefaultGate()
	}
	if deps.AudioMaxInFlight <= 0 {
		deps.AudioMaxInFlight = 2
	}
	if deps.TranscribeTimeout <= 0 {
		deps.TranscribeTimeout = defaultTranscribeTimeout
	}
	if deps.Publisher == nil {
		deps.Publisher = nopPublisher{}
	}
	if deps.Outbox == nil {
		deps.Outbox = nopOutbox{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer("github.com/vango-go/proctor/pkg/gateway/live/session")
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.InboxSize <= 0 {
		deps.InboxSize = defaultInboxSize
	}

	th := deps.Thresholds
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:                deps.SessionID,
		logger:            deps.Logger.With("session_id", deps.SessionID),
		tracer:            deps.Tracer,
		now:               deps.Now,
		machine:           proctor.NewMachine(deps.SessionID, deps.ReferencePath, deps.FallbackPath, th),
		phone:             proctor.NewPhoneTimer(th.PhoneAlertThreshold, th.Penalties.Phone),
		ledger:            proctor.NewLedger(),
		audio:             audio.NewMonitor(deps.Scorer, deps.Conversation, deps.DedupSize, deps.HistorySize),
		gate:              deps.Gate,
		verifier:          deps.Verifier,
		transcriber:       deps.Transcriber,
		maxTranscribing:   deps.AudioMaxInFlight,
		transcribeTimeout: deps.TranscribeTimeout,
		publisher:         deps.Publisher,
		outbox:            deps.Outbox,
		metrics:           deps.Metrics,
		inbox:             make(chan any, deps.InboxSize),
		ctx:               ctx,
		cancel:            cancel,
		done:              make(chan struct{}),
		joinedAt:          deps.Now(),
		failing:           make(map[string]bool),
	}
	s.refresh(s.joinedAt)
	return s, nil
}

func (s *Session) ID() string { return s.id }

// Run processes the inbox until the session ends. It returns ErrKicked when a
// reviewer removed the examinee and nil otherwise. Run must be called once.
func (s *Session) Run(ctx context.Context) error {
	if ctx != nil {
		stop := context.AfterFunc(ctx, func() { s.end(EndShutdown) })
		defer stop()
	}
	defer close(s.done)
	defer s.cancel()

	s.metrics.RecordSessionStart()
	s.publisher.PublishJoined(s.refresh(s.now()))
	s.sendStatus()
	s.logger.Info("session started")

	var result error
loop:
	for {
		select {
		case <-s.ctx.Done():
			break loop
		case msg := <-s.inbox:
			if err := s.handle(msg); err != nil {
				result = err
				break loop
			}
		}
	}

	reason := s.EndReason()
	s.publisher.PublishLeft(s.id, reason)
	s.metrics.RecordSessionEnd(reason, s.now().Sub(s.joinedAt))
	s.logger.Info("session ended",
		"reason", reason,
		"score", s.ledger.Score(),
		"warnings", s.ledger.Warnings(),
	)
	return result
}

// SubmitTick queues a perception tick. It blocks while the inbox is full.
func (s *Session) SubmitTick(ctx context.Context, tick proctor.Tick) error {
	return s.enqueue(ctx, tickMsg{tick: tick})
}

// SubmitAudio queues an audio chunk.
func (s *Session) SubmitAudio(ctx context.Context, chunk Chunk) error {
	return s.enqueue(ctx, audioMsg{chunk: chunk})
}

// Act runs a reviewer action on the lane and waits for its outcome.
func (s *Session) Act(ctx context.Context, action string) (ActionResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !protocol.IsAction(action) {
		return ActionResult{}, fmt.Errorf("unknown action %q", action)
	}
	reply := make(chan ActionResult, 1)
	if err := s.enqueue(ctx, actionMsg{action: action, reply: reply}); err != nil {
		return ActionResult{}, err
	}
	select {
	case res := <-reply:
		return res, nil
	case <-s.done:
		select {
		case res := <-reply:
			return res, nil
		default:
			return ActionResult{}, ErrClosed
		}
	case <-ctx.Done():
		return ActionResult{}, ctx.Err()
	}
}

// Flush waits until every message queued before it has been handled.
func (s *Session) Flush(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	done := make(chan struct{})
	if err := s.enqueue(ctx, flushMsg{done: done}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the latest reviewer view. Safe for concurrent use.
func (s *Session) Snapshot() protocol.SessionSnapshot {
	if snap := s.snapshot.Load(); snap != nil {
		return *snap
	}
	return protocol.SessionSnapshot{SessionID: s.id}
}

// Warn sends a warning frame to the examinee.
func (s *Session) Warn(code, message string) error {
	return s.outbox.Send(protocol.ServerWarning{Type: "warning", Code: code, Message: message})
}

// Leave ends the session with reason. The first reason recorded wins.
func (s *Session) Leave(reason string) {
	s.end(reason)
}

// Cancel ends the session as part of a server shutdown.
func (s *Session) Cancel() {
	s.end(EndShutdown)
}

// Done is closed once Run has returned.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) EndReason() string {
	s.endMu.Lock()
	defer s.endMu.Unlock()
	if s.endReason == "" {
		return EndDisconnect
	}
	return s.endReason
}

func (s *Session) end(reason string) {
	s.endMu.Lock()
	if s.endReason == "" {
		s.endReason = reason
	}
	s.endMu.Unlock()
	s.cancel()
}

func (s *Session) enqueue(ctx context.Context, msg any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-s.ctx.Done():
		return ErrClosed
	default:
	}
	select {
	case s.inbox <- msg:
		return nil
	case <-s.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post is used by background work. Results for a stopped lane are dropped.
func (s *Session) post(msg any) {
	select {
	case s.inbox <- msg:
	case <-s.ctx.Done():
	}
}

func (s *Session) handle(msg any) error {
	switch m := msg.(type) {
	case tickMsg:
		s.handleTick(m.tick)
	case audioMsg:
		s.handleAudio(m.chunk)
	case transcriptMsg:
		s.handleTranscript(m)
	case verifyMsg:
		s.handleVerification(m)
	case flushMsg:
		close(m.done)
	case actionMsg:
		res, kicked := s.handleAction(s.now(), m.action)
		m.reply <- res
		if kicked {
			return ErrKicked
		}
	default:
		s.logger.Warn("unknown lane message", "type", fmt.Sprintf("%T", msg))
	}
	return nil
}

var tickCapabilities = []string{
	proctor.CapabilityFaceGeometry,
	proctor.CapabilityPose,
	proctor.CapabilityGaze,
	proctor.CapabilityObjects,
}

func (s *Session) handleTick(t proctor.Tick) {
	if t.At.IsZero() {
		t.At = s.now()
	}

	var video proctor.Analysis
	if t.HasFailed(proctor.CapabilityFaceGeometry) {
		video = s.machine.Degrade()
	} else {
		video = s.machine.Step(t)
	}
	if video.VerificationError != "" {
		s.logger.Warn("identity verification failed open", "error", video.VerificationError)
	}
	if video.Verify != nil {
		s.dispatchVerification(*video.Verify)
	}

	phone := s.phone.Observe(t.At, t.PhoneVisible)
	decision := proctor.Fuse(video, phone)
	changed := s.ledger.Apply(decision)
	s.metrics.RecordTick(decision.Status.String())

	if decision.Alert != nil {
		s.refresh(t.At)
		s.emitAlert(t.At, decision.Alert, t.EvidenceRef)
	}
	for _, c := range tickCapabilities {
		if s.diagnose(t.At, c, t.HasFailed(c)) {
			changed = true
		}
	}

	if changed {
		s.sendStatus()
		s.publish(t.At)
	}
}

func (s *Session) dispatchVerification(job proctor.Job) {
	s.logger.Info("identity verification started", "job_id", job.ID)
	if s.verifier == nil {
		s.handleVerification(verifyMsg{job: job, res: proctor.VerificationResult{Error: "identity verifier not configured"}})
		return
	}
	s.verifier.Dispatch(s.ctx, job, func(j proctor.Job, res proctor.VerificationResult) {
		s.post(verifyMsg{job: j, res: res})
	})
}

// handleVerification parks a finished result; the next tick consumes it.
func (s *Session) handleVerification(m verifyMsg) {
	if !s.machine.Deliver(m.job.ID, m.res) {
		s.metrics.RecordStaleResult("verification")
		s.logger.Debug("stale verification result dropped", "job_id", m.job.ID)
		return
	}
	s.logger.Debug("identity verification result ready", "job_id", m.job.ID, "matched", m.res.Matched)
}

func (s *Session) handleAudio(c Chunk) {
	if c.At.IsZero() {
		c.At = s.now()
	}
	if text := strings.TrimSpace(c.Transcript); text != "" {
		s.hear(c.At, text)
		return
	}
	if len(c.Data) == 0 {
		return
	}

	f := audio.Features{Energy: c.Energy, SpeechConfidence: c.SpeechConfidence}
	if f.Energy == nil && audio.IsRawPCM(c.MIMEType) {
		e := audio.RMSEnergy(c.Data)
		f.Energy = &e
	}
	switch {
	case !s.gate.Allow(f):
		s.metrics.RecordDroppedFrame("audio", "silence")
		return
	case s.transcriber == nil:
		s.metrics.RecordDroppedFrame("audio", "no_transcriber")
		return
	case s.transcribing >= s.maxTranscribing:
		s.metrics.RecordDroppedFrame("audio", "busy")
		return
	}

	s.transcribing++
	go s.transcribe(c)
}

func (s *Session) transcribe(c Chunk) {
	ctx, cancel := context.WithTimeout(s.ctx, s.transcribeTimeout)
	defer cancel()

	ctx, span := s.tracer.Start(ctx, "proctor.transcribe",
		trace.WithAttributes(
			attribute.String("session.id", s.id),
			attribute.Int("audio.bytes", len(c.Data)),
			attribute.String("audio.mime", c.MIMEType),
		))
	defer span.End()

	text, err := s.transcriber.Transcribe(ctx, c.Data, c.MIMEType)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transcription failed")
	}
	s.post(transcriptMsg{at: c.At, text: text, err: err})
}

func (s *Session) handleTranscript(m transcriptMsg) {
	if s.transcribing > 0 {
		s.transcribing--
	}
	if m.err != nil {
		s.metrics.RecordTranscription(proctor.OutcomeError)
		if s.diagnose(m.at, proctor.CapabilityTranscriber, true) {
			s.publish(m.at)
		}
		return
	}
	changed := s.diagnose(m.at, proctor.CapabilityTranscriber, false)
	if strings.TrimSpace(m.text) == "" {
		s.metrics.RecordTranscription("empty")
		if changed {
			s.publish(m.at)
		}
		return
	}
	s.metrics.RecordTranscription("ok")
	if !s.hear(m.at, m.text) && changed {
		s.publish(m.at)
	}
}

// hear scores one utterance and reports whether an update was published.
func (s *Session) hear(at time.Time, text string) bool {
	f, ok := s.audio.Observe(at, text)
	if !ok {
		return false
	}
	if f.Suspicious() {
		severity := proctor.SeverityWarning
		if f.Tier == audio.TierCritical {
			severity = proctor.SeverityCritical
		}
		msg := fmt.Sprintf("Suspicious speech (score %d): %q", f.Score, f.Text)
		if f.Conversation.Detected {
			msg = fmt.Sprintf("%s during %s (%d utterances)", msg, f.Conversation.Pattern, f.Conversation.Exchanges)
		}
		a := &proctor.Alert{Message: msg, Severity: severity, Source: proctor.SourceAudio}
		s.ledger.Charge(a, f.Score)
		s.refresh(at)
		s.emitAlert(at, a, "")
	}
	s.publish(at)
	return true
}

func (s *Session) handleAction(at time.Time, action string) (ActionResult, bool) {
	res := ActionResult{Action: action}
	var a *proctor.Alert

	switch action {
	case protocol.ActionFalseAlarm:
		if !s.machine.ClearFalseAlarm() {
			return res, false
		}
		s.ledger.SetStatus(proctor.StatusFocused, proctor.ReasonNone)
		a = &proctor.Alert{Message: "False alarm cleared by reviewer", Severity: proctor.SeverityInfo, Source: proctor.SourceReviewer}
	case protocol.ActionResetScore:
		if !s.ledger.Reset() {
			return res, false
		}
		a = &proctor.Alert{Message: "Score reset by reviewer", Severity: proctor.SeverityInfo, Source: proctor.SourceReviewer}
	case protocol.ActionKick:
		if err := s.outbox.Send(protocol.ServerKicked{Type: "kicked", Reason: "removed by a proctor"}); err != nil {
			s.logger.Warn("failed to notify kicked examinee", "error", err)
		}
		s.end(EndKicked)
		res.Changed = true
		return res, true
	default:
		return res, false
	}

	res.Changed = true
	s.ledger.Charge(a, 0)
	s.refresh(at)
	s.emitAlert(at, a, "")
	s.sendStatus()
	s.publish(at)
	s.logger.Info("reviewer action applied", "action", action)
	return res, false
}

// diagnose latches one informational alert per continuous capability outage.
// It reports whether an alert was raised.
func (s *Session) diagnose(at time.Time, capability string, failed bool) bool {
	if !failed {
		if s.failing[capability] {
			delete(s.failing, capability)
			s.logger.Info("capability recovered", "capability", capability)
		}
		return false
	}
	s.metrics.RecordCapabilityFailure(capability)
	if s.failing[capability] {
		return false
	}
	s.failing[capability] = true
	s.logger.Warn("capability unavailable", "capability", capability)

	a := &proctor.Alert{
		Message:  fmt.Sprintf("%s unavailable, continuing without it", strings.ReplaceAll(capability, "_", " ")),
		Severity: proctor.SeverityInfo,
		Source:   proctor.SourceSystem,
	}
	s.ledger.Charge(a, 0)
	s.refresh(at)
	s.emitAlert(at, a, "")
	return true
}

func (s *Session) emitAlert(at time.Time, a *proctor.Alert, evidenceRef string) {
	status, _ := s.ledger.Status()
	msg := protocol.Alert{
		ID:          uuid.NewString(),
		SessionID:   s.id,
		Message:     a.Message,
		Severity:    string(a.Severity),
		Source:      string(a.Source),
		Status:      status.String(),
		Score:       s.ledger.Score(),
		AtMS:        at.UnixMilli(),
		EvidenceRef: evidenceRef,
	}
	s.metrics.RecordAlert(msg.Severity, msg.Source)
	s.logger.Info("alert raised",
		"alert_id", msg.ID,
		"severity", msg.Severity,
		"source", msg.Source,
		"status", msg.Status,
		"score", msg.Score,
	)
	s.publisher.PublishAlert(msg)
}

func (s *Session) sendStatus() {
	status, reason := s.ledger.Status()
	if s.sentStatus && status == s.lastStatus && reason == s.lastReason {
		return
	}
	s.sentStatus = true
	s.lastStatus, s.lastReason = status, reason
	err := s.outbox.Send(protocol.ServerStatus{
		Type:    "status",
		Status:  status.String(),
		Reason:  reason.String(),
		Message: statusMessage(status, reason),
	})
	if err != nil {
		s.logger.Debug("status not delivered", "error", err)
	}
}

func (s *Session) publish(at time.Time) {
	s.publisher.PublishUpdate(s.refresh(at))
}

func (s *Session) refresh(at time.Time) protocol.SessionSnapshot {
	status, reason := s.ledger.Status()
	history := s.audio.History()
	var speech []protocol.SpeechEvent
	if len(history) > 0 {
		speech = make([]protocol.SpeechEvent, len(history))
		for i, ev := range history {
			speech[i] = protocol.SpeechEvent{AtMS: ev.At.UnixMilli(), Text: ev.Text, Score: ev.Score, Tier: string(ev.Tier)}
		}
	}
	snap := protocol.SessionSnapshot{
		SessionID:            s.id,
		Status:               status.String(),
		Reason:               reason.String(),
		Score:                s.ledger.Score(),
		Warnings:             s.ledger.Warnings(),
		PhoneState:           s.phone.State().String(),
		VerificationInFlight: s.machine.Snapshot().VerificationInFlight,
		JoinedAtMS:           s.joinedAt.UnixMilli(),
		UpdatedAtMS:          at.UnixMilli(),
		SpeechHistory:        speech,
	}
	s.snapshot.Store(&snap)
	return snap
}

func statusMessage(status proctor.Status, reason proctor.Reason) string {
	switch status {
	case proctor.StatusAway:
		return "No face detected. Please return to the camera."
	case proctor.StatusWelcomeBack:
		return "Welcome back. Please stay in view."
	case proctor.StatusVerifying:
		return "Verifying your identity."
	case proctor.StatusDistracted:
		if reason == proctor.ReasonGaze {
			return "Please keep your eyes on the screen."
		}
		return "Please face the screen."
	case proctor.StatusPhoneDetected:
		return "Please put away any phones or devices."
	case proctor.StatusError:
		return "Camera analysis is temporarily unavailable."
	case proctor.StatusCriticalImpersonation, proctor.StatusCriticalMultipleFaces, proctor.StatusCriticalPhone:
		return "A proctor has been notified."
	default:
		return ""
	}
}

type nopPublisher struct{}

func (nopPublisher) PublishJoined(protocol.SessionSnapshot) {}
func (nopPublisher) PublishUpdate(protocol.SessionSnapshot) {}
func (nopPublisher) PublishAlert(protocol.Alert)            {}
func (nopPublisher) PublishLeft(string, string)             {}

type nopOutbox struct{}

func (nopOutbox) Send(any) error { return nil }
