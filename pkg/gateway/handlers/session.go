package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-go/proctor/pkg/core"
	"github.com/vango-go/proctor/pkg/core/audio"
	"github.com/vango-go/proctor/pkg/core/proctor"
	"github.com/vango-go/proctor/pkg/gateway/apierror"
	"github.com/vango-go/proctor/pkg/gateway/config"
	"github.com/vango-go/proctor/pkg/gateway/lifecycle"
	"github.com/vango-go/proctor/pkg/gateway/live/perception"
	"github.com/vango-go/proctor/pkg/gateway/live/protocol"
	"github.com/vango-go/proctor/pkg/gateway/live/session"
	"github.com/vango-go/proctor/pkg/gateway/live/sessions"
	"github.com/vango-go/proctor/pkg/gateway/metrics"
	"github.com/vango-go/proctor/pkg/gateway/mw"
)

// Lanes holds what every examinee lane shares.
type Lanes struct {
	Settings config.Settings
	Scorer   *audio.Scorer

	// Verifier and Transcriber may be nil; the lane then fails open.
	Verifier    *proctor.Scheduler
	Transcriber proctor.Transcriber
	Pipeline    *perception.Pipeline

	Publisher session.Publisher
	Metrics   *metrics.Metrics
	Tracer    trace.Tracer
}

func (l Lanes) build(cfg config.Config, join protocol.ClientJoin, outbox session.Outbox, logger *slog.Logger) (*session.Session, error) {
	scorer := l.Scorer
	if scorer == nil {
		var err error
		if scorer, err = audio.NewScorer(audio.DefaultScorerConfig()); err != nil {
			return nil, err
		}
	}
	st := l.Settings
	if st.DedupSize <= 0 || st.HistorySize <= 0 {
		def := config.DefaultSettings()
		st.DedupSize, st.HistorySize = def.DedupSize, def.HistorySize
	}
	return session.New(session.Dependencies{
		SessionID:        join.SessionID,
		ReferencePath:    strings.TrimSpace(join.ReferencePath),
		FallbackPath:     cfg.FallbackReference,
		Thresholds:       st.Proctor,
		Scorer:           scorer,
		Conversation:     st.Conversation,
		Gate:             st.Gate,
		DedupSize:        st.DedupSize,
		HistorySize:      st.HistorySize,
		Verifier:         l.Verifier,
		Transcriber:      l.Transcriber,
		AudioMaxInFlight: cfg.AudioMaxInFlight,
		Publisher:        l.Publisher,
		Outbox:           outbox,
		Metrics:          l.Metrics,
		Logger:           logger,
		Tracer:           l.Tracer,
	})
}

// SessionHandler serves /v1/session, the examinee socket. The first frame
// must be a join; everything after it is pumped into the session's lane.
type SessionHandler struct {
	Config    config.Config
	Lanes     Lanes
	Registry  *sessions.Registry
	Lifecycle *lifecycle.Lifecycle
	Logger    *slog.Logger
}

func (h SessionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		rejectMethod(w, r)
		return
	}
	reqID := requestIDFromContext(r.Context())
	if h.Lifecycle.IsDraining() {
		ce := core.NewOverloadedError("gateway is draining")
		ce.Code = "draining"
		writeCoreErrorJSON(w, reqID, ce, apierror.StatusOverloaded)
		return
	}
	if !mw.OriginAllowed(h.Config, r) {
		rejectOrigin(w, r)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	if h.Config.MaxFrameBytes > 0 {
		conn.SetReadLimit(h.Config.MaxFrameBytes)
	}

	join, ok := h.readJoin(conn)
	if !ok {
		return
	}
	logger := h.logger().With("session_id", join.SessionID, "request_id", reqID)
	logger.Debug("join", "join", join.RedactedForLog())

	out := session.NewConn(conn, session.Config{
		MaxFrameBytes:          h.Config.MaxFrameBytes,
		MaxTickFPS:             h.Config.MaxTickFPS,
		MaxAudioBytesPerSecond: h.Config.MaxAudioBytesPerSecond,
		InboundBurstSeconds:    h.Config.InboundBurstSeconds,
		PingInterval:           h.Config.WSPingInterval,
		WriteTimeout:           h.Config.WSWriteTimeout,
	}, logger, h.Lanes.Metrics)

	s, err := h.Lanes.build(h.Config, join, out, logger)
	if err != nil {
		logger.Error("session init failed", "error", err)
		writeWSError(conn, "session", "internal", "failed to initialize session", true, nil)
		return
	}

	unregister, err := h.Registry.Register(join.SessionID, s)
	if err != nil {
		if errors.Is(err, sessions.ErrDuplicateSession) {
			logger.Warn("duplicate join rejected")
			writeWSError(conn, "session", "duplicate_session", "session is already active", true, map[string]any{"session_id": join.SessionID})
			return
		}
		writeWSError(conn, "session", "internal", "failed to register session", true, nil)
		return
	}
	defer unregister()

	// Drain may have started between the first check and registration.
	if h.Lifecycle.IsDraining() {
		writeWSError(conn, "session", "draining", "gateway is draining", true, nil)
		return
	}

	ack := protocol.ServerJoinAck{
		Type:            "join_ack",
		ProtocolVersion: protocol.ProtocolVersion1,
		SessionID:       join.SessionID,
		Limits: &protocol.JoinAckLimits{
			MaxFrameBytes: h.Config.MaxFrameBytes,
			MaxTickFPS:    h.Config.MaxTickFPS,
			MaxAudioBPS:   h.Config.MaxAudioBytesPerSecond,
		},
	}
	if err := out.Send(ack); err != nil {
		logger.Warn("join_ack not queued", "error", err)
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	if err := out.Serve(r.Context(), s, h.Lanes.Pipeline); err != nil && !errors.Is(err, session.ErrKicked) {
		logger.Warn("session ended with error", "error", err)
	}
}

func (h SessionHandler) readJoin(conn *websocket.Conn) (protocol.ClientJoin, bool) {
	timeout := h.Config.HandshakeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	_ = conn.SetReadDeadline(time.Now().Add(timeout))

	messageType, frame, err := conn.ReadMessage()
	if err != nil {
		writeWSError(conn, "session", "bad_request", "failed to read join", true, nil)
		return protocol.ClientJoin{}, false
	}
	if messageType != websocket.TextMessage {
		writeWSError(conn, "session", "bad_request", "first frame must be join", true, nil)
		return protocol.ClientJoin{}, false
	}

	decoded, err := protocol.DecodeClientMessage(frame)
	if err != nil {
		var de *protocol.DecodeError
		if errors.As(err, &de) {
			var details map[string]any
			if de.Param != "" {
				details = map[string]any{"param": de.Param}
			}
			writeWSError(conn, "session", de.Code, de.Message, true, details)
		} else {
			writeWSError(conn, "session", "bad_request", "invalid join frame", true, nil)
		}
		return protocol.ClientJoin{}, false
	}
	join, ok := decoded.(protocol.ClientJoin)
	if !ok {
		writeWSError(conn, "session", "bad_request", "first frame must be join", true, nil)
		return protocol.ClientJoin{}, false
	}
	return join, true
}

func (h SessionHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}
