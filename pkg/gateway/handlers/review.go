package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/vango-go/proctor/pkg/core"
	"github.com/vango-go/proctor/pkg/gateway/config"
	"github.com/vango-go/proctor/pkg/gateway/live/hub"
	"github.com/vango-go/proctor/pkg/gateway/live/protocol"
	"github.com/vango-go/proctor/pkg/gateway/live/sessions"
	"github.com/vango-go/proctor/pkg/gateway/metrics"
	"github.com/vango-go/proctor/pkg/gateway/mw"
	"github.com/vango-go/proctor/pkg/gateway/principal"
	"github.com/vango-go/proctor/pkg/gateway/ratelimit"
)

const (
	reviewerReadLimit = 64 << 10
	actionTimeout     = 5 * time.Second
)

// ReviewHandler serves /v1/review, the reviewer dashboard socket. A reviewer
// first receives every live snapshot, then lifecycle events, alerts and
// coalesced updates. Frames sent by the reviewer are actions.
type ReviewHandler struct {
	Config   config.Config
	Hub      *hub.Hub
	Registry *sessions.Registry
	Limiter  *ratelimit.Limiter
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

func (h ReviewHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		rejectMethod(w, r)
		return
	}
	reqID := requestIDFromContext(r.Context())
	if !mw.OriginAllowed(h.Config, r) {
		rejectOrigin(w, r)
		return
	}
	who := principal.Resolve(r, h.Config)
	if h.Limiter != nil && h.Config.MaxReviewerSockets > 0 {
		dec := h.Limiter.AcquireWSSession(who.Key, time.Now())
		if !dec.Allowed {
			h.Metrics.RecordRateLimitHit(dec.Reason)
			w.Header().Set("Retry-After", strconv.Itoa(dec.RetryAfter))
			writeCoreErrorJSON(w, reqID, core.NewRateLimitError("too many open reviewer sockets", dec.RetryAfter), http.StatusTooManyRequests)
			return
		}
		defer dec.Permit.Release()
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetReadLimit(reviewerReadLimit)

	logger := h.logger().With("request_id", reqID, "principal", who)
	rc := &reviewerConn{ws: conn, writeTimeout: h.Config.WSWriteTimeout}

	// Subscribe before listing so no lifecycle event falls between the two.
	sub := h.Hub.Subscribe()
	defer sub.Close()
	if err := rc.write(protocol.ServerSessionList{Type: "session_list", Sessions: h.Registry.Snapshots()}); err != nil {
		return
	}

	h.Metrics.RecordReviewer(1)
	defer h.Metrics.RecordReviewer(-1)
	logger.Info("reviewer connected", "subscriber_id", sub.ID)

	interval := h.Config.WSPingInterval
	if interval <= 0 {
		interval = 20 * time.Second
	}
	rc.watchReads(3 * interval)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return h.pump(gctx, rc, sub)
	})
	g.Go(func() error {
		defer cancel()
		return h.readActions(gctx, rc, logger)
	})
	g.Go(func() error {
		return rc.keepalive(gctx, interval)
	})
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Debug("reviewer stream ended", "error", err)
	}
	if dropped := sub.Dropped(); dropped > 0 {
		logger.Warn("reviewer fell behind", "dropped", dropped)
	}
	logger.Info("reviewer disconnected", "subscriber_id", sub.ID)
}

func (h ReviewHandler) pump(ctx context.Context, rc *reviewerConn, sub *hub.Subscriber) error {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, hub.ErrClosed) {
				return nil
			}
			return err
		}
		if err := rc.write(msg); err != nil {
			return err
		}
	}
}

func (h ReviewHandler) readActions(ctx context.Context, rc *reviewerConn, logger *slog.Logger) error {
	for {
		messageType, data, err := rc.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) ||
				websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if messageType != websocket.TextMessage {
			_ = rc.write(protocol.ServerError{Type: "error", Scope: "review", Code: "bad_request", Message: "binary frames are not supported"})
			continue
		}
		action, err := protocol.DecodeReviewerMessage(data)
		if err != nil {
			var de *protocol.DecodeError
			msg := protocol.ServerError{Type: "error", Scope: "review", Code: "bad_request", Message: err.Error()}
			if errors.As(err, &de) {
				msg.Code, msg.Message = de.Code, de.Message
				if de.Param != "" {
					msg.Details = map[string]any{"param": de.Param}
				}
			}
			_ = rc.write(msg)
			continue
		}

		actx, cancel := context.WithTimeout(ctx, actionTimeout)
		ack, cerr := act(actx, h.Registry, action.SessionID, action.Type)
		cancel()
		if cerr != nil {
			_ = rc.write(wsErrorFrom("review", cerr))
			continue
		}
		logger.Info("reviewer action", "session_id", ack.SessionID, "action", ack.Action, "changed", ack.Changed)
		if err := rc.write(ack); err != nil {
			return err
		}
	}
}

func (h ReviewHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// reviewerConn serializes writes from the pump and the action reader.
type reviewerConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	mu sync.Mutex
}

func (c *reviewerConn) write(msg any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.ws.WriteJSON(msg)
}

// watchReads drops a reviewer that stops answering pings. It must run before
// the reader starts.
func (c *reviewerConn) watchReads(window time.Duration) {
	_ = c.ws.SetReadDeadline(time.Now().Add(window))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(window))
	})
}

// keepalive pings until ctx ends, then closes the socket so the blocked
// reader returns.
func (c *reviewerConn) keepalive(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(closeWriteTimeout))
			_ = c.ws.Close()
			return nil
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(closeWriteTimeout)); err != nil {
				_ = c.ws.Close()
				return err
			}
		}
	}
}
