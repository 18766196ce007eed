package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/vango-go/proctor/pkg/gateway/live/perception"
	"github.com/vango-go/proctor/pkg/gateway/live/protocol"
	"github.com/vango-go/proctor/pkg/gateway/metrics"
)

const outboundPriorityQueueSize = 8

var errBackpressure = errors.New("examinee outbound backpressure")

type Config struct {
	MaxFrameBytes          int64
	MaxTickFPS             int
	MaxAudioBytesPerSecond int64
	InboundBurstSeconds    int
	PingInterval           time.Duration
	WriteTimeout           time.Duration
	ReadTimeout            time.Duration
	OutboundQueueSize      int
}

type wsConn interface {
	wsWriter
	ReadMessage() (messageType int, p []byte, err error)
}

// Conn pumps one examinee socket into a Session and carries the lane's
// outbound messages back. It implements Outbox.
type Conn struct {
	ws      wsConn
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	priority chan wireFrame
	normal   chan wireFrame

	// Reader goroutine only.
	lastLimitWarn time.Time
}

func NewConn(ws wsConn, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.OutboundQueueSize <= 0 {
		cfg.OutboundQueueSize = 64
	}
	return &Conn{
		ws:       ws,
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
		priority: make(chan wireFrame, outboundPriorityQueueSize),
		normal:   make(chan wireFrame, cfg.OutboundQueueSize),
	}
}

// Send queues msg for the examinee. Kicked and closing error frames jump the
// queue. A full normal queue drops the frame; the next status supersedes it.
func (c *Conn) Send(msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	frame := wireFrame(payload)
	switch m := msg.(type) {
	case protocol.ServerKicked:
		return c.enqueuePriority(frame)
	case protocol.ServerError:
		if m.Close {
			return c.enqueuePriority(frame)
		}
	}
	select {
	case c.normal <- frame:
		return nil
	default:
		return errBackpressure
	}
}

func (c *Conn) enqueuePriority(frame wireFrame) error {
	for i := 0; i < 4; i++ {
		select {
		case c.priority <- frame:
			return nil
		default:
		}
		select {
		case <-c.priority:
		default:
		}
	}
	select {
	case c.priority <- frame:
		return nil
	default:
		return errBackpressure
	}
}

// Serve runs the lane, the writer and the reader until any of them stops.
// It returns ErrKicked when a reviewer removed the examinee.
func (c *Conn) Serve(ctx context.Context, s *Session, p *perception.Pipeline) error {
	if p == nil {
		p = perception.New(perception.Options{})
	}
	c.prepareRead()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return s.Run(gctx)
	})
	g.Go(func() error {
		w := outboundWriter{ws: c.ws, ctx: gctx, cfg: c.cfg, priority: c.priority, normal: c.normal}
		err := w.Run()
		if err != nil {
			s.Leave(EndDisconnect)
			_ = c.ws.Close()
			return fmt.Errorf("write examinee socket: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		defer cancel()
		return c.readLoop(gctx, s, p)
	})
	return g.Wait()
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

type readLimiter interface {
	SetReadLimit(limit int64)
}

func (c *Conn) prepareRead() {
	if rl, ok := c.ws.(readLimiter); ok && c.cfg.MaxFrameBytes > 0 {
		rl.SetReadLimit(c.cfg.MaxFrameBytes)
	}
	if rd, ok := c.ws.(readDeadliner); ok && c.cfg.ReadTimeout > 0 {
		_ = rd.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		rd.SetPongHandler(func(string) error {
			return rd.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		})
	}
}

func (c *Conn) touchReadDeadline() {
	if rd, ok := c.ws.(readDeadliner); ok && c.cfg.ReadTimeout > 0 {
		_ = rd.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	}
}

func (c *Conn) readLoop(ctx context.Context, s *Session, p *perception.Pipeline) error {
	ticks := newInflow(c.now, int64(c.cfg.MaxTickFPS), c.cfg.InboundBurstSeconds)
	audioIn := newInflow(c.now, c.cfg.MaxAudioBytesPerSecond, c.cfg.InboundBurstSeconds)

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.Leave(EndDisconnect)
			if errors.Is(err, io.EOF) || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read examinee socket: %w", err)
		}
		c.touchReadDeadline()

		if messageType != websocket.TextMessage {
			c.sendError("bad_request", "binary frames are not supported", "")
			continue
		}
		msg, err := protocol.DecodeClientMessage(data)
		if err != nil {
			var de *protocol.DecodeError
			if errors.As(err, &de) {
				c.sendError(de.Code, de.Message, de.Param)
			} else {
				c.sendError("bad_request", err.Error(), "")
			}
			continue
		}

		switch m := msg.(type) {
		case protocol.ClientJoin:
			c.sendError("bad_request", "session already joined", "type")
		case protocol.ClientTick:
			if !ticks.take(1) {
				c.dropped("tick")
				continue
			}
			tick, err := p.Build(ctx, s.ID(), c.now(), m)
			if err != nil {
				c.sendError("bad_request", "tick.frame_b64 is not valid base64", "frame_b64")
				continue
			}
			if err := s.SubmitTick(ctx, tick); err != nil {
				return nil
			}
		case protocol.ClientAudioChunk:
			chunk, err := decodeChunk(c.now(), m)
			if err != nil {
				c.sendError("bad_request", "audio_chunk.data_b64 is not valid base64", "data_b64")
				continue
			}
			if !audioIn.take(int64(len(chunk.Data))) {
				c.dropped("audio")
				continue
			}
			if err := s.SubmitAudio(ctx, chunk); err != nil {
				return nil
			}
		case protocol.ClientLeave:
			c.logger.Info("examinee left", "session_id", s.ID(), "reason", m.Reason)
			s.Leave(EndLeave)
			return nil
		}
	}
}

func decodeChunk(at time.Time, m protocol.ClientAudioChunk) (Chunk, error) {
	chunk := Chunk{
		At:               at,
		MIMEType:         m.MIMEType,
		Transcript:       strings.TrimSpace(m.Transcript),
		Energy:           m.Energy,
		SpeechConfidence: m.SpeechConfidence,
	}
	if raw := strings.TrimSpace(m.DataB64); raw != "" {
		data, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return Chunk{}, err
		}
		chunk.Data = data
	}
	return chunk, nil
}

func (c *Conn) dropped(kind string) {
	c.metrics.RecordDroppedFrame(kind, "rate_limited")
	c.metrics.RecordRateLimitHit("inbound_" + kind)

	now := c.now()
	if !c.lastLimitWarn.IsZero() && now.Sub(c.lastLimitWarn) < time.Second {
		return
	}
	c.lastLimitWarn = now
	_ = c.Send(protocol.ServerWarning{
		Type:    "warning",
		Code:    "rate_limited",
		Message: kind + " frames are arriving faster than allowed and were dropped",
	})
}

func (c *Conn) sendError(code, message, param string) {
	msg := protocol.ServerError{Type: "error", Scope: "session", Code: code, Message: message}
	if param != "" {
		msg.Details = map[string]any{"param": param}
	}
	if err := c.Send(msg); err != nil {
		c.logger.Debug("error frame not delivered", "error", err)
	}
}
