package session

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

type wsWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// wireFrame is an encoded JSON text frame. Empty frames are skipped.
type wireFrame []byte

const (
	shutdownFlushWindow = 100 * time.Millisecond
	shutdownFlushFrames = 8
)

// outboundWriter owns every write to the examinee socket. Frames on the
// priority queue are written before any queued normal frame, including one
// already dequeued but not yet written.
type outboundWriter struct {
	ws       wsWriter
	ctx      context.Context
	cfg      Config
	priority <-chan wireFrame
	normal   <-chan wireFrame
}

func (w *outboundWriter) Run() error {
	if w == nil || w.ws == nil {
		return nil
	}
	timeout := w.cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	interval := w.cfg.PingInterval
	if interval <= 0 {
		interval = 20 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var done <-chan struct{}
	if w.ctx != nil {
		done = w.ctx.Done()
	}

	for {
		select {
		case <-done:
			w.shutdown(timeout)
			return nil
		default:
		}
		if err := w.drainPriority(timeout, -1); err != nil {
			return err
		}
		if w.priority == nil && w.normal == nil {
			return nil
		}

		select {
		case <-done:
		case <-ticker.C:
			if err := w.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout)); err != nil {
				return err
			}
		case f, ok := <-w.priority:
			if !ok {
				w.priority = nil
				continue
			}
			if err := w.write(f, timeout); err != nil {
				return err
			}
		case f, ok := <-w.normal:
			if !ok {
				w.normal = nil
				continue
			}
			if err := w.drainPriority(timeout, -1); err != nil {
				return err
			}
			if err := w.write(f, timeout); err != nil {
				return err
			}
		}
	}
}

// drainPriority writes queued priority frames without blocking. limit < 0
// means no cap.
func (w *outboundWriter) drainPriority(timeout time.Duration, limit int) error {
	for n := 0; w.priority != nil && n != limit; n++ {
		select {
		case f, ok := <-w.priority:
			if !ok {
				w.priority = nil
				return nil
			}
			if err := w.write(f, timeout); err != nil {
				return err
			}
		default:
			return nil
		}
	}
	return nil
}

// shutdown gives pending priority frames a short window, then closes the
// socket with a normal close frame.
func (w *outboundWriter) shutdown(timeout time.Duration) {
	flush := min(timeout, shutdownFlushWindow)
	_ = w.ws.SetWriteDeadline(time.Now().Add(flush))
	_ = w.drainPriority(flush, shutdownFlushFrames)
	_ = w.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(timeout))
	_ = w.ws.Close()
}

func (w *outboundWriter) write(f wireFrame, timeout time.Duration) error {
	if len(f) == 0 {
		return nil
	}
	if err := w.ws.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return w.ws.WriteMessage(websocket.TextMessage, f)
}
