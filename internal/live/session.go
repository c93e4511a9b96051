// Package live binds WebSocket connections to the session registry.
package live

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/mailcroc/mailcroc/internal/metrics"
)

var (
	// ErrClosed is returned by Send after the connection has gone away.
	ErrClosed = errors.New("session closed")
	// ErrSlowConsumer is returned by Send when the outbound buffer is full.
	// The session is closed as a side effect.
	ErrSlowConsumer = errors.New("session outbound buffer full")
)

// Frame is the JSON envelope for every message in both directions.
type Frame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Session is one live WebSocket connection. Send never blocks: frames are
// queued on a bounded buffer drained by the connection's writer goroutine.
type Session struct {
	id     string
	conn   *websocket.Conn
	out    chan Frame
	done   chan struct{}
	cancel context.CancelFunc
	logger *slog.Logger

	closeOnce sync.Once
}

func newSession(id string, conn *websocket.Conn, buffer int, cancel context.CancelFunc, logger *slog.Logger) *Session {
	return &Session{
		id:     id,
		conn:   conn,
		out:    make(chan Frame, buffer),
		done:   make(chan struct{}),
		cancel: cancel,
		logger: logger,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Send queues an event for delivery.
func (s *Session) Send(event string, payload any) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}

	select {
	case s.out <- Frame{Event: event, Data: payload}:
		return nil
	default:
		metrics.Dropped.Inc()
		s.logger.Warn("dropping slow live session", "event", event)
		s.close()
		return ErrSlowConsumer
	}
}

// close marks the session finished and cancels its connection context, which
// unblocks the reader and closes the socket.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// writeLoop drains the outbound buffer until the session or ctx ends. A
// positive pingInterval keeps idle connections alive.
func (s *Session) writeLoop(ctx context.Context, writeTimeout, pingInterval time.Duration) {
	var ping <-chan time.Time
	if pingInterval > 0 {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-ping:
			pctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := s.conn.Ping(pctx)
			cancel()
			if err != nil {
				s.logger.Debug("live session ping failed", "error", err)
				s.close()
				return
			}
		case f := <-s.out:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, s.conn, f)
			cancel()
			if err != nil {
				s.logger.Debug("live session write failed", "event", f.Event, "error", err)
				s.close()
				return
			}
		}
	}
}
