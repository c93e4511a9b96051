package live

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/mailcroc/mailcroc/internal/address"
	"github.com/mailcroc/mailcroc/internal/metrics"
	"github.com/mailcroc/mailcroc/internal/registry"
)

// Client-to-server and acknowledgement events.
const (
	EventJoin   = "join"
	EventLeave  = "leave"
	EventJoined = "joined"
	EventLeft   = "left"
	EventError  = "error"
)

const (
	defaultBuffer       = 64
	defaultWriteTimeout = 10 * time.Second
	readLimit           = 4096
)

// Registry is the part of registry.Registry a live connection drives.
type Registry interface {
	Join(s registry.Session, raw string)
	Leave(s registry.Session, raw string)
	Drop(s registry.Session)
}

// Options tunes live connections.
type Options struct {
	// Buffer is the per-connection outbound queue length.
	Buffer int
	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration
	// PingInterval enables keepalive pings when positive.
	PingInterval time.Duration
	// OriginPatterns lists the browser origins allowed to connect.
	// Empty allows only same-host origins.
	OriginPatterns []string
}

// Handler upgrades GET /ws requests and serves join/leave frames.
type Handler struct {
	registry Registry
	opts     Options
	logger   *slog.Logger
}

// NewHandler creates a live Handler.
func NewHandler(reg Registry, opts Options, logger *slog.Logger) *Handler {
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{registry: reg, opts: opts, logger: logger}
}

// inbound is a client frame; data must be an address string.
type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.opts.OriginPatterns,
	})
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	id := uuid.NewString()
	logger := h.logger.With("session", id)
	s := newSession(id, conn, h.opts.Buffer, cancel, logger)

	metrics.Sessions.Inc()
	logger.Debug("live session connected", "remote_addr", r.RemoteAddr)
	defer func() {
		h.registry.Drop(s)
		s.close()
		metrics.Sessions.Dec()
		conn.CloseNow()
		logger.Debug("live session disconnected")
	}()

	go s.writeLoop(ctx, h.opts.WriteTimeout, h.opts.PingInterval)

	for {
		var f inbound
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
				logger.Debug("live session read failed", "error", err)
			}
			return
		}
		h.handle(s, f)
	}
}

func (h *Handler) handle(s *Session, f inbound) {
	switch f.Event {
	case EventJoin, EventLeave:
	default:
		_ = s.Send(EventError, map[string]string{"error": "unknown event: " + f.Event})
		return
	}

	var raw string
	if err := json.Unmarshal(f.Data, &raw); err != nil {
		_ = s.Send(EventError, map[string]string{"error": f.Event + " expects an address string"})
		return
	}
	addr := address.Unwrap(raw)
	if addr == "" {
		_ = s.Send(EventError, map[string]string{"error": f.Event + " expects an address string"})
		return
	}

	if f.Event == EventJoin {
		h.registry.Join(s, addr)
		_ = s.Send(EventJoined, addr)
		return
	}
	h.registry.Leave(s, addr)
	_ = s.Send(EventLeft, addr)
}
