// Package server wires the fan-out and ingestion HTTP endpoints into one mux.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/mailcroc/mailcroc/internal/address"
	"github.com/mailcroc/mailcroc/internal/email"
	"github.com/mailcroc/mailcroc/internal/metrics"
	"github.com/mailcroc/mailcroc/internal/provider"
	"github.com/mailcroc/mailcroc/internal/respond"
	"github.com/mailcroc/mailcroc/internal/router"
)

const (
	maxBodyBytes    = 1 << 20
	shutdownTimeout = 10 * time.Second
)

// History lists stored messages for an address.
type History interface {
	List(ctx context.Context, addr string) ([]*email.Email, error)
}

// Config selects which endpoints are mounted. A nil handler or dependency
// leaves its route unregistered.
type Config struct {
	Listen string

	// Notify serves POST /notify.
	Notify http.Handler
	// Live serves GET /ws.
	Live http.Handler
	// Inbound serves POST /inbound.
	Inbound http.Handler
	// History backs GET /emails.
	History History
	// Provider backs POST /send.
	Provider provider.Provider
}

// Server is the HTTP front of a mailcroc process.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	handler http.Handler

	mu   sync.Mutex
	addr net.Addr
}

// New builds the mux for cfg.
func New(cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{cfg: cfg, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.Handler())
	if cfg.Notify != nil {
		mux.Handle("/notify", cfg.Notify)
	}
	if cfg.Live != nil {
		mux.Handle("/ws", cfg.Live)
	}
	if cfg.Inbound != nil {
		mux.Handle("/inbound", cfg.Inbound)
	}
	if cfg.History != nil {
		mux.HandleFunc("/emails", s.handleEmails)
	}
	if cfg.Provider != nil {
		mux.HandleFunc("/send", s.handleSend)
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		respond.Error(w, http.StatusNotFound, "not found")
	})

	s.handler = otelhttp.NewHandler(mux, "mailcroc",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/healthz" && r.URL.Path != "/metrics"
		}),
	)
	return s
}

// Handler returns the instrumented mux.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe listens on the configured address and serves until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
// It returns nil after a clean shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()

	// No WriteTimeout: /ws connections are long-lived.
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.Info("http server listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http shutdown incomplete, closing", "error", err)
		_ = srv.Close()
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("http server stopped")
	return nil
}

// Addr returns the listening address once Serve has started, or nil.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// handleEmails serves GET /emails?address=, newest first.
func (s *Server) handleEmails(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		respond.Error(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	addr := strings.TrimSpace(r.URL.Query().Get("address"))
	if addr == "" {
		respond.Error(w, http.StatusBadRequest, "address is required")
		return
	}

	msgs, err := s.cfg.History.List(r.Context(), addr)
	if err != nil {
		s.logger.Error("failed to list emails", "address", address.Normalize(addr), "error", err)
		respond.Error(w, http.StatusInternalServerError, "failed to list emails")
		return
	}
	if msgs == nil {
		msgs = []*email.Email{}
	}
	respond.JSON(w, http.StatusOK, map[string]any{
		"address": address.Normalize(addr),
		"emails":  msgs,
	})
}

type sendRequest struct {
	From    string `json:"from"`
	To      any    `json:"to"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
	HTML    string `json:"html"`
}

// handleSend serves POST /send through the configured provider.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		respond.Error(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	name := s.cfg.Provider.Name()

	var req sendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		metrics.Sent.WithLabelValues(name, "invalid").Inc()
		respond.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	to, err := router.Recipients(req.To)
	if err != nil {
		metrics.Sent.WithLabelValues(name, "invalid").Inc()
		respond.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	msg := &email.Email{
		From:     strings.TrimSpace(req.From),
		To:       to,
		Subject:  req.Subject,
		TextBody: req.Text,
		HtmlBody: req.HTML,
	}
	if err := provider.Validate(msg); err != nil {
		metrics.Sent.WithLabelValues(name, "invalid").Inc()
		respond.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.cfg.Provider.Send(r.Context(), msg); err != nil {
		metrics.Sent.WithLabelValues(name, "error").Inc()
		s.logger.Error("outbound send failed", "provider", name, "recipients", len(msg.To), "error", err)
		respond.Error(w, http.StatusBadGateway, "failed to send email")
		return
	}
	metrics.Sent.WithLabelValues(name, "ok").Inc()
	s.logger.Info("outbound email sent", "provider", name, "recipients", len(msg.To))
	respond.JSON(w, http.StatusOK, map[string]any{"success": true})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	return dec.Decode(v)
}
