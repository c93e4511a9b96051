package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"golang.org/x/time/rate"
)

// shutdownTimeout is the maximum time to wait for in-flight connections
// during graceful shutdown.
const shutdownTimeout = 30 * time.Second

const (
	defaultMaxMessageBytes = 10 * 1024 * 1024
	defaultMaxRecipients   = 50
	defaultTimeout         = 60 * time.Second
)

// ServerConfig holds the configuration for an SMTP server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., ":2525").
	ListenAddr string

	// Hostname is the server hostname used in the greeting and EHLO responses.
	Hostname string

	// Ingester receives every accepted message.
	Ingester Ingester

	// TLSConfig is the TLS configuration for STARTTLS support.
	// If nil, STARTTLS is not advertised.
	TLSConfig *tls.Config

	// Domains restricts accepted recipients to these domains and their
	// subdomains. Empty accepts every domain.
	Domains []string

	MaxMessageBytes int64
	MaxRecipients   int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration

	// RatePerSecond and RateBurst limit new connections per remote IP.
	// A zero RatePerSecond disables the limit.
	RatePerSecond float64
	RateBurst     int
}

// Server is a catch-all SMTP receiver that hands each message to an Ingester.
type Server struct {
	config ServerConfig
	logger *slog.Logger
	smtp   *gosmtp.Server

	mu       sync.Mutex
	listener net.Listener
}

// New creates a new SMTP Server with the given configuration.
func New(cfg ServerConfig, logger *slog.Logger) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxMessageBytes
	}
	if cfg.MaxRecipients <= 0 {
		cfg.MaxRecipients = defaultMaxRecipients
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	var limiter *ipLimiter
	if cfg.RatePerSecond > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = newIPLimiter(rate.Limit(cfg.RatePerSecond), burst, 10*time.Minute)
	}

	be := &backend{
		ingester: cfg.Ingester,
		domains:  normalizeDomains(cfg.Domains),
		limiter:  limiter,
		logger:   logger,
	}

	s := gosmtp.NewServer(be)
	s.Addr = cfg.ListenAddr
	s.Domain = cfg.Hostname
	s.ReadTimeout = cfg.ReadTimeout
	s.WriteTimeout = cfg.WriteTimeout
	s.MaxMessageBytes = cfg.MaxMessageBytes
	s.MaxRecipients = cfg.MaxRecipients
	// go-smtp advertises STARTTLS when TLSConfig is set.
	s.TLSConfig = cfg.TLSConfig

	return &Server{config: cfg, logger: logger, smtp: s}
}

// ListenAndServe starts the SMTP server and blocks until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until the context is cancelled. On
// cancellation it stops accepting and waits up to 30 seconds for in-flight
// sessions to complete.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("SMTP server listening",
		"addr", ln.Addr().String(),
		"domains", s.config.Domains,
		"tls_enabled", s.config.TLSConfig != nil,
		"rate_limited", s.config.RatePerSecond > 0,
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.smtp.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, gosmtp.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down SMTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.smtp.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("shutdown timeout reached, forcing close", "error", err)
		_ = s.smtp.Close()
	} else {
		s.logger.Info("all sessions completed")
	}
	<-errCh
	return nil
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
