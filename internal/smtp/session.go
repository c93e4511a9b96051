package smtp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.com/mailcroc/mailcroc/internal/address"
	"github.com/mailcroc/mailcroc/internal/email"
	"github.com/mailcroc/mailcroc/internal/ingest"
	"github.com/mailcroc/mailcroc/internal/metrics"
	"github.com/mailcroc/mailcroc/internal/parser"
)

// Ingester persists and signals an accepted message.
type Ingester interface {
	Ingest(ctx context.Context, msg *email.Email, envelope []string) (string, error)
}

var (
	errRateLimited = &gosmtp.SMTPError{
		Code:         421,
		EnhancedCode: gosmtp.EnhancedCode{4, 7, 0},
		Message:      "Too many connections, try again later",
	}
	errUnknownDomain = &gosmtp.SMTPError{
		Code:         550,
		EnhancedCode: gosmtp.EnhancedCode{5, 1, 1},
		Message:      "Unknown recipient domain",
	}
	errMalformed = &gosmtp.SMTPError{
		Code:         554,
		EnhancedCode: gosmtp.EnhancedCode{5, 6, 0},
		Message:      "Malformed message",
	}
	errStorage = &gosmtp.SMTPError{
		Code:         451,
		EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
		Message:      "Temporary storage failure, try again later",
	}
)

// backend implements gosmtp.Backend.
type backend struct {
	ingester Ingester
	domains  []string
	limiter  *ipLimiter
	logger   *slog.Logger
}

// NewSession is called for every accepted connection.
func (b *backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	ip := remoteIP(c.Conn())
	if b.limiter != nil && !b.limiter.Allow(ip) {
		metrics.SMTPRejected.WithLabelValues("ratelimit").Inc()
		b.logger.Warn("SMTP connection rate limited", "remote_ip", ip)
		return nil, errRateLimited
	}

	id := uuid.NewString()
	b.logger.Debug("new SMTP connection", "session", id, "remote_ip", ip)
	return &session{
		backend: b,
		logger:  b.logger.With("session", id, "remote_ip", ip),
	}, nil
}

// accepts reports whether rcpt belongs to a configured domain or one of its
// subdomains.
func (b *backend) accepts(rcpt string) bool {
	if len(b.domains) == 0 {
		return true
	}
	domain := address.Domain(rcpt)
	if domain == "" {
		return false
	}
	for _, d := range b.domains {
		if domain == d || strings.HasSuffix(domain, "."+d) {
			return true
		}
	}
	return false
}

// session is one SMTP connection's transaction state.
type session struct {
	backend *backend
	logger  *slog.Logger

	from string
	rcpt []string
}

func (s *session) Mail(from string, _ *gosmtp.MailOptions) error {
	s.from = from
	return nil
}

func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	rcpt := address.Unwrap(to)
	if !s.backend.accepts(rcpt) {
		metrics.SMTPRejected.WithLabelValues("domain").Inc()
		s.logger.Debug("rejected recipient", "rcpt", rcpt)
		return errUnknownDomain
	}
	s.rcpt = append(s.rcpt, rcpt)
	return nil
}

func (s *session) Data(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		if errors.Is(err, gosmtp.ErrDataTooLarge) {
			metrics.SMTPRejected.WithLabelValues("size").Inc()
		}
		return err
	}

	msg, err := parser.Parse(raw)
	if err != nil {
		metrics.Ingested.WithLabelValues("smtp", "parse_error").Inc()
		s.logger.Warn("failed to parse message", "error", err)
		return errMalformed
	}
	if msg.From == "" {
		msg.From = s.from
	}

	id, err := s.backend.ingester.Ingest(context.Background(), msg, s.rcpt)
	switch {
	case errors.Is(err, ingest.ErrNoRecipients):
		metrics.Ingested.WithLabelValues("smtp", "no_recipients").Inc()
		return &gosmtp.SMTPError{
			Code:         554,
			EnhancedCode: gosmtp.EnhancedCode{5, 5, 1},
			Message:      "No valid recipients",
		}
	case err != nil:
		metrics.Ingested.WithLabelValues("smtp", "store_error").Inc()
		s.logger.Error("failed to ingest message", "error", err)
		return errStorage
	}

	metrics.Ingested.WithLabelValues("smtp", "stored").Inc()
	s.logger.Info("message accepted",
		"id", id,
		"from", s.from,
		"recipients", len(s.rcpt),
		"size", len(raw),
	)
	return nil
}

func (s *session) Reset() {
	s.from = ""
	s.rcpt = nil
}

func (s *session) Logout() error {
	return nil
}

func remoteIP(c net.Conn) string {
	if c == nil || c.RemoteAddr() == nil {
		return ""
	}
	addr := c.RemoteAddr().String()
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// normalizeDomains lower-cases the configured domains and strips leading
// dots and "@".
func normalizeDomains(domains []string) []string {
	out := make([]string, 0, len(domains))
	for _, d := range domains {
		d = strings.Trim(strings.ToLower(strings.TrimSpace(d)), ".@")
		if d != "" {
			out = append(out, d)
		}
	}
	return out
}
