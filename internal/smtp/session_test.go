package smtp

import (
	"context"
	"errors"
	"log/slog"
	"net"
	netsmtp "net/smtp"
	"net/textproto"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	gosmtp "github.com/emersion/go-smtp"

	"github.com/mailcroc/mailcroc/internal/email"
	"github.com/mailcroc/mailcroc/internal/ingest"
)

// mockIngester records ingested messages.
type mockIngester struct {
	mu       sync.Mutex
	msgs     []*email.Email
	envelope [][]string
	err      error
}

func (m *mockIngester) Ingest(_ context.Context, msg *email.Email, envelope []string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.msgs = append(m.msgs, msg)
	m.envelope = append(m.envelope, envelope)
	return "id-1", nil
}

func (m *mockIngester) last(t *testing.T) (*email.Email, []string) {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.msgs) == 0 {
		t.Fatal("no message ingested")
	}
	return m.msgs[len(m.msgs)-1], m.envelope[len(m.envelope)-1]
}

// startServer runs a Server on a loopback listener for the duration of the test.
func startServer(t *testing.T, cfg ServerConfig) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	srv := New(cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return ln.Addr().String()
}

func dial(t *testing.T, addr string) *netsmtp.Client {
	t.Helper()
	c, err := netsmtp.Dial(addr)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	if err := c.Hello("client.example.com"); err != nil {
		t.Fatalf("EHLO: %v", err)
	}
	return c
}

func sendData(c *netsmtp.Client, body string) error {
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte(body)); err != nil {
		return err
	}
	return w.Close()
}

func smtpCode(err error) int {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return tpErr.Code
	}
	return 0
}

const testMessage = "From: Sender <sender@example.com>\r\n" +
	"To: User.Name+promo@mailcroc.qzz.io\r\n" +
	"Subject: Verify\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"Your code is 123456\r\n"

func TestSession_MailTransaction(t *testing.T) {
	t.Parallel()

	ing := &mockIngester{}
	addr := startServer(t, ServerConfig{Ingester: ing, Domains: []string{"mailcroc.qzz.io"}})
	c := dial(t, addr)

	if err := c.Mail("bounce@example.com"); err != nil {
		t.Fatalf("MAIL: %v", err)
	}
	if err := c.Rcpt("User.Name+promo@mailcroc.qzz.io"); err != nil {
		t.Fatalf("RCPT: %v", err)
	}
	if err := sendData(c, testMessage); err != nil {
		t.Fatalf("DATA: %v", err)
	}
	if err := c.Quit(); err != nil {
		t.Fatalf("QUIT: %v", err)
	}

	msg, envelope := ing.last(t)
	if msg.Subject != "Verify" {
		t.Errorf("Subject = %q, want Verify", msg.Subject)
	}
	if !strings.Contains(msg.TextBody, "Your code is 123456") {
		t.Errorf("TextBody = %q", msg.TextBody)
	}
	if !reflect.DeepEqual(msg.To, []string{"User.Name+promo@mailcroc.qzz.io"}) {
		t.Errorf("To = %v", msg.To)
	}
	if !reflect.DeepEqual(envelope, []string{"User.Name+promo@mailcroc.qzz.io"}) {
		t.Errorf("envelope = %v", envelope)
	}
	if len(msg.Raw) == 0 {
		t.Error("raw source not kept")
	}
}

func TestSession_EnvelopeFromFallback(t *testing.T) {
	t.Parallel()

	ing := &mockIngester{}
	addr := startServer(t, ServerConfig{Ingester: ing})
	c := dial(t, addr)

	if err := c.Mail("bounce@example.com"); err != nil {
		t.Fatalf("MAIL: %v", err)
	}
	if err := c.Rcpt("box@anywhere.test"); err != nil {
		t.Fatalf("RCPT: %v", err)
	}
	if err := sendData(c, "Subject: no from\r\n\r\nbody\r\n"); err != nil {
		t.Fatalf("DATA: %v", err)
	}

	msg, _ := ing.last(t)
	if msg.From != "bounce@example.com" {
		t.Errorf("From = %q, want envelope sender", msg.From)
	}
}

func TestSession_DomainFiltering(t *testing.T) {
	t.Parallel()

	ing := &mockIngester{}
	addr := startServer(t, ServerConfig{Ingester: ing, Domains: []string{"MailCroc.qzz.io"}})

	tests := []struct {
		rcpt string
		want int
	}{
		{"user@mailcroc.qzz.io", 0},
		{"user@team.mailcroc.qzz.io", 0},
		{"user@deep.team.MAILCROC.qzz.io", 0},
		{"user@example.com", 550},
		{"user@evilmailcroc.qzz.io", 550},
	}

	c := dial(t, addr)
	if err := c.Mail("sender@example.com"); err != nil {
		t.Fatalf("MAIL: %v", err)
	}
	for _, tt := range tests {
		err := c.Rcpt(tt.rcpt)
		if got := smtpCode(err); got != tt.want {
			t.Errorf("RCPT %s: code %d (err %v), want %d", tt.rcpt, got, err, tt.want)
		}
	}
}

func TestSession_StoreFailure(t *testing.T) {
	t.Parallel()

	ing := &mockIngester{err: errors.New("disk full")}
	addr := startServer(t, ServerConfig{Ingester: ing})
	c := dial(t, addr)

	if err := c.Mail("sender@example.com"); err != nil {
		t.Fatalf("MAIL: %v", err)
	}
	if err := c.Rcpt("box@example.com"); err != nil {
		t.Fatalf("RCPT: %v", err)
	}
	err := sendData(c, testMessage)
	if got := smtpCode(err); got != 451 {
		t.Errorf("DATA code = %d (err %v), want 451", got, err)
	}
}

func TestSession_NoRecipients(t *testing.T) {
	t.Parallel()

	ing := &mockIngester{err: ingest.ErrNoRecipients}
	addr := startServer(t, ServerConfig{Ingester: ing})
	c := dial(t, addr)

	if err := c.Mail("sender@example.com"); err != nil {
		t.Fatalf("MAIL: %v", err)
	}
	if err := c.Rcpt("box@example.com"); err != nil {
		t.Fatalf("RCPT: %v", err)
	}
	if got := smtpCode(sendData(c, testMessage)); got != 554 {
		t.Errorf("DATA code = %d, want 554", got)
	}
}

func TestSession_MessageTooLarge(t *testing.T) {
	t.Parallel()

	ing := &mockIngester{}
	addr := startServer(t, ServerConfig{Ingester: ing, MaxMessageBytes: 64})
	c := dial(t, addr)

	if err := c.Mail("sender@example.com"); err != nil {
		t.Fatalf("MAIL: %v", err)
	}
	if err := c.Rcpt("box@example.com"); err != nil {
		t.Fatalf("RCPT: %v", err)
	}
	body := testMessage + strings.Repeat("x", 1024) + "\r\n"
	if got := smtpCode(sendData(c, body)); got != 552 {
		t.Errorf("DATA code = %d, want 552", got)
	}

	ing.mu.Lock()
	defer ing.mu.Unlock()
	if len(ing.msgs) != 0 {
		t.Error("oversized message was ingested")
	}
}

func TestSession_Reset(t *testing.T) {
	t.Parallel()

	s := &session{}
	s.from = "a@example.com"
	s.rcpt = []string{"b@example.com"}
	s.Reset()
	if s.from != "" || s.rcpt != nil {
		t.Errorf("Reset left state: from=%q rcpt=%v", s.from, s.rcpt)
	}
}

func TestBackend_RateLimit(t *testing.T) {
	t.Parallel()

	be := &backend{
		limiter: newIPLimiter(0.001, 2, time.Minute),
		logger:  slog.Default(),
	}

	for i := 0; i < 2; i++ {
		if _, err := be.NewSession(&gosmtp.Conn{}); err != nil {
			t.Fatalf("session %d rejected: %v", i, err)
		}
	}
	_, err := be.NewSession(&gosmtp.Conn{})
	var smtpErr *gosmtp.SMTPError
	if !errors.As(err, &smtpErr) || smtpErr.Code != 421 {
		t.Errorf("third session error = %v, want 421", err)
	}
}

func TestBackend_Accepts(t *testing.T) {
	t.Parallel()

	open := &backend{}
	if !open.accepts("anyone@anywhere.test") {
		t.Error("empty domain list should accept everything")
	}

	restricted := &backend{domains: normalizeDomains([]string{" @Example.COM ", ".mail.test", ""})}
	if !reflect.DeepEqual(restricted.domains, []string{"example.com", "mail.test"}) {
		t.Fatalf("domains = %v", restricted.domains)
	}
	cases := map[string]bool{
		"a@example.com":      true,
		"a@sub.example.com":  true,
		"a@EXAMPLE.com":      true,
		"a@mail.test":        true,
		"a@notexample.com":   false,
		"a@example.com.evil": false,
		"example.com":        false,
	}
	for rcpt, want := range cases {
		if got := restricted.accepts(rcpt); got != want {
			t.Errorf("accepts(%q) = %v, want %v", rcpt, got, want)
		}
	}
}
