// Package stdout implements a Provider that writes outbound mail to a writer
// instead of sending it. It is the development default for POST /send.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/mailcroc/mailcroc/internal/email"
)

const separator = "========================================\n"

// Provider prints each message as RFC 5322 text. Attachment bodies are
// replaced by a one-line summary.
type Provider struct {
	mu     sync.Mutex
	writer io.Writer
}

// New creates a Provider that writes to os.Stdout.
func New() *Provider {
	return &Provider{writer: os.Stdout}
}

// NewWithWriter creates a Provider that writes to w.
func NewWithWriter(w io.Writer) *Provider {
	return &Provider{writer: w}
}

// Send writes msg between separator lines.
func (p *Provider) Send(_ context.Context, msg *email.Email) error {
	stripped := *msg
	stripped.Attachments = nil

	body, err := email.Compose(&stripped, "", nil)
	if err != nil {
		return fmt.Errorf("failed to render message: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := io.WriteString(p.writer, separator); err != nil {
		return err
	}
	if _, err := p.writer.Write(body); err != nil {
		return err
	}
	if _, err := io.WriteString(p.writer, "\n"); err != nil {
		return err
	}
	for _, att := range msg.Attachments {
		if _, err := fmt.Fprintf(p.writer, "[attachment] %s %s (%s)\n", att.Filename, att.ContentType, formatSize(len(att.Content))); err != nil {
			return err
		}
	}
	_, err = io.WriteString(p.writer, separator)
	return err
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "stdout"
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
