package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/emersion/go-maildir"

	"github.com/mailcroc/mailcroc/internal/address"
	"github.com/mailcroc/mailcroc/internal/email"
	"github.com/mailcroc/mailcroc/internal/parser"
)

const (
	headerID         = "X-Mailcroc-Id"
	headerReceivedAt = "X-Mailcroc-Received-At"
)

// MaildirStore delivers each message into a Maildir per canonical recipient.
// SMTP mail is kept byte-for-byte with two tracking headers prepended; mail
// without a raw source is rendered with email.Compose.
type MaildirStore struct {
	base string

	initMu sync.Mutex
}

// NewMaildirStore creates a MaildirStore rooted at base.
func NewMaildirStore(base string) (*MaildirStore, error) {
	if err := os.MkdirAll(base, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create maildir root: %w", err)
	}
	return &MaildirStore{base: base}, nil
}

// Save delivers the message into the maildir of every canonical recipient.
func (s *MaildirStore) Save(_ context.Context, msg *email.Email) (string, error) {
	paths, err := folderDirs(s.base, msg)
	if err != nil {
		return "", err
	}

	data, err := s.render(msg)
	if err != nil {
		return "", err
	}

	for _, path := range paths {
		dir, err := s.ensureMaildir(path)
		if err != nil {
			return "", err
		}

		delivery, err := maildir.NewDelivery(string(dir))
		if err != nil {
			return "", fmt.Errorf("failed to start delivery to %s: %w", path, err)
		}
		if _, err := io.Copy(delivery, bytes.NewReader(data)); err != nil {
			_ = delivery.Abort()
			return "", fmt.Errorf("failed to write delivery to %s: %w", path, err)
		}
		if err := delivery.Close(); err != nil {
			return "", fmt.Errorf("failed to finish delivery to %s: %w", path, err)
		}
	}
	return msg.ID, nil
}

// List parses every message in the maildir of addr's canonical identity.
func (s *MaildirStore) List(_ context.Context, addr string) ([]*email.Email, error) {
	path, err := folderDir(s.base, address.Normalize(address.Unwrap(addr)))
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(filepath.Join(path, "cur")); errors.Is(err, os.ErrNotExist) {
		return []*email.Email{}, nil
	}

	dir := maildir.Dir(path)

	// Unseen moves new/ into cur/ so Messages sees everything.
	if _, err := dir.Unseen(); err != nil {
		return nil, fmt.Errorf("failed to scan new messages: %w", err)
	}
	all, err := dir.Messages()
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	msgs := make([]*email.Email, 0, len(all))
	for _, m := range all {
		parsed, err := readMessage(m)
		if err != nil {
			return nil, fmt.Errorf("failed to read message %s: %w", m.Key(), err)
		}
		msgs = append(msgs, parsed)
	}

	sortNewestFirst(msgs)
	return msgs, nil
}

// Name returns the backend identifier.
func (s *MaildirStore) Name() string {
	return "maildir"
}

func (s *MaildirStore) render(msg *email.Email) ([]byte, error) {
	received := msg.ReceivedAt.UTC().Format(time.RFC3339Nano)
	if len(msg.Raw) == 0 {
		data, err := email.Compose(msg, "", map[string]string{
			headerID:         msg.ID,
			headerReceivedAt: received,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to render message: %w", err)
		}
		return data, nil
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s: %s\r\n", headerID, msg.ID)
	fmt.Fprintf(&buf, "%s: %s\r\n", headerReceivedAt, received)
	buf.Write(msg.Raw)
	return buf.Bytes(), nil
}

func readMessage(m *maildir.Message) (*email.Email, error) {
	rc, err := m.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}

	msg, err := parser.Parse(raw)
	if err != nil {
		return nil, err
	}

	msg.ID = msg.Header(headerID)
	if msg.ID == "" {
		msg.ID = m.Key()
	}
	if ts, err := time.Parse(time.RFC3339Nano, msg.Header(headerReceivedAt)); err == nil {
		msg.ReceivedAt = ts
	}
	return msg, nil
}

// ensureMaildir creates the maildir at path on first delivery.
func (s *MaildirStore) ensureMaildir(path string) (maildir.Dir, error) {
	dir := maildir.Dir(path)

	s.initMu.Lock()
	defer s.initMu.Unlock()

	if _, err := os.Stat(filepath.Join(path, "cur")); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(path, 0o700); err != nil {
			return "", fmt.Errorf("failed to create maildir %s: %w", path, err)
		}
		if err := dir.Init(); err != nil {
			return "", fmt.Errorf("failed to init maildir %s: %w", path, err)
		}
	}
	return dir, nil
}
