package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestMaildirStoreSaveAndList(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := NewMaildirStore(dir)
	if err != nil {
		t.Fatalf("NewMaildirStore: %v", err)
	}
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	if _, err := s.Save(ctx, testMessage("m1", base, "user+a@example.com")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "user@example.com", "new")); err != nil {
		t.Fatalf("maildir not created: %v", err)
	}

	msgs, err := s.List(ctx, "USER@example.com")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("List returned %d messages, want 1", len(msgs))
	}

	got := msgs[0]
	if got.ID != "m1" {
		t.Errorf("ID = %q, want m1", got.ID)
	}
	if got.Subject != "Subject m1" {
		t.Errorf("Subject = %q, want %q", got.Subject, "Subject m1")
	}
	if got.TextBody != "body m1" {
		t.Errorf("TextBody = %q, want %q", got.TextBody, "body m1")
	}
	if !got.ReceivedAt.Equal(base) {
		t.Errorf("ReceivedAt = %v, want %v", got.ReceivedAt, base)
	}
}

func TestMaildirStoreKeepsRawSource(t *testing.T) {
	t.Parallel()

	s, err := NewMaildirStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewMaildirStore: %v", err)
	}
	ctx := context.Background()

	raw := strings.Join([]string{
		"From: sender@example.com",
		"To: inbox@example.com",
		"Subject: Raw source",
		"X-Original: kept",
		"Content-Type: text/plain",
		"",
		"raw body",
	}, "\r\n")

	msg := testMessage("m-raw", time.Now().UTC(), "inbox@example.com")
	msg.Raw = []byte(raw)
	if _, err := s.Save(ctx, msg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	msgs, err := s.List(ctx, "inbox@example.com")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("List returned %d messages, want 1", len(msgs))
	}
	if msgs[0].ID != "m-raw" {
		t.Errorf("ID = %q, want m-raw", msgs[0].ID)
	}
	if msgs[0].Header("X-Original") != "kept" {
		t.Errorf("X-Original = %q, want kept", msgs[0].Header("X-Original"))
	}
	if msgs[0].TextBody != "raw body" {
		t.Errorf("TextBody = %q, want %q", msgs[0].TextBody, "raw body")
	}
}

func TestMaildirStoreOrderAndUnknown(t *testing.T) {
	t.Parallel()

	s, err := NewMaildirStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewMaildirStore: %v", err)
	}
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"old", "new"} {
		if _, err := s.Save(ctx, testMessage(id, base.Add(time.Duration(i)*time.Hour), "box@example.com")); err != nil {
			t.Fatalf("Save %s: %v", id, err)
		}
	}

	msgs, err := s.List(ctx, "box@example.com")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != "new" || msgs[1].ID != "old" {
		t.Fatalf("unexpected order: %+v", msgs)
	}

	empty, err := s.List(ctx, "nobody@example.com")
	if err != nil {
		t.Fatalf("List unknown: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("List unknown = %d messages, want 0", len(empty))
	}
}

func TestMaildirStoreMixedRecipients(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := NewMaildirStore(dir)
	if err != nil {
		t.Fatalf("NewMaildirStore: %v", err)
	}
	ctx := context.Background()

	if _, err := s.Save(ctx, testMessage("m1", time.Now(), "ok@x.com", "a/b@x.com", ".")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "a%2Fb@x.com", "cur")); err != nil {
		t.Errorf("escaped maildir not created: %v", err)
	}

	for _, addr := range []string{"ok@x.com", "a/b@x.com"} {
		msgs, err := s.List(ctx, addr)
		if err != nil {
			t.Fatalf("List(%q): %v", addr, err)
		}
		if len(msgs) != 1 || msgs[0].ID != "m1" {
			t.Errorf("List(%q) = %d messages, want m1 once", addr, len(msgs))
		}
	}
}
