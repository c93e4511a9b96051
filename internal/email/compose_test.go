package email

import (
	"bytes"
	"net/mail"
	"strings"
	"testing"
	"time"
)

func TestCompose_PlainText(t *testing.T) {
	t.Parallel()

	msg := &Email{
		From:       "sender@example.com",
		To:         []string{"a@example.com", "b@example.com"},
		Subject:    "Hello",
		TextBody:   "plain body",
		ReceivedAt: time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC),
	}

	raw, err := Compose(msg, "", map[string]string{"X-Mailcroc-Id": "id-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	parsed, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("composed message does not parse: %v", err)
	}
	if got := parsed.Header.Get("From"); got != "sender@example.com" {
		t.Errorf("From: got %q", got)
	}
	if got := parsed.Header.Get("To"); got != "a@example.com, b@example.com" {
		t.Errorf("To: got %q", got)
	}
	if got := parsed.Header.Get("X-Mailcroc-Id"); got != "id-1" {
		t.Errorf("X-Mailcroc-Id: got %q", got)
	}
	if got := parsed.Header.Get("Content-Type"); !strings.HasPrefix(got, "text/plain") {
		t.Errorf("Content-Type: got %q", got)
	}
}

func TestCompose_OverridesFrom(t *testing.T) {
	t.Parallel()

	raw, err := Compose(&Email{From: "user@example.com", To: []string{"x@y.com"}, HtmlBody: "<b>x</b>"}, "noreply@mailcroc.qzz.io", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s := string(raw)
	if !strings.Contains(s, "From: noreply@mailcroc.qzz.io") {
		t.Error("From override not applied")
	}
	if !strings.Contains(s, "Content-Type: text/html") {
		t.Error("expected text/html body")
	}
}

func TestCompose_AlternativeWithAttachment(t *testing.T) {
	t.Parallel()

	msg := &Email{
		From:     "sender@example.com",
		To:       []string{"to@example.com"},
		Subject:  "With Attachment",
		TextBody: "See attachment",
		HtmlBody: "<p>See attachment</p>",
		Attachments: []Attachment{
			{Filename: "test.txt", ContentType: "text/plain", Content: []byte("file content")},
		},
	}

	raw, err := Compose(msg, "", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s := string(raw)
	for _, want := range []string{"multipart/mixed", "multipart/alternative", "text/plain", "text/html", "test.txt"} {
		if !strings.Contains(s, want) {
			t.Errorf("raw message missing %q", want)
		}
	}
}

func TestHeader(t *testing.T) {
	t.Parallel()

	e := &Email{RawHeaders: map[string][]string{"X-Mailcroc-Id": {"abc"}}}
	if got := e.Header("x-mailcroc-id"); got != "abc" {
		t.Errorf("Header: got %q, want abc", got)
	}
	if got := e.Header("Missing"); got != "" {
		t.Errorf("Header missing: got %q", got)
	}
}
