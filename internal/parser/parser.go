// Package parser adapts raw RFC 5322 messages into the email model.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"net/textproto"
	"strings"

	"github.com/jhillyerd/enmime"

	"github.com/mailcroc/mailcroc/internal/email"
)

// Parse parses a raw RFC 5322 message into an Email. MIME decoding, charset
// conversion and the HTML-to-text fallback for HTML-only mail are delegated
// to enmime. Recoverable MIME problems are logged as warnings.
func Parse(raw []byte) (*email.Email, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	result := &email.Email{
		Raw:        raw,
		RawHeaders: make(map[string][]string),
	}

	for _, key := range env.GetHeaderKeys() {
		result.RawHeaders[textproto.CanonicalMIMEHeaderKey(key)] = env.GetHeaderValues(key)
	}

	result.From = env.GetHeader("From")
	result.Subject = env.GetHeader("Subject")
	result.MessageID = env.GetHeader("Message-Id")
	result.To = addressList(env, "To")
	result.Cc = addressList(env, "Cc")
	result.TextBody = env.Text
	result.HtmlBody = env.HTML

	for _, part := range append(env.Attachments, env.Inlines...) {
		filename := part.FileName
		if filename == "" {
			filename = fallbackFilename(part.ContentType)
		}
		result.Attachments = append(result.Attachments, email.Attachment{
			Filename:    filename,
			ContentType: part.ContentType,
			Size:        len(part.Content),
			Content:     part.Content,
		})
	}

	for _, perr := range env.Errors {
		slog.Warn("problem while parsing message",
			"message_id", result.MessageID,
			"error", perr.String(),
		)
	}

	return result, nil
}

// addressList returns the bare addresses of a header. Headers that do not
// parse as an RFC 5322 address list fall back to a comma split.
func addressList(env *enmime.Envelope, header string) []string {
	addresses, err := env.AddressList(header)
	if err != nil {
		if errors.Is(err, mail.ErrHeaderNotPresent) {
			return nil
		}
		return splitAddressList(env.GetHeader(header))
	}

	result := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		result = append(result, addr.Address)
	}
	return result
}

// splitAddressList splits a comma-separated address list into individual addresses.
func splitAddressList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// fallbackFilename names an attachment after its media subtype.
func fallbackFilename(contentType string) string {
	if _, sub, ok := strings.Cut(contentType, "/"); ok && sub != "" {
		return "attachment." + sub
	}
	return "attachment"
}
