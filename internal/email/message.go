// Package email defines the message model shared by ingestion, storage and
// real-time delivery.
package email

import (
	"net/textproto"
	"time"
)

// Email is an inbound message as persisted and pushed to live clients.
// The JSON shape is the /notify wire format and the new_email event payload.
type Email struct {
	ID          string       `json:"_id"`
	From        string       `json:"from"`
	To          []string     `json:"to"`
	Cc          []string     `json:"cc,omitempty"`
	Subject     string       `json:"subject"`
	TextBody    string       `json:"text"`
	HtmlBody    string       `json:"html"`
	ReceivedAt  time.Time    `json:"receivedAt"`
	Pinned      bool         `json:"pinned"`
	MessageID   string       `json:"messageId,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`

	// Raw is the original RFC 5322 source when the message arrived over SMTP.
	Raw []byte `json:"-"`
	// RawHeaders holds the parsed top-level headers.
	RawHeaders map[string][]string `json:"-"`
}

// Attachment represents a file attached to an email message.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Size        int    `json:"size"`
	Content     []byte `json:"-"`
}

// Header returns the first value of the named raw header, or "".
func (e *Email) Header(name string) string {
	if v := e.RawHeaders[textproto.CanonicalMIMEHeaderKey(name)]; len(v) > 0 {
		return v[0]
	}
	return ""
}
