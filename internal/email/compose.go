package email

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"mime"
	"mime/multipart"
	"net/textproto"
	"sort"
	"strings"
	"time"
)

// Compose renders msg as an RFC 5322 message. from overrides msg.From when
// non-empty; extra headers are written verbatim after the standard ones.
func Compose(msg *Email, from string, extra map[string]string) ([]byte, error) {
	if from == "" {
		from = msg.From
	}

	var buf bytes.Buffer

	fmt.Fprintf(&buf, "From: %s\r\n", from)
	if len(msg.To) > 0 {
		fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(msg.To, ", "))
	}
	if len(msg.Cc) > 0 {
		fmt.Fprintf(&buf, "Cc: %s\r\n", strings.Join(msg.Cc, ", "))
	}
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("UTF-8", msg.Subject))
	if msg.MessageID != "" {
		fmt.Fprintf(&buf, "Message-ID: %s\r\n", msg.MessageID)
	}
	date := msg.ReceivedAt
	if date.IsZero() {
		date = time.Now()
	}
	fmt.Fprintf(&buf, "Date: %s\r\n", date.Format(time.RFC1123Z))

	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&buf, "%s: %s\r\n", k, extra[k])
	}
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")

	if len(msg.Attachments) == 0 && (msg.TextBody == "" || msg.HtmlBody == "") {
		contentType := "text/plain; charset=UTF-8"
		body := msg.TextBody
		if msg.HtmlBody != "" {
			contentType = "text/html; charset=UTF-8"
			body = msg.HtmlBody
		}
		fmt.Fprintf(&buf, "Content-Type: %s\r\n\r\n", contentType)
		buf.WriteString(body)
		return buf.Bytes(), nil
	}

	writer := multipart.NewWriter(&buf)
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", writer.Boundary())

	if err := writeBody(writer, msg); err != nil {
		return nil, err
	}

	for _, att := range msg.Attachments {
		attHeader := make(textproto.MIMEHeader)
		attHeader.Set("Content-Type", att.ContentType)
		attHeader.Set("Content-Transfer-Encoding", "base64")
		attHeader.Set("Content-Disposition",
			fmt.Sprintf("attachment; filename=%s", mime.QEncoding.Encode("UTF-8", att.Filename)))

		part, err := writer.CreatePart(attHeader)
		if err != nil {
			return nil, fmt.Errorf("failed to create attachment part: %w", err)
		}
		if _, err := part.Write([]byte(encodeBase64WithLineBreaks(att.Content))); err != nil {
			return nil, fmt.Errorf("failed to write attachment part: %w", err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}
	return buf.Bytes(), nil
}

// writeBody writes the text and HTML bodies, as multipart/alternative when
// both are present.
func writeBody(writer *multipart.Writer, msg *Email) error {
	if msg.TextBody != "" && msg.HtmlBody != "" {
		var alt bytes.Buffer
		altWriter := multipart.NewWriter(&alt)
		if err := writeTextPart(altWriter, "text/plain; charset=UTF-8", msg.TextBody); err != nil {
			return err
		}
		if err := writeTextPart(altWriter, "text/html; charset=UTF-8", msg.HtmlBody); err != nil {
			return err
		}
		if err := altWriter.Close(); err != nil {
			return fmt.Errorf("failed to close alternative writer: %w", err)
		}
		return writeTextPart(writer,
			fmt.Sprintf("multipart/alternative; boundary=%q", altWriter.Boundary()),
			alt.String())
	}

	if msg.HtmlBody != "" {
		return writeTextPart(writer, "text/html; charset=UTF-8", msg.HtmlBody)
	}
	return writeTextPart(writer, "text/plain; charset=UTF-8", msg.TextBody)
}

func writeTextPart(writer *multipart.Writer, contentType, body string) error {
	header := make(textproto.MIMEHeader)
	header.Set("Content-Type", contentType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return fmt.Errorf("failed to create body part: %w", err)
	}
	if _, err := part.Write([]byte(body)); err != nil {
		return fmt.Errorf("failed to write body part: %w", err)
	}
	return nil
}

// encodeBase64WithLineBreaks encodes bytes to base64 with 76-character line breaks per RFC 2045.
func encodeBase64WithLineBreaks(data []byte) string {
	encoded := base64.StdEncoding.EncodeToString(data)
	var lines []string
	for i := 0; i < len(encoded); i += 76 {
		end := i + 76
		if end > len(encoded) {
			end = len(encoded)
		}
		lines = append(lines, encoded[i:end])
	}
	return strings.Join(lines, "\r\n")
}
