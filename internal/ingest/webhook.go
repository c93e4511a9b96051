package ingest

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/mailcroc/mailcroc/internal/email"
	"github.com/mailcroc/mailcroc/internal/metrics"
	"github.com/mailcroc/mailcroc/internal/notify"
	"github.com/mailcroc/mailcroc/internal/parser"
	"github.com/mailcroc/mailcroc/internal/respond"
	"github.com/mailcroc/mailcroc/internal/router"
)

// maxWebhookBytes bounds an inbound webhook body.
const maxWebhookBytes = 25 << 20

// inboundRequest is the POST /inbound body. Raw, when set, is a full RFC 5322
// message and takes precedence over the structured fields.
type inboundRequest struct {
	From    string `json:"from"`
	To      any    `json:"to"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
	HTML    string `json:"html"`
	Raw     string `json:"raw"`
}

// Webhook serves POST /inbound.
type Webhook struct {
	ingester *Ingester
	auth     *notify.Authenticator
	logger   *slog.Logger
}

// NewWebhook creates a Webhook. A nil auth accepts every caller.
func NewWebhook(ingester *Ingester, auth *notify.Authenticator, logger *slog.Logger) *Webhook {
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{ingester: ingester, auth: auth, logger: logger}
}

func (h *Webhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		respond.Error(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := h.auth.Verify(r); err != nil {
		respond.Error(w, http.StatusUnauthorized, err.Error())
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respond.Error(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		respond.Error(w, http.StatusBadRequest, "failed to read body")
		return
	}

	var req inboundRequest
	if err := json.Unmarshal(body, &req); err != nil {
		respond.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	msg, envelope, err := h.message(&req)
	if err != nil {
		metrics.Ingested.WithLabelValues("webhook", "parse_error").Inc()
		respond.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := h.ingester.Ingest(r.Context(), msg, envelope)
	switch {
	case errors.Is(err, ErrNoRecipients):
		metrics.Ingested.WithLabelValues("webhook", "no_recipients").Inc()
		respond.Error(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		metrics.Ingested.WithLabelValues("webhook", "store_error").Inc()
		h.logger.Error("webhook ingest failed", "error", err)
		respond.Error(w, http.StatusInternalServerError, "failed to store message")
		return
	}

	metrics.Ingested.WithLabelValues("webhook", "stored").Inc()
	respond.JSON(w, http.StatusOK, map[string]any{"success": true, "id": id})
}

// message builds the Email for req. With a raw source the "to" field is
// optional and acts as the envelope; otherwise it is required.
func (h *Webhook) message(req *inboundRequest) (*email.Email, []string, error) {
	if req.Raw != "" {
		msg, err := parser.Parse([]byte(req.Raw))
		if err != nil {
			return nil, nil, err
		}
		var envelope []string
		if req.To != nil {
			if envelope, err = router.Recipients(req.To); err != nil {
				return nil, nil, err
			}
		}
		return msg, envelope, nil
	}

	to, err := router.Recipients(req.To)
	if err != nil {
		return nil, nil, err
	}
	return &email.Email{
		From:     req.From,
		To:       to,
		Subject:  req.Subject,
		TextBody: req.Text,
		HtmlBody: req.HTML,
	}, nil, nil
}
