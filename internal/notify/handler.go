package notify

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/mailcroc/mailcroc/internal/respond"
)

// maxBodyBytes bounds a notify request body.
const maxBodyBytes = 8 << 20

// Router is the part of router.Router the notify receivers need.
type Router interface {
	RouteTo(recipients []string, payload any) int
}

// Handler serves POST /notify in the fan-out process.
type Handler struct {
	router Router
	auth   *Authenticator
	logger *slog.Logger
}

// NewHandler creates a notify Handler. A nil auth disables authentication.
func NewHandler(r Router, auth *Authenticator, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{router: r, auth: auth, logger: logger}
}

// ServeHTTP validates the body, routes it to live sessions, and answers
// 200 {success: true}. A "to" that is missing or not an array is rejected with
// 400 before any emission.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			h.logger.Error("notify handler panic", "panic", rec)
			respond.Error(w, http.StatusInternalServerError, "internal error")
		}
	}()

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		respond.Error(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if err := h.auth.Verify(r); err != nil {
		respond.Error(w, http.StatusUnauthorized, err.Error())
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respond.Error(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		respond.Error(w, http.StatusBadRequest, "failed to read body")
		return
	}

	recipients, err := Decode(body)
	if err != nil {
		h.logger.Debug("rejected notify payload", "error", err)
		respond.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	n := h.router.RouteTo(recipients, json.RawMessage(body))
	h.logger.Debug("notify routed",
		"recipients", len(recipients),
		"sessions", n,
	)

	respond.JSON(w, http.StatusOK, map[string]bool{"success": true})
}
