// Package router decides which identity keys an inbound message addresses
// and pushes it to the live sessions subscribed under them.
package router

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mailcroc/mailcroc/internal/address"
	"github.com/mailcroc/mailcroc/internal/email"
	"github.com/mailcroc/mailcroc/internal/metrics"
)

// EventNewEmail is the event name pushed to live sessions.
const EventNewEmail = "new_email"

// ErrInvalidRecipients is returned when a "to" value is neither a string nor
// an array of strings.
var ErrInvalidRecipients = errors.New("to must be a string or an array of strings")

// Emitter fans an event out to the sessions registered under a set of keys,
// once per session.
type Emitter interface {
	EmitAll(keys []string, event string, payload any) int
}

// Router routes messages to an Emitter, usually a *registry.Registry.
type Router struct {
	emitter Emitter
	logger  *slog.Logger
}

// New creates a Router. A nil logger uses slog.Default().
func New(emitter Emitter, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{emitter: emitter, logger: logger}
}

// Route pushes msg to every session subscribed to any of its recipients and
// returns the number of sessions reached. A session receives a given message
// at most once, however many of its recipient forms it joined.
func (r *Router) Route(msg *email.Email) int {
	return r.RouteTo(msg.To, msg)
}

// RouteTo pushes payload as a new_email event to the sessions subscribed to
// recipients. The payload is passed through untouched.
func (r *Router) RouteTo(recipients []string, payload any) int {
	keys := Targets(recipients)
	if len(keys) == 0 {
		return 0
	}

	n := r.emitter.EmitAll(keys, EventNewEmail, payload)

	metrics.Routed.Inc()
	metrics.Delivered.Add(float64(n))
	r.logger.Debug("routed message",
		"keys", keys,
		"sessions", n,
	)
	return n
}

// Notify routes msg in-process. It lets a Router stand in for a remote
// notifier when ingestion and fan-out share a process.
func (r *Router) Notify(_ context.Context, msg *email.Email) error {
	r.Route(msg)
	return nil
}

// Name identifies the in-process transport.
func (r *Router) Name() string {
	return "local"
}

// Recipients validates a decoded "to" value and returns the unwrapped
// recipient strings. Validation is all-or-nothing on the value's shape;
// individual strings are not checked for address syntax.
func Recipients(v any) ([]string, error) {
	switch to := v.(type) {
	case string:
		return compact([]string{to}), nil
	case []string:
		return compact(to), nil
	case []any:
		out := make([]string, 0, len(to))
		for _, item := range to {
			s, ok := item.(string)
			if !ok {
				return nil, ErrInvalidRecipients
			}
			out = append(out, s)
		}
		return compact(out), nil
	default:
		return nil, ErrInvalidRecipients
	}
}

// Targets returns the deduplicated identity keys for recipients, in order:
// each recipient's exact form followed by its canonical form when different.
func Targets(recipients []string) []string {
	seen := make(map[string]struct{}, len(recipients)*2)
	keys := make([]string, 0, len(recipients)*2)
	for _, rcpt := range recipients {
		for _, key := range address.Keys(address.Unwrap(rcpt)) {
			if key == "" {
				continue
			}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			keys = append(keys, key)
		}
	}
	return keys
}

// compact unwraps angle-bracketed recipients and drops empty entries.
func compact(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = address.Unwrap(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
