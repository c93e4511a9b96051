// Package ingest turns parsed inbound mail into a persisted message and a
// real-time delivery signal.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mailcroc/mailcroc/internal/address"
	"github.com/mailcroc/mailcroc/internal/email"
	"github.com/mailcroc/mailcroc/internal/metrics"
)

// DefaultNotifyTimeout bounds a single notify call.
const DefaultNotifyTimeout = 5 * time.Second

// ErrNoRecipients is returned when neither the message nor the envelope names a recipient.
var ErrNoRecipients = errors.New("no recipients")

// Store persists messages.
type Store interface {
	Save(ctx context.Context, msg *email.Email) (string, error)
}

// Notifier signals the fan-out side that a message was persisted.
type Notifier interface {
	Notify(ctx context.Context, msg *email.Email) error
	Name() string
}

// Ingester persists inbound messages and then notifies exactly once.
type Ingester struct {
	store    Store
	notifier Notifier
	timeout  time.Duration
	logger   *slog.Logger

	wg sync.WaitGroup
}

// New creates an Ingester. A nil notifier makes ingestion store-only; a
// non-positive timeout uses DefaultNotifyTimeout.
func New(store Store, notifier Notifier, timeout time.Duration, logger *slog.Logger) *Ingester {
	if timeout <= 0 {
		timeout = DefaultNotifyTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingester{
		store:    store,
		notifier: notifier,
		timeout:  timeout,
		logger:   logger,
	}
}

// Ingest resolves the recipients of msg, persists it, and hands it to the
// notifier in the background. Recipients come from msg.To when the parse
// produced any, otherwise from the SMTP envelope. Store errors are returned;
// notify errors are only logged.
func (i *Ingester) Ingest(ctx context.Context, msg *email.Email, envelope []string) (string, error) {
	to := Recipients(msg.To, envelope)
	if len(to) == 0 {
		return "", ErrNoRecipients
	}
	msg.To = to

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}

	id, err := i.store.Save(ctx, msg)
	if err != nil {
		return "", fmt.Errorf("failed to store message: %w", err)
	}

	i.logger.Info("message stored",
		"id", id,
		"from", msg.From,
		"recipients", len(to),
	)

	if i.notifier != nil {
		i.notify(context.WithoutCancel(ctx), msg)
	}
	return id, nil
}

// Wait blocks until every in-flight notification has finished.
func (i *Ingester) Wait() {
	i.wg.Wait()
}

func (i *Ingester) notify(ctx context.Context, msg *email.Email) {
	i.wg.Add(1)
	go func() {
		defer i.wg.Done()

		ctx, cancel := context.WithTimeout(ctx, i.timeout)
		defer cancel()

		transport := i.notifier.Name()
		if err := i.notifier.Notify(ctx, msg); err != nil {
			metrics.Notified.WithLabelValues(transport, "error").Inc()
			i.logger.Warn("notify failed",
				"id", msg.ID,
				"transport", transport,
				"error", err,
			)
			return
		}
		metrics.Notified.WithLabelValues(transport, "ok").Inc()
	}()
}

// Recipients returns the unwrapped, non-empty entries of to, or of envelope
// when to yields none.
func Recipients(to, envelope []string) []string {
	if out := unwrapAll(to); len(out) > 0 {
		return out
	}
	return unwrapAll(envelope)
}

func unwrapAll(in []string) []string {
	var out []string
	for _, s := range in {
		if s = address.Unwrap(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
