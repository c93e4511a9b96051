// Package provider defines the outbound delivery backends behind POST /send.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/mailcroc/mailcroc/internal/address"
	"github.com/mailcroc/mailcroc/internal/email"
)

var (
	// ErrUnknown is returned when the configured provider name is not recognised.
	ErrUnknown = errors.New("unknown provider")
	// ErrInvalidMessage is returned by Validate for messages that cannot be sent.
	ErrInvalidMessage = errors.New("invalid outbound message")
)

// Provider sends one outbound message through an external service.
type Provider interface {
	// Send delivers msg. It returns an error if the delivery fails.
	Send(ctx context.Context, msg *email.Email) error

	// Name returns the provider identifier.
	Name() string
}

// Validate checks that msg has at least one well-formed recipient and some
// content.
func Validate(msg *email.Email) error {
	if len(msg.To) == 0 {
		return fmt.Errorf("%w: no recipients", ErrInvalidMessage)
	}
	for _, rcpt := range msg.To {
		if address.Domain(rcpt) == "" {
			return fmt.Errorf("%w: bad recipient %q", ErrInvalidMessage, rcpt)
		}
	}
	if msg.Subject == "" && msg.TextBody == "" && msg.HtmlBody == "" {
		return fmt.Errorf("%w: empty message", ErrInvalidMessage)
	}
	return nil
}
