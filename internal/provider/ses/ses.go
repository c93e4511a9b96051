// Package ses implements a Provider that sends emails via AWS SES v2.
package ses

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/mailcroc/mailcroc/internal/email"
)

// defaultMaxRetries is the number of retry attempts for failed API calls.
const defaultMaxRetries = 3

// baseRetryDelay is the initial delay for exponential backoff.
const baseRetryDelay = 1 * time.Second

// SendEmailAPI is the SES v2 SendEmail operation.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Config holds the SES provider settings.
type Config struct {
	// Sender is the verified identity used as the envelope and From address.
	Sender string
	// ConfigurationSet is attached to every send when non-empty.
	ConfigurationSet string
	// MaxRetries bounds retries of a failed call. Zero uses the default.
	MaxRetries int
}

// Provider sends outbound mail via the SES v2 API. The caller's From address
// becomes Reply-To, since SES only sends from verified identities.
type Provider struct {
	cfg        Config
	client     SendEmailAPI
	retryDelay time.Duration
}

// New creates a Provider from a loaded AWS configuration.
func New(awsCfg aws.Config, cfg Config) *Provider {
	return NewWithClient(sesv2.NewFromConfig(awsCfg), cfg)
}

// NewWithClient creates a Provider with a custom client.
func NewWithClient(client SendEmailAPI, cfg Config) *Provider {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	return &Provider{cfg: cfg, client: client, retryDelay: baseRetryDelay}
}

// Send delivers msg. Messages with attachments go out as raw MIME built by
// email.Compose; everything else uses the SES simple content format.
func (p *Provider) Send(ctx context.Context, msg *email.Email) error {
	input, err := p.buildInput(msg)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			slog.Debug("retrying SES API request",
				"attempt", attempt,
				"max_retries", p.cfg.MaxRetries,
			)
			if err := sleepWithContext(ctx, p.backoffDelay(attempt)); err != nil {
				return fmt.Errorf("context cancelled during retry wait: %w", err)
			}
		}

		out, err := p.client.SendEmail(ctx, input)
		if err == nil {
			slog.Info("sent via SES",
				"message_id", aws.ToString(out.MessageId),
				"recipients", len(msg.To),
			)
			return nil
		}

		lastErr = err
		slog.Warn("SES API error",
			"attempt", attempt,
			"error", err,
		)
	}

	return fmt.Errorf("SES API request failed after %d retries: %w", p.cfg.MaxRetries, lastErr)
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "ses"
}

func (p *Provider) buildInput(msg *email.Email) (*sesv2.SendEmailInput, error) {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(p.cfg.Sender),
		Destination: &types.Destination{
			ToAddresses: msg.To,
			CcAddresses: msg.Cc,
		},
	}
	if p.cfg.ConfigurationSet != "" {
		input.ConfigurationSetName = aws.String(p.cfg.ConfigurationSet)
	}
	replyTo := msg.From != "" && msg.From != p.cfg.Sender
	if replyTo {
		input.ReplyToAddresses = []string{msg.From}
	}

	if len(msg.Attachments) > 0 {
		extra := map[string]string{}
		if replyTo {
			extra["Reply-To"] = msg.From
		}
		raw, err := email.Compose(msg, p.cfg.Sender, extra)
		if err != nil {
			return nil, fmt.Errorf("failed to build raw message: %w", err)
		}
		input.Content = &types.EmailContent{Raw: &types.RawMessage{Data: raw}}
		return input, nil
	}

	body := &types.Body{}
	if msg.HtmlBody != "" {
		body.Html = &types.Content{Data: aws.String(msg.HtmlBody), Charset: aws.String("UTF-8")}
	}
	if msg.TextBody != "" {
		body.Text = &types.Content{Data: aws.String(msg.TextBody), Charset: aws.String("UTF-8")}
	}
	input.Content = &types.EmailContent{
		Simple: &types.Message{
			Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
			Body:    body,
		},
	}
	return input, nil
}

// backoffDelay returns the exponential backoff delay for the given attempt number.
func (p *Provider) backoffDelay(attempt int) time.Duration {
	return p.retryDelay << (attempt - 1)
}

// sleepWithContext waits for the specified duration or until the context is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
