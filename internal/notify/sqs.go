package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/mailcroc/mailcroc/internal/email"
)

// SQSSender abstracts SQS send operations.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSReceiver abstracts the SQS operations a Consumer needs.
type SQSReceiver interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// SQSPublisher publishes notify payloads to an SQS queue instead of calling
// the fan-out process directly.
type SQSPublisher struct {
	client   SQSSender
	queueURL string
}

// NewSQSPublisher creates a new SQSPublisher.
func NewSQSPublisher(client SQSSender, queueURL string) *SQSPublisher {
	return &SQSPublisher{client: client, queueURL: queueURL}
}

// Notify sends msg to the queue using the /notify body format.
func (p *SQSPublisher) Notify(ctx context.Context, msg *email.Email) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal notify payload: %w", err)
	}

	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("failed to publish notify message: %w", err)
	}
	return nil
}

// Name returns the transport name.
func (p *SQSPublisher) Name() string {
	return "sqs"
}

// receiveErrorDelay is the pause after a failed ReceiveMessage call.
const receiveErrorDelay = 2 * time.Second

// Consumer long-polls an SQS queue in the fan-out process and routes each
// notify payload to live sessions.
type Consumer struct {
	client   SQSReceiver
	queueURL string
	router   Router
	logger   *slog.Logger

	// WaitTimeSeconds is the long-poll duration per receive call.
	WaitTimeSeconds int32
}

// NewConsumer creates a Consumer. A nil logger uses slog.Default().
func NewConsumer(client SQSReceiver, queueURL string, r Router, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		client:          client,
		queueURL:        queueURL,
		router:          r,
		logger:          logger,
		WaitTimeSeconds: 20,
	}
}

// Run receives and routes messages until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("notify consumer started", "queue", c.queueURL)

	for {
		if ctx.Err() != nil {
			return nil
		}

		out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(c.queueURL),
			MaxNumberOfMessages: 10,
			WaitTimeSeconds:     c.WaitTimeSeconds,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("failed to receive notify messages", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(receiveErrorDelay):
			}
			continue
		}

		for _, m := range out.Messages {
			c.handle(ctx, m)
		}
	}
}

// handle routes one queue message and deletes it. Malformed bodies are
// deleted too; redelivering them would never succeed.
func (c *Consumer) handle(ctx context.Context, m types.Message) {
	body := aws.ToString(m.Body)

	recipients, err := Decode([]byte(body))
	if err != nil {
		c.logger.Warn("discarding malformed notify message",
			"message_id", aws.ToString(m.MessageId),
			"error", err,
		)
	} else {
		c.router.RouteTo(recipients, json.RawMessage(body))
	}

	_, err = c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: m.ReceiptHandle,
	})
	if err != nil {
		c.logger.Warn("failed to delete notify message",
			"message_id", aws.ToString(m.MessageId),
			"error", err,
		)
	}
}
