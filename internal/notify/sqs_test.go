package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// mockSQSClient implements SQSSender and SQSReceiver for testing.
type mockSQSClient struct {
	mu        sync.Mutex
	sent      []*sqs.SendMessageInput
	sendErr   error
	batches   [][]types.Message
	deleted   []string
	receiveFn func() error
}

func (m *mockSQSClient) SendMessage(_ context.Context, params *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, params)
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	return &sqs.SendMessageOutput{MessageId: aws.String("m-1")}, nil
}

func (m *mockSQSClient) ReceiveMessage(ctx context.Context, _ *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	m.mu.Lock()
	if m.receiveFn != nil {
		if err := m.receiveFn(); err != nil {
			m.mu.Unlock()
			return nil, err
		}
	}
	if len(m.batches) > 0 {
		batch := m.batches[0]
		m.batches = m.batches[1:]
		m.mu.Unlock()
		return &sqs.ReceiveMessageOutput{Messages: batch}, nil
	}
	m.mu.Unlock()

	<-ctx.Done()
	return nil, ctx.Err()
}

func (m *mockSQSClient) DeleteMessage(_ context.Context, params *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, aws.ToString(params.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (m *mockSQSClient) deletedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.deleted)
}

func TestSQSPublisher_Notify(t *testing.T) {
	t.Parallel()

	mock := &mockSQSClient{}
	p := NewSQSPublisher(mock, "https://sqs.example/queue")

	if err := p.Notify(context.Background(), testMessage()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(mock.sent) != 1 {
		t.Fatalf("SendMessage calls: got %d, want 1", len(mock.sent))
	}
	in := mock.sent[0]
	if aws.ToString(in.QueueUrl) != "https://sqs.example/queue" {
		t.Errorf("QueueUrl: got %q", aws.ToString(in.QueueUrl))
	}
	recipients, err := Decode([]byte(aws.ToString(in.MessageBody)))
	if err != nil {
		t.Fatalf("published body does not decode: %v", err)
	}
	if len(recipients) != 1 || recipients[0] != "user@mailcroc.qzz.io" {
		t.Errorf("recipients: got %v", recipients)
	}
	if p.Name() != "sqs" {
		t.Errorf("Name(): got %q, want sqs", p.Name())
	}
}

func TestSQSPublisher_Error(t *testing.T) {
	t.Parallel()

	mock := &mockSQSClient{sendErr: errors.New("throttled")}
	if err := NewSQSPublisher(mock, "q").Notify(context.Background(), testMessage()); err == nil {
		t.Error("expected error")
	}
}

func TestConsumer_RoutesAndDeletes(t *testing.T) {
	t.Parallel()

	good, _ := json.Marshal(testMessage())
	mock := &mockSQSClient{
		batches: [][]types.Message{{
			{MessageId: aws.String("1"), ReceiptHandle: aws.String("r1"), Body: aws.String(string(good))},
			{MessageId: aws.String("2"), ReceiptHandle: aws.String("r2"), Body: aws.String(`{"to":"not-an-array"}`)},
		}},
	}
	r := &mockRouter{}
	c := NewConsumer(mock, "q", r, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for mock.deletedCount() < 2 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for messages to be deleted")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()

	if err := <-done; err != nil {
		t.Errorf("Run: unexpected error %v", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls != 1 {
		t.Errorf("RouteTo calls: got %d, want 1 (malformed message skipped)", r.calls)
	}
	if len(r.recipients) != 1 || r.recipients[0] != "user@mailcroc.qzz.io" {
		t.Errorf("recipients: got %v", r.recipients)
	}
}

func TestConsumer_StopsOnCancel(t *testing.T) {
	t.Parallel()

	mock := &mockSQSClient{}
	c := NewConsumer(mock, "q", &mockRouter{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: unexpected error %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
