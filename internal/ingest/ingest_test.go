package ingest

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/mailcroc/mailcroc/internal/email"
)

type fakeStore struct {
	mu    sync.Mutex
	saved []*email.Email
	err   error
	// events records the order of store and notify calls.
	events *[]string
}

func (s *fakeStore) Save(_ context.Context, msg *email.Email) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.events != nil {
		*s.events = append(*s.events, "save")
	}
	if s.err != nil {
		return "", s.err
	}
	s.saved = append(s.saved, msg)
	return msg.ID, nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	notified []*email.Email
	err      error
	block    chan struct{}
	ctxErr   error
	events   *[]string
	eventsMu *sync.Mutex
}

func (n *fakeNotifier) Notify(ctx context.Context, msg *email.Email) error {
	if n.block != nil {
		select {
		case <-n.block:
		case <-ctx.Done():
			n.mu.Lock()
			n.ctxErr = ctx.Err()
			n.mu.Unlock()
			return ctx.Err()
		}
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.events != nil {
		n.eventsMu.Lock()
		*n.events = append(*n.events, "notify")
		n.eventsMu.Unlock()
	}
	n.notified = append(n.notified, msg)
	return n.err
}

func (n *fakeNotifier) Name() string { return "fake" }

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.notified)
}

func TestIngestPersistsThenNotifies(t *testing.T) {
	t.Parallel()

	var events []string
	var eventsMu sync.Mutex
	store := &fakeStore{events: &events}
	notifier := &fakeNotifier{events: &events, eventsMu: &eventsMu}
	ing := New(store, notifier, time.Second, nil)

	msg := &email.Email{From: "a@example.com", To: []string{"User <user@example.com>"}, Subject: "hi"}
	id, err := ing.Ingest(context.Background(), msg, nil)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	ing.Wait()

	if id == "" || id != msg.ID {
		t.Errorf("id = %q, msg.ID = %q", id, msg.ID)
	}
	if msg.ReceivedAt.IsZero() {
		t.Error("ReceivedAt not assigned")
	}
	if !reflect.DeepEqual(msg.To, []string{"user@example.com"}) {
		t.Errorf("To = %v, want unwrapped address", msg.To)
	}
	if notifier.count() != 1 {
		t.Errorf("notify calls = %d, want 1", notifier.count())
	}

	eventsMu.Lock()
	defer eventsMu.Unlock()
	if !reflect.DeepEqual(events, []string{"save", "notify"}) {
		t.Errorf("events = %v, want [save notify]", events)
	}
}

func TestIngestKeepsExistingIdentity(t *testing.T) {
	t.Parallel()

	ing := New(&fakeStore{}, nil, 0, nil)
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	msg := &email.Email{ID: "fixed", ReceivedAt: at, To: []string{"a@example.com"}}

	id, err := ing.Ingest(context.Background(), msg, nil)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if id != "fixed" || !msg.ReceivedAt.Equal(at) {
		t.Errorf("identity overwritten: id=%q receivedAt=%v", id, msg.ReceivedAt)
	}
}

func TestIngestEnvelopeFallback(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	ing := New(store, nil, 0, nil)

	msg := &email.Email{From: "a@example.com"}
	if _, err := ing.Ingest(context.Background(), msg, []string{"<rcpt@example.com>", " "}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if !reflect.DeepEqual(msg.To, []string{"rcpt@example.com"}) {
		t.Errorf("To = %v, want [rcpt@example.com]", msg.To)
	}
}

func TestIngestNoRecipients(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	notifier := &fakeNotifier{}
	ing := New(store, notifier, 0, nil)

	_, err := ing.Ingest(context.Background(), &email.Email{To: []string{"", "<>"}}, nil)
	if !errors.Is(err, ErrNoRecipients) {
		t.Fatalf("error = %v, want ErrNoRecipients", err)
	}
	ing.Wait()
	if len(store.saved) != 0 || notifier.count() != 0 {
		t.Error("nothing should be stored or notified")
	}
}

func TestIngestStoreErrorSkipsNotify(t *testing.T) {
	t.Parallel()

	storeErr := errors.New("disk full")
	notifier := &fakeNotifier{}
	ing := New(&fakeStore{err: storeErr}, notifier, 0, nil)

	_, err := ing.Ingest(context.Background(), &email.Email{To: []string{"a@example.com"}}, nil)
	if !errors.Is(err, storeErr) {
		t.Fatalf("error = %v, want wrapped %v", err, storeErr)
	}
	ing.Wait()
	if notifier.count() != 0 {
		t.Error("notify must not run when the store fails")
	}
}

func TestIngestNotifyFailureSwallowed(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	notifier := &fakeNotifier{err: errors.New("connection refused")}
	ing := New(store, notifier, 0, nil)

	if _, err := ing.Ingest(context.Background(), &email.Email{To: []string{"a@example.com"}}, nil); err != nil {
		t.Fatalf("Ingest should succeed despite notify failure: %v", err)
	}
	ing.Wait()
	if len(store.saved) != 1 {
		t.Errorf("saved = %d, want 1", len(store.saved))
	}
}

func TestIngestNotifyOutlivesRequestContext(t *testing.T) {
	t.Parallel()

	notifier := &fakeNotifier{block: make(chan struct{})}
	ing := New(&fakeStore{}, notifier, time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	if _, err := ing.Ingest(ctx, &email.Email{To: []string{"a@example.com"}}, nil); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	cancel()
	close(notifier.block)
	ing.Wait()

	if notifier.count() != 1 {
		t.Errorf("notify calls = %d, want 1 after request cancellation", notifier.count())
	}
}

func TestIngestNotifyTimeout(t *testing.T) {
	t.Parallel()

	notifier := &fakeNotifier{block: make(chan struct{})}
	ing := New(&fakeStore{}, notifier, 20*time.Millisecond, nil)

	if _, err := ing.Ingest(context.Background(), &email.Email{To: []string{"a@example.com"}}, nil); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	ing.Wait()

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if !errors.Is(notifier.ctxErr, context.DeadlineExceeded) {
		t.Errorf("notify ctx error = %v, want deadline exceeded", notifier.ctxErr)
	}
}

func TestRecipients(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		to       []string
		envelope []string
		want     []string
	}{
		{"header wins", []string{"a@x.io"}, []string{"b@x.io"}, []string{"a@x.io"}},
		{"envelope fallback", nil, []string{"b@x.io"}, []string{"b@x.io"}},
		{"blank header falls back", []string{" "}, []string{"b@x.io"}, []string{"b@x.io"}},
		{"display names unwrapped", []string{"A <a@x.io>", "B <b@x.io>"}, nil, []string{"a@x.io", "b@x.io"}},
		{"nothing", nil, nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Recipients(tt.to, tt.envelope); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Recipients = %v, want %v", got, tt.want)
			}
		})
	}
}
