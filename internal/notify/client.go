package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/mailcroc/mailcroc/internal/email"
)

// defaultTimeout bounds a single notify call.
const defaultTimeout = 5 * time.Second

// HTTPConfig holds the configuration for an HTTPNotifier.
type HTTPConfig struct {
	// URL is the fan-out process notify endpoint, e.g. http://fanout:3001/notify.
	URL string

	// Secret is sent as a bearer token when non-empty.
	Secret string

	// Timeout bounds each call. Zero means 5 seconds.
	Timeout time.Duration
}

// HTTPNotifier posts persisted messages to a remote fan-out process.
type HTTPNotifier struct {
	url    string
	auth   *Authenticator
	client *http.Client
}

// NewHTTP creates an HTTPNotifier with a traced HTTP client.
func NewHTTP(cfg HTTPConfig) *HTTPNotifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client := &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	return NewHTTPWithClient(cfg, client)
}

// NewHTTPWithClient creates an HTTPNotifier that uses client.
func NewHTTPWithClient(cfg HTTPConfig, client *http.Client) *HTTPNotifier {
	return &HTTPNotifier{
		url:    cfg.URL,
		auth:   NewAuthenticator(cfg.Secret),
		client: client,
	}
}

// Notify posts msg to the notify endpoint. Any non-200 answer is an error;
// callers log it and move on.
func (n *HTTPNotifier) Notify(ctx context.Context, msg *email.Email) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal notify payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create notify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	n.auth.apply(req)

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("notify returned status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Name returns the transport name.
func (n *HTTPNotifier) Name() string {
	return "http"
}
