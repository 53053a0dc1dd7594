package backend

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/chimera-gw/chimera/internal/port/outbound"
)

const (
	// defaultRequestTimeout bounds a single backend round trip when the
	// caller's context carries no deadline.
	defaultRequestTimeout = 30 * time.Second

	// maxResponseBodySize caps how much of a backend response is read.
	maxResponseBodySize = 10 * 1024 * 1024 // 10MB
)

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithHTTPClient replaces the default HTTP client, mainly for tests.
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(c *HTTPClient) {
		c.client = hc
	}
}

// WithRequestTimeout adjusts the per-request timeout.
func WithRequestTimeout(d time.Duration) HTTPOption {
	return func(c *HTTPClient) {
		c.client.Timeout = d
	}
}

// HTTPClient reaches a backend exposed over HTTP. Each frame is POSTed to
// the endpoint and the response body is the reply frame. The backend cannot
// initiate frames over this transport, so Notifications never yields.
type HTTPClient struct {
	endpoint string
	client   *http.Client

	mu            sync.Mutex
	closed        bool
	notifications chan []byte
}

// NewHTTPClient creates a client for the backend at the given endpoint.
func NewHTTPClient(endpoint string, opts ...HTTPOption) *HTTPClient {
	c := &HTTPClient{
		endpoint:      endpoint,
		client:        defaultHTTPClient(),
		notifications: make(chan []byte),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func defaultHTTPClient() *http.Client {
	return &http.Client{
		Timeout: defaultRequestTimeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 5,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// Start validates the endpoint. No connection is held between calls.
func (c *HTTPClient) Start(_ context.Context) error {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return fmt.Errorf("invalid backend endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid backend endpoint %q: scheme must be http or https", c.endpoint)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid backend endpoint %q: missing host", c.endpoint)
	}
	return nil
}

// Call POSTs a request frame and returns the response body as the reply
// frame. The deadline on ctx bounds the round trip.
func (c *HTTPClient) Call(ctx context.Context, frame []byte) ([]byte, error) {
	body, status, err := c.post(ctx, frame)
	if err != nil {
		return nil, err
	}
	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("backend returned status %d: %s", status, bytes.TrimSpace(body))
	}
	return body, nil
}

// Notify POSTs a notification frame and discards the response body.
func (c *HTTPClient) Notify(ctx context.Context, frame []byte) error {
	_, status, err := c.post(ctx, frame)
	if err != nil {
		return err
	}
	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		return fmt.Errorf("backend returned status %d", status)
	}
	return nil
}

func (c *HTTPClient) post(ctx context.Context, frame []byte) ([]byte, int, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, 0, errors.New("client is closed")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(frame))
	if err != nil {
		return nil, 0, fmt.Errorf("build backend request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("post to backend: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, 0, fmt.Errorf("read backend response: %w", err)
	}
	return body, resp.StatusCode, nil
}

// Notifications returns a channel that closes on Close. The HTTP transport
// carries no backend-initiated frames.
func (c *HTTPClient) Notifications() <-chan []byte {
	return c.notifications
}

// Close releases idle connections. It is safe to call more than once.
func (c *HTTPClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.notifications)
	c.client.CloseIdleConnections()
	return nil
}

// Compile-time check that HTTPClient implements BackendClient.
var _ outbound.BackendClient = (*HTTPClient)(nil)
