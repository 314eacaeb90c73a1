package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/therealutkarshpriyadarshi/spanship/pkg/types"
)

// HTTPConfig contains span-builder HTTP configuration
type HTTPConfig struct {
	// Endpoint is the full URL spans are POSTed to
	Endpoint string `yaml:"endpoint"`

	// Timeout bounds a single request
	Timeout time.Duration `yaml:"timeout,omitempty"`

	// Headers are added to every request
	Headers map[string]string `yaml:"headers,omitempty"`
}

// DefaultHTTPConfig returns default HTTP configuration
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Endpoint: "http://localhost:5000/v3/buildspan",
		Timeout:  5 * time.Second,
	}
}

// HTTPSink posts each span as a JSON object to a span-builder endpoint
type HTTPSink struct {
	config HTTPConfig
	client *http.Client
	closed atomic.Bool
}

// NewHTTPSink creates a new HTTP sink
func NewHTTPSink(config HTTPConfig) (*HTTPSink, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("no endpoint specified")
	}

	u, err := url.Parse(config.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported endpoint scheme: %q", u.Scheme)
	}

	if config.Timeout <= 0 {
		config.Timeout = DefaultHTTPConfig().Timeout
	}

	return &HTTPSink{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}, nil
}

// Deliver posts one span. Server errors and 429 are retryable; any other
// non-2xx status is permanent.
func (h *HTTPSink) Deliver(ctx context.Context, rec *types.SpanRecord) error {
	if h.closed.Load() {
		return ErrClosed
	}

	body, err := json.Marshal(rec.Span)
	if err != nil {
		return Permanent(fmt.Errorf("failed to marshal span: %w", err))
	}

	// A request already sent is not cut short by shutdown
	req, err := http.NewRequestWithContext(context.WithoutCancel(ctx), http.MethodPost, h.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Permanent(fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Delivery-ID", rec.ID)
	for k, v := range h.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post span: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("collector returned %s", resp.Status)
	default:
		return Permanent(fmt.Errorf("collector rejected span: %s", resp.Status))
	}
}

// Name returns the sink name
func (h *HTTPSink) Name() string {
	return "http"
}

// Close closes the sink
func (h *HTTPSink) Close() error {
	if h.closed.CompareAndSwap(false, true) {
		h.client.CloseIdleConnections()
	}
	return nil
}
