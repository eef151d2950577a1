package invoke

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const (
	defaultHTTPTimeout     = 120 * time.Second
	defaultHTTPMaxAttempts = 2
	defaultHTTPBaseDelay   = 500 * time.Millisecond
	maxErrorBodyBytes      = 2048
)

// HTTPRequest is one outbound JSON call.
type HTTPRequest struct {
	Method  string
	URL     string
	Body    any // marshalled as JSON when non-nil
	Headers map[string]string
}

// HTTPResponse is the raw response of a successful (2xx) call.
type HTTPResponse struct {
	StatusCode int
	Body       []byte
}

// HTTPExecutor performs outbound HTTP calls for the adapter.
type HTTPExecutor interface {
	Do(ctx context.Context, req HTTPRequest) (*HTTPResponse, error)
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.Code, e.Body)
}

// retryable reports whether the status warrants another attempt.
func (e *StatusError) retryable() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// HTTPClient is the default HTTPExecutor. It retries transport errors,
// 5xx and 429 responses with exponential backoff.
type HTTPClient struct {
	client      *http.Client
	maxAttempts int
	baseDelay   time.Duration
	logger      *zap.Logger
}

// HTTPClientOption configures an HTTPClient.
type HTTPClientOption func(*HTTPClient)

// WithHTTPClient sets the underlying *http.Client.
func WithHTTPClient(c *http.Client) HTTPClientOption {
	return func(h *HTTPClient) { h.client = c }
}

// WithHTTPAttempts sets the total number of attempts per call.
func WithHTTPAttempts(n int) HTTPClientOption {
	return func(h *HTTPClient) {
		if n > 0 {
			h.maxAttempts = n
		}
	}
}

// WithHTTPBaseDelay sets the first backoff delay.
func WithHTTPBaseDelay(d time.Duration) HTTPClientOption {
	return func(h *HTTPClient) { h.baseDelay = d }
}

// NewHTTPClient creates an HTTPClient.
func NewHTTPClient(logger *zap.Logger, opts ...HTTPClientOption) *HTTPClient {
	h := &HTTPClient{
		client:      &http.Client{Timeout: defaultHTTPTimeout},
		maxAttempts: defaultHTTPMaxAttempts,
		baseDelay:   defaultHTTPBaseDelay,
		logger:      logger,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *HTTPClient) Do(ctx context.Context, req HTTPRequest) (*HTTPResponse, error) {
	var body []byte
	if req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("Do: marshal request: %w", err)
		}
		body = b
	}

	var lastErr error
	for attempt := 1; attempt <= h.maxAttempts; attempt++ {
		resp, err := h.once(ctx, req, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		var se *StatusError
		if errors.As(err, &se) && !se.retryable() {
			return nil, err
		}
		if ctx.Err() != nil || attempt == h.maxAttempts {
			break
		}

		delay := Backoff(attempt, h.baseDelay, maxBackoff)
		h.logger.Debug("retrying http call",
			zap.String("url", req.URL),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if err := sleepContext(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func (h *HTTPClient) once(ctx context.Context, req HTTPRequest, body []byte) (*HTTPResponse, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		if len(respBody) > maxErrorBodyBytes {
			respBody = respBody[:maxErrorBodyBytes]
		}
		return nil, &StatusError{Code: httpResp.StatusCode, Body: string(respBody)}
	}
	return &HTTPResponse{StatusCode: httpResp.StatusCode, Body: respBody}, nil
}

// decodeBody decodes a JSON response body. An empty body decodes to nil.
func decodeBody(b []byte) (any, error) {
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return v, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
