package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/rendis/quill/internal/validation"
	"github.com/rendis/quill/pkg/schema"
)

const (
	defaultTimeout         = 60 * time.Second
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultMaxRetries      = 2
)

// HTTPConfig configures the HTTP API client.
type HTTPConfig struct {
	Endpoints       Endpoints
	Timeout         time.Duration
	MaxRetries      int
	MaxResponseBody int64
	AuthToken       string
}

// HTTPClient calls the planning/generating/reflecting APIs over HTTP.
// Each invocation POSTs the APIRequest as JSON and expects a Response body.
// A circuit breaker per API family stops a run from hammering a dead endpoint.
type HTTPClient struct {
	config    HTTPConfig
	client    *http.Client
	validator validation.Validator
	breakers  *BreakerRegistry
	logger    *slog.Logger
}

// NewHTTPClient creates an API client. A nil validator disables boundary
// validation; a nil logger falls back to slog.Default().
func NewHTTPClient(cfg HTTPConfig, validator validation.Validator, logger *slog.Logger) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{
		config:    cfg,
		client:    &http.Client{},
		validator: validator,
		breakers:  NewBreakerRegistry(DefaultBreakerConfig()),
		logger:    logger,
	}
}

// Invoke calls the endpoint for the given API kind. Timeouts map to
// API_TIMEOUT, transport and status failures to API_ERROR. 5xx responses are
// retried with exponential backoff up to MaxRetries times; 4xx responses are
// not retried.
func (c *HTTPClient) Invoke(ctx context.Context, kind schema.APIKind, req *schema.APIRequest) (*schema.Response, error) {
	endpoint := c.config.Endpoints.URL(kind)
	if endpoint == "" {
		return nil, schema.NewErrorf(schema.ErrCodeAPIError, "no endpoint configured for %s API", kind)
	}
	if err := c.breakers.AllowRequest(kind); err != nil {
		return nil, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeAPIError, "marshal %s request", kind).WithCause(err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * 500 * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, schema.NewErrorf(schema.ErrCodeAPITimeout, "%s API call cancelled during backoff", kind).WithCause(ctx.Err())
			}
			c.logger.Warn("retrying API call", "api", string(kind), "attempt", attempt)
		}

		resp, retryable, err := c.doOnce(ctx, kind, endpoint, body)
		if err == nil {
			c.breakers.RecordSuccess(kind)
			return resp, nil
		}
		lastErr = err
		if !retryable {
			// The endpoint answered; a 4xx or validation failure says nothing
			// about its health.
			return nil, err
		}
	}
	c.breakers.RecordFailure(kind)
	return nil, lastErr
}

func (c *HTTPClient) doOnce(ctx context.Context, kind schema.APIKind, endpoint string, body []byte) (*schema.Response, bool, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, false, schema.NewErrorf(schema.ErrCodeAPIError, "build %s request", kind).WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.config.AuthToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.AuthToken)
	}

	start := time.Now()
	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || reqCtx.Err() == context.DeadlineExceeded {
			return nil, true, schema.NewErrorf(schema.ErrCodeAPITimeout,
				"%s API timed out after %s", kind, c.config.Timeout).WithCause(err)
		}
		return nil, true, schema.NewErrorf(schema.ErrCodeAPIError, "%s API request failed", kind).WithCause(err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, c.config.MaxResponseBody))
	if err != nil {
		return nil, true, schema.NewErrorf(schema.ErrCodeAPIError, "read %s response", kind).WithCause(err)
	}

	c.logger.Debug("API call completed",
		"api", string(kind),
		"status", httpResp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds())

	if httpResp.StatusCode >= 500 {
		return nil, true, schema.NewErrorf(schema.ErrCodeAPIError,
			"%s API returned %d: %s", kind, httpResp.StatusCode, truncate(raw, 200))
	}
	if httpResp.StatusCode >= 400 {
		return nil, false, schema.NewErrorf(schema.ErrCodeAPIError,
			"%s API returned %d: %s", kind, httpResp.StatusCode, truncate(raw, 200))
	}

	if c.validator != nil {
		if err := c.validator.ValidateResponse(raw); err != nil {
			return nil, false, schema.NewErrorf(schema.ErrCodeValidation,
				"%s API response failed validation", kind).WithCause(err)
		}
	}

	var resp schema.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, false, schema.NewErrorf(schema.ErrCodeAPIError, "decode %s response", kind).WithCause(err)
	}
	return &resp, false, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return fmt.Sprintf("%s... (%d bytes)", b[:n], len(b))
}
