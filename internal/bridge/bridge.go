// Package bridge delivers notebook-editing actions to the external notebook
// backend. The engine treats action outcomes as advisory: a failed dispatch
// is logged upstream but never blocks a transition.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rendis/quill/pkg/schema"
)

const (
	defaultTimeout         = 30 * time.Second
	defaultMaxResponseBody = 4 * 1024 * 1024 // 4MB
)

// Config configures the HTTP notebook bridge.
type Config struct {
	BaseURL         string
	Timeout         time.Duration
	MaxResponseBody int64
	AuthToken       string
}

// HTTPBridge posts actions to the notebook backend's /actions endpoint and
// decodes the resulting cell state.
type HTTPBridge struct {
	config Config
	client *http.Client
	logger *slog.Logger
}

// NewHTTPBridge creates a bridge. A nil logger falls back to slog.Default().
func NewHTTPBridge(cfg Config, logger *slog.Logger) (*HTTPBridge, error) {
	if cfg.BaseURL == "" {
		return nil, schema.NewError(schema.ErrCodeBridge, "notebook bridge base URL must not be empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPBridge{
		config: cfg,
		client: &http.Client{},
		logger: logger,
	}, nil
}

// Execute sends one action to the notebook backend.
func (b *HTTPBridge) Execute(ctx context.Context, action schema.Action) (*schema.ActionResult, error) {
	body, err := json.Marshal(action)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeBridge, "marshal action").WithCause(err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, b.config.Timeout)
	defer cancel()

	endpoint := strings.TrimSuffix(b.config.BaseURL, "/") + "/actions"
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeBridge, "build action request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.config.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+b.config.AuthToken)
	}

	start := time.Now()
	resp, err := b.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || reqCtx.Err() == context.DeadlineExceeded {
			return nil, schema.NewErrorf(schema.ErrCodeBridge,
				"notebook action %s timed out after %s", action.Type, b.config.Timeout).WithCause(err)
		}
		return nil, schema.NewErrorf(schema.ErrCodeBridge,
			"notebook action %s failed", action.Type).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, b.config.MaxResponseBody))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeBridge, "read action response").WithCause(err)
	}

	b.logger.Debug("notebook action dispatched",
		"action_type", string(action.Type),
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds())

	if resp.StatusCode >= 400 {
		return nil, schema.NewErrorf(schema.ErrCodeBridge,
			"notebook backend returned %d for %s", resp.StatusCode, action.Type)
	}

	result := &schema.ActionResult{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, result); err != nil {
			return nil, schema.NewError(schema.ErrCodeBridge, "decode action result").WithCause(err)
		}
	}
	return result, nil
}

// MemoryBridge records actions without delivering them anywhere. Used for
// dry runs and tests.
type MemoryBridge struct {
	mu      sync.Mutex
	actions []schema.Action
}

// NewMemoryBridge creates an empty recording bridge.
func NewMemoryBridge() *MemoryBridge {
	return &MemoryBridge{}
}

func (b *MemoryBridge) Execute(_ context.Context, action schema.Action) (*schema.ActionResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.actions = append(b.actions, action)
	return &schema.ActionResult{CellID: action.CellID}, nil
}

// Actions returns a copy of everything recorded so far.
func (b *MemoryBridge) Actions() []schema.Action {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]schema.Action, len(b.actions))
	copy(out, b.actions)
	return out
}
