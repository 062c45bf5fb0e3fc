package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	runIDKey ctxKey = iota
	stageIDKey
	stepIDKey
	behaviorIDKey
)

// WithRunID returns a context with the workflow run ID set.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// WithStageID returns a context with the stage ID set.
func WithStageID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, stageIDKey, id)
}

// WithStepID returns a context with the step ID set.
func WithStepID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, stepIDKey, id)
}

// WithBehaviorID returns a context with the behavior ID set.
func WithBehaviorID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, behaviorIDKey, id)
}

// RunID extracts the run ID from the context, or "" if absent.
func RunID(ctx context.Context) string {
	v, _ := ctx.Value(runIDKey).(string)
	return v
}

// StageID extracts the stage ID from the context, or "" if absent.
func StageID(ctx context.Context) string {
	v, _ := ctx.Value(stageIDKey).(string)
	return v
}

// StepID extracts the step ID from the context, or "" if absent.
func StepID(ctx context.Context) string {
	v, _ := ctx.Value(stepIDKey).(string)
	return v
}

// BehaviorID extracts the behavior ID from the context, or "" if absent.
func BehaviorID(ctx context.Context) string {
	v, _ := ctx.Value(behaviorIDKey).(string)
	return v
}

// WithLocation sets the run and location correlation IDs on the context at once.
func WithLocation(ctx context.Context, runID, stageID, stepID, behaviorID string) context.Context {
	ctx = WithRunID(ctx, runID)
	ctx = WithStageID(ctx, stageID)
	ctx = WithStepID(ctx, stepID)
	ctx = WithBehaviorID(ctx, behaviorID)
	return ctx
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if id := RunID(ctx); id != "" {
		logger = logger.With(slog.String("run_id", id))
	}
	if id := StageID(ctx); id != "" {
		logger = logger.With(slog.String("stage_id", id))
	}
	if id := StepID(ctx); id != "" {
		logger = logger.With(slog.String("step_id", id))
	}
	if id := BehaviorID(ctx); id != "" {
		logger = logger.With(slog.String("behavior_id", id))
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record.
// Use with slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if v := RunID(ctx); v != "" {
		r.AddAttrs(slog.String("run_id", v))
	}
	if v := StageID(ctx); v != "" {
		r.AddAttrs(slog.String("stage_id", v))
	}
	if v := StepID(ctx); v != "" {
		r.AddAttrs(slog.String("step_id", v))
	}
	if v := BehaviorID(ctx); v != "" {
		r.AddAttrs(slog.String("behavior_id", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
