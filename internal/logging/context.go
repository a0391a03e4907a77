package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	workflowIDKey ctxKey = iota
	stepKey
	operationKey
	generationKey
)

// WithWorkflowID returns a context carrying the workflow run ID.
func WithWorkflowID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, workflowIDKey, id)
}

// WithStep returns a context carrying the current onboarding step.
func WithStep(ctx context.Context, step string) context.Context {
	return context.WithValue(ctx, stepKey, step)
}

// WithOperation returns a context carrying the collaborator operation name.
func WithOperation(ctx context.Context, op string) context.Context {
	return context.WithValue(ctx, operationKey, op)
}

// WithGeneration returns a context carrying the training run generation.
func WithGeneration(ctx context.Context, gen uint64) context.Context {
	return context.WithValue(ctx, generationKey, gen)
}

// Generation extracts the training generation, or 0 if absent.
func Generation(ctx context.Context) uint64 {
	v, _ := ctx.Value(generationKey).(uint64)
	return v
}

// WorkflowID extracts the workflow ID from the context, or "" if absent.
func WorkflowID(ctx context.Context) string {
	v, _ := ctx.Value(workflowIDKey).(string)
	return v
}

// Step extracts the step from the context, or "" if absent.
func Step(ctx context.Context) string {
	v, _ := ctx.Value(stepKey).(string)
	return v
}

// Operation extracts the operation name from the context, or "" if absent.
func Operation(ctx context.Context) string {
	v, _ := ctx.Value(operationKey).(string)
	return v
}

// LogWith returns a logger enriched with the correlation values in ctx.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if v := WorkflowID(ctx); v != "" {
		logger = logger.With(slog.String("workflow_id", v))
	}
	if v := Step(ctx); v != "" {
		logger = logger.With(slog.String("step", v))
	}
	if v := Operation(ctx); v != "" {
		logger = logger.With(slog.String("operation", v))
	}
	if v := Generation(ctx); v != 0 {
		logger = logger.With(slog.Uint64("generation", v))
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler and injects correlation values
// from the record's context.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps inner with correlation injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if v := WorkflowID(ctx); v != "" {
		r.AddAttrs(slog.String("workflow_id", v))
	}
	if v := Step(ctx); v != "" {
		r.AddAttrs(slog.String("step", v))
	}
	if v := Operation(ctx); v != "" {
		r.AddAttrs(slog.String("operation", v))
	}
	if v := Generation(ctx); v != 0 {
		r.AddAttrs(slog.Uint64("generation", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
