// Package tracing carries trace, run, and request identity through contexts
// and otel spans.
package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for the trace ID
	TraceIDKey ContextKey = "trace_id"
	// RunIDKey is the context key for the pipeline run ID
	RunIDKey ContextKey = "run_id"
	// RequestIDKey is the context key for the request ID
	RequestIDKey ContextKey = "request_id"
	// DepthKey is the context key for the fan-out recursion depth
	DepthKey ContextKey = "depth"
)

// TraceContext holds the identity of one unit of work
type TraceContext struct {
	TraceID   string
	RunID     string
	RequestID string
	Depth     int
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// NewRunID generates a new run ID
func NewRunID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithRunID adds a run ID to the context
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithDepth adds the recursion depth to the context
func WithDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, DepthKey, depth)
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	if v, ok := ctx.Value(TraceIDKey).(string); ok {
		return v
	}
	return ""
}

// GetRunID retrieves the run ID from the context
func GetRunID(ctx context.Context) string {
	if v, ok := ctx.Value(RunIDKey).(string); ok {
		return v
	}
	return ""
}

// GetRequestID retrieves the request ID from the context
func GetRequestID(ctx context.Context) string {
	if v, ok := ctx.Value(RequestIDKey).(string); ok {
		return v
	}
	return ""
}

// GetDepth retrieves the recursion depth from the context, 0 when unset
func GetDepth(ctx context.Context) int {
	if v, ok := ctx.Value(DepthKey).(int); ok {
		return v
	}
	return 0
}

// FromContext extracts the full trace identity from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:   GetTraceID(ctx),
		RunID:     GetRunID(ctx),
		RequestID: GetRequestID(ctx),
		Depth:     GetDepth(ctx),
	}
}

// NewContext attaches a trace identity to the context, skipping empty fields
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.RunID != "" {
		ctx = WithRunID(ctx, tc.RunID)
	}
	if tc.RequestID != "" {
		ctx = WithRequestID(ctx, tc.RequestID)
	}
	if tc.Depth > 0 {
		ctx = WithDepth(ctx, tc.Depth)
	}
	return ctx
}

// NewRequestContext starts a fresh trace for an incoming request
func NewRequestContext(ctx context.Context, requestID string) context.Context {
	ctx = WithTraceID(ctx, NewTraceID())
	return WithRequestID(ctx, requestID)
}
