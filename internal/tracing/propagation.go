package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// PropagateToChild derives a child context for one fan-out sub-request: the
// trace ID carries over, the run ID is fresh, and the depth increments.
func PropagateToChild(ctx context.Context, childRequestID string) context.Context {
	traceID := GetTraceID(ctx)
	if traceID == "" {
		traceID = NewTraceID()
	}

	child := WithTraceID(ctx, traceID)
	child = WithRunID(child, NewRunID())
	child = WithRequestID(child, childRequestID)
	child = WithDepth(child, GetDepth(ctx)+1)

	return child
}

// PropagateToLogger stamps the trace identity onto a zerolog logger
func PropagateToLogger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)

	if tc.TraceID != "" {
		logger = logger.With().Str("trace_id", tc.TraceID).Logger()
	}
	if tc.RunID != "" {
		logger = logger.With().Str("run_id", tc.RunID).Logger()
	}
	if tc.RequestID != "" {
		logger = logger.With().Str("request_id", tc.RequestID).Logger()
	}
	if tc.Depth > 0 {
		logger = logger.With().Int("depth", tc.Depth).Logger()
	}

	return logger
}
