package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// PropagateToLogger attaches tracing fields from the context to a
// logger.
func PropagateToLogger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	builder := logger.With()

	if traceID := GetTraceID(ctx); traceID != "" {
		builder = builder.Str("trace_id", traceID)
	}
	if runID := GetRunID(ctx); runID != "" {
		builder = builder.Str("run_id", runID)
	}
	if sessionKey := GetSessionKey(ctx); sessionKey != "" {
		builder = builder.Str("session_key", sessionKey)
	}

	return builder.Logger()
}

// LoggerFromContext creates a logger with tracing context from the
// given context.
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	return PropagateToLogger(ctx, baseLogger)
}
