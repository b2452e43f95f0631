package logging

import (
	"context"
	"io"
	"log/slog"
)

type ctxLoggerKey struct {
	Key string
}

var (
	cKey   = ctxLoggerKey{Key: "logger"}
	reqKey = ctxLoggerKey{Key: "request_id"}
)

// GetLoggerFromContext returns the logger stored on ctx, falling back to the
// process default.
func GetLoggerFromContext(ctx context.Context) *slog.Logger {
	l, ok := ctx.Value(cKey).(*slog.Logger)
	if !ok || l == nil {
		l = slog.Default()
	}

	if requestID := GetRequestIDFromCtx(ctx); requestID != "" {
		l = l.With(slog.String("request_id", requestID))
	}

	return l
}

// Returns logger from context and attaches operation name
func GetLoggerFromContextWithOp(ctx context.Context, op string) *slog.Logger {
	return GetLoggerFromContext(ctx).With(slog.String("op", op))
}

func MakeContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, cKey, logger)
}

// MakeContextWithDiscardLogger silences everything logged through ctx.
func MakeContextWithDiscardLogger(ctx context.Context) context.Context {
	return MakeContextWithLogger(ctx, slog.New(slog.NewTextHandler(io.Discard, nil)))
}
