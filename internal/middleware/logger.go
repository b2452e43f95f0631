package middleware

import (
	"encoding/binary"
	"log/slog"
	"net/http"
	"time"

	"github.com/S1riyS/vfs-switch/pkg/logging"
)

// statusRecorder keeps the HTTP status and the leading errno frame of a
// response for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
	head   []byte
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if missing := 8 - len(r.head); missing > 0 {
		r.head = append(r.head, p[:min(missing, len(p))]...)
	}
	return r.ResponseWriter.Write(p)
}

// code is the errno status of a binary API response, 0 when the body is not
// framed.
func (r *statusRecorder) code() int64 {
	if len(r.head) < 8 {
		return 0
	}
	return int64(binary.LittleEndian.Uint64(r.head))
}

// LoggingMiddleware logs every request with its duration and result. Failed
// API calls are logged at warn level.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		logger := logging.GetLoggerFromContextWithOp(r.Context(), "middleware.LoggingMiddleware")
		attrs := []any{
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Int64("code", rec.code()),
			slog.Duration("duration", time.Since(start)),
		}
		if rec.status != http.StatusOK || rec.code() < 0 {
			logger.Warn("Request failed", attrs...)
			return
		}
		logger.Debug("Request served", attrs...)
	})
}
