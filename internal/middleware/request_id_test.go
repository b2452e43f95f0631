package middleware

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/S1riyS/vfs-switch/pkg/binary"
	"github.com/S1riyS/vfs-switch/pkg/logging"
)

func TestRequestIDMiddleware(t *testing.T) {
	var got string
	h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = logging.GetRequestIDFromCtx(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got != "abc" || rec.Header().Get(RequestIDHeader) != "abc" {
		t.Errorf("request id = %q, echoed %q, want abc", got, rec.Header().Get(RequestIDHeader))
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if len(got) != 36 {
		t.Errorf("generated request id = %q, want a UUID", got)
	}
	if rec.Header().Get(RequestIDHeader) != got {
		t.Errorf("echoed id %q differs from %q", rec.Header().Get(RequestIDHeader), got)
	}
}

func TestLoggingMiddlewareReportsErrno(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	h := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		binary.WriteResponse(w, -2, nil)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/stat?path=/x", nil)
	req = req.WithContext(logging.MakeContextWithLogger(context.Background(), logger))
	h.ServeHTTP(httptest.NewRecorder(), req)

	out := logs.String()
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "code=-2") {
		t.Errorf("log line = %q", out)
	}
}
