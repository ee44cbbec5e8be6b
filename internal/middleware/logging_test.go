package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/DukeRupert/hookmeter/internal/auth"
	"github.com/google/uuid"
)

// =============================================================================
// Request Logging Middleware Tests
// =============================================================================

func newBufferedLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewTextHandler(&buf, nil)), &buf
}

func TestRequestLoggingMiddleware_LogsBasicInfo(t *testing.T) {
	logger, buf := newBufferedLogger()
	mw := NewRequestLoggingMiddleware(logger)

	wrapped := mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/api/billing/overview", nil)
	req.RemoteAddr = "192.168.1.1:12345"
	req.Header.Set("User-Agent", "hook-studio/2.1")
	wrapped.ServeHTTP(httptest.NewRecorder(), req)

	logOutput := buf.String()
	for _, want := range []string{"GET", "/api/billing/overview", "status=200", "duration_ms", "192.168.1.1", "hook-studio/2.1"} {
		if !strings.Contains(logOutput, want) {
			t.Errorf("log should contain %q, got: %s", want, logOutput)
		}
	}
}

func TestRequestLoggingMiddleware_LogsUserIDAndRoute(t *testing.T) {
	logger, buf := newBufferedLogger()
	mw := NewRequestLoggingMiddleware(logger)
	userID := uuid.New()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/generations", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	req := httptest.NewRequest("POST", "/api/generations", nil)
	req = req.WithContext(auth.SetUserID(req.Context(), userID))
	mw.Handler(mux).ServeHTTP(httptest.NewRecorder(), req)

	logOutput := buf.String()
	if !strings.Contains(logOutput, userID.String()) {
		t.Errorf("log should contain user id, got: %s", logOutput)
	}
	if !strings.Contains(logOutput, "status=204") {
		t.Errorf("log should contain status 204, got: %s", logOutput)
	}
}

func TestRequestLoggingMiddleware_ServerErrorLogsWarn(t *testing.T) {
	logger, buf := newBufferedLogger()
	mw := NewRequestLoggingMiddleware(logger)

	wrapped := mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	wrapped.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/billing/webhooks/provider", nil))

	logOutput := buf.String()
	if !strings.Contains(logOutput, "level=WARN") {
		t.Errorf("5xx should log at WARN, got: %s", logOutput)
	}
	if !strings.Contains(logOutput, "503") {
		t.Errorf("log should contain 503 status, got: %s", logOutput)
	}
}

func TestRequestLoggingMiddleware_RedactsSensitiveQueryParams(t *testing.T) {
	logger, buf := newBufferedLogger()
	mw := NewRequestLoggingMiddleware(logger)

	wrapped := mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest("GET", "/api/billing/usage/history?limit=5&token=secrettoken123&email=a%40b.c", nil)
	wrapped.ServeHTTP(httptest.NewRecorder(), req)

	logOutput := buf.String()
	if strings.Contains(logOutput, "secrettoken123") {
		t.Errorf("log should NOT contain sensitive token value, got: %s", logOutput)
	}
	if strings.Contains(logOutput, "a%40b.c") {
		t.Errorf("log should NOT contain email value, got: %s", logOutput)
	}
	if !strings.Contains(logOutput, "limit=5") {
		t.Errorf("non-sensitive params should be kept, got: %s", logOutput)
	}
}

func TestRequestLoggingMiddleware_PassesRequestThrough(t *testing.T) {
	logger, _ := newBufferedLogger()
	mw := NewRequestLoggingMiddleware(logger)

	handlerCalled := false
	wrapped := mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCalled = true
		w.Header().Set("X-Custom", "value")
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte("response body"))
	}))

	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, httptest.NewRequest("POST", "/api/generations", nil))

	if !handlerCalled {
		t.Error("handler should have been called")
	}
	if rec.Code != http.StatusPaymentRequired {
		t.Errorf("expected status 402, got %d", rec.Code)
	}
	if rec.Header().Get("X-Custom") != "value" {
		t.Error("custom header should be preserved")
	}
	if rec.Body.String() != "response body" {
		t.Errorf("response body should be preserved, got: %s", rec.Body.String())
	}
}

func TestRequestLoggingMiddleware_SkipsNoisyPaths(t *testing.T) {
	for _, path := range []string{"/health", "/metrics"} {
		t.Run(path, func(t *testing.T) {
			logger, buf := newBufferedLogger()
			mw := NewRequestLoggingMiddleware(logger)

			wrapped := mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
			wrapped.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", path, nil))

			if buf.Len() != 0 {
				t.Errorf("%s should not be logged, got: %s", path, buf.String())
			}
		})
	}
}

func TestSanitizePath(t *testing.T) {
	tests := []struct {
		path, query, want string
	}{
		{"/api/x", "", "/api/x"},
		{"/api/x", "limit=3", "/api/x?limit=3"},
		{"/api/x", "API_KEY=abc", "/api/x?API_KEY=[REDACTED]"},
		{"/api/x", "novalue", "/api/x"},
	}
	for _, tt := range tests {
		if got := sanitizePath(tt.path, tt.query); got != tt.want {
			t.Errorf("sanitizePath(%q, %q) = %q, want %q", tt.path, tt.query, got, tt.want)
		}
	}
}
