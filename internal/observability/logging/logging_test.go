package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewRespectsLevelAndFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "warn", Writer: &buf, Format: "json"})
	logger.Info("suppressed")
	logger.Warn("emitted", "code", 42)

	output := buf.String()
	if strings.Contains(output, "suppressed") {
		t.Fatal("info record should be filtered at warn level")
	}
	var record map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(output)), &record); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if record["msg"] != "emitted" {
		t.Fatalf("unexpected message %v", record["msg"])
	}
}

func TestTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf, Format: "text"})
	logger.Info("hello")
	if !strings.Contains(buf.String(), "msg=hello") {
		t.Fatalf("expected text handler output, got %q", buf.String())
	}
}

func TestWithContextAnnotatesIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf, Format: "json"})

	ctx := ContextWithRequestID(context.Background(), "req-7")
	ctx = ContextWithSessionID(ctx, "session-42")
	WithContext(ctx, logger).Info("annotated")

	var record map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &record); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if record["request_id"] != "req-7" {
		t.Fatalf("request_id = %v", record["request_id"])
	}
	if record["session_id"] != "session-42" {
		t.Fatalf("session_id = %v", record["session_id"])
	}
}

func TestContextRoundTrips(t *testing.T) {
	ctx := ContextWithSessionID(context.Background(), "  ")
	if _, ok := SessionIDFromContext(ctx); ok {
		t.Fatal("blank session ID should not be stored")
	}
	ctx = ContextWithSessionID(ctx, "abc")
	if id, ok := SessionIDFromContext(ctx); !ok || id != "abc" {
		t.Fatalf("session ID round trip failed: %q %v", id, ok)
	}
}

func TestRequestLoggerEmitsCompletionRecord(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf, Format: "json"})

	handler := RequestLogger(RequestLoggerConfig{Logger: logger})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var record map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &record); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if record["status"] != float64(http.StatusTeapot) {
		t.Fatalf("status = %v", record["status"])
	}
	if record["path"] != "/api/status" {
		t.Fatalf("path = %v", record["path"])
	}
}
