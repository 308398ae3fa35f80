package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHTTPMiddlewareObservesRequests(t *testing.T) {
	recorder := New()
	handler := HTTPMiddleware(recorder, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/live", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var body strings.Builder
	recorder.Write(&body)
	if !strings.Contains(body.String(), `airwave_http_requests_total{method="POST",path="/api/live",status="202"} 1`) {
		t.Fatalf("request not observed:\n%s", body.String())
	}
}

func TestResponseRecorderDefaultsToOK(t *testing.T) {
	rr := NewResponseRecorder(httptest.NewRecorder())
	if rr.Status() != http.StatusOK {
		t.Fatalf("default status = %d", rr.Status())
	}
	rr.WriteHeader(http.StatusNotFound)
	if rr.Status() != http.StatusNotFound {
		t.Fatalf("captured status = %d", rr.Status())
	}
}
