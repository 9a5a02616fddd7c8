package metrics

import (
	"bufio"
	"bytes"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHTTPMiddlewareRecordsRequests(t *testing.T) {
	recorder := New()
	handler := HTTPMiddleware(recorder, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/notifications/abc123", nil)
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	var buf bytes.Buffer
	recorder.Write(&buf)
	body := buf.String()

	expected := `reelsync_http_requests_total{method="GET",path="/api/notifications/:id",status="418"} 1`
	if !strings.Contains(body, expected) {
		t.Fatalf("expected metrics output to contain %q, got %q", expected, body)
	}
}

func TestHTTPMiddlewareDefaultsStatusToOK(t *testing.T) {
	recorder := New()
	handler := HTTPMiddleware(recorder, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var buf bytes.Buffer
	recorder.Write(&buf)
	body := buf.String()

	expected := `reelsync_http_requests_total{method="GET",path="/healthz",status="200"} 1`
	if !strings.Contains(body, expected) {
		t.Fatalf("expected metrics output to contain %q, got %q", expected, body)
	}
}

type hijackWriter struct {
	*httptest.ResponseRecorder
	hijacked bool
}

func (h *hijackWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h.hijacked = true
	return nil, nil, errors.New("transport gone")
}

// The gateway's websocket upgrade runs behind this middleware, so the wrapper
// has to forward Hijack to the underlying writer.
func TestResponseRecorderForwardsHijack(t *testing.T) {
	underlying := &hijackWriter{ResponseRecorder: httptest.NewRecorder()}
	rr := NewResponseRecorder(underlying)

	hijacker, ok := interface{}(rr).(http.Hijacker)
	if !ok {
		t.Fatal("expected ResponseRecorder to implement http.Hijacker")
	}
	if _, _, err := hijacker.Hijack(); err == nil || err.Error() != "transport gone" {
		t.Fatalf("expected underlying hijack error, got %v", err)
	}
	if !underlying.hijacked {
		t.Fatal("expected hijack to reach the underlying writer")
	}
}
