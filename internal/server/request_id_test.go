package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"reelsync/internal/observability/logging"
)

func TestRequestIDMiddlewareGeneratesID(t *testing.T) {
	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = logging.RequestIDFromContext(r.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	rec := httptest.NewRecorder()
	requestIDMiddlewareWithGenerator(quietLogger(), func() string { return "generated-id" }, next).ServeHTTP(rec, req)

	if seen != "generated-id" {
		t.Fatalf("expected generated request id in context, got %q", seen)
	}
	if got := rec.Header().Get("X-Request-Id"); got != "generated-id" {
		t.Fatalf("expected request id echoed in header, got %q", got)
	}
}

func TestRequestIDMiddlewarePreservesInboundID(t *testing.T) {
	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = logging.RequestIDFromContext(r.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	req.Header.Set("X-Request-Id", "client-supplied")
	rec := httptest.NewRecorder()
	requestIDMiddleware(quietLogger(), next).ServeHTTP(rec, req)

	if seen != "client-supplied" {
		t.Fatalf("expected inbound request id kept, got %q", seen)
	}
	if got := rec.Header().Get("X-Request-Id"); got != "client-supplied" {
		t.Fatalf("expected inbound id echoed, got %q", got)
	}
}

func TestRequestIDMiddlewareStoresContextLogger(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if logging.LoggerFromContext(r.Context()) == nil {
			t.Fatal("expected request-scoped logger in context")
		}
	})

	req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	requestIDMiddleware(quietLogger(), next).ServeHTTP(httptest.NewRecorder(), req)
}
