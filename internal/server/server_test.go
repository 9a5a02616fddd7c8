package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"reelsync/internal/api"
	"reelsync/internal/auth"
	"reelsync/internal/gateway"
	"reelsync/internal/identity"
	"reelsync/internal/models"
	"reelsync/internal/storage"
)

func newTestHandler(t *testing.T) (*api.Handler, *storage.Storage) {
	t.Helper()
	storePath := filepath.Join(t.TempDir(), "store.json")
	store, err := storage.NewStorage(storePath)
	if err != nil {
		t.Fatalf("NewStorage error: %v", err)
	}
	sessions := auth.NewSessionManager(time.Hour)
	return api.NewHandler(store, sessions), store
}

func createTestActor(t *testing.T, store *storage.Storage, variant models.ActorVariant, name string) models.Actor {
	t.Helper()
	actor, err := store.CreateActor(context.Background(), storage.CreateActorParams{
		Variant:     variant,
		DisplayName: name,
		Handle:      strings.ToLower(name),
		Email:       strings.ToLower(name) + "@example.com",
		Password:    "super-secret",
	})
	if err != nil {
		t.Fatalf("CreateActor error: %v", err)
	}
	return actor
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewReturnsErrorWhenHandlerNil(t *testing.T) {
	t.Parallel()

	srv, err := New(nil, Config{})
	if err == nil {
		t.Fatalf("expected error when handler is nil, got server: %#v", srv)
	}
}

func TestAuthMiddlewareAcceptsCookie(t *testing.T) {
	handler, store := newTestHandler(t)
	actor := createTestActor(t, store, models.VariantCreator, "Tester")
	token, _, err := handler.Sessions.Create(actor.Ref())
	if err != nil {
		t.Fatalf("Create session: %v", err)
	}

	nextCalled := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalled = true
		ctxActor, ok := api.ActorFromContext(r.Context())
		if !ok {
			t.Fatal("expected actor in context")
		}
		if ctxActor.ID != actor.ID {
			t.Fatalf("expected actor %s, got %s", actor.ID, ctxActor.ID)
		}
	})

	req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	req.AddCookie(&http.Cookie{Name: "reelsync_session", Value: token})
	rec := httptest.NewRecorder()

	authMiddleware(handler, next).ServeHTTP(rec, req)

	if !nextCalled {
		t.Fatal("expected middleware to call next handler")
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
}

func TestAuthMiddlewareRejectsMissingSession(t *testing.T) {
	handler, _ := newTestHandler(t)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("unexpected call to next handler")
	})

	req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	rec := httptest.NewRecorder()

	authMiddleware(handler, next).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rec.Code)
	}
	var payload map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload["error"] == "" {
		t.Fatal("expected error message in response")
	}
}

func TestAuthMiddlewarePassesWebsocketThrough(t *testing.T) {
	handler, _ := newTestHandler(t)
	nextCalled := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalled = true
		w.WriteHeader(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/gateway/ws", nil)
	rec := httptest.NewRecorder()

	authMiddleware(handler, next).ServeHTTP(rec, req)

	if !nextCalled {
		t.Fatal("expected websocket path to bypass session auth")
	}
}

func TestRateLimitMiddlewareThrottlesLogins(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{LoginLimit: 2, LoginWindow: time.Minute})
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	wrapped := rateLimitMiddleware(rl, quietLogger(), next)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
		req.RemoteAddr = "10.0.0.9:4444"
		rec := httptest.NewRecorder()
		wrapped.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("attempt %d: expected 200, got %d", i+1, rec.Code)
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
	req.RemoteAddr = "10.0.0.9:4444"
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after limit, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}

	// A different client IP is unaffected.
	other := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
	other.RemoteAddr = "10.0.0.10:4444"
	rec = httptest.NewRecorder()
	wrapped.ServeHTTP(rec, other)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for unrelated IP, got %d", rec.Code)
	}
}

func TestGlobalRateLimit(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{GlobalRPS: 0.0001, GlobalBurst: 1})
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	wrapped := rateLimitMiddleware(rl, quietLogger(), next)

	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/conversations", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected first request allowed, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	wrapped.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/conversations", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after burst exhausted, got %d", rec.Code)
	}
}

func TestServerEndToEndMessagingFlow(t *testing.T) {
	handler, store := newTestHandler(t)
	creator := createTestActor(t, store, models.VariantCreator, "Ava")
	createTestActor(t, store, models.VariantEditor, "Noah")
	handler.MessageRouter = gateway.NewRouter(gateway.RouterConfig{
		Repository: store,
		Resolver:   identity.NewResolver(store),
		Logger:     quietLogger(),
	})

	srv, err := New(handler, Config{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	// Login with the seeded password.
	loginBody, _ := json.Marshal(map[string]string{
		"email":    creator.Email,
		"password": "super-secret",
	})
	resp, err := http.Post(ts.URL+"/api/auth/login", "application/json", bytes.NewReader(loginBody))
	if err != nil {
		t.Fatalf("login request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("login status %d: %s", resp.StatusCode, body)
	}
	var cookieToken string
	for _, cookie := range resp.Cookies() {
		if cookie.Name == "reelsync_session" {
			cookieToken = cookie.Value
		}
	}
	if cookieToken == "" {
		t.Fatal("expected session cookie from login")
	}

	authedRequest := func(method, path string, body []byte) *http.Response {
		t.Helper()
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequest(method, ts.URL+path, reader)
		if err != nil {
			t.Fatalf("build request: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+cookieToken)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s %s: %v", method, path, err)
		}
		return resp
	}

	// Send a message over the REST fallback.
	sendBody, _ := json.Marshal(map[string]string{
		"recipientId": findActorID(t, store, "Noah"),
		"content":     "First cut is ready",
	})
	resp = authedRequest(http.MethodPost, "/api/messages", sendBody)
	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("send message status %d: %s", resp.StatusCode, body)
	}
	resp.Body.Close()

	// The conversation list reflects the send.
	resp = authedRequest(http.MethodGet, "/api/conversations", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("conversations status %d", resp.StatusCode)
	}
	var convPayload struct {
		Conversations []storage.ConversationSummary `json:"conversations"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&convPayload); err != nil {
		t.Fatalf("decode conversations: %v", err)
	}
	resp.Body.Close()
	if len(convPayload.Conversations) != 1 {
		t.Fatalf("expected 1 conversation, got %d", len(convPayload.Conversations))
	}
	if convPayload.Conversations[0].Partner.DisplayName != "Noah" {
		t.Fatalf("unexpected partner %q", convPayload.Conversations[0].Partner.DisplayName)
	}
	if convPayload.Conversations[0].Partner.PasswordHash != "" {
		t.Fatal("partner credentials must not leak")
	}

	// Unauthenticated access is refused.
	plain, err := http.Get(ts.URL + "/api/conversations")
	if err != nil {
		t.Fatalf("plain request: %v", err)
	}
	plain.Body.Close()
	if plain.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", plain.StatusCode)
	}

	// Health stays public.
	health, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("health request: %v", err)
	}
	health.Body.Close()
	if health.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from /healthz, got %d", health.StatusCode)
	}
}

func findActorID(t *testing.T, store *storage.Storage, name string) string {
	t.Helper()
	actors, err := store.SearchActors(context.Background(), name, 5)
	if err != nil || len(actors) == 0 {
		t.Fatalf("SearchActors(%q): %v", name, err)
	}
	return actors[0].ID
}

func TestExtractClientIPPrefersForwardedHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if got := extractClientIP(req); got != "203.0.113.7" {
		t.Fatalf("expected forwarded IP, got %q", got)
	}

	req.Header.Del("X-Forwarded-For")
	req.Header.Set("X-Real-IP", "198.51.100.2")
	if got := extractClientIP(req); got != "198.51.100.2" {
		t.Fatalf("expected real IP header, got %q", got)
	}

	req.Header.Del("X-Real-IP")
	if got := extractClientIP(req); got != "192.0.2.1" {
		t.Fatalf("expected remote addr host, got %q", got)
	}
}

func TestShouldAuditSkipsReads(t *testing.T) {
	get := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	if shouldAudit(get) {
		t.Fatal("GET requests are not audited")
	}
	post := httptest.NewRequest(http.MethodPost, "/api/messages", nil)
	if !shouldAudit(post) {
		t.Fatal("POST API requests are audited")
	}
	outside := httptest.NewRequest(http.MethodPost, "/healthz", nil)
	if shouldAudit(outside) {
		t.Fatal("non-API paths are not audited")
	}
}

