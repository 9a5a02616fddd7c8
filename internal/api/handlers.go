package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"reelsync/internal/auth"
	"reelsync/internal/gateway"
	"reelsync/internal/identity"
	"reelsync/internal/models"
	"reelsync/internal/notify"
	"reelsync/internal/storage"
)

// Handler exposes the REST fallback surface. Every messaging and notification
// operation available over the websocket has an HTTP counterpart here for
// clients without a live connection.
type Handler struct {
	Store               storage.Repository
	Sessions            *auth.SessionManager
	Resolver            *identity.Resolver
	Gateway             *gateway.Gateway
	MessageRouter       *gateway.Router
	Presence            *gateway.Presence
	Notifier            *notify.Dispatcher
	SessionCookiePolicy SessionCookiePolicy
}

func NewHandler(store storage.Repository, sessions *auth.SessionManager) *Handler {
	if sessions == nil {
		sessions = auth.NewSessionManager(24 * time.Hour)
	}
	return &Handler{
		Store:    store,
		Sessions: sessions,
		Resolver: identity.NewResolver(store),
	}
}

func (h *Handler) sessionManager() *auth.SessionManager {
	if h.Sessions == nil {
		h.Sessions = auth.NewSessionManager(24 * time.Hour)
	}
	return h.Sessions
}

func (h *Handler) resolver() *identity.Resolver {
	if h.Resolver == nil {
		h.Resolver = identity.NewResolver(h.Store)
	}
	return h.Resolver
}

// Health reports liveness of the store and, when configured, the session
// backend.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	checks := map[string]string{}
	if h.Store != nil {
		if err := h.Store.Ping(r.Context()); err != nil {
			status = "degraded"
			checks["store"] = err.Error()
		} else {
			checks["store"] = "ok"
		}
	}
	if h.Sessions != nil {
		if err := h.Sessions.Ping(r.Context()); err != nil {
			status = "degraded"
			checks["sessions"] = err.Error()
		} else {
			checks["sessions"] = "ok"
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   status,
		"services": checks,
	})
}

// GatewayWebsocket upgrades the request to the realtime messaging protocol.
func (h *Handler) GatewayWebsocket(w http.ResponseWriter, r *http.Request) {
	if h.Gateway == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("realtime gateway not configured"))
		return
	}
	h.Gateway.HandleConnection(w, r)
}

type signupRequest struct {
	Variant     string `json:"variant"`
	DisplayName string `json:"displayName"`
	Handle      string `json:"handle"`
	AvatarURL   string `json:"avatarUrl"`
	Email       string `json:"email"`
	Password    string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	Actor     identity.Profile `json:"actor"`
	ExpiresAt time.Time        `json:"expiresAt"`
}

func newAuthResponse(actor models.Actor, expiresAt time.Time) authResponse {
	return authResponse{Actor: identity.ProfileOf(actor), ExpiresAt: expiresAt.UTC()}
}

func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	var req signupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("password must be at least 8 characters"))
		return
	}
	variant, err := models.ParseActorVariant(req.Variant)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	actor, err := h.Store.CreateActor(r.Context(), storage.CreateActorParams{
		Variant:     variant,
		DisplayName: req.DisplayName,
		Handle:      req.Handle,
		AvatarURL:   req.AvatarURL,
		Email:       req.Email,
		Password:    req.Password,
	})
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}

	token, expiresAt, err := h.sessionManager().Create(actor.Ref())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	h.setSessionCookie(w, r, token, expiresAt)
	writeJSON(w, http.StatusCreated, newAuthResponse(actor, expiresAt))
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	actor, err := h.Store.AuthenticateActor(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid credentials"))
		return
	}

	token, expiresAt, err := h.sessionManager().Create(actor.Ref())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	h.setSessionCookie(w, r, token, expiresAt)
	writeJSON(w, http.StatusOK, newAuthResponse(actor, expiresAt))
}

func (h *Handler) Session(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		token := ExtractToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, fmt.Errorf("missing session token"))
			return
		}
		ref, expiresAt, ok, err := h.sessionManager().Validate(token)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if !ok {
			writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid or expired session"))
			return
		}
		actor, exists := h.Store.GetActor(r.Context(), ref)
		if !exists {
			writeError(w, http.StatusUnauthorized, fmt.Errorf("account not found"))
			return
		}
		writeJSON(w, http.StatusOK, newAuthResponse(actor, expiresAt))
	case http.MethodDelete:
		token := ExtractToken(r)
		if token == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("missing session token"))
			return
		}
		if err := h.sessionManager().Revoke(token); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		h.ClearSessionCookie(w, r)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.Header().Set("Allow", "GET, DELETE")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

// statusForError maps repository sentinels onto HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, storage.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
