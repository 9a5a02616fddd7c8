package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"reelsync/internal/models"
)

type contextKey string

const actorContextKey contextKey = "authenticatedActor"

// ContextWithActor stores the authenticated actor in the provided context.
func ContextWithActor(ctx context.Context, actor models.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey, actor)
}

// ActorFromContext retrieves the authenticated actor from context if present.
func ActorFromContext(ctx context.Context) (models.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey).(models.Actor)
	return actor, ok
}

// AuthenticateRequest validates the session token on the request and returns
// the actor it belongs to.
func (h *Handler) AuthenticateRequest(r *http.Request) (models.Actor, error) {
	token := ExtractToken(r)
	if token == "" {
		return models.Actor{}, fmt.Errorf("missing session token")
	}
	ref, _, ok, err := h.sessionManager().Validate(token)
	if err != nil {
		return models.Actor{}, err
	}
	if !ok {
		return models.Actor{}, fmt.Errorf("invalid or expired session")
	}
	actor, exists := h.Store.GetActor(r.Context(), ref)
	if !exists {
		return models.Actor{}, fmt.Errorf("account not found")
	}
	return actor, nil
}

func (h *Handler) requireAuthenticatedActor(w http.ResponseWriter, r *http.Request) (models.Actor, bool) {
	actor, ok := ActorFromContext(r.Context())
	if !ok {
		WriteError(w, http.StatusUnauthorized, fmt.Errorf("authentication required"))
		return models.Actor{}, false
	}
	return actor, true
}

// ExtractToken pulls the session token from the Authorization header or the
// session cookie.
func ExtractToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		return strings.TrimSpace(cookie.Value)
	}
	return ""
}
