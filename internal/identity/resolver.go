// Package identity resolves opaque actor ids against the two disjoint
// populations (creators and editors) and serves the minimal profile
// fields other components need for display.
package identity

import (
	"context"
	"fmt"
	"strings"

	"reelsync/internal/models"
	"reelsync/internal/storage"
)

// Profile carries the display fields a client needs to render an actor.
// Credentials never leave the resolver.
type Profile struct {
	ID          string              `json:"id"`
	Variant     models.ActorVariant `json:"variant"`
	DisplayName string              `json:"displayName"`
	Handle      string              `json:"handle"`
	AvatarURL   string              `json:"avatarUrl,omitempty"`
}

// Resolver answers the "is this id a creator or an editor" question once,
// at the boundary. Downstream components pass the resolved ActorRef
// around instead of re-probing per call.
type Resolver struct {
	repo storage.Repository
}

func NewResolver(repo storage.Repository) *Resolver {
	return &Resolver{repo: repo}
}

// Resolve maps a bare id to its actor, probing creators before editors.
// The populations are disjoint so the first hit is authoritative.
func (r *Resolver) Resolve(ctx context.Context, id string) (models.Actor, error) {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return models.Actor{}, fmt.Errorf("%w: actor id is required", storage.ErrValidation)
	}
	actor, ok := r.repo.LookupActor(ctx, trimmed)
	if !ok {
		return models.Actor{}, fmt.Errorf("actor %s %w", trimmed, storage.ErrNotFound)
	}
	return actor, nil
}

// ResolveRef is Resolve for callers that only need the (id, variant) pair.
func (r *Resolver) ResolveRef(ctx context.Context, id string) (models.ActorRef, error) {
	actor, err := r.Resolve(ctx, id)
	if err != nil {
		return models.ActorRef{}, err
	}
	return actor.Ref(), nil
}

// ProfileFor fetches display fields for a ref that was already resolved.
func (r *Resolver) ProfileFor(ctx context.Context, ref models.ActorRef) (Profile, error) {
	actor, ok := r.repo.GetActor(ctx, ref)
	if !ok {
		return Profile{}, fmt.Errorf("actor %s %w", ref.Key(), storage.ErrNotFound)
	}
	return ProfileOf(actor), nil
}

// ProfileOf strips an actor down to its public display fields.
func ProfileOf(actor models.Actor) Profile {
	return Profile{
		ID:          actor.ID,
		Variant:     actor.Variant,
		DisplayName: actor.DisplayName,
		Handle:      actor.Handle,
		AvatarURL:   actor.AvatarURL,
	}
}
