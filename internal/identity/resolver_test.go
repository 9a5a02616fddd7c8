package identity

import (
	"context"
	"errors"
	"testing"

	"reelsync/internal/models"
	"reelsync/internal/storage"
)

func newTestRepo(t *testing.T) *storage.Storage {
	t.Helper()
	store, err := storage.NewStorage(t.TempDir() + "/store.json")
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	return store
}

func TestResolveDistinguishesVariants(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	creator, err := repo.CreateActor(ctx, storage.CreateActorParams{
		Variant: models.VariantCreator, DisplayName: "Ava", Handle: "ava", Email: "ava@example.com",
	})
	if err != nil {
		t.Fatalf("CreateActor creator: %v", err)
	}
	editor, err := repo.CreateActor(ctx, storage.CreateActorParams{
		Variant: models.VariantEditor, DisplayName: "Ben", Handle: "ben", Email: "ben@example.com",
	})
	if err != nil {
		t.Fatalf("CreateActor editor: %v", err)
	}

	resolver := NewResolver(repo)

	ref, err := resolver.ResolveRef(ctx, creator.ID)
	if err != nil {
		t.Fatalf("ResolveRef creator: %v", err)
	}
	if ref.Variant != models.VariantCreator {
		t.Fatalf("expected creator variant, got %s", ref.Variant)
	}

	ref, err = resolver.ResolveRef(ctx, editor.ID)
	if err != nil {
		t.Fatalf("ResolveRef editor: %v", err)
	}
	if ref.Variant != models.VariantEditor {
		t.Fatalf("expected editor variant, got %s", ref.Variant)
	}
}

func TestResolveUnknownActor(t *testing.T) {
	resolver := NewResolver(newTestRepo(t))

	_, err := resolver.Resolve(context.Background(), "missing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not-found, got %v", err)
	}
	_, err = resolver.Resolve(context.Background(), "  ")
	if !errors.Is(err, storage.ErrValidation) {
		t.Fatalf("expected validation error for blank id, got %v", err)
	}
}

func TestProfileOmitsCredentials(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	actor, err := repo.CreateActor(ctx, storage.CreateActorParams{
		Variant: models.VariantEditor, DisplayName: "Ben", Handle: "ben",
		Email: "ben@example.com", Password: "secret-pass",
		AvatarURL: "https://cdn.example.com/ben.png",
	})
	if err != nil {
		t.Fatalf("CreateActor: %v", err)
	}

	profile, err := NewResolver(repo).ProfileFor(ctx, actor.Ref())
	if err != nil {
		t.Fatalf("ProfileFor: %v", err)
	}
	if profile.DisplayName != "Ben" || profile.Handle != "ben" {
		t.Fatalf("unexpected profile %+v", profile)
	}
	if profile.AvatarURL != "https://cdn.example.com/ben.png" {
		t.Fatalf("avatar missing: %+v", profile)
	}
}
