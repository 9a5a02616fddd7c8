package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"reelsync/internal/models"
	"reelsync/internal/observability/metrics"
	"reelsync/internal/storage"
)

type stubPusher struct {
	mu       sync.Mutex
	online   bool
	payloads [][]byte
}

func (p *stubPusher) Send(_ models.ActorRef, payload []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.online {
		return false
	}
	p.payloads = append(p.payloads, append([]byte(nil), payload...))
	return true
}

func (p *stubPusher) pushed() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.payloads))
	copy(out, p.payloads)
	return out
}

func newTestStore(t *testing.T) *storage.Storage {
	t.Helper()
	store, err := storage.NewStorage(t.TempDir() + "/store.json")
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	return store
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func createEditor(t *testing.T, store *storage.Storage, name string) models.Actor {
	t.Helper()
	actor, err := store.CreateActor(context.Background(), storage.CreateActorParams{
		Variant:     models.VariantEditor,
		DisplayName: name,
		Handle:      strings.ToLower(name),
		Email:       strings.ToLower(name) + "@example.com",
	})
	if err != nil {
		t.Fatalf("CreateActor: %v", err)
	}
	return actor
}

func TestDispatchPersistsAndPushes(t *testing.T) {
	store := newTestStore(t)
	editor := createEditor(t, store, "Noah")
	pusher := &stubPusher{online: true}
	dispatcher := NewDispatcher(DispatcherConfig{
		Repository: store,
		Pusher:     pusher,
		Logger:     quietLogger(),
		Metrics:    metrics.New(),
	})

	notification, err := dispatcher.Dispatch(context.Background(), editor.Ref(), models.NotificationAssignment, "  You have a new assignment  ", "video-9")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if notification.Message != "You have a new assignment" {
		t.Fatalf("expected trimmed message, got %q", notification.Message)
	}
	if notification.RelatedID != "video-9" {
		t.Fatalf("unexpected related id %q", notification.RelatedID)
	}

	stored, err := dispatcher.List(context.Background(), editor.Ref(), false)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(stored) != 1 || stored[0].ID != notification.ID {
		t.Fatalf("expected stored notification, got %+v", stored)
	}

	payloads := pusher.pushed()
	if len(payloads) != 1 {
		t.Fatalf("expected one pushed payload, got %d", len(payloads))
	}
	var envelope struct {
		Type         string              `json:"type"`
		Notification models.Notification `json:"notification"`
	}
	if err := json.Unmarshal(payloads[0], &envelope); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if envelope.Type != "notification" || envelope.Notification.ID != notification.ID {
		t.Fatalf("unexpected envelope: %+v", envelope)
	}
}

func TestDispatchOfflineRecipientStillPersists(t *testing.T) {
	store := newTestStore(t)
	editor := createEditor(t, store, "Iris")
	pusher := &stubPusher{online: false}
	dispatcher := NewDispatcher(DispatcherConfig{
		Repository: store,
		Pusher:     pusher,
		Logger:     quietLogger(),
		Metrics:    metrics.New(),
	})

	if _, err := dispatcher.Dispatch(context.Background(), editor.Ref(), models.NotificationApproved, "Edit approved", ""); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	stored, err := dispatcher.List(context.Background(), editor.Ref(), true)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("expected persisted notification despite offline push, got %d", len(stored))
	}
	if len(pusher.pushed()) != 0 {
		t.Fatalf("expected no pushed payloads")
	}
}

func TestDispatchRejectsInvalidInput(t *testing.T) {
	store := newTestStore(t)
	editor := createEditor(t, store, "Theo")
	dispatcher := NewDispatcher(DispatcherConfig{
		Repository: store,
		Logger:     quietLogger(),
		Metrics:    metrics.New(),
	})

	if _, err := dispatcher.Dispatch(context.Background(), editor.Ref(), "party", "hello", ""); !errors.Is(err, storage.ErrValidation) {
		t.Fatalf("expected validation error for unknown type, got %v", err)
	}
	if _, err := dispatcher.Dispatch(context.Background(), editor.Ref(), models.NotificationPublished, "   ", ""); !errors.Is(err, storage.ErrValidation) {
		t.Fatalf("expected validation error for blank message, got %v", err)
	}
}

func TestTypeForDomainEvent(t *testing.T) {
	cases := []struct {
		kind string
		want models.NotificationType
		ok   bool
	}{
		{"video_assigned", models.NotificationAssignment, true},
		{" Video_Edited ", models.NotificationEditCompleted, true},
		{"revision_requested", models.NotificationRevisionRequested, true},
		{"video_approved", models.NotificationApproved, true},
		{"video_published", models.NotificationPublished, true},
		{"video_deleted", "", false},
	}
	for _, tc := range cases {
		got, message, ok := TypeForDomainEvent(tc.kind)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("TypeForDomainEvent(%q) = %q,%v want %q,%v", tc.kind, got, ok, tc.want, tc.ok)
		}
		if ok && message == "" {
			t.Fatalf("expected default message for %q", tc.kind)
		}
	}
}

func TestNewMessageEventNamesSender(t *testing.T) {
	recipient := models.ActorRef{ID: "e-1", Variant: models.VariantEditor}
	now := time.Now().UTC()

	event := NewMessageEvent(recipient, " Ava ", "conv-1", now)
	if event.Message != "New message from Ava" {
		t.Fatalf("unexpected message %q", event.Message)
	}
	if event.Type != models.NotificationNewMessage || event.Recipient != recipient {
		t.Fatalf("unexpected event %+v", event)
	}

	anonymous := NewMessageEvent(recipient, "  ", "conv-1", now)
	if anonymous.Message != "New message" {
		t.Fatalf("unexpected fallback message %q", anonymous.Message)
	}
}
