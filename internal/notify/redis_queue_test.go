package notify

import (
	"context"
	"testing"
	"time"

	"reelsync/internal/models"
	"reelsync/internal/testsupport/redisstub"
)

func TestRedisQueueDeliversPublishedEvents(t *testing.T) {
	srv, err := redisstub.Start(redisstub.Options{})
	if err != nil {
		t.Fatalf("failed to start redis stub: %v", err)
	}
	t.Cleanup(func() {
		_ = srv.Close()
	})

	queue, err := NewRedisQueue(RedisQueueConfig{
		Addr:         srv.Addr(),
		Stream:       "test-notifications",
		Group:        "test-workers",
		BlockTimeout: 50 * time.Millisecond,
		Logger:       quietLogger(),
	})
	if err != nil {
		t.Fatalf("create queue: %v", err)
	}

	sub := queue.Subscribe()
	t.Cleanup(sub.Close)

	event := Event{
		Recipient:  models.ActorRef{ID: "editor-1", Variant: models.VariantEditor},
		Type:       models.NotificationAssignment,
		Message:    "You have been assigned a new video",
		RelatedID:  "video-4",
		OccurredAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := queue.Publish(context.Background(), event); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-sub.Events():
		if got.Recipient != event.Recipient || got.Type != event.Type || got.RelatedID != event.RelatedID {
			t.Fatalf("unexpected event: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
}

func TestRedisQueueRequeuesOnCancellation(t *testing.T) {
	srv, err := redisstub.Start(redisstub.Options{Password: "secret"})
	if err != nil {
		t.Fatalf("failed to start redis stub: %v", err)
	}
	t.Cleanup(func() {
		_ = srv.Close()
	})

	queue, err := NewRedisQueue(RedisQueueConfig{
		Addr:         srv.Addr(),
		Password:     "secret",
		Stream:       "test-notifications",
		Group:        "test-workers",
		BlockTimeout: 50 * time.Millisecond,
		Buffer:       1,
		Logger:       quietLogger(),
	})
	if err != nil {
		t.Fatalf("create queue: %v", err)
	}

	sub := queue.Subscribe()

	first := Event{
		Recipient:  models.ActorRef{ID: "editor-1", Variant: models.VariantEditor},
		Type:       models.NotificationNewMessage,
		Message:    "New message from Ava",
		RelatedID:  "conv-1",
		OccurredAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	second := first
	second.RelatedID = "conv-2"

	if err := queue.Publish(context.Background(), first); err != nil {
		t.Fatalf("publish first: %v", err)
	}
	if err := queue.Publish(context.Background(), second); err != nil {
		t.Fatalf("publish second: %v", err)
	}

	// The subscription buffer holds one event; the second stays in the
	// reader's hands until Close forces it back onto the stream.
	time.Sleep(150 * time.Millisecond)

	sub.Close()

	var drained []Event
	for evt := range sub.Events() {
		drained = append(drained, evt)
	}
	if len(drained) != 1 {
		t.Fatalf("expected 1 drained event, got %d", len(drained))
	}
	if drained[0].RelatedID != first.RelatedID {
		t.Fatalf("unexpected drained event: %+v", drained[0])
	}

	replacement := queue.Subscribe()
	t.Cleanup(replacement.Close)

	select {
	case got := <-replacement.Events():
		if got.RelatedID != second.RelatedID {
			t.Fatalf("unexpected event: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for requeued event")
	}
}
