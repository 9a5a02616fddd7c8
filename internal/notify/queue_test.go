package notify

import (
	"context"
	"testing"
	"time"

	"reelsync/internal/models"
)

func testEvent(id string) Event {
	return Event{
		Recipient:  models.ActorRef{ID: "e-1", Variant: models.VariantEditor},
		Type:       models.NotificationNewMessage,
		Message:    "New message",
		RelatedID:  id,
		OccurredAt: time.Now().UTC(),
	}
}

func TestMemoryQueueFansOutToAllSubscribers(t *testing.T) {
	queue := NewMemoryQueue(4)
	first := queue.Subscribe()
	second := queue.Subscribe()
	t.Cleanup(first.Close)
	t.Cleanup(second.Close)

	if err := queue.Publish(context.Background(), testEvent("conv-1")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	for _, sub := range []Subscription{first, second} {
		select {
		case got := <-sub.Events():
			if got.RelatedID != "conv-1" {
				t.Fatalf("unexpected event %+v", got)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event")
		}
	}
}

func TestMemoryQueueDropsWhenSubscriberFull(t *testing.T) {
	queue := NewMemoryQueue(1)
	sub := queue.Subscribe()
	t.Cleanup(sub.Close)

	if err := queue.Publish(context.Background(), testEvent("conv-1")); err != nil {
		t.Fatalf("Publish first: %v", err)
	}
	if err := queue.Publish(context.Background(), testEvent("conv-2")); err != nil {
		t.Fatalf("Publish second: %v", err)
	}

	select {
	case got := <-sub.Events():
		if got.RelatedID != "conv-1" {
			t.Fatalf("expected first event, got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for first event")
	}
	select {
	case got := <-sub.Events():
		t.Fatalf("expected overflow event dropped, got %+v", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryQueueRejectsUntypedEvents(t *testing.T) {
	queue := NewMemoryQueue(1)
	if err := queue.Publish(context.Background(), Event{Message: "no type"}); err == nil {
		t.Fatalf("expected error for event without type")
	}
}

func TestMemoryQueueClosedSubscriberStopsReceiving(t *testing.T) {
	queue := NewMemoryQueue(1)
	sub := queue.Subscribe()
	sub.Close()
	sub.Close()

	if err := queue.Publish(context.Background(), testEvent("conv-1")); err != nil {
		t.Fatalf("Publish after close: %v", err)
	}
	if _, open := <-sub.Events(); open {
		t.Fatalf("expected closed event channel")
	}
}
