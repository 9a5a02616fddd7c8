package notify

import (
	"context"
	"testing"
	"time"

	"reelsync/internal/models"
)

func TestWorkerDispatchesQueuedEvents(t *testing.T) {
	store := newTestStore(t)
	editor := createEditor(t, store, "Mara")
	pusher := &stubPusher{online: true}
	dispatcher := NewDispatcher(DispatcherConfig{
		Repository: store,
		Pusher:     pusher,
		Logger:     quietLogger(),
	})
	queue := NewMemoryQueue(8)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	worker := NewWorker(queue, dispatcher, quietLogger())
	go worker.Run(ctx)

	// Subscribe happens inside Run; give the goroutine a beat to attach.
	time.Sleep(50 * time.Millisecond)

	event := NewMessageEvent(editor.Ref(), "Ava", "conv-1", time.Now().UTC())
	if err := queue.Publish(context.Background(), event); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		stored, err := dispatcher.List(context.Background(), editor.Ref(), false)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(stored) == 1 {
			if stored[0].Type != models.NotificationNewMessage || stored[0].Message != "New message from Ava" {
				t.Fatalf("unexpected notification %+v", stored[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for worker dispatch")
		}
		time.Sleep(20 * time.Millisecond)
	}

	if len(pusher.pushed()) != 1 {
		t.Fatalf("expected one pushed payload, got %d", len(pusher.pushed()))
	}
}

func TestWorkerSurvivesDispatchFailure(t *testing.T) {
	store := newTestStore(t)
	editor := createEditor(t, store, "Remy")
	dispatcher := NewDispatcher(DispatcherConfig{
		Repository: store,
		Logger:     quietLogger(),
	})
	queue := NewMemoryQueue(8)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	worker := NewWorker(queue, dispatcher, quietLogger())
	go worker.Run(ctx)

	time.Sleep(50 * time.Millisecond)

	// Blank message fails validation inside Dispatch; the worker drops it.
	bad := Event{Recipient: editor.Ref(), Type: models.NotificationApproved, Message: "   "}
	if err := queue.Publish(context.Background(), bad); err != nil {
		t.Fatalf("Publish bad: %v", err)
	}
	good := Event{Recipient: editor.Ref(), Type: models.NotificationApproved, Message: "Edit approved"}
	if err := queue.Publish(context.Background(), good); err != nil {
		t.Fatalf("Publish good: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		stored, err := dispatcher.List(context.Background(), editor.Ref(), false)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(stored) == 1 && stored[0].Message == "Edit approved" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for surviving dispatch, stored=%d", len(stored))
		}
		time.Sleep(20 * time.Millisecond)
	}
}
