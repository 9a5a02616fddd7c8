package gateway

import (
	"sync"
	"testing"

	"reelsync/internal/models"
)

type stubSink struct {
	mu         sync.Mutex
	payloads   [][]byte
	terminated bool
	full       bool
}

func (s *stubSink) Push(payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full {
		return false
	}
	s.payloads = append(s.payloads, payload)
	return true
}

func (s *stubSink) Terminate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminated = true
}

func (s *stubSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

func (s *stubSink) wasTerminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated
}

func TestRegistrySupersedesPriorConnection(t *testing.T) {
	registry := NewRegistry()
	ref := models.ActorRef{ID: "creator-1", Variant: models.VariantCreator}

	first := &stubSink{}
	second := &stubSink{}
	registry.Register(ref, first)
	registry.Register(ref, second)

	if !first.wasTerminated() {
		t.Fatal("superseded connection was not terminated")
	}
	if !registry.Online(ref) {
		t.Fatal("actor should remain online after supersede")
	}

	registry.Send(ref, []byte("hello"))
	if second.count() != 1 {
		t.Fatalf("expected delivery to the newer connection, got %d", second.count())
	}
	if first.count() != 0 {
		t.Fatal("stale connection received a payload")
	}
}

func TestRegistryUnregisterIgnoresStaleSink(t *testing.T) {
	registry := NewRegistry()
	ref := models.ActorRef{ID: "creator-1", Variant: models.VariantCreator}

	first := &stubSink{}
	second := &stubSink{}
	registry.Register(ref, first)
	registry.Register(ref, second)

	// The superseded session unregisters late; the live one must survive.
	registry.Unregister(ref, first)
	if !registry.Online(ref) {
		t.Fatal("stale unregister removed the live connection")
	}

	registry.Unregister(ref, second)
	if registry.Online(ref) {
		t.Fatal("actor still online after its own unregister")
	}
}

func TestRegistryBroadcastExcludesActor(t *testing.T) {
	registry := NewRegistry()
	creator := models.ActorRef{ID: "creator-1", Variant: models.VariantCreator}
	editor := models.ActorRef{ID: "editor-1", Variant: models.VariantEditor}

	creatorSink := &stubSink{}
	editorSink := &stubSink{}
	registry.Register(creator, creatorSink)
	registry.Register(editor, editorSink)

	registry.Broadcast(creator, []byte("status"))
	if creatorSink.count() != 0 {
		t.Fatal("broadcast delivered to the excluded actor")
	}
	if editorSink.count() != 1 {
		t.Fatalf("expected one delivery to the editor, got %d", editorSink.count())
	}
}

func TestRegistrySendByIDProbesBothPopulations(t *testing.T) {
	registry := NewRegistry()
	editor := models.ActorRef{ID: "shared-id", Variant: models.VariantEditor}
	sink := &stubSink{}
	registry.Register(editor, sink)

	if !registry.SendByID("shared-id", []byte("x")) {
		t.Fatal("SendByID missed a connected editor")
	}
	if registry.SendByID("absent", []byte("x")) {
		t.Fatal("SendByID claimed delivery to an absent actor")
	}
	if !registry.OnlineByID("shared-id") || registry.OnlineByID("absent") {
		t.Fatal("OnlineByID mismatch")
	}
}

func TestRegistryPresenceEdges(t *testing.T) {
	registry := NewRegistry()
	notifier := &recordingNotifier{}
	registry.SetNotifier(notifier)
	ref := models.ActorRef{ID: "creator-1", Variant: models.VariantCreator}

	first := &stubSink{}
	second := &stubSink{}
	registry.Register(ref, first)
	// A supersede is not an offline/online transition.
	registry.Register(ref, second)
	registry.Unregister(ref, second)

	if got := notifier.onlineCount(); got != 1 {
		t.Fatalf("expected 1 online edge, got %d", got)
	}
	if got := notifier.offlineCount(); got != 1 {
		t.Fatalf("expected 1 offline edge, got %d", got)
	}
}

type recordingNotifier struct {
	mu      sync.Mutex
	online  int
	offline int
}

func (n *recordingNotifier) MarkOnline(models.ActorRef) {
	n.mu.Lock()
	n.online++
	n.mu.Unlock()
}

func (n *recordingNotifier) MarkOffline(models.ActorRef) {
	n.mu.Lock()
	n.offline++
	n.mu.Unlock()
}

func (n *recordingNotifier) onlineCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.online
}

func (n *recordingNotifier) offlineCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.offline
}
