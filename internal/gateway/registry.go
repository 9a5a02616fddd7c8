package gateway

import (
	"sync"
	"time"

	"reelsync/internal/models"
)

// Sink is the registry's view of a live connection: a non-blocking payload
// push plus a way to terminate the transport when a newer session supersedes
// it. The registry is the only component allowed to hold one.
type Sink interface {
	Push(payload []byte) bool
	Terminate()
}

// PresenceNotifier receives register/unregister transitions. Wired to the
// Presence tracker after construction.
type PresenceNotifier interface {
	MarkOnline(ref models.ActorRef)
	MarkOffline(ref models.ActorRef)
}

type registryEntry struct {
	sink       Sink
	registered time.Time
}

// Registry maps each actor to at most one live connection. Registering a
// second connection for the same actor supersedes and terminates the first.
// It is the single piece of shared mutable state in the gateway; every access
// goes through its mutex.
type Registry struct {
	mu      sync.RWMutex
	entries map[models.ActorRef]registryEntry

	notifier PresenceNotifier
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[models.ActorRef]registryEntry)}
}

// SetNotifier installs the presence hook. Must be called before the first
// connection is accepted.
func (r *Registry) SetNotifier(notifier PresenceNotifier) {
	r.notifier = notifier
}

// Register installs the sink as the actor's live connection, terminating any
// prior one. The presence broadcast fires only on the offline→online edge.
func (r *Registry) Register(ref models.ActorRef, sink Sink) {
	r.mu.Lock()
	prior, existed := r.entries[ref]
	r.entries[ref] = registryEntry{sink: sink, registered: time.Now()}
	r.mu.Unlock()

	if existed && prior.sink != sink {
		prior.sink.Terminate()
	}
	if !existed && r.notifier != nil {
		r.notifier.MarkOnline(ref)
	}
}

// Unregister removes the actor's connection, but only when the caller's sink
// is still the current one. A superseded session unregistering late must not
// tear down its replacement.
func (r *Registry) Unregister(ref models.ActorRef, sink Sink) {
	r.mu.Lock()
	current, ok := r.entries[ref]
	if !ok || current.sink != sink {
		r.mu.Unlock()
		return
	}
	delete(r.entries, ref)
	r.mu.Unlock()

	if r.notifier != nil {
		r.notifier.MarkOffline(ref)
	}
}

// Send pushes a payload to the actor's live connection. Returns false when
// the actor is offline or the connection's buffer is full; both are silent
// non-errors on the delivery path.
func (r *Registry) Send(ref models.ActorRef, payload []byte) bool {
	r.mu.RLock()
	entry, ok := r.entries[ref]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return entry.sink.Push(payload)
}

// Online reports whether the actor currently holds a live connection.
func (r *Registry) Online(ref models.ActorRef) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[ref]
	return ok
}

// OnlineByID reports presence for a bare id by probing both populations. Ids
// are not globally unique, so a hit in either namespace counts.
func (r *Registry) OnlineByID(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, variant := range []models.ActorVariant{models.VariantCreator, models.VariantEditor} {
		if _, ok := r.entries[models.ActorRef{ID: id, Variant: variant}]; ok {
			return true
		}
	}
	return false
}

// SendByID pushes to whichever population's connection matches the bare id.
func (r *Registry) SendByID(id string, payload []byte) bool {
	r.mu.RLock()
	var sinks []Sink
	for _, variant := range []models.ActorVariant{models.VariantCreator, models.VariantEditor} {
		if entry, ok := r.entries[models.ActorRef{ID: id, Variant: variant}]; ok {
			sinks = append(sinks, entry.sink)
		}
	}
	r.mu.RUnlock()

	delivered := false
	for _, sink := range sinks {
		if sink.Push(payload) {
			delivered = true
		}
	}
	return delivered
}

// Broadcast pushes the payload to every live connection except the excluded
// actor.
func (r *Registry) Broadcast(exclude models.ActorRef, payload []byte) {
	r.mu.RLock()
	sinks := make([]Sink, 0, len(r.entries))
	for ref, entry := range r.entries {
		if ref == exclude {
			continue
		}
		sinks = append(sinks, entry.sink)
	}
	r.mu.RUnlock()

	for _, sink := range sinks {
		sink.Push(payload)
	}
}

// Snapshot returns the refs of every connected actor.
func (r *Registry) Snapshot() []models.ActorRef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	refs := make([]models.ActorRef, 0, len(r.entries))
	for ref := range r.entries {
		refs = append(refs, ref)
	}
	return refs
}

// Len reports the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Shutdown terminates every live connection. Called once at process exit;
// presence broadcasts are skipped since there is nobody left to tell.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	sinks := make([]Sink, 0, len(r.entries))
	for _, entry := range r.entries {
		sinks = append(sinks, entry.sink)
	}
	r.entries = make(map[models.ActorRef]registryEntry)
	r.mu.Unlock()

	for _, sink := range sinks {
		sink.Terminate()
	}
}
