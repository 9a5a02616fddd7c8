package gateway

import (
	"reelsync/internal/models"
)

// Presence broadcasts online/offline transitions, answers batched status
// queries, and relays ephemeral typing indicators. Nothing here is persisted;
// the registry is the single source of truth.
type Presence struct {
	registry *Registry
}

func NewPresence(registry *Registry) *Presence {
	presence := &Presence{registry: registry}
	registry.SetNotifier(presence)
	return presence
}

// MarkOnline announces the actor to every other live connection.
func (p *Presence) MarkOnline(ref models.ActorRef) {
	p.registry.Broadcast(ref, statusEnvelope(ref, StatusOnline))
}

// MarkOffline announces the departure to every remaining connection.
func (p *Presence) MarkOffline(ref models.ActorRef) {
	p.registry.Broadcast(ref, statusEnvelope(ref, StatusOffline))
}

// QueryStatuses answers a batched presence lookup without broadcasting.
// Unknown ids simply report offline.
func (p *Presence) QueryStatuses(actorIDs []string) map[string]string {
	statuses := make(map[string]string, len(actorIDs))
	for _, id := range actorIDs {
		if id == "" {
			continue
		}
		if p.registry.OnlineByID(id) {
			statuses[id] = StatusOnline
		} else {
			statuses[id] = StatusOffline
		}
	}
	return statuses
}

// RelayTyping forwards a typing indicator to the recipient's live connection.
// Offline recipients drop it silently; typing state has no catch-up
// semantics.
func (p *Presence) RelayTyping(sender models.ActorRef, recipientID string, isTyping bool) {
	if recipientID == "" {
		return
	}
	p.registry.SendByID(recipientID, typingEnvelope(sender, isTyping))
}
