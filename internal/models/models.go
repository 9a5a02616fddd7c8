package models

import (
	"fmt"
	"strings"
	"time"
)

// ActorVariant distinguishes the two disjoint user populations. Identifiers
// are only unique within a variant, so every reference to an actor carries
// its variant alongside the id.
type ActorVariant string

const (
	VariantCreator ActorVariant = "creator"
	VariantEditor  ActorVariant = "editor"
)

// ParseActorVariant validates a wire-supplied variant string.
func ParseActorVariant(value string) (ActorVariant, error) {
	switch ActorVariant(strings.ToLower(strings.TrimSpace(value))) {
	case VariantCreator:
		return VariantCreator, nil
	case VariantEditor:
		return VariantEditor, nil
	default:
		return "", fmt.Errorf("unknown actor variant %q", value)
	}
}

// ActorRef is the (id, variant) pair passed through the messaging pipeline
// once an actor has been resolved at the identity boundary.
type ActorRef struct {
	ID      string       `json:"id"`
	Variant ActorVariant `json:"variant"`
}

// Key returns a stable string form used as a map key and for pair
// normalization.
func (r ActorRef) Key() string {
	return string(r.Variant) + ":" + r.ID
}

// IsZero reports whether the reference is unset.
func (r ActorRef) IsZero() bool {
	return r.ID == "" && r.Variant == ""
}

// Less orders references lexicographically by (variant, id). Used to
// normalize unordered participant pairs.
func (r ActorRef) Less(other ActorRef) bool {
	if r.Variant != other.Variant {
		return r.Variant < other.Variant
	}
	return r.ID < other.ID
}

type Actor struct {
	ID           string       `json:"id"`
	Variant      ActorVariant `json:"variant"`
	DisplayName  string       `json:"displayName"`
	Handle       string       `json:"handle"`
	AvatarURL    string       `json:"avatarUrl,omitempty"`
	Email        string       `json:"email"`
	PasswordHash string       `json:"passwordHash,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
}

// Ref returns the actor's reference pair.
func (a Actor) Ref() ActorRef {
	return ActorRef{ID: a.ID, Variant: a.Variant}
}

// Conversation is the single thread between exactly two actors. Participants
// are stored normalized: ParticipantA orders before ParticipantB, so any
// unordered pair maps to exactly one stored record.
type Conversation struct {
	ID            string    `json:"id"`
	ParticipantA  ActorRef  `json:"participantA"`
	ParticipantB  ActorRef  `json:"participantB"`
	LastMessageID string    `json:"lastMessageId,omitempty"`
	Archived      bool      `json:"archived"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// PairKey derives the normalized participant-pair key for an unordered pair
// of actor references. The same key results regardless of argument order.
func PairKey(a, b ActorRef) string {
	if b.Less(a) {
		a, b = b, a
	}
	return a.Key() + "|" + b.Key()
}

// Involves reports whether the given actor participates in the conversation.
func (c Conversation) Involves(ref ActorRef) bool {
	return c.ParticipantA == ref || c.ParticipantB == ref
}

// Partner returns the other participant from the perspective of ref.
func (c Conversation) Partner(ref ActorRef) (ActorRef, bool) {
	switch ref {
	case c.ParticipantA:
		return c.ParticipantB, true
	case c.ParticipantB:
		return c.ParticipantA, true
	default:
		return ActorRef{}, false
	}
}

// Message is a directed chat message, immutable once created except for the
// read flag. Seq is the per-process insertion sequence assigned by the store;
// it breaks ties between messages sharing a creation timestamp.
type Message struct {
	ID        string    `json:"id"`
	Sender    ActorRef  `json:"sender"`
	Receiver  ActorRef  `json:"receiver"`
	Content   string    `json:"content"`
	Read      bool      `json:"read"`
	Seq       uint64    `json:"seq"`
	CreatedAt time.Time `json:"createdAt"`
}

// NotificationType enumerates the domain events that produce notifications.
type NotificationType string

const (
	NotificationAssignment        NotificationType = "assignment"
	NotificationEditCompleted     NotificationType = "edit_completed"
	NotificationRevisionRequested NotificationType = "revision_requested"
	NotificationApproved          NotificationType = "approved"
	NotificationPublished         NotificationType = "published"
	NotificationNewMessage        NotificationType = "new_message"
)

// ParseNotificationType validates a wire-supplied notification type.
func ParseNotificationType(value string) (NotificationType, error) {
	switch NotificationType(strings.ToLower(strings.TrimSpace(value))) {
	case NotificationAssignment:
		return NotificationAssignment, nil
	case NotificationEditCompleted:
		return NotificationEditCompleted, nil
	case NotificationRevisionRequested:
		return NotificationRevisionRequested, nil
	case NotificationApproved:
		return NotificationApproved, nil
	case NotificationPublished:
		return NotificationPublished, nil
	case NotificationNewMessage:
		return NotificationNewMessage, nil
	default:
		return "", fmt.Errorf("unknown notification type %q", value)
	}
}

// Notification is a one-shot directed notice. CreatedAt determines a hard
// expiry: records older than the retention window are deleted, not
// soft-hidden.
type Notification struct {
	ID        string           `json:"id"`
	Recipient ActorRef         `json:"recipient"`
	Type      NotificationType `json:"type"`
	Message   string           `json:"message"`
	RelatedID string           `json:"relatedId,omitempty"`
	Read      bool             `json:"read"`
	CreatedAt time.Time        `json:"createdAt"`
}

// Expired reports whether the notification has outlived the retention window
// at the supplied instant.
func (n Notification) Expired(now time.Time, window time.Duration) bool {
	if window <= 0 {
		return false
	}
	return !now.Before(n.CreatedAt.Add(window))
}
