package storage

import (
	"context"
	"errors"
	"time"

	"reelsync/internal/models"
)

// Sentinel errors shared by every repository driver. Callers classify
// failures with errors.Is and map them onto transport-level responses.
var (
	ErrNotFound    = errors.New("not found")
	ErrForbidden   = errors.New("forbidden")
	ErrValidation  = errors.New("invalid request")
	ErrUnavailable = errors.New("datastore unavailable")
)

// CreateActorParams captures the attributes set when registering an actor in
// either population.
type CreateActorParams struct {
	Variant     models.ActorVariant
	DisplayName string
	Handle      string
	AvatarURL   string
	Email       string
	Password    string
}

// AppendMessageParams captures a validated message prior to persistence.
type AppendMessageParams struct {
	Sender   models.ActorRef
	Receiver models.ActorRef
	Content  string
}

// ConversationSummary is the listing row returned to clients painting a
// conversation list: the thread, its partner profile fields, the last message
// and the caller's unread count.
type ConversationSummary struct {
	Conversation models.Conversation `json:"conversation"`
	Partner      models.Actor        `json:"partner"`
	LastMessage  *models.Message     `json:"lastMessage,omitempty"`
	UnreadCount  int                 `json:"unreadCount"`
}

// CreateNotificationParams captures a notification prior to persistence.
type CreateNotificationParams struct {
	Recipient models.ActorRef
	Type      models.NotificationType
	Message   string
	RelatedID string
}

// Repository exposes the datastore operations required by the gateway,
// notification dispatcher, and REST fallback handlers.
type Repository interface {
	Ping(ctx context.Context) error

	CreateActor(ctx context.Context, params CreateActorParams) (models.Actor, error)
	AuthenticateActor(ctx context.Context, email, password string) (models.Actor, error)
	GetActor(ctx context.Context, ref models.ActorRef) (models.Actor, bool)
	// LookupActor resolves a bare id by probing the creator population first
	// and the editor population second.
	LookupActor(ctx context.Context, id string) (models.Actor, bool)
	SearchActors(ctx context.Context, query string, limit int) ([]models.Actor, error)

	FindOrCreateConversation(ctx context.Context, a, b models.ActorRef) (models.Conversation, error)
	GetConversation(ctx context.Context, id string) (models.Conversation, bool)
	ListConversations(ctx context.Context, caller models.ActorRef) ([]ConversationSummary, error)
	ArchiveConversation(ctx context.Context, id string, caller models.ActorRef) error

	AppendMessage(ctx context.Context, params AppendMessageParams) (models.Message, error)
	ListMessages(ctx context.Context, caller, partner models.ActorRef) ([]models.Message, error)
	MarkConversationRead(ctx context.Context, caller, partner models.ActorRef) (int, error)
	UnreadCount(ctx context.Context, caller, partner models.ActorRef) (int, error)

	CreateNotification(ctx context.Context, params CreateNotificationParams) (models.Notification, error)
	ListNotifications(ctx context.Context, recipient models.ActorRef, unreadOnly bool) ([]models.Notification, error)
	MarkNotificationRead(ctx context.Context, id string, caller models.ActorRef) (models.Notification, error)
	MarkAllNotificationsRead(ctx context.Context, recipient models.ActorRef) (int, error)
	PurgeExpiredNotifications(ctx context.Context, cutoff time.Time) (int, error)
}
