package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"reelsync/internal/models"
	"reelsync/internal/observability/metrics"
	"reelsync/internal/storage"
)

// Pusher delivers a payload to an actor's live connection when one exists.
// Implemented by the gateway registry; the dispatcher never holds a transport
// handle itself.
type Pusher interface {
	Send(ref models.ActorRef, payload []byte) bool
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Repository storage.Repository
	Pusher     Pusher
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
}

// Dispatcher persists notifications and pushes them to online recipients.
// Persistence is the success criterion; the push is best-effort and its
// outcome is never surfaced to the caller.
type Dispatcher struct {
	repo    storage.Repository
	pusher  Pusher
	logger  *slog.Logger
	metrics *metrics.Recorder
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Dispatcher{
		repo:    cfg.Repository,
		pusher:  cfg.Pusher,
		logger:  logger,
		metrics: recorder,
	}
}

// Dispatch persists a notification and, when the recipient holds a live
// connection, pushes a notification envelope at it.
func (d *Dispatcher) Dispatch(ctx context.Context, recipient models.ActorRef, notificationType models.NotificationType, message, relatedID string) (models.Notification, error) {
	if _, err := models.ParseNotificationType(string(notificationType)); err != nil {
		return models.Notification{}, fmt.Errorf("%w: %v", storage.ErrValidation, err)
	}
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return models.Notification{}, fmt.Errorf("%w: notification message is required", storage.ErrValidation)
	}

	notification, err := d.repo.CreateNotification(ctx, storage.CreateNotificationParams{
		Recipient: recipient,
		Type:      notificationType,
		Message:   trimmed,
		RelatedID: strings.TrimSpace(relatedID),
	})
	if err != nil {
		return models.Notification{}, err
	}
	d.metrics.ObserveNotification(string(notificationType))

	d.push(notification)
	return notification, nil
}

func (d *Dispatcher) push(notification models.Notification) {
	if d.pusher == nil {
		return
	}
	payload, err := json.Marshal(struct {
		Type         string              `json:"type"`
		Notification models.Notification `json:"notification"`
	}{Type: "notification", Notification: notification})
	if err != nil {
		d.logger.Error("encode notification envelope", "error", err)
		return
	}
	if !d.pusher.Send(notification.Recipient, payload) {
		// Offline recipient. The notification waits in the store for the
		// next poll.
		d.logger.Debug("notification stored for offline recipient",
			"recipient", notification.Recipient.Key(),
			"type", notification.Type)
	}
}

// MarkRead flips a single notification to read after checking the caller owns
// it.
func (d *Dispatcher) MarkRead(ctx context.Context, id string, caller models.ActorRef) (models.Notification, error) {
	return d.repo.MarkNotificationRead(ctx, id, caller)
}

// MarkAllRead flips every unread notification belonging to the caller and
// reports how many changed.
func (d *Dispatcher) MarkAllRead(ctx context.Context, caller models.ActorRef) (int, error) {
	return d.repo.MarkAllNotificationsRead(ctx, caller)
}

// List returns the caller's notifications, optionally restricted to unread.
func (d *Dispatcher) List(ctx context.Context, caller models.ActorRef, unreadOnly bool) ([]models.Notification, error) {
	return d.repo.ListNotifications(ctx, caller, unreadOnly)
}

// TypeForDomainEvent maps a workflow event kind from the wire to its
// notification type and a default message template.
func TypeForDomainEvent(kind string) (models.NotificationType, string, bool) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "video_assigned":
		return models.NotificationAssignment, "You have been assigned a new video", true
	case "video_edited":
		return models.NotificationEditCompleted, "An edited video is ready for review", true
	case "revision_requested":
		return models.NotificationRevisionRequested, "A revision has been requested", true
	case "video_approved":
		return models.NotificationApproved, "Your edit has been approved", true
	case "video_published":
		return models.NotificationPublished, "A video you worked on has been published", true
	default:
		return "", "", false
	}
}

// NewMessageEvent builds the queue event the message router publishes after a
// successful send.
func NewMessageEvent(recipient models.ActorRef, senderName, relatedID string, occurredAt time.Time) Event {
	message := "New message"
	if trimmed := strings.TrimSpace(senderName); trimmed != "" {
		message = "New message from " + trimmed
	}
	return Event{
		Recipient:  recipient,
		Type:       models.NotificationNewMessage,
		Message:    message,
		RelatedID:  relatedID,
		OccurredAt: occurredAt,
	}
}
