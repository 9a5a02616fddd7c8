package gateway

import (
	"context"
	"log/slog"
	"time"

	"reelsync/internal/identity"
	"reelsync/internal/models"
	"reelsync/internal/notify"
	"reelsync/internal/observability/metrics"
	"reelsync/internal/storage"
)

// RouterConfig configures a message Router.
type RouterConfig struct {
	Repository storage.Repository
	Resolver   *identity.Resolver
	Registry   *Registry
	Queue      notify.Queue
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
}

// Router validates, persists, and delivers chat messages. Both the websocket
// path and the REST fallback go through Route, so push and poll clients
// observe the same store state.
type Router struct {
	repo     storage.Repository
	resolver *identity.Resolver
	registry *Registry
	queue    notify.Queue
	logger   *slog.Logger
	metrics  *metrics.Recorder
}

func NewRouter(cfg RouterConfig) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Router{
		repo:     cfg.Repository,
		resolver: cfg.Resolver,
		registry: cfg.Registry,
		queue:    cfg.Queue,
		logger:   logger,
		metrics:  recorder,
	}
}

// Route persists a message from sender to the actor behind recipientID and
// delivers it to the recipient's live connection when one exists. The
// returned message is the durable record the caller acks with; an offline
// recipient is not an error.
func (r *Router) Route(ctx context.Context, sender models.ActorRef, recipientID, content, correlationID string) (models.Message, error) {
	recipient, err := r.resolver.ResolveRef(ctx, recipientID)
	if err != nil {
		return models.Message{}, err
	}

	senderProfile, err := r.resolver.ProfileFor(ctx, sender)
	if err != nil {
		return models.Message{}, err
	}

	message, err := r.repo.AppendMessage(ctx, storage.AppendMessageParams{
		Sender:   sender,
		Receiver: recipient,
		Content:  content,
	})
	if err != nil {
		return models.Message{}, err
	}

	delivered := r.pushToRecipient(recipient, senderProfile, message)
	if delivered {
		r.metrics.ObserveRoutedMessage("pushed")
	} else {
		r.metrics.ObserveRoutedMessage("stored")
	}

	r.publishNotification(recipient, senderProfile, message)

	if correlationID != "" {
		r.logger.Debug("message routed",
			"sender", sender.Key(),
			"recipient", recipient.Key(),
			"correlation_id", correlationID,
			"delivered", delivered)
	}
	return message, nil
}

func (r *Router) pushToRecipient(recipient models.ActorRef, sender identity.Profile, message models.Message) bool {
	if r.registry == nil {
		return false
	}
	payload := marshalEnvelope(outboundEnvelope{
		Type: TypeNewMessage,
		Message: &MessagePayload{
			Message:       message,
			Sender:        sender,
			IsCurrentUser: false,
		},
	})
	return r.registry.Send(recipient, payload)
}

// publishNotification hands the new-message notification to the queue.
// Failures are logged and swallowed; they must never fail the send.
func (r *Router) publishNotification(recipient models.ActorRef, sender identity.Profile, message models.Message) {
	if r.queue == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	event := notify.NewMessageEvent(recipient, sender.DisplayName, message.ID, message.CreatedAt)
	if err := r.queue.Publish(ctx, event); err != nil {
		r.metrics.ObserveQueueEvent("publish_failed")
		r.logger.Warn("failed to publish new-message notification",
			"recipient", recipient.Key(),
			"error", err)
		return
	}
	r.metrics.ObserveQueueEvent("published")
}
