package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"reelsync/internal/identity"
	"reelsync/internal/models"
	"reelsync/internal/notify"
	"reelsync/internal/observability/metrics"
	"reelsync/internal/storage"
)

// TokenVerifier resolves a session token to the actor it belongs to.
// Credential issuance itself lives outside this subsystem.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (models.ActorRef, error)
}

// ErrAuthRequired is sent back while a connection is still unauthenticated.
var ErrAuthRequired = errors.New("authentication required")

// GatewayConfig configures a Gateway.
type GatewayConfig struct {
	Registry *Registry
	Router   *Router
	Presence *Presence
	Resolver *identity.Resolver
	Queue    notify.Queue
	Verifier TokenVerifier
	Logger   *slog.Logger
	Metrics  *metrics.Recorder

	// TrustActorIDs lets an auth envelope carry a bare actorId instead of a
	// token. Meant for development and tests behind a trusted proxy.
	TrustActorIDs bool

	// HeartbeatInterval controls ping cadence. Zero disables heartbeats.
	HeartbeatInterval time.Duration
	// IdleTimeout reaps connections with no inbound frames. Defaults to
	// three missed heartbeats.
	IdleTimeout time.Duration
	// AuthAttemptLimit closes the connection after this many failed auth
	// envelopes. Defaults to 3.
	AuthAttemptLimit int
}

// Gateway terminates websocket connections and walks each one through the
// Open → Authenticated → Closed state machine, dispatching envelopes to the
// router, presence tracker, and notification queue.
type Gateway struct {
	registry *Registry
	router   *Router
	presence *Presence
	resolver *identity.Resolver
	queue    notify.Queue
	verifier TokenVerifier
	logger   *slog.Logger
	metrics  *metrics.Recorder

	trustActorIDs     bool
	heartbeatInterval time.Duration
	idleTimeout       time.Duration
	authAttemptLimit  int
}

func NewGateway(cfg GatewayConfig) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	idle := cfg.IdleTimeout
	if idle <= 0 && cfg.HeartbeatInterval > 0 {
		idle = 3 * cfg.HeartbeatInterval
	}
	limit := cfg.AuthAttemptLimit
	if limit <= 0 {
		limit = 3
	}
	return &Gateway{
		registry:          cfg.Registry,
		router:            cfg.Router,
		presence:          cfg.Presence,
		resolver:          cfg.Resolver,
		queue:             cfg.Queue,
		verifier:          cfg.Verifier,
		logger:            logger,
		metrics:           recorder,
		trustActorIDs:     cfg.TrustActorIDs,
		heartbeatInterval: cfg.HeartbeatInterval,
		idleTimeout:       idle,
		authAttemptLimit:  limit,
	}
}

// HandleConnection upgrades the request and starts the per-connection
// goroutines. The connection starts in the Open state; nothing is registered
// until the auth handshake completes.
func (g *Gateway) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := Accept(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// The request context dies the moment ServeHTTP returns, which for a
	// hijacked connection is immediately. The session owns its own context;
	// closing the transport is what ends the loops.
	ctx, cancel := context.WithCancel(context.Background())

	s := &session{
		gateway: g,
		conn:    conn,
		send:    make(chan []byte, 16),
		done:    make(chan struct{}),
		cancel:  cancel,
	}

	go s.writeLoop()
	if g.heartbeatInterval > 0 {
		go s.heartbeatLoop(ctx, g.heartbeatInterval)
	}
	go s.readLoop(ctx)
}

func (g *Gateway) authenticate(ctx context.Context, env inboundEnvelope) (models.ActorRef, error) {
	if token := strings.TrimSpace(env.Token); token != "" && g.verifier != nil {
		return g.verifier.Verify(ctx, token)
	}
	if actorID := strings.TrimSpace(env.ActorID); actorID != "" && g.trustActorIDs {
		return g.resolver.ResolveRef(ctx, actorID)
	}
	return models.ActorRef{}, ErrAuthRequired
}

// PublishDomainEvent validates a workflow event and hands it to the
// notification queue. Shared by the websocket dispatch and the REST intake.
func (g *Gateway) PublishDomainEvent(ctx context.Context, kind, recipientID, message, relatedID string) error {
	notificationType, defaultMessage, ok := notify.TypeForDomainEvent(kind)
	if !ok {
		return fmt.Errorf("%w: unknown event kind %q", storage.ErrValidation, kind)
	}
	recipient, err := g.resolver.ResolveRef(ctx, recipientID)
	if err != nil {
		return err
	}
	if strings.TrimSpace(message) == "" {
		message = defaultMessage
	}
	if g.queue == nil {
		return fmt.Errorf("%w: notification queue is not configured", storage.ErrUnavailable)
	}
	return g.queue.Publish(ctx, notify.Event{
		Recipient:  recipient,
		Type:       notificationType,
		Message:    strings.TrimSpace(message),
		RelatedID:  strings.TrimSpace(relatedID),
		OccurredAt: time.Now().UTC(),
	})
}

type session struct {
	gateway *Gateway
	conn    *Conn
	send    chan []byte
	done    chan struct{}
	cancel  context.CancelFunc

	closeOnce sync.Once

	mu            sync.Mutex
	authenticated bool
	ref           models.ActorRef
	profile       identity.Profile
	authFailures  int
}

// Push implements Sink with a non-blocking send. A full buffer drops the
// payload rather than stalling the sender's goroutine.
func (s *session) Push(payload []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- payload:
		return true
	case <-s.done:
		return false
	default:
		return false
	}
}

// Terminate implements Sink. Called by the registry when a newer connection
// supersedes this one.
func (s *session) Terminate() {
	s.close()
}

func (s *session) writeLoop() {
	defer s.close()
	for {
		select {
		case <-s.done:
			return
		case payload := <-s.send:
			if err := s.conn.WriteText(payload); err != nil {
				return
			}
		}
	}
}

func (s *session) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			if s.gateway.idleTimeout > 0 && time.Since(s.conn.LastActivity()) > s.gateway.idleTimeout {
				s.gateway.logger.Info("reaping idle connection", "actor", s.actorKey())
				s.close()
				return
			}
			if err := s.conn.Ping(nil); err != nil {
				s.close()
				return
			}
			s.Push(marshalEnvelope(outboundEnvelope{Type: TypePing}))
		}
	}
}

func (s *session) readLoop(ctx context.Context) {
	defer s.close()
	for {
		payload, err := s.conn.ReadMessage(ctx)
		if err != nil {
			return
		}
		s.handleEnvelope(ctx, payload)
	}
}

func (s *session) handleEnvelope(ctx context.Context, payload []byte) {
	var env inboundEnvelope
	if err := unmarshalEnvelope(payload, &env); err != nil {
		s.sendError("", "invalid payload")
		return
	}
	s.gateway.metrics.ObserveGatewayEvent(env.Type)

	s.mu.Lock()
	authenticated := s.authenticated
	ref := s.ref
	s.mu.Unlock()

	if !authenticated {
		if env.Type != TypeAuth {
			s.sendError(env.CorrelationID, "authentication required")
			return
		}
		s.handleAuth(ctx, env)
		return
	}

	switch env.Type {
	case TypeAuth:
		s.sendError("", "already authenticated")
	case TypeMessage:
		s.handleMessage(ctx, ref, env)
	case TypeTyping:
		s.gateway.presence.RelayTyping(ref, env.RecipientID, env.IsTyping)
	case TypeGetUserStatus:
		statuses := s.gateway.presence.QueryStatuses(env.ActorIDs)
		s.Push(marshalEnvelope(outboundEnvelope{Type: TypeUserStatuses, Statuses: statuses}))
	case EventVideoAssigned, EventVideoEdited, EventRevisionRequested, EventVideoApproved, EventVideoPublished:
		s.handleDomainEvent(ctx, env)
	default:
		s.sendError(env.CorrelationID, "unknown event type")
	}
}

func (s *session) handleAuth(ctx context.Context, env inboundEnvelope) {
	ref, err := s.gateway.authenticate(ctx, env)
	if err == nil {
		var profile identity.Profile
		profile, err = s.gateway.resolver.ProfileFor(ctx, ref)
		if err == nil {
			s.mu.Lock()
			s.authenticated = true
			s.ref = ref
			s.profile = profile
			s.mu.Unlock()

			s.gateway.registry.Register(ref, s)
			s.gateway.metrics.ConnectionOpened()
			s.Push(marshalEnvelope(outboundEnvelope{Type: TypeAuthSuccess}))
			return
		}
	}

	s.mu.Lock()
	s.authFailures++
	failures := s.authFailures
	s.mu.Unlock()

	s.sendError("", "authentication failed")
	if failures >= s.gateway.authAttemptLimit {
		s.gateway.logger.Warn("closing connection after repeated auth failures", "attempts", failures)
		// Give the write loop a moment to flush the error envelope.
		time.AfterFunc(100*time.Millisecond, s.close)
	}
}

func (s *session) handleMessage(ctx context.Context, sender models.ActorRef, env inboundEnvelope) {
	message, err := s.gateway.router.Route(ctx, sender, env.RecipientID, env.Content, env.CorrelationID)
	if err != nil {
		s.sendError(env.CorrelationID, userFacingError(err))
		return
	}

	s.mu.Lock()
	profile := s.profile
	s.mu.Unlock()

	s.Push(marshalEnvelope(outboundEnvelope{
		Type:          TypeMessageSent,
		CorrelationID: env.CorrelationID,
		Message: &MessagePayload{
			Message:       message,
			Sender:        profile,
			IsCurrentUser: true,
		},
	}))
}

func (s *session) handleDomainEvent(ctx context.Context, env inboundEnvelope) {
	if err := s.gateway.PublishDomainEvent(ctx, env.Type, env.RecipientID, env.Message, env.RelatedID); err != nil {
		s.sendError(env.CorrelationID, userFacingError(err))
	}
}

func (s *session) sendError(correlationID, message string) {
	s.Push(errorEnvelope(correlationID, message))
}

func (s *session) actorKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.authenticated {
		return "unauthenticated"
	}
	return s.ref.Key()
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		authenticated := s.authenticated
		ref := s.ref
		s.mu.Unlock()

		if authenticated {
			s.gateway.registry.Unregister(ref, s)
			s.gateway.metrics.ConnectionClosed()
		}
		_ = s.conn.Close()
		if s.cancel != nil {
			s.cancel()
		}
	})
}

func userFacingError(err error) string {
	switch {
	case errors.Is(err, storage.ErrValidation):
		return trimSentinel(err.Error(), "validation failed")
	case errors.Is(err, storage.ErrNotFound):
		return trimSentinel(err.Error(), "not found")
	case errors.Is(err, storage.ErrForbidden):
		return trimSentinel(err.Error(), "forbidden")
	case errors.Is(err, storage.ErrUnavailable):
		return "storage temporarily unavailable, retry"
	default:
		return "internal error"
	}
}

func trimSentinel(message, fallback string) string {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return fallback
	}
	return trimmed
}
