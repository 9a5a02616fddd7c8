// Package auth issues and validates session tokens for gateway and REST
// callers. Tokens are opaque random strings; only their SHA-256 digest ever
// reaches a backing store.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"reelsync/internal/models"
)

// SessionStore defines the persistence contract for session tokens. The token
// argument is always the hashed form.
type SessionStore interface {
	Save(token string, actor models.ActorRef, expiresAt, absoluteExpiresAt time.Time) error
	Get(token string) (SessionRecord, bool, error)
	Delete(token string) error
	PurgeExpired(now time.Time) error
}

// SessionRecord captures a session row retrieved from the backing store.
type SessionRecord struct {
	Token             string
	Actor             models.ActorRef
	ExpiresAt         time.Time
	AbsoluteExpiresAt time.Time
}

// SessionOption configures a SessionManager instance.
type SessionOption func(*SessionManager)

// WithStore injects a custom SessionStore implementation.
func WithStore(store SessionStore) SessionOption {
	return func(m *SessionManager) {
		m.store = store
	}
}

// WithTokenLength sets the token length used for newly created sessions.
func WithTokenLength(length int) SessionOption {
	return func(m *SessionManager) {
		if length > 0 {
			m.tokenLength = length
		}
	}
}

// WithIdleTimeout enables idle session expiration. When set, Validate
// refreshes the session expiry up to the absolute TTL.
func WithIdleTimeout(timeout time.Duration) SessionOption {
	return func(m *SessionManager) {
		if timeout > 0 {
			m.idleTimeout = timeout
		}
	}
}

// SessionManager coordinates session creation and validation against a
// backing store.
type SessionManager struct {
	store        SessionStore
	absoluteTTL  time.Duration
	idleTimeout  time.Duration
	tokenLength  int
	tokenFactory func(int) (string, error)
}

// NewSessionManager constructs a SessionManager with the provided absolute TTL
// and options. It defaults to a 7-day TTL and an in-memory store when no store
// is supplied.
func NewSessionManager(ttl time.Duration, opts ...SessionOption) *SessionManager {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	manager := &SessionManager{
		absoluteTTL:  ttl,
		tokenLength:  32,
		tokenFactory: generateToken,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(manager)
		}
	}
	if manager.store == nil {
		manager.store = NewMemorySessionStore()
	}
	return manager
}

// Create issues a new session token for the provided actor. The returned
// token is the plaintext handed to the client; the store only sees its hash.
func (m *SessionManager) Create(actor models.ActorRef) (string, time.Time, error) {
	if actor.IsZero() {
		return "", time.Time{}, ErrInvalidActor
	}
	token, hashed, err := generateHashedSessionToken(m.tokenFactory, m.tokenLength)
	if err != nil {
		return "", time.Time{}, err
	}
	now := time.Now()
	absoluteExpiresAt := now.Add(m.absoluteTTL)
	expiresAt := absoluteExpiresAt
	if m.idleTimeout > 0 {
		expiresAt = now.Add(m.idleTimeout)
		if expiresAt.After(absoluteExpiresAt) {
			expiresAt = absoluteExpiresAt
		}
	}
	if err := m.store.Save(hashed, actor, expiresAt.UTC(), absoluteExpiresAt.UTC()); err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// Validate checks the backing store for the provided token and returns the
// associated actor when valid.
func (m *SessionManager) Validate(token string) (models.ActorRef, time.Time, bool, error) {
	hashed, err := hashSessionToken(token)
	if err != nil {
		return models.ActorRef{}, time.Time{}, false, nil
	}
	record, ok, err := m.store.Get(hashed)
	if err != nil {
		return models.ActorRef{}, time.Time{}, false, err
	}
	if !ok {
		return models.ActorRef{}, time.Time{}, false, nil
	}
	now := time.Now()
	absoluteExpiresAt := record.AbsoluteExpiresAt
	if absoluteExpiresAt.IsZero() {
		absoluteExpiresAt = record.ExpiresAt
	}
	if now.After(record.ExpiresAt) || now.After(absoluteExpiresAt) {
		_ = m.store.Delete(hashed)
		return models.ActorRef{}, time.Time{}, false, nil
	}
	expiresAt := record.ExpiresAt
	if m.idleTimeout > 0 {
		refreshTo := now.Add(m.idleTimeout)
		if refreshTo.After(absoluteExpiresAt) {
			refreshTo = absoluteExpiresAt
		}
		if refreshTo.After(record.ExpiresAt) {
			if err := m.store.Save(record.Token, record.Actor, refreshTo.UTC(), absoluteExpiresAt.UTC()); err != nil {
				return models.ActorRef{}, time.Time{}, false, err
			}
			expiresAt = refreshTo
		}
	}
	return record.Actor, expiresAt, true, nil
}

// Verify resolves a token to its actor. It satisfies the gateway's token
// verifier contract; an unknown or expired token returns ErrTokenInvalid.
func (m *SessionManager) Verify(_ context.Context, token string) (models.ActorRef, error) {
	actor, _, ok, err := m.Validate(token)
	if err != nil {
		return models.ActorRef{}, err
	}
	if !ok {
		return models.ActorRef{}, ErrTokenInvalid
	}
	return actor, nil
}

// Revoke deletes the session token from the backing store.
func (m *SessionManager) Revoke(token string) error {
	hashed, err := hashSessionToken(token)
	if err != nil {
		return nil
	}
	return m.store.Delete(hashed)
}

// PurgeExpired removes any expired sessions from the backing store.
func (m *SessionManager) PurgeExpired() error {
	return m.store.PurgeExpired(time.Now())
}

// Ping verifies the underlying session store is reachable when it exposes a
// ping method.
func (m *SessionManager) Ping(ctx context.Context) error {
	if m == nil || m.store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if pinger, ok := m.store.(interface{ Ping(context.Context) error }); ok {
		return pinger.Ping(ctx)
	}
	return nil
}

func generateToken(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// ErrInvalidActor is returned when attempting to create a session without an
// actor reference.
var ErrInvalidActor = errors.New("actor is required")

// ErrTokenInvalid is returned when a token does not resolve to a live session.
var ErrTokenInvalid = errors.New("session token is invalid or expired")
