package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"reelsync/internal/models"
)

const uniqueViolationCode = "23505"

type postgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

// NewPostgresRepository opens a Postgres-backed repository and ensures the
// messaging schema exists.
func NewPostgresRepository(ctx context.Context, dsn string, opts ...PostgresOption) (Repository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	repo := &postgresRepository{pool: pool, cfg: cfg}
	if err := repo.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

func (r *postgresRepository) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS actors (
			id TEXT NOT NULL,
			variant TEXT NOT NULL,
			display_name TEXT NOT NULL,
			handle TEXT NOT NULL,
			avatar_url TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL,
			password_hash TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (variant, id)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS actors_email_idx ON actors (email)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS actors_handle_idx ON actors (variant, handle)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			pair_key TEXT NOT NULL,
			a_id TEXT NOT NULL,
			a_variant TEXT NOT NULL,
			b_id TEXT NOT NULL,
			b_variant TEXT NOT NULL,
			last_message_id TEXT NOT NULL DEFAULT '',
			archived BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS conversations_pair_idx ON conversations (pair_key)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			seq BIGINT GENERATED ALWAYS AS IDENTITY,
			sender_id TEXT NOT NULL,
			sender_variant TEXT NOT NULL,
			receiver_id TEXT NOT NULL,
			receiver_variant TEXT NOT NULL,
			content TEXT NOT NULL,
			read BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS messages_pair_created_idx
			ON messages (sender_variant, sender_id, receiver_variant, receiver_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS notifications (
			id TEXT PRIMARY KEY,
			recipient_id TEXT NOT NULL,
			recipient_variant TEXT NOT NULL,
			type TEXT NOT NULL,
			message TEXT NOT NULL,
			related_id TEXT NOT NULL DEFAULT '',
			read BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS notifications_recipient_idx
			ON notifications (recipient_variant, recipient_id, read, created_at)`,
	}
	for _, stmt := range statements {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Close releases the pool, bounded by the provided context.
func (r *postgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	if err := r.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

// Actor operations

func (r *postgresRepository) CreateActor(ctx context.Context, params CreateActorParams) (models.Actor, error) {
	if _, err := models.ParseActorVariant(string(params.Variant)); err != nil {
		return models.Actor{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	displayName := strings.TrimSpace(params.DisplayName)
	handle := strings.TrimSpace(strings.ToLower(params.Handle))
	email := strings.TrimSpace(strings.ToLower(params.Email))
	if displayName == "" || handle == "" || email == "" {
		return models.Actor{}, fmt.Errorf("%w: displayName, handle, and email are required", ErrValidation)
	}

	id, err := generateID()
	if err != nil {
		return models.Actor{}, err
	}
	var passwordHash string
	if params.Password != "" {
		passwordHash, err = hashPassword(params.Password)
		if err != nil {
			return models.Actor{}, fmt.Errorf("hash password: %w", err)
		}
	}

	actor := models.Actor{
		ID:           id,
		Variant:      params.Variant,
		DisplayName:  displayName,
		Handle:       handle,
		AvatarURL:    strings.TrimSpace(params.AvatarURL),
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
	}
	_, err = r.pool.Exec(ctx, `
INSERT INTO actors (id, variant, display_name, handle, avatar_url, email, password_hash, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`, actor.ID, string(actor.Variant), actor.DisplayName, actor.Handle, actor.AvatarURL, actor.Email, actor.PasswordHash, actor.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return models.Actor{}, fmt.Errorf("%w: email or handle already in use", ErrValidation)
		}
		return models.Actor{}, fmt.Errorf("create actor: %w", err)
	}
	return actor, nil
}

func (r *postgresRepository) AuthenticateActor(ctx context.Context, email, password string) (models.Actor, error) {
	if password == "" {
		return models.Actor{}, fmt.Errorf("%w: password is required", ErrValidation)
	}
	normalized := strings.TrimSpace(strings.ToLower(email))
	row := r.pool.QueryRow(ctx, `
SELECT id, variant, display_name, handle, avatar_url, email, password_hash, created_at
FROM actors WHERE email = $1
`, normalized)
	actor, err := scanActor(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Actor{}, ErrInvalidCredentials
		}
		return models.Actor{}, fmt.Errorf("authenticate actor: %w", err)
	}
	if actor.PasswordHash == "" {
		return models.Actor{}, ErrInvalidCredentials
	}
	if err := verifyPassword(actor.PasswordHash, password); err != nil {
		return models.Actor{}, err
	}
	return actor, nil
}

func (r *postgresRepository) GetActor(ctx context.Context, ref models.ActorRef) (models.Actor, bool) {
	row := r.pool.QueryRow(ctx, `
SELECT id, variant, display_name, handle, avatar_url, email, password_hash, created_at
FROM actors WHERE variant = $1 AND id = $2
`, string(ref.Variant), ref.ID)
	actor, err := scanActor(row)
	if err != nil {
		return models.Actor{}, false
	}
	return actor, true
}

func (r *postgresRepository) LookupActor(ctx context.Context, id string) (models.Actor, bool) {
	// Creator population probes first, matching the resolver contract.
	row := r.pool.QueryRow(ctx, `
SELECT id, variant, display_name, handle, avatar_url, email, password_hash, created_at
FROM actors WHERE id = $1
ORDER BY CASE variant WHEN 'creator' THEN 0 ELSE 1 END
LIMIT 1
`, id)
	actor, err := scanActor(row)
	if err != nil {
		return models.Actor{}, false
	}
	return actor, true
}

func (r *postgresRepository) SearchActors(ctx context.Context, query string, limit int) ([]models.Actor, error) {
	needle := strings.TrimSpace(query)
	if needle == "" {
		return nil, fmt.Errorf("%w: query is required", ErrValidation)
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
SELECT id, variant, display_name, handle, avatar_url, email, password_hash, created_at
FROM actors
WHERE display_name ILIKE '%' || $1 || '%' OR handle ILIKE '%' || $1 || '%'
ORDER BY display_name, variant, id
LIMIT $2
`, needle, limit)
	if err != nil {
		return nil, fmt.Errorf("search actors: %w", err)
	}
	defer rows.Close()

	actors := make([]models.Actor, 0)
	for rows.Next() {
		actor, err := scanActor(rows)
		if err != nil {
			return nil, fmt.Errorf("search actors: %w", err)
		}
		actors = append(actors, actor)
	}
	return actors, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanActor(row rowScanner) (models.Actor, error) {
	var actor models.Actor
	var variant string
	if err := row.Scan(&actor.ID, &variant, &actor.DisplayName, &actor.Handle,
		&actor.AvatarURL, &actor.Email, &actor.PasswordHash, &actor.CreatedAt); err != nil {
		return models.Actor{}, err
	}
	actor.Variant = models.ActorVariant(variant)
	return actor, nil
}

// Conversation operations

// FindOrCreateConversation relies on the unique pair_key index: the insert
// races are resolved by ON CONFLICT DO NOTHING followed by a re-select, so
// concurrent first contact from both sides converges on one row.
func (r *postgresRepository) FindOrCreateConversation(ctx context.Context, a, b models.ActorRef) (models.Conversation, error) {
	if a == b {
		return models.Conversation{}, fmt.Errorf("%w: conversation requires two distinct actors", ErrValidation)
	}
	for _, ref := range []models.ActorRef{a, b} {
		if _, ok := r.GetActor(ctx, ref); !ok {
			return models.Conversation{}, fmt.Errorf("actor %s %w", ref.Key(), ErrNotFound)
		}
	}

	first, second := a, b
	if second.Less(first) {
		first, second = second, first
	}
	pairKey := models.PairKey(a, b)

	if convo, ok, err := r.conversationByPair(ctx, pairKey); err != nil {
		return models.Conversation{}, err
	} else if ok {
		return convo, nil
	}

	id, err := generateID()
	if err != nil {
		return models.Conversation{}, err
	}
	now := time.Now().UTC()
	tag, err := r.pool.Exec(ctx, `
INSERT INTO conversations (id, pair_key, a_id, a_variant, b_id, b_variant, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
ON CONFLICT (pair_key) DO NOTHING
`, id, pairKey, first.ID, string(first.Variant), second.ID, string(second.Variant), now)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return models.Conversation{
			ID: id, ParticipantA: first, ParticipantB: second,
			CreatedAt: now, UpdatedAt: now,
		}, nil
	}

	// Lost the race; the winner's row is now visible.
	convo, ok, err := r.conversationByPair(ctx, pairKey)
	if err != nil {
		return models.Conversation{}, err
	}
	if !ok {
		return models.Conversation{}, fmt.Errorf("conversation for pair %s %w", pairKey, ErrNotFound)
	}
	return convo, nil
}

func (r *postgresRepository) conversationByPair(ctx context.Context, pairKey string) (models.Conversation, bool, error) {
	row := r.pool.QueryRow(ctx, `
SELECT id, a_id, a_variant, b_id, b_variant, last_message_id, archived, created_at, updated_at
FROM conversations WHERE pair_key = $1
`, pairKey)
	convo, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Conversation{}, false, nil
		}
		return models.Conversation{}, false, fmt.Errorf("find conversation: %w", err)
	}
	return convo, true, nil
}

func (r *postgresRepository) GetConversation(ctx context.Context, id string) (models.Conversation, bool) {
	row := r.pool.QueryRow(ctx, `
SELECT id, a_id, a_variant, b_id, b_variant, last_message_id, archived, created_at, updated_at
FROM conversations WHERE id = $1
`, id)
	convo, err := scanConversation(row)
	if err != nil {
		return models.Conversation{}, false
	}
	return convo, true
}

func scanConversation(row rowScanner) (models.Conversation, error) {
	var convo models.Conversation
	var aVariant, bVariant string
	if err := row.Scan(&convo.ID, &convo.ParticipantA.ID, &aVariant, &convo.ParticipantB.ID,
		&bVariant, &convo.LastMessageID, &convo.Archived, &convo.CreatedAt, &convo.UpdatedAt); err != nil {
		return models.Conversation{}, err
	}
	convo.ParticipantA.Variant = models.ActorVariant(aVariant)
	convo.ParticipantB.Variant = models.ActorVariant(bVariant)
	return convo, nil
}

func (r *postgresRepository) ListConversations(ctx context.Context, caller models.ActorRef) ([]ConversationSummary, error) {
	if _, ok := r.GetActor(ctx, caller); !ok {
		return nil, fmt.Errorf("actor %s %w", caller.Key(), ErrNotFound)
	}
	rows, err := r.pool.Query(ctx, `
SELECT id, a_id, a_variant, b_id, b_variant, last_message_id, archived, created_at, updated_at
FROM conversations
WHERE NOT archived
  AND ((a_variant = $1 AND a_id = $2) OR (b_variant = $1 AND b_id = $2))
ORDER BY updated_at DESC
`, string(caller.Variant), caller.ID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	conversations := make([]models.Conversation, 0)
	for rows.Next() {
		convo, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("list conversations: %w", err)
		}
		conversations = append(conversations, convo)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	summaries := make([]ConversationSummary, 0, len(conversations))
	for _, convo := range conversations {
		partnerRef, _ := convo.Partner(caller)
		summary := ConversationSummary{Conversation: convo}
		if partner, ok := r.GetActor(ctx, partnerRef); ok {
			partner.PasswordHash = ""
			summary.Partner = partner
		}
		if convo.LastMessageID != "" {
			if last, ok := r.getMessage(ctx, convo.LastMessageID); ok {
				summary.LastMessage = &last
			}
		}
		count, err := r.UnreadCount(ctx, caller, partnerRef)
		if err != nil {
			return nil, err
		}
		summary.UnreadCount = count
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

func (r *postgresRepository) ArchiveConversation(ctx context.Context, id string, caller models.ActorRef) error {
	convo, ok := r.GetConversation(ctx, id)
	if !ok {
		return fmt.Errorf("conversation %s %w", id, ErrNotFound)
	}
	if !convo.Involves(caller) {
		return fmt.Errorf("%w: conversation %s does not involve caller", ErrForbidden, id)
	}
	_, err := r.pool.Exec(ctx, `
UPDATE conversations SET archived = TRUE, updated_at = $2 WHERE id = $1
`, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("archive conversation: %w", err)
	}
	return nil
}

// Message operations

func (r *postgresRepository) AppendMessage(ctx context.Context, params AppendMessageParams) (models.Message, error) {
	trimmed := strings.TrimSpace(params.Content)
	if trimmed == "" {
		return models.Message{}, fmt.Errorf("%w: message content cannot be empty", ErrValidation)
	}
	if len([]rune(trimmed)) > maxMessageRunes {
		return models.Message{}, fmt.Errorf("%w: message content exceeds %d characters", ErrValidation, maxMessageRunes)
	}
	if params.Sender == params.Receiver {
		return models.Message{}, fmt.Errorf("%w: sender and receiver must differ", ErrValidation)
	}

	convo, err := r.FindOrCreateConversation(ctx, params.Sender, params.Receiver)
	if err != nil {
		return models.Message{}, err
	}
	if convo.Archived {
		return models.Message{}, fmt.Errorf("%w: conversation is archived", ErrValidation)
	}

	id, err := generateID()
	if err != nil {
		return models.Message{}, err
	}
	message := models.Message{
		ID:        id,
		Sender:    params.Sender,
		Receiver:  params.Receiver,
		Content:   trimmed,
		CreatedAt: time.Now().UTC(),
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Message{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `
INSERT INTO messages (id, sender_id, sender_variant, receiver_id, receiver_variant, content, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING seq
`, message.ID, message.Sender.ID, string(message.Sender.Variant),
		message.Receiver.ID, string(message.Receiver.Variant), message.Content, message.CreatedAt)
	if err := row.Scan(&message.Seq); err != nil {
		return models.Message{}, fmt.Errorf("append message: %w", err)
	}

	if _, err := tx.Exec(ctx, `
UPDATE conversations SET last_message_id = $2, updated_at = $3 WHERE id = $1
`, convo.ID, message.ID, message.CreatedAt); err != nil {
		return models.Message{}, fmt.Errorf("update conversation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Message{}, fmt.Errorf("commit message: %w", err)
	}
	return message, nil
}

func (r *postgresRepository) getMessage(ctx context.Context, id string) (models.Message, bool) {
	row := r.pool.QueryRow(ctx, `
SELECT id, seq, sender_id, sender_variant, receiver_id, receiver_variant, content, read, created_at
FROM messages WHERE id = $1
`, id)
	message, err := scanMessage(row)
	if err != nil {
		return models.Message{}, false
	}
	return message, true
}

func scanMessage(row rowScanner) (models.Message, error) {
	var message models.Message
	var senderVariant, receiverVariant string
	if err := row.Scan(&message.ID, &message.Seq, &message.Sender.ID, &senderVariant,
		&message.Receiver.ID, &receiverVariant, &message.Content, &message.Read, &message.CreatedAt); err != nil {
		return models.Message{}, err
	}
	message.Sender.Variant = models.ActorVariant(senderVariant)
	message.Receiver.Variant = models.ActorVariant(receiverVariant)
	return message, nil
}

func (r *postgresRepository) ListMessages(ctx context.Context, caller, partner models.ActorRef) ([]models.Message, error) {
	for _, ref := range []models.ActorRef{caller, partner} {
		if _, ok := r.GetActor(ctx, ref); !ok {
			return nil, fmt.Errorf("actor %s %w", ref.Key(), ErrNotFound)
		}
	}
	rows, err := r.pool.Query(ctx, `
SELECT id, seq, sender_id, sender_variant, receiver_id, receiver_variant, content, read, created_at
FROM messages
WHERE (sender_variant = $1 AND sender_id = $2 AND receiver_variant = $3 AND receiver_id = $4)
   OR (sender_variant = $3 AND sender_id = $4 AND receiver_variant = $1 AND receiver_id = $2)
ORDER BY created_at, seq
`, string(caller.Variant), caller.ID, string(partner.Variant), partner.ID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("list messages: %w", err)
		}
		messages = append(messages, message)
	}
	return messages, rows.Err()
}

func (r *postgresRepository) MarkConversationRead(ctx context.Context, caller, partner models.ActorRef) (int, error) {
	tag, err := r.pool.Exec(ctx, `
UPDATE messages SET read = TRUE
WHERE sender_variant = $1 AND sender_id = $2
  AND receiver_variant = $3 AND receiver_id = $4
  AND NOT read
`, string(partner.Variant), partner.ID, string(caller.Variant), caller.ID)
	if err != nil {
		return 0, fmt.Errorf("mark conversation read: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *postgresRepository) UnreadCount(ctx context.Context, caller, partner models.ActorRef) (int, error) {
	row := r.pool.QueryRow(ctx, `
SELECT COUNT(*) FROM messages
WHERE sender_variant = $1 AND sender_id = $2
  AND receiver_variant = $3 AND receiver_id = $4
  AND NOT read
`, string(partner.Variant), partner.ID, string(caller.Variant), caller.ID)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("unread count: %w", err)
	}
	return count, nil
}

// Notification operations

func (r *postgresRepository) CreateNotification(ctx context.Context, params CreateNotificationParams) (models.Notification, error) {
	if _, err := models.ParseNotificationType(string(params.Type)); err != nil {
		return models.Notification{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	message := strings.TrimSpace(params.Message)
	if message == "" {
		return models.Notification{}, fmt.Errorf("%w: notification message cannot be empty", ErrValidation)
	}
	if _, ok := r.GetActor(ctx, params.Recipient); !ok {
		return models.Notification{}, fmt.Errorf("actor %s %w", params.Recipient.Key(), ErrNotFound)
	}

	id, err := generateID()
	if err != nil {
		return models.Notification{}, err
	}
	notification := models.Notification{
		ID:        id,
		Recipient: params.Recipient,
		Type:      params.Type,
		Message:   message,
		RelatedID: strings.TrimSpace(params.RelatedID),
		CreatedAt: time.Now().UTC(),
	}
	_, err = r.pool.Exec(ctx, `
INSERT INTO notifications (id, recipient_id, recipient_variant, type, message, related_id, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`, notification.ID, notification.Recipient.ID, string(notification.Recipient.Variant),
		string(notification.Type), notification.Message, notification.RelatedID, notification.CreatedAt)
	if err != nil {
		return models.Notification{}, fmt.Errorf("create notification: %w", err)
	}
	return notification, nil
}

func (r *postgresRepository) ListNotifications(ctx context.Context, recipient models.ActorRef, unreadOnly bool) ([]models.Notification, error) {
	query := `
SELECT id, recipient_id, recipient_variant, type, message, related_id, read, created_at
FROM notifications
WHERE recipient_variant = $1 AND recipient_id = $2`
	if unreadOnly {
		query += ` AND NOT read`
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := r.pool.Query(ctx, query, string(recipient.Variant), recipient.ID)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	notifications := make([]models.Notification, 0)
	for rows.Next() {
		var notification models.Notification
		var variant, notificationType string
		if err := rows.Scan(&notification.ID, &notification.Recipient.ID, &variant,
			&notificationType, &notification.Message, &notification.RelatedID,
			&notification.Read, &notification.CreatedAt); err != nil {
			return nil, fmt.Errorf("list notifications: %w", err)
		}
		notification.Recipient.Variant = models.ActorVariant(variant)
		notification.Type = models.NotificationType(notificationType)
		notifications = append(notifications, notification)
	}
	return notifications, rows.Err()
}

func (r *postgresRepository) MarkNotificationRead(ctx context.Context, id string, caller models.ActorRef) (models.Notification, error) {
	row := r.pool.QueryRow(ctx, `
SELECT id, recipient_id, recipient_variant, type, message, related_id, read, created_at
FROM notifications WHERE id = $1
`, id)
	var notification models.Notification
	var variant, notificationType string
	if err := row.Scan(&notification.ID, &notification.Recipient.ID, &variant,
		&notificationType, &notification.Message, &notification.RelatedID,
		&notification.Read, &notification.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Notification{}, fmt.Errorf("notification %s %w", id, ErrNotFound)
		}
		return models.Notification{}, fmt.Errorf("mark notification read: %w", err)
	}
	notification.Recipient.Variant = models.ActorVariant(variant)
	notification.Type = models.NotificationType(notificationType)

	if notification.Recipient != caller {
		return models.Notification{}, fmt.Errorf("%w: notification %s belongs to another actor", ErrForbidden, id)
	}
	if notification.Read {
		return notification, nil
	}
	if _, err := r.pool.Exec(ctx, `UPDATE notifications SET read = TRUE WHERE id = $1`, id); err != nil {
		return models.Notification{}, fmt.Errorf("mark notification read: %w", err)
	}
	notification.Read = true
	return notification, nil
}

func (r *postgresRepository) MarkAllNotificationsRead(ctx context.Context, recipient models.ActorRef) (int, error) {
	tag, err := r.pool.Exec(ctx, `
UPDATE notifications SET read = TRUE
WHERE recipient_variant = $1 AND recipient_id = $2 AND NOT read
`, string(recipient.Variant), recipient.ID)
	if err != nil {
		return 0, fmt.Errorf("mark all notifications read: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *postgresRepository) PurgeExpiredNotifications(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM notifications WHERE created_at <= $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge notifications: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
