package storage

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"sync"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/sync/singleflight"

	"reelsync/internal/models"
)

const (
	passwordHashSaltLength = 16
	passwordHashKeyLength  = 32
	passwordHashIterations = 120000

	maxMessageRunes = 2000
)

var ErrInvalidCredentials = errors.New("invalid credentials")

type dataset struct {
	Actors              map[string]models.Actor        `json:"actors"`
	Conversations       map[string]models.Conversation `json:"conversations"`
	ConversationsByPair map[string]string              `json:"conversationsByPair"`
	Messages            map[string]models.Message      `json:"messages"`
	Notifications       map[string]models.Notification `json:"notifications"`
	MessageSeq          uint64                         `json:"messageSeq"`
}

func newDataset() dataset {
	return dataset{
		Actors:              make(map[string]models.Actor),
		Conversations:       make(map[string]models.Conversation),
		ConversationsByPair: make(map[string]string),
		Messages:            make(map[string]models.Message),
		Notifications:       make(map[string]models.Notification),
	}
}

// Storage is the JSON-file repository used for local development and tests.
// The dataset lives in memory behind an RWMutex and every mutation is
// persisted with an atomic temp-file rename.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
	// pairFlight collapses concurrent find-or-create calls for the same
	// normalized participant pair into a single execution.
	pairFlight singleflight.Group
}

// NewStorage opens (or initialises) the JSON datastore at path.
func NewStorage(path string) (*Storage, error) {
	store := &Storage{filePath: path}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}

	s.ensureDatasetInitializedLocked()
	return nil
}

func (s *Storage) ensureDatasetInitializedLocked() {
	if s.data.Actors == nil {
		s.data.Actors = make(map[string]models.Actor)
	}
	if s.data.Conversations == nil {
		s.data.Conversations = make(map[string]models.Conversation)
	}
	if s.data.ConversationsByPair == nil {
		s.data.ConversationsByPair = make(map[string]string)
	}
	if s.data.Messages == nil {
		s.data.Messages = make(map[string]models.Message)
	}
	if s.data.Notifications == nil {
		s.data.Notifications = make(map[string]models.Notification)
	}
}

func (s *Storage) persist() error {
	if s.persistOverride != nil {
		if err := s.persistOverride(s.data); err != nil {
			return err
		}
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(s.data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}

	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

// Ping reports datastore availability. The JSON store is always reachable
// once loaded.
func (s *Storage) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Actor operations

func (s *Storage) CreateActor(ctx context.Context, params CreateActorParams) (models.Actor, error) {
	if _, err := models.ParseActorVariant(string(params.Variant)); err != nil {
		return models.Actor{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	displayName := strings.TrimSpace(params.DisplayName)
	if displayName == "" {
		return models.Actor{}, fmt.Errorf("%w: displayName is required", ErrValidation)
	}
	handle := strings.TrimSpace(strings.ToLower(params.Handle))
	if handle == "" {
		return models.Actor{}, fmt.Errorf("%w: handle is required", ErrValidation)
	}
	email := strings.TrimSpace(strings.ToLower(params.Email))
	if email == "" {
		return models.Actor{}, fmt.Errorf("%w: email is required", ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, actor := range s.data.Actors {
		if actor.Email == email {
			return models.Actor{}, fmt.Errorf("%w: email %s already in use", ErrValidation, email)
		}
		if actor.Variant == params.Variant && actor.Handle == handle {
			return models.Actor{}, fmt.Errorf("%w: handle %s already in use", ErrValidation, handle)
		}
	}

	id, err := generateID()
	if err != nil {
		return models.Actor{}, err
	}

	var passwordHash string
	if params.Password != "" {
		hashed, hashErr := hashPassword(params.Password)
		if hashErr != nil {
			return models.Actor{}, fmt.Errorf("hash password: %w", hashErr)
		}
		passwordHash = hashed
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

	s.data.Actors[actor.Ref().Key()] = actor
	if err := s.persist(); err != nil {
		delete(s.data.Actors, actor.Ref().Key())
		return models.Actor{}, err
	}
	return actor, nil
}

func (s *Storage) AuthenticateActor(ctx context.Context, email, password string) (models.Actor, error) {
	if password == "" {
		return models.Actor{}, fmt.Errorf("%w: password is required", ErrValidation)
	}
	normalized := strings.TrimSpace(strings.ToLower(email))

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, actor := range s.data.Actors {
		if actor.Email != normalized {
			continue
		}
		if actor.PasswordHash == "" {
			return models.Actor{}, ErrInvalidCredentials
		}
		if err := verifyPassword(actor.PasswordHash, password); err != nil {
			return models.Actor{}, err
		}
		return actor, nil
	}
	return models.Actor{}, ErrInvalidCredentials
}

func (s *Storage) GetActor(ctx context.Context, ref models.ActorRef) (models.Actor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	actor, ok := s.data.Actors[ref.Key()]
	return actor, ok
}

// LookupActor resolves a bare id against the creator population first, then
// the editor population.
func (s *Storage) LookupActor(ctx context.Context, id string) (models.Actor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, variant := range []models.ActorVariant{models.VariantCreator, models.VariantEditor} {
		if actor, ok := s.data.Actors[models.ActorRef{ID: id, Variant: variant}.Key()]; ok {
			return actor, true
		}
	}
	return models.Actor{}, false
}

func (s *Storage) SearchActors(ctx context.Context, query string, limit int) ([]models.Actor, error) {
	needle := foldForSearch(query)
	if needle == "" {
		return nil, fmt.Errorf("%w: query is required", ErrValidation)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := make([]models.Actor, 0)
	for _, actor := range s.data.Actors {
		if strings.Contains(foldForSearch(actor.DisplayName), needle) ||
			strings.Contains(foldForSearch(actor.Handle), needle) {
			matches = append(matches, actor)
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].DisplayName == matches[j].DisplayName {
			return matches[i].Ref().Key() < matches[j].Ref().Key()
		}
		return matches[i].DisplayName < matches[j].DisplayName
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// Conversation operations

// FindOrCreateConversation returns the unique conversation for the unordered
// participant pair, creating it when absent. Concurrent first-contact calls
// for the same pair are collapsed through singleflight and double-checked
// under the write lock, so at most one record is ever created.
func (s *Storage) FindOrCreateConversation(ctx context.Context, a, b models.ActorRef) (models.Conversation, error) {
	if a == b {
		return models.Conversation{}, fmt.Errorf("%w: conversation requires two distinct actors", ErrValidation)
	}
	pairKey := models.PairKey(a, b)

	result, err, _ := s.pairFlight.Do(pairKey, func() (interface{}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()

		if _, ok := s.data.Actors[a.Key()]; !ok {
			return nil, fmt.Errorf("actor %s %w", a.Key(), ErrNotFound)
		}
		if _, ok := s.data.Actors[b.Key()]; !ok {
			return nil, fmt.Errorf("actor %s %w", b.Key(), ErrNotFound)
		}

		if id, ok := s.data.ConversationsByPair[pairKey]; ok {
			if convo, exists := s.data.Conversations[id]; exists {
				return convo, nil
			}
		}

		id, err := generateID()
		if err != nil {
			return nil, err
		}
		first, second := a, b
		if second.Less(first) {
			first, second = second, first
		}
		now := time.Now().UTC()
		convo := models.Conversation{
			ID:           id,
			ParticipantA: first,
			ParticipantB: second,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		s.data.Conversations[id] = convo
		s.data.ConversationsByPair[pairKey] = id
		if err := s.persist(); err != nil {
			delete(s.data.Conversations, id)
			delete(s.data.ConversationsByPair, pairKey)
			return nil, err
		}
		return convo, nil
	})
	if err != nil {
		return models.Conversation{}, err
	}
	return result.(models.Conversation), nil
}

func (s *Storage) GetConversation(ctx context.Context, id string) (models.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	convo, ok := s.data.Conversations[id]
	return convo, ok
}

func (s *Storage) ListConversations(ctx context.Context, caller models.ActorRef) ([]ConversationSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.data.Actors[caller.Key()]; !ok {
		return nil, fmt.Errorf("actor %s %w", caller.Key(), ErrNotFound)
	}

	summaries := make([]ConversationSummary, 0)
	for _, convo := range s.data.Conversations {
		if !convo.Involves(caller) || convo.Archived {
			continue
		}
		partnerRef, _ := convo.Partner(caller)
		summary := ConversationSummary{Conversation: convo}
		if partner, ok := s.data.Actors[partnerRef.Key()]; ok {
			partner.PasswordHash = ""
			summary.Partner = partner
		}
		if convo.LastMessageID != "" {
			if last, ok := s.data.Messages[convo.LastMessageID]; ok {
				summary.LastMessage = &last
			}
		}
		summary.UnreadCount = s.unreadCountLocked(caller, partnerRef)
		summaries = append(summaries, summary)
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].Conversation.UpdatedAt.After(summaries[j].Conversation.UpdatedAt)
	})
	return summaries, nil
}

func (s *Storage) ArchiveConversation(ctx context.Context, id string, caller models.ActorRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	convo, ok := s.data.Conversations[id]
	if !ok {
		return fmt.Errorf("conversation %s %w", id, ErrNotFound)
	}
	if !convo.Involves(caller) {
		return fmt.Errorf("%w: conversation %s does not involve caller", ErrForbidden, id)
	}
	if convo.Archived {
		return nil
	}

	convo.Archived = true
	convo.UpdatedAt = time.Now().UTC()
	s.data.Conversations[id] = convo
	if err := s.persist(); err != nil {
		convo.Archived = false
		s.data.Conversations[id] = convo
		return err
	}
	return nil
}

// Message operations

func (s *Storage) AppendMessage(ctx context.Context, params AppendMessageParams) (models.Message, error) {
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

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.Actors[params.Sender.Key()]; !ok {
		return models.Message{}, fmt.Errorf("actor %s %w", params.Sender.Key(), ErrNotFound)
	}
	if _, ok := s.data.Actors[params.Receiver.Key()]; !ok {
		return models.Message{}, fmt.Errorf("actor %s %w", params.Receiver.Key(), ErrNotFound)
	}

	pairKey := models.PairKey(params.Sender, params.Receiver)
	if id, ok := s.data.ConversationsByPair[pairKey]; ok {
		if convo, exists := s.data.Conversations[id]; exists && convo.Archived {
			return models.Message{}, fmt.Errorf("%w: conversation is archived", ErrValidation)
		}
	}

	id, err := generateID()
	if err != nil {
		return models.Message{}, err
	}

	s.data.MessageSeq++
	message := models.Message{
		ID:        id,
		Sender:    params.Sender,
		Receiver:  params.Receiver,
		Content:   trimmed,
		Seq:       s.data.MessageSeq,
		CreatedAt: time.Now().UTC(),
	}
	s.data.Messages[id] = message

	if err := s.upsertConversationLocked(message); err != nil {
		delete(s.data.Messages, id)
		s.data.MessageSeq--
		return models.Message{}, err
	}
	if err := s.persist(); err != nil {
		delete(s.data.Messages, id)
		s.data.MessageSeq--
		return models.Message{}, err
	}
	return message, nil
}

func (s *Storage) upsertConversationLocked(message models.Message) error {
	pairKey := models.PairKey(message.Sender, message.Receiver)
	id, ok := s.data.ConversationsByPair[pairKey]
	if !ok {
		newID, err := generateID()
		if err != nil {
			return err
		}
		first, second := message.Sender, message.Receiver
		if second.Less(first) {
			first, second = second, first
		}
		convo := models.Conversation{
			ID:           newID,
			ParticipantA: first,
			ParticipantB: second,
			CreatedAt:    message.CreatedAt,
		}
		s.data.Conversations[newID] = convo
		s.data.ConversationsByPair[pairKey] = newID
		id = newID
	}

	convo := s.data.Conversations[id]
	convo.LastMessageID = message.ID
	convo.UpdatedAt = message.CreatedAt
	s.data.Conversations[id] = convo
	return nil
}

// ListMessages returns the full exchange between caller and partner ordered
// by creation time, ties broken by insertion sequence.
func (s *Storage) ListMessages(ctx context.Context, caller, partner models.ActorRef) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.data.Actors[caller.Key()]; !ok {
		return nil, fmt.Errorf("actor %s %w", caller.Key(), ErrNotFound)
	}
	if _, ok := s.data.Actors[partner.Key()]; !ok {
		return nil, fmt.Errorf("actor %s %w", partner.Key(), ErrNotFound)
	}

	messages := make([]models.Message, 0)
	for _, message := range s.data.Messages {
		if (message.Sender == caller && message.Receiver == partner) ||
			(message.Sender == partner && message.Receiver == caller) {
			messages = append(messages, message)
		}
	}
	sort.Slice(messages, func(i, j int) bool {
		if messages[i].CreatedAt.Equal(messages[j].CreatedAt) {
			return messages[i].Seq < messages[j].Seq
		}
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})
	return messages, nil
}

// MarkConversationRead flips the read flag on every unread message sent by
// partner to caller and returns how many were updated.
func (s *Storage) MarkConversationRead(ctx context.Context, caller, partner models.ActorRef) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.Actors[caller.Key()]; !ok {
		return 0, fmt.Errorf("actor %s %w", caller.Key(), ErrNotFound)
	}

	updated := make([]string, 0)
	for id, message := range s.data.Messages {
		if message.Sender == partner && message.Receiver == caller && !message.Read {
			message.Read = true
			s.data.Messages[id] = message
			updated = append(updated, id)
		}
	}
	if len(updated) == 0 {
		return 0, nil
	}
	if err := s.persist(); err != nil {
		for _, id := range updated {
			message := s.data.Messages[id]
			message.Read = false
			s.data.Messages[id] = message
		}
		return 0, err
	}
	return len(updated), nil
}

func (s *Storage) UnreadCount(ctx context.Context, caller, partner models.ActorRef) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unreadCountLocked(caller, partner), nil
}

func (s *Storage) unreadCountLocked(caller, partner models.ActorRef) int {
	count := 0
	for _, message := range s.data.Messages {
		if message.Sender == partner && message.Receiver == caller && !message.Read {
			count++
		}
	}
	return count
}

// Notification operations

func (s *Storage) CreateNotification(ctx context.Context, params CreateNotificationParams) (models.Notification, error) {
	if _, err := models.ParseNotificationType(string(params.Type)); err != nil {
		return models.Notification{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	message := strings.TrimSpace(params.Message)
	if message == "" {
		return models.Notification{}, fmt.Errorf("%w: notification message cannot be empty", ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.Actors[params.Recipient.Key()]; !ok {
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
	s.data.Notifications[id] = notification
	if err := s.persist(); err != nil {
		delete(s.data.Notifications, id)
		return models.Notification{}, err
	}
	return notification, nil
}

func (s *Storage) ListNotifications(ctx context.Context, recipient models.ActorRef, unreadOnly bool) ([]models.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	notifications := make([]models.Notification, 0)
	for _, notification := range s.data.Notifications {
		if notification.Recipient != recipient {
			continue
		}
		if unreadOnly && notification.Read {
			continue
		}
		notifications = append(notifications, notification)
	}
	sort.Slice(notifications, func(i, j int) bool {
		if notifications[i].CreatedAt.Equal(notifications[j].CreatedAt) {
			return notifications[i].ID < notifications[j].ID
		}
		return notifications[i].CreatedAt.After(notifications[j].CreatedAt)
	})
	return notifications, nil
}

func (s *Storage) MarkNotificationRead(ctx context.Context, id string, caller models.ActorRef) (models.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	notification, ok := s.data.Notifications[id]
	if !ok {
		return models.Notification{}, fmt.Errorf("notification %s %w", id, ErrNotFound)
	}
	if notification.Recipient != caller {
		return models.Notification{}, fmt.Errorf("%w: notification %s belongs to another actor", ErrForbidden, id)
	}
	if notification.Read {
		return notification, nil
	}

	notification.Read = true
	s.data.Notifications[id] = notification
	if err := s.persist(); err != nil {
		notification.Read = false
		s.data.Notifications[id] = notification
		return models.Notification{}, err
	}
	return notification, nil
}

func (s *Storage) MarkAllNotificationsRead(ctx context.Context, recipient models.ActorRef) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	updated := make([]string, 0)
	for id, notification := range s.data.Notifications {
		if notification.Recipient == recipient && !notification.Read {
			notification.Read = true
			s.data.Notifications[id] = notification
			updated = append(updated, id)
		}
	}
	if len(updated) == 0 {
		return 0, nil
	}
	if err := s.persist(); err != nil {
		for _, id := range updated {
			notification := s.data.Notifications[id]
			notification.Read = false
			s.data.Notifications[id] = notification
		}
		return 0, err
	}
	return len(updated), nil
}

// PurgeExpiredNotifications deletes every notification created at or before
// the cutoff and returns how many rows were removed.
func (s *Storage) PurgeExpiredNotifications(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := make(map[string]models.Notification)
	for id, notification := range s.data.Notifications {
		if !notification.CreatedAt.After(cutoff) {
			removed[id] = notification
			delete(s.data.Notifications, id)
		}
	}
	if len(removed) == 0 {
		return 0, nil
	}
	if err := s.persist(); err != nil {
		for id, notification := range removed {
			s.data.Notifications[id] = notification
		}
		return 0, err
	}
	return len(removed), nil
}

func hashPassword(password string) (string, error) {
	salt, err := randomBytes(passwordHashSaltLength)
	if err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	derived := pbkdf2.Key([]byte(password), salt, passwordHashIterations, passwordHashKeyLength, sha256.New)
	encodedSalt := base64.RawStdEncoding.EncodeToString(salt)
	encodedKey := base64.RawStdEncoding.EncodeToString(derived)
	return fmt.Sprintf("pbkdf2$sha256$%d$%s$%s", passwordHashIterations, encodedSalt, encodedKey), nil
}

func verifyPassword(encodedHash, candidate string) error {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 5 {
		return fmt.Errorf("verify password: invalid hash format")
	}
	if parts[0] != "pbkdf2" || parts[1] != "sha256" {
		return fmt.Errorf("verify password: unsupported hash identifier")
	}
	iterations, err := strconv.Atoi(parts[2])
	if err != nil || iterations <= 0 {
		return fmt.Errorf("verify password: invalid iteration count")
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return fmt.Errorf("verify password: decode salt: %w", err)
	}
	storedKey, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return fmt.Errorf("verify password: decode hash: %w", err)
	}
	derived := pbkdf2.Key([]byte(candidate), salt, iterations, len(storedKey), sha256.New)
	if len(derived) != len(storedKey) || subtle.ConstantTimeCompare(derived, storedKey) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}
