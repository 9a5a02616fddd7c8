package gateway

import (
	"encoding/json"

	"reelsync/internal/identity"
	"reelsync/internal/models"
)

// Envelope types accepted from and emitted to clients. Every frame is a JSON
// object discriminated by its "type" field.
const (
	TypeAuth          = "auth"
	TypeAuthSuccess   = "auth_success"
	TypeMessage       = "message"
	TypeNewMessage    = "new_message"
	TypeMessageSent   = "message_sent"
	TypeTyping        = "typing"
	TypeTypingStatus  = "typing_status"
	TypeGetUserStatus = "get_user_status"
	TypeUserStatuses  = "user_statuses"
	TypeUserStatus    = "user_status"
	TypeNotification  = "notification"
	TypePing          = "ping"
	TypeError         = "error"
)

// Domain event types accepted on the wire and via REST.
const (
	EventVideoAssigned     = "video_assigned"
	EventVideoEdited       = "video_edited"
	EventRevisionRequested = "revision_requested"
	EventVideoApproved     = "video_approved"
	EventVideoPublished    = "video_published"
)

// StatusOnline and StatusOffline are the two presence states on the wire.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// inboundEnvelope is the superset of client-sent payloads. Fields irrelevant
// to a given type are simply absent.
type inboundEnvelope struct {
	Type          string   `json:"type"`
	Token         string   `json:"token"`
	ActorID       string   `json:"actorId"`
	RecipientID   string   `json:"recipientId"`
	Content       string   `json:"content"`
	CorrelationID string   `json:"correlationId"`
	IsTyping      bool     `json:"isTyping"`
	ActorIDs      []string `json:"actorIds"`
	Message       string   `json:"message"`
	RelatedID     string   `json:"relatedId"`
}

// MessagePayload wraps a delivered message together with the sender's display
// fields, viewed from the receiving side.
type MessagePayload struct {
	Message       models.Message   `json:"message"`
	Sender        identity.Profile `json:"sender"`
	IsCurrentUser bool             `json:"isCurrentUser"`
}

type outboundEnvelope struct {
	Type          string               `json:"type"`
	Message       *MessagePayload      `json:"message,omitempty"`
	CorrelationID string               `json:"correlationId,omitempty"`
	ActorID       string               `json:"actorId,omitempty"`
	Status        string               `json:"status,omitempty"`
	Statuses      map[string]string    `json:"statuses,omitempty"`
	SenderID      string               `json:"senderId,omitempty"`
	IsTyping      *bool                `json:"isTyping,omitempty"`
	Notification  *models.Notification `json:"notification,omitempty"`
	Error         string               `json:"error,omitempty"`
}

func unmarshalEnvelope(payload []byte, env *inboundEnvelope) error {
	return json.Unmarshal(payload, env)
}

func marshalEnvelope(env outboundEnvelope) []byte {
	payload, err := json.Marshal(env)
	if err != nil {
		// The envelope types contain nothing unmarshalable.
		return []byte(`{"type":"error","error":"internal encoding failure"}`)
	}
	return payload
}

func statusEnvelope(ref models.ActorRef, status string) []byte {
	return marshalEnvelope(outboundEnvelope{Type: TypeUserStatus, ActorID: ref.ID, Status: status})
}

func typingEnvelope(sender models.ActorRef, isTyping bool) []byte {
	return marshalEnvelope(outboundEnvelope{Type: TypeTypingStatus, SenderID: sender.ID, IsTyping: &isTyping})
}

func errorEnvelope(correlationID, message string) []byte {
	return marshalEnvelope(outboundEnvelope{Type: TypeError, CorrelationID: correlationID, Error: message})
}
