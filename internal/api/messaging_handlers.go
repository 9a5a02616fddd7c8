package api

import (
	"fmt"
	"net/http"
	"strings"

	"reelsync/internal/identity"
	"reelsync/internal/models"
)

type sendMessageRequest struct {
	RecipientID   string `json:"recipientId"`
	Content       string `json:"content"`
	CorrelationID string `json:"correlationId"`
}

type messageResponse struct {
	Message       models.Message   `json:"message"`
	Sender        identity.Profile `json:"sender"`
	IsCurrentUser bool             `json:"isCurrentUser"`
}

// Conversations lists the caller's active conversation summaries, most recent
// first.
func (h *Handler) Conversations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	actor, ok := h.requireAuthenticatedActor(w, r)
	if !ok {
		return
	}
	summaries, err := h.Store.ListConversations(r.Context(), actor.Ref())
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	for i := range summaries {
		summaries[i].Partner.PasswordHash = ""
		summaries[i].Partner.Email = ""
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"conversations": summaries})
}

// ConversationByPartner dispatches the nested conversation routes:
//
//	GET  /api/conversations/{partner}/messages
//	POST /api/conversations/{partner}/read
//	POST /api/conversations/{partner}/archive
func (h *Handler) ConversationByPartner(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireAuthenticatedActor(w, r)
	if !ok {
		return
	}

	trimmed := strings.TrimPrefix(r.URL.Path, "/api/conversations/")
	parts := strings.Split(strings.Trim(trimmed, "/"), "/")
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("invalid conversation path"))
		return
	}
	partner, err := h.resolver().ResolveRef(r.Context(), parts[0])
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}

	switch parts[1] {
	case "messages":
		h.listMessages(w, r, actor, partner)
	case "read":
		h.markConversationRead(w, r, actor, partner)
	case "archive":
		h.archiveConversation(w, r, actor, partner)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown conversation action %q", parts[1]))
	}
}

func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request, actor models.Actor, partner models.ActorRef) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	messages, err := h.Store.ListMessages(r.Context(), actor.Ref(), partner)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	profiles := map[models.ActorRef]identity.Profile{
		actor.Ref(): identity.ProfileOf(actor),
	}
	if partnerProfile, err := h.resolver().ProfileFor(r.Context(), partner); err == nil {
		profiles[partner] = partnerProfile
	}
	payload := make([]messageResponse, 0, len(messages))
	for _, message := range messages {
		payload = append(payload, messageResponse{
			Message:       message,
			Sender:        profiles[message.Sender],
			IsCurrentUser: message.Sender == actor.Ref(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": payload})
}

func (h *Handler) markConversationRead(w http.ResponseWriter, r *http.Request, actor models.Actor, partner models.ActorRef) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	updated, err := h.Store.MarkConversationRead(r.Context(), actor.Ref(), partner)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": updated})
}

func (h *Handler) archiveConversation(w http.ResponseWriter, r *http.Request, actor models.Actor, partner models.ActorRef) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	conversation, err := h.Store.FindOrCreateConversation(r.Context(), actor.Ref(), partner)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	if err := h.Store.ArchiveConversation(r.Context(), conversation.ID, actor.Ref()); err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Messages accepts POST /api/messages, the REST counterpart of the websocket
// send. The message is persisted and, when the recipient is online, pushed.
func (h *Handler) Messages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	actor, ok := h.requireAuthenticatedActor(w, r)
	if !ok {
		return
	}
	if h.MessageRouter == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("message router not configured"))
		return
	}

	var req sendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	message, err := h.MessageRouter.Route(r.Context(), actor.Ref(), req.RecipientID, req.Content, req.CorrelationID)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, messageResponse{
		Message:       message,
		Sender:        identity.ProfileOf(actor),
		IsCurrentUser: true,
	})
}

type actorResult struct {
	identity.Profile
	Status string `json:"status"`
}

// Actors answers GET /api/actors?query= with profiles matching the search
// term, annotated with live presence.
func (h *Handler) Actors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if _, ok := h.requireAuthenticatedActor(w, r); !ok {
		return
	}
	query := strings.TrimSpace(r.URL.Query().Get("query"))
	actors, err := h.Store.SearchActors(r.Context(), query, 25)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	ids := make([]string, 0, len(actors))
	for _, actor := range actors {
		ids = append(ids, actor.ID)
	}
	statuses := map[string]string{}
	if h.Presence != nil {
		statuses = h.Presence.QueryStatuses(ids)
	}
	results := make([]actorResult, 0, len(actors))
	for _, actor := range actors {
		status := statuses[actor.ID]
		if status == "" {
			status = "offline"
		}
		results = append(results, actorResult{Profile: identity.ProfileOf(actor), Status: status})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"actors": results})
}
