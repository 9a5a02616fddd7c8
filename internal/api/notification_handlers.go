package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// Notifications lists the caller's notifications. ?unread=true restricts the
// result to unread entries.
func (h *Handler) Notifications(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	actor, ok := h.requireAuthenticatedActor(w, r)
	if !ok {
		return
	}
	if h.Notifier == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("notifications not configured"))
		return
	}
	unreadOnly := false
	if raw := r.URL.Query().Get("unread"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid unread filter %q", raw))
			return
		}
		unreadOnly = parsed
	}
	notifications, err := h.Notifier.List(r.Context(), actor.Ref(), unreadOnly)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"notifications": notifications})
}

// NotificationByID handles POST /api/notifications/{id}/read.
func (h *Handler) NotificationByID(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireAuthenticatedActor(w, r)
	if !ok {
		return
	}
	if h.Notifier == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("notifications not configured"))
		return
	}
	trimmed := strings.TrimPrefix(r.URL.Path, "/api/notifications/")
	parts := strings.Split(strings.Trim(trimmed, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "read" {
		writeError(w, http.StatusNotFound, fmt.Errorf("invalid notification path"))
		return
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	notification, err := h.Notifier.MarkRead(r.Context(), parts[0], actor.Ref())
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, notification)
}

// NotificationsReadAll handles POST /api/notifications/read-all.
func (h *Handler) NotificationsReadAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	actor, ok := h.requireAuthenticatedActor(w, r)
	if !ok {
		return
	}
	if h.Notifier == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("notifications not configured"))
		return
	}
	updated, err := h.Notifier.MarkAllRead(r.Context(), actor.Ref())
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": updated})
}

type domainEventRequest struct {
	Kind        string `json:"kind"`
	RecipientID string `json:"recipientId"`
	Message     string `json:"message"`
	RelatedID   string `json:"relatedId"`
}

// Events accepts workflow events from trusted platform services and fans them
// out as notifications. POST /api/events.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if _, ok := h.requireAuthenticatedActor(w, r); !ok {
		return
	}
	if h.Gateway == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("realtime gateway not configured"))
		return
	}

	var req domainEventRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.Gateway.PublishDomainEvent(r.Context(), req.Kind, req.RecipientID, req.Message, req.RelatedID); err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
