package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/therr/realtime-server-go/internal/errors"
	"github.com/therr/realtime-server-go/internal/service"
)

type Notifier interface {
	SendDirectMessage(ctx context.Context, msg service.DirectMessage) (service.Outcome, error)
	NotifyReaction(ctx context.Context, reaction service.Reaction) (service.Outcome, error)
}

// NotificationHandler accepts notifications on behalf of the authenticated
// sender. Sender fields in the body are ignored.
type NotificationHandler struct {
	notifier Notifier
}

func NewNotificationHandler(notifier Notifier) *NotificationHandler {
	return &NotificationHandler{notifier: notifier}
}

func (h *NotificationHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/direct-message", h.DirectMessage)
	r.Post("/reaction", h.Reaction)

	return r
}

// POST /v1/notifications/direct-message
func (h *NotificationHandler) DirectMessage(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	var msg service.DirectMessage
	if err := decodeJSON(r, &msg); err != nil {
		writeError(w, r, err)
		return
	}
	if msg.ToUserID == "" {
		writeError(w, r, apperrors.MissingRequired("toUserId"))
		return
	}

	msg.FromUserID = identity.UserID
	msg.FromUserName = identity.UserName

	outcome, err := h.notifier.SendDirectMessage(r.Context(), msg)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"outcome": outcome})
}

// POST /v1/notifications/reaction
func (h *NotificationHandler) Reaction(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	var reaction service.Reaction
	if err := decodeJSON(r, &reaction); err != nil {
		writeError(w, r, err)
		return
	}
	if reaction.ContentID == "" {
		writeError(w, r, apperrors.MissingRequired("contentId"))
		return
	}
	if reaction.ContentUserID == "" {
		writeError(w, r, apperrors.MissingRequired("contentUserId"))
		return
	}

	reaction.ReactorUserID = identity.UserID
	reaction.ReactorUserName = identity.UserName

	outcome, err := h.notifier.NotifyReaction(r.Context(), reaction)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"outcome": outcome})
}
