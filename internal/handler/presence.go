package handler

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/therr/realtime-server-go/internal/config"
	apperrors "github.com/therr/realtime-server-go/internal/errors"
	"github.com/therr/realtime-server-go/internal/model"
	"github.com/therr/realtime-server-go/internal/presence"
)

type PresenceHandler struct {
	tracker *presence.Tracker
}

func NewPresenceHandler(tracker *presence.Tracker) *PresenceHandler {
	return &PresenceHandler{tracker: tracker}
}

func (h *PresenceHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/batch", h.BatchIsOnline)
	r.Post("/active", h.ActiveUsers)
	r.Get("/{userId}", h.GetStatus)

	return r
}

type userIDsRequest struct {
	UserIDs []string `json:"userIds"`
}

func (req userIDsRequest) validate() error {
	if req.UserIDs == nil {
		return apperrors.MissingRequired("userIds")
	}
	if len(req.UserIDs) > config.PresenceBatchMaxUsers {
		return apperrors.InvalidInput("userIds", fmt.Sprintf("at most %d ids per request", config.PresenceBatchMaxUsers))
	}
	return nil
}

// POST /v1/presence/batch
func (h *PresenceHandler) BatchIsOnline(w http.ResponseWriter, r *http.Request) {
	var req userIDsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, r, err)
		return
	}

	online, err := h.tracker.BatchIsOnline(r.Context(), req.UserIDs)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"online": online})
}

// POST /v1/presence/active
func (h *PresenceHandler) ActiveUsers(w http.ResponseWriter, r *http.Request) {
	var req userIDsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, r, err)
		return
	}

	sessions, err := h.tracker.ActiveUsers(r.Context(), req.UserIDs)
	if err != nil {
		writeError(w, r, err)
		return
	}

	users := make([]map[string]any, 0, len(sessions))
	for _, s := range sessions {
		users = append(users, formatSession(s))
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

// GET /v1/presence/{userId}
func (h *PresenceHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")

	status, err := h.tracker.GetStatus(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"userId": userID,
		"status": status,
		"online": status != model.PresenceOffline,
	})
}

// formatSession omits connection handles, which are internal routing state.
func formatSession(s model.UserSession) map[string]any {
	return map[string]any{
		"id":        s.ID,
		"userName":  s.UserName,
		"firstName": s.FirstName,
		"lastName":  s.LastName,
		"status":    s.Status,
	}
}
