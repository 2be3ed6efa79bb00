package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/therr/realtime-server-go/internal/audit"
	"github.com/therr/realtime-server-go/internal/model"
	"github.com/therr/realtime-server-go/internal/service"
)

type LocationService interface {
	ProcessLocation(ctx context.Context, userID string, position model.Coordinates) (*service.LocationResult, error)
	InvalidateCache(ctx context.Context, userID string) error
}

type LocationHandler struct {
	locationService LocationService
}

func NewLocationHandler(locationService LocationService) *LocationHandler {
	return &LocationHandler{locationService: locationService}
}

func (h *LocationHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.UpdateLocation)
	r.Delete("/cache", h.InvalidateCache)

	return r
}

// POST /v1/location
func (h *LocationHandler) UpdateLocation(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	var position model.Coordinates
	if err := decodeJSON(r, &position); err != nil {
		writeError(w, r, err)
		return
	}

	result, err := h.locationService.ProcessLocation(r.Context(), identity.UserID, position)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// DELETE /v1/location/cache
func (h *LocationHandler) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	if err := h.locationService.InvalidateCache(r.Context(), identity.UserID); err != nil {
		writeError(w, r, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:   audit.EventCacheInvalidate,
		UserID: identity.UserID,
	})
	w.WriteHeader(http.StatusNoContent)
}
