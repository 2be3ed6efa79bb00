package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/therr/realtime-server-go/internal/config"
	"github.com/therr/realtime-server-go/internal/database"
	redisclient "github.com/therr/realtime-server-go/internal/redis"
)

type ConnectionCounter interface {
	ConnectionCount() int
}

// HealthHandler reports store reachability. db may be nil when nearby
// content loading is disabled.
type HealthHandler struct {
	store   *redisclient.Client
	db      *database.DB
	gateway ConnectionCounter
}

func NewHealthHandler(store *redisclient.Client, db *database.DB, gateway ConnectionCounter) *HealthHandler {
	return &HealthHandler{store: store, db: db, gateway: gateway}
}

// GET /health
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.DBPingTimeout)
	defer cancel()

	status := http.StatusOK
	checks := map[string]string{"store": "ok"}

	if err := h.store.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Msg("health check: store unreachable")
		checks["store"] = "unavailable"
		status = http.StatusServiceUnavailable
	}

	if h.db != nil {
		checks["database"] = "ok"
		if err := h.db.Ping(ctx); err != nil {
			log.Warn().Err(err).Msg("health check: database unreachable")
			checks["database"] = "unavailable"
		}
	}

	body := map[string]any{
		"status":    "ok",
		"checks":    checks,
		"timestamp": time.Now().UnixMilli(),
	}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	if h.gateway != nil {
		body["connections"] = h.gateway.ConnectionCount()
	}

	writeJSON(w, status, body)
}
