package audit

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type EventType string

const (
	EventSessionRegister EventType = "session_register"
	EventSessionRemove   EventType = "session_remove"
	EventSessionExpired  EventType = "session_expired"
	EventStaleSocket     EventType = "stale_socket"
	EventAuthFailure     EventType = "auth_failure"
	EventRateLimitExceed EventType = "rate_limit_exceeded"
	EventCacheInvalidate EventType = "cache_invalidate"
)

type Event struct {
	Type             EventType
	UserID           string
	ConnectionHandle string
	IP               string
	UserAgent        string
	Details          map[string]any
}

func Log(ctx context.Context, event Event) {
	child := log.With().
		Str("audit", "session").
		Str("event_type", string(event.Type)).
		Time("timestamp", time.Now()).
		Logger()

	if event.UserID != "" {
		child = child.With().Str("user_id", event.UserID).Logger()
	}
	if event.ConnectionHandle != "" {
		child = child.With().Str("connection_handle", event.ConnectionHandle).Logger()
	}
	if event.IP != "" {
		child = child.With().Str("ip", event.IP).Logger()
	}
	if event.UserAgent != "" {
		child = child.With().Str("user_agent", event.UserAgent).Logger()
	}

	logEvent := child.Info()
	for k, v := range event.Details {
		logEvent = addField(logEvent, k, v)
	}
	logEvent.Msg("audit event")
}

func addField(e *zerolog.Event, key string, value any) *zerolog.Event {
	switch v := value.(type) {
	case string:
		return e.Str(key, v)
	case int:
		return e.Int(key, v)
	case int64:
		return e.Int64(key, v)
	case float64:
		return e.Float64(key, v)
	case bool:
		return e.Bool(key, v)
	case error:
		return e.AnErr(key, v)
	default:
		return e.Interface(key, v)
	}
}

func LogFromRequest(r *http.Request, event Event) {
	event.IP = ClientIP(r)
	event.UserAgent = r.UserAgent()
	Log(r.Context(), event)
}

// ClientIP prefers proxy headers over the socket address.
func ClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return forwarded
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	return r.RemoteAddr
}
