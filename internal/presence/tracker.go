package presence

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/therr/realtime-server-go/internal/fanout"
	"github.com/therr/realtime-server-go/internal/model"
	redisclient "github.com/therr/realtime-server-go/internal/redis"
	"github.com/therr/realtime-server-go/internal/session"
)

const EventTypePresence = "presence-changed"

type Publisher interface {
	Publish(ctx context.Context, channel string, event fanout.Event) error
}

// Tracker derives presence from the user-side session key. Socket validity
// is not consulted.
type Tracker struct {
	redis     *redisclient.Client
	registry  *session.Registry
	publisher Publisher
}

// NewTracker builds a tracker. publisher may be nil, in which case presence
// transitions are not broadcast.
func NewTracker(redisClient *redisclient.Client, registry *session.Registry, publisher Publisher) *Tracker {
	return &Tracker{
		redis:     redisClient,
		registry:  registry,
		publisher: publisher,
	}
}

func (t *Tracker) IsOnline(ctx context.Context, userID string) (bool, error) {
	ctx, cancel := t.redis.WithTimeout(ctx)
	defer cancel()

	n, err := t.redis.Exists(ctx, t.redis.Key(redisclient.UserKey(userID))).Result()
	if err != nil {
		return false, redisclient.StoreError("is online", err)
	}
	return n == 1, nil
}

// IsOnlineOrOffline is the degraded read: a store failure reads as offline.
func (t *Tracker) IsOnlineOrOffline(ctx context.Context, userID string) bool {
	online, err := t.IsOnline(ctx, userID)
	if err != nil {
		log.Warn().Err(err).Str("userId", userID).Msg("presence lookup failed, assuming offline")
		return false
	}
	return online
}

// BatchIsOnline answers for every id in one pipelined round trip. The result
// has the same order and length as userIDs. Keys are read independently, so
// the answers may reflect different instants.
func (t *Tracker) BatchIsOnline(ctx context.Context, userIDs []string) ([]bool, error) {
	online := make([]bool, len(userIDs))
	if len(userIDs) == 0 {
		return online, nil
	}

	ctx, cancel := t.redis.WithTimeout(ctx)
	defer cancel()

	pipe := t.redis.Pipeline()
	cmds := make([]*redis.IntCmd, len(userIDs))
	for i, id := range userIDs {
		cmds[i] = pipe.Exists(ctx, t.redis.Key(redisclient.UserKey(id)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, redisclient.StoreError("batch is online", err)
	}

	for i, cmd := range cmds {
		online[i] = cmd.Val() == 1
	}
	return online, nil
}

// ActiveUsers returns the live sessions among userIDs, skipping absent ones.
func (t *Tracker) ActiveUsers(ctx context.Context, userIDs []string) ([]model.UserSession, error) {
	sessions, err := t.registry.Sessions(ctx, userIDs)
	if err != nil {
		return nil, err
	}

	active := make([]model.UserSession, 0, len(sessions))
	for _, s := range sessions {
		if s != nil {
			active = append(active, *s)
		}
	}
	return active, nil
}

func (t *Tracker) GetStatus(ctx context.Context, userID string) (model.PresenceState, error) {
	s, err := t.registry.LookupSession(ctx, userID)
	if err != nil {
		return "", err
	}
	if s == nil {
		return model.PresenceOffline, nil
	}
	return model.PresenceState(s.Status), nil
}

// SetStatus updates the stored status and announces the change. It returns
// false when the user has no session.
func (t *Tracker) SetStatus(ctx context.Context, userID string, status model.UserStatus) (bool, error) {
	updated, err := t.registry.UpdateStatus(ctx, userID, status)
	if err != nil || !updated {
		return updated, err
	}

	t.Announce(ctx, userID, "", model.PresenceState(status))
	return true, nil
}

// Announce publishes a presence transition. Failures are logged only;
// presence events are advisory.
func (t *Tracker) Announce(ctx context.Context, userID, userName string, state model.PresenceState) {
	if t.publisher == nil {
		return
	}

	event, err := fanout.NewEvent(EventTypePresence, model.PresenceEvent{
		UserID:    userID,
		UserName:  userName,
		State:     state,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		log.Error().Err(err).Str("userId", userID).Msg("failed to encode presence event")
		return
	}

	if err := t.publisher.Publish(ctx, redisclient.PresenceChannel, event); err != nil {
		log.Warn().Err(err).Str("userId", userID).Str("state", string(state)).Msg("failed to publish presence event")
	}
}
