package throttle

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/therr/realtime-server-go/internal/errors"
	redisclient "github.com/therr/realtime-server-go/internal/redis"
)

type Kind string

const (
	KindDirectMessage Kind = "direct-message"
	KindReaction      Kind = "reaction"
)

type Decision int

const (
	Suppressed Decision = iota
	Permitted
)

func (d Decision) String() string {
	if d == Permitted {
		return "permitted"
	}
	return "suppressed"
}

const (
	DefaultDirectMessageTTL = 1200 * time.Second
	DefaultReactionTTL      = 60 * time.Second

	lockValue = "1"
)

// TTLs is the per-kind lock lifetime table.
type TTLs struct {
	DirectMessage time.Duration
	Reaction      time.Duration
}

func DefaultTTLs() TTLs {
	return TTLs{DirectMessage: DefaultDirectMessageTTL, Reaction: DefaultReactionTTL}
}

// Gate suppresses repeat notifications per (kind, recipient, sender) until
// the lock key expires. Locks are never deleted explicitly.
//
// TryAcquire reads and then writes the lock in two commands. Two concurrent
// callers can both observe no lock and both be permitted, producing one
// duplicate notification.
type Gate struct {
	redis *redisclient.Client
	ttls  TTLs
}

func NewGate(redisClient *redisclient.Client, ttls TTLs) *Gate {
	if ttls.DirectMessage <= 0 {
		ttls.DirectMessage = DefaultDirectMessageTTL
	}
	if ttls.Reaction <= 0 {
		ttls.Reaction = DefaultReactionTTL
	}
	return &Gate{redis: redisClient, ttls: ttls}
}

func (g *Gate) lock(kind Kind, toUserID, fromUserID string) (string, time.Duration, error) {
	switch kind {
	case KindDirectMessage:
		return redisclient.DMThrottleKey(toUserID, fromUserID), g.ttls.DirectMessage, nil
	case KindReaction:
		return redisclient.ReactionThrottleKey(toUserID, fromUserID), g.ttls.Reaction, nil
	default:
		return "", 0, apperrors.UnknownThrottleKind(string(kind))
	}
}

func (g *Gate) TryAcquire(ctx context.Context, kind Kind, toUserID, fromUserID string) (Decision, error) {
	key, ttl, err := g.lock(kind, toUserID, fromUserID)
	if err != nil {
		return Suppressed, err
	}
	key = g.redis.Key(key)

	ctx, cancel := g.redis.WithTimeout(ctx)
	defer cancel()

	err = g.redis.Get(ctx, key).Err()
	if err == nil {
		log.Debug().
			Str("kind", string(kind)).
			Str("toUserId", toUserID).
			Str("fromUserId", fromUserID).
			Msg("notification throttled")
		return Suppressed, nil
	}
	if !redisclient.IsNil(err) {
		return Suppressed, redisclient.StoreError("throttle check", err)
	}

	if err := g.redis.SetEx(ctx, key, lockValue, ttl).Err(); err != nil {
		return Suppressed, redisclient.StoreError("throttle set", err)
	}
	return Permitted, nil
}

func (g *Gate) ThrottleDMNotification(ctx context.Context, toUserID, fromUserID string) (bool, error) {
	d, err := g.TryAcquire(ctx, KindDirectMessage, toUserID, fromUserID)
	return d == Permitted, err
}

func (g *Gate) ThrottleReactionNotification(ctx context.Context, toUserID, fromUserID string) (bool, error) {
	d, err := g.TryAcquire(ctx, KindReaction, toUserID, fromUserID)
	return d == Permitted, err
}
