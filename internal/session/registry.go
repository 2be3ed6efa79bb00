package session

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	apperrors "github.com/therr/realtime-server-go/internal/errors"
	"github.com/therr/realtime-server-go/internal/model"
	redisclient "github.com/therr/realtime-server-go/internal/redis"
)

const DefaultTTL = 1800 * time.Second

// removeScript drops the socket-side mapping and, only when the user-side
// session is missing or still bound to this connection, the session itself.
// A late disconnect of an old connection must not erase a reconnected session.
var removeScript = redis.NewScript(`
redis.call('DEL', KEYS[2])

local raw = redis.call('GET', KEYS[1])
if not raw then
    return 0
end

local ok, session = pcall(cjson.decode, raw)
if ok and type(session) == 'table' and session.socketId ~= ARGV[1] then
    return 0
end

redis.call('DEL', KEYS[1])
return 1
`)

// Registry maintains the connection handle <-> user mapping. Both directions
// live under independent keys with the same TTL; the store gives no
// cross-key atomicity so every multi-key write is ordered to fail open.
type Registry struct {
	redis *redisclient.Client
	ttl   time.Duration
}

func NewRegistry(client *redisclient.Client, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{redis: client, ttl: ttl}
}

func (r *Registry) TTL() time.Duration {
	return r.ttl
}

// Register binds handle to userID. On reconnect the prior handle is recorded
// as PreviousSocketID and its socket-side key is deleted in a second round
// trip, after the new keys are written.
func (r *Registry) Register(ctx context.Context, handle, userID string, profile model.Profile) (*model.UserSession, error) {
	if handle == "" {
		return nil, apperrors.MissingRequired("connectionHandle")
	}
	if userID == "" {
		return nil, apperrors.MissingRequired("userId")
	}

	prior, err := r.LookupSession(ctx, userID)
	if err != nil {
		return nil, err
	}

	session := &model.UserSession{
		ID:        userID,
		SocketID:  handle,
		UserName:  profile.UserName,
		FirstName: profile.FirstName,
		LastName:  profile.LastName,
		Status:    model.UserStatusActive,
	}

	var staleHandle string
	if prior != nil {
		mergeProfile(session, prior)
		if prior.SocketID != handle {
			session.PreviousSocketID = prior.SocketID
			staleHandle = prior.SocketID
		} else {
			session.PreviousSocketID = prior.PreviousSocketID
		}
	}

	data, err := json.Marshal(session)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeInternal, "Failed to encode session", err)
	}

	ctx, cancel := r.redis.WithTimeout(ctx)
	defer cancel()

	pipe := r.redis.Pipeline()
	pipe.Set(ctx, r.redis.Key(redisclient.UserKey(userID)), data, r.ttl)
	pipe.Set(ctx, r.redis.Key(redisclient.UserSocketKey(handle)), userID, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, redisclient.StoreError("register", err)
	}

	if staleHandle != "" {
		if err := r.redis.Del(ctx, r.redis.Key(redisclient.UserSocketKey(staleHandle))).Err(); err != nil {
			log.Error().Err(err).
				Str("userId", userID).
				Str("connectionHandle", staleHandle).
				Msg("failed to delete previous socket mapping")
			return session, redisclient.StoreError("register: delete previous socket", err)
		}
	}

	log.Debug().
		Str("userId", userID).
		Str("connectionHandle", handle).
		Str("previousConnectionHandle", session.PreviousSocketID).
		Msg("session registered")

	return session, nil
}

func mergeProfile(session, prior *model.UserSession) {
	if session.UserName == "" {
		session.UserName = prior.UserName
	}
	if session.FirstName == "" {
		session.FirstName = prior.FirstName
	}
	if session.LastName == "" {
		session.LastName = prior.LastName
	}
}

func (r *Registry) LookupUserBySocket(ctx context.Context, handle string) (string, bool, error) {
	ctx, cancel := r.redis.WithTimeout(ctx)
	defer cancel()

	userID, err := r.redis.Get(ctx, r.redis.Key(redisclient.UserSocketKey(handle))).Result()
	if redisclient.IsNil(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, redisclient.StoreError("lookup user by socket", err)
	}
	return userID, true, nil
}

// LookupSession returns nil without error when the user has no live session.
func (r *Registry) LookupSession(ctx context.Context, userID string) (*model.UserSession, error) {
	ctx, cancel := r.redis.WithTimeout(ctx)
	defer cancel()

	data, err := r.redis.Get(ctx, r.redis.Key(redisclient.UserKey(userID))).Bytes()
	if redisclient.IsNil(err) {
		return nil, nil
	}
	if err != nil {
		return nil, redisclient.StoreError("lookup session", err)
	}

	var session model.UserSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeInternal, "Failed to decode session", err)
	}
	return &session, nil
}

// Sessions loads many sessions in one pipelined round trip. The result has
// the same length and order as userIDs; missing or undecodable entries are nil.
func (r *Registry) Sessions(ctx context.Context, userIDs []string) ([]*model.UserSession, error) {
	if len(userIDs) == 0 {
		return []*model.UserSession{}, nil
	}

	ctx, cancel := r.redis.WithTimeout(ctx)
	defer cancel()

	pipe := r.redis.Pipeline()
	cmds := make([]*redis.StringCmd, len(userIDs))
	for i, id := range userIDs {
		cmds[i] = pipe.Get(ctx, r.redis.Key(redisclient.UserKey(id)))
	}
	if _, err := pipe.Exec(ctx); err != nil && !redisclient.IsNil(err) {
		return nil, redisclient.StoreError("load sessions", err)
	}

	sessions := make([]*model.UserSession, len(userIDs))
	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		if redisclient.IsNil(err) {
			continue
		}
		if err != nil {
			return nil, redisclient.StoreError("load sessions", err)
		}

		var session model.UserSession
		if err := json.Unmarshal(data, &session); err != nil {
			log.Warn().Err(err).Str("userId", userIDs[i]).Msg("skipping undecodable session")
			continue
		}
		sessions[i] = &session
	}
	return sessions, nil
}

// RefreshResult is the outcome of a heartbeat refresh.
type RefreshResult int

const (
	// RefreshExpired means the user-side session is gone.
	RefreshExpired RefreshResult = iota
	Refreshed
	// RefreshSuperseded means the session is bound to another connection.
	RefreshSuperseded
)

func (r RefreshResult) String() string {
	switch r {
	case Refreshed:
		return "refreshed"
	case RefreshSuperseded:
		return "superseded"
	default:
		return "expired"
	}
}

// refreshScript extends both keys only while the session is bound to
// ARGV[1]. The socket-side key is rewritten so a mapping lost to an earlier
// partial write is restored.
var refreshScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
    return 0
end

local ok, session = pcall(cjson.decode, raw)
if ok and type(session) == 'table' and session.socketId ~= ARGV[1] then
    return 2
end

redis.call('PEXPIRE', KEYS[1], ARGV[2])
redis.call('SET', KEYS[2], ARGV[3], 'PX', ARGV[2])
return 1
`)

// RefreshTTL extends both keys for handle. Expired means the caller should
// register again; Superseded means handle was retired by a reconnect and
// nothing was touched.
func (r *Registry) RefreshTTL(ctx context.Context, userID, handle string) (RefreshResult, error) {
	ctx, cancel := r.redis.WithTimeout(ctx)
	defer cancel()

	keys := []string{
		r.redis.Key(redisclient.UserKey(userID)),
		r.redis.Key(redisclient.UserSocketKey(handle)),
	}
	result, err := refreshScript.Run(ctx, r.redis, keys, handle, r.ttl.Milliseconds(), userID).Int()
	if err != nil {
		return RefreshExpired, redisclient.StoreError("refresh ttl", err)
	}

	switch result {
	case 1:
		return Refreshed, nil
	case 2:
		return RefreshSuperseded, nil
	default:
		return RefreshExpired, nil
	}
}

// UpdateStatus rewrites the session status keeping its remaining TTL. It
// returns false when there is no session to update.
func (r *Registry) UpdateStatus(ctx context.Context, userID string, status model.UserStatus) (bool, error) {
	if !status.Valid() {
		return false, apperrors.InvalidInput("status", string(status))
	}

	session, err := r.LookupSession(ctx, userID)
	if err != nil || session == nil {
		return false, err
	}
	if session.Status == status {
		return true, nil
	}
	session.Status = status

	data, err := json.Marshal(session)
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrCodeInternal, "Failed to encode session", err)
	}

	ctx, cancel := r.redis.WithTimeout(ctx)
	defer cancel()

	err = r.redis.SetArgs(ctx, r.redis.Key(redisclient.UserKey(userID)), data, redis.SetArgs{
		Mode:    "XX",
		KeepTTL: true,
	}).Err()
	if redisclient.IsNil(err) {
		// expired between read and write
		return false, nil
	}
	if err != nil {
		return false, redisclient.StoreError("update status", err)
	}
	return true, nil
}

// Remove deletes the mapping for handle. Removing an absent session is a
// no-op. When userID is empty it is resolved from the socket-side key.
func (r *Registry) Remove(ctx context.Context, handle, userID string) error {
	if userID == "" {
		id, ok, err := r.LookupUserBySocket(ctx, handle)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		userID = id
	}

	ctx, cancel := r.redis.WithTimeout(ctx)
	defer cancel()

	keys := []string{
		r.redis.Key(redisclient.UserKey(userID)),
		r.redis.Key(redisclient.UserSocketKey(handle)),
	}
	removed, err := removeScript.Run(ctx, r.redis, keys, handle).Int()
	if err != nil {
		return redisclient.StoreError("remove session", err)
	}

	log.Debug().
		Str("userId", userID).
		Str("connectionHandle", handle).
		Bool("sessionRemoved", removed == 1).
		Msg("session removed")
	return nil
}

// ResolveSocket follows handle to its user session. A dangling pointer, or one
// whose session is bound to another connection, reads as offline (nil) and the
// stale socket-side key is deleted. A match on PreviousSocketID is the
// transient reconnect window and resolves normally.
func (r *Registry) ResolveSocket(ctx context.Context, handle string) (*model.UserSession, error) {
	userID, ok, err := r.LookupUserBySocket(ctx, handle)
	if err != nil || !ok {
		return nil, err
	}

	session, err := r.LookupSession(ctx, userID)
	if err != nil {
		return nil, err
	}
	if session != nil && (session.SocketID == handle || session.PreviousSocketID == handle) {
		return session, nil
	}

	if session == nil {
		log.Debug().
			Str("userId", userID).
			Str("connectionHandle", handle).
			Msg("socket mapping points at expired session")
	} else {
		log.Warn().
			Err(apperrors.InconsistentSessionState(handle, userID)).
			Str("userId", userID).
			Str("connectionHandle", handle).
			Str("boundConnectionHandle", session.SocketID).
			Msg("stale socket mapping")
	}

	r.deleteSocket(ctx, handle)
	return nil, nil
}

func (r *Registry) deleteSocket(ctx context.Context, handle string) {
	ctx, cancel := r.redis.WithTimeout(ctx)
	defer cancel()

	if err := r.redis.Del(ctx, r.redis.Key(redisclient.UserSocketKey(handle))).Err(); err != nil {
		log.Warn().Err(err).Str("connectionHandle", handle).Msg("failed to delete stale socket mapping")
	}
}

// ScanSockets returns one SCAN page of connection handles.
func (r *Registry) ScanSockets(ctx context.Context, cursor uint64, count int64) ([]string, uint64, error) {
	ctx, cancel := r.redis.WithTimeout(ctx)
	defer cancel()

	keys, next, err := r.redis.Scan(ctx, cursor, r.redis.Key(redisclient.UserSocketPattern), count).Result()
	if err != nil {
		return nil, 0, redisclient.StoreError("scan sockets", err)
	}

	prefix := r.redis.Key(redisclient.UserSocketKey(""))
	handles := make([]string, 0, len(keys))
	for _, key := range keys {
		handles = append(handles, strings.TrimPrefix(key, prefix))
	}
	return handles, next, nil
}
