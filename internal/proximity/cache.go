package proximity

import (
	"context"
	"encoding/json"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/therr/realtime-server-go/internal/config"
	apperrors "github.com/therr/realtime-server-go/internal/errors"
	"github.com/therr/realtime-server-go/internal/model"
	redisclient "github.com/therr/realtime-server-go/internal/redis"
)

const (
	DefaultTTL = 1200 * time.Second

	fieldOrigin               = "origin"
	fieldLastNotificationDate = "lastNotificationDateMs"
	fieldExists               = "exists"
)

// refreshScript applies the coarse TTL to a category's index, its metadata
// hash and every member hash still in the index. Member keys are built inside
// the script, so it needs a standalone (non-cluster) store.
var refreshScript = redis.NewScript(`
local ttl = tonumber(ARGV[1])

redis.call('EXPIRE', KEYS[1], ttl)
redis.call('EXPIRE', KEYS[2], ttl)

local members = redis.call('ZRANGE', KEYS[1], 0, -1)
for _, id in ipairs(members) do
    redis.call('EXPIRE', ARGV[2] .. id, ttl)
end

return #members
`)

// Cache is the per-user geo index of nearby content not yet surfaced to the
// user. A category's index, its member hashes and its metadata share one
// coarse TTL refreshed on every write; members never expire individually and
// are removed explicitly when activated or out of range.
type Cache struct {
	redis *redisclient.Client
	ttl   time.Duration
}

func NewCache(redisClient *redisclient.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{redis: redisClient, ttl: ttl}
}

func (c *Cache) TTL() time.Duration {
	return c.ttl
}

func (c *Cache) metaKey(userID string, cat model.Category) string {
	return c.redis.Key(redisclient.ProximityKey(userID, cat.Namespace()))
}

func (c *Cache) geoKey(userID string, cat model.Category) string {
	return c.redis.Key(redisclient.GeoKey(userID, cat.Namespace()))
}

func (c *Cache) maxDistanceKey(userID string, cat model.Category) string {
	return c.redis.Key(redisclient.MaxActivationDistanceKey(userID, cat.Namespace()))
}

func (c *Cache) memberKey(userID string, cat model.Category, contentID string) string {
	return c.redis.Key(redisclient.UnactivatedKey(userID, cat.Namespace(), contentID))
}

// Touch creates the metadata hashes for both categories so that later writes
// expire together with them.
func (c *Cache) Touch(ctx context.Context, userID string) error {
	ctx, cancel := c.redis.WithTimeout(ctx)
	defer cancel()

	pipe := c.redis.Pipeline()
	for _, cat := range model.Categories {
		pipe.HSet(ctx, c.metaKey(userID, cat), fieldExists, "true")
		pipe.Expire(ctx, c.metaKey(userID, cat), c.ttl)
	}
	_, err := pipe.Exec(ctx)
	return redisclient.StoreError("touch proximity cache", err)
}

// GetOrigin returns nil when no origin is recorded.
func (c *Cache) GetOrigin(ctx context.Context, userID string, cat model.Category) (*model.Coordinates, error) {
	ctx, cancel := c.redis.WithTimeout(ctx)
	defer cancel()

	raw, err := c.redis.HGet(ctx, c.metaKey(userID, cat), fieldOrigin).Bytes()
	if redisclient.IsNil(err) {
		return nil, nil
	}
	if err != nil {
		return nil, redisclient.StoreError("get origin", err)
	}

	var origin model.Coordinates
	if err := json.Unmarshal(raw, &origin); err != nil {
		log.Warn().Err(err).Str("userId", userID).Str("category", string(cat)).Msg("discarding undecodable origin")
		return nil, nil
	}
	return &origin, nil
}

func (c *Cache) SetOrigin(ctx context.Context, userID string, cat model.Category, origin model.Coordinates) error {
	data, err := json.Marshal(origin)
	if err != nil {
		return err
	}

	ctx, cancel := c.redis.WithTimeout(ctx)
	defer cancel()

	pipe := c.redis.Pipeline()
	pipe.HSet(ctx, c.metaKey(userID, cat), fieldOrigin, data)
	pipe.Expire(ctx, c.metaKey(userID, cat), c.ttl)
	_, err = pipe.Exec(ctx)
	return redisclient.StoreError("set origin", err)
}

// GetLastNotificationTime returns the epoch milliseconds of the last
// nearby-content notification, and false when none is recorded.
func (c *Cache) GetLastNotificationTime(ctx context.Context, userID string, cat model.Category) (int64, bool, error) {
	ctx, cancel := c.redis.WithTimeout(ctx)
	defer cancel()

	raw, err := c.redis.HGet(ctx, c.metaKey(userID, cat), fieldLastNotificationDate).Result()
	if redisclient.IsNil(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, redisclient.StoreError("get last notification time", err)
	}

	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, nil
	}
	return ms, true, nil
}

func (c *Cache) SetLastNotificationTime(ctx context.Context, userID string, cat model.Category, epochMs int64) error {
	ctx, cancel := c.redis.WithTimeout(ctx)
	defer cancel()

	pipe := c.redis.Pipeline()
	pipe.HSet(ctx, c.metaKey(userID, cat), fieldLastNotificationDate, strconv.FormatInt(epochMs, 10))
	pipe.Expire(ctx, c.metaKey(userID, cat), c.ttl)
	_, err := pipe.Exec(ctx)
	return redisclient.StoreError("set last notification time", err)
}

// GetMaxActivationDistance falls back to the default search radius when no
// value is cached.
func (c *Cache) GetMaxActivationDistance(ctx context.Context, userID string, cat model.Category) (float64, error) {
	ctx, cancel := c.redis.WithTimeout(ctx)
	defer cancel()

	raw, err := c.redis.Get(ctx, c.maxDistanceKey(userID, cat)).Result()
	if redisclient.IsNil(err) {
		return config.FallbackCacheSearchRadiusMeters, nil
	}
	if err != nil {
		return 0, redisclient.StoreError("get max activation distance", err)
	}

	meters, err := strconv.ParseFloat(raw, 64)
	if err != nil || meters <= 0 {
		return config.FallbackCacheSearchRadiusMeters, nil
	}
	return meters, nil
}

// SetMaxActivationDistance stores meters as a whole-number string, rounded up
// so the cached search radius never falls short of an activation threshold.
func (c *Cache) SetMaxActivationDistance(ctx context.Context, userID string, cat model.Category, meters float64) error {
	ctx, cancel := c.redis.WithTimeout(ctx)
	defer cancel()

	value := strconv.FormatInt(int64(math.Ceil(meters)), 10)
	err := c.redis.Set(ctx, c.maxDistanceKey(userID, cat), value, c.ttl).Err()
	return redisclient.StoreError("set max activation distance", err)
}

func (c *Cache) UpsertNearbyContent(ctx context.Context, userID string, cat model.Category, content model.NearbyContent) error {
	return c.UpsertNearbyContentBatch(ctx, userID, cat, []model.NearbyContent{content})
}

// UpsertNearbyContentBatch adds or replaces members and their attribute
// hashes, refreshing the TTL of the index, its members and its metadata in
// the same pipeline.
func (c *Cache) UpsertNearbyContentBatch(ctx context.Context, userID string, cat model.Category, items []model.NearbyContent) error {
	if len(items) == 0 {
		return nil
	}
	for i := range items {
		if err := items[i].Coordinates().Validate(); err != nil {
			return err
		}
	}

	ctx, cancel := c.redis.WithTimeout(ctx)
	defer cancel()

	geoKey := c.geoKey(userID, cat)
	pipe := c.redis.Pipeline()
	for i := range items {
		item := &items[i]
		pipe.GeoAdd(ctx, geoKey, &redis.GeoLocation{
			Name:      item.ID,
			Longitude: item.Longitude,
			Latitude:  item.Latitude,
		})
		pipe.HSet(ctx, c.memberKey(userID, cat, item.ID), encodeContent(item)...)
	}
	// Eval, not Run: EVALSHA cannot fall back to EVAL inside a pipeline.
	refreshScript.Eval(ctx, pipe,
		[]string{geoKey, c.metaKey(userID, cat)},
		int64(c.ttl/time.Second),
		c.memberKey(userID, cat, ""),
	)

	if _, err := pipe.Exec(ctx); err != nil {
		return redisclient.StoreError("upsert nearby content", err)
	}

	log.Debug().
		Str("userId", userID).
		Str("category", string(cat)).
		Int("count", len(items)).
		Msg("cached nearby content")
	return nil
}

func (c *Cache) RemoveNearbyContent(ctx context.Context, userID string, cat model.Category, contentID string) error {
	return c.RemoveNearbyContentBatch(ctx, userID, cat, []string{contentID})
}

func (c *Cache) RemoveNearbyContentBatch(ctx context.Context, userID string, cat model.Category, contentIDs []string) error {
	if len(contentIDs) == 0 {
		return nil
	}

	ctx, cancel := c.redis.WithTimeout(ctx)
	defer cancel()

	geoKey := c.geoKey(userID, cat)
	pipe := c.redis.Pipeline()
	for _, id := range contentIDs {
		pipe.ZRem(ctx, geoKey, id)
		pipe.Del(ctx, c.memberKey(userID, cat, id))
	}
	_, err := pipe.Exec(ctx)
	return redisclient.StoreError("remove nearby content", err)
}

type QueryOptions struct {
	// SortNearest orders results by ascending distance. Without it the
	// order is whatever the store returns.
	SortNearest bool
	// Limit caps the number of results; zero means unlimited.
	Limit int
}

// QueryWithinRadius returns the ids of cached content within radiusMeters
// of origin.
func (c *Cache) QueryWithinRadius(ctx context.Context, userID string, cat model.Category, origin model.Coordinates, radiusMeters float64, opts QueryOptions) ([]string, error) {
	locations, err := c.radius(ctx, userID, cat, origin, radiusMeters, opts, false)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(locations))
	for i, loc := range locations {
		ids[i] = loc.Name
	}
	return ids, nil
}

// QueryNearbyContent returns up to limit cached items nearest to origin
// within radiusMeters, with their attributes and distance. Members whose
// attribute hash is gone are skipped.
func (c *Cache) QueryNearbyContent(ctx context.Context, userID string, cat model.Category, origin model.Coordinates, radiusMeters float64, limit int) ([]model.NearbyContent, error) {
	locations, err := c.radius(ctx, userID, cat, origin, radiusMeters, QueryOptions{SortNearest: true, Limit: limit}, true)
	if err != nil || len(locations) == 0 {
		return nil, err
	}

	ctx, cancel := c.redis.WithTimeout(ctx)
	defer cancel()

	pipe := c.redis.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(locations))
	for i, loc := range locations {
		cmds[i] = pipe.HGetAll(ctx, c.memberKey(userID, cat, loc.Name))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, redisclient.StoreError("load nearby content", err)
	}

	items := make([]model.NearbyContent, 0, len(locations))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		item, err := decodeContent(fields)
		if err != nil {
			log.Warn().Err(err).
				Str("userId", userID).
				Str("contentId", locations[i].Name).
				Msg("skipping undecodable cached content")
			continue
		}
		item.Distance = locations[i].Dist
		items = append(items, item)
	}
	return items, nil
}

func (c *Cache) radius(ctx context.Context, userID string, cat model.Category, origin model.Coordinates, radiusMeters float64, opts QueryOptions, withDist bool) ([]redis.GeoLocation, error) {
	if err := origin.Validate(); err != nil {
		return nil, err
	}
	if radiusMeters <= 0 {
		return nil, apperrors.InvalidInput("radius", "must be positive")
	}

	query := &redis.GeoRadiusQuery{
		Radius:   radiusMeters,
		Unit:     "m",
		WithDist: withDist,
		Count:    opts.Limit,
	}
	if opts.SortNearest {
		query.Sort = "ASC"
	}

	ctx, cancel := c.redis.WithTimeout(ctx)
	defer cancel()

	locations, err := c.redis.GeoRadius(ctx, c.geoKey(userID, cat), origin.Longitude, origin.Latitude, query).Result()
	if err != nil {
		return nil, redisclient.StoreError("query within radius", err)
	}
	return locations, nil
}

// InvalidateAll drops both categories: the geo indexes, every member hash,
// the origin/notification metadata and the max activation distance. Member
// ids are read first; the deletes go out in one pipeline.
func (c *Cache) InvalidateAll(ctx context.Context, userID string) error {
	ctx, cancel := c.redis.WithTimeout(ctx)
	defer cancel()

	readPipe := c.redis.Pipeline()
	members := make(map[model.Category]*redis.StringSliceCmd, len(model.Categories))
	for _, cat := range model.Categories {
		members[cat] = readPipe.ZRange(ctx, c.geoKey(userID, cat), 0, -1)
	}
	if _, err := readPipe.Exec(ctx); err != nil {
		return redisclient.StoreError("invalidate proximity cache", err)
	}

	var keys []string
	for _, cat := range model.Categories {
		keys = append(keys,
			c.metaKey(userID, cat),
			c.maxDistanceKey(userID, cat),
			c.geoKey(userID, cat),
		)
		for _, id := range members[cat].Val() {
			keys = append(keys, c.memberKey(userID, cat, id))
		}
	}

	pipe := c.redis.Pipeline()
	for _, key := range keys {
		pipe.Del(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return redisclient.StoreError("invalidate proximity cache", err)
	}

	log.Debug().Str("userId", userID).Int("keys", len(keys)).Msg("proximity cache invalidated")
	return nil
}

// InvalidateCategory is InvalidateAll restricted to one category, used when
// the user has moved far enough that the category must be refetched.
func (c *Cache) InvalidateCategory(ctx context.Context, userID string, cat model.Category) error {
	ctx, cancel := c.redis.WithTimeout(ctx)
	defer cancel()

	ids, err := c.redis.ZRange(ctx, c.geoKey(userID, cat), 0, -1).Result()
	if err != nil {
		return redisclient.StoreError("invalidate proximity category", err)
	}

	pipe := c.redis.Pipeline()
	pipe.Del(ctx, c.geoKey(userID, cat))
	pipe.Del(ctx, c.maxDistanceKey(userID, cat))
	pipe.HDel(ctx, c.metaKey(userID, cat), fieldOrigin)
	for _, id := range ids {
		pipe.Del(ctx, c.memberKey(userID, cat, id))
	}
	_, err = pipe.Exec(ctx)
	return redisclient.StoreError("invalidate proximity category", err)
}
