package repository

import (
	"context"
	"fmt"
	"math"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/therr/realtime-server-go/internal/database"
	"github.com/therr/realtime-server-go/internal/model"
)

const metersPerDegreeLatitude = 111320.0

// ContentRepository reads moments and spaces owned by the content services.
// It never writes.
type ContentRepository interface {
	// FindNearby returns content visible to userID inside the bounding box of
	// radiusMeters around origin. Callers filter by exact distance.
	FindNearby(ctx context.Context, userID string, category model.Category, origin model.Coordinates, radiusMeters float64, limit int) ([]model.NearbyContent, error)
	// FindActivated returns the subset of contentIDs userID has already
	// activated.
	FindActivated(ctx context.Context, userID string, category model.Category, contentIDs []string) (map[string]bool, error)
	WithTx(tx *sqlx.Tx) ContentRepository
}

type contentTables struct {
	content   string
	reactions string
	foreign   string
}

var tables = map[model.Category]contentTables{
	model.CategoryMoments: {content: "main.moments", reactions: "main.\"momentReactions\"", foreign: "\"momentId\""},
	model.CategorySpaces:  {content: "main.spaces", reactions: "main.\"spaceReactions\"", foreign: "\"spaceId\""},
}

type contentRepo struct {
	db database.DBTX
}

func NewContentRepository(db *sqlx.DB) ContentRepository {
	return &contentRepo{db: db}
}

func (r *contentRepo) WithTx(tx *sqlx.Tx) ContentRepository {
	return &contentRepo{db: tx}
}

func tablesFor(category model.Category) (contentTables, error) {
	t, ok := tables[category]
	if !ok {
		return contentTables{}, fmt.Errorf("unknown content category %q", category)
	}
	return t, nil
}

// BoundingBox returns the latitude and longitude ranges covering radiusMeters
// around origin.
func BoundingBox(origin model.Coordinates, radiusMeters float64) (minLat, maxLat, minLon, maxLon float64) {
	dLat := radiusMeters / metersPerDegreeLatitude
	cos := math.Cos(origin.Latitude * math.Pi / 180)
	dLon := 180.0
	if cos > 1e-9 {
		dLon = math.Min(180, radiusMeters/(metersPerDegreeLatitude*cos))
	}
	return origin.Latitude - dLat, origin.Latitude + dLat, origin.Longitude - dLon, origin.Longitude + dLon
}

func (r *contentRepo) FindNearby(ctx context.Context, userID string, category model.Category, origin model.Coordinates, radiusMeters float64, limit int) ([]model.NearbyContent, error) {
	t, err := tablesFor(category)
	if err != nil {
		return nil, err
	}
	minLat, maxLat, minLon, maxLon := BoundingBox(origin, radiusMeters)

	query := fmt.Sprintf(`
		SELECT id::text AS id,
			"fromUserId"::text AS from_user_id,
			"isPublic" AS is_public,
			COALESCE("maxViews", 0) AS max_views,
			latitude,
			longitude,
			COALESCE(radius, 0) AS radius,
			COALESCE("maxProximity", 0) AS max_proximity,
			COALESCE("doesRequireProximityToView", false) AS does_require_proximity_to_view
		FROM %s
		WHERE latitude BETWEEN $1 AND $2
		AND longitude BETWEEN $3 AND $4
		AND ("isPublic" = true OR "fromUserId"::text = $5)
		LIMIT $6
	`, t.content)

	items := []model.NearbyContent{}
	err = r.db.SelectContext(ctx, &items, query, minLat, maxLat, minLon, maxLon, userID, limit)
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *contentRepo) FindActivated(ctx context.Context, userID string, category model.Category, contentIDs []string) (map[string]bool, error) {
	activated := make(map[string]bool)
	if len(contentIDs) == 0 {
		return activated, nil
	}

	t, err := tablesFor(category)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT %[2]s::text FROM %[1]s
		WHERE "userId"::text = $1
		AND %[2]s::text = ANY($2)
		AND "userHasActivated" = true
	`, t.reactions, t.foreign)

	var ids []string
	if err := r.db.SelectContext(ctx, &ids, query, userID, pq.Array(contentIDs)); err != nil {
		return nil, err
	}

	for _, id := range ids {
		activated[id] = true
	}
	return activated, nil
}
