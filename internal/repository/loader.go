package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/therr/realtime-server-go/internal/database"
	"github.com/therr/realtime-server-go/internal/model"
)

// ContentLoader reads nearby content and the user's activations from one
// snapshot and returns only what the user has not activated yet.
type ContentLoader struct {
	db   *database.DB
	repo ContentRepository
}

func NewContentLoader(db *database.DB) *ContentLoader {
	return &ContentLoader{db: db, repo: NewContentRepository(db.DB)}
}

func (l *ContentLoader) LoadUnactivated(ctx context.Context, userID string, category model.Category, origin model.Coordinates, radiusMeters float64, limit int) ([]model.NearbyContent, error) {
	var result []model.NearbyContent

	err := l.db.ReadOnly(ctx, func(tx *sqlx.Tx) error {
		repo := l.repo.WithTx(tx)

		items, err := repo.FindNearby(ctx, userID, category, origin, radiusMeters, limit)
		if err != nil || len(items) == 0 {
			return err
		}

		ids := make([]string, len(items))
		for i := range items {
			ids[i] = items[i].ID
		}
		activated, err := repo.FindActivated(ctx, userID, category, ids)
		if err != nil {
			return err
		}

		result = FilterActivated(items, activated)
		return nil
	})
	return result, err
}

// FilterActivated drops items whose id is in activated, preserving order.
func FilterActivated(items []model.NearbyContent, activated map[string]bool) []model.NearbyContent {
	kept := make([]model.NearbyContent, 0, len(items))
	for _, item := range items {
		if !activated[item.ID] {
			kept = append(kept, item)
		}
	}
	return kept
}
