package service

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/therr/realtime-server-go/internal/config"
	"github.com/therr/realtime-server-go/internal/model"
	"github.com/therr/realtime-server-go/internal/proximity"
	redisclient "github.com/therr/realtime-server-go/internal/redis"
)

// ContentSource loads nearby content the user has not activated yet.
type ContentSource interface {
	LoadUnactivated(ctx context.Context, userID string, category model.Category, origin model.Coordinates, radiusMeters float64, limit int) ([]model.NearbyContent, error)
}

type CategoryResult struct {
	Category          model.Category        `json:"category"`
	Refetched         bool                  `json:"refetched"`
	Activated         []model.NearbyContent `json:"activated"`
	ProximityRequired []model.NearbyContent `json:"proximityRequired,omitempty"`
	Notified          bool                  `json:"notified"`
}

type LocationResult struct {
	UserID     string           `json:"userId"`
	Categories []CategoryResult `json:"categories"`
}

type nearbyActivation struct {
	Category          model.Category        `json:"category"`
	Activated         []model.NearbyContent `json:"activated"`
	ProximityRequired []model.NearbyContent `json:"proximityRequired,omitempty"`
}

// LocationService turns location updates into content activations using the
// proximity cache, refetching from the content source only after the user
// has moved far from the cached origin.
type LocationService struct {
	cache                   *proximity.Cache
	content                 ContentSource
	publisher               Publisher
	minNotificationInterval time.Duration
	now                     func() time.Time
}

// NewLocationService builds the service. content may be nil, in which case
// only already cached content can be activated.
func NewLocationService(cache *proximity.Cache, content ContentSource, publisher Publisher, minNotificationInterval time.Duration) *LocationService {
	return &LocationService{
		cache:                   cache,
		content:                 content,
		publisher:               publisher,
		minNotificationInterval: minNotificationInterval,
		now:                     time.Now,
	}
}

// ProcessLocation runs both categories concurrently. The first store error
// cancels the other category and is returned.
func (s *LocationService) ProcessLocation(ctx context.Context, userID string, position model.Coordinates) (*LocationResult, error) {
	if err := position.Validate(); err != nil {
		return nil, err
	}

	results := make([]CategoryResult, len(model.Categories))
	g, gctx := errgroup.WithContext(ctx)
	for i, cat := range model.Categories {
		g.Go(func() error {
			result, err := s.processCategory(gctx, userID, cat, position)
			if err != nil {
				return fmt.Errorf("process %s: %w", cat, err)
			}
			results[i] = *result
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &LocationResult{UserID: userID, Categories: results}, nil
}

func (s *LocationService) processCategory(ctx context.Context, userID string, cat model.Category, position model.Coordinates) (*CategoryResult, error) {
	result := &CategoryResult{Category: cat, Activated: []model.NearbyContent{}}

	origin, err := s.cache.GetOrigin(ctx, userID, cat)
	if err != nil {
		return nil, err
	}

	if origin == nil || proximity.Distance(*origin, position) >= config.OriginRefreshDistanceMeters {
		required, err := s.refetch(ctx, userID, cat, position)
		if err != nil {
			return nil, err
		}
		result.Refetched = true
		result.ProximityRequired = required
	}

	radius, err := s.cache.GetMaxActivationDistance(ctx, userID, cat)
	if err != nil {
		return nil, err
	}

	candidates, err := s.cache.QueryNearbyContent(ctx, userID, cat, position, radius, config.NearbyContentFetchLimit)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, config.MaxActivateCount)
	for i := range candidates {
		if len(result.Activated) >= config.MaxActivateCount {
			break
		}
		if proximity.CanActivate(&candidates[i], position) {
			result.Activated = append(result.Activated, candidates[i])
			ids = append(ids, candidates[i].ID)
		}
	}

	if err := s.cache.RemoveNearbyContentBatch(ctx, userID, cat, ids); err != nil {
		return nil, err
	}

	if len(result.Activated) > 0 || len(result.ProximityRequired) > 0 {
		notified, err := s.notify(ctx, userID, result)
		if err != nil {
			return nil, err
		}
		result.Notified = notified
	}

	if len(result.Activated) > 0 {
		log.Info().
			Str("userId", userID).
			Str("category", string(cat)).
			Int("count", len(result.Activated)).
			Msg("nearby content activated")
	}

	return result, nil
}

// refetch rebuilds the category around position and returns the content that
// can only be viewed by going there; that content is never cached.
func (s *LocationService) refetch(ctx context.Context, userID string, cat model.Category, position model.Coordinates) ([]model.NearbyContent, error) {
	if err := s.cache.InvalidateCategory(ctx, userID, cat); err != nil {
		return nil, err
	}
	if err := s.cache.SetOrigin(ctx, userID, cat, position); err != nil {
		return nil, err
	}
	if s.content == nil {
		return nil, nil
	}

	items, err := s.content.LoadUnactivated(ctx, userID, cat, position, config.AreaProximityExpandedMeters, config.NearbyContentFetchLimit)
	if err != nil {
		return nil, fmt.Errorf("load nearby content: %w", err)
	}

	maxDistance := float64(config.AreaProximityMeters)
	cacheable := make([]model.NearbyContent, 0, len(items))
	var required []model.NearbyContent
	for _, item := range items {
		maxDistance = math.Max(maxDistance, item.RequiredProximity())
		if item.DoesRequireProximityToView {
			if proximity.CanActivate(&item, position) {
				required = append(required, item)
			}
			continue
		}
		cacheable = append(cacheable, item)
	}

	if err := s.cache.SetMaxActivationDistance(ctx, userID, cat, maxDistance); err != nil {
		return nil, err
	}
	if err := s.cache.UpsertNearbyContentBatch(ctx, userID, cat, cacheable); err != nil {
		return nil, err
	}

	log.Debug().
		Str("userId", userID).
		Str("category", string(cat)).
		Int("cached", len(cacheable)).
		Float64("maxActivationDistance", maxDistance).
		Msg("proximity cache refetched")

	return required, nil
}

// notify publishes the activation to the user's channel unless a
// notification for this category went out within the minimum interval.
func (s *LocationService) notify(ctx context.Context, userID string, result *CategoryResult) (bool, error) {
	last, ok, err := s.cache.GetLastNotificationTime(ctx, userID, result.Category)
	if err != nil {
		return false, err
	}

	now := s.now()
	if ok && now.Sub(time.UnixMilli(last)) < s.minNotificationInterval {
		return false, nil
	}

	if err := s.cache.SetLastNotificationTime(ctx, userID, result.Category, now.UnixMilli()); err != nil {
		return false, err
	}

	payload := nearbyActivation{
		Category:          result.Category,
		Activated:         result.Activated,
		ProximityRequired: result.ProximityRequired,
	}
	if err := publishEvent(ctx, s.publisher, redisclient.UserEventsChannel(userID), EventTypeNearbyContentActivated, payload); err != nil {
		return false, err
	}

	pushType := PushNewAreasActivated
	if len(result.Activated) == 0 {
		pushType = PushProximityRequiredMoment
		if result.Category == model.CategorySpaces {
			pushType = PushProximityRequiredSpace
		}
	}
	req := PushRequest{UserID: userID, Type: pushType}
	if len(result.ProximityRequired) > 0 {
		req.AssociationID = result.ProximityRequired[0].ID
	}
	if err := publishEvent(ctx, s.publisher, redisclient.PushChannel, EventTypePushRequested, req); err != nil {
		return false, err
	}
	return true, nil
}

// InvalidateCache drops the user's cached nearby content in both categories.
func (s *LocationService) InvalidateCache(ctx context.Context, userID string) error {
	return s.cache.InvalidateAll(ctx, userID)
}
