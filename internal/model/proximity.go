package model

import (
	apperrors "github.com/therr/realtime-server-go/internal/errors"
)

type Category string

const (
	CategoryMoments Category = "moments"
	CategorySpaces  Category = "spaces"
)

var Categories = []Category{CategoryMoments, CategorySpaces}

func (c Category) Valid() bool {
	return c == CategoryMoments || c == CategorySpaces
}

// Namespace is the key segment used by the per-user proximity keys.
func (c Category) Namespace() string {
	return "nearby-" + string(c)
}

// Redis rejects geo members outside these bounds.
const (
	MaxLatitude  = 85.05112878
	MaxLongitude = 180.0
)

type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (c Coordinates) Validate() error {
	if c.Latitude < -MaxLatitude || c.Latitude > MaxLatitude {
		return apperrors.InvalidInput("latitude", "out of range")
	}
	if c.Longitude < -MaxLongitude || c.Longitude > MaxLongitude {
		return apperrors.InvalidInput("longitude", "out of range")
	}
	return nil
}

// NearbyContent is a moment or space as cached for one user. It is read from
// the content tables and denormalized into the unactivated hash.
type NearbyContent struct {
	ID                         string  `db:"id" json:"id"`
	FromUserID                 string  `db:"from_user_id" json:"fromUserId"`
	IsPublic                   bool    `db:"is_public" json:"isPublic"`
	MaxViews                   int     `db:"max_views" json:"maxViews"`
	Latitude                   float64 `db:"latitude" json:"latitude"`
	Longitude                  float64 `db:"longitude" json:"longitude"`
	Radius                     float64 `db:"radius" json:"radius"`
	MaxProximity               float64 `db:"max_proximity" json:"maxProximity"`
	DoesRequireProximityToView bool    `db:"does_require_proximity_to_view" json:"doesRequireProximityToView"`
	Distance                   float64 `db:"-" json:"distance,omitempty"`
}

func (c *NearbyContent) Coordinates() Coordinates {
	return Coordinates{Latitude: c.Latitude, Longitude: c.Longitude}
}

// RequiredProximity is how close (meters from the center) a user must be to
// activate the content.
func (c *NearbyContent) RequiredProximity() float64 {
	return c.Radius + c.MaxProximity
}
