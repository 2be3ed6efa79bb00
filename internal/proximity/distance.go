package proximity

import (
	"math"

	"github.com/therr/realtime-server-go/internal/model"
)

// earthRadiusMeters matches the store's geo commands so locally computed
// distances agree with radius query results.
const earthRadiusMeters = 6372797.560856

// Distance is the haversine great-circle distance in meters.
func Distance(a, b model.Coordinates) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := lat2 - lat1
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(h)))
}

// CanActivate reports whether a user at position is within the content's
// required proximity of its center.
func CanActivate(content *model.NearbyContent, position model.Coordinates) bool {
	return Distance(content.Coordinates(), position)-content.RequiredProximity() <= 0
}
