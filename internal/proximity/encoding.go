package proximity

import (
	"fmt"
	"strconv"

	"github.com/therr/realtime-server-go/internal/model"
)

const (
	fieldID                         = "id"
	fieldFromUserID                 = "fromUserId"
	fieldIsPublic                   = "isPublic"
	fieldMaxViews                   = "maxViews"
	fieldLatitude                   = "latitude"
	fieldLongitude                  = "longitude"
	fieldRadius                     = "radius"
	fieldMaxProximity               = "maxProximity"
	fieldDoesRequireProximityToView = "doesRequireProximityToView"
)

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// encodeContent flattens content into the unactivated hash fields.
func encodeContent(c *model.NearbyContent) []any {
	return []any{
		fieldID, c.ID,
		fieldFromUserID, c.FromUserID,
		fieldIsPublic, strconv.FormatBool(c.IsPublic),
		fieldMaxViews, strconv.Itoa(c.MaxViews),
		fieldLatitude, formatFloat(c.Latitude),
		fieldLongitude, formatFloat(c.Longitude),
		fieldRadius, formatFloat(c.Radius),
		fieldMaxProximity, formatFloat(c.MaxProximity),
		fieldDoesRequireProximityToView, strconv.FormatBool(c.DoesRequireProximityToView),
	}
}

func decodeContent(fields map[string]string) (model.NearbyContent, error) {
	c := model.NearbyContent{
		ID:                         fields[fieldID],
		FromUserID:                 fields[fieldFromUserID],
		IsPublic:                   fields[fieldIsPublic] == "true",
		DoesRequireProximityToView: fields[fieldDoesRequireProximityToView] == "true",
	}
	if c.ID == "" {
		return c, fmt.Errorf("missing %s field", fieldID)
	}

	var err error
	if v := fields[fieldMaxViews]; v != "" {
		if c.MaxViews, err = strconv.Atoi(v); err != nil {
			return c, fmt.Errorf("parse %s: %w", fieldMaxViews, err)
		}
	}

	floats := []struct {
		name string
		dst  *float64
	}{
		{fieldLatitude, &c.Latitude},
		{fieldLongitude, &c.Longitude},
		{fieldRadius, &c.Radius},
		{fieldMaxProximity, &c.MaxProximity},
	}
	for _, f := range floats {
		v := fields[f.name]
		if v == "" {
			continue
		}
		if *f.dst, err = strconv.ParseFloat(v, 64); err != nil {
			return c, fmt.Errorf("parse %s: %w", f.name, err)
		}
	}

	return c, nil
}
