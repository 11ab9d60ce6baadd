// Package invalidation describes upstream layer change events.
package invalidation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Event says that a layer's upstream data changed. Without bbox or geometry
// the whole layer is affected.
type Event struct {
	Version   int             `json:"version"`
	Op        string          `json:"op"`
	Layer     string          `json:"layer"`
	TS        time.Time       `json:"ts"`
	FeatureID any             `json:"feature_id,omitempty"`
	Source    string          `json:"source,omitempty"`
	BBox      *BBox           `json:"bbox,omitempty"`
	Geometry  json.RawMessage `json:"geometry,omitempty"`
}

type BBox struct {
	X1   float64 `json:"x1"`
	Y1   float64 `json:"y1"`
	X2   float64 `json:"x2"`
	Y2   float64 `json:"y2"`
	SRID string  `json:"srid"`
}

func (e Event) Validate() error {
	if e.Version != 1 {
		return errors.New("version must be 1")
	}
	switch e.Op {
	case "insert", "update", "delete", "refresh":
	default:
		return errors.New("op must be insert|update|delete|refresh")
	}
	if strings.TrimSpace(e.Layer) == "" {
		return errors.New("layer is required")
	}
	if e.TS.IsZero() {
		return errors.New("ts is required")
	}
	if e.BBox != nil && len(e.Geometry) > 0 {
		return errors.New("at most one of bbox or geometry")
	}
	if e.BBox != nil {
		bb := *e.BBox
		if bb.SRID != "EPSG:4326" {
			return errors.New("bbox.srid must be EPSG:4326")
		}
		if !(bb.X1 >= -180 && bb.X1 <= 180 && bb.X2 >= -180 && bb.X2 <= 180) {
			return errors.New("bbox longitude out of range")
		}
		if !(bb.Y1 >= -90 && bb.Y1 <= 90 && bb.Y2 >= -90 && bb.Y2 <= 90) {
			return errors.New("bbox latitude out of range")
		}
		if !(bb.X2 > bb.X1 && bb.Y2 > bb.Y1) {
			return errors.New("bbox must satisfy x2>x1 and y2>y1")
		}
	}
	if len(e.Geometry) > 0 {
		if _, err := e.geometry(); err != nil {
			return err
		}
	}
	return nil
}

// Area is the extent the change touches, or nil for the whole layer.
func (e Event) Area() (*orb.Bound, error) {
	switch {
	case e.BBox != nil:
		b := orb.Bound{Min: orb.Point{e.BBox.X1, e.BBox.Y1}, Max: orb.Point{e.BBox.X2, e.BBox.Y2}}
		return &b, nil
	case len(e.Geometry) > 0:
		g, err := e.geometry()
		if err != nil {
			return nil, err
		}
		b := g.Bound()
		return &b, nil
	}
	return nil, nil
}

func (e Event) geometry() (orb.Geometry, error) {
	g, err := geojson.UnmarshalGeometry(e.Geometry)
	if err != nil {
		return nil, fmt.Errorf("geometry parse: %w", err)
	}
	if g.Coordinates == nil {
		return nil, errors.New("geometry has no coordinates")
	}
	switch g.Coordinates.(type) {
	case orb.Point, orb.MultiPoint, orb.LineString, orb.MultiLineString, orb.Polygon, orb.MultiPolygon:
	default:
		return nil, fmt.Errorf("geometry type %s not supported", g.Type)
	}
	return g.Coordinates, nil
}
