// Package model defines core domain types shared across the engine.
package model

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/paulmach/orb"
)

// Viewport is the settled visible extent of the map in EPSG:4326 degrees.
type Viewport struct {
	West  float64 `json:"west"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	North float64 `json:"north"`
	Zoom  float64 `json:"zoom"`
}

func (v Viewport) Validate() error {
	for _, f := range []float64{v.West, v.South, v.East, v.North, v.Zoom} {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return errors.New("bounds must be finite numbers")
		}
	}
	if !(v.West >= -180 && v.West <= 180 && v.East >= -180 && v.East <= 180) {
		return errors.New("longitude must be in [-180,180]")
	}
	if !(v.South >= -90 && v.South <= 90 && v.North >= -90 && v.North <= 90) {
		return errors.New("latitude must be in [-90,90]")
	}
	if v.East <= v.West || v.North <= v.South {
		return errors.New("bounds must satisfy east>west and north>south")
	}
	if v.Zoom < 0 || v.Zoom > 24 {
		return errors.New("zoom must be in [0,24]")
	}
	return nil
}

// Equal compares the four bounds within eps degrees. Zoom only counts when the
// integer zoom level differs, since the level picks the cache key resolution.
func (v Viewport) Equal(o Viewport, eps float64) bool {
	if math.Floor(v.Zoom) != math.Floor(o.Zoom) {
		return false
	}
	return math.Abs(v.West-o.West) <= eps &&
		math.Abs(v.South-o.South) <= eps &&
		math.Abs(v.East-o.East) <= eps &&
		math.Abs(v.North-o.North) <= eps
}

func (v Viewport) Bound() orb.Bound {
	return orb.Bound{Min: orb.Point{v.West, v.South}, Max: orb.Point{v.East, v.North}}
}

// BBoxParam renders the bounds in the provider's bbox=w,s,e,n format.
func (v Viewport) BBoxParam() string {
	return fmt.Sprintf("%.6f,%.6f,%.6f,%.6f", v.West, v.South, v.East, v.North)
}

type GeometryKind string

const (
	GeometryPoint GeometryKind = "point"
	GeometryLine  GeometryKind = "line"
	GeometryFill  GeometryKind = "fill"
)

func (k GeometryKind) Valid() bool {
	switch k {
	case GeometryPoint, GeometryLine, GeometryFill:
		return true
	}
	return false
}

// Feature is one record of a generation. PositionalID is only meaningful
// inside the generation that assigned it.
type Feature struct {
	PositionalID int            `json:"positional_id"`
	BusinessKey  string         `json:"business_key"`
	Geometry     orb.Geometry   `json:"-"`
	Attributes   map[string]any `json:"attributes,omitempty"`
}

// Generation is an atomic replacement of one layer's feature data.
type Generation struct {
	LayerKey  string
	ID        uint64
	CacheKey  string
	FetchedAt time.Time
	Features  []Feature
}

// Index maps business keys to positional ids. Features without a business
// key are not addressable and are left out.
func (g *Generation) Index() map[string]int {
	if g == nil {
		return map[string]int{}
	}
	out := make(map[string]int, len(g.Features))
	for _, f := range g.Features {
		if f.BusinessKey == "" {
			continue
		}
		if _, dup := out[f.BusinessKey]; dup {
			continue
		}
		out[f.BusinessKey] = f.PositionalID
	}
	return out
}

func (g *Generation) Len() int {
	if g == nil {
		return 0
	}
	return len(g.Features)
}

// FeatureState is the visual state attached to a rendered feature.
type FeatureState struct {
	Selected      bool `json:"selected"`
	Highlighted   bool `json:"highlighted"`
	Hovered       bool `json:"hovered"`
	FilterMatched bool `json:"filter_matched"`
}

func (s FeatureState) IsZero() bool { return s == FeatureState{} }

// StatePatch sets only the non-nil flags.
type StatePatch struct {
	Selected      *bool
	Highlighted   *bool
	Hovered       *bool
	FilterMatched *bool
}

func (p StatePatch) Apply(s FeatureState) FeatureState {
	if p.Selected != nil {
		s.Selected = *p.Selected
	}
	if p.Highlighted != nil {
		s.Highlighted = *p.Highlighted
	}
	if p.Hovered != nil {
		s.Hovered = *p.Hovered
	}
	if p.FilterMatched != nil {
		s.FilterMatched = *p.FilterMatched
	}
	return s
}

// Fields returns the patch as named feature-state keys for the surface.
func (p StatePatch) Fields() map[string]bool {
	out := make(map[string]bool, 4)
	if p.Selected != nil {
		out[StateSelected] = *p.Selected
	}
	if p.Highlighted != nil {
		out[StateHighlighted] = *p.Highlighted
	}
	if p.Hovered != nil {
		out[StateHovered] = *p.Hovered
	}
	if p.FilterMatched != nil {
		out[StateFilterMatched] = *p.FilterMatched
	}
	return out
}

const (
	StateSelected      = "selected"
	StateHighlighted   = "highlighted"
	StateHovered       = "hovered"
	StateFilterMatched = "filterMatched"
)

func Bool(b bool) *bool { return &b }
