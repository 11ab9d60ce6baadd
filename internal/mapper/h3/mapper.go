package h3mapper

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	h3 "github.com/uber/h3-go/v4"

	"github.com/mohammed-shakir/parcel-map-sync/internal/core/model"
	"github.com/mohammed-shakir/parcel-map-sync/internal/mapper"
)

// zoomOffset keeps a corner cell well below the viewport size: at zoom z the
// cell resolution is z-zoomOffset before clamping.
const zoomOffset = 4

type Mapper struct {
	minRes int
	maxRes int
}

var _ mapper.Interface = (*Mapper)(nil)

func New(minRes, maxRes int) *Mapper {
	if minRes < 0 {
		minRes = 0
	}
	if maxRes > 15 {
		maxRes = 15
	}
	if minRes > maxRes {
		minRes = maxRes
	}
	return &Mapper{minRes: minRes, maxRes: maxRes}
}

func (m *Mapper) ResForZoom(zoom float64) int {
	if math.IsNaN(zoom) {
		return m.minRes
	}
	r := int(math.Floor(zoom)) - zoomOffset
	if r < m.minRes {
		return m.minRes
	}
	if r > m.maxRes {
		return m.maxRes
	}
	return r
}

func (m *Mapper) Quantize(v model.Viewport) (mapper.Corners, error) {
	if err := v.Validate(); err != nil {
		return mapper.Corners{}, fmt.Errorf("quantize viewport: %w", err)
	}
	res := m.ResForZoom(v.Zoom)
	sw, err := h3.LatLngToCell(h3.LatLng{Lat: v.South, Lng: v.West}, res)
	if err != nil {
		return mapper.Corners{}, fmt.Errorf("h3 sw corner: %w", err)
	}
	ne, err := h3.LatLngToCell(h3.LatLng{Lat: v.North, Lng: v.East}, res)
	if err != nil {
		return mapper.Corners{}, fmt.Errorf("h3 ne corner: %w", err)
	}
	return mapper.Corners{Res: res, SW: sw.String(), NE: ne.String()}, nil
}

// Bound is the extent covered by the two corner cells. Viewports with the
// same corners fetch this same extent.
func (m *Mapper) Bound(c mapper.Corners) (orb.Bound, error) {
	var b orb.Bound
	first := true
	for _, s := range []string{c.SW, c.NE} {
		var cell h3.Cell
		if err := cell.UnmarshalText([]byte(s)); err != nil {
			return orb.Bound{}, fmt.Errorf("parse cell: %w", err)
		}
		if !cell.IsValid() {
			return orb.Bound{}, fmt.Errorf("invalid h3 cell %q", s)
		}
		ring, err := h3.CellToBoundary(cell)
		if err != nil {
			return orb.Bound{}, fmt.Errorf("h3 boundary: %w", err)
		}
		for _, ll := range ring {
			p := orb.Point{ll.Lng, ll.Lat}
			if first {
				b = orb.Bound{Min: p, Max: p}
				first = false
				continue
			}
			b = b.Extend(p)
		}
	}
	return b, nil
}
