// Package mapper quantises viewports onto a discrete spatial grid so that
// near-identical viewports share a cache key.
package mapper

import (
	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/parcel-map-sync/internal/core/model"
)

// Corners identifies a viewport by the grid cells under its south-west and
// north-east corners at one resolution.
type Corners struct {
	Res int
	SW  string
	NE  string
}

type Interface interface {
	ResForZoom(zoom float64) int
	Quantize(v model.Viewport) (Corners, error)
	Bound(c Corners) (orb.Bound, error)
}
