// Package surface is the only writer to the host map engine. It turns layer
// descriptors and generations into sources, styled layers and per-feature
// state.
package surface

import (
	"github.com/paulmach/orb/geojson"

	"github.com/mohammed-shakir/parcel-map-sync/internal/core/model"
)

// AllFeatures addresses every feature of a source in RemoveFeatureState.
const AllFeatures = -1

// LayerSpec is one styled layer bound to a source. Paint and layout values
// are plain values or MapLibre style expressions.
type LayerSpec struct {
	ID     string         `json:"id"`
	Type   string         `json:"type"`
	Source string         `json:"source"`
	Paint  map[string]any `json:"paint,omitempty"`
	Layout map[string]any `json:"layout,omitempty"`
}

// Surface is the host map engine contract.
type Surface interface {
	AddSource(id string, data *geojson.FeatureCollection) error
	SetSourceData(id string, data *geojson.FeatureCollection) error
	RemoveSource(id string) error
	// AddLayer inserts the layer directly below beforeID, or on top when
	// beforeID is empty.
	AddLayer(spec LayerSpec, beforeID string) error
	RemoveLayer(id string) error
	SetLayoutProperty(layerID, name string, value any) error
	SetPaintProperty(layerID, name string, value any) error
	SetFeatureState(source string, id int, state map[string]bool) error
	// RemoveFeatureState drops one state key, or all keys when key is empty,
	// for one feature or for AllFeatures.
	RemoveFeatureState(source string, id int, key string) error
	HasLayer(id string) bool
	HasSource(id string) bool
}

// FeatureCollection encodes a generation for the surface. Feature ids are
// the positional ids; the business key rides along as a property.
func FeatureCollection(gen *model.Generation) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	if gen == nil {
		return fc
	}
	for _, f := range gen.Features {
		if f.Geometry == nil {
			continue
		}
		gf := geojson.NewFeature(f.Geometry)
		gf.ID = f.PositionalID
		for k, v := range f.Attributes {
			gf.Properties[k] = v
		}
		if f.BusinessKey != "" {
			gf.Properties["business_key"] = f.BusinessKey
		}
		fc.Append(gf)
	}
	return fc
}
