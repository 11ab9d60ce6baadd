package surface

import (
	"github.com/mohammed-shakir/parcel-map-sync/internal/core/model"
	"github.com/mohammed-shakir/parcel-map-sync/internal/layers"
)

const (
	colorSelected    = "#e4572e"
	colorHighlighted = "#ffc914"
	colorHovered     = "#76b0f1"
	colorFallback    = "#9e9e9e"

	// dimFactor scales opacity of features outside an active filter match.
	dimFactor = 0.25
)

func stateFlag(name string) []any {
	return []any{"boolean", []any{"feature-state", name}, false}
}

// colorExpr paints selected over highlighted over hovered over the base
// colour. The base colour comes from the normalised category when the layer
// has a normalizer.
func colorExpr(st layers.Styling) any {
	var base any = st.Color
	if st.Normalizer != layers.NormalizerNone {
		fallback := st.Color
		if fallback == "" {
			fallback = colorFallback
		}
		base = []any{"coalesce", []any{"get", layers.AttrCategoryColor}, fallback}
	} else if st.Color == "" {
		base = colorFallback
	}
	return []any{"case",
		stateFlag(model.StateSelected), colorSelected,
		stateFlag(model.StateHighlighted), colorHighlighted,
		stateFlag(model.StateHovered), colorHovered,
		base,
	}
}

// opacityExpr multiplies the descriptor opacity by the layer opacity. With a
// filter active, features that are not matched are dimmed unless they are
// highlighted or selected.
func opacityExpr(st layers.Styling, layerOpacity float64, filterActive bool) any {
	op := st.Opacity * layerOpacity
	if !filterActive {
		return op
	}
	return []any{"case",
		stateFlag(model.StateSelected), op,
		stateFlag(model.StateHighlighted), op,
		stateFlag(model.StateFilterMatched), op,
		op * dimFactor,
	}
}

func widthExpr(base float64) any {
	if base <= 0 {
		base = 1
	}
	return []any{"case",
		stateFlag(model.StateSelected), base * 2.5,
		stateFlag(model.StateHighlighted), base * 2,
		base,
	}
}

func visibilityValue(v bool) string {
	if v {
		return "visible"
	}
	return "none"
}

type styledLayer struct {
	spec       LayerSpec
	opacityKey string
}

// buildLayers returns the style layers for d, bottom to top.
func buildLayers(d layers.Descriptor, visible bool, opacity float64, filterActive bool) []styledLayer {
	st := d.Styling
	layout := func() map[string]any {
		return map[string]any{"visibility": visibilityValue(visible)}
	}
	op := opacityExpr(st, opacity, filterActive)

	var out []styledLayer
	switch d.Geometry {
	case model.GeometryFill:
		out = append(out, styledLayer{
			spec: LayerSpec{
				ID: d.Key + "-fill", Type: "fill", Source: d.Key, Layout: layout(),
				Paint: map[string]any{"fill-color": colorExpr(st), "fill-opacity": op},
			},
			opacityKey: "fill-opacity",
		})
		outline := st.Outline
		if outline == "" {
			outline = colorFallback
		}
		out = append(out, styledLayer{
			spec: LayerSpec{
				ID: d.Key + "-outline", Type: "line", Source: d.Key, Layout: layout(),
				Paint: map[string]any{
					"line-color":   []any{"case", stateFlag(model.StateSelected), colorSelected, stateFlag(model.StateHighlighted), colorHighlighted, outline},
					"line-width":   widthExpr(st.Width),
					"line-opacity": op,
				},
			},
			opacityKey: "line-opacity",
		})
	case model.GeometryLine:
		out = append(out, styledLayer{
			spec: LayerSpec{
				ID: d.Key + "-line", Type: "line", Source: d.Key, Layout: layout(),
				Paint: map[string]any{"line-color": colorExpr(st), "line-width": widthExpr(st.Width), "line-opacity": op},
			},
			opacityKey: "line-opacity",
		})
	case model.GeometryPoint:
		r := st.Radius
		if r <= 0 {
			r = 5
		}
		out = append(out, styledLayer{
			spec: LayerSpec{
				ID: d.Key + "-circle", Type: "circle", Source: d.Key, Layout: layout(),
				Paint: map[string]any{
					"circle-color":   colorExpr(st),
					"circle-radius":  []any{"case", stateFlag(model.StateSelected), r * 1.6, stateFlag(model.StateHighlighted), r * 1.3, r},
					"circle-opacity": op,
				},
			},
			opacityKey: "circle-opacity",
		})
	}
	if st.Label != "" {
		lay := layout()
		lay["text-field"] = []any{"get", st.Label}
		lay["text-size"] = 11
		out = append(out, styledLayer{
			spec: LayerSpec{
				ID: d.Key + "-label", Type: "symbol", Source: d.Key, Layout: lay,
				Paint: map[string]any{"text-opacity": op, "text-halo-width": 1},
			},
			opacityKey: "text-opacity",
		})
	}
	return out
}
