package engine

import (
	"maps"
	"slices"

	"github.com/mohammed-shakir/parcel-map-sync/internal/core/model"
)

type LayerSnapshot struct {
	Key         string  `json:"key"`
	DisplayName string  `json:"display_name"`
	Geometry    string  `json:"geometry"`
	Visible     bool    `json:"visible"`
	Opacity     float64 `json:"opacity"`
	Generation  uint64  `json:"generation,omitempty"`
	Features    int     `json:"features"`
	InFlight    bool    `json:"in_flight"`
	LastError   string  `json:"last_error,omitempty"`
	Selected    int     `json:"selected"`
	Highlighted int     `json:"highlighted"`
	Dimmed      bool    `json:"dimmed"`
}

type Snapshot struct {
	Viewport      *model.Viewport   `json:"viewport,omitempty"`
	Filters       map[string]string `json:"filters"`
	Selected      string            `json:"selected,omitempty"`
	Highlighted   []string          `json:"highlighted"`
	FilterMatched []string          `json:"filter_matched"`
	HoverLayer    string            `json:"hover_layer,omitempty"`
	HoverKey      string            `json:"hover_key,omitempty"`
	Layers        []LayerSnapshot   `json:"layers"`
}

// Snapshot copies the engine state in registry order.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Snapshot{
		Filters:       maps.Clone(e.filters),
		Selected:      e.selected,
		Highlighted:   sortedKeys(e.highlighted),
		FilterMatched: sortedKeys(e.matched),
		HoverLayer:    e.hover.layer,
		HoverKey:      e.hover.key,
	}
	if e.hasVP {
		vp := e.vp
		s.Viewport = &vp
	}
	for _, d := range e.reg.All() {
		ls := LayerSnapshot{
			Key:         d.Key,
			DisplayName: d.DisplayName,
			Geometry:    string(d.Geometry),
			Visible:     e.visible[d.Key],
			Opacity:     e.opacity[d.Key],
			InFlight:    e.fetch.InFlight(d.Key),
			Dimmed:      e.matched != nil,
		}
		if fe, ok := e.failures[d.Key]; ok {
			ls.LastError = fe.Err.Error()
		}
		if gen, ok := e.applied[d.Key]; ok {
			ls.Generation = gen.ID
			ls.Features = gen.Len()
		}
		for _, st := range e.adapter.FeatureStates(d.Key) {
			if st.Selected {
				ls.Selected++
			}
			if st.Highlighted {
				ls.Highlighted++
			}
		}
		s.Layers = append(s.Layers, ls)
	}
	return s
}

// Readiness is false once the engine is closed. Layers whose last fetch
// failed are listed but do not make the engine unready.
func (e *Engine) Readiness() (bool, []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	failing := slices.Sorted(maps.Keys(e.failures))
	return !e.closed, failing
}
