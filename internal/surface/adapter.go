package surface

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"slices"

	"github.com/mohammed-shakir/parcel-map-sync/internal/core/model"
	"github.com/mohammed-shakir/parcel-map-sync/internal/core/observability"
	"github.com/mohammed-shakir/parcel-map-sync/internal/layers"
)

var (
	ErrNotSynced     = errors.New("layer not synced")
	ErrStalePosition = errors.New("positional id outside current generation")
)

type synced struct {
	desc         layers.Descriptor
	genID        uint64
	featureCount int
	visible      bool
	opacity      float64
	filterActive bool
	layers       []styledLayer
	states       map[int]model.FeatureState
}

// Adapter owns every native resource it creates. It is not safe for
// concurrent use; callers serialise access.
type Adapter struct {
	s      Surface
	reg    *layers.Registry
	log    *slog.Logger
	synced map[string]*synced
}

func NewAdapter(s Surface, reg *layers.Registry, log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{s: s, reg: reg, log: log, synced: make(map[string]*synced)}
}

func (a *Adapter) do(op string, fn func() error) error {
	observability.IncSurfaceOp(op)
	return fn()
}

// SyncLayer makes the surface show gen for desc. The first call creates the
// source and style layers; later calls only replace data when the generation
// changed and only touch layout or paint for visibility and opacity. A nil
// gen keeps whatever data the layer has.
func (a *Adapter) SyncLayer(desc layers.Descriptor, gen *model.Generation, visible bool, opacity float64) error {
	opacity = clampOpacity(opacity)
	cur, ok := a.synced[desc.Key]
	if ok && !cur.desc.Equal(desc) {
		a.log.Info("layer descriptor changed, recreating", "layer", desc.Key)
		filterActive := cur.filterActive
		if err := a.Dispose(desc.Key); err != nil {
			return err
		}
		return a.create(desc, gen, visible, opacity, filterActive)
	}
	if !ok {
		return a.create(desc, gen, visible, opacity, false)
	}

	if gen != nil && gen.ID != cur.genID {
		if err := a.do("set_source_data", func() error {
			return a.s.SetSourceData(desc.Key, FeatureCollection(gen))
		}); err != nil {
			return fmt.Errorf("replace data for %s: %w", desc.Key, err)
		}
		cur.genID = gen.ID
		cur.featureCount = gen.Len()
		if err := a.dropStates(desc.Key, cur); err != nil {
			return err
		}
	}
	if visible != cur.visible {
		if err := a.SetVisibility(desc.Key, visible); err != nil {
			return err
		}
	}
	if opacity != cur.opacity {
		if err := a.SetOpacity(desc.Key, opacity); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) create(desc layers.Descriptor, gen *model.Generation, visible bool, opacity float64, filterActive bool) error {
	before := a.insertBelow(desc.Key)
	if err := a.do("add_source", func() error {
		return a.s.AddSource(desc.Key, FeatureCollection(gen))
	}); err != nil {
		return fmt.Errorf("add source %s: %w", desc.Key, err)
	}
	st := &synced{
		desc:         desc,
		visible:      visible,
		opacity:      opacity,
		filterActive: filterActive,
		layers:       buildLayers(desc, visible, opacity, filterActive),
		states:       make(map[int]model.FeatureState),
	}
	if gen != nil {
		st.genID = gen.ID
		st.featureCount = gen.Len()
	}
	a.synced[desc.Key] = st
	for _, l := range st.layers {
		if err := a.do("add_layer", func() error { return a.s.AddLayer(l.spec, before) }); err != nil {
			return fmt.Errorf("add layer %s: %w", l.spec.ID, err)
		}
	}
	a.log.Debug("layer created", "layer", desc.Key, "before", before, "style_layers", len(st.layers))
	return nil
}

// insertBelow finds the lowest style layer of the nearest synced anchor.
// Empty means top.
func (a *Adapter) insertBelow(key string) string {
	if a.reg == nil {
		return ""
	}
	for _, anchor := range a.reg.AnchorChain(key) {
		if s, ok := a.synced[anchor]; ok && len(s.layers) > 0 {
			return s.layers[0].spec.ID
		}
	}
	return ""
}

func (a *Adapter) SetVisibility(key string, visible bool) error {
	s, ok := a.synced[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotSynced, key)
	}
	for _, l := range s.layers {
		if err := a.do("set_layout", func() error {
			return a.s.SetLayoutProperty(l.spec.ID, "visibility", visibilityValue(visible))
		}); err != nil {
			return fmt.Errorf("visibility %s: %w", l.spec.ID, err)
		}
	}
	s.visible = visible
	return nil
}

func (a *Adapter) SetOpacity(key string, opacity float64) error {
	s, ok := a.synced[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotSynced, key)
	}
	s.opacity = clampOpacity(opacity)
	return a.repaintOpacity(s)
}

// SetFilterActive turns the dimming rule for unmatched features on or off.
func (a *Adapter) SetFilterActive(key string, active bool) error {
	s, ok := a.synced[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotSynced, key)
	}
	if s.filterActive == active {
		return nil
	}
	s.filterActive = active
	return a.repaintOpacity(s)
}

func (a *Adapter) repaintOpacity(s *synced) error {
	v := opacityExpr(s.desc.Styling, s.opacity, s.filterActive)
	for _, l := range s.layers {
		if err := a.do("set_paint", func() error {
			return a.s.SetPaintProperty(l.spec.ID, l.opacityKey, v)
		}); err != nil {
			return fmt.Errorf("opacity %s: %w", l.spec.ID, err)
		}
	}
	return nil
}

// ApplyFeatureState writes patch onto one feature of the layer's current
// generation.
func (a *Adapter) ApplyFeatureState(key string, positionalID int, patch model.StatePatch) error {
	s, ok := a.synced[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotSynced, key)
	}
	if positionalID < 0 || positionalID >= s.featureCount {
		return fmt.Errorf("%w: %s/%d", ErrStalePosition, key, positionalID)
	}
	fields := patch.Fields()
	if len(fields) == 0 {
		return nil
	}
	if err := a.do("set_feature_state", func() error {
		return a.s.SetFeatureState(key, positionalID, fields)
	}); err != nil {
		return fmt.Errorf("feature state %s/%d: %w", key, positionalID, err)
	}
	next := patch.Apply(s.states[positionalID])
	if next.IsZero() {
		delete(s.states, positionalID)
	} else {
		s.states[positionalID] = next
	}
	return nil
}

// ClearFeatureState removes applied state from every feature for which
// pred returns true; a nil pred clears the whole layer. It returns how many
// features were cleared.
func (a *Adapter) ClearFeatureState(key string, pred func(positionalID int, st model.FeatureState) bool) (int, error) {
	s, ok := a.synced[key]
	if !ok || len(s.states) == 0 {
		return 0, nil
	}
	if pred == nil {
		n := len(s.states)
		if err := a.dropStates(key, s); err != nil {
			return 0, err
		}
		return n, nil
	}
	ids := slices.Sorted(maps.Keys(s.states))
	n := 0
	for _, id := range ids {
		if !pred(id, s.states[id]) {
			continue
		}
		if err := a.do("remove_feature_state", func() error {
			return a.s.RemoveFeatureState(key, id, "")
		}); err != nil {
			return n, fmt.Errorf("clear state %s/%d: %w", key, id, err)
		}
		delete(s.states, id)
		n++
	}
	return n, nil
}

func (a *Adapter) dropStates(key string, s *synced) error {
	if len(s.states) == 0 {
		return nil
	}
	if err := a.do("remove_feature_state", func() error {
		return a.s.RemoveFeatureState(key, AllFeatures, "")
	}); err != nil {
		return fmt.Errorf("clear state %s: %w", key, err)
	}
	clear(s.states)
	return nil
}

// Dispose removes every native resource of the layer. Disposing an unknown
// or already disposed layer does nothing.
func (a *Adapter) Dispose(key string) error {
	s, ok := a.synced[key]
	if !ok {
		return nil
	}
	var errs []error
	for i := len(s.layers) - 1; i >= 0; i-- {
		id := s.layers[i].spec.ID
		if !a.s.HasLayer(id) {
			continue
		}
		if err := a.do("remove_layer", func() error { return a.s.RemoveLayer(id) }); err != nil {
			errs = append(errs, fmt.Errorf("remove layer %s: %w", id, err))
		}
	}
	if a.s.HasSource(key) {
		if err := a.do("remove_source", func() error { return a.s.RemoveSource(key) }); err != nil {
			errs = append(errs, fmt.Errorf("remove source %s: %w", key, err))
		}
	}
	delete(a.synced, key)
	return errors.Join(errs...)
}

// DisposeAll releases every synced layer.
func (a *Adapter) DisposeAll() error {
	var errs []error
	keys := slices.Sorted(maps.Keys(a.synced))
	for _, k := range keys {
		errs = append(errs, a.Dispose(k))
	}
	return errors.Join(errs...)
}

func (a *Adapter) Synced(key string) bool {
	_, ok := a.synced[key]
	return ok
}

// SyncedGeneration is the generation id last pushed for key.
func (a *Adapter) SyncedGeneration(key string) (uint64, bool) {
	s, ok := a.synced[key]
	if !ok {
		return 0, false
	}
	return s.genID, true
}

// FeatureStates copies the state currently applied to the layer.
func (a *Adapter) FeatureStates(key string) map[int]model.FeatureState {
	s, ok := a.synced[key]
	if !ok {
		return map[int]model.FeatureState{}
	}
	return maps.Clone(s.states)
}

func clampOpacity(v float64) float64 {
	switch {
	case math.IsNaN(v) || v > 1:
		return 1
	case v < 0:
		return 0
	}
	return v
}
