// Package reconcile re-derives per-feature visual state for a generation
// from business-key sets.
package reconcile

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/mohammed-shakir/parcel-map-sync/internal/core/model"
	"github.com/mohammed-shakir/parcel-map-sync/internal/core/observability"
	"github.com/mohammed-shakir/parcel-map-sync/internal/surface"
)

// Writer is the part of the render surface adapter the reconciler needs.
type Writer interface {
	ApplyFeatureState(layer string, positionalID int, patch model.StatePatch) error
	ClearFeatureState(layer string, pred func(positionalID int, st model.FeatureState) bool) (int, error)
	FeatureStates(layer string) map[int]model.FeatureState
	SyncedGeneration(layer string) (uint64, bool)
}

type Result struct {
	Cleared    int
	Writes     int
	Unresolved int
}

type Reconciler struct {
	w   Writer
	log *slog.Logger
}

func New(w Writer, log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{w: w, log: log}
}

// Reconcile resets the layer's state and re-applies highlight, selection and
// filter matches against gen. Keys missing from gen are out of view and only
// counted. A nil filterMatched means no filter is active.
func (r *Reconciler) Reconcile(
	layer string,
	gen *model.Generation,
	selected string,
	highlighted map[string]struct{},
	filterMatched map[string]struct{},
) (Result, error) {
	var res Result
	if err := r.checkGeneration(layer, gen); err != nil {
		return res, err
	}
	idx := gen.Index()

	cleared, err := r.w.ClearFeatureState(layer, nil)
	if err != nil {
		return res, fmt.Errorf("reconcile %s: %w", layer, err)
	}
	res.Cleared = cleared

	apply := func(keys map[string]struct{}, patch model.StatePatch) error {
		for _, k := range slices.Sorted(maps.Keys(keys)) {
			pos, ok := idx[k]
			if !ok {
				res.Unresolved++
				continue
			}
			if err := r.w.ApplyFeatureState(layer, pos, patch); err != nil {
				return fmt.Errorf("reconcile %s key %s: %w", layer, k, err)
			}
			res.Writes++
		}
		return nil
	}

	if err := apply(highlighted, model.StatePatch{Highlighted: model.Bool(true)}); err != nil {
		return res, err
	}
	// highlighted stays true; paint order makes selected win
	if selected != "" {
		if err := apply(map[string]struct{}{selected: {}}, model.StatePatch{Selected: model.Bool(true)}); err != nil {
			return res, err
		}
	}
	if filterMatched != nil {
		if err := apply(filterMatched, model.StatePatch{FilterMatched: model.Bool(true)}); err != nil {
			return res, err
		}
	}

	observability.AddFeatureStateWrites(layer, res.Writes)
	observability.AddFeatureStateUnresolved(layer, res.Unresolved)
	r.log.Debug("reconciled",
		"layer", layer,
		"generation", genID(gen),
		"cleared", res.Cleared,
		"writes", res.Writes,
		"unresolved", res.Unresolved)
	return res, nil
}

// Hover moves the hovered flag to key, leaving other flags alone. An empty
// or unresolved key only clears the previous hover.
func (r *Reconciler) Hover(layer string, gen *model.Generation, key string) (Result, error) {
	var res Result
	states := r.w.FeatureStates(layer)
	for _, id := range slices.Sorted(maps.Keys(states)) {
		if !states[id].Hovered {
			continue
		}
		if err := r.w.ApplyFeatureState(layer, id, model.StatePatch{Hovered: model.Bool(false)}); err != nil {
			return res, fmt.Errorf("unhover %s/%d: %w", layer, id, err)
		}
		res.Cleared++
	}
	if key == "" {
		return res, nil
	}
	if err := r.checkGeneration(layer, gen); err != nil {
		return res, err
	}
	pos, ok := gen.Index()[key]
	if !ok {
		res.Unresolved++
		return res, nil
	}
	if err := r.w.ApplyFeatureState(layer, pos, model.StatePatch{Hovered: model.Bool(true)}); err != nil {
		return res, fmt.Errorf("hover %s/%d: %w", layer, pos, err)
	}
	res.Writes++
	return res, nil
}

// checkGeneration refuses positional ids resolved against a generation other
// than the one on the surface. An unsynced layer is left to the writer.
func (r *Reconciler) checkGeneration(layer string, gen *model.Generation) error {
	synced, ok := r.w.SyncedGeneration(layer)
	if !ok || synced == genID(gen) {
		return nil
	}
	return fmt.Errorf("%w: %s shows generation %d, not %d", surface.ErrStalePosition, layer, synced, genID(gen))
}

func genID(g *model.Generation) uint64 {
	if g == nil {
		return 0
	}
	return g.ID
}
