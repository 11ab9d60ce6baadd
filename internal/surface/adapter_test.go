package surface

import (
	"errors"
	"slices"
	"testing"

	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/parcel-map-sync/internal/core/model"
	"github.com/mohammed-shakir/parcel-map-sync/internal/layers"
	"github.com/mohammed-shakir/parcel-map-sync/internal/logger"
)

func newAdapter(t *testing.T) (*Adapter, *MemorySurface, *layers.Registry) {
	t.Helper()
	reg := layers.Default()
	ms := NewMemorySurface()
	return NewAdapter(ms, reg, logger.NewDiscardSlog()), ms, reg
}

func desc(t *testing.T, reg *layers.Registry, key string) layers.Descriptor {
	t.Helper()
	d, ok := reg.Get(key)
	if !ok {
		t.Fatalf("no layer %q", key)
	}
	return d
}

func gen(layer string, id uint64, keys ...string) *model.Generation {
	g := &model.Generation{LayerKey: layer, ID: id}
	for i, k := range keys {
		g.Features = append(g.Features, model.Feature{
			PositionalID: i,
			BusinessKey:  k,
			Geometry:     orb.Point{-97.75 + float64(i)*0.001, 30.25},
			Attributes:   map[string]any{"zone_code": "SF-3"},
		})
	}
	return g
}

func TestSyncLayer_IdempotentForIdenticalInput(t *testing.T) {
	a, ms, reg := newAdapter(t)
	d := desc(t, reg, "parcels")
	g := gen("parcels", 1, "a", "b")

	if err := a.SyncLayer(d, g, true, 1); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	created := ms.Calls("AddLayer")
	before := ms.TotalCalls()
	if err := a.SyncLayer(d, g, true, 1); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if ms.Calls("AddLayer") != created {
		t.Fatalf("AddLayer calls grew from %d to %d", created, ms.Calls("AddLayer"))
	}
	if ms.TotalCalls() != before {
		t.Fatalf("identical sync issued %d native calls", ms.TotalCalls()-before)
	}
}

func TestSyncLayer_NewGenerationReplacesDataOnly(t *testing.T) {
	a, ms, reg := newAdapter(t)
	d := desc(t, reg, "parcels")
	_ = a.SyncLayer(d, gen("parcels", 1, "a"), true, 1)
	if err := a.SyncLayer(d, gen("parcels", 2, "a", "b", "c"), true, 1); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if ms.Calls("AddSource") != 1 || ms.Calls("RemoveSource") != 0 || ms.Calls("RemoveLayer") != 0 {
		t.Fatal("data change must not recreate resources")
	}
	if ms.Calls("SetSourceData") != 1 {
		t.Fatalf("SetSourceData calls=%d want 1", ms.Calls("SetSourceData"))
	}
	fc, _ := ms.SourceData("parcels")
	if len(fc.Features) != 3 || fc.Features[2].ID != 2 || fc.Features[2].Properties["business_key"] != "c" {
		t.Fatalf("unexpected source data: %+v", fc.Features)
	}
}

func TestSyncLayer_VisibilityAndOpacityArePropertyUpdates(t *testing.T) {
	a, ms, reg := newAdapter(t)
	d := desc(t, reg, "zoning")
	g := gen("zoning", 1, "a")
	_ = a.SyncLayer(d, g, true, 1)

	if err := a.SyncLayer(d, g, false, 0.5); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if ms.Calls("AddLayer") != 2 || ms.Calls("SetSourceData") != 0 {
		t.Fatal("toggle must not recreate layers or replace data")
	}
	l, _ := ms.Layer("zoning-fill")
	if l.Layout["visibility"] != "none" {
		t.Fatalf("visibility=%v", l.Layout["visibility"])
	}
	if op := l.Paint["fill-opacity"]; op != 0.45*0.5 {
		t.Fatalf("fill-opacity=%v want %v", op, 0.45*0.5)
	}
}

func TestSyncLayer_DescriptorChangeRecreates(t *testing.T) {
	a, ms, reg := newAdapter(t)
	d := desc(t, reg, "transit")
	g := gen("transit", 1, "a")
	_ = a.SyncLayer(d, g, true, 1)

	d.Styling.Color = "#000000"
	if err := a.SyncLayer(d, g, true, 1); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if ms.Calls("RemoveSource") != 1 || ms.Calls("AddSource") != 2 {
		t.Fatalf("descriptor change must dispose and recreate")
	}
	l, _ := ms.Layer("transit-line")
	expr := l.Paint["line-color"].([]any)
	if expr[len(expr)-1] != "#000000" {
		t.Fatalf("new colour not applied: %v", expr)
	}
}

func TestSyncLayer_StackingFollowsAnchors(t *testing.T) {
	a, ms, reg := newAdapter(t)
	for _, k := range []string{"properties", "flood", "parcels", "zoning"} {
		if err := a.SyncLayer(desc(t, reg, k), gen(k, 1, "x"), true, 1); err != nil {
			t.Fatalf("sync %s: %v", k, err)
		}
	}
	want := []string{
		"parcels-fill", "parcels-outline",
		"zoning-fill", "zoning-outline",
		"flood-fill", "flood-outline",
		"properties-circle", "properties-label",
	}
	if got := ms.Order(); !slices.Equal(got, want) {
		t.Fatalf("order=%v\nwant %v", got, want)
	}
}

func TestDispose_IdempotentAndComplete(t *testing.T) {
	a, ms, reg := newAdapter(t)
	_ = a.SyncLayer(desc(t, reg, "schools"), gen("schools", 1, "s"), true, 1)
	if err := a.Dispose("schools"); err != nil {
		t.Fatalf("dispose: %v", err)
	}
	if ms.HasSource("schools") || len(ms.Order()) != 0 || a.Synced("schools") {
		t.Fatal("resources left after dispose")
	}
	calls := ms.TotalCalls()
	if err := a.Dispose("schools"); err != nil {
		t.Fatalf("second dispose: %v", err)
	}
	if err := a.Dispose("never-synced"); err != nil {
		t.Fatalf("unknown dispose: %v", err)
	}
	if ms.TotalCalls() != calls {
		t.Fatal("dispose of a disposed layer touched the surface")
	}
}

func TestApplyFeatureState_RejectsStalePositions(t *testing.T) {
	a, ms, reg := newAdapter(t)
	_ = a.SyncLayer(desc(t, reg, "parcels"), gen("parcels", 1, "a", "b"), true, 1)

	if err := a.ApplyFeatureState("parcels", 1, model.StatePatch{Selected: model.Bool(true)}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !ms.State("parcels", 1)[model.StateSelected] {
		t.Fatal("selected flag not written")
	}
	if err := a.ApplyFeatureState("parcels", 2, model.StatePatch{Selected: model.Bool(true)}); !errors.Is(err, ErrStalePosition) {
		t.Fatalf("err=%v want ErrStalePosition", err)
	}
	if err := a.ApplyFeatureState("zoning", 0, model.StatePatch{}); !errors.Is(err, ErrNotSynced) {
		t.Fatalf("err=%v want ErrNotSynced", err)
	}
}

func TestClearFeatureState_Predicate(t *testing.T) {
	a, ms, reg := newAdapter(t)
	_ = a.SyncLayer(desc(t, reg, "parcels"), gen("parcels", 1, "a", "b", "c"), true, 1)
	_ = a.ApplyFeatureState("parcels", 0, model.StatePatch{Highlighted: model.Bool(true)})
	_ = a.ApplyFeatureState("parcels", 1, model.StatePatch{Selected: model.Bool(true)})
	_ = a.ApplyFeatureState("parcels", 2, model.StatePatch{Highlighted: model.Bool(true)})

	n, err := a.ClearFeatureState("parcels", func(_ int, st model.FeatureState) bool { return st.Highlighted })
	if err != nil || n != 2 {
		t.Fatalf("cleared=%d err=%v want 2", n, err)
	}
	if got := ms.StatesWith("parcels", model.StateSelected); !slices.Equal(got, []int{1}) {
		t.Fatalf("selected=%v", got)
	}
	n, _ = a.ClearFeatureState("parcels", nil)
	if n != 1 || len(ms.StatesWith("parcels", model.StateSelected)) != 0 {
		t.Fatalf("clear all left state, n=%d", n)
	}
	calls := ms.TotalCalls()
	if n, _ := a.ClearFeatureState("parcels", nil); n != 0 || ms.TotalCalls() != calls {
		t.Fatal("clearing an empty layer must be free")
	}
}

func TestNewGeneration_DropsAppliedState(t *testing.T) {
	a, ms, reg := newAdapter(t)
	d := desc(t, reg, "parcels")
	_ = a.SyncLayer(d, gen("parcels", 1, "a"), true, 1)
	_ = a.ApplyFeatureState("parcels", 0, model.StatePatch{Selected: model.Bool(true)})
	_ = a.SyncLayer(d, gen("parcels", 2, "b"), true, 1)
	if len(a.FeatureStates("parcels")) != 0 || len(ms.StatesWith("parcels", model.StateSelected)) != 0 {
		t.Fatal("state from the old generation survived")
	}
}

func TestFilterActive_DimsUnlessHighlightedOrSelected(t *testing.T) {
	a, ms, reg := newAdapter(t)
	_ = a.SyncLayer(desc(t, reg, "properties"), gen("properties", 1, "a"), true, 1)
	if err := a.SetFilterActive("properties", true); err != nil {
		t.Fatalf("filter: %v", err)
	}
	l, _ := ms.Layer("properties-circle")
	expr, ok := l.Paint["circle-opacity"].([]any)
	if !ok || expr[0] != "case" {
		t.Fatalf("expected case expression, got %v", l.Paint["circle-opacity"])
	}
	// selected, highlighted and matched keep full opacity; the fallback dims
	conds := []string{model.StateSelected, model.StateHighlighted, model.StateFilterMatched}
	for i, c := range conds {
		flag := expr[1+2*i].([]any)[1].([]any)[1]
		if flag != c || expr[2+2*i] != 0.95 {
			t.Fatalf("branch %d = %v -> %v", i, flag, expr[2+2*i])
		}
	}
	if expr[len(expr)-1] != 0.95*dimFactor {
		t.Fatalf("dimmed opacity=%v", expr[len(expr)-1])
	}

	calls := ms.TotalCalls()
	_ = a.SetFilterActive("properties", true)
	if ms.TotalCalls() != calls {
		t.Fatal("unchanged filter state must not repaint")
	}
}
