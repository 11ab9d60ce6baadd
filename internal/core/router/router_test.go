package router

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/parcel-map-sync/internal/command"
	"github.com/mohammed-shakir/parcel-map-sync/internal/core/model"
	"github.com/mohammed-shakir/parcel-map-sync/internal/engine"
	"github.com/mohammed-shakir/parcel-map-sync/internal/layers"
	"github.com/mohammed-shakir/parcel-map-sync/internal/logger"
	"github.com/mohammed-shakir/parcel-map-sync/internal/provider"
	"github.com/mohammed-shakir/parcel-map-sync/internal/viewport"
)

type fakeEngine struct {
	bounds     []model.Viewport
	selected   string
	highlights []string
	matches    []string
	matchesSet bool
	hover      [2]string
	visible    map[string]bool
	opacity    map[string]float64
	intents    []*command.Intent
	invalid    []string
	area       *orb.Bound
	err        error
}

func (f *fakeEngine) OnBoundsChange(raw model.Viewport) error {
	if err := raw.Validate(); err != nil {
		return fmt.Errorf("%w: %w", viewport.ErrMalformed, err)
	}
	f.bounds = append(f.bounds, raw)
	return nil
}

func (f *fakeEngine) SetSelection(key string) error { f.selected = key; return f.err }

func (f *fakeEngine) SetHighlights(keys []string) error { f.highlights = keys; return f.err }

func (f *fakeEngine) SetFilterMatches(keys []string) error {
	f.matches, f.matchesSet = keys, true
	return f.err
}

func (f *fakeEngine) Hover(layer, key string) error { f.hover = [2]string{layer, key}; return f.err }

func (f *fakeEngine) SetLayerVisible(key string, v bool) error {
	if key == "volcanoes" {
		return fmt.Errorf("%w: %s", engine.ErrUnknownLayer, key)
	}
	if f.visible == nil {
		f.visible = map[string]bool{}
	}
	f.visible[key] = v
	return nil
}

func (f *fakeEngine) SetLayerOpacity(key string, o float64) error {
	if f.opacity == nil {
		f.opacity = map[string]float64{}
	}
	f.opacity[key] = o
	return nil
}

func (f *fakeEngine) Apply(in *command.Intent) error { f.intents = append(f.intents, in); return f.err }

func (f *fakeEngine) Snapshot() engine.Snapshot {
	return engine.Snapshot{Selected: f.selected, Filters: map[string]string{}}
}

func (f *fakeEngine) Property(_ context.Context, key string) (map[string]any, error) {
	switch key {
	case "P-1":
		return map[string]any{"id": "P-1"}, nil
	case "down":
		return nil, &provider.StatusError{Code: 500, Body: "x"}
	}
	return nil, provider.ErrNotFound
}

func (f *fakeEngine) InvalidateLayer(_ context.Context, key string, area *orb.Bound) error {
	if key == "volcanoes" {
		return fmt.Errorf("%w: %s", engine.ErrUnknownLayer, key)
	}
	f.invalid = append(f.invalid, key)
	f.area = area
	return f.err
}

func newRouter(f *fakeEngine) http.Handler {
	reg := layers.Default()
	r := chi.NewRouter()
	New(f, reg, command.NewParser(reg), logger.NewDiscardSlog()).Mount(r)
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestViewport_AcceptsAndRejects(t *testing.T) {
	f := &fakeEngine{}
	h := newRouter(f)

	rr := do(t, h, http.MethodPost, "/viewport", `{"west":-97.8,"south":30.2,"east":-97.7,"north":30.3,"zoom":12}`)
	if rr.Code != http.StatusAccepted || len(f.bounds) != 1 {
		t.Fatalf("status=%d bounds=%v", rr.Code, f.bounds)
	}
	rr = do(t, h, http.MethodPost, "/viewport", `{"west":-97.7,"south":30.2,"east":-97.8,"north":30.3,"zoom":12}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("inverted bounds status=%d want 400", rr.Code)
	}
	rr = do(t, h, http.MethodPost, "/viewport", `{"west":"x"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad json status=%d want 400", rr.Code)
	}
}

func TestCommand_MatchedAndFallthrough(t *testing.T) {
	f := &fakeEngine{}
	h := newRouter(f)

	rr := do(t, h, http.MethodPost, "/command", `{"text":"show flood zones"}`)
	var resp commandResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rr.Code != http.StatusOK || !resp.Matched || resp.Intent.Key != "flood" {
		t.Fatalf("status=%d resp=%+v", rr.Code, resp)
	}
	if len(f.intents) != 1 {
		t.Fatalf("intents applied=%d want 1", len(f.intents))
	}

	rr = do(t, h, http.MethodPost, "/command", `{"text":"what is the tallest building downtown"}`)
	if rr.Code != http.StatusOK || strings.TrimSpace(rr.Body.String()) != `{"matched":false}` {
		t.Fatalf("fallthrough status=%d body=%s", rr.Code, rr.Body.String())
	}
	if len(f.intents) != 1 {
		t.Fatal("unmatched text must not reach the engine")
	}
}

func TestSelectionHighlightsAndMatches(t *testing.T) {
	f := &fakeEngine{}
	h := newRouter(f)

	if rr := do(t, h, http.MethodPost, "/selection", `{"key":"P-1"}`); rr.Code != http.StatusNoContent || f.selected != "P-1" {
		t.Fatalf("selection status=%d selected=%q", rr.Code, f.selected)
	}
	if rr := do(t, h, http.MethodPost, "/highlights", `{"keys":["P-1","P-2"]}`); rr.Code != http.StatusNoContent || len(f.highlights) != 2 {
		t.Fatalf("highlights status=%d keys=%v", rr.Code, f.highlights)
	}
	if rr := do(t, h, http.MethodPost, "/filter-matches", `{"keys":null}`); rr.Code != http.StatusNoContent || !f.matchesSet || f.matches != nil {
		t.Fatalf("null matches must reach the engine as nil: %v", f.matches)
	}
	do(t, h, http.MethodPost, "/filter-matches", `{"keys":[]}`)
	if f.matches == nil {
		t.Fatal("empty matches must stay non-nil")
	}
	if rr := do(t, h, http.MethodPost, "/hover", `{"layer":"parcels","key":"P-2"}`); rr.Code != http.StatusNoContent || f.hover != [2]string{"parcels", "P-2"} {
		t.Fatalf("hover status=%d hover=%v", rr.Code, f.hover)
	}
}

func TestUpdateLayer(t *testing.T) {
	f := &fakeEngine{}
	h := newRouter(f)

	rr := do(t, h, http.MethodPost, "/layers/zoning", `{"visible":true,"opacity":0.5}`)
	if rr.Code != http.StatusNoContent || !f.visible["zoning"] || f.opacity["zoning"] != 0.5 {
		t.Fatalf("status=%d visible=%v opacity=%v", rr.Code, f.visible, f.opacity)
	}
	if rr := do(t, h, http.MethodPost, "/layers/volcanoes", `{"visible":true}`); rr.Code != http.StatusNotFound {
		t.Fatalf("unknown layer status=%d want 404", rr.Code)
	}
	if rr := do(t, h, http.MethodPost, "/layers/zoning", `{}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("empty update status=%d want 400", rr.Code)
	}
}

func TestLayersAndState(t *testing.T) {
	f := &fakeEngine{selected: "P-9"}
	h := newRouter(f)

	rr := do(t, h, http.MethodGet, "/layers", "")
	var body struct {
		Layers []layers.Descriptor `json:"layers"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode layers: %v", err)
	}
	if len(body.Layers) != 6 || body.Layers[0].Key != "parcels" {
		t.Fatalf("layers=%+v", body.Layers)
	}

	rr = do(t, h, http.MethodGet, "/state", "")
	if !strings.Contains(rr.Body.String(), `"selected":"P-9"`) {
		t.Fatalf("state=%s", rr.Body.String())
	}
}

func TestProperty_StatusMapping(t *testing.T) {
	h := newRouter(&fakeEngine{})
	cases := map[string]int{
		"/property/P-1":  http.StatusOK,
		"/property/nope": http.StatusNotFound,
		"/property/down": http.StatusBadGateway,
	}
	for path, want := range cases {
		if rr := do(t, h, http.MethodGet, path, ""); rr.Code != want {
			t.Errorf("%s status=%d want %d", path, rr.Code, want)
		}
	}
}

func TestStatusFor_ClosedEngine(t *testing.T) {
	f := &fakeEngine{err: engine.ErrClosed}
	h := newRouter(f)
	if rr := do(t, h, http.MethodPost, "/selection", `{"key":"P-1"}`); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d want 503", rr.Code)
	}
}

func TestInvalidate(t *testing.T) {
	f := &fakeEngine{}
	h := newRouter(f)

	if rr := do(t, h, http.MethodPost, "/layers/flood/invalidate", ""); rr.Code != http.StatusAccepted || f.area != nil {
		t.Fatalf("whole layer status=%d area=%v", rr.Code, f.area)
	}
	rr := do(t, h, http.MethodPost, "/layers/parcels/invalidate", `{"bbox":[-97.8,30.2,-97.7,30.3]}`)
	if rr.Code != http.StatusAccepted || f.area == nil || f.area.Min[0] != -97.8 || f.area.Max[1] != 30.3 {
		t.Fatalf("bbox status=%d area=%v", rr.Code, f.area)
	}
	if len(f.invalid) != 2 || f.invalid[1] != "parcels" {
		t.Fatalf("invalidated=%v", f.invalid)
	}
	if rr := do(t, h, http.MethodPost, "/layers/parcels/invalidate", `{"bbox":[1,2,3]}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("short bbox status=%d want 400", rr.Code)
	}
	if rr := do(t, h, http.MethodPost, "/layers/volcanoes/invalidate", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("unknown layer status=%d want 404", rr.Code)
	}
}
