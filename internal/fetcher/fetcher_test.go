package fetcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/parcel-map-sync/internal/core/model"
	"github.com/mohammed-shakir/parcel-map-sync/internal/layers"
	"github.com/mohammed-shakir/parcel-map-sync/internal/logger"
	h3mapper "github.com/mohammed-shakir/parcel-map-sync/internal/mapper/h3"
	"github.com/mohammed-shakir/parcel-map-sync/internal/provider"
)

// fakeProvider blocks each call until released, tracking how many calls are
// live (started and not cancelled) at once.
type fakeProvider struct {
	mu      sync.Mutex
	live    []context.Context
	maxLive int
	calls   atomic.Int32
	gate    chan struct{}
	err     error
	feats   func(req provider.Request) []model.Feature
}

func (p *fakeProvider) FetchFeatures(ctx context.Context, req provider.Request) ([]model.Feature, error) {
	p.calls.Add(1)
	p.mu.Lock()
	n := 1
	for _, c := range p.live {
		if c.Err() == nil {
			n++
		}
	}
	if n > p.maxLive {
		p.maxLive = n
	}
	p.live = append(p.live, ctx)
	gate, err := p.gate, p.err
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if p.feats != nil {
		return p.feats(req), nil
	}
	return []model.Feature{
		{PositionalID: 0, BusinessKey: "a", Geometry: orb.Point{-97.75, 30.25}, Attributes: map[string]any{"zoning": "SF-3"}},
		{PositionalID: 1, BusinessKey: "b", Geometry: orb.Point{-97.74, 30.26}, Attributes: map[string]any{"zoning": "CS"}},
	}, nil
}

func (p *fakeProvider) FetchProperty(context.Context, string) (map[string]any, error) {
	return nil, provider.ErrNotFound
}

func newFetcher(t *testing.T, p *fakeProvider, onErr func(*FetchError)) *Fetcher {
	t.Helper()
	f, err := New(Options{
		Registry: layers.Default(),
		Provider: p,
		Mapper:   h3mapper.New(5, 10),
		OnError:  onErr,
		Logger:   logger.NewDiscardSlog(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return f
}

func viewportAt(west float64) model.Viewport {
	return model.Viewport{West: west, South: 30.20, East: west + 0.10, North: 30.30, Zoom: 12}
}

func waitInFlight(t *testing.T, f *Fetcher, layer string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !f.InFlight(layer) {
		if time.Now().After(deadline) {
			t.Fatalf("layer %s never went in flight", layer)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestAtMostOneInFlight_LastWins(t *testing.T) {
	p := &fakeProvider{gate: make(chan struct{})}
	f := newFetcher(t, p, nil)
	ctx := context.Background()

	const n = 5
	errs := make([]error, n)
	gens := make([]*model.Generation, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			gens[i], errs[i] = f.EnsureLayerData(ctx, "properties", viewportAt(-97.80+float64(i)*0.2), nil)
		}(i)
		// let request i start before i+1 supersedes it
		for p.calls.Load() < int32(i+1) {
			time.Sleep(time.Millisecond)
		}
	}
	close(p.gate)
	wg.Wait()

	if p.maxLive != 1 {
		t.Fatalf("max live fetches=%d want 1", p.maxLive)
	}
	for i := range n - 1 {
		if !errors.Is(errs[i], ErrSuperseded) {
			t.Fatalf("request %d err=%v want ErrSuperseded", i, errs[i])
		}
	}
	if errs[n-1] != nil || gens[n-1] == nil {
		t.Fatalf("last request err=%v", errs[n-1])
	}
	if cur := f.Current("properties"); cur != gens[n-1] {
		t.Fatalf("current generation is not the last issued one")
	}
	if f.InFlight("properties") {
		t.Fatal("nothing should be in flight")
	}
}

func TestGenerations_MonotonicAcrossCacheHits(t *testing.T) {
	p := &fakeProvider{}
	f := newFetcher(t, p, nil)
	ctx := context.Background()

	a, b := viewportAt(-97.80), viewportAt(-97.40)
	g1, err := f.EnsureLayerData(ctx, "zoning", a, nil)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	g2, _ := f.EnsureLayerData(ctx, "zoning", b, nil)
	g3, _ := f.EnsureLayerData(ctx, "zoning", a, nil)
	if !(g1.ID < g2.ID && g2.ID < g3.ID) {
		t.Fatalf("ids %d,%d,%d not increasing", g1.ID, g2.ID, g3.ID)
	}
	if got := p.calls.Load(); got != 2 {
		t.Fatalf("provider calls=%d want 2 (third served from cache)", got)
	}
	if g3.CacheKey != g1.CacheKey {
		t.Fatalf("cache hit must carry the same key")
	}
}

func TestSameKey_ReturnsCurrentWithoutFetch(t *testing.T) {
	p := &fakeProvider{}
	f := newFetcher(t, p, nil)
	ctx := context.Background()

	g1, _ := f.EnsureLayerData(ctx, "flood", viewportAt(-97.80), nil)
	nudged := viewportAt(-97.80 + 0.00001)
	g2, err := f.EnsureLayerData(ctx, "flood", nudged, nil)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if g1 != g2 || p.calls.Load() != 1 {
		t.Fatalf("sub-cell pan refetched: calls=%d", p.calls.Load())
	}
}

func TestNormalizesBeforeStoring(t *testing.T) {
	p := &fakeProvider{}
	f := newFetcher(t, p, nil)
	g, err := f.EnsureLayerData(context.Background(), "properties", viewportAt(-97.80), nil)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if g.Features[0].Attributes[layers.AttrCategory] != "single_family" {
		t.Fatalf("feature not normalised: %v", g.Features[0].Attributes)
	}
}

func TestFailure_KeepsPreviousGenerationAndReports(t *testing.T) {
	p := &fakeProvider{}
	var reported []*FetchError
	f := newFetcher(t, p, func(fe *FetchError) { reported = append(reported, fe) })
	ctx := context.Background()

	good, err := f.EnsureLayerData(ctx, "zoning", viewportAt(-97.80), nil)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	p.err = &provider.StatusError{Code: 503, Body: "down"}
	_, err = f.EnsureLayerData(ctx, "zoning", viewportAt(-97.40), nil)

	var fe *FetchError
	if !errors.As(err, &fe) || fe.Layer != "zoning" {
		t.Fatalf("err=%v want *FetchError", err)
	}
	var se *provider.StatusError
	if !errors.As(err, &se) || se.Code != 503 {
		t.Fatalf("cause not preserved: %v", err)
	}
	if len(reported) != 1 {
		t.Fatalf("OnError calls=%d want 1", len(reported))
	}
	if f.Current("zoning") != good {
		t.Fatal("previous generation must be retained")
	}

	// other layers unaffected
	p.err = nil
	if _, err := f.EnsureLayerData(ctx, "flood", viewportAt(-97.80), nil); err != nil {
		t.Fatalf("flood: %v", err)
	}
}

func TestSupersededFailure_IsSilent(t *testing.T) {
	p := &fakeProvider{gate: make(chan struct{})}
	var reported atomic.Int32
	f := newFetcher(t, p, func(*FetchError) { reported.Add(1) })
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := f.EnsureLayerData(ctx, "zoning", viewportAt(-97.80), nil)
		done <- err
	}()
	waitInFlight(t, f, "zoning")
	f.Cancel("zoning")

	if err := <-done; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("err=%v want ErrSuperseded", err)
	}
	if reported.Load() != 0 {
		t.Fatal("cancelled fetch must not be reported")
	}
	if f.Current("zoning") != nil {
		t.Fatal("cancelled fetch must not produce a generation")
	}
}

func TestFilters_OnlyKeyPropertyLayers(t *testing.T) {
	f := newFetcher(t, &fakeProvider{}, nil)
	vp := viewportAt(-97.80)
	filt := map[string]string{"min_price": "100000"}

	pk1, _ := f.CacheKey("properties", vp, nil)
	pk2, _ := f.CacheKey("properties", vp, filt)
	if pk1 == pk2 {
		t.Fatal("filter change must change the properties key")
	}
	zk1, _ := f.CacheKey("zoning", vp, nil)
	zk2, _ := f.CacheKey("zoning", vp, filt)
	if zk1 != zk2 {
		t.Fatal("overlay keys must ignore filters")
	}
	if _, err := f.CacheKey("volcanoes", vp, nil); !errors.Is(err, ErrUnknownLayer) {
		t.Fatalf("err=%v want ErrUnknownLayer", err)
	}
}

func TestSameKeyInFlight_Joins(t *testing.T) {
	p := &fakeProvider{gate: make(chan struct{})}
	f := newFetcher(t, p, nil)
	ctx := context.Background()

	res := make(chan *model.Generation, 2)
	for range 2 {
		go func() {
			g, _ := f.EnsureLayerData(ctx, "transit", viewportAt(-97.80), nil)
			res <- g
		}()
		waitInFlight(t, f, "transit")
	}
	close(p.gate)
	a, b := <-res, <-res
	if a == nil || a != b {
		t.Fatalf("joined callers got different generations")
	}
	if p.calls.Load() != 1 {
		t.Fatalf("provider calls=%d want 1", p.calls.Load())
	}
}

func TestStart_OrdersByCallNotCompletion(t *testing.T) {
	p := &fakeProvider{gate: make(chan struct{})}
	f := newFetcher(t, p, nil)
	ctx := context.Background()

	first, err := f.Start(ctx, "parcels", viewportAt(-97.80), nil)
	if err != nil {
		t.Fatalf("start first: %v", err)
	}
	second, err := f.Start(ctx, "parcels", viewportAt(-97.40), nil)
	if err != nil {
		t.Fatalf("start second: %v", err)
	}
	if first.Ready() || second.Ready() {
		t.Fatal("provider-bound requests must not be ready before the provider answers")
	}
	close(p.gate)

	if _, err := first.Wait(ctx); !errors.Is(err, ErrSuperseded) {
		t.Fatalf("first err=%v want ErrSuperseded", err)
	}
	g, err := second.Wait(ctx)
	if err != nil || g == nil || f.Current("parcels") != g {
		t.Fatalf("second gen=%v err=%v", g, err)
	}

	again, _ := f.Start(ctx, "parcels", viewportAt(-97.40), nil)
	if !again.Ready() {
		t.Fatal("unchanged key must settle immediately")
	}
}

func TestInvalidate_DropsCacheAndForcesRefetch(t *testing.T) {
	p := &fakeProvider{}
	f := newFetcher(t, p, nil)
	ctx := context.Background()

	a, b := viewportAt(-97.80), viewportAt(-97.40)
	g1, _ := f.EnsureLayerData(ctx, "zoning", a, nil)
	if _, err := f.EnsureLayerData(ctx, "zoning", b, nil); err != nil {
		t.Fatalf("second: %v", err)
	}
	if _, err := f.EnsureLayerData(ctx, "flood", a, nil); err != nil {
		t.Fatalf("flood: %v", err)
	}

	dropped := f.Invalidate("zoning")
	if len(dropped) != 2 {
		t.Fatalf("dropped=%v want both zoning keys", dropped)
	}
	if f.Current("zoning") == nil {
		t.Fatal("current generation must stay readable until replaced")
	}

	before := p.calls.Load()
	g3, err := f.EnsureLayerData(ctx, "zoning", a, nil)
	if err != nil {
		t.Fatalf("after invalidate: %v", err)
	}
	if p.calls.Load() != before+1 || g3.ID <= g1.ID {
		t.Fatalf("invalidated key served from cache: calls=%d gen=%d", p.calls.Load(), g3.ID)
	}
	if _, err := f.EnsureLayerData(ctx, "flood", a, nil); err != nil || p.calls.Load() != before+1 {
		t.Fatalf("other layers must keep their cache: calls=%d err=%v", p.calls.Load(), err)
	}
}

func TestInvalidate_SupersedesInFlight(t *testing.T) {
	p := &fakeProvider{gate: make(chan struct{})}
	f := newFetcher(t, p, nil)
	ctx := context.Background()

	errc := make(chan error, 1)
	go func() {
		_, err := f.EnsureLayerData(ctx, "properties", viewportAt(-97.80), nil)
		errc <- err
	}()
	waitInFlight(t, f, "properties")
	f.Invalidate("properties")
	if err := <-errc; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("err=%v want ErrSuperseded", err)
	}
	close(p.gate)
}

func TestInvalidate_RacingSettleNeverRepopulatesCache(t *testing.T) {
	ctx := context.Background()
	vp := viewportAt(-97.80)

	for round := 0; round < 20; round++ {
		returned := make(chan struct{}, 1)
		p := &fakeProvider{gate: make(chan struct{})}
		p.feats = func(provider.Request) []model.Feature {
			returned <- struct{}{}
			return []model.Feature{{PositionalID: 0, BusinessKey: "old", Geometry: orb.Point{-97.75, 30.25}}}
		}
		f := newFetcher(t, p, nil)

		pend, err := f.Start(ctx, "zoning", vp, nil)
		if err != nil {
			t.Fatalf("start: %v", err)
		}

		// the fetch settles while f.mu is held, so it has to queue behind
		// the lock together with Invalidate
		f.mu.Lock()
		close(p.gate)
		<-returned
		done := make(chan struct{})
		go func() {
			f.Invalidate("zoning")
			close(done)
		}()
		time.Sleep(2 * time.Millisecond)
		f.mu.Unlock()
		<-done
		_, _ = pend.Wait(ctx)

		p.mu.Lock()
		p.gate = nil
		p.mu.Unlock()
		p.feats = nil
		before := p.calls.Load()
		gen, err := f.EnsureLayerData(ctx, "zoning", vp, nil)
		if err != nil {
			t.Fatalf("round %d: %v", round, err)
		}
		if p.calls.Load() != before+1 || gen.Features[0].BusinessKey == "old" {
			t.Fatalf("round %d: pre-invalidation body served after Invalidate", round)
		}
	}
}
