// Package fetcher issues viewport-scoped layer fetches, keeps at most one in
// flight per layer and owns every layer's generations.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mohammed-shakir/parcel-map-sync/internal/cache/keys"
	"github.com/mohammed-shakir/parcel-map-sync/internal/core/model"
	"github.com/mohammed-shakir/parcel-map-sync/internal/core/observability"
	"github.com/mohammed-shakir/parcel-map-sync/internal/layers"
	"github.com/mohammed-shakir/parcel-map-sync/internal/logger"
	"github.com/mohammed-shakir/parcel-map-sync/internal/mapper"
	"github.com/mohammed-shakir/parcel-map-sync/internal/provider"
)

const DefaultCacheSize = 64

// ErrSuperseded is returned for a fetch whose result was discarded because a
// newer request for the same layer started. It is not a failure.
var ErrSuperseded = errors.New("fetch superseded")

var ErrUnknownLayer = errors.New("unknown layer")

// FetchError is a network or non-2xx failure for one layer. The layer's
// previous generation stays current.
type FetchError struct {
	Layer string
	Err   error
}

func (e *FetchError) Error() string { return fmt.Sprintf("fetch layer %s: %v", e.Layer, e.Err) }
func (e *FetchError) Unwrap() error { return e.Err }

type Options struct {
	Registry  *layers.Registry
	Provider  provider.Interface
	Mapper    mapper.Interface
	CacheSize int
	OnError   func(*FetchError)
	Logger    *slog.Logger
	Now       func() time.Time
}

type call struct {
	key   string
	token uint64
	done  chan struct{}
	gen   *model.Generation
	err   error
}

type layerState struct {
	token    uint64
	lastGen  uint64
	cancel   context.CancelFunc
	inflight *call
	current  *model.Generation
	stale    bool
}

type Fetcher struct {
	reg     *layers.Registry
	prov    provider.Interface
	mapper  mapper.Interface
	onError func(*FetchError)
	log     *slog.Logger
	now     func() time.Time

	results *lru.Cache[string, []model.Feature]

	mu     sync.Mutex
	layers map[string]*layerState
}

func New(opts Options) (*Fetcher, error) {
	if opts.Registry == nil || opts.Provider == nil || opts.Mapper == nil {
		return nil, errors.New("fetcher: registry, provider and mapper are required")
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c, err := lru.New[string, []model.Feature](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("results cache: %w", err)
	}
	return &Fetcher{
		reg:     opts.Registry,
		prov:    opts.Provider,
		mapper:  opts.Mapper,
		onError: opts.OnError,
		log:     opts.Logger,
		now:     opts.Now,
		results: c,
		layers:  make(map[string]*layerState),
	}, nil
}

func (f *Fetcher) state(layer string) *layerState {
	st, ok := f.layers[layer]
	if !ok {
		st = &layerState{}
		f.layers[layer] = st
	}
	return st
}

// CacheKey is the key a fetch for these inputs would use.
func (f *Fetcher) CacheKey(layer string, vp model.Viewport, filters map[string]string) (string, error) {
	_, _, key, err := f.resolve(layer, vp, filters)
	return key, err
}

// Filters only count for layers served by the property search, so a filter
// change never refetches an overlay.
func (f *Fetcher) resolve(layer string, vp model.Viewport, filters map[string]string) (layers.Descriptor, mapper.Corners, string, error) {
	desc, ok := f.reg.Get(layer)
	if !ok {
		return layers.Descriptor{}, mapper.Corners{}, "", fmt.Errorf("%w: %q", ErrUnknownLayer, layer)
	}
	c, err := f.mapper.Quantize(vp)
	if err != nil {
		return layers.Descriptor{}, mapper.Corners{}, "", fmt.Errorf("layer %s: %w", layer, err)
	}
	sig := ""
	if desc.Source == provider.SourceProperties {
		sig = keys.FilterSignature(filters)
	}
	return desc, c, keys.Key(layer, c, sig), nil
}

// EnsureLayerData returns a generation for layer covering vp. A new request
// cancels the layer's in-flight fetch; the cancelled fetch returns
// ErrSuperseded whatever its outcome.
func (f *Fetcher) EnsureLayerData(ctx context.Context, layer string, vp model.Viewport, filters map[string]string) (*model.Generation, error) {
	p, err := f.Start(ctx, layer, vp, filters)
	if err != nil {
		return nil, err
	}
	return p.Wait(ctx)
}

// Pending is a started request. Requests that join an in-flight fetch share
// its outcome.
type Pending struct {
	c *call
}

// Wait blocks until the fetch settles or ctx is done.
func (p *Pending) Wait(ctx context.Context) (*model.Generation, error) {
	select {
	case <-p.c.done:
		return p.c.gen, p.c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ready reports whether the outcome is already known, which is the case for
// cache hits and for an unchanged key.
func (p *Pending) Ready() bool {
	select {
	case <-p.c.done:
		return true
	default:
		return false
	}
}

func settled(gen *model.Generation) *Pending {
	c := &call{done: make(chan struct{}), gen: gen}
	close(c.done)
	return &Pending{c: c}
}

// Start registers a request for layer and returns without waiting for the
// provider. Requests are ordered by the Start calls: a later Start always
// supersedes an earlier one with a different key.
func (f *Fetcher) Start(ctx context.Context, layer string, vp model.Viewport, filters map[string]string) (*Pending, error) {
	desc, corners, key, err := f.resolve(layer, vp, filters)
	if err != nil {
		return nil, err
	}
	ctx = logger.WithFetch(logger.WithLayer(ctx, layer), key)

	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.state(layer)

	if c := st.inflight; c != nil && c.key == key {
		return &Pending{c: c}, nil
	}
	if st.inflight == nil && !st.stale && st.current != nil && st.current.CacheKey == key {
		observability.IncLayerFetch(layer, "current")
		return settled(st.current), nil
	}

	f.supersedeLocked(st)

	if feats, hit := f.results.Get(key); hit {
		gen := f.commitLocked(layer, st, key, feats)
		observability.IncLayerFetch(layer, "cache_hit")
		return settled(gen), nil
	}

	bound, err := f.mapper.Bound(corners)
	if err != nil {
		return nil, fmt.Errorf("layer %s: %w", layer, err)
	}
	fctx, cancel := context.WithCancel(ctx)
	c := &call{key: key, token: st.token, done: make(chan struct{})}
	st.cancel = cancel
	st.inflight = c

	req := provider.Request{
		Source:   desc.Source,
		Bound:    bound,
		Filters:  maps.Clone(filters),
		CacheKey: key,
	}
	go f.run(ctx, fctx, cancel, desc, st, c, req)
	return &Pending{c: c}, nil
}

func (f *Fetcher) run(ctx, fctx context.Context, cancel context.CancelFunc, desc layers.Descriptor, st *layerState, c *call, req provider.Request) {
	layer := desc.Key
	defer close(c.done)

	feats, ferr := f.prov.FetchFeatures(fctx, req)
	if ferr == nil {
		// normalise before anything can observe the features
		layers.Normalize(desc, feats)
	}

	f.mu.Lock()
	if st.token != c.token {
		f.mu.Unlock()
		c.err = ErrSuperseded
		observability.IncLayerFetch(layer, "superseded")
		f.log.DebugContext(ctx, "fetch superseded")
		return
	}
	st.inflight = nil
	st.cancel = nil
	cancel()

	if ferr != nil {
		f.mu.Unlock()
		if errors.Is(ferr, context.Canceled) && ctx.Err() != nil {
			c.err = ferr
			return
		}
		fe := &FetchError{Layer: layer, Err: ferr}
		c.err = fe
		observability.IncLayerFetch(layer, "error")
		f.log.WarnContext(ctx, "layer fetch failed, keeping previous generation", "err", ferr)
		if f.onError != nil {
			f.onError(fe)
		}
		return
	}

	f.results.Add(c.key, feats)
	c.gen = f.commitLocked(layer, st, c.key, feats)
	f.mu.Unlock()
	observability.IncLayerFetch(layer, "ok")
	f.log.DebugContext(logger.WithGeneration(ctx, c.gen.ID), "generation stored", "features", c.gen.Len())
}

func (f *Fetcher) supersedeLocked(st *layerState) {
	st.token++
	if st.cancel != nil {
		st.cancel()
		st.cancel = nil
	}
	st.inflight = nil
}

func (f *Fetcher) commitLocked(layer string, st *layerState, key string, feats []model.Feature) *model.Generation {
	st.lastGen++
	gen := &model.Generation{
		LayerKey:  layer,
		ID:        st.lastGen,
		CacheKey:  key,
		FetchedAt: f.now(),
		Features:  feats,
	}
	st.current = gen
	st.stale = false
	observability.SetLayerGeneration(layer, gen.ID)
	return gen
}

// Current is the layer's latest applied generation, or nil.
func (f *Fetcher) Current(layer string) *model.Generation {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.layers[layer]; ok {
		return st.current
	}
	return nil
}

func (f *Fetcher) InFlight(layer string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.layers[layer]
	return ok && st.inflight != nil
}

// Cancel drops the layer's in-flight fetch, if any. The current generation
// is kept.
func (f *Fetcher) Cancel(layer string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.layers[layer]; ok && st.inflight != nil {
		f.supersedeLocked(st)
	}
}

// Invalidate forgets everything cached for layer after its upstream data
// changed: results cache entries are dropped, an in-flight fetch is
// superseded and the current generation no longer short-circuits Start.
// The current generation stays readable until a replacement commits.
// It returns the dropped cache keys.
func (f *Fetcher) Invalidate(layer string) []string {
	prefix := keys.LayerPrefix(layer)

	// a settling fetch adds to the results cache under f.mu, so it has to be
	// superseded before its key can be dropped
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.layers[layer]
	if ok && st.inflight != nil {
		f.supersedeLocked(st)
	}

	var dropped []string
	for _, k := range f.results.Keys() {
		if strings.HasPrefix(k, prefix) && f.results.Remove(k) {
			dropped = append(dropped, k)
		}
	}
	if ok && st.current != nil {
		st.stale = true
		if !slices.Contains(dropped, st.current.CacheKey) {
			dropped = append(dropped, st.current.CacheKey)
		}
	}
	return dropped
}

// CancelAll is used on shutdown.
func (f *Fetcher) CancelAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, st := range f.layers {
		if st.inflight != nil {
			f.supersedeLocked(st)
		}
	}
}
