// Package engine keeps a render surface in step with viewport-driven layer
// fetches and with the host's selection, highlight and filter signals.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/parcel-map-sync/internal/command"
	"github.com/mohammed-shakir/parcel-map-sync/internal/core/model"
	"github.com/mohammed-shakir/parcel-map-sync/internal/fetcher"
	"github.com/mohammed-shakir/parcel-map-sync/internal/layers"
	"github.com/mohammed-shakir/parcel-map-sync/internal/logger"
	"github.com/mohammed-shakir/parcel-map-sync/internal/notify"
	"github.com/mohammed-shakir/parcel-map-sync/internal/provider"
	"github.com/mohammed-shakir/parcel-map-sync/internal/reconcile"
	"github.com/mohammed-shakir/parcel-map-sync/internal/surface"
	"github.com/mohammed-shakir/parcel-map-sync/internal/viewport"
)

var (
	ErrUnknownLayer = errors.New("unknown layer")
	ErrClosed       = errors.New("engine closed")
	ErrNoViewport   = errors.New("no settled viewport yet")
	ErrBadIntent    = errors.New("unsupported intent")
	ErrEmptyFilter  = errors.New("empty filter key")
)

type Options struct {
	Registry *layers.Registry
	Fetcher  *fetcher.Fetcher
	Surface  surface.Surface
	// Provider serves property detail lookups; optional.
	Provider provider.Interface
	Notifier notify.Notifier
	Viewport viewport.Options
	Logger   *slog.Logger
}

type hover struct {
	layer string
	key   string
}

// Engine serialises every state change and every surface call behind one
// mutex. Provider calls are the only work done outside it.
type Engine struct {
	reg      *layers.Registry
	fetch    *fetcher.Fetcher
	adapter  *surface.Adapter
	recon    *reconcile.Reconciler
	prov     provider.Interface
	notifier notify.Notifier
	tracker  *viewport.Tracker
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	closed      bool
	vp          model.Viewport
	hasVP       bool
	visible     map[string]bool
	opacity     map[string]float64
	filters     map[string]string
	selected    string
	highlighted map[string]struct{}
	matched     map[string]struct{}
	hover       hover
	applied     map[string]*model.Generation
	failures    map[string]*fetcher.FetchError
	waiting     []<-chan struct{}
}

func New(opts Options) (*Engine, error) {
	if opts.Registry == nil || opts.Fetcher == nil || opts.Surface == nil {
		return nil, errors.New("engine: registry, fetcher and surface are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}
	adapter := surface.NewAdapter(opts.Surface, opts.Registry, opts.Logger.With("component", "surface"))
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		reg:         opts.Registry,
		fetch:       opts.Fetcher,
		adapter:     adapter,
		recon:       reconcile.New(adapter, opts.Logger.With("component", "reconcile")),
		prov:        opts.Provider,
		notifier:    opts.Notifier,
		log:         opts.Logger,
		ctx:         ctx,
		cancel:      cancel,
		visible:     make(map[string]bool),
		opacity:     make(map[string]float64),
		filters:     make(map[string]string),
		highlighted: make(map[string]struct{}),
		applied:     make(map[string]*model.Generation),
		failures:    make(map[string]*fetcher.FetchError),
	}
	for _, d := range opts.Registry.All() {
		e.visible[d.Key] = d.DefaultVisible
		e.opacity[d.Key] = d.Styling.Opacity
	}

	vo := opts.Viewport
	vo.OnSettle = e.settle
	if vo.Logger == nil {
		vo.Logger = opts.Logger.With("component", "viewport")
	}
	e.tracker = viewport.New(vo)
	return e, nil
}

// OnBoundsChange feeds a raw bounds notification into the debouncer.
func (e *Engine) OnBoundsChange(raw model.Viewport) error {
	return e.tracker.OnBoundsChange(raw)
}

func (e *Engine) settle(vp model.Viewport) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.vp = vp
	e.hasVP = true
	e.log.Debug("viewport settled", "bbox", vp.BBoxParam(), "zoom", vp.Zoom)
	e.cycleLocked()
}

// cycleLocked starts a fetch for every visible layer. It returns one channel
// per started fetch, closed once the outcome has been applied.
func (e *Engine) cycleLocked() []<-chan struct{} {
	if !e.hasVP {
		return nil
	}
	var waits []<-chan struct{}
	for _, key := range e.reg.Keys() {
		if !e.visible[key] {
			continue
		}
		if ch := e.startLocked(key); ch != nil {
			waits = append(waits, ch)
		}
	}
	return waits
}

func (e *Engine) startLocked(key string) <-chan struct{} {
	p, err := e.fetch.Start(e.ctx, key, e.vp, e.filters)
	if err != nil {
		e.log.Warn("fetch not started", "layer", key, "err", err)
		return nil
	}
	done := make(chan struct{})
	if p.Ready() {
		gen, err := p.Wait(e.ctx)
		e.resultLocked(key, gen, err)
		close(done)
		return done
	}
	e.waiting = append(slices.DeleteFunc(e.waiting, isClosed), done)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(done)
		gen, err := p.Wait(e.ctx)
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.closed {
			return
		}
		e.resultLocked(key, gen, err)
	}()
	return done
}

func (e *Engine) resultLocked(key string, gen *model.Generation, err error) {
	var fe *fetcher.FetchError
	switch {
	case err == nil:
	case errors.Is(err, fetcher.ErrSuperseded), errors.Is(err, context.Canceled):
		return
	case errors.As(err, &fe):
		// callers that joined the same fetch share one error
		if e.failures[key] == fe {
			return
		}
		e.failures[key] = fe
		e.notifier.Publish(notify.Event{
			Type:  notify.EventFetchFailed,
			Layer: key,
			Error: fe.Err.Error(),
		})
		return
	default:
		e.log.Warn("fetch failed", "layer", key, "err", err)
		return
	}
	// a later request may have committed a newer generation already
	if cur := e.fetch.Current(key); cur != gen {
		return
	}
	delete(e.failures, key)
	if err := e.applyLocked(key, gen); err != nil {
		e.log.Error("apply generation", "layer", key, "generation", gen.ID, "err", err)
	}
}

// applyLocked pushes gen to the surface and re-derives its feature state.
func (e *Engine) applyLocked(key string, gen *model.Generation) error {
	desc, ok := e.reg.Get(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLayer, key)
	}
	prev, had := e.adapter.SyncedGeneration(key)
	if err := e.adapter.SyncLayer(desc, gen, e.visible[key], e.opacity[key]); err != nil {
		return err
	}
	e.applied[key] = gen
	if had && prev == gen.ID {
		return nil
	}
	if err := e.adapter.SetFilterActive(key, e.matched != nil); err != nil {
		return err
	}
	return e.reconcileLocked(key)
}

func (e *Engine) reconcileLocked(key string) error {
	gen, ok := e.applied[key]
	if !ok {
		return nil
	}
	if _, err := e.recon.Reconcile(key, gen, e.selected, e.highlighted, e.matched); err != nil {
		return err
	}
	if e.hover.layer == key && e.hover.key != "" {
		if _, err := e.recon.Hover(key, gen, e.hover.key); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) reconcileAllLocked() error {
	var errs []error
	for _, key := range e.reg.Keys() {
		errs = append(errs, e.reconcileLocked(key))
	}
	return errors.Join(errs...)
}

// SetSelection selects one business key; empty clears the selection.
func (e *Engine) SetSelection(key string) error {
	key = strings.TrimSpace(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if key == e.selected {
		return nil
	}
	e.selected = key
	e.notifier.Publish(notify.Event{Type: notify.EventSelection, Key: key})
	return e.reconcileAllLocked()
}

func (e *Engine) SetHighlights(keys []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.highlighted = keySet(keys)
	return e.reconcileAllLocked()
}

// SetFilterMatches marks the features that pass the host's filter; the rest
// are dimmed. A nil slice means no filter is active.
func (e *Engine) SetFilterMatches(keys []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if keys == nil {
		e.matched = nil
	} else {
		e.matched = keySet(keys)
	}
	var errs []error
	for _, key := range e.reg.Keys() {
		if _, ok := e.applied[key]; ok {
			errs = append(errs, e.adapter.SetFilterActive(key, e.matched != nil))
		}
	}
	errs = append(errs, e.reconcileAllLocked())
	return errors.Join(errs...)
}

// Hover moves the hovered flag to key on layer. An empty key clears it.
func (e *Engine) Hover(layer, key string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if _, ok := e.reg.Get(layer); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLayer, layer)
	}
	if e.hover.layer != "" && e.hover.layer != layer {
		if gen, ok := e.applied[e.hover.layer]; ok {
			if _, err := e.recon.Hover(e.hover.layer, gen, ""); err != nil {
				return err
			}
		}
	}
	e.hover = hover{layer: layer, key: key}
	gen, ok := e.applied[layer]
	if !ok {
		return nil
	}
	_, err := e.recon.Hover(layer, gen, key)
	return err
}

// SetLayerVisible shows or hides a layer. Data already on the surface is
// only re-laid out; showing a layer with no data for the current viewport
// starts a fetch.
func (e *Engine) SetLayerVisible(key string, visible bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	return e.setVisibleLocked(key, visible)
}

func (e *Engine) setVisibleLocked(key string, visible bool) error {
	if _, ok := e.reg.Get(key); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLayer, key)
	}
	e.visible[key] = visible
	if e.adapter.Synced(key) {
		if err := e.adapter.SetVisibility(key, visible); err != nil {
			return err
		}
	}
	if visible && e.hasVP {
		e.startLocked(key)
	}
	return nil
}

func (e *Engine) SetLayerOpacity(key string, opacity float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if _, ok := e.reg.Get(key); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLayer, key)
	}
	e.opacity[key] = opacity
	if !e.adapter.Synced(key) {
		return nil
	}
	return e.adapter.SetOpacity(key, opacity)
}

// SetFilterPredicate sets one property search filter; an empty value
// removes it. Only layers whose fetch key depends on filters refetch.
func (e *Engine) SetFilterPredicate(key, value string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrEmptyFilter
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	value = strings.TrimSpace(value)
	if value == "" {
		delete(e.filters, key)
	} else {
		e.filters[key] = value
	}
	e.cycleLocked()
	return nil
}

func (e *Engine) ClearAllFilters() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if len(e.filters) == 0 {
		return nil
	}
	clear(e.filters)
	e.cycleLocked()
	return nil
}

// Apply dispatches a parsed command.
func (e *Engine) Apply(in *command.Intent) error {
	if in == nil {
		return nil
	}
	switch in.Kind {
	case command.KindClearAll:
		return e.ClearAllFilters()
	case command.KindFilter:
		if in.Action == command.ActionClear {
			return e.SetFilterPredicate(in.Key, "")
		}
		return e.SetFilterPredicate(in.Key, in.Value)
	case command.KindLayer:
		switch in.Action {
		case command.ActionShow:
			return e.SetLayerVisible(in.Key, true)
		case command.ActionHide:
			return e.SetLayerVisible(in.Key, false)
		case command.ActionToggle:
			e.mu.Lock()
			defer e.mu.Unlock()
			if e.closed {
				return ErrClosed
			}
			return e.setVisibleLocked(in.Key, !e.visible[in.Key])
		}
	}
	return fmt.Errorf("%w: %s/%s", ErrBadIntent, in.Kind, in.Action)
}

// Refresh runs a fetch cycle for the current viewport and waits until every
// started fetch has been applied or dropped.
func (e *Engine) Refresh(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if !e.hasVP {
		e.mu.Unlock()
		return ErrNoViewport
	}
	waits := e.cycleLocked()
	e.mu.Unlock()

	for _, ch := range waits {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Idle blocks until every fetch started so far has been applied or dropped.
func (e *Engine) Idle(ctx context.Context) error {
	e.mu.Lock()
	waits := slices.Clone(e.waiting)
	e.mu.Unlock()
	for _, ch := range waits {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

type forgetter interface {
	Forget(ctx context.Context, keys ...string) error
}

// InvalidateLayer handles upstream data for key having changed, optionally
// only inside area. Cached results for the layer are dropped and, when the
// layer is visible and area overlaps the viewport, it is refetched at once.
// Otherwise the next cycle refetches it.
func (e *Engine) InvalidateLayer(ctx context.Context, key string, area *orb.Bound) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if _, ok := e.reg.Get(key); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLayer, key)
	}
	dropped := e.fetch.Invalidate(key)
	if fg, ok := e.prov.(forgetter); ok && len(dropped) > 0 {
		// held under the lock so no fetch can read the old body back
		if err := fg.Forget(ctx, dropped...); err != nil {
			e.log.Warn("provider cache not cleared", "layer", key, "keys", len(dropped), "err", err)
		}
	}
	e.log.InfoContext(logger.WithLayer(ctx, key), "layer invalidated", "keys", len(dropped))
	if !e.visible[key] || !e.hasVP {
		return nil
	}
	if area != nil && !area.Intersects(e.vp.Bound()) {
		return nil
	}
	e.startLocked(key)
	return nil
}

// Property looks up one record's detail from the provider.
func (e *Engine) Property(ctx context.Context, key string) (map[string]any, error) {
	if e.prov == nil {
		return nil, errors.New("no property provider configured")
	}
	return e.prov.FetchProperty(ctx, key)
}

// Close stops the debouncer, abandons in-flight fetches and releases every
// surface resource.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.tracker.Stop()
	e.fetch.CancelAll()
	e.cancel()
	e.wg.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.adapter.DisposeAll()
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func keySet(keys []string) map[string]struct{} {
	out := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			out[k] = struct{}{}
		}
	}
	return out
}

func sortedKeys(m map[string]struct{}) []string {
	if m == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(m))
}
