// Package viewport debounces raw map bounds into settled viewports.
package viewport

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mohammed-shakir/parcel-map-sync/internal/core/model"
	"github.com/mohammed-shakir/parcel-map-sync/internal/core/observability"
)

const DefaultQuiet = 300 * time.Millisecond

var ErrMalformed = errors.New("malformed viewport")

// Timer is the part of *time.Timer the tracker uses.
type Timer interface {
	Stop() bool
}

type Options struct {
	Quiet    time.Duration
	Epsilon  float64
	OnSettle func(model.Viewport)
	Logger   *slog.Logger
	// AfterFunc defaults to time.AfterFunc.
	AfterFunc func(time.Duration, func()) Timer
}

// Tracker emits a viewport once raw bounds stop changing for the quiet
// period. Each raw event restarts the timer; nothing is queued.
type Tracker struct {
	quiet    time.Duration
	eps      float64
	onSettle func(model.Viewport)
	log      *slog.Logger

	afterFunc func(time.Duration, func()) Timer

	mu      sync.Mutex
	seq     uint64
	pending model.Viewport
	timer   Timer
	last    model.Viewport
	emitted bool
	stopped bool
}

func New(opts Options) *Tracker {
	if opts.Quiet <= 0 {
		opts.Quiet = DefaultQuiet
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		}
	}
	return &Tracker{
		quiet:     opts.Quiet,
		eps:       opts.Epsilon,
		onSettle:  opts.OnSettle,
		log:       opts.Logger,
		afterFunc: opts.AfterFunc,
	}
}

// OnBoundsChange records a raw bounds notification. Malformed bounds are
// dropped and the last good viewport is kept.
func (t *Tracker) OnBoundsChange(raw model.Viewport) error {
	if err := raw.Validate(); err != nil {
		observability.IncViewportEvent("malformed")
		t.log.Debug("viewport dropped", "error", err)
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return nil
	}
	t.seq++
	seq := t.seq
	t.pending = raw
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = t.afterFunc(t.quiet, func() { t.fire(seq) })
	return nil
}

func (t *Tracker) fire(seq uint64) {
	t.mu.Lock()
	// a later event replaced this timer after it had already fired
	if t.stopped || seq != t.seq {
		t.mu.Unlock()
		return
	}
	t.timer = nil
	v := t.pending
	if t.emitted && v.Equal(t.last, t.eps) {
		t.mu.Unlock()
		observability.IncViewportEvent("suppressed")
		return
	}
	t.last = v
	t.emitted = true
	cb := t.onSettle
	t.mu.Unlock()

	observability.IncViewportEvent("settled")
	if cb != nil {
		cb(v)
	}
}

// Current returns the last emitted viewport, if any.
func (t *Tracker) Current() (model.Viewport, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last, t.emitted
}

// Stop cancels a pending emission. Later events are ignored.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
