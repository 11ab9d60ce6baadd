package viewport

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/mohammed-shakir/parcel-map-sync/internal/core/model"
	"github.com/mohammed-shakir/parcel-map-sync/internal/logger"
)

type fakeTimer struct {
	f       func()
	stopped bool
}

func (ft *fakeTimer) Stop() bool {
	was := !ft.stopped
	ft.stopped = true
	return was
}

type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) afterFunc(_ time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	ft := &fakeTimer{f: f}
	c.timers = append(c.timers, ft)
	return ft
}

// elapse fires every timer that has not been stopped.
func (c *fakeClock) elapse() {
	c.mu.Lock()
	var due []*fakeTimer
	for _, ft := range c.timers {
		if !ft.stopped {
			ft.stopped = true
			due = append(due, ft)
		}
	}
	c.mu.Unlock()
	for _, ft := range due {
		ft.f()
	}
}

func newTrackerForTest(eps float64) (*Tracker, *fakeClock, *[]model.Viewport) {
	var got []model.Viewport
	fc := &fakeClock{}
	tr := New(Options{
		Epsilon:   eps,
		OnSettle:  func(v model.Viewport) { got = append(got, v) },
		Logger:    logger.NewDiscardSlog(),
		AfterFunc: fc.afterFunc,
	})
	return tr, fc, &got
}

var austin = model.Viewport{West: -97.80, South: 30.20, East: -97.70, North: 30.30, Zoom: 12}

func TestBurst_EmitsOnceWithLastValue(t *testing.T) {
	tr, fc, got := newTrackerForTest(1e-4)
	for i := range 5 {
		v := austin
		v.West -= float64(i) * 0.01
		if err := tr.OnBoundsChange(v); err != nil {
			t.Fatalf("event %d: %v", i, err)
		}
	}
	if len(*got) != 0 {
		t.Fatalf("emitted before quiet period: %v", *got)
	}
	fc.elapse()
	if len(*got) != 1 {
		t.Fatalf("emissions=%d want 1", len(*got))
	}
	if (*got)[0].West != austin.West-0.04 {
		t.Fatalf("emitted %+v, want last raw value", (*got)[0])
	}
	if cur, ok := tr.Current(); !ok || cur != (*got)[0] {
		t.Fatalf("Current=%+v,%v", cur, ok)
	}
}

func TestIdenticalSettle_Suppressed(t *testing.T) {
	tr, fc, got := newTrackerForTest(1e-4)
	_ = tr.OnBoundsChange(austin)
	fc.elapse()

	// about one metre
	nudged := austin
	nudged.West += 0.00001
	nudged.East += 0.00001
	_ = tr.OnBoundsChange(nudged)
	fc.elapse()

	zoomed := austin
	zoomed.Zoom = 12.7
	_ = tr.OnBoundsChange(zoomed)
	fc.elapse()

	if len(*got) != 1 {
		t.Fatalf("emissions=%d want 1: %v", len(*got), *got)
	}

	deeper := austin
	deeper.Zoom = 13
	_ = tr.OnBoundsChange(deeper)
	fc.elapse()
	if len(*got) != 2 {
		t.Fatalf("zoom level change must emit, got %d", len(*got))
	}
}

func TestMalformed_DroppedKeepsLastGood(t *testing.T) {
	tr, fc, got := newTrackerForTest(1e-4)
	_ = tr.OnBoundsChange(austin)
	fc.elapse()

	bad := []model.Viewport{
		{West: math.NaN(), South: 30.2, East: -97.7, North: 30.3, Zoom: 12},
		{West: -97.7, South: 30.2, East: -97.8, North: 30.3, Zoom: 12},
		{West: -97.8, South: 30.3, East: -97.7, North: 30.2, Zoom: 12},
		{West: -197, South: 30.2, East: -97.7, North: 30.3, Zoom: 12},
		{West: -97.8, South: 30.2, East: math.Inf(1), North: 30.3, Zoom: 12},
	}
	for _, v := range bad {
		if err := tr.OnBoundsChange(v); !errors.Is(err, ErrMalformed) {
			t.Fatalf("OnBoundsChange(%+v) err=%v want ErrMalformed", v, err)
		}
	}
	fc.elapse()
	if len(*got) != 1 {
		t.Fatalf("malformed bounds reached downstream: %v", *got)
	}
	if cur, _ := tr.Current(); cur != austin {
		t.Fatalf("current=%+v want last good", cur)
	}
}

func TestMalformedMidBurst_DoesNotResetTimer(t *testing.T) {
	tr, fc, got := newTrackerForTest(1e-4)
	_ = tr.OnBoundsChange(austin)
	_ = tr.OnBoundsChange(model.Viewport{West: math.NaN()})
	fc.elapse()
	if len(*got) != 1 || (*got)[0] != austin {
		t.Fatalf("got %v want the good viewport", *got)
	}
}

func TestStop_CancelsPending(t *testing.T) {
	tr, fc, got := newTrackerForTest(1e-4)
	_ = tr.OnBoundsChange(austin)
	tr.Stop()
	fc.elapse()
	_ = tr.OnBoundsChange(austin)
	fc.elapse()
	if len(*got) != 0 {
		t.Fatalf("stopped tracker emitted %v", *got)
	}
	if _, ok := tr.Current(); ok {
		t.Fatal("no viewport should have settled")
	}
}

func TestRealTimer_Settles(t *testing.T) {
	done := make(chan model.Viewport, 1)
	tr := New(Options{
		Quiet:    10 * time.Millisecond,
		OnSettle: func(v model.Viewport) { done <- v },
		Logger:   logger.NewDiscardSlog(),
	})
	defer tr.Stop()
	_ = tr.OnBoundsChange(austin)
	select {
	case v := <-done:
		if v != austin {
			t.Fatalf("settled %+v", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("viewport never settled")
	}
}
