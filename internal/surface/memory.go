package surface

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/paulmach/orb/geojson"
)

// MemorySurface is an in-process Surface. It backs the headless host and
// counts every native call.
type MemorySurface struct {
	mu      sync.Mutex
	sources map[string]*geojson.FeatureCollection
	order   []LayerSpec // bottom to top
	states  map[string]map[int]map[string]bool
	calls   map[string]int
}

var _ Surface = (*MemorySurface)(nil)

func NewMemorySurface() *MemorySurface {
	return &MemorySurface{
		sources: make(map[string]*geojson.FeatureCollection),
		states:  make(map[string]map[int]map[string]bool),
		calls:   make(map[string]int),
	}
}

func (m *MemorySurface) AddSource(id string, data *geojson.FeatureCollection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["AddSource"]++
	if _, ok := m.sources[id]; ok {
		return fmt.Errorf("source %q already exists", id)
	}
	m.sources[id] = data
	return nil
}

func (m *MemorySurface) SetSourceData(id string, data *geojson.FeatureCollection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["SetSourceData"]++
	if _, ok := m.sources[id]; !ok {
		return fmt.Errorf("source %q not found", id)
	}
	m.sources[id] = data
	return nil
}

func (m *MemorySurface) RemoveSource(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["RemoveSource"]++
	if _, ok := m.sources[id]; !ok {
		return fmt.Errorf("source %q not found", id)
	}
	for _, l := range m.order {
		if l.Source == id {
			return fmt.Errorf("source %q still used by layer %q", id, l.ID)
		}
	}
	delete(m.sources, id)
	delete(m.states, id)
	return nil
}

func (m *MemorySurface) AddLayer(spec LayerSpec, beforeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["AddLayer"]++
	if _, ok := m.sources[spec.Source]; !ok {
		return fmt.Errorf("layer %q: source %q not found", spec.ID, spec.Source)
	}
	if m.indexLocked(spec.ID) >= 0 {
		return fmt.Errorf("layer %q already exists", spec.ID)
	}
	spec.Paint = maps.Clone(spec.Paint)
	spec.Layout = maps.Clone(spec.Layout)
	if beforeID == "" {
		m.order = append(m.order, spec)
		return nil
	}
	i := m.indexLocked(beforeID)
	if i < 0 {
		return fmt.Errorf("layer %q: before layer %q not found", spec.ID, beforeID)
	}
	m.order = slices.Insert(m.order, i, spec)
	return nil
}

func (m *MemorySurface) RemoveLayer(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["RemoveLayer"]++
	i := m.indexLocked(id)
	if i < 0 {
		return fmt.Errorf("layer %q not found", id)
	}
	m.order = slices.Delete(m.order, i, i+1)
	return nil
}

func (m *MemorySurface) SetLayoutProperty(layerID, name string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["SetLayoutProperty"]++
	i := m.indexLocked(layerID)
	if i < 0 {
		return fmt.Errorf("layer %q not found", layerID)
	}
	if m.order[i].Layout == nil {
		m.order[i].Layout = map[string]any{}
	}
	m.order[i].Layout[name] = value
	return nil
}

func (m *MemorySurface) SetPaintProperty(layerID, name string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["SetPaintProperty"]++
	i := m.indexLocked(layerID)
	if i < 0 {
		return fmt.Errorf("layer %q not found", layerID)
	}
	if m.order[i].Paint == nil {
		m.order[i].Paint = map[string]any{}
	}
	m.order[i].Paint[name] = value
	return nil
}

func (m *MemorySurface) SetFeatureState(source string, id int, state map[string]bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["SetFeatureState"]++
	if _, ok := m.sources[source]; !ok {
		return fmt.Errorf("source %q not found", source)
	}
	if m.states[source] == nil {
		m.states[source] = make(map[int]map[string]bool)
	}
	if m.states[source][id] == nil {
		m.states[source][id] = make(map[string]bool)
	}
	maps.Copy(m.states[source][id], state)
	return nil
}

func (m *MemorySurface) RemoveFeatureState(source string, id int, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["RemoveFeatureState"]++
	if _, ok := m.sources[source]; !ok {
		return fmt.Errorf("source %q not found", source)
	}
	st := m.states[source]
	switch {
	case id == AllFeatures && key == "":
		delete(m.states, source)
	case id == AllFeatures:
		for _, f := range st {
			delete(f, key)
		}
	case key == "":
		delete(st, id)
	default:
		delete(st[id], key)
	}
	return nil
}

func (m *MemorySurface) HasLayer(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.indexLocked(id) >= 0
}

func (m *MemorySurface) HasSource(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sources[id]
	return ok
}

func (m *MemorySurface) indexLocked(id string) int {
	return slices.IndexFunc(m.order, func(l LayerSpec) bool { return l.ID == id })
}

// Calls reports how many times the named Surface method ran.
func (m *MemorySurface) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

func (m *MemorySurface) TotalCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		n += c
	}
	return n
}

// Order lists layer ids bottom to top.
func (m *MemorySurface) Order() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.order))
	for i, l := range m.order {
		out[i] = l.ID
	}
	return out
}

func (m *MemorySurface) Layer(id string) (LayerSpec, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.indexLocked(id)
	if i < 0 {
		return LayerSpec{}, false
	}
	l := m.order[i]
	l.Paint = maps.Clone(l.Paint)
	l.Layout = maps.Clone(l.Layout)
	return l, true
}

func (m *MemorySurface) SourceData(id string) (*geojson.FeatureCollection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fc, ok := m.sources[id]
	return fc, ok
}

// State returns the flags set on one feature; unset flags are absent.
func (m *MemorySurface) State(source string, id int) map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.states[source][id])
}

// StatesWith lists the ids of features whose flag is true.
func (m *MemorySurface) StatesWith(source, flag string) []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []int
	for id, st := range m.states[source] {
		if st[flag] {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}
