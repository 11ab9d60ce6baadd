// Package layers holds the static, immutable description of every overlay
// layer the map can show.
package layers

import (
	_ "embed"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mohammed-shakir/parcel-map-sync/internal/core/model"
	"github.com/mohammed-shakir/parcel-map-sync/internal/normalize"
)

// AnchorTop places a layer above everything else.
const AnchorTop = "top"

//go:embed registry.yaml
var defaultTable []byte

type Normalizer string

const (
	NormalizerNone   Normalizer = ""
	NormalizerZoning Normalizer = "zoning"
	NormalizerFlood  Normalizer = "flood"
)

// Styling describes how features are painted. With a normalizer set the
// colour comes from the category of Property instead of Color.
type Styling struct {
	Property   string     `yaml:"property" json:"property,omitempty"`
	Normalizer Normalizer `yaml:"normalizer" json:"normalizer,omitempty"`
	Color      string     `yaml:"color" json:"color,omitempty"`
	Outline    string     `yaml:"outline" json:"outline,omitempty"`
	Opacity    float64    `yaml:"opacity" json:"opacity"`
	Width      float64    `yaml:"width" json:"width,omitempty"`
	Radius     float64    `yaml:"radius" json:"radius,omitempty"`
	Label      string     `yaml:"label" json:"label,omitempty"`
}

type Descriptor struct {
	Key            string             `yaml:"key" json:"key"`
	DisplayName    string             `yaml:"displayName" json:"display_name"`
	Geometry       model.GeometryKind `yaml:"geometry" json:"geometry"`
	Source         string             `yaml:"source" json:"source"`
	Anchor         string             `yaml:"anchor" json:"anchor"`
	DefaultVisible bool               `yaml:"defaultVisible" json:"default_visible"`
	Aliases        []string           `yaml:"aliases" json:"aliases,omitempty"`
	Styling        Styling            `yaml:"styling" json:"styling"`
}

func (d Descriptor) Equal(o Descriptor) bool {
	return reflect.DeepEqual(d, o)
}

// Registry is read-only after construction; lookups return copies.
type Registry struct {
	order []string
	byKey map[string]Descriptor
}

type table struct {
	Layers []Descriptor `yaml:"layers"`
}

// Default returns the registry built from the embedded table.
func Default() *Registry {
	r, err := Parse(defaultTable)
	if err != nil {
		panic(fmt.Sprintf("layers: embedded registry: %v", err))
	}
	return r
}

func Parse(b []byte) (*Registry, error) {
	var t table
	if err := yaml.Unmarshal(b, &t); err != nil {
		return nil, fmt.Errorf("parse layer table: %w", err)
	}
	return New(t.Layers)
}

func New(descs []Descriptor) (*Registry, error) {
	if len(descs) == 0 {
		return nil, errors.New("layer table is empty")
	}
	r := &Registry{byKey: make(map[string]Descriptor, len(descs))}
	for _, d := range descs {
		d.Key = strings.TrimSpace(d.Key)
		if d.Key == "" || d.Key == AnchorTop {
			return nil, fmt.Errorf("invalid layer key %q", d.Key)
		}
		if _, dup := r.byKey[d.Key]; dup {
			return nil, fmt.Errorf("duplicate layer key %q", d.Key)
		}
		if !d.Geometry.Valid() {
			return nil, fmt.Errorf("layer %q: unknown geometry %q", d.Key, d.Geometry)
		}
		switch d.Styling.Normalizer {
		case NormalizerNone, NormalizerZoning, NormalizerFlood:
		default:
			return nil, fmt.Errorf("layer %q: unknown normalizer %q", d.Key, d.Styling.Normalizer)
		}
		if d.Styling.Normalizer != NormalizerNone && d.Styling.Property == "" {
			return nil, fmt.Errorf("layer %q: normalizer needs a property", d.Key)
		}
		if d.Anchor == "" {
			d.Anchor = AnchorTop
		}
		if d.Styling.Opacity <= 0 || d.Styling.Opacity > 1 {
			d.Styling.Opacity = 1
		}
		r.byKey[d.Key] = d
		r.order = append(r.order, d.Key)
	}
	for _, k := range r.order {
		if err := r.checkAnchors(k); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// anchors must exist and must not loop back.
func (r *Registry) checkAnchors(key string) error {
	seen := map[string]struct{}{}
	cur := key
	for cur != AnchorTop {
		if _, ok := seen[cur]; ok {
			return fmt.Errorf("layer %q: anchor cycle through %q", key, cur)
		}
		seen[cur] = struct{}{}
		d, ok := r.byKey[cur]
		if !ok {
			return fmt.Errorf("layer %q: unknown anchor %q", key, cur)
		}
		cur = d.Anchor
	}
	return nil
}

func (r *Registry) Get(key string) (Descriptor, bool) {
	d, ok := r.byKey[key]
	if !ok {
		return Descriptor{}, false
	}
	d.Aliases = append([]string(nil), d.Aliases...)
	return d, true
}

func (r *Registry) Keys() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

func (r *Registry) All() []Descriptor {
	out := make([]Descriptor, 0, len(r.order))
	for _, k := range r.order {
		d, _ := r.Get(k)
		out = append(out, d)
	}
	return out
}

// AnchorChain lists the anchors above key, nearest first, ending before "top".
func (r *Registry) AnchorChain(key string) []string {
	var out []string
	d, ok := r.byKey[key]
	if !ok {
		return nil
	}
	for cur := d.Anchor; cur != AnchorTop; {
		out = append(out, cur)
		next, ok := r.byKey[cur]
		if !ok {
			break
		}
		cur = next.Anchor
	}
	return out
}

// Lookup resolves a key, display name or alias, case-insensitively.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "" {
		return Descriptor{}, false
	}
	for _, k := range r.order {
		d := r.byKey[k]
		if strings.ToLower(d.Key) == n || strings.ToLower(d.DisplayName) == n {
			return r.Get(k)
		}
		for _, a := range d.Aliases {
			if strings.ToLower(a) == n {
				return r.Get(k)
			}
		}
	}
	return Descriptor{}, false
}

const (
	AttrCategory      = "category"
	AttrCategoryColor = "category_color"
)

// Normalize stamps the canonical category and colour onto each feature's
// attributes, in place. Layers without a normalizer are left untouched.
func Normalize(d Descriptor, feats []model.Feature) {
	if d.Styling.Normalizer == NormalizerNone {
		return
	}
	for i := range feats {
		if feats[i].Attributes == nil {
			feats[i].Attributes = map[string]any{}
		}
		raw := rawString(feats[i].Attributes[d.Styling.Property])
		switch d.Styling.Normalizer {
		case NormalizerZoning:
			c := normalize.CategorizeZoneCode(raw)
			feats[i].Attributes[AttrCategory] = string(c)
			feats[i].Attributes[AttrCategoryColor] = normalize.CategoryColor(c)
		case NormalizerFlood:
			c := normalize.NormalizeFloodZone(raw)
			feats[i].Attributes[AttrCategory] = string(c)
			feats[i].Attributes[AttrCategoryColor] = normalize.FloodColor(c)
		}
	}
}

func rawString(v any) *string {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return &t
	case *string:
		return t
	default:
		s := fmt.Sprint(t)
		return &s
	}
}
