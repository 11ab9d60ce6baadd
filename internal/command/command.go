// Package command maps short free-text utterances to layer and filter
// intents. It knows nothing about the engine; a nil intent means the text
// is not a command.
package command

import (
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/mohammed-shakir/parcel-map-sync/internal/layers"
	"github.com/mohammed-shakir/parcel-map-sync/internal/normalize"
)

type Kind string

const (
	KindLayer    Kind = "layer"
	KindFilter   Kind = "filter"
	KindClearAll Kind = "clear-all"
)

const (
	ActionShow   = "show"
	ActionHide   = "hide"
	ActionToggle = "toggle"
	ActionSet    = "set"
	ActionClear  = "clear"
)

// Filter keys understood by the property search.
const (
	FilterMinPrice     = "min_price"
	FilterMaxPrice     = "max_price"
	FilterMinAcres     = "min_acres"
	FilterZoning       = "zoning"
	FilterFloodZone    = "flood_zone"
	FilterMinYearBuilt = "min_year_built"
	FilterMaxYearBuilt = "max_year_built"
)

type Intent struct {
	Kind   Kind   `json:"kind"`
	Key    string `json:"key,omitempty"`
	Action string `json:"action"`
	Value  string `json:"value,omitempty"`
}

type rule struct {
	name string
	re   *regexp.Regexp
	// build returns nil when the match is not usable, letting later rules try.
	build func(p *Parser, m []string) *Intent
}

type Parser struct {
	reg   *layers.Registry
	rules []rule
}

func NewParser(reg *layers.Registry) *Parser {
	return &Parser{reg: reg, rules: defaultRules}
}

var defaultParser = sync.OnceValue(func() *Parser { return NewParser(layers.Default()) })

// Parse uses the built-in layer registry.
func Parse(text string) *Intent {
	return defaultParser().Parse(text)
}

// Parse tries the rules top to bottom; the first usable match wins.
func (p *Parser) Parse(text string) *Intent {
	s := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	s = strings.TrimRight(s, ".!?")
	if s == "" {
		return nil
	}
	for _, r := range p.rules {
		m := r.re.FindStringSubmatch(s)
		if m == nil {
			continue
		}
		if in := r.build(p, m); in != nil {
			return in
		}
	}
	return nil
}

func filter(key, value string) *Intent {
	return &Intent{Kind: KindFilter, Key: key, Action: ActionSet, Value: value}
}

const amount = `\$?\s*([\d][\d,]*(?:\.\d+)?)\s*(thousand|million|k|m)?\b`

var defaultRules = []rule{
	{
		name: "clear-all",
		re:   regexp.MustCompile(`^(?:please )?(?:clear|reset|remove|drop)(?: all)?(?: the| my)? filters?$|^(?:start over|show everything|no filters)$`),
		build: func(*Parser, []string) *Intent {
			return &Intent{Kind: KindClearAll, Action: ActionClear}
		},
	},
	{
		name: "min-acres",
		re:   regexp.MustCompile(`(?:at least|over|more than|above|min(?:imum)?(?: of)?)\s*([\d]+(?:\.\d+)?)\s*(?:acres?|ac)\b`),
		build: func(_ *Parser, m []string) *Intent {
			return filter(FilterMinAcres, m[1])
		},
	},
	{
		name: "max-price",
		re:   regexp.MustCompile(`(?:under|below|less than|cheaper than|max(?:imum)?(?: price)?(?: of)?|up to)\s*` + amount),
		build: func(_ *Parser, m []string) *Intent {
			v, ok := money(m[1], m[2])
			if !ok {
				return nil
			}
			return filter(FilterMaxPrice, v)
		},
	},
	{
		name: "min-price",
		re:   regexp.MustCompile(`(?:over|above|more than|at least|min(?:imum)?(?: price)?(?: of)?)\s*` + amount),
		build: func(_ *Parser, m []string) *Intent {
			v, ok := money(m[1], m[2])
			if !ok {
				return nil
			}
			return filter(FilterMinPrice, v)
		},
	},
	{
		name: "built-after",
		re:   regexp.MustCompile(`built (?:after|since|in or after) (\d{4})`),
		build: func(_ *Parser, m []string) *Intent {
			return filter(FilterMinYearBuilt, m[1])
		},
	},
	{
		name: "built-before",
		re:   regexp.MustCompile(`built (?:before|prior to) (\d{4})`),
		build: func(_ *Parser, m []string) *Intent {
			return filter(FilterMaxYearBuilt, m[1])
		},
	},
	{
		name: "outside-flood",
		re:   regexp.MustCompile(`(?:outside|not in|out of)(?: a| the| any)? flood ?(?:zones?|plains?|areas?)`),
		build: func(*Parser, []string) *Intent {
			return filter(FilterFloodZone, string(normalize.FloodX))
		},
	},
	{
		name: "flood-zone",
		re:   regexp.MustCompile(`flood ?zone ([a-z]{1,2}\d{0,2}|x500|x \(shaded\))\b`),
		build: func(_ *Parser, m []string) *Intent {
			c := normalize.FloodZone(m[1])
			if c == normalize.FloodUnknown {
				return nil
			}
			return filter(FilterFloodZone, string(c))
		},
	},
	{
		name: "zoning",
		re:   regexp.MustCompile(`(?:zoned|zoning)(?: as| for| is)? ([a-z][a-z -]*?)(?: only| properties| parcels| lots)?$|^(?:show |find |only )?([a-z][a-z -]*?) (?:properties|parcels|lots|land|zoning)$`),
		build: func(_ *Parser, m []string) *Intent {
			raw := m[1]
			if raw == "" {
				raw = m[2]
			}
			c := normalize.ZoneCategory(raw)
			if c == normalize.Other {
				return nil
			}
			return filter(FilterZoning, string(c))
		},
	},
	{
		name: "layer",
		re:   regexp.MustCompile(`^(?:please )?(show|display|turn on|enable|add|hide|remove|turn off|disable|toggle)(?: me)?(?: the)? (.+?)(?: layers?| overlay)?(?: on the map)?$`),
		build: func(p *Parser, m []string) *Intent {
			d, ok := p.reg.Lookup(m[2])
			if !ok {
				return nil
			}
			action := ActionShow
			switch m[1] {
			case "hide", "remove", "turn off", "disable":
				action = ActionHide
			case "toggle":
				action = ActionToggle
			}
			return &Intent{Kind: KindLayer, Key: d.Key, Action: action}
		},
	},
}

// money turns "450,000", "450k" or "1.2 million" into whole dollars.
func money(num, unit string) (string, bool) {
	f, err := strconv.ParseFloat(strings.ReplaceAll(num, ",", ""), 64)
	if err != nil || f < 0 {
		return "", false
	}
	switch unit {
	case "k", "thousand":
		f *= 1e3
	case "m", "million":
		f *= 1e6
	}
	return strconv.FormatInt(int64(f+0.5), 10), true
}
