package normalize

import (
	"regexp"
	"strings"
)

type FloodCode string

const (
	FloodA       FloodCode = "A"
	FloodAE      FloodCode = "AE"
	FloodAH      FloodCode = "AH"
	FloodAO      FloodCode = "AO"
	FloodVE      FloodCode = "VE"
	FloodX500    FloodCode = "X500"
	FloodX       FloodCode = "X"
	FloodD       FloodCode = "D"
	FloodUnknown FloodCode = "UNKNOWN"
)

var allFloodCodes = []FloodCode{
	FloodA, FloodAE, FloodAH, FloodAO, FloodVE, FloodX500, FloodX, FloodD, FloodUnknown,
}

var floodColors = map[FloodCode]string{
	FloodA:       "#1f78b4",
	FloodAE:      "#08519c",
	FloodAH:      "#3182bd",
	FloodAO:      "#6baed6",
	FloodVE:      "#54278f",
	FloodX500:    "#fdae6b",
	FloodX:       "#c7e9c0",
	FloodD:       "#969696",
	FloodUnknown: "#d9d9d9",
}

func FloodCodes() []FloodCode {
	out := make([]FloodCode, len(allFloodCodes))
	copy(out, allFloodCodes)
	return out
}

func FloodColor(c FloodCode) string {
	if col, ok := floodColors[c]; ok {
		return col
	}
	return floodColors[FloodUnknown]
}

// SpecialHazard reports whether the code is inside the 1% annual chance area.
func SpecialHazard(c FloodCode) bool {
	switch c {
	case FloodA, FloodAE, FloodAH, FloodAO, FloodVE:
		return true
	}
	return false
}

type floodText struct {
	code   FloodCode
	substr []string
}

// The 0.2% rules run before the 1% rules so "0.2% annual chance" never
// lands in the special hazard area. Text outside the 0.2% area is X.
var floodTextRules = []floodText{
	{FloodX, []string{"OUTSIDE 0.2%", "OUTSIDE THE 0.2%", "OUTSIDE 500", "OUTSIDE THE 500", "OUTSIDE 0.2 PCT"}},
	{FloodX500, []string{"500-YEAR", "500 YEAR", "0.2%", "0.2 PCT", "SHADED X", "X (SHADED)", "MODERATE"}},
	{FloodVE, []string{"COASTAL", "VELOCITY", "WAVE ACTION"}},
	{FloodAE, []string{"FLOODWAY", "100-YEAR", "100 YEAR", "1% ANNUAL", "1 PCT", "SPECIAL FLOOD HAZARD", "HIGH RISK"}},
	{FloodD, []string{"UNDETERMINED", "NOT STUDIED"}},
	{FloodX, []string{"MINIMAL", "OUTSIDE", "NO FLOOD", "LOW RISK", "UNSHADED"}},
}

var (
	aeNumbered = regexp.MustCompile(`^A([1-9]|[12][0-9]|30)$`)
	veNumbered = regexp.MustCompile(`^V([1-9]|[12][0-9]|30)?$`)
)

// NormalizeFloodZone accepts a nullable raw zone. It never fails.
func NormalizeFloodZone(raw *string) FloodCode {
	if raw == nil {
		return FloodUnknown
	}
	return FloodZone(*raw)
}

func FloodZone(raw string) FloodCode {
	s := canonical(raw)
	if s == "" {
		return FloodUnknown
	}
	for _, r := range floodTextRules {
		for _, sub := range r.substr {
			if strings.Contains(s, sub) {
				return r.code
			}
		}
	}

	code := strings.TrimPrefix(s, "ZONE ")
	code = strings.ReplaceAll(code, " ", "")
	switch code {
	case "AE", "A99":
		return FloodAE
	case "A", "AR":
		return FloodA
	case "AH":
		return FloodAH
	case "AO":
		return FloodAO
	case "VE":
		return FloodVE
	case "X500", "B":
		return FloodX500
	case "X", "C":
		return FloodX
	case "D":
		return FloodD
	}
	switch {
	case aeNumbered.MatchString(code):
		return FloodAE
	case veNumbered.MatchString(code):
		return FloodVE
	}
	return FloodUnknown
}
