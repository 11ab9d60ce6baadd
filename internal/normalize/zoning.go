// Package normalize maps raw provider attribute codes onto the closed
// category sets used for styling.
package normalize

import (
	"regexp"
	"strings"
)

type Category string

const (
	SingleFamily       Category = "single_family"
	MultiFamily        Category = "multi_family"
	Commercial         Category = "commercial"
	Office             Category = "office"
	Industrial         Category = "industrial"
	MixedUse           Category = "mixed_use"
	Agricultural       Category = "agricultural"
	Public             Category = "public"
	PlannedDevelopment Category = "planned_development"
	Other              Category = "other"
)

var allCategories = []Category{
	SingleFamily,
	MultiFamily,
	Commercial,
	Office,
	Industrial,
	MixedUse,
	Agricultural,
	Public,
	PlannedDevelopment,
	Other,
}

var categoryColors = map[Category]string{
	SingleFamily:       "#f6e27f",
	MultiFamily:        "#f4a259",
	Commercial:         "#e4572e",
	Office:             "#c03fa4",
	Industrial:         "#7d5ba6",
	MixedUse:           "#f08cae",
	Agricultural:       "#8cb369",
	Public:             "#4f9dde",
	PlannedDevelopment: "#2ec4b6",
	Other:              "#b0b0b0",
}

func Categories() []Category {
	out := make([]Category, len(allCategories))
	copy(out, allCategories)
	return out
}

func CategoryColor(c Category) string {
	if col, ok := categoryColors[c]; ok {
		return col
	}
	return categoryColors[Other]
}

// rule matches either a substring of free text or an anchored code pattern.
type rule struct {
	cat    Category
	substr []string
	re     *regexp.Regexp
}

// Free-text descriptions are tried first, in order.
var zoneTextRules = []rule{
	{cat: PlannedDevelopment, substr: []string{"PLANNED UNIT", "PLANNED DEVELOPMENT"}},
	{cat: MixedUse, substr: []string{"MIXED USE", "MIXED-USE", "VERTICAL MIXED"}},
	{cat: SingleFamily, substr: []string{"SINGLE FAMILY", "SINGLE-FAMILY", "RURAL RESIDENTIAL", "RESIDENTIAL ESTATE"}},
	{cat: MultiFamily, substr: []string{"MULTI FAMILY", "MULTIFAMILY", "MULTI-FAMILY", "TOWNHOUSE", "APARTMENT", "DUPLEX", "MOBILE HOME"}},
	{cat: Office, substr: []string{"OFFICE"}},
	{cat: Commercial, substr: []string{"COMMERCIAL", "RETAIL", "SHOPPING", "BUSINESS"}},
	{cat: Industrial, substr: []string{"INDUSTRIAL", "MANUFACTURING", "WAREHOUSE"}},
	{cat: Agricultural, substr: []string{"AGRICULTUR", "FARM", "RANCH"}},
	{cat: Public, substr: []string{"PUBLIC", "CIVIC", "OPEN SPACE", "GOVERNMENT"}, re: regexp.MustCompile(`\bPARKS?\b`)},
}

// Jurisdiction code patterns. Order resolves overlaps: "CS-MU" is mixed use
// before it can be commercial, "PUD" is planned before "P" is public.
var zoneCodeRules = []rule{
	{cat: PlannedDevelopment, re: regexp.MustCompile(`^(PUD|PD|PDD|PC|TND)(-|\d|$)`)},
	{cat: MixedUse, re: regexp.MustCompile(`^(DMU|MU|VMU|TOD|CBD|UC)(-|\d|$)|-(MU|V|VMU)(-|$)`)},
	{cat: SingleFamily, re: regexp.MustCompile(`^(SF|RS|R1|SFR|SFE|RE|RR|LA|E)(-|\d|$)|^R-?1(\D|$)`)},
	{cat: MultiFamily, re: regexp.MustCompile(`^(MF|RM|MH|TH|MR|SFA|R3|R4|R5)(-|\d|$)|^R-?[2-9](\D|$)`)},
	{cat: Office, re: regexp.MustCompile(`^(LO|GO|NO|OP|OC|O)(-|\d|$)`)},
	{cat: Commercial, re: regexp.MustCompile(`^(GR|CS|CR|LR|CH|CG|GC|NC|CC|HC|BP|C|B)(-|\d|$)`)},
	{cat: Industrial, re: regexp.MustCompile(`^(LI|MI|IP|HI|IND|I|M)(-|\d|$)`)},
	{cat: Agricultural, re: regexp.MustCompile(`^(AG|RA|FR|AR|A)(-|\d|$)`)},
	{cat: Public, re: regexp.MustCompile(`^(P|PUB|CIV|GOV|OS|PK|INST|SCH)(-|\d|$)`)},
}

// CategorizeZoneCode accepts a nullable raw code. It never fails.
func CategorizeZoneCode(raw *string) Category {
	if raw == nil {
		return Other
	}
	return ZoneCategory(*raw)
}

func ZoneCategory(raw string) Category {
	s := canonical(raw)
	if s == "" {
		return Other
	}
	for _, r := range zoneTextRules {
		if r.matches(s) {
			return r.cat
		}
	}
	for _, r := range zoneCodeRules {
		if r.matches(s) {
			return r.cat
		}
	}
	return Other
}

func (r rule) matches(s string) bool {
	for _, sub := range r.substr {
		if strings.Contains(s, sub) {
			return true
		}
	}
	if r.re != nil {
		return r.re.MatchString(s)
	}
	return false
}

// canonical upper-cases, trims and collapses runs of whitespace.
func canonical(s string) string {
	return strings.Join(strings.Fields(strings.ToUpper(s)), " ")
}
