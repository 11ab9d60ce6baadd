// Package keys builds deterministic cache keys for layer fetches.
package keys

import (
	"fmt"
	"slices"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"

	"github.com/mohammed-shakir/parcel-map-sync/internal/mapper"
)

const maxFilterTextLen = 160

// Key identifies one fetch: layer, quantised viewport and filter signature.
// The readable filter segment is truncated; the trailing hash is over the
// full signature so distinct filter sets never collide on truncation.
func Key(layer string, c mapper.Corners, filterSig string) string {
	layerNorm := sanitize(strings.TrimSpace(layer), false)
	filterSafe := sanitize(filterSig, true)
	if len(filterSafe) > maxFilterTextLen {
		filterSafe = filterSafe[:maxFilterTextLen]
	}
	sum := xxhash.Sum64String(filterSig)
	return fmt.Sprintf("%s:%d:%s:%s:filters=%s:f=%016x", layerNorm, c.Res, c.SW, c.NE, filterSafe, sum)
}

// LayerPrefix is the leading segment shared by every Key for layer.
func LayerPrefix(layer string) string {
	return sanitize(strings.TrimSpace(layer), false) + ":"
}

// FilterSignature canonicalises a predicate set: pairs sorted by key and
// joined as key=value with '&'. Blank keys and values are dropped, so an
// empty set yields "".
func FilterSignature(preds map[string]string) string {
	if len(preds) == 0 {
		return ""
	}
	ks := make([]string, 0, len(preds))
	for k, v := range preds {
		if strings.TrimSpace(k) == "" || strings.TrimSpace(v) == "" {
			continue
		}
		ks = append(ks, k)
	}
	slices.Sort(ks)
	parts := make([]string, 0, len(ks))
	for _, k := range ks {
		parts = append(parts, collapseASCIIWhitespace(strings.ToLower(k))+"="+collapseASCIIWhitespace(preds[k]))
	}
	return strings.Join(parts, "&")
}

// sanitize maps anything outside [A-Za-z0-9:_-] (plus '=' when allowEq) to
// '_' for whitespace or '-' otherwise, collapsing repeats.
func sanitize(s string, allowEq bool) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))
	var prev rune
	for _, r := range s {
		var out rune
		switch {
		case isASCIISpace(r):
			out = '_'
		case isAlphaNum(r) || r == ':' || r == '_' || r == '-' || (allowEq && r == '='):
			out = r
		default:
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

func collapseASCIIWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	wasWS := false
	for _, r := range s {
		if isASCIISpace(r) {
			if !wasWS {
				b.WriteByte(' ')
				wasWS = true
			}
			continue
		}
		b.WriteRune(r)
		wasWS = false
	}
	return strings.TrimSpace(b.String())
}

func isASCIISpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f'
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r < unicode.MaxASCII && unicode.IsDigit(r))
}
