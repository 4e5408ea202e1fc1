package rest

import (
	"fmt"
	"net/http"
	"strings"
)

// Prefer holds preferences from the Prefer header (RFC 7240).
type Prefer struct {
	Return string // "minimal" or "representation"; empty when not stated
	Count  string // "exact"
}

// parsePrefer parses the Prefer header. Unknown or invalid preferences are
// ignored, as RFC 7240 allows.
func parsePrefer(r *http.Request) Prefer {
	var p Prefer
	for _, header := range r.Header.Values("Prefer") {
		parseKeyValPairs(header, func(key, value string) {
			value = strings.ToLower(value)
			switch key {
			case "return":
				if value == "minimal" || value == "representation" {
					p.Return = value
				}
			case "count":
				if value == "exact" {
					p.Count = value
				}
			}
		})
	}
	return p
}

// parseKeyValPairs parses comma-separated preference directives.
// For each key=value pair found, it calls fn with the key and value.
func parseKeyValPairs(header string, fn func(key, value string)) {
	for pref := range strings.SplitSeq(header, ",") {
		pref = strings.TrimSpace(pref)
		if key, value, found := strings.Cut(pref, "="); found {
			key = strings.TrimSpace(strings.ToLower(key))
			value = strings.Trim(strings.TrimSpace(value), `"`)
			fn(key, value)
		}
	}
}

// Representation reports whether a mutation should return the affected row,
// given the route's default.
func (p Prefer) Representation(def bool) bool {
	switch p.Return {
	case "representation":
		return true
	case "minimal":
		return false
	}
	return def
}

// WantsCountExact reports whether the client wants an exact count in the response.
func (p Prefer) WantsCountExact() bool {
	return p.Count == "exact"
}

func (p Prefer) appliedHeader() string {
	var applied []string
	if p.Return != "" {
		applied = append(applied, "return="+p.Return)
	}
	if p.Count != "" {
		applied = append(applied, "count="+p.Count)
	}
	return strings.Join(applied, ", ")
}

// contentRange formats "first-last/total" for a page starting at offset,
// or "*/total" when the page is empty.
func contentRange(offset, n int, total int64) string {
	if n == 0 {
		return fmt.Sprintf("*/%d", total)
	}
	return fmt.Sprintf("%d-%d/%d", offset, offset+n-1, total)
}
