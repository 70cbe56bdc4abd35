// Package properties turns an element's data-* attributes into typed event properties.
package properties

import (
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/xkilldash9x/pagepulse/api/schemas"
)

// ExcludeKey is the dataset key (data-track-exclude) an element uses to list keys
// that must not become event properties. It is never emitted itself.
const ExcludeKey = "trackExclude"

const (
	numericPrefix = "numeric"
	booleanPrefix = "boolean"
)

// Dataset is an element's camel-cased data-* attribute map.
// A nil value marks a key that is present without a value.
type Dataset map[string]*string

// String returns a pointer to s, for building datasets by hand.
func String(s string) *string { return &s }

// Extract converts a dataset into event properties.
// It returns nil when the element exposes no dataset at all.
// When several keys map to the same property, a typed key (numericX, booleanX)
// wins over the plain key x, and numeric wins over boolean.
func Extract(ds Dataset, rules []*regexp.Regexp) schemas.Properties {
	if ds == nil {
		return nil
	}

	excluded := ExcludedKeys(ds, rules)
	keys := make([]string, 0, len(ds))
	for key := range ds {
		if _, skip := excluded[key]; !skip {
			keys = append(keys, key)
		}
	}
	// Plain keys first, then typed keys, each in lexical order; later writes win.
	sort.SliceStable(keys, func(i, j int) bool {
		ti, tj := isTyped(keys[i]), isTyped(keys[j])
		if ti != tj {
			return tj
		}
		return keys[i] < keys[j]
	})

	props := make(schemas.Properties, len(keys))
	for _, key := range keys {
		parsedKey, parsedValue := ParseEntry(key, ds[key])
		if parsedKey == ExcludeKey {
			// numericTrackExclude and friends must not resurrect the control key.
			continue
		}
		props[parsedKey] = parsedValue
	}
	return props
}

func isTyped(key string) bool {
	if _, ok := ParseKey(key, booleanPrefix); ok {
		return true
	}
	_, ok := ParseKey(key, numericPrefix)
	return ok
}

// ExcludedKeys returns every dataset key that must be dropped: the control key,
// the keys the element lists under it, and the keys matched by any global rule.
func ExcludedKeys(ds Dataset, rules []*regexp.Regexp) map[string]struct{} {
	excluded := map[string]struct{}{ExcludeKey: {}}

	if raw := ds[ExcludeKey]; raw != nil {
		for _, key := range elementExclusions(*raw) {
			excluded[key] = struct{}{}
		}
	}

	for key := range ds {
		if key == ExcludeKey {
			continue
		}
		for _, rule := range rules {
			if rule != nil && rule.MatchString(key) {
				excluded[key] = struct{}{}
				break
			}
		}
	}
	return excluded
}

// elementExclusions parses a list such as `["price", 'sku']` or `price, sku`.
func elementExclusions(raw string) []string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r == '[', r == ']', r == '"', r == '\'', unicode.IsSpace(r):
			return -1
		}
		return r
	}, raw)

	var keys []string
	for _, key := range strings.Split(cleaned, ",") {
		if key != "" {
			keys = append(keys, key)
		}
	}
	return keys
}

// ParseEntry applies the key-prefix typing convention to a single dataset entry.
// numericX becomes x with a float value, booleanX becomes x with value == "true".
// Undefined values are renamed but stay undefined.
func ParseEntry(key string, value *string) (string, any) {
	if name, ok := ParseKey(key, booleanPrefix); ok {
		if value == nil {
			return name, nil
		}
		return name, *value == "true"
	}
	if name, ok := ParseKey(key, numericPrefix); ok {
		if value == nil {
			return name, nil
		}
		f, ok := ParseFloat(*value)
		if !ok {
			return name, nil
		}
		return name, f
	}
	if value == nil {
		return key, nil
	}
	return key, *value
}

// ParseKey strips prefix from key and lower-cases the first remaining rune.
// The remainder must start with an upper-case letter: "numericAmount" parses,
// "numerical" does not.
func ParseKey(key, prefix string) (string, bool) {
	rest, ok := strings.CutPrefix(key, prefix)
	if !ok || rest == "" {
		return key, false
	}
	first, size := utf8.DecodeRuneInString(rest)
	if !unicode.IsUpper(first) {
		return key, false
	}
	return string(unicode.ToLower(first)) + rest[size:], true
}

// floatPrefix matches the longest leading decimal literal, the way parseFloat reads it.
var floatPrefix = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?`)

// ParseFloat reads a leading decimal number from s, ignoring trailing garbage.
// It reports false when s has no numeric prefix or the result is not finite.
func ParseFloat(s string) (float64, bool) {
	s = strings.TrimLeftFunc(s, unicode.IsSpace)
	literal := floatPrefix.FindString(s)
	if literal == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(literal, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, false
	}
	return f, true
}
