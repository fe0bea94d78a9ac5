package memory

import (
	"strings"
	"unicode"
)

// Words splits s into lower-case word tokens. Apostrophes and hyphens inside
// a word are kept so "don't" and "follow-up" stay whole.
func Words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\'' && r != '-'
	})
}

// ContainsFold reports whether substr occurs in s, ignoring case.
// An empty substr never matches.
func ContainsFold(s, substr string) bool {
	if substr == "" {
		return false
	}
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// AppendUnique appends items not already present in dst, preserving order.
func AppendUnique(dst []string, items ...string) []string {
	seen := make(map[string]struct{}, len(dst)+len(items))
	for _, d := range dst {
		seen[d] = struct{}{}
	}
	for _, it := range items {
		if it == "" {
			continue
		}
		if _, ok := seen[it]; ok {
			continue
		}
		seen[it] = struct{}{}
		dst = append(dst, it)
	}
	return dst
}
