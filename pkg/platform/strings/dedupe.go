// Package strings cleans list-valued settings: comma-separated environment
// variables and repeated CLI flags.
package strings

import (
	"strings"
)

// SplitList splits raw on commas and returns the trimmed, non-empty parts
// without duplicates in first-seen order. An empty raw yields nil.
//
//	SplitList(" kafka-1:9092, kafka-2:9092,,kafka-1:9092")
//	// []string{"kafka-1:9092", "kafka-2:9092"}
func SplitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	return Dedupe(strings.Split(raw, ","), false)
}

// Dedupe trims each value and drops empties and repeats. With fold set,
// values are lowercased before comparison and returned lowercased.
func Dedupe(values []string, fold bool) []string {
	if values == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if fold {
			v = strings.ToLower(v)
		}
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
