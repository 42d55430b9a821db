package extract

import (
	"sort"
	"strings"
)

// Item is one multi-entity extraction result with the URLs it was
// derived from. Key names the schema array the entity came out of;
// items from different arrays never merge.
type Item struct {
	Key     string
	Fields  map[string]any
	Sources []string
}

// identity builds the comparison key for merge candidacy: the values
// of the given key fields, stringified. Items with no populated key
// fields never merge.
func identity(fields map[string]any, keys []string) string {
	var parts []string
	for _, k := range keys {
		v, ok := fields[k]
		if !ok || v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			parts = append(parts, k+"="+strings.ToLower(strings.TrimSpace(s)))
		}
	}
	if len(parts) == 0 {
		return ""
	}
	sort.Strings(parts)
	return strings.Join(parts, "|")
}

// MergeItems deduplicates multi-entity items. Two items are mergeable
// when they agree on the identity key fields; the merged item adopts
// the union of non-null values and the union of source URLs. Input
// order of first appearance is preserved.
func MergeItems(items []Item, identityKeys []string) []Item {
	if len(identityKeys) == 0 {
		return items
	}

	var out []Item
	index := make(map[string]int)
	for _, item := range items {
		id := identity(item.Fields, identityKeys)
		if id == "" {
			out = append(out, item)
			continue
		}
		id = item.Key + "|" + id
		at, seen := index[id]
		if !seen {
			index[id] = len(out)
			out = append(out, item)
			continue
		}
		out[at] = mergeTwo(out[at], item)
	}
	return out
}

func mergeTwo(base, dup Item) Item {
	if base.Fields == nil {
		base.Fields = make(map[string]any)
	}
	for k, v := range dup.Fields {
		if v == nil {
			continue
		}
		if cur, ok := base.Fields[k]; !ok || cur == nil {
			base.Fields[k] = v
		}
	}
	base.Sources = unionStrings(base.Sources, dup.Sources)
	return base
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range a {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range b {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
