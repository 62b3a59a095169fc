package schema

import (
	"path"
	"sort"
	"strings"
)

// ExtractRefNames returns the ids of the auxiliary schemas a parsed schema
// document references through $ref (or a draft-03 style string "extends").
// Local references ("#/definitions/...") are ignored; fragments and a
// trailing ".json" are stripped. The result is sorted and free of duplicates.
func ExtractRefNames(doc any) []string {
	seen := make(map[string]struct{})
	stack := []any{doc}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		switch v := cur.(type) {
		case map[string]any:
			for key, child := range v {
				if s, ok := child.(string); ok && (key == "$ref" || key == "extends") {
					if id := refID(s); id != "" {
						seen[id] = struct{}{}
					}
					continue
				}
				stack = append(stack, child)
			}
		case []any:
			stack = append(stack, v...)
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func refID(ref string) string {
	ref, _, _ = strings.Cut(ref, "#")
	if ref == "" {
		return ""
	}
	return strings.TrimSuffix(path.Base(ref), ".json")
}
