package schema

import "strings"

const draft4URI = "http://json-schema.org/draft-04/schema#"

// isDraft3 reports whether doc declares the draft-03 meta schema.
func isDraft3(doc any) bool {
	m, ok := doc.(map[string]any)
	if !ok {
		return false
	}
	uri, _ := m["$schema"].(string)
	uri = strings.TrimSuffix(uri, "#")
	uri = strings.TrimPrefix(strings.TrimPrefix(uri, "http://"), "https://")
	return uri == "json-schema.org/draft-03/schema"
}

// upgradeDraft3 returns a draft-04 copy of a draft-03 schema document:
// boolean "required" on properties moves into the parent's required list,
// "divisibleBy" becomes "multipleOf", "extends" becomes "allOf" and string
// dependencies become lists. doc itself is not modified.
func upgradeDraft3(doc any) any {
	out := upgradeSchema(doc)
	if m, ok := out.(map[string]any); ok {
		m["$schema"] = draft4URI
	}
	return out
}

func upgradeSchema(v any) any {
	in, ok := v.(map[string]any)
	if !ok {
		return v
	}
	out := make(map[string]any, len(in))
	for k, child := range in {
		switch k {
		case "required":
			if _, isBool := child.(bool); isBool {
				// handled by the parent's properties
				continue
			}
			if _, merged := out[k]; !merged {
				out[k] = child
			}
		case "divisibleBy":
			out["multipleOf"] = child
		case "extends":
			out["allOf"] = upgradeList(child)
		case "properties":
			props, required := upgradeProperties(child)
			out[k] = props
			if len(required) > 0 {
				out["required"] = mergeRequired(in["required"], required)
			}
		case "patternProperties", "definitions":
			out[k] = upgradeSchemaMap(child)
		case "dependencies":
			out[k] = upgradeDependencies(child)
		case "items", "type":
			if list, isList := child.([]any); isList {
				out[k] = upgradeEach(list)
			} else {
				out[k] = upgradeSchema(child)
			}
		case "additionalProperties", "additionalItems", "not":
			out[k] = upgradeSchema(child)
		default:
			out[k] = child
		}
	}
	return out
}

func upgradeProperties(v any) (any, []any) {
	props, ok := v.(map[string]any)
	if !ok {
		return v, nil
	}
	out := make(map[string]any, len(props))
	var required []any
	for name, child := range props {
		if m, isMap := child.(map[string]any); isMap {
			if req, _ := m["required"].(bool); req {
				required = append(required, name)
			}
		}
		out[name] = upgradeSchema(child)
	}
	return out, required
}

func mergeRequired(existing any, names []any) []any {
	list, _ := existing.([]any)
	merged := append([]any(nil), list...)
	for _, name := range names {
		found := false
		for _, have := range merged {
			if have == name {
				found = true
				break
			}
		}
		if !found {
			merged = append(merged, name)
		}
	}
	return merged
}

func upgradeSchemaMap(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	out := make(map[string]any, len(m))
	for k, child := range m {
		out[k] = upgradeSchema(child)
	}
	return out
}

func upgradeDependencies(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	out := make(map[string]any, len(m))
	for k, child := range m {
		switch dep := child.(type) {
		case string:
			out[k] = []any{dep}
		case []any:
			out[k] = dep
		default:
			out[k] = upgradeSchema(dep)
		}
	}
	return out
}

func upgradeList(v any) []any {
	if ref, ok := v.(string); ok {
		return []any{map[string]any{"$ref": ref}}
	}
	if list, ok := v.([]any); ok {
		return upgradeEach(list)
	}
	return []any{upgradeSchema(v)}
}

func upgradeEach(list []any) []any {
	out := make([]any, len(list))
	for i, child := range list {
		out[i] = upgradeSchema(child)
	}
	return out
}
