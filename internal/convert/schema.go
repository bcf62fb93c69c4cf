package convert

import "encoding/json"

// Schema keywords every target provider rejects. Gemini additionally
// rejects additionalProperties.
var baseStripKeywords = []string{"$schema", "const"}

// CleanToolSchema deep-clones a tool's JSON schema and strips the keywords
// the target provider rejects, recursing through nested objects and arrays.
// Unparseable schemas pass through untouched; the provider gets to complain.
func CleanToolSchema(schema json.RawMessage, extraKeywords ...string) json.RawMessage {
	if len(schema) == 0 {
		return schema
	}
	var v any
	if err := json.Unmarshal(schema, &v); err != nil {
		return schema
	}
	strip := append(append([]string{}, baseStripKeywords...), extraKeywords...)
	cleaned := stripKeywords(v, strip)
	out, err := json.Marshal(cleaned)
	if err != nil {
		return schema
	}
	return out
}

func stripKeywords(v any, keywords []string) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if containsKeyword(keywords, k) {
				continue
			}
			out[k] = stripKeywords(val, keywords)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = stripKeywords(item, keywords)
		}
		return out
	default:
		return v
	}
}

func containsKeyword(keywords []string, k string) bool {
	for _, kw := range keywords {
		if kw == k {
			return true
		}
	}
	return false
}
