package llm

import (
	"strings"

	"github.com/tidwall/gjson"
)

// ExtractJSONObject pulls a JSON object out of raw model output.
// Models often wrap JSON in prose or markdown fences, so after trying
// the full text this falls back to the widest {...} window. Returns
// false if no valid object is found.
func ExtractJSONObject(raw string) (string, bool) {
	candidate := strings.TrimSpace(raw)

	// Strip markdown code fences.
	if strings.HasPrefix(candidate, "```") {
		candidate = strings.TrimPrefix(candidate, "```json")
		candidate = strings.TrimPrefix(candidate, "```")
		candidate = strings.TrimSuffix(strings.TrimSpace(candidate), "```")
		candidate = strings.TrimSpace(candidate)
	}

	if gjson.Valid(candidate) && strings.HasPrefix(candidate, "{") {
		return candidate, true
	}

	start := strings.Index(candidate, "{")
	end := strings.LastIndex(candidate, "}")
	if start < 0 || end <= start {
		return "", false
	}
	window := candidate[start : end+1]
	if !gjson.Valid(window) {
		return "", false
	}
	return window, true
}
