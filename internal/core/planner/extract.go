package planner

import (
	"encoding/json"
	"strings"
)

// ExtractJSON recovers a JSON document from model output that may wrap it in
// a Markdown fence or surrounding prose. A bare JSON response is returned
// unchanged. Returns false when no parseable document is found.
func ExtractJSON(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if valid(trimmed) {
		return trimmed, true
	}

	// Fenced code block, with or without a language tag.
	if idx := strings.Index(trimmed, "```"); idx >= 0 {
		rest := trimmed[idx+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			candidate := strings.TrimSpace(rest[:end])
			if valid(candidate) {
				return candidate, true
			}
		}
	}

	// Fall back to the outermost brace or bracket pair.
	for _, pair := range [][2]byte{{'{', '}'}, {'[', ']'}} {
		start := strings.IndexByte(trimmed, pair[0])
		end := strings.LastIndexByte(trimmed, pair[1])
		if start >= 0 && end > start {
			candidate := trimmed[start : end+1]
			if valid(candidate) {
				return candidate, true
			}
		}
	}

	return "", false
}

func valid(candidate string) bool {
	if candidate == "" {
		return false
	}
	return json.Valid([]byte(candidate))
}
