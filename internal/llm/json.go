package llm

import "strings"

// ExtractJSON strips markdown code fences and surrounding prose from a model
// response and returns the first balanced JSON object. When no object is
// found the cleaned text is returned as is.
func ExtractJSON(content string) string {
	trimmed := stripCodeFences(content)
	if trimmed == "" {
		return trimmed
	}
	if obj, ok := extractJSONObject(trimmed); ok {
		return obj
	}
	return trimmed
}

func stripCodeFences(content string) string {
	trimmed := strings.TrimSpace(content)
	for {
		start := strings.Index(trimmed, "```")
		if start < 0 {
			break
		}
		// Drop the fence and an optional language tag on the same line.
		rest := trimmed[start+3:]
		rest = strings.TrimLeft(rest, "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ")
		trimmed = trimmed[:start] + rest
	}
	return strings.TrimSpace(trimmed)
}

func extractJSONObject(text string) (string, bool) {
	start := -1
	depth := 0
	inString := false
	escape := false
	for i, r := range text {
		if start == -1 {
			if r == '{' {
				start = i
				depth = 1
			}
			continue
		}
		if inString {
			if escape {
				escape = false
				continue
			}
			if r == '\\' {
				escape = true
				continue
			}
			if r == '"' {
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return strings.TrimSpace(text[start : i+1]), true
			}
		}
	}
	return "", false
}
