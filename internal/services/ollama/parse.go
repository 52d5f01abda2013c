package ollama

import (
	"encoding/json"
	"fmt"
	"strings"

	"visionforge/internal/services"
)

// DecodeModelJSON unmarshals model output into out, tolerating the framing
// models wrap around JSON: leading prose, markdown code fences, trailing
// commentary. It tries the raw payload first, then a fence-stripped variant,
// then the outermost object or array it can locate.
func DecodeModelJSON(payload string, out any) error {
	trimmed := strings.TrimSpace(payload)
	if trimmed == "" {
		return fmt.Errorf("decode model payload: empty response")
	}

	if err := json.Unmarshal([]byte(trimmed), out); err == nil {
		return nil
	}

	if stripped := stripCodeFences(trimmed); stripped != trimmed {
		if err := json.Unmarshal([]byte(stripped), out); err == nil {
			return nil
		}
		trimmed = stripped
	}

	if fragment, ok := extractJSONFragment(trimmed); ok {
		if err := json.Unmarshal([]byte(fragment), out); err == nil {
			return nil
		}
	}

	return fmt.Errorf("decode model payload: no valid JSON found in %q", services.Snippet(payload))
}

// stripCodeFences removes a single wrapping markdown code fence, with or
// without a language tag.
func stripCodeFences(payload string) string {
	if !strings.HasPrefix(payload, "```") {
		return payload
	}
	rest := strings.TrimPrefix(payload, "```")
	if idx := strings.Index(rest, "\n"); idx >= 0 {
		rest = rest[idx+1:]
	}
	if idx := strings.LastIndex(rest, "```"); idx >= 0 {
		rest = rest[:idx]
	}
	return strings.TrimSpace(rest)
}

// extractJSONFragment returns the outermost balanced {...} or [...] in the
// payload, whichever starts first. String contents are respected so braces
// inside quoted values do not break the balance count.
func extractJSONFragment(payload string) (string, bool) {
	start := -1
	var open, close rune
	for i, r := range payload {
		if r == '{' || r == '[' {
			start = i
			open = r
			if r == '{' {
				close = '}'
			} else {
				close = ']'
			}
			break
		}
	}
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(payload); i++ {
		ch := rune(payload[i])
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return payload[start : i+1], true
			}
		}
	}
	return "", false
}
