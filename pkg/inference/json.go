package inference

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
)

// ExtractJSON pulls a JSON object or array out of a model response. It
// handles ```json fences, bare ``` fences, and leading/trailing prose around
// an unfenced JSON value. Returns an error when no syntactically valid JSON
// can be found.
func ExtractJSON(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", eris.New("inference: empty response text")
	}

	// Fenced block first: the model was asked for JSON only, but fences are
	// common anyway.
	if idx := strings.Index(text, "```json"); idx >= 0 {
		rest := text[idx+len("```json"):]
		if end := strings.Index(rest, "```"); end >= 0 {
			return validated(strings.TrimSpace(rest[:end]))
		}
	}
	if idx := strings.Index(text, "```"); idx >= 0 {
		rest := text[idx+3:]
		if end := strings.Index(rest, "```"); end >= 0 {
			return validated(strings.TrimSpace(rest[:end]))
		}
	}

	// Whole response is JSON.
	if candidate, err := validated(text); err == nil {
		return candidate, nil
	}

	// Best effort: first balanced object or array embedded in prose.
	for _, open := range []byte{'{', '['} {
		if candidate := balancedSlice(text, open); candidate != "" {
			if out, err := validated(candidate); err == nil {
				return out, nil
			}
		}
	}

	return "", eris.New("inference: no valid JSON in response")
}

// UnmarshalResponse extracts JSON from a model response and decodes it into v.
func UnmarshalResponse(text string, v any) error {
	raw, err := ExtractJSON(text)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return eris.Wrap(err, "inference: decode response JSON")
	}
	return nil
}

func validated(candidate string) (string, error) {
	if !json.Valid([]byte(candidate)) {
		return "", eris.New("inference: invalid JSON candidate")
	}
	return candidate, nil
}

// balancedSlice returns the first balanced {...} or [...] region starting at
// the first occurrence of open. String contents are skipped so braces inside
// values don't break the count.
func balancedSlice(text string, open byte) string {
	var clos byte = '}'
	if open == '[' {
		clos = ']'
	}

	start := strings.IndexByte(text, open)
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case clos:
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

// Truncate bounds a serialized payload to at most n bytes, cutting on a rune
// boundary. Used to cap prompt sizes for snapshot payloads.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := s[:n]
	for len(cut) > 0 && (cut[len(cut)-1]&0xC0) == 0x80 {
		cut = cut[:len(cut)-1]
	}
	return cut
}
