package prompt

import (
	"errors"
	"strings"
)

// ErrNoJSON reports model output without a complete JSON object.
var ErrNoJSON = errors.New("prompt: no JSON object in model output")

// ExtractObject returns the first balanced JSON object in s. Models wrap
// JSON-mode answers in prose or markdown fences often enough that agents
// never json.Unmarshal raw output directly.
func ExtractObject(s string) (string, error) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", ErrNoJSON
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
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
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], nil
			}
		}
	}
	return "", ErrNoJSON
}
