package planner

import (
	"fmt"
	"strings"
)

// ExtractJSONArray returns the first balanced JSON array in the text.
// Agent CLIs often wrap their answer in prose or a markdown fence.
func ExtractJSONArray(text string) (string, error) {
	return extractBalanced(text, '[', ']')
}

// ExtractJSONObject returns the first balanced JSON object in the text.
func ExtractJSONObject(text string) (string, error) {
	return extractBalanced(text, '{', '}')
}

func extractBalanced(text string, open, close byte) (string, error) {
	start := strings.IndexByte(text, open)
	if start < 0 {
		return "", fmt.Errorf("no %q found in response", string(open))
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
		case close:
			depth--
			if depth == 0 {
				return text[start : i+1], nil
			}
		}
	}
	return "", fmt.Errorf("unbalanced %q in response", string(open))
}
