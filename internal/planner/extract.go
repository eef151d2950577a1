package planner

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

var errNoJSON = errors.New("no JSON found in response")

var fencePattern = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(.*?)```")

// extractJSON finds the first usable JSON value in free text. It tries, in
// order: the whole text, fenced code blocks, the first balanced {...},
// and the first balanced [...].
func extractJSON(text string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(text)
	if isContainer(trimmed) && json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed), nil
	}

	for _, m := range fencePattern.FindAllStringSubmatch(text, -1) {
		block := strings.TrimSpace(m[1])
		if isContainer(block) && json.Valid([]byte(block)) {
			return json.RawMessage(block), nil
		}
	}

	if raw, ok := firstBalanced(text, '{', '}'); ok {
		return raw, nil
	}
	if raw, ok := firstBalanced(text, '[', ']'); ok {
		return raw, nil
	}
	return nil, errNoJSON
}

// isContainer reports whether s looks like a JSON object or array.
func isContainer(s string) bool {
	return s != "" && (s[0] == '{' || s[0] == '[')
}

// firstBalanced returns the first substring starting at an open delimiter
// whose delimiters balance and which parses as JSON. Delimiters inside
// string literals are ignored.
func firstBalanced(text string, open, close byte) (json.RawMessage, bool) {
	for start := strings.IndexByte(text, open); start != -1; {
		if end := matchClose(text, start, open, close); end != -1 {
			candidate := text[start : end+1]
			if json.Valid([]byte(candidate)) {
				return json.RawMessage(candidate), true
			}
		}
		next := strings.IndexByte(text[start+1:], open)
		if next == -1 {
			break
		}
		start += next + 1
	}
	return nil, false
}

func matchClose(text string, start int, open, close byte) int {
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
				return i
			}
		}
	}
	return -1
}
