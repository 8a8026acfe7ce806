// Package extract pulls structured JSON values out of free-form agent
// output. Agents rarely return bare JSON: the value is usually wrapped in
// prose, a fenced code block, or both.
package extract

import (
	"regexp"
	"strings"

	"github.com/segmentio/encoding/json"
)

// fencedBlockRegex matches a triple-backtick code block with an optional
// language tag.
var fencedBlockRegex = regexp.MustCompile("(?s)```[a-zA-Z0-9_-]*[ \t]*\r?\n?(.*?)```")

// Extract attempts to produce a JSON value from arbitrary text, trying
// strategies in priority order and stopping at the first success:
//
//  1. parse the entire trimmed string
//  2. parse the contents of a fenced code block
//  3. parse the outermost balanced {...} or [...] span
//
// Returns (nil, false) when no strategy yields valid JSON. A parse failure
// at any stage is not an error; the next strategy is tried.
func Extract(text string) (any, bool) {
	if v, ok := parse(text); ok {
		return v, true
	}
	if v, ok := fromFencedBlock(text); ok {
		return v, true
	}
	return fromBalancedSpan(text)
}

// parse unmarshals a trimmed candidate string, reporting failure as a
// normal false result.
func parse(s string) (any, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, false
	}
	return v, true
}

// fromFencedBlock tries each fenced code block in order.
func fromFencedBlock(text string) (any, bool) {
	for _, m := range fencedBlockRegex.FindAllStringSubmatch(text, -1) {
		if v, ok := parse(m[1]); ok {
			return v, true
		}
	}
	return nil, false
}

// fromBalancedSpan scans for the first opening brace or bracket and takes
// the span to its matching closing delimiter, honoring nesting and string
// literals so that a nested '}' never truncates the match. Candidates that
// do not parse are skipped and the scan resumes at the next opening
// delimiter.
func fromBalancedSpan(text string) (any, bool) {
	for i := 0; i < len(text); i++ {
		open := text[i]
		if open != '{' && open != '[' {
			continue
		}
		end := matchDelimiter(text, i)
		if end < 0 {
			continue
		}
		if v, ok := parse(text[i : end+1]); ok {
			return v, true
		}
	}
	return nil, false
}

// matchDelimiter returns the index of the closing delimiter balancing the
// opening one at start, or -1 when the span never closes.
func matchDelimiter(text string, start int) int {
	open := text[start]
	var close byte = '}'
	if open == '[' {
		close = ']'
	}

	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(text); i++ {
		c := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == open:
			depth++
		case c == close:
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
