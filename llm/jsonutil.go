package llm

import (
	"regexp"
	"strings"
)

// fenceOpen matches the opening line of a markdown code fence, with or
// without a json tag.
var fenceOpen = regexp.MustCompile("```(?:json|JSON)?[ \t]*\n?")

// ExtractJSON returns the first JSON object in a model reply, or "" when
// there is none or it is cut off. An object after an opening fence is
// preferred over bare text; a fence quoted inside a string value does not
// end it. Line comments and trailing commas, which models emit often, are
// removed outside string values.
func ExtractJSON(content string) string {
	obj := ""
	if loc := fenceOpen.FindStringIndex(content); loc != nil {
		obj = firstObject(content[loc[1]:])
	}
	if obj == "" {
		obj = firstObject(content)
	}
	if obj == "" {
		return ""
	}
	return clean(obj)
}

// firstObject returns the span from the first '{' to its matching '}'.
func firstObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}

	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		ch := s[i]
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
		switch {
		case ch == '"':
			inString = true
		case ch == '/' && i+1 < len(s) && s[i+1] == '/':
			i = lineEnd(s, i) - 1
		case ch == '{':
			depth++
		case ch == '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// clean drops // comments and commas that directly precede '}' or ']'.
func clean(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))

	inString, escaped := false, false
	for i := 0; i < len(raw); i++ {
		ch := raw[i]
		if inString {
			b.WriteByte(ch)
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
		switch {
		case ch == '"':
			inString = true
		case ch == '/' && i+1 < len(raw) && raw[i+1] == '/':
			i = lineEnd(raw, i) - 1
			continue
		case ch == ',' && closesNext(raw[i+1:]):
			continue
		}
		b.WriteByte(ch)
	}
	return b.String()
}

// closesNext reports whether the next token after whitespace and comments
// closes an object or array.
func closesNext(rest string) bool {
	for i := 0; i < len(rest); i++ {
		switch c := rest[i]; {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
		case c == '/' && i+1 < len(rest) && rest[i+1] == '/':
			i = lineEnd(rest, i) - 1
		case c == '}' || c == ']':
			return true
		default:
			return false
		}
	}
	return false
}

// lineEnd returns the index of the newline ending the line at i, or len(s).
func lineEnd(s string, i int) int {
	if n := strings.IndexByte(s[i:], '\n'); n >= 0 {
		return i + n
	}
	return len(s)
}
