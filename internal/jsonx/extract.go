// Package jsonx recovers a JSON value from free-form model output. Models
// asked for structured output frequently wrap the JSON in prose, code
// fences or trailing pleasantries; Extract tries a sequence of
// progressively more forgiving strategies before giving up.
package jsonx

import (
	"regexp"
	"strings"

	"github.com/goccy/go-json"
)

// FormatError reports that no strategy recovered valid JSON. It always
// carries the original text for diagnostics.
type FormatError struct {
	Raw string
}

func (e *FormatError) Error() string { return "no valid JSON found in model output" }

var fenceRe = regexp.MustCompile("(?s)```[a-zA-Z0-9_-]*\\s*\\n?(.*?)```")

var conversationalPrefixes = []string{
	"here's the json:",
	"here is the json:",
	"here's the json",
	"here is the json",
	"sure, here's the json:",
	"sure,",
	"sure!",
	"certainly!",
	"of course!",
}

var conversationalSuffixes = []string{
	"hope this helps!",
	"let me know if you need anything else!",
	"let me know if you need anything else.",
	"is there anything else i can help with?",
}

// Extract turns raw model text into a JSON value. Strategy order, each
// attempted only if the previous fails:
//  1. parse the trimmed text directly
//  2. parse the contents of the first fenced code block
//  3. parse the first balanced {...} span (string-literal aware)
//  4. strip known conversational prefixes/suffixes, then parse again
//
// On failure the returned error is a *FormatError carrying the input.
func Extract(text string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(text)

	if v, ok := tryParse(trimmed); ok {
		return v, nil
	}
	if m := fenceRe.FindStringSubmatch(trimmed); m != nil {
		if v, ok := tryParse(strings.TrimSpace(m[1])); ok {
			return v, nil
		}
	}
	if span := firstObjectSpan(trimmed); span != "" {
		if v, ok := tryParse(span); ok {
			return v, nil
		}
	}
	if v, ok := tryParse(stripConversational(trimmed)); ok {
		return v, nil
	}
	return nil, &FormatError{Raw: text}
}

// tryParse validates s as a single JSON value and returns its compacted form.
func tryParse(s string) (json.RawMessage, bool) {
	if s == "" {
		return nil, false
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, false
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	return json.RawMessage(out), true
}

// firstObjectSpan scans for the first balanced top-level {...} span,
// tracking brace depth while honoring string literals and escapes.
func firstObjectSpan(s string) string {
	depth := 0
	start := -1
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
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
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					return s[start : i+1]
				}
			}
		}
	}
	return ""
}

// stripConversational removes known prefixes and suffixes until a pass
// changes nothing. Stacked wrappings ("Certainly! Here's the JSON: ...")
// need repeated passes since stripping one phrase can expose another that
// sits earlier in the list.
func stripConversational(s string) string {
	out := strings.TrimSpace(s)
	for {
		stripped := stripOnce(out)
		if stripped == out {
			return out
		}
		out = stripped
	}
}

func stripOnce(s string) string {
	out := s
	lower := strings.ToLower(out)
	for _, p := range conversationalPrefixes {
		if strings.HasPrefix(lower, p) {
			out = strings.TrimSpace(out[len(p):])
			lower = strings.ToLower(out)
		}
	}
	for _, suf := range conversationalSuffixes {
		if strings.HasSuffix(lower, suf) {
			out = strings.TrimSpace(out[:len(out)-len(suf)])
			lower = strings.ToLower(out)
		}
	}
	return out
}
