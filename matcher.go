package devproxy

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

// Matcher tests a request's host+path against a compiled pattern.
type Matcher interface {
	Match(hostPath string) bool
}

// matcherFunc is a function adapter for Matcher.
type matcherFunc func(string) bool

func (f matcherFunc) Match(s string) bool { return f(s) }

// CompilePattern compiles a user-supplied pattern into a Matcher. A pattern
// containing a parenthesized group, e.g. "(foo.*bar)" or "/api/(.*)", is
// compiled as a Go regexp outright (the rule grammar's way of spelling "this
// pattern uses a capture group"); anything else is treated as a literal
// string with "*" wildcards. The parens aren't stripped before compiling —
// they're part of the regex, not a delimiter around it — so a prefix like
// "/api/" ahead of the group stays in the compiled pattern.
//
// Compilation happens once, at rule-add time, never per request.
func CompilePattern(pattern string) (Matcher, error) {
	if isRegexPattern(pattern) {
		trimmed := strings.TrimPrefix(pattern, "https://")
		trimmed = strings.TrimPrefix(trimmed, "http://")
		re, err := regexp.Compile(trimmed)
		if err != nil {
			return nil, fmt.Errorf("compile regex pattern %q: %w", pattern, err)
		}
		return matcherFunc(re.MatchString), nil
	}

	re, err := compileLiteralPattern(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile pattern %q: %w", pattern, err)
	}
	return matcherFunc(re.MatchString), nil
}

func isRegexPattern(pattern string) bool {
	return strings.ContainsRune(pattern, '(')
}

// compileLiteralPattern normalizes a literal-with-wildcards pattern: strips
// a leading scheme, splits on "*", regex-escapes each literal segment, and
// rejoins with ".*?". There is no anchoring; pattern authors anchor
// explicitly with "^"/"$" when they want it.
func compileLiteralPattern(pattern string) (*regexp.Regexp, error) {
	pattern = strings.TrimPrefix(pattern, "https://")
	pattern = strings.TrimPrefix(pattern, "http://")

	segments := strings.Split(pattern, "*")
	for i, seg := range segments {
		segments[i] = regexp.QuoteMeta(seg)
	}

	return regexp.Compile(strings.Join(segments, ".*?"))
}

// hostPath builds the "host+url-path-with-query" string the matcher is
// tested against.
func hostPath(req *http.Request) string {
	host := req.Host
	if host == "" {
		host = req.URL.Host
	}
	return host + req.URL.RequestURI()
}
