package devproxy

import (
	"io"
	"net/http"
	"net/url"
)

// Response is a fully-formed HTTP response a handler can synthesize
// directly, or that the engine builds from an upstream fetch.
type Response struct {
	// StatusCode defaults to 200 when zero.
	StatusCode int

	// StatusMessage overrides the canonical text for StatusCode, if set.
	StatusMessage string

	// Header holds response headers. Keys are treated case-insensitively
	// by http.Header's own canonicalization; multi-value semantics are
	// preserved (use Header.Add, not Header.Set, for repeated headers).
	Header http.Header

	// Body is either inline bytes or a single-consumer lazy stream.
	// Exactly one of Body/Stream should be set; if both are nil the
	// response has an empty body.
	Body   []byte
	Stream io.ReadCloser
}

// resultKind tags which RuleResult variant is populated.
type resultKind int

const (
	kindPassthrough resultKind = iota
	kindRedirect
	kindSuppress
	kindSynth
	kindFail
)

// RuleResult is the tagged union a rule's request hook returns. Use the
// constructors below rather than building one by hand.
type RuleResult struct {
	kind     resultKind
	redirect *url.URL
	response *Response
	err      error
}

// Passthrough forwards the original request unchanged.
func Passthrough() RuleResult { return RuleResult{kind: kindPassthrough} }

// Redirect forwards the request to a different URL instead of the original.
func Redirect(u *url.URL) RuleResult { return RuleResult{kind: kindRedirect, redirect: u} }

// Suppress indicates the handler already wrote the response itself;
// dispatch ends without further action.
func Suppress() RuleResult { return RuleResult{kind: kindSuppress} }

// Synth returns a fully-formed response to send to the client.
func Synth(resp *Response) RuleResult { return RuleResult{kind: kindSynth, response: resp} }

// Fail synthesizes a 500 response with err's message as the body.
func Fail(err error) RuleResult { return RuleResult{kind: kindFail, err: err} }

// coerceResult is the single structural-sniffing boundary in the package:
// callers that build a RuleResult through the constructors above never
// need to sniff further, but handlers adapted from loosely-typed sources
// (nil, bool, *url.URL, *Response, error) can funnel their return value
// through here once.
func coerceResult(v any) RuleResult {
	switch t := v.(type) {
	case nil:
		return Passthrough()
	case bool:
		if t {
			return Passthrough()
		}
		return Suppress()
	case *url.URL:
		return Redirect(t)
	case *Response:
		return Synth(t)
	case error:
		return Fail(t)
	case RuleResult:
		return t
	default:
		return Passthrough()
	}
}
