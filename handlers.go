package devproxy

import (
	"encoding/json"
	"net/http"
	"net/url"
	"os"
	"time"
)

// DelayHandler sleeps for a configured duration, then passes the request
// through unchanged. A non-positive delay is a no-op.
type DelayHandler struct {
	NoResponseHook
	DelayMS int
}

// NewDelayHandler builds a DelayHandler from the `delay` rule's args.
func NewDelayHandler(delayMS int) *DelayHandler {
	return &DelayHandler{DelayMS: delayMS}
}

// OnRequest implements Handler.
func (h *DelayHandler) OnRequest(ctx HookContext) RuleResult {
	if h.DelayMS > 0 {
		time.Sleep(time.Duration(h.DelayMS) * time.Millisecond)
	}
	return Passthrough()
}

// ContentHandler synthesizes a 200 response from an arbitrary in-memory
// value: structured values are JSON-serialized, anything else is
// stringified.
type ContentHandler struct {
	NoResponseHook
	Value any
}

// NewContentHandler builds a ContentHandler from the `content` rule's args.
func NewContentHandler(value any) *ContentHandler {
	return &ContentHandler{Value: value}
}

// OnRequest implements Handler.
func (h *ContentHandler) OnRequest(ctx HookContext) RuleResult {
	body, header := renderContent(h.Value)
	return Synth(&Response{
		StatusCode: http.StatusOK,
		Header:     header,
		Body:       body,
	})
}

func renderContent(value any) ([]byte, http.Header) {
	switch v := value.(type) {
	case string:
		return []byte(v), http.Header{}
	case []byte:
		return v, http.Header{}
	case nil:
		return nil, http.Header{}
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return []byte(err.Error()), http.Header{}
		}
		h := http.Header{}
		h.Set("Content-Type", "application/json")
		return b, h
	}
}

// FileHandler serves a file from the local filesystem as a lazily-streamed
// response body, or a 404 if the file is missing.
type FileHandler struct {
	NoResponseHook
	Path string
}

// NewFileHandler builds a FileHandler from the `file` rule's args.
func NewFileHandler(path string) *FileHandler {
	return &FileHandler{Path: path}
}

// OnRequest implements Handler.
func (h *FileHandler) OnRequest(ctx HookContext) RuleResult {
	f, err := os.Open(h.Path)
	if err != nil {
		return Synth(&Response{StatusCode: http.StatusNotFound})
	}
	return Synth(&Response{
		StatusCode: http.StatusOK,
		Stream:     f,
	})
}

// ForwardHandler rewrites the request's target URL, stripping the original
// scheme+host prefix and pointing it at a different origin.
type ForwardHandler struct {
	NoResponseHook
	Target *url.URL
}

// NewForwardHandler builds a ForwardHandler from the `forward` rule's args,
// an absolute URL.
func NewForwardHandler(target string) (*ForwardHandler, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, err
	}
	return &ForwardHandler{Target: u}, nil
}

// OnRequest implements Handler.
//
// The target replaces the request's URL outright: its scheme://host
// prefix is stripped in favor of the new origin, and the Host header
// follows. The new URL's own path is used as-is — forwarding "/api/u"
// to ".../v2/" yields a request for exactly "/v2/", not "/v2/u".
func (h *ForwardHandler) OnRequest(ctx HookContext) RuleResult {
	newURL := *h.Target
	ctx.Req.Host = h.Target.Host
	return Redirect(&newURL)
}
