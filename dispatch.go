package devproxy

import (
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopByHopHeaders(h http.Header) {
	for _, header := range hopByHopHeaders {
		h.Del(header)
	}
}

// Engine is the dispatch core: it owns the rule list, allocates the
// monotonic request sequence number, runs a matched rule's hooks, and
// fetches upstream when a rule doesn't synthesize a response itself.
type Engine struct {
	// Transport is used for upstream fetches. Defaults to
	// http.DefaultTransport.
	Transport http.RoundTripper

	// Inspector observes every request/response lifecycle. NewEngine sets
	// a no-op inspector; Dispatch does not substitute a default for a nil
	// Inspector.
	Inspector Inspector

	// Metrics, if set, records dispatch counters.
	Metrics *Metrics

	// RateLimiter, if set, may reject a request with 429 before any rule
	// is evaluated. Ambient, not part of the base dispatch contract.
	RateLimiter *RateLimiter

	// ErrorSink receives errors that can't be returned directly to a
	// caller (background fetch failures, emission failures).
	ErrorSink ErrorSink

	rules   ruleList
	seq     atomic.Uint64
	started bool
}

// NewEngine builds an Engine with default transport and a no-op inspector.
func NewEngine() *Engine {
	return &Engine{
		Transport: http.DefaultTransport,
		Inspector: NoopInspector{},
	}
}

// AddRule registers a rule. Rules are evaluated in registration order;
// call this only before traffic starts flowing — the rule list is
// read-only once dispatch begins.
//
// If the rule's handler is a *CacheRule and the Engine has Metrics set,
// AddRule wires the two together: a CacheRule built by ParseRuleString
// has no way to reach the Engine's Metrics on its own.
func (e *Engine) AddRule(r Rule) {
	if e.Metrics != nil {
		if cr, ok := r.handler.(*CacheRule); ok && cr.Metrics == nil {
			cr.Metrics = e.Metrics
		}
	}
	e.rules.add(r)
	if e.Metrics != nil {
		e.Metrics.SetRuleCount(e.rules.count())
	}
}

func (e *Engine) reportError(kind ErrorKind, err error) {
	if e.ErrorSink != nil {
		e.ErrorSink(kind, err)
	}
}

// Dispatch runs the full request lifecycle: allocate seq, match a rule,
// coerce its result, fetch or synthesize, and emit. scheme is "http" or
// "https", recorded for metrics and the Inspector entry.
func (e *Engine) Dispatch(w http.ResponseWriter, req *http.Request, scheme string) {
	if e.RateLimiter != nil && e.Metrics != nil && e.RateLimiter.Metrics == nil {
		e.RateLimiter.Metrics = e.Metrics
	}
	if e.RateLimiter != nil && !e.RateLimiter.AllowHTTP(w, req) {
		if e.Metrics != nil {
			e.Metrics.RecordRequest(req.Method, "rate_limited")
		}
		return
	}

	start := time.Now()
	seq := e.seq.Add(1)

	rule, matched := e.rules.firstMatch(req)
	ruleName := ""
	if matched {
		ruleName = rule.Name
	}

	e.Inspector.onRequest(seq, req, ruleName)
	if e.Metrics != nil {
		e.Metrics.RecordRequest(req.Method, scheme)
		e.Metrics.RecordRuleMatch(ruleName)
	}

	// A matched rule answering an OPTIONS preflight is treated as
	// CORS-enabled without invoking its handler: browsers need to see
	// the matched endpoint as allowed before they send the real request.
	if matched && req.Method == http.MethodOptions {
		e.emitCORSPreflight(w, seq)
		return
	}

	var result RuleResult
	if matched {
		result = coerceResult(rule.handler.OnRequest(HookContext{Seq: seq, Req: req, Args: rule.args}))
	} else {
		result = Passthrough()
	}

	switch result.kind {
	case kindSuppress:
		return

	case kindFail:
		e.reportError(ErrForward, result.err)
		resp := &Response{
			StatusCode: http.StatusInternalServerError,
			Body:       []byte(result.err.Error()),
		}
		e.emit(w, seq, resp)

	case kindSynth:
		resp := result.response
		if resp.Header == nil {
			resp.Header = http.Header{}
		}
		resp.Header.Set("Access-Control-Allow-Origin", "*")
		if resp.StatusCode == 0 {
			resp.StatusCode = http.StatusOK
		}
		e.emit(w, seq, resp)

	case kindRedirect:
		e.fetch(w, req, result.redirect.String(), seq, rule, matched, start)

	default: // kindPassthrough
		e.fetch(w, req, req.URL.String(), seq, rule, matched, start)
	}
}

func (e *Engine) emitCORSPreflight(w http.ResponseWriter, seq uint64) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "*")
	h.Set("Access-Control-Allow-Headers", "*")
	w.WriteHeader(http.StatusNoContent)
}

func (e *Engine) fetch(w http.ResponseWriter, req *http.Request, targetURL string, seq uint64, rule Rule, matched bool, start time.Time) {
	reqBody := req.Body
	if reqBody != nil {
		if sink := e.Inspector.requestBodySink(seq); sink != nil {
			// sinkWriter absorbs a failing journal write instead of letting
			// it surface as a Read error and abort the upstream request.
			tb := newTeeBody(reqBody, newSinkWriter(sink))
			tb.onClose = func(err error) {
				_ = sink.Close()
				e.Inspector.onRequestEnd(seq, err)
			}
			reqBody = tb
		}
	}

	outReq, err := http.NewRequest(req.Method, targetURL, reqBody)
	if err != nil {
		e.reportError(ErrForward, fmt.Errorf("build upstream request: %w", err))
		e.emit(w, seq, &Response{StatusCode: http.StatusBadGateway, Body: []byte(err.Error())})
		return
	}
	outReq.Header = req.Header.Clone()
	removeHopByHopHeaders(outReq.Header)
	if req.Host != "" {
		outReq.Host = req.Host
	}

	transport := e.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	upstreamResp, err := transport.RoundTrip(outReq)
	if err != nil {
		e.reportError(ErrForward, fmt.Errorf("upstream fetch %s: %w", targetURL, err))
		if e.Metrics != nil {
			e.Metrics.RecordForwardError(req.Host)
		}
		e.emit(w, seq, &Response{StatusCode: http.StatusBadGateway, Body: []byte(err.Error())})
		return
	}
	defer upstreamResp.Body.Close()

	resp := &Response{
		StatusCode: upstreamResp.StatusCode,
		Header:     upstreamResp.Header,
		Stream:     upstreamResp.Body,
	}

	if matched {
		rule.handler.OnResponse(ResponseHookContext{Seq: seq, Res: resp, Args: rule.args})
	}

	if e.Metrics != nil {
		e.Metrics.RecordRequestDuration(req.Method, resp.StatusCode, time.Since(start))
	}

	e.emit(w, seq, resp)
}

func (e *Engine) emit(w http.ResponseWriter, seq uint64, resp *Response) {
	emitResponse(w, seq, resp, e.Inspector, e.reportError)
}
