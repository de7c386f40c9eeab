package devproxy

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

type dispatchStubHandler struct {
	NoResponseHook
	result       RuleResult
	responseSeen *ResponseHookContext
}

func (s *dispatchStubHandler) OnRequest(ctx HookContext) RuleResult { return s.result }

func (s *dispatchStubHandler) OnResponse(ctx ResponseHookContext) {
	s.responseSeen = &ctx
}

func newEngineWithRule(t *testing.T, pattern string, result RuleResult) (*Engine, *dispatchStubHandler) {
	t.Helper()
	e := NewEngine()
	h := &dispatchStubHandler{result: result}
	r, err := NewRule("test-rule", pattern, nil, h)
	if err != nil {
		t.Fatalf("NewRule: %v", err)
	}
	e.AddRule(r)
	return e, h
}

func TestDispatch_NoMatchPassesThrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("upstream"))
	}))
	defer upstream.Close()

	e := NewEngine()

	u, _ := url.Parse(upstream.URL + "/anything")
	req := httptest.NewRequest(http.MethodGet, u.String(), nil)
	w := httptest.NewRecorder()

	e.Dispatch(w, req, "http")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if w.Body.String() != "upstream" {
		t.Errorf("body = %q, want %q", w.Body.String(), "upstream")
	}
}

func TestDispatch_Suppress(t *testing.T) {
	e, _ := newEngineWithRule(t, "example.com/*", Suppress())

	req := httptest.NewRequest(http.MethodGet, "http://example.com/a", nil)
	w := httptest.NewRecorder()

	e.Dispatch(w, req, "http")

	if w.Code != 200 {
		t.Errorf("status = %d, want default recorder status 200 (nothing written)", w.Code)
	}
	if w.Body.Len() != 0 {
		t.Errorf("body = %q, want empty (handler claims it wrote the response itself)", w.Body.String())
	}
}

func TestDispatch_Fail(t *testing.T) {
	e, _ := newEngineWithRule(t, "example.com/*", Fail(errors.New("boom")))

	var reported error
	e.ErrorSink = func(kind ErrorKind, err error) { reported = err }

	req := httptest.NewRequest(http.MethodGet, "http://example.com/a", nil)
	w := httptest.NewRecorder()

	e.Dispatch(w, req, "http")

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	if w.Body.String() != "boom" {
		t.Errorf("body = %q, want %q", w.Body.String(), "boom")
	}
	if reported == nil || reported.Error() != "boom" {
		t.Errorf("expected ErrorSink to receive the failure, got %v", reported)
	}
}

func TestDispatch_Synth(t *testing.T) {
	e, _ := newEngineWithRule(t, "example.com/*", Synth(&Response{
		StatusCode: http.StatusTeapot,
		Body:       []byte("i'm a teapot"),
	}))

	req := httptest.NewRequest(http.MethodGet, "http://example.com/a", nil)
	w := httptest.NewRecorder()

	e.Dispatch(w, req, "http")

	if w.Code != http.StatusTeapot {
		t.Fatalf("status = %d, want 418", w.Code)
	}
	if w.Body.String() != "i'm a teapot" {
		t.Errorf("body = %q, want %q", w.Body.String(), "i'm a teapot")
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("expected synthesized responses to get a permissive CORS header")
	}
}

func TestDispatch_Redirect(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("redirected-to"))
	}))
	defer upstream.Close()

	target, _ := url.Parse(upstream.URL + "/elsewhere")
	e, _ := newEngineWithRule(t, "example.com/*", Redirect(target))

	req := httptest.NewRequest(http.MethodGet, "http://example.com/a", nil)
	w := httptest.NewRecorder()

	e.Dispatch(w, req, "http")

	if w.Body.String() != "redirected-to" {
		t.Errorf("body = %q, want %q", w.Body.String(), "redirected-to")
	}
}

func TestDispatch_OptionsPreflightShortCircuitsMatchedRule(t *testing.T) {
	e, h := newEngineWithRule(t, "example.com/*", Suppress())

	req := httptest.NewRequest(http.MethodOptions, "http://example.com/a", nil)
	w := httptest.NewRecorder()

	e.Dispatch(w, req, "http")

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Methods") != "*" {
		t.Error("expected CORS preflight headers")
	}
	if h.responseSeen != nil {
		t.Error("handler's OnRequest/OnResponse should not run for a matched OPTIONS preflight")
	}
}

func TestDispatch_RateLimiterBlocksBeforeRuleMatch(t *testing.T) {
	e, h := newEngineWithRule(t, "example.com/*", Suppress())
	e.RateLimiter = NewRateLimiter(0, 0)
	defer e.RateLimiter.Close()

	// The first request from a given address always seeds a fresh bucket
	// and is let through; a zero rate/burst only starves the ones after it.
	warmup := httptest.NewRequest(http.MethodGet, "http://example.com/a", nil)
	e.Dispatch(httptest.NewRecorder(), warmup, "http")

	req := httptest.NewRequest(http.MethodGet, "http://example.com/a", nil)
	w := httptest.NewRecorder()

	e.Dispatch(w, req, "http")

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if h.responseSeen != nil {
		t.Error("rate-limited requests should never reach a rule's handler")
	}
}

func TestDispatch_RecordsMetricsOnRateLimitedRequest(t *testing.T) {
	e, _ := newEngineWithRule(t, "example.com/*", Suppress())
	e.Metrics = NewMetrics()
	e.RateLimiter = NewRateLimiter(0, 0)
	defer e.RateLimiter.Close()

	warmup := httptest.NewRequest(http.MethodGet, "http://example.com/a", nil)
	e.Dispatch(httptest.NewRecorder(), warmup, "http")

	req := httptest.NewRequest(http.MethodGet, "http://example.com/a", nil)
	w := httptest.NewRecorder()

	e.Dispatch(w, req, "http")

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}

	body := scrapeMetrics(t, e.Metrics)
	if !strings.Contains(body, `devproxy_requests_total{method="GET",scheme="rate_limited"} 1`) {
		t.Errorf("expected one rate_limited request counted, got:\n%s", grepLine(body, "requests_total"))
	}
}

func TestDispatch_WiresRateLimiterMetrics(t *testing.T) {
	e, _ := newEngineWithRule(t, "example.com/*", Suppress())
	e.Metrics = NewMetrics()
	e.RateLimiter = NewRateLimiter(10, 5)
	defer e.RateLimiter.Close()

	req := httptest.NewRequest(http.MethodGet, "http://example.com/a", nil)
	e.Dispatch(httptest.NewRecorder(), req, "http")

	if e.RateLimiter.Metrics != e.Metrics {
		t.Error("expected Dispatch to wire RateLimiter.Metrics to the Engine's Metrics")
	}
}

func TestAddRule_WiresCacheRuleMetrics(t *testing.T) {
	e := NewEngine()
	e.Metrics = NewMetrics()

	cr := NewCacheRule(t.TempDir(), 0)
	r, err := NewRule("cache-rule", "example.com/*", nil, cr)
	if err != nil {
		t.Fatalf("NewRule: %v", err)
	}

	e.AddRule(r)

	if cr.Metrics != e.Metrics {
		t.Error("expected AddRule to wire CacheRule.Metrics to the Engine's Metrics")
	}
}

func TestAddRule_DoesNotOverwriteExistingCacheRuleMetrics(t *testing.T) {
	e := NewEngine()
	e.Metrics = NewMetrics()

	other := NewMetrics()
	cr := NewCacheRule(t.TempDir(), 0)
	cr.Metrics = other

	r, err := NewRule("cache-rule", "example.com/*", nil, cr)
	if err != nil {
		t.Fatalf("NewRule: %v", err)
	}
	e.AddRule(r)

	if cr.Metrics != other {
		t.Error("AddRule should not overwrite a CacheRule's already-set Metrics")
	}
}

func TestAddRule_UpdatesRuleCountMetric(t *testing.T) {
	e := NewEngine()
	e.Metrics = NewMetrics()

	r1, _ := NewRule("a", "example.com/a", nil, &dispatchStubHandler{result: Passthrough()})
	r2, _ := NewRule("b", "example.com/b", nil, &dispatchStubHandler{result: Passthrough()})
	e.AddRule(r1)
	e.AddRule(r2)

	if e.rules.count() != 2 {
		t.Errorf("rule count = %d, want 2", e.rules.count())
	}

	body := scrapeMetrics(t, e.Metrics)
	if !strings.Contains(body, "devproxy_rule_count 2") {
		t.Errorf("expected rule count gauge at 2, got:\n%s", grepLine(body, "rule_count"))
	}
}

func TestRemoveHopByHopHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "keep-alive")
	h.Set("Proxy-Authorization", "secret")
	h.Set("X-Keep-Me", "yes")

	removeHopByHopHeaders(h)

	if h.Get("Connection") != "" || h.Get("Proxy-Authorization") != "" {
		t.Error("expected hop-by-hop headers to be removed")
	}
	if h.Get("X-Keep-Me") != "yes" {
		t.Error("expected non-hop-by-hop header to survive")
	}
}

func TestDispatch_FetchBuildsUpstreamRequestWithClonedHeaders(t *testing.T) {
	var gotHost string
	var gotHeader string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.Host
		gotHeader = r.Header.Get("X-Custom")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	e := NewEngine()
	u, _ := url.Parse(upstream.URL + "/path")
	req := httptest.NewRequest(http.MethodGet, u.String(), nil)
	req.Header.Set("X-Custom", "value")
	req.Host = strippedHost(upstream.URL)

	w := httptest.NewRecorder()
	e.Dispatch(w, req, "http")

	if gotHeader != "value" {
		t.Errorf("upstream saw X-Custom = %q, want %q", gotHeader, "value")
	}
	if gotHost == "" {
		t.Error("expected upstream request Host to be forwarded")
	}
}

type reqSinkInspector struct {
	NoopInspector
	sink io.WriteCloser
}

func (r *reqSinkInspector) requestBodySink(uint64) io.WriteCloser { return r.sink }

func TestDispatch_FailingRequestBodySinkDoesNotAbortUpstreamFetch(t *testing.T) {
	var gotBody string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	e := NewEngine()
	sink := &failingWriteCloser{}
	e.Inspector = &reqSinkInspector{sink: sink}

	u, _ := url.Parse(upstream.URL + "/path")
	req := httptest.NewRequest(http.MethodPost, u.String(), strings.NewReader("request payload"))
	w := httptest.NewRecorder()

	e.Dispatch(w, req, "http")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 despite the failing request-body sink", w.Code)
	}
	if gotBody != "request payload" {
		t.Errorf("upstream saw body %q, want %q", gotBody, "request payload")
	}
	if !sink.closed {
		t.Error("expected the failing sink to still be closed once the request body drains")
	}
}

func strippedHost(rawURL string) string {
	u, _ := url.Parse(rawURL)
	return u.Host
}
