package devproxy

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// scrapeMetrics renders m's /metrics output for tests that want to assert
// on a specific sample rather than just calling the setter blind.
func scrapeMetrics(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return rec.Body.String()
}

// grepLine returns the first line of body containing substr, for failure
// messages that shouldn't dump the whole scrape.
func grepLine(body, substr string) string {
	for _, line := range strings.Split(body, "\n") {
		if strings.Contains(line, substr) {
			return line
		}
	}
	return "(not found)"
}

func TestNewMetrics(t *testing.T) {
	m := NewMetrics()
	if m == nil {
		t.Fatal("NewMetrics() returned nil")
	}
	if m.registry == nil {
		t.Fatal("registry should not be nil")
	}
}

func TestMetrics_RecordRequest(t *testing.T) {
	m := NewMetrics()
	m.RecordRequest("GET", "https")
	m.RecordRequest("POST", "http")
	m.RecordRequest("GET", "https")
}

func TestMetrics_RecordRuleMatch(t *testing.T) {
	m := NewMetrics()
	m.RecordRuleMatch("block-ads")
	m.RecordRuleMatch("")
}

func TestMetrics_RecordRequestDuration(t *testing.T) {
	m := NewMetrics()
	m.RecordRequestDuration("GET", 200, 50*time.Millisecond)
	m.RecordRequestDuration("POST", 403, 10*time.Millisecond)
}

func TestMetrics_ActiveConns(t *testing.T) {
	m := NewMetrics()
	m.IncActiveConns()
	m.IncActiveConns()
	m.DecActiveConns()
}

func TestMetrics_CertCache(t *testing.T) {
	m := NewMetrics()
	m.SetCertCacheSize(42)
	m.RecordCertCacheHit()
	m.RecordCertCacheMiss()
}

func TestMetrics_RuleReload(t *testing.T) {
	m := NewMetrics()
	m.SetRuleCount(100)
	m.RecordRuleReload()
	m.RecordRuleReloadError()
}

func TestMetrics_ForwardErrors(t *testing.T) {
	m := NewMetrics()
	m.RecordForwardError("example.com")
	m.RecordTLSHandshakeError()
}

func TestMetrics_Cache(t *testing.T) {
	m := NewMetrics()
	m.RecordCacheHit()
	m.RecordCacheMiss()
	m.SetCacheEntries(7)
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()
	m.RecordRequest("GET", "https")
	m.RecordRuleMatch("test-rule")
	m.SetRuleCount(5)
	m.RecordRequestDuration("GET", 200, 50*time.Millisecond)

	handler := m.Handler()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	body := rec.Body.String()

	checks := []string{
		"devproxy_requests_total",
		"devproxy_rule_matches_total",
		"devproxy_rule_count",
		"devproxy_active_connections",
		"devproxy_cert_cache_size",
		"devproxy_request_duration_seconds",
	}

	for _, check := range checks {
		if !strings.Contains(body, check) {
			t.Errorf("metrics output missing %q", check)
		}
	}
}
