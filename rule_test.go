package devproxy

import (
	"net/http"
	"net/url"
	"testing"
)

type stubHandler struct {
	NoResponseHook
	result RuleResult
}

func (s stubHandler) OnRequest(ctx HookContext) RuleResult { return s.result }

func TestNewRule_CompilesPattern(t *testing.T) {
	r, err := NewRule("test", "api.example.com/*", nil, stubHandler{result: Passthrough()})
	if err != nil {
		t.Fatalf("NewRule: %v", err)
	}
	if r.Name != "test" {
		t.Errorf("Name = %q, want %q", r.Name, "test")
	}
}

func TestNewRule_InvalidPattern(t *testing.T) {
	_, err := NewRule("bad", "(unterminated[", nil, stubHandler{})
	if err == nil {
		t.Fatal("expected error for invalid pattern")
	}
}

func TestRule_Matches(t *testing.T) {
	r, err := NewRule("test", "api.example.com/*", nil, stubHandler{})
	if err != nil {
		t.Fatalf("NewRule: %v", err)
	}
	u, _ := url.Parse("http://api.example.com/v1/users")
	req := &http.Request{Host: "api.example.com", URL: u}
	if !r.Matches(req) {
		t.Error("expected rule to match")
	}

	u2, _ := url.Parse("http://other.example.com/v1/users")
	req2 := &http.Request{Host: "other.example.com", URL: u2}
	if r.Matches(req2) {
		t.Error("unexpected match on different host")
	}
}

func TestRuleList_FirstMatchWins(t *testing.T) {
	var rl ruleList

	r1, _ := NewRule("first", "api.example.com/*", nil, stubHandler{})
	r2, _ := NewRule("second", "api.example.com/users", nil, stubHandler{})
	rl.add(r1)
	rl.add(r2)

	u, _ := url.Parse("http://api.example.com/users")
	req := &http.Request{Host: "api.example.com", URL: u}

	rule, ok := rl.firstMatch(req)
	if !ok {
		t.Fatal("expected a match")
	}
	if rule.Name != "first" {
		t.Errorf("matched rule = %q, want %q (registration order, first match wins)", rule.Name, "first")
	}
}

func TestRuleList_NoMatch(t *testing.T) {
	var rl ruleList
	r1, _ := NewRule("only", "api.example.com/users", nil, stubHandler{})
	rl.add(r1)

	u, _ := url.Parse("http://other.example.com/x")
	req := &http.Request{Host: "other.example.com", URL: u}

	_, ok := rl.firstMatch(req)
	if ok {
		t.Error("expected no match")
	}
}

func TestRuleList_Count(t *testing.T) {
	var rl ruleList
	if rl.count() != 0 {
		t.Errorf("count = %d, want 0", rl.count())
	}
	r1, _ := NewRule("a", "x", nil, stubHandler{})
	rl.add(r1)
	if rl.count() != 1 {
		t.Errorf("count = %d, want 1", rl.count())
	}
}

func TestNoResponseHook_IsNoop(t *testing.T) {
	var h NoResponseHook
	h.OnResponse(ResponseHookContext{})
}
