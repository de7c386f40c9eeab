package devproxy

import (
	"fmt"
	"net/http"
	"sync"
)

// HookContext is passed to a handler's request hook. It carries everything
// the handler needs to decide a RuleResult.
type HookContext struct {
	Seq  uint64
	Req  *http.Request
	Args any
}

// ResponseHookContext is passed to a handler's response hook, once the
// response (synthesized or fetched) is known.
type ResponseHookContext struct {
	Seq  uint64
	Res  *Response
	Args any
}

// Handler is the interface every rule type (built-in or custom) implements.
// OnResponse is optional; handlers that don't need it can embed
// NoResponseHook.
type Handler interface {
	OnRequest(ctx HookContext) RuleResult
	OnResponse(ctx ResponseHookContext)
}

// NoResponseHook is embeddable by handlers with no response-side behavior.
type NoResponseHook struct{}

// OnResponse is a no-op.
func (NoResponseHook) OnResponse(ResponseHookContext) {}

// Rule is one ordered entry in the dispatch engine's rule list.
type Rule struct {
	// Name is an optional display name, surfaced in Inspector entries.
	Name string

	matcher Matcher
	args    any
	handler Handler
}

// NewRule compiles pattern and pairs it with handler and an opaque
// argument bundle. Use Engine.AddRule to register it.
func NewRule(name, pattern string, args any, handler Handler) (Rule, error) {
	m, err := CompilePattern(pattern)
	if err != nil {
		return Rule{}, fmt.Errorf("rule %q: %w", name, err)
	}
	return Rule{Name: name, matcher: m, args: args, handler: handler}, nil
}

// Matches reports whether the rule's compiled matcher accepts the request.
func (r Rule) Matches(req *http.Request) bool {
	return r.matcher.Match(hostPath(req))
}

// ruleList is the engine's ordered, read-only-after-startup rule set.
// Registration order equals evaluation order; the first match wins.
type ruleList struct {
	mu    sync.RWMutex
	rules []Rule
}

func (rl *ruleList) add(r Rule) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.rules = append(rl.rules, r)
}

// firstMatch returns the first rule whose matcher accepts req, or
// (Rule{}, false) if none matched; an unmatched request is dispatched as
// an implicit passthrough.
func (rl *ruleList) firstMatch(req *http.Request) (Rule, bool) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	for _, r := range rl.rules {
		if r.Matches(req) {
			return r, true
		}
	}
	return Rule{}, false
}

func (rl *ruleList) count() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return len(rl.rules)
}
