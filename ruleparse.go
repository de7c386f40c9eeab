package devproxy

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ParseRuleString compiles a CLI/config rule string of the form
// "name|pattern|args" into a Rule bound to the matching built-in handler.
// args is interpreted according to name:
//
//	delay   - an integer number of milliseconds
//	content - a JSON value, or a bare string if it doesn't parse as JSON
//	file    - a filesystem path, used verbatim
//	forward - an absolute URL, used verbatim
//	cache   - "ttl_seconds[,dir]" (e.g. "60" or "60,/tmp/img-cache"), or
//	          the legacy "true"/"" shorthand for no TTL and the default
//	          directory. Config.BuildRules fills in cache.ttl_seconds/
//	          cache.dir/cache.by_query from the proxy's CacheConfig
//	          wherever a rule string leaves them unspecified.
func ParseRuleString(spec string) (Rule, error) {
	parts := strings.SplitN(spec, "|", 3)
	if len(parts) != 3 {
		return Rule{}, fmt.Errorf("expected name|pattern|args, got %q", spec)
	}
	name, pattern, args := parts[0], parts[1], parts[2]

	handler, err := buildHandler(name, args)
	if err != nil {
		return Rule{}, err
	}

	return NewRule(name, pattern, args, handler)
}

func buildHandler(name, args string) (Handler, error) {
	switch name {
	case "delay":
		ms, err := strconv.Atoi(strings.TrimSpace(args))
		if err != nil {
			return nil, fmt.Errorf("delay rule: args must be an integer ms value: %w", err)
		}
		return NewDelayHandler(ms), nil

	case "content":
		var value any
		if err := json.Unmarshal([]byte(args), &value); err != nil {
			value = args
		}
		return NewContentHandler(value), nil

	case "file":
		return NewFileHandler(args), nil

	case "forward":
		return NewForwardHandler(args)

	case "cache":
		return parseCacheArgs(args)

	default:
		return nil, fmt.Errorf("unknown rule name %q", name)
	}
}

// parseCacheArgs parses a `cache` rule's args as "ttl_seconds[,dir]", e.g.
// "60" or "60,/tmp/img-cache". The legacy "true"/"" shorthand (no TTL, the
// default directory) is kept for rule strings written before the grammar
// carried a TTL; it leaves cr.TTLExplicit false so Config.BuildRules knows
// to fall back to the configured default TTL instead of treating "never
// expires" as what the rule string actually asked for.
func parseCacheArgs(args string) (*CacheRule, error) {
	args = strings.TrimSpace(args)
	if args == "" || args == "true" {
		return NewCacheRule("", 0), nil
	}

	ttlPart, dir, _ := strings.Cut(args, ",")
	ttl, err := strconv.Atoi(strings.TrimSpace(ttlPart))
	if err != nil {
		return nil, fmt.Errorf("cache rule: args must be ttl_seconds[,dir], got %q: %w", args, err)
	}

	cr := NewCacheRule(strings.TrimSpace(dir), ttl)
	cr.TTLExplicit = true
	return cr, nil
}
