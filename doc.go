// Package devproxy provides a programmable HTTP/HTTPS developer proxy. It
// dispatches every request through an ordered list of rules — pattern plus
// handler — that can delay, redirect, mock, cache, or forward a response
// before a request ever reaches its real destination, intercepting HTTPS
// traffic by minting per-host leaf certificates signed by a trusted CA.
//
// # Architecture
//
// A plain listener accepts both ordinary HTTP requests and CONNECT tunnels.
// Non-CONNECT requests go straight to the dispatch Engine. CONNECT requests
// are bridged to a second, internal TLS listener that terminates the
// handshake using a certificate minted for the SNI name, and the decrypted
// requests flow through the same Engine.
//
// # Basic Engine
//
// Build an engine, register rules, and serve:
//
//	engine := devproxy.NewEngine()
//	rule, err := devproxy.ParseRuleString("delay|api.example.com/login|800")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	engine.AddRule(rule)
//
//	minter, err := devproxy.NewCertMinter("ca.crt", "ca.key")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	lp := devproxy.NewListenerPair(engine, minter)
//	log.Fatal(lp.ListenAndServe(":8080"))
//
// # Rule Grammar
//
// Rules are compiled from "name|pattern|args" strings. The built-in names
// are delay (args is milliseconds), content (args is a literal value or
// JSON), file (args is a filesystem path), forward (args is a target URL),
// and cache (args is "ttl_seconds[,dir]", e.g. "60" or "60,/tmp/img-cache"):
//
//	r1, _ := devproxy.ParseRuleString(`file|(.*\/healthz)|./testdata/healthz.json`)
//	r2, _ := devproxy.ParseRuleString(`cache|example.com/static/*|60`)
//	engine.AddRule(r1)
//	engine.AddRule(r2)
//
// Custom handlers implement [Handler] directly and are registered with
// [NewRule] plus [Engine.AddRule] the same way.
//
// # Response Cache
//
// [CacheRule] backs the cache rule name with a content-addressed on-disk
// store; entries carry a freshness TTL and can be scoped by query string:
//
//	cr := devproxy.NewCacheRule(".cache", 300)
//	rule, _ := devproxy.NewRule("cache-api", "api.example.com/*", "", cr)
//	engine.AddRule(rule)
//
// # Request/Response Journal (Inspector)
//
// [FileInspector] records every request and response to an on-disk journal,
// coalescing writes so a burst of traffic produces one index.json flush:
//
//	insp, err := devproxy.NewFileInspector("", false)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	engine.Inspector = insp
//	defer insp.Close()
//
// [InspectorAPI] exposes the journal over REST for live browsing:
//
//	lp.InspectorAPI = devproxy.NewInspectorAPI(insp)
//
// # Prometheus Metrics
//
// Instrument the engine with Prometheus metrics for monitoring:
//
//	metrics := devproxy.NewMetrics()
//	engine.Metrics = metrics
//	lp.MetricsMux = metrics.Handler()
//
// The [Metrics] type records requests, rule matches, cert cache
// statistics, cache hit/miss, rule reloads, and forward errors.
//
// # Health Check Endpoints
//
// Expose /healthz and /readyz for Kubernetes and load balancers:
//
//	health := devproxy.NewHealthChecker()
//	health.SetAlive(true)
//	health.SetReady(true)
//	lp.Health = health
//
// # Rate Limiting
//
// Throttle clients by address with a token bucket:
//
//	engine.RateLimiter = devproxy.NewRateLimiter(50, 100)
//
// # Configuration
//
// Load configuration from YAML, JSON, or TOML files with environment
// variable overrides (DEVPROXY_ prefix):
//
//	cfg, err := devproxy.LoadConfig("devproxy.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	rules, err := cfg.BuildRules()
//
// # CA Certificate Generation
//
// Generate a new CA certificate and key pair programmatically:
//
//	certPEM, keyPEM, err := devproxy.GenerateCA("My Organization", 10)
//	minter, err := devproxy.NewCertMinterFromPEM(certPEM, keyPEM)
//
// [CertRotator] wraps a [CertMinter] to support swapping the CA without
// restarting the proxy.
//
// # Graceful Shutdown
//
//	if err := lp.Shutdown(); err != nil {
//	    log.Printf("shutdown error: %v", err)
//	}
package devproxy
