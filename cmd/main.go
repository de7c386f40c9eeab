package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jsonpi/devproxy"
)

// certGetter mirrors the method set devproxy.ListenerPair expects for its
// Certs field. Declared locally since Go interface satisfaction is
// structural: any value with a matching GetCertificate method works,
// whether or not the interface type itself is exported.
type certGetter interface {
	GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error)
}

func main() {
	var (
		configPath = flag.String("config", "", "path to config file (default: search ./devproxy.yaml, ~/.devproxy/devproxy.yaml, /etc/devproxy/devproxy.yaml)")
		genConfig  = flag.Bool("gen-config", false, "generate example config file and exit")

		addr       = flag.String("addr", ":8080", "proxy listen address")
		caCertPath = flag.String("ca-cert", "ca.crt", "path to CA certificate")
		caKeyPath  = flag.String("ca-key", "ca.key", "path to CA private key")
		genCA      = flag.Bool("gen-ca", false, "generate a new CA certificate and exit")
		verbose    = flag.Bool("v", false, "verbose logging")
		metrics    = flag.Bool("metrics", false, "enable Prometheus /metrics endpoint")
		inspect    = flag.Bool("inspect", false, "enable the request/response journal and its /api browsing routes")
		inspectDir = flag.String("inspect-dir", "", "journal directory (default: a fresh temp dir)")
		rateLimit  = flag.Float64("rate-limit", 0, "requests/sec per client address; 0 disables rate limiting")
		rateBurst  = flag.Int("rate-burst", 20, "token bucket burst size for -rate-limit")
	)
	flag.Parse()

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	if *genConfig {
		if err := devproxy.WriteExampleConfig("devproxy.yaml"); err != nil {
			logger.Error("generate config", "error", err)
			os.Exit(1)
		}
		fmt.Println("Generated devproxy.yaml")
		return
	}

	cfg, err := devproxy.LoadConfig(*configPath)
	if err != nil && *configPath != "" {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}
	if cfg == nil {
		def := devproxy.DefaultConfig()
		cfg = &def
	}

	effectiveAddr := *addr
	if cfg.Server.Addr != "" {
		effectiveAddr = cfg.Server.Addr
	}
	effectiveCACert := *caCertPath
	if cfg.TLS.CACert != "" {
		effectiveCACert = cfg.TLS.CACert
	}
	effectiveCAKey := *caKeyPath
	if cfg.TLS.CAKey != "" {
		effectiveCAKey = cfg.TLS.CAKey
	}

	if *genCA {
		if err := generateCA(effectiveCACert, effectiveCAKey); err != nil {
			logger.Error("generate CA", "error", err)
			os.Exit(1)
		}
		return
	}

	engine := devproxy.NewEngine()

	pool := devproxy.NewTransportPool()
	engine.Transport = pool.Transport()

	engine.ErrorSink = func(kind devproxy.ErrorKind, err error) {
		logger.Error("proxy error", "kind", kind.String(), "error", err)
	}

	if *metrics {
		engine.Metrics = devproxy.NewMetrics()
		pool.Metrics = engine.Metrics
		logger.Info("prometheus metrics enabled at /metrics")
	}

	if *rateLimit > 0 {
		rl := devproxy.NewRateLimiter(*rateLimit, *rateBurst)
		rl.Metrics = engine.Metrics
		defer rl.Close()
		engine.RateLimiter = rl
		logger.Info("rate limiting enabled", "rate", *rateLimit, "burst", *rateBurst)
	}

	rules, err := cfg.BuildRules()
	if err != nil {
		logger.Error("build rules", "error", err)
		os.Exit(1)
	}
	for _, r := range rules {
		engine.AddRule(r)
	}
	logger.Info("loaded rules", "count", len(rules))

	var fileInspector *devproxy.FileInspector
	if *inspect {
		dir := *inspectDir
		if dir == "" {
			dir = cfg.Inspector.Dir
		}
		fi, err := devproxy.NewFileInspector(dir, cfg.Inspector.Keep)
		if err != nil {
			logger.Error("create inspector", "error", err)
			os.Exit(1)
		}
		fileInspector = fi
		engine.Inspector = fi
		logger.Info("journal enabled", "dir", fi.Dir())
		defer fi.Close()
	}

	var certs certGetter
	if effectiveCACert != "" && effectiveCAKey != "" {
		if _, err := os.Stat(effectiveCACert); err == nil {
			if _, err := os.Stat(effectiveCAKey); err == nil {
				minter, err := devproxy.NewCertMinter(effectiveCACert, effectiveCAKey)
				if err != nil {
					logger.Error("load CA certificate", "error", err)
					os.Exit(1)
				}
				minter.Metrics = engine.Metrics
				rotator := devproxy.NewCertRotator(minter, effectiveCACert, effectiveCAKey)
				rotator.Metrics = engine.Metrics
				certs = rotator
				logger.Info("TLS interception enabled", "ca_cert", effectiveCACert)
			}
		}
	}
	if certs == nil {
		logger.Info("no CA configured; CONNECT requests will be refused", "hint", "run with -gen-ca to generate one")
	}

	health := devproxy.NewHealthChecker()
	health.ReadinessChecks = []devproxy.ReadinessCheck{devproxy.RuleCountCheck(engine)}
	health.SetReady(true)

	lp := devproxy.NewListenerPair(engine, certs)
	lp.ErrorSink = engine.ErrorSink
	lp.Health = health
	if engine.Metrics != nil {
		lp.MetricsMux = engine.Metrics.Handler()
	}
	if fileInspector != nil {
		lp.InspectorAPI = devproxy.NewInspectorAPI(fileInspector)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		logger.Info("shutting down...")
		_ = lp.Shutdown()
	}()

	logger.Info("starting proxy", "addr", effectiveAddr)
	logger.Info("configure your client to use this address as its HTTP/HTTPS proxy")

	if err := lp.ListenAndServe(effectiveAddr); err != nil && err != http.ErrServerClosed {
		logger.Error("proxy error", "error", err)
		os.Exit(1)
	}
}

func generateCA(certPath, keyPath string) error {
	if _, err := os.Stat(certPath); err == nil {
		return fmt.Errorf("CA certificate already exists at %s", certPath)
	}
	if _, err := os.Stat(keyPath); err == nil {
		return fmt.Errorf("CA key already exists at %s", keyPath)
	}

	slog.Info("generating CA certificate")

	certPEM, keyPEM, err := devproxy.GenerateCA("devproxy", 10)
	if err != nil {
		return err
	}

	if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
		return fmt.Errorf("write CA cert: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return fmt.Errorf("write CA key: %w", err)
	}

	slog.Info("CA certificate generated", "cert", certPath, "key", keyPath)
	slog.Info("add the CA certificate to your system/browser trust store")

	return nil
}
