package devproxy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete proxy configuration.
type Config struct {
	// Server configuration
	Server ServerConfig `mapstructure:"server"`

	// TLS/CA configuration
	TLS TLSConfig `mapstructure:"tls"`

	// Cache configuration
	Cache CacheConfig `mapstructure:"cache"`

	// Inspector configuration
	Inspector InspectorConfig `mapstructure:"inspector"`

	// Rules is the ordered list of dispatch rules, in `name|pattern|args`
	// grammar.
	Rules []string `mapstructure:"rules"`

	// Logging configuration
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig contains server-related settings.
type ServerConfig struct {
	// Addr is the plain listener's address (e.g., ":8080", "0.0.0.0:8080")
	Addr string `mapstructure:"addr"`

	// ReadTimeout for incoming connections
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// WriteTimeout for outgoing responses
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// IdleTimeout for keep-alive connections
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

// TLSConfig contains root CA settings for the internal TLS listener. The
// internal listener only starts once both paths are set and load
// successfully.
type TLSConfig struct {
	// CACert is the path to the root CA certificate PEM file.
	CACert string `mapstructure:"ca_cert"`

	// CAKey is the path to the root CA private key PEM file.
	CAKey string `mapstructure:"ca_key"`
}

// CacheConfig contains settings for the on-disk response cache.
type CacheConfig struct {
	// Dir is the cache root directory. Defaults to ".cache".
	Dir string `mapstructure:"dir"`

	// TTLSeconds is the freshness window for cache entries. 0 means
	// entries never expire.
	TTLSeconds int `mapstructure:"ttl_seconds"`

	// ByQuery includes the query string (hashed) in the cache key.
	ByQuery bool `mapstructure:"by_query"`
}

// InspectorConfig contains settings for the request/response journal.
type InspectorConfig struct {
	// Dir is the journal root directory. Defaults to a fresh temp dir.
	Dir string `mapstructure:"dir"`

	// Keep controls whether the journal directory survives process exit
	// when it was auto-allocated as a temp dir.
	Keep bool `mapstructure:"keep"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the log level: debug, info, warn, error
	Level string `mapstructure:"level"`

	// Format is the log format: text, json
	Format string `mapstructure:"format"`

	// Output is where to write logs: stdout, stderr, or file path
	Output string `mapstructure:"output"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		TLS: TLSConfig{
			CACert: "ca.crt",
			CAKey:  "ca.key",
		},
		Cache: CacheConfig{
			Dir:        ".cache",
			TTLSeconds: 0,
			ByQuery:    false,
		},
		Inspector: InspectorConfig{
			Keep: false,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// LoadConfig loads configuration from file, environment, and defaults.
// It searches for config files in the following order:
// 1. Explicit path (if provided)
// 2. ./devproxy.yaml, ./devproxy.yml, ./devproxy.json, ./devproxy.toml
// 3. devproxy.yaml (or .yml, .json, .toml) in $HOME/.devproxy
// 4. devproxy.yaml (or .yml, .json, .toml) in /etc/devproxy
//
// The file format is taken from the file's extension.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("devproxy")

	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.devproxy")
	v.AddConfigPath("/etc/devproxy")

	v.SetEnvPrefix("DEVPROXY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// LoadConfigFromReader loads configuration from a reader.
// Useful for testing or embedded configs.
func LoadConfigFromReader(configType string, data []byte) (*Config, error) {
	v := viper.New()

	setDefaults(v)
	v.SetConfigType(configType)

	if err := v.ReadConfig(strings.NewReader(string(data))); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	defaults := DefaultConfig()

	v.SetDefault("server.addr", defaults.Server.Addr)
	v.SetDefault("server.read_timeout", defaults.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", defaults.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", defaults.Server.IdleTimeout)

	v.SetDefault("tls.ca_cert", defaults.TLS.CACert)
	v.SetDefault("tls.ca_key", defaults.TLS.CAKey)

	v.SetDefault("cache.dir", defaults.Cache.Dir)
	v.SetDefault("cache.ttl_seconds", defaults.Cache.TTLSeconds)
	v.SetDefault("cache.by_query", defaults.Cache.ByQuery)

	v.SetDefault("inspector.keep", defaults.Inspector.Keep)

	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.format", defaults.Logging.Format)
	v.SetDefault("logging.output", defaults.Logging.Output)
}

// BuildRules compiles the configured rule strings into an ordered Rule
// slice, ready to be registered with an Engine via AddRule.
//
// A `cache` rule string only ever carries a TTL and, optionally, a
// directory (see ParseRuleString); it has no way to express by_query at
// all, and may skip the TTL or directory entirely via the legacy "true"/""
// shorthand. BuildRules fills in anything the rule string left unspecified
// from c.Cache, so the cache.* config block is the one place a proxy-wide
// default actually lives.
func (c *Config) BuildRules() ([]Rule, error) {
	rules := make([]Rule, 0, len(c.Rules))
	for _, spec := range c.Rules {
		r, err := ParseRuleString(spec)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", spec, err)
		}
		if cr, ok := r.handler.(*CacheRule); ok {
			if !cr.TTLExplicit {
				cr.TTLSeconds = c.Cache.TTLSeconds
			}
			if cr.Dir == "" && c.Cache.Dir != "" {
				cr.Store = NewCacheStore(c.Cache.Dir)
				cr.Dir = c.Cache.Dir
			}
			cr.CacheByQuery = c.Cache.ByQuery
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// WriteExampleConfig writes an example configuration file.
func WriteExampleConfig(path string) error {
	example := `# devproxy configuration

server:
  # Address for the plain listener
  addr: ":8080"

  # Timeouts
  read_timeout: 30s
  write_timeout: 30s
  idle_timeout: 60s

tls:
  # Root CA certificate and key paths. Both must be present for the
  # internal TLS listener (and therefore HTTPS interception) to start.
  ca_cert: "ca.crt"
  ca_key: "ca.key"

cache:
  dir: ".cache"
  ttl_seconds: 0
  by_query: false

inspector:
  # dir: "/tmp/devproxy-inspect"
  keep: false

# Rules are evaluated in order; the first match wins.
# Grammar: name|pattern|args
rules:
  - "delay|api.example.com/*|500"
  - "content|example.com/config.json|{\"env\": \"dev\"}"
  - "file|(.*\\/healthz)|./testdata/healthz.json"
  - "cache|example.com/static/*|60"

logging:
  level: "info"
  format: "text"
  output: "stderr"
`

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
	}

	return os.WriteFile(path, []byte(example), 0644)
}
