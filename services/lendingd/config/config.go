package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"lendbook/observability/logging"
)

// Oracle backends.
const (
	OracleStatic = "static"
	OracleRedis  = "redis"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	if value.Value == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime settings for the ledger daemon.
type Config struct {
	ListenAddress  string                     `yaml:"listen"`
	GenesisPath    string                     `yaml:"genesis"`
	RequestTimeout Duration                   `yaml:"request_timeout"`
	ReadTimeout    Duration                   `yaml:"read_timeout"`
	WriteTimeout   Duration                   `yaml:"write_timeout"`
	IdleTimeout    Duration                   `yaml:"idle_timeout"`
	TLS            TLSConfig                  `yaml:"tls"`
	Auth           AuthConfig                 `yaml:"auth"`
	RateLimits     map[string]RateLimitConfig `yaml:"rate_limits"`
	Oracle         OracleConfig               `yaml:"oracle"`
	Observability  ObservabilityConfig        `yaml:"observability"`
	Logging        LoggingConfig              `yaml:"logging"`
	CORS           CORSConfig                 `yaml:"cors"`
}

// TLSConfig describes the TLS material for the HTTP server.
type TLSConfig struct {
	CertPath      string `yaml:"cert"`
	KeyPath       string `yaml:"key"`
	AllowInsecure bool   `yaml:"allow_insecure"`
}

// AuthConfig configures bearer token validation. The token subject is the
// caller address.
type AuthConfig struct {
	Enabled    bool     `yaml:"enabled"`
	HMACSecret string   `yaml:"hmac_secret"`
	Issuer     string   `yaml:"issuer"`
	Audience   string   `yaml:"audience"`
	ClockSkew  Duration `yaml:"clock_skew"`
}

// RateLimitConfig is a token bucket per client for a route group.
type RateLimitConfig struct {
	RatePerSecond float64        `yaml:"rate_per_second"`
	Burst         int            `yaml:"burst"`
	DefaultTokens int            `yaml:"default_tokens"`
	Tokens        map[string]int `yaml:"tokens"`
}

// OracleConfig selects the price source consulted during liquidation.
type OracleConfig struct {
	Backend string      `yaml:"backend"`
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig holds the redis connection for the redis oracle backend.
type RedisConfig struct {
	Addr       string `yaml:"addr"`
	Password   string `yaml:"password"`
	DB         int    `yaml:"db"`
	PoolSize   int    `yaml:"pool_size"`
	MaxRetries int    `yaml:"max_retries"`
	TLS        bool   `yaml:"tls"`
	KeyPrefix  string `yaml:"key_prefix"`
}

type ObservabilityConfig struct {
	ServiceName   string `yaml:"service_name"`
	Metrics       bool   `yaml:"metrics"`
	LogRequests   bool   `yaml:"log_requests"`
	MetricsPrefix string `yaml:"metrics_prefix"`
}

type LoggingConfig struct {
	Level string             `yaml:"level"`
	File  logging.FileConfig `yaml:"file"`
}

type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowed_origins"`
	AllowCredentials bool     `yaml:"allow_credentials"`
}

// Load reads the YAML configuration from disk, applies LENDBOOK_* overrides
// and validates the result.
func Load(path string) (Config, error) {
	cfg := Config{}
	if strings.TrimSpace(path) == "" {
		return cfg, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	if err := yaml.NewDecoder(file).Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func stringFromEnv(key string, target *string) {
	if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
		*target = strings.TrimSpace(value)
	}
}

func applyEnv(cfg *Config) {
	stringFromEnv("LENDBOOK_LISTEN", &cfg.ListenAddress)
	stringFromEnv("LENDBOOK_GENESIS", &cfg.GenesisPath)
	stringFromEnv("LENDBOOK_JWT_SECRET", &cfg.Auth.HMACSecret)
	stringFromEnv("LENDBOOK_ORACLE_BACKEND", &cfg.Oracle.Backend)
	stringFromEnv("LENDBOOK_REDIS_ADDR", &cfg.Oracle.Redis.Addr)
	stringFromEnv("LENDBOOK_REDIS_PASSWORD", &cfg.Oracle.Redis.Password)
	stringFromEnv("LENDBOOK_LOG_LEVEL", &cfg.Logging.Level)
	if value, ok := os.LookupEnv("LENDBOOK_AUTH_ENABLED"); ok {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			cfg.Auth.Enabled = parsed
		}
	}
}

func applyDefaults(cfg *Config) {
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8090"
	}
	if strings.TrimSpace(cfg.GenesisPath) == "" {
		cfg.GenesisPath = "genesis.toml"
	}
	if cfg.RequestTimeout.Duration <= 0 {
		cfg.RequestTimeout.Duration = 10 * time.Second
	}
	if cfg.ReadTimeout.Duration <= 0 {
		cfg.ReadTimeout.Duration = 15 * time.Second
	}
	if cfg.WriteTimeout.Duration <= 0 {
		cfg.WriteTimeout.Duration = 30 * time.Second
	}
	if cfg.IdleTimeout.Duration <= 0 {
		cfg.IdleTimeout.Duration = 120 * time.Second
	}
	if cfg.Auth.ClockSkew.Duration <= 0 {
		cfg.Auth.ClockSkew.Duration = 2 * time.Minute
	}
	cfg.Oracle.Backend = strings.ToLower(strings.TrimSpace(cfg.Oracle.Backend))
	if cfg.Oracle.Backend == "" {
		cfg.Oracle.Backend = OracleStatic
	}
	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "lendingd"
	}
	if cfg.RateLimits == nil {
		cfg.RateLimits = map[string]RateLimitConfig{}
	}
	cfg.TLS.CertPath = strings.TrimSpace(cfg.TLS.CertPath)
	cfg.TLS.KeyPath = strings.TrimSpace(cfg.TLS.KeyPath)
}

func (cfg Config) validate() error {
	if (cfg.TLS.CertPath != "") != (cfg.TLS.KeyPath != "") {
		return fmt.Errorf("tls: cert and key must either both be provided or both be empty")
	}
	if !cfg.TLS.AllowInsecure && cfg.TLS.CertPath == "" {
		return fmt.Errorf("tls: cert and key are required unless allow_insecure=true")
	}
	if cfg.Auth.Enabled && strings.TrimSpace(cfg.Auth.HMACSecret) == "" {
		return fmt.Errorf("auth: hmac_secret is required when auth is enabled")
	}
	switch cfg.Oracle.Backend {
	case OracleStatic:
	case OracleRedis:
		if strings.TrimSpace(cfg.Oracle.Redis.Addr) == "" {
			return fmt.Errorf("oracle: redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("oracle: unknown backend %q", cfg.Oracle.Backend)
	}
	for name, limit := range cfg.RateLimits {
		if limit.RatePerSecond < 0 || limit.Burst < 0 {
			return fmt.Errorf("rate_limits.%s: values must not be negative", name)
		}
	}
	return nil
}

// LogAttrs describes the configuration with secrets masked.
func (cfg Config) LogAttrs() []slog.Attr {
	return []slog.Attr{
		slog.String("listen", cfg.ListenAddress),
		slog.String("genesis", cfg.GenesisPath),
		slog.Bool("auth_enabled", cfg.Auth.Enabled),
		logging.MaskField("hmac_secret", cfg.Auth.HMACSecret),
		slog.String("backend", cfg.Oracle.Backend),
		slog.String("redis_addr", logging.MaskURL(cfg.Oracle.Redis.Addr)),
		logging.MaskField("redis_password", cfg.Oracle.Redis.Password),
		slog.Bool("tls", cfg.TLS.CertPath != ""),
	}
}
