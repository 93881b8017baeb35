package liquidator

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"lendbook/observability/logging"
)

// Price sources consulted during evaluation.
const (
	OracleHTTP  = "http"
	OracleRedis = "redis"
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

// Config captures the runtime configuration for the liquidation bot.
type Config struct {
	Endpoint      string        `yaml:"endpoint"`
	Auth          AuthConfig    `yaml:"auth"`
	TLS           TLSConfig     `yaml:"tls"`
	Interval      Duration      `yaml:"interval"`
	PageSize      int           `yaml:"page_size"`
	BatchSize     int           `yaml:"batch_size"`
	Retry         RetryConfig   `yaml:"retry"`
	SubmitRate    float64       `yaml:"submit_rate"`
	SubmitBurst   int           `yaml:"submit_burst"`
	FundsHorizon  Duration      `yaml:"funds_horizon"`
	Oracle        OracleConfig  `yaml:"oracle"`
	MetricsListen string        `yaml:"metrics_listen"`
	Logging       LoggingConfig `yaml:"logging"`
}

// AuthConfig identifies the bot to lendingd. Either a static bearer token or
// an HMAC secret to mint one for Subject is required.
type AuthConfig struct {
	Token      string   `yaml:"token"`
	HMACSecret string   `yaml:"hmac_secret"`
	Subject    string   `yaml:"subject"`
	Issuer     string   `yaml:"issuer"`
	Audience   string   `yaml:"audience"`
	TokenTTL   Duration `yaml:"token_ttl"`
}

type TLSConfig struct {
	CAFile        string `yaml:"ca_file"`
	AllowInsecure bool   `yaml:"allow_insecure"`
}

// RetryConfig bounds retries of transport failures. Attempts counts calls in
// total, the first one included. Application errors are never retried.
type RetryConfig struct {
	Attempts int      `yaml:"attempts"`
	Delay    Duration `yaml:"delay"`
}

type OracleConfig struct {
	Backend string      `yaml:"backend"`
	Redis   RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	TLS       bool   `yaml:"tls"`
	KeyPrefix string `yaml:"key_prefix"`
}

type LoggingConfig struct {
	Level string             `yaml:"level"`
	File  logging.FileConfig `yaml:"file"`
}

// LoadConfig reads the YAML configuration from disk and applies defaults.
func LoadConfig(path string) (Config, error) {
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
	stringFromEnv("LENDBOOK_LIQUIDATOR_ENDPOINT", &cfg.Endpoint)
	stringFromEnv("LENDBOOK_LIQUIDATOR_TOKEN", &cfg.Auth.Token)
	stringFromEnv("LENDBOOK_JWT_SECRET", &cfg.Auth.HMACSecret)
	stringFromEnv("LENDBOOK_ORACLE_BACKEND", &cfg.Oracle.Backend)
	stringFromEnv("LENDBOOK_REDIS_ADDR", &cfg.Oracle.Redis.Addr)
	stringFromEnv("LENDBOOK_REDIS_PASSWORD", &cfg.Oracle.Redis.Password)
	stringFromEnv("LENDBOOK_LOG_LEVEL", &cfg.Logging.Level)
}

func applyDefaults(cfg *Config) {
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	if cfg.Interval.Duration <= 0 {
		cfg.Interval.Duration = 60 * time.Second
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry.Attempts = 3
	}
	if cfg.Retry.Delay.Duration <= 0 {
		cfg.Retry.Delay.Duration = time.Second
	}
	if cfg.SubmitRate <= 0 {
		cfg.SubmitRate = 5
	}
	if cfg.SubmitBurst <= 0 {
		cfg.SubmitBurst = 1
	}
	if cfg.FundsHorizon.Duration <= 0 {
		cfg.FundsHorizon.Duration = time.Minute
	}
	if cfg.Auth.TokenTTL.Duration <= 0 {
		cfg.Auth.TokenTTL.Duration = 15 * time.Minute
	}
	cfg.Oracle.Backend = strings.ToLower(strings.TrimSpace(cfg.Oracle.Backend))
	if cfg.Oracle.Backend == "" {
		cfg.Oracle.Backend = OracleHTTP
	}
}

func (cfg Config) validate() error {
	if cfg.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if cfg.Auth.Token == "" && strings.TrimSpace(cfg.Auth.HMACSecret) == "" {
		return fmt.Errorf("auth: token or hmac_secret is required")
	}
	if cfg.Auth.Token == "" && strings.TrimSpace(cfg.Auth.Subject) == "" {
		return fmt.Errorf("auth: subject is required to mint tokens")
	}
	switch cfg.Oracle.Backend {
	case OracleHTTP:
	case OracleRedis:
		if strings.TrimSpace(cfg.Oracle.Redis.Addr) == "" {
			return fmt.Errorf("oracle: redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("oracle: unknown backend %q", cfg.Oracle.Backend)
	}
	return nil
}

// LogAttrs describes the configuration with secrets masked.
func (cfg Config) LogAttrs() []slog.Attr {
	return []slog.Attr{
		slog.String("endpoint", logging.MaskURL(cfg.Endpoint)),
		slog.Duration("interval", cfg.Interval.Duration),
		slog.Int("page_size", cfg.PageSize),
		slog.Int("batch_size", cfg.BatchSize),
		logging.MaskField("token", cfg.Auth.Token),
		logging.MaskField("hmac_secret", cfg.Auth.HMACSecret),
		slog.String("backend", cfg.Oracle.Backend),
	}
}
