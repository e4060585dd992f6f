package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
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
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText parses durations for TOML and environment values.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for escrowd.
type Config struct {
	ListenAddress   string          `yaml:"listen" toml:"listen"`
	Environment     string          `yaml:"environment" toml:"environment"`
	ShutdownTimeout Duration        `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	Database        DatabaseConfig  `yaml:"database" toml:"database"`
	Log             LogConfig       `yaml:"log" toml:"log"`
	Telemetry       TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
	Auth            AuthConfig      `yaml:"auth" toml:"auth"`
	RateLimit       RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
	Custody         CustodyConfig   `yaml:"custody" toml:"custody"`
	EVM             EVMConfig       `yaml:"evm" toml:"evm"`
	Webhooks        WebhookConfig   `yaml:"webhooks" toml:"webhooks"`
}

// DatabaseConfig selects the gorm dialect.
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	DSN    string `yaml:"dsn" toml:"dsn"`
}

// LogConfig controls structured logging output.
type LogConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
	Compress   bool   `yaml:"compress" toml:"compress"`
}

// TelemetryConfig wires the OTLP exporters.
type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint" toml:"endpoint"`
	Insecure    bool    `yaml:"insecure" toml:"insecure"`
	Headers     string  `yaml:"headers" toml:"headers"`
	Traces      bool    `yaml:"traces" toml:"traces"`
	Metrics     bool    `yaml:"metrics" toml:"metrics"`
	SampleRatio float64 `yaml:"sample_ratio" toml:"sample_ratio"`
}

// AuthConfig controls bearer token verification for the API.
type AuthConfig struct {
	Disable      bool     `yaml:"disable" toml:"disable"`
	HSSecret     string   `yaml:"hs_secret" toml:"hs_secret"`
	HSSecretEnv  string   `yaml:"hs_secret_env" toml:"hs_secret_env"`
	Issuer       string   `yaml:"issuer" toml:"issuer"`
	Audience     []string `yaml:"audience" toml:"audience"`
	RoleClaim    string   `yaml:"role_claim" toml:"role_claim"`
	OperatorRole string   `yaml:"operator_role" toml:"operator_role"`
	MaxSkew      Duration `yaml:"max_skew" toml:"max_skew"`
}

// RateLimitConfig bounds per client request rates. Zero disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" toml:"requests_per_second"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// CustodyConfig points at the external custody component. When Endpoint is
// empty the service hands out StaticAddress for every contract.
type CustodyConfig struct {
	Endpoint      string   `yaml:"endpoint" toml:"endpoint"`
	APIKey        string   `yaml:"api_key" toml:"api_key"`
	Timeout       Duration `yaml:"timeout" toml:"timeout"`
	StaticAddress string   `yaml:"static_address" toml:"static_address"`
	AutoRelease   bool     `yaml:"auto_release" toml:"auto_release"`
}

// EVMConfig enables on-chain verification of funding proofs.
type EVMConfig struct {
	RPCURL        string   `yaml:"rpc_url" toml:"rpc_url"`
	TokenAddress  string   `yaml:"token_address" toml:"token_address"`
	TokenDecimals int32    `yaml:"token_decimals" toml:"token_decimals"`
	Confirmations uint64   `yaml:"confirmations" toml:"confirmations"`
	Timeout       Duration `yaml:"timeout" toml:"timeout"`
}

// WebhookConfig configures inbound signature checks and outbound delivery.
type WebhookConfig struct {
	DeliverySecret string             `yaml:"delivery_secret" toml:"delivery_secret"`
	Subscribers    []SubscriberConfig `yaml:"subscribers" toml:"subscribers"`
	QueueCapacity  int                `yaml:"queue_capacity" toml:"queue_capacity"`
	QueueTTL       Duration           `yaml:"queue_ttl" toml:"queue_ttl"`
	MaxAttempts    int                `yaml:"max_attempts" toml:"max_attempts"`
	Backoff        Duration           `yaml:"backoff" toml:"backoff"`
	Timeout        Duration           `yaml:"timeout" toml:"timeout"`
}

// SubscriberConfig is one outbound event receiver.
type SubscriberConfig struct {
	URL    string `yaml:"url" toml:"url"`
	Secret string `yaml:"secret" toml:"secret"`
}

// Load reads configuration from the supplied path, applies ESCROWD_*
// environment overrides and defaults, then validates the result. An empty
// path configures the service from the environment alone. Files ending in
// .toml are decoded as TOML, everything else as YAML.
func Load(path string) (Config, error) {
	cfg := Config{}
	if path = strings.TrimSpace(path); path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	if err := cfg.Auth.normalise(); err != nil {
		return cfg, fmt.Errorf("auth: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("decode config: unknown key %q", undecoded[0].String())
		}
		return nil
	}
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.ListenAddress, "ESCROWD_LISTEN")
	setString(&cfg.Environment, "ESCROWD_ENV")
	setString(&cfg.Database.Driver, "ESCROWD_DB_DRIVER")
	setString(&cfg.Database.DSN, "ESCROWD_DB_DSN")
	setString(&cfg.Log.Level, "ESCROWD_LOG_LEVEL")
	setString(&cfg.Log.File, "ESCROWD_LOG_FILE")
	setString(&cfg.Telemetry.Endpoint, "ESCROWD_OTEL_ENDPOINT")
	setString(&cfg.Telemetry.Headers, "ESCROWD_OTEL_HEADERS")
	setString(&cfg.Auth.HSSecret, "ESCROWD_JWT_SECRET")
	setString(&cfg.Auth.Issuer, "ESCROWD_JWT_ISSUER")
	setString(&cfg.Custody.Endpoint, "ESCROWD_CUSTODY_URL")
	setString(&cfg.Custody.APIKey, "ESCROWD_CUSTODY_API_KEY")
	setString(&cfg.Custody.StaticAddress, "ESCROWD_CUSTODY_STATIC_ADDRESS")
	setString(&cfg.EVM.RPCURL, "ESCROWD_EVM_RPC_URL")
	setString(&cfg.EVM.TokenAddress, "ESCROWD_EVM_TOKEN_ADDRESS")
	setString(&cfg.Webhooks.DeliverySecret, "ESCROWD_WEBHOOK_SECRET")

	if v, ok := lookupBool("ESCROWD_AUTH_DISABLE"); ok {
		cfg.Auth.Disable = v
	}
	if v, ok := lookupBool("ESCROWD_OTEL_TRACES"); ok {
		cfg.Telemetry.Traces = v
	}
	if v, ok := lookupBool("ESCROWD_OTEL_METRICS"); ok {
		cfg.Telemetry.Metrics = v
	}
	if v, ok := lookupBool("ESCROWD_OTEL_INSECURE"); ok {
		cfg.Telemetry.Insecure = v
	}
	if raw := strings.TrimSpace(os.Getenv("ESCROWD_RATE_LIMIT_RPS")); raw != "" {
		rps, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("parse ESCROWD_RATE_LIMIT_RPS: %w", err)
		}
		cfg.RateLimit.RequestsPerSecond = rps
	}
	if raw := strings.TrimSpace(os.Getenv("ESCROWD_SHUTDOWN_TIMEOUT")); raw != "" {
		if err := cfg.ShutdownTimeout.UnmarshalText([]byte(raw)); err != nil {
			return fmt.Errorf("parse ESCROWD_SHUTDOWN_TIMEOUT: %w", err)
		}
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8090"
	}
	if cfg.ShutdownTimeout.Duration == 0 {
		cfg.ShutdownTimeout.Duration = 15 * time.Second
	}
	cfg.Database.Driver = strings.ToLower(strings.TrimSpace(cfg.Database.Driver))
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.Driver == "sqlite" && cfg.Database.DSN == "" {
		cfg.Database.DSN = "escrowd.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Auth.RoleClaim == "" {
		cfg.Auth.RoleClaim = "role"
	}
	if cfg.Auth.OperatorRole == "" {
		cfg.Auth.OperatorRole = "operator"
	}
	if cfg.Auth.MaxSkew.Duration == 0 {
		cfg.Auth.MaxSkew.Duration = time.Minute
	}
	if cfg.RateLimit.RequestsPerSecond > 0 && cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = int(cfg.RateLimit.RequestsPerSecond * 2)
		if cfg.RateLimit.Burst < 1 {
			cfg.RateLimit.Burst = 1
		}
	}
	if cfg.Custody.Timeout.Duration == 0 {
		cfg.Custody.Timeout.Duration = 10 * time.Second
	}
	if cfg.EVM.Confirmations == 0 {
		cfg.EVM.Confirmations = 3
	}
	if cfg.EVM.TokenDecimals == 0 {
		cfg.EVM.TokenDecimals = 6
	}
	if cfg.EVM.Timeout.Duration == 0 {
		cfg.EVM.Timeout.Duration = 15 * time.Second
	}
	if cfg.Webhooks.QueueCapacity <= 0 {
		cfg.Webhooks.QueueCapacity = 1024
	}
	if cfg.Webhooks.QueueTTL.Duration == 0 {
		cfg.Webhooks.QueueTTL.Duration = 24 * time.Hour
	}
	if cfg.Webhooks.MaxAttempts <= 0 {
		cfg.Webhooks.MaxAttempts = 5
	}
	if cfg.Webhooks.Backoff.Duration == 0 {
		cfg.Webhooks.Backoff.Duration = time.Second
	}
	if cfg.Webhooks.Timeout.Duration == 0 {
		cfg.Webhooks.Timeout.Duration = 10 * time.Second
	}
}

// Validate checks cross-field constraints after defaults were applied.
func Validate(cfg Config) error {
	switch cfg.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver %q unsupported", cfg.Database.Driver)
	}
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return fmt.Errorf("database.dsn must be configured")
	}
	if !cfg.Auth.Disable && cfg.Auth.HSSecret == "" {
		return fmt.Errorf("auth.hs_secret must be configured unless auth.disable is set")
	}
	if strings.TrimSpace(cfg.Custody.Endpoint) == "" && strings.TrimSpace(cfg.Custody.StaticAddress) == "" {
		return fmt.Errorf("custody.endpoint or custody.static_address must be configured")
	}
	if cfg.Custody.AutoRelease && strings.TrimSpace(cfg.Custody.Endpoint) == "" {
		return fmt.Errorf("custody.auto_release requires custody.endpoint")
	}
	if cfg.RateLimit.RequestsPerSecond < 0 {
		return fmt.Errorf("rate_limit.requests_per_second must not be negative")
	}
	if cfg.Webhooks.MaxAttempts > 10 {
		return fmt.Errorf("webhooks.max_attempts must be at most 10")
	}
	for i, sub := range cfg.Webhooks.Subscribers {
		if strings.TrimSpace(sub.URL) == "" {
			return fmt.Errorf("webhooks.subscribers[%d].url must be configured", i)
		}
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0,1]")
	}
	return nil
}

func (a *AuthConfig) normalise() error {
	if a.Disable {
		return nil
	}
	a.HSSecret = strings.TrimSpace(a.HSSecret)
	if a.HSSecret != "" {
		return nil
	}
	if env := strings.TrimSpace(a.HSSecretEnv); env != "" {
		value := strings.TrimSpace(os.Getenv(env))
		if value == "" {
			return fmt.Errorf("hs_secret_env %s is empty", env)
		}
		a.HSSecret = value
	}
	return nil
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func lookupBool(key string) (bool, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return false, false
	}
	parsed, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return parsed, true
}
