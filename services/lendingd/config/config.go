package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultListen    = ":8090"
	defaultDataDir   = "./lending-data"
	defaultBlockTime = 10 * time.Minute
)

// Config captures the runtime settings for the lending service daemon.
type Config struct {
	ListenAddress string          `yaml:"listen"`
	Environment   string          `yaml:"environment"`
	DataDir       string          `yaml:"data_dir"`
	PoolConfig    string          `yaml:"pool_config"`
	Storage       StorageConfig   `yaml:"storage"`
	History       HistoryConfig   `yaml:"history"`
	Clock         ClockConfig     `yaml:"clock"`
	Oracle        OracleConfig    `yaml:"oracle"`
	TLS           TLSConfig       `yaml:"tls"`
	Auth          AuthConfig      `yaml:"auth"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	Logging       LoggingConfig   `yaml:"logging"`
	Telemetry     TelemetryConfig `yaml:"telemetry"`
	Stream        StreamConfig    `yaml:"stream"`
	CORS          CORSConfig      `yaml:"cors"`
	Webhook       WebhookConfig   `yaml:"webhook"`
}

// StorageConfig selects the key-value backend holding pool state.
type StorageConfig struct {
	// Engine is one of leveldb, bolt or memory.
	Engine string `yaml:"engine"`
	Path   string `yaml:"path"`
}

// HistoryConfig points at the activity database. An empty DSN disables the
// history endpoints.
type HistoryConfig struct {
	DSN string `yaml:"dsn"`
}

// ClockConfig derives block heights.
type ClockConfig struct {
	// Mode is wall (heights from elapsed time since genesis) or manual.
	Mode        string        `yaml:"mode"`
	Genesis     string        `yaml:"genesis"`
	BlockTime   time.Duration `yaml:"block_time"`
	StartHeight uint64        `yaml:"start_height"`
}

// SourceConfig describes one price source.
type SourceConfig struct {
	// Kind is coingecko or static. Empty disables the source.
	Kind      string            `yaml:"kind"`
	Name      string            `yaml:"name"`
	Endpoint  string            `yaml:"endpoint"`
	APIKeyEnv string            `yaml:"api_key_env"`
	IDs       map[string]string `yaml:"ids"`
	Prices    map[string]string `yaml:"prices"`
}

// OracleConfig wires the collateral price feed.
type OracleConfig struct {
	Primary      SourceConfig  `yaml:"primary"`
	Secondary    SourceConfig  `yaml:"secondary"`
	CachePath    string        `yaml:"cache_path"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxAge       time.Duration `yaml:"max_age"`
	Retention    time.Duration `yaml:"retention"`
}

// TLSConfig describes the TLS material for the HTTP server.
type TLSConfig struct {
	CertPath      string `yaml:"cert"`
	KeyPath       string `yaml:"key"`
	AllowInsecure bool   `yaml:"allow_insecure"`
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	Enabled       bool          `yaml:"enabled"`
	HMACSecretEnv string        `yaml:"hmac_secret_env"`
	Issuer        string        `yaml:"issuer"`
	Audience      []string      `yaml:"audience"`
	AdminScope    string        `yaml:"admin_scope"`
	ClockSkew     time.Duration `yaml:"clock_skew"`

	// DevPrincipalHeader trusts a plain header as the caller while auth is
	// disabled. Only honoured in the dev environment.
	DevPrincipalHeader string `yaml:"dev_principal_header"`
}

// RateLimitConfig bounds requests per client.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"rps"`
	Burst             int     `yaml:"burst"`
}

// LoggingConfig controls log level and file rotation.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// TelemetryConfig enables OTLP export.
type TelemetryConfig struct {
	Endpoint    string            `yaml:"endpoint"`
	Insecure    bool              `yaml:"insecure"`
	Traces      bool              `yaml:"traces"`
	Metrics     bool              `yaml:"metrics"`
	SampleRatio float64           `yaml:"sample_ratio"`
	Headers     map[string]string `yaml:"headers"`
}

// StreamConfig sizes the websocket replay buffer.
type StreamConfig struct {
	HistoryLimit int `yaml:"history_limit"`
}

// CORSConfig lists browser origins allowed to call the API. Empty allows
// every origin.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebhookConfig pushes selected pool events to an operator endpoint. An
// empty URL disables delivery.
type WebhookConfig struct {
	URL         string   `yaml:"url"`
	SecretEnv   string   `yaml:"secret_env"`
	Events      []string `yaml:"events"`
	MaxAttempts int      `yaml:"max_attempts"`
}

// Secret resolves the signing secret from the environment.
func (cfg WebhookConfig) Secret() (string, error) {
	secret := strings.TrimSpace(os.Getenv(cfg.SecretEnv))
	if secret == "" {
		return "", fmt.Errorf("webhook: %s is not set", cfg.SecretEnv)
	}
	return secret, nil
}

// Load reads the YAML configuration from disk and validates the result.
func Load(path string) (Config, error) {
	cfg := Config{
		ListenAddress: defaultListen,
	}
	if path == "" {
		return cfg, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() {
	if cfg == nil {
		return
	}
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListen
	}
	cfg.Environment = strings.TrimSpace(cfg.Environment)
	if cfg.Environment == "" {
		cfg.Environment = "dev"
	}
	cfg.DataDir = strings.TrimSpace(cfg.DataDir)
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir
	}
	cfg.PoolConfig = strings.TrimSpace(cfg.PoolConfig)
	if cfg.PoolConfig == "" {
		cfg.PoolConfig = filepath.Join(cfg.DataDir, "pool.toml")
	}

	cfg.Storage.Engine = strings.ToLower(strings.TrimSpace(cfg.Storage.Engine))
	if cfg.Storage.Engine == "" {
		cfg.Storage.Engine = "leveldb"
	}
	cfg.Storage.Path = strings.TrimSpace(cfg.Storage.Path)
	if cfg.Storage.Path == "" && cfg.Storage.Engine != "memory" {
		name := "state"
		if cfg.Storage.Engine == "bolt" {
			name = "state.bolt"
		}
		cfg.Storage.Path = filepath.Join(cfg.DataDir, name)
	}
	cfg.History.DSN = strings.TrimSpace(cfg.History.DSN)

	cfg.Clock.Mode = strings.ToLower(strings.TrimSpace(cfg.Clock.Mode))
	if cfg.Clock.Mode == "" {
		cfg.Clock.Mode = "wall"
	}
	cfg.Clock.Genesis = strings.TrimSpace(cfg.Clock.Genesis)
	if cfg.Clock.BlockTime <= 0 {
		cfg.Clock.BlockTime = defaultBlockTime
	}

	cfg.Oracle.Primary.normalize()
	cfg.Oracle.Secondary.normalize()
	cfg.Oracle.CachePath = strings.TrimSpace(cfg.Oracle.CachePath)
	if cfg.Oracle.CachePath == "" {
		cfg.Oracle.CachePath = filepath.Join(cfg.DataDir, "oracle.db")
	}
	if cfg.Oracle.PollInterval <= 0 {
		cfg.Oracle.PollInterval = 30 * time.Second
	}
	if cfg.Oracle.Timeout <= 0 {
		cfg.Oracle.Timeout = 5 * time.Second
	}
	if cfg.Oracle.MaxAge <= 0 {
		cfg.Oracle.MaxAge = 5 * time.Minute
	}
	if cfg.Oracle.Retention <= 0 {
		cfg.Oracle.Retention = 7 * 24 * time.Hour
	}

	cfg.TLS.CertPath = strings.TrimSpace(cfg.TLS.CertPath)
	cfg.TLS.KeyPath = strings.TrimSpace(cfg.TLS.KeyPath)

	cfg.Auth.HMACSecretEnv = strings.TrimSpace(cfg.Auth.HMACSecretEnv)
	if cfg.Auth.HMACSecretEnv == "" {
		cfg.Auth.HMACSecretEnv = "LENDING_JWT_SECRET"
	}
	cfg.Auth.Issuer = strings.TrimSpace(cfg.Auth.Issuer)
	audience := make([]string, 0, len(cfg.Auth.Audience))
	for _, aud := range cfg.Auth.Audience {
		if trimmed := strings.TrimSpace(aud); trimmed != "" {
			audience = append(audience, trimmed)
		}
	}
	cfg.Auth.Audience = audience
	cfg.Auth.AdminScope = strings.TrimSpace(cfg.Auth.AdminScope)
	if cfg.Auth.AdminScope == "" {
		cfg.Auth.AdminScope = "lending:admin"
	}
	if cfg.Auth.ClockSkew <= 0 {
		cfg.Auth.ClockSkew = 30 * time.Second
	}
	cfg.Auth.DevPrincipalHeader = strings.TrimSpace(cfg.Auth.DevPrincipalHeader)

	if cfg.RateLimit.RequestsPerSecond > 0 && cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = int(cfg.RateLimit.RequestsPerSecond)
		if cfg.RateLimit.Burst < 1 {
			cfg.RateLimit.Burst = 1
		}
	}
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	cfg.Logging.File = strings.TrimSpace(cfg.Logging.File)
	cfg.Telemetry.Endpoint = strings.TrimSpace(cfg.Telemetry.Endpoint)
	if cfg.Stream.HistoryLimit <= 0 {
		cfg.Stream.HistoryLimit = 1024
	}
	cfg.Webhook.URL = strings.TrimSpace(cfg.Webhook.URL)
	cfg.Webhook.SecretEnv = strings.TrimSpace(cfg.Webhook.SecretEnv)
	if cfg.Webhook.SecretEnv == "" {
		cfg.Webhook.SecretEnv = "LENDING_WEBHOOK_SECRET"
	}
}

func (cfg *SourceConfig) normalize() {
	cfg.Kind = strings.ToLower(strings.TrimSpace(cfg.Kind))
	cfg.Name = strings.TrimSpace(cfg.Name)
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.APIKeyEnv = strings.TrimSpace(cfg.APIKeyEnv)
}

func (cfg *Config) validate() error {
	if cfg == nil {
		return fmt.Errorf("configuration is missing")
	}
	switch cfg.Storage.Engine {
	case "leveldb", "bolt", "memory":
	default:
		return fmt.Errorf("storage: unknown engine %q", cfg.Storage.Engine)
	}
	if err := cfg.Clock.validate(); err != nil {
		return fmt.Errorf("clock: %w", err)
	}
	if err := cfg.Oracle.validate(); err != nil {
		return fmt.Errorf("oracle: %w", err)
	}
	if err := cfg.TLS.validate(); err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	if cfg.Auth.DevPrincipalHeader != "" && (cfg.Auth.Enabled || cfg.Environment != "dev") {
		return fmt.Errorf("auth: dev_principal_header requires auth disabled in the dev environment")
	}
	if !cfg.Auth.Enabled && cfg.Environment != "dev" {
		return fmt.Errorf("auth: must be enabled outside the dev environment")
	}
	if cfg.RateLimit.RequestsPerSecond < 0 {
		return fmt.Errorf("rate_limit: rps must not be negative")
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry: sample_ratio must be within [0,1]")
	}
	if cfg.Webhook.URL != "" && !strings.HasPrefix(cfg.Webhook.URL, "https://") && cfg.Environment != "dev" {
		return fmt.Errorf("webhook: url must use https outside the dev environment")
	}
	return nil
}

func (cfg ClockConfig) validate() error {
	switch cfg.Mode {
	case "manual":
		return nil
	case "wall":
		if cfg.Genesis == "" {
			return fmt.Errorf("genesis is required in wall mode")
		}
		if _, err := cfg.GenesisTime(); err != nil {
			return err
		}
		return nil
	default:
		return fmt.Errorf("unknown mode %q", cfg.Mode)
	}
}

// GenesisTime parses the RFC 3339 genesis timestamp.
func (cfg ClockConfig) GenesisTime() (time.Time, error) {
	t, err := time.Parse(time.RFC3339, cfg.Genesis)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid genesis %q: %w", cfg.Genesis, err)
	}
	return t, nil
}

func (cfg OracleConfig) validate() error {
	if cfg.Primary.Kind == "" {
		return fmt.Errorf("primary source is required")
	}
	for label, src := range map[string]SourceConfig{"primary": cfg.Primary, "secondary": cfg.Secondary} {
		switch src.Kind {
		case "":
		case "coingecko":
		case "static":
			if len(src.Prices) == 0 {
				return fmt.Errorf("%s: static source needs prices", label)
			}
		default:
			return fmt.Errorf("%s: unknown kind %q", label, src.Kind)
		}
	}
	return nil
}

func (cfg TLSConfig) validate() error {
	hasCert := cfg.CertPath != ""
	hasKey := cfg.KeyPath != ""
	if hasCert != hasKey {
		return fmt.Errorf("cert and key must either both be provided or both be empty")
	}
	if !cfg.AllowInsecure && !hasCert {
		return fmt.Errorf("cert and key are required unless allow_insecure=true")
	}
	return nil
}

// Enabled reports whether TLS material is configured.
func (cfg TLSConfig) Enabled() bool {
	return cfg.CertPath != "" && cfg.KeyPath != ""
}

// Secret resolves the HMAC secret from the environment.
func (cfg AuthConfig) Secret() (string, error) {
	if !cfg.Enabled {
		return "", nil
	}
	secret := strings.TrimSpace(os.Getenv(cfg.HMACSecretEnv))
	if secret == "" {
		return "", fmt.Errorf("auth: %s is not set", cfg.HMACSecretEnv)
	}
	return secret, nil
}
