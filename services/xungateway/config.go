package xungateway

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/xun-project/UltraNote-WP-PaymentGateway/services/xungateway/scanstate"
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

// UnmarshalText parses human readable duration strings.
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

// Config captures the runtime configuration for the gateway daemon.
type Config struct {
	ListenAddress string          `yaml:"listen" toml:"listen"`
	Environment   string          `yaml:"environment" toml:"environment"`
	MarketAddress string          `yaml:"market_address" toml:"market_address"`
	Currency      string          `yaml:"currency" toml:"currency"`
	Database      DatabaseConfig  `yaml:"database" toml:"database"`
	Daemon        DaemonConfig    `yaml:"daemon" toml:"daemon"`
	Pricing       PricingConfig   `yaml:"pricing" toml:"pricing"`
	Scan          ScanConfig      `yaml:"scan" toml:"scan"`
	Recon         ReconConfig     `yaml:"recon" toml:"recon"`
	Notify        NotifyConfig    `yaml:"notify" toml:"notify"`
	Admin         AdminConfig     `yaml:"admin" toml:"admin"`
	Logging       LoggingConfig   `yaml:"logging" toml:"logging"`
	Telemetry     TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
}

// DatabaseConfig selects the order database.
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	DSN    string `yaml:"dsn" toml:"dsn"`
	DSNEnv string `yaml:"dsn_env" toml:"dsn_env"`
}

// DaemonConfig describes the coin daemon JSON-RPC endpoint.
type DaemonConfig struct {
	URL                 string   `yaml:"url" toml:"url"`
	Username            string   `yaml:"username" toml:"username"`
	Password            string   `yaml:"password" toml:"password"`
	PasswordEnv         string   `yaml:"password_env" toml:"password_env"`
	PasswordFile        string   `yaml:"password_file" toml:"password_file"`
	Timeout             Duration `yaml:"timeout" toml:"timeout"`
	RequestsPerMinute   float64  `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Anonymity           int      `yaml:"anonymity" toml:"anonymity"`
	Fee                 int64    `yaml:"fee" toml:"fee"`
	IncludeAllTransfers bool     `yaml:"include_all_transfers" toml:"include_all_transfers"`
}

// PricingConfig configures the CoinGecko quote source.
type PricingConfig struct {
	Endpoint string   `yaml:"endpoint" toml:"endpoint"`
	AssetID  string   `yaml:"asset_id" toml:"asset_id"`
	Timeout  Duration `yaml:"timeout" toml:"timeout"`
}

// ScanConfig controls blockchain scan progress persistence.
type ScanConfig struct {
	StartHeight       uint64 `yaml:"start_height" toml:"start_height"`
	MaxBlocksPerCycle uint64 `yaml:"max_blocks_per_cycle" toml:"max_blocks_per_cycle"`
	StateBackend      string `yaml:"state_backend" toml:"state_backend"`
	StatePath         string `yaml:"state_path" toml:"state_path"`
}

// ReconConfig controls the reconciliation schedule.
type ReconConfig struct {
	Interval         Duration `yaml:"interval" toml:"interval"`
	MaxCycleDuration Duration `yaml:"max_cycle_duration" toml:"max_cycle_duration"`
	RunOnStart       bool     `yaml:"run_on_start" toml:"run_on_start"`
	Lock             string   `yaml:"lock" toml:"lock"`
	LockKey          int64    `yaml:"lock_key" toml:"lock_key"`
}

// NotifyConfig configures payment notifications.
type NotifyConfig struct {
	WebhookURL    string   `yaml:"webhook_url" toml:"webhook_url"`
	WebhookSecret string   `yaml:"webhook_secret" toml:"webhook_secret"`
	SecretEnv     string   `yaml:"webhook_secret_env" toml:"webhook_secret_env"`
	Timeout       Duration `yaml:"timeout" toml:"timeout"`
}

// AdminConfig captures security settings for the API.
type AdminConfig struct {
	BearerToken       string  `yaml:"bearer_token" toml:"bearer_token"`
	BearerTokenFile   string  `yaml:"bearer_token_file" toml:"bearer_token_file"`
	JWTSecret         string  `yaml:"jwt_secret" toml:"jwt_secret"`
	JWTSecretEnv      string  `yaml:"jwt_secret_env" toml:"jwt_secret_env"`
	JWTIssuer         string  `yaml:"jwt_issuer" toml:"jwt_issuer"`
	RequestsPerMinute float64 `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

// TelemetryConfig configures OTLP export.
type TelemetryConfig struct {
	Endpoint string            `yaml:"endpoint" toml:"endpoint"`
	Insecure *bool             `yaml:"insecure" toml:"insecure"`
	Headers  map[string]string `yaml:"headers" toml:"headers"`
	Metrics  bool              `yaml:"metrics" toml:"metrics"`
	Traces   bool              `yaml:"traces" toml:"traces"`
}

// Scan state backends and lock modes.
const (
	StateBackendBolt = "bbolt"
	StateBackendSQL  = "sql"

	LockLocal    = "local"
	LockPostgres = "postgres"

	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// LoadConfig reads configuration from path. Files ending in .toml are decoded
// as TOML, everything else as YAML.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	} else {
		file, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		dec := yaml.NewDecoder(file)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	applyDefaults(&cfg)
	if err := cfg.normalise(); err != nil {
		return cfg, err
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = DriverPostgres
	}
	if cfg.Daemon.Timeout.Duration == 0 {
		cfg.Daemon.Timeout.Duration = 15 * time.Second
	}
	if cfg.Pricing.Timeout.Duration == 0 {
		cfg.Pricing.Timeout.Duration = 10 * time.Second
	}
	if cfg.Scan.StartHeight == 0 {
		cfg.Scan.StartHeight = scanstate.DefaultStartHeight
	}
	if cfg.Scan.MaxBlocksPerCycle == 0 {
		cfg.Scan.MaxBlocksPerCycle = 10000
	}
	if cfg.Scan.StateBackend == "" {
		cfg.Scan.StateBackend = StateBackendBolt
	}
	if cfg.Scan.StatePath == "" {
		cfg.Scan.StatePath = "xun-gateway-scan.db"
	}
	if cfg.Recon.Interval.Duration == 0 {
		cfg.Recon.Interval.Duration = 2 * time.Minute
	}
	if cfg.Recon.MaxCycleDuration.Duration == 0 {
		cfg.Recon.MaxCycleDuration.Duration = time.Minute
	}
	if cfg.Recon.Lock == "" {
		cfg.Recon.Lock = LockLocal
	}
	if cfg.Recon.LockKey == 0 {
		cfg.Recon.LockKey = 0x78756e // "xun"
	}
	if cfg.Notify.Timeout.Duration == 0 {
		cfg.Notify.Timeout.Duration = 10 * time.Second
	}
	if cfg.Admin.RequestsPerMinute == 0 {
		cfg.Admin.RequestsPerMinute = 30
	}
	if cfg.Admin.Burst == 0 {
		cfg.Admin.Burst = 5
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

func (c *Config) normalise() error {
	c.MarketAddress = strings.TrimSpace(c.MarketAddress)
	c.Currency = strings.ToUpper(strings.TrimSpace(c.Currency))
	c.Database.Driver = strings.ToLower(strings.TrimSpace(c.Database.Driver))
	c.Scan.StateBackend = strings.ToLower(strings.TrimSpace(c.Scan.StateBackend))
	c.Recon.Lock = strings.ToLower(strings.TrimSpace(c.Recon.Lock))

	dsn, err := secretValue(c.Database.DSN, c.Database.DSNEnv, "")
	if err != nil {
		return fmt.Errorf("database dsn: %w", err)
	}
	c.Database.DSN = dsn

	password, err := secretValue(c.Daemon.Password, c.Daemon.PasswordEnv, c.Daemon.PasswordFile)
	if err != nil {
		return fmt.Errorf("daemon password: %w", err)
	}
	c.Daemon.Password = password

	secret, err := secretValue(c.Notify.WebhookSecret, c.Notify.SecretEnv, "")
	if err != nil {
		return fmt.Errorf("webhook secret: %w", err)
	}
	c.Notify.WebhookSecret = secret

	token, err := secretValue(c.Admin.BearerToken, "", c.Admin.BearerTokenFile)
	if err != nil {
		return fmt.Errorf("admin bearer token: %w", err)
	}
	c.Admin.BearerToken = token

	jwtSecret, err := secretValue(c.Admin.JWTSecret, c.Admin.JWTSecretEnv, "")
	if err != nil {
		return fmt.Errorf("admin jwt secret: %w", err)
	}
	c.Admin.JWTSecret = jwtSecret
	return nil
}

// secretValue resolves an inline value, falling back to an environment
// variable and then a file.
func secretValue(inline, envName, path string) (string, error) {
	if value := strings.TrimSpace(inline); value != "" {
		return value, nil
	}
	if envName = strings.TrimSpace(envName); envName != "" {
		value := strings.TrimSpace(os.Getenv(envName))
		if value == "" {
			return "", fmt.Errorf("environment variable %s is empty", envName)
		}
		return value, nil
	}
	if path = strings.TrimSpace(path); path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", path, err)
		}
		return strings.TrimSpace(string(contents)), nil
	}
	return "", nil
}

func validateConfig(cfg Config) error {
	if cfg.MarketAddress == "" {
		return fmt.Errorf("market_address must be configured")
	}
	if strings.TrimSpace(cfg.Daemon.URL) == "" {
		return fmt.Errorf("daemon.url must be configured")
	}
	switch cfg.Database.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("database.driver must be %q or %q", DriverPostgres, DriverSQLite)
	}
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database.dsn must be configured")
	}
	switch cfg.Scan.StateBackend {
	case StateBackendBolt, StateBackendSQL:
	default:
		return fmt.Errorf("scan.state_backend must be %q or %q", StateBackendBolt, StateBackendSQL)
	}
	switch cfg.Recon.Lock {
	case LockLocal:
	case LockPostgres:
		if cfg.Database.Driver != DriverPostgres {
			return fmt.Errorf("recon.lock postgres requires the postgres database driver")
		}
	default:
		return fmt.Errorf("recon.lock must be %q or %q", LockLocal, LockPostgres)
	}
	if cfg.Admin.BearerToken == "" && cfg.Admin.JWTSecret == "" {
		return fmt.Errorf("configure either admin.bearer_token or admin.jwt_secret for API authentication")
	}
	if cfg.Notify.WebhookURL != "" && cfg.Notify.WebhookSecret == "" {
		return fmt.Errorf("notify.webhook_secret is required when notify.webhook_url is set")
	}
	return nil
}
