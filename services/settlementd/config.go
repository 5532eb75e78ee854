package settlementd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
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
	raw := value.Value
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

// Config captures the runtime configuration for settlementd.
type Config struct {
	ListenAddress string       `yaml:"listen"`
	EnginePath    string       `yaml:"engine_config"`
	JournalPath   string       `yaml:"journal"`
	Interval      Duration     `yaml:"interval"`
	PauseOnStart  bool         `yaml:"pause"`
	Oracle        OracleConfig `yaml:"oracle"`
	Admin         AdminConfig  `yaml:"admin"`
	Recon         ReconConfig  `yaml:"recon"`
}

// OracleConfig tunes the price aggregation used to resolve boundary prices.
type OracleConfig struct {
	MinSources int      `yaml:"min_sources"`
	MaxAge     Duration `yaml:"max_age"`
}

// AdminConfig captures security settings for the admin API.
type AdminConfig struct {
	JWTSecret     string          `yaml:"jwt_secret"`
	JWTSecretFile string          `yaml:"jwt_secret_file"`
	JWTSecretEnv  string          `yaml:"jwt_secret_env"`
	Issuer        string          `yaml:"issuer"`
	Audience      string          `yaml:"audience"`
	Leeway        Duration        `yaml:"leeway"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig throttles admin API clients.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// ReconConfig schedules the daily reconciliation export.
type ReconConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Database      string `yaml:"database"`
	Driver        string `yaml:"driver"`
	OutputDir     string `yaml:"output_dir"`
	Hour          int    `yaml:"hour"`
	Minute        int    `yaml:"minute"`
	RetentionDays int    `yaml:"retention_days"`
}

// LoadConfig reads configuration from the supplied path.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Admin.normalise(); err != nil {
		return cfg, fmt.Errorf("admin security: %w", err)
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
	if cfg.EnginePath == "" {
		cfg.EnginePath = "config.toml"
	}
	if cfg.JournalPath == "" {
		cfg.JournalPath = "settlementd.db"
	}
	if cfg.Interval.Duration == 0 {
		cfg.Interval.Duration = time.Hour
	}
	if cfg.Oracle.MinSources <= 0 {
		cfg.Oracle.MinSources = 1
	}
	if cfg.Oracle.MaxAge.Duration == 0 {
		cfg.Oracle.MaxAge.Duration = 5 * time.Minute
	}
	if cfg.Admin.RateLimit.RequestsPerMinute <= 0 {
		cfg.Admin.RateLimit.RequestsPerMinute = 120
	}
	if cfg.Admin.RateLimit.Burst <= 0 {
		cfg.Admin.RateLimit.Burst = 30
	}
	if cfg.Admin.Leeway.Duration == 0 {
		cfg.Admin.Leeway.Duration = 30 * time.Second
	}
	if cfg.Recon.Driver == "" {
		cfg.Recon.Driver = "sqlite"
	}
	if cfg.Recon.OutputDir == "" {
		cfg.Recon.OutputDir = "recon-exports"
	}
	if cfg.Recon.Hour == 0 && cfg.Recon.Minute == 0 {
		cfg.Recon.Hour = 2
	}
	if cfg.Recon.RetentionDays <= 0 {
		cfg.Recon.RetentionDays = 90
	}
}

func validateConfig(cfg Config) error {
	if cfg.Interval.Duration < time.Second {
		return fmt.Errorf("interval must be at least one second")
	}
	if strings.TrimSpace(cfg.Admin.JWTSecret) == "" {
		return fmt.Errorf("admin jwt secret must be configured")
	}
	if strings.TrimSpace(cfg.Admin.Issuer) == "" {
		return fmt.Errorf("admin issuer must be configured")
	}
	switch cfg.Recon.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("recon driver must be sqlite or postgres, got %q", cfg.Recon.Driver)
	}
	return nil
}

func (a *AdminConfig) normalise() error {
	if a == nil {
		return fmt.Errorf("admin configuration missing")
	}
	secret := strings.TrimSpace(a.JWTSecret)
	switch {
	case secret != "":
	case strings.TrimSpace(a.JWTSecretEnv) != "":
		secret = strings.TrimSpace(os.Getenv(strings.TrimSpace(a.JWTSecretEnv)))
		if secret == "" {
			return fmt.Errorf("jwt_secret_env %s is empty", a.JWTSecretEnv)
		}
	case strings.TrimSpace(a.JWTSecretFile) != "":
		contents, err := os.ReadFile(strings.TrimSpace(a.JWTSecretFile))
		if err != nil {
			return fmt.Errorf("read jwt_secret_file: %w", err)
		}
		secret = strings.TrimSpace(string(contents))
		if secret == "" {
			return fmt.Errorf("jwt_secret_file %s is empty", a.JWTSecretFile)
		}
	}
	a.JWTSecret = secret
	a.Issuer = strings.TrimSpace(a.Issuer)
	a.Audience = strings.TrimSpace(a.Audience)
	return nil
}
