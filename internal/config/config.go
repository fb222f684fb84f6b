// Package config loads layered application configuration with koanf:
// built-in defaults, then an optional YAML file, then SOLREPORT_
// environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix namespaces all environment overrides.
const EnvPrefix = "SOLREPORT_"

// DefaultConfigPaths are searched in order when no explicit path is given.
var DefaultConfigPaths = []string{"solreport.yaml", "config/solreport.yaml"}

// Config is the complete application configuration. It is immutable
// after Load and safe for concurrent reads.
type Config struct {
	API      APIConfig       `koanf:"api"`
	Cache    CacheConfig     `koanf:"cache"`
	Metrics  MetricsConfig   `koanf:"metrics"`
	Report   ReportConfig    `koanf:"report"`
	Logging  LoggingConfig   `koanf:"logging"`
	Stations []StationConfig `koanf:"stations"`
}

// APIConfig holds the monitoring API account and session settings.
type APIConfig struct {
	BaseURL string `koanf:"base_url"`
	// Username and Password are the third-party API account, not the
	// portal login.
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	// CredentialMode selects how the password is presented at login:
	// "sha256" (default) or "plain".
	CredentialMode string        `koanf:"credential_mode"`
	TokenTTL       time.Duration `koanf:"token_ttl"`
	Timeout        time.Duration `koanf:"timeout"`
}

// CacheConfig controls the on-disk response cache.
type CacheConfig struct {
	Dir     string        `koanf:"dir"`
	TTL     time.Duration `koanf:"ttl"`
	Enabled bool          `koanf:"enabled"`
}

// MetricsConfig holds the financial and environmental constants. The
// emission factor is in tCO2/MWh. A positive system cost enables the
// payback block in reports.
type MetricsConfig struct {
	TariffPerKWh         float64 `koanf:"tariff_per_kwh"`
	EmissionFactor       float64 `koanf:"emission_factor"`
	TreeAbsorptionKgYear float64 `koanf:"tree_absorption_kg_year"`
	SystemCost           float64 `koanf:"system_cost"`
}

// ReportConfig controls extraction behavior and output.
type ReportConfig struct {
	MeanSunHours     float64 `koanf:"mean_sun_hours"`
	CapacityMWCutoff float64 `koanf:"capacity_mw_cutoff"`
	IncludeDaily     bool    `koanf:"include_daily"`
	Compare          bool    `koanf:"compare"`
	OutputDir        string  `koanf:"output_dir"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Pretty bool   `koanf:"pretty"`
}

// StationConfig names one plant to report on.
type StationConfig struct {
	Code        string  `koanf:"code"`
	Name        string  `koanf:"name"`
	CapacityKWp float64 `koanf:"capacity_kwp"`
}

func defaultConfig() Config {
	return Config{
		API: APIConfig{
			CredentialMode: "sha256",
			TokenTTL:       25 * time.Minute,
			Timeout:        30 * time.Second,
		},
		Cache: CacheConfig{
			Dir:     ".cache",
			TTL:     24 * time.Hour,
			Enabled: true,
		},
		Metrics: MetricsConfig{
			TariffPerKWh:         0.887,
			EmissionFactor:       0.0817,
			TreeAbsorptionKgYear: 163.0,
		},
		Report: ReportConfig{
			MeanSunHours:     4.5,
			CapacityMWCutoff: 100,
			IncludeDaily:     true,
			Compare:          true,
			OutputDir:        "reports",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from defaults, an optional YAML file and the
// environment, in ascending precedence. An empty path triggers a search
// of the default locations; a missing file is not an error there, but an
// explicitly named file must exist.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// SOLREPORT_API_BASE_URL -> api.base_url; the first underscore
	// after the prefix separates section from key.
	if err := k.Load(env.Provider(EnvPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envTransform(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.Replace(s, "_", ".", 1)
}

func findConfigFile() string {
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.API.Username == "" {
		return fmt.Errorf("api.username is required")
	}
	if c.API.Password == "" {
		return fmt.Errorf("api.password is required")
	}
	switch c.API.CredentialMode {
	case "sha256", "plain":
	default:
		return fmt.Errorf("api.credential_mode must be sha256 or plain, got %q", c.API.CredentialMode)
	}
	if c.API.TokenTTL <= 0 {
		return fmt.Errorf("api.token_ttl must be positive")
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive")
	}
	if c.Metrics.TariffPerKWh <= 0 {
		return fmt.Errorf("metrics.tariff_per_kwh must be positive")
	}
	if c.Metrics.EmissionFactor <= 0 {
		return fmt.Errorf("metrics.emission_factor must be positive")
	}
	if c.Metrics.SystemCost < 0 {
		return fmt.Errorf("metrics.system_cost cannot be negative")
	}
	if c.Report.MeanSunHours <= 0 {
		return fmt.Errorf("report.mean_sun_hours must be positive")
	}
	for i, s := range c.Stations {
		if s.Code == "" {
			return fmt.Errorf("stations[%d].code is required", i)
		}
	}
	return nil
}
