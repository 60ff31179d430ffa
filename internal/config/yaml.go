package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/keygatehq/keygate/internal/model"
)

// YAMLConfig represents the top-level keygate configuration file.
type YAMLConfig struct {
	Server   ServerConfig   `yaml:"server"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Auth     AuthConfig     `yaml:"auth"`
	Database DatabaseConfig `yaml:"database"`
	Plans    []PlanYAML     `yaml:"plans"`
	Quota    QuotaConfig    `yaml:"quota"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DatabaseConfig selects the credential store backend. When DSN is empty the
// store falls back to a SQLite database under the data directory.
type DatabaseConfig struct {
	// Driver is "sqlite" or "pgx".
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// ServerConfig controls the HTTP server behavior.
type ServerConfig struct {
	Host            string     `yaml:"host"`
	Port            int        `yaml:"port"`
	ShutdownTimeout string     `yaml:"shutdown_timeout"`
	CORS            CORSConfig `yaml:"cors"`
}

// CORSConfig controls cross-origin resource sharing settings.
type CORSConfig struct {
	Origins []string `yaml:"origins"`
	Methods []string `yaml:"methods"`
}

// UpstreamConfig controls the data API the gateway proxies to.
type UpstreamConfig struct {
	BaseURL string `yaml:"base_url"`
	// Timeout bounds a single forwarded request end to end.
	Timeout string `yaml:"timeout"`
	// AuthHeader/AuthToken are injected on outbound requests. The caller's
	// key header is always stripped unless ForwardClientKey is set.
	AuthHeader       string `yaml:"auth_header"`
	AuthToken        string `yaml:"auth_token"`
	ForwardClientKey bool   `yaml:"forward_client_key"`
}

// AuthConfig controls authentication settings.
type AuthConfig struct {
	JWTSecret    string `yaml:"jwt_secret"`
	JWTExpiry    string `yaml:"jwt_expiry"`
	APIKeyHeader string `yaml:"api_key_header"`
	// WorkspaceSalt seeds workspace derivation. When empty, a salt is
	// generated once and persisted in the settings table so workspace ids
	// stay stable across restarts.
	WorkspaceSalt string `yaml:"workspace_salt"`
}

// PlanYAML defines one plan catalog entry in the configuration file.
type PlanYAML struct {
	Name        string `yaml:"name"`
	Label       string `yaml:"label"`
	Description string `yaml:"description"`
	LimitPerMin int    `yaml:"limit_per_min"`
}

// QuotaConfig controls the quota engine.
type QuotaConfig struct {
	// Window is the fixed accounting window, e.g. "1m". Windows are
	// wall-clock aligned, not sliding.
	Window string `yaml:"window"`
	// PublicRatePerMin caps unauthenticated endpoints (plan catalog,
	// health) per client IP.
	PublicRatePerMin int `yaml:"public_rate_per_min"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadYAMLConfig reads and parses a YAML configuration file. Environment
// variables referenced as ${VAR_NAME} in the file are expanded before parsing.
func LoadYAMLConfig(path string) (*YAMLConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables: ${VAR_NAME}
	content := os.ExpandEnv(string(data))

	var cfg YAMLConfig
	if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return &cfg, nil
}

// DefaultYAMLConfig returns a YAMLConfig pre-filled with sensible defaults.
func DefaultYAMLConfig() *YAMLConfig {
	return &YAMLConfig{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8010,
			ShutdownTimeout: "30s",
			CORS: CORSConfig{
				Origins: []string{"*"},
				Methods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			},
		},
		Upstream: UpstreamConfig{
			BaseURL:    "http://127.0.0.1:8000",
			Timeout:    "5m",
			AuthHeader: "Authorization",
		},
		Auth: AuthConfig{
			JWTExpiry:    "24h",
			APIKeyHeader: "X-API-Key",
		},
		Plans:   DefaultPlanCatalogYAML(),
		Quota:   QuotaConfig{Window: "1m", PublicRatePerMin: 120},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// DefaultPlanCatalogYAML returns the built-in plan catalog used when the
// configuration file is absent or carries no plans section.
func DefaultPlanCatalogYAML() []PlanYAML {
	plans := model.Plans()
	out := make([]PlanYAML, len(plans))
	for i, p := range plans {
		out[i] = PlanYAML{
			Name:        p.String(),
			Label:       p.String(),
			LimitPerMin: p.DefaultLimit(),
		}
	}
	return out
}

// PlanCatalog converts the configured plans into the public catalog payload.
// Entries naming unrecognized plans are dropped; an empty or fully invalid
// section falls back to the built-in defaults.
func (c *YAMLConfig) PlanCatalog() []model.PlanCatalogEntry {
	src := c.Plans
	if len(src) == 0 {
		src = DefaultPlanCatalogYAML()
	}

	out := make([]model.PlanCatalogEntry, 0, len(src))
	for _, p := range src {
		plan, err := model.ParsePlan(p.Name)
		if err != nil {
			continue
		}
		limit := p.LimitPerMin
		if limit <= 0 {
			limit = plan.DefaultLimit()
		}
		label := p.Label
		if label == "" {
			label = plan.String()
		}
		out = append(out, model.PlanCatalogEntry{
			Name:        plan.String(),
			Label:       label,
			Description: p.Description,
			LimitPerMin: limit,
		})
	}
	if len(out) == 0 {
		for _, p := range DefaultPlanCatalogYAML() {
			out = append(out, model.PlanCatalogEntry{
				Name:        p.Name,
				Label:       p.Label,
				LimitPerMin: p.LimitPerMin,
			})
		}
	}
	return out
}

// WriteDefaultConfig writes the default configuration to a YAML file.
func WriteDefaultConfig(path string) error {
	cfg := DefaultYAMLConfig()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
