// Package config provides configuration management for Vortex.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pentoshi007/vortex/internal/enrichment"
	"github.com/pentoshi007/vortex/internal/feed"
	"github.com/pentoshi007/vortex/internal/observability"
	"github.com/pentoshi007/vortex/internal/pipeline"
	"github.com/pentoshi007/vortex/internal/quota"
	"github.com/pentoshi007/vortex/internal/scheduler"
	"github.com/pentoshi007/vortex/internal/store"
)

// Config holds all Vortex configuration.
type Config struct {
	Server     ServerConfig                `yaml:"server"`
	Redis      store.Config                `yaml:"redis"`
	Feed       feed.URLHausConfig          `yaml:"feed"`
	Providers  ProvidersConfig             `yaml:"providers"`
	Ingestion  pipeline.IngestionConfig    `yaml:"ingestion"`
	Enrichment pipeline.EnrichmentConfig   `yaml:"enrichment"`
	Scheduler  scheduler.Config            `yaml:"scheduler"`
	Logging    observability.LoggingConfig `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ProvidersConfig holds reputation provider settings.
type ProvidersConfig struct {
	VirusTotal ProviderConfig `yaml:"virustotal"`
	AbuseIPDB  ProviderConfig `yaml:"abuseipdb"`
}

// ProviderConfig holds one provider's client settings and quota caps.
type ProviderConfig struct {
	enrichment.ProviderConfig `yaml:",inline"`

	// MaxPerMinute of zero means the provider has no minute-level cap.
	MaxPerMinute int `yaml:"max_per_minute"`
	MaxPerDay    int `yaml:"max_per_day"`
}

// Limits converts the yaml caps to quota limits.
func (p ProviderConfig) Limits() quota.Limits {
	return quota.Limits{MaxPerMinute: p.MaxPerMinute, MaxPerDay: p.MaxPerDay}
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults sized for free-tier provider
// quotas.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Redis: store.DefaultConfig(),
		Feed:  feed.DefaultURLHausConfig(),
		Providers: ProvidersConfig{
			VirusTotal: ProviderConfig{
				ProviderConfig: enrichment.DefaultVirusTotalConfig(),
				MaxPerMinute:   4, // Free tier
				MaxPerDay:      500,
			},
			AbuseIPDB: ProviderConfig{
				ProviderConfig: enrichment.DefaultAbuseIPDBConfig(),
				MaxPerDay:      1000,
			},
		},
		Ingestion:  pipeline.DefaultIngestionConfig(),
		Enrichment: pipeline.DefaultEnrichmentConfig(),
		Scheduler:  scheduler.DefaultConfig(),
		Logging: observability.LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// EnabledProviders returns a list of enabled reputation providers.
func (c *Config) EnabledProviders() []string {
	var providers []string
	if c.Providers.VirusTotal.Enabled {
		providers = append(providers, "virustotal")
	}
	if c.Providers.AbuseIPDB.Enabled {
		providers = append(providers, "abuseipdb")
	}
	return providers
}
