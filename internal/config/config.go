// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/reflib/refharvest/internal/assets"
	"github.com/reflib/refharvest/internal/enrich"
	"github.com/reflib/refharvest/internal/pipeline"
	"github.com/reflib/refharvest/internal/render"
	"github.com/reflib/refharvest/internal/storage/gcs"
	"github.com/reflib/refharvest/internal/storage/local"
	"github.com/reflib/refharvest/internal/store"
	"github.com/reflib/refharvest/internal/webfetch"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Render    RenderConfig    `mapstructure:"render"`
	Collector CollectorConfig `mapstructure:"collector"`
	Fetch     webfetch.Config `mapstructure:"fetch"`
	Pipeline  pipeline.Config `mapstructure:"pipeline"`
	Enrich    enrich.Config   `mapstructure:"enrich"`
	Assets    assets.Config   `mapstructure:"assets"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Store     store.Config    `mapstructure:"store"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// RenderConfig configures the headless rendering subsystem.
type RenderConfig struct {
	UserAgent      string  `mapstructure:"user_agent"`
	NavTimeoutSec  int     `mapstructure:"nav_timeout_seconds"`
	WaitTimeoutSec int     `mapstructure:"wait_timeout_seconds"`
	MaxParallel    int     `mapstructure:"max_parallel"`
	DomainQPS      float64 `mapstructure:"domain_qps"`
}

// ToRender converts the on-disk shape into the renderer's config.
func (c RenderConfig) ToRender() render.Config {
	return render.Config{
		UserAgent:      c.UserAgent,
		NavTimeout:     time.Duration(c.NavTimeoutSec) * time.Second,
		WaitTimeout:    time.Duration(c.WaitTimeoutSec) * time.Second,
		MaxConcurrency: c.MaxParallel,
		DomainQPS:      c.DomainQPS,
	}
}

// CollectorConfig governs reference extraction and snapshot persistence.
type CollectorConfig struct {
	ContainerSelectors []string `mapstructure:"container_selectors"`
	SnapshotEnabled    bool     `mapstructure:"snapshot_enabled"`
}

// Storage providers selectable via storage.provider.
const (
	ProviderNoop  = "noop"
	ProviderLocal = "local"
	ProviderGCS   = "gcs"
)

// StorageConfig selects and configures the blob store backing snapshots.
type StorageConfig struct {
	Provider string       `mapstructure:"provider"`
	Local    local.Config `mapstructure:"local"`
	GCS      gcs.Config   `mapstructure:"gcs"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("REFHARVEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("render.user_agent", "refharvest/1.0")
	v.SetDefault("render.nav_timeout_seconds", 25)
	v.SetDefault("render.wait_timeout_seconds", 10)
	v.SetDefault("render.max_parallel", 2)
	v.SetDefault("render.domain_qps", 1.0)
	v.SetDefault("collector.snapshot_enabled", false)
	v.SetDefault("fetch.user_agent", "refharvest/1.0")
	v.SetDefault("fetch.request_timeout", "20s")
	v.SetDefault("fetch.concurrency", 4)
	v.SetDefault("fetch.rate_limit_per_domain", 2)
	v.SetDefault("pipeline.resolve_concurrency", 4)
	v.SetDefault("enrich.concurrency", 4)
	v.SetDefault("enrich.crossref.base_url", "https://api.crossref.org")
	v.SetDefault("enrich.crossref.user_agent", "refharvest/1.0")
	v.SetDefault("enrich.crossref.timeout", "15s")
	v.SetDefault("enrich.unpaywall.base_url", "https://api.unpaywall.org")
	v.SetDefault("enrich.unpaywall.timeout", "15s")
	v.SetDefault("assets.dest_dir", "assets")
	v.SetDefault("assets.concurrency", 5)
	v.SetDefault("assets.max_attempts", 3)
	v.SetDefault("assets.timeout", "60s")
	v.SetDefault("assets.user_agent", "refharvest/1.0")
	v.SetDefault("storage.provider", ProviderNoop)
	v.SetDefault("storage.local.base_dir", "snapshots")
	v.SetDefault("store.base_dir", "data")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Render.MaxParallel <= 0 {
		return fmt.Errorf("render.max_parallel must be > 0")
	}
	if c.Fetch.Concurrency <= 0 {
		return fmt.Errorf("fetch.concurrency must be > 0")
	}
	if c.Pipeline.ResolveConcurrency <= 0 {
		return fmt.Errorf("pipeline.resolve_concurrency must be > 0")
	}
	if c.Assets.Concurrency <= 0 {
		return fmt.Errorf("assets.concurrency must be > 0")
	}
	switch c.Storage.Provider {
	case ProviderNoop, ProviderLocal:
	case ProviderGCS:
		if c.Storage.GCS.Bucket == "" {
			return fmt.Errorf("storage.gcs.bucket must be set when provider is %q", ProviderGCS)
		}
	default:
		return fmt.Errorf("unknown storage provider %q", c.Storage.Provider)
	}
	return nil
}
