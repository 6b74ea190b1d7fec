// Package config loads and validates all runtime configuration for the
// gateway process.
//
// Configuration is read from environment variables (preferred for
// containers), a .env file, or a config.yaml file in the working directory.
// Environment variables take precedence over the YAML file. Model and
// backend routing configuration itself is NOT part of this package — that
// lives in the Config Registry, seeded and hot-reloaded independently.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/nulpointcorp/modelgate/internal/instanceid"
)

// Config is the top-level process configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 51818.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	LogLevel string

	// InstanceID uniquely identifies this process for concurrency tracking
	// and affinity bookkeeping. From INSTANCE_ID if set, otherwise a random
	// UUID generated once at startup.
	InstanceID string

	// AdminAPIKeys is the comma-separated admin secret list (ADMIN_APIKEYS).
	// Empty disables admin auth entirely.
	AdminAPIKeys string

	// EnableMetrics disables the Metrics Store pipeline when false; load
	// balancer strategies that require it then fail with a configuration
	// error instead of routing on zero-valued stats.
	EnableMetrics bool

	// RedisURL is the connection string for the Active-Request Store, the
	// Affinity Manager, and Config Registry change notifications. Empty
	// falls back to in-memory backends, valid only for a single instance.
	RedisURL string

	// ClickhouseDSN, when set, enables historical metrics persistence beyond
	// the in-memory ring.
	ClickhouseDSN string

	// MetricsRetentionMinutes bounds how much history the in-memory ring
	// keeps for GetStats/GetAllStats. Default: 60.
	MetricsRetentionMinutes int

	// CORSOrigins is the list of allowed CORS origins. ["*"] allows any.
	CORSOrigins []string
}

// Load reads configuration from environment variables and (optionally) from
// .env and config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("PORT", 51818)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("ENABLE_METRICS", true)
	v.SetDefault("CORS_ORIGINS", []string{"*"})
	v.SetDefault("METRICS_RETENTION_MINUTES", 60)

	var corsOrigins []string
	for _, o := range v.GetStringSlice("CORS_ORIGINS") {
		for _, p := range strings.Split(o, ",") {
			if p = strings.TrimSpace(p); p != "" {
				corsOrigins = append(corsOrigins, p)
			}
		}
	}

	cfg := &Config{
		Port:                    v.GetInt("PORT"),
		LogLevel:                strings.ToLower(v.GetString("LOG_LEVEL")),
		InstanceID:              instanceid.Resolve(),
		AdminAPIKeys:            v.GetString("ADMIN_APIKEYS"),
		EnableMetrics:           v.GetBool("ENABLE_METRICS"),
		RedisURL:                v.GetString("REDIS_URL"),
		ClickhouseDSN:           v.GetString("CLICKHOUSE_DSN"),
		MetricsRetentionMinutes: v.GetInt("METRICS_RETENTION_MINUTES"),
		CORSOrigins:             corsOrigins,
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid PORT %d", c.Port)
	}
	if c.MetricsRetentionMinutes <= 0 {
		return fmt.Errorf("config: METRICS_RETENTION_MINUTES must be > 0, got %d", c.MetricsRetentionMinutes)
	}
	return nil
}

// Addr returns the listen address in ":port" form.
func (c *Config) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
