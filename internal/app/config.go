package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/streamloft/agentgate/internal/isolation"
)

// Config represents the runtime configuration for the agentgate backend.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Isolation  IsolationConfig  `mapstructure:"isolation"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`
}

// AuthConfig captures token verification settings.
type AuthConfig struct {
	JWT JWTSettings `mapstructure:"jwt"`
}

// JWTSettings configures JWT access token verification.
type JWTSettings struct {
	Secret string        `mapstructure:"secret"`
	Issuer string        `mapstructure:"issuer"`
	TTL    time.Duration `mapstructure:"access_token_ttl"`
}

// IsolationConfig controls the per-user manager factory.
type IsolationConfig struct {
	MaxManagersPerUser      int           `mapstructure:"max_managers_per_user"`
	ConnectionTimeout       time.Duration `mapstructure:"connection_timeout"`
	CleanupMode             string        `mapstructure:"cleanup_mode"`
	ProbeTimeout            time.Duration `mapstructure:"probe_timeout"`
	RecoveryQueueSize       int           `mapstructure:"recovery_queue_size"`
	SweepSchedule           string        `mapstructure:"sweep_schedule"`
	EvictOldestOnSaturation bool          `mapstructure:"evict_oldest_on_saturation"`
}

// FactoryConfig converts the isolation settings into factory parameters.
func (c IsolationConfig) FactoryConfig() isolation.FactoryConfig {
	return isolation.FactoryConfig{
		MaxManagersPerUser:      c.MaxManagersPerUser,
		ConnectionTimeout:       c.ConnectionTimeout,
		CleanupMode:             isolation.CleanupMode(strings.TrimSpace(strings.ToLower(c.CleanupMode))),
		ProbeTimeout:            c.ProbeTimeout,
		RecoveryQueueSize:       c.RecoveryQueueSize,
		EvictOldestOnSaturation: c.EvictOldestOnSaturation,
	}
}

// MonitoringConfig enables health checks and metrics.
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Health     HealthConfig     `mapstructure:"health_check"`
}

// PrometheusConfig toggles metrics endpoints.
type PrometheusConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// HealthConfig toggles health endpoints.
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// LoadConfig initialises application configuration using Viper with sensible defaults.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.NewWithOptions(viper.ExperimentalBindStruct())
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("./config")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	setDefaults(v)

	v.SetEnvPrefix("AGENTGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return &config, nil
}

// Validate checks settings that have no usable fallback.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Auth.JWT.Secret) == "" {
		return errors.New("config: auth.jwt.secret is required")
	}

	switch strings.ToLower(strings.TrimSpace(c.Isolation.CleanupMode)) {
	case "", string(isolation.CleanupModerate), string(isolation.CleanupAggressive):
	default:
		return fmt.Errorf("config: unknown isolation.cleanup_mode %q", c.Isolation.CleanupMode)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.log_level", "info")

	v.SetDefault("auth.jwt.issuer", "agentgate")
	v.SetDefault("auth.jwt.access_token_ttl", "15m")

	v.SetDefault("isolation.max_managers_per_user", 5)
	v.SetDefault("isolation.connection_timeout", "30m")
	v.SetDefault("isolation.cleanup_mode", "moderate")
	v.SetDefault("isolation.probe_timeout", "1s")
	v.SetDefault("isolation.recovery_queue_size", 100)
	v.SetDefault("isolation.sweep_schedule", "@every 1m")
	v.SetDefault("isolation.evict_oldest_on_saturation", false)

	v.SetDefault("monitoring.prometheus.enabled", true)
	v.SetDefault("monitoring.prometheus.endpoint", "/metrics")
	v.SetDefault("monitoring.health_check.enabled", true)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
