package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/streamloft/agentgate/internal/isolation"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	require.Equal(t, 8000, cfg.Server.Port)
	require.Equal(t, "info", cfg.Server.LogLevel)
	require.Equal(t, "agentgate", cfg.Auth.JWT.Issuer)
	require.Equal(t, 15*time.Minute, cfg.Auth.JWT.TTL)
	require.Equal(t, 5, cfg.Isolation.MaxManagersPerUser)
	require.Equal(t, 30*time.Minute, cfg.Isolation.ConnectionTimeout)
	require.Equal(t, "moderate", cfg.Isolation.CleanupMode)
	require.Equal(t, time.Second, cfg.Isolation.ProbeTimeout)
	require.Equal(t, 100, cfg.Isolation.RecoveryQueueSize)
	require.Equal(t, "@every 1m", cfg.Isolation.SweepSchedule)
	require.False(t, cfg.Isolation.EvictOldestOnSaturation)
	require.True(t, cfg.Monitoring.Prometheus.Enabled)
	require.Equal(t, "/metrics", cfg.Monitoring.Prometheus.Endpoint)
}

func TestLoadConfigFromFile(t *testing.T) {
	cfg, err := LoadConfig("testdata")
	require.NoError(t, err)

	require.Equal(t, 9100, cfg.Server.Port)
	require.Equal(t, "debug", cfg.Server.LogLevel)
	require.Equal(t, "unit-test-secret", cfg.Auth.JWT.Secret)
	require.Equal(t, 5*time.Minute, cfg.Auth.JWT.TTL)
	require.Equal(t, 3, cfg.Isolation.MaxManagersPerUser)
	require.Equal(t, 10*time.Minute, cfg.Isolation.ConnectionTimeout)
	require.Equal(t, "aggressive", cfg.Isolation.CleanupMode)
	require.Equal(t, 2*time.Second, cfg.Isolation.ProbeTimeout)
	require.Equal(t, 25, cfg.Isolation.RecoveryQueueSize)
	require.Equal(t, "@every 30s", cfg.Isolation.SweepSchedule)
	require.True(t, cfg.Isolation.EvictOldestOnSaturation)
	require.False(t, cfg.Monitoring.Prometheus.Enabled)

	require.NoError(t, cfg.Validate())
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("AGENTGATE_SERVER_PORT", "9999")
	t.Setenv("AGENTGATE_AUTH_JWT_SECRET", "env-secret")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, 9999, cfg.Server.Port)
	require.Equal(t, "env-secret", cfg.Auth.JWT.Secret)
}

func TestConfigValidate(t *testing.T) {
	cfg, err := LoadConfig("testdata")
	require.NoError(t, err)

	require.NoError(t, cfg.Validate())

	cfg.Isolation.CleanupMode = "reckless"
	require.Error(t, cfg.Validate())

	cfg.Isolation.CleanupMode = "moderate"
	cfg.Auth.JWT.Secret = "  "
	require.Error(t, cfg.Validate())
}

func TestFactoryConfigConversion(t *testing.T) {
	settings := IsolationConfig{
		MaxManagersPerUser:      7,
		ConnectionTimeout:       time.Hour,
		CleanupMode:             " Aggressive ",
		ProbeTimeout:            3 * time.Second,
		RecoveryQueueSize:       50,
		EvictOldestOnSaturation: true,
	}

	fc := settings.FactoryConfig()
	require.Equal(t, 7, fc.MaxManagersPerUser)
	require.Equal(t, time.Hour, fc.ConnectionTimeout)
	require.Equal(t, isolation.CleanupAggressive, fc.CleanupMode)
	require.Equal(t, 3*time.Second, fc.ProbeTimeout)
	require.Equal(t, 50, fc.RecoveryQueueSize)
	require.True(t, fc.EvictOldestOnSaturation)
}
