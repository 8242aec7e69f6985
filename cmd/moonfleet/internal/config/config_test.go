package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFlagsOverrideEnv(t *testing.T) {
	t.Setenv("MOONBOT_MODE", "local")
	t.Setenv("MOONBOT_WORKERS", "3")

	cfg := DefaultConfig()
	fs := NewConfigFlagSet(&cfg)
	require.NoError(t, fs.Parse([]string{"--mode=server"}))
	require.NoError(t, ApplyEnvDefaults(fs, &cfg))

	require.Equal(t, "server", cfg.Mode, "explicit flag wins over env")
	require.Equal(t, 3, cfg.Workers, "env fills unset flags")
}

func TestEnvDurationAndBool(t *testing.T) {
	t.Setenv("MOONBOT_PROBE_INTERVAL", "90s")
	t.Setenv("MOONBOT_LOG_JSON", "true")

	cfg := DefaultConfig()
	fs := NewConfigFlagSet(&cfg)
	require.NoError(t, fs.Parse(nil))
	require.NoError(t, ApplyEnvDefaults(fs, &cfg))

	require.Equal(t, 90*time.Second, cfg.ProbeInterval)
	require.True(t, cfg.LogJSON)
}

func TestEnvParseErrorSurfaces(t *testing.T) {
	t.Setenv("MOONBOT_QUEUE_SIZE", "not-a-number")

	cfg := DefaultConfig()
	fs := NewConfigFlagSet(&cfg)
	require.NoError(t, fs.Parse(nil))
	require.Error(t, ApplyEnvDefaults(fs, &cfg))
}

func TestValidateConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, ValidateConfig(cfg))

	bad := cfg
	bad.Mode = "hybrid"
	require.ErrorContains(t, ValidateConfig(bad), "mode")

	bad = cfg
	bad.UDPMaxCommandBytes = 1 << 20
	require.ErrorContains(t, ValidateConfig(bad), "udp-max-command-bytes")

	bad = cfg
	bad.LogLevel = "loud"
	require.ErrorContains(t, ValidateConfig(bad), "log-level")
}
