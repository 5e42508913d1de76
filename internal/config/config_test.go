package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsWithNoFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, 8888, cfg.Server.TCP.Port)
	require.Equal(t, "0.0.0.0", cfg.Server.TCP.BindAddress)
	require.Equal(t, 9090, cfg.Server.HTTPPort)
	require.Equal(t, 30, cfg.Reconciler.IntervalSeconds)
	require.Equal(t, "info", cfg.Log.Level)
}

func TestLoadParsesFileAndOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `server:
  tcp:
    port: 9999
log:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9999, cfg.Server.TCP.Port)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, 9090, cfg.Server.HTTPPort) // still defaulted
}

func TestLoadEnvOverridesTakePrecedence(t *testing.T) {
	t.Setenv("BOTCORE_TCP_PORT", "7777")
	t.Setenv("BOTCORE_LOG_LEVEL", "warn")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 7777, cfg.Server.TCP.Port)
	require.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadRejectsInvalidPort(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  tcp:\n    port: 70000\n"), 0o644))
	_, err := Load(path)
	require.Error(t, err)
}

func TestDemoModeReadsEnv(t *testing.T) {
	require.False(t, DemoMode())
	t.Setenv("BOTCORE_DEMO_MODE", "true")
	require.True(t, DemoMode())
}
