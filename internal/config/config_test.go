package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsWithNoConfigFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, "./.workflow_states", cfg.StateDir)
	assert.False(t, cfg.SkipVersionCheck)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.True(t, cfg.NATS.Embedded)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("LOOM_STATE_DIR", "/var/run/loom-state")
	t.Setenv("LOOM_DEBUG", "true")

	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, "/var/run/loom-state", cfg.StateDir)
	assert.True(t, cfg.Debug)
}

func TestLoadConfigFileOverridesDefaultsButNotEnv(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/loom.yaml"
	require.NoError(t, os.WriteFile(path, []byte("state_dir: /from/file\nlog_level: debug\n"), 0o644))
	t.Setenv("LOOM_LOG_LEVEL", "warn")

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "/from/file", cfg.StateDir)
	assert.Equal(t, "warn", cfg.LogLevel)
}
