package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_ParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
logging:
  debug_mode: true
  level: debug
  categories:
    fetch: false
execution:
  allowed_binaries: ["ninja", "cmake"]
  allowed_env_vars: ["CC"]
cache:
  root_override: /srv/envy-cache
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Logging.DebugMode)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.False(t, cfg.Logging.IsCategoryEnabled("fetch"))
	assert.True(t, cfg.Logging.IsCategoryEnabled("build"))
	assert.Equal(t, []string{"ninja", "cmake"}, cfg.Execution.AllowedBinaries)
	assert.Equal(t, "/srv/envy-cache", cfg.Cache.RootOverride)
}
