package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ppcache.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store_path: /tmp/x.db
workers: 8
pause_backoff: 10ms
api:
  client_id: "123"
  download_missing: true
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x.db", cfg.StorePath)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, 10*time.Millisecond, cfg.PauseBackoff)
	assert.Equal(t, "123", cfg.API.ClientID)
	assert.True(t, cfg.API.DownloadMissing)
	// untouched keys keep their defaults
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "https://osu.ppy.sh", cfg.API.BaseURL)
}

func TestLoadWithoutFileUsesDefaultsAndEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PPCACHE_WORKERS", "3")
	t.Setenv("PPCACHE_API_CLIENT_SECRET", "s3cret")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, "s3cret", cfg.API.ClientSecret)
	assert.Equal(t, Default().SongsDir, cfg.SongsDir)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.Workers = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.LogLevel = "loud"
	assert.Error(t, cfg.Validate())
}
