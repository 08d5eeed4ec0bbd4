package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
server:
  addr: 0.0.0.0:8080
webrtc:
  ring_timeout: 45s
logger:
  level: debug
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr)
	assert.Equal(t, 45*time.Second, cfg.WebRTC.RingTimeout)
	assert.Equal(t, "debug", cfg.Logger.Level)
	// untouched sections keep their defaults
	assert.Equal(t, "mongodb://localhost:27017", cfg.Mongo.URI)
	assert.Len(t, cfg.WebRTC.STUNServers, 2)
}

func TestLoad_RejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  jwt_secret: \"\"\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}
