package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grpclite/grpclite/config"
)

func TestDefaultServerConfig(t *testing.T) {
	cfg := config.DefaultServerConfig()
	assert.Equal(t, ":8081", cfg.Address)
	assert.Equal(t, uint32(100), cfg.MaxConcurrentStreams)
}

func TestLoadServerConfigOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte("address: :9090\nmaxConcurrentStreams: 50\n"), 0o644))

	cfg, err := config.LoadServerConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Address)
	assert.Equal(t, uint32(50), cfg.MaxConcurrentStreams)
	assert.Equal(t, uint32(4<<20), cfg.MaxReceiveMessageSize)
}

func TestLoadServerConfigMissingFile(t *testing.T) {
	_, err := config.LoadServerConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadDialConfigOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dial.yaml")
	require.NoError(t, os.WriteFile(path, []byte("authority: example.test\n"), 0o644))

	cfg, err := config.LoadDialConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "example.test", cfg.Authority)
	assert.Equal(t, "grpclite/0.1", cfg.UserAgent)
}
