package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, err)

	assert.Equal(t, 100, cfg.Priority)
	assert.Equal(t, 8420, cfg.HTTPPort)
	assert.Equal(t, 4243, cfg.UDPPort)
	assert.True(t, cfg.UDPEnabled)
	assert.True(t, cfg.AutoStartAgent)
	assert.False(t, cfg.NodeStopped)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg := Default()
	cfg.SyncRoot = "/mnt/farm"
	cfg.Tags = []string{"gpu", "leader"}
	cfg.NodeStopped = true
	cfg.Priority = 10

	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoadAppliesDefaultsToPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"sync_root":"/mnt/farm"}`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/mnt/farm", cfg.SyncRoot)
	assert.Equal(t, 8420, cfg.HTTPPort)
	assert.Equal(t, 100, cfg.Priority)
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{nope"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}
