package identity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreatePersists(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreate(dir)
	require.NoError(t, err)
	_, err = uuid.Parse(first.NodeID)
	assert.NoError(t, err)
	assert.NotEmpty(t, first.Hostname)
	assert.Positive(t, first.CPUCores)

	// Second load returns the same id.
	second, err := LoadOrCreate(dir)
	require.NoError(t, err)
	assert.Equal(t, first.NodeID, second.NodeID)
}

func TestLoadOrCreateTrimsWhitespace(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "node_id"), []byte("  my-node \n"), 0644))

	id, err := LoadOrCreate(dir)
	require.NoError(t, err)
	assert.Equal(t, "my-node", id.NodeID)
}

func TestLoadOrCreateRejectsEmptyFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "node_id"), []byte("\n"), 0644))

	_, err := LoadOrCreate(dir)
	assert.Error(t, err)
}
