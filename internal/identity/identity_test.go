package identity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreate_ReturnsConfiguredIDUnchanged(t *testing.T) {
	id, err := LoadOrCreate(t.TempDir(), "configured-id")
	require.NoError(t, err)
	assert.Equal(t, "configured-id", id)
}

func TestLoadOrCreate_GeneratesAndPersistsOnFirstUse(t *testing.T) {
	dir := t.TempDir()
	id, err := LoadOrCreate(dir, "")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	data, err := os.ReadFile(filepath.Join(dir, idFileName))
	require.NoError(t, err)
	assert.Equal(t, id, string(data))
}

func TestLoadOrCreate_ReusesPersistedIDAcrossCalls(t *testing.T) {
	dir := t.TempDir()
	first, err := LoadOrCreate(dir, "")
	require.NoError(t, err)

	second, err := LoadOrCreate(dir, "")
	require.NoError(t, err)

	assert.Equal(t, first, second)
}
