package files

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindUp(t *testing.T) {
	root := t.TempDir()
	deep := filepath.Join(root, "a", "b", "c")
	require.NoError(t, os.MkdirAll(deep, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", "conf.yaml"), nil, 0o644))
	// a directory with the same name does not count
	require.NoError(t, os.Mkdir(filepath.Join(root, "a", "b", "conf.yaml"), 0o755))

	found, err := FindUp("conf.yaml", deep)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "a", "conf.yaml"), found)

	found, err = FindUp("missing-file-name.yaml", deep)
	require.NoError(t, err)
	assert.Empty(t, found)
}
