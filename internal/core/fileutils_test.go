package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomic_OsFs(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "nginx.conf")

	require.NoError(t, WriteFileAtomic(afero.NewOsFs(), path, []byte("first"), 0644))
	require.NoError(t, WriteFileAtomic(afero.NewOsFs(), path, []byte("second"), 0644))

	// #nosec G304 -- path is constructed from test temp directory, safe
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	entries, err := os.ReadDir(tmpDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files should not be left behind")
}

func TestWriteFileAtomic_ReadOnlyFs(t *testing.T) {
	fsys := afero.NewReadOnlyFs(afero.NewMemMapFs())

	err := WriteFileAtomic(fsys, "/etc/nginx/nginx.conf", []byte("data"), 0644)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create temp file")
}

func TestWriteFileAtomic_MissingDirectory(t *testing.T) {
	fsys := afero.NewOsFs()
	path := filepath.Join(t.TempDir(), "missing", "file.json")

	err := WriteFileAtomic(fsys, path, []byte("{}"), 0644)
	require.Error(t, err)
}
