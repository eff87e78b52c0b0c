package core

import (
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/spf13/afero"
)

// WriteFileAtomic writes data to a temp file next to path and renames it into place,
// so readers never observe a partially written file.
func WriteFileAtomic(fsys afero.Fs, path string, data []byte, perm fs.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := afero.TempFile(fsys, dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		LogDeferredError(tmp.Close)
		LogDeferredError(func() error { return fsys.Remove(tmpName) })
		return fmt.Errorf("failed to write temp file %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		LogDeferredError(func() error { return fsys.Remove(tmpName) })
		return fmt.Errorf("failed to close temp file %s: %w", tmpName, err)
	}
	if err := fsys.Chmod(tmpName, perm); err != nil {
		LogDeferredError(func() error { return fsys.Remove(tmpName) })
		return fmt.Errorf("failed to chmod temp file %s: %w", tmpName, err)
	}
	if err := fsys.Rename(tmpName, path); err != nil {
		LogDeferredError(func() error { return fsys.Remove(tmpName) })
		return fmt.Errorf("failed to rename %s to %s: %w", tmpName, path, err)
	}
	return nil
}
