// Package atomicfile writes files so that readers never observe a partial
// update. The daemon uses it for everything it persists outside the database:
// the price-cache snapshot, the migrated config, and config backups. A crash
// mid-write leaves either the old content or the new content on disk, never a
// torn mix.
package atomicfile

import (
	"fmt"
	"os"
	"path/filepath"
)

// Write replaces the file at path with data. The bytes are staged in a
// sibling temp file, synced, chmodded to perm, and renamed over the target.
// Rename within one directory is atomic on every platform we build for, so a
// concurrent reader sees exactly one version. On any failure the staged file
// is removed and the target is left untouched.
func Write(path string, data []byte, perm os.FileMode) error {
	staged, err := stage(path, data)
	if err != nil {
		return err
	}
	if err := os.Chmod(staged, perm); err != nil {
		os.Remove(staged)
		return fmt.Errorf("chmod %s: %w", staged, err)
	}
	if err := os.Rename(staged, path); err != nil {
		os.Remove(staged)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

// stage writes data to a fresh temp file next to path and returns its name.
// The temp file lives in the target's directory so the final rename never
// crosses a filesystem boundary.
func stage(path string, data []byte) (string, error) {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp.*")
	if err != nil {
		return "", fmt.Errorf("stage %s: %w", path, err)
	}
	name := f.Name()

	_, err = f.Write(data)
	if err == nil {
		// Sync before rename: a rename that lands before the data reaches
		// disk can surface an empty file after power loss.
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(name)
		return "", fmt.Errorf("stage %s: %w", path, err)
	}
	return name, nil
}
