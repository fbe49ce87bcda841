package storage

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// sqliteSidecars are written next to the database file in WAL mode.
var sqliteSidecars = []string{"-wal", "-shm"}

// DiskUsageBytes sums the on-disk size of the given files and directories.
// For a plain file its SQLite WAL and shared-memory sidecars are counted too.
// Empty and missing paths contribute nothing.
func DiskUsageBytes(paths ...string) (int64, error) {
	var total int64
	for _, p := range paths {
		if p == "" {
			continue
		}
		n, isDir, err := treeSize(p)
		if err != nil {
			return 0, err
		}
		total += n
		if isDir {
			continue
		}
		for _, suffix := range sqliteSidecars {
			if info, err := os.Stat(p + suffix); err == nil && !info.IsDir() {
				total += info.Size()
			}
		}
	}
	return total, nil
}

// treeSize walks root, which may be a single file.
func treeSize(root string) (total int64, isDir bool, err error) {
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			if path == root {
				isDir = true
			}
			return nil
		}
		info, err := d.Info()
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, isDir, err
}
