package healthid

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// SnapshotFile keeps the current pool contents on disk as a JSON array so a
// restarted process can hydrate its pool without a remote call.
//
// The file lags the pool when a write fails or the process dies between a
// pop and the rewrite; ids handed out in that window can be issued again
// after a restart.
type SnapshotFile struct {
	path string
}

// NewSnapshotFile returns a snapshot bound to path.
func NewSnapshotFile(path string) *SnapshotFile {
	return &SnapshotFile{path: path}
}

// Path returns the snapshot location.
func (f *SnapshotFile) Path() string {
	return f.path
}

// Load reads the snapshot. A missing file yields an empty block.
func (f *SnapshotFile) Load() ([]string, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrPersistence, f.path, err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrPersistence, f.path, err)
	}
	return ids, nil
}

// Rewrite replaces the file contents with ids. The data is written to a
// temporary file in the same directory and renamed over the target so a
// reader never observes a partial array.
func (f *SnapshotFile) Rewrite(ids []string) error {
	if ids == nil {
		ids = []string{}
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrPersistence, err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: create %s: %v", ErrPersistence, dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: create temp file: %v", ErrPersistence, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: write %s: %v", ErrPersistence, tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: sync %s: %v", ErrPersistence, tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", ErrPersistence, tmpName, err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("%w: rename to %s: %v", ErrPersistence, f.path, err)
	}
	return nil
}
