package healthid

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotFile_LoadMissing(t *testing.T) {
	f := NewSnapshotFile(filepath.Join(t.TempDir(), "hids.json"))
	ids, err := f.Load()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSnapshotFile_RewriteAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "hids.json")
	f := NewSnapshotFile(path)

	require.NoError(t, f.Rewrite([]string{"98000000008", "98000000019"}))
	ids, err := f.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"98000000008", "98000000019"}, ids)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `["98000000008","98000000019"]`, string(data))

	require.NoError(t, f.Rewrite(nil))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(data))
}

func TestSnapshotFile_RewriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	f := NewSnapshotFile(filepath.Join(dir, "hids.json"))
	require.NoError(t, f.Rewrite([]string{"a"}))
	require.NoError(t, f.Rewrite([]string{"a", "b"}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "hids.json", entries[0].Name())
}

func TestSnapshotFile_LoadEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hids.json")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	ids, err := NewSnapshotFile(path).Load()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSnapshotFile_LoadMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hids.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"not":"an array"}`), 0o644))

	_, err := NewSnapshotFile(path).Load()
	assert.ErrorIs(t, err, ErrPersistence)
}

func TestSnapshotFile_RewriteFailure(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	f := NewSnapshotFile(filepath.Join(blocker, "hids.json"))
	err := f.Rewrite([]string{"a"})
	assert.ErrorIs(t, err, ErrPersistence)
}
