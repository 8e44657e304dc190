package resume

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rarydzu/gdiskio/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "resume"), zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveLoadDelete(t *testing.T) {
	s := newStore(t)

	_, err := s.Load(3)
	assert.Equal(t, ErrNotFound, err)

	rec := &Record{Storage: 3, SavePath: "/data", Files: []FileRecord{{Size: 10}, {Size: -1}}}
	require.NoError(t, s.Save(rec))

	got, err := s.Load(3)
	require.NoError(t, err)
	assert.Equal(t, rec.SavePath, got.SavePath)
	assert.Equal(t, []int64{10, -1}, []int64{got.Files[0].Size, got.Files[1].Size})

	require.NoError(t, s.Delete(3))
	_, err = s.Load(3)
	assert.Equal(t, ErrNotFound, err)
}

func TestScanMissingFiles(t *testing.T) {
	dir := t.TempDir()
	layout := storage.NewFiles(
		storage.FileEntry{Path: "a", Size: 5},
		storage.FileEntry{Path: "b", Size: 5},
	)
	require.NoError(t, os.WriteFile(layout.FilePath(0, dir), []byte("abc"), 0644))

	rec, err := Scan(1, layout, dir)
	require.NoError(t, err)
	require.Len(t, rec.Files, 2)
	assert.Equal(t, int64(3), rec.Files[0].Size)
	assert.Equal(t, int64(-1), rec.Files[1].Size)
}

func TestDiff(t *testing.T) {
	a := &Record{Files: []FileRecord{{Size: 1}, {Size: 2}}}
	b := &Record{Files: []FileRecord{{Size: 1}, {Size: 3}, {Size: 4}}}
	assert.Equal(t, []storage.FileIndex{1, 2}, a.Diff(b))
	assert.Equal(t, []storage.FileIndex{1, 2}, b.Diff(a))
	assert.Empty(t, a.Diff(a))
}

func TestVerify(t *testing.T) {
	s := newStore(t)
	dir := t.TempDir()
	layout := storage.NewFiles(storage.FileEntry{Path: "a", Size: 5})
	path := layout.FilePath(0, dir)
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0644))

	// first check only records
	require.NoError(t, s.Verify(1, layout, dir))
	require.NoError(t, s.Verify(1, layout, dir))

	require.NoError(t, os.Truncate(path, 2))
	err := s.Verify(1, layout, dir)
	assert.True(t, errors.Is(err, ErrMismatch))

	// the mismatching state was recorded
	require.NoError(t, s.Verify(1, layout, dir))
}

func TestList(t *testing.T) {
	s := newStore(t)
	ids, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, ids)

	for _, st := range []storage.Index{300, 2, 70000} {
		require.NoError(t, s.Save(&Record{Storage: st}))
	}
	ids, err = s.List()
	require.NoError(t, err)
	assert.Equal(t, []storage.Index{2, 300, 70000}, ids)

	require.NoError(t, s.Delete(300))
	ids, err = s.List()
	require.NoError(t, err)
	assert.Equal(t, []storage.Index{2, 70000}, ids)
}
