package dispatcher

import (
	"bytes"
	"context"
	"crypto/sha1"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/rarydzu/gdiskio/config"
	"github.com/rarydzu/gdiskio/diskjob"
	"github.com/rarydzu/gdiskio/resume"
	"github.com/rarydzu/gdiskio/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const blockSize = 16 * 1024

type result struct {
	action diskjob.Action
	err    error
	data   []byte
	digest []byte
}

// recorder collects finished jobs in completion order.
type recorder struct {
	mu      sync.Mutex
	results []result
	wg      sync.WaitGroup
}

func (r *recorder) cb() Callback {
	r.wg.Add(1)
	return func(j *diskjob.Job) {
		defer r.wg.Done()
		res := result{action: j.Action, err: j.Err}
		res.data = append(res.data, j.Buffer...)
		res.digest = append(res.digest, j.Digest...)
		r.mu.Lock()
		r.results = append(r.results, res)
		r.mu.Unlock()
	}
}

func (r *recorder) wait(t *testing.T) []result {
	t.Helper()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for jobs")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]result(nil), r.results...)
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Path = filepath.Join(t.TempDir(), "resume")
	cfg.Workers = 1
	cfg.IdleInterval = 0
	cfg.MemoryPressurePercent = 0
	return cfg
}

func newDispatcher(t *testing.T, cfg *config.Config) *Dispatcher {
	t.Helper()
	d, err := New(cfg, zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func twoFiles() *storage.Files {
	return storage.NewFiles(
		storage.FileEntry{Path: "a.bin", Size: 2 * blockSize},
		storage.FileEntry{Path: filepath.Join("sub", "b.bin"), Size: blockSize},
	)
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i%251)
	}
	return b
}

func TestWriteReadHash(t *testing.T) {
	d := newDispatcher(t, testConfig(t))
	dir := t.TempDir()
	require.NoError(t, d.AddStorage(1, twoFiles(), dir))
	require.NoError(t, d.Start(context.Background()))

	data := pattern(blockSize, 7)
	rec := &recorder{}
	require.NoError(t, d.AsyncWrite(1, 0, blockSize, data, rec.cb()))
	require.NoError(t, d.AsyncWrite(1, 1, 0, data, rec.cb()))
	rec.wait(t)

	rec = &recorder{}
	require.NoError(t, d.AsyncRead(1, 0, blockSize, make([]byte, blockSize), rec.cb()))
	require.NoError(t, d.AsyncHash(1, 1, 0, blockSize, rec.cb()))
	res := rec.wait(t)
	require.Len(t, res, 2)
	require.NoError(t, res[0].err)
	assert.True(t, bytes.Equal(data, res[0].data))
	require.NoError(t, res[1].err)
	sum := sha1.Sum(data)
	assert.Equal(t, sum[:], res[1].digest)

	onDisk, err := os.ReadFile(filepath.Join(dir, "sub", "b.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, onDisk)

	assert.Len(t, d.Status(1), 2)
	require.NoError(t, d.Close())
	assert.Equal(t, 0, d.Jobs().JobsInUse())
	assert.Equal(t, 0, d.Views().Len())
}

func TestFenceOrdersJobs(t *testing.T) {
	d := newDispatcher(t, testConfig(t))
	dir := t.TempDir()
	moved := filepath.Join(t.TempDir(), "moved")
	require.NoError(t, d.AddStorage(1, twoFiles(), dir))

	data := pattern(blockSize, 3)
	rec := &recorder{}
	require.NoError(t, d.AsyncWrite(1, 0, 0, data, rec.cb()))
	require.NoError(t, d.AsyncMove(1, moved, rec.cb()))
	require.NoError(t, d.AsyncRead(1, 0, 0, make([]byte, blockSize), rec.cb()))

	f, err := d.Fence(1)
	require.NoError(t, err)
	assert.True(t, f.HasFence())
	assert.Equal(t, 2, f.NumBlocked())
	assert.Equal(t, 1, f.Outstanding())

	require.NoError(t, d.Start(context.Background()))
	res := rec.wait(t)
	require.Len(t, res, 3)
	assert.Equal(t, []diskjob.Action{diskjob.Write, diskjob.Move, diskjob.Read},
		[]diskjob.Action{res[0].action, res[1].action, res[2].action})
	for _, r := range res {
		assert.NoError(t, r.err)
	}
	assert.Equal(t, data, res[2].data)

	_, err = os.Stat(filepath.Join(dir, "a.bin"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
	_, err = os.Stat(filepath.Join(moved, "a.bin"))
	assert.NoError(t, err)
	for _, st := range d.Status(1) {
		assert.Equal(t, filepath.Join(moved, "a.bin"), st.Path)
	}
	assert.False(t, f.HasFence())
	assert.Equal(t, 0, f.Outstanding())
}

func TestRenameAndResize(t *testing.T) {
	d := newDispatcher(t, testConfig(t))
	dir := t.TempDir()
	layout := twoFiles()
	require.NoError(t, d.AddStorage(1, layout, dir))
	require.NoError(t, d.Start(context.Background()))

	data := pattern(blockSize, 11)
	rec := &recorder{}
	require.NoError(t, d.AsyncWrite(1, 1, 0, data, rec.cb()))
	require.NoError(t, d.AsyncRename(1, 1, "renamed.bin", rec.cb()))
	require.NoError(t, d.AsyncResize(1, 1, 2*blockSize, rec.cb()))
	require.NoError(t, d.AsyncRead(1, 1, blockSize, make([]byte, blockSize), rec.cb()))
	res := rec.wait(t)
	require.Len(t, res, 4)
	for _, r := range res {
		assert.NoError(t, r.err, r.action.String())
	}
	assert.Equal(t, make([]byte, blockSize), res[3].data)

	fi, err := os.Stat(filepath.Join(dir, "renamed.bin"))
	require.NoError(t, err)
	assert.Equal(t, int64(2*blockSize), fi.Size())
	assert.Equal(t, int64(2*blockSize), layout.FileSize(1))
}

func TestCheckAndDelete(t *testing.T) {
	d := newDispatcher(t, testConfig(t))
	dir := t.TempDir()
	require.NoError(t, d.AddStorage(1, twoFiles(), dir))
	require.NoError(t, d.Start(context.Background()))

	rec := &recorder{}
	require.NoError(t, d.AsyncWrite(1, 0, 0, pattern(blockSize, 1), rec.cb()))
	require.NoError(t, d.AsyncCheck(1, rec.cb()))
	for _, r := range rec.wait(t) {
		require.NoError(t, r.err)
	}

	// changing a file behind the dispatcher's back
	require.NoError(t, d.AsyncReleaseFiles(1, nil))
	rec = &recorder{}
	require.NoError(t, d.AsyncCheck(1, rec.cb()))
	rec.wait(t)
	require.NoError(t, os.Truncate(filepath.Join(dir, "a.bin"), 10))

	rec = &recorder{}
	require.NoError(t, d.AsyncCheck(1, rec.cb()))
	res := rec.wait(t)
	assert.True(t, errors.Is(res[0].err, resume.ErrMismatch))

	rec = &recorder{}
	require.NoError(t, d.AsyncDelete(1, rec.cb()))
	require.NoError(t, rec.wait(t)[0].err)
	_, err := os.Stat(filepath.Join(dir, "a.bin"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.Empty(t, d.Status(1))
}

func TestErrors(t *testing.T) {
	d := newDispatcher(t, testConfig(t))
	dir := t.TempDir()
	require.NoError(t, d.AddStorage(1, twoFiles(), dir))
	assert.True(t, errors.Is(d.AddStorage(1, twoFiles(), dir), ErrStorageExists))

	err := d.AsyncRead(9, 0, 0, make([]byte, 1), nil)
	assert.True(t, errors.Is(err, ErrNoSuchStorage))
	assert.Equal(t, 0, d.Jobs().JobsInUse())

	require.NoError(t, d.Start(context.Background()))
	rec := &recorder{}
	require.NoError(t, d.AsyncWrite(1, 1, blockSize-1, []byte{1, 2}, rec.cb()))
	require.NoError(t, d.AsyncRead(1, 5, 0, make([]byte, 1), rec.cb()))
	require.NoError(t, d.AsyncHash(1, 0, -1, 5, rec.cb()))
	res := rec.wait(t)
	assert.True(t, errors.Is(res[0].err, ErrOutOfRange))
	assert.True(t, errors.Is(res[1].err, storage.ErrNoSuchFile))
	assert.True(t, errors.Is(res[2].err, ErrOutOfRange))

	require.NoError(t, d.RemoveStorage(1))
	assert.True(t, errors.Is(d.RemoveStorage(1), ErrNoSuchStorage))

	require.NoError(t, d.Close())
	err = d.AsyncReleaseFiles(1, nil)
	assert.True(t, errors.Is(err, ErrStopped))
	assert.Equal(t, 0, d.Jobs().JobsInUse())
}

func TestRemoveBusyStorage(t *testing.T) {
	d := newDispatcher(t, testConfig(t))
	require.NoError(t, d.AddStorage(1, twoFiles(), t.TempDir()))
	rec := &recorder{}
	require.NoError(t, d.AsyncWrite(1, 0, 0, []byte{1}, rec.cb()))
	assert.True(t, errors.Is(d.RemoveStorage(1), ErrStorageBusy))

	require.NoError(t, d.Start(context.Background()))
	rec.wait(t)
	assert.NoError(t, d.RemoveStorage(1))
}

func TestContextCancelStops(t *testing.T) {
	d := newDispatcher(t, testConfig(t))
	require.NoError(t, d.AddStorage(1, twoFiles(), t.TempDir()))
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, d.Start(ctx))
	assert.Error(t, d.Start(ctx))
	cancel()
	require.NoError(t, d.Wait())
	assert.True(t, errors.Is(d.AsyncCheck(1, nil), ErrStopped))
}

func TestCloseWithoutStart(t *testing.T) {
	d := newDispatcher(t, testConfig(t))
	require.NoError(t, d.AddStorage(1, twoFiles(), t.TempDir()))
	rec := &recorder{}
	require.NoError(t, d.AsyncCheck(1, rec.cb()))
	require.NoError(t, d.AsyncReleaseFiles(1, rec.cb()))
	require.NoError(t, d.Close())

	res := rec.wait(t)
	// the release was held by the check fence and lowered when it completed
	require.Len(t, res, 2)
	for _, r := range res {
		assert.True(t, errors.Is(r.err, ErrStopped))
	}
	assert.Equal(t, 0, d.Jobs().JobsInUse())
}

func TestIdleTickClosesOldest(t *testing.T) {
	cfg := testConfig(t)
	cfg.IdleInterval = time.Hour
	cfg.WriteBackTracking = true
	d := newDispatcher(t, cfg)
	require.NoError(t, d.AddStorage(1, twoFiles(), t.TempDir()))
	require.NoError(t, d.Start(context.Background()))

	rec := &recorder{}
	require.NoError(t, d.AsyncWrite(1, 0, 0, []byte{1}, rec.cb()))
	require.NoError(t, d.AsyncWrite(1, 1, 0, []byte{1}, rec.cb()))
	rec.wait(t)
	require.Equal(t, 2, d.Views().Len())
	assert.NotZero(t, d.Views().DirtyBytes(1, 0))

	d.idleTick()
	assert.Equal(t, 2, d.Views().Len())

	d.lastActivity.Store(time.Now().Add(-2 * time.Hour).UnixNano())
	d.idleTick()
	require.Equal(t, 1, d.Views().Len())
	assert.Equal(t, storage.FileIndex(1), d.Status(1)[0].File)
	assert.Zero(t, d.Views().DirtyBytes(1, 1))
}

func TestPagesTouched(t *testing.T) {
	assert.Equal(t, uint64(0), pagesTouched(0, 0, 4096))
	assert.Equal(t, uint64(1), pagesTouched(0, 1, 4096))
	assert.Equal(t, uint64(1), pagesTouched(0, 4096, 4096))
	assert.Equal(t, uint64(2), pagesTouched(4095, 2, 4096))
	assert.Equal(t, uint64(3), pagesTouched(100, 8192, 4096))
}

func TestDebugModeLogsJobs(t *testing.T) {
	for _, debug := range []bool{false, true} {
		core, logs := observer.New(zapcore.DebugLevel)
		cfg := testConfig(t)
		cfg.DebugMode = debug
		d, err := New(cfg, zap.New(core).Sugar())
		require.NoError(t, err)
		require.NoError(t, d.AddStorage(1, twoFiles(), t.TempDir()))
		require.NoError(t, d.Start(context.Background()))

		rec := &recorder{}
		require.NoError(t, d.AsyncWrite(1, 0, 0, []byte{1}, rec.cb()))
		rec.wait(t)
		require.NoError(t, d.Close())

		traced := logs.FilterMessageSnippet("done in").Len()
		if debug {
			assert.Equal(t, 1, traced)
		} else {
			assert.Zero(t, traced)
		}
	}
}

func swapRename(t *testing.T, f func(src, dst string) error) {
	old := rename
	rename = f
	t.Cleanup(func() { rename = old })
}

func writeBoth(t *testing.T, d *Dispatcher, data []byte) {
	t.Helper()
	rec := &recorder{}
	require.NoError(t, d.AsyncWrite(1, 0, 0, data, rec.cb()))
	require.NoError(t, d.AsyncWrite(1, 1, 0, data, rec.cb()))
	for _, r := range rec.wait(t) {
		require.NoError(t, r.err)
	}
}

func TestMoveAcrossDevices(t *testing.T) {
	d := newDispatcher(t, testConfig(t))
	dir := t.TempDir()
	moved := filepath.Join(t.TempDir(), "moved")
	require.NoError(t, d.AddStorage(1, twoFiles(), dir))
	require.NoError(t, d.Start(context.Background()))
	data := pattern(blockSize, 5)
	writeBoth(t, d, data)

	swapRename(t, func(src, dst string) error {
		return &os.LinkError{Op: "rename", Old: src, New: dst, Err: syscall.EXDEV}
	})
	rec := &recorder{}
	require.NoError(t, d.AsyncMove(1, moved, rec.cb()))
	require.NoError(t, d.AsyncRead(1, 1, 0, make([]byte, blockSize), rec.cb()))
	res := rec.wait(t)
	require.NoError(t, res[0].err)
	require.NoError(t, res[1].err)
	assert.Equal(t, data, res[1].data)

	_, err := os.Stat(filepath.Join(dir, "a.bin"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
	onDisk, err := os.ReadFile(filepath.Join(moved, "sub", "b.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, onDisk)
}

func TestFailedMoveRollsBack(t *testing.T) {
	d := newDispatcher(t, testConfig(t))
	dir := t.TempDir()
	moved := filepath.Join(t.TempDir(), "moved")
	require.NoError(t, d.AddStorage(1, twoFiles(), dir))
	require.NoError(t, d.Start(context.Background()))
	data := pattern(blockSize, 9)
	writeBoth(t, d, data)

	failure := errors.New("no space left")
	swapRename(t, func(src, dst string) error {
		if filepath.Base(src) == "b.bin" {
			return failure
		}
		return os.Rename(src, dst)
	})
	rec := &recorder{}
	require.NoError(t, d.AsyncMove(1, moved, rec.cb()))
	require.NoError(t, d.AsyncRead(1, 0, 0, make([]byte, blockSize), rec.cb()))
	res := rec.wait(t)
	assert.True(t, errors.Is(res[0].err, failure))
	require.NoError(t, res[1].err)
	assert.Equal(t, data, res[1].data)

	for _, name := range []string{"a.bin", filepath.Join("sub", "b.bin")} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
		_, err = os.Stat(filepath.Join(moved, name))
		assert.True(t, errors.Is(err, os.ErrNotExist), name)
	}
	for _, st := range d.Status(1) {
		assert.Equal(t, filepath.Join(dir, "a.bin"), st.Path)
	}
}
