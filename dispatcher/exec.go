package dispatcher

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/rarydzu/gdiskio/diskjob"
	"github.com/rarydzu/gdiskio/storage"
)

type renamer interface {
	Rename(file storage.FileIndex, path string) error
}

type resizer interface {
	Resize(file storage.FileIndex, size int64) error
}

func (d *Dispatcher) execute(j *diskjob.Job) {
	e, err := d.storage(j.Storage)
	if err != nil {
		j.Err = err
		return
	}
	switch j.Action {
	case diskjob.Read:
		j.Err = d.doRead(e, j)
	case diskjob.Write:
		j.Err = d.doWrite(e, j)
	case diskjob.Hash:
		j.Err = d.doHash(e, j)
	case diskjob.Move:
		j.Err = d.doMove(e, j)
	case diskjob.ReleaseFiles:
		d.views.ReleaseStorage(j.Storage)
	case diskjob.Delete:
		j.Err = d.doDelete(e, j)
	case diskjob.Check:
		j.Err = d.doCheck(e, j)
	case diskjob.Rename:
		j.Err = d.doRename(e, j)
	case diskjob.Resize:
		j.Err = d.doResize(e, j)
	default:
		j.Err = fmt.Errorf("unknown disk action %d", j.Action)
	}
	if j.Err != nil {
		d.log.Debugf("%s failed: %v", j, j.Err)
	}
}

func (d *Dispatcher) checkRange(e *storageEntry, j *diskjob.Job, length int64) error {
	if j.File < 0 || int(j.File) >= e.layout.NumFiles() {
		return fmt.Errorf("file %d: %w", j.File, storage.ErrNoSuchFile)
	}
	if j.Offset < 0 || length < 0 || j.Offset+length > e.layout.FileSize(j.File) {
		return fmt.Errorf("file %d [%d, %d): %w", j.File, j.Offset, j.Offset+length, ErrOutOfRange)
	}
	return nil
}

func (d *Dispatcher) doRead(e *storageEntry, j *diskjob.Job) error {
	if err := d.checkRange(e, j, int64(len(j.Buffer))); err != nil {
		return err
	}
	m, err := d.views.OpenFile(j.Storage, e.savePath(), j.File, e.layout, storage.ReadOnly)
	if err != nil {
		return err
	}
	defer m.Release()
	n, err := m.ReadAt(j.Buffer, j.Offset)
	if errors.Is(err, io.EOF) {
		// the file on disk is shorter than the layout says
		j.Buffer = j.Buffer[:n]
		return fmt.Errorf("file %d short read %d bytes: %w", j.File, n, ErrOutOfRange)
	}
	return err
}

func (d *Dispatcher) doWrite(e *storageEntry, j *diskjob.Job) error {
	if err := d.checkRange(e, j, int64(len(j.Buffer))); err != nil {
		return err
	}
	if len(j.Buffer) == 0 {
		return nil
	}
	m, err := d.views.OpenFile(j.Storage, e.savePath(), j.File, e.layout, storage.ReadWrite)
	if err != nil {
		return err
	}
	defer m.Release()
	if _, err := m.WriteAt(j.Buffer, j.Offset); err != nil {
		return err
	}
	d.views.RecordFileWrite(j.Storage, j.File, pagesTouched(j.Offset, int64(len(j.Buffer)), int64(os.Getpagesize())))
	return nil
}

// pagesTouched returns how many pages of size ps the range [off, off+n) spans.
func pagesTouched(off, n, ps int64) uint64 {
	if n <= 0 {
		return 0
	}
	return uint64((off+n-1)/ps - off/ps + 1)
}

func (d *Dispatcher) doHash(e *storageEntry, j *diskjob.Job) error {
	if err := d.checkRange(e, j, j.Size); err != nil {
		return err
	}
	m, err := d.views.OpenFile(j.Storage, e.savePath(), j.File, e.layout, storage.ReadOnly)
	if err != nil {
		return err
	}
	defer m.Release()
	data, err := m.Bytes(j.Offset, j.Size)
	if err != nil {
		return fmt.Errorf("file %d: %w", j.File, ErrOutOfRange)
	}
	sum := sha1.Sum(data)
	j.Digest = sum[:]
	return nil
}

func (d *Dispatcher) doMove(e *storageEntry, j *diskjob.Job) error {
	d.views.ReleaseStorage(j.Storage)
	from := e.savePath()
	if err := os.MkdirAll(j.Path, 0755); err != nil {
		return err
	}
	var moved []storage.FileIndex
	for i := 0; i < e.layout.NumFiles(); i++ {
		src := e.layout.FilePath(storage.FileIndex(i), from)
		dst := e.layout.FilePath(storage.FileIndex(i), j.Path)
		ok, err := moveFile(src, dst)
		if err != nil {
			d.rollbackMove(e, from, j.Path, moved)
			return fmt.Errorf("moving %s: %w", src, err)
		}
		if ok {
			moved = append(moved, storage.FileIndex(i))
		}
	}
	e.setSavePath(j.Path)
	d.log.Infof("storage %d moved from %s to %s", j.Storage, from, j.Path)
	return nil
}

// rollbackMove puts files already moved to the new save path back, so a
// failed move leaves the storage whole under its old path.
func (d *Dispatcher) rollbackMove(e *storageEntry, from, to string, moved []storage.FileIndex) {
	for i := len(moved) - 1; i >= 0; i-- {
		src := e.layout.FilePath(moved[i], to)
		dst := e.layout.FilePath(moved[i], from)
		if _, err := moveFile(src, dst); err != nil {
			d.log.Errorf("rolling back move of %s: %v", src, err)
		}
	}
}

// rename is swapped in tests.
var rename = os.Rename

// moveFile renames src to dst, copying when they are on different devices.
// Files never written are skipped and reported as not moved.
func moveFile(src, dst string) (bool, error) {
	if _, err := os.Stat(src); errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return false, err
	}
	err := rename(src, dst)
	if errors.Is(err, syscall.EXDEV) {
		err = copyFile(src, dst)
		if err == nil {
			err = os.Remove(src)
		}
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	fi, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fi.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}

func (d *Dispatcher) doDelete(e *storageEntry, j *diskjob.Job) error {
	d.views.ReleaseStorage(j.Storage)
	savePath := e.savePath()
	for i := 0; i < e.layout.NumFiles(); i++ {
		path := e.layout.FilePath(storage.FileIndex(i), savePath)
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	if d.resume != nil {
		return d.resume.Delete(j.Storage)
	}
	return nil
}

func (d *Dispatcher) doCheck(e *storageEntry, j *diskjob.Job) error {
	if d.resume == nil {
		return nil
	}
	return d.resume.Verify(j.Storage, e.layout, e.savePath())
}

func (d *Dispatcher) doRename(e *storageEntry, j *diskjob.Job) error {
	r, ok := e.layout.(renamer)
	if !ok {
		return ErrNotSupported
	}
	if j.File < 0 || int(j.File) >= e.layout.NumFiles() {
		return fmt.Errorf("file %d: %w", j.File, storage.ErrNoSuchFile)
	}
	d.views.ReleaseFile(j.Storage, j.File)
	savePath := e.savePath()
	src := e.layout.FilePath(j.File, savePath)
	dst := filepath.Join(savePath, j.Path)
	if _, err := moveFile(src, dst); err != nil {
		return err
	}
	return r.Rename(j.File, j.Path)
}

func (d *Dispatcher) doResize(e *storageEntry, j *diskjob.Job) error {
	r, ok := e.layout.(resizer)
	if !ok {
		return ErrNotSupported
	}
	if j.File < 0 || int(j.File) >= e.layout.NumFiles() || j.Size < 0 {
		return fmt.Errorf("file %d size %d: %w", j.File, j.Size, ErrOutOfRange)
	}
	d.views.ReleaseFile(j.Storage, j.File)
	path := e.layout.FilePath(j.File, e.savePath())
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return err
	}
	if err := f.Truncate(j.Size); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return r.Resize(j.File, j.Size)
}
