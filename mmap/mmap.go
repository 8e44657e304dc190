// Package mmap maps files into memory. A Mapping is reference counted: the
// file view pool holds one reference and every in-flight job using the
// mapping holds another. The OS mapping is torn down on the last Release.
package mmap

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/rarydzu/gdiskio/storage"
)

var (
	ErrReadOnly   = errors.New("mmap: mapping is read only")
	ErrOutOfRange = errors.New("mmap: access out of range")
	ErrClosed     = errors.New("mmap: mapping is closed")

	// ErrUnsupported is returned on platforms without a mapping primitive
	ErrUnsupported = errors.New("mmap: not supported on this platform")
)

type Mapping struct {
	path string
	mode storage.OpenMode
	size int64
	file *os.File
	data []byte
	// flushMu keeps Flush and unmap from racing on data
	flushMu sync.RWMutex
	refs    atomic.Int32
	closed  atomic.Bool
}

// Open maps size bytes of the file at path. Writable mappings create the file
// and extend it to size; read-only mappings never extend the file and map at
// most its current length.
func Open(path string, size int64, mode storage.OpenMode) (*Mapping, error) {
	if size < 0 {
		return nil, fmt.Errorf("mmap: invalid size %d for %s", size, path)
	}
	flag := os.O_RDONLY
	if mode.Writable() {
		flag = os.O_RDWR | os.O_CREATE
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, err
		}
	}
	f, err := os.OpenFile(path, flag, 0644)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	length := size
	if mode.Writable() {
		if st.Size() < size {
			if err := f.Truncate(size); err != nil {
				f.Close()
				return nil, err
			}
		}
	} else if st.Size() < length {
		length = st.Size()
	}
	m := &Mapping{
		path: path,
		mode: mode,
		size: length,
		file: f,
	}
	if length > 0 {
		data, err := platformMap(f, length, mode)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("mmap %s: %w", path, err)
		}
		m.data = data
	}
	m.refs.Store(1)
	return m, nil
}

// Path returns the path the mapping was opened with.
func (m *Mapping) Path() string {
	return m.path
}

// Mode returns the open mode.
func (m *Mapping) Mode() storage.OpenMode {
	return m.mode
}

// Len returns the number of mapped bytes.
func (m *Mapping) Len() int64 {
	return m.size
}

// Refs returns the current reference count.
func (m *Mapping) Refs() int {
	return int(m.refs.Load())
}

// Retain adds a reference and returns m.
func (m *Mapping) Retain() *Mapping {
	if m.refs.Add(1) <= 1 {
		panic(fmt.Sprintf("mmap: retain of released mapping %s", m.path))
	}
	return m
}

// Release drops one reference. The mapping is unmapped and its file closed
// when the last reference goes away.
func (m *Mapping) Release() error {
	n := m.refs.Add(-1)
	if n < 0 {
		panic(fmt.Sprintf("mmap: release of unreferenced mapping %s", m.path))
	}
	if n > 0 {
		return nil
	}
	return m.close()
}

func (m *Mapping) close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.flushMu.Lock()
	defer m.flushMu.Unlock()
	var err error
	if m.data != nil {
		err = platformUnmap(m.data)
		m.data = nil
	}
	if cerr := m.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// ReadAt copies mapped bytes at off into p.
func (m *Mapping) ReadAt(p []byte, off int64) (int, error) {
	if m.closed.Load() {
		return 0, ErrClosed
	}
	if off < 0 {
		return 0, ErrOutOfRange
	}
	if off >= m.size {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt copies p into the mapping at off.
func (m *Mapping) WriteAt(p []byte, off int64) (int, error) {
	if !m.mode.Writable() {
		return 0, ErrReadOnly
	}
	if m.closed.Load() {
		return 0, ErrClosed
	}
	if off < 0 || off+int64(len(p)) > m.size {
		return 0, ErrOutOfRange
	}
	return copy(m.data[off:], p), nil
}

// Bytes returns a window onto the mapping. It is valid while the caller
// holds a reference.
func (m *Mapping) Bytes(off, length int64) ([]byte, error) {
	if off < 0 || length < 0 || off+length > m.size {
		return nil, ErrOutOfRange
	}
	return m.data[off : off+length : off+length], nil
}

// Flush writes dirty pages back to the file.
func (m *Mapping) Flush() error {
	if !m.mode.Writable() {
		return nil
	}
	m.flushMu.RLock()
	defer m.flushMu.RUnlock()
	if m.data == nil {
		return nil
	}
	return platformSync(m.data)
}
