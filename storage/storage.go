// Package storage holds the identifiers and file layout shared by the disk
// job fence, the job pool and the file view pool.
package storage

import (
	"errors"
	"fmt"
	"path/filepath"
)

var ErrNoSuchFile = errors.New("no such file index")

// Index identifies one registered storage (one torrent's files on disk).
type Index uint32

// FileIndex identifies a file inside a storage.
type FileIndex int

// OpenMode describes how a file mapping is opened.
type OpenMode uint8

const (
	ReadOnly OpenMode = 0
	// ReadWrite maps the file writable and creates it if missing
	ReadWrite OpenMode = 1
)

// Writable reports whether m allows writes.
func (m OpenMode) Writable() bool {
	return m&ReadWrite != 0
}

// Satisfies reports whether a mapping opened with m can serve a request for want.
func (m OpenMode) Satisfies(want OpenMode) bool {
	return m.Writable() || !want.Writable()
}

func (m OpenMode) String() string {
	if m.Writable() {
		return "read_write"
	}
	return "read_only"
}

// Layout resolves file indices to paths and sizes.
type Layout interface {
	NumFiles() int
	FileSize(file FileIndex) int64
	FilePath(file FileIndex, savePath string) string
}

// FileEntry is one file of a Files layout.
type FileEntry struct {
	// Path relative to the save path
	Path string
	// Size in bytes
	Size int64
}

// Files is a plain list based Layout.
type Files struct {
	entries []FileEntry
}

// NewFiles creates a layout from the given entries.
func NewFiles(entries ...FileEntry) *Files {
	f := &Files{entries: make([]FileEntry, len(entries))}
	copy(f.entries, entries)
	return f
}

func (f *Files) NumFiles() int {
	return len(f.entries)
}

func (f *Files) FileSize(file FileIndex) int64 {
	if !f.Valid(file) {
		return 0
	}
	return f.entries[file].Size
}

func (f *Files) FilePath(file FileIndex, savePath string) string {
	if !f.Valid(file) {
		return ""
	}
	return filepath.Join(savePath, f.entries[file].Path)
}

// Valid reports whether file is inside the layout.
func (f *Files) Valid(file FileIndex) bool {
	return file >= 0 && int(file) < len(f.entries)
}

// Rename changes the relative path of one file.
func (f *Files) Rename(file FileIndex, path string) error {
	if !f.Valid(file) {
		return fmt.Errorf("rename %d: %w", file, ErrNoSuchFile)
	}
	f.entries[file].Path = path
	return nil
}

// Resize changes the recorded size of one file.
func (f *Files) Resize(file FileIndex, size int64) error {
	if !f.Valid(file) {
		return fmt.Errorf("resize %d: %w", file, ErrNoSuchFile)
	}
	f.entries[file].Size = size
	return nil
}

// TotalSize returns the sum of all file sizes.
func (f *Files) TotalSize() int64 {
	var total int64
	for _, e := range f.entries {
		total += e.Size
	}
	return total
}
