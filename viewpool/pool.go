// Package viewpool is a bounded cache of open file mappings keyed by
// (storage, file). Least recently used mappings are evicted when the pool is
// full. Evicting only drops the pool's reference: a job still holding the
// mapping keeps it valid until it releases it.
//
// Removed entries are handed to a separate destruction list guarded by its
// own lock, and unmapped after the lookup lock is released, so a slow munmap
// never stalls a concurrent OpenFile.
package viewpool

import (
	"os"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/jacobsa/timeutil"
	"github.com/rarydzu/gdiskio/mmap"
	"github.com/rarydzu/gdiskio/storage"
	"github.com/ztrue/tracerr"
	"go.uber.org/zap"
)

const DefaultSize = 40

// OpenFunc opens a mapping. mmap.Open is used unless overridden.
type OpenFunc func(path string, size int64, mode storage.OpenMode) (*mmap.Mapping, error)

type fileID struct {
	storage storage.Index
	file    storage.FileIndex
}

type entry struct {
	key        fileID
	mapping    *mmap.Mapping
	mode       storage.OpenMode
	lastUse    time.Time
	dirtyBytes uint64
}

// OpenFileState describes one open mapping.
type OpenFileState struct {
	File    storage.FileIndex
	Path    string
	Mode    storage.OpenMode
	LastUse time.Time
}

type Pool struct {
	mu    sync.Mutex
	size  int
	files *simplelru.LRU[fileID, *entry]
	// evicted collects entries removed from files while mu is held
	evicted []*entry

	destructionMu sync.Mutex
	deferred      []*entry

	clock     timeutil.Clock
	open      OpenFunc
	writeBack bool
	pageSize  uint64
	log       *zap.SugaredLogger
}

type Option func(*Pool)

func WithClock(c timeutil.Clock) Option {
	return func(p *Pool) {
		p.clock = c
	}
}

func WithOpenFunc(f OpenFunc) Option {
	return func(p *Pool) {
		p.open = f
	}
}

// WithWriteBackTracking enables dirty page accounting for RecordFileWrite
// and FlushNextFile. Without it both are no-ops.
func WithWriteBackTracking() Option {
	return func(p *Pool) {
		p.writeBack = true
	}
}

// New creates a pool holding at most size open mappings
func New(size int, log *zap.SugaredLogger, opts ...Option) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{
		size:     size,
		clock:    timeutil.RealClock(),
		open:     mmap.Open,
		pageSize: uint64(os.Getpagesize()),
		log:      log,
	}
	for _, opt := range opts {
		opt(p)
	}
	files, err := simplelru.NewLRU[fileID, *entry](size, p.onEvict)
	if err != nil {
		// only fails for a non-positive size
		panic(err)
	}
	p.files = files
	return p
}

// onEvict runs inside simplelru with mu held.
func (p *Pool) onEvict(_ fileID, e *entry) {
	p.evicted = append(p.evicted, e)
}

// unlockAndDestroy releases mu and then drops the pool's reference on every
// entry evicted while it was held. mu and destructionMu are never held
// together and no lock is held while unmapping.
func (p *Pool) unlockAndDestroy() {
	evicted := p.evicted
	p.evicted = nil
	p.mu.Unlock()
	if len(evicted) == 0 {
		return
	}

	p.destructionMu.Lock()
	doomed := append(p.deferred, evicted...)
	p.deferred = nil
	p.destructionMu.Unlock()

	for _, e := range doomed {
		if err := e.mapping.Release(); err != nil {
			p.log.Warnf("closing %s: %v", e.mapping.Path(), err)
		}
	}
}

// OpenFile returns a mapping of file in storage st. The returned mapping
// carries a reference the caller must Release. A cached read-only mapping
// asked for writing is closed and reopened writable.
func (p *Pool) OpenFile(st storage.Index, savePath string, file storage.FileIndex, layout storage.Layout, mode storage.OpenMode) (*mmap.Mapping, error) {
	key := fileID{storage: st, file: file}

	p.mu.Lock()
	if e, ok := p.files.Get(key); ok {
		if e.mode.Satisfies(mode) {
			e.lastUse = p.clock.Now()
			m := e.mapping.Retain()
			p.mu.Unlock()
			return m, nil
		}
		mode |= e.mode
		p.files.Remove(key)
	}

	if p.files.Len() >= p.size {
		p.files.RemoveOldest()
	}

	path := layout.FilePath(file, savePath)
	m, err := p.open(path, layout.FileSize(file), mode)
	if err != nil {
		p.unlockAndDestroy()
		return nil, tracerr.Errorf("open file %d of storage %d (%s): %w", file, st, path, err)
	}
	p.files.Add(key, &entry{
		key:     key,
		mapping: m,
		mode:    mode,
		lastUse: p.clock.Now(),
	})
	ret := m.Retain()
	p.unlockAndDestroy()
	return ret, nil
}

// Release drops every mapping.
func (p *Pool) Release() {
	p.mu.Lock()
	p.files.Purge()
	p.unlockAndDestroy()
}

// ReleaseStorage drops every mapping of storage st.
func (p *Pool) ReleaseStorage(st storage.Index) {
	p.mu.Lock()
	for _, key := range p.files.Keys() {
		if key.storage == st {
			p.files.Remove(key)
		}
	}
	p.unlockAndDestroy()
}

// ReleaseFile drops the mapping of one file.
func (p *Pool) ReleaseFile(st storage.Index, file storage.FileIndex) {
	p.mu.Lock()
	p.files.Remove(fileID{storage: st, file: file})
	p.unlockAndDestroy()
}

// Resize changes the limit, evicting the oldest mappings if needed.
func (p *Pool) Resize(size int) {
	if size < 1 {
		size = 1
	}
	p.mu.Lock()
	p.size = size
	p.files.Resize(size)
	p.unlockAndDestroy()
}

func (p *Pool) SizeLimit() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

// Len returns the number of mappings held by the pool.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.files.Len()
}

// Status returns the open mappings of storage st, oldest first.
func (p *Pool) Status(st storage.Index) []OpenFileState {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ret []OpenFileState
	for _, key := range p.files.Keys() {
		if key.storage != st {
			continue
		}
		e, _ := p.files.Peek(key)
		ret = append(ret, OpenFileState{
			File:    key.file,
			Path:    e.mapping.Path(),
			Mode:    e.mode,
			LastUse: e.lastUse,
		})
	}
	return ret
}

// CloseOldest drops the least recently used mapping, if any.
func (p *Pool) CloseOldest() {
	p.mu.Lock()
	p.files.RemoveOldest()
	p.unlockAndDestroy()
}
