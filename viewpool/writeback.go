package viewpool

import (
	"github.com/rarydzu/gdiskio/storage"
)

// RecordFileWrite accounts pages written to a cached mapping.
func (p *Pool) RecordFileWrite(st storage.Index, file storage.FileIndex, pages uint64) {
	if !p.writeBack {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.files.Peek(fileID{storage: st, file: file}); ok {
		e.dirtyBytes += pages * p.pageSize
	}
}

// DirtyBytes returns the bytes written to a mapping since its last flush.
func (p *Pool) DirtyBytes(st storage.Index, file storage.FileIndex) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.files.Peek(fileID{storage: st, file: file}); ok {
		return e.dirtyBytes
	}
	return 0
}

// FlushNextFile flushes the mapping with the most dirty bytes. The flush
// itself runs without holding the pool lock.
func (p *Pool) FlushNextFile() error {
	if !p.writeBack {
		return nil
	}
	p.mu.Lock()
	var worst *entry
	for _, e := range p.files.Values() {
		if e.dirtyBytes > 0 && (worst == nil || e.dirtyBytes > worst.dirtyBytes) {
			worst = e
		}
	}
	if worst == nil {
		p.mu.Unlock()
		return nil
	}
	worst.dirtyBytes = 0
	m := worst.mapping.Retain()
	p.mu.Unlock()

	err := m.Flush()
	if rerr := m.Release(); err == nil {
		err = rerr
	}
	return err
}
