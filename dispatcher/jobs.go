package dispatcher

import (
	"github.com/rarydzu/gdiskio/diskjob"
	"github.com/rarydzu/gdiskio/storage"
)

// Callback receives a finished job. The job and its buffer are returned to
// the pool when the callback returns and must not be retained.
type Callback func(*diskjob.Job)

func (d *Dispatcher) submitNew(j *diskjob.Job, cb Callback) error {
	j.Callback = cb
	if err := d.Submit(j); err != nil {
		d.jobs.FreeJob(j)
		return err
	}
	return nil
}

// AsyncRead reads len(buf) bytes at offset of file into buf.
func (d *Dispatcher) AsyncRead(st storage.Index, file storage.FileIndex, offset int64, buf []byte, cb Callback) error {
	j := d.jobs.Allocate(diskjob.Read)
	j.Storage = st
	j.File = file
	j.Offset = offset
	j.Buffer = buf
	return d.submitNew(j, cb)
}

// AsyncWrite writes data at offset of file.
func (d *Dispatcher) AsyncWrite(st storage.Index, file storage.FileIndex, offset int64, data []byte, cb Callback) error {
	j := d.jobs.Allocate(diskjob.Write)
	j.Storage = st
	j.File = file
	j.Offset = offset
	j.Buffer = data
	return d.submitNew(j, cb)
}

// AsyncHash computes the SHA-1 digest of length bytes at offset of file.
func (d *Dispatcher) AsyncHash(st storage.Index, file storage.FileIndex, offset, length int64, cb Callback) error {
	j := d.jobs.Allocate(diskjob.Hash)
	j.Storage = st
	j.File = file
	j.Offset = offset
	j.Size = length
	return d.submitNew(j, cb)
}

// AsyncMove moves every file of the storage below path.
func (d *Dispatcher) AsyncMove(st storage.Index, path string, cb Callback) error {
	j := d.jobs.Allocate(diskjob.Move)
	j.Storage = st
	j.Path = path
	return d.submitNew(j, cb)
}

// AsyncReleaseFiles closes every mapping of the storage.
func (d *Dispatcher) AsyncReleaseFiles(st storage.Index, cb Callback) error {
	j := d.jobs.Allocate(diskjob.ReleaseFiles)
	j.Storage = st
	return d.submitNew(j, cb)
}

// AsyncDelete removes every file of the storage from disk.
func (d *Dispatcher) AsyncDelete(st storage.Index, cb Callback) error {
	j := d.jobs.Allocate(diskjob.Delete)
	j.Storage = st
	return d.submitNew(j, cb)
}

// AsyncCheck verifies the storage's files against its resume record.
func (d *Dispatcher) AsyncCheck(st storage.Index, cb Callback) error {
	j := d.jobs.Allocate(diskjob.Check)
	j.Storage = st
	return d.submitNew(j, cb)
}

// AsyncRename gives file a new path relative to the save path.
func (d *Dispatcher) AsyncRename(st storage.Index, file storage.FileIndex, name string, cb Callback) error {
	j := d.jobs.Allocate(diskjob.Rename)
	j.Storage = st
	j.File = file
	j.Path = name
	return d.submitNew(j, cb)
}

// AsyncResize truncates or extends file to size.
func (d *Dispatcher) AsyncResize(st storage.Index, file storage.FileIndex, size int64, cb Callback) error {
	j := d.jobs.Allocate(diskjob.Resize)
	j.Storage = st
	j.File = file
	j.Size = size
	return d.submitNew(j, cb)
}
