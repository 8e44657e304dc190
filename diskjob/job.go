// Package diskjob defines the unit of disk work shared by the job pool, the
// job fence and the dispatcher.
package diskjob

import (
	"fmt"

	"github.com/rarydzu/gdiskio/storage"
)

type Action uint8

const (
	Read Action = iota
	Write
	Hash
	Move
	ReleaseFiles
	Delete
	Check
	Rename
	Resize
	numActions
)

var actionNames = [numActions]string{
	"read", "write", "hash", "move", "release_files", "delete", "check", "rename", "resize",
}

func (a Action) String() string {
	if a >= numActions {
		return fmt.Sprintf("action(%d)", a)
	}
	return actionNames[a]
}

// NeedsFence reports whether jobs of this kind need exclusive access to
// their storage.
func (a Action) NeedsFence() bool {
	switch a {
	case Move, ReleaseFiles, Delete, Check, Rename, Resize:
		return true
	}
	return false
}

type Flags uint8

const (
	// InProgress is set while the job is admitted and executing
	InProgress Flags = 1 << iota
	// Fence marks a job that raised a fence on its storage
	Fence
)

// Job is owned by exactly one of the job pool's free list, a fence's blocked
// queue or the dispatcher at any time.
type Job struct {
	Action  Action
	Storage storage.Index
	File    storage.FileIndex
	Offset  int64
	// Buffer is the destination of a read or the source of a write
	Buffer []byte
	// Path is the destination of a move or the new name of a rename
	Path string
	// Size is the new length of a resize or the range length of a hash
	Size  int64
	Flags Flags

	// results
	Err      error
	Digest   []byte
	Callback func(*Job)

	blocked bool
	inUse   bool
	next    *Job
}

func (j *Job) String() string {
	return fmt.Sprintf("%s storage=%d file=%d offset=%d", j.Action, j.Storage, j.File, j.Offset)
}

func (j *Job) Has(f Flags) bool {
	return j.Flags&f != 0
}

func (j *Job) Set(f Flags) {
	j.Flags |= f
}

func (j *Job) Clear(f Flags) {
	j.Flags &^= f
}

// Blocked reports whether the job sits in a fence's blocked queue.
func (j *Job) Blocked() bool {
	return j.blocked
}

// SetBlocked records the job entering or leaving a blocked queue. Setting
// the current value again is a contract violation.
func (j *Job) SetBlocked(b bool) {
	if j.blocked == b {
		panic(fmt.Sprintf("diskjob: blocked already %t for %s", b, j))
	}
	j.blocked = b
}

// InUse reports whether the job is currently allocated from a pool.
func (j *Job) InUse() bool {
	return j.inUse
}

// MarkInUse is called by the job pool on allocation and free.
func (j *Job) MarkInUse(b bool) {
	j.inUse = b
}

// Reset clears the payload, keeping the pool bookkeeping bit.
func (j *Job) Reset() {
	inUse := j.inUse
	*j = Job{}
	j.inUse = inUse
}
