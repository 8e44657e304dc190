// Package fence implements the per-storage barrier that lets exclusive disk
// jobs (move, rename, delete, check...) run without any other job of the same
// storage in flight.
//
// Ordinary jobs run freely while no fence is raised. A fence job waits for
// every outstanding job to finish, and while any fence is pending new jobs
// queue behind it in arrival order. The fence never executes jobs; it only
// hands admitted jobs back to the caller.
package fence

import (
	"fmt"
	"sync"

	"github.com/rarydzu/gdiskio/diskjob"
)

// Post is the result of RaiseFence.
type Post int

const (
	// PostNone means the fence job was queued and must not be submitted
	PostNone Post = iota
	// PostFence means the fence job was admitted and must be submitted now
	PostFence
)

func (p Post) String() string {
	if p == PostFence {
		return "post_fence"
	}
	return "post_none"
}

type Fence struct {
	mu          sync.Mutex
	hasFence    int
	outstanding int
	blocked     diskjob.Queue
}

// New returns an idle fence
func New() *Fence {
	return &Fence{}
}

// admit marks j in progress. Called with mu held.
func (f *Fence) admit(j *diskjob.Job) {
	if j.Has(diskjob.InProgress) {
		panic(fmt.Sprintf("fence: admitting job already in progress: %s", j))
	}
	j.Set(diskjob.InProgress)
	f.outstanding++
}

// RaiseFence marks j as a fence job. If the storage is idle j is admitted
// and PostFence is returned; otherwise j is queued and PostNone returned.
func (f *Fence) RaiseFence(j *diskjob.Job, cnt Counters) Post {
	if j.Has(diskjob.InProgress) {
		panic(fmt.Sprintf("fence: raising fence with job in progress: %s", j))
	}
	if j.Has(diskjob.Fence) {
		panic(fmt.Sprintf("fence: job already raised a fence: %s", j))
	}
	j.Set(diskjob.Fence)

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.hasFence == 0 && f.outstanding == 0 {
		f.hasFence++
		// the caller submits j directly, without going through IsBlocked
		f.admit(j)
		return PostFence
	}

	f.hasFence++
	j.SetBlocked(true)
	f.blocked.PushBack(j)
	cnt.Inc(BlockedDiskJobs)
	return PostNone
}

// IsBlocked admits j unless a fence is raised, in which case j is queued and
// true is returned.
func (f *Fence) IsBlocked(j *diskjob.Job) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.hasFence == 0 {
		f.admit(j)
		return false
	}
	j.SetBlocked(true)
	f.blocked.PushBack(j)
	return true
}

// JobComplete reports j as finished. Jobs admitted as a consequence are
// added to out and their number returned.
func (f *Fence) JobComplete(j *diskjob.Job, out *diskjob.Queue) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !j.Has(diskjob.InProgress) {
		panic(fmt.Sprintf("fence: completing job not in progress: %s", j))
	}
	j.Clear(diskjob.InProgress)

	if f.outstanding <= 0 {
		panic(fmt.Sprintf("fence: completing %s with no outstanding jobs", j))
	}
	f.outstanding--

	if j.Has(diskjob.Fence) {
		if f.outstanding != 0 {
			panic(fmt.Sprintf("fence: fence job %s completed with %d outstanding", j, f.outstanding))
		}
		f.hasFence--
		return f.drain(out)
	}

	// either other jobs are still running, or there is nothing to lower
	if f.outstanding > 0 || f.hasFence == 0 {
		return 0
	}

	// a fence is raised and nothing runs: the head must be the fence job
	bj := f.blocked.PopFront()
	if bj == nil || !bj.Has(diskjob.Fence) {
		panic(fmt.Sprintf("fence: raised fence with no fence job at the head of %d blocked", f.blocked.Len()))
	}
	f.admit(bj)
	bj.SetBlocked(false)
	// fence jobs go first, they are holding everything else up
	out.PushFront(bj)
	return 1
}

// drain admits blocked jobs after a fence was lowered, stopping at the next
// fence job. Called with mu held.
func (f *Fence) drain(out *diskjob.Queue) int {
	ret := 0
	for !f.blocked.Empty() {
		bj := f.blocked.PopFront()
		if bj.Has(diskjob.Fence) {
			// another fence: only admit it if nothing runs and nothing
			// was admitted ahead of it
			if f.outstanding == 0 && ret == 0 {
				f.admit(bj)
				bj.SetBlocked(false)
				out.PushBack(bj)
				return 1
			}
			f.blocked.PushFront(bj)
			return ret
		}
		f.admit(bj)
		bj.SetBlocked(false)
		out.PushBack(bj)
		ret++
	}
	return ret
}

func (f *Fence) HasFence() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hasFence != 0
}

func (f *Fence) NumBlocked() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blocked.Len()
}

// Outstanding returns the number of admitted jobs not yet completed.
func (f *Fence) Outstanding() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.outstanding
}
