// Package jobpool hands out disk job objects from a free list and keeps
// count of the jobs in use.
package jobpool

import (
	"fmt"
	"sync"

	"github.com/rarydzu/gdiskio/diskjob"
	"go.uber.org/zap"
)

const (
	// DefaultMaxFree is how many freed jobs are kept for reuse
	DefaultMaxFree = 1024
	// blockJobs is how many jobs are allocated at once when the free list is empty
	blockJobs = 64
)

type Stats struct {
	InUse  int
	Read   int
	Write  int
	Free   int
	Blocks int
}

type Pool struct {
	mu      sync.Mutex
	free    []*diskjob.Job
	maxFree int
	inUse   int
	read    int
	write   int
	blocks  int
	log     *zap.SugaredLogger
}

type Option func(*Pool)

// WithMaxFree bounds the number of jobs retained on the free list.
func WithMaxFree(n int) Option {
	return func(p *Pool) {
		p.maxFree = n
	}
}

// New creates an empty pool
func New(log *zap.SugaredLogger, opts ...Option) *Pool {
	p := &Pool{
		maxFree: DefaultMaxFree,
		log:     log,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Allocate returns a job of the given action marked in use.
func (p *Pool) Allocate(action diskjob.Action) *diskjob.Job {
	p.mu.Lock()
	if len(p.free) == 0 {
		p.grow()
	}
	j := p.free[len(p.free)-1]
	p.free[len(p.free)-1] = nil
	p.free = p.free[:len(p.free)-1]
	p.inUse++
	p.count(action, 1)
	p.mu.Unlock()

	if j.InUse() {
		panic(fmt.Sprintf("jobpool: allocated job already in use: %s", j))
	}
	j.MarkInUse(true)
	j.Action = action
	return j
}

// grow allocates one block of jobs. Called with mu held.
func (p *Pool) grow() {
	block := make([]diskjob.Job, blockJobs)
	for i := range block {
		p.free = append(p.free, &block[i])
	}
	p.blocks++
}

func (p *Pool) count(action diskjob.Action, n int) {
	switch action {
	case diskjob.Read:
		p.read += n
	case diskjob.Write:
		p.write += n
	}
}

// FreeJob destroys the job payload and returns it to the pool. Freeing a job
// that is not in use panics.
func (p *Pool) FreeJob(j *diskjob.Job) {
	if j == nil {
		panic("jobpool: free of nil job")
	}
	if !j.InUse() {
		panic(fmt.Sprintf("jobpool: free of job not in use: %s", j))
	}
	action := j.Action
	j.Reset()
	j.MarkInUse(false)

	p.mu.Lock()
	p.count(action, -1)
	p.inUse--
	p.put(j)
	p.mu.Unlock()
}

// FreeJobs frees a batch with a single lock acquisition.
func (p *Pool) FreeJobs(jobs []*diskjob.Job) {
	if len(jobs) == 0 {
		return
	}
	var reads, writes int
	for _, j := range jobs {
		if j == nil || !j.InUse() {
			panic(fmt.Sprintf("jobpool: batch free of job not in use: %v", j))
		}
		switch j.Action {
		case diskjob.Read:
			reads++
		case diskjob.Write:
			writes++
		}
		j.Reset()
		j.MarkInUse(false)
	}

	p.mu.Lock()
	p.read -= reads
	p.write -= writes
	p.inUse -= len(jobs)
	for _, j := range jobs {
		p.put(j)
	}
	p.mu.Unlock()
}

// put returns a job to the free list, dropping it past maxFree. Called with mu held.
func (p *Pool) put(j *diskjob.Job) {
	if len(p.free) < p.maxFree {
		p.free = append(p.free, j)
	}
}

func (p *Pool) JobsInUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

func (p *Pool) ReadJobs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.read
}

func (p *Pool) WriteJobs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.write
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		InUse:  p.inUse,
		Read:   p.read,
		Write:  p.write,
		Free:   len(p.free),
		Blocks: p.blocks,
	}
}

// Close logs jobs that were never returned.
func (p *Pool) Close() {
	st := p.Stats()
	if st.InUse != 0 {
		p.log.Warnf("job pool closed with %d jobs in use (%d read, %d write)", st.InUse, st.Read, st.Write)
	}
}
