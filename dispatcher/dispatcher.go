// Package dispatcher executes disk jobs. It owns the job pool, the file view
// pool and one fence per registered storage, and mediates between them: jobs
// are admitted by their storage's fence, executed by a fixed set of worker
// goroutines and reported back to the fence, which may release blocked jobs.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jinzhu/copier"
	"github.com/rarydzu/gdiskio/config"
	"github.com/rarydzu/gdiskio/diskjob"
	"github.com/rarydzu/gdiskio/fence"
	"github.com/rarydzu/gdiskio/jobpool"
	"github.com/rarydzu/gdiskio/resume"
	"github.com/rarydzu/gdiskio/storage"
	"github.com/rarydzu/gdiskio/viewpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNoSuchStorage = errors.New("no such storage")
	ErrStorageExists = errors.New("storage already registered")
	ErrStorageBusy   = errors.New("storage has jobs in flight")
	ErrStopped       = errors.New("dispatcher stopped")
	ErrOutOfRange    = errors.New("access out of file range")
	ErrNotSupported  = errors.New("layout does not support this operation")
)

type storageEntry struct {
	layout storage.Layout
	fence  *fence.Fence
	mu     sync.RWMutex
	path   string
}

func (e *storageEntry) savePath() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.path
}

func (e *storageEntry) setSavePath(p string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.path = p
}

type Dispatcher struct {
	cfg      *config.Config
	log      *zap.SugaredLogger
	jobs     *jobpool.Pool
	views    *viewpool.Pool
	resume   *resume.Store
	counters fence.Counters

	smu      sync.RWMutex
	storages map[storage.Index]*storageEntry

	qmu     sync.Mutex
	cond    *sync.Cond
	ready   diskjob.Queue
	started bool
	stopped bool
	done    chan struct{}

	lastActivity atomic.Int64
	g            *errgroup.Group
	closeOnce    sync.Once
	closeErr     error
}

type Option func(*Dispatcher)

// WithCounters sets the telemetry sink fences report to.
func WithCounters(c fence.Counters) Option {
	return func(d *Dispatcher) {
		d.counters = c
	}
}

// WithViewPool replaces the view pool built from the config.
func WithViewPool(v *viewpool.Pool) Option {
	return func(d *Dispatcher) {
		d.views = v
	}
}

// New creates a dispatcher. Jobs can be submitted right away but only run
// once Start is called.
func New(cfg *config.Config, log *zap.SugaredLogger, opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{
		cfg:      &config.Config{},
		log:      log,
		counters: fence.NopCounters{},
		storages: map[storage.Index]*storageEntry{},
		done:     make(chan struct{}),
	}
	if err := copier.Copy(d.cfg, cfg); err != nil {
		return nil, err
	}
	if d.cfg.Workers < 1 {
		d.cfg.Workers = 1
	}
	d.cond = sync.NewCond(&d.qmu)
	for _, opt := range opts {
		opt(d)
	}
	d.jobs = jobpool.New(log, jobpool.WithMaxFree(d.cfg.MaxFreeJobs))
	if d.views == nil {
		var vopts []viewpool.Option
		if d.cfg.WriteBackTracking {
			vopts = append(vopts, viewpool.WithWriteBackTracking())
		}
		d.views = viewpool.New(d.cfg.FileViews, log, vopts...)
	}
	if d.cfg.Path != "" {
		store, err := resume.Open(d.cfg.Path, log)
		if err != nil {
			return nil, err
		}
		d.resume = store
		ids, err := store.List()
		if err != nil {
			store.Close()
			return nil, err
		}
		log.Infof("resume store %s holds records of %d storages", d.cfg.Path, len(ids))
	}
	d.touch()
	return d, nil
}

// Jobs returns the job pool.
func (d *Dispatcher) Jobs() *jobpool.Pool {
	return d.jobs
}

// Views returns the file view pool.
func (d *Dispatcher) Views() *viewpool.Pool {
	return d.views
}

// AddStorage registers a storage and creates its fence.
func (d *Dispatcher) AddStorage(st storage.Index, layout storage.Layout, savePath string) error {
	d.smu.Lock()
	defer d.smu.Unlock()
	if _, ok := d.storages[st]; ok {
		return fmt.Errorf("storage %d: %w", st, ErrStorageExists)
	}
	d.storages[st] = &storageEntry{
		layout: layout,
		fence:  fence.New(),
		path:   savePath,
	}
	d.log.Debugf("added storage %d with %d files at %s", st, layout.NumFiles(), savePath)
	return nil
}

// RemoveStorage unregisters a storage and closes its mappings. It fails
// while the storage has running or blocked jobs.
func (d *Dispatcher) RemoveStorage(st storage.Index) error {
	d.smu.Lock()
	e, ok := d.storages[st]
	if !ok {
		d.smu.Unlock()
		return fmt.Errorf("storage %d: %w", st, ErrNoSuchStorage)
	}
	if e.fence.Outstanding() > 0 || e.fence.NumBlocked() > 0 {
		d.smu.Unlock()
		return fmt.Errorf("storage %d: %w", st, ErrStorageBusy)
	}
	delete(d.storages, st)
	d.smu.Unlock()
	d.views.ReleaseStorage(st)
	return nil
}

func (d *Dispatcher) storage(st storage.Index) (*storageEntry, error) {
	d.smu.RLock()
	defer d.smu.RUnlock()
	e, ok := d.storages[st]
	if !ok {
		return nil, fmt.Errorf("storage %d: %w", st, ErrNoSuchStorage)
	}
	return e, nil
}

// Fence returns the fence of a storage.
func (d *Dispatcher) Fence(st storage.Index) (*fence.Fence, error) {
	e, err := d.storage(st)
	if err != nil {
		return nil, err
	}
	return e.fence, nil
}

// Status returns the open mappings of a storage.
func (d *Dispatcher) Status(st storage.Index) []viewpool.OpenFileState {
	return d.views.Status(st)
}

// Submit hands j to its storage's fence. Admitted jobs are queued for the
// workers, blocked ones are released later by a completing job. On error the
// caller still owns j.
func (d *Dispatcher) Submit(j *diskjob.Job) error {
	d.qmu.Lock()
	stopped := d.stopped
	d.qmu.Unlock()
	if stopped {
		return ErrStopped
	}

	// the read lock keeps RemoveStorage out until the fence knows about j
	d.smu.RLock()
	defer d.smu.RUnlock()
	e, ok := d.storages[j.Storage]
	if !ok {
		return fmt.Errorf("storage %d: %w", j.Storage, ErrNoSuchStorage)
	}
	if j.Action.NeedsFence() {
		if e.fence.RaiseFence(j, d.counters) == fence.PostFence {
			d.enqueue(j)
		}
		return nil
	}
	if !e.fence.IsBlocked(j) {
		d.enqueue(j)
	}
	return nil
}

func (d *Dispatcher) enqueue(j *diskjob.Job) {
	d.qmu.Lock()
	d.ready.PushBack(j)
	d.qmu.Unlock()
	d.cond.Signal()
}

// enqueueFront puts jobs released by a fence ahead of everything queued.
func (d *Dispatcher) enqueueFront(q *diskjob.Queue) {
	d.qmu.Lock()
	n := q.Len()
	d.ready.Prepend(q)
	d.qmu.Unlock()
	if n == 1 {
		d.cond.Signal()
	} else {
		d.cond.Broadcast()
	}
}

// next blocks until a job is ready. It returns nil once stopped and drained.
func (d *Dispatcher) next() *diskjob.Job {
	d.qmu.Lock()
	defer d.qmu.Unlock()
	for d.ready.Empty() && !d.stopped {
		d.cond.Wait()
	}
	return d.ready.PopFront()
}

func (d *Dispatcher) popReady() *diskjob.Job {
	d.qmu.Lock()
	defer d.qmu.Unlock()
	return d.ready.PopFront()
}

// Start runs the workers and the idle closer until ctx is done or Stop is called.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.qmu.Lock()
	if d.started {
		d.qmu.Unlock()
		return fmt.Errorf("dispatcher already started")
	}
	d.started = true
	d.qmu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	d.g = g
	for i := 0; i < d.cfg.Workers; i++ {
		g.Go(d.run)
	}
	g.Go(func() error {
		return d.idleLoop(gctx)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			d.Stop()
		case <-d.done:
		}
		return nil
	})
	d.log.Infof("dispatcher started with %d workers", d.cfg.Workers)
	return nil
}

// Stop refuses new jobs. Workers finish every admitted and blocked job first.
func (d *Dispatcher) Stop() {
	d.qmu.Lock()
	if d.stopped {
		d.qmu.Unlock()
		return
	}
	d.stopped = true
	close(d.done)
	d.qmu.Unlock()
	d.cond.Broadcast()
}

// Wait blocks until the workers exit, then closes every mapping.
func (d *Dispatcher) Wait() error {
	d.closeOnce.Do(func() {
		d.closeErr = d.wait()
	})
	return d.closeErr
}

func (d *Dispatcher) wait() error {
	var err error
	if d.g != nil {
		err = d.g.Wait()
	}
	// jobs submitted while the workers were exiting
	for j := d.popReady(); j != nil; j = d.popReady() {
		j.Err = ErrStopped
		d.complete(j)
	}
	d.views.Release()
	d.jobs.Close()
	if d.resume != nil {
		if cerr := d.resume.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Close stops the dispatcher and waits for it.
func (d *Dispatcher) Close() error {
	d.Stop()
	return d.Wait()
}

func (d *Dispatcher) run() error {
	for {
		j := d.next()
		if j == nil {
			return nil
		}
		d.touch()
		if d.cfg.DebugMode {
			start := time.Now()
			d.execute(j)
			d.log.Debugf("storage %d: %s done in %s, err=%v", j.Storage, j, time.Since(start), j.Err)
		} else {
			d.execute(j)
		}
		d.complete(j)
	}
}

func (d *Dispatcher) complete(j *diskjob.Job) {
	e, err := d.storage(j.Storage)
	if err != nil {
		panic(fmt.Sprintf("dispatcher: completing %s: %v", j, err))
	}
	var out diskjob.Queue
	if n := e.fence.JobComplete(j, &out); n > 0 {
		d.log.Debugf("storage %d: %s released %d jobs", j.Storage, j.Action, n)
		d.enqueueFront(&out)
	}
	if j.Callback != nil {
		j.Callback(j)
	}
	d.jobs.FreeJob(j)
}

func (d *Dispatcher) touch() {
	d.lastActivity.Store(time.Now().UnixNano())
}

func (d *Dispatcher) idleFor() time.Duration {
	return time.Since(time.Unix(0, d.lastActivity.Load()))
}
