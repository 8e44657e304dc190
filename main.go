package main

import (
	"bytes"
	"crypto/sha1"
	"flag"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/rarydzu/gdiskio/config"
	"github.com/rarydzu/gdiskio/diskjob"
	"github.com/rarydzu/gdiskio/storage"
	"github.com/rarydzu/gdiskio/utils"
	"github.com/rarydzu/gdiskio/worker"
	"go.uber.org/zap"
)

var fSavePath = flag.String("save_path", "/tmp/gdiskio", "Directory the demo storage is written to.")
var fStatePath = flag.String("state_path", "", "Path to the resume store, empty disables check jobs.")
var fFiles = flag.Int("files", 8, "Number of files in the demo storage.")
var fFileSize = flag.Int64("file_size", 1<<20, "Size of every demo file.")
var fBlockSize = flag.Int("block_size", 16<<10, "Size of every write.")
var fWorkers = flag.Int("workers", config.DefaultWorkers, "Number of disk worker goroutines.")
var fFileViews = flag.Int("file_views", config.DefaultFileViews, "Maximum number of open file mappings.")
var fMetrics = flag.String("metrics_address", "", "Address to serve prometheus metrics on.")
var fServe = flag.Bool("serve", false, "Keep running after the demo until SIGINT/SIGTERM.")
var fDev = flag.Bool("dev", false, "Run in development mode")

func main() {
	flag.Parse()
	logger, err := zap.NewProduction()
	if *fDev {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		log.Fatalf("Failed to initialize zap logger: %v", err)
	}
	sugarlog := logger.Sugar()
	defer sugarlog.Sync()

	if *fFiles < 1 || *fFileSize < 1 || *fBlockSize < 1 {
		log.Fatalf("--files, --file_size and --block_size must be positive")
	}

	cfg := config.Default()
	cfg.Path = *fStatePath
	cfg.Workers = *fWorkers
	cfg.FileViews = *fFileViews
	cfg.DebugMode = *fDev
	cfg.MetricsAddress = *fMetrics

	w, err := worker.New(cfg, sugarlog)
	if err != nil {
		log.Fatalf("worker: %v", err)
	}
	if err := w.Start(); err != nil {
		log.Fatalf("Start: %v", err)
	}
	if err := demo(w, sugarlog); err != nil {
		sugarlog.Errorf("demo failed: %v", err)
	}
	if !*fServe {
		w.Processor.Shutdown()
		return
	}
	w.Wait()
}

// demo writes random data to a synthetic storage, hashes it back, and moves
// it, exercising both plain and fence jobs.
func demo(w *worker.Worker, log *zap.SugaredLogger) error {
	entries := make([]storage.FileEntry, *fFiles)
	for i := range entries {
		entries[i] = storage.FileEntry{Path: fmt.Sprintf("file%03d.bin", i), Size: *fFileSize}
	}
	layout := storage.NewFiles(entries...)
	d := w.Dispatcher
	const st = storage.Index(1)
	if err := d.AddStorage(st, layout, filepath.Join(*fSavePath, "a")); err != nil {
		return err
	}

	start := time.Now()
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	fail := func(j *diskjob.Job) {
		if j.Err == nil {
			return
		}
		mu.Lock()
		if firstErr == nil {
			firstErr = j.Err
		}
		mu.Unlock()
	}
	done := func(j *diskjob.Job) {
		fail(j)
		wg.Done()
	}

	digests := make([][]byte, *fFiles)
	for i := 0; i < *fFiles; i++ {
		data := utils.RandBytes(int(*fFileSize))
		sum := sha1.Sum(data)
		digests[i] = sum[:]
		for off := int64(0); off < *fFileSize; off += int64(*fBlockSize) {
			end := off + int64(*fBlockSize)
			if end > *fFileSize {
				end = *fFileSize
			}
			wg.Add(1)
			if err := d.AsyncWrite(st, storage.FileIndex(i), off, data[off:end], done); err != nil {
				return err
			}
		}
	}

	// queued behind every write above
	wg.Add(1)
	if err := d.AsyncMove(st, filepath.Join(*fSavePath, "b"), done); err != nil {
		return err
	}

	for i := 0; i < *fFiles; i++ {
		i := i
		wg.Add(1)
		err := d.AsyncHash(st, storage.FileIndex(i), 0, *fFileSize, func(j *diskjob.Job) {
			defer wg.Done()
			fail(j)
			if j.Err == nil && !bytes.Equal(j.Digest, digests[i]) {
				fail(&diskjob.Job{Err: fmt.Errorf("file %d digest mismatch", i)})
			}
		})
		if err != nil {
			return err
		}
	}
	wg.Add(1)
	if err := d.AsyncCheck(st, done); err != nil {
		return err
	}
	wg.Wait()
	if firstErr != nil {
		return firstErr
	}
	log.Infof("wrote, moved and verified %d files of %d bytes in %s", *fFiles, *fFileSize, time.Since(start))
	for _, s := range d.Status(st) {
		log.Debugf("open view: file %d %s %s last use %s", s.File, s.Mode, s.Path, s.LastUse.Format(time.RFC3339Nano))
	}
	return nil
}
