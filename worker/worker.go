package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jinzhu/copier"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rarydzu/gdiskio/config"
	"github.com/rarydzu/gdiskio/dispatcher"
	"github.com/rarydzu/gdiskio/metrics"
	"github.com/rarydzu/gdiskio/processor"
	"go.uber.org/zap"
)

// Worker owns a dispatcher, its metrics endpoint and the signal processor.
type Worker struct {
	sync.RWMutex
	active     bool
	cancel     context.CancelFunc
	Processor  *processor.Processor
	Dispatcher *dispatcher.Dispatcher
	log        *zap.SugaredLogger
	server     *http.Server
	cfg        *config.Config
	// unregister the pools from the shared gauges
	forget []func()
}

func New(cfg *config.Config, log *zap.SugaredLogger) (*Worker, error) {
	w := &Worker{
		log: log,
		cfg: &config.Config{},
	}
	if err := copier.Copy(w.cfg, cfg); err != nil {
		return nil, err
	}
	d, err := dispatcher.New(w.cfg, w.log, dispatcher.WithCounters(metrics.NewSink()))
	if err != nil {
		return nil, err
	}
	w.forget = append(w.forget, metrics.RegisterJobPool(d.Jobs()), metrics.RegisterViewPool(d.Views()))
	w.Dispatcher = d
	return w, nil
}

func (w *Worker) Start() error {
	w.Lock()
	defer w.Unlock()
	if w.active {
		return fmt.Errorf("worker already active")
	}
	w.active = true
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	if err := w.Dispatcher.Start(ctx); err != nil {
		return err
	}
	w.Processor = processor.New(w.cfg.ShutdownTimeout, w.log)
	if err := w.Processor.Register(processor.Shutdown, "dispatcher", w.Stop); err != nil {
		return err
	}
	if w.cfg.MetricsAddress != "" {
		w.server = &http.Server{
			Addr:              w.cfg.MetricsAddress,
			Handler:           promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := w.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				w.log.Errorf("metrics server: %v", err)
			}
		}()
		if err := w.Processor.Register(processor.Shutdown, "metrics", w.stopMetrics); err != nil {
			return err
		}
	}
	w.Processor.Run()
	return nil
}

// Stop drains the dispatcher and closes every file view.
func (w *Worker) Stop() error {
	w.RLock()
	cancel := w.cancel
	w.RUnlock()
	if cancel != nil {
		cancel()
	}
	err := w.Dispatcher.Close()
	w.Lock()
	for _, f := range w.forget {
		f()
	}
	w.forget = nil
	w.Unlock()
	return err
}

func (w *Worker) stopMetrics() error {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.ShutdownTimeout/2)
	defer cancel()
	return w.server.Shutdown(ctx)
}

func (w *Worker) Wait() {
	w.Processor.Wait()
}
