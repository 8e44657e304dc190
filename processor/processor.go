package processor

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const (
	Reload   = "reload"
	Shutdown = "shutdown"
)

type operation struct {
	name string
	fn   func() error
}

// Processor runs registered operations on SIGHUP (reload) and on
// SIGINT/SIGTERM (shutdown). Shutdown operations run in registration order.
type Processor struct {
	ForceShutdownTimeout time.Duration // force shutdown timeout
	rChan                chan os.Signal
	mu                   sync.Mutex
	shutOps              []operation
	reloadOps            []operation
	wg                   sync.WaitGroup
	log                  *zap.SugaredLogger
	exit                 func(code int)
	once                 sync.Once
}

// New - creates new processor
func New(timeout time.Duration, log *zap.SugaredLogger) *Processor {
	return &Processor{
		ForceShutdownTimeout: timeout,
		rChan:                make(chan os.Signal, 1),
		log:                  log,
		exit:                 os.Exit,
	}
}

// Run assigns signals and starts processing
func (p *Processor) Run() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	signal.Notify(p.rChan, syscall.SIGHUP)
	ctxReload, cancel := context.WithCancel(context.Background())
	p.wg.Add(2)
	go p.processReloadSignal(ctxReload, stop)
	go p.processStopSignal(ctx, cancel)
}

// processReloadSignal runs reload operations until ctx is done
func (p *Processor) processReloadSignal(ctx context.Context, cancel context.CancelFunc) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			p.log.Debugf("reload handler stopped")
			cancel()
			return
		case <-p.rChan:
			p.callProcess(p.ops(Reload), Reload)
		}
	}
}

// processStopSignal runs shutdown operations, forcing exit after ForceShutdownTimeout
func (p *Processor) processStopSignal(ctx context.Context, cancel context.CancelFunc) {
	defer p.wg.Done()
	<-ctx.Done()
	tF := time.AfterFunc(p.ForceShutdownTimeout, func() {
		p.log.Warnf("timeout %d ms has elapsed, forcing exit", p.ForceShutdownTimeout.Milliseconds())
		p.exit(1)
	})
	defer tF.Stop()
	p.Shutdown()
	cancel()
}

func (p *Processor) ops(process string) []operation {
	p.mu.Lock()
	defer p.mu.Unlock()
	if process == Shutdown {
		return append([]operation(nil), p.shutOps...)
	}
	return append([]operation(nil), p.reloadOps...)
}

// callProcess executes operations one after another, logging failures
func (p *Processor) callProcess(oper []operation, process string) {
	for _, op := range oper {
		if err := op.fn(); err != nil {
			p.log.Warnf("%s %s: failed (%s)", process, op.name, err.Error())
			continue
		}
		p.log.Infof("%s %s: succeeded", process, op.name)
	}
	p.log.Infof("%s sequence completed", process)
}

// Register registers a shutdown or reload operation
func (p *Processor) Register(process, operationName string, operationFunction func() error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	op := operation{name: operationName, fn: operationFunction}
	switch process {
	case Shutdown:
		p.shutOps = append(p.shutOps, op)
	case Reload:
		p.reloadOps = append(p.reloadOps, op)
	default:
		return fmt.Errorf("%s process unknown", process)
	}
	return nil
}

// Shutdown runs every shutdown operation once
func (p *Processor) Shutdown() {
	p.once.Do(func() {
		p.callProcess(p.ops(Shutdown), Shutdown)
	})
}

func (p *Processor) Wait() {
	p.wg.Wait()
}
