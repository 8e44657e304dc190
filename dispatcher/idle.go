package dispatcher

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
)

// idleLoop closes the oldest mapping whenever the dispatcher has been idle
// for a whole interval or the system is short of memory.
func (d *Dispatcher) idleLoop(ctx context.Context) error {
	if d.cfg.IdleInterval <= 0 {
		return nil
	}
	t := time.NewTicker(d.cfg.IdleInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.done:
			return nil
		case <-t.C:
			d.idleTick()
		}
	}
}

func (d *Dispatcher) idleTick() {
	if d.cfg.WriteBackTracking {
		if err := d.views.FlushNextFile(); err != nil {
			d.log.Warnf("flushing dirty mapping: %v", err)
		}
	}
	if d.views.Len() == 0 {
		return
	}
	if d.idleFor() >= d.cfg.IdleInterval {
		d.log.Debugf("idle for %s, closing oldest file view", d.idleFor())
		d.views.CloseOldest()
		return
	}
	if d.memoryPressure() {
		d.log.Infof("memory pressure, closing oldest file view")
		d.views.CloseOldest()
	}
}

func (d *Dispatcher) memoryPressure() bool {
	if d.cfg.MemoryPressurePercent <= 0 {
		return false
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		d.log.Debugf("reading memory stats: %v", err)
		return false
	}
	return vm.UsedPercent >= d.cfg.MemoryPressurePercent
}
