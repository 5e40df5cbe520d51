package forwarder

import (
	"context"
	"fmt"
	"time"
)

// Run executes sync cycles on the configured interval until the context is
// canceled. It also runs the defensive stuck-claim sweep on its own slower
// cadence. At most one cycle is active at a time; a tick that fires while a
// cycle is still running is skipped, not queued.
func (f *Forwarder) Run(ctx context.Context) {
	ticker := time.NewTicker(f.settings.SyncInterval)
	defer ticker.Stop()
	sweeper := time.NewTicker(f.settings.SweepInterval)
	defer sweeper.Stop()

	f.logger.Info(fmt.Sprintf("forwarder '%s' started (interval %s)", f.workerId, f.settings.SyncInterval))
	for {
		select {
		case <-ctx.Done():
			f.logger.Info("forwarder stopped")
			return
		case <-ticker.C:
			f.TriggerNow(ctx)
		case <-sweeper.C:
			f.sweepStuck(ctx)
		}
	}
}

// TriggerNow runs one out-of-band sync cycle, subject to the same
// re-entrancy guard as the scheduled ticks. It reports whether a cycle
// actually ran.
func (f *Forwarder) TriggerNow(ctx context.Context) bool {
	if !f.running.CompareAndSwap(false, true) {
		f.logger.Debug("a sync cycle is already running, skipping this one")
		return false
	}
	defer f.running.Store(false)
	f.runCycle(ctx)
	return true
}

func (f *Forwarder) sweepStuck(ctx context.Context) {
	count, err := f.repository.UnclaimStuck(ctx, f.settings.UnclaimAfterSeconds)
	if err != nil {
		f.logger.Error("sweeping stuck claims", err)
		return
	}
	if count > 0 {
		f.logger.Warn(fmt.Sprintf("rescued %d entries stuck in claimed state", count))
	}
}
