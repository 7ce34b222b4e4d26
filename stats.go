package kthread

import (
	"sync/atomic"
)

type (
	// Stats is a snapshot of the tick accounting, see Kernel.Stats.
	Stats struct {
		// IdleTicks is the number of timer ticks spent idle.
		IdleTicks int64
		// KernelTicks is the number of timer ticks spent in threads without
		// an attached Process.
		KernelTicks int64
		// UserTicks is the number of timer ticks spent in threads with an
		// attached Process.
		UserTicks int64
		// Ticks is the total number of timer ticks.
		Ticks int64
	}

	statCounters struct {
		idle   atomic.Int64
		kernel atomic.Int64
		user   atomic.Int64
		ticks  atomic.Int64
	}
)

// Stats returns the tick accounting. It may be called from any goroutine.
func (x *Kernel) Stats() Stats {
	return Stats{
		IdleTicks:   x.stats.idle.Load(),
		KernelTicks: x.stats.kernel.Load(),
		UserTicks:   x.stats.user.Load(),
		Ticks:       x.stats.ticks.Load(),
	}
}

// PrintStats logs the tick accounting, at the informational level.
func (x *Kernel) PrintStats() {
	s := x.Stats()
	x.logger.Info().
		Int64(`idle_ticks`, s.IdleTicks).
		Int64(`kernel_ticks`, s.KernelTicks).
		Int64(`user_ticks`, s.UserTicks).
		Log(`thread statistics`)
}
