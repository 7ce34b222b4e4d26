package kthread

// schedule switches to the next thread to run. The current thread must have
// already left the running state, and interrupts must be off.
func (x *Kernel) schedule() {
	if x.halting {
		x.haltThread()
	}

	cur := x.current
	x.assert(!x.intrOn, `schedule with interrupts enabled`)
	x.assert(cur.status != StatusRunning, `schedule from running thread %s`, cur)

	next := x.pickNext()
	x.assert(next.valid(), `invalid next thread %s`, next)

	if cur != next && !x.switchTo(cur, next) {
		return
	}

	x.scheduleTail()
}

// pickNext pops the front of the ready queue, falling back to the idle
// thread, which is never queued.
func (x *Kernel) pickNext() *Thread {
	if t := x.ready.popFront(); t != nil {
		return t
	}
	return x.idle
}

// scheduleTail completes a switch, in the context of the new thread.
func (x *Kernel) scheduleTail() {
	cur := x.current
	x.assert(!x.intrOn, `schedule tail with interrupts enabled`)

	cur.status = StatusRunning
	x.sliceTicks = 0

	if cur.process != nil {
		cur.process.Activate()
	}

	if prev := x.reclaim; prev != nil && prev != cur {
		x.reclaim = nil
		if prev != x.bootstrap {
			x.freeThread(prev)
		}
	}

	x.logger.Trace().
		Stringer(`thread`, cur).
		Log(`switched in`)
}

// freeThread releases the page of a dead thread. The TCB is poisoned, so any
// stale reference fails validation.
func (x *Kernel) freeThread(t *Thread) {
	x.assert(t.status == StatusDying, `free of %s thread %s`, t.status, t)
	x.pages.Free(t.page)
	t.page = nil
	t.magic = 0
	x.logger.Debug().
		Stringer(`thread`, t).
		Log(`thread reclaimed`)
}
