package kthread

import (
	"runtime"
)

// Block puts the running thread to sleep, until it is woken by Unblock.
// Interrupts must be off, and the caller must not be an interrupt handler.
// Most callers should use a Semaphore, instead.
func (x *Kernel) Block() {
	x.assert(!x.inIntr, `block in interrupt context`)
	x.assert(!x.intrOn, `block with interrupts enabled`)
	x.current.status = StatusBlocked
	x.schedule()
}

// Unblock moves a blocked (or newly created) thread to the end of the ready
// queue. It does not preempt the running thread, and may be called from an
// interrupt handler.
func (x *Kernel) Unblock(t *Thread) {
	x.assert(t.valid(), `unblock of invalid thread`)
	x.assert(t != x.idle, `unblock of idle thread`)
	old := x.intrDisable()
	x.assert(t.status == StatusBlocked || t.status == StatusCreated, `unblock of %s thread %s`, t.status, t)
	x.ready.pushBack(t)
	t.status = StatusReady
	x.intrRestore(old)
}

// Yield gives up the CPU. The running thread is moved to the back of the
// ready queue, and may be scheduled again immediately.
func (x *Kernel) Yield() {
	x.assert(!x.inIntr, `yield in interrupt context`)
	x.yield()
	x.preemptionPoint()
}

func (x *Kernel) yield() {
	cur := x.current
	old := x.intrDisable()
	if cur != x.idle {
		x.ready.pushBack(cur)
	}
	cur.status = StatusReady
	x.schedule()
	x.intrRestore(old)
}

// Exit terminates the running thread, reporting status to its parent. It
// never returns, and cannot be recovered. Deferred calls of the thread
// function are run, before the thread exits.
func (x *Kernel) Exit(status int) {
	x.assert(!x.inIntr, `exit in interrupt context`)
	t := x.current
	t.exitStatus = status
	t.exiting = true
	runtime.Goexit()
}

// exit tears down t, which must be the running thread. It returns only for
// a goroutine that must immediately return, having given up the CPU.
func (x *Kernel) exit(t *Thread, status int) {
	x.assert(!x.inIntr, `exit in interrupt context`)
	x.assert(t == x.current, `exit of non-running thread %s`, t)

	if t.process != nil {
		t.process.Exit(status)
	}

	x.intrDisable()

	x.reportExit(t, status)
	x.discardChildren(t)

	x.all.remove(t)
	t.status = StatusDying
	x.reclaim = t

	x.logger.Debug().
		Stringer(`thread`, t).
		Int(`status`, status).
		Log(`thread exiting`)

	x.schedule()
}

// idleMain runs when no other thread is ready, and waits for interrupts.
func (x *Kernel) idleMain(arg any) {
	x.idle = x.current
	arg.(*Semaphore).Up()

	for {
		x.IntrDisable()
		x.Block()
		x.waitForInterrupt()
	}
}

// waitForInterrupt enables interrupts and waits for one to arrive, handling
// it before returning. The machine is powered off instead, if no thread
// other than idle is left.
func (x *Kernel) waitForInterrupt() {
	if x.all.Len() == 1 {
		x.halt(nil)
	}
	x.intrOn = true
	for x.pending.Load() == 0 && x.ctx.Err() == nil {
		select {
		case <-x.irq:
		case <-x.ctx.Done():
		}
	}
	x.preemptionPoint()
}
