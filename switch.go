package kthread

import (
	"runtime"
	"runtime/debug"
)

const (
	wakeResume wakeup = iota
	wakeHalt
)

const (
	contNotStarted contState = iota
	contStarted
)

type (
	// wakeup is sent to a parked thread goroutine, to hand it the CPU.
	wakeup uint8

	contState uint8

	// continuation is the saved execution context of a thread, which is
	// either a function yet to be called, or a parked goroutine.
	continuation struct {
		wake  chan wakeup
		entry ThreadFunc
		arg   any
		state contState
	}
)

// resume hands the CPU to t, starting its goroutine on first use.
func (x *Kernel) resume(t *Thread) {
	if t.cont.state == contNotStarted {
		t.cont.state = contStarted
		go x.threadMain(t)
		return
	}
	t.cont.wake <- wakeResume
}

// park blocks the goroutine of t until it is handed the CPU. If the machine
// halted instead, the goroutine exits, running its deferred calls.
func park(t *Thread) {
	if <-t.cont.wake == wakeHalt {
		t.halted = true
		runtime.Goexit()
	}
}

// switchTo transfers the CPU from cur to next. It returns false, without
// waiting, if cur is dying, in which case the caller must return without
// touching any kernel state.
func (x *Kernel) switchTo(cur, next *Thread) bool {
	detach := cur.status == StatusDying && cur != x.bootstrap
	x.current = next
	x.resume(next)
	if detach {
		return false
	}
	park(cur)
	return true
}

// threadMain is the root of every thread goroutine, other than the
// bootstrap thread's.
func (x *Kernel) threadMain(t *Thread) {
	defer x.recoverThread(t)

	x.scheduleTail()
	x.IntrEnable()

	x.callEntry(t, t.cont.entry, t.cont.arg)
}

// callEntry runs entry as the body of t. Once entry returns, or t calls
// Exit, t exits, unless it is the bootstrap thread returning, which halts
// the machine. Panics are propagated, wrapped as a PanicError.
func (x *Kernel) callEntry(t *Thread, entry ThreadFunc, arg any) {
	defer func() {
		switch r := recover().(type) {
		case nil:
			switch {
			case t.halted:
			case t == x.bootstrap && !t.exiting:
				x.shutdown(nil)
			default:
				x.exit(t, t.exitStatus)
				x.assert(t != x.bootstrap, `bootstrap thread resumed after exit`)
			}
		case *PanicError:
			panic(r)
		default:
			panic(&PanicError{
				Value:  r,
				Stack:  debug.Stack(),
				Thread: t.name,
				Tid:    t.tid,
			})
		}
	}()
	entry(arg)
}

// recoverThread unwinds a thread goroutine that was halted, or panicked. The
// CPU is passed back to the halting thread (haltAck), or, if t is the one
// that halted the machine, to the bootstrap thread, which completes Run.
// A thread that exited has already given up the CPU.
func (x *Kernel) recoverThread(t *Thread) {
	r := recover()
	if r == nil && !t.halted {
		return
	}

	if r != nil {
		x.recordFault(t, r, debug.Stack())
		if !x.halting {
			x.halting = true
			x.intrOn = false
			x.drain(t)
			x.haltOwner = t
		}
	}

	if x.haltOwner == t {
		x.current = x.bootstrap
		x.bootstrap.cont.wake <- wakeHalt
		return
	}

	x.haltAck <- struct{}{}
}

// haltThread terminates the goroutine of the running thread, once the
// machine is halting.
func (x *Kernel) haltThread() {
	x.current.halted = true
	runtime.Goexit()
}
