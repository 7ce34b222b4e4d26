package kthread

import (
	"fmt"
	"math/bits"
)

const (
	// TimerVector is the interrupt vector of the timer, which is handled by
	// Kernel.ThreadTick.
	TimerVector = 0

	// NumVectors is the number of interrupt vectors.
	NumVectors = 32
)

// Interrupt levels, see Kernel.IntrSetLevel.
const (
	IntrOff IntrLevel = iota
	IntrOn
)

type (
	// IntrLevel indicates whether interrupts are enabled.
	IntrLevel uint8

	// InterruptHandler is called in interrupt context, with interrupts
	// disabled. It must not block.
	InterruptHandler func(k *Kernel)

	interruptHandler struct {
		fn   InterruptHandler
		name string
	}
)

func (x IntrLevel) String() string {
	switch x {
	case IntrOff:
		return `off`
	case IntrOn:
		return `on`
	default:
		return fmt.Sprintf(`IntrLevel(%d)`, uint8(x))
	}
}

func levelOf(on bool) IntrLevel {
	if on {
		return IntrOn
	}
	return IntrOff
}

// RegisterInterrupt installs the handler for an external interrupt vector.
// It must be called prior to Run, and the timer vector is reserved.
func (x *Kernel) RegisterInterrupt(vec int, name string, handler InterruptHandler) {
	if vec <= TimerVector || vec >= NumVectors {
		panic(fmt.Errorf(`kthread: invalid interrupt vector: %d`, vec))
	}
	if handler == nil {
		panic(`kthread: nil interrupt handler`)
	}
	if x.started.Load() {
		panic(`kthread: register interrupt after start`)
	}
	x.handlers[vec] = interruptHandler{fn: handler, name: name}
}

// RaiseInterrupt marks vec as pending. It may be called from any goroutine.
// The handler runs at the next preemption point with interrupts enabled, on
// the running thread.
func (x *Kernel) RaiseInterrupt(vec int) {
	if vec < 0 || vec >= NumVectors {
		panic(fmt.Errorf(`kthread: invalid interrupt vector: %d`, vec))
	}
	x.pending.Or(1 << vec)
	select {
	case x.irq <- struct{}{}:
	default:
	}
}

// RaiseTimer raises the timer interrupt. It may be called from any
// goroutine.
func (x *Kernel) RaiseTimer() { x.RaiseInterrupt(TimerVector) }

// IntrLevel returns the current interrupt level.
func (x *Kernel) IntrLevel() IntrLevel { return levelOf(x.intrOn) }

// InIntrContext reports whether the caller is an interrupt handler.
func (x *Kernel) InIntrContext() bool { return x.inIntr }

// IntrDisable disables interrupts, returning the previous level.
func (x *Kernel) IntrDisable() IntrLevel { return x.intrDisable() }

// IntrEnable enables interrupts, returning the previous level. Any pending
// interrupts are handled before it returns.
func (x *Kernel) IntrEnable() IntrLevel {
	x.assert(!x.inIntr, `enable interrupts in interrupt context`)
	old := levelOf(x.intrOn)
	x.intrOn = true
	x.preemptionPoint()
	return old
}

// IntrSetLevel sets the interrupt level, returning the previous level.
func (x *Kernel) IntrSetLevel(level IntrLevel) IntrLevel {
	if level == IntrOn {
		return x.IntrEnable()
	}
	return x.IntrDisable()
}

// Checkpoint is a preemption point, which a long running thread should call
// periodically. Pending interrupts are handled, and the thread may be
// preempted, if interrupts are enabled.
func (x *Kernel) Checkpoint() {
	x.assert(!x.inIntr, `checkpoint in interrupt context`)
	x.preemptionPoint()
}

// YieldOnReturn requests that the interrupted thread yields the CPU, once
// the current interrupt has been handled.
func (x *Kernel) YieldOnReturn() {
	x.assert(x.inIntr, `yield on return outside interrupt context`)
	x.yieldOnReturn = true
}

// ThreadTick is the timer interrupt handler. It updates the tick accounting,
// and enforces the time slice.
func (x *Kernel) ThreadTick() {
	x.assert(x.inIntr, `thread tick outside interrupt context`)

	t := x.current
	x.stats.ticks.Add(1)
	switch {
	case t == x.idle:
		x.stats.idle.Add(1)
	case t.process != nil:
		x.stats.user.Add(1)
	default:
		x.stats.kernel.Add(1)
	}

	x.sliceTicks++
	if x.sliceTicks >= x.timeSlice {
		x.yieldOnReturn = true
		x.logger.Trace().
			Stringer(`thread`, t).
			Limit().
			Log(`time slice expired`)
	}
}

func (x *Kernel) intrDisable() IntrLevel {
	old := levelOf(x.intrOn)
	x.intrOn = false
	return old
}

// intrRestore sets the level without handling pending interrupts, for use
// by operations that must not preempt.
func (x *Kernel) intrRestore(level IntrLevel) {
	x.intrOn = level == IntrOn
}

// preemptionPoint handles pending interrupts, and observes cancellation of
// the Run context, if interrupts are enabled.
func (x *Kernel) preemptionPoint() {
	for x.intrOn && !x.inIntr && !x.halting {
		if err := x.ctx.Err(); err != nil {
			x.halt(err)
		}
		pending := x.pending.Swap(0)
		if pending == 0 {
			return
		}
		x.dispatch(pending)
	}
}

// dispatch runs the handlers for each pending vector, in vector order.
func (x *Kernel) dispatch(pending uint32) {
	x.intrOn = false
	x.inIntr = true

	for pending != 0 {
		vec := bits.TrailingZeros32(pending)
		pending &^= 1 << vec
		h := x.handlers[vec]
		if h.fn == nil {
			x.logger.Warning().
				Int(`vector`, vec).
				Limit().
				Log(`unexpected interrupt`)
			continue
		}
		h.fn(x)
	}

	x.inIntr = false
	x.intrOn = true

	if x.yieldOnReturn {
		x.yieldOnReturn = false
		x.yield()
	}
}
