package kthread

type (
	// Semaphore is a counting semaphore, with a FIFO queue of waiting
	// threads. Up may be called from interrupt context.
	Semaphore struct {
		k       *Kernel
		waiters threadList
		value   uint
	}

	// Lock is a mutual exclusion lock, which may be held by at most one
	// thread, and is not recursive.
	Lock struct {
		sema   *Semaphore
		holder *Thread
	}
)

// NewSemaphore initializes a semaphore with the given value.
func NewSemaphore(k *Kernel, value uint) *Semaphore {
	if k == nil {
		panic(`kthread: nil kernel`)
	}
	return &Semaphore{
		k:       k,
		waiters: newThreadList(schedElem),
		value:   value,
	}
}

// Down waits for the value to become positive, then decrements it.
func (x *Semaphore) Down() {
	k := x.k
	k.assert(!k.inIntr, `semaphore down in interrupt context`)
	old := k.intrDisable()
	for x.value == 0 {
		x.waiters.pushBack(k.current)
		k.Block()
	}
	x.value--
	k.IntrSetLevel(old)
}

// TryDown decrements the value, only if it is positive, without waiting.
func (x *Semaphore) TryDown() bool {
	k := x.k
	old := k.intrDisable()
	ok := x.value > 0
	if ok {
		x.value--
	}
	k.intrRestore(old)
	return ok
}

// Up increments the value, and wakes the longest waiting thread, if any.
func (x *Semaphore) Up() {
	k := x.k
	old := k.intrDisable()
	if t := x.waiters.popFront(); t != nil {
		k.Unblock(t)
	}
	x.value++
	k.intrRestore(old)
}

// Value returns the current value.
func (x *Semaphore) Value() uint { return x.value }

// NewLock initializes an unheld lock.
func NewLock(k *Kernel) *Lock {
	return &Lock{sema: NewSemaphore(k, 1)}
}

// Acquire waits for the lock to become available, then takes it.
func (x *Lock) Acquire() {
	k := x.sema.k
	k.assert(!x.HeldByCurrent(), `lock already held by %s`, k.current)
	x.sema.Down()
	x.holder = k.current
}

// TryAcquire takes the lock, only if it is available.
func (x *Lock) TryAcquire() bool {
	k := x.sema.k
	k.assert(!x.HeldByCurrent(), `lock already held by %s`, k.current)
	if !x.sema.TryDown() {
		return false
	}
	x.holder = k.current
	return true
}

// Release releases the lock, which must be held by the running thread.
func (x *Lock) Release() {
	k := x.sema.k
	k.assert(x.HeldByCurrent(), `lock not held by %s`, k.current)
	x.holder = nil
	x.sema.Up()
}

// HeldByCurrent reports whether the running thread holds the lock.
func (x *Lock) HeldByCurrent() bool { return x.holder != nil && x.holder == x.sema.k.current }
