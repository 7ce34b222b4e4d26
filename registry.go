package kthread

import (
	"encoding/binary"
	"fmt"
)

// Create starts a new thread, as a child of the running thread. The thread
// is queued to run entry(arg), and its tid is returned. The new thread may
// run (and exit) before Create returns, if the creator is preempted.
//
// Errors are ErrNoMemory, if no page could be allocated, or
// ErrSpawnLimited, see Config.SpawnRates. The tid is TidError, on error.
func (x *Kernel) Create(name string, priority int, entry ThreadFunc, arg any) (Tid, error) {
	return x.create(name, priority, entry, arg, false)
}

// create implements Create. Internal threads have no exit record, and are
// not subject to spawn rate limits.
func (x *Kernel) create(name string, priority int, entry ThreadFunc, arg any, internal bool) (Tid, error) {
	x.assert(entry != nil, `create with nil thread function`)
	x.assert(priority >= PriMin && priority <= PriMax, `create with invalid priority %d`, priority)

	parent := x.current

	if !internal && x.spawn != nil {
		if next, ok := x.spawn.Allow(parent.tid); !ok {
			x.logger.Debug().
				Stringer(`parent`, parent).
				Time(`next`, next).
				Log(`thread creation rate limited`)
			return TidError, ErrSpawnLimited
		}
	}

	page, err := x.pages.AllocZeroed()
	if err != nil {
		return TidError, fmt.Errorf(`%w: %w`, ErrNoMemory, err)
	}
	x.assert(len(page) >= 4, `page too small: %d`, len(page))
	binary.LittleEndian.PutUint32(page, threadMagic)

	t := &Thread{
		k:        x,
		page:     page,
		parent:   parent,
		name:     truncateName(name),
		priority: priority,
		magic:    threadMagic,
		status:   StatusCreated,
	}
	t.tid = x.allocateTid()
	t.cont = continuation{
		wake:  make(chan wakeup, 1),
		entry: entry,
		arg:   arg,
	}
	t.childSema = NewSemaphore(x, 0)

	if !internal {
		t.record = &childRecord{
			parent: parent,
			tid:    t.tid,
			status: -1,
		}
		parent.children = append(parent.children, t.record)
	}

	old := x.intrDisable()
	x.all.pushBack(t)
	x.intrRestore(old)

	x.logger.Debug().
		Stringer(`thread`, t).
		Stringer(`parent`, parent).
		Int(`priority`, priority).
		Log(`thread created`)

	x.Unblock(t)

	return t.tid, nil
}

func (x *Kernel) allocateTid() Tid {
	x.tidLock.Acquire()
	tid := x.nextTid
	x.nextTid++
	x.tidLock.Release()
	return tid
}

// Current returns the running thread.
func (x *Kernel) Current() *Thread {
	t := x.current
	x.assert(t.valid(), `current thread is invalid`)
	if !x.halting {
		x.assert(t.status == StatusRunning, `current thread %s is %s`, t, t.status)
	}
	return t
}

// CurrentTid returns the tid of the running thread.
func (x *Kernel) CurrentTid() Tid { return x.Current().tid }

// CurrentName returns the name of the running thread.
func (x *Kernel) CurrentName() string { return x.Current().name }

// Lookup returns the live thread identified by tid, or nil.
func (x *Kernel) Lookup(tid Tid) (t *Thread) {
	old := x.intrDisable()
	x.all.each(func(v *Thread) bool {
		if v.tid == tid {
			t = v
			return false
		}
		return true
	})
	x.intrRestore(old)
	return
}

// ForEach calls fn for every live thread, in creation order. Interrupts
// must be off.
func (x *Kernel) ForEach(fn func(t *Thread)) {
	x.assert(!x.intrOn, `for each thread with interrupts enabled`)
	x.all.each(func(t *Thread) bool {
		fn(t)
		return true
	})
}

// SetPriority sets the priority of the running thread.
func (x *Kernel) SetPriority(priority int) {
	x.assert(priority >= PriMin && priority <= PriMax, `invalid priority %d`, priority)
	x.Current().priority = priority
}

// Priority returns the priority of the running thread.
func (x *Kernel) Priority() int { return x.Current().priority }

// AttachProcess associates p with the running thread. It will be activated
// each time the thread is switched in, and exited when the thread exits.
func (x *Kernel) AttachProcess(p Process) {
	t := x.Current()
	old := x.intrDisable()
	t.process = p
	if p != nil {
		p.Activate()
	}
	x.intrRestore(old)
}
