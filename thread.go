package kthread

import (
	"encoding/binary"
	"strconv"
	"unicode/utf8"
)

const (
	// TidError is returned in place of a tid, if no thread was created.
	TidError Tid = -1

	// PriMin is the lowest thread priority.
	PriMin = 0
	// PriDefault is the priority of the bootstrap thread, and a sensible
	// default for new threads.
	PriDefault = 31
	// PriMax is the highest thread priority.
	PriMax = 63

	// names are stored the way they would fit a 16 byte, NUL-terminated
	// buffer
	maxNameLen = 15

	threadMagic uint32 = 0xcd6abf4b
)

// Status values, see Thread.Status.
const (
	// StatusCreated is the initial status of a new thread, which behaves
	// like StatusBlocked until the creator unblocks it.
	StatusCreated Status = iota
	StatusReady
	StatusRunning
	StatusBlocked
	StatusDying
)

type (
	// Tid identifies a thread. Tids are assigned in strictly increasing
	// order and never reused for the lifetime of a Kernel.
	Tid int32

	// Status is the scheduling state of a thread.
	Status uint8

	// ThreadFunc is the entry point of a thread. The thread exits with status
	// 0 if it returns.
	ThreadFunc func(arg any)

	// Process models the user program state a collaborating subsystem may
	// attach to a thread (address space, open files).
	Process interface {
		// Activate is called each time the owning thread is switched in, with
		// interrupts disabled.
		Activate()

		// Exit releases the resources of the process, and is called while the
		// owning thread exits, prior to it being marked as dying.
		Exit(status int)
	}

	// Thread is a thread control block. All fields are owned by the kernel,
	// and must only be accessed via the documented operations, from thread
	// context.
	Thread struct {
		// betteralign:ignore

		_ [0]func() // no copy

		k          *Kernel
		page       []byte
		parent     *Thread
		record     *childRecord
		children   []*childRecord
		childSema  *Semaphore
		process    Process
		cont       continuation
		name       string
		elem       listElem
		allElem    listElem
		exitStatus int
		priority   int
		tid        Tid
		magic      uint32
		status     Status
		exiting    bool // called Exit
		halted     bool // unwinding, as the machine halted
	}
)

func (x Status) String() string {
	switch x {
	case StatusCreated:
		return `created`
	case StatusReady:
		return `ready`
	case StatusRunning:
		return `running`
	case StatusBlocked:
		return `blocked`
	case StatusDying:
		return `dying`
	default:
		return `Status(` + strconv.Itoa(int(x)) + `)`
	}
}

// Tid returns the thread's identifier.
func (x *Thread) Tid() Tid { return x.tid }

// Name returns the (possibly truncated) name of the thread.
func (x *Thread) Name() string { return x.name }

// Status returns the thread's current status.
func (x *Thread) Status() Status { return x.status }

// Priority returns the thread's priority. It is stored, but does not affect
// scheduling order.
func (x *Thread) Priority() int { return x.priority }

// ParentTid returns the tid of the creating thread, or TidError for the
// bootstrap thread.
func (x *Thread) ParentTid() Tid {
	if x.parent == nil {
		return TidError
	}
	return x.parent.tid
}

// Process returns the process attached to the thread, or nil.
func (x *Thread) Process() Process { return x.process }

func (x *Thread) String() string {
	if x == nil {
		return `<nil>`
	}
	return x.name + `(` + strconv.Itoa(int(x.tid)) + `)`
}

// valid reports whether t appears to point to a live thread, a corrupted or
// reclaimed TCB fails the check.
func (x *Thread) valid() bool {
	if x == nil || x.magic != threadMagic {
		return false
	}
	if x.page != nil && binary.LittleEndian.Uint32(x.page) != threadMagic {
		return false
	}
	return true
}

// truncateName shortens name to at most maxNameLen bytes, without splitting
// a rune.
func truncateName(name string) string {
	if len(name) <= maxNameLen {
		return name
	}
	n := maxNameLen
	for n > 0 && !utf8.RuneStart(name[n]) {
		n--
	}
	return name[:n]
}
