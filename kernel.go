package kthread

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/go-kthread/internal/palloc"
	"github.com/joeycumines/logiface"
)

const (
	// DefaultTimeSlice is the number of timer ticks each thread may run for,
	// before preemption is requested.
	DefaultTimeSlice = 4

	// DefaultPages is the size of the default page pool, in pages.
	DefaultPages = 256
)

type (
	// Config models optional configuration, for New.
	Config struct {
		// Logger is used for all kernel logging, and may be nil.
		Logger *logiface.Logger[logiface.Event]

		// Allocator supplies the per-thread storage pages. If nil, a pool of
		// Pages pages, each PageSize bytes, is created (and released by
		// Kernel.Close).
		Allocator PageAllocator

		// SpawnRates optionally limits the rate at which each thread may
		// create children, see catrate.NewLimiter. Exceeding the limit fails
		// Kernel.Create with ErrSpawnLimited. The limiter's own background
		// goroutine may outlive Kernel.Run, for up to the longest window.
		SpawnRates map[time.Duration]int

		// Pages is the number of pages in the default pool.
		// **Defaults to DefaultPages, if 0.**
		Pages int

		// PageSize is the page size of the default pool.
		// **Defaults to palloc.DefaultPageSize, if 0.**
		PageSize int

		// TimeSlice is the number of timer ticks per time slice.
		// **Defaults to DefaultTimeSlice, if 0.**
		TimeSlice int

		// MainName is the name of the bootstrap thread, which runs the
		// function passed to Kernel.Run.
		// **Defaults to "main", if empty.**
		MainName string

		// TickInterval configures a real-time ticker raising the timer
		// interrupt, while the kernel runs, if positive. If not set, timer
		// interrupts must be raised via Kernel.RaiseTimer.
		TickInterval time.Duration
	}

	// PageAllocator supplies zeroed pages, used as thread storage.
	PageAllocator interface {
		// AllocZeroed returns a zeroed page, or an error if none are
		// available.
		AllocZeroed() ([]byte, error)
		// Free returns a page obtained from AllocZeroed.
		Free(page []byte)
	}

	// Kernel is a single CPU, preemptible thread scheduler. Instances must
	// be initialized using New, and may be run exactly once.
	//
	// Each thread is backed by a goroutine, and exactly one of them (the
	// running thread) holds the CPU at any time. With the exception of
	// RaiseInterrupt, RaiseTimer and Stats, methods must only be called from
	// thread context, i.e. from within a ThreadFunc, or the function passed
	// to Run.
	Kernel struct {
		// betteralign:ignore

		_ [0]func() // no copy

		logger    *logiface.Logger[logiface.Event]
		pages     PageAllocator
		pool      *palloc.Pool // owned, may be nil
		spawn     *catrate.Limiter
		ctx       context.Context
		handlers  [NumVectors]interruptHandler
		irq       chan struct{}
		haltAck   chan struct{}
		tidLock   *Lock
		current   *Thread
		bootstrap *Thread
		idle      *Thread
		reclaim   *Thread // pending reclamation slot
		haltOwner *Thread
		haltCause error
		mainName  string
		ready     threadList
		all       threadList
		stats     statCounters

		tickInterval time.Duration
		timeSlice    int
		sliceTicks   int
		nextTid      Tid

		pending atomic.Uint32
		started atomic.Bool

		intrOn        bool
		inIntr        bool
		yieldOnReturn bool
		halting       bool
	}
)

// New initializes a new Kernel, using the provided Config, which may be nil.
// Kernel.Close should be called once the kernel is no longer needed.
func New(config *Config) (*Kernel, error) {
	k := Kernel{
		ready:     newThreadList(schedElem),
		all:       newThreadList(registryElem),
		irq:       make(chan struct{}, 1),
		haltAck:   make(chan struct{}),
		mainName:  `main`,
		timeSlice: DefaultTimeSlice,
		nextTid:   1,
	}

	var (
		pages    = DefaultPages
		pageSize = palloc.DefaultPageSize
	)

	if config != nil {
		k.logger = config.Logger
		k.pages = config.Allocator
		k.tickInterval = config.TickInterval
		if config.MainName != `` {
			k.mainName = config.MainName
		}
		if config.TimeSlice != 0 {
			k.timeSlice = config.TimeSlice
		}
		if config.Pages != 0 {
			pages = config.Pages
		}
		if config.PageSize != 0 {
			pageSize = config.PageSize
		}
		if len(config.SpawnRates) != 0 {
			spawn, err := newSpawnLimiter(config.SpawnRates)
			if err != nil {
				return nil, err
			}
			k.spawn = spawn
		}
	}

	if k.timeSlice <= 0 {
		return nil, fmt.Errorf(`kthread: invalid time slice: %d`, k.timeSlice)
	}

	if k.pages == nil {
		pool, err := palloc.New(pages, pageSize)
		if err != nil {
			return nil, err
		}
		k.pool = pool
		k.pages = pool
	}

	k.tidLock = NewLock(&k)
	k.handlers[TimerVector] = interruptHandler{name: `timer`, fn: (*Kernel).ThreadTick}

	return &k, nil
}

// newSpawnLimiter converts the panic of catrate.NewLimiter, on invalid
// rates, to an error.
func newSpawnLimiter(rates map[time.Duration]int) (limiter *catrate.Limiter, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf(`kthread: invalid spawn rates: %v`, r)
		}
	}()
	return catrate.NewLimiter(rates), nil
}

// Close releases the page pool, if it is owned by the kernel. It must not be
// called while Run is in progress.
func (x *Kernel) Close() error {
	if x.pool != nil {
		return x.pool.Close()
	}
	return nil
}

// Run boots the kernel, then runs entry(arg) as the bootstrap thread (named
// per Config.MainName), on a new goroutine. The idle thread is started
// before entry is called.
//
// Run returns once the machine halts, which occurs when entry returns, a
// thread calls PowerOff, the idle thread is the only thread left, a thread
// panics (PanicError), or ctx is canceled (ctx.Err()). Cancellation is
// observed at the next preemption point. Every thread has unwound, running
// its deferred calls, by the time Run returns.
func (x *Kernel) Run(ctx context.Context, entry ThreadFunc, arg any) error {
	if ctx == nil {
		panic(`kthread: nil context`)
	}
	if entry == nil {
		panic(`kthread: nil entry`)
	}
	if !x.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	x.ctx = ctx

	stopTicker := x.startTicker()
	defer stopTicker()

	done := make(chan error, 1)
	go x.bootstrapMain(x.initBootstrap(), entry, arg, done)
	return <-done
}

// bootstrapMain is the root of the bootstrap thread's goroutine. The result
// of Run is sent to done, after the machine has halted.
func (x *Kernel) bootstrapMain(t *Thread, entry ThreadFunc, arg any, done chan<- error) {
	var err error
	defer func() { done <- err }()

	defer func() {
		if r := recover(); r != nil {
			x.recordFault(t, r, debug.Stack())
			if !x.halting {
				x.halting = true
				x.intrOn = false
				x.drain(t)
			}
		}
		if err == nil {
			err = x.haltCause
		}
	}()

	if err = x.startIdle(); err != nil {
		return
	}

	x.callEntry(t, entry, arg)
}

// initBootstrap creates the bootstrap thread, as the running thread.
func (x *Kernel) initBootstrap() *Thread {
	t := &Thread{
		k:        x,
		name:     truncateName(x.mainName),
		priority: PriDefault,
		magic:    threadMagic,
		status:   StatusRunning,
	}
	t.cont.state = contStarted
	t.cont.wake = make(chan wakeup, 1)
	t.childSema = NewSemaphore(x, 0)
	x.all.pushBack(t)
	x.current = t
	x.bootstrap = t
	t.tid = x.allocateTid()
	return t
}

// startIdle creates the idle thread, enables interrupts, and waits for the
// idle thread to initialize.
func (x *Kernel) startIdle() error {
	started := NewSemaphore(x, 0)
	if _, err := x.create(`idle`, PriMin, x.idleMain, started, true); err != nil {
		return err
	}
	x.IntrEnable()
	started.Down()
	return nil
}

func (x *Kernel) startTicker() (stop func()) {
	if x.tickInterval <= 0 {
		return func() {}
	}
	var (
		ticker = time.NewTicker(x.tickInterval)
		done   = make(chan struct{})
		wg     sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				x.RaiseTimer()
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(done)
		wg.Wait()
	}
}

// PowerOff halts the machine, and never returns. Parked threads are unwound
// (their deferred calls run), then Run returns.
func (x *Kernel) PowerOff() {
	x.assert(!x.inIntr, `power off from interrupt context`)
	x.halt(nil)
}

// halt stops the machine from the context of the running thread. It never
// returns. The caller's goroutine is unwound last, once every other thread
// has been drained.
func (x *Kernel) halt(cause error) {
	if x.halting {
		x.haltThread()
	}
	x.shutdown(cause)
	x.haltOwner = x.current
	x.haltThread()
}

func (x *Kernel) shutdown(cause error) {
	x.halting = true
	x.intrOn = false
	if x.haltCause == nil {
		x.haltCause = cause
	}
	b := x.logger.Info().
		Stringer(`thread`, x.current).
		Int64(`ticks`, x.stats.ticks.Load())
	if cause != nil {
		b = b.Err(cause)
	}
	b.Log(`powering off`)
	x.drain(x.current)
}

// drain unwinds every parked thread goroutine, other than h and the
// bootstrap thread, one at a time. Each holds the CPU while it unwinds.
func (x *Kernel) drain(h *Thread) {
	var parked []*Thread
	x.all.each(func(t *Thread) bool {
		if t != h && t != x.bootstrap && t.cont.state == contStarted {
			parked = append(parked, t)
		}
		return true
	})
	for _, t := range parked {
		x.current = t
		t.cont.wake <- wakeHalt
		<-x.haltAck
	}
	x.current = h
}

func (x *Kernel) recordFault(t *Thread, r any, stack []byte) {
	pe, ok := r.(*PanicError)
	if !ok {
		pe = &PanicError{Value: r, Stack: stack}
		if t != nil {
			pe.Thread = t.name
			pe.Tid = t.tid
		}
	}
	x.logger.Emerg().
		Str(`thread`, pe.Thread).
		Int64(`tid`, int64(pe.Tid)).
		Err(pe).
		Log(`kernel panic`)
	// the first panic wins, over any other cause
	if _, ok := x.haltCause.(*PanicError); !ok {
		x.haltCause = pe
	}
}

func (x *Kernel) assert(cond bool, format string, args ...any) {
	if !cond {
		panic(assertionError(format, args...))
	}
}
