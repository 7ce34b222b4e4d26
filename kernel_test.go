package kthread

import (
	"bytes"
	"context"
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKernel(t *testing.T, config *Config) *Kernel {
	t.Helper()
	k, err := New(config)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, k.Close()) })
	return k
}

// runTestKernel runs entry as the bootstrap thread, failing the test if the
// kernel does not halt in a timely manner.
func runTestKernel(t *testing.T, k *Kernel, entry ThreadFunc) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := k.Run(ctx, entry, nil)
	require.False(t, errors.Is(err, context.DeadlineExceeded), `kernel did not halt`)
	return err
}

// checkGoroutineLeaks returns a func that fails the test if the number of
// goroutines does not return to its current value.
func checkGoroutineLeaks(t *testing.T) func() {
	t.Helper()
	before := runtime.NumGoroutine()
	return func() {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for {
			n := runtime.NumGoroutine()
			if n <= before {
				return
			}
			if time.Now().After(deadline) {
				t.Errorf(`leaked goroutines: %d, expected at most %d`, n, before)
				return
			}
			time.Sleep(time.Millisecond)
		}
	}
}

func TestNew_defaults(t *testing.T) {
	k := newTestKernel(t, nil)
	assert.Equal(t, DefaultTimeSlice, k.timeSlice)
	assert.NotNil(t, k.pool)
	assert.Equal(t, DefaultPages, k.pool.Available())
	assert.Nil(t, k.spawn)
	assert.Equal(t, Stats{}, k.Stats())
}

func TestNew_invalid(t *testing.T) {
	for _, tc := range [...]struct {
		name   string
		config *Config
	}{
		{`negative time slice`, &Config{TimeSlice: -1}},
		{`negative pages`, &Config{Pages: -1}},
		{`tiny pages`, &Config{PageSize: 1}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			k, err := New(tc.config)
			assert.Error(t, err)
			assert.Nil(t, k)
		})
	}
}

func TestKernel_Run_entryReturns(t *testing.T) {
	defer checkGoroutineLeaks(t)()

	k := newTestKernel(t, nil)

	var (
		name  string
		tid   Tid
		level IntrLevel
	)
	require.NoError(t, runTestKernel(t, k, func(any) {
		name = k.CurrentName()
		tid = k.CurrentTid()
		level = k.IntrLevel()
	}))

	assert.Equal(t, `main`, name)
	assert.Equal(t, Tid(1), tid)
	assert.Equal(t, IntrOn, level)

	assert.ErrorIs(t, k.Run(context.Background(), func(any) {}, nil), ErrAlreadyStarted)
}

func TestKernel_Run_mainName(t *testing.T) {
	k := newTestKernel(t, &Config{MainName: `shell`})

	var name string
	require.NoError(t, runTestKernel(t, k, func(any) {
		name = k.Current().String()
	}))

	assert.Equal(t, `shell(1)`, name)
}

func TestKernel_Run_nilArgs(t *testing.T) {
	k := newTestKernel(t, nil)
	var ctx context.Context
	assert.PanicsWithValue(t, `kthread: nil context`, func() { _ = k.Run(ctx, func(any) {}, nil) })
	assert.Panics(t, func() { _ = k.Run(context.Background(), nil, nil) })
}

func TestKernel_Run_argPassedToEntry(t *testing.T) {
	k := newTestKernel(t, nil)
	var got any
	require.NoError(t, k.Run(context.Background(), func(arg any) { got = arg }, 42))
	assert.Equal(t, 42, got)
}

func TestKernel_Run_logging(t *testing.T) {
	var buf bytes.Buffer
	logger := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(&buf)),
		stumpy.L.WithLevel(logiface.LevelDebug),
	).Logger()

	k := newTestKernel(t, &Config{Logger: logger})

	require.NoError(t, runTestKernel(t, k, func(any) {
		tid, err := k.Create(`child`, PriDefault, func(any) { k.Exit(3) }, nil)
		require.NoError(t, err)
		_, _ = k.Wait(tid)
		k.PrintStats()
	}))

	out := buf.String()
	assert.Contains(t, out, `"msg":"thread created"`)
	assert.Contains(t, out, `"msg":"thread exiting"`)
	assert.Contains(t, out, `"msg":"thread reclaimed"`)
	assert.Contains(t, out, `"msg":"child reaped"`)
	assert.Contains(t, out, `"msg":"thread statistics"`)
	assert.Contains(t, out, `"msg":"powering off"`)
	assert.NotContains(t, out, `"msg":"switched in"`)
}

func TestKernel_PowerOff_unwindsAllThreads(t *testing.T) {
	defer checkGoroutineLeaks(t)()

	k := newTestKernel(t, nil)

	var (
		mainUnwound    bool
		blockedUnwound bool
		callerUnwound  bool
		afterPowerOff  bool
	)
	require.NoError(t, runTestKernel(t, k, func(any) {
		defer func() { mainUnwound = true }()

		never := NewSemaphore(k, 0)
		_, err := k.Create(`blocked`, PriDefault, func(any) {
			defer func() { blockedUnwound = true }()
			never.Down()
		}, nil)
		require.NoError(t, err)

		tid, err := k.Create(`poweroff`, PriDefault, func(any) {
			defer func() { callerUnwound = true }()
			k.PowerOff()
			afterPowerOff = true
		}, nil)
		require.NoError(t, err)

		_, _ = k.Wait(tid)
		t.Error(`main resumed after power off`)
	}))

	assert.True(t, mainUnwound)
	assert.True(t, blockedUnwound)
	assert.True(t, callerUnwound)
	assert.False(t, afterPowerOff)
}

func TestKernel_PowerOff_cannotBeRecovered(t *testing.T) {
	defer checkGoroutineLeaks(t)()

	k := newTestKernel(t, nil)

	var (
		parkedResumed bool
		callerResumed bool
		mainResumed   bool
	)
	require.NoError(t, runTestKernel(t, k, func(any) {
		never := NewSemaphore(k, 0)
		_, err := k.Create(`parked`, PriDefault, func(any) {
			func() {
				defer func() { _ = recover() }()
				never.Down()
			}()
			parkedResumed = true
		}, nil)
		require.NoError(t, err)

		_, err = k.Create(`poweroff`, PriDefault, func(any) {
			func() {
				defer func() { _ = recover() }()
				k.PowerOff()
			}()
			callerResumed = true
		}, nil)
		require.NoError(t, err)

		func() {
			defer func() { _ = recover() }()
			never.Down()
		}()
		mainResumed = true
	}))

	assert.False(t, parkedResumed)
	assert.False(t, callerResumed)
	assert.False(t, mainResumed)
}

func TestKernel_Run_bootstrapExitKeepsRunning(t *testing.T) {
	defer checkGoroutineLeaks(t)()

	k := newTestKernel(t, nil)

	var (
		childRan   bool
		mainTid    Tid
		lookupMain *Thread
	)
	require.NoError(t, runTestKernel(t, k, func(any) {
		mainTid = k.CurrentTid()
		_, err := k.Create(`child`, PriDefault, func(any) {
			lookupMain = k.Lookup(mainTid)
			childRan = true
		}, nil)
		require.NoError(t, err)
		k.Exit(0)
	}))

	assert.True(t, childRan)
	assert.Nil(t, lookupMain)
}

func TestKernel_Run_panicInThread(t *testing.T) {
	defer checkGoroutineLeaks(t)()

	k := newTestKernel(t, nil)

	var deferred bool
	err := runTestKernel(t, k, func(any) {
		defer func() { deferred = true }()
		tid, err := k.Create(`faulty`, PriDefault, func(any) {
			panic(`some fault`)
		}, nil)
		require.NoError(t, err)
		_, _ = k.Wait(tid)
	})

	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, `some fault`, pe.Value)
	assert.Equal(t, `faulty`, pe.Thread)
	assert.Equal(t, Tid(3), pe.Tid)
	assert.NotEmpty(t, pe.Stack)
	assert.Nil(t, pe.Unwrap())
	assert.True(t, deferred)
}

func TestKernel_Run_panicInBootstrap(t *testing.T) {
	k := newTestKernel(t, nil)

	sentinel := errors.New(`some error`)
	err := runTestKernel(t, k, func(any) {
		panic(sentinel)
	})

	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, `main`, pe.Thread)
	assert.ErrorIs(t, err, sentinel)
	assert.Contains(t, err.Error(), `kernel panic in thread main(1)`)
}

func TestKernel_Run_contextCanceledWhileRunning(t *testing.T) {
	defer checkGoroutineLeaks(t)()

	k := newTestKernel(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var spins int
	err := k.Run(ctx, func(any) {
		tid, err := k.Create(`spinner`, PriDefault, func(any) {
			for {
				spins++
				if spins == 10 {
					cancel()
				}
				k.Checkpoint()
			}
		}, nil)
		require.NoError(t, err)
		_, _ = k.Wait(tid)
	}, nil)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 10, spins)
}

func TestKernel_Run_contextCanceledWhileIdle(t *testing.T) {
	defer checkGoroutineLeaks(t)()

	k := newTestKernel(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := k.Run(ctx, func(any) {
		NewSemaphore(k, 0).Down()
	}, nil)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestKernel_Run_tickInterval(t *testing.T) {
	k := newTestKernel(t, &Config{TickInterval: time.Millisecond})

	require.NoError(t, runTestKernel(t, k, func(any) {
		for k.Stats().Ticks < 3 {
			k.Checkpoint()
			runtime.Gosched()
		}
	}))

	s := k.Stats()
	assert.GreaterOrEqual(t, s.Ticks, int64(3))
	assert.Equal(t, s.Ticks, s.IdleTicks+s.KernelTicks+s.UserTicks)
}
