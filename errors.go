package kthread

import (
	"errors"
	"fmt"
)

var (
	// ErrNoMemory is returned by Kernel.Create if the page allocator could
	// not supply storage for the new thread.
	ErrNoMemory = errors.New(`kthread: out of memory`)

	// ErrSpawnLimited is returned by Kernel.Create if the creating thread
	// exceeded Config.SpawnRates.
	ErrSpawnLimited = errors.New(`kthread: spawn rate limited`)

	// ErrNotChild is returned by Kernel.Wait if the tid does not identify a
	// direct child of the calling thread.
	ErrNotChild = errors.New(`kthread: not a child of the calling thread`)

	// ErrAlreadyWaited is returned by Kernel.Wait if the child's exit status
	// has already been consumed.
	ErrAlreadyWaited = errors.New(`kthread: child already waited for`)

	// ErrAlreadyStarted is returned by Kernel.Run if the kernel has already
	// been started.
	ErrAlreadyStarted = errors.New(`kthread: kernel already started`)

	// ErrAssertion is wrapped by all kernel assertion failures, which are
	// always fatal, see PanicError.
	ErrAssertion = errors.New(`kthread: assertion failed`)
)

// PanicError is returned by Kernel.Run if any thread panicked, including
// due to a failed kernel assertion. The machine is halted, as the kernel
// state cannot be trusted past that point.
type PanicError struct {
	// Value is the recovered panic value.
	Value any
	// Stack is the stack of the panicking goroutine.
	Stack []byte
	// Thread is the name of the thread that panicked.
	Thread string
	// Tid is the tid of the thread that panicked.
	Tid Tid
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf(`kthread: kernel panic in thread %s(%d): %v`, e.Thread, e.Tid, e.Value)
}

// Unwrap returns the panic value, if it is an error, enabling use with
// [errors.Is] and [errors.As].
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

func assertionError(format string, args ...any) error {
	return fmt.Errorf(`%w: %s`, ErrAssertion, fmt.Sprintf(format, args...))
}
