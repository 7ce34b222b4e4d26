// Package kthread implements a single CPU, preemptible kernel thread
// scheduler, with a parent/child exit status protocol.
//
// Threads are backed by goroutines, but only the running thread executes at
// any time, passing the CPU to the next via an explicit context switch.
// Scheduling is round-robin, from a FIFO ready queue, with preemption driven
// by the timer interrupt (see Kernel.ThreadTick and Config.TimeSlice).
// Interrupts are delivered at preemption points: when they are enabled,
// at Kernel.Checkpoint, and while the idle thread waits.
//
// Synchronization between threads uses Semaphore and Lock, or the lower
// level Kernel.Block and Kernel.Unblock, with interrupts disabled.
//
// A thread terminates by returning, or via Kernel.Exit, which, like
// runtime.Goexit, runs deferred calls and cannot be recovered.
//
// A thread may retrieve the exit status of each of its direct children once,
// via Kernel.Wait.
package kthread
