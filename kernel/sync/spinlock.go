// Package sync provides the spinlock used to guard memory management
// structures. Spinlocks hold no Go pointers, so they can be embedded in
// structures that live inside kernel pages.
package sync

import (
	"runtime"
	"sync/atomic"
)

const (
	// spinAttemptsBeforeYielding is the number of failed acquisition
	// attempts after which the waiting task yields the CPU.
	spinAttemptsBeforeYielding = 64
)

var (
	// yieldFn is called by tasks that failed to acquire a lock after
	// spinAttemptsBeforeYielding attempts.
	yieldFn = runtime.Gosched
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available. The zero value is an unlocked spinlock.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	acquireSpinlock(&l.state, spinAttemptsBeforeYielding)
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// Held returns true if the lock is currently held by some task.
func (l *Spinlock) Held() bool {
	return atomic.LoadUint32(&l.state) != 0
}

// acquireSpinlock spins on state until it manages to flip it from 0 to 1,
// yielding every attemptsBeforeYielding failed attempts.
func acquireSpinlock(state *uint32, attemptsBeforeYielding uint32) {
	for attempts := uint32(0); !atomic.CompareAndSwapUint32(state, 0, 1); attempts++ {
		if attempts == attemptsBeforeYielding {
			yieldFn()
			attempts = 0
		}
	}
}
