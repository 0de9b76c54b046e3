// Package sync provides the synchronization primitives used by the kernel: a
// spinlock for mutual exclusion between non-interrupt call sites and a
// lock-free bounded queue that can be shared with interrupt handlers.
package sync

import "sync/atomic"

// spinAttemptsBeforeYield is the number of failed acquisition attempts after
// which Acquire invokes yieldFn (if set).
const spinAttemptsBeforeYield = 64

var (
	// yieldFn is invoked while spinning on a contended lock. The kernel runs
	// on a single core without preemption so it is nil at run time; tests
	// set it to runtime.Gosched.
	yieldFn func()
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	archAcquireSpinlock(&l.state, spinAttemptsBeforeYield)
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

// archAcquireSpinlock spins on state using a test-and-test-and-set loop.
func archAcquireSpinlock(state *uint32, attemptsBeforeYielding uint32) {
	for {
		for i := uint32(0); i < attemptsBeforeYielding; i++ {
			if atomic.LoadUint32(state) == 0 && atomic.SwapUint32(state, 1) == 0 {
				return
			}
		}

		if yieldFn != nil {
			yieldFn()
		}
	}
}
