// Package sync provides the synchronization primitives spec.md §5 calls
// for: test-and-set spinlocks with debug owner tracking, and a
// compare-and-set helper for the sum-type status words used by Environment
// and CPU (spec.md §9 "write a single helper that refuses others under
// debug builds").
package sync

import "sync/atomic"

var (
	// yieldFn is substituted by the scheduler package at Init time so that
	// a spinning CPU gives up its slice instead of busy-looping forever.
	// It defaults to a no-op so package sync has no import-time
	// dependency on sched (which would be a cycle: sched itself takes
	// locks defined here).
	yieldFn = func() {}

	// ownerTracking is compiled in by default; debug builds that want to
	// assert "this lock is never re-acquired by its own holder" can
	// inspect Spinlock.Owner after Acquire.
	ownerTracking = true
)

// SetYieldFunc installs the function called by Acquire after a bounded
// number of failed attempts, in place of pure busy-waiting. sched.Init
// calls this once during boot.
func SetYieldFunc(fn func()) {
	if fn == nil {
		fn = func() {}
	}
	yieldFn = fn
}

// Spinlock implements a lock where each task trying to acquire it busy-waits
// until the lock becomes available. Spinlock is the fine-grained locking
// primitive spec.md §5 requires for the swap descriptor array, the VMA
// list, the environment free list, and page-allocator bookkeeping.
type Spinlock struct {
	state uint32

	// Owner records the id of the CPU currently holding the lock, for
	// debug-build deadlock diagnostics. It is best-effort: it is written
	// after the lock is won and cleared before it is released, so a
	// racing reader may observe a stale value, but the CAS that guards
	// state is the real source of truth.
	Owner int32
}

// spinAttemptsBeforeYield bounds how many times Acquire retries the CAS
// before calling yieldFn, balancing responsiveness on lightly contended
// locks against hogging a CPU on heavily contended ones.
const spinAttemptsBeforeYield = 2048

// Acquire blocks until the lock can be acquired by the currently active
// task. Re-acquiring a lock already held by the caller deadlocks, as with
// any spinlock.
func (l *Spinlock) Acquire(cpuID int32) {
	attempts := 0
	for !atomic.CompareAndSwapUint32(&l.state, 0, 1) {
		attempts++
		if attempts >= spinAttemptsBeforeYield {
			attempts = 0
			yieldFn()
		}
	}
	if ownerTracking {
		atomic.StoreInt32(&l.Owner, cpuID)
	}
}

// TryToAcquire attempts to acquire the lock and returns true if it
// succeeded, false if the lock was already held.
func (l *Spinlock) TryToAcquire(cpuID int32) bool {
	if atomic.CompareAndSwapUint32(&l.state, 0, 1) {
		if ownerTracking {
			atomic.StoreInt32(&l.Owner, cpuID)
		}
		return true
	}
	return false
}

// Release relinquishes a held lock, allowing other tasks to acquire it.
// Calling Release on a free lock has no effect.
func (l *Spinlock) Release() {
	if ownerTracking {
		atomic.StoreInt32(&l.Owner, -1)
	}
	atomic.StoreUint32(&l.state, 0)
}

// Held reports whether the lock is currently taken. It exists for tests and
// debug assertions; production code should never branch on it to decide
// whether to Acquire (that is a TOCTOU race) — use TryToAcquire instead.
func (l *Spinlock) Held() bool {
	return atomic.LoadUint32(&l.state) != 0
}
