// Package sched implements the cooperative, round-robin scheduler spec.md
// §4.6 describes: a single atomically-incremented cursor shared by every
// CPU, with no big kernel lock — each CPU claims the next runnable
// environment itself via compare-and-set on that environment's status
// word, generalizing the teacher's kernel/sync.Spinlock CAS idiom from a
// binary lock to a full status enum.
package sched

import (
	"gopheros/kernel/cpu"
	"gopheros/kernel/mm/env"
	"gopheros/kernel/sync"
	"sync/atomic"
)

// Config bundles the boot-time scheduler parameters, matching the ambient
// Config-struct convention the rest of this module follows (see
// kernel/mm/pmm.Init): there is no external config file in a freestanding
// kernel, so these are plain values assembled once at boot.
type Config struct {
	// TimeSliceTicks is the TSC-tick quantum handed to an environment each
	// time it is claimed off the Runnable list.
	TimeSliceTicks uint64
}

// DefaultTimeSliceTicks is used when Init is never called (e.g. in tests
// that drive claim/Yield directly).
const DefaultTimeSliceTicks = 50_000_000

var (
	cursor uint32 // atomic fetch-and-add, spec.md §5 "global round-robin cursor"

	timeSliceTicks uint64 = DefaultTimeSliceTicks

	// lastTick records, per CPU, the TSC value at the moment its current
	// environment was last (re)scheduled, so Yield can debit exactly the
	// elapsed ticks (spec.md §4.6).
	lastTick [256]uint64

	currentCPUFn = func() int32 { return int32(cpu.LocalAPICID()) }
	readTSCFn    = cpu.ReadTSC
	haltFn       = cpu.Halt
)

// Init installs cfg's parameters and wires this package's Yield as the
// backoff hook kernel/sync.Spinlock calls when a CPU spins too long
// waiting on a contended lock (spec.md §5: kernel threads "never suspend
// except at explicit yield ... points").
func Init(cfg Config) {
	if cfg.TimeSliceTicks > 0 {
		timeSliceTicks = cfg.TimeSliceTicks
	}
	sync.SetYieldFunc(func() { Yield(currentCPUFn()) })
	env.SetYieldFunc(func() { Yield(currentCPUFn()) })
}

// Yield implements spec.md §4.6's operation of the same name: it either
// re-runs the calling CPU's current environment (slice not exhausted,
// still Running), reaps it if it was marked Dying by a remote destroy, or
// releases it and claims the next Runnable environment in cursor order.
// It returns the environment the caller should resume, or nil if the CPU
// should halt until the next interrupt.
func Yield(cpuID int32) *env.Environment {
	now := readTSCFn()
	cur, hasCur := env.CurrentOnCPU(cpuID)

	if hasCur {
		switch cur.Status() {
		case env.StatusRunning:
			elapsed := now - lastTick[cpuID]
			if cur.DebitTimeSlice(elapsed) > 0 {
				lastTick[cpuID] = now
				return cur
			}
			_ = cur.CompareAndSetStatus(env.StatusRunning, env.StatusRunnable)
			env.SetCurrentOnCPU(cpuID, nil)

		case env.StatusDying:
			// The victim stopped running on this CPU; spec.md §4.5
			// "destroy" defers the actual free to exactly this moment.
			env.SetCurrentOnCPU(cpuID, nil)
			_ = env.ReapDying(cur)

		default:
			// Environment already parked itself (Waiting/WaitingSwap) via
			// a syscall before trapping back into the scheduler.
			env.SetCurrentOnCPU(cpuID, nil)
		}
	}

	if next := claim(cpuID); next != nil {
		lastTick[cpuID] = readTSCFn()
		return next
	}

	if hasCur && cur.Status() == env.StatusRunning {
		cur.SetRunningCPU(cpuID)
		env.SetCurrentOnCPU(cpuID, cur)
		lastTick[cpuID] = readTSCFn()
		return cur
	}

	haltFn()
	return nil
}

// claim sweeps the environment table once, starting from the shared
// cursor, attempting CAS Runnable -> Running on each slot in turn. The
// atomic fetch-and-add means two CPUs calling claim concurrently are
// guaranteed disjoint starting points modulo the table size, so they only
// contend on the CAS itself when the table is nearly full.
func claim(cpuID int32) *env.Environment {
	n := env.NumSlots()
	start := atomic.AddUint32(&cursor, 1)

	for i := uint32(0); i < n; i++ {
		idx := (start + i) % n
		candidate := env.AtIndex(idx)
		if candidate.CompareAndSetStatus(env.StatusRunnable, env.StatusRunning) {
			candidate.SetRunningCPU(cpuID)
			candidate.SetTimeSlice(timeSliceTicks)
			env.SetCurrentOnCPU(cpuID, candidate)
			return candidate
		}
	}
	return nil
}

// Halt drops the calling CPU into its idle state, resumed by the next
// timer IRQ (spec.md §4.6 "halt").
func Halt() {
	haltFn()
}
