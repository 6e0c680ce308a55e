package env

// This file collects the small exported surface kernel/mm/sched needs
// against the environment table, kept separate from env.go/lifecycle.go
// so the lifecycle files stay focused on alloc/create/destroy/fork.

// Index returns this environment's slot in the global table, the same
// value vmm's fault-engine registry and the reverse-map cursor key on.
func (e *Environment) Index() uint32 { return uint32(e.slot) }

// SetRunningCPU records which CPU (by local APIC id) currently runs this
// environment, or -1 if none.
func (e *Environment) SetRunningCPU(cpuID int32) { e.runningCPU = cpuID }

// TimeSlice returns the remaining time-slice budget in TSC ticks.
func (e *Environment) TimeSlice() uint64 { return e.timeSlice }

// SetTimeSlice resets the remaining time-slice budget, called by the
// scheduler whenever it hands this environment a fresh quantum.
func (e *Environment) SetTimeSlice(ticks uint64) { e.timeSlice = ticks }

// DebitTimeSlice subtracts elapsed TSC ticks from the remaining budget,
// floored at zero, and returns what remains (spec.md §4.6 "debits its
// remaining time slice by the elapsed TSC").
func (e *Environment) DebitTimeSlice(elapsed uint64) uint64 {
	if elapsed >= e.timeSlice {
		e.timeSlice = 0
	} else {
		e.timeSlice -= elapsed
	}
	return e.timeSlice
}

// NumSlots reports the fixed capacity of the environment table, so the
// scheduler's cursor can wrap without importing the constant directly.
func NumSlots() uint32 { return numSlots }

// AtIndex returns the environment occupying slot idx, regardless of its
// current status — the scheduler is responsible for checking status
// before acting on it.
func AtIndex(idx uint32) *Environment {
	return &table[idx]
}

// CurrentOnCPU returns the environment the given CPU (by local APIC id)
// last recorded as current, if any.
func CurrentOnCPU(cpuID int32) (*Environment, bool) {
	idx := perCPUCurrent[cpuID]
	if idx == nilSlot {
		return nil, false
	}
	return &table[idx], true
}

// SetCurrentOnCPU records idx as the environment the given CPU is now
// running, or clears it when idx is nil. Called by the scheduler's claim
// loop; vmm's current-environment hook (installed in this package's
// init) reads the same perCPUCurrent array.
func SetCurrentOnCPU(cpuID int32, idx *Environment) {
	if idx == nil {
		perCPUCurrent[cpuID] = nilSlot
		return
	}
	perCPUCurrent[cpuID] = idx.slot
}
