package env

import "gopheros/kernel/sync"

// SetStatusForTest forcibly sets an environment's status, bypassing the
// legal-transition table. It exists so sched's tests (and this package's
// own) can build Runnable/Running/Dying fixtures directly instead of
// driving the full Alloc/Create/Fork machinery through mocked frame and
// page-table hooks just to reach a particular status.
func (e *Environment) SetStatusForTest(s uint32) {
	e.status = sync.NewStatus(s)
}

// ResetTableForTest clears every slot back to its zero value and rebuilds
// the free list, so successive tests don't see state left behind by
// earlier ones.
func ResetTableForTest() {
	tableLock.Acquire(0)
	defer tableLock.Release()

	for i := range table {
		table[i] = Environment{slot: int32(i), next: nilSlot}
	}
	freeHead = nilSlot
	for i := numSlots - 1; i >= 0; i-- {
		pushFreeLocked(int32(i))
	}
	for i := range perCPUCurrent {
		perCPUCurrent[i] = nilSlot
	}
}
