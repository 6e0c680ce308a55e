package swap

import (
	"gopheros/kernel"
	"gopheros/kernel/sync"
)

// descriptor is the per-slot bookkeeping record (spec.md §3 SwapSlot): a
// slot's reference count equals the number of PTEs whose non-present
// encoding currently points at it.
type descriptor struct {
	ref uint32
}

var (
	descLock sync.Spinlock
	descArr  []descriptor
	disk     Device

	errNoFreeSwap  = &kernel.Error{Module: "swap", Message: "no free swap slot"}
	errNoRef       = &kernel.Error{Module: "swap", Message: "swap slot has no references"}
	errUnswappable = &kernel.Error{Module: "swap", Message: "frame is not eligible for swapping"}
)

// currentCPUFn is substituted by tests; production code wires the real
// APIC id at Init (see sched.currentCPUFn / pmm.currentCPUFn for the same
// pattern).
var currentCPUFn = func() int32 { return 0 }

// initDescriptors sizes the descriptor array to the disk's capacity, one
// entry per SectorsPerPage-sized slot (spec.md §4.9 "one small record per
// 4 KiB slot on the backing device").
func initDescriptors(d Device) {
	disk = d
	descArr = make([]descriptor, d.NumSectors()/SectorsPerPage)
}

// findFreeSlot returns the index of a slot with a zero reference count, or
// false if the device is full. Callers must hold descLock.
func findFreeSlot() (uint32, bool) {
	for i := range descArr {
		if descArr[i].ref == 0 {
			return uint32(i), true
		}
	}
	return 0, false
}

// incRefSlot atomically bumps a slot's reference count; callers must hold
// descLock, matching spec.md §5's "coarser critical sections ... serialized
// by test-and-set spinlocks" policy for the descriptor array as a whole
// (the count itself doesn't need a separate atomic once the array lock is
// held).
func incRefSlot(slot uint32) {
	descArr[slot].ref++
}

// decRefSlot drops a slot's reference count by one. Callers must hold
// descLock.
func decRefSlot(slot uint32) *kernel.Error {
	if descArr[slot].ref == 0 {
		return errNoRef
	}
	descArr[slot].ref--
	return nil
}

// SlotRefCount reports a slot's current reference count, used by tests.
func SlotRefCount(slot uint32) uint32 {
	descLock.Acquire(currentCPUFn())
	defer descLock.Release()
	return descArr[slot].ref
}
