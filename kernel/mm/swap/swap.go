package swap

import (
	"gopheros/kernel"
	"gopheros/kernel/cpu"
	"gopheros/kernel/mm"
	"gopheros/kernel/mm/pmm"
	"gopheros/kernel/mm/vmm"
	"reflect"
	"sync/atomic"
	"unsafe"
)

// source is the live address-space table the reverse-lookup cursor walks
// when swapping a frame out. Installed by Init; kept as an interface value
// rather than an import of the env package to avoid a cycle (env imports
// swap to reach EnqueueIn/SwapIn).
var source vmm.ReverseMapSource

// resumeFn transitions a parked WaitingSwap environment back to Runnable
// once its queued swap-in completes. Installed by the env package through
// SetResumeFunc, since env imports swap and swap cannot import env.
var resumeFn func(envIndex uint32)

// running gates the two service-thread loops; cleared to ask both to exit
// at their next yield point (spec.md §4.9 "loops until a shared running
// flag is cleared").
var running int32

// Init wires the swap engine to its backing disk and the live address-space
// table, and sizes the descriptor array to the disk's capacity. Must be
// called once, after the disk driver and the environment table both exist.
func Init(src vmm.ReverseMapSource, d Device) {
	source = src
	currentCPUFn = func() int32 { return int32(cpu.LocalAPICID()) }
	initDescriptors(d)
	atomic.StoreInt32(&running, 1)
}

// SetResumeFunc installs the callback used to wake an environment parked by
// a queued swap-in once that swap-in completes.
func SetResumeFunc(fn func(envIndex uint32)) {
	resumeFn = fn
}

// Stop clears the running flag; both service loops exit at their next
// iteration.
func Stop() {
	atomic.StoreInt32(&running, 0)
}

func isRunning() bool {
	return atomic.LoadInt32(&running) != 0
}

// bytesAt overlays a byte slice on top of a raw address, the same trick
// kernel.Memset/Memcopy use, so sector I/O can hand the disk driver a plain
// []byte without an intermediate heap buffer.
func bytesAt(addr uintptr, n int) []byte {
	return *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{Len: n, Cap: n, Data: addr}))
}

// SwapOut evicts frame to a free swap slot: it must still be referenced and
// flagged swappable, or the request is rejected outright (spec.md §4.9
// "swap_out"). Every live PTE found pointing at frame is rewritten to the
// swap-encoded form and the frame's refcount is dropped accordingly, which
// frees the frame once the last reference is rewritten.
func SwapOut(frame mm.Frame) *kernel.Error {
	descLock.Acquire(currentCPUFn())
	defer descLock.Release()

	if pmm.GetRef(frame) == 0 {
		return errNoRef
	}
	if !pmm.Swappable(frame) {
		return errUnswappable
	}

	slot, ok := findFreeSlot()
	if !ok {
		return errNoFreeSwap
	}

	if err := writeFrameToSlot(frame, slot); err != nil {
		return err
	}

	var cursor vmm.ReverseCursor
	for {
		m, found := cursor.Next(source, frame)
		if !found {
			break
		}
		pdt, live := source.PDTAt(m.EnvIndex)
		if !live {
			continue
		}
		incRefSlot(slot)
		if err := pdt.SwapOutPTE(m.Page.Address(), slot); err != nil {
			_ = decRefSlot(slot)
			return err
		}
	}

	return nil
}

// writeFrameToSlot copies frame's contents to disk one sector at a time,
// yielding the scheduler between sectors (spec.md §4.9).
func writeFrameToSlot(frame mm.Frame, slot uint32) *kernel.Error {
	page, err := vmm.MapTemporary(frame)
	if err != nil {
		return err
	}
	defer func() { _ = vmm.Unmap(page) }()

	base := page.Address()
	for i := uint32(0); i < SectorsPerPage; i++ {
		lba := slot*SectorsPerPage + i
		if err := disk.WriteSector(lba, bytesAt(base+uintptr(i)*SectorSize, SectorSize)); err != nil {
			return err
		}
		diskYieldFn()
	}
	return nil
}

// SwapIn resolves a queued swap-in task: it allocates a fresh frame, reads
// the page back from disk, installs the mapping into the target
// environment's directory with the PTE's original permission bits, and
// wakes the environment (spec.md §4.9 "swap_in"). Called by the in-queue
// service loop, never directly from a fault handler.
func SwapIn(task swapInTask) *kernel.Error {
	descLock.Acquire(currentCPUFn())
	defer descLock.Release()

	pdt, live := source.PDTAt(task.envIndex)
	if !live {
		// The environment vanished (destroyed) before its swap-in was
		// serviced; there is nothing left to resume.
		return nil
	}

	slot, perm, isSwapped, err := pdt.PTESwapSlot(task.vaddr)
	if err != nil {
		return err
	}
	if !isSwapped || descArr[slot].ref == 0 {
		return errNoRef
	}

	frame, err := mm.AllocFrame()
	for err != nil {
		// Out-of-memory during swap-in parks nothing further: yield so
		// the out-queue can make progress and free frames, then retry
		// (spec.md §7 "parks the target environment as Runnable and
		// yields so other work can free pages").
		diskYieldFn()
		frame, err = mm.AllocFrame()
	}

	if err := readSlotToFrame(slot, frame); err != nil {
		return err
	}

	if err := decRefSlot(slot); err != nil {
		return err
	}

	if err := pdt.SwapInPTE(task.vaddr, frame, perm); err != nil {
		return err
	}
	pmm.MarkSwappable(frame)

	if resumeFn != nil {
		resumeFn(task.envIndex)
	}
	return nil
}

// readSlotToFrame reads a swap slot's page back from disk into frame, one
// sector at a time, yielding between sectors.
func readSlotToFrame(slot uint32, frame mm.Frame) *kernel.Error {
	page, err := vmm.MapTemporary(frame)
	if err != nil {
		return err
	}
	defer func() { _ = vmm.Unmap(page) }()

	base := page.Address()
	for i := uint32(0); i < SectorsPerPage; i++ {
		lba := slot*SectorsPerPage + i
		if err := disk.ReadSector(lba, bytesAt(base+uintptr(i)*SectorSize, SectorSize)); err != nil {
			return err
		}
		diskYieldFn()
	}
	return nil
}

// RunOutService drains the swap-out queue until Stop is called, performing
// one SwapOut per dequeued frame and yielding between iterations (spec.md
// §4.9 "one dedicated kernel thread drains each queue ... yields, and
// loops"). Installed as a KernelThread's entry point.
func RunOutService() {
	for isRunning() {
		frame, ok := outQueue.dequeue()
		if !ok {
			diskYieldFn()
			continue
		}
		_ = SwapOut(frame)
		diskYieldFn()
	}
}

// RunInService drains the swap-in queue the same way RunOutService drains
// the swap-out queue.
func RunInService() {
	for isRunning() {
		task, ok := inQueue.dequeue()
		if !ok {
			diskYieldFn()
			continue
		}
		_ = SwapIn(task)
		diskYieldFn()
	}
}
