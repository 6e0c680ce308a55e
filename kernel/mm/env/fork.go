package env

import (
	"gopheros/kernel"
	"gopheros/kernel/mm"
	"gopheros/kernel/mm/vmm"
	"gopheros/kernel/sync"
)

// Fork clones parent into a brand-new child environment, putting every
// writable shared page on the copy-on-write path in both address spaces
// (spec.md §4.8). The child's VMA list is copied verbatim (it describes
// the same regions, just with a private page directory underneath), its
// saved registers start as a copy of the parent's with the syscall return
// register zeroed so the child observes fork returning 0, and it becomes
// Runnable only once every step has succeeded — a failure midway rolls
// back the slot and any frames already claimed rather than leaving a
// half-built address space live in the table.
func Fork(parent *Environment) (*Environment, *kernel.Error) {
	tableLock.Acquire(currentCPUFn())
	idx, ok := popFreeLocked()
	tableLock.Release()
	if !ok {
		return nil, errTooManyEnvs
	}

	child := &table[idx]

	childFrame, err := mm.AllocFrame()
	if err != nil {
		releaseSlot(idx)
		return nil, err
	}

	childPDT, err := vmm.ForkAddressSpace(parent.pdt, childFrame)
	if err != nil {
		_ = mm.FreeFrame(childFrame)
		releaseSlot(idx)
		return nil, err
	}

	child.generation++
	child.id = makeID(uint32(idx), child.generation)
	child.parentID = parent.id
	child.typ = parent.typ
	child.pdt = childPDT
	child.vmas = parent.vmas // VMAs describe regions, not frames; safe to copy by value
	child.fault = newFaultEngine(uint32(idx), childPDT, &child.vmas)
	child.runningCPU = -1
	child.waitingFor = CurrentID
	child.timeSlice = 0
	child.regs = parent.regs
	child.regs.SetReturnValue(0)
	child.status = sync.NewStatus(StatusNotRunnable)

	vmm.RegisterEngine(uint32(idx), &child.fault)

	if setErr := child.SetStatus(StatusNotRunnable, StatusRunnable); setErr != nil {
		vmm.UnregisterEngine(uint32(idx))
		_ = vmm.DestroyAddressSpace(childPDT)
		releaseSlot(idx)
		return nil, errBadHandle
	}

	return child, nil
}
