package env

import (
	"gopheros/kernel"
	"gopheros/kernel/mm/vmm"
)

// Destroy tears down target (spec.md §4.5 "destroy"). An environment
// Running on another CPU cannot be unmapped out from under it, so it is
// only marked Dying; the scheduler reaps it the next time that CPU gives
// it up (spec.md §4.6). Every other status frees the environment
// immediately. Either way, any environment parked Waiting on target's id
// is woken back to Runnable.
func Destroy(target *Environment) *kernel.Error {
	wakeWaiters(target.id)

	if target.status.Load() == StatusRunning && target.runningCPU != currentCPUFn() {
		if err := target.SetStatus(StatusRunning, StatusDying); err != nil {
			return errBadHandle
		}
		return nil
	}

	return free(target)
}

// Wait parks e Waiting on target's id (spec.md §4.10 "wait(envid)"). A
// subsequent Destroy of target wakes e back to Runnable via wakeWaiters.
// Per SPEC_FULL.md §D's resolution of spec.md §9's open question, a forked
// child never inherits its parent's waitingFor: Alloc and Fork both zero
// it, and only this call (driven by the wait syscall itself) ever sets it.
func (e *Environment) Wait(target ID) *kernel.Error {
	e.waitingFor = target
	if err := e.SetStatus(StatusRunning, StatusWaiting); err != nil {
		e.waitingFor = CurrentID
		return errBadHandle
	}
	return nil
}

// ReapDying frees target once the scheduler has observed it leave
// Running on its own CPU (spec.md §4.6's preemption path calls this
// instead of Destroy, since by then no remote CPU needs coordinating
// with).
func ReapDying(target *Environment) *kernel.Error {
	if target.status.Load() != StatusDying {
		return errBadHandle
	}
	return free(target)
}

// free releases every physical resource target holds and returns its slot
// to the free list (spec.md §4.5 "free"). Called either directly by
// Destroy (local or not-running target) or via ReapDying (remote target
// that was marked Dying).
func free(e *Environment) *kernel.Error {
	vmm.UnregisterEngine(e.index())

	err := vmm.DestroyAddressSpace(e.pdt)

	e.pdt = vmm.PageDirectoryTable{}
	e.vmas = vmm.VMAList{}
	e.fault = vmm.FaultEngine{}
	e.waitingFor = CurrentID
	e.runningCPU = -1

	if setErr := e.SetStatus(e.status.Load(), StatusFree); setErr != nil && err == nil {
		err = errBadHandle
	}

	releaseSlot(e.slot)

	return err
}

// wakeWaiters transitions every environment parked Waiting on id back to
// Runnable (spec.md §4.5: "destroy wakes any environment waiting on the
// destroyed id"). Environments waiting on a swapped-in page
// (WaitingSwap) are not woken here: that status is cleared by the
// swapper, not by a sibling's destroy.
func wakeWaiters(id ID) {
	for i := range table {
		e := &table[i]
		if e.status.Load() != StatusWaiting || e.waitingFor != id {
			continue
		}
		if e.SetStatus(StatusWaiting, StatusRunnable) == nil {
			e.waitingFor = CurrentID
		}
	}
}
