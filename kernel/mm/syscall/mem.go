package syscall

import (
	"gopheros/kernel"
	"gopheros/kernel/mm"
	"gopheros/kernel/mm/env"
	"gopheros/kernel/mm/vmm"
)

// VMAFlag bundles the bits a caller passes alongside a permission mask to
// vma_create (spec.md §4.10 "vma_create(size, perm, flags)").
type VMAFlag uint32

const (
	// FlagPopulate asks the kernel to force every page of the new region
	// in right away instead of leaving it to later faults.
	FlagPopulate VMAFlag = 1 << iota
)

// userRegionFloor is the lowest address vma_create's NewRange search will
// place a fresh anonymous region at, chosen well above where Create loads
// a binary's segments and initial stack (spec.md §4.5) so the two never
// collide.
const userRegionFloor = uintptr(0x20000000)

var (
	errBadPointer = &kernel.Error{Module: "syscall", Message: "user pointer is not mapped with the required permissions"}
)

// checkUserBuffer validates that every page covering [addr, addr+size) is
// present with FlagUserAccessible, and with FlagRW if write is requested
// (spec.md §4.10 "the kernel rejects any user pointer whose enclosing
// pages are not present with the required user bits").
func checkUserBuffer(caller *env.Environment, addr, size uintptr, write bool) *kernel.Error {
	if size == 0 {
		return nil
	}
	if addr >= mm.UTOP || addr+size > mm.UTOP || addr+size < addr {
		return errBadPointer
	}

	pdt := caller.PDT()
	start := mm.PageAlignDown(addr)
	end := mm.PageAlignUp(addr + size)
	for page := start; page < end; page += mm.PageSize {
		flags, err := pdt.PTEFlags(page)
		if err != nil {
			return errBadPointer
		}
		if flags&vmm.FlagPresent == 0 || flags&vmm.FlagUserAccessible == 0 {
			return errBadPointer
		}
		if write && flags&vmm.FlagRW == 0 && flags&vmm.FlagCopyOnWrite == 0 {
			return errBadPointer
		}
	}
	return nil
}

// rejectPointer implements spec.md §4.10's "reject -> terminate the
// caller" permission-check policy: a user pointer that fails validation
// doesn't just fail the syscall, it ends the offending environment.
func rejectPointer(caller *env.Environment) *kernel.Error {
	_ = env.Destroy(caller)
	return errBadPointer
}

// sysVMACreate implements spec.md §4.10's vma_create: it reserves a fresh
// Anonymous region of size bytes with the requested permission bits at the
// lowest available gap, and — if FlagPopulate is set — immediately forces
// every page of it in via the fault engine instead of waiting for the
// first real touch (spec.md: "if Populate is set, the caller then performs
// a touch-loop to force page-in via the FaultEngine").
func sysVMACreate(caller *env.Environment, size, perm, flags uintptr) int32 {
	length := mm.PageAlignUp(size)
	if length == 0 {
		return errOrOK(errBadPointer)
	}

	vmaPerm := vmm.FlagPresent | vmm.FlagUserAccessible
	if perm&uintptr(vmm.FlagRW) != 0 {
		vmaPerm |= vmm.FlagRW
	}

	start, err := caller.VMAs().NewRange(userRegionFloor, length, vmm.VMAAnonymous, vmaPerm)
	if err != nil {
		return errOrOK(err)
	}

	if VMAFlag(flags)&FlagPopulate != 0 {
		if err := populate(caller, start, length); err != nil {
			return errOrOK(err)
		}
	}

	return int32(start)
}

// populate forces every page in [start, start+length) to be mapped by
// classifying and servicing a synthetic write fault at each one, exactly
// the path a real touch-loop would have taken through the trap handler
// (spec.md §4.10).
func populate(caller *env.Environment, start, length uintptr) *kernel.Error {
	engine := caller.FaultEngine()
	for addr := start; addr < start+length; addr += mm.PageSize {
		if err := engine.Touch(addr, true); err != nil {
			return err
		}
	}
	return nil
}

// sysVMADestroy implements spec.md §4.10's vma_destroy: it delegates
// straight to VMAList.Unmap, which tears down both the tracked region and
// whatever page-table entries back it.
func sysVMADestroy(caller *env.Environment, va, size uintptr) *kernel.Error {
	start := mm.PageAlignDown(va)
	length := mm.PageAlignUp(va+size) - start
	return caller.VMAs().Unmap(caller.PDT(), start, length)
}

// sysCputs implements the console-output half of spec.md §4.10's "cputs,
// cgetc — console I/O with user-memory permission check": it validates the
// caller's buffer, copies it into a kernel-owned buffer, and hands that to
// the active console so the write can't race a concurrent unmap of the
// user pages.
func sysCputs(caller *env.Environment, addr, length uintptr) *kernel.Error {
	if err := checkUserBuffer(caller, addr, length, false); err != nil {
		return rejectPointer(caller)
	}

	buf := make([]byte, length)
	if length > 0 {
		kernel.Memcopy(addr, uintptrOf(buf), length)
	}
	writeConsole(buf)
	return nil
}
