package vmm

import (
	"gopheros/kernel"
	"gopheros/kernel/irq"
	"gopheros/kernel/kfmt"
	"gopheros/kernel/mm"
	"unsafe"
)

// FaultKind classifies a page fault so FaultEngine.Service can dispatch to
// the right recovery path instead of a single CoW-only handler.
type FaultKind uint8

const (
	// None means the fault was already resolved by the time it was
	// classified (can't actually occur from Classify, but Service
	// returns it after a successful recovery so callers have a single
	// "everything is fine, retry the instruction" sentinel).
	None FaultKind = iota

	// KernelFault occurred while the CPU was executing kernel code
	// (ring 0) touching an address it has no business touching. Always
	// unrecoverable: this kernel has no copy-in/copy-out fixup tables.
	KernelFault

	// OutsideUserRange means the faulting address is at or above
	// mm.UTOP, which user code can never legitimately reference.
	OutsideUserRange

	// NoVMA means no virtual memory area covers the faulting address:
	// the access is simply invalid.
	NoVMA

	// NoPTE means the fault falls inside a present, in-use VMA whose leaf
	// PTE is zero and unbacked: either the second-level table itself
	// hasn't been allocated yet, or it has but this particular page has
	// never been touched. Both are the same "first touch of a lazily
	// allocated page" case and are serviced identically, by installing
	// the shared CoW zero page.
	NoPTE

	// UnusedVMA is kept for classification completeness but is not
	// actually reachable: VMAList.Lookup never returns an entry for an
	// address that isn't covered by some in-use VMA, so there is no
	// "used but not really" state distinct from NoPTE's zero/unbacked
	// leaf. If ever produced, it is handled as unrecoverable, the same
	// as NoVMA.
	UnusedVMA

	// FileBacked means the covering VMA is file-backed and its leaf PTE
	// has never been populated: the page must be filled from the
	// backing reader.
	FileBacked

	// COW means the leaf PTE is present, read-only and flagged
	// FlagCopyOnWrite: the page must be privately duplicated before the
	// write can proceed.
	COW

	// Swap means the leaf PTE is non-present but encodes a swap slot:
	// the page must be faulted back in from the swap engine.
	Swap

	// InvalidPermission means the leaf PTE is present but the access
	// violates its permissions (e.g. a write to a read-only page that
	// isn't CoW, or a user-mode access to a supervisor-only page).
	InvalidPermission
)

// FaultEngine classifies and services page faults for a single address
// space. It is owned by the Environment the address space belongs to;
// each Environment gets its own FaultEngine instance sharing this
// package's hooks.
type FaultEngine struct {
	PDT  PageDirectoryTable
	VMAs *VMAList

	// EnvIndex identifies, to the swap engine, which environment a
	// queued swap-in task belongs to. Set once at environment creation
	// time, same as PDT and VMAs.
	EnvIndex uint32

	// EnqueueSwapIn, when non-nil, hands a (this environment, faulting
	// address) pair to the swap engine's in-queue and returns once the
	// task is accepted; the actual disk read and mapping install happen
	// later, off the faulting call stack, in the swap package's service
	// thread (spec.md §4.9: swap-in is queued, not serviced inline).
	EnqueueSwapIn func(envIndex uint32, faultAddr uintptr) *kernel.Error

	// ParkSwap transitions this environment to WaitingSwap and yields the
	// CPU, to be resumed once the swap engine's service thread completes
	// the queued swap-in and marks it Runnable again.
	ParkSwap func(envIndex uint32)

	// ReadBacking fills dst with up to len(dst) bytes from a VMAFileBacked
	// region's backing reader at the given offset.
	ReadBacking func(backing FileBacking, dst []byte) *kernel.Error

	// FrameRefCount reports a frame's logical reference count (delegating
	// to a huge allocation's head, per pmm.GetRef), used by the CoW
	// resolver to tell a privately-owned page from a shared one.
	FrameRefCount func(mm.Frame) uint32

	// AllocHugeFrame reserves a fresh 4 MiB-aligned, 1024-frame block for
	// the huge-page CoW path (spec.md §4.7 "Huge-page variant of COW").
	AllocHugeFrame func() (mm.Frame, *kernel.Error)

	// MarkSwappable, when non-nil, flags a freshly installed per-process
	// frame as eligible for the swapper to evict. Set by the env package
	// to pmm.MarkSwappable; vmm can't import pmm directly without a
	// cycle, the same reason RefHooks is a function-variable indirection.
	MarkSwappable func(mm.Frame)
}

var (
	errUnrecoverableFault = &kernel.Error{Module: "vmm", Message: "unrecoverable page fault"}
	errNoSwapEngine       = &kernel.Error{Module: "vmm", Message: "page references a swap slot but no swap engine is installed"}
)

// classification bundles everything Classify discovers about a fault so
// Service doesn't have to re-walk the page tables.
type classification struct {
	kind      FaultKind
	pte       *pageTableEntry
	vmaKind   VMAKind
	vmaPerm   PageTableEntryFlag
	backing   FileBacking
	vmaStart  uintptr
	faultAddr uintptr
	huge      bool
}

// Classify determines why a fault at faultAddr occurred. writeAccess and
// userMode come from the trap frame's error code / CS selector.
func (e *FaultEngine) Classify(faultAddr uintptr, writeAccess, userMode bool) classification {
	c := classification{faultAddr: faultAddr}

	if !userMode {
		c.kind = KernelFault
		return c
	}
	if faultAddr >= mm.UTOP {
		c.kind = OutsideUserRange
		return c
	}

	vmaKind, vmaPerm, backing, vmaStart, found := e.VMAs.Lookup(faultAddr)
	if !found {
		c.kind = NoVMA
		return c
	}
	c.vmaKind, c.vmaPerm, c.backing, c.vmaStart = vmaKind, vmaPerm, backing, vmaStart

	if _, present := e.PDT.HugeEntry(faultAddr); present {
		c.huge = true
		if writeAccess {
			c.kind = COW
		} else {
			c.kind = None
		}
		return c
	}

	page := mm.PageFromAddress(faultAddr)
	var leaf *pageTableEntry
	dirMissing := false

	e.PDT.withActivated(func() {
		walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
			if pteLevel < pageLevels-1 && !pte.HasFlags(FlagPresent) {
				dirMissing = true
				return false
			}
			if pteLevel == pageLevels-1 {
				leaf = pte
			}
			return true
		})
	})

	if dirMissing {
		c.kind = NoPTE
		return c
	}

	c.pte = leaf

	if !leaf.HasFlags(FlagPresent) {
		if _, isSwap := leaf.SwapSlotIndex(); isSwap {
			c.kind = Swap
			return c
		}
		if vmaKind == VMAFileBacked {
			c.kind = FileBacked
			return c
		}
		c.kind = NoPTE
		return c
	}

	if !leaf.HasFlags(FlagRW) && leaf.HasFlags(FlagCopyOnWrite) {
		c.kind = COW
		return c
	}

	if writeAccess && !leaf.HasFlags(FlagRW) {
		c.kind = InvalidPermission
		return c
	}
	if (vmaPerm&FlagUserAccessible) == 0 && userMode {
		c.kind = InvalidPermission
		return c
	}

	c.kind = None
	return c
}

// Touch classifies a synthetic fault at faultAddr and services it if
// needed, returning nil both when the page was already mapped (nothing to
// do) and when servicing succeeded. It gives callers outside this package
// — e.g. a vma_create(..., Populate) syscall's touch-loop (spec.md
// §4.10) — a way to force a page in without being able to name the
// unexported classification type Classify returns.
func (e *FaultEngine) Touch(faultAddr uintptr, writeAccess bool) *kernel.Error {
	c := e.Classify(faultAddr, writeAccess, true)
	if c.kind == None {
		return nil
	}
	if c.kind == KernelFault || terminates(c.kind) {
		return errUnrecoverableFault
	}
	return e.Service(c)
}

// Service resolves a classified fault, installing whatever mapping was
// missing or duplicating the CoW page, so the faulting instruction can be
// retried. It returns a non-nil error only for conditions this kernel
// considers unrecoverable.
func (e *FaultEngine) Service(c classification) *kernel.Error {
	switch c.kind {
	case COW:
		return e.serviceCOW(c)
	case NoPTE:
		return e.serviceNoPTE(c)
	case FileBacked:
		return e.serviceFileBacked(c)
	case Swap:
		return e.serviceSwap(c)
	default:
		return errUnrecoverableFault
	}
}

// markSwappable calls the MarkSwappable hook if one is installed; most call
// sites don't care whether it ran, so they ignore the (non-existent) return.
func (e *FaultEngine) markSwappable(f mm.Frame) {
	if e.MarkSwappable != nil {
		e.MarkSwappable(f)
	}
}

func (e *FaultEngine) serviceCOW(c classification) *kernel.Error {
	if c.huge {
		return e.serviceCOWHuge(c)
	}

	newFrame, err := mm.AllocFrame()
	if err != nil {
		return err
	}
	tmpPage, err := mapTemporaryFn(newFrame)
	if err != nil {
		return err
	}
	kernel.Memcopy(mm.PageFromAddress(c.faultAddr).Address(), tmpPage.Address(), mm.PageSize)
	_ = unmapFn(tmpPage)

	c.pte.ClearFlags(FlagCopyOnWrite)
	c.pte.SetFlags(FlagPresent | FlagRW)
	c.pte.SetFrame(newFrame)
	flushTLBEntryFn(c.faultAddr)
	e.markSwappable(newFrame)
	return nil
}

// serviceCOWHuge is the 4 MiB analogue of serviceCOW (spec.md §4.7 "Huge-page
// variant of COW"): the allocation is a contiguous huge block and the copy
// spans the whole 4 MiB region instead of a single page.
func (e *FaultEngine) serviceCOWHuge(c classification) *kernel.Error {
	if e.FrameRefCount == nil || e.AllocHugeFrame == nil {
		return errUnrecoverableFault
	}

	hugeBase := mm.PageFromAddress(c.faultAddr &^ (mm.HugePageSize - 1))
	oldFrame, _ := e.PDT.HugeEntry(hugeBase.Address())

	if e.FrameRefCount(oldFrame) <= 1 {
		flags := FlagPresent | FlagRW | c.vmaPerm
		return MapHuge(hugeBase, oldFrame, flags)
	}

	newFrame, err := e.AllocHugeFrame()
	if err != nil {
		return err
	}
	e.markSwappable(newFrame)

	for i := mm.Frame(0); i < mm.Frame(mm.FramesPerHugePage); i++ {
		srcPage, err := mapTemporaryFn(oldFrame + i)
		if err != nil {
			return err
		}
		buf := make([]byte, mm.PageSize)
		kernel.Memcopy(srcPage.Address(), uintptr(unsafe.Pointer(&buf[0])), mm.PageSize)
		_ = unmapFn(srcPage)

		dstPage, err := mapTemporaryFn(newFrame + i)
		if err != nil {
			return err
		}
		kernel.Memcopy(uintptr(unsafe.Pointer(&buf[0])), dstPage.Address(), mm.PageSize)
		_ = unmapFn(dstPage)
	}

	flags := FlagPresent | FlagRW | c.vmaPerm
	return MapHuge(hugeBase, newFrame, flags)
}

// serviceNoPTE installs the shared, read-only zeroed frame as a CoW mapping
// for a never-touched page. Map's normal table-allocation path creates the
// second-level table on demand, so this covers both the missing-table and
// the present-table-zero-leaf sub-cases identically. The zero page itself
// is shared kernel-wide and is never marked swappable; a real per-process
// frame only appears once the first write triggers serviceCOW.
func (e *FaultEngine) serviceNoPTE(c classification) *kernel.Error {
	page := mm.PageFromAddress(c.faultAddr)
	flags := FlagPresent | FlagCopyOnWrite
	if c.vmaPerm&FlagUserAccessible != 0 {
		flags |= FlagUserAccessible
	}
	return e.PDT.Map(page, ReservedZeroedFrame, flags)
}

func (e *FaultEngine) serviceFileBacked(c classification) *kernel.Error {
	if e.ReadBacking == nil {
		return errUnrecoverableFault
	}

	newFrame, err := mm.AllocFrame()
	if err != nil {
		return err
	}
	tmpPage, err := mapTemporaryFn(newFrame)
	if err != nil {
		return err
	}

	pageStart := mm.PageFromAddress(c.faultAddr).Address()
	backing := c.backing
	backing.Offset += int64(pageStart - c.vmaStart)
	buf := make([]byte, mm.PageSize)
	if err := e.ReadBacking(backing, buf); err != nil {
		_ = unmapFn(tmpPage)
		return err
	}
	kernel.Memcopy(uintptr(unsafe.Pointer(&buf[0])), tmpPage.Address(), mm.PageSize)
	_ = unmapFn(tmpPage)

	page := mm.PageFromAddress(c.faultAddr)
	flags := FlagPresent | c.vmaPerm
	if err := e.PDT.Map(page, newFrame, flags); err != nil {
		return err
	}
	e.markSwappable(newFrame)
	return nil
}

// serviceSwap queues a swap-in task for this fault and parks the faulting
// environment instead of resolving it inline: the actual disk read and page
// table update happen later, on the swap engine's own service thread, after
// which the environment is marked Runnable and re-faults the same
// instruction - this time finding the page already present (spec.md §4.9).
func (e *FaultEngine) serviceSwap(c classification) *kernel.Error {
	if e.EnqueueSwapIn == nil || e.ParkSwap == nil {
		return errNoSwapEngine
	}
	if err := e.EnqueueSwapIn(e.EnvIndex, c.faultAddr); err != nil {
		return err
	}
	e.ParkSwap(e.EnvIndex)
	return nil
}

var (
	// handleExceptionWithCodeFn and handleExceptionFn are used by tests.
	handleExceptionWithCodeFn = irq.HandleExceptionWithCode
	handleExceptionFn         = irq.HandleException

	// engines maps environment index to its FaultEngine, populated by
	// the env package at environment creation time via RegisterEngine.
	engines = make(map[uint32]*FaultEngine)

	// currentEnvIndexFn returns the environment index currently running
	// on this CPU, installed by the env package (env imports vmm, so vmm
	// cannot import env).
	currentEnvIndexFn func() uint32

	// terminateFn destroys a single user environment without taking down
	// the kernel, installed by the env package (env.Destroy). A fault
	// that only invalidates the faulting process - an out-of-range
	// access, a missing VMA, a permission violation, or running out of
	// memory mid-service - is routed here instead of panicking.
	terminateFn func(envIndex uint32)
)

// SetTerminateFunc installs the function that tears down a single faulting
// environment in response to an unrecoverable-but-not-kernel-fatal fault.
func SetTerminateFunc(fn func(envIndex uint32)) {
	terminateFn = fn
}

// terminates reports whether a classified fault kind invalidates only the
// faulting user environment rather than the kernel itself. KernelFault is
// handled separately by its caller and is never included here.
func terminates(kind FaultKind) bool {
	switch kind {
	case OutsideUserRange, NoVMA, UnusedVMA, InvalidPermission:
		return true
	default:
		return false
	}
}

// RegisterEngine associates a FaultEngine with the given environment
// index so installFaultHandlers can route a fault to the right address
// space.
func RegisterEngine(envIndex uint32, e *FaultEngine) {
	engines[envIndex] = e
}

// UnregisterEngine drops the association installed by RegisterEngine,
// called when an environment is destroyed.
func UnregisterEngine(envIndex uint32) {
	delete(engines, envIndex)
}

// SetCurrentEnvIndexFunc installs the function used to look up which
// environment owns the faulting CPU.
func SetCurrentEnvIndexFunc(fn func() uint32) {
	currentEnvIndexFn = fn
}

func installFaultHandlers() {
	handleExceptionWithCodeFn(irq.PageFaultException, pageFaultHandler)
	handleExceptionFn(irq.GPFException, generalProtectionFaultHandler)
}

func pageFaultHandler(errCode uint32, frame *irq.Frame, regs *irq.Regs) {
	faultAddr := readCR2Fn()
	writeAccess := errCode&0x2 != 0
	userMode := errCode&0x4 != 0 || frame.UserMode()

	if currentEnvIndexFn == nil {
		nonRecoverablePageFault(faultAddr, errCode, frame, regs, errUnrecoverableFault)
		return
	}

	envIndex := currentEnvIndexFn()
	engine, ok := engines[envIndex]
	if !ok {
		nonRecoverablePageFault(faultAddr, errCode, frame, regs, errUnrecoverableFault)
		return
	}

	c := engine.Classify(faultAddr, writeAccess, userMode)
	switch {
	case c.kind == None:
		return
	case c.kind == KernelFault:
		nonRecoverablePageFault(faultAddr, errCode, frame, regs, errUnrecoverableFault)
		return
	case terminates(c.kind):
		terminateFault(envIndex, faultAddr, errCode, frame, regs, errUnrecoverableFault)
		return
	}

	if err := engine.Service(c); err != nil {
		terminateFault(envIndex, faultAddr, errCode, frame, regs, err)
	}
}

// terminateFault ends the single faulting environment rather than panicking
// the kernel. If no terminate hook has been installed yet (e.g. a fault
// during early boot before the env package has initialized), it falls back
// to the unrecoverable path: there is nothing else that can make progress.
func terminateFault(envIndex uint32, faultAddr uintptr, errCode uint32, frame *irq.Frame, regs *irq.Regs, err *kernel.Error) {
	if terminateFn == nil {
		nonRecoverablePageFault(faultAddr, errCode, frame, regs, err)
		return
	}
	terminateFn(envIndex)
}

func generalProtectionFaultHandler(frame *irq.Frame, regs *irq.Regs) {
	kfmt.Printf("\nGeneral protection fault while accessing address: 0x%x\n", readCR2Fn())
	kfmt.Printf("Registers:\n")
	regs.Print()
	frame.Print()
	panic(errUnrecoverableFault)
}

func nonRecoverablePageFault(faultAddress uintptr, errCode uint32, frame *irq.Frame, regs *irq.Regs, err *kernel.Error) {
	kfmt.Printf("\nPage fault while accessing address: 0x%8x\nReason: ", faultAddress)
	switch {
	case errCode&0x1 == 0:
		kfmt.Printf("access to a non-present page")
	case errCode&0x2 != 0:
		kfmt.Printf("page protection violation (write)")
	default:
		kfmt.Printf("page protection violation (read)")
	}

	kfmt.Printf("\n\nRegisters:\n")
	regs.Print()
	frame.Print()
	panic(err)
}
