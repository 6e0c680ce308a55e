package env

import (
	"gopheros/kernel"
	"gopheros/kernel/mm"
	"gopheros/kernel/mm/pmm"
	"gopheros/kernel/mm/swap"
	"gopheros/kernel/mm/vmm"
	"gopheros/kernel/sync"
	"io"
	"unsafe"
)

// Segment describes one PT_LOAD program header the ELF loader (out of
// scope per spec.md §1) has already validated. Create only consumes this
// narrow shape — virtual range, permissions, and the slice of file bytes to
// copy in before zeroing the BSS tail — so this package never needs to
// parse ELF itself.
type Segment struct {
	VirtAddr   uintptr
	MemSize    uintptr
	Data       []byte // file bytes; len(Data) == p_filesz <= MemSize
	Writable   bool
	Executable bool
}

// Selectors bundles the ring-0/ring-3 code/data segment selectors the GDT
// (an external collaborator per spec.md §1) has already installed. Alloc
// stamps these into a new environment's saved register frame.
type Selectors struct {
	UserCS, UserDS     uint16
	KernelCS, KernelDS uint16
}

var activeSelectors Selectors

// SetSelectors installs the segment selectors Alloc uses for freshly
// created environments. Called once by boot code after the GDT is set up.
func SetSelectors(s Selectors) { activeSelectors = s }

const (
	// eflagsInterrupt is the IF bit: spec.md §4.5 requires it set for User
	// environments so a preempting timer IRQ is actually delivered.
	eflagsInterrupt = 1 << 9

	// kernelStackTop is the fixed top-of-stack address used for every
	// KernelEnvironment/KernelThread's one-page stack (spec.md §4.5).
	// It is the last page below mm.UTOP.
	kernelStackTop = mm.UTOP - mm.PageSize
)

var errTooManyEnvs = &kernel.Error{Module: "env", Message: "no free environment slots"}

// Alloc reserves a free environment slot, allocates and initializes its
// page directory and VMA list, and sets up registers appropriate for typ
// (spec.md §4.5 "alloc"). On any failure the slot and any frames it already
// claimed are released before returning.
func Alloc(parent ID, typ Type) (*Environment, *kernel.Error) {
	tableLock.Acquire(currentCPUFn())
	idx, ok := popFreeLocked()
	tableLock.Release()
	if !ok {
		return nil, errTooManyEnvs
	}

	e := &table[idx]

	pdtFrame, err := mm.AllocFrame()
	if err != nil {
		releaseSlot(idx)
		return nil, err
	}
	pdt, err := vmm.NewAddressSpacePDT(pdtFrame)
	if err != nil {
		_ = mm.FreeFrame(pdtFrame)
		releaseSlot(idx)
		return nil, err
	}

	e.generation++
	e.id = makeID(uint32(idx), e.generation)
	e.parentID = parent
	e.typ = typ
	e.pdt = pdt
	e.vmas.Init()
	e.fault = newFaultEngine(uint32(idx), pdt, &e.vmas)
	e.runningCPU = -1
	e.waitingFor = CurrentID
	e.timeSlice = 0
	e.regs = Registers{}
	e.status = sync.NewStatus(StatusNotRunnable)

	switch typ {
	case User:
		e.regs.CS, e.regs.DS = activeSelectors.UserCS, activeSelectors.UserDS
		e.regs.EFlags = eflagsInterrupt
	case KernelEnvironment, KernelThread:
		e.regs.CS, e.regs.DS = activeSelectors.KernelCS, activeSelectors.KernelDS
		e.regs.ESP = kernelStackTop
	}

	vmm.RegisterEngine(uint32(idx), &e.fault)
	return e, nil
}

var errBackingReadFailed = &kernel.Error{Module: "env", Message: "file-backed region read failed"}

// newFaultEngine builds the FaultEngine for a freshly allocated environment,
// wiring every hook the fault paths need: frame refcounting and huge-page
// allocation delegate straight to pmm (env already imports both pmm and vmm,
// so no indirection is needed there); the swap paths go through the swap
// package's queue and resume hooks to avoid a cycle back into env itself.
func newFaultEngine(idx uint32, pdt vmm.PageDirectoryTable, vmas *vmm.VMAList) vmm.FaultEngine {
	return vmm.FaultEngine{
		PDT:           pdt,
		VMAs:          vmas,
		EnvIndex:      idx,
		FrameRefCount: pmm.GetRef,
		MarkSwappable: pmm.MarkSwappable,
		AllocHugeFrame: func() (mm.Frame, *kernel.Error) {
			return pmm.AllocFrame(pmm.AllocHuge)
		},
		ReadBacking: readBacking,
		EnqueueSwapIn: func(envIndex uint32, faultAddr uintptr) *kernel.Error {
			return swap.EnqueueIn(envIndex, faultAddr, swap.Blocking)
		},
		ParkSwap: func(envIndex uint32) {
			target := AtIndex(envIndex)
			_ = target.SetStatus(target.status.Load(), StatusWaitingSwap)
			yieldFn()
		},
	}
}

// readBacking fills dst from a VMAFileBacked region's backing reader,
// zero-filling whatever the reader falls short of (a truncated file's tail
// beyond its own EOF still has to produce a full, zeroed page).
func readBacking(b vmm.FileBacking, dst []byte) *kernel.Error {
	n, ioErr := b.Reader.ReadAt(dst, b.Offset)
	if ioErr != nil && ioErr != io.EOF {
		return errBackingReadFailed
	}
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
	return nil
}

func releaseSlot(idx int32) {
	tableLock.Acquire(currentCPUFn())
	pushFreeLocked(idx)
	tableLock.Release()
}

// Create finishes bootstrapping a User environment from a parsed ELF image:
// it maps and fills every PT_LOAD segment, adds the initial user stack, and
// marks the environment Runnable (spec.md §4.5 "create"). typ must be User;
// kernel threads are started directly via Alloc plus a caller-supplied entry
// point since they have no ELF image.
func Create(e *Environment, segments []Segment, entry uintptr, userStackTop, userStackSize uintptr) *kernel.Error {
	for _, seg := range segments {
		perm := vmm.FlagPresent | vmm.FlagUserAccessible
		if seg.Writable {
			perm |= vmm.FlagRW
		}
		if err := e.vmas.New(mm.PageAlignDown(seg.VirtAddr), mm.PageAlignUp(seg.VirtAddr+seg.MemSize)-mm.PageAlignDown(seg.VirtAddr), vmm.VMAAnonymous, perm); err != nil {
			return err
		}
		if err := fillSegment(e, seg, perm); err != nil {
			return err
		}
	}

	stackPerm := vmm.FlagPresent | vmm.FlagUserAccessible | vmm.FlagRW
	if err := e.vmas.New(userStackTop-userStackSize, userStackSize, vmm.VMAAnonymous, stackPerm); err != nil {
		return err
	}

	e.regs.EIP = entry
	e.regs.ESP = userStackTop

	return e.SetStatus(StatusNotRunnable, StatusRunnable)
}

// fillSegment eagerly allocates and populates every page of seg instead of
// leaving it to the fault engine's demand path: Create runs once, at load
// time, well before the environment is runnable, so there is no benefit to
// deferring the copy to a page fault the way a live UnusedVMA/FileBacked
// fault would.
func fillSegment(e *Environment, seg Segment, perm vmm.PageTableEntryFlag) *kernel.Error {
	base := mm.PageAlignDown(seg.VirtAddr)
	end := mm.PageAlignUp(seg.VirtAddr + seg.MemSize)
	pageCount := (end - base) / mm.PageSize

	for i := uintptr(0); i < pageCount; i++ {
		frame, err := mm.AllocFrame()
		if err != nil {
			return err
		}

		pageStart := base + i*mm.PageSize
		tmp, err := vmm.MapTemporary(frame)
		if err != nil {
			return err
		}
		kernel.Memset(tmp.Address(), 0, mm.PageSize)
		copyPageFromSegment(tmp.Address(), pageStart, seg)
		if err := vmm.Unmap(tmp); err != nil {
			return err
		}

		if err := e.pdt.Map(mm.PageFromAddress(pageStart), frame, perm); err != nil {
			return err
		}
		pmm.MarkSwappable(frame)
	}
	return nil
}

// copyPageFromSegment copies whatever portion of seg.Data overlaps the page
// starting at pageStart into the (temporarily mapped) destination address
// tmpAddr, leaving bytes outside seg.Data zeroed (the BSS tail, since the
// caller already zeroed the whole page before calling this).
func copyPageFromSegment(tmpAddr, pageStart uintptr, seg Segment) {
	fileStart := seg.VirtAddr
	fileEnd := seg.VirtAddr + uintptr(len(seg.Data))
	pageEnd := pageStart + mm.PageSize

	lo, hi := pageStart, pageEnd
	if fileStart > lo {
		lo = fileStart
	}
	if fileEnd < hi {
		hi = fileEnd
	}
	if lo >= hi {
		return
	}

	srcOff := lo - fileStart
	dstOff := lo - pageStart
	n := hi - lo
	kernel.Memcopy(uintptr(unsafe.Pointer(&seg.Data[srcOff])), tmpAddr+dstOff, n)
}
