package pmm

import (
	"gopheros/kernel"
	"gopheros/kernel/cpu"
	"gopheros/kernel/kfmt"
	"gopheros/kernel/mm"
	"gopheros/kernel/mm/vmm"
	"gopheros/multiboot"
)

var (
	errOutOfMemory = kernel.ErrOutOfMemory

	// visitMemRegionsFn is substituted by tests.
	visitMemRegionsFn = multiboot.VisitMemRegions

	// mapTemporaryFn/unmapFn are substituted by tests to avoid requiring
	// an active page directory.
	mapTemporaryFn = vmm.MapTemporary
	unmapFn        = vmm.Unmap
)

func init() {
	currentCPUFn = func() int32 { return int32(cpu.LocalAPICID()) }
}

// Init detects installed memory via the bootloader-reported memory map,
// builds the frame descriptor table, reserves frame 0, the kernel image and
// the legacy I/O hole, and installs AllocFrame as the system-wide frame
// allocator (spec.md §4.1 "Initialization policy at boot").
func Init(kernelStart, kernelEnd uintptr) *kernel.Error {
	var highestFrame mm.Frame

	visitMemRegionsFn(func(region *multiboot.MemoryMapEntry) bool {
		end := region.PhysAddress + region.Length
		if f := mm.FrameFromAddress(end); f > highestFrame {
			highestFrame = f
		}
		return true
	})

	reset(uint32(highestFrame) + 1)

	// Frame 0 holds the BIOS data area and must never be claimed.
	markUnclaimable(0, flagBIOS)

	kernelStartFrame := mm.FrameFromAddress(mm.PageAlignDown(kernelStart))
	kernelEndFrame := mm.FrameFromAddress(mm.PageAlignUp(kernelEnd) - 1)

	visitMemRegionsFn(func(region *multiboot.MemoryMapEntry) bool {
		if region.Length < uint64(mm.PageSize) {
			return true
		}
		startFrame := mm.FrameFromAddress(mm.PageAlignUp(region.PhysAddress))
		endFrame := mm.FrameFromAddress(mm.PageAlignDown(region.PhysAddress+region.Length) - 1)

		if region.Type != multiboot.MemAvailable {
			for f := startFrame; f <= endFrame; f++ {
				extra := frameFlag(0)
				if region.Type == multiboot.MemReserved && region.PhysAddress < 0x100000 {
					extra = flagIOHole
				}
				markUnclaimable(f, extra)
			}
			return true
		}

		for f := startFrame; f <= endFrame; f++ {
			if f >= kernelStartFrame && f <= kernelEndFrame {
				markUnclaimable(f, flagKernelPage)
				continue
			}
			if table[f].flags&flagUnclaimable != 0 {
				continue
			}
			pushFree(f)
		}
		return true
	})

	mm.SetFrameAllocator(allocFrameHook)

	kfmt.Printf("[pmm] %d frames detected, %d available\n", len(table), freeFrameCount())
	return nil
}

func freeFrameCount() uint32 {
	var n uint32
	for cur := freeHead; cur != nilFrame; cur = table[cur].next {
		n++
	}
	return n
}

func allocFrameHook() (mm.Frame, *kernel.Error) {
	return AllocFrame(0)
}

// AllocFrame reserves a single frame, optionally zeroing it. It never
// touches the frame's reference count; the caller is responsible for
// calling IncRef (directly, or indirectly via PageTables.insert) once the
// frame is installed somewhere.
func AllocFrame(flags AllocFlags) (mm.Frame, *kernel.Error) {
	if flags&AllocHuge != 0 {
		return allocHuge(flags)
	}

	lock.Acquire(currentCPUFn())
	f, ok := popFree()
	lock.Release()
	if !ok {
		return mm.InvalidFrame, errOutOfMemory
	}

	if flags&AllocZeroed != 0 {
		if err := zero(f); err != nil {
			lock.Acquire(currentCPUFn())
			pushFree(f)
			lock.Release()
			return mm.InvalidFrame, err
		}
	}

	return f, nil
}

// AllocFrames reserves n contiguous frames for runs that need more than one
// frame but fewer than a full 1024-frame huge block (spec.md §4.1
// alloc_consecutive). The run need not be 4 MiB-aligned and is not marked
// flagHuge: each frame remains individually freeable.
func AllocFrames(n uint32, flags AllocFlags) (mm.Frame, *kernel.Error) {
	if n == 0 {
		return mm.InvalidFrame, errOutOfMemory
	}
	if n == 1 {
		return AllocFrame(flags &^ AllocHuge)
	}

	lock.Acquire(currentCPUFn())
	head, ok := findConsecutiveLocked(n, 1)
	if !ok {
		lock.Release()
		return mm.InvalidFrame, errOutOfMemory
	}
	claimRunLocked(head, n)
	lock.Release()

	if flags&AllocZeroed != 0 {
		for f := head; f < head+mm.Frame(n); f++ {
			if err := zero(f); err != nil {
				return mm.InvalidFrame, err
			}
		}
	}
	return head, nil
}

// allocHuge scans for a 4 MiB-aligned run of FramesPerHugePage consecutive
// free frames, splices all of them out of the free list, and marks the head
// flagHuge (spec.md §4.1 "Huge-page algorithm").
func allocHuge(flags AllocFlags) (mm.Frame, *kernel.Error) {
	lock.Acquire(currentCPUFn())
	head, ok := findConsecutiveLocked(mm.FramesPerHugePage, mm.FramesPerHugePage)
	if !ok {
		lock.Release()
		return mm.InvalidFrame, errOutOfMemory
	}
	claimRunLocked(head, mm.FramesPerHugePage)
	table[head].flags |= flagHuge
	lock.Release()

	if flags&AllocZeroed != 0 {
		for f := head; f < head+mm.Frame(mm.FramesPerHugePage); f++ {
			if err := zero(f); err != nil {
				return mm.InvalidFrame, err
			}
		}
	}
	return head, nil
}

// findConsecutiveLocked linearly scans the descriptor table for n free,
// align-aligned consecutive frames. Callers must hold lock.
func findConsecutiveLocked(n uint32, align uint32) (mm.Frame, bool) {
	run := uint32(0)
	var runStart mm.Frame

	for i := uint32(0); i < uint32(len(table)); i++ {
		free := table[i].flags&flagFree != 0 && table[i].flags&flagUnclaimable == 0
		if !free {
			run = 0
			continue
		}
		if run == 0 {
			if i%align != 0 {
				continue
			}
			runStart = mm.Frame(i)
		}
		run++
		if run == n {
			return runStart, true
		}
	}
	return 0, false
}

// claimRunLocked unlinks n consecutive frames starting at head from the
// free list. Since the free list is not ordered by address, this walks the
// whole list once, rebuilding it minus the claimed range. Callers must hold
// lock.
func claimRunLocked(head mm.Frame, n uint32) {
	runEnd := head + mm.Frame(n)
	newHead := nilFrame
	var tailIdx int32 = nilFrame

	for cur := freeHead; cur != nilFrame; {
		next := table[cur].next
		f := mm.Frame(cur)
		if f >= head && f < runEnd {
			table[f].flags &^= flagFree
			table[f].refCount = 0
			cur = next
			continue
		}
		table[f].next = nilFrame
		if newHead == nilFrame {
			newHead = cur
		} else {
			table[tailIdx].next = cur
		}
		tailIdx = cur
		cur = next
	}
	freeHead = newHead
}

func zero(f mm.Frame) *kernel.Error {
	page, err := mapTemporaryFn(f)
	if err != nil {
		return err
	}
	kernel.Memset(page.Address(), 0, mm.PageSize)
	return unmapFn(page)
}

// FreeFrame returns a frame (or, for a huge head, all 1024 underlying
// frames) to the free list. It fails if the frame still has outstanding
// references or is already free (spec.md §4.1 "fails with NonZeroRef or
// DoubleFree").
func FreeFrame(f mm.Frame) *kernel.Error {
	lock.Acquire(currentCPUFn())
	defer lock.Release()
	return freeLocked(f)
}

// freeLocked implements FreeFrame/DecRef's reclaim path. Callers must hold
// lock.
func freeLocked(f mm.Frame) *kernel.Error {
	if uint32(f) >= uint32(len(table)) {
		return errOutOfRange
	}
	d := &table[f]
	if d.flags&flagUnclaimable != 0 {
		return errUnclaimable
	}
	if d.flags&flagFree != 0 {
		return errDoubleFree
	}
	if d.refCount != 0 {
		return errNonZeroRef
	}

	if d.flags&flagHuge != 0 {
		d.flags &^= flagHuge
		for i := f; i < f+mm.Frame(mm.FramesPerHugePage); i++ {
			table[i].refCount = 0
			pushFree(i)
		}
		return nil
	}

	pushFree(f)
	return nil
}

// MarkSwappable flags a frame as eligible for the swap scanner. Called by
// the environment package once a frame is installed in a user address
// space's page tables.
func MarkSwappable(f mm.Frame) {
	table[f].flags |= flagSwappable
}

// Swappable reports whether a frame was flagged via MarkSwappable.
func Swappable(f mm.Frame) bool {
	return table[f].flags&flagSwappable != 0
}

// ClearSwappable drops a frame's swappable flag. Called by kswapd right
// after successfully enqueueing a frame for swap-out, so the same frame
// isn't offered again before the out-queue has actually drained it.
func ClearSwappable(f mm.Frame) {
	table[f].flags &^= flagSwappable
}
