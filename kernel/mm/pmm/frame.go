// Package pmm implements the physical frame allocator: a flat descriptor
// array with an intrusive free list and a linear huge-page scanner,
// replacing the old boot-time-only bitmap allocator.
package pmm

import (
	"gopheros/kernel"
	"gopheros/kernel/mm"
	"gopheros/kernel/sync"
)

// frameFlag is a bitfield of per-frame attributes (spec.md §3 PhysFrame).
type frameFlag uint8

const (
	// flagBIOS marks frame 0, which the BIOS data area occupies and
	// which must never be handed out.
	flagBIOS frameFlag = 1 << iota

	// flagKernelPage marks a frame that backs the running kernel image
	// and must never enter the free list.
	flagKernelPage

	// flagIOHole marks a frame inside the legacy ISA I/O hole
	// (0xA0000-0xFFFFF, as reported by the bootloader as reserved).
	flagIOHole

	// flagFree mirrors "this frame is currently on the free list". A
	// frame is on the free list iff refCount == 0 and flagFree is set.
	flagFree

	// flagHuge marks the head of a 1024-frame, 4 MiB-aligned contiguous
	// allocation. Only the head descriptor carries this flag; the other
	// 1023 "body" frames are plain allocated frames that must not be
	// independently freed or reallocated while the head survives.
	flagHuge

	// flagUnclaimable marks a frame that must never be placed on the
	// free list: BIOS, kernel image, I/O hole, or anything the
	// bootloader reported as reserved/ACPI/NVS.
	flagUnclaimable

	// flagSwappable marks a user frame eligible for the swap scanner.
	// The allocator itself never sets this; callers that hand a frame
	// to a user address space do, via MarkSwappable.
	flagSwappable
)

// frameDescriptor is the per-frame bookkeeping record (spec.md §3
// PhysFrame). The array holding these is sized to the highest frame number
// the bootloader reports, so unusued high memory past what's installed in
// the machine never gets a descriptor.
type frameDescriptor struct {
	refCount uint32
	next     int32 // free-list successor; nilFrame if none
	flags    frameFlag
}

// nilFrame terminates the free list and marks "no successor"/"no frame".
const nilFrame = int32(-1)

// AllocFlags requests allocator behavior beyond "give me one frame".
type AllocFlags uint8

const (
	// AllocZeroed requests that the returned frame's contents be cleared
	// before AllocFrame returns. Zeroing requires a temporary mapping
	// and is skipped unless requested since most callers (e.g. PageTables
	// installing a leaf mapping for a COW fault) overwrite the frame
	// immediately anyway.
	AllocZeroed AllocFlags = 1 << iota

	// AllocHuge requests a 1024-frame, 4 MiB-aligned contiguous block
	// instead of a single frame. The returned mm.Frame is the block's
	// head; the other 1023 frames must never be allocated or freed
	// individually while the head is alive.
	AllocHuge
)

var (
	// table holds one descriptor per frame number in [0, len(table)).
	// Sized by Init once the bootloader's highest reported address is
	// known; never reallocated afterwards.
	table []frameDescriptor

	// freeHead is the index of the most recently pushed free frame, or
	// nilFrame when the free list is empty. Frames are pushed/popped
	// from the head, so allocation and free are both O(1) outside of the
	// huge-page scan.
	freeHead = nilFrame

	lock sync.Spinlock

	// currentCPUFn is swapped out by tests; production code reads the
	// real APIC id via cpu.LocalAPICID (wired in pmm.go's init).
	currentCPUFn = func() int32 { return 0 }

	errDoubleFree  = &kernel.Error{Module: "pmm", Message: "frame is already free"}
	errNonZeroRef  = &kernel.Error{Module: "pmm", Message: "cannot free frame with non-zero reference count"}
	errOutOfRange  = &kernel.Error{Module: "pmm", Message: "frame index out of range"}
	errUnclaimable = &kernel.Error{Module: "pmm", Message: "frame cannot be claimed"}
)

// reset discards the current descriptor table and free list. Used by Init
// and by tests that need a clean slate.
func reset(frameCount uint32) {
	table = make([]frameDescriptor, frameCount)
	for i := range table {
		table[i].next = nilFrame
	}
	freeHead = nilFrame
}

// markUnclaimable flags a frame as never enterable into the free list,
// without affecting its current refCount. Called during Init for BIOS,
// kernel image and I/O hole frames, and for any reserved region the
// bootloader reports.
func markUnclaimable(f mm.Frame, extra frameFlag) {
	if uint32(f) >= uint32(len(table)) {
		return
	}
	table[f].flags |= flagUnclaimable | extra
}

// pushFree links frame f onto the head of the free list and marks it free.
// Callers must already hold lock.
func pushFree(f mm.Frame) {
	d := &table[f]
	d.flags |= flagFree
	d.refCount = 0
	d.next = freeHead
	freeHead = int32(f)
}

// popFree unlinks and returns the head of the free list. Callers must
// already hold lock. Returns false if the list is empty.
func popFree() (mm.Frame, bool) {
	if freeHead == nilFrame {
		return 0, false
	}
	f := mm.Frame(freeHead)
	d := &table[f]
	freeHead = d.next
	d.next = nilFrame
	d.flags &^= flagFree
	return f, true
}

// headOf returns the frame that owns the huge-page descriptor covering f:
// f itself if f is not part of a huge allocation, otherwise the 4 MiB-
// aligned frame that carries flagHuge.
func headOf(f mm.Frame) mm.Frame {
	head := mm.Frame(uint32(f) &^ (mm.FramesPerHugePage - 1))
	if int(head) < len(table) && table[head].flags&flagHuge != 0 {
		return head
	}
	return f
}

// GetRef returns the logical reference count of a frame: its own count, or
// its huge-page head's count when it is a body frame of a huge allocation
// (spec.md §4.2 "get_ref ... delegates to the head").
func GetRef(f mm.Frame) uint32 {
	return table[headOf(f)].refCount
}

// IncRef atomically increments a frame's reference count. Used by fork and
// by PageTables.insert's ref-before-deref ordering.
func IncRef(f mm.Frame) {
	lock.Acquire(currentCPUFn())
	table[headOf(f)].refCount++
	lock.Release()
}

// DecRef decrements a frame's reference count, freeing it (and, for a huge
// head, every body frame) once the count reaches zero.
func DecRef(f mm.Frame) *kernel.Error {
	lock.Acquire(currentCPUFn())
	defer lock.Release()

	head := headOf(f)
	if table[head].refCount == 0 {
		return errDoubleFree
	}
	table[head].refCount--
	if table[head].refCount > 0 {
		return nil
	}
	return freeLocked(head)
}

// FrameCount returns the number of frame descriptors the allocator was
// sized for at Init, i.e. one past the highest valid frame index. Used by
// kswapd's clock scan to wrap its head pointer around the whole table.
func FrameCount() uint32 {
	return uint32(len(table))
}

// RSS returns the number of frames currently counted as in use: refCount >
// 0 or not marked free. Body frames of a live huge allocation count
// individually, matching the spec's resident-set-size definition.
func RSS() uint64 {
	lock.Acquire(currentCPUFn())
	defer lock.Release()

	var n uint64
	for i := range table {
		if table[i].refCount > 0 || table[i].flags&flagFree == 0 {
			n++
		}
	}
	return n
}
