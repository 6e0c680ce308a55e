// Package mm contains the architecture-level memory types (page/frame
// indices, sizes) shared by the pmm, vmm, env, sched and swap packages. It
// intentionally carries no allocation policy of its own; that lives in pmm
// and vmm.
package mm

// PageShift is equal to log2(PageSize). This constant is used when we need
// to convert a physical/virtual address to a page number (shift right by
// PageShift) and vice-versa.
const PageShift = 12

// PageSize defines the system's page size in bytes: 4 KiB, the base leaf
// size for the x86 two-level paging scheme this kernel targets.
const PageSize = uintptr(1) << PageShift

// HugePageShift is equal to log2(HugePageSize).
const HugePageShift = 22

// HugePageSize defines the size of a 4 MiB huge page, described at the
// directory level by a single PDE with the huge-page bit set.
const HugePageSize = uintptr(1) << HugePageShift

// FramesPerHugePage is the number of contiguous 4 KiB frames backing one
// huge page.
const FramesPerHugePage = HugePageSize / PageSize

// UTOP is the upper boundary of user-addressable virtual memory. Mappings at
// or above UTOP are kernel-only and are shared, by construction, across every
// address space (spec.md §3).
const UTOP = uintptr(0xF0000000)

// PointerShift is log2(unsafe.Sizeof(uintptr)) for a 32-bit address space.
const PointerShift = 2
