package vmm

import "math"

const (
	// pageLevels is the number of page-table levels in the x86 32-bit
	// paging scheme this kernel targets: a page directory and a page
	// table, versus the 4-level amd64 scheme this package was originally
	// written against.
	pageLevels = 2

	// ptePhysPageMask extracts the physical frame address from a page
	// table entry: bits 12-31.
	ptePhysPageMask = uintptr(0xfffff000)

	// tempMappingAddr is a reserved virtual page used for establishing
	// short-lived mappings (e.g. to edit an inactive PDT, or to copy a
	// frame's contents during CoW resolution). It lives in the PDE slot
	// immediately below the recursively-mapped one so it never aliases
	// the self-referential mapping walk() relies on.
	tempMappingAddr = uintptr(0xffbff000)
)

var (
	// pdtVirtualAddr exploits the recursive mapping installed in the last
	// PDT entry: setting both the directory and table index bits of a
	// virtual address to all-ones makes the MMU's own translation land on
	// the page directory itself, so it can be read and written like any
	// other page.
	pdtVirtualAddr = uintptr(math.MaxUint32 &^ ((1 << 12) - 1))

	// pageLevelBits defines the number of virtual address bits consumed
	// by each page level. x86 32-bit paging uses 10 bits per level (1024
	// entries per table).
	pageLevelBits = [pageLevels]uint8{
		10,
		10,
	}

	// pageLevelShifts defines the shift required to extract each page
	// table component from a virtual address.
	pageLevelShifts = [pageLevels]uint8{
		22,
		12,
	}
)

const (
	// FlagPresent is set when the page is available in memory and not
	// swapped out. When clear, the remaining bits of a non-present PTE
	// are interpreted by the swap engine (see vmm/pte_swap.go) instead of
	// meaning "never mapped".
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this
	// page. If not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and
	// write-back caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set on a page-directory entry to describe a 4 MiB
	// page mapped directly by that PDE, with no second-level table.
	FlagHugePage

	// FlagGlobal, if set, prevents the TLB from flushing the cached
	// mapping for this page across a CR3 reload.
	FlagGlobal

	// FlagCopyOnWrite marks a read-only page shared between a forked
	// parent and child that must be privately copied on the next write
	// fault. Mutually exclusive with FlagRW.
	FlagCopyOnWrite
)
