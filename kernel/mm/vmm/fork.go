package vmm

import (
	"gopheros/kernel"
	"gopheros/kernel/mm"
	"unsafe"
)

// entriesPerTable is the number of entries in a single page directory or
// page table (1024 for x86 32-bit, non-PAE paging).
const entriesPerTable = 1 << pageLevelBits[0]

// firstUserDirLimit is the first directory index that belongs to the
// shared kernel half of every address space (spec.md §3: "above UTOP ...
// shared"). Indices below it are what ForkAddressSpace and
// DestroyAddressSpace walk.
var firstUserDirLimit = uintptr(mm.UTOP >> pageLevelShifts[0])

// activeDirEntries exposes the currently active PDT's 1024 directory
// entries, exploiting the same recursive self-map walk() relies on.
func activeDirEntries() *[entriesPerTable]pageTableEntry {
	return (*[entriesPerTable]pageTableEntry)(unsafe.Pointer(pdtVirtualAddr))
}

// activeTableEntries exposes the 1024 entries of the page table installed
// at directory index i of the currently active PDT.
func activeTableEntries(i uintptr) *[entriesPerTable]pageTableEntry {
	base := (pdtVirtualAddr &^ ((1 << pageLevelShifts[0]) - 1)) | (i << pageLevelShifts[1])
	return (*[entriesPerTable]pageTableEntry)(unsafe.Pointer(base))
}

// ForkAddressSpace clones parent's user half into a freshly allocated child
// PDT backed by childFrame (spec.md §4.8 "fork"). The shared kernel half is
// installed by NewAddressSpacePDT. Every directory slot below mm.UTOP is
// handled according to what it currently holds:
//
//   - absent: copied as-is (left zero in the child).
//   - present + huge (4 MiB): shared directly between parent and child,
//     downgrading both to CopyOnWrite if the region was writable. Huge
//     pages have no reverse map (SPEC_FULL.md §D), so they are never split
//     into a second-level table here either.
//   - present + ordinary table: the child gets its own freshly allocated
//     table, a copy of every entry, with parent (and child) downgraded to
//     CopyOnWrite wherever the original entry was writable.
//
// In both present cases the shared data frame's refcount is incremented
// once for the child's new reference; it is never decremented here, since
// the parent keeps its own reference to the same frame.
func ForkAddressSpace(parent PageDirectoryTable, childFrame mm.Frame) (PageDirectoryTable, *kernel.Error) {
	child, err := NewAddressSpacePDT(childFrame)
	if err != nil {
		return PageDirectoryTable{}, err
	}

	childDirPage, err := mapTemporaryFn(childFrame)
	if err != nil {
		return PageDirectoryTable{}, err
	}
	childDir := (*[entriesPerTable]pageTableEntry)(unsafe.Pointer(childDirPage.Address()))

	var forkErr *kernel.Error
	parent.withActivated(func() {
		parentDir := activeDirEntries()

		for i := uintptr(0); i < firstUserDirLimit; i++ {
			entry := parentDir[i]

			switch {
			case !entry.HasFlags(FlagPresent):
				childDir[i] = 0

			case entry.HasFlags(FlagHugePage):
				if entry.HasFlags(FlagRW) {
					entry.ClearFlags(FlagRW)
					entry.SetFlags(FlagCopyOnWrite)
					parentDir[i] = entry
					flushTLBEntryFn(i << pageLevelShifts[0])
				}
				incRefFn(entry.Frame())
				childDir[i] = entry

			default:
				childTableFrame, allocErr := mm.AllocFrame()
				if allocErr != nil {
					forkErr = allocErr
					return
				}
				childTablePage, mapErr := mapTemporaryFn(childTableFrame)
				if mapErr != nil {
					forkErr = mapErr
					return
				}
				childTable := (*[entriesPerTable]pageTableEntry)(unsafe.Pointer(childTablePage.Address()))
				parentTable := activeTableEntries(i)

				for j := 0; j < entriesPerTable; j++ {
					pte := parentTable[j]
					if pte.HasFlags(FlagPresent) && pte.HasFlags(FlagRW) {
						pte.ClearFlags(FlagRW)
						pte.SetFlags(FlagCopyOnWrite)
						parentTable[j] = pte
						flushTLBEntryFn((i << pageLevelShifts[0]) | (uintptr(j) << pageLevelShifts[1]))
					}
					if pte.HasFlags(FlagPresent) {
						incRefFn(pte.Frame())
					}
					childTable[j] = pte
				}

				if unmapErr := unmapFn(childTablePage); unmapErr != nil {
					forkErr = unmapErr
					return
				}

				entry.SetFrame(childTableFrame)
				childDir[i] = entry
			}
		}
	})

	if unmapErr := unmapFn(childDirPage); unmapErr != nil && forkErr == nil {
		forkErr = unmapErr
	}
	if forkErr != nil {
		return PageDirectoryTable{}, forkErr
	}

	return child, nil
}

// DestroyAddressSpace releases every physical frame referenced by pdt's
// user half, including the second-level tables themselves, and finally
// the directory frame (spec.md §4.5 "free"). The shared kernel half is
// never touched: its entries are not owned by this address space.
func DestroyAddressSpace(pdt PageDirectoryTable) *kernel.Error {
	var destroyErr *kernel.Error

	pdt.withActivated(func() {
		dir := activeDirEntries()

		for i := uintptr(0); i < firstUserDirLimit; i++ {
			entry := dir[i]
			if !entry.HasFlags(FlagPresent) {
				continue
			}

			if entry.HasFlags(FlagHugePage) {
				if err := decRefFn(entry.Frame()); err != nil && destroyErr == nil {
					destroyErr = err
				}
				continue
			}

			table := activeTableEntries(i)
			tableFrame := entry.Frame()
			for j := 0; j < entriesPerTable; j++ {
				pte := table[j]
				if pte.HasFlags(FlagPresent) {
					if err := decRefFn(pte.Frame()); err != nil && destroyErr == nil {
						destroyErr = err
					}
				}
			}
			if err := mm.FreeFrame(tableFrame); err != nil && destroyErr == nil {
				destroyErr = err
			}
		}
	})

	if destroyErr != nil {
		return destroyErr
	}
	return mm.FreeFrame(pdt.Frame())
}
