package vmm

import (
	"gopheros/kernel"
	"gopheros/kernel/mm"
)

// MapHuge installs a 4 MiB mapping at the directory level, describing
// page's containing 1024-entry block with a single PDE carrying
// FlagHugePage instead of pointing at a second-level table (spec.md §4.2,
// "PageTables ... huge-page handling"). page must be 4 MiB-aligned; frame
// must be the head of a PhysFrames huge allocation.
func MapHuge(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	var err *kernel.Error
	walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel != 0 {
			return true
		}
		if pte.HasFlags(FlagPresent) && !pte.HasFlags(FlagHugePage) {
			err = errHugeOverwritesTable
			return false
		}
		oldFrame, hadOccupant := pte.Frame(), pte.HasFlags(FlagPresent)
		incRefFn(frame)
		*pte = 0
		pte.SetFrame(frame)
		pte.SetFlags(flags | FlagHugePage)
		flushTLBEntryFn(page.Address())
		if hadOccupant {
			_ = decRefFn(oldFrame)
		}
		return false
	})
	return err
}

// UnmapHuge tears down a 4 MiB mapping previously installed by MapHuge.
func UnmapHuge(page mm.Page) *kernel.Error {
	var err *kernel.Error
	walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel != 0 {
			return true
		}
		if !pte.HasFlags(FlagPresent) || !pte.HasFlags(FlagHugePage) {
			err = ErrInvalidMapping
			return false
		}
		oldFrame := pte.Frame()
		pte.ClearFlags(FlagPresent)
		flushTLBEntryFn(page.Address())
		_ = decRefFn(oldFrame)
		return false
	})
	return err
}

// HugeEntry returns the directory-level PDE covering addr along with
// whether it describes a present 4 MiB mapping, used by the fault engine
// and the reverse-map cursor to tell a huge leaf apart from a pointer to a
// second-level table without descending into it.
func (pdt PageDirectoryTable) HugeEntry(addr uintptr) (frame mm.Frame, present bool) {
	var result pageTableEntry
	pdt.withActivated(func() {
		walk(addr, func(pteLevel uint8, pte *pageTableEntry) bool {
			if pteLevel == 0 {
				result = *pte
			}
			return pteLevel == 0 && result.HasFlags(FlagPresent) && !result.HasFlags(FlagHugePage)
		})
	})
	return result.Frame(), result.HasFlags(FlagPresent) && result.HasFlags(FlagHugePage)
}

// DowngradeHugeToReadOnly clears RW on the directory-level PDE covering
// addr, the huge-page analogue of DowngradeToReadOnly. Unlike
// DowngradeToReadOnly it does not set FlagCopyOnWrite.
func (pdt PageDirectoryTable) DowngradeHugeToReadOnly(addr uintptr) *kernel.Error {
	var err *kernel.Error
	pdt.withActivated(func() {
		walk(addr, func(pteLevel uint8, pte *pageTableEntry) bool {
			if pteLevel != 0 {
				return true
			}
			if !pte.HasFlags(FlagPresent) || !pte.HasFlags(FlagHugePage) {
				err = ErrInvalidMapping
				return false
			}
			pte.ClearFlags(FlagRW)
			flushTLBEntryFn(addr)
			return false
		})
	})
	return err
}

var errHugeOverwritesTable = &kernel.Error{Module: "vmm", Message: "huge mapping would overwrite an existing page table"}
