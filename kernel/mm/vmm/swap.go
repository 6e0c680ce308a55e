package vmm

import (
	"gopheros/kernel"
	"gopheros/kernel/mm"
)

// swapPreservedFlags are the low PTE bits spec.md §4.9 says survive a
// swap-out/swap-in round trip unchanged: they describe the mapping's
// intended permissions, not its current residency.
const swapPreservedFlags = FlagUserAccessible | FlagWriteThroughCaching | FlagDoNotCache | FlagGlobal | FlagRW

// SwapOutPTE rewrites the present entry mapping addr in pdt into its
// swapped-out encoding for the given slot, preserving the entry's low
// permission bits, and releases the frame's reference the entry used to
// hold (spec.md §4.9: "rewrite the PTE to the encoded swap form, and
// decrement the frame's refcount").
func (pdt PageDirectoryTable) SwapOutPTE(addr uintptr, slot uint32) *kernel.Error {
	var (
		err      *kernel.Error
		oldFrame mm.Frame
	)
	pdt.withActivated(func() {
		walk(addr, func(pteLevel uint8, pte *pageTableEntry) bool {
			if pteLevel < pageLevels-1 {
				if !pte.HasFlags(FlagPresent) {
					err = ErrInvalidMapping
					return false
				}
				return true
			}
			if !pte.HasFlags(FlagPresent) {
				err = ErrInvalidMapping
				return false
			}
			perm := PageTableEntryFlag(*pte) & swapPreservedFlags
			oldFrame = pte.Frame()
			pte.SetSwapSlot(slot)
			pte.SetFlags(perm)
			flushTLBEntryFn(addr)
			return true
		})
	})
	if err != nil {
		return err
	}
	return decRefFn(oldFrame)
}

// PTESwapSlot reports the swap slot encoded in the entry mapping addr in
// pdt, and the low permission bits to restore when the page comes back.
// isSwapped is false for an entry that is present or was never mapped.
func (pdt PageDirectoryTable) PTESwapSlot(addr uintptr) (slot uint32, perm PageTableEntryFlag, isSwapped bool, err *kernel.Error) {
	pte, e := pdt.pteReadOnly(addr)
	if e != nil {
		return 0, 0, false, e
	}
	slot, isSwapped = pte.SwapSlotIndex()
	perm = PageTableEntryFlag(pte) & swapPreservedFlags
	return slot, perm, isSwapped, nil
}

// SwapInPTE installs frame at addr with the given (preserved) permission
// bits, replacing a swapped-out encoding (spec.md §4.9 "swap_in": "install
// the new mapping ... with the original PTE's low permission bits").
// Map's own refcount hook accounts for the new reference.
func (pdt PageDirectoryTable) SwapInPTE(addr uintptr, frame mm.Frame, perm PageTableEntryFlag) *kernel.Error {
	return pdt.Map(mm.PageFromAddress(addr), frame, FlagPresent|perm)
}
