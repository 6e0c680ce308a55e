package vmm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestSwapSlotRoundTripWithPermissionBits reproduces the scenario from
// spec.md §4.9/§8 scenario 4: a present entry with non-zero permission bits
// gets swapped out, and the slot index handed to SwapOutPTE must come back
// unchanged from SwapSlotIndex once the preserved permission bits are ORed
// back in. Before swapSlotShift was moved above FlagCopyOnWrite (bit 9) this
// aliased: slot 1 with FlagRW|FlagUserAccessible set decoded back as slot 2.
func TestSwapSlotRoundTripWithPermissionBits(t *testing.T) {
	perm := FlagRW | FlagUserAccessible

	for _, slot := range []uint32{0, 1, 2, 5, 100, 1<<21 - 1} {
		var pte pageTableEntry
		pte.SetSwapSlot(slot)
		pte.SetFlags(perm)

		got, isSwapped := pte.SwapSlotIndex()
		assert.True(t, isSwapped, "slot %d: expected SwapSlotIndex to report a swapped entry", slot)
		assert.EqualValues(t, slot, got, "slot %d: permission bits must not alias the encoded slot index", slot)
		assert.Equal(t, perm, PageTableEntryFlag(pte)&swapPreservedFlags, "slot %d: preserved permission bits must survive the encoding", slot)
		assert.False(t, pte.HasFlags(FlagPresent), "slot %d: a swapped-out entry must remain non-present", slot)
	}
}

// TestSwapSlotRoundTripNoPermissionBits exercises the same round trip with
// no permission bits set, which is the case the original (broken)
// swapSlotShift happened to pass.
func TestSwapSlotRoundTripNoPermissionBits(t *testing.T) {
	var pte pageTableEntry
	pte.SetSwapSlot(3)

	got, isSwapped := pte.SwapSlotIndex()
	assert.True(t, isSwapped)
	assert.EqualValues(t, 3, got)
}

// TestSwapSlotZeroEntryIsNeverMapped ensures the all-zero sentinel used to
// distinguish "never mapped" from "swapped out to slot 0" still works once
// the slot bits moved up to bit 10.
func TestSwapSlotZeroEntryIsNeverMapped(t *testing.T) {
	var pte pageTableEntry

	got, isSwapped := pte.SwapSlotIndex()
	assert.False(t, isSwapped)
	assert.Zero(t, got)

	pte.SetSwapSlot(0)
	got, isSwapped = pte.SwapSlotIndex()
	assert.True(t, isSwapped)
	assert.Zero(t, got)
}

// TestSwapSlotPresentEntryIsNeverSwapped guards against SwapSlotIndex
// misreading a present (resident) entry as a swap encoding.
func TestSwapSlotPresentEntryIsNeverSwapped(t *testing.T) {
	var pte pageTableEntry
	pte.SetFlags(FlagPresent | FlagRW)

	_, isSwapped := pte.SwapSlotIndex()
	assert.False(t, isSwapped)
}

// TestClearSwapSlotResetsToNeverMapped checks ClearSwapSlot drops both the
// slot index and any permission bits that had been preserved alongside it.
func TestClearSwapSlotResetsToNeverMapped(t *testing.T) {
	var pte pageTableEntry
	pte.SetSwapSlot(42)
	pte.SetFlags(FlagRW | FlagUserAccessible)

	pte.ClearSwapSlot()

	assert.EqualValues(t, 0, pte)
	_, isSwapped := pte.SwapSlotIndex()
	assert.False(t, isSwapped)
}
