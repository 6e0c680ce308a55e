package vmm

import "gopheros/kernel/mm"

// ReverseCursor walks every present page table entry across every address
// space looking for mappings of a particular physical frame, resuming
// across calls instead of running to completion in one shot. It is
// implemented as an explicit struct of three packed sub-iterators (env
// index / directory index / table index) rather than a goroutine-backed
// coroutine: a kernel page-fault/interrupt context cannot block on a
// channel, so the iterator state has to be plain data that Next can save
// and restore between calls.
type ReverseCursor struct {
	envIndex   uint32
	dirIndex   uint32
	tableIndex uint32
	done       bool
}

// ReverseMapSource is implemented by whatever owns the set of live address
// spaces (the env package's environment table) so this package can walk
// them without importing env, which itself imports vmm.
type ReverseMapSource interface {
	// EnvCount returns the number of address-space slots to scan.
	EnvCount() uint32
	// PDTAt returns the page directory for the given slot and whether
	// that slot currently holds a live (non-Free, non-Dying) address
	// space worth scanning.
	PDTAt(envIndex uint32) (PageDirectoryTable, bool)
}

// Mapping describes one (address space, virtual page) pair found to map a
// searched-for frame.
type Mapping struct {
	EnvIndex uint32
	Page     mm.Page
}

// Next resumes the scan from where the previous call to Next left off and
// returns the next mapping of target, or found=false once every address
// space has been exhausted. Huge-page PDEs are skipped, so reverse lookups
// only consider 4 KiB leaves, and
// addresses at or above mm.UTOP are skipped since kernel mappings are
// shared by construction and are never a fork/swap target.
func (c *ReverseCursor) Next(src ReverseMapSource, target mm.Frame) (Mapping, bool) {
	if c.done {
		return Mapping{}, false
	}

	envCount := src.EnvCount()
	dirEntries := uint32(1) << pageLevelBits[0]
	tableEntries := uint32(1) << pageLevelBits[1]

	for ; c.envIndex < envCount; c.envIndex++ {
		pdt, live := src.PDTAt(c.envIndex)
		if !live {
			c.dirIndex, c.tableIndex = 0, 0
			continue
		}

		for ; c.dirIndex < dirEntries; c.dirIndex++ {
			dirAddr := c.dirIndex << pageLevelShifts[0]
			if uintptr(dirAddr) >= mm.UTOP {
				break
			}
			if _, huge := pdt.HugeEntry(uintptr(dirAddr)); huge {
				c.tableIndex = 0
				continue
			}

			for ; c.tableIndex < tableEntries; c.tableIndex++ {
				addr := uintptr(dirAddr) | uintptr(c.tableIndex<<pageLevelShifts[1])

				pte, err := pdt.pteReadOnly(addr)
				if err != nil || !pte.HasFlags(FlagPresent) || pte.HasFlags(FlagHugePage) {
					continue
				}
				if pte.Frame() != target {
					continue
				}

				found := Mapping{EnvIndex: c.envIndex, Page: mm.PageFromAddress(addr)}
				c.tableIndex++
				return found, true
			}
			c.tableIndex = 0
		}
		c.dirIndex = 0
	}

	c.done = true
	return Mapping{}, false
}

// Reset rewinds the cursor to the beginning, e.g. to start a fresh search
// for a different frame.
func (c *ReverseCursor) Reset() {
	*c = ReverseCursor{}
}

// ClearAccessed clears the Accessed bit on every present PTE across every
// live address space in src that currently maps target, reporting whether
// any of them had it set (spec.md §4.9 kswapd's "clear_last_access": a
// frame untouched since the last scan is a swap-out candidate).
func ClearAccessed(src ReverseMapSource, target mm.Frame) bool {
	var (
		cursor      ReverseCursor
		wasAccessed bool
	)
	for {
		m, found := cursor.Next(src, target)
		if !found {
			return wasAccessed
		}
		pdt, live := src.PDTAt(m.EnvIndex)
		if !live {
			continue
		}
		addr := m.Page.Address()
		pdt.withActivated(func() {
			walk(addr, func(pteLevel uint8, pte *pageTableEntry) bool {
				if pteLevel < pageLevels-1 && !pte.HasFlags(FlagPresent) {
					return false
				}
				if pteLevel == pageLevels-1 && pte.HasFlags(FlagAccessed) {
					wasAccessed = true
					pte.ClearFlags(FlagAccessed)
					flushTLBEntryFn(addr)
				}
				return true
			})
		})
	}
}
