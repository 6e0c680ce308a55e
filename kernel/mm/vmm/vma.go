package vmm

import (
	"gopheros/kernel"
	"gopheros/kernel/cpu"
	"gopheros/kernel/mm"
	"gopheros/kernel/sync"
)

func currentCPU() int32 { return int32(cpu.LocalAPICID()) }

// maxVMAs bounds the number of virtual memory areas tracked per address
// space. A fixed-capacity array with index-linked neighbors avoids the
// allocator churn a slice-of-pointers design would impose on every
// map/unmap, at the cost of a hard ceiling on address-space fragmentation
// that VMAList.New reports as ErrTooManyVMAs.
const maxVMAs = 128

// nilVMA is the neighbor-index sentinel meaning "no such neighbor".
const nilVMA = int16(-1)

// VMAKind describes what backs a virtual memory area's pages once faulted
// in.
type VMAKind uint8

const (
	// VMAAnonymous areas are backed by zeroed, copy-on-write pages and
	// have no durable storage: unmapping one discards its contents.
	VMAAnonymous VMAKind = iota

	// VMAFileBacked areas are filled on first fault from a backing
	// object and, per this kernel's design, are never promoted to
	// anonymous even after being written to (see SPEC_FULL.md §D).
	VMAFileBacked
)

// FileBacking identifies the object and offset an VMAFileBacked area reads
// from when servicing a fault. Resolving Reader into actual bytes is left
// to whatever owns the Environment (e.g. an ELF loader at exec time); the
// vmm package only stores the descriptor and forwards it to the fault
// handler's backing-read hook.
type FileBacking struct {
	Reader interface {
		ReadAt(p []byte, off int64) (int, error)
	}
	Offset int64
}

// vma describes one mapped region of an address space's virtual memory.
type vma struct {
	start, end uintptr // [start, end), both page-aligned
	kind       VMAKind
	perm       PageTableEntryFlag
	backing    FileBacking

	prev, next int16
	inUse      bool
}

// VMAList is the per-address-space sorted list of mapped regions. Slots are
// stored in array order but are threaded by index into an ascending
// doubly-linked list via prev/next, so insertion/removal never has to
// shuffle the backing array the way a sorted slice would.
type VMAList struct {
	lock  sync.Spinlock
	slots [maxVMAs]vma
	head  int16
	tail  int16
	count int16
}

var (
	// ErrTooManyVMAs is returned when an address space has exhausted its
	// fixed VMA slot budget.
	ErrTooManyVMAs = &kernel.Error{Module: "vmm", Message: "too many virtual memory areas"}

	// ErrOverlappingVMA is returned when a requested region overlaps an
	// existing mapping at a fixed address.
	ErrOverlappingVMA = &kernel.Error{Module: "vmm", Message: "requested region overlaps an existing mapping"}

	// ErrNoSuchVMA is returned by SetBacking when addr falls outside every
	// tracked region.
	ErrNoSuchVMA = &kernel.Error{Module: "vmm", Message: "address is not part of any mapped region"}

	// ErrNoSpace is returned by NewRange when no gap of the requested
	// length exists above the search floor.
	ErrNoSpace = &kernel.Error{Module: "vmm", Message: "no free address range of the requested length"}
)

// Init resets the list to empty. Must be called before first use.
func (l *VMAList) Init() {
	l.head, l.tail, l.count = nilVMA, nilVMA, 0
	for i := range l.slots {
		l.slots[i].inUse = false
	}
}

func (l *VMAList) allocSlot() (int16, *kernel.Error) {
	for i := range l.slots {
		if !l.slots[i].inUse {
			return int16(i), nil
		}
	}
	return nilVMA, ErrTooManyVMAs
}

// link splices slot idx into the ascending list, assuming slots[idx].start
// is already set and idx is not yet linked.
func (l *VMAList) link(idx int16) {
	v := &l.slots[idx]
	v.inUse = true

	if l.head == nilVMA {
		l.head, l.tail = idx, idx
		v.prev, v.next = nilVMA, nilVMA
		return
	}

	// Walk from head to find the first node that starts after v.
	cur := l.head
	for cur != nilVMA && l.slots[cur].start < v.start {
		cur = l.slots[cur].next
	}

	if cur == nilVMA {
		// Append at tail.
		v.prev, v.next = l.tail, nilVMA
		l.slots[l.tail].next = idx
		l.tail = idx
		return
	}

	prev := l.slots[cur].prev
	v.prev, v.next = prev, cur
	l.slots[cur].prev = idx
	if prev == nilVMA {
		l.head = idx
	} else {
		l.slots[prev].next = idx
	}
}

func (l *VMAList) unlink(idx int16) {
	v := &l.slots[idx]
	if v.prev != nilVMA {
		l.slots[v.prev].next = v.next
	} else {
		l.head = v.next
	}
	if v.next != nilVMA {
		l.slots[v.next].prev = v.prev
	} else {
		l.tail = v.prev
	}
	v.inUse = false
}

// canCoalesce reports whether two adjacent descriptors describe the same
// kind of mapping and can be merged into a single, larger VMA.
func canCoalesce(a, b *vma) bool {
	return a.end == b.start && a.kind == b.kind && a.perm == b.perm &&
		a.kind == VMAAnonymous // file-backed regions keep distinct offsets
}

// New inserts a VMA covering [start, start+length) with the given kind and
// permissions, coalescing with an immediately adjacent region of the same
// kind/perm when possible. It returns ErrOverlappingVMA if the region
// intersects an existing mapping.
func (l *VMAList) New(start, length uintptr, kind VMAKind, perm PageTableEntryFlag) *kernel.Error {
	l.lock.Acquire(currentCPU())
	defer l.lock.Release()

	end := start + length

	for cur := l.head; cur != nilVMA; cur = l.slots[cur].next {
		v := &l.slots[cur]
		if start < v.end && end > v.start {
			return ErrOverlappingVMA
		}
	}

	idx, err := l.allocSlot()
	if err != nil {
		return err
	}

	l.slots[idx] = vma{start: start, end: end, kind: kind, perm: perm}
	l.link(idx)
	l.count++
	l.coalesceAround(idx)
	return nil
}

// NewRange searches for the lowest gap of at least length bytes at or above
// floor, inserts a VMA covering it with the given kind/permissions, and
// returns the chosen start address. It fails with ErrNoSpace if no such gap
// exists below mm.UTOP.
func (l *VMAList) NewRange(floor, length uintptr, kind VMAKind, perm PageTableEntryFlag) (uintptr, *kernel.Error) {
	l.lock.Acquire(currentCPU())
	defer l.lock.Release()

	candidate := mm.PageAlignUp(floor)

	for cur := l.head; cur != nilVMA; cur = l.slots[cur].next {
		v := &l.slots[cur]
		if candidate+length <= v.start {
			break
		}
		if candidate < v.end {
			candidate = v.end
		}
	}

	if candidate+length > mm.UTOP || candidate+length < candidate {
		return 0, ErrNoSpace
	}

	idx, err := l.allocSlot()
	if err != nil {
		return 0, err
	}

	l.slots[idx] = vma{start: candidate, end: candidate + length, kind: kind, perm: perm}
	l.link(idx)
	l.count++
	l.coalesceAround(idx)
	return candidate, nil
}

// coalesceAround merges idx with its predecessor and/or successor if they
// describe contiguous regions of the same kind, freeing the now-redundant
// slot(s).
func (l *VMAList) coalesceAround(idx int16) {
	v := &l.slots[idx]
	if nxt := v.next; nxt != nilVMA && canCoalesce(v, &l.slots[nxt]) {
		merged := &l.slots[nxt]
		merged.start = v.start
		l.unlink(idx)
		idx = nxt
		v = merged
	}
	if prv := v.prev; prv != nilVMA && canCoalesce(&l.slots[prv], v) {
		v.start = l.slots[prv].start
		l.unlink(prv)
	}
}

// Lookup returns the region containing addr, if any, along with the
// region's own start address (needed to turn addr into an offset relative
// to a file backing).
func (l *VMAList) Lookup(addr uintptr) (kind VMAKind, perm PageTableEntryFlag, backing FileBacking, vmaStart uintptr, found bool) {
	l.lock.Acquire(currentCPU())
	defer l.lock.Release()

	for cur := l.head; cur != nilVMA; cur = l.slots[cur].next {
		v := &l.slots[cur]
		if addr >= v.start && addr < v.end {
			return v.kind, v.perm, v.backing, v.start, true
		}
		if addr < v.start {
			break
		}
	}
	return 0, 0, FileBacking{}, 0, false
}

// SetBacking attaches file-backing information to the VMA containing addr.
func (l *VMAList) SetBacking(addr uintptr, backing FileBacking) *kernel.Error {
	l.lock.Acquire(currentCPU())
	defer l.lock.Release()

	for cur := l.head; cur != nilVMA; cur = l.slots[cur].next {
		v := &l.slots[cur]
		if addr >= v.start && addr < v.end {
			v.kind = VMAFileBacked
			v.backing = backing
			return nil
		}
	}
	return ErrNoSuchVMA
}

// Unmap removes the mapping covering [start, start+length), splitting or
// shrinking the owning VMA as needed so that regions outside the unmapped
// range remain tracked, and tears down the page-table entry for every page
// in the removed portion. A page that was never individually faulted in
// (still absent, e.g. an untouched anonymous hole) is silently skipped
// rather than treated as an error.
func (l *VMAList) Unmap(pdt PageDirectoryTable, start, length uintptr) *kernel.Error {
	l.lock.Acquire(currentCPU())
	defer l.lock.Release()

	end := start + length
	cur := l.head
	for cur != nilVMA {
		next := l.slots[cur].next
		v := &l.slots[cur]

		switch {
		case end <= v.start || start >= v.end:
			// No overlap.
			cur = next
			continue

		case start <= v.start && end >= v.end:
			// Fully covered: remove entirely.
			unmapRange(pdt, v.start, v.end)
			l.unlink(cur)
			l.count--

		case start > v.start && end < v.end:
			// Punches a hole in the middle: shrink v to the left
			// remainder and insert a new slot for the right one.
			unmapRange(pdt, start, end)
			rightStart, rightEnd, kind, perm, backing := end, v.end, v.kind, v.perm, v.backing
			v.end = start
			idx, err := l.allocSlot()
			if err != nil {
				return err
			}
			l.slots[idx] = vma{start: rightStart, end: rightEnd, kind: kind, perm: perm, backing: backing}
			l.link(idx)
			l.count++

		case start <= v.start:
			// Overlaps the left edge: shrink from the left.
			unmapRange(pdt, v.start, end)
			v.start = end

		default:
			// Overlaps the right edge: shrink from the right.
			unmapRange(pdt, start, v.end)
			v.end = start
		}

		cur = next
	}
	return nil
}

// unmapRange tears down the page-table entry for every page in [start, end),
// ignoring ErrInvalidMapping: a page inside a tracked VMA that was never
// faulted in (demand paging hasn't touched it yet) has nothing to tear down.
func unmapRange(pdt PageDirectoryTable, start, end uintptr) {
	for addr := start; addr < end; addr += mm.PageSize {
		if err := pdt.Unmap(mm.PageFromAddress(addr)); err != nil && err != ErrInvalidMapping {
			return
		}
	}
}
