package env

import "gopheros/kernel/mm/vmm"

// EnvCount implements vmm.ReverseMapSource over the package-level
// environment table.
func EnvCount() uint32 { return numSlots }

// PDTAt implements vmm.ReverseMapSource, reporting a slot as live only
// when it holds an address space the reverse cursor can usefully land on:
// a Free or Dying environment's page directory may already be (partially)
// torn down by destroy, so scanning it would chase dangling frames.
func PDTAt(envIndex uint32) (vmm.PageDirectoryTable, bool) {
	if envIndex >= numSlots {
		return vmm.PageDirectoryTable{}, false
	}
	e := &table[envIndex]
	status := e.status.Load()
	if status == StatusFree || status == StatusDying {
		return vmm.PageDirectoryTable{}, false
	}
	return e.pdt, true
}

var _ vmm.ReverseMapSource = reverseMapSource{}

// reverseMapSource adapts the package-level EnvCount/PDTAt functions to
// satisfy vmm.ReverseMapSource as a value, for callers (e.g. the swapper)
// that need to hold the interface rather than call the free functions
// directly.
type reverseMapSource struct{}

func (reverseMapSource) EnvCount() uint32 { return EnvCount() }

func (reverseMapSource) PDTAt(envIndex uint32) (vmm.PageDirectoryTable, bool) {
	return PDTAt(envIndex)
}

// ReverseMapSource returns the vmm.ReverseMapSource backed by the live
// environment table, for driving a vmm.ReverseCursor (spec.md §4.4).
func ReverseMapSource() vmm.ReverseMapSource { return reverseMapSource{} }
