// Package cpu exposes the handful of privileged x86 operations the memory
// subsystem needs. Apart from LocalAPICID and IsIntel, which are written in
// Go on top of the CPUID stub, no function below has a Go body; each is implemented
// by a small arch-specific assembly stub (out of scope for this module —
// spec.md §1 treats trap/boot glue as an external collaborator) and is
// declared here purely so the rest of the kernel can call it and so tests
// can substitute a mock via the usual "var xFn = X" indirection.
package cpu

// Halt stops instruction execution until the next interrupt. Used by the
// scheduler's per-CPU idle loop (spec.md §4.6).
func Halt()

// FlushTLBEntry invalidates the TLB entry for a single virtual address.
// PageTables.insert/remove call this after every mapping change.
func FlushTLBEntry(virtAddr uintptr)

// FlushTLB invalidates every non-global TLB entry, equivalent to reloading
// CR3 with its current value. Fork uses this once after rewriting both
// address spaces (spec.md §4.8 step 6).
func FlushTLB()

// SwitchPDT loads pdtPhysAddr into CR3, activating that address space.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address currently loaded in CR3.
func ActivePDT() uintptr

// ReadCR2 returns the faulting linear address recorded by the last page
// fault, consumed by the FaultEngine.
func ReadCR2() uintptr

// ReadTSC returns the current timestamp-counter value. The scheduler debits
// an environment's time slice by the TSC delta between two calls (spec.md
// §4.6).
func ReadTSC() uint64

// ID returns information about the CPU and its features, implemented as a
// CPUID instruction with EAX=leaf; results land in EAX, EBX, ECX, EDX.
func ID(leaf uint32) (eax, ebx, ecx, edx uint32)

// LocalAPICID returns the APIC id of the calling CPU as reported by CPUID
// leaf 1. Used to index per-CPU state in the scheduler.
func LocalAPICID() uint8 {
	_, ebx, _, _ := ID(1)
	return uint8(ebx >> 24)
}

// SendIPI asks the local APIC to deliver an inter-processor interrupt to the
// CPU identified by apicID. Used by Environment.destroy to notify a remote
// CPU that its current environment has become Dying.
func SendIPI(apicID uint8, vector uint8)

// Inb reads a single byte from the given I/O port.
func Inb(port uint16) uint8

// Outb writes a single byte to the given I/O port.
func Outb(port uint16, value uint8)

// Inw reads a 16-bit word from the given I/O port, used by the ATA-PIO
// driver's data register (spec.md §6 "an IDE (ATA-PIO) disk ... serves as
// the swap store").
func Inw(port uint16) uint16

// Outw writes a 16-bit word to the given I/O port.
func Outw(port uint16, value uint16)

var cpuidFn = ID

// IsIntel returns true if the code is running on an Intel processor.
func IsIntel() bool {
	_, ebx, ecx, edx := cpuidFn(0)
	return ebx == 0x756e6547 && // "Genu"
		edx == 0x49656e69 && // "ineI"
		ecx == 0x6c65746e // "ntel"
}
