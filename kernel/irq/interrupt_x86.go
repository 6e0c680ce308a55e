// Package irq describes the trap frame and general-purpose register
// snapshot handed to exception handlers. The actual IDT setup, gate
// installation and assembly trampolines that capture these values are an
// external collaborator (spec.md §1 keeps boot/trap glue out of scope); this
// package only defines the Go-level shapes the FaultEngine and scheduler
// consume and registers their dispatch.
package irq

import "gopheros/kernel/kfmt"

// Regs contains a snapshot of the general-purpose register values pushed by
// the trap trampoline (a pushal) before an exception handler runs. If a
// handler returns, modifications made to the Regs it received are restored
// to the CPU via the matching popal.
type Regs struct {
	EDI uint32
	ESI uint32
	EBP uint32
	ESP uint32
	EBX uint32
	EDX uint32
	ECX uint32
	EAX uint32
}

// Print outputs a dump of the register values to the active console.
func (r *Regs) Print() {
	kfmt.Printf("EAX = %8x EBX = %8x\n", r.EAX, r.EBX)
	kfmt.Printf("ECX = %8x EDX = %8x\n", r.ECX, r.EDX)
	kfmt.Printf("ESI = %8x EDI = %8x\n", r.ESI, r.EDI)
	kfmt.Printf("EBP = %8x ESP = %8x\n", r.EBP, r.ESP)
}

// Frame describes the exception frame the CPU pushes automatically when an
// exception occurs: the faulting instruction's return address and the
// processor state needed to resume it via IRET. FaultEngine reads Frame.EIP
// to decide what's being accessed and CPU.ReadCR2() (see the cpu package)
// for the faulting linear address, since CR2 is not part of this frame.
type Frame struct {
	EIP    uint32
	CS     uint32
	EFlags uint32

	// ESP and SS are only present on the stack when a privilege-level
	// change occurred (e.g. a ring-3 fault); UserMode reports whether
	// they are valid.
	ESP uint32
	SS  uint32
}

// UserMode reports whether the exception interrupted ring-3 code, in which
// case Frame.ESP/SS hold the interrupted stack and FaultEngine must treat
// the fault as a potential user-mode page fault rather than a kernel bug.
func (f *Frame) UserMode() bool {
	return f.CS&0x3 == 3
}

// Print outputs a dump of the exception frame to the active console.
func (f *Frame) Print() {
	kfmt.Printf("EIP = %8x CS  = %8x\n", f.EIP, f.CS)
	kfmt.Printf("EFL = %8x\n", f.EFlags)
	if f.UserMode() {
		kfmt.Printf("ESP = %8x SS  = %8x\n", f.ESP, f.SS)
	}
}
