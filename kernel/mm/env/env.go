// Package env implements the lifecycle of an address space (spec.md §4.5
// "Environment"): user processes, the kernel's own environment, and kernel
// threads all share one fixed-capacity table, one page directory each, and
// a VMAList. It is the package that wires kernel/mm/pmm and kernel/mm/vmm
// together: both of those packages expose hooks precisely so that env (and
// not they) owns the cross-cutting concerns — frame refcounting on
// map/unmap, fault-engine registration, reverse-map iteration.
package env

import (
	"gopheros/kernel"
	"gopheros/kernel/cpu"
	"gopheros/kernel/irq"
	"gopheros/kernel/mm"
	"gopheros/kernel/mm/pmm"
	"gopheros/kernel/mm/swap"
	"gopheros/kernel/mm/vmm"
	"gopheros/kernel/sync"
)

// Type distinguishes the three kinds of address space spec.md §3 defines.
type Type uint8

const (
	// User is a ring-3 process with its own independent lower half.
	User Type = iota
	// KernelEnvironment is the singleton ring-0 environment the kernel
	// itself runs as before any user process exists.
	KernelEnvironment
	// KernelThread runs in ring 0 with kernel selectors and is scheduled
	// cooperatively alongside user environments (spec.md §4.6).
	KernelThread
)

// Status values, matching spec.md §3's enumeration exactly so the
// transition table in status.go can be read directly against the spec.
const (
	StatusFree uint32 = iota
	StatusDying
	StatusRunnable
	StatusRunning
	StatusWaiting
	StatusWaitingSwap
	StatusNotRunnable
)

const (
	// numSlots bounds the environment table the way mm/vmm/vma.go bounds
	// VMAList: a fixed array avoids a kernel heap allocator, and the ABI
	// in spec.md §6 only reserves 10 id bits for the index anyway.
	numSlots = 1 << indexBits
	indexBits = 10
	indexMask = uint32(1)<<indexBits - 1
	genShift  = 12
)

// ID is the 32-bit signed environment handle described by spec.md §6: bit
// 31 is always zero for a valid id, bits 0-9 are the table index and bits
// 12-30 are a generation stamp that changes every time the slot is reused,
// so a stale id from a freed environment can never alias a live one.
type ID int32

// CurrentID is the sentinel meaning "the calling environment" at syscall
// boundaries (spec.md §6).
const CurrentID ID = 0

func makeID(index uint32, generation uint32) ID {
	return ID(index&indexMask | generation<<genShift)
}

func (id ID) index() uint32 { return uint32(id) & indexMask }

// Registers is the saved register frame resumed when an environment is next
// scheduled. The trap trampoline that actually captures/restores these
// lives outside this module's scope (spec.md §1); env only stores the
// values and exposes the mutation fork needs (zeroing the child's syscall
// return register).
type Registers struct {
	irq.Regs
	EIP    uintptr
	EFlags uintptr
	ESP    uintptr
	CS, DS uint16
}

// SetReturnValue overwrites the register the syscall ABI uses for a return
// value (spec.md §6: "return value in register 0").
func (r *Registers) SetReturnValue(v int32) {
	r.EAX = uint32(v)
}

// Environment is one address space: a process, the kernel's own
// environment, or a kernel thread (spec.md §3 "Environment").
type Environment struct {
	id         ID
	generation uint32
	parentID   ID
	typ        Type
	status     sync.Status
	regs       Registers
	runningCPU int32 // -1 when not Running on any CPU
	timeSlice  uint64
	waitingFor ID

	pdt   vmm.PageDirectoryTable
	vmas  vmm.VMAList
	fault vmm.FaultEngine

	slot int32 // this environment's own index in table, fixed at boot
	next int32 // free-list successor; nilSlot if none
}

const nilSlot = int32(-1)

var (
	tableLock sync.Spinlock
	table     [numSlots]Environment
	freeHead  = nilSlot

	currentCPUFn = func() int32 { return int32(cpu.LocalAPICID()) }

	// yieldFn gives up the current environment's CPU slot. Installed by
	// the sched package (sched imports env, so env can't import sched
	// back; this mirrors sync.SetYieldFunc's role for lock contention).
	yieldFn = func() {}

	// perCPUCurrent maps a CPU's local APIC id to the index of the
	// environment it is currently running, read by the vmm and sched
	// packages through the accessors below to avoid importing env (which
	// would cycle, since env imports vmm).
	perCPUCurrent [256]int32

	errOutOfMemory = kernel.ErrOutOfMemory
	errBadHandle   = kernel.ErrBadHandle
)

func init() {
	for i := range table {
		table[i].next = nilSlot
		table[i].slot = int32(i)
	}
	for i := range perCPUCurrent {
		perCPUCurrent[i] = nilSlot
	}
	for i := numSlots - 1; i >= 0; i-- {
		pushFreeLocked(int32(i))
	}

	vmm.SetCurrentEnvIndexFunc(func() uint32 {
		idx := perCPUCurrent[currentCPUFn()]
		if idx == nilSlot {
			return 0
		}
		return uint32(idx)
	})
	vmm.SetRefHooks(pmm.IncRef, pmm.DecRef)
	vmm.SetTerminateFunc(func(envIndex uint32) {
		_ = Destroy(AtIndex(envIndex))
	})
	swap.SetResumeFunc(func(envIndex uint32) {
		e := AtIndex(envIndex)
		_ = e.SetStatus(StatusWaitingSwap, StatusRunnable)
	})
}

// SetYieldFunc installs the function environments use to give up their CPU
// slot cooperatively, called by the scheduler package at Init.
func SetYieldFunc(fn func()) {
	yieldFn = fn
}

func pushFreeLocked(idx int32) {
	table[idx].next = freeHead
	freeHead = idx
}

func popFreeLocked() (int32, bool) {
	if freeHead == nilSlot {
		return 0, false
	}
	idx := freeHead
	freeHead = table[idx].next
	table[idx].next = nilSlot
	return idx, true
}

// ByID resolves an environment handle, reporting ErrBadHandle if idx is out
// of range or the generation stamp is stale (spec.md §7 "BadHandle").
func ByID(id ID) (*Environment, *kernel.Error) {
	idx := id.index()
	if idx >= numSlots {
		return nil, errBadHandle
	}
	e := &table[idx]
	if e.status.Load() == StatusFree || e.generation != uint32(id)>>genShift {
		return nil, errBadHandle
	}
	return e, nil
}

// Resolve turns id into a concrete environment, honoring the
// "0 means current" convention from spec.md §6.
func Resolve(id ID, current *Environment) (*Environment, *kernel.Error) {
	if id == CurrentID {
		if current == nil {
			return nil, errBadHandle
		}
		return current, nil
	}
	return ByID(id)
}

// ID returns this environment's generation-tagged handle.
func (e *Environment) ID() ID { return e.id }

// ParentID returns the id of the environment that created this one.
func (e *Environment) ParentID() ID { return e.parentID }

// Type reports whether this is a user process, the kernel environment, or a
// kernel thread.
func (e *Environment) Type() Type { return e.typ }

// Status returns the current scheduling status (spec.md §3).
func (e *Environment) Status() uint32 { return e.status.Load() }

// PDT returns the page directory table backing this address space.
func (e *Environment) PDT() vmm.PageDirectoryTable { return e.pdt }

// VMAs returns the virtual memory area list backing this address space.
func (e *Environment) VMAs() *vmm.VMAList { return &e.vmas }

// FaultEngine returns the page-fault classifier/resolver bound to this
// environment's page directory and VMA list.
func (e *Environment) FaultEngine() *vmm.FaultEngine { return &e.fault }

// Registers returns the saved register frame, mutable so the scheduler and
// fork can update it in place.
func (e *Environment) Registers() *Registers { return &e.regs }

// RunningCPU returns the local APIC id of the CPU currently running this
// environment, or -1 if it is not Running anywhere.
func (e *Environment) RunningCPU() int32 { return e.runningCPU }

// WaitingFor returns the id this environment is parked on when its status
// is Waiting, or CurrentID if it is not waiting on anyone.
func (e *Environment) WaitingFor() ID { return e.waitingFor }

// index returns this environment's slot index in the global table.
func (e *Environment) index() uint32 {
	return uint32(e.slot)
}
