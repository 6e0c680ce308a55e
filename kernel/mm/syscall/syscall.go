// Package syscall implements the memory-related system-call surface
// spec.md §4.10 describes: cputs, cgetc, getenvid, env_destroy, vma_create,
// vma_destroy, yield, wait and fork. Like the teacher's irq and hal
// packages, every handler here is a thin shim that normalizes its
// arguments and immediately delegates to the package that actually owns
// the behavior (kernel/mm/env, kernel/mm/vmm, kernel/mm/sched); this
// package carries no state of its own beyond the console hook.
package syscall

import (
	"gopheros/kernel"
	"gopheros/kernel/mm/env"
)

// Num identifies a system call using the stable small-integer ABI spec.md
// §6 assigns: "number in register 0, up to five arguments in registers
// 1..5, return value in register 0".
type Num int32

const (
	SysCputs Num = iota
	SysCgetc
	SysGetEnvID
	SysEnvDestroy
	SysVMACreate
	SysVMADestroy
	SysYield
	SysWait
	SysFork
)

// Args bundles one syscall invocation's number and up to five register
// arguments, the shape the (out of scope, spec.md §1) trap dispatcher
// decodes from a trapframe before calling Dispatch.
type Args struct {
	Num        Num
	A1, A2, A3 uintptr
	A4, A5     uintptr
}

// errBadSyscall is returned for a syscall number Dispatch doesn't
// recognize, the "out-of-range syscall" case in spec.md §7's BadHandle
// taxonomy.
var errBadSyscall = &kernel.Error{Module: "syscall", Message: "no such system call"}

// Dispatch resolves the calling environment and routes args to the
// appropriate handler, returning the value spec.md §6 says belongs in
// register 0: zero or positive for success, a negative error code for any
// recoverable failure. caller must be the environment that trapped in;
// passing the wrong one would let one environment forge another's syscalls.
func Dispatch(caller *env.Environment, args Args) int32 {
	switch args.Num {
	case SysCputs:
		return errOrOK(sysCputs(caller, args.A1, args.A2))
	case SysCgetc:
		return sysCgetc(caller)
	case SysGetEnvID:
		return int32(caller.ID())
	case SysEnvDestroy:
		return errOrOK(sysEnvDestroy(caller, env.ID(args.A1)))
	case SysVMACreate:
		return sysVMACreate(caller, args.A1, args.A2, args.A3)
	case SysVMADestroy:
		return errOrOK(sysVMADestroy(caller, args.A1, args.A2))
	case SysYield:
		sysYield(caller)
		return 0
	case SysWait:
		return errOrOK(sysWait(caller, env.ID(args.A1)))
	case SysFork:
		return sysFork(caller)
	default:
		return errOrOK(errBadSyscall)
	}
}

// errOrOK collapses a *kernel.Error into spec.md §6's register-0
// convention: 0 on success, a small negative integer on failure. The exact
// negative value only needs to be distinct per error for a caller to log
// it; this kernel doesn't define a stable user-visible errno table beyond
// "negative means failure" (spec.md §7).
func errOrOK(err *kernel.Error) int32 {
	if err == nil {
		return 0
	}
	return -1
}
