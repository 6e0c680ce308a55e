package syscall

import (
	"gopheros/kernel"
	"gopheros/kernel/mm/env"
	"gopheros/kernel/mm/sched"
)

var errNoPermission = &kernel.Error{Module: "syscall", Message: "caller does not own the target environment"}

// owns reports whether caller is allowed to act on target: itself, or an
// environment it directly parented. spec.md §4.10 leaves the exact
// permission rule to the implementation beyond "without permission" being
// a BadHandle case; a teaching kernel with no user/group model reduces
// that to "you, or something you forked".
func owns(caller *env.Environment, target *env.Environment) bool {
	return target.ID() == caller.ID() || target.ParentID() == caller.ID()
}

// sysEnvDestroy implements spec.md §4.10's env_destroy: envid 0 means "the
// caller itself", matching the ABI's CurrentID convention.
func sysEnvDestroy(caller *env.Environment, id env.ID) *kernel.Error {
	target, err := env.Resolve(id, caller)
	if err != nil {
		return err
	}
	if !owns(caller, target) {
		return errNoPermission
	}
	return env.Destroy(target)
}

// sysYield implements spec.md §4.10's yield: it is a direct call into the
// scheduler operation of the same name (spec.md §4.6).
func sysYield(caller *env.Environment) {
	sched.Yield(caller.RunningCPU())
}

// sysWait implements spec.md §4.10's wait(envid): it parks caller Waiting
// on id and yields, resuming only once id is destroyed (env.Destroy wakes
// every waiter on its target's id) or id was already invalid/gone, in
// which case the wait resolves immediately rather than parking forever
// (spec.md §7 "Stale — wait target vanished. Wake with a benign
// 'resumable' status").
func sysWait(caller *env.Environment, id env.ID) *kernel.Error {
	if _, err := env.Resolve(id, caller); err != nil {
		return nil
	}
	if err := caller.Wait(id); err != nil {
		return err
	}
	sched.Yield(caller.RunningCPU())
	return nil
}

// sysFork implements spec.md §4.10's fork by delegating to the env
// package's copy-on-write implementation (spec.md §4.8); the new
// environment's id is returned to the parent, while the child observes 0
// because Fork already zeroed its saved return register.
func sysFork(caller *env.Environment) int32 {
	child, err := env.Fork(caller)
	if err != nil {
		return errOrOK(err)
	}
	return int32(child.ID())
}
