package env

import "gopheros/kernel/sync"

// transitions enumerates every legal (from, to) pair for Environment.status,
// copied verbatim from spec.md §5: "NotRunnable → Runnable (creator
// commits); Runnable ↔ Running (scheduler claim/release); Running → Dying
// (remote destroy); {Running, Runnable} → Waiting / WaitingSwap (self
// park); Waiting → Runnable (wake by destroy of target); any → Free (after
// free)". SetStatus (used by Create, Fork, Destroy and Wait) drives these
// through sync.Status.GuardedSet instead of a bare store, so a caller that
// races and loses gets ErrIllegalTransition rather than silently clobbering
// another CPU's claim. The scheduler uses CompareAndSetStatus instead.
var transitions = sync.NewTransitionTable(
	sync.Transition{From: StatusNotRunnable, To: StatusRunnable},
	sync.Transition{From: StatusRunnable, To: StatusRunning},
	sync.Transition{From: StatusRunning, To: StatusRunnable},
	sync.Transition{From: StatusRunning, To: StatusDying},
	sync.Transition{From: StatusRunning, To: StatusWaiting},
	sync.Transition{From: StatusRunnable, To: StatusWaiting},
	sync.Transition{From: StatusRunning, To: StatusWaitingSwap},
	sync.Transition{From: StatusRunnable, To: StatusWaitingSwap},
	sync.Transition{From: StatusWaiting, To: StatusRunnable},
	sync.Transition{From: StatusWaitingSwap, To: StatusRunnable},
	sync.Transition{From: StatusFree, To: StatusFree},
	sync.Transition{From: StatusDying, To: StatusFree},
	sync.Transition{From: StatusRunnable, To: StatusFree},
	sync.Transition{From: StatusRunning, To: StatusFree},
	sync.Transition{From: StatusWaiting, To: StatusFree},
	sync.Transition{From: StatusWaitingSwap, To: StatusFree},
	sync.Transition{From: StatusNotRunnable, To: StatusFree},
)

// SetStatus attempts the (from, to) transition, returning an error if it is
// not in the legal set or another CPU already moved the status away from
// from.
func (e *Environment) SetStatus(from, to uint32) error {
	return e.status.GuardedSet(transitions, from, to)
}

// CompareAndSetStatus is the bare CAS primitive the scheduler's lock-free
// claim loop needs (spec.md §4.6): it does not consult the transition
// table, since the scheduler's Runnable→Running race is exactly the one
// path where losing the CAS is an expected outcome, not a bug.
func (e *Environment) CompareAndSetStatus(from, to uint32) bool {
	return e.status.CompareAndSet(from, to)
}
