package sync

import (
	"fmt"
	"sync/atomic"
)

// Status is a sum-type status word changed only by compare-and-set, per
// spec.md §9's "write a single helper that refuses others under debug
// builds" guidance. Environment.status and CPU.status both embed one rather
// than a bare uint32, so every caller goes through the same legal-transition
// check instead of hand-rolling it at each call site.
type Status struct {
	word uint32
}

// Transition is a single (from, to) pair legal for a given status word. A
// package that owns a Status (env, sched) builds its own transition table
// out of these and passes it to GuardedSet.
type Transition struct {
	From, To uint32
}

// NewStatus returns a Status initialized to the given value, bypassing the
// transition table — used once, at construction time, before the value is
// published to other goroutines.
func NewStatus(initial uint32) Status {
	return Status{word: initial}
}

// Load returns the current value.
func (s *Status) Load() uint32 {
	return atomic.LoadUint32(&s.word)
}

// CompareAndSet attempts to move the status from `from` to `to` and
// succeeds only if the word's current value is exactly `from`. It returns
// false on any other current value, including `to` itself (an idempotent
// transition is not a transition).
func (s *Status) CompareAndSet(from, to uint32) bool {
	return atomic.CompareAndSwapUint32(&s.word, from, to)
}

// TransitionTable enumerates every (from, to) pair a given status word may
// legally take. It exists so packages can call GuardedSet once instead of
// duplicating the legality check at every call site, matching spec.md §5's
// enumerated set for Environment status (NotRunnable→Runnable,
// Runnable↔Running, Running→Dying, {Running,Runnable}→Waiting/WaitingSwap,
// Waiting→Runnable, any→Free) and the analogous CPU status table.
type TransitionTable map[Transition]struct{}

// NewTransitionTable builds a TransitionTable from a flat list of legal
// pairs, for concise construction at package init time.
func NewTransitionTable(pairs ...Transition) TransitionTable {
	tbl := make(TransitionTable, len(pairs))
	for _, p := range pairs {
		tbl[p] = struct{}{}
	}
	return tbl
}

// ErrIllegalTransition is returned by GuardedSet when the requested (from,
// to) pair is absent from the table, and by CAS retries that observe the
// current value drift away from `from` after the table lookup but before
// the swap (a losing race against a concurrent transition).
type ErrIllegalTransition struct {
	From, To uint32
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("sync: illegal status transition %d -> %d", e.From, e.To)
}

// GuardedSet moves the status to `to`, refusing the change unless (from, to)
// appears in tbl and the word's current value still equals `from` at the
// moment of the swap. Callers that lost a race against another CPU get
// ErrIllegalTransition rather than silently clobbering state, which is the
// debug-build assertion spec.md §9 calls for made unconditional: a refused
// transition is always a caller bug, not a recoverable condition.
func (s *Status) GuardedSet(tbl TransitionTable, from, to uint32) error {
	t := Transition{From: from, To: to}
	if _, ok := tbl[t]; !ok {
		return &ErrIllegalTransition{From: from, To: to}
	}
	if !s.CompareAndSet(from, to) {
		return &ErrIllegalTransition{From: from, To: to}
	}
	return nil
}
