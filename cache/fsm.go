package cache

import "github.com/nasa-bplib/bpcache/clock"

// NextState is the pure FSM transition function spec.md §9 recommends in
// place of per-state function pointers: given an entry's current state,
// flags and timers, it returns the state the entry should move to. All
// side effects (subq pushes, flag mutation, index/list membership,
// recycling) are applied by the caller's on_enter/on_exit hooks, not here.
func NextState(e *Entry, now clock.Time) State {
	switch e.state {
	case StateUndefined:
		return StateDelete

	case StateIdle:
		expired := !now.Before(e.expireTime)
		retained := e.flags.has(FlagLocalCustody) || e.flags.has(FlagActionTimeWait) || e.flags.has(FlagLocallyQueued)
		if expired || !retained {
			return StateDelete
		}
		if e.flags.has(FlagLocalCustody) && e.flags.has(FlagPendingForward) && !now.Before(e.actionTime) {
			return StateQueue
		}
		return StateIdle

	case StateQueue:
		if !now.Before(e.expireTime) {
			return StateDelete
		}
		if !e.flags.has(FlagLocallyQueued) {
			return StateIdle
		}
		return StateQueue

	case StateGenerateDACS:
		if !now.Before(e.expireTime) {
			return StateDelete
		}
		if !now.Before(e.actionTime) || !e.flags.has(FlagActionTimeWait) {
			return StateQueue
		}
		return StateGenerateDACS

	case StateDelete:
		return StateDelete

	default:
		return StateDelete
	}
}
