package cache

import (
	"github.com/google/uuid"
	"github.com/willf/bloom"

	"github.com/nasa-bplib/bpcache/bundle"
	"github.com/nasa-bplib/bpcache/clock"
)

// Flag bits controlling an entry's retention, per spec.md §4.F.
const (
	FlagActivity Flags = 1 << iota
	FlagLocalCustody
	FlagActionTimeWait
	FlagLocallyQueued
	FlagPendingForward
)

// Flags is an entry's retention/control bitset.
type Flags uint32

func (f Flags) has(bit Flags) bool { return f&bit != 0 }

// State is a per-entry FSM state, per spec.md §4.H.
type State uint8

const (
	StateUndefined State = iota
	StateIdle
	StateQueue
	StateGenerateDACS
	StateDelete
)

func (s State) String() string {
	switch s {
	case StateUndefined:
		return "undefined"
	case StateIdle:
		return "idle"
	case StateQueue:
		return "queue"
	case StateGenerateDACS:
		return "generate_dacs"
	case StateDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Entry is the payload carried by a pool block of type TypeEntry: the
// cache's bookkeeping record for one bundle (ordinary or DACS), spec.md
// §4.F-H.
type Entry struct {
	flags Flags
	state State

	// Identity copied from the bundle at ingest time, used to rebuild
	// index keys without dereferencing the primary.
	sourceEID  bundle.EID
	destEID    bundle.EID
	creationSeq uint64

	// prevCustodianEID/hasPrevCustodian identify who this entry (if it
	// carries local custody) must eventually acknowledge.
	prevCustodianEID  bundle.EID
	hasPrevCustodian  bool

	actionTime clock.Time
	expireTime clock.Time

	// primary owns a lightweight ref keeping the bundle's primary block
	// alive for as long as this entry exists.
	primary *bundle.Ref

	committedStorageID uuid.UUID
	hasStorageID        bool

	// DACS aggregation state; only meaningful when isDACS is true.
	isDACS            bool
	dacsFlowSourceEID bundle.EID
	dacsSeqFilter     *bloom.BloomFilter

	// timeIndexKey/inTimeIndex let the scheduler remove this entry's old
	// time_index slot before reinserting under its updated wake time.
	timeIndexKey uint64
	inTimeIndex  bool
}

// nextWake returns the DTN time at which this entry should next be
// reevaluated: its action_time while ACTION_TIME_WAIT is set and sooner
// than expiry, else its expire_time (spec.md §4.H scheduling).
func (e *Entry) nextWake() clock.Time {
	if e.flags.has(FlagActionTimeWait) && e.actionTime.Before(e.expireTime) {
		return e.actionTime
	}
	return e.expireTime
}

// State returns the entry's current FSM state.
func (e *Entry) State() State { return e.state }

// RetentionFlags returns the entry's current retention flags.
func (e *Entry) RetentionFlags() Flags { return e.flags }

// SourceEID, DestEID and CreationSeq expose the entry's copied identity.
func (e *Entry) SourceEID() bundle.EID    { return e.sourceEID }
func (e *Entry) DestEID() bundle.EID      { return e.destEID }
func (e *Entry) CreationSeq() uint64      { return e.creationSeq }
func (e *Entry) ExpireTime() clock.Time   { return e.expireTime }
