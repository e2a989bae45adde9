// Package cache implements the custody/DACS cache core: entry lifecycle,
// the four identity indices, and the per-entry FSM (spec.md §4.F-H).
package cache

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/willf/bloom"
	"go.uber.org/atomic"

	"github.com/nasa-bplib/bpcache/bundle"
	"github.com/nasa-bplib/bpcache/cbor"
	"github.com/nasa-bplib/bpcache/clock"
	"github.com/nasa-bplib/bpcache/config"
	"github.com/nasa-bplib/bpcache/flow"
	"github.com/nasa-bplib/bpcache/index"
	"github.com/nasa-bplib/bpcache/offload"
	"github.com/nasa-bplib/bpcache/pool"
)

// Status is returned by Ingest to tell callers (and metrics) apart from
// an actual error, per spec.md §7 ("duplicate ... not an error").
type Status uint8

const (
	StatusStored Status = iota
	StatusDuplicate
	StatusDACSProcessed
)

// State is the cache's bookkeeping block: the four identity indices, the
// pending list, and the custody/DACS counters (spec.md §4.F). There is no
// separate idle list: idle entries are parked in time_index under their
// next wake time. A State is not itself a pool block in this implementation —
// unlike entries, there is exactly one per node and it never needs to be
// queued or recycled — but it is driven by the same scheduler used for
// flow jobs, so it composes uniformly with the rest of the work list.
type State struct {
	pool      *pool.Pool
	selfEID   bundle.EID
	cfg       config.CustodyConfig
	clk       clock.Clock
	scheduler *flow.Scheduler
	codec     cbor.Codec
	offload   offload.Backend

	mu          sync.Mutex
	pendingList []*pool.Block
	jobPosted   bool

	bundleIndex  *index.Index[uint64, *pool.Block]
	dacsIndex    *index.Index[uint64, *pool.Block]
	destEIDIndex *index.Index[uint64, *pool.Block]
	timeIndex    *index.Index[uint64, *pool.Block]

	neighbors map[bundle.EID]*flow.Flow

	dacsSeq atomic.Uint64

	enterCounts  [5]atomic.Int64
	exitCounts   [5]atomic.Int64
	discardCount atomic.Int64
}

// Config bundles the dependencies New needs beyond the custody timing
// constants, grouped so call sites read like friggdb.New(cfg, logger).
type Config struct {
	SelfEID   bundle.EID
	Custody   config.CustodyConfig
	Pool      *pool.Pool
	Scheduler *flow.Scheduler
	Clock     clock.Clock
	Codec     cbor.Codec
	Offload   offload.Backend // nil disables offloading
}

// New constructs a cache State and registers the entry block type with
// cfg.Pool.
func New(cfg Config) (*State, error) {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Codec == nil {
		cfg.Codec = cbor.RefCodec{}
	}
	if err := Register(cfg.Pool, cfg.Offload); err != nil {
		return nil, err
	}
	return &State{
		pool:         cfg.Pool,
		selfEID:      cfg.SelfEID,
		cfg:          cfg.Custody,
		clk:          cfg.Clock,
		scheduler:    cfg.Scheduler,
		codec:        cfg.Codec,
		offload:      cfg.Offload,
		bundleIndex:  index.New[uint64, *pool.Block](),
		dacsIndex:    index.New[uint64, *pool.Block](),
		destEIDIndex: index.New[uint64, *pool.Block](),
		timeIndex:    index.New[uint64, *pool.Block](),
		neighbors:    make(map[bundle.EID]*flow.Flow),
	}, nil
}

// RegisterNeighbor associates a convergence-layer egress flow with a
// destination/next-custodian EID; both ordinary forwarding and DACS
// delivery look a flow up this way (spec.md's routing is explicitly
// minimal — direct EID-to-flow association, no multi-hop policy).
func (s *State) RegisterNeighbor(eid bundle.EID, f *flow.Flow) {
	s.mu.Lock()
	s.neighbors[eid] = f
	s.mu.Unlock()
}

// DiscardCount returns the number of entries dropped for lacking
// committed storage (spec.md §7).
func (s *State) DiscardCount() int64 { return s.discardCount.Load() }

// StateCount returns how many times an entry has entered st, for metrics
// and tests.
func (s *State) StateCount(st State) int64 { return s.enterCounts[st].Load() }

func (s *State) markPending(entryBlk *pool.Block) {
	s.mu.Lock()
	s.pendingList = append(s.pendingList, entryBlk)
	needPost := !s.jobPosted
	s.jobPosted = true
	s.mu.Unlock()

	if needPost && s.scheduler != nil {
		s.scheduler.Post(s.Tick)
	}
}

// bundleIdentityMatch builds the onConflict/match predicate comparing an
// entry's copied identity against (source, seq) — the index key alone can
// collide, so every lookup re-checks the real fields.
func bundleIdentityMatch(source bundle.EID, seq uint64) func(*pool.Block) bool {
	return func(b *pool.Block) bool {
		e, ok := b.Payload.(*Entry)
		return ok && e.sourceEID == source && e.creationSeq == seq
	}
}

func dacsIdentityMatch(flowSource, prevCustodian bundle.EID) func(*pool.Block) bool {
	return func(b *pool.Block) bool {
		e, ok := b.Payload.(*Entry)
		return ok && e.state == StateGenerateDACS && e.dacsFlowSourceEID == flowSource && e.prevCustodianEID == prevCustodian
	}
}

// Ingest runs the ingress decision tree of spec.md §4.G for a bundle
// already decoded into primaryBlk. It takes ownership of primaryBlk: on
// StatusDuplicate/StatusDACSProcessed it releases the caller's reference;
// on StatusStored the new entry's ref takes the place of the caller's.
func (s *State) Ingest(ctx context.Context, primaryBlk *pool.Block, deadline clock.Time) (Status, error) {
	pr, ok := primaryBlk.Payload.(*bundle.Primary)
	if !ok {
		return 0, errors.New("cache: block is not a primary")
	}

	source := pr.SourceEID
	dest := pr.DestinationEID
	seq := pr.Creation.Seq
	bundleKey := index.HashBundleKey(source.String(), seq)

	s.mu.Lock()
	existingBlk, dup := s.bundleIndex.Find(bundleKey, bundleIdentityMatch(source, seq))
	s.mu.Unlock()

	if dup {
		existing := existingBlk.Payload.(*Entry)
		s.mu.Lock()
		existing.flags |= FlagActivity
		s.mu.Unlock()
		if pr.PrevCustodianEID != nil {
			if err := s.acknowledgePreviousCustodian(ctx, source, seq, *pr.PrevCustodianEID, deadline); err != nil {
				return 0, err
			}
		}
		s.markPending(existingBlk)
		s.pool.Release(primaryBlk)
		return StatusDuplicate, nil
	}

	if pr.AdminRecord {
		if blk, c, ok := pr.LocateCanonical(bundle.BlockTypeCustodyAccept); ok && c.CustodyAccept != nil {
			_ = blk
			s.processDACSAck(c.CustodyAccept)
			s.pool.Release(primaryBlk)
			return StatusDACSProcessed, nil
		}
	}

	entryBlk, err := s.pool.Alloc(ctx, pool.TypeEntry, MagicEntry, pool.PriorityHigh, nil, deadline, s.clk)
	if err != nil {
		s.pool.Release(primaryBlk)
		return 0, errors.Wrap(err, "cache: alloc entry")
	}
	e := entryBlk.Payload.(*Entry)
	e.state = StateIdle
	e.flags = FlagLocalCustody | FlagActivity | FlagPendingForward
	e.actionTime = s.clk.NowMillis()
	e.sourceEID = source
	e.destEID = dest
	e.creationSeq = seq
	e.expireTime = pr.ExpireTime()
	e.primary = bundle.NewRef(s.pool, primaryBlk)
	s.pool.Release(primaryBlk) // the entry's ref now keeps the primary alive
	if pr.PrevCustodianEID != nil {
		e.prevCustodianEID = *pr.PrevCustodianEID
		e.hasPrevCustodian = true
	}

	s.mu.Lock()
	s.bundleIndex.Insert(bundleKey, entryBlk, nil)
	s.destEIDIndex.Insert(dest.Node, entryBlk, nil)
	s.mu.Unlock()

	if s.offload != nil && s.cfg.DeliveryPolicy == DeliveryPolicyCustodyTracking {
		if err := s.attachCustodyTrackingAndOffload(ctx, entryBlk, primaryBlk, deadline); err != nil {
			e.state = StateUndefined
		}
	}

	if pr.PrevCustodianEID != nil {
		if err := s.acknowledgePreviousCustodian(ctx, source, seq, *pr.PrevCustodianEID, deadline); err != nil {
			return 0, err
		}
	}

	s.markPending(entryBlk)
	return StatusStored, nil
}

// attachCustodyTrackingAndOffload appends a custody-tracking canonical
// block recording this node as current custodian, encodes the bundle
// through the configured codec, and commits it to cold storage (spec.md
// §4.G step 4).
func (s *State) attachCustodyTrackingAndOffload(ctx context.Context, entryBlk, primaryBlk *pool.Block, deadline clock.Time) error {
	e := entryBlk.Payload.(*Entry)
	pr := primaryBlk.Payload.(*bundle.Primary)

	cblk, c, err := bundle.AllocCanonical(ctx, s.pool, bundle.BlockTypeCustodyTracking, nextCanonicalBlockNum(pr), deadline, s.clk)
	if err != nil {
		return errors.Wrap(err, "cache: alloc custody-tracking block")
	}
	c.CustodyTracking = &bundle.CustodyTrackingContent{CurrentCustodian: s.selfEID}
	pr.Append(cblk)

	buf := make([]byte, cbor.MaxBundleBytes)
	n, err := s.codec.EncodeBundle(ctx, primaryBlk, buf)
	if err != nil {
		return errors.Wrap(err, "cache: encode bundle for offload")
	}

	sid, err := s.offload.Offload(ctx, buf[:n])
	if err != nil {
		return errors.Wrap(err, "cache: offload bundle")
	}
	e.committedStorageID = sid
	e.hasStorageID = true
	return nil
}

func nextCanonicalBlockNum(pr *bundle.Primary) uint64 {
	max := uint64(1)
	for _, cb := range pr.Canonicals() {
		if c, ok := cb.Payload.(*bundle.Canonical); ok && c.BlockNum >= max {
			max = c.BlockNum + 1
		}
	}
	return max
}

// acknowledgePreviousCustodian opens or appends to the DACS aggregation
// for (flow_id(source), prevCustodian), per spec.md §4.G step 5.
func (s *State) acknowledgePreviousCustodian(ctx context.Context, source bundle.EID, seq uint64, prevCustodian bundle.EID, deadline clock.Time) error {
	flowID := index.HashFlowID(source.String())
	dacsKey := index.HashDACSKey(flowID, prevCustodian.String())

	s.mu.Lock()
	dacsBlk, found := s.dacsIndex.Find(dacsKey, dacsIdentityMatch(source, prevCustodian))
	s.mu.Unlock()

	if !found {
		var err error
		dacsBlk, err = s.dacsOpen(ctx, source, prevCustodian, deadline)
		if err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.dacsAppendLocked(dacsBlk, seq)
	s.mu.Unlock()

	s.markPending(dacsBlk)
	return nil
}

// dacsOpen allocates a new outbound admin-record primary addressed to
// prevCustodian, per spec.md §4.G "DACS open".
func (s *State) dacsOpen(ctx context.Context, flowSource, prevCustodian bundle.EID, deadline clock.Time) (*pool.Block, error) {
	primaryBlk, pr, err := bundle.AllocPrimary(ctx, s.pool, deadline, s.clk)
	if err != nil {
		return nil, errors.Wrap(err, "cache: alloc DACS primary")
	}
	now := s.clk.NowMillis()
	pr.SourceEID = s.selfEID
	pr.DestinationEID = prevCustodian
	pr.ReportToEID = s.selfEID
	pr.AdminRecord = true
	pr.MustNotFragment = true
	pr.CRCType = bundle.CRC16
	pr.Creation = bundle.Creation{Time: now, Seq: s.dacsSeq.Inc()}
	pr.LifetimeMillis = uint64(s.cfg.DACSLifetime.Milliseconds())

	cblk, c, err := bundle.AllocCanonical(ctx, s.pool, bundle.BlockTypeCustodyAccept, 1, deadline, s.clk)
	if err != nil {
		s.pool.Release(primaryBlk)
		return nil, errors.Wrap(err, "cache: alloc DACS payload block")
	}
	c.CustodyAccept = &bundle.CustodyAcceptContent{FlowSourceEID: flowSource}
	pr.Append(cblk)

	entryBlk, err := s.pool.Alloc(ctx, pool.TypeEntry, MagicEntry, pool.PriorityHigh, nil, deadline, s.clk)
	if err != nil {
		s.pool.Release(primaryBlk)
		return nil, errors.Wrap(err, "cache: alloc DACS entry")
	}
	e := entryBlk.Payload.(*Entry)
	e.state = StateGenerateDACS
	e.flags = FlagActionTimeWait | FlagActivity
	e.sourceEID = s.selfEID
	e.destEID = prevCustodian
	e.creationSeq = pr.Creation.Seq
	e.actionTime = now.AddMillis(uint64(s.cfg.DACSOpenTime.Milliseconds()))
	e.expireTime = now.AddMillis(uint64(s.cfg.DACSLifetime.Milliseconds()))
	e.primary = bundle.NewRef(s.pool, primaryBlk)
	e.isDACS = true
	e.dacsFlowSourceEID = flowSource
	e.prevCustodianEID = prevCustodian
	e.hasPrevCustodian = true
	e.dacsSeqFilter = bloom.NewWithEstimates(uint(s.cfg.MaxSeqPerPayload)*4+8, 0.01)

	dacsKey := index.HashDACSKey(index.HashFlowID(flowSource.String()), prevCustodian.String())
	s.mu.Lock()
	s.dacsIndex.Insert(dacsKey, entryBlk, nil)
	s.reparkTimeIndex(entryBlk, e)
	s.mu.Unlock()
	return entryBlk, nil
}

// dacsAppendLocked adds seq to the open aggregation at dacsBlk, per
// spec.md §4.G "DACS append". Duplicate sequence numbers are rejected
// without changing the aggregation. Callers must hold s.mu.
func (s *State) dacsAppendLocked(dacsBlk *pool.Block, seq uint64) {
	e := dacsBlk.Payload.(*Entry)
	pr, ok := e.primary.Primary()
	if !ok {
		return
	}
	_, c, ok := pr.LocateCanonical(bundle.BlockTypeCustodyAccept)
	if !ok || c.CustodyAccept == nil {
		return
	}

	var seqBytes [8]byte
	for i := 0; i < 8; i++ {
		seqBytes[i] = byte(seq >> (56 - 8*i))
	}
	if e.dacsSeqFilter != nil && e.dacsSeqFilter.Test(seqBytes[:]) {
		for _, existing := range c.CustodyAccept.Seqs {
			if existing == seq {
				return // true duplicate
			}
		}
	}

	if len(c.CustodyAccept.Seqs) >= s.cfg.MaxSeqPerPayload {
		s.dacsFinalizeLocked(dacsBlk)
		return
	}

	c.CustodyAccept.Seqs = append(c.CustodyAccept.Seqs, seq)
	if e.dacsSeqFilter != nil {
		e.dacsSeqFilter.Add(seqBytes[:])
	}
	e.flags |= FlagActivity

	if len(c.CustodyAccept.Seqs) >= s.cfg.MaxSeqPerPayload {
		s.dacsFinalizeLocked(dacsBlk)
	}
}

// dacsFinalizeLocked removes dacsBlk's entry from dacs_index so no
// further appends target it (spec.md §4.G "DACS finalize"). Callers must
// hold s.mu.
func (s *State) dacsFinalizeLocked(dacsBlk *pool.Block) {
	e := dacsBlk.Payload.(*Entry)
	flowID := index.HashFlowID(e.dacsFlowSourceEID.String())
	dacsKey := index.HashDACSKey(flowID, e.prevCustodianEID.String())

	s.dacsIndex.Delete(dacsKey, func(b *pool.Block) bool { return b == dacsBlk })
	e.flags &^= FlagActionTimeWait
}

// processDACSAck clears LOCAL_CUSTODY on every acknowledged entry, per
// spec.md §4.G "DACS-ACK processing".
func (s *State) processDACSAck(content *bundle.CustodyAcceptContent) {
	for _, seq := range content.Seqs {
		key := index.HashBundleKey(content.FlowSourceEID.String(), seq)
		s.mu.Lock()
		blk, ok := s.bundleIndex.Find(key, bundleIdentityMatch(content.FlowSourceEID, seq))
		s.mu.Unlock()
		if !ok {
			continue
		}
		e := blk.Payload.(*Entry)
		s.mu.Lock()
		e.flags &^= FlagLocalCustody
		s.mu.Unlock()
		s.markPending(blk)
	}
}

// NotifyConsumed is called by an egress collaborator once it has pulled
// and transmitted an entry's queued ref, clearing LOCALLY_QUEUED so the
// FSM's "queue" on_exit fires on the next tick (spec.md §4.H).
func (s *State) NotifyConsumed(entryBlk *pool.Block) {
	e := entryBlk.Payload.(*Entry)
	s.mu.Lock()
	e.flags &^= FlagLocallyQueued
	s.mu.Unlock()
	s.markPending(entryBlk)
}

func (s *State) reparkTimeIndex(entryBlk *pool.Block, e *Entry) {
	if e.inTimeIndex {
		s.timeIndex.Delete(e.timeIndexKey, func(b *pool.Block) bool { return b == entryBlk })
	}
	e.timeIndexKey = uint64(e.nextWake())
	e.inTimeIndex = true
	s.timeIndex.Insert(e.timeIndexKey, entryBlk, nil)
}

// Tick runs the pending-job sweep of spec.md §4.H "Scheduling": walk
// pending_list once, then fold in every time_index entry due by now.
func (s *State) Tick() {
	now := s.clk.NowMillis()

	s.mu.Lock()
	batch := s.pendingList
	s.pendingList = nil
	s.jobPosted = false
	seen := make(map[*pool.Block]bool, len(batch))
	for _, b := range batch {
		seen[b] = true
	}
	var due []*pool.Block
	s.timeIndex.AscendLE(uint64(now), func(_ uint64, b *pool.Block) bool {
		if !seen[b] {
			due = append(due, b)
			seen[b] = true
		}
		return true
	})
	for _, b := range due {
		e := b.Payload.(*Entry)
		s.timeIndex.Delete(e.timeIndexKey, func(x *pool.Block) bool { return x == b })
		e.inTimeIndex = false
	}
	batch = append(batch, due...)
	s.mu.Unlock()

	for _, entryBlk := range batch {
		s.advance(entryBlk, now)
	}
}

// advance runs one FSM step for entryBlk: compute the next state, fire
// on_exit/on_enter hooks, and re-park or delete as appropriate (spec.md
// §4.H).
func (s *State) advance(entryBlk *pool.Block, now clock.Time) {
	e := entryBlk.Payload.(*Entry)

	s.mu.Lock()
	old := e.state
	next := NextState(e, now)
	s.mu.Unlock()

	if next == old && old != StateDelete {
		s.mu.Lock()
		s.reparkTimeIndex(entryBlk, e)
		s.mu.Unlock()
		return
	}

	s.onExit(entryBlk, old)
	s.mu.Lock()
	e.state = next
	s.mu.Unlock()
	s.onEnter(entryBlk, next, old)

	if next != StateDelete {
		s.mu.Lock()
		s.reparkTimeIndex(entryBlk, e)
		s.mu.Unlock()
	}
}

func (s *State) onExit(entryBlk *pool.Block, st State) {
	s.exitCounts[st].Inc()
	e := entryBlk.Payload.(*Entry)
	switch st {
	case StateQueue:
		s.mu.Lock()
		e.flags &^= FlagLocallyQueued
		s.mu.Unlock()

	case StateGenerateDACS:
		if e.isDACS {
			s.mu.Lock()
			s.dacsFinalizeLocked(entryBlk)
			s.mu.Unlock()
		}
	}
}

func (s *State) onEnter(entryBlk *pool.Block, st State, prev State) {
	s.enterCounts[st].Inc()
	e := entryBlk.Payload.(*Entry)

	switch st {
	case StateIdle:
		s.mu.Lock()
		if e.flags.has(FlagLocalCustody) {
			e.actionTime = s.clk.NowMillis().AddMillis(uint64(s.cfg.IdleRetry.Milliseconds()))
			e.flags |= FlagActionTimeWait
		}
		if prev == StateQueue {
			e.actionTime = s.clk.NowMillis().AddMillis(uint64(s.cfg.FastRetry.Milliseconds()))
			e.flags |= FlagActionTimeWait
		}
		s.mu.Unlock()

	case StateQueue:
		f := s.egressFlowFor(e)
		if f != nil {
			if refBlk, err := bundle.AllocRefBlock(context.Background(), s.pool, e.primary.Target(), clock.Infinite, s.clk); err == nil {
				f.Egress.PushSingle(refBlk, clock.Infinite, s.clk)
			}
		}
		s.mu.Lock()
		e.flags |= FlagLocallyQueued
		s.mu.Unlock()

	case StateGenerateDACS:
		// entered only via dacsOpen, which already set up entry state.

	case StateDelete:
		s.finalizeDelete(entryBlk, e, prev)
	}
}

func (s *State) egressFlowFor(e *Entry) *flow.Flow {
	eid := e.destEID
	if e.isDACS {
		eid = e.prevCustodianEID
	}
	s.mu.Lock()
	f := s.neighbors[eid]
	s.mu.Unlock()
	return f
}

func (s *State) finalizeDelete(entryBlk *pool.Block, e *Entry, prev State) {
	if prev == StateUndefined {
		s.discardCount.Inc()
	}

	bundleKey := index.HashBundleKey(e.sourceEID.String(), e.creationSeq)

	s.mu.Lock()
	s.bundleIndex.Delete(bundleKey, func(b *pool.Block) bool { return b == entryBlk })
	s.destEIDIndex.Delete(e.destEID.Node, func(b *pool.Block) bool { return b == entryBlk })
	if e.isDACS {
		flowID := index.HashFlowID(e.dacsFlowSourceEID.String())
		dacsKey := index.HashDACSKey(flowID, e.prevCustodianEID.String())
		s.dacsIndex.Delete(dacsKey, func(b *pool.Block) bool { return b == entryBlk })
	}
	if e.inTimeIndex {
		s.timeIndex.Delete(e.timeIndexKey, func(b *pool.Block) bool { return b == entryBlk })
		e.inTimeIndex = false
	}
	s.mu.Unlock()

	s.pool.Release(entryBlk)
}
