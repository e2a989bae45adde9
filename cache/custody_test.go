package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nasa-bplib/bpcache/bundle"
	"github.com/nasa-bplib/bpcache/cbor"
	"github.com/nasa-bplib/bpcache/clock"
	"github.com/nasa-bplib/bpcache/config"
	"github.com/nasa-bplib/bpcache/index"
	"github.com/nasa-bplib/bpcache/offload"
	"github.com/nasa-bplib/bpcache/pool"
)

func newTestPool(t *testing.T, cells int) *pool.Pool {
	t.Helper()
	p := pool.New(pool.Config{Cells: cells, LowZoneLimit: cells, MedZoneLimit: cells})
	require.NoError(t, bundle.Register(p))
	return p
}

func newTestState(t *testing.T, p *pool.Pool, selfEID string, clk clock.Clock, ob offload.Backend, policy string) *State {
	t.Helper()
	self, err := bundle.ParseEID(selfEID)
	require.NoError(t, err)
	st, err := New(Config{
		SelfEID: self,
		Custody: config.CustodyConfig{
			DACSLifetime:     DefaultDACSLifetime,
			DACSOpenTime:     DefaultDACSOpenTime,
			FastRetry:        DefaultFastRetry,
			IdleRetry:        DefaultIdleRetry,
			AgeOut:           DefaultAgeOut,
			MaxSeqPerPayload: DefaultMaxSeqPerPayload,
			DeliveryPolicy:   policy,
		},
		Pool: p,
		// Scheduler is left nil: tests drive the FSM deterministically via
		// explicit Tick() calls rather than a background worker goroutine.
		Clock:   clk,
		Codec:   cbor.RefCodec{},
		Offload: ob,
	})
	require.NoError(t, err)
	return st
}

func ingestFreshBundle(t *testing.T, ctx context.Context, p *pool.Pool, clk clock.Clock, sourceEID, destEID string, seq, creationTime, lifetime uint64, prevCustodian string, payload []byte) *pool.Block {
	t.Helper()
	primaryBlk, pr, err := bundle.AllocPrimary(ctx, p, clock.Infinite, clk)
	require.NoError(t, err)

	src, err := bundle.ParseEID(sourceEID)
	require.NoError(t, err)
	dst, err := bundle.ParseEID(destEID)
	require.NoError(t, err)
	pr.SourceEID = src
	pr.DestinationEID = dst
	pr.Creation = bundle.Creation{Time: clock.Time(creationTime), Seq: seq}
	pr.LifetimeMillis = lifetime
	pr.CRCType = bundle.CRC32

	if prevCustodian != "" {
		pc, err := bundle.ParseEID(prevCustodian)
		require.NoError(t, err)
		pr.PrevCustodianEID = &pc
	}

	payloadBlk, payloadCanon, err := bundle.AllocCanonical(ctx, p, bundle.BlockTypePayload, 1, clock.Infinite, clk)
	require.NoError(t, err)
	require.NoError(t, payloadCanon.Chunks().Append(ctx, payload, clock.Infinite, clk))
	pr.Append(payloadBlk)

	return primaryBlk
}

func TestFirstHopCustodyAppendsTrackingBlock(t *testing.T) {
	p := newTestPool(t, 64)
	ctx := context.Background()
	clk := clock.NewFake(1000)
	ob := offload.NewMemoryBackend()
	st := newTestState(t, p, "ipn:10.1", clk, ob, DeliveryPolicyCustodyTracking)

	blk := ingestFreshBundle(t, ctx, p, clk, "ipn:20.2", "ipn:30.3", 7, 1000, 60000, "", []byte("payload"))

	status, err := st.Ingest(ctx, blk, clock.Infinite)
	require.NoError(t, err)
	require.Equal(t, StatusStored, status)
	require.Equal(t, 1, ob.Len())

	entryBlk, ok := st.bundleIndex.Get(index.HashBundleKey("ipn:20.2", 7))
	require.True(t, ok)
	e := entryBlk.Payload.(*Entry)
	require.True(t, e.flags.has(FlagLocalCustody))

	pr, ok := e.primary.Primary()
	require.True(t, ok)
	_, c, ok := pr.LocateCanonical(bundle.BlockTypeCustodyTracking)
	require.True(t, ok)
	require.Equal(t, "ipn:10.1", c.CustodyTracking.CurrentCustodian.String())
	require.Equal(t, 0, st.dacsIndex.Len())
}

func TestDACSAggregatesThreeSequencesInOrder(t *testing.T) {
	p := newTestPool(t, 128)
	ctx := context.Background()
	clk := clock.NewFake(1000)
	st := newTestState(t, p, "ipn:10.1", clk, nil, "none")

	for _, seq := range []uint64{100, 101, 102} {
		blk := ingestFreshBundle(t, ctx, p, clk, "ipn:20.2", "ipn:30.3", seq, 1000, 60000, "ipn:5.1", []byte("x"))
		status, err := st.Ingest(ctx, blk, clock.Infinite)
		require.NoError(t, err)
		require.Equal(t, StatusStored, status)
	}

	flowID := index.HashFlowID("ipn:20.2")
	prevCustodian, err := bundle.ParseEID("ipn:5.1")
	require.NoError(t, err)
	dacsKey := index.HashDACSKey(flowID, prevCustodian.String())

	dacsBlk, found := st.dacsIndex.Get(dacsKey)
	require.True(t, found)
	e := dacsBlk.Payload.(*Entry)
	pr, _ := e.primary.Primary()
	_, c, ok := pr.LocateCanonical(bundle.BlockTypeCustodyAccept)
	require.True(t, ok)
	require.Equal(t, []uint64{100, 101, 102}, c.CustodyAccept.Seqs)

	clk.Advance(DefaultDACSOpenTime + time.Millisecond)
	st.Tick()

	require.Equal(t, StateQueue, e.State())
	require.Equal(t, 0, st.dacsIndex.Len())
}

func TestDuplicateDACSSequenceIsIgnored(t *testing.T) {
	p := newTestPool(t, 128)
	ctx := context.Background()
	clk := clock.NewFake(1000)
	st := newTestState(t, p, "ipn:10.1", clk, nil, "none")

	for _, seq := range []uint64{100, 101, 102} {
		blk := ingestFreshBundle(t, ctx, p, clk, "ipn:20.2", "ipn:30.3", seq, 1000, 60000, "ipn:5.1", []byte("x"))
		_, err := st.Ingest(ctx, blk, clock.Infinite)
		require.NoError(t, err)
	}

	dup := ingestFreshBundle(t, ctx, p, clk, "ipn:20.2", "ipn:30.3", 101, 1000, 60000, "ipn:5.1", []byte("x"))
	_, err := st.Ingest(ctx, dup, clock.Infinite)
	require.NoError(t, err)

	flowID := index.HashFlowID("ipn:20.2")
	prevCustodian, _ := bundle.ParseEID("ipn:5.1")
	dacsKey := index.HashDACSKey(flowID, prevCustodian.String())
	dacsBlk, found := st.dacsIndex.Get(dacsKey)
	require.True(t, found)
	e := dacsBlk.Payload.(*Entry)
	pr, _ := e.primary.Primary()
	_, c, _ := pr.LocateCanonical(bundle.BlockTypeCustodyAccept)
	require.Len(t, c.CustodyAccept.Seqs, 3)
}

func TestInboundACKClearsLocalCustodyForAckedSequences(t *testing.T) {
	p := newTestPool(t, 128)
	ctx := context.Background()
	clk := clock.NewFake(1000)
	st := newTestState(t, p, "ipn:10.1", clk, nil, "none")

	var entryBlks []*pool.Block
	for _, seq := range []uint64{7, 8, 9} {
		blk := ingestFreshBundle(t, ctx, p, clk, "ipn:20.2", "ipn:30.3", seq, 1000, 60000, "", []byte("x"))
		_, err := st.Ingest(ctx, blk, clock.Infinite)
		require.NoError(t, err)
		key := index.HashBundleKey("ipn:20.2", seq)
		eb, ok := st.bundleIndex.Get(key)
		require.True(t, ok)
		entryBlks = append(entryBlks, eb)
	}

	ackPrimaryBlk, ackPr, err := bundle.AllocPrimary(ctx, p, clock.Infinite, clk)
	require.NoError(t, err)
	source, _ := bundle.ParseEID("ipn:20.2")
	self, _ := bundle.ParseEID("ipn:40.4")
	ackPr.SourceEID = self
	ackPr.AdminRecord = true
	ackCblk, ackC, err := bundle.AllocCanonical(ctx, p, bundle.BlockTypeCustodyAccept, 1, clock.Infinite, clk)
	require.NoError(t, err)
	ackC.CustodyAccept = &bundle.CustodyAcceptContent{FlowSourceEID: source, Seqs: []uint64{7, 9}}
	ackPr.Append(ackCblk)

	status, err := st.Ingest(ctx, ackPrimaryBlk, clock.Infinite)
	require.NoError(t, err)
	require.Equal(t, StatusDACSProcessed, status)

	require.False(t, entryBlks[0].Payload.(*Entry).flags.has(FlagLocalCustody))
	require.True(t, entryBlks[1].Payload.(*Entry).flags.has(FlagLocalCustody))
	require.False(t, entryBlks[2].Payload.(*Entry).flags.has(FlagLocalCustody))
}

func TestLifetimeExpiryDeletesEntry(t *testing.T) {
	p := newTestPool(t, 64)
	ctx := context.Background()
	clk := clock.NewFake(1000)
	st := newTestState(t, p, "ipn:10.1", clk, nil, "none")

	blk := ingestFreshBundle(t, ctx, p, clk, "ipn:20.2", "ipn:30.3", 1, 1000, 5000, "", []byte("x"))
	_, err := st.Ingest(ctx, blk, clock.Infinite)
	require.NoError(t, err)

	key := index.HashBundleKey("ipn:20.2", 1)
	entryBlk, ok := st.bundleIndex.Get(key)
	require.True(t, ok)
	primaryBlk := entryBlk.Payload.(*Entry).primary.Target()

	clk.Set(6001)
	st.Tick()

	_, stillThere := st.bundleIndex.Get(key)
	require.False(t, stillThere)
	require.Equal(t, int64(0), primaryBlk.RefCount())
}
