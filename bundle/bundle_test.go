package bundle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nasa-bplib/bpcache/clock"
	"github.com/nasa-bplib/bpcache/pool"
)

func newTestPool(t *testing.T, cells int) *pool.Pool {
	t.Helper()
	p := pool.New(pool.Config{Cells: cells, LowZoneLimit: cells, MedZoneLimit: cells})
	require.NoError(t, Register(p))
	return p
}

func TestAppendOrdersPayloadLast(t *testing.T) {
	p := newTestPool(t, 8)
	ctx := context.Background()
	clk := clock.NewFake(0)

	_, pr, err := AllocPrimary(ctx, p, clock.Infinite, clk)
	require.NoError(t, err)

	prevNodeBlk, _, err := AllocCanonical(ctx, p, BlockTypePreviousNode, 2, clock.Infinite, clk)
	require.NoError(t, err)
	payloadBlk, _, err := AllocCanonical(ctx, p, BlockTypePayload, 1, clock.Infinite, clk)
	require.NoError(t, err)
	ageBlk, _, err := AllocCanonical(ctx, p, BlockTypeBundleAge, 3, clock.Infinite, clk)
	require.NoError(t, err)

	require.True(t, pr.Append(prevNodeBlk))
	require.True(t, pr.Append(payloadBlk))
	require.True(t, pr.Append(ageBlk))

	cs := pr.Canonicals()
	require.Len(t, cs, 3)
	require.Same(t, payloadBlk, cs[len(cs)-1], "payload block must be last")
}

func TestLocateCanonicalReturnsLastAppendedOfType(t *testing.T) {
	p := newTestPool(t, 8)
	ctx := context.Background()
	clk := clock.NewFake(0)

	_, pr, err := AllocPrimary(ctx, p, clock.Infinite, clk)
	require.NoError(t, err)

	b1, _, err := AllocCanonical(ctx, p, BlockTypeCustodyTracking, 2, clock.Infinite, clk)
	require.NoError(t, err)
	require.True(t, pr.Append(b1))

	found, _, ok := pr.LocateCanonical(BlockTypeCustodyTracking)
	require.True(t, ok)
	require.Same(t, b1, found)

	_, _, ok = pr.LocateCanonical(BlockTypeBundleAge)
	require.False(t, ok)
}

func TestDropEncodeThenExportRoundTrips(t *testing.T) {
	p := newTestPool(t, 8)
	ctx := context.Background()
	clk := clock.NewFake(0)

	_, pr, err := AllocPrimary(ctx, p, clock.Infinite, clk)
	require.NoError(t, err)

	payload := make([]byte, MaxChunkBytes*2+10)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, pr.Chunks().Append(ctx, payload, clock.Infinite, clk))
	require.Equal(t, len(payload), pr.Chunks().Len())

	out := make([]byte, len(payload))
	n := pr.Chunks().Export(out, 0, NoLimit)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, out)

	pr.DropEncode()
	require.True(t, pr.Chunks().Empty())
	require.True(t, pr.RequiresEncode())
}

func TestExportHonorsSeekAndMaxCount(t *testing.T) {
	p := newTestPool(t, 8)
	ctx := context.Background()
	clk := clock.NewFake(0)

	_, pr, err := AllocPrimary(ctx, p, clock.Infinite, clk)
	require.NoError(t, err)

	require.NoError(t, pr.Chunks().Append(ctx, []byte("0123456789"), clock.Infinite, clk))

	out := make([]byte, 10)
	n := pr.Chunks().Export(out, 3, 4)
	require.Equal(t, 4, n)
	require.Equal(t, "3456", string(out[:n]))
}

func TestRefCountingAndRefBlock(t *testing.T) {
	p := newTestPool(t, 8)
	ctx := context.Background()
	clk := clock.NewFake(0)

	primaryBlk, _, err := AllocPrimary(ctx, p, clock.Infinite, clk)
	require.NoError(t, err)
	require.EqualValues(t, 1, primaryBlk.RefCount())

	r := NewRef(p, primaryBlk)
	require.EqualValues(t, 2, primaryBlk.RefCount())

	refBlk, err := AllocRefBlock(ctx, p, primaryBlk, clock.Infinite, clk)
	require.NoError(t, err)
	require.EqualValues(t, 3, primaryBlk.RefCount())

	pr, ok := Dereference(refBlk)
	require.True(t, ok)
	require.Same(t, pr, primaryBlk.Payload.(*Primary))

	r.Release()
	require.EqualValues(t, 2, primaryBlk.RefCount())

	p.Release(refBlk)
	require.EqualValues(t, 1, primaryBlk.RefCount())

	p.Release(primaryBlk)
	require.Equal(t, pool.Stats{Free: 8, InUse: 0, Recycled: 0, Total: 8}, p.Stats())
}
