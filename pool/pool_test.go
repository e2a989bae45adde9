package pool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nasa-bplib/bpcache/clock"
)

func TestConservationOfBlocks(t *testing.T) {
	p := New(Config{Cells: 8, LowZoneLimit: 8, MedZoneLimit: 8})
	clk := clock.NewFake(0)

	var blocks []*Block
	for i := 0; i < 8; i++ {
		b, err := p.Alloc(context.Background(), TypeChunk, MagicChunk, PriorityHigh, nil, clock.Infinite, clk)
		require.NoError(t, err)
		blocks = append(blocks, b)
	}

	stats := p.Stats()
	require.Equal(t, Stats{Free: 0, InUse: 8, Recycled: 0, Total: 8}, stats)

	for _, b := range blocks {
		p.Release(b)
	}

	stats = p.Stats()
	require.Equal(t, 8, stats.Free+stats.InUse+stats.Recycled)
	require.Equal(t, 8, stats.Total)
}

func TestAllocReturnsErrorAtCapacity(t *testing.T) {
	p := New(Config{Cells: 1, LowZoneLimit: 1, MedZoneLimit: 1})
	clk := clock.NewFake(1000)

	b, err := p.Alloc(context.Background(), TypeChunk, MagicChunk, PriorityHigh, nil, clock.Infinite, clk)
	require.NoError(t, err)
	require.NotNil(t, b)

	// Deadline equal to "now" must never block (spec.md §8 boundary behavior).
	_, err = p.Alloc(context.Background(), TypeChunk, MagicChunk, PriorityHigh, nil, clk.NowMillis(), clk)
	require.Error(t, err)
}

func TestPriorityBandRefusesLowBeyondItsZone(t *testing.T) {
	p := New(Config{Cells: 4, LowZoneLimit: 1, MedZoneLimit: 2})
	clk := clock.NewFake(0)

	_, err := p.Alloc(context.Background(), TypeChunk, MagicChunk, PriorityLow, nil, clock.Infinite, clk)
	require.NoError(t, err)

	// Low priority's zone (1 cell) is now full; a second low-priority
	// request must not be granted even though 3 cells remain free overall.
	_, err = p.Alloc(context.Background(), TypeChunk, MagicChunk, PriorityLow, nil, clk.NowMillis(), clk)
	require.Error(t, err)

	// High priority may still use the reserved headroom.
	_, err = p.Alloc(context.Background(), TypeChunk, MagicChunk, PriorityHigh, nil, clock.Infinite, clk)
	require.NoError(t, err)
}

func TestResolveRejectsStaleHandle(t *testing.T) {
	p := New(Config{Cells: 2, LowZoneLimit: 2, MedZoneLimit: 2})
	clk := clock.NewFake(0)

	b, err := p.Alloc(context.Background(), TypeChunk, MagicChunk, PriorityHigh, nil, clock.Infinite, clk)
	require.NoError(t, err)
	h := b.Handle()

	_, ok := p.Resolve(h)
	require.True(t, ok)

	p.Release(b)

	_, ok = p.Resolve(h)
	require.False(t, ok)
}

func TestRegisterIsIdempotentButRejectsConflict(t *testing.T) {
	p := New(Config{Cells: 1})

	require.NoError(t, p.Register(TypeDescriptor{Magic: 42, UserContentSize: 16}))
	require.NoError(t, p.Register(TypeDescriptor{Magic: 42, UserContentSize: 16}))
	require.Error(t, p.Register(TypeDescriptor{Magic: 42, UserContentSize: 32}))
}

func TestConstructFailureReturnsCellToFree(t *testing.T) {
	p := New(Config{Cells: 1})
	require.NoError(t, p.Register(TypeDescriptor{
		Magic: 99,
		Construct: func(arg interface{}, b *Block) error {
			return errExhausted // any error
		},
	}))

	clk := clock.NewFake(0)
	_, err := p.Alloc(context.Background(), TypeAPI, 99, PriorityHigh, nil, clock.Infinite, clk)
	require.Error(t, err)
	require.Equal(t, 1, p.Stats().Free)
}
