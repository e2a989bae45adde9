package bundle

import (
	"context"

	"github.com/nasa-bplib/bpcache/clock"
	"github.com/nasa-bplib/bpcache/pool"
)

// Builder constructs outbound primaries through the same Append/Locate
// operations spec.md names, so locally-originated bundles (chiefly DACS)
// exercise exactly the same bundle API as ingress-decoded ones.
type Builder struct {
	pool *pool.Pool
}

// NewBuilder returns a Builder backed by p.
func NewBuilder(p *pool.Pool) *Builder {
	return &Builder{pool: p}
}

// NewPrimary allocates a fresh, empty primary.
func (b *Builder) NewPrimary(ctx context.Context, deadline clock.Time, clk clock.Clock) (*pool.Block, *Primary, error) {
	return AllocPrimary(ctx, b.pool, deadline, clk)
}

// NewCanonical allocates a fresh, detached canonical block of the given
// type and block number.
func (b *Builder) NewCanonical(ctx context.Context, blockType, blockNum uint64, deadline clock.Time, clk clock.Clock) (*pool.Block, *Canonical, error) {
	return AllocCanonical(ctx, b.pool, blockType, blockNum, deadline, clk)
}
