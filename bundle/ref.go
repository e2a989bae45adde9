package bundle

import (
	"context"

	"github.com/nasa-bplib/bpcache/clock"
	"github.com/nasa-bplib/bpcache/pool"
)

// MagicRef is the ref-block's magic number.
const MagicRef uint32 = 102

// Ref is a lightweight reference: it increases the target primary's
// refcount by one and holds no pool memory of its own (spec.md §4.B).
type Ref struct {
	pool   *pool.Pool
	target *pool.Block
}

// NewRef creates a lightweight ref to target, incrementing its refcount.
func NewRef(p *pool.Pool, target *pool.Block) *Ref {
	p.AddRef(target)
	return &Ref{pool: p, target: target}
}

// Duplicate increments the target's refcount and returns a second,
// independent Ref to the same target (spec.md's ref_duplicate).
func (r *Ref) Duplicate() *Ref {
	r.pool.AddRef(r.target)
	return &Ref{pool: r.pool, target: r.target}
}

// Release decrements the target's refcount (spec.md's ref_release); at
// zero the pool schedules the target for recycling. Release is a no-op if
// already released.
func (r *Ref) Release() {
	if r.target == nil {
		return
	}
	r.pool.Release(r.target)
	r.target = nil
}

// Target returns the underlying primary pool block.
func (r *Ref) Target() *pool.Block {
	return r.target
}

// Primary returns the referenced primary's logical content.
func (r *Ref) Primary() (*Primary, bool) {
	if r.target == nil {
		return nil, false
	}
	pr, ok := r.target.Payload.(*Primary)
	return pr, ok
}

// RefBlock is the payload of a block-reified ref (spec.md §4.B): used
// whenever a reference must itself be queued on a subq, since a primary
// block can be on at most one list at a time.
type RefBlock struct {
	target *pool.Block
}

// AllocRefBlock allocates a ref-block pointing at target, contributing one
// increment to target's refcount (held until the ref-block is recycled).
func AllocRefBlock(ctx context.Context, p *pool.Pool, target *pool.Block, deadline clock.Time, clk clock.Clock) (*pool.Block, error) {
	return p.Alloc(ctx, pool.TypeRef, MagicRef, pool.PriorityMed, target, deadline, clk)
}

// Dereference returns the primary content referenced by b, transparently
// following a ref-block's pref_target if b itself is a ref rather than a
// primary (spec.md's get_block_content / block_dereference_content).
func Dereference(b *pool.Block) (*Primary, bool) {
	switch b.Type() {
	case pool.TypePrimary:
		pr, ok := b.Payload.(*Primary)
		return pr, ok
	case pool.TypeRef:
		rb, ok := b.Payload.(*RefBlock)
		if !ok || rb.target == nil {
			return nil, false
		}
		return Dereference(rb.target)
	default:
		return nil, false
	}
}
