package bundle

import (
	"context"

	"github.com/nasa-bplib/bpcache/clock"
	"github.com/nasa-bplib/bpcache/pool"
)

// CRCType is the BPv7 CRC field type (spec.md §6: "only CRC-16 and CRC-32C
// accepted").
type CRCType uint8

const (
	CRCNone CRCType = iota
	CRC16
	CRC32
)

// Magic numbers for the three bundle-representation block types.
const (
	MagicPrimary   uint32 = 100
	MagicCanonical uint32 = 101
)

// Creation is a BPv7 creation timestamp: (time, sequence number).
type Creation struct {
	Time clock.Time
	Seq  uint64
}

// Primary is the payload carried by a pool block of type TypePrimary: a
// BPv7 primary block plus its owned cblock_list and chunk_list (spec.md
// §4.C).
type Primary struct {
	pool *pool.Pool

	SourceEID      EID
	DestinationEID EID
	ReportToEID    EID
	// PrevCustodianEID is set when the received bundle already carried a
	// custody-tracking block naming a previous custodian.
	PrevCustodianEID *EID

	Creation Creation
	// LifetimeMillis is the bundle's BPv7 lifetime.
	LifetimeMillis uint64

	CRCType              CRCType
	AdminRecord          bool
	MustNotFragment      bool
	RequestsStatusReport bool

	cblockList     []*pool.Block // each Payload is *Canonical
	chunkList      *ChunkList
	requiresEncode bool
}

// AllocPrimary allocates a fresh primary pool block.
func AllocPrimary(ctx context.Context, p *pool.Pool, deadline clock.Time, clk clock.Clock) (*pool.Block, *Primary, error) {
	b, err := p.Alloc(ctx, pool.TypePrimary, MagicPrimary, pool.PriorityMed, nil, deadline, clk)
	if err != nil {
		return nil, nil, err
	}
	pr, _ := b.Payload.(*Primary)
	return b, pr, nil
}

// AllocCanonical allocates a fresh, detached canonical pool block.
func AllocCanonical(ctx context.Context, p *pool.Pool, blockType, blockNum uint64, deadline clock.Time, clk clock.Clock) (*pool.Block, *Canonical, error) {
	b, err := p.Alloc(ctx, pool.TypeCanonical, MagicCanonical, pool.PriorityMed, canonicalInitArg{blockType, blockNum}, deadline, clk)
	if err != nil {
		return nil, nil, err
	}
	c, _ := b.Payload.(*Canonical)
	return b, c, nil
}

type canonicalInitArg struct {
	blockType uint64
	blockNum  uint64
}

// ExpireTime returns the DTN time at which the bundle's lifetime elapses.
func (p *Primary) ExpireTime() clock.Time {
	return p.Creation.Time.AddMillis(p.LifetimeMillis)
}

// Chunks returns the primary's own encoded-byte chunk list.
func (p *Primary) Chunks() *ChunkList {
	return p.chunkList
}

// Canonicals returns the primary's canonical-block list in its current
// internal order (payload last, other blocks most-recently-appended
// first — spec.md §9's resolution of the cblock_list ordering question).
func (p *Primary) Canonicals() []*pool.Block {
	out := make([]*pool.Block, len(p.cblockList))
	copy(out, p.cblockList)
	return out
}

// Append places cblk onto p's canonical-block list. Per spec.md §4.C:
// the payload block (blockNum == 1) is always inserted at the tail; every
// other canonical block is inserted at the head.
func (p *Primary) Append(cblk *pool.Block) bool {
	c, ok := cblk.Payload.(*Canonical)
	if !ok {
		return false
	}
	c.bundleRef = p

	if c.BlockNum == BlockTypePayload {
		p.cblockList = append(p.cblockList, cblk)
	} else {
		p.cblockList = append([]*pool.Block{cblk}, p.cblockList...)
	}
	p.invalidateEncoding()
	return true
}

// Remove detaches cblk from p's canonical-block list, invalidating its
// weak bundleRef back-pointer.
func (p *Primary) Remove(cblk *pool.Block) bool {
	for i, b := range p.cblockList {
		if b == cblk {
			p.cblockList = append(p.cblockList[:i:i], p.cblockList[i+1:]...)
			if c, ok := cblk.Payload.(*Canonical); ok {
				c.bundleRef = nil
			}
			p.invalidateEncoding()
			return true
		}
	}
	return false
}

// LocateCanonical scans the cblock list in reverse (payload-first
// heuristic, since the payload is always at the tail) and returns the
// first canonical block whose BlockType matches. Spec.md §4.C
// primary_locate_canonical.
func (p *Primary) LocateCanonical(blockType uint64) (*pool.Block, *Canonical, bool) {
	for i := len(p.cblockList) - 1; i >= 0; i-- {
		b := p.cblockList[i]
		if c, ok := b.Payload.(*Canonical); ok && c.BlockType == blockType {
			return b, c, true
		}
	}
	return nil, nil, false
}

// DropEncode recycles every chunk in p's own chunk list and invalidates
// its cached encode size, per spec.md §4.C primary_drop_encode. It does
// not recurse into canonical blocks; callers that mutate a canonical
// block's logical content must call Canonical.DropEncode themselves.
func (p *Primary) DropEncode() {
	p.chunkList.DropEncode()
	p.requiresEncode = true
}

// RequiresEncode reports whether p's cached chunk bytes are stale.
func (p *Primary) RequiresEncode() bool {
	return p.requiresEncode
}

// SetEncoded marks p's chunk list as holding a valid encoding.
func (p *Primary) SetEncoded() {
	p.requiresEncode = false
}

func (p *Primary) invalidateEncoding() {
	p.requiresEncode = true
}
