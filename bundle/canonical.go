package bundle

// Canonical block type codes relevant to this spec (BPv7 assigns 1 to the
// payload block; the custody-tracking type is this node's private
// extension, per spec.md's glossary entry for "Custody tracking block").
const (
	BlockTypePayload          uint64 = 1
	BlockTypePreviousNode     uint64 = 6
	BlockTypeBundleAge        uint64 = 7
	BlockTypeCustodyTracking  uint64 = 192
	BlockTypeCustodyAccept    uint64 = 193 // DACS administrative-record payload
)

// Canonical is the payload carried by a pool block of type TypeCanonical:
// any non-primary BPv7 block (spec.md glossary).
type Canonical struct {
	BlockType uint64
	BlockNum  uint64

	// bundleRef is a non-owning back-pointer to the owning primary, valid
	// only while this canonical is on that primary's cblock_list (spec.md
	// §9 design note on cyclic back-references).
	bundleRef *Primary

	chunkList      *ChunkList
	requiresEncode bool

	// CustodyTracking holds the current-custodian EID for a
	// BlockTypeCustodyTracking block.
	CustodyTracking *CustodyTrackingContent

	// CustodyAccept holds the aggregated DACS payload for a
	// BlockTypeCustodyAccept block.
	CustodyAccept *CustodyAcceptContent
}

// CustodyAcceptContent is the logical content of a DACS (delivered/accepted
// custody signal) canonical block: the source flow being acknowledged, and
// the sequence numbers aggregated so far.
type CustodyAcceptContent struct {
	FlowSourceEID EID
	Seqs          []uint64
}

// CustodyTrackingContent is the logical content of a custody-tracking
// canonical block.
type CustodyTrackingContent struct {
	CurrentCustodian EID
	// TransferCount is carried through encode/decode for diagnostics only.
	// This module never increments it (a custody-tracking block the cache
	// attaches starts at zero) and no decision reads it (see SPEC_FULL.md's
	// custody/DACS engine section).
	TransferCount uint64
}

// BundleRef returns the primary this canonical is currently attached to,
// or nil if it has been detached.
func (c *Canonical) BundleRef() *Primary {
	return c.bundleRef
}

// Chunks returns the canonical's encoded-byte chunk list.
func (c *Canonical) Chunks() *ChunkList {
	return c.chunkList
}

// DropEncode recycles the canonical's chunk list and invalidates its
// parent primary's cached encode size, per spec.md §4.C
// canonical_drop_encode.
func (c *Canonical) DropEncode() {
	c.chunkList.DropEncode()
	c.requiresEncode = true
	if c.bundleRef != nil {
		c.bundleRef.invalidateEncoding()
	}
}

// RequiresEncode reports whether c's cached chunk bytes are stale.
func (c *Canonical) RequiresEncode() bool {
	return c.requiresEncode
}

// SetEncoded marks c's chunk list as holding a valid encoding.
func (c *Canonical) SetEncoded() {
	c.requiresEncode = false
}
