package pool

import "go.uber.org/atomic"

// Type is the payload variant carried by a block, per spec.md §3.
type Type uint8

const (
	TypeAdmin Type = iota
	TypePrimary
	TypeCanonical
	TypeChunk
	TypeFlow
	TypeRef
	TypeEntry
	TypeAPI
)

func (t Type) String() string {
	switch t {
	case TypeAdmin:
		return "admin"
	case TypePrimary:
		return "primary"
	case TypeCanonical:
		return "canonical"
	case TypeChunk:
		return "chunk"
	case TypeFlow:
		return "flow"
	case TypeRef:
		return "ref"
	case TypeEntry:
		return "entry"
	case TypeAPI:
		return "api"
	default:
		return "unknown"
	}
}

// MagicGeneric and MagicChunk are the two magic numbers pre-registered by
// every Pool (spec.md §4.A).
const (
	MagicGeneric uint32 = 0
	MagicChunk   uint32 = 1
)

type state uint8

const (
	stateFree state = iota
	stateInUse
	stateRecycled
)

// listKind records which list a block is currently a member of, used to
// enforce spec.md §3's invariant that every non-admin block is reachable
// from exactly one list at a time.
type listKind uint8

const (
	listNone listKind = iota
	listFree
	listRecycle
	listActive
	listOwned // a member of some other block's intrusive sublist (e.g. cblock_list)
)

const noIndex int32 = -1

// Handle is a stable, short-lived external identifier for a block. It
// round-trips through Pool.Resolve only while the pool and the block are
// live: recycling a block bumps its generation, invalidating old handles.
type Handle uint64

func newHandle(idx, generation uint32) Handle {
	return Handle(uint64(generation)<<32 | uint64(idx))
}

func (h Handle) index() uint32      { return uint32(h) }
func (h Handle) generation() uint32 { return uint32(h >> 32) }

// Block is a fixed-size pool cell carrying a typed payload.
type Block struct {
	idx        uint32
	generation uint32

	typ      Type
	magic    uint32
	st       state
	refcount atomic.Int64

	// Payload holds the logical content: *bundle.Primary, *bundle.Canonical,
	// *bundle.Chunk, *flow.Flow, a ref target, *cache.Entry, an API
	// descriptor, or raw []byte for generic/admin blocks. The pool does not
	// interpret it; Type and Magic are what make casting safe.
	Payload interface{}

	list     listKind
	prevIdx  int32
	nextIdx  int32
}

// Handle returns h's current external handle.
func (b *Block) Handle() Handle { return newHandle(b.idx, b.generation) }

// Type returns the block's immutable type tag.
func (b *Block) Type() Type { return b.typ }

// Magic returns the block's content-type signature.
func (b *Block) Magic() uint32 { return b.magic }

// RefCount returns the block's current reference count.
func (b *Block) RefCount() int64 { return b.refcount.Load() }
