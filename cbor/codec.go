// Package cbor declares the CBOR (de)serializer contract spec.md §6 treats
// as an external collaborator: this module consumes it, but does not
// prescribe a concrete wire grammar. RefCodec below is a reference,
// non-wire-compatible implementation sufficient to drive the cache core's
// own tests end to end.
package cbor

import (
	"context"

	"github.com/pkg/errors"

	"github.com/nasa-bplib/bpcache/bundle"
	"github.com/nasa-bplib/bpcache/clock"
	"github.com/nasa-bplib/bpcache/pool"
)

// Decode error kinds named in spec.md §6.
var (
	ErrNullInput        = errors.New("cbor: null input")
	ErrTooShort         = errors.New("cbor: buffer too short")
	ErrTooLong          = errors.New("cbor: buffer too long")
	ErrVersionMismatch  = errors.New("cbor: bundle protocol version mismatch (want 7)")
	ErrBadProcFlags     = errors.New("cbor: invalid processing flags (admin records must not request status reports)")
	ErrUnsupportedCRC   = errors.New("cbor: unsupported CRC type (only CRC-16 and CRC-32C accepted)")
	ErrFieldDecode      = errors.New("cbor: per-field decode error")
	ErrNoPayload        = errors.New("cbor: no payload block present")
	ErrTooManyCanonical = errors.New("cbor: max canonical blocks exceeded")
)

// MaxCanonicalBlocks bounds decode_bundle's canonical block count.
const MaxCanonicalBlocks = 64

// MaxBundleBytes bounds decode_bundle's input length.
const MaxBundleBytes = 1 << 20

// Codec is the external CBOR (de)serializer contract (spec.md §6).
type Codec interface {
	// DecodeBundle fills a primary block (with its canonical list and
	// chunk lists) from wire bytes.
	DecodeBundle(ctx context.Context, data []byte, p *pool.Pool, deadline clock.Time, clk clock.Clock) (*pool.Block, error)

	// EncodeBundle emits the bundle as an indefinite-length array
	// containing the primary, each extension block, and finally the
	// payload. If a block's cached bytes are fresh (RequiresEncode()
	// false), they are copied out as-is; otherwise the block is
	// re-encoded from its logical fields and its cache updated.
	EncodeBundle(ctx context.Context, primaryBlk *pool.Block, out []byte) (n int, err error)
}

var _ Codec = (*RefCodec)(nil)

// PayloadOf returns the bytes held in pr's payload block
// (BlockTypePayload), or false if pr has no payload block.
func PayloadOf(pr *bundle.Primary) ([]byte, bool) {
	blk, c, ok := pr.LocateCanonical(bundle.BlockTypePayload)
	if !ok {
		return nil, false
	}
	_ = blk
	buf := make([]byte, c.Chunks().Len())
	c.Chunks().Export(buf, 0, bundle.NoLimit)
	return buf, true
}
