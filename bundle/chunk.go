package bundle

import (
	"context"

	"github.com/nasa-bplib/bpcache/clock"
	"github.com/nasa-bplib/bpcache/pool"
)

// MaxChunkBytes is the finite user-data capacity of a single chunk block,
// per spec.md §3.
const MaxChunkBytes = 480

// Chunk is the payload carried by a pool block of type TypeChunk: raw,
// already-encoded CBOR bytes.
type Chunk struct {
	Data []byte
}

// ChunkList is an ordered sequence of pool-backed chunk blocks holding the
// encoded bytes of a primary or canonical block (spec.md §4.C).
type ChunkList struct {
	pool   *pool.Pool
	blocks []*pool.Block
}

func newChunkList(p *pool.Pool) *ChunkList {
	return &ChunkList{pool: p}
}

// Append splits data into pieces no larger than MaxChunkBytes and allocates
// one chunk block per piece, appending them to the list in order.
func (l *ChunkList) Append(ctx context.Context, data []byte, deadline clock.Time, clk clock.Clock) error {
	for off := 0; off < len(data); {
		end := off + MaxChunkBytes
		if end > len(data) {
			end = len(data)
		}
		piece := append([]byte(nil), data[off:end]...)

		b, err := l.pool.Alloc(ctx, pool.TypeChunk, pool.MagicChunk, pool.PriorityMed, piece, deadline, clk)
		if err != nil {
			return err
		}
		b.Payload = &Chunk{Data: piece}
		l.blocks = append(l.blocks, b)
		off = end
	}
	return nil
}

// Len returns the total number of encoded bytes held across all chunks.
func (l *ChunkList) Len() int {
	total := 0
	for _, b := range l.blocks {
		if c, ok := b.Payload.(*Chunk); ok {
			total += len(c.Data)
		}
	}
	return total
}

// Empty reports whether the list holds no chunks (no cached encoding).
func (l *ChunkList) Empty() bool {
	return len(l.blocks) == 0
}

// DropEncode releases every chunk block back to the pool and empties the
// list, per spec.md §4.C primary_drop_encode/canonical_drop_encode.
func (l *ChunkList) DropEncode() {
	for _, b := range l.blocks {
		l.pool.Release(b)
	}
	l.blocks = nil
}

// NoLimit is the sentinel maxCount meaning "no hard cap" for Export.
const NoLimit = -1

// Export streams bytes out of the chunk list into out, honoring seek
// (bytes to skip from the start of the logical stream) and maxCount (a
// hard cap on bytes copied, or NoLimit), stopping when out is full.
// Spec.md §4.C chunk_export.
func (l *ChunkList) Export(out []byte, seek int, maxCount int) int {
	written := 0
	skipped := 0
	remaining := maxCount

	for _, b := range l.blocks {
		if written >= len(out) {
			break
		}
		c, ok := b.Payload.(*Chunk)
		if !ok {
			continue
		}
		data := c.Data

		if skipped < seek {
			toSkip := seek - skipped
			if toSkip >= len(data) {
				skipped += len(data)
				continue
			}
			data = data[toSkip:]
			skipped = seek
		}

		if remaining >= 0 && len(data) > remaining {
			data = data[:remaining]
		}
		if room := len(out) - written; len(data) > room {
			data = data[:room]
		}

		copy(out[written:], data)
		written += len(data)

		if remaining >= 0 {
			remaining -= len(data)
			if remaining <= 0 {
				break
			}
		}
	}

	return written
}
