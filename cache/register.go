package cache

import (
	"context"

	"github.com/pkg/errors"

	"github.com/nasa-bplib/bpcache/offload"
	"github.com/nasa-bplib/bpcache/pool"
)

// MagicEntry is the entry block's magic number.
const MagicEntry uint32 = 103

// Register installs the entry block type with p. ob may be nil if no
// offload backend is configured; Destruct then only releases the entry's
// primary ref, never a storage id.
func Register(p *pool.Pool, ob offload.Backend) error {
	return errors.Wrap(p.Register(pool.TypeDescriptor{
		Magic: MagicEntry,
		Construct: func(arg interface{}, b *pool.Block) error {
			b.Payload = &Entry{}
			return nil
		},
		Destruct: func(b *pool.Block) {
			e, ok := b.Payload.(*Entry)
			if !ok {
				return
			}
			if e.primary != nil {
				e.primary.Release()
				e.primary = nil
			}
			if e.hasStorageID && ob != nil {
				_ = ob.Release(context.Background(), e.committedStorageID)
			}
		},
	}), "registering entry block type")
}
