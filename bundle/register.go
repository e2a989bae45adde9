package bundle

import (
	"github.com/pkg/errors"

	"github.com/nasa-bplib/bpcache/pool"
)

// Register installs the block-type descriptors for primary, canonical and
// ref blocks into p's registry. It must be called once per pool before any
// AllocPrimary/AllocCanonical/AllocRefBlock call.
func Register(p *pool.Pool) error {
	if err := p.Register(pool.TypeDescriptor{
		Magic: MagicPrimary,
		Construct: func(arg interface{}, b *pool.Block) error {
			b.Payload = &Primary{
				pool:      p,
				chunkList: newChunkList(p),
			}
			return nil
		},
		Destruct: func(b *pool.Block) {
			if pr, ok := b.Payload.(*Primary); ok {
				pr.chunkList.DropEncode()
			}
		},
	}); err != nil {
		return errors.Wrap(err, "bundle: registering primary block type")
	}

	if err := p.Register(pool.TypeDescriptor{
		Magic: MagicCanonical,
		Construct: func(arg interface{}, b *pool.Block) error {
			init, ok := arg.(canonicalInitArg)
			if !ok {
				return errors.New("bundle: canonical construct requires canonicalInitArg")
			}
			b.Payload = &Canonical{
				BlockType: init.blockType,
				BlockNum:  init.blockNum,
				chunkList: newChunkList(p),
			}
			return nil
		},
		Destruct: func(b *pool.Block) {
			if c, ok := b.Payload.(*Canonical); ok {
				c.chunkList.DropEncode()
			}
		},
	}); err != nil {
		return errors.Wrap(err, "bundle: registering canonical block type")
	}

	if err := p.Register(pool.TypeDescriptor{
		Magic: MagicRef,
		Construct: func(arg interface{}, b *pool.Block) error {
			target, ok := arg.(*pool.Block)
			if !ok {
				return errors.New("bundle: ref-block construct requires a target *pool.Block")
			}
			p.AddRef(target)
			b.Payload = &RefBlock{target: target}
			return nil
		},
		Destruct: func(b *pool.Block) {
			if rb, ok := b.Payload.(*RefBlock); ok && rb.target != nil {
				p.Release(rb.target)
				rb.target = nil
			}
		},
	}); err != nil {
		return errors.Wrap(err, "bundle: registering ref block type")
	}

	return nil
}
