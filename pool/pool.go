// Package pool implements the fixed-capacity block pool described in
// spec.md §4.A: a Kenwright-style fixed-size cell allocator with an
// implicit free list, three priority bands reserving headroom for
// administrative traffic, and a type registry keyed by magic number.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nasa-bplib/bpcache/clock"
	"github.com/nasa-bplib/bpcache/index"
)

// Priority is one of the three allocation bands of spec.md §4.A.
type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityMed
	PriorityHigh
)

// TypeDescriptor registers a block type's size and lifecycle hooks, keyed
// by magic number (spec.md §4.A "Registry").
type TypeDescriptor struct {
	Magic           uint32
	UserContentSize uint32
	Construct       func(arg interface{}, b *Block) error
	Destruct        func(b *Block)
}

// Config sizes a Pool.
type Config struct {
	Cells        int
	LowZoneLimit int
	MedZoneLimit int
}

var (
	errExhausted  = errors.New("pool: allocation timed out")
	errDoubleFree = errors.New("pool: double free detected")
)

// shortPoll bounds how promptly a deadline-bound Alloc notices both a
// newly-freed cell and its own expired deadline.
const shortPoll = 2 * time.Millisecond

type poolMetrics struct {
	inUse     prometheus.Gauge
	recycled  prometheus.Gauge
	timeouts  prometheus.Counter
}

var (
	poolMetricsOnce sync.Once
	sharedMetrics   *poolMetrics
)

// sharedPoolMetrics registers the pool metrics with the default Prometheus
// registry once per process; every Pool reports through the same collectors.
func sharedPoolMetrics() *poolMetrics {
	poolMetricsOnce.Do(func() { sharedMetrics = newPoolMetrics() })
	return sharedMetrics
}

func newPoolMetrics() *poolMetrics {
	return &poolMetrics{
		inUse: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "bpcache",
			Subsystem: "pool",
			Name:      "blocks_in_use",
			Help:      "Current number of in-use pool blocks.",
		}),
		recycled: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "bpcache",
			Subsystem: "pool",
			Name:      "blocks_recycled",
			Help:      "Current number of blocks on the recycle list awaiting collection.",
		}),
		timeouts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "bpcache",
			Subsystem: "pool",
			Name:      "allocation_timeouts_total",
			Help:      "Allocations that returned nil after their deadline elapsed.",
		}),
	}
}

// Pool is a fixed-capacity arena of typed blocks.
type Pool struct {
	mu   sync.Mutex
	cond *sync.Cond

	cells []Block

	freeHead  int32
	freeCount int

	recycleHead int32
	recycleTail int32

	activeCount  int
	lowZoneLimit int
	medZoneLimit int

	registry *index.Index[uint32, TypeDescriptor]

	metrics *poolMetrics
}

// New creates a pool of cfg.Cells cells, with type 0 (generic bytes) and
// the CBOR-chunk type pre-registered (spec.md §4.A).
func New(cfg Config) *Pool {
	p := &Pool{
		cells:        make([]Block, cfg.Cells),
		freeHead:     0,
		recycleHead:  noIndex,
		recycleTail:  noIndex,
		lowZoneLimit: cfg.LowZoneLimit,
		medZoneLimit: cfg.MedZoneLimit,
		registry:     index.New[uint32, TypeDescriptor](),
		metrics:      sharedPoolMetrics(),
	}
	p.cond = sync.NewCond(&p.mu)

	for i := range p.cells {
		p.cells[i] = Block{idx: uint32(i), list: listFree}
		if i == len(p.cells)-1 {
			p.cells[i].nextIdx = noIndex
		} else {
			p.cells[i].nextIdx = int32(i + 1)
		}
	}
	p.freeCount = len(p.cells)

	_ = p.Register(TypeDescriptor{Magic: MagicGeneric, UserContentSize: 0})
	_ = p.Register(TypeDescriptor{Magic: MagicChunk, UserContentSize: 480})

	return p
}

// Register adds (or idempotently re-adds, if parameters match) a block
// type. Re-registration with a conflicting UserContentSize fails.
func (p *Pool) Register(desc TypeDescriptor) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.registry.Get(desc.Magic); ok {
		if existing.UserContentSize != desc.UserContentSize {
			return errors.Errorf("pool: magic %d already registered with size %d, got %d",
				desc.Magic, existing.UserContentSize, desc.UserContentSize)
		}
		return nil
	}

	p.registry.Insert(desc.Magic, desc, nil)
	return nil
}

func (p *Pool) lookup(magic uint32) (TypeDescriptor, bool) {
	return p.registry.Get(magic)
}

// zoneLimitFor returns the cell-count ceiling a priority band may not cross.
func (p *Pool) zoneLimitFor(prio Priority) int {
	switch prio {
	case PriorityLow:
		return p.lowZoneLimit
	case PriorityMed:
		return p.medZoneLimit
	default:
		return len(p.cells)
	}
}

// Alloc allocates a block of the given type, blocking up to deadline if the
// pool (or the requested priority's zone) is momentarily exhausted.
func (p *Pool) Alloc(ctx context.Context, typ Type, magic uint32, prio Priority, arg interface{}, deadline clock.Time, clk clock.Clock) (*Block, error) {
	desc, ok := p.lookup(magic)
	if !ok {
		return nil, errors.Errorf("pool: magic %d not registered", magic)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		limit := p.zoneLimitFor(prio)
		if p.freeHead != noIndex && p.activeCount < limit {
			b := p.popFreeLocked()
			b.typ = typ
			b.magic = magic
			b.st = stateInUse
			b.list = listActive
			b.refcount.Store(1)
			b.Payload = nil
			p.activeCount++
			p.metrics.inUse.Set(float64(p.activeCount))

			if desc.Construct != nil {
				if err := desc.Construct(arg, b); err != nil {
					// undo: treat as an immediate release back to free.
					p.activeCount--
					p.releaseToFreeLocked(b)
					return nil, err
				}
			}
			return b, nil
		}

		now := clk.NowMillis()
		if deadline != clock.Infinite && !now.Before(deadline) {
			p.metrics.timeouts.Inc()
			return nil, errExhausted
		}

		if deadline == clock.Infinite {
			p.cond.Wait()
			continue
		}

		// Bounded wait: release the lock, sleep a short slice, then
		// re-check against the caller's clock. This keeps the abstract DTN
		// deadline authoritative without requiring the wall clock and the
		// DTN clock to be the same clock (tests commonly inject a
		// clock.Fake that never advances on its own).
		p.mu.Unlock()
		time.Sleep(shortPoll)
		p.mu.Lock()
	}
}

// Release decrements a block's refcount; at zero it is pushed onto the
// recycle list and, by default, immediately collected (its destructor run
// and the cell returned to the free list). Spec.md allows deferred
// collection; immediate collection is a valid, simpler scheduling of the
// same contract.
func (p *Pool) Release(b *Block) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if b.refcount.Load() <= 0 {
		debugAssert(false, errDoubleFree)
		return
	}
	if b.refcount.Dec() > 0 {
		return
	}

	p.pushRecycleLocked(b)
	p.collectOneLocked(b)
}

// AddRef increments a block's refcount directly (used by the bundle
// package's Ref and ref-block types).
func (p *Pool) AddRef(b *Block) {
	b.refcount.Inc()
}

// Resolve returns the live block for a handle, or false if the handle is
// stale (the block has since been recycled and reused).
func (p *Pool) Resolve(h Handle) (*Block, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := h.index()
	if int(idx) >= len(p.cells) {
		return nil, false
	}
	b := &p.cells[idx]
	if b.generation != h.generation() || b.st != stateInUse {
		return nil, false
	}
	return b, true
}

// Stats reports pool occupancy, for spec.md §8 property 1 (conservation of
// blocks): Free + InUse + Recycled == Total.
type Stats struct {
	Free     int
	InUse    int
	Recycled int
	Total    int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	recycled := len(p.cells) - p.freeCount - p.activeCount
	return Stats{
		Free:     p.freeCount,
		InUse:    p.activeCount,
		Recycled: recycled,
		Total:    len(p.cells),
	}
}

func (p *Pool) popFreeLocked() *Block {
	idx := p.freeHead
	b := &p.cells[idx]
	p.freeHead = b.nextIdx
	p.freeCount--
	b.prevIdx = noIndex
	b.nextIdx = noIndex
	return b
}

func (p *Pool) pushRecycleLocked(b *Block) {
	if b.list == listRecycle {
		debugAssert(false, errDoubleFree)
		return
	}
	b.st = stateRecycled
	b.list = listRecycle
	b.prevIdx = p.recycleTail
	b.nextIdx = noIndex
	if p.recycleTail != noIndex {
		p.cells[p.recycleTail].nextIdx = int32(b.idx)
	} else {
		p.recycleHead = int32(b.idx)
	}
	p.recycleTail = int32(b.idx)
	p.activeCount--
	p.metrics.inUse.Set(float64(p.activeCount))
	p.metrics.recycled.Set(float64(len(p.cells) - p.freeCount - p.activeCount))
}

// collectOneLocked moves a single recycled block back to the free list,
// invoking its destructor (spec.md §4.A collector behavior).
func (p *Pool) collectOneLocked(b *Block) {
	p.unlinkRecycleLocked(b)
	if desc, ok := p.lookup(b.magic); ok && desc.Destruct != nil {
		// Destructors release other blocks (chunks, ref targets), which
		// takes p.mu again, so they run unlocked. b is already off the
		// recycle list, so no other collector can reach it meanwhile.
		p.mu.Unlock()
		desc.Destruct(b)
		p.mu.Lock()
	}
	p.releaseToFreeLocked(b)
	p.cond.Broadcast()
}

func (p *Pool) unlinkRecycleLocked(b *Block) {
	if b.prevIdx != noIndex {
		p.cells[b.prevIdx].nextIdx = b.nextIdx
	} else {
		p.recycleHead = b.nextIdx
	}
	if b.nextIdx != noIndex {
		p.cells[b.nextIdx].prevIdx = b.prevIdx
	} else {
		p.recycleTail = b.prevIdx
	}
}

func (p *Pool) releaseToFreeLocked(b *Block) {
	b.st = stateFree
	b.list = listFree
	b.generation++
	b.Payload = nil
	b.prevIdx = noIndex
	b.nextIdx = p.freeHead
	p.freeHead = int32(b.idx)
	p.freeCount++
	p.metrics.inUse.Set(float64(p.activeCount))
	p.metrics.recycled.Set(float64(len(p.cells) - p.freeCount - p.activeCount))
}

// Collect drains the entire recycle list, returning the number of blocks
// collected. Release already collects each block as its refcount reaches
// zero, so this normally finds the recycle list empty.
func (p *Pool) Collect() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for p.recycleHead != noIndex {
		b := &p.cells[p.recycleHead]
		p.collectOneLocked(b)
		n++
	}
	return n
}
