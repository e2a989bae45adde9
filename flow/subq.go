// Package flow implements the subq/flow abstraction of spec.md §4.D: an
// intrusive FIFO of pool blocks with a depth limit, and a flow pairing an
// ingress and egress subq with state flags driven by a posted job.
package flow

import (
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/nasa-bplib/bpcache/clock"
	"github.com/nasa-bplib/bpcache/pool"
)

// shortPoll bounds how promptly a deadline-bound push/pull notices both a
// state change and its own expired deadline, mirroring pool.shortPoll.
const shortPoll = 2 * time.Millisecond

var nextSubqID atomic.Uint64

// Subq is a FIFO queue of pool blocks with a depth limit. Depth is defined,
// per spec.md §4.D, as push_count - pull_count rather than the live item
// count, so MoveAll/DropAll can account for throughput without re-deriving
// it from slice length.
type Subq struct {
	id uint64

	mu   sync.Mutex
	cond *sync.Cond

	items []*pool.Block
	limit int

	pushCount atomic.Uint64
	pullCount atomic.Uint64

	disabled bool
}

// NewSubq returns an empty subq with the given depth limit.
func NewSubq(limit int) *Subq {
	q := &Subq{id: nextSubqID.Inc(), limit: limit}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Depth returns push_count - pull_count.
func (q *Subq) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depthLocked()
}

func (q *Subq) depthLocked() int {
	return int(q.pushCount.Load() - q.pullCount.Load())
}

// PushSingle appends b, blocking until there is room or deadline elapses.
// Returns false if the deadline elapsed or the subq was disabled first.
func (q *Subq) PushSingle(b *pool.Block, deadline clock.Time, clk clock.Clock) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if q.disabled {
			return false
		}
		if q.depthLocked()+1 <= q.limit {
			q.items = append(q.items, b)
			q.pushCount.Inc()
			q.cond.Broadcast()
			return true
		}
		if !q.awaitLocked(deadline, clk) {
			return false
		}
	}
}

// PullSingle detaches and returns the head block, blocking until one is
// available or deadline elapses.
func (q *Subq) PullSingle(deadline clock.Time, clk clock.Clock) (*pool.Block, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if len(q.items) > 0 {
			b := q.items[0]
			q.items = q.items[1:]
			q.pullCount.Inc()
			q.cond.Broadcast()
			return b, true
		}
		if q.disabled {
			return nil, false
		}
		if !q.awaitLocked(deadline, clk) {
			return nil, false
		}
	}
}

// awaitLocked blocks the calling goroutine (mu held) until woken or the
// deadline elapses, returning false if the deadline has elapsed.
func (q *Subq) awaitLocked(deadline clock.Time, clk clock.Clock) bool {
	if deadline != clock.Infinite && !clk.NowMillis().Before(deadline) {
		return false
	}
	if deadline == clock.Infinite {
		q.cond.Wait()
		return true
	}
	q.mu.Unlock()
	time.Sleep(shortPoll)
	q.mu.Lock()
	return true
}

func lockOrdered(a, b *Subq) func() {
	if a.id == b.id {
		a.mu.Lock()
		return a.mu.Unlock
	}
	first, second := a, b
	if b.id < a.id {
		first, second = b, a
	}
	first.mu.Lock()
	second.mu.Lock()
	return func() {
		second.mu.Unlock()
		first.mu.Unlock()
	}
}

// MoveAll splices every item from q into dst, preserving order, and
// returns the number of blocks moved (spec.md §4.D move_all).
func (q *Subq) MoveAll(dst *Subq) int {
	if q == dst {
		return 0
	}
	unlock := lockOrdered(q, dst)
	defer unlock()

	n := len(q.items)
	if n == 0 {
		return 0
	}
	dst.items = append(dst.items, q.items...)
	dst.pushCount.Add(uint64(n))
	q.pullCount.Add(uint64(n))
	q.items = nil
	dst.cond.Broadcast()
	return n
}

// MergeList splices a plain list of blocks (not itself a subq) onto the
// tail of q, per spec.md §4.D merge_list.
func (q *Subq) MergeList(blocks []*pool.Block) int {
	if len(blocks) == 0 {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, blocks...)
	q.pushCount.Add(uint64(len(blocks)))
	q.cond.Broadcast()
	return len(blocks)
}

// DropAll releases every block currently on q back to p, per spec.md §4.D
// drop_all.
func (q *Subq) DropAll(p *pool.Pool) int {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.pullCount.Add(uint64(len(items)))
	q.mu.Unlock()

	for _, b := range items {
		p.Release(b)
	}
	return len(items)
}

// Disable sets the depth limit to 0 and drains all waiters, per spec.md
// §5 ("flow_disable pre-empts all waiters of a subq by setting its depth
// limit to 0 and broadcast-signalling").
func (q *Subq) Disable() {
	q.mu.Lock()
	q.disabled = true
	q.limit = 0
	q.cond.Broadcast()
	q.mu.Unlock()
}

// SetLimit changes the depth limit and wakes any waiters who might now be
// satisfiable (or newly blocked).
func (q *Subq) SetLimit(limit int) {
	q.mu.Lock()
	q.limit = limit
	q.cond.Broadcast()
	q.mu.Unlock()
}
