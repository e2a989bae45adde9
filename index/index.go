// Package index implements the ordered indices spec.md §4.E calls for:
// bundle_index, dacs_index, dest_eid_index and time_index. Rather than
// hand-rolled intrusive red-black-tree links (spec.md §9 explicitly allows
// "an ordered map keyed on the hash with values being arena indices" as the
// simpler alternative), each index is a github.com/google/btree ordered tree
// keyed on (key, insertion sequence) so duplicate keys chain in insertion
// order without a resolver callback on the happy path, while still letting
// callers reject true duplicates via an equality predicate.
package index

import (
	"sync/atomic"

	"github.com/google/btree"
)

// Key is the set of scalar types usable as an index key: the four cache
// indices use uint64 (hashed identity, node number, DTN-time) exclusively,
// but the block-pool registry reuses this type keyed on uint32 magic numbers.
type Key interface {
	~uint32 | ~uint64
}

type entry[K Key, V any] struct {
	key   K
	seq   uint64
	value V
}

func less[K Key, V any](a, b entry[K, V]) bool {
	if a.key != b.key {
		return a.key < b.key
	}
	return a.seq < b.seq
}

// Index is an ordered, duplicate-key-permitting map used as the concrete
// realization of spec.md's red-black-tree indices.
type Index[K Key, V any] struct {
	tree    *btree.BTreeG[entry[K, V]]
	nextSeq atomic.Uint64
}

// New returns an empty Index.
func New[K Key, V any]() *Index[K, V] {
	return &Index[K, V]{
		tree: btree.NewG(32, less[K, V]),
	}
}

// Len returns the number of entries across all keys.
func (x *Index[K, V]) Len() int {
	return x.tree.Len()
}

// Insert places value under key. If onConflict is non-nil, it is called for
// every existing entry already chained under key, in insertion order; if it
// returns true for any of them the insert is rejected (spec.md's "resolver
// on insert ... rejects as duplicate"). Returns whether the value was
// inserted.
func (x *Index[K, V]) Insert(key K, value V, onConflict func(existing V) bool) bool {
	if onConflict != nil {
		rejected := false
		x.tree.AscendGreaterOrEqual(entry[K, V]{key: key}, func(e entry[K, V]) bool {
			if e.key != key {
				return false
			}
			if onConflict(e.value) {
				rejected = true
				return false
			}
			return true
		})
		if rejected {
			return false
		}
	}

	seq := x.nextSeq.Add(1)
	x.tree.ReplaceOrInsert(entry[K, V]{key: key, seq: seq, value: value})
	return true
}

// Get returns the first value chained under key, in insertion order.
func (x *Index[K, V]) Get(key K) (V, bool) {
	var found V
	ok := false
	x.tree.AscendGreaterOrEqual(entry[K, V]{key: key}, func(e entry[K, V]) bool {
		if e.key != key {
			return false
		}
		found = e.value
		ok = true
		return false
	})
	return found, ok
}

// Find returns the first value chained under key for which match returns
// true, walking the chain in insertion order.
func (x *Index[K, V]) Find(key K, match func(V) bool) (V, bool) {
	var found V
	ok := false
	x.tree.AscendGreaterOrEqual(entry[K, V]{key: key}, func(e entry[K, V]) bool {
		if e.key != key {
			return false
		}
		if match == nil || match(e.value) {
			found = e.value
			ok = true
			return false
		}
		return true
	})
	return found, ok
}

// Each walks every value chained under key, in insertion order, until fn
// returns false.
func (x *Index[K, V]) Each(key K, fn func(V) bool) {
	x.tree.AscendGreaterOrEqual(entry[K, V]{key: key}, func(e entry[K, V]) bool {
		if e.key != key {
			return false
		}
		return fn(e.value)
	})
}

// Delete removes and returns the first value chained under key matching
// match (or the first value if match is nil) — spec.md's "extract-node".
func (x *Index[K, V]) Delete(key K, match func(V) bool) (V, bool) {
	var zero V
	var found entry[K, V]
	ok := false
	x.tree.AscendGreaterOrEqual(entry[K, V]{key: key}, func(e entry[K, V]) bool {
		if e.key != key {
			return false
		}
		if match == nil || match(e.value) {
			found = e
			ok = true
			return false
		}
		return true
	})
	if !ok {
		return zero, false
	}
	x.tree.Delete(found)
	return found.value, true
}

// AscendLE walks every (key, value) pair with key <= max in ascending key
// order, used by the time_index age-out sweep (spec.md §4.H "Scheduling").
func (x *Index[K, V]) AscendLE(max K, fn func(K, V) bool) {
	x.tree.Ascend(func(e entry[K, V]) bool {
		if e.key > max {
			return false
		}
		return fn(e.key, e.value)
	})
}

// Has reports whether any value chained under key satisfies match —
// spec.md's "node-is-member".
func (x *Index[K, V]) Has(key K, match func(V) bool) bool {
	_, ok := x.Find(key, match)
	return ok
}
