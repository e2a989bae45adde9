package index

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInsertChainsDuplicateKeysInOrder(t *testing.T) {
	idx := New[uint64, string]()

	require.True(t, idx.Insert(1, "a", nil))
	require.True(t, idx.Insert(1, "b", nil))
	require.True(t, idx.Insert(1, "c", nil))

	var seen []string
	idx.Each(1, func(v string) bool {
		seen = append(seen, v)
		return true
	})
	require.Equal(t, []string{"a", "b", "c"}, seen)
}

func TestInsertRejectsOnConflict(t *testing.T) {
	idx := New[uint64, string]()
	require.True(t, idx.Insert(1, "a", nil))

	ok := idx.Insert(1, "a-dup", func(existing string) bool {
		return existing == "a"
	})
	require.False(t, ok)
	require.Equal(t, 1, idx.Len())
}

func TestDeleteExtractsMatchingNode(t *testing.T) {
	idx := New[uint64, string]()
	idx.Insert(5, "x", nil)
	idx.Insert(5, "y", nil)

	v, ok := idx.Delete(5, func(v string) bool { return v == "y" })
	require.True(t, ok)
	require.Equal(t, "y", v)
	require.Equal(t, 1, idx.Len())

	_, stillThere := idx.Find(5, func(v string) bool { return v == "y" })
	require.False(t, stillThere)
}

func TestAscendLESweepsExpired(t *testing.T) {
	idx := New[uint64, int]()
	idx.Insert(10, 100, nil)
	idx.Insert(20, 200, nil)
	idx.Insert(30, 300, nil)

	var due []int
	idx.AscendLE(20, func(k uint64, v int) bool {
		due = append(due, v)
		return true
	})
	require.Equal(t, []int{100, 200}, due)
}

func TestHashesAreStableAndSaltsDiffer(t *testing.T) {
	a := HashBundleKey("ipn:20.2", 7)
	b := HashBundleKey("ipn:20.2", 7)
	require.Equal(t, a, b)

	c := HashDACSKey(1, "ipn:20.2")
	require.NotEqual(t, a, c)
}
