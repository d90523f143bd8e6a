package avl

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInsertLookupDelete(t *testing.T) {
	tr := New()
	tr.Insert(10, 100)
	tr.Insert(5, 50)
	tr.Insert(20, 200)

	v, ok := tr.Lookup(5)
	require.True(t, ok)
	require.Equal(t, uint64(50), v)

	require.True(t, tr.Delete(5))
	_, ok = tr.Lookup(5)
	require.False(t, ok)
	require.False(t, tr.Delete(5))
}

func TestInsertDeletePermutationStaysSortedAndEmpties(t *testing.T) {
	keys := make([]uint64, 200)
	for i := range keys {
		keys[i] = uint64(i)
	}
	rng := rand.New(rand.NewSource(1))

	tr := New()
	for _, k := range keys {
		tr.Insert(k, k*10)
		require.True(t, sort.SliceIsSorted(tr.InOrder(), func(i, j int) bool {
			return tr.InOrder()[i] < tr.InOrder()[j]
		}))
	}
	require.Equal(t, len(keys), tr.Len())

	perm := append([]uint64(nil), keys...)
	rng.Shuffle(len(perm), func(i, j int) { perm[i], perm[j] = perm[j], perm[i] })

	for _, k := range perm {
		require.True(t, tr.Delete(k))
	}
	require.Equal(t, 0, tr.Len())
	require.Empty(t, tr.InOrder())
}

func TestRangeScan(t *testing.T) {
	tr := New()
	for i := uint64(0); i < 10; i++ {
		tr.Insert(i, i)
	}
	var got []uint64
	tr.Range(3, 6, func(k, v uint64) bool {
		got = append(got, k)
		return true
	})
	require.Equal(t, []uint64{3, 4, 5, 6}, got)
}

func TestRangeScanStopsEarly(t *testing.T) {
	tr := New()
	for i := uint64(0); i < 10; i++ {
		tr.Insert(i, i)
	}
	var got []uint64
	tr.Range(0, 9, func(k, v uint64) bool {
		got = append(got, k)
		return len(got) < 3
	})
	require.Len(t, got, 3)
}

func TestLookupCacheHit(t *testing.T) {
	tr := New()
	tr.Insert(42, 1)
	tr.Insert(7, 2)

	_, ok := tr.Lookup(42)
	require.True(t, ok)
	v, ok := tr.Lookup(42)
	require.True(t, ok)
	require.Equal(t, uint64(1), v)
}
