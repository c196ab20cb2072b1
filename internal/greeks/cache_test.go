package greeks

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLRUCachePutGet(t *testing.T) {
	c := newLRUCache(2)
	k1 := cacheKey{token: 1, lastPriceTicks: 100, spotHalfRupees: 200, minutesToExpiry: 60}
	c.put(k1, Result{IV: 0.3})

	got, ok := c.get(k1)
	require.True(t, ok)
	require.Equal(t, 0.3, got.IV)
}

func TestLRUCacheEvictsOldestOverCapacity(t *testing.T) {
	c := newLRUCache(2)
	k1 := cacheKey{token: 1}
	k2 := cacheKey{token: 2}
	k3 := cacheKey{token: 3}

	c.put(k1, Result{IV: 0.1})
	c.put(k2, Result{IV: 0.2})
	c.put(k3, Result{IV: 0.3}) // evicts k1, the least recently touched

	_, ok := c.get(k1)
	require.False(t, ok)
	_, ok = c.get(k2)
	require.True(t, ok)
	_, ok = c.get(k3)
	require.True(t, ok)
	require.Equal(t, 2, c.len())
}

func TestLRUCacheGetRefreshesRecency(t *testing.T) {
	c := newLRUCache(2)
	k1 := cacheKey{token: 1}
	k2 := cacheKey{token: 2}
	k3 := cacheKey{token: 3}

	c.put(k1, Result{IV: 0.1})
	c.put(k2, Result{IV: 0.2})
	c.get(k1) // touch k1, making k2 the least recently used
	c.put(k3, Result{IV: 0.3})

	_, ok := c.get(k2)
	require.False(t, ok, "k2 should have been evicted instead of k1")
	_, ok = c.get(k1)
	require.True(t, ok)
}

func TestCacheKeyDiffersAcrossMinuteBoundary(t *testing.T) {
	a := cacheKey{token: 1, lastPriceTicks: 10, spotHalfRupees: 20, minutesToExpiry: 59}
	b := cacheKey{token: 1, lastPriceTicks: 10, spotHalfRupees: 20, minutesToExpiry: 58}
	require.NotEqual(t, a, b)
}
