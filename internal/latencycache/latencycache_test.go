package latencycache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetMissOnEmptyCache(t *testing.T) {
	c := New(4)
	_, ok := c.Get(1, 0xFF)
	require.False(t, ok)
}

func TestPutThenGetRoundTrips(t *testing.T) {
	c := New(4)
	c.Put(1, 0xFF, 42)
	got, ok := c.Get(1, 0xFF)
	require.True(t, ok)
	require.Equal(t, uint32(42), got)
}

func TestPutEvictsLeastRecentlyUsed(t *testing.T) {
	c := New(2)
	c.Put(1, 0, 1)
	c.Put(2, 0, 2)
	c.Put(3, 0, 3) // evicts (1, 0)

	_, ok := c.Get(1, 0)
	require.False(t, ok, "least-recently-used entry should have been evicted")

	v, ok := c.Get(2, 0)
	require.True(t, ok)
	require.Equal(t, uint32(2), v)

	v, ok = c.Get(3, 0)
	require.True(t, ok)
	require.Equal(t, uint32(3), v)
}

func TestGetPromotesToMostRecentlyUsed(t *testing.T) {
	c := New(2)
	c.Put(1, 0, 1)
	c.Put(2, 0, 2)
	c.Get(1, 0) // promotes (1,0) over (2,0)
	c.Put(3, 0, 3) // should evict (2, 0), not (1, 0)

	_, ok := c.Get(2, 0)
	require.False(t, ok)
	_, ok = c.Get(1, 0)
	require.True(t, ok)
}

func TestLenReflectsEntryCount(t *testing.T) {
	c := New(4)
	require.Equal(t, 0, c.Len())
	c.Put(1, 0, 1)
	c.Put(2, 0, 2)
	require.Equal(t, 2, c.Len())
}
