package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTTLCacheExpiry(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewTTLCacheWithClock[string, int](func() time.Time { return now })

	c.Set("a", 1, time.Second)
	v, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, 1, v)

	now = now.Add(time.Second)
	_, ok = c.Get("a")
	require.False(t, ok)
	require.Equal(t, 0, c.Len())
}

func TestTTLCacheSetNX(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewTTLCacheWithClock[string, string](func() time.Time { return now })

	require.True(t, c.SetNX("k", "first", time.Minute))
	require.False(t, c.SetNX("k", "second", time.Minute))
	v, _ := c.Get("k")
	require.Equal(t, "first", v)

	now = now.Add(time.Minute)
	require.True(t, c.SetNX("k", "third", time.Minute))

	c.Delete("k")
	require.True(t, c.SetNX("k", "fourth", 0))
	v, _ = c.Get("k")
	require.Equal(t, "fourth", v)
}
