package editorbuf

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheUpdateAndGet(t *testing.T) {
	c := NewCache(time.Second)

	c.Update([]Buffer{
		{Path: "/work/a.go", Content: "package a", Modified: true, Encoding: "utf-8"},
		{Path: "", Content: "ignored"},
	})

	buf, ok := c.Get("/work/a.go")
	require.True(t, ok)
	assert.Equal(t, "package a", buf.Content)
	assert.True(t, buf.Modified)

	_, ok = c.Get("/work/missing.go")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len())
}

func TestCacheTTLExpiry(t *testing.T) {
	c := NewCache(time.Second)

	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return current }

	c.Update([]Buffer{{Path: "/work/a.go", Content: "fresh"}})

	_, ok := c.Get("/work/a.go")
	require.True(t, ok)

	current = current.Add(1500 * time.Millisecond)
	_, ok = c.Get("/work/a.go")
	assert.False(t, ok, "entry past TTL must read as absent")
	assert.Equal(t, 0, c.Len(), "expired entry is evicted on read")
}

func TestCacheUpdateResetsTTL(t *testing.T) {
	c := NewCache(time.Second)

	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return current }

	c.Update([]Buffer{{Path: "/work/a.go", Content: "v1"}})
	current = current.Add(900 * time.Millisecond)
	c.Update([]Buffer{{Path: "/work/a.go", Content: "v2"}})
	current = current.Add(900 * time.Millisecond)

	buf, ok := c.Get("/work/a.go")
	require.True(t, ok)
	assert.Equal(t, "v2", buf.Content)
}

func TestCacheInvalidate(t *testing.T) {
	c := NewCache(time.Second)
	c.Update([]Buffer{{Path: "/work/a.go", Content: "x"}})

	c.Invalidate("/work/a.go")
	_, ok := c.Get("/work/a.go")
	assert.False(t, ok)

	c.Invalidate("/work/never-cached.go")
}

func TestNewCacheDefaultTTL(t *testing.T) {
	c := NewCache(0)
	assert.Equal(t, DefaultTTL, c.ttl)
}
