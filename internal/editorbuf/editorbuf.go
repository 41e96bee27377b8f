// Package editorbuf caches editor buffers pushed by the client via the
// editor/update_buffers extension notification. File-read handlers consult
// the cache before touching disk so unsaved editor state wins over stale
// on-disk content.
package editorbuf

import (
	"sync"
	"time"
)

// DefaultTTL is how long a pushed buffer stays authoritative before the
// proxy falls back to disk.
const DefaultTTL = time.Second

// Buffer is one client-pushed editor buffer, keyed by absolute path.
type Buffer struct {
	Path         string    `json:"path"`
	Content      string    `json:"content"`
	Modified     bool      `json:"modified"`
	LastModified time.Time `json:"lastModified"`
	Encoding     string    `json:"encoding"`
}

type entry struct {
	buffer   Buffer
	cachedAt time.Time
}

// Cache stores pushed buffers with a TTL. Entries past the TTL are treated
// as absent; they are evicted lazily when a Get finds them expired.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]entry

	// now is replaceable in tests.
	now func() time.Time
}

// NewCache returns an empty Cache. A non-positive ttl falls back to
// DefaultTTL.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		ttl:     ttl,
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// Get returns the buffer cached for path if it is still fresh.
func (c *Cache) Get(path string) (Buffer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[path]
	if !ok {
		return Buffer{}, false
	}
	if c.now().Sub(e.cachedAt) > c.ttl {
		delete(c.entries, path)
		return Buffer{}, false
	}
	return e.buffer, true
}

// Update inserts or replaces the given buffers, resetting their TTL.
func (c *Cache) Update(buffers []Buffer) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range buffers {
		if b.Path == "" {
			continue
		}
		c.entries[b.Path] = entry{buffer: b, cachedAt: now}
	}
}

// Invalidate removes the cached buffer for path, if any.
func (c *Cache) Invalidate(path string) {
	c.mu.Lock()
	delete(c.entries, path)
	c.mu.Unlock()
}

// Len returns the number of cached entries, fresh or not; for tests.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
