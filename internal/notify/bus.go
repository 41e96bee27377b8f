// Package notify provides the process-wide broadcast of SessionNotification
// values from the session core out to the JSON-RPC writer.
package notify

import (
	"sync"
	"sync/atomic"

	acp "github.com/coder/acp-go-sdk"
)

// DefaultCapacity is the minimum buffered capacity per subscriber, per
// spec.md §4.8.
const DefaultCapacity = 1000

// Bus is a multi-consumer broadcast of acp.SessionNotification. Each
// subscriber gets its own buffered channel so a slow reader cannot stall
// production for other subscribers or other sessions.
//
// Publish holds the read side of mu for the whole fan-out, and
// Subscribe/unsubscribe/Shutdown hold the write side; this is what makes
// it safe to close a subscriber channel concurrently with a Publish that
// targets it (the close can't interleave with a send).
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]chan acp.SessionNotification
	nextID      int
	capacity    int
	closed      bool
	published   atomic.Int64
}

// NewBus returns a Bus with the default per-subscriber buffer capacity.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[int]chan acp.SessionNotification),
		capacity:    DefaultCapacity,
	}
}

// Subscribe registers a new consumer and returns its channel plus an
// unsubscribe func the caller must call when done (typically on connection
// teardown).
func (b *Bus) Subscribe() (<-chan acp.SessionNotification, func()) {
	ch := make(chan acp.SessionNotification, b.capacity)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = ch
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if sub, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(sub)
		}
		b.mu.Unlock()
	}
	return ch, unsubscribe
}

// Publish fans a notification out to every subscriber. A full subscriber
// channel blocks publication to that subscriber only after the buffer is
// exhausted; with DefaultCapacity this should not happen under nominal
// load, so Publish intentionally blocks rather than silently drop a
// session/update (unlike cancel.Manager's best-effort broadcast). Holding
// the read lock for the duration keeps this safe against a concurrent
// Shutdown or unsubscribe closing the very channel being sent to.
func (b *Bus) Publish(n acp.SessionNotification) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.published.Add(1)
	for _, ch := range b.subscribers {
		ch <- n
	}
}

// PublishedCount returns the number of Publish calls accepted so far. The
// JSON-RPC server snapshots it before writing a response and waits until
// its forwarder has written that many notifications, which is what keeps
// every session/update of a turn ahead of the turn's response on the wire.
func (b *Bus) PublishedCount() int64 {
	return b.published.Load()
}

// Shutdown closes every subscriber channel. Further calls to Publish are a
// no-op.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subscribers {
		delete(b.subscribers, id)
		close(ch)
	}
}
