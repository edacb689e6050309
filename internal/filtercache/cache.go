// Package filtercache maintains the in-memory mute set and group-size map
// used to filter messages out of alerts and digests. Background sweeps rebuild
// both from the transport; feedback applies optimistic point updates.
package filtercache

import (
	"sync"

	"github.com/linnemanlabs/go-core/log"
)

// Cache is safe for concurrent use. Readers get snapshot semantics; the
// backing containers are never exposed.
type Cache struct {
	mu      sync.RWMutex
	muted   map[int64]struct{}
	sizes   map[int64]int
	logger  log.Logger
	metrics *Metrics
}

// Option configures a Cache.
type Option func(*Cache)

// WithMetrics attaches gauge/counter instrumentation.
func WithMetrics(m *Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// New creates an empty cache. Both containers start empty, so filtering is
// wide open until the first sweep completes.
func New(logger log.Logger, opts ...Option) *Cache {
	c := &Cache{
		muted:  make(map[int64]struct{}),
		sizes:  make(map[int64]int),
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Muted reports whether the chat is in the mute set.
func (c *Cache) Muted(chatID int64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.muted[chatID]
	return ok
}

// MutedChats returns the current mute set as a slice.
func (c *Cache) MutedChats() []int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]int64, 0, len(c.muted))
	for id := range c.muted {
		out = append(out, id)
	}
	return out
}

// Size returns the cached participant count for a chat. ok=false means the
// size is unknown and callers fail open.
func (c *Cache) Size(chatID int64) (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.sizes[chatID]
	return n, ok
}

// Oversized returns the chats whose cached size exceeds the threshold.
func (c *Cache) Oversized(threshold int) []int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []int64
	for id, n := range c.sizes {
		if n > threshold {
			out = append(out, id)
		}
	}
	return out
}

// AddMuted applies an optimistic mute immediately. The next successful sweep
// overwrites it with the transport's view.
func (c *Cache) AddMuted(chatID int64) {
	c.mu.Lock()
	c.muted[chatID] = struct{}{}
	n := len(c.muted)
	c.mu.Unlock()
	c.setMutedGauge(n)
}

// RemoveMuted applies an optimistic unmute immediately.
func (c *Cache) RemoveMuted(chatID int64) {
	c.mu.Lock()
	delete(c.muted, chatID)
	n := len(c.muted)
	c.mu.Unlock()
	c.setMutedGauge(n)
}

// replaceMuted installs a freshly swept mute set wholesale.
func (c *Cache) replaceMuted(next map[int64]struct{}) {
	c.mu.Lock()
	c.muted = next
	c.mu.Unlock()
	c.setMutedGauge(len(next))
}

// replaceSizes installs a freshly swept size map wholesale.
func (c *Cache) replaceSizes(next map[int64]int) {
	c.mu.Lock()
	c.sizes = next
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.TrackedSizes.Set(float64(len(next)))
	}
}

func (c *Cache) setMutedGauge(n int) {
	if c.metrics != nil {
		c.metrics.MutedChats.Set(float64(n))
	}
}
