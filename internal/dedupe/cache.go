// ABOUTME: Thread-safe TTL cache that remembers request ids and, optionally, their results
// ABOUTME: Used by the channel server to replay admin command results to reconnecting clients

package dedupe

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/2389/counsel-coordinator/internal/clock"
)

// cacheEntry stores the timestamp and remembered value for a key.
type cacheEntry struct {
	timestamp time.Time
	value     any
	hasValue  bool
}

// Cache provides a thread-safe, TTL-based, size-limited cache of seen keys.
// A key is marked when work for it starts; Remember attaches the outcome so a
// repeat of the same key can be answered without doing the work again.
// Size is bounded by an LRU; expiry is judged against the injected clock so
// the window is testable. mu makes check-then-mark atomic across lru calls.
type Cache struct {
	mu      sync.RWMutex
	entries *lru.Cache[string, *cacheEntry]
	ttl     time.Duration
	clock   clock.Clock
	done    chan struct{}
	closed  bool
}

// New creates a new dedupe cache with the specified TTL and maximum size.
// A background goroutine periodically cleans up expired entries.
func New(ttl time.Duration, maxSize int) *Cache {
	return NewWithClock(ttl, maxSize, nil)
}

// NewWithClock is New with an injected time source.
func NewWithClock(ttl time.Duration, maxSize int, clk clock.Clock) *Cache {
	if maxSize < 1 {
		maxSize = 1
	}
	// lru.New only fails for a non-positive size.
	entries, _ := lru.New[string, *cacheEntry](maxSize)
	c := &Cache{
		entries: entries,
		ttl:     ttl,
		clock:   clock.OrSystem(clk),
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

func (c *Cache) live(entry *cacheEntry, now time.Time) bool {
	return now.Sub(entry.timestamp) < c.ttl
}

// Check returns true if the key has been seen and is not expired.
func (c *Cache) Check(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries.Peek(key)
	if !ok {
		return false
	}
	return c.live(entry, c.clock.Now())
}

// CheckAndMark atomically checks if a key has been seen and marks it if not.
// Returns true if the key was already seen (duplicate), false if it's new and now marked.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if entry, ok := c.entries.Peek(key); ok && c.live(entry, now) {
		return true
	}

	c.markLocked(key, now)
	return false
}

// Mark records that a key has been seen. If the cache is at capacity,
// the oldest entry is evicted to make room.
func (c *Cache) Mark(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markLocked(key, c.clock.Now())
}

// Remember attaches a value to a key, marking it if needed. The TTL restarts.
func (c *Cache) Remember(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := c.markLocked(key, c.clock.Now())
	entry.value = value
	entry.hasValue = true
}

// Recall returns the value remembered for a live key. The second result is
// false when the key is unknown, expired, or marked without a value yet.
func (c *Cache) Recall(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries.Peek(key)
	if !ok || !c.live(entry, c.clock.Now()) || !entry.hasValue {
		return nil, false
	}
	return entry.value, true
}

// Forget drops a key so the same request can be retried.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries.Remove(key)
}

// Len returns the number of keys held, including expired ones not yet cleaned up.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries.Len()
}

// markLocked is the internal mark implementation. Must be called with mu held.
// Re-adding an existing key moves it to the newest end of the LRU; adding
// past capacity evicts the oldest key.
func (c *Cache) markLocked(key string, now time.Time) *cacheEntry {
	entry, exists := c.entries.Peek(key)
	if !exists {
		entry = &cacheEntry{}
	} else if !c.live(entry, now) {
		entry.value = nil
		entry.hasValue = false
	}
	entry.timestamp = now
	c.entries.Add(key, entry)
	return entry
}

// cleanup runs in a background goroutine, periodically removing expired entries.
func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

// runCleanup removes all expired entries from the cache.
func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	for _, key := range c.entries.Keys() {
		if entry, ok := c.entries.Peek(key); ok && !c.live(entry, now) {
			c.entries.Remove(key)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
