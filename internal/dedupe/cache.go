// ABOUTME: TTL cache for deduplicating resubmitted send requests
// ABOUTME: Keyed by client correlation id so network retries don't double-post messages

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// entry stores the timestamp and list element for a cached key.
type entry struct {
	seenAt  time.Time
	element *list.Element
}

// Cache is a thread-safe, TTL-based, size-bounded record of correlation ids
// the API has already processed. Insertion order is kept in a linked list so
// eviction at capacity is O(1).
type Cache struct {
	mu      sync.RWMutex
	seen    map[string]*entry
	order   *list.List // oldest key at the front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a dedupe cache with the given TTL and maximum size.
// A background goroutine sweeps expired entries once a minute.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		seen:    make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Check returns true if the key has been seen and is not expired.
func (c *Cache) Check(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.seen[key]
	if !ok {
		return false
	}
	return time.Since(e.seenAt) < c.ttl
}

// Mark records that a key has been seen. At capacity the oldest entry is
// evicted to make room. Marking is deferred until after a request has been
// processed successfully, so a failed request stays retryable.
func (c *Cache) Mark(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if e, exists := c.seen[key]; exists {
		e.seenAt = now
		c.order.MoveToBack(e.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		front := c.order.Front()
		if front != nil {
			oldKey, _ := front.Value.(string)
			c.order.Remove(front)
			delete(c.seen, oldKey)
		}
	}

	elem := c.order.PushBack(key)
	c.seen[key] = &entry{seenAt: now, element: elem}
}

// sweepLoop periodically removes expired entries.
func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

// sweep removes all expired entries.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, e := range c.seen {
		if now.Sub(e.seenAt) > c.ttl {
			c.order.Remove(e.element)
			delete(c.seen, key)
		}
	}
}

// Close stops the background sweep goroutine. Safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
