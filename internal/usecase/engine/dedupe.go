package engine

import (
	"container/list"
	"sync"
	"time"
)

type seenEntry struct {
	at      time.Time
	element *list.Element
}

// seenCache remembers recently handled message keys for a fixed TTL. It is
// bounded: at capacity the oldest key is evicted first.
type seenCache struct {
	mu      sync.Mutex
	seen    map[string]*seenEntry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

func newSeenCache(ttl time.Duration, maxSize int, now func() time.Time) *seenCache {
	if maxSize < 1 {
		maxSize = 1
	}
	return &seenCache{
		seen:    make(map[string]*seenEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     now,
	}
}

// CheckAndMark reports whether key was already seen within the TTL, and
// marks it seen if not.
func (c *seenCache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, ok := c.seen[key]; ok {
		if now.Sub(e.at) < c.ttl {
			return true
		}
		e.at = now
		c.order.MoveToBack(e.element)
		return false
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldestLocked()
	}
	c.seen[key] = &seenEntry{at: now, element: c.order.PushBack(key)}
	return false
}

func (c *seenCache) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

// Sweep drops expired keys and returns how many were removed.
func (c *seenCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for e := c.order.Front(); e != nil; {
		next := e.Next()
		key, _ := e.Value.(string)
		if now.Sub(c.seen[key].at) < c.ttl {
			// Entries are kept in mark order, so the rest are fresher.
			break
		}
		c.order.Remove(e)
		delete(c.seen, key)
		removed++
		e = next
	}
	return removed
}

// Len returns the number of remembered keys.
func (c *seenCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
