package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Store is the key-value backend of the cache layer. Every write is
// idempotent so a retried call racing the original is harmless.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value under key and registers key under each source id.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration, sources []string) error
	// Generation returns the current invalidation generation. It moves on
	// every Invalidate and Purge, across every client of the store.
	Generation(ctx context.Context) (uint64, error)
	// SetIfCurrent is Set, skipped when any of sources was invalidated, or
	// the store purged, after generation gen. It reports whether it stored.
	SetIfCurrent(ctx context.Context, key string, value []byte, ttl time.Duration, sources []string, gen uint64) (bool, error)
	// SetNX stores value only if key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// CompareAndDelete removes key only while it still holds value.
	CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	// Invalidate removes every key registered under source and returns how many.
	Invalidate(ctx context.Context, source string) (int, error)
	Purge(ctx context.Context) error
}

type entry struct {
	key     string
	value   []byte
	expires time.Time
	sources []string
	element *list.Element
}

// LRU is an in-process Store with a capacity bound and lazy TTL expiry.
type LRU struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*entry
	bySource map[string]map[string]struct{}
	order    *list.List
	now      func() time.Time

	gen      uint64
	srcGen   map[string]uint64
	purgedAt uint64
}

// NewLRU creates an LRU store holding at most capacity keys.
func NewLRU(capacity int) *LRU {
	if capacity <= 0 {
		capacity = 512
	}
	return &LRU{
		capacity: capacity,
		items:    make(map[string]*entry, capacity),
		bySource: make(map[string]map[string]struct{}),
		order:    list.New(),
		now:      time.Now,
		srcGen:   make(map[string]uint64),
	}
}

// SetClock replaces time.Now; tests use it to expire entries.
func (c *LRU) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

func (c *LRU) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ent, ok := c.items[key]; ok {
		if ent.expires.IsZero() || c.now().Before(ent.expires) {
			c.order.MoveToFront(ent.element)
			return ent.value, true, nil
		}
		c.removeEntry(ent)
	}
	return nil, false, nil
}

func (c *LRU) Set(_ context.Context, key string, value []byte, ttl time.Duration, sources []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.set(key, value, ttl, sources)
	return nil
}

func (c *LRU) Generation(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen, nil
}

func (c *LRU) SetIfCurrent(_ context.Context, key string, value []byte, ttl time.Duration, sources []string, gen uint64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.purgedAt > gen {
		return false, nil
	}
	for _, s := range sources {
		if c.srcGen[s] > gen {
			return false, nil
		}
	}
	c.set(key, value, ttl, sources)
	return true, nil
}

func (c *LRU) set(key string, value []byte, ttl time.Duration, sources []string) {
	if ent, ok := c.items[key]; ok {
		c.removeEntry(ent)
	}
	if len(c.items) >= c.capacity {
		c.evictOldest()
	}
	elem := c.order.PushFront(key)
	c.items[key] = &entry{
		key:     key,
		value:   value,
		expires: c.computeExpiry(ttl),
		sources: sources,
		element: elem,
	}
	for _, s := range sources {
		keys, ok := c.bySource[s]
		if !ok {
			keys = make(map[string]struct{})
			c.bySource[s] = keys
		}
		keys[key] = struct{}{}
	}
}

func (c *LRU) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ent, ok := c.items[key]; ok {
		if ent.expires.IsZero() || c.now().Before(ent.expires) {
			return false, nil
		}
		c.removeEntry(ent)
	}
	c.set(key, value, ttl, nil)
	return true, nil
}

func (c *LRU) CompareAndDelete(_ context.Context, key string, value []byte) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ent, ok := c.items[key]
	if !ok || string(ent.value) != string(value) {
		return false, nil
	}
	c.removeEntry(ent)
	return true, nil
}

func (c *LRU) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		if ent, ok := c.items[k]; ok {
			c.removeEntry(ent)
		}
	}
	return nil
}

func (c *LRU) Invalidate(_ context.Context, source string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k := range c.bySource[source] {
		if ent, ok := c.items[k]; ok {
			c.removeEntry(ent)
			n++
		}
	}
	delete(c.bySource, source)
	c.gen++
	c.srcGen[source] = c.gen
	return n, nil
}

func (c *LRU) Purge(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*entry, c.capacity)
	c.bySource = make(map[string]map[string]struct{})
	c.order.Init()
	c.gen++
	c.purgedAt = c.gen
	// The purge mark covers every earlier source invalidation.
	c.srcGen = make(map[string]uint64)
	return nil
}

// Len returns the number of stored keys, expired ones included.
func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *LRU) computeExpiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return c.now().Add(ttl)
}

func (c *LRU) evictOldest() {
	elem := c.order.Back()
	if elem == nil {
		return
	}
	key := elem.Value.(string)
	if ent, ok := c.items[key]; ok {
		c.removeEntry(ent)
	}
}

func (c *LRU) removeEntry(ent *entry) {
	if ent.element != nil {
		c.order.Remove(ent.element)
	}
	for _, s := range ent.sources {
		if keys, ok := c.bySource[s]; ok {
			delete(keys, ent.key)
			if len(keys) == 0 {
				delete(c.bySource, s)
			}
		}
	}
	delete(c.items, ent.key)
}
