package loader

import (
	"container/list"
	"context"
	"sync"

	"modgraph/internal/core/ports"
)

// LRUCache is a thread-safe, capacity-bounded least-recently-used cache.
type LRUCache[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	items    map[K]*list.Element
	order    *list.List // front = most recently used
}

type lruEntry[K comparable, V any] struct {
	key   K
	value V
}

// NewLRUCache creates a cache; capacities below 1 are treated as 1.
func NewLRUCache[K comparable, V any](capacity int) *LRUCache[K, V] {
	if capacity <= 0 {
		capacity = 1
	}
	return &LRUCache[K, V]{
		capacity: capacity,
		items:    make(map[K]*list.Element, capacity),
		order:    list.New(),
	}
}

func (c *LRUCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*lruEntry[K, V]).value, true
}

// Put inserts or replaces key, evicting the least recently used entry when
// the cache is full.
func (c *LRUCache[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.order.MoveToFront(el)
		el.Value.(*lruEntry[K, V]).value = value
		return
	}
	if c.order.Len() >= c.capacity {
		if back := c.order.Back(); back != nil {
			c.order.Remove(back)
			delete(c.items, back.Value.(*lruEntry[K, V]).key)
		}
	}
	c.items[key] = c.order.PushFront(&lruEntry[K, V]{key: key, value: value})
}

func (c *LRUCache[K, V]) Evict(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.order.Remove(el)
		delete(c.items, key)
	}
}

func (c *LRUCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *LRUCache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.items = make(map[K]*list.Element, c.capacity)
}

// Caching keeps successful responses from the wrapped loader, keyed by URL.
// Failures and non-2xx responses are never cached, so a later settings
// object can retry them.
type Caching struct {
	next  ports.ResourceLoader
	cache *LRUCache[string, *ports.ResourceResponse]
}

func NewCaching(next ports.ResourceLoader, capacity int) *Caching {
	return &Caching{next: next, cache: NewLRUCache[string, *ports.ResourceResponse](capacity)}
}

func (c *Caching) Load(ctx context.Context, req ports.ResourceRequest) (*ports.ResourceResponse, error) {
	if resp, ok := c.cache.Get(req.URL); ok {
		return resp, nil
	}
	resp, err := c.next.Load(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.OK() {
		c.cache.Put(req.URL, resp)
	}
	return resp, nil
}

// Invalidate drops a cached URL, e.g. after the watcher saw its file change.
func (c *Caching) Invalidate(url string) { c.cache.Evict(url) }

func (c *Caching) Purge() { c.cache.Clear() }

func (c *Caching) Len() int { return c.cache.Len() }
