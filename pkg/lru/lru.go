// Package lru implements a bounded Least Recently Used map.
//
// When Put would exceed the capacity the least recently touched entry is
// dropped and handed to the eviction callback. RemoveIf supports periodic
// sweeps of stale entries.
//
// Thread Safety: NOT safe for concurrent use. Owners guard it with their own
// lock, which lets them combine several operations atomically.
package lru

import "container/list"

// Cache is a generic LRU map.
type Cache[K comparable, V any] struct {
	capacity int
	list     *list.List          // front = most recent
	items    map[K]*list.Element // key -> list element
	onEvict  func(K, V)
}

type entry[K comparable, V any] struct {
	key   K
	value V
}

// New creates a cache holding at most capacity entries (1000 if <= 0).
// onEvict, if non-nil, is called for every entry dropped to make room.
func New[K comparable, V any](capacity int, onEvict func(K, V)) *Cache[K, V] {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Cache[K, V]{
		capacity: capacity,
		list:     list.New(),
		items:    make(map[K]*list.Element),
		onEvict:  onEvict,
	}
}

// Get returns the value for key and marks it most recently used.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	if elem, ok := c.items[key]; ok {
		c.list.MoveToFront(elem)
		return elem.Value.(*entry[K, V]).value, true
	}
	var zero V
	return zero, false
}

// Peek returns the value for key without touching recency.
func (c *Cache[K, V]) Peek(key K) (V, bool) {
	if elem, ok := c.items[key]; ok {
		return elem.Value.(*entry[K, V]).value, true
	}
	var zero V
	return zero, false
}

// GetOrCreate returns the value for key, creating it with factory when
// absent. Creation may evict the least recently used entry.
func (c *Cache[K, V]) GetOrCreate(key K, factory func() V) V {
	if v, ok := c.Get(key); ok {
		return v
	}
	v := factory()
	c.Put(key, v)
	return v
}

// Put stores value under key and marks it most recently used.
func (c *Cache[K, V]) Put(key K, value V) {
	if elem, ok := c.items[key]; ok {
		c.list.MoveToFront(elem)
		elem.Value.(*entry[K, V]).value = value
		return
	}

	c.items[key] = c.list.PushFront(&entry[K, V]{key: key, value: value})
	for c.list.Len() > c.capacity {
		c.removeElement(c.list.Back(), true)
	}
}

// Delete removes key without calling the eviction callback.
func (c *Cache[K, V]) Delete(key K) bool {
	elem, ok := c.items[key]
	if !ok {
		return false
	}
	c.removeElement(elem, false)
	return true
}

// RemoveIf deletes every entry for which pred returns true, oldest first,
// and returns how many were removed. The eviction callback is not called.
func (c *Cache[K, V]) RemoveIf(pred func(K, V) bool) int {
	removed := 0
	for elem := c.list.Back(); elem != nil; {
		prev := elem.Prev()
		e := elem.Value.(*entry[K, V])
		if pred(e.key, e.value) {
			c.removeElement(elem, false)
			removed++
		}
		elem = prev
	}
	return removed
}

func (c *Cache[K, V]) removeElement(elem *list.Element, evicted bool) {
	e := elem.Value.(*entry[K, V])
	c.list.Remove(elem)
	delete(c.items, e.key)
	if evicted && c.onEvict != nil {
		c.onEvict(e.key, e.value)
	}
}

func (c *Cache[K, V]) Len() int { return c.list.Len() }

func (c *Cache[K, V]) Capacity() int { return c.capacity }

// Keys returns all keys, most recent first.
func (c *Cache[K, V]) Keys() []K {
	keys := make([]K, 0, c.list.Len())
	for elem := c.list.Front(); elem != nil; elem = elem.Next() {
		keys = append(keys, elem.Value.(*entry[K, V]).key)
	}
	return keys
}
