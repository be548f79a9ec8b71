package lru

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCache_Basic(t *testing.T) {
	cache := New[string, int](10, nil)

	cache.Put("a", 1)
	cache.Put("b", 2)

	v, ok := cache.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = cache.Get("missing")
	assert.False(t, ok)
	assert.Equal(t, 2, cache.Len())
}

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	var evicted []string
	cache := New[string, int](3, func(k string, _ int) { evicted = append(evicted, k) })

	cache.Put("a", 1)
	cache.Put("b", 2)
	cache.Put("c", 3)
	cache.Get("a")
	cache.Put("d", 4)

	assert.Equal(t, []string{"b"}, evicted)
	_, ok := cache.Peek("b")
	assert.False(t, ok)
	assert.Equal(t, []string{"d", "a", "c"}, cache.Keys())
}

func TestCache_PeekDoesNotTouchRecency(t *testing.T) {
	cache := New[string, int](2, nil)
	cache.Put("a", 1)
	cache.Put("b", 2)

	cache.Peek("a")
	cache.Put("c", 3)

	_, ok := cache.Peek("a")
	assert.False(t, ok, "a was only peeked, so it stayed least recent")
}

func TestCache_GetOrCreate(t *testing.T) {
	cache := New[string, []int](4, nil)
	calls := 0
	factory := func() []int { calls++; return nil }

	cache.GetOrCreate("k", factory)
	cache.GetOrCreate("k", factory)
	assert.Equal(t, 1, calls)
}

func TestCache_RemoveIf(t *testing.T) {
	evictions := 0
	cache := New[string, int](10, func(string, int) { evictions++ })
	for i, k := range []string{"a", "b", "c", "d"} {
		cache.Put(k, i)
	}

	removed := cache.RemoveIf(func(_ string, v int) bool { return v%2 == 0 })
	assert.Equal(t, 2, removed)
	assert.Equal(t, []string{"d", "b"}, cache.Keys())
	assert.Zero(t, evictions)
}

func TestCache_Delete(t *testing.T) {
	cache := New[string, int](2, nil)
	cache.Put("a", 1)
	assert.True(t, cache.Delete("a"))
	assert.False(t, cache.Delete("a"))
	assert.Zero(t, cache.Len())
}

func TestCache_DefaultCapacity(t *testing.T) {
	assert.Equal(t, 1000, New[int, int](0, nil).Capacity())
}
