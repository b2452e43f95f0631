// Package mruc implements a bounded hash table with a recency list.
//
// Entries are owned by the caller and linked into the cache by handle, so a
// value can carry its own Entry and move in and out of the cache without
// allocating. When the cache grows past its capacity the least recently used
// entry is handed to the evictor, which must remove it. The cache does not
// know about reference counts: callers keep pinned values out of it.
package mruc

import "fmt"

// Evictor is called with the least recently used entry when the cache is over
// capacity. It must call Cache.Remove on the entry.
type Evictor[T any] func(e *Entry[T])

// Entry links a value into a Cache.
type Entry[T any] struct {
	Value T

	hash  uint64
	cache *Cache[T]

	// bucket chain
	bprev, bnext *Entry[T]
	// recency list, head is least recently used
	prev, next *Entry[T]
}

// NewEntry returns an unlinked entry for v.
func NewEntry[T any](v T) *Entry[T] {
	return &Entry[T]{Value: v}
}

// Hash returns the key the entry was added with.
func (e *Entry[T]) Hash() uint64 {
	return e.hash
}

// Cached reports whether the entry is currently linked into a cache.
func (e *Entry[T]) Cached() bool {
	return e.cache != nil
}

type Cache[T any] struct {
	buckets  []*Entry[T]
	head     *Entry[T]
	tail     *Entry[T]
	count    int
	capacity int
	evict    Evictor[T]
}

// New creates an empty cache. capacity and tableSize are clamped to 1.
func New[T any](capacity, tableSize int, evict Evictor[T]) *Cache[T] {
	if capacity < 1 {
		capacity = 1
	}
	if tableSize < 1 {
		tableSize = 1
	}
	return &Cache[T]{
		buckets:  make([]*Entry[T], tableSize),
		capacity: capacity,
		evict:    evict,
	}
}

func (c *Cache[T]) Len() int {
	return c.count
}

func (c *Cache[T]) Capacity() int {
	return c.capacity
}

// Add links e under hash as the most recently used entry and evicts until
// the cache is back within capacity. The evictor may call Add again.
func (c *Cache[T]) Add(e *Entry[T], hash uint64) {
	if e.cache != nil {
		panic("mruc: entry already cached")
	}

	e.hash = hash
	e.cache = c

	b := c.bucket(hash)
	e.bprev = nil
	e.bnext = c.buckets[b]
	if e.bnext != nil {
		e.bnext.bprev = e
	}
	c.buckets[b] = e

	c.append(e)
	c.count++

	for c.count > c.capacity {
		c.evictHead()
	}
}

// Remove unlinks e. Removing an entry that is not in this cache is a no-op.
func (c *Cache[T]) Remove(e *Entry[T]) {
	if e.cache != c {
		return
	}

	if e.bprev != nil {
		e.bprev.bnext = e.bnext
	} else {
		c.buckets[c.bucket(e.hash)] = e.bnext
	}
	if e.bnext != nil {
		e.bnext.bprev = e.bprev
	}
	e.bprev, e.bnext = nil, nil

	c.unlink(e)
	e.cache = nil
	c.count--
}

// Get returns the first entry whose full hash equals hash, or nil.
func (c *Cache[T]) Get(hash uint64) *Entry[T] {
	for e := c.buckets[c.bucket(hash)]; e != nil; e = e.bnext {
		if e.hash == hash {
			return e
		}
	}
	return nil
}

// Each calls fn for every entry sharing hash until fn returns true.
func (c *Cache[T]) Each(hash uint64, fn func(e *Entry[T]) bool) *Entry[T] {
	for e := c.buckets[c.bucket(hash)]; e != nil; e = e.bnext {
		if e.hash == hash && fn(e) {
			return e
		}
	}
	return nil
}

// Bump marks e as the most recently used entry.
func (c *Cache[T]) Bump(e *Entry[T]) {
	if e.cache != c || c.tail == e {
		return
	}
	c.unlink(e)
	c.append(e)
}

// LRU returns the next eviction candidate, or nil when empty.
func (c *Cache[T]) LRU() *Entry[T] {
	return c.head
}

// Entries returns the cached entries, least recently used first.
func (c *Cache[T]) Entries() []*Entry[T] {
	out := make([]*Entry[T], 0, c.count)
	for e := c.head; e != nil; e = e.next {
		out = append(out, e)
	}
	return out
}

// Flush evicts every entry, oldest first.
func (c *Cache[T]) Flush() {
	for c.head != nil {
		c.evictHead()
	}
}

func (c *Cache[T]) evictHead() {
	victim := c.head
	c.evict(victim)
	if victim.cache == c {
		panic(fmt.Sprintf("mruc: evictor kept entry %#x", victim.hash))
	}
}

func (c *Cache[T]) bucket(hash uint64) int {
	return int(hash % uint64(len(c.buckets)))
}

func (c *Cache[T]) append(e *Entry[T]) {
	e.next = nil
	e.prev = c.tail
	if c.tail != nil {
		c.tail.next = e
	} else {
		c.head = e
	}
	c.tail = e
}

func (c *Cache[T]) unlink(e *Entry[T]) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev, e.next = nil, nil
}
