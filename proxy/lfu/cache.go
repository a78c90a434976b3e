// Package lfu implements the bounded score cache that sits in front of the
// scoring backend.
//
// A Cache maps a 128-bit Key to a float64 score and evicts the least frequently
// used entry when full, breaking frequency ties by evicting the entry inserted
// first. New entries start at frequency 1; every Get hit and every overwriting
// Put adds one.
//
// The capacity can be split across independently locked shards (WithShards) so
// that concurrent callers touching different keys rarely contend. With a single
// shard the eviction order is exactly the global LFU order; with several shards
// it is exact within each shard.
package lfu

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// ErrInvalidCapacity is returned by New when the capacity is not positive.
var ErrInvalidCapacity = errors.New("lfu: capacity must be > 0")

// Key is a 128-bit cache key. Both halves are expected to be well-distributed
// hashes; shard selection uses them directly.
type Key struct {
	Context uint64
	Item    uint64
}

// String renders the key as 32 hex digits.
func (k Key) String() string {
	return fmt.Sprintf("%016x%016x", k.Context, k.Item)
}

// EvictionHook is called with every evicted key and its score, after the
// owning shard's lock has been released.
type EvictionHook func(key Key, score float64)

type options struct {
	shards  int
	onEvict EvictionHook
}

// Option configures a Cache.
type Option func(*options)

// WithShards splits the capacity across n shards. n is clamped to [1, capacity].
func WithShards(n int) Option {
	return func(o *options) { o.shards = n }
}

// WithEvictionHook registers fn to observe evictions.
func WithEvictionHook(fn EvictionHook) Option {
	return func(o *options) { o.onEvict = fn }
}

// Cache is a fixed-capacity LFU cache safe for concurrent use.
type Cache struct {
	shards   []*shard
	capacity int
	onEvict  EvictionHook

	hits      atomic.Uint64
	misses    atomic.Uint64
	inserts   atomic.Uint64
	updates   atomic.Uint64
	evictions atomic.Uint64
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Capacity  int    `json:"capacity"`
	Shards    int    `json:"shards"`
	Size      int    `json:"size"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Inserts   uint64 `json:"inserts"`
	Updates   uint64 `json:"updates"`
	Evictions uint64 `json:"evictions"`
}

// HitRate returns hits / (hits + misses), or 0 before any lookup.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// New creates a cache holding at most capacity entries.
func New(capacity int, opts ...Option) (*Cache, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w, got %d", ErrInvalidCapacity, capacity)
	}
	o := options{shards: 1}
	for _, opt := range opts {
		opt(&o)
	}
	n := o.shards
	if n < 1 {
		n = 1
	}
	if n > capacity {
		n = capacity
	}

	c := &Cache{
		shards:   make([]*shard, n),
		capacity: capacity,
		onEvict:  o.onEvict,
	}
	base, rem := capacity/n, capacity%n
	for i := range c.shards {
		shardCap := base
		if i < rem {
			shardCap++
		}
		c.shards[i] = newShard(shardCap)
	}
	return c, nil
}

func (c *Cache) shardFor(k Key) *shard {
	if len(c.shards) == 1 {
		return c.shards[0]
	}
	return c.shards[(k.Context^k.Item)%uint64(len(c.shards))]
}

// Get returns the cached score for k. A hit increments the entry's frequency;
// a miss has no side effect on the stored entries.
func (c *Cache) Get(k Key) (float64, bool) {
	score, ok := c.shardFor(k).get(k)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return score, ok
}

// Peek returns the cached score and access frequency for k without counting
// an access.
func (c *Cache) Peek(k Key) (score float64, freq uint64, ok bool) {
	return c.shardFor(k).peek(k)
}

// Put inserts or overwrites the score for k, evicting from k's shard if needed.
func (c *Cache) Put(k Key, score float64) {
	victim, inserted := c.shardFor(k).put(k, score)
	if !inserted {
		c.updates.Add(1)
		return
	}
	c.inserts.Add(1)
	if victim != nil {
		c.evictions.Add(1)
		if c.onEvict != nil {
			c.onEvict(victim.key, victim.score)
		}
	}
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	n := 0
	for _, s := range c.shards {
		n += s.len()
	}
	return n
}

// Capacity returns the fixed maximum number of entries.
func (c *Cache) Capacity() int { return c.capacity }

// Shards returns the number of independently locked shards.
func (c *Cache) Shards() int { return len(c.shards) }

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Capacity:  c.capacity,
		Shards:    len(c.shards),
		Size:      c.Len(),
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Inserts:   c.inserts.Load(),
		Updates:   c.updates.Load(),
		Evictions: c.evictions.Load(),
	}
}
