package lfu

import (
	"container/heap"
	"fmt"
	"sync"
)

// entry is one cached score plus its LFU bookkeeping.
type entry struct {
	key   Key
	score float64
	freq  uint64 // accesses, including the insert itself
	seq   uint64 // insertion stamp; lower is older
	index int    // position in the shard's eviction heap
}

// evictionOrder is a min-heap over (freq, seq): the root is the least frequently
// used entry, and among equal frequencies the one inserted first.
type evictionOrder []*entry

func (h evictionOrder) Len() int { return len(h) }

func (h evictionOrder) Less(i, j int) bool {
	if h[i].freq != h[j].freq {
		return h[i].freq < h[j].freq
	}
	return h[i].seq < h[j].seq
}

func (h evictionOrder) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *evictionOrder) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *evictionOrder) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// shard is an exact LFU cache guarded by its own mutex. Every operation holds
// the lock for one map access plus at most one heap fix, push and pop.
type shard struct {
	mu       sync.Mutex
	capacity int
	entries  map[Key]*entry
	order    evictionOrder
	seq      uint64
}

func newShard(capacity int) *shard {
	return &shard{
		capacity: capacity,
		entries:  make(map[Key]*entry),
		order:    make(evictionOrder, 0),
	}
}

// get returns the score for k and counts the access.
func (s *shard) get(k Key) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[k]
	if !ok {
		return 0, false
	}
	e.freq++
	heap.Fix(&s.order, e.index)
	return e.score, true
}

// peek returns the score and frequency for k without counting an access.
func (s *shard) peek(k Key) (float64, uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[k]
	if !ok {
		return 0, 0, false
	}
	return e.score, e.freq, true
}

// put inserts or overwrites k. An overwrite counts as one access and keeps the
// entry's insertion stamp. When a new key does not fit, the minimum of the
// eviction order is removed first and returned.
func (s *shard) put(k Key, score float64) (victim *entry, inserted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[k]; ok {
		e.score = score
		e.freq++
		heap.Fix(&s.order, e.index)
		return nil, false
	}

	if len(s.entries) >= s.capacity {
		victim = heap.Pop(&s.order).(*entry)
		delete(s.entries, victim.key)
	}

	s.seq++
	e := &entry{key: k, score: score, freq: 1, seq: s.seq}
	heap.Push(&s.order, e)
	s.entries[k] = e

	if len(s.entries) > s.capacity || len(s.entries) != len(s.order) {
		panic(fmt.Sprintf("lfu: shard holds %d entries (%d ordered) with capacity %d",
			len(s.entries), len(s.order), s.capacity))
	}
	return victim, true
}

func (s *shard) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
