// Package memtable implements the concurrent in-memory map of live
// entries. Point reads take the shard's read lock for the slot lookup
// and then atomically load the version-head, inserts/deletes swing the
// head pointer, and older
// versions stay reachable through an append-only prev chain.
//
// Go has no standard lock-free skiplist, so keys route to one of a
// fixed number of shards, each holding a sorted slice index plus a map
// for O(1) point lookups; only the version-head pointer inside each
// slot is lock-free (go.uber.org/atomic.Pointer). Readers never take a
// per-key lock; they rely on the chain head swap being atomic.
package memtable

import (
	"bytes"
	"sort"
	"sync"

	"go.uber.org/atomic"
)

// Version is one MVCC version of a key; the key itself is implied by
// the map slot the version chain hangs off.
//
// PendingOwner is non-zero while the writing transaction has not yet
// committed or aborted: Visible ignores it (visibility is purely a
// function of CreatedTS/DeletedTS vs. a reader's snapshot), and
// internal/txn is responsible for treating a version with a nonzero
// PendingOwner as visible only to that one transaction (and to
// ReadUncommitted readers) and invisible to everyone else until it
// commits (or discarded via DiscardHead on abort).
type Version struct {
	Payload      []byte
	CreatedTS    int64
	DeletedTS    int64 // 0 means unset
	TTLms        int64 // 0 means no TTL
	PendingOwner uint64
	Prev         *Version
}

// Visible reports whether v is visible to a reader at snapshot ts:
// created at or before ts and not deleted as of ts. TTL is not
// evaluated here; it is a wall-clock concern handled by the caller
// (internal/txn), since this package has no notion of "now".
func (v *Version) Visible(ts int64) bool {
	if v.CreatedTS > ts {
		return false
	}
	if v.DeletedTS != 0 && v.DeletedTS <= ts {
		return false
	}
	return true
}

// head is one key's slot: an atomically-swung pointer to its newest
// version.
type head struct {
	key     []byte
	version atomic.Pointer[Version]
}

const shardCount = 32

type shard struct {
	mu     sync.RWMutex
	byKey  map[string]*head
	sorted []*head // kept sorted by key, for range scans
}

// Map is the sharded, MVCC-aware memory map.
type Map struct {
	shards   [shardCount]*shard
	capacity int // New's capacityHint, stored as given; the Map never acts on it
	size     atomic.Int64
}

// New creates a Map. capacityHint bounds the total number of live keys
// kept resident before callers should start demoting entries to the
// B-tree; it is advisory. Map itself never evicts.
func New(capacityHint int) *Map {
	m := &Map{capacity: capacityHint}
	for i := range m.shards {
		m.shards[i] = &shard{byKey: make(map[string]*head)}
	}
	return m
}

func shardFor(m *Map, key []byte) *shard {
	var h uint32 = 2166136261
	for _, b := range key {
		h ^= uint32(b)
		h *= 16777619
	}
	return m.shards[h%shardCount]
}

// GetHead returns the current newest version for key, or nil if the
// key has never been written (or was demoted out of the map).
func (m *Map) GetHead(key []byte) *Version {
	s := shardFor(m, key)
	s.mu.RLock()
	h, ok := s.byKey[string(key)]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	return h.version.Load()
}

// PushVersion installs v as the new head for key, chaining the
// previous head as v.Prev. This is the only way to add a version
// (DiscardHead and Evict remove them); the
// head pointer swap is a single atomic store, so concurrent readers
// never observe a half-built chain.
func (m *Map) PushVersion(key []byte, v *Version) {
	s := shardFor(m, key)
	s.mu.Lock()
	h, ok := s.byKey[string(key)]
	if !ok {
		h = &head{key: append([]byte(nil), key...)}
		s.byKey[string(key)] = h
		i := sort.Search(len(s.sorted), func(i int) bool { return bytes.Compare(s.sorted[i].key, key) >= 0 })
		s.sorted = append(s.sorted, nil)
		copy(s.sorted[i+1:], s.sorted[i:])
		s.sorted[i] = h
		m.size.Inc()
	}
	s.mu.Unlock()

	v.Prev = h.version.Load()
	h.version.Store(v)
}

// DiscardHead unlinks v from key's chain if it is still the current
// head, restoring v.Prev as the new head. Used to roll back an
// aborted transaction's pending write; a no-op if v is no longer the
// head (which should not happen under the engine's locking discipline,
// since a key's writer holds an exclusive lock for the lifetime of its
// pending version).
func (m *Map) DiscardHead(key []byte, v *Version) {
	s := shardFor(m, key)
	s.mu.RLock()
	h, ok := s.byKey[string(key)]
	s.mu.RUnlock()
	if !ok {
		return
	}
	h.version.CompareAndSwap(v, v.Prev)
}

// Evict removes key's slot entirely (used when demoting to the
// B-tree, and by the engine's TTL sweeper for expired keys).
func (m *Map) Evict(key []byte) {
	s := shardFor(m, key)
	s.mu.Lock()
	if _, ok := s.byKey[string(key)]; ok {
		delete(s.byKey, string(key))
		i := sort.Search(len(s.sorted), func(i int) bool { return bytes.Compare(s.sorted[i].key, key) >= 0 })
		if i < len(s.sorted) && bytes.Equal(s.sorted[i].key, key) {
			s.sorted = append(s.sorted[:i], s.sorted[i+1:]...)
		}
		m.size.Dec()
	}
	s.mu.Unlock()
}

// Len returns the number of resident keys, for admission-capacity
// decisions and stats.
func (m *Map) Len() int { return int(m.size.Load()) }

// Capacity returns the advisory capacity passed to New.
func (m *Map) Capacity() int { return m.capacity }

// Scan calls fn for every resident key in [lo, hi) in ascending order,
// stopping early if fn returns false. It does not take any per-key
// lock beyond each shard's scan-time read lock, so it may observe a
// concurrent PushVersion either before or after the call, never a
// torn version.
func (m *Map) Scan(lo, hi []byte, fn func(key []byte, v *Version) bool) {
	// Merge-iterate all shards in key order.
	type cursor struct {
		keys []*head
		pos  int
	}
	cursors := make([]cursor, shardCount)
	for i, s := range m.shards {
		s.mu.RLock()
		start := 0
		if lo != nil {
			start = sort.Search(len(s.sorted), func(j int) bool { return bytes.Compare(s.sorted[j].key, lo) >= 0 })
		}
		cursors[i] = cursor{keys: append([]*head(nil), s.sorted[start:]...)}
		s.mu.RUnlock()
	}
	for {
		best := -1
		for i, c := range cursors {
			if c.pos >= len(c.keys) {
				continue
			}
			if hi != nil && bytes.Compare(c.keys[c.pos].key, hi) >= 0 {
				cursors[i].pos = len(c.keys)
				continue
			}
			if best == -1 || bytes.Compare(c.keys[c.pos].key, cursors[best].keys[cursors[best].pos].key) < 0 {
				best = i
			}
		}
		if best == -1 {
			return
		}
		h := cursors[best].keys[cursors[best].pos]
		cursors[best].pos++
		if !fn(h.key, h.version.Load()) {
			return
		}
	}
}
