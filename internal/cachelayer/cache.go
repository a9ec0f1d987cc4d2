// Package cachelayer implements a bounded, sharded LRU cache keyed by
// opaque byte keys, with write policies, per-entry TTL, a dependency
// graph for cascading invalidation, and a pub/sub stream of
// invalidation events. Shards are routed by xxhash so hot keys don't
// contend on one global mutex.
package cachelayer

import (
	"container/list"
	"strings"
	"sync"
	"time"

	"github.com/OneOfOne/xxhash"
	"go.uber.org/atomic"
)

// Policy selects how writes interact with the backing store.
type Policy int

const (
	WriteThrough Policy = iota
	WriteBack
	WriteAround
	ReadThrough
)

// Store is the backing store a WriteThrough/WriteBack/ReadThrough
// cache propagates to or populates from. The engine implements it over
// its B-tree (btreeStore).
type Store interface {
	Load(key []byte) ([]byte, bool, error)
	Save(key, value []byte) error
}

// InvalidationEvent is published to subscribers whenever a key is
// invalidated, directly or via dependency cascade.
type InvalidationEvent struct {
	Key    []byte
	Cause  string // "ttl", "evict", "explicit" (also InvalidatePrefix), "cascade"
	Parent []byte // set only for "cascade"
}

type entry struct {
	key        string
	raw        []byte
	value      []byte
	ttlMs      int64
	lastAccess int64 // unix millis
	dirty      bool
	elem       *list.Element
}

type shard struct {
	mu       sync.Mutex
	items    map[string]*entry
	order    *list.List // front = most recently used
	children map[string]map[string]bool
}

// Config controls a Cache's policy, capacity, and TTL sweep cadence.
type Config struct {
	Policy        Policy
	ShardCapacity int // max resident entries per shard
	SweepInterval time.Duration
	HitRateFloor  float64       // low-hit-rate warning threshold, e.g. 0.5
	HitRateWindow time.Duration // sliding window over which hit rate is measured
	Store         Store
}

const shardCount = 16

// Cache is the bounded, policy-driven LRU.
type Cache struct {
	cfg    Config
	shards [shardCount]*shard

	hits   atomic.Uint64
	misses atomic.Uint64

	subMu sync.Mutex
	subs  []chan InvalidationEvent

	windowMu    sync.Mutex
	windowStart time.Time
	windowHits  int
	windowTotal int
	lowHitWarn  atomic.Bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Cache. If cfg.SweepInterval is zero TTL sweeping is
// disabled (entries still expire lazily on access).
func New(cfg Config) *Cache {
	if cfg.ShardCapacity <= 0 {
		cfg.ShardCapacity = 1024
	}
	if cfg.HitRateWindow <= 0 {
		cfg.HitRateWindow = time.Minute
	}
	c := &Cache{cfg: cfg, windowStart: time.Now()}
	for i := range c.shards {
		c.shards[i] = &shard{items: make(map[string]*entry), order: list.New(), children: make(map[string]map[string]bool)}
	}
	if cfg.SweepInterval > 0 {
		c.stopCh = make(chan struct{})
		c.doneCh = make(chan struct{})
		go c.sweepLoop()
	}
	return c
}

func (c *Cache) shardFor(key []byte) *shard {
	h := xxhash.New64()
	h.Write(key)
	return c.shards[h.Sum64()%shardCount]
}

func nowMillis() int64 { return time.Now().UnixNano() / int64(time.Millisecond) }

// Get returns the cached value for key. On a ReadThrough policy, a
// miss populates the cache from cfg.Store before returning.
func (c *Cache) Get(key []byte) ([]byte, bool, error) {
	s := c.shardFor(key)
	s.mu.Lock()
	e, ok := s.items[string(key)]
	if ok && c.expiredLocked(e) {
		s.evictLocked(e)
		ok = false
	}
	if ok {
		e.lastAccess = nowMillis()
		s.order.MoveToFront(e.elem)
		val := e.value
		s.mu.Unlock()
		c.recordAccess(true)
		return val, true, nil
	}
	s.mu.Unlock()
	c.recordAccess(false)

	if c.cfg.Policy != ReadThrough || c.cfg.Store == nil {
		return nil, false, nil
	}
	val, found, err := c.cfg.Store.Load(key)
	if err != nil || !found {
		return nil, false, err
	}
	c.Put(key, val, 0)
	return val, true, nil
}

func (c *Cache) expiredLocked(e *entry) bool {
	if e.ttlMs <= 0 {
		return false
	}
	return nowMillis()-e.lastAccess > e.ttlMs
}

// Put installs key=value with the given TTL (milliseconds, 0 = none),
// applying the configured write policy.
func (c *Cache) Put(key, value []byte, ttlMs int64) error {
	if c.cfg.Policy == WriteAround {
		if c.cfg.Store != nil {
			return c.cfg.Store.Save(key, value)
		}
		return nil
	}
	if c.cfg.Policy == WriteThrough && c.cfg.Store != nil {
		if err := c.cfg.Store.Save(key, value); err != nil {
			return err
		}
	}

	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.items[string(key)]; ok {
		e.value = append([]byte(nil), value...)
		e.ttlMs = ttlMs
		e.lastAccess = nowMillis()
		e.dirty = c.cfg.Policy == WriteBack
		s.order.MoveToFront(e.elem)
		return nil
	}

	if len(s.items) >= c.cfg.ShardCapacity {
		if back := s.order.Back(); back != nil {
			c.evictEntry(s, back.Value.(*entry), "evict")
		}
	}

	e := &entry{
		key:        string(key),
		raw:        append([]byte(nil), key...),
		value:      append([]byte(nil), value...),
		ttlMs:      ttlMs,
		lastAccess: nowMillis(),
		dirty:      c.cfg.Policy == WriteBack,
	}
	e.elem = s.order.PushFront(e)
	s.items[e.key] = e
	return nil
}

// evictLocked removes e from its shard without flushing (used for
// lazily-discovered TTL expiry, where the value is already stale).
// Caller holds s.mu.
func (s *shard) evictLocked(e *entry) {
	delete(s.items, e.key)
	s.order.Remove(e.elem)
}

// evictEntry removes e, flushing it first if dirty (WriteBack), then
// publishes an invalidation event. Caller holds s.mu.
func (c *Cache) evictEntry(s *shard, e *entry, cause string) {
	if e.dirty && c.cfg.Store != nil {
		_ = c.cfg.Store.Save(e.raw, e.value) // best-effort; engine logs failures upstream
	}
	s.evictLocked(e)
	c.publish(InvalidationEvent{Key: e.raw, Cause: cause})
}

// AddDependency declares that child's cache entry should be
// invalidated whenever parent is invalidated.
func (c *Cache) AddDependency(parent, child []byte) {
	s := c.shardFor(parent)
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.children[string(parent)]
	if !ok {
		set = make(map[string]bool)
		s.children[string(parent)] = set
	}
	set[string(child)] = true
}

// Invalidate removes key (and, via the dependency graph, every
// transitive child) from the cache. Dependencies are tracked per-shard
// keyed by the parent; cross-shard children are still found since the
// graph is indexed by parent key regardless of which shard the child
// itself lives in.
func (c *Cache) Invalidate(key []byte) {
	c.invalidateCascade(key, nil)
}

func (c *Cache) invalidateCascade(key, parent []byte) {
	s := c.shardFor(key)
	s.mu.Lock()
	e, ok := s.items[string(key)]
	var children map[string]bool
	if ok {
		s.evictLocked(e)
	}
	if set, has := s.children[string(key)]; has {
		children = set
		delete(s.children, string(key))
	}
	s.mu.Unlock()

	cause := "explicit"
	if parent != nil {
		cause = "cascade"
	}
	c.publish(InvalidationEvent{Key: key, Cause: cause, Parent: parent})

	for childKey := range children {
		c.invalidateCascade([]byte(childKey), key)
	}
}

// InvalidatePrefix invalidates every resident key with the given
// prefix (a linear shard scan; cache sizes are bounded by
// cfg.ShardCapacity so this stays cheap).
func (c *Cache) InvalidatePrefix(prefix []byte) {
	p := string(prefix)
	var matched [][]byte
	for _, s := range c.shards {
		s.mu.Lock()
		for k, e := range s.items {
			if strings.HasPrefix(k, p) {
				matched = append(matched, append([]byte(nil), e.raw...))
			}
		}
		s.mu.Unlock()
	}
	for _, k := range matched {
		c.invalidateCascade(k, nil)
	}
}

// Subscribe returns a channel of invalidation events. The channel is
// buffered; a slow subscriber drops events rather than blocking
// Invalidate callers.
func (c *Cache) Subscribe() <-chan InvalidationEvent {
	ch := make(chan InvalidationEvent, 64)
	c.subMu.Lock()
	c.subs = append(c.subs, ch)
	c.subMu.Unlock()
	return ch
}

func (c *Cache) publish(ev InvalidationEvent) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (c *Cache) recordAccess(hit bool) {
	if hit {
		c.hits.Inc()
	} else {
		c.misses.Inc()
	}

	c.windowMu.Lock()
	if time.Since(c.windowStart) > c.cfg.HitRateWindow {
		c.windowStart = time.Now()
		c.windowHits = 0
		c.windowTotal = 0
	}
	c.windowTotal++
	if hit {
		c.windowHits++
	}
	rate := 1.0
	if c.windowTotal > 0 {
		rate = float64(c.windowHits) / float64(c.windowTotal)
	}
	belowFloor := c.cfg.HitRateFloor > 0 && c.windowTotal >= 32 && rate < c.cfg.HitRateFloor
	c.windowMu.Unlock()

	c.lowHitWarn.Store(belowFloor)
}

// LowHitRateWarning reports whether the sliding-window hit rate has
// dropped below cfg.HitRateFloor.
func (c *Cache) LowHitRateWarning() bool { return c.lowHitWarn.Load() }

// Stats is a snapshot of cache counters for the observability surface.
type Stats struct {
	Hits, Misses uint64
	HitRate      float64
}

func (c *Cache) Stats() Stats {
	h, m := c.hits.Load(), c.misses.Load()
	rate := 0.0
	if h+m > 0 {
		rate = float64(h) / float64(h+m)
	}
	return Stats{Hits: h, Misses: m, HitRate: rate}
}

// sweepLoop is the background TTL sweeper.
func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	defer close(c.doneCh)
	for {
		select {
		case <-ticker.C:
			c.sweepOnce()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Cache) sweepOnce() {
	for _, s := range c.shards {
		s.mu.Lock()
		var expired []*entry
		for _, e := range s.items {
			if c.expiredLocked(e) {
				expired = append(expired, e)
			}
		}
		for _, e := range expired {
			c.evictEntry(s, e, "ttl")
		}
		s.mu.Unlock()
	}
}

// Close stops the TTL sweeper (if running) and, for WriteBack, flushes
// every dirty entry to cfg.Store.
func (c *Cache) Close() error {
	if c.stopCh != nil {
		close(c.stopCh)
		<-c.doneCh
	}
	if c.cfg.Policy != WriteBack || c.cfg.Store == nil {
		return nil
	}
	for _, s := range c.shards {
		s.mu.Lock()
		for _, e := range s.items {
			if e.dirty {
				if err := c.cfg.Store.Save(e.raw, e.value); err != nil {
					s.mu.Unlock()
					return err
				}
				e.dirty = false
			}
		}
		s.mu.Unlock()
	}
	return nil
}
