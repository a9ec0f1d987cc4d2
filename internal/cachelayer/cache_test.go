package cachelayer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	data map[string][]byte
}

func newMemStore() *memStore { return &memStore{data: make(map[string][]byte)} }

func (m *memStore) Load(key []byte) ([]byte, bool, error) {
	v, ok := m.data[string(key)]
	return v, ok, nil
}

func (m *memStore) Save(key, value []byte) error {
	m.data[string(key)] = append([]byte(nil), value...)
	return nil
}

func TestPutGetRoundTrip(t *testing.T) {
	c := New(Config{Policy: WriteThrough})
	require.NoError(t, c.Put([]byte("k"), []byte("v"), 0))
	v, ok, err := c.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), v)
}

func TestWriteThroughPropagatesImmediately(t *testing.T) {
	store := newMemStore()
	c := New(Config{Policy: WriteThrough, Store: store})
	require.NoError(t, c.Put([]byte("k"), []byte("v1"), 0))
	assert.Equal(t, []byte("v1"), store.data["k"])
}

func TestWriteAroundBypassesCache(t *testing.T) {
	store := newMemStore()
	c := New(Config{Policy: WriteAround, Store: store})
	require.NoError(t, c.Put([]byte("k"), []byte("v1"), 0))
	assert.Equal(t, []byte("v1"), store.data["k"])
	_, ok, _ := c.Get([]byte("k"))
	assert.False(t, ok)
}

func TestWriteBackFlushesOnClose(t *testing.T) {
	store := newMemStore()
	c := New(Config{Policy: WriteBack, Store: store})
	require.NoError(t, c.Put([]byte("k"), []byte("v1"), 0))
	assert.Nil(t, store.data["k"])
	require.NoError(t, c.Close())
	assert.Equal(t, []byte("v1"), store.data["k"])
}

func TestReadThroughPopulatesOnMiss(t *testing.T) {
	store := newMemStore()
	store.data["k"] = []byte("fromstore")
	c := New(Config{Policy: ReadThrough, Store: store})
	v, ok, err := c.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("fromstore"), v)

	// second get is a cache hit, no further store involvement needed
	v2, ok2, err := c.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok2)
	assert.Equal(t, v, v2)
}

func TestTTLExpiryOnAccess(t *testing.T) {
	c := New(Config{Policy: WriteThrough})
	require.NoError(t, c.Put([]byte("k"), []byte("v"), 1))
	time.Sleep(5 * time.Millisecond)
	_, ok, _ := c.Get([]byte("k"))
	assert.False(t, ok)
}

func TestBackgroundSweeperRemovesExpiredEntries(t *testing.T) {
	c := New(Config{Policy: WriteThrough, SweepInterval: 5 * time.Millisecond})
	defer c.Close()
	sub := c.Subscribe()
	require.NoError(t, c.Put([]byte("k"), []byte("v"), 1))

	select {
	case ev := <-sub:
		assert.Equal(t, "ttl", ev.Cause)
	case <-time.After(time.Second):
		t.Fatal("sweeper never published a ttl invalidation event")
	}
}

func TestDependencyInvalidationCascades(t *testing.T) {
	c := New(Config{Policy: WriteThrough})
	require.NoError(t, c.Put([]byte("parent"), []byte("p"), 0))
	require.NoError(t, c.Put([]byte("child"), []byte("c"), 0))
	c.AddDependency([]byte("parent"), []byte("child"))

	sub := c.Subscribe()
	c.Invalidate([]byte("parent"))

	_, ok, _ := c.Get([]byte("parent"))
	assert.False(t, ok)
	_, ok, _ = c.Get([]byte("child"))
	assert.False(t, ok)

	events := map[string]int{}
	for i := 0; i < 2; i++ {
		select {
		case ev := <-sub:
			events[ev.Cause]++
		case <-time.After(time.Second):
			t.Fatal("missing invalidation event")
		}
	}
	assert.Equal(t, 1, events["explicit"])
	assert.Equal(t, 1, events["cascade"])
}

func TestInvalidatePrefix(t *testing.T) {
	c := New(Config{Policy: WriteThrough})
	require.NoError(t, c.Put([]byte("users/1"), []byte("a"), 0))
	require.NoError(t, c.Put([]byte("users/2"), []byte("b"), 0))
	require.NoError(t, c.Put([]byte("orders/1"), []byte("c"), 0))

	c.InvalidatePrefix([]byte("users/"))

	_, ok, _ := c.Get([]byte("users/1"))
	assert.False(t, ok)
	_, ok, _ = c.Get([]byte("users/2"))
	assert.False(t, ok)
	_, ok, _ = c.Get([]byte("orders/1"))
	assert.True(t, ok)
}

func TestEvictionOnCapacity(t *testing.T) {
	c := New(Config{Policy: WriteThrough, ShardCapacity: 1})
	// 64 distinct keys spread over the shards by hash: capacity 1 per
	// shard means each key landing in an occupied shard evicts the
	// shard's previous entry, so no shard ends up holding more than one.
	for i := 0; i < 64; i++ {
		require.NoError(t, c.Put([]byte{byte(i)}, []byte{byte(i)}, 0))
	}
	for _, s := range c.shards {
		assert.LessOrEqual(t, len(s.items), 1)
	}
	stats := c.Stats()
	assert.Equal(t, uint64(0), stats.Hits+stats.Misses) // Put never records a hit/miss
}

func TestHitRateStats(t *testing.T) {
	c := New(Config{Policy: WriteThrough})
	require.NoError(t, c.Put([]byte("k"), []byte("v"), 0))
	_, _, _ = c.Get([]byte("k"))
	_, _, _ = c.Get([]byte("missing"))
	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.InDelta(t, 0.5, stats.HitRate, 0.001)
}
