package memtable

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetHeadUnknownKey(t *testing.T) {
	m := New(64)
	assert.Nil(t, m.GetHead([]byte("missing")))
}

func TestPushVersionChainsPrev(t *testing.T) {
	m := New(64)
	v1 := &Version{Payload: []byte("v1"), CreatedTS: 10}
	v2 := &Version{Payload: []byte("v2"), CreatedTS: 20}

	m.PushVersion([]byte("k"), v1)
	m.PushVersion([]byte("k"), v2)

	head := m.GetHead([]byte("k"))
	require.Same(t, v2, head)
	require.Same(t, v1, head.Prev)
	assert.Nil(t, v1.Prev)
	assert.Equal(t, 1, m.Len())
}

func TestVisibility(t *testing.T) {
	v := &Version{CreatedTS: 10}
	assert.False(t, v.Visible(9))
	assert.True(t, v.Visible(10))
	assert.True(t, v.Visible(100))

	deleted := &Version{CreatedTS: 10, DeletedTS: 20}
	assert.True(t, deleted.Visible(19))
	assert.False(t, deleted.Visible(20))
	assert.False(t, deleted.Visible(21))
}

func TestDiscardHeadRestoresPrev(t *testing.T) {
	m := New(64)
	committed := &Version{Payload: []byte("old"), CreatedTS: 10}
	pending := &Version{Payload: []byte("dirty"), PendingOwner: 7}

	m.PushVersion([]byte("k"), committed)
	m.PushVersion([]byte("k"), pending)
	m.DiscardHead([]byte("k"), pending)

	assert.Same(t, committed, m.GetHead([]byte("k")))
}

func TestDiscardHeadIsNoOpWhenNotHead(t *testing.T) {
	m := New(64)
	v1 := &Version{Payload: []byte("v1"), CreatedTS: 10}
	v2 := &Version{Payload: []byte("v2"), CreatedTS: 20}
	m.PushVersion([]byte("k"), v1)
	m.PushVersion([]byte("k"), v2)

	m.DiscardHead([]byte("k"), v1) // v1 is no longer the head
	assert.Same(t, v2, m.GetHead([]byte("k")))
}

func TestEvictRemovesKey(t *testing.T) {
	m := New(64)
	m.PushVersion([]byte("k"), &Version{Payload: []byte("v"), CreatedTS: 1})
	require.Equal(t, 1, m.Len())

	m.Evict([]byte("k"))
	assert.Nil(t, m.GetHead([]byte("k")))
	assert.Equal(t, 0, m.Len())

	m.Evict([]byte("k")) // double-evict is harmless
	assert.Equal(t, 0, m.Len())
}

func TestScanMergesShardsInKeyOrder(t *testing.T) {
	m := New(1024)
	// Enough keys that every shard holds several.
	for i := 0; i < 200; i++ {
		k := []byte(fmt.Sprintf("key%03d", i))
		m.PushVersion(k, &Version{Payload: k, CreatedTS: 1})
	}

	var keys []string
	m.Scan(nil, nil, func(key []byte, v *Version) bool {
		keys = append(keys, string(key))
		return true
	})
	require.Len(t, keys, 200)
	for i := 1; i < len(keys); i++ {
		assert.Less(t, keys[i-1], keys[i])
	}
}

func TestScanRangeBounds(t *testing.T) {
	m := New(64)
	for _, k := range []string{"a", "b", "c", "d"} {
		m.PushVersion([]byte(k), &Version{CreatedTS: 1})
	}

	var keys []string
	m.Scan([]byte("b"), []byte("d"), func(key []byte, _ *Version) bool {
		keys = append(keys, string(key))
		return true
	})
	assert.Equal(t, []string{"b", "c"}, keys)
}

func TestScanStopsEarly(t *testing.T) {
	m := New(64)
	for _, k := range []string{"a", "b", "c"} {
		m.PushVersion([]byte(k), &Version{CreatedTS: 1})
	}
	count := 0
	m.Scan(nil, nil, func(_ []byte, _ *Version) bool {
		count++
		return false
	})
	assert.Equal(t, 1, count)
}
