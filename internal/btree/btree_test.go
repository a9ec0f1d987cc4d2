package btree

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VanitasCaesar1/mantisdb/internal/bufferpool"
	"github.com/VanitasCaesar1/mantisdb/internal/errs"
	"github.com/VanitasCaesar1/mantisdb/internal/page"
)

func newTestTree(t *testing.T) (*Tree, *page.Store) {
	t.Helper()
	store, err := page.Open(filepath.Join(t.TempDir(), "pages.dat"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	pool := bufferpool.New(store, 64)
	tree, err := Create(store, pool)
	require.NoError(t, err)
	return tree, store
}

func TestPutGetOverwrite(t *testing.T) {
	tree, _ := newTestTree(t)

	require.NoError(t, tree.Put([]byte("k"), []byte("v1")))
	v, err := tree.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v)

	require.NoError(t, tree.Put([]byte("k"), []byte("v2")))
	v, err = tree.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), v)
}

func TestGetMissingKey(t *testing.T) {
	tree, _ := newTestTree(t)
	_, err := tree.Get([]byte("nope"))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestDeleteRemovesKey(t *testing.T) {
	tree, _ := newTestTree(t)
	require.NoError(t, tree.Put([]byte("k"), []byte("v")))
	require.NoError(t, tree.Delete([]byte("k")))

	_, err := tree.Get([]byte("k"))
	assert.True(t, errs.Is(err, errs.NotFound))

	err = tree.Delete([]byte("k"))
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestSplitsKeepAllKeysReachable(t *testing.T) {
	tree, _ := newTestTree(t)

	// Enough keys to force leaf splits, a root split, and internal splits.
	const n = 500
	for i := 0; i < n; i++ {
		k := []byte(fmt.Sprintf("key%04d", i))
		require.NoError(t, tree.Put(k, []byte(fmt.Sprintf("val%04d", i))))
	}
	for i := 0; i < n; i++ {
		v, err := tree.Get([]byte(fmt.Sprintf("key%04d", i)))
		require.NoError(t, err, "key%04d", i)
		assert.Equal(t, []byte(fmt.Sprintf("val%04d", i)), v)
	}
}

func TestScanRangeInOrder(t *testing.T) {
	tree, _ := newTestTree(t)
	for i := 0; i < 200; i++ {
		require.NoError(t, tree.Put([]byte(fmt.Sprintf("k%03d", i)), []byte("v")))
	}

	var keys []string
	err := tree.Scan([]byte("k050"), []byte("k060"), func(key, _ []byte) bool {
		keys = append(keys, string(key))
		return true
	})
	require.NoError(t, err)
	require.Len(t, keys, 10)
	assert.Equal(t, "k050", keys[0])
	assert.Equal(t, "k059", keys[9])
	for i := 1; i < len(keys); i++ {
		assert.Less(t, keys[i-1], keys[i])
	}
}

func TestScanStopsEarly(t *testing.T) {
	tree, _ := newTestTree(t)
	for i := 0; i < 10; i++ {
		require.NoError(t, tree.Put([]byte(fmt.Sprintf("k%d", i)), []byte("v")))
	}
	count := 0
	err := tree.Scan(nil, nil, func(_, _ []byte) bool {
		count++
		return count < 3
	})
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestScanPrefix(t *testing.T) {
	tree, _ := newTestTree(t)
	require.NoError(t, tree.Put([]byte("a:1"), []byte("x")))
	require.NoError(t, tree.Put([]byte("a:2"), []byte("y")))
	require.NoError(t, tree.Put([]byte("b:1"), []byte("z")))

	var keys []string
	err := tree.ScanPrefix([]byte("a:"), func(key, _ []byte) bool {
		keys = append(keys, string(key))
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a:1", "a:2"}, keys)
}

func TestFlushThenReopenByRoot(t *testing.T) {
	store, err := page.Open(filepath.Join(t.TempDir(), "pages.dat"))
	require.NoError(t, err)
	defer store.Close()

	pool := bufferpool.New(store, 64)
	tree, err := Create(store, pool)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		require.NoError(t, tree.Put([]byte(fmt.Sprintf("k%03d", i)), []byte("v")))
	}
	require.NoError(t, tree.Flush())
	root := tree.Root()

	// A fresh pool simulates a restart with a cold cache.
	reopened := Open(store, bufferpool.New(store, 64), root)
	v, err := reopened.Get([]byte("k042"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
}
