package bufferpool

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VanitasCaesar1/mantisdb/internal/errs"
	"github.com/VanitasCaesar1/mantisdb/internal/page"
)

func newTestPool(t *testing.T, capacity int) (*Pool, *page.Store) {
	t.Helper()
	store, err := page.Open(filepath.Join(t.TempDir(), "pages.dat"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return New(store, capacity), store
}

func writePage(t *testing.T, store *page.Store, content string) page.ID {
	t.Helper()
	id := store.Allocate()
	p := page.New(id, page.TypeBTreeLeaf)
	copy(p.Data[:], content)
	require.NoError(t, store.Write(p))
	return id
}

func TestPinMissLoadsFromStore(t *testing.T) {
	pool, store := newTestPool(t, 4)
	id := writePage(t, store, "payload")

	h, err := pool.Pin(id)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), h.Page().Data[:7])
	h.Unpin(false)

	st := pool.Stats()
	assert.Equal(t, uint64(0), st.Hits)
	assert.Equal(t, uint64(1), st.Misses)
}

func TestPinHitCountsAndSkipsDisk(t *testing.T) {
	pool, store := newTestPool(t, 4)
	id := writePage(t, store, "x")

	h1, err := pool.Pin(id)
	require.NoError(t, err)
	h1.Unpin(false)

	h2, err := pool.Pin(id)
	require.NoError(t, err)
	h2.Unpin(false)

	st := pool.Stats()
	assert.Equal(t, uint64(1), st.Hits)
	assert.Equal(t, uint64(1), st.Misses)
	assert.Equal(t, 1, st.Resident)
}

func TestEvictionFlushesDirtyVictim(t *testing.T) {
	pool, store := newTestPool(t, 1)
	a := writePage(t, store, "old")
	b := writePage(t, store, "other")

	h, err := pool.Pin(a)
	require.NoError(t, err)
	copy(h.Page().Data[:], "new")
	h.Unpin(true)

	// Capacity 1: pinning b must evict a, flushing the dirty content.
	h2, err := pool.Pin(b)
	require.NoError(t, err)
	h2.Unpin(false)

	got, err := store.Read(a)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), got.Data[:3])
	assert.Equal(t, uint64(1), pool.Stats().Writes)
}

func TestFullyPinnedPoolIsExhausted(t *testing.T) {
	pool, store := newTestPool(t, 1)
	a := writePage(t, store, "a")
	b := writePage(t, store, "b")

	h, err := pool.Pin(a)
	require.NoError(t, err)
	defer h.Unpin(false)

	_, err = pool.Pin(b)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.PoolExhausted))
}

func TestPinNewInstallsDirtyFrameWithoutRead(t *testing.T) {
	pool, store := newTestPool(t, 4)
	id := store.Allocate()
	p := page.New(id, page.TypeBTreeLeaf)
	copy(p.Data[:], "fresh")

	h, err := pool.PinNew(p)
	require.NoError(t, err)
	h.Unpin(true)

	require.NoError(t, pool.FlushAll())
	got, err := store.Read(id)
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh"), got.Data[:5])
}

func TestFlushAllClearsDirtyBits(t *testing.T) {
	pool, store := newTestPool(t, 4)
	id := writePage(t, store, "v0")

	h, err := pool.Pin(id)
	require.NoError(t, err)
	copy(h.Page().Data[:], "v1")
	h.Unpin(true)

	require.NoError(t, pool.FlushAll())
	writes := pool.Stats().Writes
	assert.Equal(t, uint64(1), writes)

	// A second flush with nothing newly dirtied writes nothing.
	require.NoError(t, pool.FlushAll())
	assert.Equal(t, writes, pool.Stats().Writes)
}
