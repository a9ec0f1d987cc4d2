package mantisdb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/VanitasCaesar1/mantisdb/internal/columnar"
	"github.com/VanitasCaesar1/mantisdb/internal/txn"
)

func testClock() func() int64 {
	var tick int64
	return func() int64 { tick++; return tick }
}

func openTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := Open(t.TempDir(), Options{Clock: testClock()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestKVPutGetDelete(t *testing.T) {
	e := openTestEngine(t)
	tx := e.Begin(txn.ReadCommitted)
	require.NoError(t, e.Put(tx, []byte("k1"), []byte("v1")))
	v, ok, err := e.Get(tx, []byte("k1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v1"), v)
	require.NoError(t, e.Commit(tx))

	tx2 := e.Begin(txn.ReadCommitted)
	exists, err := e.Exists(tx2, []byte("k1"))
	require.NoError(t, err)
	require.True(t, exists)
	require.NoError(t, e.Delete(tx2, []byte("k1")))
	require.NoError(t, e.Commit(tx2))

	tx3 := e.Begin(txn.ReadCommitted)
	_, ok, err = e.Get(tx3, []byte("k1"))
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, e.Abort(tx3))
}

func TestKVListPrefix(t *testing.T) {
	e := openTestEngine(t)
	tx := e.Begin(txn.ReadCommitted)
	require.NoError(t, e.Put(tx, []byte("user:1"), []byte("a")))
	require.NoError(t, e.Put(tx, []byte("user:2"), []byte("b")))
	require.NoError(t, e.Put(tx, []byte("order:1"), []byte("c")))
	require.NoError(t, e.Commit(tx))

	keys, total, err := e.List([]byte("user:"), 10, 0)
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.Len(t, keys, 2)
}

func TestCheckpointPromotesFromBTree(t *testing.T) {
	e := openTestEngine(t)
	e.opts.MemTableHighWater = 1 // force demotion on the next checkpoint

	tx := e.Begin(txn.ReadCommitted)
	require.NoError(t, e.Put(tx, []byte("a"), []byte("1")))
	require.NoError(t, e.Put(tx, []byte("b"), []byte("2")))
	require.NoError(t, e.Commit(tx))

	require.NoError(t, e.Checkpoint())
	require.Greater(t, e.Stats().Checkpoints, uint64(0))

	tx2 := e.Begin(txn.ReadCommitted)
	v, ok, err := e.Get(tx2, []byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)
	require.NoError(t, e.Abort(tx2))
}

func TestDocumentSurfaceRoundTrip(t *testing.T) {
	e := openTestEngine(t)
	require.NoError(t, e.CreateCollection("users"))
	id, err := e.InsertDoc("users", map[string]any{"name": "ada", "age": int64(30)})
	require.NoError(t, err)

	doc, err := e.GetDoc("users", id)
	require.NoError(t, err)
	require.Equal(t, "ada", doc.Value["name"])

	require.NoError(t, e.UpdateDoc("users", id, map[string]any{"age": int64(31)}))
	doc, err = e.GetDoc("users", id)
	require.NoError(t, err)
	require.EqualValues(t, 31, doc.Value["age"])

	require.NoError(t, e.DeleteDoc("users", id))
	_, err = e.GetDoc("users", id)
	require.Error(t, err)
}

func TestColumnarAndSQLSurface(t *testing.T) {
	e := openTestEngine(t)
	require.NoError(t, e.CreateTable("widgets", columnar.Schema{Columns: []columnar.ColumnDef{
		{Name: "id", Type: columnar.Int64},
		{Name: "price", Type: columnar.Int64},
	}}))
	require.NoError(t, e.InsertRows("widgets", []columnar.Row{
		{"id": int64(1), "price": int64(10)},
		{"id": int64(2), "price": int64(20)},
	}))

	sum, err := e.AggregateTable("widgets", "price", columnar.AggSum)
	require.NoError(t, err)
	require.InDelta(t, 30.0, sum, 0.001)

	rs, err := e.Execute("SELECT SUM(price) AS total FROM widgets")
	require.NoError(t, err)
	require.InDelta(t, 30.0, rs.Rows[0]["total"], 0.001)
}

func TestCacheSurface(t *testing.T) {
	e, err := Open(t.TempDir(), Options{Clock: testClock(), CachePolicy: 0})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	require.NoError(t, e.CachePut([]byte("k"), []byte("v"), 0))
	v, ok, err := e.CacheGet([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), v)

	e.CacheInvalidate([]byte("k"))
	_, ok, err = e.CacheGet([]byte("k"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCacheInvalidationCascade(t *testing.T) {
	e := openTestEngine(t)
	events := e.Subscribe()
	require.NoError(t, e.CachePut([]byte("parent"), []byte("P"), 0))
	require.NoError(t, e.CachePut([]byte("child"), []byte("C"), 0, []byte("parent")))

	e.CacheInvalidate([]byte("parent"))
	_, ok, err := e.CacheGet([]byte("child"))
	require.NoError(t, err)
	require.False(t, ok)

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		ev := <-events
		seen[string(ev.Key)] = true
	}
	require.True(t, seen["parent"])
	require.True(t, seen["child"])
}

func TestPutTTLExpiresAndSweeps(t *testing.T) {
	now := int64(1_000_000_000)
	e, err := Open(t.TempDir(), Options{Clock: func() int64 { return now }})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	tx := e.Begin(txn.ReadCommitted)
	require.NoError(t, e.PutTTL(tx, []byte("ephemeral"), []byte("v"), 50))
	require.NoError(t, e.Commit(tx))

	tx2 := e.Begin(txn.ReadCommitted)
	_, ok, err := e.Get(tx2, []byte("ephemeral"))
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, e.Abort(tx2))

	now += int64(51 * time.Millisecond)
	tx3 := e.Begin(txn.ReadCommitted)
	_, ok, err = e.Get(tx3, []byte("ephemeral"))
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, e.Abort(tx3))

	// The sweeper physically unhooks the expired key.
	require.Equal(t, 1, e.mem.Len())
	require.Equal(t, 1, e.sweepExpired())
	require.Equal(t, 0, e.mem.Len())
}

func TestTTLSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	now := time.Now().UnixNano()
	clock := func() int64 { return now }

	e, err := Open(dir, Options{Clock: clock})
	require.NoError(t, err)
	tx := e.Begin(txn.ReadCommitted)
	require.NoError(t, e.PutTTL(tx, []byte("ephemeral"), []byte("v"), 50))
	require.NoError(t, e.Commit(tx))
	require.NoError(t, e.Close())

	// The replayed entry keeps its TTL: visible before expiry...
	e2, err := Open(dir, Options{Clock: clock})
	require.NoError(t, err)
	tx2 := e2.Begin(txn.ReadCommitted)
	_, ok, err := e2.Get(tx2, []byte("ephemeral"))
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, e2.Abort(tx2))

	// ...and gone after, instead of having become permanent.
	now += int64(51 * time.Millisecond)
	tx3 := e2.Begin(txn.ReadCommitted)
	_, ok, err = e2.Get(tx3, []byte("ephemeral"))
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, e2.Abort(tx3))
	require.NoError(t, e2.Close())

	// A third open reads through the checkpointed B-tree copy, whose
	// value carries the same TTL metadata.
	e3, err := Open(dir, Options{Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e3.Close() })
	tx4 := e3.Begin(txn.ReadCommitted)
	_, ok, err = e3.Get(tx4, []byte("ephemeral"))
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, e3.Abort(tx4))
}

func TestStatsSnapshot(t *testing.T) {
	e := openTestEngine(t)
	tx := e.Begin(txn.ReadCommitted)
	require.NoError(t, e.Put(tx, []byte("a"), []byte("1")))
	require.NoError(t, e.Commit(tx))

	stats := e.Stats()
	require.GreaterOrEqual(t, stats.Keys, 1)
	require.GreaterOrEqual(t, stats.WALLSN, uint64(1))
}

func TestDataSurvivesCheckpointTruncationAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, Options{})
	require.NoError(t, err)
	tx := e.Begin(txn.ReadCommitted)
	require.NoError(t, e.Put(tx, []byte("k"), []byte("v")))
	require.NoError(t, e.Commit(tx))
	// Repeated checkpoints eventually truncate the segment holding the
	// original data records; the B-tree copy must carry the state.
	require.NoError(t, e.Checkpoint())
	require.NoError(t, e.Checkpoint())
	require.NoError(t, e.Close())

	e2, err := Open(dir, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e2.Close() })

	tx2 := e2.Begin(txn.ReadCommitted)
	v, ok, err := e2.Get(tx2, []byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), v)
	require.NoError(t, e2.Abort(tx2))
}

func TestReopenRecoversCommittedData(t *testing.T) {
	// Wall clock on purpose: recovered versions keep their original
	// commit timestamps, so the reopened engine's clock must be ahead of
	// them for the read below to see the committed write.
	dir := t.TempDir()
	e, err := Open(dir, Options{})
	require.NoError(t, err)
	tx := e.Begin(txn.ReadCommitted)
	require.NoError(t, e.Put(tx, []byte("durable"), []byte("yes")))
	require.NoError(t, e.Commit(tx))
	require.NoError(t, e.Close())

	e2, err := Open(dir, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e2.Close() })

	tx2 := e2.Begin(txn.ReadCommitted)
	v, ok, err := e2.Get(tx2, []byte("durable"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("yes"), v)
	require.NoError(t, e2.Abort(tx2))
}
