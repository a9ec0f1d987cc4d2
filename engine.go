// Package mantisdb implements the root Engine handle: the single
// entry point that wires the storage, transaction, and query
// components together and exposes the storage-control, KV,
// transaction, document, columnar, SQL, cache, and observability
// surfaces to a hosting binary. One struct owns every collaborator,
// Open/Close/Checkpoint form the lifecycle, and Stats is a read-only
// snapshot; the engine carries no network surface of its own.
package mantisdb

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pierrec/lz4/v4"

	"github.com/VanitasCaesar1/mantisdb/internal/btree"
	"github.com/VanitasCaesar1/mantisdb/internal/bufferpool"
	"github.com/VanitasCaesar1/mantisdb/internal/cachelayer"
	"github.com/VanitasCaesar1/mantisdb/internal/columnar"
	"github.com/VanitasCaesar1/mantisdb/internal/corelog"
	"github.com/VanitasCaesar1/mantisdb/internal/document"
	"github.com/VanitasCaesar1/mantisdb/internal/errs"
	"github.com/VanitasCaesar1/mantisdb/internal/lockmgr"
	"github.com/VanitasCaesar1/mantisdb/internal/memtable"
	"github.com/VanitasCaesar1/mantisdb/internal/page"
	"github.com/VanitasCaesar1/mantisdb/internal/recovery"
	"github.com/VanitasCaesar1/mantisdb/internal/sqlengine"
	"github.com/VanitasCaesar1/mantisdb/internal/txn"
	"github.com/VanitasCaesar1/mantisdb/internal/wal"

	"go.uber.org/atomic"
)

// Options configures Open. Every field has a workable zero-value
// default; callers build Options directly rather than pointing at a
// config file.
type Options struct {
	MemTableCapacityHint int // advisory; memtable.New treats it as a hint
	MemTableHighWater    int // demote-to-B-tree threshold; 0 or less means 100000
	BufferPoolPages      int

	WALSegmentBytes    int64
	WALDurability      wal.Durability
	WALGroupCommitWait time.Duration

	CachePolicy        cachelayer.Policy
	CacheShardCapacity int
	CacheSweepInterval time.Duration
	CacheHitRateFloor  float64
	CacheHitRateWindow time.Duration

	LockVictimStrategy lockmgr.VictimStrategy
	LockAcquireTimeout time.Duration // 0 or less means 10s

	CheckpointInterval time.Duration // 0 disables the background checkpointer
	TTLSweepInterval   time.Duration // 0 disables the KV TTL sweeper

	LogLevel string
	Clock    func() int64 // monotonic logical clock (ns); defaults to time.Now().UnixNano
}

func (o Options) withDefaults() Options {
	if o.MemTableCapacityHint <= 0 {
		o.MemTableCapacityHint = 10000
	}
	if o.MemTableHighWater <= 0 {
		o.MemTableHighWater = 100000
	}
	if o.BufferPoolPages <= 0 {
		o.BufferPoolPages = 256
	}
	if o.WALSegmentBytes <= 0 {
		o.WALSegmentBytes = 16 << 20
	}
	if o.CacheShardCapacity <= 0 {
		o.CacheShardCapacity = 4096
	}
	if o.CacheHitRateWindow <= 0 {
		o.CacheHitRateWindow = time.Minute
	}
	if o.LockAcquireTimeout <= 0 {
		o.LockAcquireTimeout = 10 * time.Second
	}
	if o.Clock == nil {
		o.Clock = func() int64 { return time.Now().UnixNano() }
	}
	return o
}

// snapshotMeta is the on-disk shape of <data_dir>/snapshot.json
//.
type snapshotMeta struct {
	RootPageID uint32 `json:"root_page_id"`
	LastLSN    uint64 `json:"last_durable_lsn"`
	SavedAt    int64  `json:"saved_at"`
}

// Engine is the single handle a hosting binary opens, holding every
// component of the storage and query stack.
type Engine struct {
	dir    string
	opts   Options
	logger *corelog.Logger

	pages *page.Store
	pool  *bufferpool.Pool
	tree  *btree.Tree

	log   *wal.Log
	mem   *memtable.Map
	locks *lockmgr.Manager
	txns  *txn.Manager
	cache *cachelayer.Cache

	docs *document.Store
	cols *columnar.Store
	sql  *sqlengine.Engine

	deadlocks   atomic.Uint64
	checkpoints atomic.Uint64
	lastCkptLSN atomic.Uint64

	closeOnce sync.Once
	stopCh    chan struct{}
	bg        sync.WaitGroup
}

// treeValueHeader is the fixed metadata prefix on every B-tree value:
// the version's CreatedTS and TTLms, so TTL expiry keeps working for
// entries demoted out of the memtable.
const treeValueHeader = 16

func encodeTreeValue(payload []byte, createdTS, ttlMs int64) []byte {
	buf := make([]byte, treeValueHeader+len(payload))
	binary.BigEndian.PutUint64(buf[0:8], uint64(createdTS))
	binary.BigEndian.PutUint64(buf[8:16], uint64(ttlMs))
	copy(buf[treeValueHeader:], payload)
	return buf
}

func decodeTreeValue(buf []byte) (payload []byte, createdTS, ttlMs int64) {
	if len(buf) < treeValueHeader {
		return buf, 0, 0
	}
	createdTS = int64(binary.BigEndian.Uint64(buf[0:8]))
	ttlMs = int64(binary.BigEndian.Uint64(buf[8:16]))
	return buf[treeValueHeader:], createdTS, ttlMs
}

// btreeStore adapts internal/btree.Tree to cachelayer.Store, so the
// cache surface's WriteThrough/ReadThrough/WriteAround policies have a
// durable tier to propagate to or populate from. Cache writes carry no
// version metadata, so they store a zeroed tree-value header.
type btreeStore struct{ tree *btree.Tree }

func (b btreeStore) Load(key []byte) ([]byte, bool, error) {
	v, err := b.tree.Get(key)
	if err != nil {
		if errs.Is(err, errs.NotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	payload, _, _ := decodeTreeValue(v)
	return payload, true, nil
}

func (b btreeStore) Save(key, value []byte) error {
	return b.tree.Put(key, encodeTreeValue(value, 0, 0))
}

// Open creates or reopens an Engine rooted at dataDir: it opens the
// page store and WAL, replays recovery, and wires the lock manager,
// transaction manager, cache, document store, columnar store, and SQL
// executor on top.
func Open(dataDir string, opts Options) (*Engine, error) {
	opts = opts.withDefaults()
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, errs.Wrap(errs.Durability, err, "create data dir %s", dataDir)
	}
	logger := corelog.New(corelog.Config{Level: opts.LogLevel})

	pages, err := page.Open(filepath.Join(dataDir, "pages.dat"))
	if err != nil {
		return nil, err
	}
	pool := bufferpool.New(pages, opts.BufferPoolPages)

	meta, err := readSnapshot(dataDir)
	if err != nil {
		pages.Close()
		return nil, err
	}
	var tree *btree.Tree
	if meta != nil && meta.RootPageID != 0 {
		tree = btree.Open(pages, pool, page.ID(meta.RootPageID))
	} else {
		tree, err = btree.Create(pages, pool)
		if err != nil {
			pages.Close()
			return nil, err
		}
	}

	log, err := wal.Open(wal.Config{
		Dir:             filepath.Join(dataDir, "wal"),
		SegmentBytes:    opts.WALSegmentBytes,
		Durability:      opts.WALDurability,
		GroupCommitWait: opts.WALGroupCommitWait,
		Logger:          logger,
	})
	if err != nil {
		pages.Close()
		return nil, err
	}

	mem := memtable.New(opts.MemTableCapacityHint)
	result, err := recovery.Recover(log, mem)
	if err != nil {
		log.Close()
		pages.Close()
		return nil, err
	}
	logger.Infof("recovery: scanned=%d replayed=%d committed=%d aborted=%d in_flight=%d next_lsn=%d",
		result.RecordsScanned, result.RecordsReplayed, result.CommittedTxns, result.AbortedTxns,
		result.InFlightTxns, result.NextLSN)

	locks := lockmgr.New(opts.LockVictimStrategy, nil)
	locks.SetAcquireTimeout(opts.LockAcquireTimeout)

	var cache *cachelayer.Cache
	if opts.CacheShardCapacity > 0 {
		cache = cachelayer.New(cachelayer.Config{
			Policy:        opts.CachePolicy,
			ShardCapacity: opts.CacheShardCapacity,
			SweepInterval: opts.CacheSweepInterval,
			HitRateFloor:  opts.CacheHitRateFloor,
			HitRateWindow: opts.CacheHitRateWindow,
			Store:         btreeStore{tree: tree},
		})
	}

	txns := txn.NewManager(txn.Config{
		Mem:   mem,
		Log:   log,
		Locks: locks,
		Cache: cache,
		Clock: opts.Clock,
	})

	e := &Engine{
		dir:    dataDir,
		opts:   opts,
		logger: logger,
		pages:  pages,
		pool:   pool,
		tree:   tree,
		log:    log,
		mem:    mem,
		locks:  locks,
		txns:   txns,
		cache:  cache,
		docs:   document.New(txns, opts.Clock),
		cols:   columnar.New(),
		stopCh: make(chan struct{}),
	}
	e.sql = sqlengine.New(e.cols)
	locks.SetNotifier(e)
	if meta != nil {
		e.lastCkptLSN.Store(meta.LastLSN)
	}

	if opts.CheckpointInterval > 0 {
		e.bg.Add(1)
		go e.checkpointLoop()
	}
	if opts.TTLSweepInterval > 0 {
		e.bg.Add(1)
		go e.ttlSweepLoop()
	}
	return e, nil
}

func readSnapshot(dataDir string) (*snapshotMeta, error) {
	raw, err := os.ReadFile(filepath.Join(dataDir, "snapshot.json"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.Durability, err, "read snapshot.json")
	}
	var meta snapshotMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, errs.Wrap(errs.Corruption, err, "decode snapshot.json")
	}
	return &meta, nil
}

func (e *Engine) checkpointLoop() {
	defer e.bg.Done()
	ticker := time.NewTicker(e.opts.CheckpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := e.Checkpoint(); err != nil {
				e.logger.Errorf("background checkpoint: %v", err)
			}
		case <-e.stopCh:
			return
		}
	}
}

// ttlSweepLoop physically reclaims TTL-expired entries. Readers already
// treat an expired version as invisible at read time (internal/txn);
// the sweeper just unhooks the dead keys so the memtable doesn't fill
// up with them.
func (e *Engine) ttlSweepLoop() {
	defer e.bg.Done()
	ticker := time.NewTicker(e.opts.TTLSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := e.sweepExpired(); n > 0 {
				e.logger.Debugf("ttl sweep reclaimed %d keys", n)
			}
		case <-e.stopCh:
			return
		}
	}
}

func (e *Engine) sweepExpired() int {
	now := e.opts.Clock()
	var expired [][]byte
	e.mem.Scan(nil, nil, func(key []byte, v *memtable.Version) bool {
		if v != nil && v.PendingOwner == 0 && txn.Expired(v, now) {
			expired = append(expired, append([]byte(nil), key...))
		}
		return true
	})
	for _, k := range expired {
		e.mem.Evict(k)
		// A prior checkpoint may have persisted the entry before it
		// expired; remove it from the durable tier too.
		if err := e.tree.Delete(k); err != nil && !errs.Is(err, errs.NotFound) {
			e.logger.Warnf("ttl sweep: drop %q from tree: %v", k, err)
		}
	}
	return len(expired)
}

// Checkpoint persists the committed memtable state into the B-tree,
// flushes dirty pages, demotes memtable entries above the high-water
// mark (in key order, without regard to recency), and records a
// Checkpoint WAL entry, in the safe order: flush data, fsync data,
// append+sync the Checkpoint record, only then
// is a WAL prefix eligible for truncation. Truncation lags one
// checkpoint behind (the classic two-checkpoint rule): a commit racing
// this checkpoint's memtable scan is always re-covered by the next one
// before its segment becomes deletable.
func (e *Engine) Checkpoint() error {
	if err := e.persistLive(); err != nil {
		return err
	}
	demoted := e.demoteOverflow()

	if err := e.tree.Flush(); err != nil {
		return err
	}
	if err := e.pool.FlushAll(); err != nil {
		return err
	}
	if err := e.pages.Sync(); err != nil {
		return err
	}

	lsn, err := e.log.Append(wal.OpCheckpoint, 0, nil, nil, e.opts.Clock())
	if err != nil {
		return err
	}
	if err := e.log.Rotate(); err != nil {
		return err
	}

	meta := snapshotMeta{RootPageID: uint32(e.tree.Root()), LastLSN: lsn, SavedAt: e.opts.Clock()}
	raw, _ := json.Marshal(meta)
	if err := os.WriteFile(filepath.Join(e.dir, "snapshot.json"), raw, 0644); err != nil {
		return errs.Wrap(errs.Durability, err, "write snapshot.json")
	}

	if prev := e.lastCkptLSN.Swap(lsn); prev > 0 {
		if err := e.log.Truncate(prev); err != nil {
			e.logger.Warnf("checkpoint wal truncate: %v", err)
		}
	}
	if len(demoted) > 0 {
		if err := e.writeDemotionAudit(lsn, demoted); err != nil {
			e.logger.Warnf("checkpoint demotion audit: %v", err)
		}
	}
	e.checkpoints.Add(1)
	return nil
}

// persistLive writes every committed live head into the B-tree and
// applies committed tombstones, so the WAL prefix below this
// checkpoint can eventually be truncated without losing state
//. Pending (uncommitted) versions
// are skipped; their WAL records are only written at commit, after
// which the next checkpoint picks them up.
func (e *Engine) persistLive() error {
	now := e.opts.Clock()
	var firstErr error
	e.mem.Scan(nil, nil, func(key []byte, v *memtable.Version) bool {
		if v == nil || v.PendingOwner != 0 || txn.Expired(v, now) {
			return true
		}
		if v.DeletedTS != 0 {
			if err := e.tree.Delete(key); err != nil && !errs.Is(err, errs.NotFound) {
				firstErr = err
				return false
			}
			return true
		}
		if err := e.tree.Put(key, encodeTreeValue(v.Payload, v.CreatedTS, v.TTLms)); err != nil {
			firstErr = err
			return false
		}
		return true
	})
	return firstErr
}

// demoteOverflow evicts keys from the memtable once it holds more than
// opts.MemTableHighWater entries, bounding the in-memory tier the way
// in-memory tier stays bounded. It runs after persistLive, so every
// evicted entry is already durable in the tree. It walks the keyspace
// once per checkpoint rather than tracking per-key recency, trading
// eviction precision for a simple, lock-cheap sweep.
func (e *Engine) demoteOverflow() []string {
	if e.mem.Len() <= e.opts.MemTableHighWater {
		return nil
	}
	overflow := e.mem.Len() - e.opts.MemTableHighWater
	var demoted []string
	e.mem.Scan(nil, nil, func(key []byte, v *memtable.Version) bool {
		if len(demoted) >= overflow {
			return false
		}
		if v.DeletedTS == 0 && v.PendingOwner == 0 {
			e.mem.Evict(key)
			demoted = append(demoted, string(key))
		}
		return true
	})
	return demoted
}

// writeDemotionAudit lz4-compresses the list of keys demoted this
// checkpoint into a small side file, so an operator can see what
// moved to disk without re-deriving it from the B-tree.
func (e *Engine) writeDemotionAudit(lsn uint64, keys []string) error {
	raw, err := json.Marshal(keys)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	name := filepath.Join(e.dir, "checkpoint-"+itoa(lsn)+".audit.lz4")
	return os.WriteFile(name, buf.Bytes(), 0644)
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var b [20]byte
	i := len(b)
	for v > 0 {
		i--
		b[i] = byte('0' + v%10)
		v /= 10
	}
	return string(b[i:])
}

// Close checkpoints, stops background loops, and releases every
// underlying file handle.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.stopCh)
		e.bg.Wait()
		if cpErr := e.Checkpoint(); cpErr != nil {
			err = cpErr
		}
		if e.cache != nil {
			if cErr := e.cache.Close(); cErr != nil && err == nil {
				err = cErr
			}
		}
		if lErr := e.log.Close(); lErr != nil && err == nil {
			err = lErr
		}
		if pErr := e.pages.Close(); pErr != nil && err == nil {
			err = pErr
		}
	})
	return err
}

// OnVictim implements lockmgr.VictimNotifier: it records the deadlock
// for Stats() and forwards the rollback to the transaction manager,
// which is itself a VictimNotifier but is wrapped here so the engine
// can count deadlocks without the lock manager knowing about Stats.
func (e *Engine) OnVictim(txnID uint64) {
	e.deadlocks.Add(1)
	e.txns.OnVictim(txnID)
}

// ---- Transaction surface ----

func (e *Engine) Begin(iso txn.Isolation) *txn.Txn { return e.txns.Begin(iso) }
func (e *Engine) Commit(t *txn.Txn) error          { return e.txns.Commit(t) }
func (e *Engine) Abort(t *txn.Txn) error           { return e.txns.Abort(t) }

// ---- KV surface ----

func (e *Engine) Put(t *txn.Txn, key, value []byte) error { return e.txns.Put(t, key, value) }

// PutTTL is Put with a per-entry expiry in milliseconds. The entry
// turns invisible once its TTL lapses and is reclaimed by the
// background sweeper.
func (e *Engine) PutTTL(t *txn.Txn, key, value []byte, ttlMs int64) error {
	return e.txns.PutTTL(t, key, value, ttlMs)
}

func (e *Engine) Get(t *txn.Txn, key []byte) ([]byte, bool, error) {
	v, ok, err := e.txns.Get(t, key)
	if err != nil || ok {
		return v, ok, err
	}
	// The memtable is authoritative for any key it still holds a version
	// chain for: "not visible" there means deleted or out of snapshot,
	// never "look on disk" — falling through would resurrect tombstoned
	// values from the B-tree.
	if e.mem.GetHead(key) != nil {
		return nil, false, nil
	}
	// True miss: consult the B-tree and promote the result as a new
	// head version.
	val, terr := e.tree.Get(key)
	if terr != nil {
		if errs.Is(terr, errs.NotFound) {
			return nil, false, nil
		}
		return nil, false, terr
	}
	payload, createdTS, ttlMs := decodeTreeValue(val)
	promoted := &memtable.Version{Payload: payload, CreatedTS: createdTS, TTLms: ttlMs}
	if txn.Expired(promoted, e.opts.Clock()) {
		return nil, false, nil
	}
	e.mem.PushVersion(key, promoted)
	return payload, true, nil
}

func (e *Engine) Delete(t *txn.Txn, key []byte) error { return e.txns.Delete(t, key) }

func (e *Engine) Exists(t *txn.Txn, key []byte) (bool, error) {
	_, ok, err := e.Get(t, key)
	return ok, err
}

// List returns up to limit keys with the given prefix, skipping the
// first offset matches, plus the total number of matches seen. It
// reads under its own ReadCommitted snapshot rather than a
// caller-supplied transaction. Keys
// demoted out of the memtable are merged back in from the B-tree; for
// any key still resident in the memtable, the memtable's visibility
// verdict wins.
func (e *Engine) List(prefix []byte, limit, offset int) ([][]byte, int, error) {
	t := e.txns.Begin(txn.ReadCommitted)
	defer e.txns.Abort(t)

	hi := upperBound(prefix)
	var all []string
	seen := make(map[string]bool)
	err := e.txns.Scan(t, prefix, hi, func(key, _ []byte) bool {
		seen[string(key)] = true
		all = append(all, string(key))
		return true
	})
	if err != nil {
		return nil, 0, err
	}
	now := e.opts.Clock()
	err = e.tree.ScanPrefix(prefix, func(key, value []byte) bool {
		if seen[string(key)] || e.mem.GetHead(key) != nil {
			return true
		}
		_, createdTS, ttlMs := decodeTreeValue(value)
		if txn.Expired(&memtable.Version{CreatedTS: createdTS, TTLms: ttlMs}, now) {
			return true
		}
		all = append(all, string(key))
		return true
	})
	if err != nil {
		return nil, 0, err
	}
	sort.Strings(all)

	total := len(all)
	if offset > 0 {
		if offset >= len(all) {
			return nil, total, nil
		}
		all = all[offset:]
	}
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	keys := make([][]byte, len(all))
	for i, k := range all {
		keys[i] = []byte(k)
	}
	return keys, total, nil
}

func upperBound(prefix []byte) []byte {
	if len(prefix) == 0 {
		return nil
	}
	out := append([]byte(nil), prefix...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0xff {
			out[i]++
			return out[:i+1]
		}
	}
	return nil // all 0xff: unbounded
}

// ---- Document surface ----

func (e *Engine) CreateCollection(name string) error { return e.docs.CreateCollection(name) }
func (e *Engine) DropCollection(name string) error   { return e.docs.DropCollection(name) }
func (e *Engine) CreateDocIndex(coll, path string, kind document.IndexKind, unique bool, indexName string) error {
	return e.docs.CreateIndex(coll, path, kind, unique, indexName)
}
func (e *Engine) InsertDoc(coll string, value map[string]any) (string, error) {
	return e.docs.Insert(coll, value)
}
func (e *Engine) GetDoc(coll, id string) (*document.Doc, error) { return e.docs.Get(coll, id) }
func (e *Engine) UpdateDoc(coll, id string, patch map[string]any) error {
	return e.docs.Update(coll, id, patch)
}
func (e *Engine) DeleteDoc(coll, id string) error { return e.docs.Delete(coll, id) }
func (e *Engine) QueryDocs(coll string, cond *document.Condition, sort *document.Sort, limit, offset int) ([]document.Doc, error) {
	return e.docs.Query(coll, cond, sort, limit, offset)
}
func (e *Engine) AggregateDocs(coll string, pipeline []document.PipelineStage) ([]document.Doc, error) {
	return e.docs.Aggregate(coll, pipeline)
}

// ---- Columnar surface ----

func (e *Engine) CreateTable(name string, schema columnar.Schema) error {
	return e.cols.CreateTable(name, schema)
}
func (e *Engine) DropTable(name string) error { return e.cols.DropTable(name) }
func (e *Engine) InsertRows(name string, rows []columnar.Row) error {
	return e.cols.InsertRows(name, rows)
}
func (e *Engine) CreateTableIndex(name, column string, kind columnar.IndexKind) error {
	return e.cols.CreateIndex(name, column, kind)
}
func (e *Engine) QueryTable(name string, filter *columnar.Filter, sort *columnar.SortSpec, limit int) ([]columnar.Row, error) {
	return e.cols.Query(name, filter, sort, limit)
}
func (e *Engine) AggregateTable(name, column string, op columnar.AggOp) (float64, error) {
	return e.cols.Aggregate(name, column, op)
}

// ---- SQL surface ----

func (e *Engine) Execute(sql string) (*sqlengine.ResultSet, error) { return e.sql.Execute(sql) }

// ---- Cache surface ----

func (e *Engine) CacheGet(key []byte) ([]byte, bool, error) {
	if e.cache == nil {
		return nil, false, errs.New(errs.InvalidArgument, "cache disabled: CacheShardCapacity is 0")
	}
	return e.cache.Get(key)
}
func (e *Engine) CachePut(key, value []byte, ttlMs int64, dependencies ...[]byte) error {
	if e.cache == nil {
		return errs.New(errs.InvalidArgument, "cache disabled: CacheShardCapacity is 0")
	}
	if err := e.cache.Put(key, value, ttlMs); err != nil {
		return err
	}
	for _, parent := range dependencies {
		e.cache.AddDependency(parent, key)
	}
	return nil
}
func (e *Engine) CacheInvalidate(key []byte) {
	if e.cache != nil {
		e.cache.Invalidate(key)
	}
}
func (e *Engine) CacheInvalidatePrefix(prefix []byte) {
	if e.cache != nil {
		e.cache.InvalidatePrefix(prefix)
	}
}
func (e *Engine) CacheAddDependency(parent, child []byte) {
	if e.cache != nil {
		e.cache.AddDependency(parent, child)
	}
}
func (e *Engine) Subscribe() <-chan cachelayer.InvalidationEvent {
	if e.cache == nil {
		return nil
	}
	return e.cache.Subscribe()
}

// ---- Observability surface ----

// Stats is a read-only snapshot of counters across every component.
type Stats struct {
	Keys           int
	WALLSN         uint64
	PoolHits       uint64
	PoolMisses     uint64
	CacheHitRatio  float64
	ActiveTxns     int
	BlockedTxns    int
	DeadlocksTotal uint64
	Checkpoints    uint64
}

func (e *Engine) Stats() Stats {
	poolStats := e.pool.Stats()
	s := Stats{
		Keys:           e.mem.Len(),
		WALLSN:         e.log.NextLSN(),
		PoolHits:       poolStats.Hits,
		PoolMisses:     poolStats.Misses,
		ActiveTxns:     e.txns.ActiveCount(),
		BlockedTxns:    e.locks.Blocked(),
		DeadlocksTotal: e.deadlocks.Load(),
		Checkpoints:    e.checkpoints.Load(),
	}
	if e.cache != nil {
		s.CacheHitRatio = e.cache.Stats().HitRate
	}
	return s
}
