// Package txn implements the transaction manager: an active-
// transaction table, Begin/Commit/Abort, timestamp-based snapshot
// visibility over internal/memtable's version chains, strict
// two-phase locking through internal/lockmgr, and commit durability
// through internal/wal.
package txn

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/VanitasCaesar1/mantisdb/internal/cachelayer"
	"github.com/VanitasCaesar1/mantisdb/internal/errs"
	"github.com/VanitasCaesar1/mantisdb/internal/lockmgr"
	"github.com/VanitasCaesar1/mantisdb/internal/memtable"
	"github.com/VanitasCaesar1/mantisdb/internal/wal"
)

// Isolation selects how much of other transactions' work a reader may
// observe.
type Isolation int

const (
	ReadUncommitted Isolation = iota
	ReadCommitted
	RepeatableRead
	Serializable
)

// Status is a transaction's lifecycle state.
type Status int

const (
	Active Status = iota
	Committed
	Aborted
)

type pendingWrite struct {
	key     []byte
	version *memtable.Version
	tomb    bool
}

// Txn is one in-flight (or just-finished) transaction handle.
type Txn struct {
	ID         uuid.UUID // public correlation id
	seq        uint64    // internal numeric id; used for WAL txn_id and lock ownership
	Isolation  Isolation
	StartTS    int64
	SnapshotTS int64
	Status     Status

	mu      sync.Mutex
	writes  map[string]*pendingWrite
	reads   map[string]bool // tracked only for Serializable's conflict check
	heldS   map[string]bool // RepeatableRead/Serializable: S locks kept until commit
}

func (t *Txn) SeqID() uint64 { return t.seq }

type commitRecord struct {
	commitTS int64
	writes   map[string]bool
}

// Manager coordinates transactions over a shared memtable, WAL, and
// lock manager.
type Manager struct {
	mem   *memtable.Map
	log   *wal.Log
	locks *lockmgr.Manager
	cache *cachelayer.Cache // optional; nil disables invalidation publishing
	clock func() int64      // monotonic logical clock, e.g. nanoseconds

	mu       sync.Mutex
	nextSeq  uint64
	active   map[uint64]*Txn
	recent   []commitRecord // pruned below the oldest active snapshot
}

// Config wires a Manager to its collaborators. Clock defaults to
// time.Now().UnixNano if nil.
type Config struct {
	Mem   *memtable.Map
	Log   *wal.Log
	Locks *lockmgr.Manager
	Cache *cachelayer.Cache
	Clock func() int64
}

func NewManager(cfg Config) *Manager {
	clock := cfg.Clock
	if clock == nil {
		clock = func() int64 { return time.Now().UnixNano() }
	}
	m := &Manager{
		mem:    cfg.Mem,
		log:    cfg.Log,
		locks:  cfg.Locks,
		cache:  cfg.Cache,
		clock:  clock,
		active: make(map[uint64]*Txn),
	}
	return m
}

// OnVictim implements lockmgr.VictimNotifier: the engine wires
// lockmgr.Manager.SetNotifier(txnManager) after both are constructed,
// so a deadlock cycle found while acquiring a lock rolls the chosen
// victim back automatically.
func (m *Manager) OnVictim(seq uint64) {
	m.mu.Lock()
	t, ok := m.active[seq]
	m.mu.Unlock()
	if ok {
		_ = m.Abort(t)
	}
}

// ActiveCount reports how many transactions are currently open, for
// the observability surface's stats().
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Begin allocates a new transaction. RepeatableRead and Serializable
// fix SnapshotTS at Begin; ReadCommitted recomputes its effective
// snapshot on every read (SnapshotTS is left at StartTS but Get always
// uses "now"); ReadUncommitted ignores snapshots entirely.
func (m *Manager) Begin(iso Isolation) *Txn {
	now := m.clock()
	m.mu.Lock()
	m.nextSeq++
	seq := m.nextSeq
	t := &Txn{
		ID:         uuid.New(),
		seq:        seq,
		Isolation:  iso,
		StartTS:    now,
		SnapshotTS: now,
		Status:     Active,
		writes:     make(map[string]*pendingWrite),
		reads:      make(map[string]bool),
		heldS:      make(map[string]bool),
	}
	m.active[seq] = t
	m.mu.Unlock()
	return t
}

func (m *Manager) readTS(t *Txn) int64 {
	if t.Isolation == RepeatableRead || t.Isolation == Serializable {
		return t.SnapshotTS
	}
	return m.clock()
}

// Expired reports whether v's TTL has lapsed at wall-clock now
// (nanoseconds). A TTL-expired entry is invisible to every reader, no
// matter how old its snapshot is: TTL is a physical-visibility rule,
// not a transactional one, so it applies even under ReadUncommitted.
func Expired(v *memtable.Version, now int64) bool {
	return v.TTLms > 0 && v.CreatedTS > 0 && now > v.CreatedTS+v.TTLms*int64(time.Millisecond)
}

// Get reads key under t's isolation rules.
func (m *Manager) Get(t *Txn, key []byte) ([]byte, bool, error) {
	t.mu.Lock()
	if pw, ok := t.writes[string(key)]; ok {
		t.mu.Unlock()
		if pw.tomb {
			return nil, false, nil
		}
		return pw.version.Payload, true, nil
	}
	t.mu.Unlock()

	if t.Isolation == Serializable {
		t.mu.Lock()
		t.reads[string(key)] = true
		t.mu.Unlock()
	}

	switch t.Isolation {
	case ReadCommitted:
		// Short-duration S lock, released right after the read. Skipped
		// when the transaction already holds a lock on key (its own X
		// from a prior write must survive this read).
		if !m.locks.Held(t.seq, key) {
			if err := m.locks.Acquire(t.seq, key, lockmgr.Shared); err != nil {
				return nil, false, err
			}
			defer m.locks.ReleaseOne(t.seq, key)
		}
	case RepeatableRead, Serializable:
		t.mu.Lock()
		alreadyHeld := t.heldS[string(key)]
		t.mu.Unlock()
		if !alreadyHeld {
			if err := m.locks.Acquire(t.seq, key, lockmgr.Shared); err != nil {
				return nil, false, err
			}
			t.mu.Lock()
			t.heldS[string(key)] = true
			t.mu.Unlock()
		}
	}

	ts := m.readTS(t)
	now := m.clock()
	v := m.mem.GetHead(key)
	for v != nil {
		if v.PendingOwner != 0 && v.PendingOwner != t.seq && t.Isolation != ReadUncommitted {
			v = v.Prev
			continue
		}
		if t.Isolation == ReadUncommitted {
			if v.DeletedTS != 0 || Expired(v, now) {
				return nil, false, nil
			}
			return v.Payload, true, nil
		}
		if v.DeletedTS != 0 && v.DeletedTS <= ts {
			return nil, false, nil
		}
		if v.Visible(ts) {
			if Expired(v, now) {
				return nil, false, nil
			}
			return v.Payload, true, nil
		}
		v = v.Prev
	}
	return nil, false, nil
}

// Scan iterates keys in [lo, hi) (hi == nil means unbounded) visible to
// t under its isolation rules, merging t's own uncommitted writes over
// the memtable's committed versions the same way Get does. fn is called
// in ascending key order; returning false stops the scan early. Used by
// the KV surface's prefix listing and by internal/document's
// collection/index range scans, both of which read the same underlying
// substrate rather than a separate index structure.
func (m *Manager) Scan(t *Txn, lo, hi []byte, fn func(key, value []byte) bool) error {
	ts := m.readTS(t)
	now := m.clock()
	serializable := t.Isolation == Serializable

	t.mu.Lock()
	overlay := make(map[string]*pendingWrite, len(t.writes))
	for k, pw := range t.writes {
		overlay[k] = pw
	}
	t.mu.Unlock()

	seen := make(map[string]bool, len(overlay))
	stopped := false
	m.mem.Scan(lo, hi, func(key []byte, v *memtable.Version) bool {
		ks := string(key)
		if pw, ok := overlay[ks]; ok {
			seen[ks] = true
			if serializable {
				t.mu.Lock()
				t.reads[ks] = true
				t.mu.Unlock()
			}
			if pw.tomb {
				return true
			}
			if !fn(key, pw.version.Payload) {
				stopped = true
				return false
			}
			return true
		}
		for v != nil {
			if v.PendingOwner != 0 && t.Isolation != ReadUncommitted {
				v = v.Prev
				continue
			}
			if t.Isolation == ReadUncommitted {
				if v.DeletedTS == 0 && !Expired(v, now) {
					if serializable {
						t.mu.Lock()
						t.reads[ks] = true
						t.mu.Unlock()
					}
					if !fn(key, v.Payload) {
						stopped = true
						return false
					}
				}
				return true
			}
			if v.DeletedTS != 0 && v.DeletedTS <= ts {
				return true
			}
			if v.Visible(ts) {
				if Expired(v, now) {
					return true
				}
				if serializable {
					t.mu.Lock()
					t.reads[ks] = true
					t.mu.Unlock()
				}
				if !fn(key, v.Payload) {
					stopped = true
					return false
				}
				return true
			}
			v = v.Prev
		}
		return true
	})
	if stopped {
		return nil
	}
	// Surface writes this transaction made to brand-new keys not yet
	// admitted into the memtable's sorted index at scan time (PushVersion
	// always inserts the key, so in practice this only guards against a
	// future memtable implementation that defers admission).
	for ks, pw := range overlay {
		if seen[ks] || pw.tomb {
			continue
		}
		key := []byte(ks)
		if lo != nil && string(key) < string(lo) {
			continue
		}
		if hi != nil && string(key) >= string(hi) {
			continue
		}
		if !fn(key, pw.version.Payload) {
			break
		}
	}
	return nil
}

// Put buffers a write under an exclusive lock, visible immediately to
// t's own later reads but to nobody else until Commit.
func (m *Manager) Put(t *Txn, key, value []byte) error {
	return m.write(t, key, value, false, 0)
}

// PutTTL is Put with a wall-clock expiry: the entry becomes invisible
// ttlMs milliseconds after its commit timestamp, regardless of any
// reader's snapshot. ttlMs <= 0 means no expiry.
func (m *Manager) PutTTL(t *Txn, key, value []byte, ttlMs int64) error {
	return m.write(t, key, value, false, ttlMs)
}

// Delete buffers a tombstone.
func (m *Manager) Delete(t *Txn, key []byte) error {
	return m.write(t, key, nil, true, 0)
}

func (m *Manager) write(t *Txn, key, value []byte, tomb bool, ttlMs int64) error {
	if err := m.locks.Acquire(t.seq, key, lockmgr.Exclusive); err != nil {
		return err
	}
	v := &memtable.Version{PendingOwner: t.seq}
	if tomb {
		v.DeletedTS = 1 // placeholder; finalized to commit_ts on Commit
	} else {
		v.Payload = value
		if ttlMs > 0 {
			v.TTLms = ttlMs
		}
	}
	m.mem.PushVersion(key, v)

	t.mu.Lock()
	t.writes[string(key)] = &pendingWrite{key: append([]byte(nil), key...), version: v, tomb: tomb}
	t.mu.Unlock()
	return nil
}

// Commit writes the transaction's buffered operations and a trailing
// Commit record to the WAL, forces them to stable storage, finalizes
// the versions' timestamps, releases locks, and publishes cache
// invalidations. A second Commit/Abort on an already-finished
// transaction is a no-op.
func (m *Manager) Commit(t *Txn) error {
	t.mu.Lock()
	if t.Status != Active {
		t.mu.Unlock()
		return nil
	}
	writes := t.writes
	reads := t.reads
	t.mu.Unlock()

	if t.Isolation == Serializable {
		if err := m.checkSerializationConflict(t, reads); err != nil {
			_ = m.Abort(t)
			return err
		}
	}

	if len(writes) > 0 {
		var records []wal.Record
		now := m.clock()
		for _, pw := range writes {
			op := wal.OpUpdate
			if pw.tomb {
				op = wal.OpDelete
			}
			records = append(records, wal.Record{
				TxnID:     t.seq,
				Op:        op,
				Key:       pw.key,
				Value:     pw.version.Payload,
				Timestamp: now,
				TTLms:     pw.version.TTLms,
			})
		}
		records = append(records, wal.Record{TxnID: t.seq, Op: wal.OpCommit, Timestamp: now})
		if _, err := m.log.AppendAndSync(records); err != nil {
			_ = m.abortInternal(t, false)
			return errs.Wrap(errs.Durability, err, "commit wal sync")
		}

		for _, pw := range writes {
			pw.version.CreatedTS = now
			if pw.tomb {
				pw.version.DeletedTS = now
			}
			pw.version.PendingOwner = 0
		}
	}

	t.mu.Lock()
	t.Status = Committed
	t.mu.Unlock()

	m.mu.Lock()
	delete(m.active, t.seq)
	if len(writes) > 0 {
		ws := make(map[string]bool, len(writes))
		for k := range writes {
			ws[k] = true
		}
		m.recent = append(m.recent, commitRecord{commitTS: m.clock(), writes: ws})
		m.pruneRecentLocked()
	}
	m.mu.Unlock()

	m.locks.Release(t.seq)

	if m.cache != nil {
		for _, pw := range writes {
			m.cache.Invalidate(pw.key)
		}
	}
	return nil
}

// Abort discards the transaction's uncommitted versions and releases
// its locks.
func (m *Manager) Abort(t *Txn) error {
	return m.abortInternal(t, true)
}

func (m *Manager) abortInternal(t *Txn, appendAbortRecord bool) error {
	t.mu.Lock()
	if t.Status != Active {
		t.mu.Unlock()
		return nil
	}
	t.Status = Aborted
	writes := t.writes
	t.mu.Unlock()

	for _, pw := range writes {
		m.mem.DiscardHead(pw.key, pw.version)
	}

	if appendAbortRecord && len(writes) > 0 {
		_, _ = m.log.Append(wal.OpAbort, t.seq, nil, nil, m.clock())
	}

	m.mu.Lock()
	delete(m.active, t.seq)
	m.mu.Unlock()

	m.locks.Release(t.seq)
	return nil
}

// checkSerializationConflict aborts a Serializable commit if any key
// this transaction read was written by another transaction that
// committed after this one's snapshot.
func (m *Manager) checkSerializationConflict(t *Txn, reads map[string]bool) error {
	if len(reads) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.recent {
		if rec.commitTS <= t.SnapshotTS {
			continue
		}
		for k := range reads {
			if rec.writes[k] {
				return errs.New(errs.SerializationFailure, "read/write conflict on key %q", k)
			}
		}
	}
	return nil
}

// pruneRecentLocked drops commit records no longer needed: anything
// committed before every currently-active transaction's snapshot can
// no longer conflict with a future Serializable commit's read set.
// Caller holds m.mu.
func (m *Manager) pruneRecentLocked() {
	if len(m.active) == 0 {
		m.recent = nil
		return
	}
	var minSnapshot int64 = -1
	for _, t := range m.active {
		if minSnapshot == -1 || t.SnapshotTS < minSnapshot {
			minSnapshot = t.SnapshotTS
		}
	}
	kept := m.recent[:0]
	for _, rec := range m.recent {
		if rec.commitTS >= minSnapshot {
			kept = append(kept, rec)
		}
	}
	m.recent = kept
}
