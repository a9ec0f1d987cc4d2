// Package lockmgr implements a strict two-phase lock manager over
// opaque resource keys. Shared and Exclusive requests queue per
// resource; a wait-for graph is maintained as requests block, and a
// deadlock check runs synchronously on every new wait edge, breaking
// cycles by a configurable victim strategy.
package lockmgr

import (
	"sort"
	"sync"
	"time"

	"github.com/OneOfOne/xxhash"

	"github.com/VanitasCaesar1/mantisdb/internal/errs"
)

// Mode is the lock mode requested on a resource.
type Mode int

const (
	Shared Mode = iota
	Exclusive
)

func compatible(held, want Mode) bool {
	return held == Shared && want == Shared
}

// VictimStrategy picks which transaction in a detected deadlock cycle
// is aborted to break it.
type VictimStrategy int

const (
	Youngest VictimStrategy = iota
	Oldest
	FewestLocks
	MostLocks
	Random
)

// VictimNotifier is told which transaction was chosen as a deadlock
// victim, so the caller (internal/txn) can roll it back.
type VictimNotifier interface {
	OnVictim(txnID uint64)
}

type request struct {
	txnID   uint64
	mode    Mode
	granted bool
	created time.Time
	wait    chan error // closed/sent-to when the request's fate is decided
}

type resourceLocks struct {
	key      []byte
	requests []*request
}

const bucketCount = 64

type bucket struct {
	mu    sync.Mutex
	byKey map[string]*resourceLocks
}

// Manager is the lock table plus wait-for graph.
type Manager struct {
	buckets  [bucketCount]*bucket
	strategy VictimStrategy
	notifier VictimNotifier

	graphMu   sync.Mutex
	timeout   time.Duration              // 0 means wait forever
	waitFor   map[uint64]map[uint64]bool // txn -> set of txns it waits on
	txnLocks  map[uint64]map[string][]byte
	startedAt map[uint64]time.Time
}

// New creates a Manager. notifier may be nil (victims are simply
// returned as an error to their own AcquireLock call with no
// out-of-band notification).
func New(strategy VictimStrategy, notifier VictimNotifier) *Manager {
	m := &Manager{
		strategy:  strategy,
		notifier:  notifier,
		waitFor:   make(map[uint64]map[uint64]bool),
		txnLocks:  make(map[uint64]map[string][]byte),
		startedAt: make(map[uint64]time.Time),
	}
	for i := range m.buckets {
		m.buckets[i] = &bucket{byKey: make(map[string]*resourceLocks)}
	}
	return m
}

func hashKey(key []byte) uint64 {
	h := xxhash.New64()
	h.Write(key)
	return h.Sum64()
}

// SetNotifier wires or replaces the deadlock-victim notifier after
// construction, for callers (the engine) that need to break the
// construction cycle between the lock manager and the transaction
// manager that rolls victims back.
func (m *Manager) SetNotifier(notifier VictimNotifier) {
	m.graphMu.Lock()
	m.notifier = notifier
	m.graphMu.Unlock()
}

// SetAcquireTimeout bounds how long Acquire blocks waiting for a
// grant. Zero, the default, waits until granted or chosen as a
// deadlock victim.
func (m *Manager) SetAcquireTimeout(d time.Duration) {
	m.graphMu.Lock()
	m.timeout = d
	m.graphMu.Unlock()
}

func (m *Manager) bucketFor(key []byte) *bucket {
	return m.buckets[hashKey(key)%bucketCount]
}

func (m *Manager) noteStart(txnID uint64) {
	m.graphMu.Lock()
	if _, ok := m.startedAt[txnID]; !ok {
		m.startedAt[txnID] = time.Now()
	}
	m.graphMu.Unlock()
}

// Acquire blocks until txnID holds mode on key, or a deadlock
// involving txnID is detected and txnID is chosen as the victim (in
// which case Deadlock is returned and no lock is held).
func (m *Manager) Acquire(txnID uint64, key []byte, mode Mode) error {
	m.noteStart(txnID)
	b := m.bucketFor(key)
	b.mu.Lock()

	rl, ok := b.byKey[string(key)]
	if !ok {
		rl = &resourceLocks{key: append([]byte(nil), key...)}
		b.byKey[string(key)] = rl
	}

	// Already held?
	for _, req := range rl.requests {
		if req.txnID == txnID && req.granted {
			if req.mode == mode || mode == Shared {
				b.mu.Unlock()
				return nil
			}
			// Upgrade S -> X: immediate when this transaction is the
			// sole holder; otherwise the upgrade joins the wait queue
			// below like any other conflicting request, keeping the
			// existing S grant until the X is granted (and so staying
			// eligible for deadlock detection against the other
			// holders).
			sole := true
			for _, other := range rl.requests {
				if other.txnID != txnID && other.granted {
					sole = false
					break
				}
			}
			if sole {
				req.mode = Exclusive
				b.mu.Unlock()
				return nil
			}
			break
		}
	}

	var blockedBy []uint64
	for _, req := range rl.requests {
		if req.txnID == txnID {
			continue // a transaction never blocks on its own grant
		}
		if req.granted && !compatible(req.mode, mode) {
			blockedBy = append(blockedBy, req.txnID)
		}
	}

	req := &request{txnID: txnID, mode: mode, granted: len(blockedBy) == 0, created: time.Now(), wait: make(chan error, 1)}
	rl.requests = append(rl.requests, req)
	m.recordHeldLocked(txnID, key, rl)
	b.mu.Unlock()

	if req.granted {
		return nil
	}

	m.graphMu.Lock()
	if m.waitFor[txnID] == nil {
		m.waitFor[txnID] = make(map[uint64]bool)
	}
	for _, h := range blockedBy {
		m.waitFor[txnID][h] = true
	}
	victim, cycle := m.detectDeadlockLocked(txnID)
	m.graphMu.Unlock()

	if cycle {
		if victim == txnID {
			m.cancelRequest(b, rl, req)
			m.clearWaits(txnID)
			return errs.New(errs.Deadlock, "deadlock detected: transaction %d chosen as victim", txnID)
		}
		if m.notifier != nil {
			m.notifier.OnVictim(victim)
		}
	}

	m.graphMu.Lock()
	timeout := m.timeout
	m.graphMu.Unlock()

	if timeout <= 0 {
		err := <-req.wait
		m.clearWaits(txnID)
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-req.wait:
		m.clearWaits(txnID)
		return err
	case <-timer.C:
		// Grant and timeout can race; the bucket lock decides.
		b.mu.Lock()
		if req.granted {
			b.mu.Unlock()
			return nil
		}
		for i, r := range rl.requests {
			if r == req {
				rl.requests = append(rl.requests[:i], rl.requests[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		m.clearWaits(txnID)
		return errs.New(errs.LockTimeout, "lock wait exceeded %s for transaction %d", timeout, txnID)
	}
}

// clearWaits removes txnID's outgoing wait-for edges once its blocked
// acquire resolves (granted, timed out, or cancelled).
func (m *Manager) clearWaits(txnID uint64) {
	m.graphMu.Lock()
	delete(m.waitFor, txnID)
	m.graphMu.Unlock()
}

func (m *Manager) cancelRequest(b *bucket, rl *resourceLocks, req *request) {
	b.mu.Lock()
	for i, r := range rl.requests {
		if r == req {
			rl.requests = append(rl.requests[:i], rl.requests[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
}

func (m *Manager) recordHeldLocked(txnID uint64, key []byte, rl *resourceLocks) {
	m.graphMu.Lock()
	if m.txnLocks[txnID] == nil {
		m.txnLocks[txnID] = make(map[string][]byte)
	}
	m.txnLocks[txnID][string(key)] = key
	m.graphMu.Unlock()
}

// detectDeadlockLocked runs a DFS from txnID over waitFor looking for a
// cycle reachable from txnID; caller holds graphMu. If found, the
// victim is chosen per m.strategy from the cycle's member set.
func (m *Manager) detectDeadlockLocked(txnID uint64) (victim uint64, found bool) {
	visited := make(map[uint64]bool)
	var path []uint64
	var walk func(uint64) bool
	walk = func(t uint64) bool {
		if visited[t] {
			return true
		}
		visited[t] = true
		path = append(path, t)
		for next := range m.waitFor[t] {
			if walk(next) {
				return true
			}
		}
		path = path[:len(path)-1]
		visited[t] = false
		return false
	}
	if !walk(txnID) {
		return 0, false
	}
	return m.chooseVictim(path), true
}

func (m *Manager) chooseVictim(cycle []uint64) uint64 {
	if len(cycle) == 0 {
		return 0
	}
	switch m.strategy {
	case Oldest:
		best := cycle[0]
		for _, t := range cycle[1:] {
			if m.startedAt[t].Before(m.startedAt[best]) {
				best = t
			}
		}
		return best
	case Youngest:
		best := cycle[0]
		for _, t := range cycle[1:] {
			if m.startedAt[t].After(m.startedAt[best]) {
				best = t
			}
		}
		return best
	case FewestLocks:
		best := cycle[0]
		for _, t := range cycle[1:] {
			if len(m.txnLocks[t]) < len(m.txnLocks[best]) {
				best = t
			}
		}
		return best
	case MostLocks:
		best := cycle[0]
		for _, t := range cycle[1:] {
			if len(m.txnLocks[t]) > len(m.txnLocks[best]) {
				best = t
			}
		}
		return best
	default: // Random
		sorted := append([]uint64(nil), cycle...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		return sorted[int(time.Now().UnixNano())%len(sorted)]
	}
}

// Release drops every lock held by txnID and wakes any requests that
// can now be granted.
func (m *Manager) Release(txnID uint64) {
	m.graphMu.Lock()
	keys := m.txnLocks[txnID]
	delete(m.txnLocks, txnID)
	delete(m.waitFor, txnID)
	delete(m.startedAt, txnID)
	for other, set := range m.waitFor {
		delete(set, txnID)
		if len(set) == 0 {
			delete(m.waitFor, other)
		}
	}
	m.graphMu.Unlock()

	for k := range keys {
		key := []byte(k)
		b := m.bucketFor(key)
		b.mu.Lock()
		rl, ok := b.byKey[k]
		if !ok {
			b.mu.Unlock()
			continue
		}
		var remaining []*request
		for _, req := range rl.requests {
			if req.txnID != txnID {
				remaining = append(remaining, req)
				continue
			}
			if !req.granted {
				// A still-waiting request for the released txn must be
				// woken too, or its Acquire call blocks forever.
				select {
				case req.wait <- errs.New(errs.Deadlock, "transaction %d rolled back while waiting", txnID):
				default:
				}
			}
		}
		rl.requests = remaining
		if len(remaining) == 0 {
			delete(b.byKey, k)
			b.mu.Unlock()
			continue
		}
		m.grantCompatible(rl)
		b.mu.Unlock()
	}
}

// ReleaseOne drops txnID's granted lock on key only, keeping its other
// locks. Used for ReadCommitted's short-duration read locks, which are
// released right after the read while the transaction's write locks
// stay held to commit.
func (m *Manager) ReleaseOne(txnID uint64, key []byte) {
	b := m.bucketFor(key)
	b.mu.Lock()
	if rl, ok := b.byKey[string(key)]; ok {
		var remaining []*request
		for _, req := range rl.requests {
			if req.txnID == txnID && req.granted {
				continue
			}
			remaining = append(remaining, req)
		}
		rl.requests = remaining
		if len(remaining) == 0 {
			delete(b.byKey, string(key))
		} else {
			m.grantCompatible(rl)
		}
	}
	b.mu.Unlock()

	m.graphMu.Lock()
	if keys := m.txnLocks[txnID]; keys != nil {
		delete(keys, string(key))
	}
	m.graphMu.Unlock()
}

// grantCompatible promotes as many leading waiters as are mutually
// compatible with what's already granted. A waiter's own existing
// grant never conflicts with it: that shape is a lock upgrade, and the
// old grant is absorbed into the promoted request. Caller holds the
// bucket lock.
func (m *Manager) grantCompatible(rl *resourceLocks) {
	for _, req := range rl.requests {
		if req.granted {
			continue
		}
		ok := true
		for _, g := range rl.requests {
			if !g.granted || g.txnID == req.txnID {
				continue
			}
			if !compatible(g.mode, req.mode) {
				ok = false
				break
			}
		}
		if ok {
			req.granted = true
			select {
			case req.wait <- nil:
			default:
			}
		}
	}

	// Collapse upgrades: when a transaction now holds two grants on the
	// resource, keep one carrying the stronger mode.
	byTxn := make(map[uint64]*request, len(rl.requests))
	kept := rl.requests[:0]
	for _, req := range rl.requests {
		if !req.granted {
			kept = append(kept, req)
			continue
		}
		if prev, dup := byTxn[req.txnID]; dup {
			if req.mode == Exclusive {
				prev.mode = Exclusive
			}
			continue
		}
		byTxn[req.txnID] = req
		kept = append(kept, req)
	}
	rl.requests = kept
}

// Blocked reports how many transactions are currently parked in a
// wait queue, for the observability surface.
func (m *Manager) Blocked() int {
	m.graphMu.Lock()
	defer m.graphMu.Unlock()
	return len(m.waitFor)
}

// Held reports whether txnID currently holds any lock on key (testing
// helper, also used by internal/txn to skip redundant Acquire calls).
func (m *Manager) Held(txnID uint64, key []byte) bool {
	b := m.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	rl, ok := b.byKey[string(key)]
	if !ok {
		return false
	}
	for _, req := range rl.requests {
		if req.txnID == txnID && req.granted {
			return true
		}
	}
	return false
}
