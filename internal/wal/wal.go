package wal

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/golang/snappy"

	"github.com/VanitasCaesar1/mantisdb/internal/corelog"
	"github.com/VanitasCaesar1/mantisdb/internal/errs"
)

// Durability selects the fsync tier: Strict syncs every commit,
// Relaxed batches fsyncs by interval.
type Durability int

const (
	Strict Durability = iota
	Relaxed
)

// Config controls a Log's segment rotation and group-commit behavior.
type Config struct {
	Dir             string
	SegmentBytes    int64 // rotate when a segment exceeds this size
	Durability      Durability
	GroupCommitWait time.Duration // relaxed-tier fsync interval
	Logger          *corelog.Logger
}

// segment is one open or sealed WAL file, named by its first LSN.
type segment struct {
	startLSN uint64
	path     string
	file     *os.File
	size     int64
	sealed   bool
}

// Log is the write-ahead log: a writer-serialized append path over a
// sequence of size-rotated segments.
type Log struct {
	cfg Config
	log *corelog.Logger

	mu         sync.Mutex // the single append latch
	nextLSN    uint64
	cur        *segment
	sealedSegs []*segment

	// group commit: in Relaxed mode, waiters queue here and a single
	// background goroutine syncs and wakes all of them on each tick.
	waitMu  sync.Mutex
	waiters []chan error
	stopCh  chan struct{}
	doneCh  chan struct{}
	closed  bool
}

// Open opens (creating if necessary) the WAL directory, recovering the
// segment list and continuing LSN allocation from the highest segment.
func Open(cfg Config) (*Log, error) {
	if cfg.SegmentBytes <= 0 {
		cfg.SegmentBytes = 16 << 20
	}
	if cfg.GroupCommitWait <= 0 {
		cfg.GroupCommitWait = 5 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = corelog.Nop()
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, errs.Wrap(errs.Durability, err, "create wal dir")
	}

	l := &Log{cfg: cfg, log: cfg.Logger, nextLSN: 1}

	entries, err := os.ReadDir(cfg.Dir)
	if err != nil {
		return nil, errs.Wrap(errs.Durability, err, "read wal dir")
	}
	var starts []uint64
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".log" {
			continue
		}
		n, err := strconv.ParseUint(e.Name()[:len(e.Name())-4], 10, 64)
		if err != nil {
			continue
		}
		starts = append(starts, n)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })

	for i, start := range starts {
		path := segmentPath(cfg.Dir, start)
		sealed := i < len(starts)-1
		seg := &segment{startLSN: start, path: path, sealed: sealed}
		if !sealed {
			f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
			if err != nil {
				return nil, errs.Wrap(errs.Durability, err, "open segment")
			}
			fi, _ := f.Stat()
			seg.file = f
			seg.size = fi.Size()
			l.cur = seg
		} else {
			l.sealedSegs = append(l.sealedSegs, seg)
		}
	}

	if l.cur == nil {
		seg, err := l.newSegment(1)
		if err != nil {
			return nil, err
		}
		l.cur = seg
	}

	// Continue LSN allocation from whatever is already on disk.
	maxLSN, err := l.scanMaxLSN()
	if err != nil {
		return nil, err
	}
	if maxLSN > 0 {
		l.nextLSN = maxLSN + 1
	}

	if cfg.Durability == Relaxed {
		l.stopCh = make(chan struct{})
		l.doneCh = make(chan struct{})
		go l.backgroundSync()
	}

	return l, nil
}

// backgroundSync implements the relaxed durability tier's group
// commit: wake every queued waiter with the result of one shared
// fsync per tick.
func (l *Log) backgroundSync() {
	ticker := time.NewTicker(l.cfg.GroupCommitWait)
	defer ticker.Stop()
	defer close(l.doneCh)
	for {
		select {
		case <-ticker.C:
			l.flushWaiters()
		case <-l.stopCh:
			l.flushWaiters()
			return
		}
	}
}

func (l *Log) flushWaiters() {
	l.waitMu.Lock()
	waiters := l.waiters
	l.waiters = nil
	l.waitMu.Unlock()
	if len(waiters) == 0 {
		return
	}
	l.mu.Lock()
	file := l.cur.file
	l.mu.Unlock()
	err := file.Sync()
	for _, ch := range waiters {
		ch <- err
	}
}

func segmentPath(dir string, startLSN uint64) string {
	return filepath.Join(dir, padLSN(startLSN)+".log")
}

func padLSN(lsn uint64) string {
	s := strconv.FormatUint(lsn, 10)
	for len(s) < 8 {
		s = "0" + s
	}
	return s
}

func (l *Log) newSegment(startLSN uint64) (*segment, error) {
	path := segmentPath(l.cfg.Dir, startLSN)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, errs.Wrap(errs.Durability, err, "create segment")
	}
	return &segment{startLSN: startLSN, path: path, file: f}, nil
}

// scanMaxLSN reads every segment once at open time to recover the LSN
// counter and to find where the active segment's intact prefix ends;
// full replay is internal/recovery's job. A torn tail on the active
// segment is truncated away here so the next append never lands behind
// garbage bytes.
func (l *Log) scanMaxLSN() (uint64, error) {
	var max uint64
	visit := func(seg *segment) (int, error) {
		data, err := readSegmentData(seg)
		if err != nil {
			return 0, err
		}
		off := 0
		for off < len(data) {
			rec, n, err := decodeRecord(data[off:])
			if err != nil {
				if IsShortRead(err) {
					return off, nil
				}
				return off, err
			}
			if rec.LSN > max {
				max = rec.LSN
			}
			off += n
		}
		return off, nil
	}
	for _, seg := range l.sealedSegs {
		if _, err := visit(seg); err != nil {
			return 0, err
		}
	}
	if l.cur != nil {
		valid, err := visit(l.cur)
		if err != nil {
			return 0, err
		}
		if int64(valid) < l.cur.size {
			if err := l.cur.file.Truncate(int64(valid)); err != nil {
				return 0, errs.Wrap(errs.Durability, err, "truncate torn wal tail")
			}
			l.cur.size = int64(valid)
		}
		// Position the write cursor at the intact end; the segment was
		// just (re)opened with its offset at 0.
		if _, err := l.cur.file.Seek(l.cur.size, 0); err != nil {
			return 0, errs.Wrap(errs.Durability, err, "seek to wal tail")
		}
	}
	return max, nil
}

func readSegmentData(seg *segment) ([]byte, error) {
	if !seg.sealed {
		buf := make([]byte, seg.size)
		if _, err := seg.file.ReadAt(buf, 0); err != nil && seg.size > 0 {
			return nil, errs.Wrap(errs.Corruption, err, "read segment")
		}
		return buf, nil
	}
	raw, err := os.ReadFile(seg.path)
	if err != nil {
		return nil, errs.Wrap(errs.Corruption, err, "read sealed segment")
	}
	if isSnappyFrame(raw) {
		return snappy.Decode(nil, raw[len(snappyMagic):])
	}
	return raw, nil
}

var snappyMagic = []byte("MSNP1\x00")

func isSnappyFrame(buf []byte) bool {
	if len(buf) < len(snappyMagic) {
		return false
	}
	for i, b := range snappyMagic {
		if buf[i] != b {
			return false
		}
	}
	return true
}

// Append assigns the next LSN and appends record to the current
// segment without syncing. Rotation is checked after the write.
func (l *Log) Append(op OpType, txnID uint64, key, value []byte, now int64) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(Record{TxnID: txnID, Op: op, Key: key, Value: value, Timestamp: now})
}

func (l *Log) appendLocked(rec Record) (uint64, error) {
	if l.closed {
		return 0, errs.New(errs.ClosedHandle, "wal is closed")
	}
	lsn := l.nextLSN
	l.nextLSN++
	rec.LSN = lsn
	buf := rec.Encode()
	n, err := l.cur.file.Write(buf)
	if err != nil {
		return 0, errs.Wrap(errs.Durability, err, "wal append")
	}
	l.cur.size += int64(n)
	if l.cur.size >= l.cfg.SegmentBytes {
		if err := l.rotateLocked(); err != nil {
			return lsn, err
		}
	}
	return lsn, nil
}

// AppendAndSync appends a batch of records (typically one committing
// transaction's writes plus its trailing Commit record) and syncs,
// implementing group commit: multiple callers' batches may be written
// back-to-back before a single fsync if they race into appendLocked
// while another sync is already in flight (serialized by l.mu, then
// one Sync call covers all of them).
func (l *Log) AppendAndSync(records []Record) (uint64, error) {
	l.mu.Lock()
	var last uint64
	for _, rec := range records {
		lsn, err := l.appendLocked(rec)
		if err != nil {
			l.mu.Unlock()
			return 0, err
		}
		last = lsn
	}
	file := l.cur.file
	durability := l.cfg.Durability
	l.mu.Unlock()

	if durability == Strict {
		if err := file.Sync(); err != nil {
			return 0, errs.Wrap(errs.Durability, err, "wal fsync")
		}
		return last, nil
	}

	ch := make(chan error, 1)
	l.waitMu.Lock()
	l.waiters = append(l.waiters, ch)
	l.waitMu.Unlock()
	if err := <-ch; err != nil {
		return 0, errs.Wrap(errs.Durability, err, "wal group-commit fsync")
	}
	return last, nil
}

// rotateLocked closes the current segment (sealing and optionally
// compressing it) and opens a fresh one. Caller holds l.mu.
func (l *Log) rotateLocked() error {
	old := l.cur
	if err := old.file.Sync(); err != nil {
		return errs.Wrap(errs.Durability, err, "sync before rotate")
	}
	if err := old.file.Close(); err != nil {
		return errs.Wrap(errs.Durability, err, "close segment")
	}
	old.sealed = true
	if err := l.sealSegment(old); err != nil {
		l.log.Warnf("failed to compress sealed segment %s: %v", old.path, err)
	}
	l.sealedSegs = append(l.sealedSegs, old)

	seg, err := l.newSegment(l.nextLSN)
	if err != nil {
		return err
	}
	l.cur = seg
	return nil
}

// sealSegment snappy-compresses a just-closed segment in place. Only
// sealed (immutable, no longer appended to) segments are ever
// compressed; the active segment is always plain so torn-tail
// detection on the live tail keeps working untouched.
func (l *Log) sealSegment(seg *segment) error {
	raw, err := os.ReadFile(seg.path)
	if err != nil {
		return err
	}
	if isSnappyFrame(raw) {
		return nil
	}
	compressed := snappy.Encode(nil, raw)
	if len(compressed)+len(snappyMagic) >= len(raw) {
		return nil // not worth it
	}
	out := append(append([]byte(nil), snappyMagic...), compressed...)
	return os.WriteFile(seg.path, out, 0644)
}

// Rotate forces a segment rotation regardless of size.
func (l *Log) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rotateLocked()
}

// Truncate deletes segments wholly below beforeLSN. Safe to call only
// after a checkpoint confirms all their entries are durable in pages.
func (l *Log) Truncate(beforeLSN uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var keep []*segment
	for i, seg := range l.sealedSegs {
		var nextStart uint64
		if i+1 < len(l.sealedSegs) {
			nextStart = l.sealedSegs[i+1].startLSN
		} else {
			nextStart = l.cur.startLSN
		}
		if nextStart <= beforeLSN {
			if err := os.Remove(seg.path); err != nil && !os.IsNotExist(err) {
				return errs.Wrap(errs.Durability, err, "remove wal segment")
			}
			continue
		}
		keep = append(keep, seg)
	}
	l.sealedSegs = keep
	return nil
}

// IterFrom yields every record with LSN >= fromLSN in order, stopping
// cleanly at the first torn tail and failing on a corrupted middle
// record.
func (l *Log) IterFrom(fromLSN uint64, fn func(Record) error) error {
	l.mu.Lock()
	segs := append(append([]*segment(nil), l.sealedSegs...), l.cur)
	l.mu.Unlock()

	for _, seg := range segs {
		data, err := readSegmentData(seg)
		if err != nil {
			return err
		}
		off := 0
		for off < len(data) {
			rec, n, err := decodeRecord(data[off:])
			if err != nil {
				if IsShortRead(err) {
					break // torn tail: clean end
				}
				return err // corrupted middle record
			}
			off += n
			if rec.LSN < fromLSN {
				continue
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
	}
	return nil
}

// NextLSN returns the LSN that would be assigned to the next append,
// for stats/checkpoint bookkeeping.
func (l *Log) NextLSN() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextLSN
}

// Close flushes and closes the active segment. If the relaxed-tier
// background syncer is running, it is stopped and awaited first so it
// can never touch the file concurrently with (or after) this method's
// own final sync and close.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	stopCh := l.stopCh
	l.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		<-l.doneCh
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.cur.file.Sync(); err != nil {
		return errs.Wrap(errs.Durability, err, "final wal sync")
	}
	return l.cur.file.Close()
}
