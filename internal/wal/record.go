// Package wal implements the append-only write-ahead log, with
// segment rotation, group commit, and snappy compression of sealed
// (read-only) segments.
package wal

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/VanitasCaesar1/mantisdb/internal/errs"
)

// OpType is the WAL record's operation: 0=Insert, 1=Update, 2=Delete,
// 3=Commit, 4=Abort, 5=Checkpoint.
type OpType uint8

const (
	OpInsert OpType = iota
	OpUpdate
	OpDelete
	OpCommit
	OpAbort
	OpCheckpoint
)

// Record is one WAL entry: (LSN, txn_id, op_type, key?, value?,
// timestamp, ttl_ms, crc32). Timestamp is the writer's commit-time
// wall clock, replayed as the version's CreatedTS/DeletedTS during
// recovery so visibility after a restart matches what readers saw
// before the crash; TTLms is the entry's expiry in milliseconds (0
// means none) and must survive replay the same way.
type Record struct {
	LSN       uint64
	TxnID     uint64
	Op        OpType
	Key       []byte
	Value     []byte
	Timestamp int64
	TTLms     int64
}

// Encode serializes r as:
//
//	LSN(u64) TxnID(u64) OpType(u8) KeyLen(u32) Key ValLen(u32) Value TS(i64) TTL(i64) CRC32(u32)
//
// all big-endian; the CRC covers every prior field.
func (r *Record) Encode() []byte {
	buf := make([]byte, 8+8+1+4+len(r.Key)+4+len(r.Value)+8+8+4)
	off := 0
	binary.BigEndian.PutUint64(buf[off:], r.LSN)
	off += 8
	binary.BigEndian.PutUint64(buf[off:], r.TxnID)
	off += 8
	buf[off] = byte(r.Op)
	off++
	binary.BigEndian.PutUint32(buf[off:], uint32(len(r.Key)))
	off += 4
	off += copy(buf[off:], r.Key)
	binary.BigEndian.PutUint32(buf[off:], uint32(len(r.Value)))
	off += 4
	off += copy(buf[off:], r.Value)
	binary.BigEndian.PutUint64(buf[off:], uint64(r.Timestamp))
	off += 8
	binary.BigEndian.PutUint64(buf[off:], uint64(r.TTLms))
	off += 8
	crc := crc32.ChecksumIEEE(buf[:off])
	binary.BigEndian.PutUint32(buf[off:], crc)
	return buf
}

// minRecordLen is the smallest possible encoded record (empty key and
// value): 8+8+1+4+4+8+8+4.
const minRecordLen = 8 + 8 + 1 + 4 + 4 + 8 + 8 + 4

// decodeRecord parses one record from the front of buf, returning the
// record, the number of bytes consumed, and an error. A torn tail
// (not enough bytes for a full record) is reported via errShortRead so
// callers can treat it as a clean end-of-log rather than corruption.
func decodeRecord(buf []byte) (Record, int, error) {
	if len(buf) < minRecordLen {
		return Record{}, 0, errShortRead
	}
	off := 0
	var r Record
	r.LSN = binary.BigEndian.Uint64(buf[off:])
	off += 8
	r.TxnID = binary.BigEndian.Uint64(buf[off:])
	off += 8
	r.Op = OpType(buf[off])
	off++
	if off+4 > len(buf) {
		return Record{}, 0, errShortRead
	}
	keyLen := int(binary.BigEndian.Uint32(buf[off:]))
	off += 4
	if off+keyLen+4 > len(buf) {
		return Record{}, 0, errShortRead
	}
	r.Key = append([]byte(nil), buf[off:off+keyLen]...)
	off += keyLen
	valLen := int(binary.BigEndian.Uint32(buf[off:]))
	off += 4
	if off+valLen+8+8+4 > len(buf) {
		return Record{}, 0, errShortRead
	}
	r.Value = append([]byte(nil), buf[off:off+valLen]...)
	off += valLen
	r.Timestamp = int64(binary.BigEndian.Uint64(buf[off:]))
	off += 8
	r.TTLms = int64(binary.BigEndian.Uint64(buf[off:]))
	off += 8
	wantCRC := binary.BigEndian.Uint32(buf[off:])
	off += 4
	gotCRC := crc32.ChecksumIEEE(buf[:off-4])
	if gotCRC != wantCRC {
		return Record{}, 0, errs.New(errs.CorruptWAL, "wal record crc mismatch at lsn %d", r.LSN)
	}
	return r, off, nil
}

var errShortRead = errs.New(errs.CorruptWAL, "short read: torn tail")

// IsShortRead reports whether err is the sentinel for a torn trailing
// record, which callers should treat as a clean end rather than fail.
func IsShortRead(err error) bool {
	return err == errShortRead
}
