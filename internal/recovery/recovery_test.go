package recovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VanitasCaesar1/mantisdb/internal/memtable"
	"github.com/VanitasCaesar1/mantisdb/internal/wal"
)

func TestRecoverEmptyWAL(t *testing.T) {
	log, err := wal.Open(wal.Config{Dir: t.TempDir()})
	require.NoError(t, err)
	defer log.Close()

	mem := memtable.New(16)
	res, err := Recover(log, mem)
	require.NoError(t, err)
	assert.Equal(t, 0, res.RecordsScanned)
	assert.Equal(t, uint64(1), res.NextLSN)
}

func TestRecoverReplaysOnlyCommittedTxns(t *testing.T) {
	log, err := wal.Open(wal.Config{Dir: t.TempDir()})
	require.NoError(t, err)
	defer log.Close()

	// txn 1: committed insert.
	_, err = log.Append(wal.OpInsert, 1, []byte("k1"), []byte("v1"), 10)
	require.NoError(t, err)
	_, err = log.Append(wal.OpCommit, 1, nil, nil, 11)
	require.NoError(t, err)

	// txn 2: aborted insert, must never be visible.
	_, err = log.Append(wal.OpInsert, 2, []byte("k2"), []byte("v2"), 12)
	require.NoError(t, err)
	_, err = log.Append(wal.OpAbort, 2, nil, nil, 13)
	require.NoError(t, err)

	// txn 3: never closed (crash mid-transaction), must never be visible.
	_, err = log.Append(wal.OpInsert, 3, []byte("k3"), []byte("v3"), 14)
	require.NoError(t, err)

	mem := memtable.New(16)
	res, err := Recover(log, mem)
	require.NoError(t, err)

	assert.Equal(t, 1, res.CommittedTxns)
	assert.Equal(t, 1, res.AbortedTxns)
	assert.Equal(t, 1, res.InFlightTxns)
	assert.Equal(t, 1, res.RecordsReplayed)

	v := mem.GetHead([]byte("k1"))
	require.NotNil(t, v)
	assert.Equal(t, []byte("v1"), v.Payload)

	assert.Nil(t, mem.GetHead([]byte("k2")))
	assert.Nil(t, mem.GetHead([]byte("k3")))
}

func TestRecoverReplaysDeleteAsTombstone(t *testing.T) {
	log, err := wal.Open(wal.Config{Dir: t.TempDir()})
	require.NoError(t, err)
	defer log.Close()

	_, err = log.Append(wal.OpInsert, 1, []byte("k"), []byte("v"), 1)
	require.NoError(t, err)
	_, err = log.Append(wal.OpDelete, 1, []byte("k"), nil, 2)
	require.NoError(t, err)
	_, err = log.Append(wal.OpCommit, 1, nil, nil, 3)
	require.NoError(t, err)

	mem := memtable.New(16)
	_, err = Recover(log, mem)
	require.NoError(t, err)

	v := mem.GetHead([]byte("k"))
	require.NotNil(t, v)
	assert.False(t, v.Visible(3))
	assert.True(t, v.Prev.Visible(1))
}

type recordingApplier struct {
	applied []wal.Record
}

func (a *recordingApplier) Apply(rec wal.Record) error {
	a.applied = append(a.applied, rec)
	return nil
}

func TestRecoverInvokesExtraAppliers(t *testing.T) {
	log, err := wal.Open(wal.Config{Dir: t.TempDir()})
	require.NoError(t, err)
	defer log.Close()

	_, err = log.Append(wal.OpInsert, 1, []byte("k"), []byte("v"), 1)
	require.NoError(t, err)
	_, err = log.Append(wal.OpCommit, 1, nil, nil, 2)
	require.NoError(t, err)

	mem := memtable.New(16)
	applier := &recordingApplier{}
	_, err = Recover(log, mem, applier)
	require.NoError(t, err)
	require.Len(t, applier.applied, 1)
	assert.Equal(t, []byte("k"), applier.applied[0].Key)
}
