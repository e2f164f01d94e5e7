package wal

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/intellect4all/dbcore/internal/storage/common"
)

func tempLogPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "wal.log")
}

func TestAppendAndReadBack(t *testing.T) {
	lm, err := Open(tempLogPath(t), zerolog.Nop())
	require.NoError(t, err)
	defer lm.Close()

	lsn, err := lm.Append(&Record{TxnID: 1, Type: RecInsert,
		Resource: ResourceRef{Table: "t", PageID: 1, RecordID: 1}, After: []byte("hi")})
	require.NoError(t, err)
	require.NoError(t, lm.FlushToLSN(lsn))

	rec, err := lm.ReadLogRecordByLSN(lsn)
	require.NoError(t, err)
	require.Equal(t, []byte("hi"), rec.After)
}

func TestFlushedLSNAdvancesOnlyAfterFlush(t *testing.T) {
	lm, err := Open(tempLogPath(t), zerolog.Nop())
	require.NoError(t, err)
	defer lm.Close()

	before := lm.GetFlushedLSN()
	lsn, err := lm.Append(&Record{TxnID: 1, Type: RecCommit})
	require.NoError(t, err)
	require.Equal(t, before, lm.GetFlushedLSN())
	require.NoError(t, lm.FlushToLSN(lsn))
	require.Equal(t, lsn, lm.GetFlushedLSN())
}

func TestReopenIndexesExistingLog(t *testing.T) {
	path := tempLogPath(t)
	lm, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	lsn, err := lm.Append(&Record{TxnID: 1, Type: RecCommit})
	require.NoError(t, err)
	require.NoError(t, lm.FlushToLSN(lsn))
	require.NoError(t, lm.Close())

	lm2, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	defer lm2.Close()
	rec, err := lm2.ReadLogRecordByLSN(lsn)
	require.NoError(t, err)
	require.Equal(t, RecCommit, rec.Type)
}

// Spec §4.8 needs max_txn_id_seen_during_recovery, including committed
// transactions' ids, not just ids still active at crash time.
func TestMaxTxnIDSurvivesReopen(t *testing.T) {
	path := tempLogPath(t)
	lm, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, uint32(0), lm.MaxTxnID())

	_, err = lm.Append(&Record{TxnID: 3, Type: RecInsert})
	require.NoError(t, err)
	lsn, err := lm.Append(&Record{TxnID: 7, Type: RecCommit})
	require.NoError(t, err)
	// A system record (checkpoint) must not be mistaken for a huge user
	// transaction id even though common.SystemTxnID is all-ones.
	ckptLSN, err := lm.Append(&Record{TxnID: common.SystemTxnID, Type: RecBeginCheckpoint})
	require.NoError(t, err)
	require.NoError(t, lm.FlushToLSN(ckptLSN))
	require.NoError(t, lm.FlushToLSN(lsn))
	require.Equal(t, uint32(7), lm.MaxTxnID())
	require.NoError(t, lm.Close())

	lm2, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	defer lm2.Close()
	require.Equal(t, uint32(7), lm2.MaxTxnID())
}

// fakeApplier is an in-memory stand-in for the storage engine, letting
// recovery be tested without the heap/buffer/catalog stack wired up.
type fakeApplier struct {
	pages map[pageKey]common.LSN
	rows  map[pageKey]map[uint32][]byte // pageKey -> recordID -> bytes, nil means tombstoned
	ddl   []string
}

func newFakeApplier() *fakeApplier {
	return &fakeApplier{pages: map[pageKey]common.LSN{}, rows: map[pageKey]map[uint32][]byte{}}
}

func (f *fakeApplier) key(r ResourceRef) pageKey { return pageKey{Table: r.Table, PageID: r.PageID} }

func (f *fakeApplier) PageLSN(resource ResourceRef) (common.LSN, bool, error) {
	lsn, ok := f.pages[f.key(resource)]
	return lsn, ok, nil
}

func (f *fakeApplier) ensure(r ResourceRef) map[uint32][]byte {
	k := f.key(r)
	if f.rows[k] == nil {
		f.rows[k] = map[uint32][]byte{}
	}
	return f.rows[k]
}

func (f *fakeApplier) Redo(rec *Record) error {
	k := f.key(rec.Resource)
	switch rec.Type {
	case RecInsert:
		f.ensure(rec.Resource)[rec.Resource.RecordID] = rec.After
	case RecUpdate:
		f.ensure(rec.Resource)[rec.Resource.RecordID] = rec.After
	case RecDelete:
		f.ensure(rec.Resource)[rec.Resource.RecordID] = nil
	case RecCLR:
		switch rec.OriginalType {
		case RecInsert:
			f.ensure(rec.Resource)[rec.Resource.RecordID] = nil
		case RecDelete:
			f.ensure(rec.Resource)[rec.Resource.RecordID] = rec.Before
		case RecUpdate:
			f.ensure(rec.Resource)[rec.Resource.RecordID] = rec.Before
		}
	}
	f.pages[k] = rec.LSN
	return nil
}

func (f *fakeApplier) Undo(info UndoInfo, lsn common.LSN) error {
	k := f.key(info.Resource)
	switch info.OriginalType {
	case RecInsert:
		f.ensure(info.Resource)[info.Resource.RecordID] = nil
	case RecDelete:
		f.ensure(info.Resource)[info.Resource.RecordID] = info.Before
	case RecUpdate:
		f.ensure(info.Resource)[info.Resource.RecordID] = info.Before
	}
	f.pages[k] = lsn
	return nil
}

func (f *fakeApplier) ApplyDDL(rec *Record) error {
	f.ddl = append(f.ddl, fmt.Sprintf("%d:%s", rec.Type, rec.Name))
	return nil
}

func TestRecoveryRedoesCommittedAndUndoesLoser(t *testing.T) {
	path := tempLogPath(t)
	lm, err := Open(path, zerolog.Nop())
	require.NoError(t, err)

	res1 := ResourceRef{Table: "t", PageID: 1, RecordID: 1}
	l1, err := lm.Append(&Record{TxnID: 1, Type: RecInsert, Resource: res1, After: []byte("committed-row")})
	require.NoError(t, err)
	cl, err := lm.Append(&Record{TxnID: 1, PrevLSN: l1, Type: RecCommit})
	require.NoError(t, err)
	require.NoError(t, lm.FlushToLSN(cl))

	res2 := ResourceRef{Table: "t", PageID: 2, RecordID: 1}
	l2, err := lm.Append(&Record{TxnID: 2, Type: RecInsert, Resource: res2, After: []byte("uncommitted-row")})
	require.NoError(t, err)
	require.NoError(t, lm.FlushToLSN(l2))
	// Crash: txn 2 never commits or aborts.
	require.NoError(t, lm.Close())

	lm2, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	defer lm2.Close()

	applier := newFakeApplier()
	require.NoError(t, lm2.Recover(applier))

	require.Equal(t, []byte("committed-row"), applier.rows[pageKey{Table: "t", PageID: 1}][1])
	require.Nil(t, applier.rows[pageKey{Table: "t", PageID: 2}][1])
}
