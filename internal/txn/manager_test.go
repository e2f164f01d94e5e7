package txn

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/intellect4all/dbcore/internal/lock"
	"github.com/intellect4all/dbcore/internal/storage/common"
	"github.com/intellect4all/dbcore/internal/wal"
)

// noopApplier satisfies wal.Applier without touching real pages, enough
// to exercise the manager's commit/abort bookkeeping in isolation.
type noopApplier struct{ undone int }

func (n *noopApplier) PageLSN(wal.ResourceRef) (common.LSN, bool, error) { return 0, false, nil }
func (n *noopApplier) Redo(*wal.Record) error                            { return nil }
func (n *noopApplier) Undo(wal.UndoInfo, common.LSN) error               { n.undone++; return nil }
func (n *noopApplier) ApplyDDL(*wal.Record) error                        { return nil }

func newTestManager(t *testing.T) (*Manager, *wal.LogManager, *noopApplier) {
	t.Helper()
	logMgr, err := wal.Open(filepath.Join(t.TempDir(), "wal.log"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { logMgr.Close() })

	locks := lock.New(zerolog.Nop())
	t.Cleanup(locks.Close)
	applier := &noopApplier{}
	m := New(logMgr, locks, applier, 0, 50*time.Millisecond, zerolog.Nop())
	t.Cleanup(m.Close)
	return m, logMgr, applier
}

func TestBeginAssignsDistinctIDs(t *testing.T) {
	m, _, _ := newTestManager(t)
	a := m.Begin(RepeatableRead)
	b := m.Begin(RepeatableRead)
	require.NotEqual(t, a.ID, b.ID)
	require.Equal(t, StateActive, a.State())
}

func TestCommitForcesRecordAndReleasesLocks(t *testing.T) {
	m, logMgr, _ := newTestManager(t)
	tx := m.Begin(RepeatableRead)
	require.NoError(t, m.locks.Acquire(context.Background(), tx.ID, lock.TableResource("t"), lock.X))

	require.NoError(t, m.Commit(tx))
	require.Equal(t, StateCommitted, tx.State())
	require.GreaterOrEqual(t, logMgr.GetFlushedLSN(), tx.LastLSN())
	require.Empty(t, m.locks.HeldModes(tx.ID))

	_, ok := m.Lookup(tx.ID)
	require.False(t, ok)
}

func TestAbortUndoesLoggedWork(t *testing.T) {
	m, logMgr, applier := newTestManager(t)
	tx := m.Begin(RepeatableRead)

	rec := &wal.Record{TxnID: tx.ID, PrevLSN: tx.LastLSN(), Type: wal.RecInsert,
		Resource: wal.ResourceRef{Table: "t", PageID: 1, RecordID: 1}, After: []byte("x")}
	lsn, err := logMgr.Append(rec)
	require.NoError(t, err)
	tx.SetLastLSN(lsn)

	require.NoError(t, m.Abort(tx))
	require.Equal(t, StateAborted, tx.State())
	require.Equal(t, 1, applier.undone)
}

func TestCommitOnNonActiveTransactionFails(t *testing.T) {
	m, _, _ := newTestManager(t)
	tx := m.Begin(RepeatableRead)
	require.NoError(t, m.Commit(tx))
	require.ErrorIs(t, m.Commit(tx), common.ErrTxnNotActive)
}

func TestTimeoutSweepAbortsExpiredTransaction(t *testing.T) {
	m, _, _ := newTestManager(t)
	tx := m.Begin(RepeatableRead)

	require.Eventually(t, func() bool {
		return tx.State() == StateAborted
	}, 2*time.Second, 10*time.Millisecond)
}
