package engine

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/intellect4all/dbcore/internal/config"
	"github.com/intellect4all/dbcore/internal/storage/common"
	"github.com/intellect4all/dbcore/internal/storage/keyenc"
	"github.com/intellect4all/dbcore/internal/storage/rowcodec"
	"github.com/intellect4all/dbcore/internal/storage/schema"
	"github.com/intellect4all/dbcore/internal/txn"
)

func usersTable() schema.Table {
	return schema.Table{
		Name: "users",
		Columns: []schema.Column{
			{Name: "name", Type: common.ColumnTypeString, Length: 20},
			{Name: "age", Type: common.ColumnTypeInt32},
		},
	}
}

func testConfig(dir string) config.Config {
	cfg := config.Default(dir)
	cfg.CheckpointInterval = 0 // tests drive checkpoints/crashes explicitly
	return cfg
}

func scanAll(t *testing.T, e *Engine, tx *txn.Transaction, table string) []rowcodec.Row {
	t.Helper()
	var rows []rowcodec.Row
	require.NoError(t, e.Scan(tx, table, func(_ common.RowID, row rowcodec.Row) (bool, error) {
		rows = append(rows, row)
		return false, nil
	}))
	return rows
}

// S1 — commit and read: a committed insert is visible to a later reader.
func TestCommitAndRead(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(testConfig(dir), zerolog.Nop())
	require.NoError(t, err)
	defer e.Close()

	t1 := e.Begin(txn.RepeatableRead)
	require.NoError(t, e.CreateTable(t1, usersTable()))
	require.NoError(t, e.Commit(t1))

	t2 := e.Begin(txn.RepeatableRead)
	rowID, err := e.InsertRow(t2, "users", rowcodec.Row{"alice", int32(25)})
	require.NoError(t, err)
	require.Equal(t, common.RowID{PageID: 1, RecordID: 0}, rowID)
	require.NoError(t, e.Commit(t2))

	t3 := e.Begin(txn.RepeatableRead)
	rows := scanAll(t, e, t3, "users")
	require.NoError(t, e.Commit(t3))
	require.Equal(t, []rowcodec.Row{{"alice", int32(25)}}, rows)
}

// S2 — abort discards: an aborted insert is invisible afterward.
func TestAbortDiscards(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(testConfig(dir), zerolog.Nop())
	require.NoError(t, err)
	defer e.Close()

	t1 := e.Begin(txn.RepeatableRead)
	require.NoError(t, e.CreateTable(t1, usersTable()))
	require.NoError(t, e.Commit(t1))

	t2 := e.Begin(txn.RepeatableRead)
	_, err = e.InsertRow(t2, "users", rowcodec.Row{"bob", int32(30)})
	require.NoError(t, err)
	require.NoError(t, e.Abort(t2))

	t3 := e.Begin(txn.RepeatableRead)
	rows := scanAll(t, e, t3, "users")
	require.NoError(t, e.Commit(t3))
	require.Empty(t, rows)
}

// S3 — recovery of a committed insert: abandoning the engine without a
// clean Close (simulating a crash) still recovers committed work, because
// Commit forces its WAL record durable before returning.
func TestRecoveryOfCommittedInsert(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)

	e, err := Open(cfg, zerolog.Nop())
	require.NoError(t, err)

	t1 := e.Begin(txn.RepeatableRead)
	require.NoError(t, e.CreateTable(t1, usersTable()))
	require.NoError(t, e.Commit(t1))

	t2 := e.Begin(txn.RepeatableRead)
	_, err = e.InsertRow(t2, "users", rowcodec.Row{"alice", int32(25)})
	require.NoError(t, err)
	require.NoError(t, e.Commit(t2))
	// No Close(): the buffer pool's dirty heap page is never written to
	// the tablespace, only the WAL; reopening must recover it from the log.

	e2, err := Open(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer e2.Close()

	t3 := e2.Begin(txn.RepeatableRead)
	rows := scanAll(t, e2, t3, "users")
	require.NoError(t, e2.Commit(t3))
	require.Equal(t, []rowcodec.Row{{"alice", int32(25)}}, rows)
}

// Spec §4.8: the transaction id counter must resume at
// max_txn_id_seen_during_recovery+1 after a restart, never reissuing an
// id a pre-crash transaction already used.
func TestTransactionIDsDoNotResetAfterRecovery(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)

	e, err := Open(cfg, zerolog.Nop())
	require.NoError(t, err)

	t1 := e.Begin(txn.RepeatableRead)
	require.NoError(t, e.CreateTable(t1, usersTable()))
	require.NoError(t, e.Commit(t1))
	t2 := e.Begin(txn.RepeatableRead)
	require.NoError(t, e.Commit(t2))
	lastIDBeforeCrash := t2.ID

	e2, err := Open(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer e2.Close()

	t3 := e2.Begin(txn.RepeatableRead)
	require.Greater(t, t3.ID, lastIDBeforeCrash)
	require.NoError(t, e2.Commit(t3))
}

// S4 — recovery of a committed update: redo must replay both the insert
// and the later update, in order, landing on the final value.
func TestRecoveryOfCommittedUpdate(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)

	e, err := Open(cfg, zerolog.Nop())
	require.NoError(t, err)

	t1 := e.Begin(txn.RepeatableRead)
	require.NoError(t, e.CreateTable(t1, usersTable()))
	require.NoError(t, e.Commit(t1))

	t2 := e.Begin(txn.RepeatableRead)
	rowID, err := e.InsertRow(t2, "users", rowcodec.Row{"frank", int32(20)})
	require.NoError(t, err)
	require.NoError(t, e.Commit(t2))

	t3 := e.Begin(txn.RepeatableRead)
	require.NoError(t, e.UpdateRow(t3, "users", rowID, rowcodec.Row{"frank", int32(21)}))
	require.NoError(t, e.Commit(t3))
	// No Close(): simulate a crash before the updated page is flushed.

	e2, err := Open(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer e2.Close()

	t4 := e2.Begin(txn.RepeatableRead)
	rows := scanAll(t, e2, t4, "users")
	require.NoError(t, e2.Commit(t4))
	require.Equal(t, []rowcodec.Row{{"frank", int32(21)}}, rows)
}

// S5 — recovery rejects uncommitted work: an insert from a transaction
// that never committed must be undone by recovery's undo pass.
func TestRecoveryRejectsUncommitted(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)

	e, err := Open(cfg, zerolog.Nop())
	require.NoError(t, err)

	t1 := e.Begin(txn.RepeatableRead)
	require.NoError(t, e.CreateTable(t1, usersTable()))
	require.NoError(t, e.Commit(t1))

	t2 := e.Begin(txn.RepeatableRead)
	_, err = e.InsertRow(t2, "users", rowcodec.Row{"dave", int32(40)})
	require.NoError(t, err)
	// Crash before T2 commits or aborts.

	e2, err := Open(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer e2.Close()

	t3 := e2.Begin(txn.RepeatableRead)
	rows := scanAll(t, e2, t3, "users")
	require.NoError(t, e2.Commit(t3))
	require.Empty(t, rows)
}

// S6 — index search post-recovery: a committed index must still answer
// lookups correctly after a crash and recovery.
func TestIndexSearchPostRecovery(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)

	e, err := Open(cfg, zerolog.Nop())
	require.NoError(t, err)

	t1 := e.Begin(txn.RepeatableRead)
	require.NoError(t, e.CreateTable(t1, usersTable()))
	require.NoError(t, e.Commit(t1))

	t2 := e.Begin(txn.RepeatableRead)
	_, err = e.InsertRow(t2, "users", rowcodec.Row{"isaac", int32(18)})
	require.NoError(t, err)
	janeID, err := e.InsertRow(t2, "users", rowcodec.Row{"jane", int32(22)})
	require.NoError(t, err)
	_, err = e.InsertRow(t2, "users", rowcodec.Row{"kate", int32(30)})
	require.NoError(t, err)
	require.NoError(t, e.Commit(t2))

	t3 := e.Begin(txn.RepeatableRead)
	require.NoError(t, e.CreateIndex(t3, "users", "idx_name", "name", true))
	require.NoError(t, e.Commit(t3))
	// Crash before Close flushes anything to the tablespace.

	e2, err := Open(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer e2.Close()

	t4 := e2.Begin(txn.RepeatableRead)
	found, ok, err := e2.FindByIndex(t4, "users", "idx_name", []keyenc.Component{"jane"})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, janeID, found)
	require.NoError(t, e2.Commit(t4))
}

func TestUniqueIndexRejectsDuplicate(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(testConfig(dir), zerolog.Nop())
	require.NoError(t, err)
	defer e.Close()

	t1 := e.Begin(txn.RepeatableRead)
	tbl := usersTable()
	tbl.Columns[0].PrimaryKey = true
	require.NoError(t, e.CreateTable(t1, tbl))
	_, err = e.InsertRow(t1, "users", rowcodec.Row{"alice", int32(25)})
	require.NoError(t, err)
	require.NoError(t, e.Commit(t1))

	t2 := e.Begin(txn.RepeatableRead)
	_, err = e.InsertRow(t2, "users", rowcodec.Row{"alice", int32(99)})
	require.ErrorIs(t, err, common.ErrConstraintViolation)
	require.NoError(t, e.Abort(t2))
}

func TestDropTableAndIndex(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(testConfig(dir), zerolog.Nop())
	require.NoError(t, err)
	defer e.Close()

	t1 := e.Begin(txn.RepeatableRead)
	require.NoError(t, e.CreateTable(t1, usersTable()))
	require.NoError(t, e.CreateIndex(t1, "users", "idx_name", "name", false))
	require.NoError(t, e.Commit(t1))

	t2 := e.Begin(txn.RepeatableRead)
	require.NoError(t, e.DropIndex(t2, "users", "idx_name"))
	require.NoError(t, e.DropTable(t2, "users", false))
	require.NoError(t, e.Commit(t2))

	t3 := e.Begin(txn.RepeatableRead)
	_, err = e.InsertRow(t3, "users", rowcodec.Row{"x", int32(1)})
	require.ErrorIs(t, err, common.ErrNotFound)
	require.NoError(t, e.Abort(t3))
}

func TestCheckpointDoesNotErrorMidway(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.CheckpointInterval = 0
	e, err := Open(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer e.Close()

	t1 := e.Begin(txn.RepeatableRead)
	require.NoError(t, e.CreateTable(t1, usersTable()))
	_, err = e.InsertRow(t1, "users", rowcodec.Row{"alice", int32(25)})
	require.NoError(t, err)
	require.NoError(t, e.Checkpoint())
	require.NoError(t, e.Commit(t1))
}

