package btree

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/intellect4all/dbcore/internal/storage/buffer"
	"github.com/intellect4all/dbcore/internal/storage/common"
	"github.com/intellect4all/dbcore/internal/storage/keyenc"
	"github.com/intellect4all/dbcore/internal/storage/tablespace"
)

type noopFlusher struct{}

func (noopFlusher) FlushToLSN(common.LSN) error { return nil }

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	ts, err := tablespace.Open(filepath.Join(t.TempDir(), "idx.tbl"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { ts.Close() })
	pool := buffer.New(ts, noopFlusher{}, 32, zerolog.Nop())
	return New(pool, zerolog.Nop())
}

func intKey(t *testing.T, n int32) []byte {
	t.Helper()
	k, err := keyenc.Encode([]keyenc.Component{n}, []common.ColumnType{common.ColumnTypeInt32})
	require.NoError(t, err)
	return k
}

func stringKey(t *testing.T, s string) []byte {
	t.Helper()
	k, err := keyenc.Encode([]keyenc.Component{s}, []common.ColumnType{common.ColumnTypeString})
	require.NoError(t, err)
	return k
}

func TestInsertAndSearch(t *testing.T) {
	m := newTestManager(t)
	root, err := m.CreateTree()
	require.NoError(t, err)

	root, err = m.Insert(root, intKey(t, 1), common.RowID{PageID: 1, RecordID: 0}, true, 1)
	require.NoError(t, err)
	root, err = m.Insert(root, intKey(t, 2), common.RowID{PageID: 1, RecordID: 1}, true, 2)
	require.NoError(t, err)

	rowID, found, err := m.Search(root, intKey(t, 1))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, common.RowID{PageID: 1, RecordID: 0}, rowID)

	_, found, err = m.Search(root, intKey(t, 99))
	require.NoError(t, err)
	require.False(t, found)
}

func TestUniqueViolation(t *testing.T) {
	m := newTestManager(t)
	root, err := m.CreateTree()
	require.NoError(t, err)
	root, err = m.Insert(root, intKey(t, 1), common.RowID{PageID: 1, RecordID: 0}, true, 1)
	require.NoError(t, err)

	_, err = m.Insert(root, intKey(t, 1), common.RowID{PageID: 1, RecordID: 5}, true, 2)
	require.ErrorIs(t, err, common.ErrUniqueViolation)
}

func TestInsertCausesSplitAndStillFindsAllKeys(t *testing.T) {
	m := newTestManager(t)
	root, err := m.CreateTree()
	require.NoError(t, err)

	const n = 500
	for i := int32(0); i < n; i++ {
		root, err = m.Insert(root, intKey(t, i), common.RowID{PageID: uint32(i) + 1, RecordID: 0}, true, common.LSN(i+1))
		require.NoErrorf(t, err, "insert %d", i)
	}

	for i := int32(0); i < n; i++ {
		rowID, found, err := m.Search(root, intKey(t, i))
		require.NoError(t, err)
		require.Truef(t, found, "key %d should be found", i)
		require.Equal(t, uint32(i)+1, rowID.PageID)
	}
}

func TestDeleteRemovesKeyAndMergesUnderflow(t *testing.T) {
	m := newTestManager(t)
	root, err := m.CreateTree()
	require.NoError(t, err)

	const n = 300
	for i := int32(0); i < n; i++ {
		root, err = m.Insert(root, intKey(t, i), common.RowID{PageID: uint32(i) + 1, RecordID: 0}, true, common.LSN(i+1))
		require.NoError(t, err)
	}

	for i := int32(0); i < n-1; i++ {
		root, err = m.Delete(root, intKey(t, i), common.RowID{PageID: uint32(i) + 1, RecordID: 0}, common.LSN(n+i+1))
		require.NoErrorf(t, err, "delete %d", i)
	}

	for i := int32(0); i < n-1; i++ {
		_, found, err := m.Search(root, intKey(t, i))
		require.NoError(t, err)
		require.Falsef(t, found, "key %d should have been deleted", i)
	}
	rowID, found, err := m.Search(root, intKey(t, n-1))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint32(n), rowID.PageID)
}

func TestDeleteRedistributesBeforeMerging(t *testing.T) {
	m := newTestManager(t)
	root, err := m.CreateTree()
	require.NoError(t, err)

	const n = 300
	for i := int32(0); i < n; i++ {
		root, err = m.Insert(root, intKey(t, i), common.RowID{PageID: uint32(i) + 1, RecordID: 0}, true, common.LSN(i+1))
		require.NoError(t, err)
	}

	// Delete every third key in the lower third of the keyspace: sparse
	// enough that a leaf there should be able to borrow from a still-full
	// neighbor rather than merge away entirely.
	lsn := common.LSN(n + 1)
	for i := int32(0); i < n/3; i += 3 {
		root, err = m.Delete(root, intKey(t, i), common.RowID{PageID: uint32(i) + 1, RecordID: 0}, lsn)
		require.NoErrorf(t, err, "delete %d", i)
		lsn++
	}

	for i := int32(0); i < n; i++ {
		wantFound := !(i < n/3 && i%3 == 0)
		_, found, err := m.Search(root, intKey(t, i))
		require.NoError(t, err)
		require.Equalf(t, wantFound, found, "key %d", i)
	}
}

func TestDeleteMissingKeyIsNoOp(t *testing.T) {
	m := newTestManager(t)
	root, err := m.CreateTree()
	require.NoError(t, err)
	root, err = m.Insert(root, intKey(t, 1), common.RowID{PageID: 1}, false, 1)
	require.NoError(t, err)

	newRoot, err := m.Delete(root, intKey(t, 2), common.RowID{PageID: 1}, 2)
	require.NoError(t, err)
	require.Equal(t, root, newRoot)
}

func TestStringKeysOrderPreserved(t *testing.T) {
	m := newTestManager(t)
	root, err := m.CreateTree()
	require.NoError(t, err)

	words := []string{"banana", "apple", "cherry", "date"}
	for i, w := range words {
		key := stringKey(t, w)
		var err error
		root, err = m.Insert(root, key, common.RowID{PageID: uint32(i) + 1}, true, common.LSN(i+1))
		require.NoError(t, err)
	}

	for i, w := range words {
		key := stringKey(t, w)
		rowID, found, err := m.Search(root, key)
		require.NoError(t, err)
		require.Truef(t, found, "word %s", w)
		require.Equal(t, uint32(i)+1, rowID.PageID)
	}

	sorted := []string{"apple", "banana", "cherry", "date"}
	for i := 1; i < len(sorted); i++ {
		require.Negativef(t, keyenc.Compare(stringKey(t, sorted[i-1]), stringKey(t, sorted[i])), "%s < %s", sorted[i-1], sorted[i])
	}
}

func TestLargeMixedWorkload(t *testing.T) {
	m := newTestManager(t)
	root, err := m.CreateTree()
	require.NoError(t, err)

	present := map[int32]bool{}
	lsn := common.LSN(1)
	for i := int32(0); i < 200; i++ {
		root, err = m.Insert(root, intKey(t, i), common.RowID{PageID: uint32(i) + 1}, true, lsn)
		require.NoError(t, err)
		present[i] = true
		lsn++
		if i%3 == 0 && i > 0 {
			victim := i - 1
			if present[victim] {
				root, err = m.Delete(root, intKey(t, victim), common.RowID{PageID: uint32(victim) + 1}, lsn)
				require.NoError(t, err)
				present[victim] = false
				lsn++
			}
		}
	}

	for k, want := range present {
		_, found, err := m.Search(root, intKey(t, k))
		require.NoError(t, err)
		require.Equal(t, want, found, fmt.Sprintf("key %d", k))
	}
}
