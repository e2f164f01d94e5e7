package heap

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/intellect4all/dbcore/internal/storage/buffer"
	"github.com/intellect4all/dbcore/internal/storage/common"
	"github.com/intellect4all/dbcore/internal/storage/tablespace"
)

type noopFlusher struct{}

func (noopFlusher) FlushToLSN(common.LSN) error { return nil }

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	ts, err := tablespace.Open(filepath.Join(t.TempDir(), "data.tbl"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { ts.Close() })
	pool := buffer.New(ts, noopFlusher{}, 8, zerolog.Nop())
	return New(pool, zerolog.Nop())
}

const recSize = 8

func TestInsertAndGet(t *testing.T) {
	m := newTestManager(t)
	first, err := m.CreateChain()
	require.NoError(t, err)

	loc, err := m.FindInsertLocation(first, recSize)
	require.NoError(t, err)
	require.NoError(t, m.ApplyInsertAt(loc, []byte("rowbytes"), recSize, 1))

	valid, data, err := m.Get(loc, recSize)
	require.NoError(t, err)
	require.True(t, valid)
	require.Equal(t, []byte("rowbytes"), data)
}

func TestUpdateAndDelete(t *testing.T) {
	m := newTestManager(t)
	first, err := m.CreateChain()
	require.NoError(t, err)
	loc, err := m.FindInsertLocation(first, recSize)
	require.NoError(t, err)
	require.NoError(t, m.ApplyInsertAt(loc, []byte("original"), recSize, 1))

	require.NoError(t, m.Update(loc, []byte("modified"), recSize, 2))
	valid, data, err := m.Get(loc, recSize)
	require.NoError(t, err)
	require.True(t, valid)
	require.Equal(t, []byte("modified"), data)

	require.NoError(t, m.Delete(loc, recSize, 3))
	valid, _, err = m.Get(loc, recSize)
	require.NoError(t, err)
	require.False(t, valid)
}

func TestChainExtendsWhenPageFull(t *testing.T) {
	m := newTestManager(t)
	first, err := m.CreateChain()
	require.NoError(t, err)

	// A 4 KiB page with an 8-byte record fits far fewer than 1000 slots;
	// insert enough to force at least one chain extension.
	var last common.RowID
	for i := 0; i < 600; i++ {
		loc, err := m.FindInsertLocation(first, recSize)
		require.NoError(t, err)
		require.NoError(t, m.ApplyInsertAt(loc, []byte("12345678"), recSize, common.LSN(i+1)))
		last = loc
	}
	require.NotEqual(t, first, last.PageID)
}

func TestScanVisitsOnlyValidRecords(t *testing.T) {
	m := newTestManager(t)
	first, err := m.CreateChain()
	require.NoError(t, err)

	var locs []common.RowID
	for i := 0; i < 3; i++ {
		loc, err := m.FindInsertLocation(first, recSize)
		require.NoError(t, err)
		require.NoError(t, m.ApplyInsertAt(loc, []byte("aaaaaaaa"), recSize, common.LSN(i+1)))
		locs = append(locs, loc)
	}
	require.NoError(t, m.Delete(locs[1], recSize, 10))

	var seen int
	err = m.Scan(first, recSize, func(rowID common.RowID, data []byte) (bool, error) {
		seen++
		require.NotEqual(t, locs[1], rowID)
		return false, nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, seen)
}
