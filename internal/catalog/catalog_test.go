package catalog

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/intellect4all/dbcore/internal/storage/common"
	"github.com/intellect4all/dbcore/internal/storage/schema"
)

func sampleTable(name string) schema.Table {
	return schema.Table{Name: name, Columns: []schema.Column{
		{Name: "id", Type: common.ColumnTypeInt32, PrimaryKey: true},
		{Name: "label", Type: common.ColumnTypeString, Length: 16},
	}}
}

func TestCreateAndGetTable(t *testing.T) {
	c := New("", zerolog.Nop())
	require.NoError(t, c.CreateTable(sampleTable("widgets"), 1))

	meta, err := c.GetTable("widgets")
	require.NoError(t, err)
	require.Equal(t, uint32(1), meta.HeapFirstPageID)
	require.Equal(t, "widgets", meta.Table.Name)
}

func TestCreateTableDuplicateFails(t *testing.T) {
	c := New("", zerolog.Nop())
	require.NoError(t, c.CreateTable(sampleTable("widgets"), 1))
	require.ErrorIs(t, c.CreateTable(sampleTable("widgets"), 2), common.ErrAlreadyExists)
}

func TestDropTableRemovesIndexes(t *testing.T) {
	c := New("", zerolog.Nop())
	require.NoError(t, c.CreateTable(sampleTable("widgets"), 1))
	require.NoError(t, c.CreateIndex(IndexMeta{Name: "idx_label", Table: "widgets", Column: "label"}))
	require.NoError(t, c.DropTable("widgets"))
	_, err := c.GetTable("widgets")
	require.ErrorIs(t, err, common.ErrNotFound)
	_, err = c.GetIndex("widgets", "idx_label")
	require.ErrorIs(t, err, common.ErrNotFound)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.json")
	c := New(path, zerolog.Nop())
	require.NoError(t, c.CreateTable(sampleTable("widgets"), 1))
	require.NoError(t, c.CreateIndex(IndexMeta{Name: "idx_label", Table: "widgets", Column: "label", RootPageID: 9}))
	require.NoError(t, c.Save())

	c2 := New(path, zerolog.Nop())
	require.NoError(t, c2.Load())
	meta, err := c2.GetTable("widgets")
	require.NoError(t, err)
	require.Equal(t, uint32(1), meta.HeapFirstPageID)
	idx, err := c2.GetIndex("widgets", "idx_label")
	require.NoError(t, err)
	require.Equal(t, uint32(9), idx.RootPageID)
}

func TestApplyCreateTableIsIdempotent(t *testing.T) {
	c := New("", zerolog.Nop())
	payload, err := EncodeCreateTable(sampleTable("widgets"), 3)
	require.NoError(t, err)
	require.NoError(t, c.ApplyCreateTable(payload))
	require.NoError(t, c.ApplyCreateTable(payload)) // redo should not error
}

func TestBumpRowCount(t *testing.T) {
	c := New("", zerolog.Nop())
	require.NoError(t, c.CreateTable(sampleTable("widgets"), 1))
	c.BumpRowCount("widgets", 5)
	c.BumpRowCount("widgets", -2)
	meta, err := c.GetTable("widgets")
	require.NoError(t, err)
	require.EqualValues(t, 3, meta.Stats.RowCount)
}
