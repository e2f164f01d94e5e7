package engine

import (
	"context"
	"fmt"

	"github.com/intellect4all/dbcore/internal/catalog"
	"github.com/intellect4all/dbcore/internal/lock"
	"github.com/intellect4all/dbcore/internal/storage/common"
	"github.com/intellect4all/dbcore/internal/storage/keyenc"
	"github.com/intellect4all/dbcore/internal/storage/rowcodec"
	"github.com/intellect4all/dbcore/internal/storage/schema"
	"github.com/intellect4all/dbcore/internal/txn"
	"github.com/intellect4all/dbcore/internal/wal"
)

// catalogResource is the table-level resource every DDL operation X-locks,
// so CREATE/DROP TABLE and CREATE/DROP INDEX serialize against each other
// without a dedicated catalog-wide lock type (spec §4.9's "DDL holds the
// table lock for the new/dropped object, plus this sentinel for the
// catalog-wide bookkeeping it touches").
const catalogResource = "__catalog__"

// CreateTable registers a new table, durably logs the DDL, and — if the
// schema declares a primary key — auto-creates a unique index on that
// column (spec §4.9).
func (e *Engine) CreateTable(t *txn.Transaction, table schema.Table) error {
	if err := e.locks.Acquire(context.Background(), t.ID, lock.TableResource(catalogResource), lock.X); err != nil {
		return err
	}
	if err := e.locks.Acquire(context.Background(), t.ID, lock.TableResource(table.Name), lock.X); err != nil {
		return err
	}
	if _, err := e.cat.GetTable(table.Name); err == nil {
		return fmt.Errorf("%w: table %q", common.ErrAlreadyExists, table.Name)
	}

	firstPageID, err := e.heapMgr.CreateChain()
	if err != nil {
		return err
	}
	payload, err := catalog.EncodeCreateTable(table, firstPageID)
	if err != nil {
		return err
	}
	if _, err := e.appendLog(t, &wal.Record{Type: wal.RecCreateTable, Name: table.Name, Payload: payload}); err != nil {
		return err
	}
	if err := e.cat.CreateTable(table, firstPageID); err != nil {
		return err
	}

	if pkCol, ok := table.PrimaryKeyColumn(); ok {
		idxName := table.Name + "_pkey"
		if err := e.createIndexLocked(t, table.Name, idxName, pkCol, true); err != nil {
			return err
		}
	}
	e.log.Info().Str("table", table.Name).Msg("table created")
	return nil
}

// DropTable removes a table, its indexes, and every page either owns,
// after X-locking the table (spec §4.9). ifExists suppresses the not-found
// error, matching a DROP TABLE IF EXISTS.
func (e *Engine) DropTable(t *txn.Transaction, name string, ifExists bool) error {
	if err := e.locks.Acquire(context.Background(), t.ID, lock.TableResource(catalogResource), lock.X); err != nil {
		return err
	}
	if err := e.locks.Acquire(context.Background(), t.ID, lock.TableResource(name), lock.X); err != nil {
		return err
	}
	meta, err := e.cat.GetTable(name)
	if err != nil {
		if ifExists {
			return nil
		}
		return err
	}

	if _, err := e.appendLog(t, &wal.Record{Type: wal.RecDropTable, Name: name}); err != nil {
		return err
	}

	for pageID := meta.HeapFirstPageID; pageID != 0; {
		pg, err := e.pool.Get(pageID, common.PageKindHeap)
		if err != nil {
			return err
		}
		next := pg.NextPageID()
		e.pool.Unpin(pageID, false)
		if err := e.releasePage(pageID); err != nil {
			return err
		}
		pageID = next
	}
	for _, idx := range meta.Indexes {
		if err := e.freeIndexTree(idx.RootPageID); err != nil {
			return err
		}
	}
	return e.cat.DropTable(name)
}

// InsertRow applies column defaults, validates NOT NULL and primary-key
// uniqueness, appends the WAL record, writes the heap page, and maintains
// every secondary index — all under the row's exclusive record lock
// (spec §4.9).
func (e *Engine) InsertRow(t *txn.Transaction, table string, row rowcodec.Row) (common.RowID, error) {
	if err := e.locks.Acquire(context.Background(), t.ID, lock.TableResource(table), lock.IX); err != nil {
		return common.RowID{}, err
	}
	meta, err := e.cat.GetTable(table)
	if err != nil {
		return common.RowID{}, err
	}
	tbl := meta.Table

	row, err = applyDefaults(tbl, row)
	if err != nil {
		return common.RowID{}, err
	}
	if err := validateNotNull(tbl, row); err != nil {
		return common.RowID{}, err
	}
	if err := e.checkPrimaryKeyUnique(meta, row, nil); err != nil {
		return common.RowID{}, err
	}

	recSize := tbl.RecordSize()
	data, err := rowcodec.Encode(tbl, row)
	if err != nil {
		return common.RowID{}, err
	}

	rowID, err := e.heapMgr.FindInsertLocation(meta.HeapFirstPageID, recSize)
	if err != nil {
		return common.RowID{}, err
	}
	if err := e.locks.Acquire(context.Background(), t.ID, lock.RecordResource(table, rowID.PageID, rowID.RecordID), lock.X); err != nil {
		return common.RowID{}, err
	}

	rec := &wal.Record{
		Type:       wal.RecInsert,
		Resource:   wal.ResourceRef{Table: table, PageID: rowID.PageID, RecordID: rowID.RecordID},
		After:      data,
		RecordSize: recSize,
	}
	lsn, err := e.appendLog(t, rec)
	if err != nil {
		return common.RowID{}, err
	}
	if err := e.heapMgr.ApplyInsertAt(rowID, data, recSize, lsn); err != nil {
		return common.RowID{}, err
	}

	for _, idx := range meta.Indexes {
		key, err := e.indexKey(tbl, idx, row)
		if err != nil {
			return common.RowID{}, err
		}
		if err := e.appendAndApplyIndexInsert(t, idx, table, key, rowID); err != nil {
			return common.RowID{}, err
		}
	}

	e.cat.BumpRowCount(table, 1)
	return rowID, nil
}

// UpdateRow replaces the row at rowID, revalidates NOT NULL/primary-key
// constraints against the new values, and re-keys any secondary index
// whose column changed (spec §4.9).
func (e *Engine) UpdateRow(t *txn.Transaction, table string, rowID common.RowID, newRow rowcodec.Row) error {
	if err := e.locks.Acquire(context.Background(), t.ID, lock.RecordResource(table, rowID.PageID, rowID.RecordID), lock.X); err != nil {
		return err
	}
	meta, err := e.cat.GetTable(table)
	if err != nil {
		return err
	}
	tbl := meta.Table
	recSize := tbl.RecordSize()

	valid, beforeBytes, err := e.heapMgr.Get(rowID, recSize)
	if err != nil {
		return err
	}
	if !valid {
		return fmt.Errorf("%w: row %s in table %q", common.ErrNotFound, rowID, table)
	}
	beforeRow, err := rowcodec.Decode(tbl, beforeBytes)
	if err != nil {
		return err
	}

	newRow, err = applyDefaults(tbl, newRow)
	if err != nil {
		return err
	}
	if err := validateNotNull(tbl, newRow); err != nil {
		return err
	}
	if pkCol, ok := tbl.PrimaryKeyColumn(); ok {
		pkIdx := tbl.ColumnIndex(pkCol)
		if beforeRow[pkIdx] != newRow[pkIdx] {
			if err := e.checkPrimaryKeyUnique(meta, newRow, &rowID); err != nil {
				return err
			}
		}
	}

	afterBytes, err := rowcodec.Encode(tbl, newRow)
	if err != nil {
		return err
	}

	rec := &wal.Record{
		Type:       wal.RecUpdate,
		Resource:   wal.ResourceRef{Table: table, PageID: rowID.PageID, RecordID: rowID.RecordID},
		Before:     beforeBytes,
		After:      afterBytes,
		RecordSize: recSize,
	}
	lsn, err := e.appendLog(t, rec)
	if err != nil {
		return err
	}
	if err := e.heapMgr.Update(rowID, afterBytes, recSize, lsn); err != nil {
		return err
	}

	for _, idx := range meta.Indexes {
		oldKey, err := e.indexKey(tbl, idx, beforeRow)
		if err != nil {
			return err
		}
		newKey, err := e.indexKey(tbl, idx, newRow)
		if err != nil {
			return err
		}
		if keyenc.Compare(oldKey, newKey) == 0 {
			continue
		}
		if err := e.appendAndApplyIndexDelete(t, idx, table, oldKey, rowID); err != nil {
			return err
		}
		if err := e.appendAndApplyIndexInsert(t, idx, table, newKey, rowID); err != nil {
			return err
		}
	}
	return nil
}

// DeleteRow tombstones the row at rowID and removes its entry from every
// secondary index (spec §4.9).
func (e *Engine) DeleteRow(t *txn.Transaction, table string, rowID common.RowID) error {
	if err := e.locks.Acquire(context.Background(), t.ID, lock.RecordResource(table, rowID.PageID, rowID.RecordID), lock.X); err != nil {
		return err
	}
	meta, err := e.cat.GetTable(table)
	if err != nil {
		return err
	}
	tbl := meta.Table
	recSize := tbl.RecordSize()

	valid, beforeBytes, err := e.heapMgr.Get(rowID, recSize)
	if err != nil {
		return err
	}
	if !valid {
		return fmt.Errorf("%w: row %s in table %q", common.ErrNotFound, rowID, table)
	}
	beforeRow, err := rowcodec.Decode(tbl, beforeBytes)
	if err != nil {
		return err
	}

	rec := &wal.Record{
		Type:       wal.RecDelete,
		Resource:   wal.ResourceRef{Table: table, PageID: rowID.PageID, RecordID: rowID.RecordID},
		Before:     beforeBytes,
		RecordSize: recSize,
	}
	lsn, err := e.appendLog(t, rec)
	if err != nil {
		return err
	}
	if err := e.heapMgr.Delete(rowID, recSize, lsn); err != nil {
		return err
	}

	for _, idx := range meta.Indexes {
		key, err := e.indexKey(tbl, idx, beforeRow)
		if err != nil {
			return err
		}
		if err := e.appendAndApplyIndexDelete(t, idx, table, key, rowID); err != nil {
			return err
		}
	}

	e.cat.BumpRowCount(table, -1)
	return nil
}

// Scan walks every live row in table in heap order under a shared table
// lock, invoking fn until it returns stop=true or an error (spec §4.9).
func (e *Engine) Scan(t *txn.Transaction, table string, fn func(common.RowID, rowcodec.Row) (stop bool, err error)) error {
	if err := e.locks.Acquire(context.Background(), t.ID, lock.TableResource(table), lock.S); err != nil {
		return err
	}
	meta, err := e.cat.GetTable(table)
	if err != nil {
		return err
	}
	tbl := meta.Table
	recSize := tbl.RecordSize()
	return e.heapMgr.Scan(meta.HeapFirstPageID, recSize, func(rid common.RowID, data []byte) (bool, error) {
		row, derr := rowcodec.Decode(tbl, data)
		if derr != nil {
			return false, derr
		}
		return fn(rid, row)
	})
}

// CreateIndex builds a new B+tree index on table.column and bulk-loads
// every existing row into it (spec §4.9).
func (e *Engine) CreateIndex(t *txn.Transaction, table, indexName, column string, unique bool) error {
	if err := e.locks.Acquire(context.Background(), t.ID, lock.TableResource(catalogResource), lock.X); err != nil {
		return err
	}
	return e.createIndexLocked(t, table, indexName, column, unique)
}

// createIndexLocked does the actual work of CreateIndex; callers that
// already hold the catalog lock (CreateTable's auto primary-key index)
// call this directly instead of re-acquiring it.
func (e *Engine) createIndexLocked(t *txn.Transaction, table, indexName, column string, unique bool) error {
	if err := e.locks.Acquire(context.Background(), t.ID, lock.TableResource(table), lock.X); err != nil {
		return err
	}
	meta, err := e.cat.GetTable(table)
	if err != nil {
		return err
	}
	tbl := meta.Table
	if tbl.ColumnIndex(column) < 0 {
		return fmt.Errorf("%w: column %q not in table %q", common.ErrInvalidArgument, column, table)
	}
	if _, err := e.cat.GetIndex(table, indexName); err == nil {
		return fmt.Errorf("%w: index %q", common.ErrAlreadyExists, indexName)
	}

	rootID, err := e.btreeMgr.CreateTree()
	if err != nil {
		return err
	}
	idxMeta := catalog.IndexMeta{Name: indexName, Table: table, Column: column, Unique: unique, Type: common.IndexTypeBTree, RootPageID: rootID}
	payload, err := catalog.EncodeCreateIndex(idxMeta)
	if err != nil {
		return err
	}
	if _, err := e.appendLog(t, &wal.Record{Type: wal.RecCreateIndex, Name: indexName, Payload: payload}); err != nil {
		return err
	}
	if err := e.cat.CreateIndex(idxMeta); err != nil {
		return err
	}
	stored, err := e.cat.GetIndex(table, indexName)
	if err != nil {
		return err
	}

	recSize := tbl.RecordSize()
	return e.heapMgr.Scan(meta.HeapFirstPageID, recSize, func(rid common.RowID, data []byte) (bool, error) {
		row, derr := rowcodec.Decode(tbl, data)
		if derr != nil {
			return false, derr
		}
		key, derr := e.indexKey(tbl, stored, row)
		if derr != nil {
			return false, derr
		}
		if ierr := e.appendAndApplyIndexInsert(t, stored, table, key, rid); ierr != nil {
			return false, ierr
		}
		return false, nil
	})
}

// DropIndex removes a secondary index and frees every page of its tree
// (spec §4.9).
func (e *Engine) DropIndex(t *txn.Transaction, table, indexName string) error {
	if err := e.locks.Acquire(context.Background(), t.ID, lock.TableResource(catalogResource), lock.X); err != nil {
		return err
	}
	if err := e.locks.Acquire(context.Background(), t.ID, lock.TableResource(table), lock.X); err != nil {
		return err
	}
	idx, err := e.cat.GetIndex(table, indexName)
	if err != nil {
		return err
	}
	if _, err := e.appendLog(t, &wal.Record{Type: wal.RecDropIndex, Name: table + "." + indexName}); err != nil {
		return err
	}
	if err := e.freeIndexTree(idx.RootPageID); err != nil {
		return err
	}
	return e.cat.DropIndex(table, indexName)
}

// FindByIndex searches indexName for components, returning the matching
// row's location (spec §4.9).
func (e *Engine) FindByIndex(t *txn.Transaction, table, indexName string, components []keyenc.Component) (common.RowID, bool, error) {
	if err := e.locks.Acquire(context.Background(), t.ID, lock.TableResource(table), lock.IS); err != nil {
		return common.RowID{}, false, err
	}
	meta, err := e.cat.GetTable(table)
	if err != nil {
		return common.RowID{}, false, err
	}
	idx, err := e.cat.GetIndex(table, indexName)
	if err != nil {
		return common.RowID{}, false, err
	}
	colIdx := meta.Table.ColumnIndex(idx.Column)
	if colIdx < 0 {
		return common.RowID{}, false, fmt.Errorf("%w: index column %q not in table %q", common.ErrInvalidArgument, idx.Column, table)
	}
	key, err := keyenc.Encode(components, []common.ColumnType{meta.Table.Columns[colIdx].Type})
	if err != nil {
		return common.RowID{}, false, err
	}
	return e.btreeMgr.Search(idx.RootPageID, key)
}

// --- shared helpers ---

func (e *Engine) appendLog(t *txn.Transaction, rec *wal.Record) (common.LSN, error) {
	rec.TxnID = t.ID
	rec.PrevLSN = t.LastLSN()
	lsn, err := e.walMgr.Append(rec)
	if err != nil {
		return 0, err
	}
	t.SetLastLSN(lsn)
	return lsn, nil
}

func (e *Engine) indexKey(tbl schema.Table, idx *catalog.IndexMeta, row rowcodec.Row) ([]byte, error) {
	colIdx := tbl.ColumnIndex(idx.Column)
	if colIdx < 0 {
		return nil, fmt.Errorf("%w: index column %q not in table %q", common.ErrInvalidArgument, idx.Column, tbl.Name)
	}
	return keyenc.Encode([]keyenc.Component{row[colIdx]}, []common.ColumnType{tbl.Columns[colIdx].Type})
}

func (e *Engine) appendAndApplyIndexInsert(t *txn.Transaction, idx *catalog.IndexMeta, table string, key []byte, rowID common.RowID) error {
	payload := encodeIndexPayload(key, rowID)
	rec := &wal.Record{Type: wal.RecInsert, Resource: wal.ResourceRef{Table: idx.Name}, After: payload, RecordSize: len(payload)}
	lsn, err := e.appendLog(t, rec)
	if err != nil {
		return err
	}
	newRoot, err := e.btreeMgr.Insert(idx.RootPageID, key, rowID, idx.Unique, lsn)
	if err != nil {
		return err
	}
	if newRoot != idx.RootPageID {
		idx.RootPageID = newRoot
		return e.cat.UpdateIndexRoot(table, idx.Name, newRoot)
	}
	return nil
}

func (e *Engine) appendAndApplyIndexDelete(t *txn.Transaction, idx *catalog.IndexMeta, table string, key []byte, rowID common.RowID) error {
	payload := encodeIndexPayload(key, rowID)
	rec := &wal.Record{Type: wal.RecDelete, Resource: wal.ResourceRef{Table: idx.Name}, Before: payload, RecordSize: len(payload)}
	lsn, err := e.appendLog(t, rec)
	if err != nil {
		return err
	}
	newRoot, err := e.btreeMgr.Delete(idx.RootPageID, key, rowID, lsn)
	if err != nil {
		return err
	}
	if newRoot != idx.RootPageID {
		idx.RootPageID = newRoot
		return e.cat.UpdateIndexRoot(table, idx.Name, newRoot)
	}
	return nil
}

// freeIndexTree walks a B+tree depth-first, freeing every page including
// root. Used by DropTable/DropIndex after their DDL record has been
// appended (not yet forced durable) and before the catalog entry is
// removed; the page frees themselves are not WAL-logged.
func (e *Engine) freeIndexTree(rootID uint32) error {
	pg, err := e.pool.Get(rootID, common.PageKindLeaf)
	if err != nil {
		return err
	}
	kind := pg.Kind()
	var children []uint32
	if kind == common.PageKindInternal {
		children = append(children, pg.LeftmostChildPageID())
		for _, ent := range pg.InternalEntries() {
			children = append(children, ent.Child)
		}
	}
	e.pool.Unpin(rootID, false)
	for _, c := range children {
		if err := e.freeIndexTree(c); err != nil {
			return err
		}
	}
	return e.releasePage(rootID)
}

// releasePage evicts pageID from the buffer pool and returns it to the
// tablespace's free list, so a later Allocate can reuse it (spec §4.1).
// buffer.Pool.Free only handles the cache-eviction half of this; the
// physical reclaim is a separate step the caller must take (per its own
// doc comment), which DropTable/DropIndex/freeIndexTree need for their
// pages to ever be reused.
func (e *Engine) releasePage(pageID uint32) error {
	if err := e.pool.Free(pageID); err != nil {
		return err
	}
	return e.ts.Free(pageID)
}

// checkPrimaryKeyUnique enforces a table's declared primary key, using a
// unique index on the PK column when one exists (always true once a
// table with a PK has been through CreateTable's auto-index) and falling
// back to a full heap scan otherwise (spec §4.9). exclude, when non-nil,
// is the row being updated — it is not itself a conflict with its own
// unchanged value.
func (e *Engine) checkPrimaryKeyUnique(meta *catalog.TableMeta, row rowcodec.Row, exclude *common.RowID) error {
	tbl := meta.Table
	pkCol, ok := tbl.PrimaryKeyColumn()
	if !ok {
		return nil
	}
	pkIdx := tbl.ColumnIndex(pkCol)
	val := row[pkIdx]
	if val == nil {
		return nil // NOT NULL validation (run separately) already rejects this
	}

	if idx := e.findUniqueIndexOn(meta, pkCol); idx != nil {
		key, err := keyenc.Encode([]keyenc.Component{val}, []common.ColumnType{tbl.Columns[pkIdx].Type})
		if err != nil {
			return err
		}
		rowID, found, err := e.btreeMgr.Search(idx.RootPageID, key)
		if err != nil {
			return err
		}
		if found && (exclude == nil || rowID != *exclude) {
			return fmt.Errorf("%w: duplicate primary key on table %q", common.ErrConstraintViolation, tbl.Name)
		}
		return nil
	}

	recSize := tbl.RecordSize()
	var violation error
	err := e.heapMgr.Scan(meta.HeapFirstPageID, recSize, func(rid common.RowID, data []byte) (bool, error) {
		if exclude != nil && rid == *exclude {
			return false, nil
		}
		existing, derr := rowcodec.Decode(tbl, data)
		if derr != nil {
			return false, derr
		}
		if existing[pkIdx] == val {
			violation = fmt.Errorf("%w: duplicate primary key on table %q", common.ErrConstraintViolation, tbl.Name)
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return err
	}
	return violation
}

func (e *Engine) findUniqueIndexOn(meta *catalog.TableMeta, column string) *catalog.IndexMeta {
	for _, idx := range meta.Indexes {
		if idx.Column == column && idx.Unique {
			return idx
		}
	}
	return nil
}

func applyDefaults(tbl schema.Table, row rowcodec.Row) (rowcodec.Row, error) {
	if len(row) != len(tbl.Columns) {
		return nil, fmt.Errorf("%w: row has %d values, table %q has %d columns", common.ErrInvalidArgument, len(row), tbl.Name, len(tbl.Columns))
	}
	out := make(rowcodec.Row, len(row))
	copy(out, row)
	for i, col := range tbl.Columns {
		if out[i] == nil && col.Default != nil {
			out[i] = col.Default
		}
	}
	return out, nil
}

func validateNotNull(tbl schema.Table, row rowcodec.Row) error {
	for i, col := range tbl.Columns {
		if row[i] == nil && !col.Nullable {
			return fmt.Errorf("%w: column %q is NOT NULL", common.ErrConstraintViolation, col.Name)
		}
	}
	return nil
}
