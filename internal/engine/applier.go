package engine

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/intellect4all/dbcore/internal/catalog"
	"github.com/intellect4all/dbcore/internal/storage/btree"
	"github.com/intellect4all/dbcore/internal/storage/common"
	"github.com/intellect4all/dbcore/internal/storage/heap"
	"github.com/intellect4all/dbcore/internal/wal"
)

// applier is the engine's wal.Applier: it re-runs a logged data mutation
// against the live heap/B+tree pages during redo, and reverses one
// against them during undo, for both crash recovery and live transaction
// abort (spec §4.7, §4.8). Kept separate from Engine itself so wal stays
// decoupled from catalog/heap/btree (spec §9's "cyclic references in the
// boot order").
type applier struct {
	heapMgr  *heap.Manager
	btreeMgr *btree.Manager
	cat      *catalog.Catalog
	log      zerolog.Logger
}

func newApplier(heapMgr *heap.Manager, btreeMgr *btree.Manager, cat *catalog.Catalog, log zerolog.Logger) *applier {
	return &applier{heapMgr: heapMgr, btreeMgr: btreeMgr, cat: cat, log: log.With().Str("component", "applier").Logger()}
}

// isIndexResource reports whether resource names an index's logical log
// stream rather than a physical heap page (spec §4.7/§9's "index
// maintenance is logged and undone logically": PageID 0 marks a record
// whose Resource.Table is an index name, not a table name).
func isIndexResource(r wal.ResourceRef) bool { return r.PageID == 0 }

// encodeIndexPayload packs a B+tree entry (key, row_id) into the bytes
// carried as a logical index log record's Before/After, mirroring the
// leaf page's own entry layout (serialized key || row_id).
func encodeIndexPayload(key []byte, rowID common.RowID) []byte {
	buf := make([]byte, len(key)+8)
	copy(buf, key)
	binary.BigEndian.PutUint32(buf[len(key):len(key)+4], rowID.PageID)
	binary.BigEndian.PutUint32(buf[len(key)+4:], rowID.RecordID)
	return buf
}

func decodeIndexPayload(buf []byte) ([]byte, common.RowID) {
	n := len(buf) - 8
	key := make([]byte, n)
	copy(key, buf[:n])
	return key, common.RowID{
		PageID:   binary.BigEndian.Uint32(buf[n : n+4]),
		RecordID: binary.BigEndian.Uint32(buf[n+4 : n+8]),
	}
}

// splitTableIndex parses the "table.index" name a DROP INDEX DDL record
// carries in its Name field (catalog.ApplyDropIndex's documented shape).
func splitTableIndex(name string) (table, index string) {
	i := strings.LastIndex(name, ".")
	if i < 0 {
		return "", name
	}
	return name[:i], name[i+1:]
}

// PageLSN implements wal.Applier. Heap resources report their page's
// current PageLSN so redo can skip already-applied work; index resources
// report ok=false, since B+tree Insert/Delete are themselves idempotent
// (spec §3's "idempotent re-insert during redo") and redo always re-runs
// them rather than tracking one page's LSN for a whole tree that may have
// split or merged since the record was written.
func (a *applier) PageLSN(resource wal.ResourceRef) (common.LSN, bool, error) {
	if isIndexResource(resource) {
		return 0, false, nil
	}
	lsn, err := a.heapMgr.PageLSN(resource.PageID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return lsn, true, nil
}

// Redo implements wal.Applier for forward data records and CLRs. A CLR is
// itself redo-only (spec §4.7): redoing one means re-applying its already-
// computed compensating action, not computing a fresh inverse.
func (a *applier) Redo(rec *wal.Record) error {
	if rec.Type == wal.RecCLR {
		info := wal.UndoInfo{
			OriginalType: rec.OriginalType,
			Resource:     rec.Resource,
			RecordSize:   rec.RecordSize,
			Before:       rec.Before,
		}
		return a.Undo(info, rec.LSN)
	}
	if isIndexResource(rec.Resource) {
		return a.redoIndex(rec)
	}
	return a.redoHeap(rec)
}

func (a *applier) redoHeap(rec *wal.Record) error {
	rowID := common.RowID{PageID: rec.Resource.PageID, RecordID: rec.Resource.RecordID}
	switch rec.Type {
	case wal.RecInsert:
		return a.heapMgr.ApplyInsertAt(rowID, rec.After, rec.RecordSize, rec.LSN)
	case wal.RecUpdate:
		return a.heapMgr.Update(rowID, rec.After, rec.RecordSize, rec.LSN)
	case wal.RecDelete:
		return a.heapMgr.Delete(rowID, rec.RecordSize, rec.LSN)
	default:
		return fmt.Errorf("%w: applier cannot redo record type %d on a heap resource", common.ErrCorruption, rec.Type)
	}
}

func (a *applier) redoIndex(rec *wal.Record) error {
	idxTable, idx, err := a.cat.GetIndexByName(rec.Resource.Table)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil // index dropped later in the log (spec §4.7 recovery-skip)
		}
		return err
	}
	switch rec.Type {
	case wal.RecInsert:
		key, rowID := decodeIndexPayload(rec.After)
		return a.applyIndexRoot(idxTable, idx, func() (uint32, error) {
			return a.btreeMgr.Insert(idx.RootPageID, key, rowID, idx.Unique, rec.LSN)
		})
	case wal.RecDelete:
		key, rowID := decodeIndexPayload(rec.Before)
		return a.applyIndexRoot(idxTable, idx, func() (uint32, error) {
			return a.btreeMgr.Delete(idx.RootPageID, key, rowID, rec.LSN)
		})
	default:
		return fmt.Errorf("%w: applier cannot redo record type %d on an index resource", common.ErrCorruption, rec.Type)
	}
}

// Undo implements wal.Applier: applies the inverse action captured in
// info, stamping the affected page with the CLR's own lsn.
func (a *applier) Undo(info wal.UndoInfo, lsn common.LSN) error {
	if isIndexResource(info.Resource) {
		return a.undoIndex(info, lsn)
	}
	return a.undoHeap(info, lsn)
}

func (a *applier) undoHeap(info wal.UndoInfo, lsn common.LSN) error {
	rowID := common.RowID{PageID: info.Resource.PageID, RecordID: info.Resource.RecordID}
	switch info.OriginalType {
	case wal.RecInsert:
		return a.heapMgr.Delete(rowID, info.RecordSize, lsn) // tombstone the insert
	case wal.RecDelete:
		return a.heapMgr.ApplyInsertAt(rowID, info.Before, info.RecordSize, lsn) // re-insert deleted bytes
	case wal.RecUpdate:
		return a.heapMgr.Update(rowID, info.Before, info.RecordSize, lsn) // restore prior image
	default:
		return fmt.Errorf("%w: applier cannot undo record type %d on a heap resource", common.ErrCorruption, info.OriginalType)
	}
}

func (a *applier) undoIndex(info wal.UndoInfo, lsn common.LSN) error {
	idxTable, idx, err := a.cat.GetIndexByName(info.Resource.Table)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil
		}
		return err
	}
	key, rowID := decodeIndexPayload(info.Before)
	switch info.OriginalType {
	case wal.RecInsert:
		// Undoing an index insert removes the same entry.
		return a.applyIndexRoot(idxTable, idx, func() (uint32, error) {
			return a.btreeMgr.Delete(idx.RootPageID, key, rowID, lsn)
		})
	case wal.RecDelete:
		// Undoing an index delete re-inserts the entry; uniqueness was
		// already enforced the first time it was inserted.
		return a.applyIndexRoot(idxTable, idx, func() (uint32, error) {
			return a.btreeMgr.Insert(idx.RootPageID, key, rowID, false, lsn)
		})
	default:
		return fmt.Errorf("%w: applier cannot undo record type %d on an index resource", common.ErrCorruption, info.OriginalType)
	}
}

// applyIndexRoot runs op against idx's current root and persists a new
// root in the catalog if op split or collapsed the tree.
func (a *applier) applyIndexRoot(table string, idx *catalog.IndexMeta, op func() (uint32, error)) error {
	newRoot, err := op()
	if err != nil {
		return err
	}
	if newRoot != idx.RootPageID {
		idx.RootPageID = newRoot
		return a.cat.UpdateIndexRoot(table, idx.Name, newRoot)
	}
	return nil
}

// ApplyDDL implements wal.Applier: replays a catalog-affecting record
// during recovery's analysis pass so the catalog matches what committed DDL produced
// before any data record for that table/index is replayed (spec §4.7).
func (a *applier) ApplyDDL(rec *wal.Record) error {
	switch rec.Type {
	case wal.RecCreateTable:
		return a.cat.ApplyCreateTable(rec.Payload)
	case wal.RecDropTable:
		return a.cat.ApplyDropTable(rec.Name)
	case wal.RecCreateIndex:
		return a.cat.ApplyCreateIndex(rec.Payload)
	case wal.RecDropIndex:
		table, index := splitTableIndex(rec.Name)
		return a.cat.ApplyDropIndex(table, index)
	default:
		// View/trigger DDL records are opaque metadata passthrough (spec
		// §4.7 names them without assigning this core any behavior beyond
		// bookkeeping; the out-of-scope view/trigger layer owns them).
		return nil
	}
}
