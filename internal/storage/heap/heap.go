// Package heap implements the slotted heap-page file manager from spec
// §4.5: find-space/insert/update/delete/get/scan over a chain of
// page.PageKindHeap pages threaded by NextPageID, addressed through the
// buffer pool so every read/write goes through its pin/dirty/WAL
// bookkeeping.
package heap

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/intellect4all/dbcore/internal/storage/buffer"
	"github.com/intellect4all/dbcore/internal/storage/common"
)

// Manager operates on heap chains identified by their first page id (the
// catalog owns that id per table).
type Manager struct {
	pool *buffer.Pool
	log  zerolog.Logger
}

func New(pool *buffer.Pool, log zerolog.Logger) *Manager {
	return &Manager{pool: pool, log: log.With().Str("component", "heap").Logger()}
}

// CreateChain allocates the first page of a new heap and returns its id,
// used by CREATE TABLE (spec §4.9).
func (m *Manager) CreateChain() (uint32, error) {
	pg, err := m.pool.NewPage(common.PageKindHeap)
	if err != nil {
		return 0, fmt.Errorf("allocate heap page: %w", err)
	}
	id := pg.ID()
	m.pool.Unpin(id, true)
	return id, nil
}

// FindInsertLocation walks the chain from firstPageID for a page with a
// free slot (a tombstoned one or room to append), extending the chain
// with a freshly allocated page if every existing page is full. The
// caller must hold at least an IX lock on the table so no concurrent
// writer races this decision (spec §4.5/§4.6).
func (m *Manager) FindInsertLocation(firstPageID uint32, recordSize int) (common.RowID, error) {
	pageID := firstPageID
	for {
		pg, err := m.pool.Get(pageID, common.PageKindHeap)
		if err != nil {
			return common.RowID{}, err
		}
		if recordID, ok := pg.FindSpaceForRecord(recordSize); ok {
			m.pool.Unpin(pageID, false)
			return common.RowID{PageID: pageID, RecordID: recordID}, nil
		}
		next := pg.NextPageID()
		if next == 0 {
			newPg, err := m.pool.NewPage(common.PageKindHeap)
			if err != nil {
				m.pool.Unpin(pageID, false)
				return common.RowID{}, fmt.Errorf("extend heap chain: %w", err)
			}
			pg.SetNextPageID(newPg.ID())
			m.pool.Unpin(pageID, true)
			m.pool.Unpin(newPg.ID(), true)
			pageID = newPg.ID()
			continue
		}
		m.pool.Unpin(pageID, false)
		pageID = next
	}
}

// ApplyInsertAt physically writes data into a slot already chosen (by
// FindInsertLocation for a fresh write, or directly from a log record's
// Resource during redo), stamping lsn.
func (m *Manager) ApplyInsertAt(rowID common.RowID, data []byte, recordSize int, lsn common.LSN) error {
	pg, err := m.pool.Get(rowID.PageID, common.PageKindHeap)
	if err != nil {
		return err
	}
	defer m.pool.Unpin(rowID.PageID, true)
	return pg.InsertAt(rowID.RecordID, data, recordSize, lsn)
}

// Update overwrites an existing record in place, stamping lsn.
func (m *Manager) Update(rowID common.RowID, data []byte, recordSize int, lsn common.LSN) error {
	pg, err := m.pool.Get(rowID.PageID, common.PageKindHeap)
	if err != nil {
		return err
	}
	defer m.pool.Unpin(rowID.PageID, true)
	return pg.Update(rowID.RecordID, data, recordSize, lsn)
}

// Delete tombstones a record, stamping lsn.
func (m *Manager) Delete(rowID common.RowID, recordSize int, lsn common.LSN) error {
	pg, err := m.pool.Get(rowID.PageID, common.PageKindHeap)
	if err != nil {
		return err
	}
	defer m.pool.Unpin(rowID.PageID, true)
	return pg.MarkDeleted(rowID.RecordID, recordSize, lsn)
}

// Get reads one record's current bytes, reporting false if it is
// tombstoned or out of range.
func (m *Manager) Get(rowID common.RowID, recordSize int) (valid bool, data []byte, err error) {
	pg, err := m.pool.Get(rowID.PageID, common.PageKindHeap)
	if err != nil {
		return false, nil, err
	}
	defer m.pool.Unpin(rowID.PageID, false)
	valid, data = pg.Get(rowID.RecordID, recordSize)
	return valid, data, nil
}

// PageLSN reports the PageLSN of heap page pageID, used by redo to
// decide whether a record has already been applied.
func (m *Manager) PageLSN(pageID uint32) (common.LSN, error) {
	pg, err := m.pool.Get(pageID, common.PageKindHeap)
	if err != nil {
		return 0, err
	}
	defer m.pool.Unpin(pageID, false)
	return pg.PageLSN(), nil
}

// Scan walks every valid record in the chain starting at firstPageID,
// calling fn with each row's location and bytes. fn returning stop=true
// ends the scan early.
func (m *Manager) Scan(firstPageID uint32, recordSize int, fn func(common.RowID, []byte) (stop bool, err error)) error {
	pageID := firstPageID
	for pageID != 0 {
		pg, err := m.pool.Get(pageID, common.PageKindHeap)
		if err != nil {
			return err
		}
		count := pg.RecordCount()
		next := pg.NextPageID()
		for i := uint32(0); i < count; i++ {
			valid, data := pg.Get(i, recordSize)
			if !valid {
				continue
			}
			stop, ferr := fn(common.RowID{PageID: pageID, RecordID: i}, data)
			if ferr != nil {
				m.pool.Unpin(pageID, false)
				return ferr
			}
			if stop {
				m.pool.Unpin(pageID, false)
				return nil
			}
		}
		m.pool.Unpin(pageID, false)
		pageID = next
	}
	return nil
}
