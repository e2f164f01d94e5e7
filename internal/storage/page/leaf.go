package page

import (
	"encoding/binary"
	"fmt"

	"github.com/intellect4all/dbcore/internal/storage/common"
)

const leafTrailerSize = 8 // row_id = page_id(4) | record_id(4)

// NextLeafPageID returns the right-sibling pointer used to chain all
// leaves for full-table and range scans (spec §3).
func (p *Page) NextLeafPageID() uint32 {
	return binary.BigEndian.Uint32(p.data[btOffAux:])
}

// SetNextLeafPageID updates the leaf chain pointer.
func (p *Page) SetNextLeafPageID(id uint32) {
	binary.BigEndian.PutUint32(p.data[btOffAux:], id)
	p.dirty = true
}

func encodeRowID(rid common.RowID) []byte {
	buf := make([]byte, leafTrailerSize)
	binary.BigEndian.PutUint32(buf[0:4], rid.PageID)
	binary.BigEndian.PutUint32(buf[4:8], rid.RecordID)
	return buf
}

func decodeRowID(buf []byte) common.RowID {
	return common.RowID{
		PageID:   binary.BigEndian.Uint32(buf[0:4]),
		RecordID: binary.BigEndian.Uint32(buf[4:8]),
	}
}

// LeafSearch returns the row_id for an exact key match, or false.
func (p *Page) LeafSearch(key []byte) (common.RowID, bool) {
	idx, found := p.searchSlot(key, leafTrailerSize)
	if !found {
		return common.RowID{}, false
	}
	off, length := p.slotAt(uint16(idx))
	trailer := p.data[off+length-leafTrailerSize : off+length]
	return decodeRowID(trailer), true
}

// LeafInsert inserts (key, rowID). Returns false if the page lacks space
// (caller must split); returns ErrUniqueViolation if isUnique and an equal
// key is already present for a different row_id (spec §4.3).
func (p *Page) LeafInsert(key []byte, rowID common.RowID, isUnique bool, lsn common.LSN) (bool, error) {
	idx, found := p.searchSlot(key, leafTrailerSize)
	if found {
		off, length := p.slotAt(uint16(idx))
		existing := decodeRowID(p.data[off+length-leafTrailerSize : off+length])
		if existing == rowID {
			// Idempotent re-insert during redo (spec invariants in §3).
			return true, nil
		}
		if isUnique {
			return false, common.ErrUniqueViolation
		}
	}
	entry := make([]byte, len(key)+leafTrailerSize)
	copy(entry, key)
	copy(entry[len(key):], encodeRowID(rowID))

	if p.freeBytes() < len(entry)+slotDirEntrySize {
		// Reclaim data bytes left behind by removed slots (lazy compaction)
		// before concluding the page is full.
		live := p.LeafEntries()
		p.setEntryCount(0)
		p.setFreeSpacePtr(uint16(BTreeHeaderSize))
		for i, e := range live {
			p.insertSlot(i, append(e.Key, encodeRowID(e.RowID)...))
		}
		if p.freeBytes() < len(entry)+slotDirEntrySize {
			return false, nil
		}
	}
	p.insertSlot(idx, entry)
	p.setPageLSN(lsn)
	return true, nil
}

// LeafDelete removes the entry matching (key, rowID) exactly. underflow is
// true when the resulting EntryCount drops below minEntries.
func (p *Page) LeafDelete(key []byte, rowID common.RowID, minEntries uint16, lsn common.LSN) (deleted bool, underflow bool, err error) {
	idx, found := p.searchSlot(key, leafTrailerSize)
	if !found {
		return false, false, nil
	}
	off, length := p.slotAt(uint16(idx))
	existing := decodeRowID(p.data[off+length-leafTrailerSize : off+length])
	if existing != rowID {
		return false, false, nil
	}
	p.removeSlot(idx)
	p.setPageLSN(lsn)
	return true, p.EntryCount() < minEntries, nil
}

// LeafEntry is a decoded (key, row_id) pair, used by split and iteration.
type LeafEntry struct {
	Key   []byte
	RowID common.RowID
}

// LeafEntries returns every entry on the page in slot order (ascending
// key).
func (p *Page) LeafEntries() []LeafEntry {
	count := p.EntryCount()
	out := make([]LeafEntry, count)
	for i := uint16(0); i < count; i++ {
		off, length := p.slotAt(i)
		entry := p.data[off : off+length]
		key := make([]byte, length-leafTrailerSize)
		copy(key, entry[:length-leafTrailerSize])
		out[i] = LeafEntry{Key: key, RowID: decodeRowID(entry[length-leafTrailerSize:])}
	}
	return out
}

// LeafSplit moves the upper half of this leaf's entries into right
// (freshly allocated, empty) and threads the leaf chain. Returns the
// smallest key now in right, which the caller propagates to the parent
// (spec §4.3).
func (p *Page) LeafSplit(right *Page, lsn common.LSN) ([]byte, error) {
	entries := p.LeafEntries()
	if len(entries) < 2 {
		return nil, fmt.Errorf("%w: cannot split a leaf with %d entries", common.ErrInvalidArgument, len(entries))
	}
	mid := len(entries) / 2

	p.setEntryCount(0)
	p.setFreeSpacePtr(uint16(BTreeHeaderSize))
	for _, e := range entries[:mid] {
		if _, err := p.LeafInsert(e.Key, e.RowID, false, lsn); err != nil {
			return nil, err
		}
	}
	for _, e := range entries[mid:] {
		if _, err := right.LeafInsert(e.Key, e.RowID, false, lsn); err != nil {
			return nil, err
		}
	}

	right.SetNextLeafPageID(p.NextLeafPageID())
	p.SetNextLeafPageID(right.ID())
	right.SetParentPageID(p.ParentPageID())

	return entries[mid].Key, nil
}
