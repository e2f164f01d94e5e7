package page

import (
	"encoding/binary"
	"fmt"

	"github.com/intellect4all/dbcore/internal/storage/common"
)

// Heap page header, starting at CommonHeaderSize:
//
//	offset 12-15: RecordCount (uint32)
//	offset 16-19: NextPageID  (uint32, 0 = end of chain)
const (
	heapOffRecordCount = CommonHeaderSize
	heapOffNextPageID  = CommonHeaderSize + 4
	// HeapHeaderSize is where the slot array begins.
	HeapHeaderSize = CommonHeaderSize + 8
)

func initHeapHeader(p *Page) {
	binary.BigEndian.PutUint32(p.data[heapOffRecordCount:], 0)
	binary.BigEndian.PutUint32(p.data[heapOffNextPageID:], 0)
}

// RecordCount returns the number of record slots allocated on this page
// (including tombstoned ones).
func (p *Page) RecordCount() uint32 {
	return binary.BigEndian.Uint32(p.data[heapOffRecordCount:])
}

func (p *Page) setRecordCount(n uint32) {
	binary.BigEndian.PutUint32(p.data[heapOffRecordCount:], n)
}

// NextPageID returns the next page in this table's heap chain, or 0 if this
// is the last page.
func (p *Page) NextPageID() uint32 {
	return binary.BigEndian.Uint32(p.data[heapOffNextPageID:])
}

// SetNextPageID threads this page into the table's page chain (spec §4.5).
func (p *Page) SetNextPageID(id uint32) {
	binary.BigEndian.PutUint32(p.data[heapOffNextPageID:], id)
	p.dirty = true
}

// heapSlotOffset returns the byte offset of slot i's validity flag.
func heapSlotOffset(i uint32, recordSize int) int {
	return HeapHeaderSize + int(i)*(1+recordSize)
}

// IsFull reports whether appending one more slot would overflow the page
// (spec §4.3: "is_full(record_size)").
func (p *Page) IsFull(recordSize int) bool {
	end := heapSlotOffset(p.RecordCount()+1, recordSize)
	return end > Size
}

// FindSpaceForRecord returns the slot a subsequent InsertAt will use,
// without mutating the page: the first tombstoned slot, or RecordCount if
// none is free and there is room to append (spec §4.5's
// find_space_for_record dry run, required because WAL needs the final
// physical location before the log record is appended).
func (p *Page) FindSpaceForRecord(recordSize int) (recordID uint32, ok bool) {
	count := p.RecordCount()
	for i := uint32(0); i < count; i++ {
		off := heapSlotOffset(i, recordSize)
		if p.data[off] == 0 {
			return i, true
		}
	}
	if p.IsFull(recordSize) {
		return 0, false
	}
	return count, true
}

// InsertAt physically places bytes at the predetermined slot recordID,
// stamping lsn (spec §4.3's insert_at, used directly by insert and by
// redo). It extends RecordCount if recordID == RecordCount.
func (p *Page) InsertAt(recordID uint32, data []byte, recordSize int, lsn common.LSN) error {
	if len(data) != recordSize {
		return fmt.Errorf("%w: record is %d bytes, slot width is %d", common.ErrInvalidArgument, len(data), recordSize)
	}
	off := heapSlotOffset(recordID, recordSize)
	if off+1+recordSize > Size {
		return fmt.Errorf("%w: record %d does not fit on page", common.ErrPageFull, recordID)
	}
	p.data[off] = 1
	copy(p.data[off+1:off+1+recordSize], data)
	if recordID >= p.RecordCount() {
		p.setRecordCount(recordID + 1)
	}
	p.setPageLSN(lsn)
	return nil
}

// Insert finds the first tombstoned slot or appends, writes data, and
// returns the slot used (spec §4.3: heap page insert).
func (p *Page) Insert(data []byte, recordSize int, lsn common.LSN) (uint32, error) {
	recordID, ok := p.FindSpaceForRecord(recordSize)
	if !ok {
		return 0, common.ErrPageFull
	}
	if err := p.InsertAt(recordID, data, recordSize, lsn); err != nil {
		return 0, err
	}
	return recordID, nil
}

// Update overwrites an existing valid slot in place.
func (p *Page) Update(recordID uint32, data []byte, recordSize int, lsn common.LSN) error {
	if recordID >= p.RecordCount() {
		return fmt.Errorf("%w: record %d out of range", common.ErrNotFound, recordID)
	}
	off := heapSlotOffset(recordID, recordSize)
	if p.data[off] == 0 {
		return fmt.Errorf("%w: record %d is not valid", common.ErrNotFound, recordID)
	}
	if len(data) != recordSize {
		return fmt.Errorf("%w: record is %d bytes, slot width is %d", common.ErrInvalidArgument, len(data), recordSize)
	}
	copy(p.data[off+1:off+1+recordSize], data)
	p.setPageLSN(lsn)
	return nil
}

// MarkDeleted tombstones a slot (validity flag to 0).
func (p *Page) MarkDeleted(recordID uint32, recordSize int, lsn common.LSN) error {
	if recordID >= p.RecordCount() {
		return fmt.Errorf("%w: record %d out of range", common.ErrNotFound, recordID)
	}
	off := heapSlotOffset(recordID, recordSize)
	if p.data[off] == 0 {
		return fmt.Errorf("%w: record %d already deleted", common.ErrNotFound, recordID)
	}
	p.data[off] = 0
	p.setPageLSN(lsn)
	return nil
}

// Get reads a slot's validity flag and bytes. A zero-length slice is
// returned alongside valid=false for tombstoned or out-of-range slots.
func (p *Page) Get(recordID uint32, recordSize int) (valid bool, data []byte) {
	if recordID >= p.RecordCount() {
		return false, nil
	}
	off := heapSlotOffset(recordID, recordSize)
	if p.data[off] == 0 {
		return false, nil
	}
	out := make([]byte, recordSize)
	copy(out, p.data[off+1:off+1+recordSize])
	return true, out
}
