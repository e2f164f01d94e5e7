package page

import (
	"encoding/binary"
	"fmt"

	"github.com/intellect4all/dbcore/internal/storage/common"
	"github.com/intellect4all/dbcore/internal/storage/keyenc"
)

const internalTrailerSize = 4 // child_page_id

// LeftmostChildPageID returns the child covering keys strictly less than
// the first separator (spec §3).
func (p *Page) LeftmostChildPageID() uint32 {
	return binary.BigEndian.Uint32(p.data[btOffAux:])
}

// SetLeftmostChildPageID updates the leftmost-child pointer.
func (p *Page) SetLeftmostChildPageID(id uint32) {
	binary.BigEndian.PutUint32(p.data[btOffAux:], id)
	p.dirty = true
}

func encodeChild(id uint32) []byte {
	buf := make([]byte, internalTrailerSize)
	binary.BigEndian.PutUint32(buf, id)
	return buf
}

func decodeChild(buf []byte) uint32 {
	return binary.BigEndian.Uint32(buf)
}

// InternalEntry is a decoded (separator key, child page id) pair.
type InternalEntry struct {
	Key   []byte
	Child uint32
}

// InternalEntries returns every separator entry in slot order.
func (p *Page) InternalEntries() []InternalEntry {
	count := p.EntryCount()
	out := make([]InternalEntry, count)
	for i := uint16(0); i < count; i++ {
		off, length := p.slotAt(i)
		entry := p.data[off : off+length]
		key := make([]byte, length-internalTrailerSize)
		copy(key, entry[:length-internalTrailerSize])
		out[i] = InternalEntry{Key: key, Child: decodeChild(entry[length-internalTrailerSize:])}
	}
	return out
}

// FindChild walks the separators and returns the child covering key (spec
// §4.3): LeftmostChild if key is less than every separator, else the child
// of the greatest separator whose key <= key.
func (p *Page) FindChild(key []byte) uint32 {
	entries := p.InternalEntries()
	child := p.LeftmostChildPageID()
	for _, e := range entries {
		if keyenc.Compare(key, e.Key) < 0 {
			break
		}
		child = e.Child
	}
	return child
}

// InternalInsert inserts a separator (key, childPageID) in sorted order.
// Returns false if there is no room (caller must split).
func (p *Page) InternalInsert(key []byte, childPageID uint32, lsn common.LSN) (bool, error) {
	idx, found := p.searchSlot(key, internalTrailerSize)
	entry := make([]byte, len(key)+internalTrailerSize)
	copy(entry, key)
	copy(entry[len(key):], encodeChild(childPageID))

	if found {
		// Replacing an existing separator (used when a child's minimum
		// key shifts during rebalancing).
		off, length := p.slotAt(uint16(idx))
		if length == uint16(len(entry)) {
			copy(p.data[off:off+length], entry)
			p.setPageLSN(lsn)
			return true, nil
		}
		p.removeSlot(idx)
	}

	if p.freeBytes() < len(entry)+slotDirEntrySize {
		return false, nil
	}
	p.insertSlot(idx, entry)
	p.setPageLSN(lsn)
	return true, nil
}

// InternalDeleteByKey removes the separator matching key exactly.
func (p *Page) InternalDeleteByKey(key []byte, lsn common.LSN) bool {
	idx, found := p.searchSlot(key, internalTrailerSize)
	if !found {
		return false
	}
	p.removeSlot(idx)
	p.setPageLSN(lsn)
	return true
}

// InternalDeleteEntryByIndex removes the separator at position idx,
// used during merge/redistribute when the caller already knows the index.
func (p *Page) InternalDeleteEntryByIndex(idx int, lsn common.LSN) error {
	if idx < 0 || idx >= int(p.EntryCount()) {
		return fmt.Errorf("%w: separator index %d out of range", common.ErrInvalidArgument, idx)
	}
	p.removeSlot(idx)
	p.setPageLSN(lsn)
	return nil
}

// InternalSplit moves the entries after the middle separator into right.
// The middle separator's key is removed from both pages and returned as
// the up-key; its child becomes right's new leftmost child (spec §4.3).
func (p *Page) InternalSplit(right *Page, lsn common.LSN) (upKey []byte, err error) {
	entries := p.InternalEntries()
	if len(entries) < 2 {
		return nil, fmt.Errorf("%w: cannot split an internal page with %d entries", common.ErrInvalidArgument, len(entries))
	}
	mid := len(entries) / 2
	midEntry := entries[mid]

	p.setEntryCount(0)
	p.setFreeSpacePtr(uint16(BTreeHeaderSize))
	for _, e := range entries[:mid] {
		if ok, ierr := p.InternalInsert(e.Key, e.Child, lsn); ierr != nil || !ok {
			if ierr == nil {
				ierr = common.ErrPageFull
			}
			return nil, ierr
		}
	}

	right.SetLeftmostChildPageID(midEntry.Child)
	right.SetParentPageID(p.ParentPageID())
	for _, e := range entries[mid+1:] {
		if ok, ierr := right.InternalInsert(e.Key, e.Child, lsn); ierr != nil || !ok {
			if ierr == nil {
				ierr = common.ErrPageFull
			}
			return nil, ierr
		}
	}

	return midEntry.Key, nil
}
