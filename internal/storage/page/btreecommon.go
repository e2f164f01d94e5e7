package page

import (
	"encoding/binary"

	"github.com/intellect4all/dbcore/internal/storage/keyenc"
)

// Shared header layout for B+tree leaf and internal pages, starting at
// CommonHeaderSize (spec §3):
//
//	offset 12-13: EntryCount (uint16)
//	offset 14-15: FreeSpacePtr (uint16, offset into the data region where
//	              the next entry will be appended)
//	offset 16-19: Aux (uint32): NextLeafPageID for leaf pages,
//	              LeftmostChildPageID for internal pages
//	offset 20-23: ParentPageID (uint32)
const (
	btOffEntryCount   = CommonHeaderSize
	btOffFreeSpacePtr = CommonHeaderSize + 2
	btOffAux          = CommonHeaderSize + 4
	btOffParent       = CommonHeaderSize + 8
	// BTreeHeaderSize is where the data region begins; the slot directory
	// grows backward from the page tail.
	BTreeHeaderSize = CommonHeaderSize + 12

	slotDirEntrySize = 4 // offset(uint16) + length(uint16)
)

func initBTreeHeader(p *Page) {
	binary.BigEndian.PutUint16(p.data[btOffEntryCount:], 0)
	binary.BigEndian.PutUint16(p.data[btOffFreeSpacePtr:], uint16(BTreeHeaderSize))
	binary.BigEndian.PutUint32(p.data[btOffAux:], 0)
	binary.BigEndian.PutUint32(p.data[btOffParent:], 0)
}

// EntryCount returns the number of entries on a B+tree page.
func (p *Page) EntryCount() uint16 {
	return binary.BigEndian.Uint16(p.data[btOffEntryCount:])
}

func (p *Page) setEntryCount(n uint16) {
	binary.BigEndian.PutUint16(p.data[btOffEntryCount:], n)
}

func (p *Page) freeSpacePtr() uint16 {
	return binary.BigEndian.Uint16(p.data[btOffFreeSpacePtr:])
}

func (p *Page) setFreeSpacePtr(off uint16) {
	binary.BigEndian.PutUint16(p.data[btOffFreeSpacePtr:], off)
}

// ParentPageID returns the stored parent pointer. Only a split sets it
// (copying the split page's value to the new right sibling); rebalancing
// works from the descent path and does not read it.
func (p *Page) ParentPageID() uint32 {
	return binary.BigEndian.Uint32(p.data[btOffParent:])
}

// SetParentPageID updates the parent pointer (does not touch PageLSN; the
// parent pointer is a traversal aid, not WAL-logged data, matching the
// teacher's treatment of in-memory-only bookkeeping fields).
func (p *Page) SetParentPageID(id uint32) {
	binary.BigEndian.PutUint32(p.data[btOffParent:], id)
	p.dirty = true
}

func (p *Page) slotDirOffset(i uint16) int {
	return Size - (int(i)+1)*slotDirEntrySize
}

func (p *Page) slotAt(i uint16) (entryOffset, entryLength uint16) {
	off := p.slotDirOffset(i)
	return binary.BigEndian.Uint16(p.data[off:]), binary.BigEndian.Uint16(p.data[off+2:])
}

func (p *Page) setSlotAt(i uint16, entryOffset, entryLength uint16) {
	off := p.slotDirOffset(i)
	binary.BigEndian.PutUint16(p.data[off:], entryOffset)
	binary.BigEndian.PutUint16(p.data[off+2:], entryLength)
}

// freeBytes returns how many unused bytes remain between the data region
// and the slot directory.
func (p *Page) freeBytes() int {
	count := p.EntryCount()
	dirEnd := p.slotDirOffset(count) // offset of the next slot to be used
	return dirEnd - int(p.freeSpacePtr())
}

// entryKeyAt decodes just the key portion of entry i, given the trailer
// size (8 for row_id, 4 for child_page_id).
func (p *Page) entryKeyAt(i uint16, trailerSize int) []byte {
	off, length := p.slotAt(i)
	return p.data[off : off+length-uint16(trailerSize)]
}

// searchSlot binary searches the sorted slot array for key, returning the
// index of an exact match and true, or the insertion position and false.
func (p *Page) searchSlot(key []byte, trailerSize int) (int, bool) {
	count := int(p.EntryCount())
	lo, hi := 0, count
	for lo < hi {
		mid := (lo + hi) / 2
		cmp := keyenc.Compare(key, p.entryKeyAt(uint16(mid), trailerSize))
		switch {
		case cmp == 0:
			return mid, true
		case cmp < 0:
			hi = mid
		default:
			lo = mid + 1
		}
	}
	return lo, false
}

// insertSlot appends entryBytes to the data region and threads a new slot
// directory entry into position pos, shifting later slots up by one. The
// caller must already have verified free space.
func (p *Page) insertSlot(pos int, entryBytes []byte) {
	fp := p.freeSpacePtr()
	copy(p.data[fp:], entryBytes)
	newOffset := fp
	newLength := uint16(len(entryBytes))
	p.setFreeSpacePtr(fp + newLength)

	count := p.EntryCount()
	for i := int(count); i > pos; i-- {
		o, l := p.slotAt(uint16(i - 1))
		p.setSlotAt(uint16(i), o, l)
	}
	p.setSlotAt(uint16(pos), newOffset, newLength)
	p.setEntryCount(count + 1)
}

// removeSlot deletes slot index pos from the directory. The entry's data
// bytes are left in place: LeafInsert compacts a leaf's data region when
// it runs short of space, and a split rewrites the page; internal pages
// are compacted only by a split.
func (p *Page) removeSlot(pos int) {
	count := p.EntryCount()
	for i := pos; i < int(count)-1; i++ {
		o, l := p.slotAt(uint16(i + 1))
		p.setSlotAt(uint16(i), o, l)
	}
	p.setEntryCount(count - 1)
}

// MinEntries is the minimum fill threshold below which a B+tree page is
// considered underflowing (spec §4.3: "max(1, half_of_capacity)"). Capacity
// is approximated as how many entries of the given size fit on an empty
// page; callers pass the size of the entry being deleted.
func MinEntries(averageEntrySize int) uint16 {
	if averageEntrySize <= 0 {
		return 1
	}
	capacity := (Size - BTreeHeaderSize) / (averageEntrySize + slotDirEntrySize)
	half := capacity / 2
	if half < 1 {
		return 1
	}
	return uint16(half)
}
