// Package page implements the three physical page shapes described in
// spec §3/§4.3/§4.4: a slotted heap page, a B+tree leaf page, and a B+tree
// internal page. All three share one 4 KiB byte array and a common header
// carrying the page kind and PageLSN (spec §9's tagged-variant design),
// realized in Go as one Page struct with kind-specific accessor methods
// rather than an interface, matching the teacher's btree.Page layout.
package page

import (
	"encoding/binary"
	"fmt"

	"github.com/intellect4all/dbcore/internal/storage/common"
)

// Size is the fixed page size (spec §3: "default 4 KiB").
const Size = 4096

// Common header layout, present at the front of every page regardless of
// kind:
//
//	offset 0:    kind (1 byte)
//	offset 1:    flags (1 byte, currently unused)
//	offset 2-3:  reserved
//	offset 4-11: PageLSN (8 bytes, big-endian)
const (
	offKind    = 0
	offFlags   = 1
	offPageLSN = 4
	// CommonHeaderSize is where kind-specific header fields begin.
	CommonHeaderSize = 12
)

// Page is one fixed-size page, backed by an in-memory byte array. Pages are
// mutated only by the kind-specific methods in heap.go/leaf.go/internal.go;
// this file holds only what is common to every kind.
type Page struct {
	id    uint32
	data  [Size]byte
	dirty bool
}

// New creates a fresh, zeroed page of the given kind and id.
func New(id uint32, kind common.PageKind) *Page {
	p := &Page{id: id, dirty: true}
	p.data[offKind] = byte(kind)
	switch kind {
	case common.PageKindLeaf, common.PageKindInternal:
		initBTreeHeader(p)
	case common.PageKindHeap:
		initHeapHeader(p)
	}
	return p
}

// Load reconstructs a Page from raw on-disk bytes, trusting the kind tag
// already present in the bytes (the buffer pool's kind hint is used only
// for never-written, all-zero pages and is not checked against the tag).
func Load(id uint32, data []byte) (*Page, error) {
	if len(data) != Size {
		return nil, fmt.Errorf("%w: page %d has %d bytes, want %d", common.ErrCorruption, id, len(data), Size)
	}
	p := &Page{id: id}
	copy(p.data[:], data)
	return p, nil
}

// ID returns the page identifier.
func (p *Page) ID() uint32 { return p.id }

// Kind returns the tagged page shape.
func (p *Page) Kind() common.PageKind { return common.PageKind(p.data[offKind]) }

// PageLSN returns the LSN of the last log record whose effect is reflected
// in this page's contents (spec §3).
func (p *Page) PageLSN() common.LSN {
	return common.LSN(binary.BigEndian.Uint64(p.data[offPageLSN:]))
}

// setPageLSN stamps the page with lsn and marks it dirty. Every
// page-mutating method in this package must call this (spec §4.3: "Every
// page-mutating method stamps the provided LSN into PageLSN and marks the
// page dirty").
func (p *Page) setPageLSN(lsn common.LSN) {
	binary.BigEndian.PutUint64(p.data[offPageLSN:], uint64(lsn))
	p.dirty = true
}

// IsDirty reports whether the page has unflushed modifications.
func (p *Page) IsDirty() bool { return p.dirty }

// ClearDirty marks the page clean; called by the buffer pool immediately
// after a successful flush.
func (p *Page) ClearDirty() { p.dirty = false }

// Data returns the raw page bytes, for tablespace I/O.
func (p *Page) Data() []byte { return p.data[:] }

// Clone returns a deep copy of the page, including its dirty flag.
func (p *Page) Clone() *Page {
	c := &Page{id: p.id, dirty: p.dirty}
	copy(c.data[:], p.data[:])
	return c
}
