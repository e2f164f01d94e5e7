// Package wal implements the write-ahead log and ARIES-style recovery
// described in spec §4.7: a length-prefixed stream of typed records,
// group/forced flush, and three-phase (analysis/redo/undo) recovery.
//
// Records are modeled as one flat struct with type-specific fields left
// zero when unused, mirroring the teacher's btree.WALRecord rather than a
// class hierarchy — idiomatic for a wire format with a handful of shapes.
package wal

import (
	"encoding/binary"
	"fmt"

	"github.com/intellect4all/dbcore/internal/storage/common"
)

// RecordType tags the shape of a log record (spec §4.7).
type RecordType uint8

const (
	RecUpdate RecordType = 1
	RecInsert RecordType = 2
	RecDelete RecordType = 3

	RecCommit RecordType = 10
	RecAbort  RecordType = 11
	RecCLR    RecordType = 12

	RecBeginCheckpoint RecordType = 20
	RecEndCheckpoint   RecordType = 21

	RecCreateTable RecordType = 30
	RecDropTable   RecordType = 31
	RecCreateIndex RecordType = 32
	RecDropIndex   RecordType = 33
	RecCreateView  RecordType = 34
	RecDropView    RecordType = 35
	RecAlterView   RecordType = 36
	RecCreateTrigger RecordType = 37
	RecDropTrigger   RecordType = 38
	RecAlterTrigger  RecordType = 39
)

func (t RecordType) IsDataRecord() bool {
	return t == RecUpdate || t == RecInsert || t == RecDelete
}

func (t RecordType) IsDDL() bool {
	return t >= RecCreateTable && t <= RecAlterTrigger
}

// ResourceRef identifies the heap slot a data record touched: a table plus
// a row location. Distinct from lock.ResourceID because the log need not
// carry the page-level granularity the lock manager tracks separately.
type ResourceRef struct {
	Table    string
	PageID   uint32
	RecordID uint32
}

// CheckpointEntry pairs an id with an LSN, used for both the ATT
// (txn id -> last LSN) and the DPT (page id -> rec LSN) snapshot carried
// by END_CHECKPOINT.
type CheckpointEntry struct {
	ID  uint32
	LSN common.LSN
}

// Record is one WAL entry. Only the fields relevant to Type are
// meaningful; see the per-type comments below.
type Record struct {
	LSN     common.LSN
	PrevLSN common.LSN
	TxnID   uint32
	Type    RecordType

	// UPDATE, INSERT, DELETE, and CLR (via OriginalType/UndoNextLSN below).
	Resource ResourceRef
	Before   []byte // UPDATE before-image; DELETE's deleted bytes
	After    []byte // UPDATE after-image; INSERT's inserted bytes
	RecordSize int  // size of the fixed-width row at Resource; needed to
	// tombstone on undo-of-INSERT and to read/restore on undo-of-UPDATE

	// CLR only.
	UndoNextLSN  common.LSN
	OriginalType RecordType

	// BEGIN_CHECKPOINT / END_CHECKPOINT only.
	ATT []CheckpointEntry
	DPT []CheckpointEntry

	// DDL records only: Name is the table/index/view/trigger name (so DROP
	// records can identify the object without a payload); Payload is an
	// opaque JSON blob the catalog knows how to decode back into metadata.
	Name    string
	Payload []byte
}

func putString(buf []byte, s string) []byte {
	lbuf := make([]byte, 2)
	binary.BigEndian.PutUint16(lbuf, uint16(len(s)))
	buf = append(buf, lbuf...)
	buf = append(buf, s...)
	return buf
}

func getString(data []byte, off int) (string, int, error) {
	if off+2 > len(data) {
		return "", 0, fmt.Errorf("%w: truncated string length", common.ErrCorruption)
	}
	n := int(binary.BigEndian.Uint16(data[off : off+2]))
	off += 2
	if off+n > len(data) {
		return "", 0, fmt.Errorf("%w: truncated string body", common.ErrCorruption)
	}
	return string(data[off : off+n]), off + n, nil
}

func putBytes(buf []byte, b []byte) []byte {
	lbuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lbuf, uint32(len(b)))
	buf = append(buf, lbuf...)
	buf = append(buf, b...)
	return buf
}

func getBytes(data []byte, off int) ([]byte, int, error) {
	if off+4 > len(data) {
		return nil, 0, fmt.Errorf("%w: truncated bytes length", common.ErrCorruption)
	}
	n := int(binary.BigEndian.Uint32(data[off : off+4]))
	off += 4
	if off+n > len(data) {
		return nil, 0, fmt.Errorf("%w: truncated bytes body", common.ErrCorruption)
	}
	return data[off : off+n], off + n, nil
}

func putResource(buf []byte, r ResourceRef) []byte {
	buf = putString(buf, r.Table)
	tmp := make([]byte, 8)
	binary.BigEndian.PutUint32(tmp[0:4], r.PageID)
	binary.BigEndian.PutUint32(tmp[4:8], r.RecordID)
	return append(buf, tmp...)
}

func getResource(data []byte, off int) (ResourceRef, int, error) {
	table, off, err := getString(data, off)
	if err != nil {
		return ResourceRef{}, 0, err
	}
	if off+8 > len(data) {
		return ResourceRef{}, 0, fmt.Errorf("%w: truncated resource ref", common.ErrCorruption)
	}
	r := ResourceRef{
		Table:    table,
		PageID:   binary.BigEndian.Uint32(data[off : off+4]),
		RecordID: binary.BigEndian.Uint32(data[off+4 : off+8]),
	}
	return r, off + 8, nil
}

const headerSize = 8 + 8 + 4 + 1 // lsn, prev_lsn, txn_id, type

// Encode serializes r into its on-disk payload, not including the outer
// 4-byte length frame (that is LogManager's concern).
func Encode(r *Record) []byte {
	buf := make([]byte, headerSize)
	binary.BigEndian.PutUint64(buf[0:8], uint64(r.LSN))
	binary.BigEndian.PutUint64(buf[8:16], uint64(r.PrevLSN))
	binary.BigEndian.PutUint32(buf[16:20], r.TxnID)
	buf[20] = byte(r.Type)

	switch r.Type {
	case RecInsert:
		buf = putResource(buf, r.Resource)
		buf = putBytes(buf, r.After)
	case RecDelete:
		buf = putResource(buf, r.Resource)
		buf = putBytes(buf, r.Before)
	case RecUpdate:
		buf = putResource(buf, r.Resource)
		buf = putBytes(buf, r.Before)
		buf = putBytes(buf, r.After)
	case RecCommit, RecAbort, RecBeginCheckpoint:
		// header only
	case RecCLR:
		tmp := make([]byte, 9)
		binary.BigEndian.PutUint64(tmp[0:8], uint64(r.UndoNextLSN))
		tmp[8] = byte(r.OriginalType)
		buf = append(buf, tmp...)
		buf = putResource(buf, r.Resource)
		sizeBuf := make([]byte, 4)
		binary.BigEndian.PutUint32(sizeBuf, uint32(r.RecordSize))
		buf = append(buf, sizeBuf...)
		switch r.OriginalType {
		case RecInsert:
			// A physical (heap) insert undoes by tombstoning Resource:
			// nothing else to carry. A logical (index) insert undoes by
			// deleting the same (key, row_id) pair, which isn't
			// recoverable from Resource alone, so it rides along here too.
			if r.Resource.PageID == 0 {
				buf = putBytes(buf, r.Before)
			}
		case RecDelete:
			buf = putBytes(buf, r.Before) // re-insert these bytes
		case RecUpdate:
			buf = putBytes(buf, r.Before) // restore this before-image
		}
	case RecEndCheckpoint:
		attLen := make([]byte, 4)
		binary.BigEndian.PutUint32(attLen, uint32(len(r.ATT)))
		buf = append(buf, attLen...)
		for _, e := range r.ATT {
			tmp := make([]byte, 12)
			binary.BigEndian.PutUint32(tmp[0:4], e.ID)
			binary.BigEndian.PutUint64(tmp[4:12], uint64(e.LSN))
			buf = append(buf, tmp...)
		}
		dptLen := make([]byte, 4)
		binary.BigEndian.PutUint32(dptLen, uint32(len(r.DPT)))
		buf = append(buf, dptLen...)
		for _, e := range r.DPT {
			tmp := make([]byte, 12)
			binary.BigEndian.PutUint32(tmp[0:4], e.ID)
			binary.BigEndian.PutUint64(tmp[4:12], uint64(e.LSN))
			buf = append(buf, tmp...)
		}
	default: // DDL records
		buf = putString(buf, r.Name)
		buf = putBytes(buf, r.Payload)
	}
	return buf
}

// Decode parses a record payload (without the outer length frame).
func Decode(data []byte) (*Record, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: log record shorter than header", common.ErrCorruption)
	}
	r := &Record{
		LSN:     common.LSN(binary.BigEndian.Uint64(data[0:8])),
		PrevLSN: common.LSN(binary.BigEndian.Uint64(data[8:16])),
		TxnID:   binary.BigEndian.Uint32(data[16:20]),
		Type:    RecordType(data[20]),
	}
	off := headerSize
	var err error

	switch r.Type {
	case RecInsert:
		r.Resource, off, err = getResource(data, off)
		if err != nil {
			return nil, err
		}
		r.After, off, err = getBytes(data, off)
		r.RecordSize = len(r.After)
	case RecDelete:
		r.Resource, off, err = getResource(data, off)
		if err != nil {
			return nil, err
		}
		r.Before, off, err = getBytes(data, off)
		r.RecordSize = len(r.Before)
	case RecUpdate:
		r.Resource, off, err = getResource(data, off)
		if err != nil {
			return nil, err
		}
		r.Before, off, err = getBytes(data, off)
		if err != nil {
			return nil, err
		}
		r.After, off, err = getBytes(data, off)
		r.RecordSize = len(r.After)
	case RecCommit, RecAbort, RecBeginCheckpoint:
		// nothing more to read
	case RecCLR:
		if off+9 > len(data) {
			return nil, fmt.Errorf("%w: truncated CLR header", common.ErrCorruption)
		}
		r.UndoNextLSN = common.LSN(binary.BigEndian.Uint64(data[off : off+8]))
		r.OriginalType = RecordType(data[off+8])
		off += 9
		r.Resource, off, err = getResource(data, off)
		if err != nil {
			return nil, err
		}
		if off+4 > len(data) {
			return nil, fmt.Errorf("%w: truncated CLR record size", common.ErrCorruption)
		}
		r.RecordSize = int(binary.BigEndian.Uint32(data[off : off+4]))
		off += 4
		switch r.OriginalType {
		case RecInsert:
			if r.Resource.PageID == 0 {
				r.Before, off, err = getBytes(data, off)
			}
		case RecDelete, RecUpdate:
			r.Before, off, err = getBytes(data, off)
		}
	case RecEndCheckpoint:
		if off+4 > len(data) {
			return nil, fmt.Errorf("%w: truncated ATT length", common.ErrCorruption)
		}
		attN := int(binary.BigEndian.Uint32(data[off : off+4]))
		off += 4
		r.ATT = make([]CheckpointEntry, attN)
		for i := 0; i < attN; i++ {
			if off+12 > len(data) {
				return nil, fmt.Errorf("%w: truncated ATT entry", common.ErrCorruption)
			}
			r.ATT[i] = CheckpointEntry{
				ID:  binary.BigEndian.Uint32(data[off : off+4]),
				LSN: common.LSN(binary.BigEndian.Uint64(data[off+4 : off+12])),
			}
			off += 12
		}
		if off+4 > len(data) {
			return nil, fmt.Errorf("%w: truncated DPT length", common.ErrCorruption)
		}
		dptN := int(binary.BigEndian.Uint32(data[off : off+4]))
		off += 4
		r.DPT = make([]CheckpointEntry, dptN)
		for i := 0; i < dptN; i++ {
			if off+12 > len(data) {
				return nil, fmt.Errorf("%w: truncated DPT entry", common.ErrCorruption)
			}
			r.DPT[i] = CheckpointEntry{
				ID:  binary.BigEndian.Uint32(data[off : off+4]),
				LSN: common.LSN(binary.BigEndian.Uint64(data[off+4 : off+12])),
			}
			off += 12
		}
	default: // DDL records
		r.Name, off, err = getString(data, off)
		if err != nil {
			return nil, err
		}
		r.Payload, off, err = getBytes(data, off)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// UndoInfo captures what undo() needs to reverse a data record, built from
// the forward record by the transaction manager / recovery's undo phase
// before it constructs a CLR.
type UndoInfo struct {
	OriginalType RecordType
	Resource     ResourceRef
	RecordSize   int
	Before       []byte // bytes to restore (UPDATE) or re-insert (DELETE)
}

// BuildUndoInfo extracts the inverse-action payload from a forward data
// record (spec §4.7: CLR carries "the inverse payload needed to undo").
func BuildUndoInfo(r *Record) UndoInfo {
	info := UndoInfo{OriginalType: r.Type, Resource: r.Resource, RecordSize: r.RecordSize}
	switch r.Type {
	case RecInsert:
		// A physical (heap) insert undoes by tombstoning Resource; no bytes
		// needed. A logical record (Resource.PageID == 0, an index entry)
		// carries no location to tombstone, so its undo needs the inserted
		// payload itself to know what to remove — carry it forward.
		if r.Resource.PageID == 0 {
			info.Before = r.After
		}
	case RecDelete:
		info.Before = r.Before // re-insert the deleted bytes
	case RecUpdate:
		info.Before = r.Before // restore the prior image
	}
	return info
}
