// Package schema defines table and column metadata shared by the catalog,
// the row codec, and the B+tree key codec, kept separate from catalog
// itself so neither rowcodec nor keyenc needs to import the (much larger)
// catalog package.
package schema

import "github.com/intellect4all/dbcore/internal/storage/common"

// Column describes one column of a table, matching the catalog metadata in
// spec §3: "name, data type, nullability, default, primary-key flag, CHECK
// expression".
type Column struct {
	Name       string
	Type       common.ColumnType
	Nullable   bool
	Default    any
	PrimaryKey bool
	Check      string // a serialized scalar predicate; opaque to the core

	// Length is the declared width for String columns (bytes) and the
	// declared precision for Decimal columns (significant digits); unused
	// for Int32/Float64/Timestamp.
	Length int
}

// FixedWidth returns the number of bytes this column occupies in the fixed
// per-row encoding (spec §6: row encoding is fixed-width per table).
func (c Column) FixedWidth() int {
	switch c.Type {
	case common.ColumnTypeInt32:
		return 4
	case common.ColumnTypeFloat64:
		// Decimal/float columns are stored as deterministic-width UTF-8
		// text (spec §9 open question (b), resolved in SPEC_FULL.md §3).
		return DecimalTextWidth
	case common.ColumnTypeString:
		return c.Length
	case common.ColumnTypeDecimal:
		return DecimalTextWidth
	case common.ColumnTypeTimestamp:
		return TimestampTextWidth
	default:
		return 0
	}
}

// DecimalTextWidth is the single deterministic width (in UTF-8 bytes) chosen
// to encode decimal/float columns as text, resolving the inconsistent
// source behavior flagged in spec §9(b).
const DecimalTextWidth = 32

// TimestampTextWidth is the fixed width of a UTF-8 encoded date/timestamp
// column (spec §6: "20-byte UTF-8 text").
const TimestampTextWidth = 20

// Table describes one table's structure, independent of where its pages
// live (that's the catalog's HeapFirstPageID bookkeeping).
type Table struct {
	Name    string
	Columns []Column
}

// RecordSize returns the fixed width of one encoded row for this table,
// not counting the heap page's 1-byte validity flag.
func (t Table) RecordSize() int {
	total := 0
	for _, c := range t.Columns {
		total += c.FixedWidth()
	}
	return total
}

// ColumnIndex returns the position of a column by name, or -1.
func (t Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// PrimaryKeyColumn returns the name of the declared primary-key column, if
// any (the core supports single-column primary keys; composite PKs can be
// declared as a unique index instead).
func (t Table) PrimaryKeyColumn() (string, bool) {
	for _, c := range t.Columns {
		if c.PrimaryKey {
			return c.Name, true
		}
	}
	return "", false
}
