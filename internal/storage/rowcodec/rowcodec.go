// Package rowcodec implements the fixed-width row encoding of spec §6:
// integer columns are 4 bytes little-endian, string columns are declared
// length bytes of null-padded UTF-8, decimal/float columns are a
// deterministic-width UTF-8 text encoding, and dates/timestamps are 20-byte
// UTF-8 text.
package rowcodec

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/intellect4all/dbcore/internal/storage/common"
	"github.com/intellect4all/dbcore/internal/storage/schema"
)

// Row is one decoded tuple: values in table column order. Each value is an
// int32, float64, string, or nil (for a NULL-able column with no value).
type Row []any

// Encode serializes row into the table's fixed-width record layout.
func Encode(table schema.Table, row Row) ([]byte, error) {
	if len(row) != len(table.Columns) {
		return nil, fmt.Errorf("%w: row has %d values, table %q has %d columns", common.ErrInvalidArgument, len(row), table.Name, len(table.Columns))
	}
	buf := make([]byte, table.RecordSize())
	off := 0
	for i, col := range table.Columns {
		width := col.FixedWidth()
		if err := encodeValue(buf[off:off+width], col, row[i]); err != nil {
			return nil, fmt.Errorf("column %q: %w", col.Name, err)
		}
		off += width
	}
	return buf, nil
}

func encodeValue(dst []byte, col schema.Column, v any) error {
	if v == nil {
		if !col.Nullable {
			return fmt.Errorf("%w: NULL in non-nullable column", common.ErrConstraintViolation)
		}
		// Zero-fill already satisfies "no value"; nullability is tracked by
		// the caller comparing against the zero value when needed. A real
		// NULL bitmap is left to a future on-disk format revision — the
		// core makes no claim about distinguishing NULL from a zero value
		// on heap-page bytes alone, matching the fixed-width layout in
		// spec §6 which carries no null bitmap.
		return nil
	}
	switch col.Type {
	case common.ColumnTypeInt32:
		n, ok := v.(int32)
		if !ok {
			return fmt.Errorf("%w: expected int32, got %T", common.ErrInvalidArgument, v)
		}
		binary.LittleEndian.PutUint32(dst, uint32(n))
		return nil
	case common.ColumnTypeString:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("%w: expected string, got %T", common.ErrInvalidArgument, v)
		}
		if len(s) > len(dst) {
			return fmt.Errorf("%w: string value exceeds declared column length %d", common.ErrConstraintViolation, len(dst))
		}
		for i := range dst {
			dst[i] = 0
		}
		copy(dst, s)
		return nil
	case common.ColumnTypeFloat64, common.ColumnTypeDecimal:
		f, ok := v.(float64)
		if !ok {
			return fmt.Errorf("%w: expected float64, got %T", common.ErrInvalidArgument, v)
		}
		text := strconv.FormatFloat(f, 'f', -1, 64)
		if len(text) > len(dst) {
			return fmt.Errorf("%w: decimal text encoding %q exceeds width %d", common.ErrConstraintViolation, text, len(dst))
		}
		padded := strings.Repeat(" ", len(dst)-len(text)) + text
		copy(dst, padded)
		return nil
	case common.ColumnTypeTimestamp:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("%w: expected timestamp text, got %T", common.ErrInvalidArgument, v)
		}
		if len(s) > len(dst) {
			return fmt.Errorf("%w: timestamp text exceeds width %d", common.ErrConstraintViolation, len(dst))
		}
		for i := range dst {
			dst[i] = ' '
		}
		copy(dst, s)
		return nil
	default:
		return fmt.Errorf("%w: unsupported column type %v", common.ErrInvalidArgument, col.Type)
	}
}

// Decode parses a fixed-width record back into a Row.
func Decode(table schema.Table, data []byte) (Row, error) {
	if len(data) != table.RecordSize() {
		return nil, fmt.Errorf("%w: record is %d bytes, table %q expects %d", common.ErrCorruption, len(data), table.Name, table.RecordSize())
	}
	row := make(Row, len(table.Columns))
	off := 0
	for i, col := range table.Columns {
		width := col.FixedWidth()
		v, err := decodeValue(data[off:off+width], col)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", col.Name, err)
		}
		row[i] = v
		off += width
	}
	return row, nil
}

func decodeValue(src []byte, col schema.Column) (any, error) {
	switch col.Type {
	case common.ColumnTypeInt32:
		return int32(binary.LittleEndian.Uint32(src)), nil
	case common.ColumnTypeString:
		n := 0
		for n < len(src) && src[n] != 0 {
			n++
		}
		return string(src[:n]), nil
	case common.ColumnTypeFloat64, common.ColumnTypeDecimal:
		text := strings.TrimSpace(string(src))
		if text == "" {
			return float64(0), nil
		}
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid decimal text %q", common.ErrCorruption, text)
		}
		return f, nil
	case common.ColumnTypeTimestamp:
		return strings.TrimRight(string(src), " "), nil
	default:
		return nil, fmt.Errorf("%w: unsupported column type %v", common.ErrInvalidArgument, col.Type)
	}
}

// ProjectKey extracts the key components for an index over keyColumns from
// a decoded row, in the declared order.
func ProjectKey(table schema.Table, row Row, keyColumns []string) ([]any, error) {
	out := make([]any, len(keyColumns))
	for i, name := range keyColumns {
		idx := table.ColumnIndex(name)
		if idx < 0 {
			return nil, fmt.Errorf("%w: index key column %q not found in table %q", common.ErrInvalidArgument, name, table.Name)
		}
		out[i] = row[idx]
	}
	return out, nil
}
