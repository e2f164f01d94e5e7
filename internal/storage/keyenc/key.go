// Package keyenc implements the B+tree key encoding described in spec §3:
// a key is a tuple of typed components, each framed as
// type_tag(1) || length(2) || bytes(length); composite keys concatenate
// components, and ordering is lexicographic over components compared by
// their native type order.
package keyenc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/intellect4all/dbcore/internal/storage/common"
)

// Component is exactly one of int32, float64, or string — the three
// supported key component types (spec §3).
type Component any

// Encode serializes a composite key. types[i] must match the runtime type
// of components[i] (int32, float64, or string respectively).
func Encode(components []Component, types []common.ColumnType) ([]byte, error) {
	if len(components) != len(types) {
		return nil, fmt.Errorf("%w: %d components but %d column types", common.ErrInvalidArgument, len(components), len(types))
	}
	out := make([]byte, 0, 16*len(components))
	for i, c := range components {
		encoded, err := encodeComponent(c, types[i])
		if err != nil {
			return nil, err
		}
		out = append(out, encoded...)
	}
	return out, nil
}

func encodeComponent(c Component, t common.ColumnType) ([]byte, error) {
	switch t {
	case common.ColumnTypeInt32:
		v, ok := c.(int32)
		if !ok {
			return nil, fmt.Errorf("%w: expected int32 component, got %T", common.ErrInvalidArgument, c)
		}
		buf := make([]byte, 1+2+4)
		buf[0] = byte(common.ColumnTypeInt32)
		binary.BigEndian.PutUint16(buf[1:3], 4)
		// Bias so that lexicographic byte order matches signed numeric order.
		binary.BigEndian.PutUint32(buf[3:7], uint32(v)^0x80000000)
		return buf, nil
	case common.ColumnTypeFloat64:
		v, ok := c.(float64)
		if !ok {
			return nil, fmt.Errorf("%w: expected float64 component, got %T", common.ErrInvalidArgument, c)
		}
		buf := make([]byte, 1+2+8)
		buf[0] = byte(common.ColumnTypeFloat64)
		binary.BigEndian.PutUint16(buf[1:3], 8)
		binary.BigEndian.PutUint64(buf[3:11], floatOrderedBits(v))
		return buf, nil
	case common.ColumnTypeString:
		v, ok := c.(string)
		if !ok {
			return nil, fmt.Errorf("%w: expected string component, got %T", common.ErrInvalidArgument, c)
		}
		if len(v) > math.MaxUint16 {
			return nil, fmt.Errorf("%w: string key component too long (%d bytes)", common.ErrInvalidArgument, len(v))
		}
		buf := make([]byte, 1+2+len(v))
		buf[0] = byte(common.ColumnTypeString)
		binary.BigEndian.PutUint16(buf[1:3], uint16(len(v)))
		copy(buf[3:], v)
		return buf, nil
	default:
		return nil, fmt.Errorf("%w: unsupported key column type %v", common.ErrInvalidArgument, t)
	}
}

// floatOrderedBits maps a float64 to a uint64 such that unsigned numeric
// order of the bits matches the natural order of the floats, including
// negatives (flip all bits for negatives, flip just the sign bit for
// non-negatives).
func floatOrderedBits(f float64) uint64 {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		return ^bits
	}
	return bits | (1 << 63)
}

// Decode parses a composite key back into its typed components.
func Decode(data []byte, types []common.ColumnType) ([]Component, error) {
	out := make([]Component, 0, len(types))
	off := 0
	for _, t := range types {
		if off+3 > len(data) {
			return nil, fmt.Errorf("%w: truncated key component header", common.ErrCorruption)
		}
		tag := common.ColumnType(data[off])
		if tag != t {
			return nil, fmt.Errorf("%w: key component type mismatch: wanted %v got %v", common.ErrCorruption, t, tag)
		}
		length := binary.BigEndian.Uint16(data[off+1 : off+3])
		off += 3
		if off+int(length) > len(data) {
			return nil, fmt.Errorf("%w: truncated key component body", common.ErrCorruption)
		}
		body := data[off : off+int(length)]
		off += int(length)
		switch t {
		case common.ColumnTypeInt32:
			out = append(out, int32(binary.BigEndian.Uint32(body)^0x80000000))
		case common.ColumnTypeFloat64:
			out = append(out, floatFromOrderedBits(binary.BigEndian.Uint64(body)))
		case common.ColumnTypeString:
			out = append(out, string(body))
		default:
			return nil, fmt.Errorf("%w: unsupported key column type %v", common.ErrCorruption, t)
		}
	}
	return out, nil
}

func floatFromOrderedBits(ordered uint64) float64 {
	if ordered&(1<<63) != 0 {
		return math.Float64frombits(ordered &^ (1 << 63))
	}
	return math.Float64frombits(^ordered)
}

// Compare orders two encoded keys component by component. Each
// component's body is compared as unsigned bytes, which matches native
// type order because Encode biases int32 and float64 bodies; length
// prefixes are skipped, so a shorter string sorts before a longer one
// only when it is a prefix of it. Callers should prefer this over
// bytes.Compare so the ordering contract has one name in the codebase.
func Compare(a, b []byte) int {
	for len(a) >= 3 && len(b) >= 3 {
		endA := 3 + int(binary.BigEndian.Uint16(a[1:3]))
		endB := 3 + int(binary.BigEndian.Uint16(b[1:3]))
		if a[0] != b[0] || endA > len(a) || endB > len(b) {
			break
		}
		if c := bytes.Compare(a[3:endA], b[3:endB]); c != 0 {
			return c
		}
		a, b = a[endA:], b[endB:]
	}
	la, lb := len(a), len(b)
	n := la
	if lb < n {
		n = lb
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case la < lb:
		return -1
	case la > lb:
		return 1
	default:
		return 0
	}
}
