// Copyright 2023 The Elric Authors
// This file is part of Elric.
//
// Elric is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Elric is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Elric. If not, see <http://www.gnu.org/licenses/>.

package chdb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/holiman/uint256"
)

// ColumnKind enumerates the ClickHouse column types the loader knows how to
// serialize into RowBinary. The set is closed: schema discovery rejects
// anything else before the stream starts.
type ColumnKind uint8

const (
	KindString ColumnKind = iota
	KindFixedString
	KindUInt8
	KindUInt16
	KindUInt32
	KindUInt64
	KindUInt128
	KindUInt256
	KindInt8
	KindInt16
	KindInt32
	KindInt64
	KindInt128
	KindInt256
	KindFloat32
	KindFloat64
	KindDateTime
	KindBool
)

var kindNames = map[ColumnKind]string{
	KindString:      "String",
	KindFixedString: "FixedString",
	KindUInt8:       "UInt8",
	KindUInt16:      "UInt16",
	KindUInt32:      "UInt32",
	KindUInt64:      "UInt64",
	KindUInt128:     "UInt128",
	KindUInt256:     "UInt256",
	KindInt8:        "Int8",
	KindInt16:       "Int16",
	KindInt32:       "Int32",
	KindInt64:       "Int64",
	KindInt128:      "Int128",
	KindInt256:      "Int256",
	KindFloat32:     "Float32",
	KindFloat64:     "Float64",
	KindDateTime:    "DateTime",
	KindBool:        "Bool",
}

// ColumnType is a parsed ClickHouse data_type descriptor. Size is only
// meaningful for FixedString.
type ColumnType struct {
	Kind ColumnKind
	Size int
}

func (t ColumnType) String() string {
	if t.Kind == KindFixedString {
		return fmt.Sprintf("FixedString(%d)", t.Size)
	}
	return kindNames[t.Kind]
}

var scalarKinds = map[string]ColumnKind{
	"String":   KindString,
	"UInt8":    KindUInt8,
	"UInt16":   KindUInt16,
	"UInt32":   KindUInt32,
	"UInt64":   KindUInt64,
	"UInt128":  KindUInt128,
	"UInt256":  KindUInt256,
	"Int8":     KindInt8,
	"Int16":    KindInt16,
	"Int32":    KindInt32,
	"Int64":    KindInt64,
	"Int128":   KindInt128,
	"Int256":   KindInt256,
	"Float32":  KindFloat32,
	"Float64":  KindFloat64,
	"DateTime": KindDateTime,
	"Bool":     KindBool,
}

// recognizedUnsupported are descriptors the catalog understands but the codec
// has no encoding for. They are refused at discovery time, never mid-stream.
var recognizedUnsupported = []string{"Date32", "Date", "Nullable", "LowCardinality", "Decimal"}

// UnsupportedColumnTypeError is returned by ParseColumnType for descriptors
// the codec cannot serialize.
type UnsupportedColumnTypeError struct {
	DataType string
}

func (e *UnsupportedColumnTypeError) Error() string {
	for _, known := range recognizedUnsupported {
		if strings.HasPrefix(e.DataType, known) {
			return fmt.Sprintf("column type %q has no encoder", e.DataType)
		}
	}
	return fmt.Sprintf("unknown column type %q", e.DataType)
}

// ParseError reports a field value that could not be serialized as its
// column's type. It is fatal for the block being processed.
type ParseError struct {
	Type  ColumnType
	Value string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %q as %s: %v", e.Value, e.Type, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

func parseErr(t ColumnType, v string, err error) error {
	return &ParseError{Type: t, Value: v, Err: err}
}

// ParseColumnType parses a ClickHouse data_type descriptor, extracting the
// parameter of parameterized types. FixedString is the only parameterized
// type with an encoding; the other recognized parameterized forms are
// rejected so discovery fails fast.
func ParseColumnType(dataType string) (ColumnType, error) {
	if kind, ok := scalarKinds[dataType]; ok {
		return ColumnType{Kind: kind}, nil
	}
	if rest, ok := strings.CutPrefix(dataType, "FixedString("); ok {
		rest, ok = strings.CutSuffix(rest, ")")
		if !ok {
			return ColumnType{}, &UnsupportedColumnTypeError{DataType: dataType}
		}
		size, err := strconv.Atoi(rest)
		if err != nil || size <= 0 {
			return ColumnType{}, &UnsupportedColumnTypeError{DataType: dataType}
		}
		return ColumnType{Kind: KindFixedString, Size: size}, nil
	}
	return ColumnType{}, &UnsupportedColumnTypeError{DataType: dataType}
}

var (
	maxUint128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))
	minInt128  = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 127))
	maxInt128  = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))
	two128     = new(big.Int).Lsh(big.NewInt(1), 128)
)

// AppendValue serializes one textual field value as the given column type in
// ClickHouse RowBinary and appends it to buf. The zero-value convention for
// absent fields lives in zeroValue, not here: callers always pass a raw
// string.
//
// Int256 shares the unsigned limb encoding with UInt256. The original
// implementation treats the two identically and downstream schemas rely on
// that; a negative Int256 value is therefore a ParseError rather than a
// silently misencoded row.
func AppendValue(buf *bytes.Buffer, t ColumnType, raw string) error {
	switch t.Kind {
	case KindString:
		var lenBuf [binary.MaxVarintLen64]byte
		n := binary.PutUvarint(lenBuf[:], uint64(len(raw)))
		buf.Write(lenBuf[:n])
		buf.WriteString(raw)

	case KindFixedString:
		b := []byte(raw)
		if len(b) > t.Size {
			b = b[:t.Size]
		}
		buf.Write(b)
		for i := len(b); i < t.Size; i++ {
			buf.WriteByte(0)
		}

	case KindUInt8, KindUInt16, KindUInt32, KindUInt64:
		bits := uintBits(t.Kind)
		v, err := strconv.ParseUint(raw, 10, bits)
		if err != nil {
			return parseErr(t, raw, err)
		}
		appendUintLE(buf, v, bits/8)

	case KindInt8, KindInt16, KindInt32, KindInt64:
		bits := intBits(t.Kind)
		v, err := strconv.ParseInt(raw, 10, bits)
		if err != nil {
			return parseErr(t, raw, err)
		}
		appendUintLE(buf, uint64(v), bits/8)

	case KindUInt128, KindInt128:
		if err := append128LE(buf, t, raw); err != nil {
			return err
		}

	case KindUInt256, KindInt256:
		v, err := uint256.FromDecimal(raw)
		if err != nil {
			return parseErr(t, raw, err)
		}
		var limb [8]byte
		for i := 0; i < 4; i++ {
			binary.LittleEndian.PutUint64(limb[:], v[i])
			buf.Write(limb[:])
		}

	case KindFloat32:
		v, err := strconv.ParseFloat(raw, 32)
		if err != nil {
			return parseErr(t, raw, err)
		}
		appendUintLE(buf, uint64(math.Float32bits(float32(v))), 4)

	case KindFloat64:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return parseErr(t, raw, err)
		}
		appendUintLE(buf, math.Float64bits(v), 8)

	case KindDateTime:
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return parseErr(t, raw, err)
		}
		appendUintLE(buf, uint64(uint32(ts.Unix())), 4)

	case KindBool:
		switch raw {
		case "true":
			buf.WriteByte(1)
		case "false":
			buf.WriteByte(0)
		default:
			return parseErr(t, raw, fmt.Errorf("expected true or false"))
		}

	default:
		return parseErr(t, raw, fmt.Errorf("no encoder"))
	}
	return nil
}

func uintBits(k ColumnKind) int {
	switch k {
	case KindUInt8:
		return 8
	case KindUInt16:
		return 16
	case KindUInt32:
		return 32
	default:
		return 64
	}
}

func intBits(k ColumnKind) int {
	switch k {
	case KindInt8:
		return 8
	case KindInt16:
		return 16
	case KindInt32:
		return 32
	default:
		return 64
	}
}

func appendUintLE(buf *bytes.Buffer, v uint64, width int) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:width])
}

func append128LE(buf *bytes.Buffer, t ColumnType, raw string) error {
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return parseErr(t, raw, fmt.Errorf("invalid decimal"))
	}
	if t.Kind == KindUInt128 {
		if v.Sign() < 0 || v.Cmp(maxUint128) > 0 {
			return parseErr(t, raw, fmt.Errorf("out of range"))
		}
	} else {
		if v.Cmp(minInt128) < 0 || v.Cmp(maxInt128) > 0 {
			return parseErr(t, raw, fmt.Errorf("out of range"))
		}
		if v.Sign() < 0 {
			v = new(big.Int).Add(v, two128)
		}
	}
	var be [16]byte
	v.FillBytes(be[:])
	for i := 15; i >= 0; i-- {
		buf.WriteByte(be[i])
	}
	return nil
}

// zeroValue is the textual stand-in used when a table change carries no value
// for a column. Every row must span the table's full column tuple.
func zeroValue(t ColumnType) string {
	switch t.Kind {
	case KindString, KindFixedString:
		return ""
	case KindBool:
		return "false"
	case KindDateTime:
		return "1970-01-01T00:00:00Z"
	default:
		return "0"
	}
}
