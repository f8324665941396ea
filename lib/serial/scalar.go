// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package serial

import (
	"encoding/binary"
	"fmt"
	"math"
	"reflect"

	"github.com/bureau-foundation/localrpc/lib/wire"
)

// scalarKind is the closed set of fixed-width scalars an ordered
// container can pack into a byte string.
type scalarKind uint8

const (
	scalarNone scalarKind = iota
	scalarInt8
	scalarInt16
	scalarInt32
	scalarInt64
	scalarUint8
	scalarUint16
	scalarUint32
	scalarUint64
	scalarBool
	scalarFloat32
	scalarFloat64
)

func (k scalarKind) width() int {
	switch k {
	case scalarInt8, scalarUint8, scalarBool:
		return 1
	case scalarInt16, scalarUint16:
		return 2
	case scalarInt32, scalarUint32, scalarFloat32:
		return 4
	case scalarInt64, scalarUint64, scalarFloat64:
		return 8
	}
	return 0
}

func (k scalarKind) String() string {
	switch k {
	case scalarInt8:
		return "int8"
	case scalarInt16:
		return "int16"
	case scalarInt32:
		return "int32"
	case scalarInt64:
		return "int64"
	case scalarUint8:
		return "uint8"
	case scalarUint16:
		return "uint16"
	case scalarUint32:
		return "uint32"
	case scalarUint64:
		return "uint64"
	case scalarBool:
		return "bool"
	case scalarFloat32:
		return "float32"
	case scalarFloat64:
		return "float64"
	}
	return "none"
}

// scalarKindOf maps a Go type to the packed scalar kind an encoder
// uses for it, or scalarNone when values of the type never pack.
// Types with custom encodings never pack.
func scalarKindOf(t reflect.Type) scalarKind {
	if hasCustomEncoding(t) {
		return scalarNone
	}
	return fixedWidthKind(t)
}

// fixedWidthKind maps a type to the packed scalar kind of its
// underlying kind.
func fixedWidthKind(t reflect.Type) scalarKind {
	switch t.Kind() {
	case reflect.Int8:
		return scalarInt8
	case reflect.Int16:
		return scalarInt16
	case reflect.Int32:
		return scalarInt32
	case reflect.Int64, reflect.Int:
		return scalarInt64
	case reflect.Uint8:
		return scalarUint8
	case reflect.Uint16:
		return scalarUint16
	case reflect.Uint32:
		return scalarUint32
	case reflect.Uint64, reflect.Uint:
		return scalarUint64
	case reflect.Bool:
		return scalarBool
	case reflect.Float32:
		return scalarFloat32
	case reflect.Float64:
		return scalarFloat64
	}
	return scalarNone
}

// scalarBits extracts the raw bits of a fixed-width scalar: two's
// complement for signed integers, 0/1 for bool, IEEE-754 bits for
// floats.
func scalarBits(kind scalarKind, rv reflect.Value) uint64 {
	switch kind {
	case scalarInt8, scalarInt16, scalarInt32, scalarInt64:
		return uint64(rv.Int())
	case scalarUint8, scalarUint16, scalarUint32, scalarUint64:
		return rv.Uint()
	case scalarBool:
		if rv.Bool() {
			return 1
		}
		return 0
	case scalarFloat32:
		return uint64(float32Bits(rv))
	case scalarFloat64:
		return float64Bits(rv)
	}
	return 0
}

// appendScalar appends the little-endian encoding of bits at the
// width of kind.
func appendScalar(blob []byte, kind scalarKind, bits uint64) []byte {
	switch kind.width() {
	case 1:
		return append(blob, byte(bits))
	case 2:
		return binary.LittleEndian.AppendUint16(blob, uint16(bits))
	case 4:
		return binary.LittleEndian.AppendUint32(blob, uint32(bits))
	default:
		return binary.LittleEndian.AppendUint64(blob, bits)
	}
}

// readScalar reads one element of kind from the front of blob.
func readScalar(blob []byte, kind scalarKind) uint64 {
	switch kind.width() {
	case 1:
		return uint64(blob[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(blob))
	case 4:
		return uint64(binary.LittleEndian.Uint32(blob))
	default:
		return binary.LittleEndian.Uint64(blob)
	}
}

// boxScalar converts raw scalar bits to the wire value the element
// would have had in a boxed array.
func boxScalar(kind scalarKind, bits uint64) (wire.Value, error) {
	switch kind {
	case scalarInt8:
		return wire.Int(int64(int8(bits))), nil
	case scalarInt16:
		return wire.Int(int64(int16(bits))), nil
	case scalarInt32:
		return wire.Int(int64(int32(bits))), nil
	case scalarInt64:
		return wire.Int(int64(bits)), nil
	case scalarUint8, scalarUint16, scalarUint32, scalarUint64:
		return wire.Uint(bits), nil
	case scalarBool:
		if bits > 1 {
			return wire.Value{}, fmt.Errorf("bool byte is %d, want 0 or 1", bits)
		}
		return wire.Bool(bits == 1), nil
	case scalarFloat32:
		return wire.FloatBits(widenFloat32(uint32(bits))), nil
	case scalarFloat64:
		return wire.FloatBits(bits), nil
	}
	return wire.Value{}, fmt.Errorf("no scalar kind")
}

// newBlob starts a packed byte string. The first byte names the
// element kind so a receiver reads elements at the sender's width.
func newBlob(kind scalarKind, capacity int) []byte {
	blob := make([]byte, 1, 1+capacity*kind.width())
	blob[0] = byte(kind)
	return blob
}

// splitBlob separates a packed byte string into its element kind and
// element data.
func splitBlob(blob []byte) (scalarKind, []byte, error) {
	if len(blob) == 0 {
		return scalarNone, nil, fmt.Errorf("packed array has no element kind")
	}
	kind := scalarKind(blob[0])
	if kind.width() == 0 {
		return scalarNone, nil, fmt.Errorf("packed array element kind %d is unknown", blob[0])
	}
	return kind, blob[1:], nil
}

// unpackPacked expands a packed byte string, header included, into the
// boxed elements the sender would have produced without packing.
func unpackPacked(blob []byte) ([]wire.Value, error) {
	kind, data, err := splitBlob(blob)
	if err != nil {
		return nil, err
	}
	return unpackBlob(data, kind)
}

// unpackBlob expands packed element data of kind into boxed elements.
func unpackBlob(blob []byte, kind scalarKind) ([]wire.Value, error) {
	width := kind.width()
	if width == 0 || len(blob)%width != 0 {
		return nil, fmt.Errorf("%d bytes is not a whole number of %d-byte %s elements", len(blob), width, kind)
	}
	elements := make([]wire.Value, 0, len(blob)/width)
	for offset := 0; offset < len(blob); offset += width {
		element, err := boxScalar(kind, readScalar(blob[offset:], kind))
		if err != nil {
			return nil, err
		}
		elements = append(elements, element)
	}
	return elements, nil
}

// signedLimits returns the bounds of a signed integer of the given
// width.
func signedLimits(bits int) (minimum, maximum int64) {
	if bits >= 64 {
		return math.MinInt64, math.MaxInt64
	}
	return -1 << (bits - 1), 1<<(bits-1) - 1
}

func unsignedLimit(bits int) uint64 {
	if bits >= 64 {
		return math.MaxUint64
	}
	return 1<<bits - 1
}
