// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"fmt"
	"math"
	"os"
	"slices"
	"strconv"
	"strings"
)

// Kind identifies the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindUint
	KindFloat
	KindString
	KindBytes
	KindArray
	KindMap
	KindFile
	KindSharedRegion
	KindEndpoint
)

var kindNames = [...]string{
	KindNull:         "null",
	KindBool:         "bool",
	KindInt:          "int",
	KindUint:         "uint",
	KindFloat:        "float",
	KindString:       "string",
	KindBytes:        "bytes",
	KindArray:        "array",
	KindMap:          "map",
	KindFile:         "file",
	KindSharedRegion: "shared-region",
	KindEndpoint:     "endpoint",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

// IsHandle reports whether values of this kind carry a file descriptor.
func (k Kind) IsHandle() bool {
	return k == KindFile || k == KindSharedRegion || k == KindEndpoint
}

// Value is an immutable wire value. The zero Value is null.
type Value struct {
	kind Kind

	// bits holds bool (0/1), int (two's complement), uint, float
	// (IEEE-754 bits), and the size of a shared region.
	bits uint64

	text   string
	bytes  []byte
	array  []Value
	fields map[string]Value
	file   *os.File
}

// Null returns the null value.
func Null() Value { return Value{} }

// Bool returns a boolean value.
func Bool(b bool) Value {
	v := Value{kind: KindBool}
	if b {
		v.bits = 1
	}
	return v
}

// Int returns a signed integer value.
func Int(i int64) Value { return Value{kind: KindInt, bits: uint64(i)} }

// Uint returns an unsigned integer value.
func Uint(u uint64) Value { return Value{kind: KindUint, bits: u} }

// Float returns a float value with the exact bit pattern of f.
func Float(f float64) Value { return Value{kind: KindFloat, bits: math.Float64bits(f)} }

// FloatBits returns a float value from a raw IEEE-754 binary64 bit
// pattern. Use this rather than Float when the bits came from
// somewhere a float conversion could have quieted a signaling NaN.
func FloatBits(bits uint64) Value { return Value{kind: KindFloat, bits: bits} }

// String returns a string value.
func String(s string) Value { return Value{kind: KindString, text: s} }

// Bytes returns a byte string value holding a copy of b.
func Bytes(b []byte) Value { return OwnBytes(slices.Clone(b)) }

// OwnBytes returns a byte string value that takes ownership of b. The
// caller must not modify b afterwards.
func OwnBytes(b []byte) Value {
	if b == nil {
		b = []byte{}
	}
	return Value{kind: KindBytes, bytes: b}
}

// Array returns an array value holding a copy of elements.
func Array(elements ...Value) Value { return OwnArray(slices.Clone(elements)) }

// OwnArray returns an array value that takes ownership of elements.
func OwnArray(elements []Value) Value {
	if elements == nil {
		elements = []Value{}
	}
	return Value{kind: KindArray, array: elements}
}

// Map returns a map value holding a copy of fields.
func Map(fields map[string]Value) Value {
	copied := make(map[string]Value, len(fields))
	for key, value := range fields {
		copied[key] = value
	}
	return Value{kind: KindMap, fields: copied}
}

// OwnMap returns a map value that takes ownership of fields.
func OwnMap(fields map[string]Value) Value {
	if fields == nil {
		fields = map[string]Value{}
	}
	return Value{kind: KindMap, fields: fields}
}

// File returns a handle value carrying an open file descriptor. The
// value owns file from this point on.
func File(file *os.File) Value { return Value{kind: KindFile, file: file} }

// SharedRegion returns a handle value for a shared memory region of the
// given size backed by file (normally a memfd).
func SharedRegion(file *os.File, size int64) Value {
	return Value{kind: KindSharedRegion, file: file, bits: uint64(size)}
}

// Endpoint returns a handle value for an anonymous endpoint capability.
// Callers outside the transport package should not build these
// directly; transport.Endpoint marshals itself into one.
func Endpoint(file *os.File) Value { return Value{kind: KindEndpoint, file: file} }

// Kind returns the variant held by v.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsBool returns the boolean held by v.
func (v Value) AsBool() (bool, bool) { return v.bits != 0, v.kind == KindBool }

// AsInt returns the signed integer held by v.
func (v Value) AsInt() (int64, bool) { return int64(v.bits), v.kind == KindInt }

// AsUint returns the unsigned integer held by v.
func (v Value) AsUint() (uint64, bool) { return v.bits, v.kind == KindUint }

// AsFloat returns the float held by v.
func (v Value) AsFloat() (float64, bool) { return math.Float64frombits(v.bits), v.kind == KindFloat }

// AsFloatBits returns the raw IEEE-754 bits of the float held by v.
func (v Value) AsFloatBits() (uint64, bool) { return v.bits, v.kind == KindFloat }

// AsString returns the string held by v.
func (v Value) AsString() (string, bool) { return v.text, v.kind == KindString }

// AsBytes returns the byte string held by v. The returned slice is
// shared with v and must not be modified.
func (v Value) AsBytes() ([]byte, bool) { return v.bytes, v.kind == KindBytes }

// AsArray returns the elements of an array value. The returned slice
// is shared with v and must not be modified.
func (v Value) AsArray() ([]Value, bool) { return v.array, v.kind == KindArray }

// AsMap returns the fields of a map value. The returned map is shared
// with v and must not be modified.
func (v Value) AsMap() (map[string]Value, bool) { return v.fields, v.kind == KindMap }

// Field returns one field of a map value.
func (v Value) Field(key string) (Value, bool) {
	if v.kind != KindMap {
		return Value{}, false
	}
	field, ok := v.fields[key]
	return field, ok
}

// Keys returns the keys of a map value in sorted order.
func (v Value) Keys() []string {
	keys := make([]string, 0, len(v.fields))
	for key := range v.fields {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

// Len returns the number of elements of an array, fields of a map, or
// bytes of a string or byte string. It returns 0 for other kinds.
func (v Value) Len() int {
	switch v.kind {
	case KindArray:
		return len(v.array)
	case KindMap:
		return len(v.fields)
	case KindBytes:
		return len(v.bytes)
	case KindString:
		return len(v.text)
	}
	return 0
}

// AsFile returns the file descriptor carried by a handle value.
func (v Value) AsFile() (*os.File, bool) { return v.file, v.kind.IsHandle() && v.file != nil }

// RegionSize returns the declared size of a shared region value.
func (v Value) RegionSize() (int64, bool) { return int64(v.bits), v.kind == KindSharedRegion }

// Handles calls fn for every handle value in the tree rooted at v, in
// depth-first order with map keys visited in sorted order.
func (v Value) Handles(fn func(Value)) {
	switch v.kind {
	case KindFile, KindSharedRegion, KindEndpoint:
		fn(v)
	case KindArray:
		for _, element := range v.array {
			element.Handles(fn)
		}
	case KindMap:
		for _, key := range v.Keys() {
			v.fields[key].Handles(fn)
		}
	}
}

// CloseHandles closes every file descriptor in the tree rooted at v.
func (v Value) CloseHandles() {
	v.Handles(func(handle Value) {
		if handle.file != nil {
			handle.file.Close()
		}
	})
}

// Equal reports whether a and b hold the same tree. Floats compare by
// bit pattern, so NaN equals an identical NaN. Handles compare by file
// identity.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull:
		return true
	case KindBool, KindInt, KindUint, KindFloat:
		return a.bits == b.bits
	case KindString:
		return a.text == b.text
	case KindBytes:
		return string(a.bytes) == string(b.bytes)
	case KindArray:
		return slices.EqualFunc(a.array, b.array, Equal)
	case KindMap:
		if len(a.fields) != len(b.fields) {
			return false
		}
		for key, left := range a.fields {
			right, ok := b.fields[key]
			if !ok || !Equal(left, right) {
				return false
			}
		}
		return true
	case KindSharedRegion:
		return a.file == b.file && a.bits == b.bits
	default:
		return a.file == b.file
	}
}

// String renders v in a compact diagnostic notation. It is not a
// serialization format.
func (v Value) String() string {
	var builder strings.Builder
	v.format(&builder)
	return builder.String()
}

func (v Value) format(builder *strings.Builder) {
	switch v.kind {
	case KindNull:
		builder.WriteString("null")
	case KindBool:
		builder.WriteString(strconv.FormatBool(v.bits != 0))
	case KindInt:
		builder.WriteString(strconv.FormatInt(int64(v.bits), 10))
	case KindUint:
		builder.WriteString(strconv.FormatUint(v.bits, 10))
		builder.WriteByte('u')
	case KindFloat:
		float := math.Float64frombits(v.bits)
		if math.IsNaN(float) {
			fmt.Fprintf(builder, "NaN(0x%016x)", v.bits)
		} else {
			builder.WriteString(strconv.FormatFloat(float, 'g', -1, 64))
		}
	case KindString:
		builder.WriteString(strconv.Quote(v.text))
	case KindBytes:
		fmt.Fprintf(builder, "h'%x'", v.bytes)
	case KindArray:
		builder.WriteByte('[')
		for index, element := range v.array {
			if index > 0 {
				builder.WriteString(", ")
			}
			element.format(builder)
		}
		builder.WriteByte(']')
	case KindMap:
		builder.WriteByte('{')
		for index, key := range v.Keys() {
			if index > 0 {
				builder.WriteString(", ")
			}
			builder.WriteString(strconv.Quote(key))
			builder.WriteString(": ")
			v.fields[key].format(builder)
		}
		builder.WriteByte('}')
	case KindSharedRegion:
		fmt.Fprintf(builder, "shared-region(%s, size=%d)", fileName(v.file), v.bits)
	default:
		fmt.Fprintf(builder, "%s(%s)", v.kind, fileName(v.file))
	}
}

// fileName avoids File.Fd, which would switch the descriptor to
// blocking mode as a side effect of formatting.
func fileName(file *os.File) string {
	if file == nil {
		return "<nil>"
	}
	return file.Name()
}
