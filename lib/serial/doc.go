// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package serial converts Go values to and from wire value trees.
//
// Encoding and decoding go through three container kinds, the same on
// both sides:
//
//   - Keyed containers ([KeyedEncoder], [KeyedDecoder]) hold
//     string-keyed heterogeneous fields and become wire maps.
//   - Ordered containers ([OrderedEncoder], [OrderedDecoder]) hold a
//     sequence of elements and become wire arrays.
//   - Single-value containers ([SingleEncoder], [SingleDecoder]) hold
//     one scalar, one nested value, or a prebuilt [wire.Value].
//
// Types take control of their own encoding by implementing
// [Marshaler] and [Unmarshaler]. Everything else goes through the
// reflection defaults:
//
//   - bool, every int and uint width, float32, float64 and string map
//     to the corresponding scalar. Signed integers are always a wire
//     int and unsigned integers a wire uint; decoding range-checks
//     against the destination width and fails rather than wrapping.
//   - Structs become keyed containers of their exported fields. The
//     `wire:"name,omitempty,optional"` tag renames a field, skips it
//     when zero, or lets it be absent on decode; `wire:"-"` skips it.
//     Pointer fields are always optional. Embedded structs without a
//     tag are flattened into the outer struct.
//   - Slices and arrays become ordered containers and maps with string
//     or integer keys become keyed containers.
//   - Pointers and interfaces encode what they point to; nil encodes
//     as null. Decoding null into anything yields its zero value.
//   - encoding.TextMarshaler values encode as strings.
//   - A [wire.Value] passes through untouched. This is the escape
//     hatch resource wrappers (file descriptors, shared regions) use.
//
// # Packed ordered containers
//
// An ordered container whose elements are all the same fixed-width
// scalar type (the integer widths, bool, float32, float64) is encoded
// as a byte string instead of a boxed array: one byte naming the
// element kind, then the elements in little-endian order. The first
// element that does not fit (a different scalar type, a null, a
// string, a nested container) permanently switches the container,
// including everything already appended, back to a boxed array.
// Packing follows the static element type, so elements of an
// interface-typed slice are always boxed. []byte is a packed array of
// uint8.
//
// Decoding expands a packed string at the width its header names and
// then decodes each element exactly as it would a boxed one, with the
// same range checks. A receiver whose element type differs from the
// sender's gets the same result, or the same error, from either form.
//
// # Floats
//
// float32 values travel as wire floats. Widening and narrowing handle
// NaN by moving bits rather than converting through the FPU, so a
// signaling NaN arrives signaling.
//
// # Errors
//
// Every failure is an [*Error] carrying the [FieldPath] at which it
// happened. Classify with errors.Is against [ErrTypeMismatch],
// [ErrMissing], [ErrMalformed], [ErrRange] and [ErrUnsupported].
package serial
