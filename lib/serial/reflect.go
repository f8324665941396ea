// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package serial

import (
	"encoding"
	"fmt"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/bureau-foundation/localrpc/lib/wire"
)

var (
	marshalerType       = reflect.TypeFor[Marshaler]()
	unmarshalerType     = reflect.TypeFor[Unmarshaler]()
	textMarshalerType   = reflect.TypeFor[encoding.TextMarshaler]()
	textUnmarshalerType = reflect.TypeFor[encoding.TextUnmarshaler]()
	valueType           = reflect.TypeFor[wire.Value]()
)

// hasCustomEncoding reports whether values of t encode through
// something other than the kind-based defaults.
func hasCustomEncoding(t reflect.Type) bool {
	if t == valueType {
		return true
	}
	pointer := reflect.PointerTo(t)
	return t.Implements(marshalerType) || pointer.Implements(marshalerType) ||
		t.Implements(textMarshalerType) || pointer.Implements(textMarshalerType)
}

// addressable returns rv if it is addressable, or an addressable copy.
// Pointer-receiver methods need an address.
func addressable(rv reflect.Value) reflect.Value {
	if rv.CanAddr() {
		return rv
	}
	copied := reflect.New(rv.Type()).Elem()
	copied.Set(rv)
	return copied
}

func asMarshaler(rv reflect.Value) (Marshaler, bool) {
	if rv.Type().Implements(marshalerType) {
		return rv.Interface().(Marshaler), true
	}
	if rv.Kind() != reflect.Pointer && reflect.PointerTo(rv.Type()).Implements(marshalerType) {
		return addressable(rv).Addr().Interface().(Marshaler), true
	}
	return nil, false
}

func asTextMarshaler(rv reflect.Value) (encoding.TextMarshaler, bool) {
	if rv.Type().Implements(textMarshalerType) {
		return rv.Interface().(encoding.TextMarshaler), true
	}
	if rv.Kind() != reflect.Pointer && reflect.PointerTo(rv.Type()).Implements(textMarshalerType) {
		return addressable(rv).Addr().Interface().(encoding.TextMarshaler), true
	}
	return nil, false
}

func (e *Encoder) encodeValue(rv reflect.Value) error {
	if !rv.IsValid() {
		e.Single().EncodeNil()
		return nil
	}
	if rv.Type() == valueType {
		e.Single().EncodeValue(rv.Interface().(wire.Value))
		return nil
	}
	if (rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface) && rv.IsNil() {
		e.Single().EncodeNil()
		return nil
	}
	if marshaler, ok := asMarshaler(rv); ok {
		return annotate(e.path, marshaler.MarshalWire(e))
	}
	if textMarshaler, ok := asTextMarshaler(rv); ok {
		text, err := textMarshaler.MarshalText()
		if err != nil {
			return annotate(e.path, err)
		}
		return e.encodeString(string(text))
	}

	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		return e.encodeValue(rv.Elem())
	case reflect.Bool:
		e.Single().EncodeValue(wire.Bool(rv.Bool()))
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		e.Single().EncodeValue(wire.Int(rv.Int()))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		e.Single().EncodeValue(wire.Uint(rv.Uint()))
	case reflect.Float32:
		e.Single().EncodeValue(wire.FloatBits(widenFloat32(float32Bits(rv))))
	case reflect.Float64:
		e.Single().EncodeValue(wire.FloatBits(float64Bits(rv)))
	case reflect.String:
		return e.encodeString(rv.String())
	case reflect.Slice:
		if rv.IsNil() {
			e.Single().EncodeNil()
			return nil
		}
		if scalarKindOf(rv.Type().Elem()) == scalarUint8 {
			blob := append(newBlob(scalarUint8, rv.Len()), rv.Bytes()...)
			e.Single().EncodeValue(wire.OwnBytes(blob))
			return nil
		}
		return e.encodeSequence(rv)
	case reflect.Array:
		return e.encodeSequence(rv)
	case reflect.Map:
		if rv.IsNil() {
			e.Single().EncodeNil()
			return nil
		}
		return e.encodeMap(rv)
	case reflect.Struct:
		return e.encodeStruct(rv)
	default:
		return newError(e.path, ErrUnsupported, fmt.Sprintf("cannot encode %s", rv.Type()))
	}
	return nil
}

func (e *Encoder) encodeString(s string) error {
	if !utf8.ValidString(s) {
		return newError(e.path, ErrMalformed, "string is not valid UTF-8")
	}
	e.Single().EncodeValue(wire.String(s))
	return nil
}

func (e *Encoder) encodeSequence(rv reflect.Value) error {
	ordered := e.Ordered()
	for index := range rv.Len() {
		if err := ordered.encodeValue(rv.Index(index)); err != nil {
			return err
		}
	}
	return nil
}

func (e *Encoder) encodeMap(rv reflect.Value) error {
	keyed := e.Keyed()
	iterator := rv.MapRange()
	for iterator.Next() {
		key, err := formatMapKey(e.path, iterator.Key())
		if err != nil {
			return err
		}
		if err := keyed.encodeValue(key, iterator.Value()); err != nil {
			return err
		}
	}
	return nil
}

func formatMapKey(path FieldPath, key reflect.Value) (string, error) {
	if key.Kind() == reflect.String {
		return key.String(), nil
	}
	if textMarshaler, ok := asTextMarshaler(key); ok {
		text, err := textMarshaler.MarshalText()
		if err != nil {
			return "", annotate(path, err)
		}
		return string(text), nil
	}
	switch key.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(key.Int(), 10), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(key.Uint(), 10), nil
	}
	return "", newError(path, ErrUnsupported, fmt.Sprintf("map key type %s", key.Type()))
}

func (e *Encoder) encodeStruct(rv reflect.Value) error {
	keyed := e.Keyed()
	for _, field := range cachedFields(rv.Type()) {
		value := rv.FieldByIndex(field.index)
		if field.omitEmpty && value.IsZero() {
			continue
		}
		if err := keyed.encodeValue(field.name, value); err != nil {
			return err
		}
	}
	return nil
}

// structField describes how one Go struct field maps onto a keyed
// container.
type structField struct {
	name  string
	index []int

	// omitEmpty skips the field on encode when it holds its zero
	// value.
	omitEmpty bool

	// optional lets the field be absent on decode. Implied by
	// omitempty and by pointer types.
	optional bool
}

var fieldCache sync.Map // reflect.Type -> []structField

func cachedFields(t reflect.Type) []structField {
	if cached, ok := fieldCache.Load(t); ok {
		return cached.([]structField)
	}
	fields, _ := fieldCache.LoadOrStore(t, collectFields(t, nil))
	return fields.([]structField)
}

// collectFields lists the encodable fields of a struct type. Fields of
// untagged embedded structs are promoted; a name declared directly on
// the outer struct shadows a promoted one.
func collectFields(t reflect.Type, prefix []int) []structField {
	var direct, promoted []structField
	for position := range t.NumField() {
		field := t.Field(position)
		tag := field.Tag.Get("wire")
		if tag == "-" {
			continue
		}
		name, options, _ := strings.Cut(tag, ",")
		index := append(slices.Clip(prefix), position)

		if field.Anonymous && name == "" && field.Type.Kind() == reflect.Struct {
			promoted = append(promoted, collectFields(field.Type, index)...)
			continue
		}
		if !field.IsExported() {
			continue
		}
		if name == "" {
			name = field.Name
		}
		omitEmpty := hasOption(options, "omitempty")
		direct = append(direct, structField{
			name:      name,
			index:     index,
			omitEmpty: omitEmpty,
			optional:  omitEmpty || hasOption(options, "optional") || field.Type.Kind() == reflect.Pointer,
		})
	}

	seen := make(map[string]bool, len(direct))
	for _, field := range direct {
		seen[field.name] = true
	}
	for _, field := range promoted {
		if seen[field.name] {
			continue
		}
		seen[field.name] = true
		direct = append(direct, field)
	}
	return direct
}

func hasOption(options, want string) bool {
	for option := range strings.SplitSeq(options, ",") {
		if option == want {
			return true
		}
	}
	return false
}
