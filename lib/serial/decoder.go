// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package serial

import (
	"encoding"
	"fmt"
	"math"
	"reflect"
	"slices"
	"strconv"
	"unicode/utf8"

	"github.com/bureau-foundation/localrpc/lib/wire"
)

// Unmarshaler is implemented by types that decode themselves from the
// container their [Marshaler] produced.
type Unmarshaler interface {
	UnmarshalWire(*Decoder) error
}

// Unmarshal decodes w into the value v points to. v must be a non-nil
// pointer.
func Unmarshal(w wire.Value, v any) error {
	return decodeInto(nil, w, v)
}

// Decode decodes w into a new T.
func Decode[T any](w wire.Value) (T, error) {
	var out T
	err := Unmarshal(w, &out)
	return out, err
}

func decodeInto(path FieldPath, w wire.Value, v any) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return newError(path, ErrUnsupported, fmt.Sprintf("decode target must be a non-nil pointer, got %T", v))
	}
	return decodeValue(path, w, rv.Elem())
}

// Decoder is handed to [Unmarshaler.UnmarshalWire]. It wraps the wire
// value at one position in the tree.
type Decoder struct {
	path  FieldPath
	value wire.Value
}

// NewDecoder returns a decoder positioned at the root of w.
func NewDecoder(w wire.Value) *Decoder {
	return &Decoder{value: w}
}

// Path returns the location of this decoder in the value being
// decoded.
func (d *Decoder) Path() FieldPath { return d.path }

// Value returns the raw wire value.
func (d *Decoder) Value() wire.Value { return d.value }

// IsNull reports whether the value is null.
func (d *Decoder) IsNull() bool { return d.value.IsNull() }

// Decode decodes the whole value into v using v's own decoding.
func (d *Decoder) Decode(v any) error {
	return decodeInto(d.path, d.value, v)
}

// Keyed returns a keyed view of the value, which must be a map.
func (d *Decoder) Keyed() (*KeyedDecoder, error) {
	return newKeyedDecoder(d.path, d.value)
}

// Ordered returns an ordered view of the value, which must be an
// array or a packed byte string.
func (d *Decoder) Ordered() (*OrderedDecoder, error) {
	return newOrderedDecoder(d.path, d.value)
}

// Single returns a single-value view of the value.
func (d *Decoder) Single() *SingleDecoder {
	return &SingleDecoder{path: d.path, value: d.value}
}

// KeyedDecoder reads fields of a wire map by key.
type KeyedDecoder struct {
	path   FieldPath
	fields map[string]wire.Value
}

func newKeyedDecoder(path FieldPath, w wire.Value) (*KeyedDecoder, error) {
	fields, ok := w.AsMap()
	if !ok {
		return nil, mismatch(path, "map", w)
	}
	return &KeyedDecoder{path: path, fields: fields}, nil
}

// Path returns the location of the map.
func (k *KeyedDecoder) Path() FieldPath { return k.path }

// Keys returns the present keys in sorted order.
func (k *KeyedDecoder) Keys() []string {
	keys := make([]string, 0, len(k.fields))
	for key := range k.fields {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

// Has reports whether key is present, including with a null value.
func (k *KeyedDecoder) Has(key string) bool {
	_, ok := k.fields[key]
	return ok
}

// IsNull reports whether key is present with a null value.
func (k *KeyedDecoder) IsNull(key string) bool {
	value, ok := k.fields[key]
	return ok && value.IsNull()
}

// Value returns the raw wire value under key.
func (k *KeyedDecoder) Value(key string) (wire.Value, bool) {
	value, ok := k.fields[key]
	return value, ok
}

// Decode decodes the value under key into v. An absent key is
// ErrMissing.
func (k *KeyedDecoder) Decode(key string, v any) error {
	value, ok := k.fields[key]
	if !ok {
		return newError(k.path.Key(key), ErrMissing, "key not present")
	}
	return decodeInto(k.path.Key(key), value, v)
}

// DecodeOptional decodes the value under key into v if it is present
// and not null, reporting whether it did. v is untouched otherwise.
func (k *KeyedDecoder) DecodeOptional(key string, v any) (bool, error) {
	value, ok := k.fields[key]
	if !ok || value.IsNull() {
		return false, nil
	}
	return true, decodeInto(k.path.Key(key), value, v)
}

// NestedKeyed returns a keyed view of the map under key.
func (k *KeyedDecoder) NestedKeyed(key string) (*KeyedDecoder, error) {
	value, ok := k.fields[key]
	if !ok {
		return nil, newError(k.path.Key(key), ErrMissing, "key not present")
	}
	return newKeyedDecoder(k.path.Key(key), value)
}

// NestedOrdered returns an ordered view of the array under key.
func (k *KeyedDecoder) NestedOrdered(key string) (*OrderedDecoder, error) {
	value, ok := k.fields[key]
	if !ok {
		return nil, newError(k.path.Key(key), ErrMissing, "key not present")
	}
	return newOrderedDecoder(k.path.Key(key), value)
}

// Decoder returns a decoder for the value under key, for delegating
// to another Unmarshaler.
func (k *KeyedDecoder) Decoder(key string) (*Decoder, error) {
	value, ok := k.fields[key]
	if !ok {
		return nil, newError(k.path.Key(key), ErrMissing, "key not present")
	}
	return &Decoder{path: k.path.Key(key), value: value}, nil
}

// OrderedDecoder reads the elements of a boxed array or a packed byte
// string in order. A packed string is expanded up front at the
// sender's element width, so both forms decode identically and every
// element is range-checked against its destination.
type OrderedDecoder struct {
	path FieldPath

	elements []wire.Value
	index    int
}

func newOrderedDecoder(path FieldPath, w wire.Value) (*OrderedDecoder, error) {
	elements, err := sequenceElements(path, w)
	if err != nil {
		return nil, err
	}
	return &OrderedDecoder{path: path, elements: elements}, nil
}

// Path returns the location of the array.
func (o *OrderedDecoder) Path() FieldPath { return o.path }

// Index returns the index of the next element.
func (o *OrderedDecoder) Index() int { return o.index }

// Len returns the element count.
func (o *OrderedDecoder) Len() int { return len(o.elements) }

// More reports whether unread elements remain.
func (o *OrderedDecoder) More() bool {
	return o.index < len(o.elements)
}

// Decode decodes the next element into v. Reading past the end is
// ErrMalformed.
func (o *OrderedDecoder) Decode(v any) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return newError(o.path.Index(o.index), ErrUnsupported, fmt.Sprintf("decode target must be a non-nil pointer, got %T", v))
	}
	element, err := o.next()
	if err != nil {
		return err
	}
	return decodeValue(o.path.Index(o.index-1), element, rv.Elem())
}

// DecodeNil consumes the next element if it is null and reports
// whether it did.
func (o *OrderedDecoder) DecodeNil() (bool, error) {
	if o.index >= len(o.elements) {
		return false, o.pastEnd()
	}
	if o.elements[o.index].IsNull() {
		o.index++
		return true, nil
	}
	return false, nil
}

// NestedKeyed returns a keyed view of the next element.
func (o *OrderedDecoder) NestedKeyed() (*KeyedDecoder, error) {
	element, err := o.next()
	if err != nil {
		return nil, err
	}
	return newKeyedDecoder(o.path.Index(o.index-1), element)
}

// NestedOrdered returns an ordered view of the next element.
func (o *OrderedDecoder) NestedOrdered() (*OrderedDecoder, error) {
	element, err := o.next()
	if err != nil {
		return nil, err
	}
	return newOrderedDecoder(o.path.Index(o.index-1), element)
}

// Decoder returns a decoder for the next element.
func (o *OrderedDecoder) Decoder() (*Decoder, error) {
	element, err := o.next()
	if err != nil {
		return nil, err
	}
	return &Decoder{path: o.path.Index(o.index - 1), value: element}, nil
}

func (o *OrderedDecoder) next() (wire.Value, error) {
	if o.index >= len(o.elements) {
		return wire.Value{}, o.pastEnd()
	}
	element := o.elements[o.index]
	o.index++
	return element, nil
}

func (o *OrderedDecoder) pastEnd() error {
	return newError(o.path.Index(o.index), ErrMalformed, "read past end of ordered container")
}

// SingleDecoder reads one value.
type SingleDecoder struct {
	path  FieldPath
	value wire.Value
}

// IsNull reports whether the value is null.
func (s *SingleDecoder) IsNull() bool { return s.value.IsNull() }

// Value returns the raw wire value.
func (s *SingleDecoder) Value() wire.Value { return s.value }

// Decode decodes the value into v.
func (s *SingleDecoder) Decode(v any) error {
	return decodeInto(s.path, s.value, v)
}

func mismatch(path FieldPath, want string, got wire.Value) error {
	return newError(path, ErrTypeMismatch, fmt.Sprintf("expected %s, found %s", want, got.Kind()))
}

func asUnmarshaler(rv reflect.Value) (Unmarshaler, bool) {
	if !rv.CanAddr() {
		return nil, false
	}
	unmarshaler, ok := rv.Addr().Interface().(Unmarshaler)
	return unmarshaler, ok
}

func asTextUnmarshaler(rv reflect.Value) (encoding.TextUnmarshaler, bool) {
	if !rv.CanAddr() {
		return nil, false
	}
	unmarshaler, ok := rv.Addr().Interface().(encoding.TextUnmarshaler)
	return unmarshaler, ok
}

// decodeValue decodes w into rv, which must be settable.
func decodeValue(path FieldPath, w wire.Value, rv reflect.Value) error {
	t := rv.Type()
	if t == valueType {
		rv.Set(reflect.ValueOf(w))
		return nil
	}
	if w.IsNull() {
		rv.SetZero()
		return nil
	}
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			rv.Set(reflect.New(t.Elem()))
		}
		return decodeValue(path, w, rv.Elem())
	}
	if unmarshaler, ok := asUnmarshaler(rv); ok {
		return annotate(path, unmarshaler.UnmarshalWire(&Decoder{path: path, value: w}))
	}
	if textUnmarshaler, ok := asTextUnmarshaler(rv); ok {
		text, ok := w.AsString()
		if !ok {
			return mismatch(path, "string", w)
		}
		return annotate(path, textUnmarshaler.UnmarshalText([]byte(text)))
	}

	switch rv.Kind() {
	case reflect.Interface:
		return decodeInterface(path, w, rv)
	case reflect.Bool:
		b, ok := w.AsBool()
		if !ok {
			return mismatch(path, "bool", w)
		}
		rv.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i, err := decodeSigned(path, w, t)
		if err != nil {
			return err
		}
		rv.SetInt(i)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := decodeUnsigned(path, w, t)
		if err != nil {
			return err
		}
		rv.SetUint(u)
	case reflect.Float32:
		bits, ok := w.AsFloatBits()
		if !ok {
			return mismatch(path, "float", w)
		}
		narrowed, ok := narrowFloat64(bits)
		if !ok {
			return newError(path, ErrRange, fmt.Sprintf("%s overflows %s", w, t))
		}
		setFloat32Bits(rv, narrowed)
	case reflect.Float64:
		bits, ok := w.AsFloatBits()
		if !ok {
			return mismatch(path, "float", w)
		}
		setFloat64Bits(rv, bits)
	case reflect.String:
		s, ok := w.AsString()
		if !ok {
			return mismatch(path, "string", w)
		}
		if !utf8.ValidString(s) {
			return newError(path, ErrMalformed, "string is not valid UTF-8")
		}
		rv.SetString(s)
	case reflect.Slice:
		return decodeSlice(path, w, rv)
	case reflect.Array:
		return decodeArray(path, w, rv)
	case reflect.Map:
		return decodeMap(path, w, rv)
	case reflect.Struct:
		return decodeStruct(path, w, rv)
	default:
		return newError(path, ErrUnsupported, fmt.Sprintf("cannot decode into %s", t))
	}
	return nil
}

func decodeSigned(path FieldPath, w wire.Value, t reflect.Type) (int64, error) {
	minimum, maximum := signedLimits(t.Bits())
	switch w.Kind() {
	case wire.KindInt:
		i, _ := w.AsInt()
		if i < minimum || i > maximum {
			return 0, newError(path, ErrRange, fmt.Sprintf("%s does not fit in %s", w, t))
		}
		return i, nil
	case wire.KindUint:
		u, _ := w.AsUint()
		if u > uint64(maximum) {
			return 0, newError(path, ErrRange, fmt.Sprintf("%s does not fit in %s", w, t))
		}
		return int64(u), nil
	}
	return 0, mismatch(path, "integer", w)
}

func decodeUnsigned(path FieldPath, w wire.Value, t reflect.Type) (uint64, error) {
	maximum := unsignedLimit(t.Bits())
	switch w.Kind() {
	case wire.KindUint:
		u, _ := w.AsUint()
		if u > maximum {
			return 0, newError(path, ErrRange, fmt.Sprintf("%s does not fit in %s", w, t))
		}
		return u, nil
	case wire.KindInt:
		i, _ := w.AsInt()
		if i < 0 || uint64(i) > maximum {
			return 0, newError(path, ErrRange, fmt.Sprintf("%s does not fit in %s", w, t))
		}
		return uint64(i), nil
	}
	return 0, mismatch(path, "integer", w)
}

// sequenceElements returns the elements of an array value, expanding
// a packed byte string at the width its header names.
func sequenceElements(path FieldPath, w wire.Value) ([]wire.Value, error) {
	switch w.Kind() {
	case wire.KindArray:
		elements, _ := w.AsArray()
		return elements, nil
	case wire.KindBytes:
		blob, _ := w.AsBytes()
		elements, err := unpackPacked(blob)
		if err != nil {
			return nil, &Error{Path: path, Class: ErrMalformed, Err: err}
		}
		return elements, nil
	}
	return nil, mismatch(path, "array", w)
}

func decodeSlice(path FieldPath, w wire.Value, rv reflect.Value) error {
	elementType := rv.Type().Elem()
	if blob, ok := w.AsBytes(); ok && elementType.Kind() == reflect.Uint8 && !hasCustomDecoding(elementType) {
		if kind, data, err := splitBlob(blob); err == nil && kind == scalarUint8 {
			rv.SetBytes(slices.Clone(data))
			return nil
		}
	}
	elements, err := sequenceElements(path, w)
	if err != nil {
		return err
	}
	out := reflect.MakeSlice(rv.Type(), len(elements), len(elements))
	for index, element := range elements {
		if err := decodeValue(path.Index(index), element, out.Index(index)); err != nil {
			return err
		}
	}
	rv.Set(out)
	return nil
}

func decodeArray(path FieldPath, w wire.Value, rv reflect.Value) error {
	elements, err := sequenceElements(path, w)
	if err != nil {
		return err
	}
	if len(elements) != rv.Len() {
		return newError(path, ErrMalformed, fmt.Sprintf("found %d elements for %s", len(elements), rv.Type()))
	}
	for index, element := range elements {
		if err := decodeValue(path.Index(index), element, rv.Index(index)); err != nil {
			return err
		}
	}
	return nil
}

func hasCustomDecoding(t reflect.Type) bool {
	pointer := reflect.PointerTo(t)
	return pointer.Implements(unmarshalerType) || pointer.Implements(textUnmarshalerType)
}

func decodeMap(path FieldPath, w wire.Value, rv reflect.Value) error {
	fields, ok := w.AsMap()
	if !ok {
		return mismatch(path, "map", w)
	}
	t := rv.Type()
	if rv.IsNil() {
		rv.Set(reflect.MakeMapWithSize(t, len(fields)))
	}
	for _, key := range w.Keys() {
		keyValue, err := parseMapKey(path.Key(key), key, t.Key())
		if err != nil {
			return err
		}
		element := reflect.New(t.Elem()).Elem()
		if err := decodeValue(path.Key(key), fields[key], element); err != nil {
			return err
		}
		rv.SetMapIndex(keyValue, element)
	}
	return nil
}

func parseMapKey(path FieldPath, key string, t reflect.Type) (reflect.Value, error) {
	if t.Kind() == reflect.String {
		return reflect.ValueOf(key).Convert(t), nil
	}
	if reflect.PointerTo(t).Implements(textUnmarshalerType) {
		parsed := reflect.New(t)
		if err := parsed.Interface().(encoding.TextUnmarshaler).UnmarshalText([]byte(key)); err != nil {
			return reflect.Value{}, annotate(path, err)
		}
		return parsed.Elem(), nil
	}
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i, err := strconv.ParseInt(key, 10, t.Bits())
		if err != nil {
			return reflect.Value{}, &Error{Path: path, Class: ErrTypeMismatch, Detail: "map key is not an integer", Err: err}
		}
		return reflect.ValueOf(i).Convert(t), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(key, 10, t.Bits())
		if err != nil {
			return reflect.Value{}, &Error{Path: path, Class: ErrTypeMismatch, Detail: "map key is not an unsigned integer", Err: err}
		}
		return reflect.ValueOf(u).Convert(t), nil
	}
	return reflect.Value{}, newError(path, ErrUnsupported, fmt.Sprintf("map key type %s", t))
}

func decodeStruct(path FieldPath, w wire.Value, rv reflect.Value) error {
	fields, ok := w.AsMap()
	if !ok {
		return mismatch(path, "map", w)
	}
	for _, field := range cachedFields(rv.Type()) {
		value, present := fields[field.name]
		if !present {
			if field.optional {
				continue
			}
			return newError(path.Key(field.name), ErrMissing, "required field absent")
		}
		if err := decodeValue(path.Key(field.name), value, rv.FieldByIndex(field.index)); err != nil {
			return err
		}
	}
	return nil
}

// decodeInterface fills an interface destination. An empty interface
// receives the generic Go form of the value; a non-empty interface
// must already hold a pointer to decode through.
func decodeInterface(path FieldPath, w wire.Value, rv reflect.Value) error {
	if rv.NumMethod() == 0 {
		generic, err := genericValue(path, w)
		if err != nil {
			return err
		}
		if generic == nil {
			rv.SetZero()
			return nil
		}
		rv.Set(reflect.ValueOf(generic))
		return nil
	}
	if !rv.IsNil() && rv.Elem().Kind() == reflect.Pointer && !rv.Elem().IsNil() {
		return decodeValue(path, w, rv.Elem().Elem())
	}
	return newError(path, ErrUnsupported, fmt.Sprintf("cannot decode into interface %s", rv.Type()))
}

// genericValue converts a wire value to plain Go values: nil, bool,
// int64, uint64, float64, string, []byte, []any and map[string]any.
// A packed byte array becomes []byte; any other packed array becomes
// the same []any its boxed form would. Handles stay wire.Value so
// their descriptors are not lost.
func genericValue(path FieldPath, w wire.Value) (any, error) {
	switch w.Kind() {
	case wire.KindNull:
		return nil, nil
	case wire.KindBool:
		b, _ := w.AsBool()
		return b, nil
	case wire.KindInt:
		i, _ := w.AsInt()
		return i, nil
	case wire.KindUint:
		u, _ := w.AsUint()
		return u, nil
	case wire.KindFloat:
		bits, _ := w.AsFloatBits()
		return math.Float64frombits(bits), nil
	case wire.KindString:
		s, _ := w.AsString()
		return s, nil
	case wire.KindBytes:
		blob, _ := w.AsBytes()
		if kind, data, err := splitBlob(blob); err == nil && kind == scalarUint8 {
			return slices.Clone(data), nil
		}
		fallthrough
	case wire.KindArray:
		elements, err := sequenceElements(path, w)
		if err != nil {
			return nil, err
		}
		out := make([]any, len(elements))
		for index, element := range elements {
			if out[index], err = genericValue(path.Index(index), element); err != nil {
				return nil, err
			}
		}
		return out, nil
	case wire.KindMap:
		fields, _ := w.AsMap()
		out := make(map[string]any, len(fields))
		for key, field := range fields {
			value, err := genericValue(path.Key(key), field)
			if err != nil {
				return nil, err
			}
			out[key] = value
		}
		return out, nil
	}
	return w, nil
}
