// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package serial

import (
	"reflect"

	"github.com/bureau-foundation/localrpc/lib/wire"
)

// Marshaler is implemented by types that encode themselves. The
// method requests exactly one container from the encoder (Keyed,
// Ordered or Single) and fills it. Requesting the same kind twice
// returns the same container; requesting a different kind panics.
type Marshaler interface {
	MarshalWire(*Encoder) error
}

// container is a node of the encoding tree. Containers are built
// depth-first by Marshal and collapsed into immutable wire values once
// the whole tree exists.
type container interface {
	finalize() wire.Value
}

// Encoder is handed to [Marshaler.MarshalWire]. It owns the container
// for one position in the value tree.
type Encoder struct {
	path FieldPath
	root container
}

// Marshal encodes v into a wire value.
func Marshal(v any) (wire.Value, error) {
	node, err := encodeNode(nil, reflect.ValueOf(v))
	if err != nil {
		return wire.Value{}, err
	}
	return node.finalize(), nil
}

// encodeNode runs a fresh encoder over one value and returns its
// container. An encoder that requested nothing yields null.
func encodeNode(path FieldPath, rv reflect.Value) (container, error) {
	encoder := &Encoder{path: path}
	if err := encoder.encodeValue(rv); err != nil {
		return nil, err
	}
	if encoder.root == nil {
		return &SingleEncoder{path: path}, nil
	}
	return encoder.root, nil
}

// Path returns the location of this encoder in the value being
// encoded.
func (e *Encoder) Path() FieldPath { return e.path }

// Keyed returns the encoder's keyed container, creating it on first
// use.
func (e *Encoder) Keyed() *KeyedEncoder {
	if e.root == nil {
		keyed := &KeyedEncoder{path: e.path, fields: make(map[string]container)}
		e.root = keyed
		return keyed
	}
	keyed, ok := e.root.(*KeyedEncoder)
	if !ok {
		panic("serial: keyed container requested at " + e.path.String() + " after a " + containerName(e.root) + " container")
	}
	return keyed
}

// Ordered returns the encoder's ordered container, creating it on
// first use.
func (e *Encoder) Ordered() *OrderedEncoder {
	if e.root == nil {
		ordered := &OrderedEncoder{path: e.path}
		e.root = ordered
		return ordered
	}
	ordered, ok := e.root.(*OrderedEncoder)
	if !ok {
		panic("serial: ordered container requested at " + e.path.String() + " after a " + containerName(e.root) + " container")
	}
	return ordered
}

// Single returns the encoder's single-value container, creating it on
// first use.
func (e *Encoder) Single() *SingleEncoder {
	if e.root == nil {
		single := &SingleEncoder{path: e.path}
		e.root = single
		return single
	}
	single, ok := e.root.(*SingleEncoder)
	if !ok {
		panic("serial: single-value container requested at " + e.path.String() + " after a " + containerName(e.root) + " container")
	}
	return single
}

// Encode encodes v into this encoder's position using v's own
// encoding. Combined with Keyed it lets a Marshaler add fields of an
// embedded value alongside its own.
func (e *Encoder) Encode(v any) error {
	return e.encodeValue(reflect.ValueOf(v))
}

func containerName(c container) string {
	switch c.(type) {
	case *KeyedEncoder:
		return "keyed"
	case *OrderedEncoder:
		return "ordered"
	default:
		return "single-value"
	}
}

// KeyedEncoder builds a string-keyed map. Encoding the same key twice
// keeps the last value.
type KeyedEncoder struct {
	path   FieldPath
	fields map[string]container
}

// Encode stores v under key.
func (k *KeyedEncoder) Encode(key string, v any) error {
	return k.encodeValue(key, reflect.ValueOf(v))
}

func (k *KeyedEncoder) encodeValue(key string, rv reflect.Value) error {
	node, err := encodeNode(k.path.Key(key), rv)
	if err != nil {
		return err
	}
	k.fields[key] = node
	return nil
}

// EncodeNil stores an explicit null under key. An explicit null is
// distinct from an absent key.
func (k *KeyedEncoder) EncodeNil(key string) {
	k.fields[key] = &SingleEncoder{path: k.path.Key(key)}
}

// EncodeValue stores a prebuilt wire value under key.
func (k *KeyedEncoder) EncodeValue(key string, v wire.Value) {
	k.fields[key] = &SingleEncoder{path: k.path.Key(key), value: v}
}

// NestedKeyed starts a keyed container under key.
func (k *KeyedEncoder) NestedKeyed(key string) *KeyedEncoder {
	nested := &KeyedEncoder{path: k.path.Key(key), fields: make(map[string]container)}
	k.fields[key] = nested
	return nested
}

// NestedOrdered starts an ordered container under key.
func (k *KeyedEncoder) NestedOrdered(key string) *OrderedEncoder {
	nested := &OrderedEncoder{path: k.path.Key(key)}
	k.fields[key] = nested
	return nested
}

// Encoder returns a fresh encoder whose result is stored under key.
// Use it to delegate a field to another Marshaler.
func (k *KeyedEncoder) Encoder(key string) *Encoder {
	delegate := &Encoder{path: k.path.Key(key)}
	k.fields[key] = delegate
	return delegate
}

func (k *KeyedEncoder) finalize() wire.Value {
	fields := make(map[string]wire.Value, len(k.fields))
	for key, node := range k.fields {
		fields[key] = node.finalize()
	}
	return wire.OwnMap(fields)
}

// OrderedEncoder builds an array. While every element appended is the
// same fixed-width scalar type, elements accumulate in a packed byte
// string: one byte naming the element kind, then the elements in
// little-endian order. The first element that breaks the run converts
// the container to a boxed array for good.
type OrderedEncoder struct {
	path FieldPath

	count int

	// Packed state: valid while boxed is false.
	packedKind scalarKind
	packed     []byte

	boxed    bool
	elements []container
}

// Encode appends v.
func (o *OrderedEncoder) Encode(v any) error {
	return o.encodeValue(reflect.ValueOf(v))
}

// encodeValue packs by static type: an element reached through an
// interface is always boxed.
func (o *OrderedEncoder) encodeValue(rv reflect.Value) error {
	if rv.IsValid() {
		if kind := scalarKindOf(rv.Type()); kind != scalarNone {
			o.appendScalar(kind, scalarBits(kind, rv))
			return nil
		}
	}
	node, err := encodeNode(o.path.Index(o.count), rv)
	if err != nil {
		return err
	}
	o.appendNode(node)
	return nil
}

// EncodeNil appends a null.
func (o *OrderedEncoder) EncodeNil() {
	o.appendNode(&SingleEncoder{path: o.path.Index(o.count)})
}

// EncodeValue appends a prebuilt wire value.
func (o *OrderedEncoder) EncodeValue(v wire.Value) {
	o.appendNode(&SingleEncoder{path: o.path.Index(o.count), value: v})
}

// NestedKeyed appends a keyed container.
func (o *OrderedEncoder) NestedKeyed() *KeyedEncoder {
	nested := &KeyedEncoder{path: o.path.Index(o.count), fields: make(map[string]container)}
	o.appendNode(nested)
	return nested
}

// NestedOrdered appends an ordered container.
func (o *OrderedEncoder) NestedOrdered() *OrderedEncoder {
	nested := &OrderedEncoder{path: o.path.Index(o.count)}
	o.appendNode(nested)
	return nested
}

// Encoder appends the result of a fresh encoder.
func (o *OrderedEncoder) Encoder() *Encoder {
	delegate := &Encoder{path: o.path.Index(o.count)}
	o.appendNode(delegate)
	return delegate
}

// Count returns the number of elements appended so far.
func (o *OrderedEncoder) Count() int { return o.count }

func (o *OrderedEncoder) appendScalar(kind scalarKind, bits uint64) {
	if !o.boxed && (o.count == 0 || o.packedKind == kind) {
		if o.count == 0 {
			o.packedKind = kind
			o.packed = newBlob(kind, 0)
		}
		o.packed = appendScalar(o.packed, kind, bits)
		o.count++
		return
	}
	// boxScalar only fails for out-of-range bool bytes, which
	// scalarBits never produces.
	boxedValue, _ := boxScalar(kind, bits)
	o.appendNode(&SingleEncoder{path: o.path.Index(o.count), value: boxedValue})
}

func (o *OrderedEncoder) appendNode(node container) {
	if !o.boxed {
		o.unpack()
	}
	o.elements = append(o.elements, node)
	o.count++
}

// unpack converts the packed run accumulated so far into boxed
// elements and switches the container to boxed mode.
func (o *OrderedEncoder) unpack() {
	o.boxed = true
	if o.count == 0 {
		return
	}
	// The blob was produced by appendScalar at exactly this kind's
	// width, so unpacking cannot fail.
	values, _ := unpackPacked(o.packed)
	o.elements = make([]container, 0, len(values)+1)
	for index, value := range values {
		o.elements = append(o.elements, &SingleEncoder{path: o.path.Index(index), value: value})
	}
	o.packed = nil
}

func (o *OrderedEncoder) finalize() wire.Value {
	if !o.boxed && o.count > 0 {
		return wire.OwnBytes(o.packed)
	}
	elements := make([]wire.Value, len(o.elements))
	for index, node := range o.elements {
		elements[index] = node.finalize()
	}
	return wire.OwnArray(elements)
}

// SingleEncoder holds one value: a scalar, null, a prebuilt wire
// value, or a nested encoded value.
type SingleEncoder struct {
	path   FieldPath
	value  wire.Value
	nested container
}

// Encode stores v, replacing anything stored before.
func (s *SingleEncoder) Encode(v any) error {
	node, err := encodeNode(s.path, reflect.ValueOf(v))
	if err != nil {
		return err
	}
	s.value = wire.Value{}
	s.nested = node
	return nil
}

// EncodeNil stores null.
func (s *SingleEncoder) EncodeNil() {
	s.set(wire.Null())
}

// EncodeValue stores a prebuilt wire value.
func (s *SingleEncoder) EncodeValue(v wire.Value) {
	s.set(v)
}

func (s *SingleEncoder) set(v wire.Value) {
	s.value = v
	s.nested = nil
}

func (s *SingleEncoder) finalize() wire.Value {
	if s.nested != nil {
		return s.nested.finalize()
	}
	return s.value
}

// finalize lets a delegated encoder sit in its parent's tree directly.
func (e *Encoder) finalize() wire.Value {
	if e.root == nil {
		return wire.Null()
	}
	return e.root.finalize()
}
