// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package serial

import (
	"errors"
	"fmt"
	"math"
	"net/netip"
	"reflect"
	"strings"
	"testing"

	"github.com/bureau-foundation/localrpc/lib/wire"
)

type point struct {
	X int16
	Y int16
}

type inventory struct {
	Name    string            `wire:"name"`
	Count   uint32            `wire:"count"`
	Deltas  []int32           `wire:"deltas"`
	Weights []float64         `wire:"weights"`
	Tags    map[string]string `wire:"tags"`
	Labels  map[int]bool      `wire:"labels"`
	Note    *string           `wire:"note"`
	Payload []byte            `wire:"payload"`
	Mixed   []any             `wire:"mixed"`
	Uniform []any             `wire:"uniform"`
	Points  []point           `wire:"points"`
	Hidden  string            `wire:"-"`
}

func TestRoundTrip(t *testing.T) {
	note := "fragile"
	original := inventory{
		Name:    "crate",
		Count:   12,
		Deltas:  []int32{-3, 0, 7},
		Weights: []float64{1.5, -0.25},
		Tags:    map[string]string{"origin": "dock 4"},
		Labels:  map[int]bool{1: true, 20: false},
		Note:    &note,
		Payload: []byte{0xde, 0xad},
		Mixed:   []any{int64(1), "two", nil},
		Uniform: []any{int64(1), int64(2), int64(3)},
		Points:  []point{{X: 1, Y: -1}, {X: 300, Y: 2}},
		Hidden:  "not encoded",
	}

	encoded, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if _, present := encoded.Field("Hidden"); present {
		t.Error("field tagged \"-\" was encoded")
	}

	decoded, err := Decode[inventory](encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	original.Hidden = ""
	if !reflect.DeepEqual(decoded, original) {
		t.Errorf("round trip mismatch:\n got  %+v\n want %+v", decoded, original)
	}
}

func TestPackedIntegers(t *testing.T) {
	encoded, err := Marshal([]int32{1, 2, 3})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	blob, ok := encoded.AsBytes()
	if !ok {
		t.Fatalf("[]int32 encoded as %s, want packed bytes", encoded.Kind())
	}
	want := []byte{byte(scalarInt32), 1, 0, 0, 0, 2, 0, 0, 0, 3, 0, 0, 0}
	if string(blob) != string(want) {
		t.Errorf("packed bytes = %x, want %x", blob, want)
	}

	fromPacked, err := Decode[[]int32](encoded)
	if err != nil {
		t.Fatalf("decoding packed form: %v", err)
	}
	fromBoxed, err := Decode[[]int32](wire.Array(wire.Int(1), wire.Int(2), wire.Int(3)))
	if err != nil {
		t.Fatalf("decoding boxed form: %v", err)
	}
	if !reflect.DeepEqual(fromPacked, []int32{1, 2, 3}) || !reflect.DeepEqual(fromBoxed, fromPacked) {
		t.Errorf("packed decoded to %v, boxed to %v; want [1 2 3] for both", fromPacked, fromBoxed)
	}
}

func TestPackedWidthDisagreement(t *testing.T) {
	// The receiver's element type need not match the sender's: elements
	// are read at the sender's width and range-checked into the
	// receiver's, exactly as the boxed form would be.
	tests := []struct {
		name   string
		value  any
		decode func(wire.Value) (any, error)
		want   any
		class  error
	}{
		{
			name:   "int64 into int32",
			value:  []int64{1, -2, 3},
			decode: func(w wire.Value) (any, error) { return Decode[[]int32](w) },
			want:   []int32{1, -2, 3},
		},
		{
			name:   "int64 into int32 out of range",
			value:  []int64{1, 1 << 40},
			decode: func(w wire.Value) (any, error) { return Decode[[]int32](w) },
			class:  ErrRange,
		},
		{
			name:   "int32 into int64",
			value:  []int32{7, -8},
			decode: func(w wire.Value) (any, error) { return Decode[[]int64](w) },
			want:   []int64{7, -8},
		},
		{
			name:   "negative into uint16",
			value:  []int32{-1},
			decode: func(w wire.Value) (any, error) { return Decode[[]uint16](w) },
			class:  ErrRange,
		},
		{
			name:   "int16 into bytes out of range",
			value:  []int16{300},
			decode: func(w wire.Value) (any, error) { return Decode[[]byte](w) },
			class:  ErrRange,
		},
		{
			name:   "bytes into int16",
			value:  []byte{1, 255},
			decode: func(w wire.Value) (any, error) { return Decode[[]int16](w) },
			want:   []int16{1, 255},
		},
		{
			name:   "byte array into byte slice",
			value:  [2]byte{4, 5},
			decode: func(w wire.Value) (any, error) { return Decode[[]byte](w) },
			want:   []byte{4, 5},
		},
		{
			name:   "floats into integers",
			value:  []float64{1.5},
			decode: func(w wire.Value) (any, error) { return Decode[[]int32](w) },
			class:  ErrTypeMismatch,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			encoded, err := Marshal(test.value)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			if encoded.Kind() != wire.KindBytes {
				t.Fatalf("%T encoded as %s, want packed bytes", test.value, encoded.Kind())
			}
			got, err := test.decode(encoded)
			if test.class != nil {
				if !errors.Is(err, test.class) {
					t.Errorf("error = %v, want %v", err, test.class)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !reflect.DeepEqual(got, test.want) {
				t.Errorf("decoded %v, want %v", got, test.want)
			}
		})
	}
}

func TestMalformedPackedArrays(t *testing.T) {
	tests := []struct {
		name string
		blob []byte
	}{
		{"no kind header", []byte{}},
		{"unknown kind", []byte{200, 1, 2}},
		{"partial element", []byte{byte(scalarInt32), 1, 2, 3, 4, 5}},
		{"bool byte out of range", []byte{byte(scalarBool), 2}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if _, err := Decode[[]int32](wire.Bytes(test.blob)); !errors.Is(err, ErrMalformed) {
				t.Errorf("Decode[[]int32] error = %v, want ErrMalformed", err)
			}
			if _, err := Decode[any](wire.Bytes(test.blob)); !errors.Is(err, ErrMalformed) {
				t.Errorf("Decode[any] error = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestInterfaceElementsStayBoxed(t *testing.T) {
	encoded, err := Marshal([]any{1, 2, 3})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if encoded.Kind() != wire.KindArray {
		t.Errorf("[]any encoded as %s, want a boxed array", encoded.Kind())
	}
	var decoded []any
	if err := Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if want := []any{int64(1), int64(2), int64(3)}; !reflect.DeepEqual(decoded, want) {
		t.Errorf("decoded %#v, want %#v", decoded, want)
	}
}

func TestGenericDecodeExpandsPackedArrays(t *testing.T) {
	encoded, err := Marshal(map[string]any{
		"xs":  []int32{1, -2, 3},
		"raw": []byte{9, 8},
	})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	decoded, err := Decode[map[string]any](encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	want := map[string]any{
		"xs":  []any{int64(1), int64(-2), int64(3)},
		"raw": []byte{9, 8},
	}
	if !reflect.DeepEqual(decoded, want) {
		t.Errorf("decoded %#v, want %#v", decoded, want)
	}
}

// mixedList appends elements that break the packed run at different
// points.
type mixedList struct {
	elements []any
}

func (m mixedList) MarshalWire(e *Encoder) error {
	ordered := e.Ordered()
	for _, element := range m.elements {
		if element == nil {
			ordered.EncodeNil()
			continue
		}
		if err := ordered.Encode(element); err != nil {
			return err
		}
	}
	return nil
}

func TestPackedRunRevertsToBoxed(t *testing.T) {
	tests := []struct {
		name     string
		elements []any
		want     wire.Value
	}{
		{
			name:     "string after integers",
			elements: []any{int32(1), int32(2), "three"},
			want:     wire.Array(wire.Int(1), wire.Int(2), wire.String("three")),
		},
		{
			name:     "different integer width",
			elements: []any{int32(1), int64(2)},
			want:     wire.Array(wire.Int(1), wire.Int(2)),
		},
		{
			name:     "null after floats",
			elements: []any{1.5, nil},
			want:     wire.Array(wire.Float(1.5), wire.Null()),
		},
		{
			name:     "scalars after a nested value stay boxed",
			elements: []any{[]string{"a"}, uint8(1), uint8(2)},
			want:     wire.Array(wire.Array(wire.String("a")), wire.Uint(1), wire.Uint(2)),
		},
		{
			name:     "homogeneous bools pack",
			elements: []any{true, false},
			want:     wire.Bytes([]byte{byte(scalarBool), 1, 0}),
		},
		{
			name:     "empty",
			elements: nil,
			want:     wire.Array(),
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := Marshal(mixedList{elements: test.elements})
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			if !wire.Equal(got, test.want) {
				t.Errorf("encoded %s, want %s", got, test.want)
			}
		})
	}
}

func TestOrderedDecoderReadsPackedAndBoxed(t *testing.T) {
	for _, form := range []wire.Value{
		wire.Bytes([]byte{byte(scalarUint16), 7, 0, 8, 0}),
		wire.Array(wire.Uint(7), wire.Uint(8)),
	} {
		ordered, err := NewDecoder(form).Ordered()
		if err != nil {
			t.Fatalf("Ordered on %s: %v", form, err)
		}
		var first, second uint16
		if err := ordered.Decode(&first); err != nil {
			t.Fatalf("first element of %s: %v", form, err)
		}
		if err := ordered.Decode(&second); err != nil {
			t.Fatalf("second element of %s: %v", form, err)
		}
		if first != 7 || second != 8 {
			t.Errorf("%s decoded to %d, %d; want 7, 8", form, first, second)
		}
		if ordered.More() {
			t.Errorf("%s: More() after last element", form)
		}
		if err := ordered.Decode(&first); !errors.Is(err, ErrMalformed) {
			t.Errorf("%s: read past end error = %v, want ErrMalformed", form, err)
		}
	}
}

func TestIntegerRange(t *testing.T) {
	tests := []struct {
		name   string
		value  wire.Value
		decode func(wire.Value) error
	}{
		{"max uint64 into uint32", wire.Uint(math.MaxUint64), func(w wire.Value) error { _, err := Decode[uint32](w); return err }},
		{"max uint64 into int64", wire.Uint(math.MaxUint64), func(w wire.Value) error { _, err := Decode[int64](w); return err }},
		{"-129 into int8", wire.Int(-129), func(w wire.Value) error { _, err := Decode[int8](w); return err }},
		{"negative into uint", wire.Int(-1), func(w wire.Value) error { _, err := Decode[uint](w); return err }},
		{"256 into uint8", wire.Int(256), func(w wire.Value) error { _, err := Decode[uint8](w); return err }},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if err := test.decode(test.value); !errors.Is(err, ErrRange) {
				t.Errorf("error = %v, want ErrRange", err)
			}
		})
	}

	// Cross-signedness within range is accepted.
	if got, err := Decode[int8](wire.Uint(127)); err != nil || got != 127 {
		t.Errorf("Decode[int8](127u) = %d, %v; want 127", got, err)
	}
	if got, err := Decode[uint64](wire.Int(5)); err != nil || got != 5 {
		t.Errorf("Decode[uint64](5) = %d, %v; want 5", got, err)
	}
}

type requiredName struct {
	Name     string  `wire:"name"`
	Nickname *string `wire:"nickname"`
	Rank     int     `wire:"rank,optional"`
	Level    int     `wire:"level,omitempty"`
}

func TestMissingAndOptionalFields(t *testing.T) {
	_, err := Decode[requiredName](wire.Map(map[string]wire.Value{"rank": wire.Int(1)}))
	if !errors.Is(err, ErrMissing) {
		t.Fatalf("error = %v, want ErrMissing", err)
	}
	var serialError *Error
	if !errors.As(err, &serialError) || serialError.Path.String() != "name" {
		t.Errorf("error path = %v, want name", err)
	}

	decoded, err := Decode[requiredName](wire.Map(map[string]wire.Value{"name": wire.String("ada")}))
	if err != nil {
		t.Fatalf("optional fields absent: %v", err)
	}
	if decoded.Name != "ada" || decoded.Nickname != nil || decoded.Rank != 0 {
		t.Errorf("decoded %+v", decoded)
	}

	encoded, err := Marshal(requiredName{Name: "ada"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if _, present := encoded.Field("level"); present {
		t.Error("zero omitempty field was encoded")
	}
	if nickname, present := encoded.Field("nickname"); !present || !nickname.IsNull() {
		t.Errorf("nil pointer field encoded as %s, %v; want explicit null", nickname, present)
	}
}

func TestTypeMismatchPath(t *testing.T) {
	type drawingList struct {
		Points []point `wire:"points"`
	}
	bad := wire.Map(map[string]wire.Value{
		"points": wire.Array(wire.Map(map[string]wire.Value{
			"X": wire.String("left"),
			"Y": wire.Int(0),
		})),
	})
	_, err := Decode[drawingList](bad)
	if !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("error = %v, want ErrTypeMismatch", err)
	}
	var serialError *Error
	if !errors.As(err, &serialError) {
		t.Fatalf("error %T is not *Error", err)
	}
	if got := serialError.Path.String(); got != "points[0].X" {
		t.Errorf("path = %s, want points[0].X", got)
	}
}

type shape interface {
	area() float64
}

type circle struct {
	Radius float64 `wire:"radius"`
}

func (c circle) area() float64 { return math.Pi * c.Radius * c.Radius }

type rect struct {
	Width  float64 `wire:"width"`
	Height float64 `wire:"height"`
}

func (r rect) area() float64 { return r.Width * r.Height }

// drawing encodes its shape as a single-key map naming the variant.
type drawing struct {
	Shape shape
}

func (d drawing) MarshalWire(e *Encoder) error {
	keyed := e.Keyed()
	switch s := d.Shape.(type) {
	case circle:
		return keyed.Encode("circle", s)
	case rect:
		return keyed.Encode("rect", s)
	}
	return fmt.Errorf("unknown shape %T", d.Shape)
}

func (d *drawing) UnmarshalWire(decoder *Decoder) error {
	keyed, err := decoder.Keyed()
	if err != nil {
		return err
	}
	switch {
	case keyed.Has("circle"):
		var c circle
		if err := keyed.Decode("circle", &c); err != nil {
			return err
		}
		d.Shape = c
	case keyed.Has("rect"):
		var r rect
		if err := keyed.Decode("rect", &r); err != nil {
			return err
		}
		d.Shape = r
	default:
		return fmt.Errorf("no known shape among %v", keyed.Keys())
	}
	return nil
}

func TestTaggedUnion(t *testing.T) {
	original := []drawing{{Shape: circle{Radius: 2}}, {Shape: rect{Width: 3, Height: 4}}}
	encoded, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	first, _ := encoded.AsArray()
	if _, ok := first[0].Field("circle"); !ok {
		t.Errorf("first element %s has no circle key", first[0])
	}

	decoded, err := Decode[[]drawing](encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !reflect.DeepEqual(decoded, original) {
		t.Errorf("decoded %+v, want %+v", decoded, original)
	}

	_, err = Decode[drawing](wire.Map(map[string]wire.Value{"triangle": wire.Null()}))
	if err == nil || !strings.Contains(err.Error(), "triangle") {
		t.Errorf("unknown variant error = %v", err)
	}
}

type base struct {
	ID string `wire:"id"`
}

type derived struct {
	base
	Name string `wire:"name"`
}

func TestEmbeddedStructsFlatten(t *testing.T) {
	encoded, err := Marshal(derived{base: base{ID: "x1"}, Name: "widget"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := wire.Map(map[string]wire.Value{"id": wire.String("x1"), "name": wire.String("widget")})
	if !wire.Equal(encoded, want) {
		t.Errorf("encoded %s, want %s", encoded, want)
	}
	decoded, err := Decode[derived](encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.ID != "x1" || decoded.Name != "widget" {
		t.Errorf("decoded %+v", decoded)
	}
}

func TestTextMarshalerAndRawValues(t *testing.T) {
	type record struct {
		Address netip.Addr `wire:"address"`
		Raw     wire.Value `wire:"raw"`
	}
	original := record{
		Address: netip.MustParseAddr("127.0.0.1"),
		Raw:     wire.Array(wire.Uint(1), wire.Bytes([]byte("x"))),
	}
	encoded, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if address, _ := encoded.Field("address"); !wire.Equal(address, wire.String("127.0.0.1")) {
		t.Errorf("address encoded as %s", address)
	}
	decoded, err := Decode[record](encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Address != original.Address || !wire.Equal(decoded.Raw, original.Raw) {
		t.Errorf("decoded %+v, want %+v", decoded, original)
	}
}

func TestNullHandling(t *testing.T) {
	for _, value := range []any{[]int(nil), map[string]int(nil), (*int)(nil), nil} {
		encoded, err := Marshal(value)
		if err != nil {
			t.Fatalf("Marshal(%#v): %v", value, err)
		}
		if !encoded.IsNull() {
			t.Errorf("Marshal(%#v) = %s, want null", value, encoded)
		}
	}

	number := 42
	if err := Unmarshal(wire.Null(), &number); err != nil || number != 0 {
		t.Errorf("null into int: %d, %v; want 0, nil", number, err)
	}
	slice := []string{"stale"}
	if err := Unmarshal(wire.Null(), &slice); err != nil || slice != nil {
		t.Errorf("null into slice: %v, %v; want nil", slice, err)
	}
}

// conflicted asks for two different container kinds.
type conflicted struct{}

func (conflicted) MarshalWire(e *Encoder) error {
	e.Keyed()
	e.Ordered()
	return nil
}

func TestConflictingContainersPanic(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("requesting an ordered container after a keyed one did not panic")
		}
	}()
	Marshal(conflicted{})
}

func TestUnsupportedValues(t *testing.T) {
	if _, err := Marshal(make(chan int)); !errors.Is(err, ErrUnsupported) {
		t.Errorf("Marshal(chan) error = %v, want ErrUnsupported", err)
	}
	var target int
	if err := Unmarshal(wire.Int(1), target); !errors.Is(err, ErrUnsupported) {
		t.Errorf("Unmarshal into non-pointer error = %v, want ErrUnsupported", err)
	}
	if _, err := Marshal("\xff"); !errors.Is(err, ErrMalformed) {
		t.Errorf("Marshal(invalid UTF-8) error = %v, want ErrMalformed", err)
	}
}

func TestKeyedDecoderOptional(t *testing.T) {
	value := wire.Map(map[string]wire.Value{
		"present": wire.String("here"),
		"null":    wire.Null(),
	})
	keyed, err := NewDecoder(value).Keyed()
	if err != nil {
		t.Fatalf("Keyed: %v", err)
	}

	text := "untouched"
	for _, key := range []string{"null", "absent"} {
		found, err := keyed.DecodeOptional(key, &text)
		if err != nil || found {
			t.Errorf("DecodeOptional(%q) = %v, %v; want false, nil", key, found, err)
		}
	}
	if text != "untouched" {
		t.Errorf("DecodeOptional overwrote target with %q", text)
	}
	if found, err := keyed.DecodeOptional("present", &text); err != nil || !found || text != "here" {
		t.Errorf("DecodeOptional(present) = %v, %v, %q", found, err, text)
	}
	if !keyed.IsNull("null") || keyed.IsNull("absent") || !keyed.Has("null") {
		t.Error("Has/IsNull do not distinguish explicit null from absence")
	}
	if err := keyed.Decode("absent", &text); !errors.Is(err, ErrMissing) {
		t.Errorf("Decode(absent) error = %v, want ErrMissing", err)
	}
}
