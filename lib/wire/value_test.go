// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"math"
	"os"
	"testing"
)

func TestConstructorsCopyInput(t *testing.T) {
	source := []byte{1, 2, 3}
	value := Bytes(source)
	source[0] = 9

	got, ok := value.AsBytes()
	if !ok {
		t.Fatalf("AsBytes on %s value failed", value.Kind())
	}
	if got[0] != 1 {
		t.Errorf("Bytes did not copy its input: got %v", got)
	}

	elements := []Value{Int(1), Int(2)}
	array := Array(elements...)
	elements[0] = String("changed")
	first, _ := array.AsArray()
	if !Equal(first[0], Int(1)) {
		t.Errorf("Array did not copy its input: got %s", array)
	}

	fields := map[string]Value{"a": Bool(true)}
	mapped := Map(fields)
	fields["b"] = Null()
	if mapped.Len() != 1 {
		t.Errorf("Map did not copy its input: got %s", mapped)
	}
}

func TestZeroValueIsNull(t *testing.T) {
	var value Value
	if !value.IsNull() {
		t.Errorf("zero Value kind = %s, want null", value.Kind())
	}
	if value.String() != "null" {
		t.Errorf("zero Value String() = %q, want null", value.String())
	}
}

func TestOwnConstructorsNormalizeNil(t *testing.T) {
	if got, ok := OwnBytes(nil).AsBytes(); !ok || got == nil {
		t.Errorf("OwnBytes(nil) = %v, %v; want empty non-nil", got, ok)
	}
	if got, ok := OwnArray(nil).AsArray(); !ok || got == nil {
		t.Errorf("OwnArray(nil) = %v, %v; want empty non-nil", got, ok)
	}
	if got, ok := OwnMap(nil).AsMap(); !ok || got == nil {
		t.Errorf("OwnMap(nil) = %v, %v; want empty non-nil", got, ok)
	}
}

func TestFloatBitsPreserveSignalingNaN(t *testing.T) {
	// Quiet bit (51) clear, payload non-zero: a signaling NaN.
	const signaling = uint64(0x7ff0_0000_0000_0001)
	value := FloatBits(signaling)

	bits, ok := value.AsFloatBits()
	if !ok {
		t.Fatal("AsFloatBits failed on float value")
	}
	if bits != signaling {
		t.Errorf("bits = %#x, want %#x", bits, signaling)
	}
	float, _ := value.AsFloat()
	if !math.IsNaN(float) {
		t.Errorf("AsFloat = %v, want NaN", float)
	}
	if !Equal(value, FloatBits(signaling)) {
		t.Error("identical NaN bit patterns should compare equal")
	}
	if Equal(value, FloatBits(0x7ff8_0000_0000_0001)) {
		t.Error("signaling and quiet NaN should not compare equal")
	}
}

func TestIntegerAccessorsAreKindStrict(t *testing.T) {
	if _, ok := Int(5).AsUint(); ok {
		t.Error("AsUint succeeded on an int value")
	}
	if _, ok := Uint(5).AsInt(); ok {
		t.Error("AsInt succeeded on a uint value")
	}
	got, ok := Int(-7).AsInt()
	if !ok || got != -7 {
		t.Errorf("AsInt = %d, %v; want -7, true", got, ok)
	}
	largest, ok := Uint(math.MaxUint64).AsUint()
	if !ok || largest != math.MaxUint64 {
		t.Errorf("AsUint = %d, %v; want MaxUint64", largest, ok)
	}
}

func TestEqual(t *testing.T) {
	tests := []struct {
		name  string
		left  Value
		right Value
		want  bool
	}{
		{"null", Null(), Null(), true},
		{"int vs uint", Int(1), Uint(1), false},
		{"strings", String("a"), String("a"), true},
		{"bytes", Bytes([]byte("ab")), Bytes([]byte("ab")), true},
		{"nested arrays", Array(Int(1), Array(Bool(true))), Array(Int(1), Array(Bool(true))), true},
		{"array length", Array(Int(1)), Array(Int(1), Int(2)), false},
		{"maps", Map(map[string]Value{"k": Int(1)}), Map(map[string]Value{"k": Int(1)}), true},
		{"map values", Map(map[string]Value{"k": Int(1)}), Map(map[string]Value{"k": Int(2)}), false},
		{"map keys", Map(map[string]Value{"k": Int(1)}), Map(map[string]Value{"j": Int(1)}), false},
		{"negative zero", Float(math.Copysign(0, -1)), Float(0), false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := Equal(test.left, test.right); got != test.want {
				t.Errorf("Equal(%s, %s) = %v, want %v", test.left, test.right, got, test.want)
			}
		})
	}
}

func TestStringRendering(t *testing.T) {
	value := Map(map[string]Value{
		"b": Array(Int(-1), Uint(2), Float(1.5)),
		"a": String("x"),
		"c": Bytes([]byte{0xca, 0xfe}),
	})
	want := `{"a": "x", "b": [-1, 2u, 1.5], "c": h'cafe'}`
	if got := value.String(); got != want {
		t.Errorf("String() = %s, want %s", got, want)
	}
}

func TestHandlesVisitsEveryDescriptor(t *testing.T) {
	first, err := os.Open(os.DevNull)
	if err != nil {
		t.Fatalf("opening %s: %v", os.DevNull, err)
	}
	second, err := os.Open(os.DevNull)
	if err != nil {
		t.Fatalf("opening %s: %v", os.DevNull, err)
	}

	tree := Map(map[string]Value{
		"a": File(first),
		"b": Array(Int(1), Endpoint(second)),
	})

	var kinds []Kind
	tree.Handles(func(handle Value) { kinds = append(kinds, handle.Kind()) })
	if len(kinds) != 2 || kinds[0] != KindFile || kinds[1] != KindEndpoint {
		t.Fatalf("Handles visited %v, want [file endpoint]", kinds)
	}

	tree.CloseHandles()
	if _, err := first.Stat(); err == nil {
		t.Error("first descriptor still open after CloseHandles")
	}
	if _, err := second.Stat(); err == nil {
		t.Error("second descriptor still open after CloseHandles")
	}
}

func TestRegionSharedBetweenMappings(t *testing.T) {
	region, err := NewRegion("wire-test", 4096)
	if err != nil {
		t.Fatalf("NewRegion: %v", err)
	}
	defer region.CloseHandles()

	size, ok := region.RegionSize()
	if !ok || size != 4096 {
		t.Fatalf("RegionSize = %d, %v; want 4096, true", size, ok)
	}

	writer, err := MapRegion(region)
	if err != nil {
		t.Fatalf("MapRegion (writer): %v", err)
	}
	defer writer.Close()
	reader, err := MapRegion(region)
	if err != nil {
		t.Fatalf("MapRegion (reader): %v", err)
	}
	defer reader.Close()

	copy(writer.Bytes(), "shared")
	if got := string(reader.Bytes()[:6]); got != "shared" {
		t.Errorf("reader sees %q, want %q", got, "shared")
	}
}

func TestMapRegionRejectsOtherKinds(t *testing.T) {
	if _, err := MapRegion(Int(3)); err == nil {
		t.Error("MapRegion accepted an int value")
	}
}
