// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package serial

import (
	"errors"
	"math"
	"testing"

	"github.com/bureau-foundation/localrpc/lib/wire"
)

func TestSignalingNaNSurvivesFloat32RoundTrip(t *testing.T) {
	// Exponent all ones, quiet bit (22) clear, payload 1.
	const signaling = uint32(0x7f80_0001)
	original := math.Float32frombits(signaling)

	encoded, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	wide, ok := encoded.AsFloatBits()
	if !ok {
		t.Fatalf("float32 encoded as %s, want float", encoded.Kind())
	}
	if want := uint64(0x7ff0_0000_2000_0000); wide != want {
		t.Errorf("widened bits = %#x, want %#x", wide, want)
	}

	decoded, err := Decode[float32](encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got := math.Float32bits(decoded); got != signaling {
		t.Errorf("round-tripped bits = %#x, want %#x", got, signaling)
	}
	if !IsSignalingNaN32(decoded) {
		t.Error("decoded value is no longer a signaling NaN")
	}
}

func TestNarrowingKeepsNaNs(t *testing.T) {
	tests := []struct {
		name string
		wide uint64
		want uint32
	}{
		// Payload only in the 29 discarded bits: forced to 1 so the
		// result is still NaN rather than infinity.
		{"low payload", 0x7ff0_0000_0000_0001, 0x7f80_0001},
		{"quiet", 0x7ff8_0000_0000_0000, 0x7fc0_0000},
		{"negative signaling", 0xfff0_0000_2000_0000, 0xff80_0001},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := Decode[float32](wire.FloatBits(test.wide))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if bits := math.Float32bits(got); bits != test.want {
				t.Errorf("bits = %#x, want %#x", bits, test.want)
			}
		})
	}
}

func TestFloat32Overflow(t *testing.T) {
	if _, err := Decode[float32](wire.Float(1e300)); !errors.Is(err, ErrRange) {
		t.Errorf("1e300 into float32: error = %v, want ErrRange", err)
	}
	got, err := Decode[float32](wire.Float(math.Inf(-1)))
	if err != nil || !math.IsInf(float64(got), -1) {
		t.Errorf("-Inf into float32 = %v, %v; want -Inf", got, err)
	}
}

func TestPackedFloat32KeepsBits(t *testing.T) {
	values := []float32{1.25, math.Float32frombits(0x7f80_0002)}
	encoded, err := Marshal(values)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if encoded.Kind() != wire.KindBytes {
		t.Fatalf("[]float32 encoded as %s, want packed bytes", encoded.Kind())
	}
	decoded, err := Decode[[]float32](encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(decoded) != 2 || decoded[0] != 1.25 || math.Float32bits(decoded[1]) != 0x7f80_0002 {
		t.Errorf("decoded %v (second bits %#x)", decoded, math.Float32bits(decoded[1]))
	}
}

func TestFloat64KeepsNegativeZero(t *testing.T) {
	negativeZero := math.Copysign(0, -1)
	encoded, err := Marshal(negativeZero)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	decoded, err := Decode[float64](encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if math.Float64bits(decoded) != math.Float64bits(negativeZero) {
		t.Errorf("decoded %v, want -0", decoded)
	}
}
