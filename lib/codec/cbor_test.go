// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"errors"
	"math"
	"os"
	"testing"

	"github.com/fxamacker/cbor/v2"

	"github.com/bureau-foundation/localrpc/lib/wire"
)

func roundTrip(t *testing.T, value wire.Value) wire.Value {
	t.Helper()
	frame, files, err := Encode(value)
	if err != nil {
		t.Fatalf("Encode(%s): %v", value, err)
	}
	decoded, err := Decode(frame, files)
	if err != nil {
		t.Fatalf("Decode(%s): %v", value, err)
	}
	return decoded
}

func TestScalarKindsRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		value wire.Value
	}{
		{"null", wire.Null()},
		{"true", wire.Bool(true)},
		{"false", wire.Bool(false)},
		{"zero int", wire.Int(0)},
		{"positive int", wire.Int(5)},
		{"negative int", wire.Int(-5)},
		{"min int", wire.Int(math.MinInt64)},
		{"max int", wire.Int(math.MaxInt64)},
		{"uint", wire.Uint(5)},
		{"max uint", wire.Uint(math.MaxUint64)},
		{"float", wire.Float(0.1)},
		{"negative zero", wire.Float(math.Copysign(0, -1))},
		{"infinity", wire.Float(math.Inf(1))},
		{"signaling NaN", wire.FloatBits(0x7ff0_0000_0000_0001)},
		{"NaN payload", wire.FloatBits(0xfff8_dead_beef_0000)},
		{"string", wire.String("héllo")},
		{"empty string", wire.String("")},
		{"bytes", wire.Bytes([]byte{0, 1, 2, 0xff})},
		{"empty array", wire.Array()},
		{"empty map", wire.Map(nil)},
		{"nested", wire.Map(map[string]wire.Value{
			"list":  wire.Array(wire.Int(-1), wire.Uint(1), wire.Null()),
			"inner": wire.Map(map[string]wire.Value{"k": wire.Bytes([]byte("v"))}),
		})},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got := roundTrip(t, test.value)
			if !wire.Equal(got, test.value) {
				t.Errorf("round trip produced %s, want %s", got, test.value)
			}
		})
	}
}

func TestIntAndUintStayDistinct(t *testing.T) {
	signed := roundTrip(t, wire.Int(5))
	unsigned := roundTrip(t, wire.Uint(5))
	if signed.Kind() != wire.KindInt {
		t.Errorf("Int(5) decoded as %s", signed.Kind())
	}
	if unsigned.Kind() != wire.KindUint {
		t.Errorf("Uint(5) decoded as %s", unsigned.Kind())
	}
}

func TestBodyIsDeterministic(t *testing.T) {
	first := map[string]wire.Value{}
	second := map[string]wire.Value{}
	keys := []string{"zeta", "alpha", "mid", "a", "bb"}
	for index, key := range keys {
		first[key] = wire.Int(int64(index))
	}
	for index := len(keys) - 1; index >= 0; index-- {
		second[keys[index]] = wire.Int(int64(index))
	}
	firstBody, _, err := EncodeBody(wire.Map(first))
	if err != nil {
		t.Fatalf("EncodeBody: %v", err)
	}
	secondBody, _, err := EncodeBody(wire.Map(second))
	if err != nil {
		t.Fatalf("EncodeBody: %v", err)
	}
	if !bytes.Equal(firstBody, secondBody) {
		t.Errorf("same map encoded differently: %x vs %x", firstBody, secondBody)
	}
}

func openNull(t *testing.T) *os.File {
	t.Helper()
	file, err := os.Open(os.DevNull)
	if err != nil {
		t.Fatalf("opening %s: %v", os.DevNull, err)
	}
	t.Cleanup(func() { file.Close() })
	return file
}

func isClosed(file *os.File) bool {
	_, err := file.Stat()
	return errors.Is(err, os.ErrClosed)
}

func TestDescriptorsTravelOutOfBand(t *testing.T) {
	reader, writer, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	defer reader.Close()
	defer writer.Close()
	region, err := wire.NewRegion("codec-test", 8192)
	if err != nil {
		t.Fatalf("NewRegion: %v", err)
	}
	defer region.CloseHandles()

	value := wire.Array(wire.File(reader), region, wire.Endpoint(writer))
	body, files, err := EncodeBody(value)
	if err != nil {
		t.Fatalf("EncodeBody: %v", err)
	}
	regionFile, _ := region.AsFile()
	if len(files) != 3 || files[0] != reader || files[1] != regionFile || files[2] != writer {
		t.Fatalf("descriptor list = %v, want [reader region writer]", files)
	}

	decoded, err := DecodeBody(body, files)
	if err != nil {
		t.Fatalf("DecodeBody: %v", err)
	}
	if !wire.Equal(decoded, value) {
		t.Errorf("decoded %s, want %s", decoded, value)
	}
	elements, _ := decoded.AsArray()
	if size, ok := elements[1].RegionSize(); !ok || size != 8192 {
		t.Errorf("region size = %d, %v; want 8192", size, ok)
	}
}

func TestUnreferencedDescriptorsAreClosed(t *testing.T) {
	extra := openNull(t)
	frame, _, err := Encode(wire.Int(1))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := Decode(frame, []*os.File{extra}); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !isClosed(extra) {
		t.Error("descriptor not referenced by the body was left open")
	}
}

func TestBadDescriptorReferences(t *testing.T) {
	tests := []struct {
		name string
		item any
	}{
		{"index out of range", cbor.Tag{Number: tagFile, Content: uint64(5)}},
		{"index referenced twice", []any{
			cbor.Tag{Number: tagFile, Content: uint64(0)},
			cbor.Tag{Number: tagEndpoint, Content: uint64(0)},
		}},
		{"region without size", cbor.Tag{Number: tagSharedRegion, Content: uint64(0)}},
		{"unknown tag", cbor.Tag{Number: 12345, Content: uint64(0)}},
		{"negative content in int tag", cbor.Tag{Number: tagNonNegativeInt, Content: int64(-1)}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			body, err := encMode.Marshal(test.item)
			if err != nil {
				t.Fatalf("building body: %v", err)
			}
			file := openNull(t)
			_, err = DecodeBody(body, []*os.File{file})
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("error = %v, want ErrMalformed", err)
			}
			if !isClosed(file) {
				t.Error("descriptor left open after a failed decode")
			}
		})
	}
}

func TestNonStringMapKeysRejected(t *testing.T) {
	body, err := encMode.Marshal(map[int]string{1: "one"})
	if err != nil {
		t.Fatalf("building body: %v", err)
	}
	if _, err := DecodeBody(body, nil); !errors.Is(err, ErrMalformed) {
		t.Errorf("error = %v, want ErrMalformed", err)
	}
}
