// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package serial

import (
	"math"
	"reflect"
	"unsafe"
)

// IEEE-754 field masks.
const (
	float32ExponentMask = 0x7f80_0000
	float32MantissaMask = 0x007f_ffff
	float64ExponentMask = 0x7ff0_0000_0000_0000
	float64MantissaMask = 0x000f_ffff_ffff_ffff

	// mantissaShift is the difference between the binary64 and
	// binary32 mantissa widths (52 - 23). Shifting a binary32 NaN
	// payload left by this amount puts its quiet bit (22) on the
	// binary64 quiet bit (51).
	mantissaShift = 29
)

// widenFloat32 returns the binary64 bits for a binary32 value. NaNs
// are widened by moving bits: the FPU conversion would set the quiet
// bit on a signaling NaN.
func widenFloat32(bits uint32) uint64 {
	if bits&float32ExponentMask == float32ExponentMask && bits&float32MantissaMask != 0 {
		sign := uint64(bits>>31) << 63
		mantissa := uint64(bits&float32MantissaMask) << mantissaShift
		return sign | float64ExponentMask | mantissa
	}
	return math.Float64bits(float64(math.Float32frombits(bits)))
}

// narrowFloat64 returns the binary32 bits for a binary64 value, or
// false when a finite value overflows binary32. NaNs keep their sign,
// their quiet bit, and the high bits of their payload; a signaling NaN
// whose payload lived entirely in the discarded low bits keeps a
// non-zero payload so it stays a NaN.
func narrowFloat64(bits uint64) (uint32, bool) {
	if bits&float64ExponentMask == float64ExponentMask && bits&float64MantissaMask != 0 {
		sign := uint32(bits>>63) << 31
		mantissa := uint32((bits & float64MantissaMask) >> mantissaShift)
		if mantissa == 0 {
			mantissa = 1
		}
		return sign | float32ExponentMask | mantissa, true
	}
	value := math.Float64frombits(bits)
	narrowed := float32(value)
	if math.IsInf(float64(narrowed), 0) && !math.IsInf(value, 0) {
		return 0, false
	}
	return math.Float32bits(narrowed), true
}

// float32Bits reads the bits of a float32-kinded value without going
// through reflect.Value.Float, which converts to float64.
func float32Bits(rv reflect.Value) uint32 {
	if rv.CanAddr() {
		return *(*uint32)(rv.Addr().UnsafePointer())
	}
	copied := reflect.New(rv.Type())
	copied.Elem().Set(rv)
	return *(*uint32)(copied.UnsafePointer())
}

// float64Bits reads the bits of a float64-kinded value.
func float64Bits(rv reflect.Value) uint64 {
	if rv.CanAddr() {
		return *(*uint64)(rv.Addr().UnsafePointer())
	}
	copied := reflect.New(rv.Type())
	copied.Elem().Set(rv)
	return *(*uint64)(copied.UnsafePointer())
}

// setFloat32Bits stores raw bits into an addressable float32-kinded
// value.
func setFloat32Bits(rv reflect.Value, bits uint32) {
	*(*uint32)(rv.Addr().UnsafePointer()) = bits
}

// setFloat64Bits stores raw bits into an addressable float64-kinded
// value.
func setFloat64Bits(rv reflect.Value, bits uint64) {
	*(*uint64)(rv.Addr().UnsafePointer()) = bits
}

// IsSignalingNaN32 reports whether f is a signaling NaN.
func IsSignalingNaN32(f float32) bool {
	bits := *(*uint32)(unsafe.Pointer(&f))
	return bits&float32ExponentMask == float32ExponentMask &&
		bits&float32MantissaMask != 0 &&
		bits&(1<<22) == 0
}

// IsSignalingNaN64 reports whether f is a signaling NaN.
func IsSignalingNaN64(f float64) bool {
	bits := math.Float64bits(f)
	return bits&float64ExponentMask == float64ExponentMask &&
		bits&float64MantissaMask != 0 &&
		bits&(1<<51) == 0
}
