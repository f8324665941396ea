// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the transport's data model: an immutable tree of
// tagged values that is the only thing a localrpc message can carry.
//
// A [Value] is one of twelve kinds: null, bool, signed and unsigned
// 64-bit integers, 64-bit floats, strings, byte strings, arrays, maps
// with string keys, and three handle kinds (an open file, a shared
// memory region, and an anonymous endpoint) that ride alongside the
// message as file descriptors.
//
// Values are built fresh for every message and never mutated once
// built. Constructors that accept slices or maps copy them; the Own*
// constructors take ownership instead and exist for builders (the
// serializer) that have just produced the backing storage and will
// not touch it again.
//
// Floats are stored as their IEEE-754 bit pattern. Nothing in this
// package converts through a hardware float operation, so a signaling
// NaN stays signaling for as long as it is a wire value.
//
// Handle values own their *os.File. Whoever consumes a message takes
// the handles it wants with [Value.AsFile] and closes the rest with
// [Value.CloseHandles].
package wire
