// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec turns wire value trees into transport frames and back.
//
// A frame is one transport message:
//
//	[1 byte compression tag][body]
//
// The body is CBOR produced by fxamacker/cbor in core deterministic
// mode (sorted map keys, no indefinite lengths) with float shortening
// and NaN canonicalisation disabled, so every float keeps its exact
// IEEE-754 bit pattern. The body is optionally compressed with LZ4
// block compression (prefixed by the uvarint uncompressed size) or
// zstd; bodies that do not shrink are sent uncompressed.
//
// Wire kinds CBOR cannot tell apart natively are tagged:
//
//   - 55800: a non-negative signed integer, so Int(5) and Uint(5)
//     survive the round trip as different kinds.
//   - 55801: a file descriptor; the content is its index in the
//     message's descriptor list.
//   - 55802: a shared memory region, as [index, size].
//   - 55803: an anonymous endpoint descriptor.
//
// Descriptors never appear in the body. [Encode] returns them as a
// list for the transport to send out of band (SCM_RIGHTS), and
// [Decode] takes ownership of the list received alongside a frame.
//
// A frame may not exceed [MaxMessageSize] bytes and may not carry more
// than [MaxDescriptors] descriptors.
package codec
