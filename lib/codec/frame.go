// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/bureau-foundation/localrpc/lib/wire"
)

// Compression identifies the algorithm applied to a frame body. It is
// the first byte of every frame; the values are protocol constants.
type Compression uint8

const (
	// CompressionNone sends the body as-is.
	CompressionNone Compression = 0

	// CompressionLZ4 is LZ4 block compression. The compressed block
	// is preceded by the uncompressed size as a uvarint, since LZ4
	// blocks do not record it.
	CompressionLZ4 Compression = 1

	// CompressionZstd is a single zstd frame at the default level.
	CompressionZstd Compression = 2
)

// maxBodySize bounds the decompressed size of a body. A 128 KiB frame
// of highly repetitive CBOR can legitimately expand well beyond its
// compressed size, but not without limit.
const maxBodySize = 16 << 20

// DefaultCompressionThreshold is the body size below which compression
// is not attempted.
const DefaultCompressionThreshold = 1024

// String returns the configuration name of the algorithm.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", c)
	}
}

// ParseCompression parses a compression name as used in
// configuration.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "none", "":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression %q (want none, lz4, or zstd)", name)
	}
}

// Options controls how frames are produced. The zero value sends
// everything uncompressed.
type Options struct {
	// Compression is attempted for bodies of at least Threshold
	// bytes. A body that does not shrink is sent uncompressed.
	Compression Compression

	// Threshold is the minimum body size for compression. Zero
	// means DefaultCompressionThreshold.
	Threshold int
}

// Encode produces a frame for v plus the descriptors to send with it.
func (o Options) Encode(v wire.Value) ([]byte, []*os.File, error) {
	body, files, err := EncodeBody(v)
	if err != nil {
		return nil, nil, err
	}
	frame, err := o.frame(body)
	if err != nil {
		return nil, nil, err
	}
	if len(frame) > MaxMessageSize {
		return nil, nil, fmt.Errorf("%w: %d byte frame, limit %d", ErrTooLarge, len(frame), MaxMessageSize)
	}
	return frame, files, nil
}

// Encode produces an uncompressed frame for v.
func Encode(v wire.Value) ([]byte, []*os.File, error) {
	return Options{}.Encode(v)
}

// Decode parses a frame and the descriptors received with it. Like
// [DecodeBody] it always takes ownership of files.
func Decode(frame []byte, files []*os.File) (wire.Value, error) {
	body, err := openFrame(frame)
	if err != nil {
		for _, file := range files {
			file.Close()
		}
		return wire.Value{}, err
	}
	return DecodeBody(body, files)
}

func (o Options) frame(body []byte) ([]byte, error) {
	threshold := o.Threshold
	if threshold <= 0 {
		threshold = DefaultCompressionThreshold
	}
	if o.Compression != CompressionNone && len(body) >= threshold {
		compressed, err := compress(body, o.Compression)
		if err == nil {
			return compressed, nil
		}
		if !errors.Is(err, errIncompressible) {
			return nil, err
		}
	}
	frame := make([]byte, 0, len(body)+1)
	frame = append(frame, byte(CompressionNone))
	return append(frame, body...), nil
}

// compress returns a complete frame: tag byte plus compressed body.
func compress(body []byte, compression Compression) ([]byte, error) {
	switch compression {
	case CompressionLZ4:
		return compressLZ4(body)
	case CompressionZstd:
		return compressZstd(body)
	default:
		return nil, fmt.Errorf("codec: unsupported compression %s", compression)
	}
}

func openFrame(frame []byte) ([]byte, error) {
	if len(frame) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrMalformed)
	}
	payload := frame[1:]
	switch Compression(frame[0]) {
	case CompressionNone:
		return payload, nil
	case CompressionLZ4:
		return decompressLZ4(payload)
	case CompressionZstd:
		return decompressZstd(payload)
	default:
		return nil, fmt.Errorf("%w: unknown compression tag %d", ErrMalformed, frame[0])
	}
}

// LZ4: uvarint uncompressed size, then one LZ4 block.

func compressLZ4(body []byte) ([]byte, error) {
	frame := make([]byte, 1+binary.MaxVarintLen64+lz4.CompressBlockBound(len(body)))
	frame[0] = byte(CompressionLZ4)
	header := 1 + binary.PutUvarint(frame[1:], uint64(len(body)))

	written, err := lz4.CompressBlock(body, frame[header:], nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	// CompressBlock returns 0 for incompressible input.
	if written == 0 || header+written >= len(body)+1 {
		return nil, errIncompressible
	}
	return frame[:header+written], nil
}

func decompressLZ4(payload []byte) ([]byte, error) {
	size, headerLength := binary.Uvarint(payload)
	if headerLength <= 0 {
		return nil, fmt.Errorf("%w: bad lz4 size prefix", ErrMalformed)
	}
	if size > maxBodySize {
		return nil, fmt.Errorf("%w: lz4 body claims %d bytes, limit %d", ErrMalformed, size, maxBodySize)
	}
	body := make([]byte, size)
	read, err := lz4.UncompressBlock(payload[headerLength:], body)
	if err != nil {
		return nil, fmt.Errorf("%w: lz4 decompress: %v", ErrMalformed, err)
	}
	if uint64(read) != size {
		return nil, fmt.Errorf("%w: lz4 decompress: got %d bytes, expected %d", ErrMalformed, read, size)
	}
	return body, nil
}

// Zstd: the encoder and decoder are shared; both are safe for
// concurrent use through EncodeAll and DecodeAll.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
	)
	if err != nil {
		panic("codec: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil,
		zstd.WithDecoderMaxMemory(maxBodySize),
	)
	if err != nil {
		panic("codec: zstd decoder initialization failed: " + err.Error())
	}
}

func compressZstd(body []byte) ([]byte, error) {
	frame := zstdEncoder.EncodeAll(body, []byte{byte(CompressionZstd)})
	if len(frame) >= len(body)+1 {
		return nil, errIncompressible
	}
	return frame, nil
}

func decompressZstd(payload []byte) ([]byte, error) {
	body, err := zstdDecoder.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd decompress: %v", ErrMalformed, err)
	}
	return body, nil
}

// errIncompressible means the compressed frame would not be smaller
// than the uncompressed one. The caller falls back to
// CompressionNone.
var errIncompressible = errors.New("data is incompressible")
