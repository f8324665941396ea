// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"errors"
	"fmt"
	"math"
	"os"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/bureau-foundation/localrpc/lib/wire"
)

// CBOR tag numbers for wire kinds that have no native CBOR form. These
// are protocol constants.
const (
	tagNonNegativeInt = 55800
	tagFile           = 55801
	tagSharedRegion   = 55802
	tagEndpoint       = 55803
)

// Limits on a single message.
const (
	// MaxMessageSize is the largest frame, after compression, that
	// a connection will send or accept.
	MaxMessageSize = 128 << 10

	// MaxDescriptors is the kernel's per-message SCM_RIGHTS limit.
	MaxDescriptors = 253

	// maxNesting bounds the depth of arrays and maps in a body.
	maxNesting = 128
)

var (
	// ErrMalformed is returned for frames and bodies that cannot be
	// decoded: bad compression, invalid CBOR, unknown tags, or
	// descriptor references that do not match the descriptor list.
	ErrMalformed = errors.New("codec: malformed message")

	// ErrTooLarge is returned when an encoded message exceeds
	// MaxMessageSize or MaxDescriptors.
	ErrTooLarge = errors.New("codec: message too large")
)

// encMode is core deterministic encoding with every float left at
// full width and every NaN left as-is. Shortening a float or
// canonicalising a NaN would change its bits.
var encMode cbor.EncMode

// decMode decodes into generic Go values with string-keyed maps.
var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.ShortestFloat = cbor.ShortestFloatNone
	encOptions.NaNConvert = cbor.NaNConvertNone
	encOptions.InfConvert = cbor.InfConvertNone
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Wire maps only have string keys. Any other key type in
		// a body is a protocol violation and fails decoding.
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		DupMapKey:       cbor.DupMapKeyEnforcedAPF,
		MaxNestedLevels: maxNesting,
		UTF8:            cbor.UTF8RejectInvalid,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// EncodeBody lowers a wire value to CBOR. Descriptor-carrying values
// are replaced by tagged indices into the returned file list, in
// depth-first order. The files are borrowed from v, not duplicated.
func EncodeBody(v wire.Value) ([]byte, []*os.File, error) {
	var files []*os.File
	lowered, err := lower(v, &files)
	if err != nil {
		return nil, nil, err
	}
	if len(files) > MaxDescriptors {
		return nil, nil, fmt.Errorf("%w: %d descriptors, limit %d", ErrTooLarge, len(files), MaxDescriptors)
	}
	body, err := encMode.Marshal(lowered)
	if err != nil {
		return nil, nil, fmt.Errorf("codec: encoding body: %w", err)
	}
	return body, files, nil
}

func lower(v wire.Value, files *[]*os.File) (any, error) {
	switch v.Kind() {
	case wire.KindNull:
		return nil, nil
	case wire.KindBool:
		b, _ := v.AsBool()
		return b, nil
	case wire.KindInt:
		i, _ := v.AsInt()
		if i < 0 {
			return i, nil
		}
		return cbor.Tag{Number: tagNonNegativeInt, Content: uint64(i)}, nil
	case wire.KindUint:
		u, _ := v.AsUint()
		return u, nil
	case wire.KindFloat:
		bits, _ := v.AsFloatBits()
		return math.Float64frombits(bits), nil
	case wire.KindString:
		s, _ := v.AsString()
		return s, nil
	case wire.KindBytes:
		b, _ := v.AsBytes()
		return b, nil
	case wire.KindArray:
		elements, _ := v.AsArray()
		lowered := make([]any, len(elements))
		for index, element := range elements {
			item, err := lower(element, files)
			if err != nil {
				return nil, err
			}
			lowered[index] = item
		}
		return lowered, nil
	case wire.KindMap:
		fields, _ := v.AsMap()
		lowered := make(map[string]any, len(fields))
		for key, field := range fields {
			item, err := lower(field, files)
			if err != nil {
				return nil, err
			}
			lowered[key] = item
		}
		return lowered, nil
	case wire.KindFile, wire.KindSharedRegion, wire.KindEndpoint:
		file, ok := v.AsFile()
		if !ok {
			return nil, fmt.Errorf("codec: %s value has no descriptor", v.Kind())
		}
		index := uint64(len(*files))
		*files = append(*files, file)
		switch v.Kind() {
		case wire.KindFile:
			return cbor.Tag{Number: tagFile, Content: index}, nil
		case wire.KindSharedRegion:
			size, _ := v.RegionSize()
			return cbor.Tag{Number: tagSharedRegion, Content: []any{index, uint64(size)}}, nil
		default:
			return cbor.Tag{Number: tagEndpoint, Content: index}, nil
		}
	}
	return nil, fmt.Errorf("codec: unknown wire kind %d", v.Kind())
}

// DecodeBody parses a CBOR body received with files. It always takes
// ownership of files: on success every referenced descriptor belongs
// to the returned value and unreferenced ones are closed; on failure
// all of them are closed.
func DecodeBody(body []byte, files []*os.File) (wire.Value, error) {
	state := &liftState{files: files, claimed: make([]bool, len(files))}

	var item any
	if err := decMode.Unmarshal(body, &item); err != nil {
		state.closeAll()
		return wire.Value{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	value, err := state.lift(item)
	if err != nil {
		state.closeAll()
		return wire.Value{}, err
	}
	state.closeUnclaimed()
	return value, nil
}

// liftState tracks which received descriptors the body has claimed.
// Each index may be claimed once, so no two values share a file.
type liftState struct {
	files   []*os.File
	claimed []bool
}

func (s *liftState) claim(content any) (*os.File, error) {
	index, ok := content.(uint64)
	if !ok {
		return nil, fmt.Errorf("%w: descriptor index is %T", ErrMalformed, content)
	}
	if index >= uint64(len(s.files)) {
		return nil, fmt.Errorf("%w: descriptor index %d with %d descriptors", ErrMalformed, index, len(s.files))
	}
	if s.claimed[index] {
		return nil, fmt.Errorf("%w: descriptor index %d referenced twice", ErrMalformed, index)
	}
	s.claimed[index] = true
	return s.files[index], nil
}

func (s *liftState) lift(item any) (wire.Value, error) {
	switch x := item.(type) {
	case nil:
		return wire.Null(), nil
	case bool:
		return wire.Bool(x), nil
	case uint64:
		return wire.Uint(x), nil
	case int64:
		return wire.Int(x), nil
	case float64:
		return wire.FloatBits(math.Float64bits(x)), nil
	case string:
		return wire.String(x), nil
	case []byte:
		return wire.OwnBytes(x), nil
	case []any:
		elements := make([]wire.Value, len(x))
		for index, element := range x {
			value, err := s.lift(element)
			if err != nil {
				return wire.Value{}, err
			}
			elements[index] = value
		}
		return wire.OwnArray(elements), nil
	case map[string]any:
		fields := make(map[string]wire.Value, len(x))
		for key, field := range x {
			value, err := s.lift(field)
			if err != nil {
				return wire.Value{}, err
			}
			fields[key] = value
		}
		return wire.OwnMap(fields), nil
	case cbor.Tag:
		return s.liftTag(x)
	}
	return wire.Value{}, fmt.Errorf("%w: unsupported CBOR item %T", ErrMalformed, item)
}

func (s *liftState) liftTag(tag cbor.Tag) (wire.Value, error) {
	switch tag.Number {
	case tagNonNegativeInt:
		u, ok := tag.Content.(uint64)
		if !ok || u > math.MaxInt64 {
			return wire.Value{}, fmt.Errorf("%w: tag %d content %v is not a non-negative int64", ErrMalformed, tag.Number, tag.Content)
		}
		return wire.Int(int64(u)), nil
	case tagFile:
		file, err := s.claim(tag.Content)
		if err != nil {
			return wire.Value{}, err
		}
		return wire.File(file), nil
	case tagEndpoint:
		file, err := s.claim(tag.Content)
		if err != nil {
			return wire.Value{}, err
		}
		return wire.Endpoint(file), nil
	case tagSharedRegion:
		pair, ok := tag.Content.([]any)
		if !ok || len(pair) != 2 {
			return wire.Value{}, fmt.Errorf("%w: shared region content is not [index, size]", ErrMalformed)
		}
		size, ok := pair[1].(uint64)
		if !ok || size > math.MaxInt64 {
			return wire.Value{}, fmt.Errorf("%w: shared region size %v", ErrMalformed, pair[1])
		}
		file, err := s.claim(pair[0])
		if err != nil {
			return wire.Value{}, err
		}
		return wire.SharedRegion(file, int64(size)), nil
	}
	return wire.Value{}, fmt.Errorf("%w: unknown CBOR tag %d", ErrMalformed, tag.Number)
}

func (s *liftState) closeAll() {
	for _, file := range s.files {
		file.Close()
	}
}

func (s *liftState) closeUnclaimed() {
	for index, file := range s.files {
		if !s.claimed[index] {
			file.Close()
		}
	}
}
