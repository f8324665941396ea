// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package serial

import (
	"errors"
	"slices"
	"strconv"
	"strings"
)

// Failure classes. Every *Error unwraps to exactly one of these.
var (
	// ErrTypeMismatch means the wire value's kind cannot decode into
	// the requested Go type.
	ErrTypeMismatch = errors.New("type mismatch")

	// ErrMissing means an expected field or element is absent.
	ErrMissing = errors.New("missing value")

	// ErrMalformed means the value is present but cannot be parsed:
	// a packed array whose length is not a multiple of the element
	// width, a read past the end of an ordered container, invalid
	// UTF-8 in a string.
	ErrMalformed = errors.New("malformed value")

	// ErrRange means a number does not fit the destination type.
	ErrRange = errors.New("value out of range")

	// ErrUnsupported means the Go type has no wire representation
	// (channels, functions, complex numbers, non-pointer Unmarshal
	// targets).
	ErrUnsupported = errors.New("unsupported type")
)

// PathElement is one step in a FieldPath: a map key or an element
// index.
type PathElement struct {
	Key     string
	Index   int
	IsIndex bool
}

// FieldPath is the sequence of keys and indices from the root of a
// value to the point where an encoder or decoder is working. It exists
// for diagnostics only.
type FieldPath []PathElement

// Key returns the path extended with a map key. The receiver is not
// modified.
func (p FieldPath) Key(key string) FieldPath {
	return append(slices.Clip(p), PathElement{Key: key})
}

// Index returns the path extended with an element index.
func (p FieldPath) Index(index int) FieldPath {
	return append(slices.Clip(p), PathElement{Index: index, IsIndex: true})
}

// String renders the path as "a.b[3].c". The root path renders as
// "<root>".
func (p FieldPath) String() string {
	if len(p) == 0 {
		return "<root>"
	}
	var builder strings.Builder
	for position, element := range p {
		if element.IsIndex {
			builder.WriteByte('[')
			builder.WriteString(strconv.Itoa(element.Index))
			builder.WriteByte(']')
			continue
		}
		if position > 0 {
			builder.WriteByte('.')
		}
		builder.WriteString(element.Key)
	}
	return builder.String()
}

// Error is a serialization failure at a specific point in a value.
type Error struct {
	// Path locates the failing value.
	Path FieldPath

	// Class is one of the package's sentinel errors. Nil when the
	// error came from a Marshaler or Unmarshaler and was only
	// annotated with its path.
	Class error

	// Detail describes the failure in human terms.
	Detail string

	// Err is an underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	var builder strings.Builder
	builder.WriteString("serial: ")
	builder.WriteString(e.Path.String())
	if e.Class != nil {
		builder.WriteString(": ")
		builder.WriteString(e.Class.Error())
	}
	if e.Detail != "" {
		builder.WriteString(": ")
		builder.WriteString(e.Detail)
	}
	if e.Err != nil {
		builder.WriteString(": ")
		builder.WriteString(e.Err.Error())
	}
	return builder.String()
}

// Unwrap exposes both the class and the cause to errors.Is and
// errors.As.
func (e *Error) Unwrap() []error {
	var wrapped []error
	if e.Class != nil {
		wrapped = append(wrapped, e.Class)
	}
	if e.Err != nil {
		wrapped = append(wrapped, e.Err)
	}
	return wrapped
}

func newError(path FieldPath, class error, detail string) *Error {
	return &Error{Path: path, Class: class, Detail: detail}
}

// annotate attaches a path to an error returned by user code. Errors
// that already carry a path are returned unchanged so the innermost
// location wins.
func annotate(path FieldPath, err error) error {
	if err == nil {
		return nil
	}
	var serialError *Error
	if errors.As(err, &serialError) {
		return err
	}
	return &Error{Path: path, Err: err}
}
