// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package route defines route identities and the exact-match table a
// server dispatches through.
//
// A route is pure data: an ordered path plus the type names of its
// request and reply, the declared error types, and whether the reply
// is a stream. Two routes are the same route when their [Key]s are
// equal. The declared error types are informational and not part of
// the key, so registering a route that differs from an existing one
// only in its errors replaces it.
package route

import (
	"fmt"
	"reflect"
	"slices"
	"strconv"
	"strings"

	"github.com/bureau-foundation/localrpc/lib/serial"
)

// Route identifies one remotely callable operation.
type Route struct {
	// Path is the ordered list of segments naming the operation,
	// e.g. ["storage", "get"]. Segments may contain any characters.
	Path []string

	// Request is the type name of the request payload, or empty for
	// routes that take no request.
	Request string

	// Reply is the type name of the reply payload, or empty for
	// routes that produce no value. For streaming routes it names
	// the element type.
	Reply string

	// Errors lists the type names of the application errors the
	// handler declares. Not part of the route's identity.
	Errors []string

	// Streaming marks a route whose reply is a sequence of values
	// followed by one terminal outcome.
	Streaming bool
}

// New returns a route with the given path and no request, reply, or
// declared errors.
func New(path ...string) Route {
	return Route{Path: slices.Clone(path)}
}

// WithRequest returns a copy of r whose request type is name.
func (r Route) WithRequest(name string) Route {
	r = r.Clone()
	r.Request = name
	return r
}

// WithReply returns a copy of r whose reply type is name.
func (r Route) WithReply(name string) Route {
	r = r.Clone()
	r.Reply = name
	return r
}

// WithErrors returns a copy of r declaring the given error types.
func (r Route) WithErrors(names ...string) Route {
	r = r.Clone()
	r.Errors = slices.Clone(names)
	return r
}

// WithStreaming returns a copy of r marked as streaming.
func (r Route) WithStreaming() Route {
	r = r.Clone()
	r.Streaming = true
	return r
}

// Clone returns a deep copy of r.
func (r Route) Clone() Route {
	r.Path = slices.Clone(r.Path)
	r.Errors = slices.Clone(r.Errors)
	return r
}

// Validate checks that r can be registered or called.
func (r Route) Validate() error {
	if len(r.Path) == 0 {
		return fmt.Errorf("route has an empty path")
	}
	for index, segment := range r.Path {
		if segment == "" {
			return fmt.Errorf("route %s: path segment %d is empty", r, index)
		}
	}
	if r.Streaming && r.Reply == "" {
		return fmt.Errorf("route %s: streaming routes need an element type", r)
	}
	return nil
}

// Key is the comparable identity of a route: path, request type, reply
// type, and streaming flag. It is usable as a map key.
type Key struct {
	path      string
	request   string
	reply     string
	streaming bool
}

// Key returns r's identity.
func (r Route) Key() Key {
	return Key{
		path:      encodePath(r.Path),
		request:   r.Request,
		reply:     r.Reply,
		streaming: r.Streaming,
	}
}

// encodePath joins segments with length prefixes so that no two
// different paths collide, whatever characters the segments contain.
func encodePath(segments []string) string {
	var builder strings.Builder
	for _, segment := range segments {
		builder.WriteString(strconv.Itoa(len(segment)))
		builder.WriteByte(':')
		builder.WriteString(segment)
	}
	return builder.String()
}

// String renders the route for logs and diagnostics, e.g.
// "storage/get(example.com/kv.Key) -> example.com/kv.Entry" or
// "events/watch(example.com/kv.Filter) -> stream example.com/kv.Event".
func (r Route) String() string {
	var builder strings.Builder
	builder.WriteString(strings.Join(r.Path, "/"))
	builder.WriteByte('(')
	builder.WriteString(r.Request)
	builder.WriteByte(')')
	if r.Reply != "" {
		builder.WriteString(" -> ")
		if r.Streaming {
			builder.WriteString("stream ")
		}
		builder.WriteString(r.Reply)
	}
	if len(r.Errors) > 0 {
		builder.WriteString(" throws ")
		builder.WriteString(strings.Join(r.Errors, ", "))
	}
	return builder.String()
}

// MarshalWire encodes the route signature as it appears in a request
// envelope.
func (r Route) MarshalWire(encoder *serial.Encoder) error {
	keyed := encoder.Keyed()
	path := keyed.NestedOrdered("path")
	for _, segment := range r.Path {
		if err := path.Encode(segment); err != nil {
			return err
		}
	}
	if r.Request != "" {
		if err := keyed.Encode("request", r.Request); err != nil {
			return err
		}
	}
	if r.Reply != "" {
		if err := keyed.Encode("reply", r.Reply); err != nil {
			return err
		}
	}
	if len(r.Errors) > 0 {
		if err := keyed.Encode("errors", r.Errors); err != nil {
			return err
		}
	}
	if r.Streaming {
		return keyed.Encode("streaming", true)
	}
	return nil
}

// UnmarshalWire decodes a route signature from a request envelope.
func (r *Route) UnmarshalWire(decoder *serial.Decoder) error {
	keyed, err := decoder.Keyed()
	if err != nil {
		return err
	}
	var decoded Route
	if err := keyed.Decode("path", &decoded.Path); err != nil {
		return err
	}
	if _, err := keyed.DecodeOptional("request", &decoded.Request); err != nil {
		return err
	}
	if _, err := keyed.DecodeOptional("reply", &decoded.Reply); err != nil {
		return err
	}
	if _, err := keyed.DecodeOptional("errors", &decoded.Errors); err != nil {
		return err
	}
	if _, err := keyed.DecodeOptional("streaming", &decoded.Streaming); err != nil {
		return err
	}
	*r = decoded
	return nil
}

// Namer lets a type choose its own wire type name instead of the
// reflected package path and name. The method is called on the zero
// value and must not depend on the receiver.
type Namer interface {
	WireTypeName() string
}

// TypeName returns the stable name used for T in route signatures:
// the WireTypeName override if T has one, otherwise the package path
// and name for named types (example.com/pkg.Type), the predeclared
// name for builtins (int64, string), and a composite name for
// unnamed types ([]example.com/pkg.Item, map[string]int64).
func TypeName[T any]() string {
	var zero T
	if namer, ok := any(zero).(Namer); ok {
		return namer.WireTypeName()
	}
	if namer, ok := any(&zero).(Namer); ok {
		return namer.WireTypeName()
	}
	return typeName(reflect.TypeFor[T]())
}

func typeName(t reflect.Type) string {
	if t.Name() != "" {
		if t.PkgPath() != "" {
			return t.PkgPath() + "." + t.Name()
		}
		return t.Name()
	}
	switch t.Kind() {
	case reflect.Pointer:
		return "*" + typeName(t.Elem())
	case reflect.Slice:
		return "[]" + typeName(t.Elem())
	case reflect.Array:
		return "[" + strconv.Itoa(t.Len()) + "]" + typeName(t.Elem())
	case reflect.Map:
		return "map[" + typeName(t.Key()) + "]" + typeName(t.Elem())
	}
	return t.String()
}
