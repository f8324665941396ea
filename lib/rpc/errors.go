// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bureau-foundation/localrpc/lib/route"
	"github.com/bureau-foundation/localrpc/lib/serial"
	"github.com/bureau-foundation/localrpc/lib/wire"
)

// Transport outcomes. A client reports these when the peer could not
// be reached or went away; they say nothing about whether a handler
// ran.
var (
	// ErrConnectionInvalid means no connection could be established:
	// the named service is not listening, or an anonymous endpoint's
	// server is gone. For endpoint clients it is permanent.
	ErrConnectionInvalid = errors.New("rpc: connection invalid")

	// ErrConnectionInterrupted means the connection broke while a call
	// was in flight. A named-service client redials on its next call.
	ErrConnectionInterrupted = errors.New("rpc: connection interrupted")

	// ErrTerminationImminent means the server announced it is shutting
	// down.
	ErrTerminationImminent = errors.New("rpc: server is terminating")

	// ErrCancelled means the client was closed while the call or
	// sequence was in flight.
	ErrCancelled = errors.New("rpc: client closed")

	// ErrOpaque is what a HandlerError unwraps to when the handler's
	// error could not be carried across: its type was not declared on
	// the route, or it did not serialize.
	ErrOpaque = errors.New("rpc: handler failed without detail")

	// ErrStreamClosed is returned by Stream methods after the stream
	// has been finished or failed.
	ErrStreamClosed = errors.New("rpc: stream already finished")
)

// RouteError reports that the server has no handler for the route.
// Route existence is not secret once a caller has authenticated, so
// the server tells the caller rather than staying silent.
type RouteError struct {
	Route route.Route
}

func (e *RouteError) Error() string {
	return "rpc: route not registered: " + e.Route.String()
}

// HandlerError reports that the handler ran and failed.
type HandlerError struct {
	Route route.Route

	// Type is the wire type name of the declared error, or empty for
	// an opaque failure.
	Type string

	// Message is the handler error's text, when the server sent one.
	Message string

	// Err is the decoded declared error, or ErrOpaque.
	Err error
}

func (e *HandlerError) Error() string {
	var builder strings.Builder
	builder.WriteString("rpc: ")
	builder.WriteString(strings.Join(e.Route.Path, "/"))
	builder.WriteString(" failed")
	if e.Message != "" {
		builder.WriteString(": ")
		builder.WriteString(e.Message)
	} else if errors.Is(e.Err, ErrOpaque) {
		builder.WriteString(" without detail")
	}
	return builder.String()
}

func (e *HandlerError) Unwrap() error { return e.Err }

// RequestError reports that the server could not decode the request
// payload. It indicates mismatched type definitions between the two
// processes.
type RequestError struct {
	Route   route.Route
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("rpc: server rejected request for %s: %s", strings.Join(e.Route.Path, "/"), e.Message)
}

// Unwrap lets errors.Is(err, serial.ErrMalformed) match.
func (e *RequestError) Unwrap() error { return serial.ErrMalformed }

// ErrorType declares an application error type a route may return.
// Servers use it to serialize matching errors; clients use it to
// rebuild them. Construct with Throws.
type ErrorType struct {
	name    string
	extract func(error) (any, bool)
	rebuild func(wire.Value) (error, error)
}

// Name returns the wire type name of the declared error.
func (t ErrorType) Name() string { return t.name }

// Throws declares E as an error type of a route. A handler error
// matching E (per errors.As) reaches the caller as a HandlerError that
// unwraps to a decoded E. E must be serializable.
//
//	rpc.HandleCall(server, route.New("kv", "get"), get, rpc.Throws[*NotFoundError]())
//	_, err := rpc.Call[Key, Entry](ctx, client, route.New("kv", "get"), key, rpc.Throws[*NotFoundError]())
//	var notFound *NotFoundError
//	if errors.As(err, &notFound) { ... }
func Throws[E error]() ErrorType {
	return ErrorType{
		name: route.TypeName[E](),
		extract: func(err error) (any, bool) {
			var target E
			if errors.As(err, &target) {
				return target, true
			}
			return nil, false
		},
		rebuild: func(value wire.Value) (error, error) {
			decoded, err := serial.Decode[E](value)
			if err != nil {
				return nil, err
			}
			return decoded, nil
		},
	}
}

func errorTypeNames(types []ErrorType) []string {
	if len(types) == 0 {
		return nil
	}
	names := make([]string, len(types))
	for index, declared := range types {
		names[index] = declared.name
	}
	return names
}

// encodeFailure turns a handler error into an error envelope. An error
// matching a declared type is carried with its value; anything else
// becomes opaque.
func encodeFailure(err error, declared []ErrorType) *failure {
	for _, errorType := range declared {
		matched, ok := errorType.extract(err)
		if !ok {
			continue
		}
		value, marshalErr := serial.Marshal(matched)
		if marshalErr != nil {
			break
		}
		return &failure{
			Kind:    failureApplication,
			Type:    errorType.name,
			Message: err.Error(),
			Value:   value,
		}
	}
	return &failure{Kind: failureOpaque}
}

// decodeFailure turns an error envelope received by a client into the
// error the caller sees.
func decodeFailure(received *failure, called route.Route, declared []ErrorType) error {
	switch received.Kind {
	case failureRouting:
		return &RouteError{Route: called}
	case failureRequest:
		return &RequestError{Route: called, Message: received.Message}
	case failureApplication:
		handlerError := &HandlerError{
			Route:   called,
			Type:    received.Type,
			Message: received.Message,
			Err:     ErrOpaque,
		}
		for _, errorType := range declared {
			if errorType.name != received.Type {
				continue
			}
			if rebuilt, err := errorType.rebuild(received.Value); err == nil {
				handlerError.Err = rebuilt
			}
			break
		}
		return handlerError
	default:
		return &HandlerError{Route: called, Err: ErrOpaque}
	}
}
