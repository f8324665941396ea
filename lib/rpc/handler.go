// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bureau-foundation/localrpc/lib/attest"
	"github.com/bureau-foundation/localrpc/lib/route"
	"github.com/bureau-foundation/localrpc/lib/serial"
	"github.com/bureau-foundation/localrpc/lib/wire"
)

// Shape is the request/reply form of a handler.
type Shape int

const (
	ShapeNone         Shape = iota // no request, no reply value
	ShapeReply                     // no request, reply value
	ShapeRequest                   // request, no reply value
	ShapeRequestReply              // request and reply values
	ShapeStream                    // request, sequence of reply values
)

var shapeNames = [...]string{"none", "reply", "request", "request-reply", "stream"}

func (s Shape) String() string {
	if int(s) < len(shapeNames) {
		return shapeNames[s]
	}
	return fmt.Sprintf("Shape(%d)", int(s))
}

// handler is one registration: its shape, declared errors, and a
// type-erased entry point that decodes the request, runs the
// application function, and sends the outcome through the responder.
type handler struct {
	shape  Shape
	errors []ErrorType
	invoke func(ctx context.Context, request *inbound, respond *responder)
}

// inbound is an authenticated, routed request.
type inbound struct {
	route      route.Route
	payload    wire.Value
	hasPayload bool
}

type claimKey struct{}

// ClaimFromContext returns the attested identity of the caller whose
// request a handler is serving.
func ClaimFromContext(ctx context.Context) (attest.Claim, bool) {
	claim, ok := ctx.Value(claimKey{}).(attest.Claim)
	return claim, ok
}

func decodeRequest[Req any](request *inbound) (Req, error) {
	var decoded Req
	if !request.hasPayload {
		// Absence decodes to the zero value, the same as null.
		return decoded, nil
	}
	err := serial.Unmarshal(request.payload, &decoded)
	return decoded, err
}

func bind(r route.Route, request, reply string, streaming bool, declared []ErrorType) route.Route {
	bound, err := callRoute(r, request, reply, streaming, declared)
	if err != nil {
		panic(err)
	}
	return bound
}

// Handle registers fn for a route that takes no request and replies
// with no value. A later registration of an identical route replaces
// an earlier one. Panics if the route is invalid.
func Handle(s *Server, r route.Route, fn func(ctx context.Context) error, declared ...ErrorType) {
	s.register(bind(r, "", "", false, declared), &handler{
		shape:  ShapeNone,
		errors: declared,
		invoke: func(ctx context.Context, _ *inbound, respond *responder) {
			respond.finish(nil, fn(ctx))
		},
	})
}

// HandleFetch registers fn for a route that takes no request and
// replies with a Rep.
func HandleFetch[Rep any](s *Server, r route.Route, fn func(ctx context.Context) (Rep, error), declared ...ErrorType) {
	s.register(bind(r, "", route.TypeName[Rep](), false, declared), &handler{
		shape:  ShapeReply,
		errors: declared,
		invoke: func(ctx context.Context, _ *inbound, respond *responder) {
			reply, err := fn(ctx)
			respond.finish(reply, err)
		},
	})
}

// HandleSend registers fn for a route that takes a Req and replies
// with no value. Notify calls reach the same registration.
func HandleSend[Req any](s *Server, r route.Route, fn func(ctx context.Context, request Req) error, declared ...ErrorType) {
	s.register(bind(r, route.TypeName[Req](), "", false, declared), &handler{
		shape:  ShapeRequest,
		errors: declared,
		invoke: func(ctx context.Context, request *inbound, respond *responder) {
			decoded, err := decodeRequest[Req](request)
			if err != nil {
				respond.rejectRequest(err)
				return
			}
			respond.finish(nil, fn(ctx, decoded))
		},
	})
}

// HandleCall registers fn for a route that takes a Req and replies
// with a Rep.
func HandleCall[Req, Rep any](s *Server, r route.Route, fn func(ctx context.Context, request Req) (Rep, error), declared ...ErrorType) {
	s.register(bind(r, route.TypeName[Req](), route.TypeName[Rep](), false, declared), &handler{
		shape:  ShapeRequestReply,
		errors: declared,
		invoke: func(ctx context.Context, request *inbound, respond *responder) {
			decoded, err := decodeRequest[Req](request)
			if err != nil {
				respond.rejectRequest(err)
				return
			}
			reply, err := fn(ctx, decoded)
			respond.finish(reply, err)
		},
	})
}

// HandleStream registers fn for a streaming route: it takes a Req and
// replies with any number of Rep values followed by one terminal
// outcome. Each Send is delivered immediately and in order. If fn
// returns without finishing the stream, its return value finishes it.
func HandleStream[Req, Rep any](s *Server, r route.Route, fn func(ctx context.Context, request Req, stream *Stream[Rep]) error, declared ...ErrorType) {
	s.register(bind(r, route.TypeName[Req](), route.TypeName[Rep](), true, declared), &handler{
		shape:  ShapeStream,
		errors: declared,
		invoke: func(ctx context.Context, request *inbound, respond *responder) {
			decoded, err := decodeRequest[Req](request)
			if err != nil {
				respond.rejectRequest(err)
				return
			}
			stream := &Stream[Rep]{respond: respond}
			err = fn(ctx, decoded, stream)
			if respond.isFinished() {
				if err != nil {
					respond.misuse(fmt.Errorf("handler returned %w after finishing its stream", err))
				}
				return
			}
			respond.finish(nil, err)
		},
	})
}

// Stream is the reply side of a streaming route.
type Stream[T any] struct {
	respond *responder
}

// Send delivers one value to the caller. After Finish or Fail it
// returns ErrStreamClosed and the value is dropped.
func (s *Stream[T]) Send(value T) error {
	return s.respond.partial(value)
}

// Finish ends the stream successfully.
func (s *Stream[T]) Finish() error {
	return s.respond.terminate(nil)
}

// Fail ends the stream with err, which reaches the caller the same
// way a handler's returned error does.
func (s *Stream[T]) Fail(err error) error {
	if err == nil {
		err = errors.New("stream failed")
	}
	return s.respond.terminate(err)
}

// responder sends the replies to one request and enforces that exactly
// one terminal message is sent.
type responder struct {
	conn     *serverConn
	route    route.Route
	declared []ErrorType
	claim    attest.Claim

	// id is the caller's request id. Without one the caller expects
	// nothing and replies are discarded.
	id        uint64
	replyable bool

	mu       sync.Mutex
	finished bool
}

func (r *responder) isFinished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished
}

// claimFinish marks the responder finished, reporting whether this
// call was the one that did.
func (r *responder) claimFinish() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return false
	}
	r.finished = true
	return true
}

func (r *responder) terminalPhase() phase {
	if r.route.Streaming {
		return phaseFinished
	}
	return phaseReply
}

// finish sends the single terminal reply: reply on success (nil for
// no value), or the failure for err.
func (r *responder) finish(reply any, err error) {
	if !r.claimFinish() {
		return
	}
	if err != nil {
		r.conn.server.logger.Debug("handler failed",
			"route", r.route.String(),
			"error", err,
		)
		r.sendFailure(encodeFailure(err, r.declared))
		return
	}
	response := envelope{phase: r.terminalPhase()}
	if reply != nil {
		encoded, marshalErr := serial.Marshal(reply)
		if marshalErr != nil {
			r.conn.server.reporter.report(Diagnostic{
				Kind: DiagnosticReplyEncoding, Route: r.route, Claim: &r.claim, Err: marshalErr,
			})
			r.sendFailure(&failure{Kind: failureOpaque})
			return
		}
		response.setPayload(encoded)
	}
	if err := r.send(response); errors.Is(err, errReplyEncoding) {
		r.conn.server.reporter.report(Diagnostic{
			Kind: DiagnosticReplyEncoding, Route: r.route, Claim: &r.claim, Err: err,
		})
		r.sendFailure(&failure{Kind: failureOpaque})
	}
}

func (r *responder) terminate(err error) error {
	if !r.claimFinish() {
		r.misuse(ErrStreamClosed)
		return ErrStreamClosed
	}
	if err != nil {
		return r.sendFailure(encodeFailure(err, r.declared))
	}
	return r.send(envelope{phase: phaseFinished})
}

func (r *responder) partial(value any) error {
	// Holding the lock across the send keeps partials ordered before
	// the terminal message and serializes concurrent Send calls.
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		r.misuse(ErrStreamClosed)
		return ErrStreamClosed
	}
	encoded, err := serial.Marshal(value)
	if err != nil {
		return err
	}
	response := envelope{phase: phasePartial}
	response.setPayload(encoded)
	return r.send(response)
}

// rejectRequest answers a request whose payload did not decode.
func (r *responder) rejectRequest(err error) {
	if !r.claimFinish() {
		return
	}
	r.conn.server.logger.Debug("request payload did not decode",
		"route", r.route.String(),
		"error", err,
	)
	r.sendFailure(&failure{Kind: failureRequest, Message: err.Error()})
}

// recovered converts a handler panic into an opaque failure.
func (r *responder) recovered(value any) {
	r.conn.server.reporter.report(Diagnostic{
		Kind: DiagnosticPanic, Route: r.route, Claim: &r.claim, Err: fmt.Errorf("handler panic: %v", value),
	})
	if r.claimFinish() {
		r.sendFailure(&failure{Kind: failureOpaque})
	}
}

func (r *responder) misuse(err error) {
	r.conn.server.reporter.report(Diagnostic{
		Kind: DiagnosticStreamMisuse, Route: r.route, Claim: &r.claim, Err: err,
	})
}

func (r *responder) sendFailure(carried *failure) error {
	return r.send(envelope{phase: r.terminalPhase(), failure: carried})
}

func (r *responder) send(response envelope) error {
	if !r.replyable {
		response.payload.CloseHandles()
		return nil
	}
	response.setID(r.id)
	return r.conn.send(response, r.route)
}
