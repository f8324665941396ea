// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"fmt"
	"io"
	"iter"
	"sync"

	"github.com/bureau-foundation/localrpc/lib/route"
	"github.com/bureau-foundation/localrpc/lib/serial"
	"github.com/bureau-foundation/localrpc/lib/wire"
)

// Each call function completes the route with the request and reply
// type names, the streaming flag, and the declared errors, exactly as
// the matching Handle function does on the server. A call reaches a
// handler only when both sides agree on the types; otherwise the
// caller gets a *RouteError. Declared errors may differ: an error the
// caller did not declare arrives as ErrOpaque.

// callRoute is the client-side counterpart of bind.
func callRoute(r route.Route, request, reply string, streaming bool, declared []ErrorType) (route.Route, error) {
	r = r.WithRequest(request).WithReply(reply).WithErrors(errorTypeNames(declared)...)
	if streaming {
		r = r.WithStreaming()
	}
	if err := r.Validate(); err != nil {
		return route.Route{}, fmt.Errorf("rpc: %w", err)
	}
	return r, nil
}

func marshalRequest[Req any](request Req) (*wire.Value, error) {
	encoded, err := serial.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("rpc: encoding request: %w", err)
	}
	return &encoded, nil
}

// await waits for the single reply to a non-streaming call and decodes
// it into reply, which may be nil when no value is expected.
func await(ctx context.Context, slot *pending, called route.Route, declared []ErrorType, reply any) error {
	received, err := slot.next(ctx)
	if err != nil {
		slot.abandon()
		return err
	}
	defer received.message.CloseHandles()

	if received.envelope.failure != nil {
		return decodeFailure(received.envelope.failure, called, declared)
	}
	if received.envelope.phase != phaseReply {
		return fmt.Errorf("rpc: %w: %q reply to a non-streaming call", serial.ErrMalformed, received.envelope.phase)
	}
	if reply == nil || !received.envelope.hasPayload {
		return nil
	}
	if err := serial.Unmarshal(received.envelope.payload, reply); err != nil {
		return fmt.Errorf("rpc: decoding reply: %w", err)
	}
	return nil
}

func checkContext(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// Invoke calls a route that takes no request and replies with no
// value.
func Invoke(ctx context.Context, c *Client, r route.Route, declared ...ErrorType) error {
	called, err := callRoute(r, "", "", false, declared)
	if err != nil {
		return err
	}
	if err := checkContext(ctx); err != nil {
		return err
	}
	slot, err := c.start(called, nil, true)
	if err != nil {
		return err
	}
	return await(ctx, slot, called, declared, nil)
}

// Fetch calls a route that takes no request and replies with a Rep.
func Fetch[Rep any](ctx context.Context, c *Client, r route.Route, declared ...ErrorType) (Rep, error) {
	var reply Rep
	called, err := callRoute(r, "", route.TypeName[Rep](), false, declared)
	if err != nil {
		return reply, err
	}
	if err := checkContext(ctx); err != nil {
		return reply, err
	}
	slot, err := c.start(called, nil, true)
	if err != nil {
		return reply, err
	}
	err = await(ctx, slot, called, declared, &reply)
	return reply, err
}

// Send calls a route that takes a Req and replies with no value. It
// returns once the handler has finished.
func Send[Req any](ctx context.Context, c *Client, r route.Route, request Req, declared ...ErrorType) error {
	called, err := callRoute(r, route.TypeName[Req](), "", false, declared)
	if err != nil {
		return err
	}
	if err := checkContext(ctx); err != nil {
		return err
	}
	payload, err := marshalRequest(request)
	if err != nil {
		return err
	}
	slot, err := c.start(called, payload, true)
	if err != nil {
		return err
	}
	return await(ctx, slot, called, declared, nil)
}

// Call calls a route that takes a Req and replies with a Rep.
func Call[Req, Rep any](ctx context.Context, c *Client, r route.Route, request Req, declared ...ErrorType) (Rep, error) {
	var reply Rep
	called, err := callRoute(r, route.TypeName[Req](), route.TypeName[Rep](), false, declared)
	if err != nil {
		return reply, err
	}
	if err := checkContext(ctx); err != nil {
		return reply, err
	}
	payload, err := marshalRequest(request)
	if err != nil {
		return reply, err
	}
	slot, err := c.start(called, payload, true)
	if err != nil {
		return reply, err
	}
	err = await(ctx, slot, called, declared, &reply)
	return reply, err
}

// Notify sends a Req to a route registered with HandleSend and does
// not wait. The server sends nothing back, so a nil error only means
// the message was handed to the kernel: routing and handler failures
// are never observed.
func Notify[Req any](ctx context.Context, c *Client, r route.Route, request Req) error {
	called, err := callRoute(r, route.TypeName[Req](), "", false, nil)
	if err != nil {
		return err
	}
	if err := checkContext(ctx); err != nil {
		return err
	}
	payload, err := marshalRequest(request)
	if err != nil {
		return err
	}
	_, err = c.start(called, payload, false)
	return err
}

// Subscribe calls a streaming route and returns the sequence of its
// replies. The caller must drain or Close the sequence.
func Subscribe[Req, Rep any](ctx context.Context, c *Client, r route.Route, request Req, declared ...ErrorType) (*Sequence[Rep], error) {
	called, err := callRoute(r, route.TypeName[Req](), route.TypeName[Rep](), true, declared)
	if err != nil {
		return nil, err
	}
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	payload, err := marshalRequest(request)
	if err != nil {
		return nil, err
	}
	slot, err := c.start(called, payload, true)
	if err != nil {
		return nil, err
	}
	return &Sequence[Rep]{route: called, declared: declared, slot: slot}, nil
}

// Sequence is the client side of a streaming call. Values arrive in
// the order the handler sent them. Next returns io.EOF after a
// successful finish, or the stream's failure after a failed one.
type Sequence[T any] struct {
	route    route.Route
	declared []ErrorType
	slot     *pending

	mu   sync.Mutex
	done bool
	err  error
}

// Next waits for the next value. A context error leaves the sequence
// open; any other error ends it and is returned again by every later
// call.
func (s *Sequence[T]) Next(ctx context.Context) (T, error) {
	var value T
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return value, s.err
	}

	received, err := s.slot.next(ctx)
	if err != nil {
		if ctx.Err() != nil && err == ctx.Err() {
			return value, err
		}
		return value, s.end(err)
	}
	defer received.message.CloseHandles()

	switch {
	case received.envelope.failure != nil:
		return value, s.end(decodeFailure(received.envelope.failure, s.route, s.declared))
	case received.envelope.phase == phaseFinished:
		return value, s.end(io.EOF)
	case received.envelope.phase != phasePartial:
		return value, s.end(fmt.Errorf("rpc: %w: %q reply on a stream", serial.ErrMalformed, received.envelope.phase))
	}
	if !received.envelope.hasPayload {
		return value, nil
	}
	if err := serial.Unmarshal(received.envelope.payload, &value); err != nil {
		return value, fmt.Errorf("rpc: decoding stream element: %w", err)
	}
	return value, nil
}

func (s *Sequence[T]) end(err error) error {
	s.done = true
	s.err = err
	s.slot.abandon()
	return err
}

// All iterates over the remaining values. Iteration stops after the
// first error, which is yielded with a zero value; a successful finish
// ends iteration without one. Breaking out of the loop closes the
// sequence.
func (s *Sequence[T]) All(ctx context.Context) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for {
			value, err := s.Next(ctx)
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(value, err)
				return
			}
			if !yield(value, nil) {
				s.Close()
				return
			}
		}
	}
}

// Close abandons the sequence and wakes a blocked Next, which returns
// ErrCancelled. Values the server still sends are discarded; the
// handler is not told.
func (s *Sequence[T]) Close() {
	s.slot.fail(ErrCancelled)
	s.slot.abandon()
}
