// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"fmt"

	"github.com/bureau-foundation/localrpc/lib/route"
	"github.com/bureau-foundation/localrpc/lib/serial"
	"github.com/bureau-foundation/localrpc/lib/wire"
)

// Reserved envelope keys. Every message is a map; application data
// only ever appears under keyPayload, so these cannot collide with
// application field names.
const (
	keyRoute   = "localrpc.route"
	keyID      = "localrpc.id"
	keyPhase   = "localrpc.phase"
	keyPayload = "localrpc.payload"
	keyError   = "localrpc.error"
	keyEvent   = "localrpc.event"
)

// phase distinguishes the replies a request can receive.
type phase string

const (
	// phaseReply is the single reply to a non-streaming request.
	phaseReply phase = "reply"

	// phasePartial carries one element of a stream.
	phasePartial phase = "partial"

	// phaseFinished terminates a stream, successfully or with a
	// failure.
	phaseFinished phase = "finished"
)

// eventTerminating tells peers the server is shutting down.
const eventTerminating = "terminating"

// Failure kinds carried in the error envelope.
const (
	failureRouting     = "routing"
	failureApplication = "application"
	failureOpaque      = "opaque"
	failureRequest     = "request"
)

// failure is the error envelope.
type failure struct {
	Kind    string     `wire:"kind"`
	Type    string     `wire:"type,omitempty"`
	Message string     `wire:"message,omitempty"`
	Value   wire.Value `wire:"value,optional"`
}

// envelope is the decoded form of one message: a request, a reply, or
// a connection event.
type envelope struct {
	route *route.Route

	id    uint64
	hasID bool

	phase phase

	payload    wire.Value
	hasPayload bool

	failure *failure

	event string
}

func (e *envelope) setPayload(payload wire.Value) {
	e.payload = payload
	e.hasPayload = true
}

func (e *envelope) setID(id uint64) {
	e.id = id
	e.hasID = true
}

// isTerminal reports whether a reply ends its request.
func (e *envelope) isTerminal() bool {
	return e.phase != phasePartial || e.failure != nil
}

func (e *envelope) value() (wire.Value, error) {
	fields := make(map[string]wire.Value, 4)
	if e.route != nil {
		encoded, err := serial.Marshal(*e.route)
		if err != nil {
			return wire.Value{}, fmt.Errorf("encoding route: %w", err)
		}
		fields[keyRoute] = encoded
	}
	if e.hasID {
		fields[keyID] = wire.Uint(e.id)
	}
	if e.phase != "" {
		fields[keyPhase] = wire.String(string(e.phase))
	}
	if e.hasPayload {
		fields[keyPayload] = e.payload
	}
	if e.failure != nil {
		encoded, err := serial.Marshal(e.failure)
		if err != nil {
			return wire.Value{}, fmt.Errorf("encoding failure: %w", err)
		}
		fields[keyError] = encoded
	}
	if e.event != "" {
		fields[keyEvent] = wire.String(e.event)
	}
	return wire.OwnMap(fields), nil
}

// parseEnvelope reads the reserved keys of a message. Handles stay in
// the original value; the payload shares them.
func parseEnvelope(message wire.Value) (envelope, error) {
	keyed, err := serial.NewDecoder(message).Keyed()
	if err != nil {
		return envelope{}, fmt.Errorf("message is not an envelope: %w", err)
	}

	var parsed envelope
	if keyed.Has(keyRoute) {
		var decoded route.Route
		if err := keyed.Decode(keyRoute, &decoded); err != nil {
			return envelope{}, err
		}
		parsed.route = &decoded
	}
	var id uint64
	if parsed.hasID, err = keyed.DecodeOptional(keyID, &id); err != nil {
		return envelope{}, err
	}
	parsed.id = id
	var phaseName string
	if _, err := keyed.DecodeOptional(keyPhase, &phaseName); err != nil {
		return envelope{}, err
	}
	parsed.phase = phase(phaseName)
	switch parsed.phase {
	case "", phaseReply, phasePartial, phaseFinished:
	default:
		return envelope{}, fmt.Errorf("%w: unknown reply phase %q", serial.ErrMalformed, phaseName)
	}
	if payload, ok := keyed.Value(keyPayload); ok {
		parsed.setPayload(payload)
	}
	if keyed.Has(keyError) && !keyed.IsNull(keyError) {
		var decoded failure
		if err := keyed.Decode(keyError, &decoded); err != nil {
			return envelope{}, err
		}
		parsed.failure = &decoded
	}
	if _, err := keyed.DecodeOptional(keyEvent, &parsed.event); err != nil {
		return envelope{}, err
	}
	return parsed, nil
}
