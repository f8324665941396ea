// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/bureau-foundation/localrpc/lib/attest"
	"github.com/bureau-foundation/localrpc/lib/codec"
	"github.com/bureau-foundation/localrpc/lib/route"
	"github.com/bureau-foundation/localrpc/lib/transport"
)

// QueueMode selects how a server runs handlers.
type QueueMode int

const (
	// QueueConcurrent runs each request on its own goroutine, bounded
	// by Options.MaxConcurrent when that is positive.
	QueueConcurrent QueueMode = iota

	// QueueSerial runs one handler at a time, in arrival order across
	// all connections. A handler that waits on a call back into the
	// same server never completes.
	QueueSerial
)

func (m QueueMode) String() string {
	switch m {
	case QueueConcurrent:
		return "concurrent"
	case QueueSerial:
		return "serial"
	default:
		return fmt.Sprintf("QueueMode(%d)", int(m))
	}
}

// ParseQueueMode parses "concurrent" or "serial". The empty string is
// concurrent.
func ParseQueueMode(name string) (QueueMode, error) {
	switch name {
	case "", "concurrent":
		return QueueConcurrent, nil
	case "serial":
		return QueueSerial, nil
	default:
		return 0, fmt.Errorf("unknown queue mode %q (want concurrent or serial)", name)
	}
}

// Options configures a Server.
type Options struct {
	// Requirements decide which callers are served. A message whose
	// sender satisfies none of them is dropped without a reply. An
	// empty set accepts nobody.
	Requirements attest.Requirements

	// Attestor derives caller identity from kernel credentials. Nil
	// uses attest.Default().
	Attestor attest.Attestor

	// Directory is where Listen creates named service sockets. The
	// zero value uses transport.DefaultDirectory().
	Directory transport.Directory

	Queue QueueMode

	// MaxConcurrent bounds the handlers a concurrent queue runs at
	// once. Zero or negative means unbounded.
	MaxConcurrent int

	// RateLimit caps inbound messages per second on each connection;
	// a connection over its budget is read more slowly. Zero means
	// unlimited.
	RateLimit rate.Limit

	// RateBurst is the burst size for RateLimit. Values below one are
	// treated as one.
	RateBurst int

	// Compression controls how replies are framed.
	Compression codec.Options

	// Logger receives structured logs. Nil discards them.
	Logger *slog.Logger

	// Diagnostics, if set, is called for every transport or security
	// event: rejected callers, malformed messages, handler panics,
	// sends on finished streams. Routing and application failures go
	// to the caller instead and are not reported here. Must be safe
	// for concurrent use.
	Diagnostics func(Diagnostic)
}

// ClientOptions configures a Client.
type ClientOptions struct {
	// Requirements, if non-nil, are checked against the server on
	// every reply; replies from a server satisfying none of them are
	// dropped and reported to Diagnostics. Nil skips the check.
	Requirements attest.Requirements

	// Attestor is used when Requirements is non-nil. Nil uses
	// attest.Default().
	Attestor attest.Attestor

	Compression codec.Options

	Logger *slog.Logger

	Diagnostics func(Diagnostic)
}

func loggerOrDiscard(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return logger
}

func attestorOrDefault(attestor attest.Attestor) attest.Attestor {
	if attestor == nil {
		return attest.Default()
	}
	return attestor
}

// DiagnosticKind classifies a Diagnostic.
type DiagnosticKind int

const (
	// DiagnosticRejected: the sender failed attestation or satisfied
	// no requirement. The message was dropped unanswered.
	DiagnosticRejected DiagnosticKind = iota

	// DiagnosticMalformed: a message could not be decoded.
	DiagnosticMalformed

	// DiagnosticTransport: a connection failed to send or receive.
	DiagnosticTransport

	// DiagnosticPanic: a handler panicked. The caller received an
	// opaque failure.
	DiagnosticPanic

	// DiagnosticStreamMisuse: a handler used a stream after its
	// terminal message. The value was dropped.
	DiagnosticStreamMisuse

	// DiagnosticReplyEncoding: a handler's reply could not be
	// serialized. The caller received an opaque failure.
	DiagnosticReplyEncoding
)

var diagnosticKindNames = [...]string{
	DiagnosticRejected:      "rejected",
	DiagnosticMalformed:     "malformed",
	DiagnosticTransport:     "transport",
	DiagnosticPanic:         "panic",
	DiagnosticStreamMisuse:  "stream-misuse",
	DiagnosticReplyEncoding: "reply-encoding",
}

func (k DiagnosticKind) String() string {
	if int(k) < len(diagnosticKindNames) {
		return diagnosticKindNames[k]
	}
	return fmt.Sprintf("DiagnosticKind(%d)", int(k))
}

// Diagnostic describes a problem that is reported locally rather than
// to a caller.
type Diagnostic struct {
	Kind DiagnosticKind

	// Route is the route involved, when one was known.
	Route route.Route

	// Claim is the attested sender, when attestation succeeded.
	Claim *attest.Claim

	Err error
}

func (d Diagnostic) String() string {
	text := d.Kind.String()
	if len(d.Route.Path) > 0 {
		text += " " + d.Route.String()
	}
	if d.Err != nil {
		text += ": " + d.Err.Error()
	}
	return text
}

// reporter logs diagnostics and forwards them to the hook.
type reporter struct {
	logger *slog.Logger
	hook   func(Diagnostic)
}

func (r reporter) report(diagnostic Diagnostic) {
	attributes := []any{"kind", diagnostic.Kind.String()}
	if len(diagnostic.Route.Path) > 0 {
		attributes = append(attributes, "route", diagnostic.Route.String())
	}
	if diagnostic.Claim != nil {
		attributes = append(attributes, "peer", diagnostic.Claim.String())
	}
	if diagnostic.Err != nil {
		attributes = append(attributes, "error", diagnostic.Err)
	}
	r.logger.Warn("localrpc diagnostic", attributes...)
	if r.hook != nil {
		r.hook(diagnostic)
	}
}
