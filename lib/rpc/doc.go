// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package rpc dispatches typed calls between processes on one machine.
//
// A Server registers handlers under routes and serves them on named
// service sockets (Listen) and on anonymous endpoints (MintEndpoint)
// that can be handed to other processes inside a reply. Every inbound
// message is attested by the kernel-reported credentials of its
// sender; a message whose sender satisfies none of the server's
// requirements is dropped without any reply, so an unauthorized caller
// cannot learn which routes exist.
//
// A route is identified by its path together with its request type,
// reply type, and streaming flag. The Handle functions and the call
// functions both derive these from their type parameters, so a client
// and server agree on a route only when they agree on its types:
//
//	rpc.HandleCall(server, route.New("kv", "get"), func(ctx context.Context, key Key) (Entry, error) { ... })
//	entry, err := rpc.Call[Key, Entry](ctx, client, route.New("kv", "get"), key)
//
// Errors seen by callers fall into three groups. Transport errors
// (ErrConnectionInvalid, ErrConnectionInterrupted,
// ErrTerminationImminent, ErrCancelled) say the server could not be
// reached or went away. A *RouteError says the server has no matching
// handler. A *HandlerError says the handler ran and failed; it unwraps
// to the handler's error when that error's type was declared with
// Throws on both sides, and to ErrOpaque otherwise.
//
// Problems that have no caller to report to (rejected senders,
// malformed messages, handler panics, misuse of a finished stream) are
// logged and passed to Options.Diagnostics.
package rpc
