// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Localrpc-echo is a small service and client for exercising localrpc
// end to end. "serve" listens as a named service in the configured
// service directory; "call" connects to it and invokes one route.
//
// The service exposes five routes:
//   - echo (request/reply): returns the text, optionally repeated
//   - count (stream): sends each integer in [from, to), failing with
//     InvalidRangeError for an empty range
//   - whoami (reply): the caller's attested identity as the server saw it
//   - log (one-way): writes a line to the server's log
//   - session (reply): a private anonymous endpoint minted for the
//     caller, which "call --private" then uses for the actual call
//
// "digest" prints the BLAKE3 code identity of the binary, suitable for
// a digest requirement in another process's config.
package main
