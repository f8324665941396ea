// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for localrpc packages.
//
// [SocketDir] creates a short directory under /tmp for Unix domain
// sockets, whose paths are limited to 108 bytes (sun_path in
// sockaddr_un). Deeply nested t.TempDir() paths can exceed that.
//
// [RequireReceive], [RequireSend], [RequireClosed], and [RequireSilent]
// wrap the select-with-timeout pattern so that individual tests do not
// need direct time.After calls. RequireSilent is the negative form:
// it asserts that nothing arrives during a window, which is how tests
// observe that a rejected request was never answered.
//
// [UniqueID] generates monotonically increasing identifiers for test
// disambiguation, such as service names in a shared directory.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
//
// This package has no localrpc-internal dependencies.
package testutil
