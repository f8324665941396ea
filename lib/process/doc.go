// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides entrypoint helpers for localrpc binaries:
// fatal error reporting to stderr before or after the structured
// logger exists, and signal-driven shutdown contexts.
package process
