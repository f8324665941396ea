// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the configuration of localrpc processes.
//
// Configuration is loaded from a single file specified by either the
// LOCALRPC_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There are no fallbacks and no automatic file
// search. YAML is the native format; files ending in .json or .jsonc
// are read as JSON with comments.
//
// The file may contain environment-specific sections (development,
// staging, production) that override base values when
// [Config].Environment matches. Production without a section of its
// own bounds concurrent handlers and rate-limits connections.
//
// ${HOME}, ${XDG_RUNTIME_DIR} and ${VAR:-default} patterns are
// expanded in service_directory and in executable requirement
// patterns.
//
// [Config.ServerOptions] and [Config.ClientOptions] convert a loaded
// file into rpc options. The default requirement set is same_user.
package config
