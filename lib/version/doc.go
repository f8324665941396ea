// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports what a localrpc binary was built from and
// what code identity it presents to peers.
//
// Release builds stamp the metadata variables at link time:
//
//	pkg=github.com/bureau-foundation/localrpc/lib/version
//	go build -ldflags "-X $pkg.Version=0.2.0 -X $pkg.GitCommit=$(git rev-parse --short HEAD) \
//	    -X $pkg.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)" ./cmd/localrpc-echo
//
// Stamping changes the binary, and with it the digest [SelfDigest]
// reports. A digest requirement naming one build rejects every other,
// so operators pin the digest of the exact artifact they deploy.
package version
