// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"fmt"
	"os"
	"runtime"

	"github.com/bureau-foundation/localrpc/lib/attest"
)

// Build metadata, overridden with -ldflags -X. The defaults are what
// go test and plain go build report.
var (
	Version   = "0.1.0-dev"
	GitCommit = "unknown"
	// GitDirty is "true" when the tree had uncommitted changes.
	GitDirty  = "false"
	BuildTime = "unknown"
)

// Info is the one-line form printed by --version, for example
// "0.1.0-dev (abc1234-dirty, 2026-10-19T08:00:00Z)".
func Info() string {
	commit := GitCommit
	if GitDirty == "true" {
		commit += "-dirty"
	}
	return fmt.Sprintf("%s (%s, %s)", Version, commit, BuildTime)
}

// Full is Info followed by the toolchain and target platform.
func Full() string {
	return fmt.Sprintf("%s\n  Go: %s\n  Platform: %s/%s",
		Info(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// SelfDigest returns the code identity digest of the running binary
// and its path: the value peers see in attest.Claim.Code, suitable for
// a digest requirement.
func SelfDigest() (attest.Hash, string, error) {
	path, err := os.Executable()
	if err != nil {
		return attest.Hash{}, "", fmt.Errorf("locating executable: %w", err)
	}
	digest, err := attest.HashFile(path)
	if err != nil {
		return attest.Hash{}, "", err
	}
	return digest, path, nil
}
