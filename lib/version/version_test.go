// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"os"
	"strings"
	"testing"

	"github.com/bureau-foundation/localrpc/lib/attest"
)

func TestInfo(t *testing.T) {
	saved := [...]string{Version, GitCommit, GitDirty, BuildTime}
	defer func() { Version, GitCommit, GitDirty, BuildTime = saved[0], saved[1], saved[2], saved[3] }()

	Version, GitCommit, BuildTime = "0.2.0", "abc1234", "2026-10-19T08:00:00Z"
	tests := []struct {
		dirty string
		want  string
	}{
		{"true", "0.2.0 (abc1234-dirty, 2026-10-19T08:00:00Z)"},
		{"false", "0.2.0 (abc1234, 2026-10-19T08:00:00Z)"},
	}
	for _, test := range tests {
		GitDirty = test.dirty
		if info := Info(); info != test.want {
			t.Errorf("Info() with GitDirty=%s = %q, want %q", test.dirty, info, test.want)
		}
	}
	if full := Full(); !strings.HasPrefix(full, Info()) || !strings.Contains(full, "Go: ") {
		t.Errorf("Full() = %q", full)
	}
}

func TestSelfDigest(t *testing.T) {
	digest, path, err := SelfDigest()
	if err != nil {
		t.Fatalf("SelfDigest: %v", err)
	}
	executable, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}
	if path != executable {
		t.Errorf("path = %q, want %q", path, executable)
	}
	if digest == (attest.Hash{}) {
		t.Error("digest is zero")
	}
	again, err := attest.HashFile(path)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	if again != digest {
		t.Error("digest is not stable")
	}
}
