// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package attest derives an OS-verified identity for the process that
// sent a message and evaluates it against access requirements.
//
// The starting point is the credentials the kernel attaches to every
// datagram on a socket with SO_PASSCRED set: pid, uid and gid as the
// kernel saw them at send time, not as the sender claims them. From
// the pid the [ProcAttestor] recovers the process start time and the
// executable image, hashes the image with BLAKE3, and then confirms
// through a pidfd that the same process is still alive, so a pid
// recycled mid-attestation is detected rather than trusted.
//
// Attestation runs once per message. A connection is a bare pipe: the
// descriptor can be passed to another process at any time, so nothing
// learned about an earlier message says anything about a later one.
package attest

import (
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

var (
	// ErrProcessGone means the sending process exited before its
	// identity could be established.
	ErrProcessGone = errors.New("attest: sending process has exited")

	// ErrProcessChanged means the pid stopped referring to the
	// process that was being inspected.
	ErrProcessChanged = errors.New("attest: process changed during attestation")
)

// Hash is a BLAKE3-256 digest of an executable image.
type Hash [32]byte

// String returns the lowercase hex encoding of h.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ParseHash parses a 64-character hex digest.
func ParseHash(text string) (Hash, error) {
	var hash Hash
	decoded, err := hex.DecodeString(text)
	if err != nil {
		return hash, fmt.Errorf("parsing executable digest: %w", err)
	}
	if len(decoded) != len(hash) {
		return hash, fmt.Errorf("executable digest is %d bytes, want %d", len(decoded), len(hash))
	}
	copy(hash[:], decoded)
	return hash, nil
}

// ProcessToken is the kernel-attested description of a sending
// process.
type ProcessToken struct {
	PID int32
	UID uint32
	GID uint32

	// StartTime is the process start time in clock ticks since boot
	// (field 22 of /proc/<pid>/stat). Together with PID it names one
	// process unambiguously.
	StartTime uint64
}

// CodeIdentity describes the code a process is running.
type CodeIdentity struct {
	// Path is the executable path as the kernel reports it. For an
	// executable deleted after exec it carries a " (deleted)"
	// suffix.
	Path string

	// Digest is the BLAKE3 hash of the executable image the process
	// was started from.
	Digest Hash
}

// Claim is everything known about the sender of one message.
type Claim struct {
	Token ProcessToken
	Code  CodeIdentity
}

func (c Claim) String() string {
	return fmt.Sprintf("pid=%d uid=%d gid=%d exe=%s", c.Token.PID, c.Token.UID, c.Token.GID, c.Code.Path)
}

// Attestor turns kernel credentials into a claim. The server calls it
// once per inbound message.
type Attestor interface {
	Attest(credentials unix.Ucred) (Claim, error)
}

// AttestorFunc adapts a function to the Attestor interface.
type AttestorFunc func(credentials unix.Ucred) (Claim, error)

// Attest calls f.
func (f AttestorFunc) Attest(credentials unix.Ucred) (Claim, error) {
	return f(credentials)
}
