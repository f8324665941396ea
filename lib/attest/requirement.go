// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package attest

import (
	"fmt"
	"os"
	"path"
	"strings"
)

// Requirement is one acceptable sender identity.
type Requirement interface {
	// Satisfied reports whether claim meets the requirement.
	Satisfied(claim Claim) bool

	// String describes the requirement for logs.
	String() string
}

// Requirements is a set of alternatives. A claim is accepted when at
// least one requirement is satisfied; an empty set accepts nothing.
type Requirements []Requirement

// Evaluate reports whether any requirement accepts claim.
func (r Requirements) Evaluate(claim Claim) bool {
	for _, requirement := range r {
		if requirement.Satisfied(claim) {
			return true
		}
	}
	return false
}

func (r Requirements) String() string {
	if len(r) == 0 {
		return "nobody"
	}
	parts := make([]string, len(r))
	for index, requirement := range r {
		parts[index] = requirement.String()
	}
	return strings.Join(parts, " | ")
}

type uidRequirement struct {
	uid   uint32
	label string
}

func (u uidRequirement) Satisfied(claim Claim) bool { return claim.Token.UID == u.uid }
func (u uidRequirement) String() string             { return u.label }

// SameUser accepts senders running as the current process's user.
func SameUser() Requirement {
	uid := uint32(os.Getuid())
	return uidRequirement{uid: uid, label: fmt.Sprintf("same-user(uid=%d)", uid)}
}

// UID accepts senders running as uid.
func UID(uid uint32) Requirement {
	return uidRequirement{uid: uid, label: fmt.Sprintf("uid=%d", uid)}
}

type gidRequirement uint32

func (g gidRequirement) Satisfied(claim Claim) bool { return claim.Token.GID == uint32(g) }
func (g gidRequirement) String() string             { return fmt.Sprintf("gid=%d", uint32(g)) }

// GID accepts senders whose primary group is gid.
func GID(gid uint32) Requirement {
	return gidRequirement(gid)
}

type executableRequirement string

func (e executableRequirement) Satisfied(claim Claim) bool {
	if strings.HasSuffix(claim.Code.Path, deletedSuffix) {
		return false
	}
	return MatchPath(string(e), claim.Code.Path)
}

const deletedSuffix = " (deleted)"

func (e executableRequirement) String() string { return "exe=" + string(e) }

// Executable accepts senders whose executable path matches pattern
// (see [MatchPath]). An executable deleted after it was started never
// matches, since the kernel reports its path with a " (deleted)"
// suffix.
func Executable(pattern string) Requirement {
	return executableRequirement(pattern)
}

type digestRequirement Hash

func (d digestRequirement) Satisfied(claim Claim) bool { return claim.Code.Digest == Hash(d) }
func (d digestRequirement) String() string             { return "digest=" + Hash(d).String() }

// Digest accepts senders running exactly the executable image with the
// given BLAKE3 digest.
func Digest(digest Hash) Requirement {
	return digestRequirement(digest)
}

type funcRequirement struct {
	name      string
	satisfied func(Claim) bool
}

func (f funcRequirement) Satisfied(claim Claim) bool { return f.satisfied(claim) }
func (f funcRequirement) String() string             { return f.name }

// Func wraps an arbitrary predicate. The name appears in logs.
func Func(name string, satisfied func(Claim) bool) Requirement {
	return funcRequirement{name: name, satisfied: satisfied}
}

type allOf []Requirement

func (a allOf) Satisfied(claim Claim) bool {
	for _, requirement := range a {
		if !requirement.Satisfied(claim) {
			return false
		}
	}
	return len(a) > 0
}

func (a allOf) String() string {
	parts := make([]string, len(a))
	for index, requirement := range a {
		parts[index] = requirement.String()
	}
	return "(" + strings.Join(parts, " & ") + ")"
}

// AllOf accepts claims satisfying every one of requirements. With no
// requirements it accepts nothing.
func AllOf(requirements ...Requirement) Requirement {
	return allOf(requirements)
}

// MatchPath reports whether name matches a slash-separated glob
// pattern. Within a segment the syntax is that of [path.Match]. A
// segment of exactly "**" matches zero or more whole segments, and may
// appear anywhere in the pattern:
//
//	/usr/bin/*          matches /usr/bin/ssh, not /usr/bin/x/ssh
//	/opt/**             matches /opt and everything below it
//	**/localrpc-echo    matches localrpc-echo in any directory
//	/nix/store/**/bin/* matches binaries in any store path
//
// Malformed patterns match nothing.
func MatchPath(pattern, name string) bool {
	return matchSegments(strings.Split(pattern, "/"), strings.Split(name, "/"))
}

func matchSegments(pattern, name []string) bool {
	for len(pattern) > 0 {
		if pattern[0] == "**" {
			// Adjacent ** segments are equivalent to one.
			rest := pattern[1:]
			for len(rest) > 0 && rest[0] == "**" {
				rest = rest[1:]
			}
			for skip := 0; skip <= len(name); skip++ {
				if matchSegments(rest, name[skip:]) {
					return true
				}
			}
			return false
		}
		if len(name) == 0 {
			return false
		}
		matched, err := path.Match(pattern[0], name[0])
		if err != nil || !matched {
			return false
		}
		pattern, name = pattern[1:], name[1:]
	}
	return len(name) == 0
}
