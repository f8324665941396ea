// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package attest

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/zeebo/blake3"
	"golang.org/x/sys/unix"
)

// DefaultDigestCacheSize is the number of executable digests a
// ProcAttestor remembers.
const DefaultDigestCacheSize = 256

// fileIdentity identifies one version of an executable on disk.
// Replacing or rewriting the file changes at least one field, so a
// cached digest is never served for different content.
type fileIdentity struct {
	device      uint64
	inode       uint64
	size        int64
	modifiedSec int64
	modifiedNs  int64
}

// ProcAttestor attests senders through procfs and pidfds. Executable
// digests are cached by file identity, never by connection or pid.
// Safe for concurrent use.
type ProcAttestor struct {
	digests *lru.Cache[fileIdentity, Hash]
}

// NewProcAttestor returns an attestor remembering up to cacheSize
// executable digests.
func NewProcAttestor(cacheSize int) (*ProcAttestor, error) {
	digests, err := lru.New[fileIdentity, Hash](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating digest cache: %w", err)
	}
	return &ProcAttestor{digests: digests}, nil
}

var (
	defaultAttestorOnce sync.Once
	defaultAttestor     *ProcAttestor
)

// Default returns the process-wide ProcAttestor.
func Default() *ProcAttestor {
	defaultAttestorOnce.Do(func() {
		attestor, err := NewProcAttestor(DefaultDigestCacheSize)
		if err != nil {
			panic("attest: " + err.Error())
		}
		defaultAttestor = attestor
	})
	return defaultAttestor
}

// FromCredentials attests credentials with the default attestor.
func FromCredentials(credentials unix.Ucred) (Claim, error) {
	return Default().Attest(credentials)
}

// Attest builds a claim for the process described by credentials.
func (a *ProcAttestor) Attest(credentials unix.Ucred) (Claim, error) {
	pid := int(credentials.Pid)
	if pid <= 0 {
		return Claim{}, fmt.Errorf("attest: message carries no sender pid")
	}

	// Pin the process. From here on a recycled pid is detectable:
	// the pidfd keeps referring to the original process and reports
	// it dead once it exits. A sender that exits and has its pid
	// reused before this point is not detected.
	pidfd, err := unix.PidfdOpen(pid, 0)
	if err != nil {
		if errors.Is(err, unix.ESRCH) {
			return Claim{}, fmt.Errorf("%w: pid %d", ErrProcessGone, pid)
		}
		return Claim{}, fmt.Errorf("attest: pidfd_open(%d): %w", pid, err)
	}
	defer unix.Close(pidfd)

	startTime, err := readStartTime(pid)
	if err != nil {
		return Claim{}, err
	}

	code, err := a.codeIdentity(pid)
	if err != nil {
		return Claim{}, err
	}

	if err := unix.PidfdSendSignal(pidfd, 0, nil, 0); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return Claim{}, fmt.Errorf("%w: pid %d exited during attestation", ErrProcessGone, pid)
		}
		return Claim{}, fmt.Errorf("attest: probing pid %d: %w", pid, err)
	}
	confirmed, err := readStartTime(pid)
	if err != nil {
		return Claim{}, err
	}
	if confirmed != startTime {
		return Claim{}, fmt.Errorf("%w: pid %d start time moved from %d to %d", ErrProcessChanged, pid, startTime, confirmed)
	}

	return Claim{
		Token: ProcessToken{
			PID:       credentials.Pid,
			UID:       credentials.Uid,
			GID:       credentials.Gid,
			StartTime: startTime,
		},
		Code: code,
	}, nil
}

// codeIdentity opens the process's executable through /proc/<pid>/exe,
// which reaches the image the process was started from even if the
// path has since been replaced or deleted.
func (a *ProcAttestor) codeIdentity(pid int) (CodeIdentity, error) {
	exePath := "/proc/" + strconv.Itoa(pid) + "/exe"
	target, err := os.Readlink(exePath)
	if err != nil {
		return CodeIdentity{}, procError(pid, "reading executable link", err)
	}
	executable, err := os.Open(exePath)
	if err != nil {
		return CodeIdentity{}, procError(pid, "opening executable", err)
	}
	defer executable.Close()

	info, err := executable.Stat()
	if err != nil {
		return CodeIdentity{}, fmt.Errorf("attest: stat executable of pid %d: %w", pid, err)
	}
	identity := fileIdentity{size: info.Size()}
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		identity.device = uint64(stat.Dev)
		identity.inode = uint64(stat.Ino)
		identity.modifiedSec = int64(stat.Mtim.Sec)
		identity.modifiedNs = int64(stat.Mtim.Nsec)
	}

	if digest, ok := a.digests.Get(identity); ok {
		return CodeIdentity{Path: target, Digest: digest}, nil
	}
	digest, err := hashExecutable(executable)
	if err != nil {
		return CodeIdentity{}, fmt.Errorf("attest: hashing executable of pid %d: %w", pid, err)
	}
	a.digests.Add(identity, digest)
	return CodeIdentity{Path: target, Digest: digest}, nil
}

// CachedDigests returns how many executable digests are cached.
func (a *ProcAttestor) CachedDigests() int {
	return a.digests.Len()
}

func hashExecutable(reader io.Reader) (Hash, error) {
	hasher := blake3.New()
	if _, err := io.Copy(hasher, reader); err != nil {
		return Hash{}, err
	}
	var digest Hash
	copy(digest[:], hasher.Sum(nil))
	return digest, nil
}

// HashFile computes the BLAKE3 digest of the file at path, as used in
// Digest requirements.
func HashFile(path string) (Hash, error) {
	file, err := os.Open(path)
	if err != nil {
		return Hash{}, fmt.Errorf("opening %s for hashing: %w", path, err)
	}
	defer file.Close()
	digest, err := hashExecutable(file)
	if err != nil {
		return Hash{}, fmt.Errorf("hashing %s: %w", path, err)
	}
	return digest, nil
}

func readStartTime(pid int) (uint64, error) {
	content, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return 0, procError(pid, "reading stat", err)
	}
	startTime, err := parseStartTime(string(content))
	if err != nil {
		return 0, fmt.Errorf("attest: pid %d: %w", pid, err)
	}
	return startTime, nil
}

// parseStartTime extracts field 22 (starttime) from the contents of
// /proc/<pid>/stat. The second field is the command name in
// parentheses and may itself contain spaces and parentheses, so
// fields are counted from the last closing parenthesis.
func parseStartTime(stat string) (uint64, error) {
	closing := strings.LastIndexByte(stat, ')')
	if closing < 0 {
		return 0, fmt.Errorf("malformed stat line: no command field")
	}
	// Fields after the command start at field 3 (state).
	fields := strings.Fields(stat[closing+1:])
	const startTimeIndex = 22 - 3
	if len(fields) <= startTimeIndex {
		return 0, fmt.Errorf("malformed stat line: %d fields after command", len(fields))
	}
	startTime, err := strconv.ParseUint(fields[startTimeIndex], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed stat start time %q: %w", fields[startTimeIndex], err)
	}
	return startTime, nil
}

// procError maps a procfs failure for a vanished process to
// ErrProcessGone.
func procError(pid int, action string, err error) error {
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("%w: pid %d (%s)", ErrProcessGone, pid, action)
	}
	return fmt.Errorf("attest: pid %d: %s: %w", pid, action, err)
}
