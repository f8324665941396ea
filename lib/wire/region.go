// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// NewRegion creates a zero-filled shared memory region of size bytes
// backed by a memfd and returns it as a SharedRegion value. The region
// has no name in any filesystem; the only way to reach it is through
// the descriptor, which the transport passes to the peer.
func NewRegion(name string, size int64) (Value, error) {
	if size <= 0 {
		return Value{}, fmt.Errorf("wire: region size must be positive, got %d", size)
	}
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return Value{}, fmt.Errorf("wire: memfd_create %q: %w", name, err)
	}
	if err := unix.Ftruncate(fd, size); err != nil {
		unix.Close(fd)
		return Value{}, fmt.Errorf("wire: sizing region %q to %d bytes: %w", name, size, err)
	}
	return SharedRegion(os.NewFile(uintptr(fd), "memfd:"+name), size), nil
}

// Mapping is a shared region mapped into this process. Writes through
// Bytes are visible to every process that maps the same region.
type Mapping struct {
	mu     sync.Mutex
	data   []byte
	closed bool
}

// MapRegion maps a SharedRegion value read-write. The value keeps
// ownership of its descriptor; the mapping stays valid after the
// descriptor is closed, until Close.
func MapRegion(v Value) (*Mapping, error) {
	size, ok := v.RegionSize()
	if !ok {
		return nil, fmt.Errorf("wire: cannot map %s value", v.Kind())
	}
	if v.file == nil {
		return nil, errors.New("wire: shared region has no descriptor")
	}
	raw, err := v.file.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("wire: shared region descriptor: %w", err)
	}

	var data []byte
	var mapErr error
	controlErr := raw.Control(func(fd uintptr) {
		data, mapErr = unix.Mmap(int(fd), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	})
	if controlErr != nil {
		return nil, fmt.Errorf("wire: shared region descriptor: %w", controlErr)
	}
	if mapErr != nil {
		return nil, fmt.Errorf("wire: mmap shared region: %w", mapErr)
	}
	return &Mapping{data: data}, nil
}

// Bytes returns the mapped memory. Panics after Close.
func (m *Mapping) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		panic("wire: Bytes called on closed Mapping")
	}
	return m.data
}

// Close unmaps the region. Safe to call more than once.
func (m *Mapping) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	data := m.data
	m.data = nil
	return unix.Munmap(data)
}
