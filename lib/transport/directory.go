// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Listener yields incoming connections.
type Listener interface {
	// Accept blocks until a connection arrives. After Close it returns
	// an error wrapping net.ErrClosed.
	Accept() (*Conn, error)

	Close() error

	// Addr describes where the listener accepts, for logs.
	Addr() string
}

// maxSocketPath is the capacity of sun_path in sockaddr_un, minus the
// terminating NUL.
const maxSocketPath = 107

// Directory is a filesystem directory of named service sockets.
type Directory struct {
	Path string
}

// DefaultDirectory returns $XDG_RUNTIME_DIR/localrpc, or
// /tmp/localrpc-<uid> when XDG_RUNTIME_DIR is unset.
func DefaultDirectory() Directory {
	if runtimeDirectory := os.Getenv("XDG_RUNTIME_DIR"); runtimeDirectory != "" {
		return Directory{Path: filepath.Join(runtimeDirectory, "localrpc")}
	}
	return Directory{Path: filepath.Join(os.TempDir(), "localrpc-"+strconv.Itoa(os.Getuid()))}
}

// ValidateName checks that name can be used as a service name: one
// path component, not a dot name, no NUL.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("service name is empty")
	case name == "." || name == "..":
		return fmt.Errorf("service name %q is reserved", name)
	case strings.ContainsAny(name, "/\x00"):
		return fmt.Errorf("service name %q contains '/' or NUL", name)
	}
	return nil
}

// SocketPath returns the socket file for the named service.
func (d Directory) SocketPath(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	if d.Path == "" {
		return "", fmt.Errorf("service directory is not set")
	}
	socketPath := filepath.Join(d.Path, name+".sock")
	if len(socketPath) > maxSocketPath {
		return "", fmt.Errorf("socket path %s is %d bytes, exceeding the %d byte limit", socketPath, len(socketPath), maxSocketPath)
	}
	return socketPath, nil
}

// Listen creates the directory if needed and listens for the named
// service. A stale socket file left by an earlier server is replaced.
// The socket file is removed when the listener is closed.
func (d Directory) Listen(name string) (Listener, error) {
	socketPath, err := d.SocketPath(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(d.Path, 0o700); err != nil {
		return nil, fmt.Errorf("creating service directory %s: %w", d.Path, err)
	}
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("removing stale socket %s: %w", socketPath, err)
	}

	listener, err := net.ListenUnix("unixpacket", &net.UnixAddr{Name: socketPath, Net: "unixpacket"})
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", socketPath, err)
	}
	if err := enableCredentials(listener); err != nil {
		listener.Close()
		return nil, err
	}
	return &socketListener{listener: listener, path: socketPath}, nil
}

// Dial connects to the named service.
func (d Directory) Dial(name string) (*Conn, error) {
	socketPath, err := d.SocketPath(name)
	if err != nil {
		return nil, err
	}
	socket, err := net.DialUnix("unixpacket", nil, &net.UnixAddr{Name: socketPath, Net: "unixpacket"})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, unix.ECONNREFUSED) {
			return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, name)
		}
		return nil, fmt.Errorf("dialing %s: %w", socketPath, err)
	}
	return newConn(socket)
}

type socketListener struct {
	listener *net.UnixListener
	path     string
}

func (l *socketListener) Accept() (*Conn, error) {
	socket, err := l.listener.AcceptUnix()
	if err != nil {
		return nil, err
	}
	return newConn(socket)
}

func (l *socketListener) Close() error { return l.listener.Close() }

func (l *socketListener) Addr() string { return l.path }
