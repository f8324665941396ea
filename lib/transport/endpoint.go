// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/localrpc/lib/serial"
	"github.com/bureau-foundation/localrpc/lib/wire"
)

// Endpoint is an anonymous, unforgeable connection capability.
//
// Under the hood it is one end of a socketpair whose other end a
// server watches. Resolving it creates a fresh socketpair and passes
// one end through the endpoint; the server adopts that end as a new
// connection. Holding the descriptor is the only way to connect, and
// serializing an Endpoint puts a duplicate of the descriptor in the
// message, so the capability can be handed to another process.
//
// The zero Endpoint is invalid.
type Endpoint struct {
	mu   sync.Mutex
	file *os.File
}

// NewEndpoint mints an endpoint and returns the listener that accepts
// connections made through it. The listener reports end of stream
// once every copy of the endpoint, in every process, has been closed.
func NewEndpoint() (*Endpoint, Listener, error) {
	serverEnd, endpointEnd, err := socketpair()
	if err != nil {
		return nil, nil, err
	}
	rendezvous, err := connFromFile(serverEnd)
	if err != nil {
		endpointEnd.Close()
		return nil, nil, err
	}
	return &Endpoint{file: endpointEnd}, &endpointListener{rendezvous: rendezvous}, nil
}

// Resolve opens a new connection to the endpoint's server. It fails
// with ErrEndpointInvalid once the server has stopped listening, which
// is permanent.
func (e *Endpoint) Resolve() (*Conn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.file == nil {
		return nil, fmt.Errorf("%w: endpoint is closed", ErrEndpointInvalid)
	}

	local, remote, err := socketpair()
	if err != nil {
		return nil, err
	}
	defer remote.Close()

	sendErr := sendDescriptor(e.file, remote)
	if sendErr != nil {
		local.Close()
		if errors.Is(sendErr, unix.EPIPE) || errors.Is(sendErr, unix.ECONNREFUSED) ||
			errors.Is(sendErr, unix.ECONNRESET) || errors.Is(sendErr, unix.ENOTCONN) {
			return nil, fmt.Errorf("%w: %v", ErrEndpointInvalid, sendErr)
		}
		return nil, fmt.Errorf("transport: resolving endpoint: %w", sendErr)
	}
	return connFromFile(local)
}

// rendezvousFrame is the payload of a connection request. The content
// is irrelevant; seqpacket sockets cannot carry descriptors without at
// least one byte of data.
var rendezvousFrame = []byte{'c'}

func sendDescriptor(through, passed *os.File) error {
	fd, err := descriptor(passed)
	if err != nil {
		return err
	}
	raw, err := through.SyscallConn()
	if err != nil {
		return err
	}
	var sendErr error
	controlErr := raw.Control(func(socket uintptr) {
		sendErr = unix.Sendmsg(int(socket), rendezvousFrame, unix.UnixRights(fd), nil, unix.MSG_NOSIGNAL)
	})
	if controlErr != nil {
		return controlErr
	}
	return sendErr
}

// Close releases this copy of the endpoint. Copies held elsewhere,
// including ones already sent in messages, are unaffected.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.file == nil {
		return nil
	}
	err := e.file.Close()
	e.file = nil
	return err
}

// Clone returns an independent copy of e backed by a duplicated
// descriptor.
func (e *Endpoint) Clone() (*Endpoint, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.file == nil {
		return nil, fmt.Errorf("%w: endpoint is closed", ErrEndpointInvalid)
	}
	duplicate, err := duplicateFile(e.file)
	if err != nil {
		return nil, err
	}
	return &Endpoint{file: duplicate}, nil
}

// MarshalWire encodes the endpoint as an Endpoint handle holding a
// duplicate descriptor, so e stays usable after the message is sent.
func (e *Endpoint) MarshalWire(encoder *serial.Encoder) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.file == nil {
		return fmt.Errorf("%w: cannot serialize a closed endpoint", ErrEndpointInvalid)
	}
	duplicate, err := duplicateFile(e.file)
	if err != nil {
		return err
	}
	encoder.Single().EncodeValue(wire.Endpoint(duplicate))
	return nil
}

// UnmarshalWire takes a duplicate of the descriptor in an Endpoint
// handle. The message keeps ownership of its own copy.
func (e *Endpoint) UnmarshalWire(decoder *serial.Decoder) error {
	value := decoder.Single().Value()
	if value.Kind() != wire.KindEndpoint {
		return fmt.Errorf("%w: expected endpoint, got %s", serial.ErrTypeMismatch, value.Kind())
	}
	file, ok := value.AsFile()
	if !ok {
		return fmt.Errorf("%w: endpoint handle has no descriptor", serial.ErrMalformed)
	}
	duplicate, err := duplicateFile(file)
	if err != nil {
		return err
	}
	e.mu.Lock()
	previous := e.file
	e.file = duplicate
	e.mu.Unlock()
	if previous != nil {
		previous.Close()
	}
	return nil
}

func duplicateFile(file *os.File) (*os.File, error) {
	fd, err := descriptor(file)
	if err != nil {
		return nil, err
	}
	duplicate, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("transport: duplicating %s: %w", file.Name(), err)
	}
	return os.NewFile(uintptr(duplicate), file.Name()), nil
}

// endpointListener accepts the socketpair ends that resolvers pass
// through the endpoint.
type endpointListener struct {
	rendezvous *Conn
}

func (l *endpointListener) Accept() (*Conn, error) {
	for {
		message, err := l.rendezvous.Receive()
		if errors.Is(err, ErrTruncated) {
			continue
		}
		if errors.Is(err, ErrPeerClosed) {
			return nil, fmt.Errorf("endpoint has no remaining holders: %w", net.ErrClosed)
		}
		if err != nil {
			return nil, err
		}
		if len(message.Files) != 1 {
			// Not a connection request. Drop it along with any
			// descriptors it carried.
			closeFiles(message.Files)
			continue
		}
		conn, err := connFromFile(message.Files[0])
		if err != nil {
			// A descriptor that is not a socket; keep listening.
			continue
		}
		return conn, nil
	}
}

func (l *endpointListener) Close() error { return l.rendezvous.Close() }

func (l *endpointListener) Addr() string { return "anonymous endpoint" }
