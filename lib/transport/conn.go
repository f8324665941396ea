// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport moves framed messages between processes over
// AF_UNIX SOCK_SEQPACKET sockets.
//
// One datagram is one message. File descriptors ride alongside the
// frame in SCM_RIGHTS, and every connection enables SO_PASSCRED so the
// kernel attaches the sender's pid, uid, and gid to each datagram it
// delivers. Those credentials are the input to attestation; the
// transport reports them and never interprets them.
//
// Connections come from two kinds of address. A named service is a
// socket file in a [Directory]. An anonymous [Endpoint] is a
// descriptor-backed capability: only a process holding the descriptor
// can connect, and it can be handed to another process inside a
// message.
package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
	"runtime"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/localrpc/lib/codec"
)

var (
	// ErrPeerClosed means the other end of the connection went away.
	ErrPeerClosed = errors.New("transport: peer closed the connection")

	// ErrTruncated means a datagram or its ancillary data did not fit
	// in the receive buffers and was discarded. The connection remains
	// usable.
	ErrTruncated = errors.New("transport: message truncated")

	// ErrServiceNotFound means no server is listening under a name.
	ErrServiceNotFound = errors.New("transport: no such service")

	// ErrEndpointInvalid means an anonymous endpoint's server no
	// longer accepts connections through it. Endpoints cannot be
	// re-resolved, so this is permanent.
	ErrEndpointInvalid = errors.New("transport: endpoint is no longer valid")
)

// Message is one received datagram.
type Message struct {
	Frame []byte

	// Files are the descriptors that arrived with the frame, in
	// SCM_RIGHTS order. The receiver owns them.
	Files []*os.File

	// Credentials are the sender's kernel-attested credentials.
	// HasCredentials is false if the kernel attached none.
	Credentials    unix.Ucred
	HasCredentials bool
}

// Conn is one end of a seqpacket connection. Send may be called
// concurrently; Receive must only be called from one goroutine.
type Conn struct {
	socket *net.UnixConn

	writeMu sync.Mutex

	frameBuffer   []byte
	controlBuffer []byte

	closeOnce sync.Once
	closeErr  error
}

// controlBufferSize fits the largest SCM_RIGHTS list the kernel will
// deliver plus one SCM_CREDENTIALS message.
var controlBufferSize = unix.CmsgSpace(codec.MaxDescriptors*4) + unix.CmsgSpace(unix.SizeofUcred)

func newConn(socket *net.UnixConn) (*Conn, error) {
	if err := enableCredentials(socket); err != nil {
		socket.Close()
		return nil, err
	}
	return &Conn{
		socket:        socket,
		frameBuffer:   make([]byte, codec.MaxMessageSize),
		controlBuffer: make([]byte, controlBufferSize),
	}, nil
}

// enableCredentials sets SO_PASSCRED so that received datagrams carry
// SCM_CREDENTIALS.
func enableCredentials(socket syscall.Conn) error {
	raw, err := socket.SyscallConn()
	if err != nil {
		return fmt.Errorf("transport: raw socket: %w", err)
	}
	var setErr error
	if err := raw.Control(func(fd uintptr) {
		setErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_PASSCRED, 1)
	}); err != nil {
		return fmt.Errorf("transport: raw socket control: %w", err)
	}
	if setErr != nil {
		return fmt.Errorf("transport: enabling SO_PASSCRED: %w", setErr)
	}
	return nil
}

// Pair returns two connected Conns.
func Pair() (*Conn, *Conn, error) {
	first, second, err := socketpair()
	if err != nil {
		return nil, nil, err
	}
	a, err := connFromFile(first)
	if err != nil {
		second.Close()
		return nil, nil, err
	}
	b, err := connFromFile(second)
	if err != nil {
		a.Close()
		return nil, nil, err
	}
	return a, b, nil
}

func socketpair() (*os.File, *os.File, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("transport: socketpair: %w", err)
	}
	// Both ends request credentials before either is used, so nothing
	// can be queued without them while an end is in flight.
	for _, fd := range fds {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_PASSCRED, 1); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return nil, nil, fmt.Errorf("transport: enabling SO_PASSCRED: %w", err)
		}
	}
	return os.NewFile(uintptr(fds[0]), "localrpc-socketpair"), os.NewFile(uintptr(fds[1]), "localrpc-socketpair"), nil
}

// connFromFile wraps a seqpacket socket descriptor. It consumes file.
func connFromFile(file *os.File) (*Conn, error) {
	defer file.Close()
	generic, err := net.FileConn(file)
	if err != nil {
		return nil, fmt.Errorf("transport: wrapping socket: %w", err)
	}
	socket, ok := generic.(*net.UnixConn)
	if !ok {
		generic.Close()
		return nil, fmt.Errorf("transport: descriptor is a %T, not a unix socket", generic)
	}
	return newConn(socket)
}

// Send writes one message. The caller keeps ownership of files; the
// peer receives duplicates.
func (c *Conn) Send(frame []byte, files []*os.File) error {
	if len(frame) == 0 {
		return fmt.Errorf("transport: refusing to send an empty frame")
	}
	if len(frame) > codec.MaxMessageSize {
		return fmt.Errorf("%w: %d byte frame", codec.ErrTooLarge, len(frame))
	}
	if len(files) > codec.MaxDescriptors {
		return fmt.Errorf("%w: %d descriptors", codec.ErrTooLarge, len(files))
	}

	var control []byte
	if len(files) > 0 {
		fds := make([]int, len(files))
		for index, file := range files {
			fd, err := descriptor(file)
			if err != nil {
				return err
			}
			fds[index] = fd
		}
		control = unix.UnixRights(fds...)
	}

	c.writeMu.Lock()
	_, _, err := c.socket.WriteMsgUnix(frame, control, nil)
	c.writeMu.Unlock()
	runtime.KeepAlive(files)
	if err != nil {
		return classifyWriteError(err)
	}
	return nil
}

// Receive blocks until the next message arrives. At end of stream it
// returns ErrPeerClosed. After a truncated datagram it returns
// ErrTruncated and the connection is still usable; every other error
// is final.
func (c *Conn) Receive() (Message, error) {
	n, controlLength, flags, _, err := c.socket.ReadMsgUnix(c.frameBuffer, c.controlBuffer)
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return Message{}, err
		}
		if errors.Is(err, unix.ECONNRESET) {
			return Message{}, ErrPeerClosed
		}
		return Message{}, fmt.Errorf("transport: receive: %w", err)
	}

	message, parseErr := parseControl(c.controlBuffer[:controlLength])
	if parseErr != nil {
		return Message{}, parseErr
	}
	if flags&(unix.MSG_TRUNC|unix.MSG_CTRUNC) != 0 {
		closeFiles(message.Files)
		return Message{}, fmt.Errorf("%w (flags %#x)", ErrTruncated, flags)
	}
	if n == 0 && len(message.Files) == 0 {
		// A zero-length read on a seqpacket socket is end of stream;
		// nothing ever sends an empty frame.
		return Message{}, ErrPeerClosed
	}
	message.Frame = append([]byte(nil), c.frameBuffer[:n]...)
	return message, nil
}

func parseControl(control []byte) (Message, error) {
	var message Message
	if len(control) == 0 {
		return message, nil
	}
	controlMessages, err := unix.ParseSocketControlMessage(control)
	if err != nil {
		return message, fmt.Errorf("transport: parsing control messages: %w", err)
	}
	for index := range controlMessages {
		controlMessage := &controlMessages[index]
		if controlMessage.Header.Level != unix.SOL_SOCKET {
			continue
		}
		switch controlMessage.Header.Type {
		case unix.SCM_RIGHTS:
			fds, err := unix.ParseUnixRights(controlMessage)
			if err != nil {
				closeFiles(message.Files)
				return Message{}, fmt.Errorf("transport: parsing SCM_RIGHTS: %w", err)
			}
			for _, fd := range fds {
				message.Files = append(message.Files, os.NewFile(uintptr(fd), "localrpc-received"))
			}
		case unix.SCM_CREDENTIALS:
			credentials, err := unix.ParseUnixCredentials(controlMessage)
			if err != nil {
				closeFiles(message.Files)
				return Message{}, fmt.Errorf("transport: parsing SCM_CREDENTIALS: %w", err)
			}
			message.Credentials = *credentials
			message.HasCredentials = true
		}
	}
	return message, nil
}

// Close closes the connection. A Receive blocked in another goroutine
// returns net.ErrClosed.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.socket.Close()
	})
	return c.closeErr
}

// descriptor returns file's descriptor number without the side effect
// of os.File.Fd, which switches the file to blocking mode.
func descriptor(file *os.File) (int, error) {
	raw, err := file.SyscallConn()
	if err != nil {
		return -1, fmt.Errorf("transport: descriptor of %s: %w", file.Name(), err)
	}
	fd := -1
	if err := raw.Control(func(value uintptr) { fd = int(value) }); err != nil {
		return -1, fmt.Errorf("transport: descriptor of %s: %w", file.Name(), err)
	}
	return fd, nil
}

func closeFiles(files []*os.File) {
	for _, file := range files {
		file.Close()
	}
}

// classifyWriteError maps the errno of a failed send to ErrPeerClosed
// when the peer is gone.
func classifyWriteError(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return err
	}
	if errors.Is(err, unix.EPIPE) || errors.Is(err, unix.ECONNRESET) || errors.Is(err, unix.ENOTCONN) || errors.Is(err, unix.ECONNREFUSED) {
		return fmt.Errorf("%w: %v", ErrPeerClosed, err)
	}
	return fmt.Errorf("transport: send: %w", err)
}
