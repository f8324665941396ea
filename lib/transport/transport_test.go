// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/localrpc/lib/codec"
	"github.com/bureau-foundation/localrpc/lib/serial"
	"github.com/bureau-foundation/localrpc/lib/testutil"
	"github.com/bureau-foundation/localrpc/lib/wire"
)

func mustPair(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	a, b, err := Pair()
	if err != nil {
		t.Fatalf("Pair: %v", err)
	}
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func TestSendReceiveCarriesCredentials(t *testing.T) {
	a, b := mustPair(t)

	if err := a.Send([]byte("hello"), nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	message, err := b.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if string(message.Frame) != "hello" {
		t.Errorf("frame = %q, want hello", message.Frame)
	}
	if !message.HasCredentials {
		t.Fatal("message carries no credentials")
	}
	if message.Credentials.Pid != int32(os.Getpid()) || message.Credentials.Uid != uint32(os.Getuid()) {
		t.Errorf("credentials = %+v, want pid %d uid %d", message.Credentials, os.Getpid(), os.Getuid())
	}
}

func TestMessagesKeepBoundariesAndOrder(t *testing.T) {
	a, b := mustPair(t)
	frames := [][]byte{[]byte("one"), bytes.Repeat([]byte{'x'}, 4096), []byte("three")}
	for _, frame := range frames {
		if err := a.Send(frame, nil); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	for index, want := range frames {
		message, err := b.Receive()
		if err != nil {
			t.Fatalf("Receive %d: %v", index, err)
		}
		if !bytes.Equal(message.Frame, want) {
			t.Errorf("message %d is %d bytes, want %d", index, len(message.Frame), len(want))
		}
	}
}

func TestDescriptorsArriveAsNewFiles(t *testing.T) {
	a, b := mustPair(t)

	reader, writer, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	defer reader.Close()

	if err := a.Send([]byte("pipe"), []*os.File{writer}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	writer.Close()

	message, err := b.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(message.Files) != 1 {
		t.Fatalf("received %d files, want 1", len(message.Files))
	}
	received := message.Files[0]
	if _, err := received.Write([]byte("through the socket")); err != nil {
		t.Fatalf("writing to received descriptor: %v", err)
	}
	received.Close()

	content, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(content) != "through the socket" {
		t.Errorf("pipe content = %q", content)
	}
}

func TestPeerCloseIsReported(t *testing.T) {
	a, b := mustPair(t)
	a.Close()

	if _, err := b.Receive(); !errors.Is(err, ErrPeerClosed) {
		t.Errorf("Receive after peer close = %v, want ErrPeerClosed", err)
	}
	if err := b.Send([]byte("x"), nil); !errors.Is(err, ErrPeerClosed) {
		t.Errorf("Send after peer close = %v, want ErrPeerClosed", err)
	}
}

func TestCloseUnblocksReceive(t *testing.T) {
	_, b := mustPair(t)
	done := make(chan error, 1)
	go func() {
		_, err := b.Receive()
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	b.Close()
	err := testutil.RequireReceive(t, done, 5*time.Second, "Receive after Close")
	if !errors.Is(err, net.ErrClosed) {
		t.Errorf("Receive after Close = %v, want net.ErrClosed", err)
	}
}

func TestSendRejectsOversizedFrames(t *testing.T) {
	a, _ := mustPair(t)
	if err := a.Send(make([]byte, codec.MaxMessageSize+1), nil); !errors.Is(err, codec.ErrTooLarge) {
		t.Errorf("Send(oversized) = %v, want ErrTooLarge", err)
	}
	if err := a.Send(nil, nil); err == nil {
		t.Error("Send(empty) succeeded")
	}
}

func TestValidateName(t *testing.T) {
	for _, valid := range []string{"echo", "kv.store", "a-b_c"} {
		if err := ValidateName(valid); err != nil {
			t.Errorf("ValidateName(%q) = %v", valid, err)
		}
	}
	for _, invalid := range []string{"", ".", "..", "a/b", "nul\x00"} {
		if err := ValidateName(invalid); err == nil {
			t.Errorf("ValidateName(%q) succeeded", invalid)
		}
	}
}

func TestSocketPathLimit(t *testing.T) {
	directory := Directory{Path: "/tmp/" + strings.Repeat("d", 100)}
	if _, err := directory.SocketPath("service"); err == nil {
		t.Error("SocketPath accepted a path beyond sun_path")
	}
	if _, err := (Directory{}).SocketPath("service"); err == nil {
		t.Error("SocketPath accepted an empty directory")
	}
}

func TestDirectoryListenAndDial(t *testing.T) {
	directory := Directory{Path: filepath.Join(testutil.SocketDir(t), "services")}
	name := testutil.UniqueID("echo")

	listener, err := directory.Listen(name)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer listener.Close()

	accepted := make(chan *Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			t.Errorf("Accept: %v", err)
			close(accepted)
			return
		}
		accepted <- conn
	}()

	client, err := directory.Dial(name)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()
	server := testutil.RequireReceive(t, accepted, 5*time.Second, "accepting connection")
	defer server.Close()

	if err := client.Send([]byte("ping"), nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	message, err := server.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if string(message.Frame) != "ping" || message.Credentials.Pid != int32(os.Getpid()) {
		t.Errorf("message = %q from pid %d", message.Frame, message.Credentials.Pid)
	}
}

func TestListenReplacesStaleSocket(t *testing.T) {
	directory := Directory{Path: testutil.SocketDir(t)}
	socketPath, err := directory.SocketPath("stale")
	if err != nil {
		t.Fatalf("SocketPath: %v", err)
	}
	if err := os.WriteFile(socketPath, nil, 0o600); err != nil {
		t.Fatalf("creating stale file: %v", err)
	}
	listener, err := directory.Listen("stale")
	if err != nil {
		t.Fatalf("Listen over stale socket: %v", err)
	}
	listener.Close()
	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Errorf("socket file remains after Close: %v", err)
	}
}

func TestDialMissingService(t *testing.T) {
	directory := Directory{Path: testutil.SocketDir(t)}
	if _, err := directory.Dial("absent"); !errors.Is(err, ErrServiceNotFound) {
		t.Errorf("Dial(absent) = %v, want ErrServiceNotFound", err)
	}
}

func TestEndpointResolve(t *testing.T) {
	endpoint, listener, err := NewEndpoint()
	if err != nil {
		t.Fatalf("NewEndpoint: %v", err)
	}
	defer listener.Close()
	defer endpoint.Close()

	accepted := make(chan *Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	client, err := endpoint.Resolve()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	defer client.Close()
	server := testutil.RequireReceive(t, accepted, 5*time.Second, "accepting through endpoint")
	defer server.Close()

	if err := client.Send([]byte("via endpoint"), nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	message, err := server.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if string(message.Frame) != "via endpoint" {
		t.Errorf("frame = %q", message.Frame)
	}
}

func TestEndpointInvalidAfterListenerCloses(t *testing.T) {
	endpoint, listener, err := NewEndpoint()
	if err != nil {
		t.Fatalf("NewEndpoint: %v", err)
	}
	defer endpoint.Close()
	listener.Close()

	if _, err := endpoint.Resolve(); !errors.Is(err, ErrEndpointInvalid) {
		t.Errorf("Resolve after listener close = %v, want ErrEndpointInvalid", err)
	}
	endpoint.Close()
	if _, err := endpoint.Resolve(); !errors.Is(err, ErrEndpointInvalid) {
		t.Errorf("Resolve after Close = %v, want ErrEndpointInvalid", err)
	}
}

func TestEndpointListenerEndsWhenAllCopiesClose(t *testing.T) {
	endpoint, listener, err := NewEndpoint()
	if err != nil {
		t.Fatalf("NewEndpoint: %v", err)
	}
	defer listener.Close()
	clone, err := endpoint.Clone()
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := listener.Accept()
		done <- err
	}()

	endpoint.Close()
	testutil.RequireSilent(t, done, 50*time.Millisecond, "listener ended while a clone was open")
	clone.Close()
	err = testutil.RequireReceive(t, done, 5*time.Second, "listener end")
	if !errors.Is(err, net.ErrClosed) {
		t.Errorf("Accept = %v, want net.ErrClosed", err)
	}
}

// TestEndpointTravelsInMessages hands the endpoint capability through
// a connection, as a server would in a reply, and connects with the
// received copy.
func TestEndpointTravelsInMessages(t *testing.T) {
	endpoint, listener, err := NewEndpoint()
	if err != nil {
		t.Fatalf("NewEndpoint: %v", err)
	}
	defer listener.Close()

	type offer struct {
		Service *Endpoint `wire:"service"`
	}
	value, err := serial.Marshal(offer{Service: endpoint})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	// The original stays usable; the message holds its own copy.
	endpoint.Close()

	frame, files, err := codec.Encode(value)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	sender, receiver := mustPair(t)
	if err := sender.Send(frame, files); err != nil {
		t.Fatalf("Send: %v", err)
	}
	value.CloseHandles()

	message, err := receiver.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	decodedValue, err := codec.Decode(message.Frame, message.Files)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	var received offer
	if err := serial.Unmarshal(decodedValue, &received); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	decodedValue.CloseHandles()
	if received.Service == nil {
		t.Fatal("decoded offer has no endpoint")
	}
	defer received.Service.Close()

	accepted := make(chan *Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err == nil {
			accepted <- conn
		}
	}()
	client, err := received.Service.Resolve()
	if err != nil {
		t.Fatalf("Resolve through received endpoint: %v", err)
	}
	defer client.Close()
	server := testutil.RequireReceive(t, accepted, 5*time.Second, "accepting through handed-off endpoint")
	server.Close()
}

func TestEndpointRejectsOtherHandles(t *testing.T) {
	var endpoint Endpoint
	err := serial.Unmarshal(wire.String("not an endpoint"), &endpoint)
	if !errors.Is(err, serial.ErrTypeMismatch) {
		t.Errorf("Unmarshal(string) = %v, want ErrTypeMismatch", err)
	}
}
