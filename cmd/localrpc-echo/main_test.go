// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/bureau-foundation/localrpc/lib/config"
	"github.com/bureau-foundation/localrpc/lib/rpc"
	"github.com/bureau-foundation/localrpc/lib/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// startEcho serves the echo service in a private directory and
// returns the path of a config file pointing at it.
func startEcho(t *testing.T) string {
	t.Helper()
	directory := testutil.SocketDir(t)
	configPath := filepath.Join(t.TempDir(), "localrpc.yaml")
	content := fmt.Sprintf("service_directory: %s\nlog_level: error\nrequirements:\n  - same_user: true\n", directory)
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := config.LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	options, err := cfg.ServerOptions(testLogger())
	if err != nil {
		t.Fatalf("ServerOptions: %v", err)
	}
	server := rpc.NewServer(options)
	service := newEchoService(server, testLogger())
	if err := server.Listen("echo"); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		server.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
		service.close()
	})
	return configPath
}

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout bytes.Buffer
	err := run(args, &stdout)
	return stdout.String(), err
}

func TestRunVersion(t *testing.T) {
	output, err := runCommand(t, "--version")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.HasPrefix(output, "localrpc-echo ") {
		t.Errorf("output = %q", output)
	}
}

func TestRunRejectsUnknownCommand(t *testing.T) {
	configPath := startEcho(t)
	if _, err := runCommand(t, "--config", configPath, "launch"); err == nil {
		t.Fatal("expected error for unknown command")
	}
	if _, err := runCommand(t, "--config", configPath, "call", "teleport"); err == nil {
		t.Fatal("expected error for unknown route")
	}
}

func TestRunDigest(t *testing.T) {
	output, err := runCommand(t, "digest")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	fields := strings.Fields(output)
	if len(fields) != 2 || len(fields[0]) != 64 {
		t.Errorf("output = %q, want digest and path", output)
	}
}

func TestCallEcho(t *testing.T) {
	configPath := startEcho(t)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"single", []string{"call", "echo", "hello", "world"}, "hello world\n"},
		{"repeated", []string{"call", "--repeat", "3", "echo", "ab"}, "ababab\n"},
		{"private endpoint", []string{"call", "--private", "echo", "secret"}, "secret\n"},
		{"verified server", []string{"call", "--verify-server", "echo", "checked"}, "checked\n"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			output, err := runCommand(t, append([]string{"--config", configPath}, test.args...)...)
			if err != nil {
				t.Fatalf("run: %v", err)
			}
			if output != test.want {
				t.Errorf("output = %q, want %q", output, test.want)
			}
		})
	}
}

func TestCallEchoTooManyRepeats(t *testing.T) {
	configPath := startEcho(t)
	_, err := runCommand(t, "--config", configPath, "call", "--repeat", "5000", "echo", "x")
	if !errors.Is(err, rpc.ErrOpaque) {
		t.Fatalf("error = %v, want an opaque handler failure", err)
	}
}

func TestCallCount(t *testing.T) {
	configPath := startEcho(t)

	output, err := runCommand(t, "--config", configPath, "call", "--from", "2", "--to", "6", "count")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if output != "2\n3\n4\n5\n" {
		t.Errorf("output = %q", output)
	}

	_, err = runCommand(t, "--config", configPath, "call", "--from", "5", "--to", "1", "count")
	var invalid *InvalidRangeError
	if !errors.As(err, &invalid) {
		t.Fatalf("error = %v, want *InvalidRangeError", err)
	}
	if invalid.From != 5 || invalid.To != 1 {
		t.Errorf("InvalidRangeError = %+v", invalid)
	}
}

func TestCallWhoami(t *testing.T) {
	configPath := startEcho(t)

	output, err := runCommand(t, "--config", configPath, "call", "whoami")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.HasPrefix(output, fmt.Sprintf("pid=%d uid=%d ", os.Getpid(), os.Getuid())) {
		t.Errorf("output = %q", output)
	}
	executable, _ := os.Executable()
	if !strings.Contains(output, "executable="+executable+"\n") {
		t.Errorf("output = %q, want executable %s", output, executable)
	}
}

func TestCallWithoutServer(t *testing.T) {
	directory := testutil.SocketDir(t)
	configPath := filepath.Join(t.TempDir(), "localrpc.yaml")
	if err := os.WriteFile(configPath, []byte("service_directory: "+directory+"\n"), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	_, err := runCommand(t, "--config", configPath, "call", "echo", "x")
	if !errors.Is(err, rpc.ErrConnectionInvalid) {
		t.Fatalf("error = %v, want ErrConnectionInvalid", err)
	}
}
