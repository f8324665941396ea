// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/localrpc/lib/config"
	"github.com/bureau-foundation/localrpc/lib/process"
	"github.com/bureau-foundation/localrpc/lib/rpc"
	"github.com/bureau-foundation/localrpc/lib/version"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		process.Fatal(err)
	}
}

func run(args []string, stdout io.Writer) error {
	var configPath string
	var serviceName string

	flagSet := pflag.NewFlagSet("localrpc-echo", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to the config file (default: $LOCALRPC_CONFIG, else built-in defaults)")
	flagSet.StringVar(&serviceName, "name", "echo", "service name in the service directory")
	flagSet.BoolP("help", "h", false, "show help")
	flagSet.Bool("version", false, "print version information")
	flagSet.SetInterspersed(false)

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if showVersion, _ := flagSet.GetBool("version"); showVersion {
		fmt.Fprintf(stdout, "localrpc-echo %s\n", version.Full())
		return nil
	}

	remaining := flagSet.Args()
	if len(remaining) == 0 {
		printHelp(flagSet)
		return fmt.Errorf("missing command")
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	level, err := cfg.Level()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, cancel := process.SignalContext(context.Background())
	defer cancel()

	command, commandArgs := remaining[0], remaining[1:]
	switch command {
	case "serve":
		return serve(ctx, cfg, logger, serviceName)
	case "call":
		return call(ctx, cfg, logger, serviceName, commandArgs, stdout)
	case "digest":
		digest, path, err := version.SelfDigest()
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%s  %s\n", digest, path)
		return nil
	default:
		return fmt.Errorf("unknown command %q (want serve, call, or digest)", command)
	}
}

// loadConfig prefers --config, then LOCALRPC_CONFIG, then defaults.
func loadConfig(path string) (*config.Config, error) {
	var cfg *config.Config
	var err error
	switch {
	case path != "":
		cfg, err = config.LoadFile(path)
	case os.Getenv(config.EnvironmentVariable) != "":
		cfg, err = config.Load()
	default:
		cfg = config.Default()
	}
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger, name string) error {
	options, err := cfg.ServerOptions(logger)
	if err != nil {
		return err
	}
	server := rpc.NewServer(options)
	service := newEchoService(server, logger)
	defer service.close()

	if err := server.Listen(name); err != nil {
		return fmt.Errorf("listening as %q: %w", name, err)
	}
	logger.Info("serving",
		"name", name,
		"directory", options.Directory.Path,
		"requirements", options.Requirements.String(),
	)
	return server.Serve(ctx)
}

func call(ctx context.Context, cfg *config.Config, logger *slog.Logger, name string, args []string, stdout io.Writer) error {
	var repeat, from, to, interval int
	var verifyServer, private bool

	flagSet := pflag.NewFlagSet("call", pflag.ContinueOnError)
	flagSet.IntVar(&repeat, "repeat", 1, "echo: repeat the text this many times")
	flagSet.IntVar(&from, "from", 0, "count: first value")
	flagSet.IntVar(&to, "to", 10, "count: stop before this value")
	flagSet.IntVar(&interval, "interval-ms", 0, "count: delay between values")
	flagSet.BoolVar(&verifyServer, "verify-server", false, "check the server against the configured requirements")
	flagSet.BoolVar(&private, "private", false, "make the call over a private endpoint minted by the server")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() == 0 {
		return fmt.Errorf("call: missing route (echo, count, whoami, log)")
	}

	options, err := cfg.ClientOptions(logger, verifyServer)
	if err != nil {
		return err
	}
	client, err := rpc.DialService(cfg.Directory(), name, options)
	if err != nil {
		return err
	}
	defer client.Close()

	if private {
		session, err := rpc.Fetch[Session](ctx, client, sessionRoute)
		if err != nil {
			return fmt.Errorf("opening private session: %w", err)
		}
		defer session.Endpoint.Close()
		privateClient, err := rpc.DialEndpoint(session.Endpoint, options)
		if err != nil {
			return err
		}
		defer privateClient.Close()
		client = privateClient
	}

	routeName, text := flagSet.Arg(0), strings.Join(flagSet.Args()[1:], " ")
	switch routeName {
	case "echo":
		reply, err := rpc.Call[EchoRequest, EchoReply](ctx, client, echoRoute, EchoRequest{Text: text, Repeat: repeat})
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, reply.Text)
	case "count":
		sequence, err := rpc.Subscribe[CountRequest, int](ctx, client, countRoute,
			CountRequest{From: from, To: to, IntervalMillis: interval}, rpc.Throws[*InvalidRangeError]())
		if err != nil {
			return err
		}
		defer sequence.Close()
		for value, err := range sequence.All(ctx) {
			if err != nil {
				return err
			}
			fmt.Fprintln(stdout, value)
		}
	case "whoami":
		identity, err := rpc.Fetch[Identity](ctx, client, whoamiRoute)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "pid=%d uid=%d gid=%d\nexecutable=%s\ndigest=%s\n",
			identity.PID, identity.UID, identity.GID, identity.Executable, identity.Digest)
	case "log":
		return rpc.Notify(ctx, client, logRoute, text)
	default:
		return fmt.Errorf("call: unknown route %q", routeName)
	}
	return nil
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `localrpc-echo: a demonstration localrpc service and client.

Usage:
  localrpc-echo [flags] serve
  localrpc-echo [flags] call [--repeat N] echo TEXT...
  localrpc-echo [flags] call [--from A --to B --interval-ms MS] count
  localrpc-echo [flags] call whoami
  localrpc-echo [flags] call log TEXT...
  localrpc-echo digest

call also accepts --verify-server and --private.

Flags:
`)
	flagSet.PrintDefaults()
}
