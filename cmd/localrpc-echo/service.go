// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bureau-foundation/localrpc/lib/route"
	"github.com/bureau-foundation/localrpc/lib/rpc"
	"github.com/bureau-foundation/localrpc/lib/transport"
)

// Routes served by the echo service.
var (
	echoRoute    = route.New("echo")
	countRoute   = route.New("count")
	whoamiRoute  = route.New("whoami")
	logRoute     = route.New("log")
	sessionRoute = route.New("session")
)

// EchoRequest asks for Text repeated Repeat times.
type EchoRequest struct {
	Text   string `wire:"text"`
	Repeat int    `wire:"repeat,omitempty"`
}

func (EchoRequest) WireTypeName() string { return "localrpc.echo.EchoRequest" }

type EchoReply struct {
	Text string `wire:"text"`
}

func (EchoReply) WireTypeName() string { return "localrpc.echo.EchoReply" }

// CountRequest asks for the integers in [From, To), one every
// IntervalMillis.
type CountRequest struct {
	From           int `wire:"from"`
	To             int `wire:"to"`
	IntervalMillis int `wire:"interval_ms,omitempty"`
}

func (CountRequest) WireTypeName() string { return "localrpc.echo.CountRequest" }

// Identity is the caller as the service saw it.
type Identity struct {
	PID        int32  `wire:"pid"`
	UID        uint32 `wire:"uid"`
	GID        uint32 `wire:"gid"`
	Executable string `wire:"executable"`
	Digest     string `wire:"digest"`
}

func (Identity) WireTypeName() string { return "localrpc.echo.Identity" }

// Session carries a private endpoint minted for one caller.
type Session struct {
	Endpoint *transport.Endpoint `wire:"endpoint"`
}

func (Session) WireTypeName() string { return "localrpc.echo.Session" }

// InvalidRangeError is returned by count for an empty or inverted
// range.
type InvalidRangeError struct {
	From int `wire:"from"`
	To   int `wire:"to"`
}

func (e *InvalidRangeError) Error() string {
	return fmt.Sprintf("invalid range [%d, %d)", e.From, e.To)
}

func (*InvalidRangeError) WireTypeName() string { return "localrpc.echo.InvalidRangeError" }

// maxRepeat bounds echo replies well under the message size limit.
const maxRepeat = 1000

var errTooManyRepeats = fmt.Errorf("repeat must be at most %d", maxRepeat)

// echoService implements the handlers. It owns the endpoints it mints
// and closes them on shutdown.
type echoService struct {
	server *rpc.Server
	logger *slog.Logger

	mu       sync.Mutex
	sessions []*transport.Endpoint
}

func newEchoService(server *rpc.Server, logger *slog.Logger) *echoService {
	service := &echoService{server: server, logger: logger}
	rpc.HandleCall(server, echoRoute, service.echo)
	rpc.HandleStream(server, countRoute, service.count, rpc.Throws[*InvalidRangeError]())
	rpc.HandleFetch(server, whoamiRoute, service.whoami)
	rpc.HandleSend(server, logRoute, service.log)
	rpc.HandleFetch(server, sessionRoute, service.session)
	return service
}

func (s *echoService) echo(ctx context.Context, request EchoRequest) (EchoReply, error) {
	if request.Repeat > maxRepeat {
		return EchoReply{}, errTooManyRepeats
	}
	return EchoReply{Text: strings.Repeat(request.Text, max(request.Repeat, 1))}, nil
}

func (s *echoService) count(ctx context.Context, request CountRequest, stream *rpc.Stream[int]) error {
	if request.To <= request.From {
		return &InvalidRangeError{From: request.From, To: request.To}
	}
	interval := time.Duration(request.IntervalMillis) * time.Millisecond
	for value := request.From; value < request.To; value++ {
		if err := stream.Send(value); err != nil {
			return err
		}
		if interval > 0 && value+1 < request.To {
			time.Sleep(interval)
		}
	}
	return nil
}

func (s *echoService) whoami(ctx context.Context) (Identity, error) {
	claim, ok := rpc.ClaimFromContext(ctx)
	if !ok {
		return Identity{}, errors.New("request carries no claim")
	}
	return Identity{
		PID:        claim.Token.PID,
		UID:        claim.Token.UID,
		GID:        claim.Token.GID,
		Executable: claim.Code.Path,
		Digest:     claim.Code.Digest.String(),
	}, nil
}

func (s *echoService) log(ctx context.Context, line string) error {
	claim, _ := rpc.ClaimFromContext(ctx)
	s.logger.Info("message from peer", "peer", claim.String(), "line", line)
	return nil
}

func (s *echoService) session(ctx context.Context) (Session, error) {
	endpoint, err := s.server.MintEndpoint()
	if err != nil {
		return Session{}, err
	}
	s.mu.Lock()
	s.sessions = append(s.sessions, endpoint)
	s.mu.Unlock()
	return Session{Endpoint: endpoint}, nil
}

// close releases every minted endpoint.
func (s *echoService) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, endpoint := range s.sessions {
		endpoint.Close()
	}
	s.sessions = nil
}
