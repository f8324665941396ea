// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/bureau-foundation/localrpc/lib/attest"
	"github.com/bureau-foundation/localrpc/lib/codec"
	"github.com/bureau-foundation/localrpc/lib/route"
	"github.com/bureau-foundation/localrpc/lib/transport"
)

// ErrServerClosed is returned when listening on a server that has
// shut down.
var ErrServerClosed = errors.New("rpc: server closed")

// errNotAuthorized is the diagnostic error for a sender that
// satisfied no requirement.
var errNotAuthorized = errors.New("sender satisfies no requirement")

// errReplyEncoding marks a reply that could not be framed, as opposed
// to one that could not be delivered.
var errReplyEncoding = errors.New("reply could not be encoded")

// Server routes authenticated requests to registered handlers.
//
// Register handlers with Handle, HandleFetch, HandleSend, HandleCall,
// and HandleStream; add addresses with Listen and MintEndpoint; then
// call Serve. Registration and minting may continue while serving.
type Server struct {
	options   Options
	logger    *slog.Logger
	reporter  reporter
	attestor  attest.Attestor
	directory transport.Directory
	table     route.Table[*handler]
	queue     *workQueue

	// connectionContext paces rate-limited readers. It is cancelled
	// only once every connection is being closed.
	connectionContext context.Context
	cancelConnections context.CancelFunc

	mu         sync.Mutex
	listeners  map[transport.Listener]struct{}
	conns      map[*serverConn]struct{}
	handlerCtx context.Context
	serving    bool
	stopping   bool

	acceptors   sync.WaitGroup
	readers     sync.WaitGroup
	connections atomic.Uint64
}

// NewServer creates a server. No sockets are opened until Listen or
// MintEndpoint.
func NewServer(options Options) *Server {
	logger := loggerOrDiscard(options.Logger)
	directory := options.Directory
	if directory.Path == "" {
		directory = transport.DefaultDirectory()
	}
	if len(options.Requirements) == 0 {
		logger.Warn("server has no requirements and will reject every caller")
	}
	connectionContext, cancel := context.WithCancel(context.Background())
	return &Server{
		options:           options,
		logger:            logger,
		reporter:          reporter{logger: logger, hook: options.Diagnostics},
		attestor:          attestorOrDefault(options.Attestor),
		directory:         directory,
		queue:             newWorkQueue(options.Queue, options.MaxConcurrent),
		connectionContext: connectionContext,
		cancelConnections: cancel,
		listeners:         make(map[transport.Listener]struct{}),
		conns:             make(map[*serverConn]struct{}),
	}
}

func (s *Server) register(r route.Route, h *handler) {
	if s.table.Register(r, h) {
		s.logger.Debug("route registration replaced", "route", r.String())
	}
}

// Routes returns the registered routes, sorted.
func (s *Server) Routes() []route.Route {
	return s.table.Routes()
}

// Listen serves the named service in the server's directory.
func (s *Server) Listen(name string) error {
	listener, err := s.directory.Listen(name)
	if err != nil {
		return err
	}
	return s.addListener(listener)
}

// MintEndpoint creates an anonymous endpoint served by s. The caller
// owns the returned Endpoint and typically sends it to a client in a
// reply; the server stops listening on it once every copy is closed.
func (s *Server) MintEndpoint() (*transport.Endpoint, error) {
	endpoint, listener, err := transport.NewEndpoint()
	if err != nil {
		return nil, err
	}
	if err := s.addListener(listener); err != nil {
		endpoint.Close()
		return nil, err
	}
	return endpoint, nil
}

func (s *Server) addListener(listener transport.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		listener.Close()
		return ErrServerClosed
	}
	s.listeners[listener] = struct{}{}
	if s.serving {
		s.startAccepting(listener)
	}
	s.logger.Debug("listening", "address", listener.Addr())
	return nil
}

// startAccepting must be called with s.mu held.
func (s *Server) startAccepting(listener transport.Listener) {
	s.acceptors.Add(1)
	go s.accept(listener)
}

// Serve accepts connections on every listener, current and future,
// until ctx is cancelled. It then stops accepting, tells connected
// peers that termination is imminent, waits for dispatched handlers
// to finish, and closes every connection before returning.
//
// Handlers run with a context derived from ctx that is never
// cancelled: once dispatched, a handler always runs to completion.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	if s.serving || s.stopping {
		s.mu.Unlock()
		return fmt.Errorf("rpc: Serve called more than once")
	}
	s.serving = true
	s.handlerCtx = context.WithoutCancel(ctx)
	for listener := range s.listeners {
		s.startAccepting(listener)
	}
	listenerCount := len(s.listeners)
	s.mu.Unlock()

	s.logger.Info("server started",
		"routes", s.table.Len(),
		"listeners", listenerCount,
		"queue", s.options.Queue.String(),
	)

	<-ctx.Done()
	s.shutdown()
	s.logger.Info("server stopped", "connections_served", s.connections.Load())
	return nil
}

func (s *Server) shutdown() {
	s.mu.Lock()
	s.stopping = true
	listeners := make([]transport.Listener, 0, len(s.listeners))
	for listener := range s.listeners {
		listeners = append(listeners, listener)
	}
	s.mu.Unlock()

	for _, listener := range listeners {
		listener.Close()
	}
	s.acceptors.Wait()

	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		conn.sendEvent(eventTerminating)
	}
	s.queue.drain()

	s.cancelConnections()
	for _, conn := range conns {
		conn.conn.Close()
	}
	s.readers.Wait()
}

// maxAcceptBackoff caps the delay between retries after an accept
// error that did not close the listener.
const maxAcceptBackoff = time.Second

func (s *Server) accept(listener transport.Listener) {
	defer s.acceptors.Done()
	var backoff time.Duration
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.removeListener(listener)
				s.logger.Debug("listener closed", "address", listener.Addr())
				return
			}
			s.logger.Error("accept failed", "address", listener.Addr(), "error", err)
			backoff = min(max(2*backoff, 5*time.Millisecond), maxAcceptBackoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0
		s.adopt(conn)
	}
}

func (s *Server) removeListener(listener transport.Listener) {
	s.mu.Lock()
	delete(s.listeners, listener)
	s.mu.Unlock()
	listener.Close()
}

func (s *Server) adopt(conn *transport.Conn) {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		conn.Close()
		return
	}
	serving := &serverConn{
		server: s,
		conn:   conn,
		id:     s.connections.Add(1),
	}
	if s.options.RateLimit > 0 {
		serving.limiter = rate.NewLimiter(s.options.RateLimit, max(s.options.RateBurst, 1))
	}
	s.conns[serving] = struct{}{}
	s.readers.Add(1)
	s.mu.Unlock()

	go serving.run()
}

func (s *Server) forget(conn *serverConn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// serverConn is one accepted connection. Its reader goroutine
// authenticates and routes messages in arrival order; handlers run on
// the server's work queue.
type serverConn struct {
	server  *Server
	conn    *transport.Conn
	id      uint64
	limiter *rate.Limiter
}

func (c *serverConn) run() {
	s := c.server
	defer s.readers.Done()
	defer s.forget(c)
	defer c.conn.Close()

	s.logger.Debug("connection opened", "connection", c.id)
	for {
		message, err := c.conn.Receive()
		if err != nil {
			if errors.Is(err, transport.ErrTruncated) {
				s.reporter.report(Diagnostic{Kind: DiagnosticMalformed, Err: err})
				continue
			}
			if errors.Is(err, transport.ErrPeerClosed) || errors.Is(err, net.ErrClosed) {
				s.logger.Debug("connection closed", "connection", c.id)
				return
			}
			s.reporter.report(Diagnostic{Kind: DiagnosticTransport, Err: err})
			return
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(s.connectionContext); err != nil {
				closeMessageFiles(message)
				return
			}
		}
		c.handle(message)
	}
}

// handle takes one message through authentication and routing, and
// hands it to the work queue.
func (c *serverConn) handle(message transport.Message) {
	s := c.server

	if !message.HasCredentials {
		closeMessageFiles(message)
		s.reporter.report(Diagnostic{Kind: DiagnosticRejected, Err: errors.New("message carries no credentials")})
		return
	}
	claim, err := s.attestor.Attest(message.Credentials)
	if err != nil {
		closeMessageFiles(message)
		s.reporter.report(Diagnostic{Kind: DiagnosticRejected, Err: err})
		return
	}
	if !s.options.Requirements.Evaluate(claim) {
		closeMessageFiles(message)
		s.reporter.report(Diagnostic{
			Kind:  DiagnosticRejected,
			Claim: &claim,
			Err:   fmt.Errorf("%w (requirements: %s)", errNotAuthorized, s.options.Requirements),
		})
		return
	}

	value, err := codec.Decode(message.Frame, message.Files)
	if err != nil {
		s.reporter.report(Diagnostic{Kind: DiagnosticMalformed, Claim: &claim, Err: err})
		return
	}
	request, err := parseEnvelope(value)
	if err == nil && request.route == nil {
		err = errors.New("request has no route")
	}
	if err != nil {
		value.CloseHandles()
		s.reporter.report(Diagnostic{Kind: DiagnosticMalformed, Claim: &claim, Err: err})
		return
	}

	registered, registeredRoute, found := s.table.Lookup(request.route.Key())
	if !found {
		value.CloseHandles()
		s.logger.Debug("route not registered", "route", request.route.String(), "connection", c.id)
		if request.hasID {
			response := envelope{phase: phaseReply, failure: &failure{Kind: failureRouting}}
			if request.route.Streaming {
				response.phase = phaseFinished
			}
			response.setID(request.id)
			c.send(response, *request.route)
		}
		return
	}

	respond := &responder{
		conn:      c,
		route:     registeredRoute,
		declared:  registered.errors,
		claim:     claim,
		id:        request.id,
		replyable: request.hasID,
	}
	call := &inbound{route: registeredRoute, payload: request.payload, hasPayload: request.hasPayload}
	ctx := context.WithValue(s.handlerContext(), claimKey{}, claim)
	submitted := s.queue.submit(func() {
		defer value.CloseHandles()
		c.invoke(ctx, registered, call, respond)
	})
	if !submitted {
		value.CloseHandles()
	}
}

func (s *Server) handlerContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handlerCtx
}

func (c *serverConn) invoke(ctx context.Context, registered *handler, call *inbound, respond *responder) {
	defer func() {
		if recovered := recover(); recovered != nil {
			respond.recovered(recovered)
		}
	}()
	registered.invoke(ctx, call, respond)
}

func (c *serverConn) sendEvent(event string) {
	c.send(envelope{event: event}, route.Route{})
}

// send frames and writes one message, then releases the handles it
// carried.
func (c *serverConn) send(message envelope, r route.Route) error {
	s := c.server
	value, err := message.value()
	if err != nil {
		message.payload.CloseHandles()
		return fmt.Errorf("%w: %w", errReplyEncoding, err)
	}
	defer value.CloseHandles()

	frame, files, err := s.options.Compression.Encode(value)
	if err != nil {
		return fmt.Errorf("%w: %w", errReplyEncoding, err)
	}
	if err := c.conn.Send(frame, files); err != nil {
		if errors.Is(err, transport.ErrPeerClosed) || errors.Is(err, net.ErrClosed) {
			s.logger.Debug("reply undeliverable, caller is gone", "route", r.String(), "connection", c.id)
		} else {
			s.reporter.report(Diagnostic{Kind: DiagnosticTransport, Route: r, Err: err})
		}
		return err
	}
	return nil
}

func closeMessageFiles(message transport.Message) {
	for _, file := range message.Files {
		file.Close()
	}
}
