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

	"github.com/bureau-foundation/localrpc/lib/attest"
	"github.com/bureau-foundation/localrpc/lib/codec"
	"github.com/bureau-foundation/localrpc/lib/route"
	"github.com/bureau-foundation/localrpc/lib/transport"
	"github.com/bureau-foundation/localrpc/lib/wire"
)

// Client calls routes on one server. It is safe for concurrent use;
// calls share one connection and replies are matched by request id.
//
// A client for a named service redials on the next call after its
// connection breaks. A client for an anonymous endpoint re-resolves
// the endpoint instead, and becomes permanently invalid once the
// endpoint's server has stopped listening.
type Client struct {
	options  ClientOptions
	logger   *slog.Logger
	reporter reporter
	attestor attest.Attestor

	// target names what the client connects to, for logs.
	target string

	// dial opens a new connection. For endpoint clients, a failure
	// wrapping transport.ErrEndpointInvalid is permanent.
	dial func() (*transport.Conn, error)

	// endpoint is owned by endpoint clients and closed with the
	// client.
	endpoint *transport.Endpoint

	mu      sync.Mutex
	session *session
	// live holds every session whose connection is still open,
	// including ones dropped after a terminating event that are
	// still delivering replies to earlier calls.
	live    map[*session]struct{}
	nextID  uint64
	closed  bool
	invalid error
}

// DialService connects to the named service in directory.
func DialService(directory transport.Directory, name string, options ClientOptions) (*Client, error) {
	if err := transport.ValidateName(name); err != nil {
		return nil, err
	}
	client := newClient(options, name, func() (*transport.Conn, error) {
		return directory.Dial(name)
	})
	if _, err := client.currentSession(); err != nil {
		return nil, err
	}
	return client, nil
}

// DialEndpoint connects through an anonymous endpoint. The client
// keeps its own copy of the endpoint; the caller may close theirs.
func DialEndpoint(endpoint *transport.Endpoint, options ClientOptions) (*Client, error) {
	owned, err := endpoint.Clone()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionInvalid, err)
	}
	client := newClient(options, "anonymous endpoint", owned.Resolve)
	client.endpoint = owned
	if _, err := client.currentSession(); err != nil {
		owned.Close()
		return nil, err
	}
	return client, nil
}

func newClient(options ClientOptions, target string, dial func() (*transport.Conn, error)) *Client {
	logger := loggerOrDiscard(options.Logger)
	client := &Client{
		options:  options,
		logger:   logger,
		reporter: reporter{logger: logger, hook: options.Diagnostics},
		target:   target,
		dial:     dial,
	}
	if options.Requirements != nil {
		client.attestor = attestorOrDefault(options.Attestor)
	}
	return client
}

// Close closes the connection. In-flight calls and sequences fail with
// ErrCancelled.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.session = nil
	live := c.live
	c.live = nil
	c.mu.Unlock()

	for open := range live {
		open.fail(ErrCancelled)
		open.conn.Close()
	}
	if c.endpoint != nil {
		c.endpoint.Close()
	}
	return nil
}

// currentSession returns the live session, connecting if there is
// none.
func (c *Client) currentSession() (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrCancelled
	}
	if c.invalid != nil {
		return nil, c.invalid
	}
	if c.session != nil && !c.session.isDone() {
		return c.session, nil
	}

	conn, err := c.dial()
	if err != nil {
		wrapped := fmt.Errorf("%w: %s: %w", ErrConnectionInvalid, c.target, err)
		if errors.Is(err, transport.ErrEndpointInvalid) {
			c.invalid = wrapped
		}
		return nil, wrapped
	}
	c.session = newSession(c, conn)
	if c.live == nil {
		c.live = make(map[*session]struct{})
	}
	c.live[c.session] = struct{}{}
	go c.session.read()
	c.logger.Debug("connected", "target", c.target)
	return c.session, nil
}

// dropSession forgets current so the next call reconnects.
func (c *Client) dropSession(current *session) {
	c.mu.Lock()
	if c.session == current {
		c.session = nil
	}
	c.mu.Unlock()
}

// forgetSession removes a session whose connection has ended.
func (c *Client) forgetSession(ended *session) {
	c.mu.Lock()
	delete(c.live, ended)
	c.mu.Unlock()
}

func (c *Client) allocateID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	return c.nextID
}

// start sends a request. With expectReply it registers and returns
// the pending slot the replies will arrive in. The payload's handles
// are closed once sent.
func (c *Client) start(r route.Route, payload *wire.Value, expectReply bool) (*pending, error) {
	current, err := c.currentSession()
	if err != nil {
		if payload != nil {
			payload.CloseHandles()
		}
		return nil, err
	}

	request := envelope{route: &r}
	if payload != nil {
		request.setPayload(*payload)
	}
	var slot *pending
	if expectReply {
		request.setID(c.allocateID())
		slot = current.register(request.id)
		if slot == nil {
			request.payload.CloseHandles()
			return nil, current.doneErr()
		}
	}

	value, err := request.value()
	if err != nil {
		request.payload.CloseHandles()
		current.unregister(request.id)
		return nil, err
	}
	defer value.CloseHandles()
	frame, files, err := c.options.Compression.Encode(value)
	if err != nil {
		current.unregister(request.id)
		return nil, err
	}
	if err := current.conn.Send(frame, files); err != nil {
		current.unregister(request.id)
		if errors.Is(err, transport.ErrPeerClosed) || errors.Is(err, net.ErrClosed) {
			current.fail(ErrConnectionInterrupted)
			c.dropSession(current)
			return nil, current.doneErr()
		}
		return nil, err
	}
	return slot, nil
}

// session is one connection and the calls waiting on it.
type session struct {
	client *Client
	conn   *transport.Conn

	mu          sync.Mutex
	calls       map[uint64]*pending
	terminating bool
	err         error
	done        chan struct{}
}

func newSession(client *Client, conn *transport.Conn) *session {
	return &session{
		client: client,
		conn:   conn,
		calls:  make(map[uint64]*pending),
		done:   make(chan struct{}),
	}
}

func (s *session) isDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err != nil || s.terminating
}

func (s *session) doneErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.terminating {
		return ErrTerminationImminent
	}
	return nil
}

func (s *session) register(id uint64) *pending {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil
	}
	slot := newPending(s, id)
	s.calls[id] = slot
	return slot
}

func (s *session) unregister(id uint64) {
	s.mu.Lock()
	delete(s.calls, id)
	s.mu.Unlock()
}

// fail ends the session with err, which every waiting call receives.
// Only the first failure counts.
func (s *session) fail(err error) {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return
	}
	s.err = err
	calls := s.calls
	s.calls = nil
	close(s.done)
	s.mu.Unlock()

	for _, slot := range calls {
		slot.fail(err)
	}
}

// read delivers replies to their pending calls until the connection
// ends.
func (s *session) read() {
	client := s.client
	defer s.conn.Close()
	defer client.forgetSession(s)
	defer client.dropSession(s)

	for {
		message, err := s.conn.Receive()
		if err != nil {
			if errors.Is(err, transport.ErrTruncated) {
				client.reporter.report(Diagnostic{Kind: DiagnosticMalformed, Err: err})
				continue
			}
			s.mu.Lock()
			terminating := s.terminating
			s.mu.Unlock()
			switch {
			case terminating:
				s.fail(fmt.Errorf("%w: connection closed", ErrTerminationImminent))
			case errors.Is(err, transport.ErrPeerClosed) || errors.Is(err, net.ErrClosed):
				s.fail(ErrConnectionInterrupted)
			default:
				s.fail(fmt.Errorf("%w: %w", ErrConnectionInterrupted, err))
			}
			client.logger.Debug("connection ended", "target", client.target, "error", err)
			return
		}
		s.deliver(message)
	}
}

func (s *session) deliver(message transport.Message) {
	client := s.client
	if client.attestor != nil {
		if !message.HasCredentials {
			closeMessageFiles(message)
			client.reporter.report(Diagnostic{Kind: DiagnosticRejected, Err: errors.New("reply carries no credentials")})
			return
		}
		claim, err := client.attestor.Attest(message.Credentials)
		if err != nil {
			closeMessageFiles(message)
			client.reporter.report(Diagnostic{Kind: DiagnosticRejected, Err: err})
			return
		}
		if !client.options.Requirements.Evaluate(claim) {
			closeMessageFiles(message)
			client.reporter.report(Diagnostic{Kind: DiagnosticRejected, Claim: &claim, Err: errNotAuthorized})
			return
		}
	}

	value, err := codec.Decode(message.Frame, message.Files)
	if err != nil {
		client.reporter.report(Diagnostic{Kind: DiagnosticMalformed, Err: err})
		return
	}
	reply, err := parseEnvelope(value)
	if err != nil {
		value.CloseHandles()
		client.reporter.report(Diagnostic{Kind: DiagnosticMalformed, Err: err})
		return
	}

	if reply.event == eventTerminating {
		value.CloseHandles()
		s.mu.Lock()
		s.terminating = true
		s.mu.Unlock()
		client.dropSession(s)
		client.logger.Debug("server is terminating", "target", client.target)
		return
	}
	if !reply.hasID {
		value.CloseHandles()
		client.logger.Debug("dropping reply without request id", "target", client.target)
		return
	}

	s.mu.Lock()
	slot := s.calls[reply.id]
	if slot != nil && reply.isTerminal() {
		delete(s.calls, reply.id)
	}
	s.mu.Unlock()
	if slot == nil {
		// The caller gave up on this request.
		value.CloseHandles()
		return
	}
	slot.push(delivered{envelope: reply, message: value})
}

// delivered is one reply together with the message that owns its
// handles.
type delivered struct {
	envelope envelope
	message  wire.Value
}

// pending holds the replies for one request until the caller takes
// them. The queue is unbounded so a slow consumer of one stream never
// blocks delivery to other calls.
type pending struct {
	session *session
	id      uint64

	mu     sync.Mutex
	queue  []delivered
	err    error
	signal chan struct{}
}

func newPending(owner *session, id uint64) *pending {
	return &pending{session: owner, id: id, signal: make(chan struct{}, 1)}
}

func (p *pending) push(reply delivered) {
	p.mu.Lock()
	p.queue = append(p.queue, reply)
	p.mu.Unlock()
	p.notify()
}

func (p *pending) fail(err error) {
	p.mu.Lock()
	if p.err == nil {
		p.err = err
	}
	p.mu.Unlock()
	p.notify()
}

func (p *pending) notify() {
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

// next waits for the next reply. Queued replies are returned before a
// failure.
func (p *pending) next(ctx context.Context) (delivered, error) {
	for {
		p.mu.Lock()
		if len(p.queue) > 0 {
			reply := p.queue[0]
			p.queue[0] = delivered{}
			p.queue = p.queue[1:]
			p.mu.Unlock()
			return reply, nil
		}
		err := p.err
		p.mu.Unlock()
		if err != nil {
			return delivered{}, err
		}

		select {
		case <-p.signal:
		case <-ctx.Done():
			return delivered{}, ctx.Err()
		}
	}
}

// abandon stops delivery to p and releases any replies that were
// never taken. Later replies for the request are dropped on arrival.
func (p *pending) abandon() {
	p.session.unregister(p.id)
	p.mu.Lock()
	queue := p.queue
	p.queue = nil
	p.mu.Unlock()
	for _, reply := range queue {
		reply.message.CloseHandles()
	}
}
