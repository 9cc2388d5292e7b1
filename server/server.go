// Package server hosts named channels: it accepts framed connections, routes
// each method call to the channel it names and writes back exactly one reply.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → for each request: go handleRequest (parallel processing)
//	    → Codec.Decode → Middleware Chain → dispatch (channel lookup → Handler) → Codec.Encode → write reply
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"platform-channel/channel"
	"platform-channel/codec"
	"platform-channel/message"
	"platform-channel/middleware"
	"platform-channel/protocol"
	"platform-channel/registry"
)

var (
	ErrChannelExists  = errors.New("server: channel already registered")
	ErrInvalidChannel = errors.New("server: invalid channel")
	ErrServerClosed   = errors.New("server: closed")
)

// Server hosts channels and answers method calls addressed to them.
type Server struct {
	mu       sync.RWMutex
	channels map[string]*hostedChannel // "highlight_mentions" → handler
	listener net.Listener
	conns    map[net.Conn]struct{}

	wg          sync.WaitGroup // Tracks in-flight requests for graceful shutdown
	shutdown    atomic.Bool    // Set during shutdown to suppress Accept errors
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // middleware(middleware(...(dispatch)))

	registry        registry.Registry // nil when not publishing
	advertiseAddr   string
	ttl             int64
	weight          int
	version         string
	registryTimeout time.Duration

	logger *zap.Logger
}

// NewServer creates a server with no channels.
func NewServer(opts ...Option) *Server {
	s := &Server{
		channels:        make(map[string]*hostedChannel),
		conns:           make(map[net.Conn]struct{}),
		ttl:             10,
		weight:          1,
		registryTimeout: 3 * time.Second,
		logger:          zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterChannel makes h answer every call addressed to name.
// Channels registered while serving are published to the registry immediately.
func (s *Server) RegisterChannel(name string, h channel.Handler) error {
	hc, err := newHostedChannel(name, h)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if _, ok := s.channels[name]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrChannelExists, name)
	}
	s.channels[name] = hc
	serving := s.listener != nil
	s.mu.Unlock()

	s.logger.Info("channel registered", zap.String("channel", name))
	if serving {
		return s.publish(name)
	}
	return nil
}

// Channels returns the registered channel names, sorted.
func (s *Server) Channels() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.channels))
	for name := range s.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stats returns the call counters of a channel.
func (s *Server) Stats(name string) (ChannelStats, bool) {
	s.mu.RLock()
	hc, ok := s.channels[name]
	s.mu.RUnlock()
	if !ok {
		return ChannelStats{}, false
	}
	return hc.stats(), true
}

// Use registers a middleware. Middlewares are applied in the order they are added
// and must be registered before Serve.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// Serve listens on the given address and serves until Shutdown.
func (s *Server) Serve(network, address string) error {
	ln, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return s.ServeListener(ln)
}

// ServeListener serves connections accepted from ln until Shutdown.
// It returns nil after a graceful Shutdown.
func (s *Server) ServeListener(ln net.Listener) error {
	if s.shutdown.Load() {
		ln.Close()
		return ErrServerClosed
	}

	// Build the middleware chain once at startup (not per-request)
	s.handler = middleware.Chain(s.middlewares...)(s.dispatch)

	s.mu.Lock()
	s.listener = ln
	names := make([]string, 0, len(s.channels))
	for name := range s.channels {
		names = append(names, name)
	}
	s.mu.Unlock()

	s.logger.Info("serving", zap.Stringer("addr", ln.Addr()), zap.Strings("channels", names))

	for _, name := range names {
		if err := s.publish(name); err != nil {
			s.logger.Warn("publish channel failed", zap.String("channel", name), zap.Error(err))
		}
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			// listener.Close() during Shutdown also makes Accept fail
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		go s.handleConn(conn)
	}
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) publish(name string) error {
	if s.registry == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.registryTimeout)
	defer cancel()

	inst := registry.NewInstance(s.advertiseAddr, s.version)
	inst.Weight = s.weight
	return s.registry.Register(ctx, name, inst, s.ttl)
}

// handleConn reads frames from one connection sequentially and dispatches
// each request to its own goroutine. All of them share one write lock so
// reply frames never interleave.
func (s *Server) handleConn(conn net.Conn) {
	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	writeMu := &sync.Mutex{}
	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) && !s.shutdown.Load() {
				s.logger.Debug("connection closed", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
			}
			return
		}

		if header.MsgType != protocol.MsgTypeRequest {
			continue // heartbeats keep the connection alive and carry nothing
		}

		// Checked under mu so no Add can follow the Wait in Shutdown.
		// Calls that arrive once shutdown has begun get no reply.
		s.mu.Lock()
		if s.shutdown.Load() {
			s.mu.Unlock()
			continue
		}
		s.wg.Add(1)
		s.mu.Unlock()
		go s.handleRequest(header, body, conn, writeMu)
	}
}

// handleRequest decodes one request, runs it through the middleware chain and
// writes the reply with the same Seq.
func (s *Server) handleRequest(header *protocol.Header, body []byte, conn net.Conn, writeMu *sync.Mutex) {
	defer s.wg.Done()

	c := codec.GetCodec(codec.CodecType(header.CodecType))
	req := &message.Message{}
	var reply *message.Message
	if err := c.Decode(body, req); err != nil {
		reply = message.ErrorReply(req, message.CodeBadRequest, fmt.Sprintf("decode request: %v", err))
	} else {
		reply = s.handler(context.Background(), req)
	}

	result, err := c.Encode(reply)
	if err != nil {
		s.logger.Error("encode reply failed", zap.String("channel", req.Channel), zap.Error(err))
		result, err = c.Encode(message.ErrorReply(req, message.CodeInternal, "encode reply failed"))
		if err != nil {
			return
		}
	}

	replyHeader := protocol.Header{
		CodecType: header.CodecType,
		MsgType:   protocol.MsgTypeResponse,
		Seq:       header.Seq,
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	if err := protocol.Encode(conn, &replyHeader, result); err != nil {
		s.logger.Warn("write reply failed", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
	}
}

// dispatch routes a call to its channel. A call to a channel nobody registered
// gets the same "not implemented" reply as an unknown method.
func (s *Server) dispatch(ctx context.Context, req *message.Message) *message.Message {
	s.mu.RLock()
	hc, ok := s.channels[req.Channel]
	s.mu.RUnlock()
	if !ok {
		s.logger.Debug("call to unregistered channel", zap.String("channel", req.Channel), zap.String("method", req.Method))
		return message.NotImplementedReply(req)
	}
	return hc.call(ctx, req)
}

// Shutdown stops the server gracefully:
//  1. Deregister all channels (callers stop routing to this host)
//  2. Set the shutdown flag and close the listener; later calls are dropped
//  3. Wait for in-flight requests, at most timeout
//  4. Close the remaining connections
func (s *Server) Shutdown(timeout time.Duration) error {
	var errs error

	// Deregister first so callers stop sending new requests
	if s.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.registryTimeout)
		for _, name := range s.Channels() {
			if err := s.registry.Deregister(ctx, name, s.advertiseAddr); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("deregister %s: %w", name, err))
			}
		}
		cancel()
	}

	// The flag must be set before the listener closes, otherwise Serve would
	// see the Accept error first and report it
	s.mu.Lock()
	s.shutdown.Store(true)
	ln := s.listener
	s.mu.Unlock()
	if ln != nil {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = multierr.Append(errs, err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		errs = multierr.Append(errs, fmt.Errorf("timeout waiting for ongoing requests to finish"))
	}

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.logger.Info("server stopped", zap.Error(errs))
	return errs
}
