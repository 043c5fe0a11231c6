// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fidl

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Request is an incoming call or one-way message.
type Request struct {
	Header TransactionHeader
	Body   *Buffer
	Sender *ServerSender
}

// Decode decodes the request payload into v.
func (r *Request) Decode(v Decodable) error {
	return DecodeBody(r.Body, v)
}

// TwoWayHandler handles a call and returns the reply payload. Returning an
// error closes the connection; application errors belong in the reply.
type TwoWayHandler func(ctx context.Context, req *Request) (Encodable, error)

// OneWayHandler handles a one-way message. Returning an error closes the
// connection.
type OneWayHandler func(ctx context.Context, req *Request) error

type method struct {
	flexible bool
	twoWay   TwoWayHandler
	oneWay   OneWayHandler
}

// Server dispatches incoming messages by ordinal. One Server may serve any
// number of connections.
type Server struct {
	mu        sync.RWMutex
	methods   map[uint64]method
	log       *zap.Logger
	onConnect func(*ServerSender)
}

// NewServer creates a server with no methods.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		methods: make(map[uint64]method),
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HandleTwoWay registers a two-way method. Replies to flexible methods are
// wrapped in a Flexible result.
func (s *Server) HandleTwoWay(ordinal uint64, flexible bool, h TwoWayHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.methods[ordinal] = method{flexible: flexible, twoWay: h}
}

// HandleOneWay registers a one-way method.
func (s *Server) HandleOneWay(ordinal uint64, flexible bool, h OneWayHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.methods[ordinal] = method{flexible: flexible, oneWay: h}
}

func (s *Server) lookup(ordinal uint64) (method, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.methods[ordinal]
	return m, ok
}

// Serve accepts connections from l until ctx is done or l is closed, serving
// each one in its own goroutine.
func (s *Server) Serve(ctx context.Context, l Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		_ = l.Close()
		return nil
	})

	for {
		t, err := l.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrListenerClosed) {
				break
			}
			s.log.Warn("accept failed", zap.Error(err))
			continue
		}
		g.Go(func() error {
			if err := s.ServeTransport(ctx, t); err != nil {
				s.log.Warn("connection terminated", zap.Error(err))
			}
			return nil
		})
	}
	cancel()
	return g.Wait()
}

// ServeTransport serves a single connection until the peer closes, ctx is
// done, a handler fails or the peer violates the protocol.
func (s *Server) ServeTransport(ctx context.Context, t Transport) error {
	sender, receiver := t.Split()
	ss := &ServerSender{sender: sender}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	if s.onConnect != nil {
		s.onConnect(ss)
	}

	err := s.serve(gctx, g, ss, receiver)
	if err != nil {
		cancel()
	}
	if werr := g.Wait(); werr != nil {
		err = multierr.Append(err, werr)
	}
	cancel()
	closeErr := sender.Close()
	if err != nil {
		return err
	}
	if closeErr != nil {
		s.log.Debug("close transport", zap.Error(closeErr))
	}
	return nil
}

func (s *Server) serve(ctx context.Context, g *errgroup.Group, ss *ServerSender, r Receiver) error {
	for {
		buf, err := r.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return &ProtocolError{Kind: TransportError, Err: err}
		}
		if buf == nil {
			return nil
		}
		hdr, err := DecodeHeader(buf)
		if err != nil {
			return &ProtocolError{Kind: InvalidMessageHeader, Err: err}
		}
		req := &Request{Header: hdr, Body: buf, Sender: ss}
		m, ok := s.lookup(hdr.Ordinal)

		if hdr.IsEvent() {
			if !ok || m.oneWay == nil {
				if hdr.IsFlexible() {
					s.log.Debug("ignoring unknown flexible one-way method", zap.Uint64("ordinal", hdr.Ordinal))
					continue
				}
				return &ProtocolError{Kind: UnknownOrdinal, Actual: hdr.Ordinal}
			}
			g.Go(func() error {
				if err := m.oneWay(ctx, req); err != nil && ctx.Err() == nil {
					return fmt.Errorf("one-way method %#x: %w", hdr.Ordinal, err)
				}
				return nil
			})
			continue
		}

		if !ok || m.twoWay == nil {
			if !hdr.IsFlexible() {
				return &ProtocolError{Kind: UnknownOrdinal, Txid: hdr.Txid, Actual: hdr.Ordinal}
			}
			s.log.Debug("unknown flexible method", zap.Uint64("ordinal", hdr.Ordinal))
			unknown := FlexibleFrameworkErr[Empty](FrameworkErrUnknownMethod)
			if err := ss.reply(ctx, hdr, &unknown); err != nil {
				return &ProtocolError{Kind: TransportError, Err: err}
			}
			continue
		}

		g.Go(func() error {
			resp, err := m.twoWay(ctx, req)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("method %#x: %w", hdr.Ordinal, err)
			}
			if m.flexible {
				resp = flexibleOk{body: resp}
			}
			if err := ss.reply(ctx, hdr, resp); err != nil {
				// The reader observes the broken transport on its own.
				s.log.Debug("reply failed", zap.Uint32("txid", hdr.Txid), zap.Error(err))
			}
			return nil
		})
	}
}

// flexibleOk wraps a reply payload in the success arm of a Flexible result.
type flexibleOk struct {
	body Encodable
}

func (f flexibleOk) Encode(e *Encoder) error {
	body := f.body
	if body == nil {
		body = Empty{}
	}
	e.WriteUint64(flexibleOkOrdinal)
	return e.EncodeEnvelope(body)
}

// ServerSender writes replies and events on one connection.
type ServerSender struct {
	sender Sender
}

// SendEvent sends an unsolicited message (txid 0) to the client.
func (s *ServerSender) SendEvent(ctx context.Context, ordinal uint64, body Encodable) error {
	buf := s.sender.Acquire()
	if err := EncodeMessage(buf, NewHeader(0, ordinal, 0), body); err != nil {
		return err
	}
	return s.sender.Send(ctx, buf)
}

// Close closes the connection.
func (s *ServerSender) Close() error {
	return s.sender.Close()
}

func (s *ServerSender) reply(ctx context.Context, req TransactionHeader, body Encodable) error {
	buf := s.sender.Acquire()
	hdr := NewHeader(req.Txid, req.Ordinal, req.Flags[2]&DynamicFlagFlexible)
	if err := EncodeMessage(buf, hdr, body); err != nil {
		return err
	}
	return s.sender.Send(ctx, buf)
}
