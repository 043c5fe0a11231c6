// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fidl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// grpcChannelMethod is the bidirectional stream carrying one transport. The
// service has no generated stubs; the server side is routed through
// grpc.UnknownServiceHandler.
const grpcChannelMethod = "/fidl.Transport/Channel"

var grpcChannelDesc = &grpc.StreamDesc{
	StreamName:    "Channel",
	ServerStreams: true,
	ClientStreams: true,
}

func init() {
	registerTransport(TransportGRPC, dialGRPC, listenGRPC)
}

type grpcStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

// GRPCTransport carries each message as a wrapperspb.BytesValue on a gRPC
// bidirectional stream. Handles cannot be transferred.
type GRPCTransport struct {
	stream       grpcStream
	writeMu      sync.Mutex
	closed       atomic.Bool
	done         chan struct{}
	shutdown     func() error
	maxFrameSize uint32
}

func dialGRPC(ctx context.Context, addr string, o *dialOptions) (Transport, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("grpc dial: %w", err)
	}
	// The stream outlives the dial context; it ends on Close.
	sctx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)
	stream, err := conn.NewStream(sctx, grpcChannelDesc, grpcChannelMethod, grpc.WaitForReady(true))
	if !stop() {
		err = errors.Join(err, ctx.Err())
	}
	if err != nil {
		cancel()
		_ = conn.Close()
		return nil, fmt.Errorf("grpc open stream: %w", err)
	}
	t := &GRPCTransport{
		stream:       stream,
		done:         make(chan struct{}),
		maxFrameSize: o.maxFrameSize,
	}
	t.shutdown = func() error {
		t.writeMu.Lock()
		err := stream.CloseSend()
		t.writeMu.Unlock()
		cancel()
		if cerr := conn.Close(); err == nil {
			err = cerr
		}
		return err
	}
	return t, nil
}

func newServerGRPCTransport(stream grpc.ServerStream, maxFrameSize uint32) *GRPCTransport {
	t := &GRPCTransport{
		stream:       stream,
		done:         make(chan struct{}),
		maxFrameSize: maxFrameSize,
	}
	t.shutdown = func() error { return nil }
	return t
}

// Split returns the transport itself as both halves.
func (t *GRPCTransport) Split() (Sender, Receiver) {
	return t, t
}

func (t *GRPCTransport) Acquire() *Buffer {
	return &Buffer{}
}

func (t *GRPCTransport) Send(ctx context.Context, buf *Buffer) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}
	if len(buf.Handles) > 0 {
		return ErrHandlesUnsupported
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.stream.SendMsg(wrapperspb.Bytes(buf.Bytes())); err != nil {
		if t.closed.Load() || errors.Is(err, io.EOF) {
			return ErrTransportClosed
		}
		return fmt.Errorf("grpc send: %w", err)
	}
	return nil
}

// Recv reads the next frame. gRPC streams cannot abandon a single read, so
// cancelling ctx closes the transport.
func (t *GRPCTransport) Recv(ctx context.Context) (*Buffer, error) {
	if t.closed.Load() {
		return nil, nil
	}
	stop := context.AfterFunc(ctx, func() { _ = t.Close() })
	defer stop()

	var msg wrapperspb.BytesValue
	if err := t.stream.RecvMsg(&msg); err != nil {
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case t.closed.Load(), errors.Is(err, io.EOF), status.Code(err) == codes.Canceled:
			return nil, nil
		}
		return nil, fmt.Errorf("grpc recv: %w", err)
	}
	if t.maxFrameSize > 0 && uint32(len(msg.Value)) > t.maxFrameSize {
		return nil, ErrFrameTooLarge
	}
	return BufferFromBytes(msg.Value, nil)
}

// Close ends the stream. On the server side the stream handler returns.
func (t *GRPCTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	close(t.done)
	return t.shutdown()
}

// grpcListener hands out one transport per incoming Channel stream.
type grpcListener struct {
	listener     net.Listener
	server       *grpc.Server
	conns        chan *GRPCTransport
	closed       chan struct{}
	closeOnce    sync.Once
	maxFrameSize uint32
}

func listenGRPC(addr string, o *listenOptions) (Listener, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	l := &grpcListener{
		listener:     listener,
		conns:        make(chan *GRPCTransport),
		closed:       make(chan struct{}),
		maxFrameSize: o.maxFrameSize,
	}
	l.server = grpc.NewServer(grpc.UnknownServiceHandler(l.handleStream))
	go func() {
		_ = l.server.Serve(listener)
	}()
	return l, nil
}

func (l *grpcListener) handleStream(_ any, stream grpc.ServerStream) error {
	if m, _ := grpc.MethodFromServerStream(stream); m != grpcChannelMethod {
		return status.Errorf(codes.Unimplemented, "unknown method %s", m)
	}
	t := newServerGRPCTransport(stream, l.maxFrameSize)
	select {
	case l.conns <- t:
	case <-l.closed:
		return status.Error(codes.Unavailable, "listener closed")
	case <-stream.Context().Done():
		return stream.Context().Err()
	}
	select {
	case <-t.done:
	case <-stream.Context().Done():
		_ = t.Close()
	}
	return nil
}

func (l *grpcListener) Accept(ctx context.Context) (Transport, error) {
	select {
	case t := <-l.conns:
		return t, nil
	case <-l.closed:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *grpcListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.server.Stop()
	})
	return nil
}

func (l *grpcListener) Addr() string {
	return l.listener.Addr().String()
}
