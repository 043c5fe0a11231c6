// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fidl

import (
	"context"
	"fmt"
	"net"
)

// Dial connects to a peer using the default transport (TCP).
// Use WithTransport for transport selection.
func Dial(ctx context.Context, addr string, opts ...DialOption) (Transport, error) {
	o := &dialOptions{
		transport: DefaultTransport,
	}
	for _, opt := range opts {
		opt(o)
	}

	dial, _, ok := lookupTransport(o.transport)
	if !ok {
		return nil, fmt.Errorf("unknown transport: %s", o.transport)
	}
	return dial(ctx, addr, o)
}

// DialClient dials addr and wraps the transport in a Client.
func DialClient(ctx context.Context, addr string, dialOpts []DialOption, clientOpts ...ClientOption) (*Client, error) {
	t, err := Dial(ctx, addr, dialOpts...)
	if err != nil {
		return nil, err
	}
	return NewClient(t, clientOpts...), nil
}

// Listen creates a listener using the default transport (TCP).
func Listen(addr string, opts ...ListenOption) (Listener, error) {
	o := &listenOptions{
		transport: DefaultTransport,
	}
	for _, opt := range opts {
		opt(o)
	}

	_, listen, ok := lookupTransport(o.transport)
	if !ok {
		return nil, fmt.Errorf("unknown transport: %s", o.transport)
	}
	return listen(addr, o)
}

// dialTCP creates a stream transport over TCP
func dialTCP(ctx context.Context, addr string, o *dialOptions) (Transport, error) {
	t, err := DialStream(ctx, addr)
	if err != nil {
		return nil, err
	}
	if o.maxFrameSize > 0 {
		t.maxFrameSize = o.maxFrameSize
	}
	return t, nil
}

// listenTCP creates a TCP listener for stream transports
func listenTCP(addr string, o *listenOptions) (Listener, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &streamListener{
		listener:     listener,
		maxFrameSize: o.maxFrameSize,
	}, nil
}
