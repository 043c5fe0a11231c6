// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fidl

import (
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// ClientOption configures a Client
type ClientOption func(*clientOptions)

type clientOptions struct {
	log *zap.Logger
}

// WithClientLogger sets the logger used by the client run loop
func WithClientLogger(l *zap.Logger) ClientOption {
	return func(o *clientOptions) { o.log = l }
}

// DialOption configures outgoing transports
type DialOption func(*dialOptions)

type dialOptions struct {
	transport    string // "tcp", "grpc"
	maxFrameSize uint32
}

// WithTransport explicitly sets the transport type
func WithTransport(t string) DialOption {
	return func(o *dialOptions) { o.transport = t }
}

// WithMaxFrameSize bounds the size of a single received frame
func WithMaxFrameSize(n uint32) DialOption {
	return func(o *dialOptions) { o.maxFrameSize = n }
}

// ListenOption configures listeners
type ListenOption func(*listenOptions)

type listenOptions struct {
	transport    string
	maxFrameSize uint32
}

// WithListenTransport explicitly sets the transport type for the listener
func WithListenTransport(t string) ListenOption {
	return func(o *listenOptions) { o.transport = t }
}

// WithListenMaxFrameSize bounds the size of a single frame on accepted transports
func WithListenMaxFrameSize(n uint32) ListenOption {
	return func(o *listenOptions) { o.maxFrameSize = n }
}

// ServerOption configures a Server
type ServerOption func(*Server)

// WithServerLogger sets the server logger
func WithServerLogger(l *zap.Logger) ServerOption {
	return func(s *Server) { s.log = l }
}

// WithConnectHandler registers a callback invoked for every new connection.
// The sender stays valid until the connection ends.
func WithConnectHandler(f func(*ServerSender)) ServerOption {
	return func(s *Server) { s.onConnect = f }
}

// BridgeOption configures the HTTP bridge handler
type BridgeOption func(*bridgeOptions)

type bridgeOptions struct {
	log         *zap.Logger
	callTimeout time.Duration
}

// WithBridgeLogger sets the bridge logger
func WithBridgeLogger(l *zap.Logger) BridgeOption {
	return func(o *bridgeOptions) { o.log = l }
}

// WithBridgeCallTimeout bounds every call forwarded by the bridge
func WithBridgeCallTimeout(d time.Duration) BridgeOption {
	return func(o *bridgeOptions) { o.callTimeout = d }
}

// Option configures a single JSON-RPC request made by BridgeClient
type Option func(*Options)

// Options holds per-request HTTP settings
type Options struct {
	headers     http.Header
	queryParams url.Values
}

// NewOptions applies options over empty defaults
func NewOptions(ops []Option) *Options {
	o := &Options{
		headers:     http.Header{},
		queryParams: url.Values{},
	}
	for _, op := range ops {
		op(o)
	}
	return o
}

// WithHeader adds an HTTP header to the request
func WithHeader(key, val string) Option {
	return func(o *Options) { o.headers.Add(key, val) }
}

// WithQueryParam adds a query parameter to the request URL
func WithQueryParam(key, val string) Option {
	return func(o *Options) { o.queryParams.Add(key, val) }
}
