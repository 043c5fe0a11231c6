// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fidl

import (
	"context"
	"sort"
	"sync"
)

// Transport is a duplex, ordered, message-oriented channel. It is split once
// into a Sender, which may be shared, and a Receiver, which has one owner.
type Transport interface {
	Split() (Sender, Receiver)
}

// Sender is the write half of a Transport. Send must be safe for concurrent
// use and must preserve the order of messages issued by one goroutine.
type Sender interface {
	// Acquire returns an empty buffer suitable for Send.
	Acquire() *Buffer

	// Send writes buf as one message. On success the handles in buf belong
	// to the peer and must not be used locally.
	Send(ctx context.Context, buf *Buffer) error

	// Close signals that no more messages will be sent. A Recv blocked on
	// the same transport returns (nil, nil).
	Close() error
}

// Receiver is the read half of a Transport. Recv is never called concurrently.
type Receiver interface {
	// Recv returns the next message, (nil, nil) once the peer or the local
	// side has closed, or an error on transport failure.
	Recv(ctx context.Context) (*Buffer, error)
}

// Listener accepts incoming transports.
type Listener interface {
	Accept(ctx context.Context) (Transport, error)
	Close() error
	Addr() string
}

// Transport types
const (
	TransportTCP  = "tcp"  // Length-prefixed frames over TCP, default
	TransportGRPC = "grpc" // Frames over a gRPC bidirectional stream
)

// DefaultTransport is the default transport type (TCP)
const DefaultTransport = TransportTCP

type dialFunc func(ctx context.Context, addr string, o *dialOptions) (Transport, error)
type listenFunc func(addr string, o *listenOptions) (Listener, error)

var (
	transportsMu sync.RWMutex
	transports   = map[string]struct {
		dial   dialFunc
		listen listenFunc
	}{
		TransportTCP: {dialTCP, listenTCP},
	}
)

// registerTransport registers a new transport
func registerTransport(name string, dial dialFunc, listen listenFunc) {
	transportsMu.Lock()
	defer transportsMu.Unlock()
	transports[name] = struct {
		dial   dialFunc
		listen listenFunc
	}{dial, listen}
}

func lookupTransport(name string) (dialFunc, listenFunc, bool) {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	t, ok := transports[name]
	return t.dial, t.listen, ok
}

// AvailableTransports returns the sorted list of available transport types
func AvailableTransports() []string {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	result := make([]string, 0, len(transports))
	for name := range transports {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// HasTransport checks if a transport is available
func HasTransport(name string) bool {
	_, _, ok := lookupTransport(name)
	return ok
}
