// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package fidl is a transport-agnostic RPC runtime and wire codec for
// FIDL-style protocols.
//
// # Wire format
//
// A message is a sequence of 8-byte chunks plus a side list of handles. It
// starts with a 16-byte TransactionHeader (txid, flags, magic, ordinal)
// followed by the body. Primitives are little-endian and naturally aligned;
// handles are encoded in-line as a presence marker and moved into the
// handle list. Flexible two-way methods reply with a Flexible result, a
// union of the method's payload and a FrameworkError.
//
// # Transports
//
// A Transport splits into a Sender and a Receiver. The package ships an
// in-memory pipe that carries handles, a length-prefixed stream transport
// for TCP, and a gRPC bidirectional stream transport:
//
//	t, err := fidl.Dial(ctx, "localhost:9000")                           // TCP
//	t, err := fidl.Dial(ctx, "localhost:9000", fidl.WithTransport("grpc")) // gRPC
//
// # Usage
//
// Client usage:
//
//	client := fidl.NewClient(t, fidl.WithClientLogger(log))
//	go client.Run(ctx, fidl.EventHandlerFunc(onEvent))
//
//	var resp EchoResponse
//	err := fidl.Call(ctx, client.Sender(), echoOrdinal, &EchoRequest{...}, &resp)
//
//	// Flexible call, framework errors come back as FrameworkError
//	out, err := fidl.CallFlexible[fidl.RawBody](ctx, client.Sender(), ordinal, fidl.RawBody(payload))
//
// Server usage:
//
//	srv := fidl.NewServer(fidl.WithServerLogger(log))
//	srv.HandleTwoWay(echoOrdinal, false, func(ctx context.Context, req *fidl.Request) (fidl.Encodable, error) {
//	    var in fidl.RawBody
//	    if err := req.Decode(&in); err != nil {
//	        return nil, err
//	    }
//	    return in, nil
//	})
//
//	l, err := fidl.Listen(":9000")
//	err = srv.Serve(ctx, l)
//
// # Architecture
//
//   - codec.go, handle.go, flexible.go: chunked encoder and decoder
//   - header.go: transaction header and message framing
//   - lockers.go: the transaction slot table shared by sender and run loop
//   - client.go, call.go: ClientSender, response futures and the run loop
//   - server.go: ordinal dispatch for incoming connections
//   - transport.go, dial.go: transport contract and registry
//   - pipe.go, stream.go, dial_grpc.go: transport implementations
//   - json.go: HTTP JSON-RPC bridge onto a client connection
package fidl
