// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fidl

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

func TestGRPCTransportRegistered(t *testing.T) {
	if !HasTransport(TransportGRPC) {
		t.Fatalf("transport %q not registered; have %v", TransportGRPC, AvailableTransports())
	}
}

func TestGRPCRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	addr := startServer(t, ctx, TransportGRPC)
	client := dialClient(t, ctx, addr, TransportGRPC)

	payload := []byte("grpc-rt!")
	var resp RawBody
	if err := Call(ctx, client.Sender(), echoOrdinal, RawBody(payload), &resp); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !bytes.Equal(resp, payload) {
		t.Errorf("got %q, want %q", []byte(resp), payload)
	}

	_, err := CallFlexible[RawBody](ctx, client.Sender(), 0x7777, nil)
	if !errors.Is(err, FrameworkErrUnknownMethod) {
		t.Fatalf("unknown method: got %v, want %v", err, FrameworkErrUnknownMethod)
	}
}

func TestGRPCRejectsHandles(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	addr := startServer(t, ctx, TransportGRPC)
	tr, err := Dial(ctx, addr, WithTransport(TransportGRPC))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	sender, _ := tr.Split()
	defer sender.Close()

	buf := &Buffer{Chunks: make([]Chunk, 2), Handles: []Handle{1}}
	if err := sender.Send(ctx, buf); !errors.Is(err, ErrHandlesUnsupported) {
		t.Fatalf("Send = %v, want %v", err, ErrHandlesUnsupported)
	}
}

func TestDialUnknownTransport(t *testing.T) {
	if _, err := Dial(context.Background(), "127.0.0.1:1", WithTransport("carrier-pigeon")); err == nil {
		t.Fatal("expected an error for an unknown transport")
	}
	if _, err := Listen("127.0.0.1:0", WithListenTransport("carrier-pigeon")); err == nil {
		t.Fatal("expected an error for an unknown transport")
	}
}
