// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fidl

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

const (
	echoOrdinal     uint64 = 0x1001
	flexibleOrdinal uint64 = 0x1002
)

func newEchoServer() *Server {
	srv := NewServer()
	echo := func(ctx context.Context, req *Request) (Encodable, error) {
		var body RawBody
		if err := req.Decode(&body); err != nil {
			return nil, err
		}
		return body, nil
	}
	srv.HandleTwoWay(echoOrdinal, false, echo)
	srv.HandleTwoWay(flexibleOrdinal, true, echo)
	return srv
}

// startServer serves newEchoServer on a loopback listener for the given
// transport and returns its address.
func startServer(t testing.TB, ctx context.Context, transport string) string {
	t.Helper()
	l, err := Listen("127.0.0.1:0", WithListenTransport(transport))
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = newEchoServer().Serve(ctx, l)
	}()
	t.Cleanup(func() {
		_ = l.Close()
		<-done
	})
	return l.Addr()
}

func dialClient(t testing.TB, ctx context.Context, addr, transport string) *Client {
	t.Helper()
	client, err := DialClient(ctx, addr, []DialOption{WithTransport(transport)})
	if err != nil {
		t.Fatalf("DialClient: %v", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = client.Run(ctx, nil)
	}()
	t.Cleanup(func() {
		_ = client.Close()
		<-done
	})
	return client
}

func TestStreamRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	addr := startServer(t, ctx, TransportTCP)
	client := dialClient(t, ctx, addr, TransportTCP)

	payload := []byte("hello world")
	var resp RawBody
	if err := Call(ctx, client.Sender(), echoOrdinal, RawBody(payload), &resp); err != nil {
		t.Fatalf("Call: %v", err)
	}
	// The echoed body carries the request's padding.
	if !bytes.HasPrefix(resp, payload) || len(resp)%ChunkSize != 0 {
		t.Errorf("got %q, want %q padded", []byte(resp), payload)
	}
}

func TestStreamFlexibleCall(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	addr := startServer(t, ctx, TransportTCP)
	client := dialClient(t, ctx, addr, TransportTCP)

	payload := []byte("flexible")
	resp, err := CallFlexible[RawBody](ctx, client.Sender(), flexibleOrdinal, RawBody(payload))
	if err != nil {
		t.Fatalf("CallFlexible: %v", err)
	}
	if !bytes.Equal(resp, payload) {
		t.Errorf("got %q, want %q", []byte(resp), payload)
	}

	_, err = CallFlexible[RawBody](ctx, client.Sender(), 0x7777, RawBody(payload))
	if !errors.Is(err, FrameworkErrUnknownMethod) {
		t.Fatalf("unknown method: got %v, want %v", err, FrameworkErrUnknownMethod)
	}

	// The connection survives the framework error.
	if _, err := CallFlexible[RawBody](ctx, client.Sender(), flexibleOrdinal, RawBody(payload)); err != nil {
		t.Fatalf("CallFlexible after framework error: %v", err)
	}
}

func TestStreamRejectsHandles(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	st := NewStreamTransport(a)
	defer st.Close()

	buf := &Buffer{Chunks: make([]Chunk, 2), Handles: []Handle{7}}
	if err := st.Send(context.Background(), buf); !errors.Is(err, ErrHandlesUnsupported) {
		t.Fatalf("got %v, want %v", err, ErrHandlesUnsupported)
	}
}

func TestStreamFrameTooLarge(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	st := NewStreamTransport(a)
	st.maxFrameSize = 16

	go func() {
		// Length 24 exceeds the 16-byte limit.
		_, _ = b.Write([]byte{0, 0, 0, 24})
	}()
	if _, err := st.Recv(context.Background()); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("got %v, want %v", err, ErrFrameTooLarge)
	}
}

func TestStreamRecvCancel(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	st := NewStreamTransport(a)
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := st.Recv(ctx)
		errc <- err
	}()
	cancel()
	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("got %v, want %v", err, context.Canceled)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Recv did not return after cancel")
	}

	// A later Recv is unaffected by the earlier cancellation.
	msg := &Buffer{}
	if err := EncodeMessage(msg, NewHeader(0, 9, 0), nil); err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	peer := NewStreamTransport(b)
	go func() { _ = peer.Send(context.Background(), msg) }()
	got, err := st.Recv(context.Background())
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	hdr, err := DecodeHeader(got)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if hdr.Ordinal != 9 {
		t.Errorf("ordinal = %d, want 9", hdr.Ordinal)
	}
}

func TestStreamPeerClose(t *testing.T) {
	a, b := net.Pipe()
	st := NewStreamTransport(a)
	defer st.Close()
	_ = b.Close()

	buf, err := st.Recv(context.Background())
	if err != nil || buf != nil {
		t.Fatalf("got (%v, %v), want (nil, nil)", buf, err)
	}
}

func TestStreamPartialWriteClosesTransport(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	st := NewStreamTransport(a)
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	read := make(chan error, 1)
	go func() {
		// Take the length prefix and part of the body, then abandon the write.
		_, err := io.ReadFull(b, make([]byte, 104))
		cancel()
		read <- err
	}()

	frame := &Buffer{Chunks: make([]Chunk, 512)}
	if err := st.Send(ctx, frame); !errors.Is(err, context.Canceled) {
		t.Fatalf("Send = %v, want %v", err, context.Canceled)
	}
	if err := <-read; err != nil {
		t.Fatalf("peer read: %v", err)
	}

	next := &Buffer{Chunks: make([]Chunk, 2)}
	if err := st.Send(context.Background(), next); !errors.Is(err, ErrTransportClosed) {
		t.Fatalf("Send after torn frame = %v, want %v", err, ErrTransportClosed)
	}
	// The peer sees the connection end rather than another frame.
	if _, err := b.Read(make([]byte, 8)); !errors.Is(err, io.EOF) {
		t.Errorf("peer read after torn frame = %v, want %v", err, io.EOF)
	}
}

func TestStreamCancelledWriteKeepsTransport(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	st := NewStreamTransport(a)
	defer st.Close()

	// Nothing reads, so the write is abandoned before any byte is taken.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(20*time.Millisecond, cancel)
	if err := st.Send(ctx, &Buffer{Chunks: make([]Chunk, 2)}); !errors.Is(err, context.Canceled) {
		t.Fatalf("Send = %v, want %v", err, context.Canceled)
	}

	msg := &Buffer{}
	if err := EncodeMessage(msg, NewHeader(0, 9, 0), nil); err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	errc := make(chan error, 1)
	go func() { errc <- st.Send(context.Background(), msg) }()
	got, err := NewStreamTransport(b).Recv(context.Background())
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("Send: %v", err)
	}
	hdr, err := DecodeHeader(got)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if hdr.Ordinal != 9 {
		t.Errorf("ordinal = %d, want 9", hdr.Ordinal)
	}
}

func TestStreamPeerCloseMidFrame(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"header", []byte{0, 0}},
		{"body", []byte{0, 0, 0, 32, 1, 2, 3, 4, 5, 6, 7, 8}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, b := net.Pipe()
			st := NewStreamTransport(a)
			defer st.Close()
			go func() {
				_, _ = b.Write(tt.data)
				_ = b.Close()
			}()

			buf, err := st.Recv(context.Background())
			if buf != nil || !errors.Is(err, io.ErrUnexpectedEOF) {
				t.Fatalf("got (%v, %v), want %v", buf, err, io.ErrUnexpectedEOF)
			}
		})
	}
}

func BenchmarkStreamRoundTrip(b *testing.B) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addr := startServer(b, ctx, TransportTCP)
	client := dialClient(b, ctx, addr, TransportTCP)

	payload := RawBody(make([]byte, 1024))

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		var resp RawBody
		if err := Call(ctx, client.Sender(), echoOrdinal, payload, &resp); err != nil {
			b.Fatal(err)
		}
	}
}
