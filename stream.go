// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fidl

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultMaxFrameSize caps a single stream frame (64MB).
const DefaultMaxFrameSize = 64 * 1024 * 1024

var (
	ErrFrameTooLarge  = errors.New("fidl stream: frame exceeds maximum size")
	ErrListenerClosed = errors.New("fidl stream: listener closed")
)

// StreamTransport carries messages over a byte stream such as TCP. Each
// message is prefixed with its length:
//
//	[4 bytes] length (big-endian)
//	[N bytes] message, a multiple of 8
//
// Handles cannot cross a stream; sending a buffer that holds any fails with
// ErrHandlesUnsupported.
type StreamTransport struct {
	conn         net.Conn
	writeMu      sync.Mutex
	closed       atomic.Bool
	maxFrameSize uint32
}

// NewStreamTransport wraps an established connection.
func NewStreamTransport(conn net.Conn) *StreamTransport {
	return &StreamTransport{conn: conn, maxFrameSize: DefaultMaxFrameSize}
}

// DialStream connects to a stream transport over TCP.
func DialStream(ctx context.Context, addr string) (*StreamTransport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("fidl stream dial: %w", err)
	}
	return NewStreamTransport(conn), nil
}

// Split returns the transport itself as both halves.
func (t *StreamTransport) Split() (Sender, Receiver) {
	return t, t
}

func (t *StreamTransport) Acquire() *Buffer {
	return &Buffer{}
}

func (t *StreamTransport) Send(ctx context.Context, buf *Buffer) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}
	if len(buf.Handles) > 0 {
		return ErrHandlesUnsupported
	}
	n := buf.Len()
	if uint32(n) > t.maxFrameSize {
		return ErrFrameTooLarge
	}
	frame := make([]byte, 4, 4+n)
	binary.BigEndian.PutUint32(frame, uint32(n))
	for i := range buf.Chunks {
		frame = append(frame, buf.Chunks[i][:]...)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline, _ := ctx.Deadline()
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("fidl stream write: %w", err)
	}

	// Unblock the write when ctx is cancelled by expiring the write deadline.
	// The watcher is joined before returning so it cannot touch the deadline
	// of a later write.
	writeDone := make(chan struct{})
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		select {
		case <-ctx.Done():
			_ = t.conn.SetWriteDeadline(time.Now())
		case <-writeDone:
		}
	}()
	n, err := t.conn.Write(frame)
	close(writeDone)
	<-watchDone
	if err == nil {
		return nil
	}
	if t.closed.Load() {
		return ErrTransportClosed
	}
	if n > 0 {
		// The peer holds a torn frame, so nothing written after it could be
		// framed correctly.
		_ = t.Close()
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("fidl stream write: %w", ctxErr)
	}
	return fmt.Errorf("fidl stream write: %w", err)
}

func (t *StreamTransport) Recv(ctx context.Context) (*Buffer, error) {
	if t.closed.Load() {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	deadline, _ := ctx.Deadline()
	if err := t.conn.SetReadDeadline(deadline); err != nil {
		return nil, t.readErr(ctx, err)
	}

	// Unblock the read when ctx is cancelled by expiring the read deadline.
	readDone := make(chan struct{})
	defer close(readDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = t.conn.SetReadDeadline(time.Now())
		case <-readDone:
		}
	}()

	header := make([]byte, 4)
	if _, err := io.ReadFull(t.conn, header); err != nil {
		return nil, t.readErr(ctx, err)
	}
	msgLen := binary.BigEndian.Uint32(header)
	if msgLen > t.maxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if msgLen%ChunkSize != 0 {
		return nil, &DecodeError{Err: ErrUnalignedMessage, Offset: int(msgLen)}
	}
	msg := make([]byte, msgLen)
	if _, err := io.ReadFull(t.conn, msg); err != nil {
		return nil, t.readErr(ctx, err)
	}
	return BufferFromBytes(msg, nil)
}

// readErr maps the end of the stream and local shutdown to (nil, nil).
func (t *StreamTransport) readErr(ctx context.Context, err error) error {
	switch {
	case t.closed.Load(), errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	}
	return fmt.Errorf("fidl stream read: %w", err)
}

// Close closes the connection
func (t *StreamTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.conn.Close()
}

// LocalAddr returns the local network address of the underlying connection.
func (t *StreamTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// streamListener accepts stream transports over TCP.
type streamListener struct {
	listener     net.Listener
	maxFrameSize uint32
}

func (l *streamListener) Accept(ctx context.Context) (Transport, error) {
	conn, err := l.listener.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrListenerClosed
		}
		return nil, err
	}
	t := NewStreamTransport(conn)
	if l.maxFrameSize > 0 {
		t.maxFrameSize = l.maxFrameSize
	}
	return t, nil
}

func (l *streamListener) Close() error {
	return l.listener.Close()
}

func (l *streamListener) Addr() string {
	return l.listener.Addr().String()
}
