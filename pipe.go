// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fidl

import (
	"context"
	"sync"
)

// PipeTransport is one end of an in-memory transport created by NewPipe.
// Messages are handed over synchronously, handles included, so a Send only
// completes once the peer has received the buffer.
type PipeTransport struct {
	in         <-chan *Buffer
	out        chan<- *Buffer
	closed     chan struct{}
	peerClosed <-chan struct{}
	closeOnce  sync.Once
}

// NewPipe returns two connected transports.
func NewPipe() (*PipeTransport, *PipeTransport) {
	ab, ba := make(chan *Buffer), make(chan *Buffer)
	aClosed, bClosed := make(chan struct{}), make(chan struct{})
	a := &PipeTransport{in: ba, out: ab, closed: aClosed, peerClosed: bClosed}
	b := &PipeTransport{in: ab, out: ba, closed: bClosed, peerClosed: aClosed}
	return a, b
}

// Split returns the transport itself as both halves.
func (p *PipeTransport) Split() (Sender, Receiver) {
	return p, p
}

func (p *PipeTransport) Acquire() *Buffer {
	return &Buffer{}
}

func (p *PipeTransport) Send(ctx context.Context, buf *Buffer) error {
	select {
	case <-p.closed:
		return ErrTransportClosed
	case <-p.peerClosed:
		return ErrTransportClosed
	default:
	}
	select {
	case p.out <- buf:
		return nil
	case <-p.closed:
		return ErrTransportClosed
	case <-p.peerClosed:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *PipeTransport) Recv(ctx context.Context) (*Buffer, error) {
	select {
	case buf := <-p.in:
		return buf, nil
	case <-p.closed:
		return nil, nil
	case <-p.peerClosed:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes this end. Both ends observe the pipe as closed.
func (p *PipeTransport) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}
