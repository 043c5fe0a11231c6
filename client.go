// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fidl

import (
	"context"
	"errors"
	"sync/atomic"

	"go.uber.org/zap"
)

// EventHandler receives unsolicited messages (txid 0) from the run loop.
// OnEvent is called on the run loop goroutine: it must not block, and should
// hand long work to another goroutine.
type EventHandler interface {
	OnEvent(sender *ClientSender, ordinal uint64, buf *Buffer)
}

// EventHandlerFunc is a function adapter for EventHandler
type EventHandlerFunc func(sender *ClientSender, ordinal uint64, buf *Buffer)

func (f EventHandlerFunc) OnEvent(sender *ClientSender, ordinal uint64, buf *Buffer) {
	f(sender, ordinal, buf)
}

// Client owns both halves of a transport. Calls are issued through Sender;
// replies and events only flow while Run is executing.
type Client struct {
	sender   *ClientSender
	receiver Receiver
	log      *zap.Logger
	running  atomic.Bool
}

// NewClient splits t and prepares a client. Start Run in its own goroutine
// before awaiting any response.
func NewClient(t Transport, opts ...ClientOption) *Client {
	o := &clientOptions{log: zap.NewNop()}
	for _, opt := range opts {
		opt(o)
	}
	s, r := t.Split()
	return &Client{
		sender: &ClientSender{
			sender:  s,
			lockers: NewLockers(),
			log:     o.log,
		},
		receiver: r,
		log:      o.log,
	}
}

// Sender returns the shared sender. It may be used from many goroutines.
func (c *Client) Sender() *ClientSender {
	return c.sender
}

// Close closes the transport. Run returns once the receive side observes it.
func (c *Client) Close() error {
	return c.sender.Close()
}

// Run is the single reader of the transport. It routes replies to their
// slots and events to h until the peer closes (nil), ctx is done
// (ctx.Err()), or a protocol violation occurs (*ProtocolError). Every pending
// call is woken with the terminal condition before Run returns.
func (c *Client) Run(ctx context.Context, h EventHandler) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	err := c.run(ctx, h)
	terminal := err
	if terminal == nil {
		terminal = ErrClosed
	}
	c.sender.lockers.WakeAll(terminal)
	if cerr := c.sender.sender.Close(); cerr != nil {
		c.log.Debug("close sender", zap.Error(cerr))
	}
	return err
}

func (c *Client) run(ctx context.Context, h EventHandler) error {
	lockers := c.sender.lockers
	for {
		buf, err := c.receiver.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn("transport receive failed", zap.Error(err))
			return &ProtocolError{Kind: TransportError, Err: err}
		}
		if buf == nil {
			c.log.Debug("transport closed")
			return nil
		}
		hdr, err := DecodeHeader(buf)
		if err != nil {
			c.log.Warn("invalid message header", zap.Error(err))
			return &ProtocolError{Kind: InvalidMessageHeader, Err: err}
		}
		if hdr.IsEvent() {
			if h == nil {
				c.log.Debug("dropping event", zap.Uint64("ordinal", hdr.Ordinal))
				continue
			}
			h.OnEvent(c.sender, hdr.Ordinal, buf)
			continue
		}
		index := hdr.Txid - 1
		shouldFree, err := lockers.Write(index, hdr.Ordinal, buf)
		if err != nil {
			var mismatch *MismatchedOrdinalError
			if errors.As(err, &mismatch) {
				c.log.Warn("response ordinal mismatch",
					zap.Uint32("txid", hdr.Txid),
					zap.Uint64("expected", mismatch.Expected),
					zap.Uint64("actual", mismatch.Actual),
				)
				return &ProtocolError{
					Kind:     InvalidResponseOrdinal,
					Err:      err,
					Txid:     hdr.Txid,
					Expected: mismatch.Expected,
					Actual:   mismatch.Actual,
				}
			}
			c.log.Warn("unrequested response", zap.Uint32("txid", hdr.Txid))
			return &ProtocolError{Kind: UnrequestedResponse, Err: err, Txid: hdr.Txid, Actual: hdr.Ordinal}
		}
		if shouldFree {
			c.log.Debug("discarding reply to cancelled call", zap.Uint32("txid", hdr.Txid))
			lockers.Free(index)
		}
	}
}

// ClientSender issues calls on a client's transport. A *ClientSender is
// shared by every goroutine making calls; all of them use the same
// transaction table.
type ClientSender struct {
	sender  Sender
	lockers *Lockers
	log     *zap.Logger
}

// SendOneWay encodes req with txid 0 and starts writing it. The returned
// future resolves when the transport accepts the message.
func (s *ClientSender) SendOneWay(ctx context.Context, ordinal uint64, req Encodable) (*SendFuture, error) {
	return s.sendOneWay(ctx, ordinal, 0, req)
}

// SendOneWayFlexible is SendOneWay for methods declared flexible.
func (s *ClientSender) SendOneWayFlexible(ctx context.Context, ordinal uint64, req Encodable) (*SendFuture, error) {
	return s.sendOneWay(ctx, ordinal, DynamicFlagFlexible, req)
}

func (s *ClientSender) sendOneWay(ctx context.Context, ordinal uint64, flags uint8, req Encodable) (*SendFuture, error) {
	if err := s.lockers.Err(); err != nil {
		return nil, err
	}
	buf := s.sender.Acquire()
	if err := EncodeMessage(buf, NewHeader(0, ordinal, flags), req); err != nil {
		return nil, err
	}
	return startSend(ctx, s.sender, buf), nil
}

// SendTwoWay reserves a transaction, encodes req and starts writing it. If
// encoding fails the transaction is released and the error returned.
func (s *ClientSender) SendTwoWay(ctx context.Context, ordinal uint64, req Encodable) (*ResponseFuture, error) {
	return s.sendTwoWay(ctx, ordinal, 0, req)
}

// SendTwoWayFlexible is SendTwoWay for methods declared flexible. The reply
// body is a Flexible result.
func (s *ClientSender) SendTwoWayFlexible(ctx context.Context, ordinal uint64, req Encodable) (*ResponseFuture, error) {
	return s.sendTwoWay(ctx, ordinal, DynamicFlagFlexible, req)
}

func (s *ClientSender) sendTwoWay(ctx context.Context, ordinal uint64, flags uint8, req Encodable) (*ResponseFuture, error) {
	index, err := s.lockers.Alloc(ordinal)
	if err != nil {
		return nil, err
	}
	buf := s.sender.Acquire()
	if err := EncodeMessage(buf, NewHeader(index+1, ordinal, flags), req); err != nil {
		s.lockers.Free(index)
		return nil, err
	}
	return &ResponseFuture{
		phase:   phaseSending,
		send:    startSend(ctx, s.sender, buf),
		index:   index,
		lockers: s.lockers,
	}, nil
}

// Close closes the transport's send half.
func (s *ClientSender) Close() error {
	return s.sender.Close()
}

// SendFuture is a message write in progress.
type SendFuture struct {
	done   chan struct{}
	err    error
	cancel context.CancelFunc
}

func startSend(ctx context.Context, s Sender, buf *Buffer) *SendFuture {
	ctx, cancel := context.WithCancel(ctx)
	f := &SendFuture{done: make(chan struct{}), cancel: cancel}
	go func() {
		defer close(f.done)
		defer cancel()
		f.err = s.Send(ctx, buf)
	}()
	return f
}

// Done is closed when the write has finished.
func (f *SendFuture) Done() <-chan struct{} {
	return f.done
}

// Err returns the outcome of the write. It is valid once Done is closed.
func (f *SendFuture) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Wait blocks until the write finishes or ctx is done. Abandoning the wait
// through ctx cancels the write.
func (f *SendFuture) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		f.Cancel()
		return ctx.Err()
	}
}

// Cancel aborts the write if it has not completed and returns its outcome.
// A nil result means the message reached the transport.
func (f *SendFuture) Cancel() error {
	f.cancel()
	<-f.done
	return f.err
}

type responsePhase uint8

const (
	phaseSending responsePhase = iota
	phaseReceiving
	phaseCompleted
)

// ResponseFuture is the pending result of a two-way call. It moves from
// sending, to receiving, to completed. Await and Cancel must not be called
// concurrently; a future that is abandoned must be cancelled so that its
// transaction can be reclaimed, and `defer fut.Cancel()` is always safe.
type ResponseFuture struct {
	phase   responsePhase
	send    *SendFuture
	index   uint32
	lockers *Lockers
}

// Txid returns the transaction id carried by the request.
func (f *ResponseFuture) Txid() uint32 {
	return f.index + 1
}

// Await blocks until the reply arrives and returns the whole message,
// header included; decode it with DecodeBody. If ctx is done first the call
// is cancelled and ctx.Err() returned.
func (f *ResponseFuture) Await(ctx context.Context) (*Buffer, error) {
	for {
		switch f.phase {
		case phaseSending:
			select {
			case <-f.send.Done():
			case <-ctx.Done():
				f.Cancel()
				return nil, ctx.Err()
			}
			if err := f.send.Err(); err != nil {
				// Either the request never reached the peer or the transport broke
				// mid-write; no reply can use the slot.
				f.lockers.Free(f.index)
				f.phase = phaseCompleted
				return nil, err
			}
			f.phase = phaseReceiving
		case phaseReceiving:
			buf, wait, err := f.lockers.Read(f.index)
			if err != nil || buf != nil {
				f.lockers.Free(f.index)
				f.phase = phaseCompleted
				return buf, err
			}
			select {
			case <-wait:
			case <-ctx.Done():
				f.Cancel()
				return nil, ctx.Err()
			}
		default:
			return nil, ErrResponseConsumed
		}
	}
}

// Cancel abandons the call. While the request is still being written the
// write is aborted and, if it never reached the transport, the transaction
// is released at once. Once the request is out the transaction stays
// reserved until its reply arrives or the client terminates.
func (f *ResponseFuture) Cancel() {
	switch f.phase {
	case phaseSending:
		if err := f.send.Cancel(); err != nil {
			f.lockers.Free(f.index)
		} else if f.lockers.Cancel(f.index) {
			f.lockers.Free(f.index)
		}
	case phaseReceiving:
		if f.lockers.Cancel(f.index) {
			f.lockers.Free(f.index)
		}
	}
	f.phase = phaseCompleted
}
