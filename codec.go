// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fidl

import (
	"encoding/binary"
	"math"
)

// ChunkSize is the alignment unit of the wire format.
const ChunkSize = 8

// Message limits enforced by Encoder.Finish.
const (
	MaxMessageBytes   = 65536
	MaxMessageHandles = 64
)

// allocPresent marks an out-of-line vector or string as present.
const allocPresent uint64 = math.MaxUint64

// Chunk is one 8-byte word of an encoded message.
type Chunk [ChunkSize]byte

// Buffer holds an encoded message: chunked bytes plus the handles that travel
// with them out of band.
type Buffer struct {
	Chunks  []Chunk
	Handles []Handle
}

// BufferFromBytes copies p into a new Buffer. p must be chunk aligned.
func BufferFromBytes(p []byte, handles []Handle) (*Buffer, error) {
	if len(p)%ChunkSize != 0 {
		return nil, &DecodeError{Err: ErrUnalignedMessage, Offset: len(p)}
	}
	b := &Buffer{Chunks: make([]Chunk, len(p)/ChunkSize), Handles: handles}
	for i := range b.Chunks {
		copy(b.Chunks[i][:], p[i*ChunkSize:])
	}
	return b, nil
}

// Len returns the encoded size in bytes.
func (b *Buffer) Len() int {
	return len(b.Chunks) * ChunkSize
}

// Bytes returns a flat copy of the encoded bytes.
func (b *Buffer) Bytes() []byte {
	out := make([]byte, 0, b.Len())
	for i := range b.Chunks {
		out = append(out, b.Chunks[i][:]...)
	}
	return out
}

// Reset clears the buffer for reuse.
func (b *Buffer) Reset() {
	b.Chunks = b.Chunks[:0]
	b.Handles = b.Handles[:0]
}

// Encodable is implemented by every value that can be written to the wire.
type Encodable interface {
	Encode(e *Encoder) error
}

// Decodable is implemented by pointers to values that can be read from the wire.
type Decodable interface {
	Decode(d *Decoder) error
}

// Encode writes v into buf and pads the result to a chunk boundary.
func Encode(buf *Buffer, v Encodable) error {
	e := NewEncoder(buf)
	if v != nil {
		if err := v.Encode(e); err != nil {
			return err
		}
	}
	return e.Finish()
}

// Decode reads v from buf. Every byte and every handle must be consumed.
func Decode(buf *Buffer, v Decodable) error {
	d := NewDecoder(buf)
	if err := v.Decode(d); err != nil {
		return err
	}
	return d.Finish()
}

// Encoder appends values to a Buffer. Multi-byte integers are little-endian
// and naturally aligned, so a primitive never straddles two chunks.
type Encoder struct {
	buf *Buffer
	off int
}

// NewEncoder returns an Encoder that appends after the existing contents of buf.
func NewEncoder(buf *Buffer) *Encoder {
	return &Encoder{buf: buf, off: buf.Len()}
}

// Offset returns the number of bytes written so far, including prior contents.
func (e *Encoder) Offset() int {
	return e.off
}

// grow reserves n zeroed bytes and returns their offset.
func (e *Encoder) grow(n int) int {
	off := e.off
	need := (off + n + ChunkSize - 1) / ChunkSize
	for len(e.buf.Chunks) < need {
		e.buf.Chunks = append(e.buf.Chunks, Chunk{})
	}
	e.off += n
	return off
}

func (e *Encoder) slot(off, n int) []byte {
	i := off % ChunkSize
	return e.buf.Chunks[off/ChunkSize][i : i+n]
}

func (e *Encoder) align(n int) {
	if pad := (n - e.off%n) % n; pad > 0 {
		e.grow(pad)
	}
}

func (e *Encoder) writeRaw(p []byte) {
	off := e.grow(len(p))
	for len(p) > 0 {
		c := &e.buf.Chunks[off/ChunkSize]
		n := copy(c[off%ChunkSize:], p)
		p = p[n:]
		off += n
	}
}

// WriteUint8 appends a single byte.
func (e *Encoder) WriteUint8(v uint8) {
	e.slot(e.grow(1), 1)[0] = v
}

// WriteUint16 appends a 2-byte aligned uint16.
func (e *Encoder) WriteUint16(v uint16) {
	e.align(2)
	binary.LittleEndian.PutUint16(e.slot(e.grow(2), 2), v)
}

// WriteUint32 appends a 4-byte aligned uint32.
func (e *Encoder) WriteUint32(v uint32) {
	e.align(4)
	binary.LittleEndian.PutUint32(e.slot(e.grow(4), 4), v)
}

// WriteUint64 appends an 8-byte aligned uint64.
func (e *Encoder) WriteUint64(v uint64) {
	e.align(8)
	binary.LittleEndian.PutUint64(e.slot(e.grow(8), 8), v)
}

func (e *Encoder) WriteInt8(v int8)   { e.WriteUint8(uint8(v)) }
func (e *Encoder) WriteInt16(v int16) { e.WriteUint16(uint16(v)) }
func (e *Encoder) WriteInt32(v int32) { e.WriteUint32(uint32(v)) }
func (e *Encoder) WriteInt64(v int64) { e.WriteUint64(uint64(v)) }

// WriteBool appends a bool as a single 0 or 1 byte.
func (e *Encoder) WriteBool(v bool) {
	if v {
		e.WriteUint8(1)
		return
	}
	e.WriteUint8(0)
}

func (e *Encoder) WriteFloat32(v float32) { e.WriteUint32(math.Float32bits(v)) }
func (e *Encoder) WriteFloat64(v float64) { e.WriteUint64(math.Float64bits(v)) }

// WriteBytes appends a vector<uint8>: count, presence marker, then the bytes
// padded to a chunk boundary.
func (e *Encoder) WriteBytes(p []byte) {
	e.WriteUint64(uint64(len(p)))
	e.WriteUint64(allocPresent)
	e.writeRaw(p)
	e.align(ChunkSize)
}

// WriteString appends a string with the same layout as WriteBytes.
func (e *Encoder) WriteString(s string) {
	e.WriteBytes([]byte(s))
}

// PushHandle appends h to the buffer's handle list.
func (e *Encoder) PushHandle(h Handle) error {
	if len(e.buf.Handles) >= MaxMessageHandles {
		return &EncodeError{Err: ErrTooManyHandles, Offset: e.off}
	}
	e.buf.Handles = append(e.buf.Handles, h)
	return nil
}

// EncodeHandle moves a required handle into the message. On success *h is
// set to InvalidHandle: ownership now belongs to the buffer.
func (e *Encoder) EncodeHandle(h *Handle) error {
	if !h.IsValid() {
		return &EncodeError{Err: ErrInvalidHandle, Offset: e.off}
	}
	return e.moveHandle(h)
}

// EncodeOptionalHandle moves h if it is valid and writes an absent marker otherwise.
func (e *Encoder) EncodeOptionalHandle(h *Handle) error {
	if !h.IsValid() {
		e.WriteUint32(handleAbsent)
		return nil
	}
	return e.moveHandle(h)
}

func (e *Encoder) moveHandle(h *Handle) error {
	e.WriteUint32(handlePresent)
	if err := e.PushHandle(*h); err != nil {
		return err
	}
	*h = InvalidHandle
	return nil
}

// Finish pads the message to a chunk boundary and enforces size limits.
func (e *Encoder) Finish() error {
	e.align(ChunkSize)
	if e.off > MaxMessageBytes {
		return &EncodeError{Err: ErrMessageTooLarge, Offset: e.off}
	}
	return nil
}

// Decoder reads values from a Buffer. end and handleEnd bound the current
// scope; envelopes narrow them while their content is decoded.
type Decoder struct {
	buf       *Buffer
	off       int
	end       int
	handle    int
	handleEnd int
}

// NewDecoder returns a Decoder positioned at the start of buf.
func NewDecoder(buf *Buffer) *Decoder {
	return &Decoder{buf: buf, end: buf.Len(), handleEnd: len(buf.Handles)}
}

// Offset returns the current read position.
func (d *Decoder) Offset() int {
	return d.off
}

// Remaining returns the number of unread bytes in the current scope.
func (d *Decoder) Remaining() int {
	return d.end - d.off
}

func (d *Decoder) need(n int) (int, error) {
	if n < 0 || d.off+n > d.end {
		return 0, &DecodeError{Err: ErrInsufficientData, Offset: d.off}
	}
	off := d.off
	d.off += n
	return off, nil
}

func (d *Decoder) slot(off, n int) []byte {
	i := off % ChunkSize
	return d.buf.Chunks[off/ChunkSize][i : i+n]
}

func (d *Decoder) align(n int) error {
	pad := (n - d.off%n) % n
	if pad == 0 {
		return nil
	}
	off, err := d.need(pad)
	if err != nil {
		return err
	}
	for _, b := range d.slot(off, pad) {
		if b != 0 {
			return &DecodeError{Err: ErrInvalidPadding, Offset: off}
		}
	}
	return nil
}

func (d *Decoder) readRaw(n int) ([]byte, error) {
	off, err := d.need(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	for p := out; len(p) > 0; {
		c := &d.buf.Chunks[off/ChunkSize]
		m := copy(p, c[off%ChunkSize:])
		p = p[m:]
		off += m
	}
	return out, nil
}

// ReadUint8 reads a single byte.
func (d *Decoder) ReadUint8() (uint8, error) {
	off, err := d.need(1)
	if err != nil {
		return 0, err
	}
	return d.slot(off, 1)[0], nil
}

// ReadUint16 reads a 2-byte aligned uint16.
func (d *Decoder) ReadUint16() (uint16, error) {
	if err := d.align(2); err != nil {
		return 0, err
	}
	off, err := d.need(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(d.slot(off, 2)), nil
}

// ReadUint32 reads a 4-byte aligned uint32.
func (d *Decoder) ReadUint32() (uint32, error) {
	if err := d.align(4); err != nil {
		return 0, err
	}
	off, err := d.need(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(d.slot(off, 4)), nil
}

// ReadUint64 reads an 8-byte aligned uint64.
func (d *Decoder) ReadUint64() (uint64, error) {
	if err := d.align(8); err != nil {
		return 0, err
	}
	off, err := d.need(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(d.slot(off, 8)), nil
}

func (d *Decoder) ReadInt8() (int8, error) {
	v, err := d.ReadUint8()
	return int8(v), err
}

func (d *Decoder) ReadInt16() (int16, error) {
	v, err := d.ReadUint16()
	return int16(v), err
}

func (d *Decoder) ReadInt32() (int32, error) {
	v, err := d.ReadUint32()
	return int32(v), err
}

func (d *Decoder) ReadInt64() (int64, error) {
	v, err := d.ReadUint64()
	return int64(v), err
}

// ReadBool reads a bool and rejects any byte other than 0 or 1.
func (d *Decoder) ReadBool() (bool, error) {
	off := d.off
	v, err := d.ReadUint8()
	if err != nil {
		return false, err
	}
	switch v {
	case 0:
		return false, nil
	case 1:
		return true, nil
	}
	return false, &DecodeError{Err: ErrInvalidEnumValue, Offset: off, Value: uint64(v)}
}

func (d *Decoder) ReadFloat32() (float32, error) {
	v, err := d.ReadUint32()
	return math.Float32frombits(v), err
}

func (d *Decoder) ReadFloat64() (float64, error) {
	v, err := d.ReadUint64()
	return math.Float64frombits(v), err
}

// ReadBytes reads a vector<uint8> written by WriteBytes. The result is a copy.
func (d *Decoder) ReadBytes() ([]byte, error) {
	count, err := d.ReadUint64()
	if err != nil {
		return nil, err
	}
	off := d.off
	presence, err := d.ReadUint64()
	if err != nil {
		return nil, err
	}
	if presence != allocPresent {
		return nil, &DecodeError{Err: ErrInvalidPresence, Offset: off, Value: presence}
	}
	if count > uint64(d.Remaining()) {
		return nil, &DecodeError{Err: ErrInsufficientData, Offset: d.off}
	}
	p, err := d.readRaw(int(count))
	if err != nil {
		return nil, err
	}
	return p, d.align(ChunkSize)
}

// ReadString reads a string written by WriteString.
func (d *Decoder) ReadString() (string, error) {
	p, err := d.ReadBytes()
	return string(p), err
}

// TakeHandle removes the next handle from the buffer and returns it.
func (d *Decoder) TakeHandle() (Handle, error) {
	if d.handle >= d.handleEnd {
		return InvalidHandle, &DecodeError{Err: ErrInsufficientHandles, Offset: d.off}
	}
	h := d.buf.Handles[d.handle]
	d.buf.Handles[d.handle] = InvalidHandle
	d.handle++
	return h, nil
}

// ReadHandle decodes a required handle.
func (d *Decoder) ReadHandle() (Handle, error) {
	h, err := d.ReadOptionalHandle()
	if err != nil {
		return InvalidHandle, err
	}
	if !h.IsValid() {
		return InvalidHandle, &DecodeError{Err: ErrInvalidHandlePresence, Offset: d.off - 4}
	}
	return h, nil
}

// ReadOptionalHandle decodes a handle that may be absent.
func (d *Decoder) ReadOptionalHandle() (Handle, error) {
	off := d.off
	marker, err := d.ReadUint32()
	if err != nil {
		return InvalidHandle, err
	}
	switch marker {
	case handleAbsent:
		return InvalidHandle, nil
	case handlePresent:
		return d.TakeHandle()
	}
	return InvalidHandle, &DecodeError{Err: ErrInvalidHandlePresence, Offset: off, Value: uint64(marker)}
}

// Finish checks that the current scope was consumed exactly.
func (d *Decoder) Finish() error {
	if err := d.align(ChunkSize); err != nil {
		return err
	}
	if d.off != d.end {
		return &DecodeError{Err: ErrExtraBytes, Offset: d.off}
	}
	if d.handle != d.handleEnd {
		return &DecodeError{Err: ErrExtraHandles, Offset: d.off}
	}
	return nil
}

// RawBody is a pre-encoded payload. It encodes its bytes verbatim, padded to
// a chunk, and decodes whatever remains in the current scope, padding included.
type RawBody []byte

func (b RawBody) Encode(e *Encoder) error {
	e.writeRaw(b)
	e.align(ChunkSize)
	return nil
}

func (b *RawBody) Decode(d *Decoder) error {
	p, err := d.readRaw(d.Remaining())
	if err != nil {
		return err
	}
	*b = p
	return nil
}

// Empty is the payload of methods without arguments.
type Empty struct{}

func (Empty) Encode(*Encoder) error  { return nil }
func (*Empty) Decode(*Decoder) error { return nil }
