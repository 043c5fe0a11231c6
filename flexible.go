// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fidl

import (
	"encoding/binary"
	"fmt"
)

// Union ordinals of the flexible result. Ordinal 2 belongs to the strict
// error arm of method results and is never valid here.
const (
	flexibleOkOrdinal           uint64 = 1
	flexibleFrameworkErrOrdinal uint64 = 3
)

// Envelope layout: num_bytes u32, num_handles u16, flags u16. An inlined
// envelope stores a value of at most 4 bytes in place of num_bytes.
const (
	envelopeSize           = 8
	envelopeInlined uint16 = 1
)

// FrameworkError is reported by a peer that could not dispatch a call.
type FrameworkError int32

// FrameworkErrUnknownMethod is returned for flexible methods the peer does
// not implement.
const FrameworkErrUnknownMethod FrameworkError = -2

func (e FrameworkError) Error() string {
	if e == FrameworkErrUnknownMethod {
		return "fidl: unknown method"
	}
	return fmt.Sprintf("fidl: framework error %d", int32(e))
}

// Flexible is the result of a flexible two-way call: exactly one of a success
// value or a framework error. Construct it with FlexibleOk or
// FlexibleFrameworkErr; the zero value has no variant and cannot be encoded.
type Flexible[T any] struct {
	tag   uint64
	ok    T
	fwErr FrameworkError
}

// FlexibleOk returns a result holding v.
func FlexibleOk[T any](v T) Flexible[T] {
	return Flexible[T]{tag: flexibleOkOrdinal, ok: v}
}

// FlexibleFrameworkErr returns a result holding a framework error.
func FlexibleFrameworkErr[T any](err FrameworkError) Flexible[T] {
	return Flexible[T]{tag: flexibleFrameworkErrOrdinal, fwErr: err}
}

// IsOk reports whether the result holds a success value.
func (f Flexible[T]) IsOk() bool {
	return f.tag == flexibleOkOrdinal
}

// Ok returns the success value, if present.
func (f Flexible[T]) Ok() (T, bool) {
	return f.ok, f.tag == flexibleOkOrdinal
}

// FrameworkErr returns the framework error, if present.
func (f Flexible[T]) FrameworkErr() (FrameworkError, bool) {
	return f.fwErr, f.tag == flexibleFrameworkErrOrdinal
}

// Unwrap returns the success value or the framework error as an error.
func (f Flexible[T]) Unwrap() (T, error) {
	switch f.tag {
	case flexibleOkOrdinal:
		return f.ok, nil
	case flexibleFrameworkErrOrdinal:
		var zero T
		return zero, f.fwErr
	}
	var zero T
	return zero, ErrUnsetUnion
}

// Encode requires *T to implement Encodable.
func (f *Flexible[T]) Encode(e *Encoder) error {
	switch f.tag {
	case flexibleOkOrdinal:
		v, ok := any(&f.ok).(Encodable)
		if !ok {
			return &EncodeError{Err: ErrNotEncodable, Offset: e.off}
		}
		e.WriteUint64(flexibleOkOrdinal)
		return e.EncodeEnvelope(v)
	case flexibleFrameworkErrOrdinal:
		e.WriteUint64(flexibleFrameworkErrOrdinal)
		e.EncodeInlineEnvelope(uint32(f.fwErr))
		return nil
	}
	return &EncodeError{Err: ErrUnsetUnion, Offset: e.off}
}

// Decode requires *T to implement Decodable.
func (f *Flexible[T]) Decode(d *Decoder) error {
	off := d.off
	ordinal, err := d.ReadUint64()
	if err != nil {
		return err
	}
	switch ordinal {
	case flexibleOkOrdinal:
		var v T
		dv, ok := any(&v).(Decodable)
		if !ok {
			return &DecodeError{Err: ErrNotDecodable, Offset: off}
		}
		if err := d.DecodeEnvelope(dv); err != nil {
			return err
		}
		*f = Flexible[T]{tag: flexibleOkOrdinal, ok: v}
		return nil
	case flexibleFrameworkErrOrdinal:
		valOff := d.off
		raw, err := d.DecodeInlineEnvelope()
		if err != nil {
			return err
		}
		fe := FrameworkError(int32(raw))
		if fe != FrameworkErrUnknownMethod {
			return &DecodeError{Err: ErrInvalidEnumValue, Offset: valOff, Value: uint64(raw)}
		}
		*f = Flexible[T]{tag: flexibleFrameworkErrOrdinal, fwErr: fe}
		return nil
	}
	return &DecodeError{Err: ErrInvalidUnionOrdinal, Offset: off, Value: ordinal}
}

// EncodeEnvelope writes v out of line behind an envelope header recording
// the bytes and handles it occupies.
func (e *Encoder) EncodeEnvelope(v Encodable) error {
	e.align(ChunkSize)
	hdr := e.grow(envelopeSize)
	start, firstHandle := e.off, len(e.buf.Handles)
	if err := v.Encode(e); err != nil {
		return err
	}
	e.align(ChunkSize)
	c := &e.buf.Chunks[hdr/ChunkSize]
	binary.LittleEndian.PutUint32(c[0:4], uint32(e.off-start))
	binary.LittleEndian.PutUint16(c[4:6], uint16(len(e.buf.Handles)-firstHandle))
	binary.LittleEndian.PutUint16(c[6:8], 0)
	return nil
}

// EncodeInlineEnvelope writes a value of at most 4 bytes inside the envelope.
func (e *Encoder) EncodeInlineEnvelope(v uint32) {
	e.align(ChunkSize)
	c := &e.buf.Chunks[e.grow(envelopeSize)/ChunkSize]
	binary.LittleEndian.PutUint32(c[0:4], v)
	binary.LittleEndian.PutUint16(c[4:6], 0)
	binary.LittleEndian.PutUint16(c[6:8], envelopeInlined)
}

func (d *Decoder) readEnvelopeHeader() (value uint32, handles, flags uint16, off int, err error) {
	if err = d.align(ChunkSize); err != nil {
		return
	}
	if off, err = d.need(envelopeSize); err != nil {
		return
	}
	c := d.buf.Chunks[off/ChunkSize]
	value = binary.LittleEndian.Uint32(c[0:4])
	handles = binary.LittleEndian.Uint16(c[4:6])
	flags = binary.LittleEndian.Uint16(c[6:8])
	return
}

// DecodeEnvelope decodes v from an out-of-line envelope. v must consume
// exactly the bytes and handles the envelope declares.
func (d *Decoder) DecodeEnvelope(v Decodable) error {
	numBytes, numHandles, flags, off, err := d.readEnvelopeHeader()
	if err != nil {
		return err
	}
	if flags != 0 || numBytes%ChunkSize != 0 {
		return &DecodeError{Err: ErrInvalidEnvelope, Offset: off}
	}
	if uint64(numBytes) > uint64(d.Remaining()) {
		return &DecodeError{Err: ErrInsufficientData, Offset: d.off}
	}
	if int(numHandles) > d.handleEnd-d.handle {
		return &DecodeError{Err: ErrInsufficientHandles, Offset: d.off}
	}
	end, handleEnd := d.end, d.handleEnd
	d.end, d.handleEnd = d.off+int(numBytes), d.handle+int(numHandles)
	err = v.Decode(d)
	if err == nil {
		err = d.Finish()
	}
	d.end, d.handleEnd = end, handleEnd
	return err
}

// DecodeInlineEnvelope returns the 4-byte value of an inlined envelope.
func (d *Decoder) DecodeInlineEnvelope() (uint32, error) {
	v, numHandles, flags, off, err := d.readEnvelopeHeader()
	if err != nil {
		return 0, err
	}
	if flags != envelopeInlined || numHandles != 0 {
		return 0, &DecodeError{Err: ErrInvalidEnvelope, Offset: off}
	}
	return v, nil
}
