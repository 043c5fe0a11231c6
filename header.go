// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fidl

import "encoding/binary"

// HeaderSize is the encoded size of a TransactionHeader.
const HeaderSize = 16

// Magic identifies the wire protocol revision.
const Magic uint8 = 1

// At-rest flags (flags[0]) and dynamic flags (flags[2]).
const (
	AtRestFlagWireFormatV2 uint8 = 0x02
	DynamicFlagFlexible    uint8 = 0x80
)

// TransactionHeader starts every message.
//
//	[4 bytes] txid (little-endian)
//	[3 bytes] flags
//	[1 byte]  magic
//	[8 bytes] ordinal (little-endian)
type TransactionHeader struct {
	Txid    uint32
	Flags   [3]uint8
	Magic   uint8
	Ordinal uint64
}

// NewHeader returns a header with the current magic and at-rest flags set.
func NewHeader(txid uint32, ordinal uint64, dynamicFlags uint8) TransactionHeader {
	return TransactionHeader{
		Txid:    txid,
		Flags:   [3]uint8{AtRestFlagWireFormatV2, 0, dynamicFlags},
		Magic:   Magic,
		Ordinal: ordinal,
	}
}

// IsEvent reports whether the message carries no transaction.
func (h TransactionHeader) IsEvent() bool {
	return h.Txid == 0
}

// IsFlexible reports whether the sender marked the method flexible.
func (h TransactionHeader) IsFlexible() bool {
	return h.Flags[2]&DynamicFlagFlexible != 0
}

func (h *TransactionHeader) Encode(e *Encoder) error {
	e.WriteUint32(h.Txid)
	for _, f := range h.Flags {
		e.WriteUint8(f)
	}
	e.WriteUint8(h.Magic)
	e.WriteUint64(h.Ordinal)
	return nil
}

func (h *TransactionHeader) Decode(d *Decoder) error {
	off, err := d.need(HeaderSize)
	if err != nil {
		return err
	}
	c0, c1 := d.buf.Chunks[off/ChunkSize], d.buf.Chunks[off/ChunkSize+1]
	h.Txid = binary.LittleEndian.Uint32(c0[0:4])
	copy(h.Flags[:], c0[4:7])
	h.Magic = c0[7]
	h.Ordinal = binary.LittleEndian.Uint64(c1[:])
	if h.Magic != Magic {
		return &DecodeError{Err: ErrIncompatibleMagic, Offset: off + 7, Value: uint64(h.Magic)}
	}
	return nil
}

// EncodeMessage writes hdr followed by body into buf.
func EncodeMessage(buf *Buffer, hdr TransactionHeader, body Encodable) error {
	e := NewEncoder(buf)
	if err := hdr.Encode(e); err != nil {
		return err
	}
	if body != nil {
		if err := body.Encode(e); err != nil {
			return err
		}
	}
	return e.Finish()
}

// DecodeHeader reads the transaction header at the start of buf.
func DecodeHeader(buf *Buffer) (TransactionHeader, error) {
	var hdr TransactionHeader
	if err := hdr.Decode(NewDecoder(buf)); err != nil {
		return TransactionHeader{}, err
	}
	return hdr, nil
}

// DecodeBody decodes the payload following the header of buf into v.
func DecodeBody(buf *Buffer, v Decodable) error {
	d := NewDecoder(buf)
	if _, err := d.need(HeaderSize); err != nil {
		return err
	}
	if err := v.Decode(d); err != nil {
		return err
	}
	return d.Finish()
}
