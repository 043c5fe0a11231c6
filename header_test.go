// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fidl

import (
	"bytes"
	"errors"
	"testing"
)

func TestHeaderLayout(t *testing.T) {
	var buf Buffer
	hdr := NewHeader(0x04030201, 0x1122334455667788, DynamicFlagFlexible)
	if err := EncodeMessage(&buf, hdr, nil); err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	want := []byte{
		0x01, 0x02, 0x03, 0x04, AtRestFlagWireFormatV2, 0x00, DynamicFlagFlexible, Magic,
		0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11,
	}
	if got := buf.Bytes(); !bytes.Equal(got, want) {
		t.Fatalf("got % x, want % x", got, want)
	}

	got, err := DecodeHeader(&buf)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if got != hdr {
		t.Errorf("got %+v, want %+v", got, hdr)
	}
	if !got.IsFlexible() || got.IsEvent() {
		t.Errorf("IsFlexible = %v, IsEvent = %v", got.IsFlexible(), got.IsEvent())
	}
}

func TestHeaderEvent(t *testing.T) {
	hdr := NewHeader(0, 0x2000, 0)
	if !hdr.IsEvent() {
		t.Error("txid 0 should be an event")
	}
	if hdr.IsFlexible() {
		t.Error("strict header reported flexible")
	}
}

func TestHeaderBadMagic(t *testing.T) {
	var buf Buffer
	hdr := NewHeader(1, 1, 0)
	hdr.Magic = 7
	if err := EncodeMessage(&buf, hdr, nil); err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	_, err := DecodeHeader(&buf)
	if !errors.Is(err, ErrIncompatibleMagic) {
		t.Fatalf("got %v, want %v", err, ErrIncompatibleMagic)
	}
}

func TestHeaderShortMessage(t *testing.T) {
	buf, _ := BufferFromBytes(make([]byte, 8), nil)
	if _, err := DecodeHeader(buf); !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("got %v, want %v", err, ErrInsufficientData)
	}
}

func TestDecodeBody(t *testing.T) {
	var buf Buffer
	if err := EncodeMessage(&buf, NewHeader(3, 9, 0), u32(77)); err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	if buf.Len() != HeaderSize+ChunkSize {
		t.Fatalf("Len = %d, want %d", buf.Len(), HeaderSize+ChunkSize)
	}
	var v u32
	if err := DecodeBody(&buf, &v); err != nil {
		t.Fatalf("DecodeBody: %v", err)
	}
	if v != 77 {
		t.Errorf("got %d, want 77", v)
	}

	// A body shorter than its type is rejected.
	var short Buffer
	if err := EncodeMessage(&short, NewHeader(3, 9, 0), nil); err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	if err := DecodeBody(&short, &v); !errors.Is(err, ErrInsufficientData) {
		t.Errorf("got %v, want %v", err, ErrInsufficientData)
	}
}
