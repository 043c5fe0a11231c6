// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fidl

import (
	"errors"
	"fmt"
)

// Encode error kinds.
var (
	ErrInvalidHandle      = errors.New("fidl: required handle is invalid")
	ErrMessageTooLarge    = errors.New("fidl: message exceeds maximum size")
	ErrTooManyHandles     = errors.New("fidl: message exceeds maximum handle count")
	ErrUnsetUnion         = errors.New("fidl: union has no variant set")
	ErrNotEncodable       = errors.New("fidl: value does not implement Encodable")
	ErrHandlesUnsupported = errors.New("fidl: transport cannot carry handles")
)

// Decode error kinds.
var (
	ErrInsufficientData      = errors.New("fidl: insufficient data")
	ErrExtraBytes            = errors.New("fidl: extra bytes after decoding")
	ErrInsufficientHandles   = errors.New("fidl: insufficient handles")
	ErrExtraHandles          = errors.New("fidl: extra handles after decoding")
	ErrInvalidUnionOrdinal   = errors.New("fidl: invalid union ordinal")
	ErrInvalidHandlePresence = errors.New("fidl: invalid handle presence marker")
	ErrInvalidPresence       = errors.New("fidl: invalid presence marker")
	ErrInvalidPadding        = errors.New("fidl: non-zero padding")
	ErrInvalidEnvelope       = errors.New("fidl: malformed envelope")
	ErrInvalidEnumValue      = errors.New("fidl: invalid enum value")
	ErrIncompatibleMagic     = errors.New("fidl: incompatible magic number")
	ErrUnalignedMessage      = errors.New("fidl: message is not chunk aligned")
	ErrNotDecodable          = errors.New("fidl: value does not implement Decodable")
)

// Runtime errors.
var (
	ErrClosed           = errors.New("fidl: client closed")
	ErrAlreadyRunning   = errors.New("fidl: client run loop already started")
	ErrResponseConsumed = errors.New("fidl: response already completed")
	ErrTransportClosed  = errors.New("fidl: transport closed")
	ErrNotWriteable     = errors.New("fidl: locker is not awaiting a reply")
)

// EncodeError reports where encoding failed.
type EncodeError struct {
	Err    error
	Offset int
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("%v (offset %d)", e.Err, e.Offset)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// DecodeError reports where decoding failed. Value carries the offending
// value for ordinal and enum errors.
type DecodeError struct {
	Err    error
	Offset int
	Value  uint64
}

func (e *DecodeError) Error() string {
	switch e.Err {
	case ErrInvalidUnionOrdinal, ErrInvalidEnumValue, ErrIncompatibleMagic:
		return fmt.Sprintf("%v %d (offset %d)", e.Err, e.Value, e.Offset)
	}
	return fmt.Sprintf("%v (offset %d)", e.Err, e.Offset)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// MismatchedOrdinalError is returned by Lockers.Write when a reply carries a
// different ordinal than the call that owns the slot.
type MismatchedOrdinalError struct {
	Expected uint64
	Actual   uint64
}

func (e *MismatchedOrdinalError) Error() string {
	return fmt.Sprintf("fidl: mismatched response ordinal: expected %#x, got %#x", e.Expected, e.Actual)
}

// ProtocolErrorKind classifies connection-fatal errors.
type ProtocolErrorKind uint8

const (
	TransportError ProtocolErrorKind = iota + 1
	InvalidMessageHeader
	UnrequestedResponse
	InvalidResponseOrdinal
	UnknownOrdinal
)

func (k ProtocolErrorKind) String() string {
	switch k {
	case TransportError:
		return "transport error"
	case InvalidMessageHeader:
		return "invalid message header"
	case UnrequestedResponse:
		return "unrequested response"
	case InvalidResponseOrdinal:
		return "invalid response ordinal"
	case UnknownOrdinal:
		return "unknown ordinal"
	default:
		return fmt.Sprintf("protocol error %d", uint8(k))
	}
}

// ProtocolError terminates a connection. Once one is returned by a run loop
// every outstanding call observes it.
type ProtocolError struct {
	Kind     ProtocolErrorKind
	Err      error
	Txid     uint32
	Expected uint64
	Actual   uint64
}

func (e *ProtocolError) Error() string {
	switch e.Kind {
	case UnrequestedResponse:
		return fmt.Sprintf("fidl: %s for txid %d", e.Kind, e.Txid)
	case InvalidResponseOrdinal:
		return fmt.Sprintf("fidl: %s: expected %#x, got %#x", e.Kind, e.Expected, e.Actual)
	case UnknownOrdinal:
		return fmt.Sprintf("fidl: %s %#x", e.Kind, e.Actual)
	}
	if e.Err != nil {
		return fmt.Sprintf("fidl: %s: %v", e.Kind, e.Err)
	}
	return "fidl: " + e.Kind.String()
}

func (e *ProtocolError) Unwrap() error { return e.Err }
