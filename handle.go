// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fidl

// Handle is an opaque transferable resource. The runtime never interprets
// handle values; it only moves them between buffers.
type Handle uint32

// InvalidHandle marks an absent or already transferred handle.
const InvalidHandle Handle = 0

// IsValid reports whether h refers to a resource.
func (h Handle) IsValid() bool { return h != InvalidHandle }

const (
	handlePresent uint32 = 0xFFFFFFFF
	handleAbsent  uint32 = 0
)

// HandleEncoder accepts handles during encoding.
type HandleEncoder interface {
	PushHandle(h Handle) error
}

// HandleDecoder yields handles during decoding, in the order they were pushed.
type HandleDecoder interface {
	TakeHandle() (Handle, error)
}
