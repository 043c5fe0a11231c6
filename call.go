// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fidl

import "context"

// Call makes a strict two-way call and decodes the reply body into resp.
func Call(ctx context.Context, s *ClientSender, ordinal uint64, req Encodable, resp Decodable) error {
	fut, err := s.SendTwoWay(ctx, ordinal, req)
	if err != nil {
		return err
	}
	defer fut.Cancel()
	buf, err := fut.Await(ctx)
	if err != nil {
		return err
	}
	return DecodeBody(buf, resp)
}

// CallFlexible makes a flexible two-way call. A framework error from the
// peer is returned as a FrameworkError; the connection stays usable.
func CallFlexible[T any](ctx context.Context, s *ClientSender, ordinal uint64, req Encodable) (T, error) {
	var zero T
	fut, err := s.SendTwoWayFlexible(ctx, ordinal, req)
	if err != nil {
		return zero, err
	}
	defer fut.Cancel()
	buf, err := fut.Await(ctx)
	if err != nil {
		return zero, err
	}
	var result Flexible[T]
	if err := DecodeBody(buf, &result); err != nil {
		return zero, err
	}
	return result.Unwrap()
}

// Notify sends a one-way message and waits until the transport accepts it.
func Notify(ctx context.Context, s *ClientSender, ordinal uint64, req Encodable) error {
	fut, err := s.SendOneWay(ctx, ordinal, req)
	if err != nil {
		return err
	}
	return fut.Wait(ctx)
}
