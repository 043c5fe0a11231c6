// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cmd

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/luxfi/fidl"
)

var (
	callFlexible bool
	callOneWay   bool
)

var callCmd = &cobra.Command{
	Use:   "call <method|ordinal> [hex-payload]",
	Short: "Make a single call and print the reply payload as hex",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ordinal, flexible, err := resolveMethod(args[0])
		if err != nil {
			return err
		}
		flexible = flexible || callFlexible
		var payload []byte
		if len(args) == 2 {
			if payload, err = hex.DecodeString(args[1]); err != nil {
				return fmt.Errorf("payload: %w", err)
			}
		}

		ctx := cmd.Context()
		if timeout := time.Duration(cfg.CallTimeout); timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		client, err := fidl.DialClient(ctx, cfg.Address,
			[]fidl.DialOption{fidl.WithTransport(cfg.Transport)},
			fidl.WithClientLogger(log),
		)
		if err != nil {
			return err
		}

		var reply []byte
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			err := client.Run(gctx, nil)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
		g.Go(func() error {
			defer client.Close()
			var err error
			reply, err = invoke(gctx, client.Sender(), ordinal, flexible, fidl.RawBody(payload))
			return err
		})
		if err := g.Wait(); err != nil {
			return err
		}
		if !callOneWay {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", hex.EncodeToString(reply))
		}
		return nil
	},
}

func invoke(ctx context.Context, s *fidl.ClientSender, ordinal uint64, flexible bool, body fidl.RawBody) ([]byte, error) {
	switch {
	case callOneWay && flexible:
		fut, err := s.SendOneWayFlexible(ctx, ordinal, body)
		if err != nil {
			return nil, err
		}
		return nil, fut.Wait(ctx)
	case callOneWay:
		return nil, fidl.Notify(ctx, s, ordinal, body)
	case flexible:
		return fidl.CallFlexible[fidl.RawBody](ctx, s, ordinal, body)
	}
	var resp fidl.RawBody
	err := fidl.Call(ctx, s, ordinal, body, &resp)
	return resp, err
}

// resolveMethod accepts a configured method name or a numeric ordinal.
func resolveMethod(arg string) (uint64, bool, error) {
	if m, ok := cfg.Method(arg); ok {
		return m.Ordinal, m.Flexible, nil
	}
	ordinal, err := strconv.ParseUint(arg, 0, 64)
	if err != nil || ordinal == 0 {
		return 0, false, fmt.Errorf("unknown method %q", arg)
	}
	return ordinal, false, nil
}

func init() {
	callCmd.Flags().BoolVar(&callFlexible, "flexible", false, "treat the method as flexible")
	callCmd.Flags().BoolVar(&callOneWay, "one-way", false, "send a one-way message and do not wait for a reply")
	rootCmd.AddCommand(callCmd)
}
