// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/luxfi/fidl"
	"github.com/luxfi/fidl/internal/config"
)

// defaultEchoOrdinal is served when the config names no methods.
const defaultEchoOrdinal uint64 = 1

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve every configured method as an echo",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		l, err := fidl.Listen(cfg.ListenAddress, fidl.WithListenTransport(cfg.Transport))
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "serving %s on %s\n", cfg.Transport, l.Addr())
		return serve(ctx, l, cfg, log)
	},
}

func newEchoServer(c *config.Config, lg *zap.Logger, opts ...fidl.ServerOption) *fidl.Server {
	srv := fidl.NewServer(append([]fidl.ServerOption{fidl.WithServerLogger(lg)}, opts...)...)
	echo := func(ctx context.Context, req *fidl.Request) (fidl.Encodable, error) {
		var body fidl.RawBody
		if err := req.Decode(&body); err != nil {
			return nil, err
		}
		lg.Debug("echo",
			zap.Uint32("txid", req.Header.Txid),
			zap.Uint64("ordinal", req.Header.Ordinal),
			zap.Int("bytes", len(body)),
		)
		return body, nil
	}
	if len(c.Methods) == 0 {
		srv.HandleTwoWay(defaultEchoOrdinal, false, echo)
	}
	for _, m := range c.Methods {
		srv.HandleTwoWay(m.Ordinal, m.Flexible, echo)
	}
	return srv
}

// serve runs the echo server on l until ctx is done. Connections receive a
// heartbeat event when one is configured.
func serve(ctx context.Context, l fidl.Listener, c *config.Config, lg *zap.Logger) error {
	g, ctx := errgroup.WithContext(ctx)
	var opts []fidl.ServerOption
	if c.HeartbeatOrdinal != 0 {
		interval := time.Duration(c.HeartbeatInterval)
		opts = append(opts, fidl.WithConnectHandler(func(ss *fidl.ServerSender) {
			g.Go(func() error {
				heartbeat(ctx, ss, c.HeartbeatOrdinal, interval, lg)
				return nil
			})
		}))
	}
	srv := newEchoServer(c, lg, opts...)
	g.Go(func() error {
		return srv.Serve(ctx, l)
	})
	return g.Wait()
}

// heartbeat emits a sequence-numbered event until the connection goes away.
func heartbeat(ctx context.Context, ss *fidl.ServerSender, ordinal uint64, interval time.Duration, lg *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		seq++
		if err := ss.SendEvent(ctx, ordinal, sequence(seq)); err != nil {
			lg.Debug("heartbeat stopped", zap.Error(err))
			return
		}
	}
}

type sequence uint64

func (s sequence) Encode(e *fidl.Encoder) error {
	e.WriteUint64(uint64(s))
	return nil
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
