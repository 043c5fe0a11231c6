// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/luxfi/fidl"
)

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Expose a client connection over HTTP JSON-RPC",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		client, err := fidl.DialClient(ctx, cfg.Address,
			[]fidl.DialOption{fidl.WithTransport(cfg.Transport)},
			fidl.WithClientLogger(log),
		)
		if err != nil {
			return err
		}
		handler, err := fidl.NewBridgeHandler(client.Sender(),
			fidl.WithBridgeLogger(log),
			fidl.WithBridgeCallTimeout(time.Duration(cfg.CallTimeout)),
		)
		if err != nil {
			return err
		}
		l, err := net.Listen("tcp", cfg.BridgeAddress)
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "bridging http://%s%s to %s\n", l.Addr(), fidl.BridgePath, cfg.Address)
		return runBridge(ctx, client, handler, l)
	},
}

// runBridge serves handler on l while client runs. The bridge stops when
// the client connection ends or ctx is done.
func runBridge(ctx context.Context, client *fidl.Client, handler http.Handler, l net.Listener) error {
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := client.Run(ctx, fidl.EventHandlerFunc(func(_ *fidl.ClientSender, ordinal uint64, buf *fidl.Buffer) {
			log.Info("event", zap.Uint64("ordinal", ordinal), zap.Int("bytes", buf.Len()))
		}))
		if err == nil {
			err = fidl.ErrClosed
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		_ = client.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		if err := srv.Serve(l); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func init() {
	rootCmd.AddCommand(bridgeCmd)
}
