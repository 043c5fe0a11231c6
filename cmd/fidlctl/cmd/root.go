// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luxfi/fidl/internal/config"
)

var (
	// Global flags
	cfgFile   string
	logLevel  string
	transport string
	address   string

	// Shared state set during PersistentPreRun
	cfg *config.Config
	log *zap.Logger
)

// rootCmd is the base command for fidlctl.
var rootCmd = &cobra.Command{
	Use:   "fidlctl",
	Short: "Serve, call and bridge FIDL-style RPC endpoints",
	Long: `fidlctl runs echo servers, issues one-off calls and exposes a client
connection over HTTP JSON-RPC. Settings come from a YAML or TOML config file,
FIDL_* environment variables and the flags below, in increasing priority.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path := cfgFile
		if path == "" {
			path = config.DefaultPath()
		}
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		if transport != "" {
			cfg.Transport = transport
		}
		if address != "" {
			cfg.Address = address
			cfg.ListenAddress = address
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		log, err = cfg.Logger()
		if err != nil {
			return fmt.Errorf("failed to build logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			_ = log.Sync()
		}
	},
}

// Execute runs the root command until it finishes or the process is
// interrupted.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}

// RootCmd returns the root cobra.Command for testing purposes.
func RootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file, .yaml or .toml (default is ~/.fidl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&transport, "transport", "", "transport: tcp or grpc")
	rootCmd.PersistentFlags().StringVar(&address, "address", "", "address to dial, or to listen on for serve")
}
