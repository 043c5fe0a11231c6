// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/luxfi/fidl"
)

// version is set at build time via -ldflags "-X github.com/luxfi/fidl/cmd/fidlctl/cmd.fidlctlVersion=x.y.z"
var fidlctlVersion = "0.1.0"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show fidlctl version and available transports",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintf(cmd.OutOrStdout(), "fidlctl version %s\n", fidlctlVersion)
		fmt.Fprintf(cmd.OutOrStdout(), "wire magic: %d\n", fidl.Magic)
		fmt.Fprintf(cmd.OutOrStdout(), "transports: %s\n", strings.Join(fidl.AvailableTransports(), ", "))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
