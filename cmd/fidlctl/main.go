// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import "github.com/luxfi/fidl/cmd/fidlctl/cmd"

func main() {
	cmd.Execute()
}
