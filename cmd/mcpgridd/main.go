// Copyright 2025 The MCPGrid Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// The mcpgridd command runs a reference MCPGrid server: the streamable HTTP
// transport mounted under a configurable path, with optional Redis-backed
// distribution, bearer-token auth and rate limiting, plus a demo tool,
// resource and prompt.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "mcpgridd",
		Short:         "mcpgridd is the MCP protocol server daemon",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
