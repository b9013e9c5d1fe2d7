// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// syncengine keeps a local replica of a Matrix account's rooms up to
// date by long-polling /sync, and prints the events its push rules
// flag as notifications.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/bureau-foundation/syncengine/cmd/syncengine/cli"
)

func main() {
	if err := run(); err != nil {
		// Commands that print their own output (like store-info)
		// return an ExitError with the desired exit code.
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		var toolError *cli.ToolError
		if errors.As(err, &toolError) {
			os.Exit(toolError.StatusCode())
		}
		os.Exit(1)
	}
}

func run() error {
	return root().Execute(os.Args[1:])
}

func root() *cli.Command {
	return &cli.Command{
		Name:    "syncengine",
		Summary: "Matrix sync engine",
		Description: `syncengine keeps a local replica of a Matrix account's rooms up to
date and prints the events the account's push rules flag as
notifications.

Configuration is read from the file named by --config or the
SYNCENGINE_CONFIG environment variable.`,
		Subcommands: []*cli.Command{
			loginCommand(),
			runCommand(),
			storeInfoCommand(),
			exportKeyCommand(),
			muteCommand(),
			versionCommand(),
		},
		Examples: []cli.Example{
			{
				Description: "Log in once, then sync until interrupted",
				Command:     "syncengine login --config ~/.config/syncengine.yaml && syncengine run --config ~/.config/syncengine.yaml",
			},
		},
	}
}
