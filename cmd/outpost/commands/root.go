// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package commands assembles the outpost command tree.
package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/bureau-foundation/outpost/cmd/outpost/cli"
)

// Root returns the top-level outpost command.
func Root() *cli.Command {
	return &cli.Command{
		Name:    "outpost",
		Summary: "Run commands on remote machines with persistent shell state",
		Description: `Outpost keeps one helper process per remote machine and runs commands
through it. Commands that return state carry their working directory,
environment, aliases and functions forward to the next command on the
same screen.

Remotes are defined in outpost.yaml, found through --config or the
OUTPOST_CONFIG environment variable.`,
		Subcommands: []*cli.Command{
			runCommand(),
			statusCommand(),
			connectCommand(),
			installCommand(),
			resetCommand(),
			historyCommand(),
			outputCommand(),
			serveCommand(),
			versionCommand(),
		},
		Examples: []cli.Example{
			{Description: "Run a command that keeps its state", Command: "outpost run --state prod -- cd /srv/app"},
			{Description: "Show every remote", Command: "outpost status"},
		},
	}
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
