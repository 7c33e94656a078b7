// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Command outpost-helper runs on a remote machine and executes commands
// for an outpost front-end over its stdin and stdout.
//
// The front-end starts it as "outpost-helper --server". Everything the
// helper writes to stderr reaches the front-end as diagnostic text, so
// logging defaults to warnings only.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/outpost/cmd/outpost/cli"
	"github.com/bureau-foundation/outpost/helper"
	"github.com/bureau-foundation/outpost/lib/process"
	"github.com/bureau-foundation/outpost/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		serverMode  bool
		showVersion bool
		shellType   string
		logLevel    string
	)
	flagSet := pflag.NewFlagSet("outpost-helper", pflag.ContinueOnError)
	flagSet.BoolVar(&serverMode, "server", false, "serve the packet protocol on stdin and stdout")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	flagSet.StringVar(&shellType, "shell", "", "shell to run commands in (default: from $SHELL)")
	flagSet.StringVar(&logLevel, "log-level", "warn", "log level: debug, info, warn or error")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return &process.ExitError{Code: 2, Err: err}
	}

	if showVersion {
		fmt.Printf("outpost-helper %s\n", version.Info())
		return nil
	}
	if !serverMode {
		return &process.ExitError{Code: 2, Err: fmt.Errorf("outpost-helper is started by outpost; pass --server to serve on stdin/stdout")}
	}

	level, err := cli.ParseLevel(logLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	server := helper.NewServer(helper.Config{
		ShellType: shellType,
		Logger:    logger,
	})
	if err := server.Serve(ctx, os.Stdin, os.Stdout); err != nil {
		logger.Error("helper stopped", "error", err)
		return err
	}
	return nil
}
