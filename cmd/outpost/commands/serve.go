// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/outpost/cmd/outpost/cli"
	"github.com/bureau-foundation/outpost/eventbus"
	"github.com/bureau-foundation/outpost/lib/config"
	"github.com/bureau-foundation/outpost/remote"
)

func serveCommand() *cli.Command {
	var global globalOptions
	return &cli.Command{
		Name:    "serve",
		Summary: "Hold connections to remotes until interrupted",
		Description: `Hang up commands a previous process left running, connect every
remote in startup connect mode, and keep the connections up. Edits to
the config file are applied as they are saved: new remotes are added,
removed ones are archived, and connected remotes whose definition did
not change stay connected.`,
		Usage: "outpost serve [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("serve", pflag.ContinueOnError)
			flagSet.StringVar(&global.configPath, "config", "", "path to outpost.yaml (default: $OUTPOST_CONFIG)")
			flagSet.StringVar(&global.logLevel, "log-level", "info", "log level: debug, info, warn or error")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("%w: unexpected argument: %s", cli.ErrUsage, args[0])
			}
			ctx, stop := signalContext()
			defer stop()
			env, err := openEnvironment(ctx, global)
			if err != nil {
				return err
			}
			defer env.Close()
			return serve(ctx, env)
		},
	}
}

func serve(ctx context.Context, env *environment) error {
	if _, err := env.manager.HangupStale(ctx); err != nil {
		return err
	}

	events, unsubscribe := env.manager.Events().Subscribe(eventbus.AllTopics)
	defer unsubscribe()
	logDone := make(chan struct{})
	go func() {
		defer close(logDone)
		logRemoteEvents(ctx, env.logger, events)
	}()

	if err := env.manager.ConnectStartupRemotes(ctx); err != nil {
		env.logger.Warn("startup connect failed", "error", err)
	}

	watchErr := config.Watch(ctx, env.configPath, config.WatchOptions{Logger: env.logger}, func(cfg *config.Config) {
		env.manager.Sync(cfg.Remotes)
	})
	<-logDone
	if watchErr != nil {
		return watchErr
	}
	env.logger.Info("shutting down")
	return nil
}

// logRemoteEvents logs each remote status change until ctx is done.
func logRemoteEvents(ctx context.Context, logger *slog.Logger, events <-chan remote.Event) {
	last := make(map[string]remote.Status)
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-events:
			switch {
			case event.Remote != nil:
				state := event.Remote
				if last[state.RemoteID] == state.Status {
					continue
				}
				last[state.RemoteID] = state.Status
				attrs := []any{"remote_id", state.RemoteID, "status", string(state.Status)}
				if state.ErrorText != "" {
					attrs = append(attrs, "error", state.ErrorText)
				}
				logger.Info("remote status changed", attrs...)
			case event.Command != nil && event.Command.Kind != remote.CommandOutput:
				logger.Info("command finished",
					"command", event.Command.CK.String(),
					"status", string(event.Command.Status),
					"exit_code", event.Command.ExitCode,
				)
			}
		}
	}
}
