// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/outpost/cmd/outpost/cli"
	"github.com/bureau-foundation/outpost/eventbus"
	"github.com/bureau-foundation/outpost/lib/config"
	"github.com/bureau-foundation/outpost/remote"
	"github.com/bureau-foundation/outpost/statestore"
	"github.com/bureau-foundation/outpost/userinput"
)

// globalOptions are accepted by every subcommand that opens the
// environment.
type globalOptions struct {
	configPath string
	logLevel   string
}

func (o *globalOptions) addFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&o.configPath, "config", "", "path to outpost.yaml (default: $OUTPOST_CONFIG)")
	flagSet.StringVar(&o.logLevel, "log-level", "warn", "log level: debug, info, warn or error")
}

// resolvedConfigPath is --config, else $OUTPOST_CONFIG.
func (o *globalOptions) resolvedConfigPath() string {
	if o.configPath != "" {
		return o.configPath
	}
	return os.Getenv("OUTPOST_CONFIG")
}

// environment is everything a subcommand needs to reach remotes.
type environment struct {
	configPath string
	settings   *config.Config
	logger     *slog.Logger
	store      *statestore.Store
	manager    *remote.Manager

	// interactive is true when a terminal can answer prompts.
	interactive bool

	stopPrompts context.CancelFunc
}

func openEnvironment(ctx context.Context, options globalOptions) (*environment, error) {
	level, err := cli.ParseLevel(options.logLevel)
	if err != nil {
		return nil, err
	}
	logger := cli.NewLogger(level)

	path := options.resolvedConfigPath()
	if path == "" {
		return nil, fmt.Errorf("%w: no config file; pass --config or set OUTPOST_CONFIG", cli.ErrUsage)
	}
	settings, err := config.LoadFile(path)
	if err != nil {
		return nil, err
	}
	if err := settings.EnsurePaths(); err != nil {
		return nil, err
	}

	store, err := statestore.Open(ctx, statestore.Config{
		Path:          settings.Paths.Database,
		DiffThreshold: settings.Limits.DiffThreshold,
		Logger:        logger.With("component", "statestore"),
	})
	if err != nil {
		return nil, err
	}

	prompts := userinput.New(userinput.Config{Logger: logger})
	manager, err := remote.NewManager(remote.Config{
		Settings: settings,
		Store:    store,
		Prompts:  prompts,
		Events:   eventbus.New[remote.Event](0, logger),
		Logger:   logger,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	env := &environment{
		configPath:  path,
		settings:    settings,
		logger:      logger,
		store:       store,
		manager:     manager,
		stopPrompts: func() {},
	}
	if prompter := cli.NewTerminalPrompter(os.Stderr); prompter != nil {
		promptCtx, cancel := context.WithCancel(ctx)
		env.interactive = true
		env.stopPrompts = cancel
		go prompter.Serve(promptCtx, prompts)
	}
	return env, nil
}

func (e *environment) Close() {
	e.stopPrompts()
	e.manager.Close()
	if err := e.store.Close(); err != nil {
		e.logger.Warn("closing state store", "error", err)
	}
}

// connect launches the named remote, asking for credentials on the
// terminal when there is one. A missing helper on an auto-install
// remote is installed before connect returns.
func (e *environment) connect(ctx context.Context, idOrAlias string) (*remote.Session, error) {
	session, err := e.manager.Session(idOrAlias)
	if err != nil {
		return nil, err
	}
	events, unsubscribe := e.manager.Events().Subscribe(remote.RemoteTopic(session.ID()))
	defer unsubscribe()

	err = session.Launch(ctx, e.interactive)
	if errors.Is(err, remote.ErrHelperNotFound) {
		if !session.Remote().AutoInstall {
			return nil, fmt.Errorf("%w\n\nRun 'outpost install %s' to install it.", err, idOrAlias)
		}
		fmt.Fprintf(os.Stderr, "Installing outpost-helper on %s...\n", idOrAlias)
		err = awaitInstall(ctx, events)
	}
	if err != nil {
		return nil, err
	}
	if status := session.Snapshot().Status; status != remote.StatusConnected {
		return nil, fmt.Errorf("%s is %s", idOrAlias, status)
	}
	return session, nil
}

// Phases of a background install as seen through published states.
const (
	installPending = iota
	installRunning
	installDone
	reconnecting
)

// awaitInstall follows a background install started by a failed
// connect until the remote is connected again or the install fails.
func awaitInstall(ctx context.Context, events <-chan remote.Event) error {
	phase := installPending
	for {
		var state *remote.RuntimeState
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case event := <-events:
			state = event.Remote
		}
		if state == nil {
			continue
		}
		switch phase {
		case installPending:
			if state.InstallStatus == remote.StatusConnecting {
				phase = installRunning
			}
		case installRunning:
			switch state.InstallStatus {
			case remote.StatusError:
				return fmt.Errorf("installing helper on %s: %s", state.RemoteID, state.InstallError)
			case remote.StatusDisconnected:
				phase = installDone
			}
		case installDone, reconnecting:
			switch state.Status {
			case remote.StatusConnected:
				return nil
			case remote.StatusConnecting:
				phase = reconnecting
			case remote.StatusError, remote.StatusDisconnected:
				if phase == reconnecting {
					return fmt.Errorf("helper installed on %s, reconnect failed: %s", state.RemoteID, state.ErrorText)
				}
			}
		}
	}
}
