// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/outpost/cmd/outpost/cli"
)

func connectCommand() *cli.Command {
	var global globalOptions
	return &cli.Command{
		Name:    "connect",
		Summary: "Check that remotes can be reached",
		Description: `Connect to each named remote, answering password prompts on the
terminal, and report the helper found there. The connection is closed
again when the command exits; use "outpost serve" to hold connections.`,
		Usage: "outpost connect [flags] <remote>...",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("connect", pflag.ContinueOnError)
			global.addFlags(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("%w: connect needs at least one remote", cli.ErrUsage)
			}
			ctx, stop := signalContext()
			defer stop()
			env, err := openEnvironment(ctx, global)
			if err != nil {
				return err
			}
			defer env.Close()

			var failures []error
			for _, name := range args {
				session, err := env.connect(ctx, name)
				if err != nil {
					failures = append(failures, err)
					continue
				}
				state := session.Snapshot()
				fmt.Fprintf(os.Stdout, "%s: connected to outpost-helper %s on %s/%s (%s, auth %s)\n",
					state.RemoteID, state.HelperVersion, state.OS, state.Arch, state.ShellType, state.AuthType)
			}
			return errors.Join(failures...)
		},
	}
}

func installCommand() *cli.Command {
	var (
		global globalOptions
		yes    bool
	)
	return &cli.Command{
		Name:    "install",
		Summary: "Install outpost-helper on a remote",
		Description: `Copy the helper binary matching the remote's platform from
paths.helper_dir onto the remote, then connect to it. Installing over a
connected helper disconnects it and hangs up its commands, which must
be confirmed unless --yes is given.`,
		Usage: "outpost install [flags] <remote>",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("install", pflag.ContinueOnError)
			global.addFlags(flagSet)
			flagSet.BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("%w: install needs exactly one remote", cli.ErrUsage)
			}
			ctx, stop := signalContext()
			defer stop()
			env, err := openEnvironment(ctx, global)
			if err != nil {
				return err
			}
			defer env.Close()

			session, err := env.manager.Session(args[0])
			if err != nil {
				return err
			}
			if err := session.RunInstall(ctx, yes); err != nil {
				return err
			}
			state := session.Snapshot()
			fmt.Fprintf(os.Stdout, "%s: outpost-helper installed (%s)\n", state.RemoteID, state.Status)
			return nil
		},
	}
}

func resetCommand() *cli.Command {
	var (
		global    globalOptions
		screenID  string
		sessionID string
	)
	return &cli.Command{
		Name:    "reset",
		Summary: "Reset a screen's shell state to a fresh login shell",
		Description: `Ask the remote's helper for a fresh login-shell state and make it the
screen's state on that remote. Fails while a state-returning command is
running on the screen.`,
		Usage: "outpost reset [flags] <remote>",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("reset", pflag.ContinueOnError)
			global.addFlags(flagSet)
			flagSet.StringVar(&screenID, "screen", "default", "screen to reset")
			flagSet.StringVar(&sessionID, "session", "default", "session the screen belongs to")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("%w: reset needs exactly one remote", cli.ErrUsage)
			}
			ctx, stop := signalContext()
			defer stop()
			env, err := openEnvironment(ctx, global)
			if err != nil {
				return err
			}
			defer env.Close()

			session, err := env.connect(ctx, args[0])
			if err != nil {
				return err
			}
			ptr, err := session.ResetState(ctx, sessionID, screenID, session.Ptr())
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "%s: screen %s reset (state %s)\n", session.ID(), screenID, ptr.BaseHash)
			return nil
		},
	}
}
