// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bureau-foundation/outpost/cmd/outpost/cli"
	"github.com/bureau-foundation/outpost/lib/process"
	"github.com/bureau-foundation/outpost/packet"
	"github.com/bureau-foundation/outpost/remote"
	"github.com/bureau-foundation/outpost/shellstate"
	"github.com/bureau-foundation/outpost/statestore"
)

// stdinChunk is how much of stdin is forwarded per input packet.
const stdinChunk = 32 * 1024

type runParams struct {
	screenID    string
	lineID      string
	sessionID   string
	returnState bool
	ephemeral   bool
	cwd         string
	env         []string
	showState   bool
}

func runCommand() *cli.Command {
	var (
		global  globalOptions
		params  runParams
		flagSet *pflag.FlagSet
	)
	return &cli.Command{
		Name:    "run",
		Summary: "Run a command on a remote",
		Description: `Start the command on the remote's helper, starting from the screen's
current shell state, and stream its output. The exit status of outpost
is the exit status of the command.

With --state the command returns its final shell state, which becomes
the screen's state for the next command. Only one such command may run
per screen and remote at a time. Without the flag, commands that look
like they change the shell (cd, export, alias, source, ...) return
state unless --state=false is given.

With --ephemeral nothing is recorded: the command starts from the
screen's state adjusted by --cwd and --env, and its output is kept in
memory only.`,
		Usage: "outpost run [flags] <remote> [--] <command>...",
		Flags: func() *pflag.FlagSet {
			flagSet = pflag.NewFlagSet("run", pflag.ContinueOnError)
			global.addFlags(flagSet)
			flagSet.StringVar(&params.screenID, "screen", "default", "screen whose state the command uses")
			flagSet.StringVar(&params.lineID, "line", "", "line id of the command (default: a new UUID)")
			flagSet.StringVar(&params.sessionID, "session", "default", "session the screen belongs to")
			flagSet.BoolVar(&params.returnState, "state", false, "return the final shell state to the screen")
			flagSet.BoolVar(&params.ephemeral, "ephemeral", false, "run without recording the command or its output")
			flagSet.StringVar(&params.cwd, "cwd", "", "working directory for an ephemeral command")
			flagSet.StringArrayVar(&params.env, "env", nil, "KEY=VALUE for an ephemeral command (repeatable)")
			flagSet.BoolVar(&params.showState, "show-state", false, "print how the command changed the shell state")
			flagSet.SetInterspersed(false)
			return flagSet
		},
		Examples: []cli.Example{
			{Description: "Change directory for the commands that follow", Command: "outpost run --state prod cd /srv/app"},
			{Description: "Run a one-off command in another directory", Command: "outpost run --ephemeral --cwd /tmp prod -- ls -la"},
		},
		Run: func(args []string) error {
			if len(args) < 2 {
				return fmt.Errorf("%w: run needs a remote and a command", cli.ErrUsage)
			}
			commandLine := strings.Join(args[1:], " ")
			if !flagSet.Changed("state") && !params.ephemeral {
				params.returnState = shellstate.IsReturnStateCommand(commandLine)
			}
			overrides, err := params.validate()
			if err != nil {
				return err
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
			if params.lineID == "" {
				params.lineID = uuid.NewString()
			}
			run := &packet.RunPacket{
				CK:          packet.MakeCommandKey(params.screenID, params.lineID),
				Command:     commandLine,
				ReturnState: params.returnState,
				Ephemeral:   params.ephemeral,
			}
			options := remote.RunOptions{
				SessionID:   params.sessionID,
				OverrideCwd: params.cwd,
				OverrideEnv: overrides,
			}

			var input io.Reader
			if !term.IsTerminal(int(os.Stdin.Fd())) {
				input = os.Stdin
			}
			result, err := streamCommand(ctx, env.manager, session.ID(), options, run, input, os.Stdout, stop)
			if err != nil {
				return err
			}
			if result.StateErr != nil {
				env.logger.Warn("returned state was not saved", "command", run.CK.String(), "error", result.StateErr)
			}
			if params.showState && params.returnState && !params.ephemeral {
				summary, err := env.manager.ReturnStateSummary(context.WithoutCancel(ctx), run.CK)
				if err != nil {
					return err
				}
				for _, line := range summary {
					fmt.Fprintf(os.Stderr, "state: %s\n", line)
				}
			}
			return resultError(result)
		},
	}
}

// validate checks flag combinations and parses --env.
func (p *runParams) validate() (map[string]string, error) {
	if p.ephemeral && p.returnState {
		return nil, fmt.Errorf("%w: --state and --ephemeral cannot be combined", cli.ErrUsage)
	}
	if !p.ephemeral && (p.cwd != "" || len(p.env) > 0) {
		return nil, fmt.Errorf("%w: --cwd and --env only apply to --ephemeral commands", cli.ErrUsage)
	}
	return parseAssignments(p.env)
}

// parseAssignments turns KEY=VALUE strings into a map.
func parseAssignments(assignments []string) (map[string]string, error) {
	if len(assignments) == 0 {
		return nil, nil
	}
	vars := make(map[string]string, len(assignments))
	for _, assignment := range assignments {
		name, value, ok := strings.Cut(assignment, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("%w: --env %q: want KEY=VALUE", cli.ErrUsage, assignment)
		}
		vars[name] = value
	}
	return vars, nil
}

// streamCommand starts run and copies its output to stdout until it
// finishes. The first cancellation of ctx interrupts the command and
// calls interrupted, after which the command is still waited for.
// Input is forwarded from stdin, or closed at once when stdin is nil.
func streamCommand(ctx context.Context, manager *remote.Manager, remoteID string, options remote.RunOptions,
	run *packet.RunPacket, stdin io.Reader, stdout io.Writer, interrupted func()) (remote.Result, error) {
	events, unsubscribe := manager.Events().Subscribe(remote.CommandTopic(run.CK))
	defer unsubscribe()

	handle, release, err := manager.RunCommand(ctx, remoteID, options, run)
	if err != nil {
		return remote.Result{}, err
	}
	release()
	go forwardInput(manager, run.CK, stdin)

	var written int64
	canceled := ctx.Done()
	for {
		select {
		case event := <-events:
			output := event.Command
			if output == nil || output.Kind != remote.CommandOutput || output.Offset != written {
				continue
			}
			if _, err := stdout.Write(output.Data); err != nil {
				return remote.Result{}, err
			}
			written += int64(len(output.Data))

		case <-canceled:
			canceled = nil
			interrupted()
			if run.Ephemeral {
				err = manager.CancelEphemeral(run.CK)
			} else {
				err = manager.SendSignal(run.CK, "SIGINT")
			}
			if err != nil && !errors.Is(err, remote.ErrUnknownCommand) {
				return remote.Result{}, err
			}

		case <-handle.Done():
			// Events may have been dropped; the handle has everything.
			output, err := handle.Output(context.WithoutCancel(ctx))
			if err != nil {
				return remote.Result{}, err
			}
			if int64(len(output)) > written {
				if _, err := stdout.Write(output[written:]); err != nil {
					return remote.Result{}, err
				}
			}
			return handle.Result(), nil
		}
	}
}

// forwardInput sends stdin to the command in chunks, then closes the
// command's input.
func forwardInput(manager *remote.Manager, ck packet.CommandKey, stdin io.Reader) {
	if stdin != nil {
		buffer := make([]byte, stdinChunk)
		for {
			n, err := stdin.Read(buffer)
			if n > 0 {
				if sendErr := manager.SendInput(ck, buffer[:n], false); sendErr != nil {
					return
				}
			}
			if err != nil {
				break
			}
		}
	}
	manager.SendInput(ck, nil, true)
}

// resultError maps how a command ended to the exit status of outpost.
func resultError(result remote.Result) error {
	switch result.Status {
	case statestore.StatusDone:
		if result.ExitCode != 0 {
			return &process.ExitError{Code: result.ExitCode}
		}
		return nil
	case statestore.StatusHangup:
		return &process.ExitError{Code: 255, Err: fmt.Errorf("command hung up: %s", result.HangupReason)}
	case remote.CmdCanceled:
		return &process.ExitError{Code: 130}
	default:
		return &process.ExitError{Code: 1, Err: fmt.Errorf("command ended with status %s (exit code %d)", result.Status, result.ExitCode)}
	}
}
