// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/outpost/cmd/outpost/cli"
	"github.com/bureau-foundation/outpost/packet"
	"github.com/bureau-foundation/outpost/statestore"
)

// historyEntry is the JSON form of a recorded command.
type historyEntry struct {
	CommandKey   string `json:"ck"`
	RemoteID     string `json:"remote_id"`
	Command      string `json:"command"`
	Status       string `json:"status"`
	ExitCode     int    `json:"exit_code"`
	DurationMs   int64  `json:"duration_ms"`
	StartedAt    string `json:"started_at"`
	ReturnState  bool   `json:"return_state"`
	ChangedState bool   `json:"changed_state"`
}

func newHistoryEntry(cmd *statestore.Cmd) historyEntry {
	return historyEntry{
		CommandKey:   cmd.CK.String(),
		RemoteID:     cmd.Remote.RemoteID,
		Command:      cmd.CmdStr,
		Status:       string(cmd.Status),
		ExitCode:     cmd.ExitCode,
		DurationMs:   cmd.DurationMs,
		StartedAt:    time.UnixMilli(cmd.StartTs).UTC().Format(time.RFC3339),
		ReturnState:  cmd.RtnState,
		ChangedState: !cmd.RtnStatePtr.IsEmpty(),
	}
}

func historyCommand() *cli.Command {
	var (
		global     globalOptions
		screenID   string
		limit      int
		outputJSON bool
	)
	return &cli.Command{
		Name:    "history",
		Summary: "List the commands run on a screen",
		Usage:   "outpost history [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("history", pflag.ContinueOnError)
			global.addFlags(flagSet)
			flagSet.StringVar(&screenID, "screen", "default", "screen to list")
			flagSet.IntVarP(&limit, "limit", "n", 20, "show only the most recent commands (0 for all)")
			flagSet.BoolVar(&outputJSON, "json", false, "output as JSON")
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

			cmds, err := env.store.ListCmds(ctx, screenID)
			if err != nil {
				return err
			}
			if limit > 0 && len(cmds) > limit {
				cmds = cmds[len(cmds)-limit:]
			}
			entries := make([]historyEntry, 0, len(cmds))
			for _, cmd := range cmds {
				entries = append(entries, newHistoryEntry(cmd))
			}
			if outputJSON {
				return cli.WriteJSON(os.Stdout, entries)
			}
			if len(entries) == 0 {
				fmt.Fprintf(os.Stderr, "No commands recorded for screen %s.\n", screenID)
				return nil
			}
			fmt.Fprintln(os.Stdout, historyTable(entries))
			return nil
		},
	}
}

func historyTable(entries []historyEntry) string {
	headers := []string{"COMMAND KEY", "REMOTE", "STATUS", "EXIT", "DURATION", "STATE", "COMMAND"}
	rows := make([][]string, 0, len(entries))
	for _, entry := range entries {
		state := ""
		switch {
		case entry.ChangedState:
			state = "returned"
		case entry.ReturnState:
			state = "pending"
		}
		rows = append(rows, []string{
			entry.CommandKey,
			entry.RemoteID,
			entry.Status,
			strconv.Itoa(entry.ExitCode),
			(time.Duration(entry.DurationMs) * time.Millisecond).String(),
			state,
			entry.Command,
		})
	}
	return renderTable(headers, rows, 2)
}

func outputCommand() *cli.Command {
	var global globalOptions
	return &cli.Command{
		Name:    "output",
		Summary: "Print the recorded output of a command",
		Usage:   "outpost output [flags] <screen>/<line>",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("output", pflag.ContinueOnError)
			global.addFlags(flagSet)
			return flagSet
		},
		Examples: []cli.Example{
			{Description: "Replay a command found with history", Command: "outpost output default/5f0c6a1e-3b9d-4c52-8e7a-1d2f3a4b5c6d"},
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("%w: output needs one command key", cli.ErrUsage)
			}
			ck, err := packet.ParseCommandKey(args[0])
			if err != nil {
				return fmt.Errorf("%w: %w", cli.ErrUsage, err)
			}
			ctx, stop := signalContext()
			defer stop()
			env, err := openEnvironment(ctx, global)
			if err != nil {
				return err
			}
			defer env.Close()

			if _, err := env.store.GetCmd(ctx, ck); err != nil {
				return err
			}
			output, err := env.store.ReadOutput(ctx, ck, 0)
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(output)
			return err
		},
	}
}
