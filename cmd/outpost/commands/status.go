// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/outpost/cmd/outpost/cli"
	"github.com/bureau-foundation/outpost/lib/config"
	"github.com/bureau-foundation/outpost/remote"
)

// remoteStatus is the JSON form of one remote's runtime state.
type remoteStatus struct {
	ID              string `json:"id"`
	Alias           string `json:"alias,omitempty"`
	CanonicalName   string `json:"canonical_name"`
	Type            string `json:"type"`
	ConnectMode     string `json:"connect_mode"`
	Archived        bool   `json:"archived,omitempty"`
	Status          string `json:"status"`
	Error           string `json:"error,omitempty"`
	InstallStatus   string `json:"install_status"`
	InstallError    string `json:"install_error,omitempty"`
	AuthType        string `json:"auth_type"`
	Platform        string `json:"platform,omitempty"`
	HelperVersion   string `json:"helper_version,omitempty"`
	Shell           string `json:"shell,omitempty"`
	RunningCommands int    `json:"running_commands"`
}

func newRemoteStatus(state remote.RuntimeState) remoteStatus {
	status := remoteStatus{
		ID:              state.RemoteID,
		Alias:           state.Alias,
		CanonicalName:   state.CanonicalName,
		Type:            string(state.Type),
		ConnectMode:     string(state.ConnectMode),
		Archived:        state.Archived,
		Status:          string(state.Status),
		Error:           state.ErrorText,
		InstallStatus:   string(state.InstallStatus),
		InstallError:    state.InstallError,
		AuthType:        state.AuthType,
		HelperVersion:   state.HelperVersion,
		Shell:           state.ShellType,
		RunningCommands: state.RunningCommands,
	}
	if state.OS != "" {
		status.Platform = state.OS + "/" + state.Arch
	}
	return status
}

func statusCommand() *cli.Command {
	var (
		global     globalOptions
		outputJSON bool
		connect    bool
		all        bool
	)
	return &cli.Command{
		Name:    "status",
		Summary: "Show configured remotes",
		Description: `List every configured remote with its connection state. Remotes are
only connected while an outpost process holds them, so a fresh status
shows them disconnected unless --connect is given, which tries each
remote that is not in manual connect mode first.`,
		Usage: "outpost status [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("status", pflag.ContinueOnError)
			global.addFlags(flagSet)
			flagSet.BoolVar(&outputJSON, "json", false, "output as JSON")
			flagSet.BoolVar(&connect, "connect", false, "connect each remote before reporting")
			flagSet.BoolVar(&all, "all", false, "include archived remotes")
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

			if connect {
				for _, state := range env.manager.List() {
					if state.Archived || state.ConnectMode == config.ConnectManual {
						continue
					}
					if _, err := env.connect(ctx, state.RemoteID); err != nil {
						env.logger.Warn("connect failed", "remote_id", state.RemoteID, "error", err)
					}
				}
			}

			var statuses []remoteStatus
			for _, state := range env.manager.List() {
				if state.Archived && !all {
					continue
				}
				statuses = append(statuses, newRemoteStatus(state))
			}
			if outputJSON {
				return cli.WriteJSON(os.Stdout, statuses)
			}
			if len(statuses) == 0 {
				fmt.Fprintf(os.Stderr, "No remotes configured in %s.\n", env.configPath)
				return nil
			}
			fmt.Fprintln(os.Stdout, statusTable(statuses))
			return nil
		},
	}
}

func statusTable(statuses []remoteStatus) string {
	headers := []string{"REMOTE", "ALIAS", "NAME", "TYPE", "MODE", "STATUS", "PLATFORM", "HELPER", "RUNNING", "ERROR"}
	rows := make([][]string, 0, len(statuses))
	for _, status := range statuses {
		errorText := status.Error
		if status.InstallError != "" {
			errorText = "install: " + status.InstallError
		}
		rows = append(rows, []string{
			status.ID,
			status.Alias,
			status.CanonicalName,
			status.Type,
			status.ConnectMode,
			status.Status,
			status.Platform,
			status.HelperVersion,
			strconv.Itoa(status.RunningCommands),
			errorText,
		})
	}
	return renderTable(headers, rows, 5)
}
