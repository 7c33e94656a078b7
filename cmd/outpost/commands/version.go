// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/outpost/cmd/outpost/cli"
	"github.com/bureau-foundation/outpost/lib/version"
)

func versionCommand() *cli.Command {
	var short bool
	return &cli.Command{
		Name:    "version",
		Summary: "Print version information",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("version", pflag.ContinueOnError)
			flagSet.BoolVar(&short, "short", false, "print only the version number")
			return flagSet
		},
		Run: func(args []string) error {
			if short {
				fmt.Fprintln(os.Stdout, version.Short())
				return nil
			}
			fmt.Fprintf(os.Stdout, "outpost %s\n", version.Full())
			return nil
		},
	}
}
