// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Command outpost runs commands on remote machines through a helper
// process, carrying shell state from one command to the next.
package main

import (
	"os"

	"github.com/bureau-foundation/outpost/cmd/outpost/commands"
	"github.com/bureau-foundation/outpost/lib/process"
)

func main() {
	if err := commands.Root().Execute(os.Args[1:]); err != nil {
		process.Fatal(err)
	}
}
