// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/outpost/packet"
)

var (
	// ErrUnknownRemote is returned for an id or alias that no
	// configured remote has.
	ErrUnknownRemote = errors.New("unknown remote")

	// ErrArchived is returned when operating on an archived remote.
	ErrArchived = errors.New("remote is archived")

	// ErrNotConnected is returned by operations that need a live
	// helper.
	ErrNotConnected = errors.New("remote is not connected")

	// ErrHelperNotFound means the helper is missing or its version
	// cannot speak to this front-end; an install is required.
	ErrHelperNotFound = errors.New("outpost-helper not installed")

	// ErrConnectTimeout is the cause of a connect or install attempt
	// that saw no activity before its deadline.
	ErrConnectTimeout = errors.New("connect timed out")

	// ErrDisconnected is the cause of an attempt canceled by
	// Disconnect.
	ErrDisconnected = errors.New("disconnect requested")

	// ErrAuthFailed is returned when the remote keeps asking for a
	// credential or none was supplied in time.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrInstallRunning is returned by RunInstall while another install
	// is in progress.
	ErrInstallRunning = errors.New("install already in progress")

	// ErrInstallDeclined is returned when the user does not confirm an
	// install that would restart a connected helper.
	ErrInstallDeclined = errors.New("install not confirmed")

	// ErrInstallCorrupt is returned when the helper written on the
	// remote does not hash to the binary that was sent.
	ErrInstallCorrupt = errors.New("installed helper does not match the binary sent")

	// ErrCommandsRunning is returned by an unforced Disconnect.
	ErrCommandsRunning = errors.New("commands are running")

	// ErrStatefulRunning matches every *StatefulRunningError.
	ErrStatefulRunning = errors.New("stateful command still running")

	// ErrUnknownCommand is returned for a command key that is not
	// running.
	ErrUnknownCommand = errors.New("command is not running")

	// ErrInputTooLarge is returned by SendInput for chunks over
	// MaxInputSize.
	ErrInputTooLarge = errors.New("input chunk too large")
)

// StatefulRunningError rejects a state-returning command because
// another one holds the same screen and remote.
type StatefulRunningError struct {
	// Holder is the running command.
	Holder packet.CommandKey

	// Command is the holder's command line.
	Command string
}

func (e *StatefulRunningError) Error() string {
	return fmt.Sprintf("stateful command still running (line %s): %s", e.Holder.LineID, e.Command)
}

// Is makes errors.Is(err, ErrStatefulRunning) hold.
func (e *StatefulRunningError) Is(target error) bool {
	return target == ErrStatefulRunning
}
