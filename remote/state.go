// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"time"

	"github.com/bureau-foundation/outpost/lib/config"
	"github.com/bureau-foundation/outpost/packet"
	"github.com/bureau-foundation/outpost/statestore"
)

// Status is a connection or install state.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// RuntimeState is an immutable snapshot of one remote, published on
// every change.
type RuntimeState struct {
	RemoteID      string
	Alias         string
	CanonicalName string
	Type          config.RemoteType
	ConnectMode   config.ConnectMode
	Archived      bool

	Status        Status
	InstallStatus Status
	ErrorText     string
	InstallError  string

	// AuthType describes how the connection authenticates: "none",
	// "password", "key", "key+password" or "agent".
	AuthType string

	WaitingForPassword bool

	// ConnectTimeout is the time left before a connect or install
	// attempt is abandoned, zero when none is running.
	ConnectTimeout time.Duration

	OS            string
	Arch          string
	HelperVersion string
	ShellType     string

	RunningCommands int
}

// Topics published on the event bus.
const (
	TopicRemote  = "remote"
	TopicCommand = "cmd"
)

// CommandTopic is the topic carrying one command's events.
func CommandTopic(ck packet.CommandKey) string {
	return TopicCommand + ":" + ck.String()
}

// RemoteTopic is the topic carrying one remote's runtime state.
func RemoteTopic(remoteID string) string {
	return TopicRemote + ":" + remoteID
}

// CommandEventKind classifies a CommandEvent.
type CommandEventKind string

const (
	CommandOutput CommandEventKind = "output"
	CommandDone   CommandEventKind = "done"
	CommandHangup CommandEventKind = "hangup"
)

// CommandEvent reports output or completion of a command.
type CommandEvent struct {
	Kind CommandEventKind
	CK   packet.CommandKey

	// Offset is the position of Data in the command's output stream.
	Offset int64
	Data   []byte

	Status   statestore.CmdStatus
	ExitCode int
}

// Event is what the manager publishes. Exactly one field is set.
type Event struct {
	Remote  *RuntimeState
	Command *CommandEvent
}
