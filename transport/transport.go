// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport starts outpost-helper on a remote and exposes its
// packet stream and controlling terminal.
//
// Every transport has two channels. Stdin and Stdout carry the framed
// packet stream to and from the helper. Terminal is the human side:
// whatever ssh, sudo or a login shell prints to the controlling
// terminal (password prompts, host key warnings, motd, errors) is read
// from it, and answers to those prompts are written to it.
//
// Three process transports run a local command with a pseudo-terminal
// as stderr and controlling tty: [TypeLocal] runs the helper directly,
// [TypeSudo] through sudo, and [TypeSSH] through the system ssh binary.
// [TypeNativeSSH] dials with golang.org/x/crypto/ssh and renders
// authentication prompts onto a synthetic terminal so the same prompt
// watcher serves every transport.
package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
)

// Type selects the transport implementation.
type Type string

const (
	TypeLocal     Type = "local"
	TypeSudo      Type = "sudo"
	TypeSSH       Type = "ssh"
	TypeNativeSSH Type = "native-ssh"
)

// SSHOptions describes an SSH endpoint.
type SSHOptions struct {
	Host         string
	User         string
	Port         int
	IdentityFile string
	KnownHosts   string
}

// Spec describes what to start.
type Spec struct {
	Type Type
	SSH  SSHOptions

	// Command is the POSIX shell snippet that finds and execs the
	// helper (or reports that it is missing).
	Command string

	// Env is added to the environment of local transports.
	Env []string
}

// Transport is one running helper connection. Stdin and Stdout are
// valid after Start returns nil.
type Transport interface {
	// Start launches the helper. It blocks through authentication for
	// native SSH, so Terminal must already be drained by the caller.
	Start(ctx context.Context) error

	Stdin() io.WriteCloser
	Stdout() io.Reader

	// Terminal is the controlling terminal's master side.
	Terminal() io.ReadWriter

	// Wait blocks until the helper exits.
	Wait() error

	// Close terminates the helper and releases every descriptor. It is
	// safe to call more than once and concurrently with Wait.
	Close() error
}

// Factory creates transports. Tests substitute their own.
type Factory interface {
	New(spec Spec) (Transport, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(spec Spec) (Transport, error)

// New calls f.
func (f FactoryFunc) New(spec Spec) (Transport, error) { return f(spec) }

// DefaultFactory creates the real transports.
func DefaultFactory(logger *slog.Logger) Factory {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return FactoryFunc(func(spec Spec) (Transport, error) {
		switch spec.Type {
		case TypeLocal, TypeSudo, TypeSSH:
			return newProcessTransport(spec, logger)
		case TypeNativeSSH:
			return newNativeSSH(spec, logger)
		}
		return nil, fmt.Errorf("unknown transport type %q", spec.Type)
	})
}
