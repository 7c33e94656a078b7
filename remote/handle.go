// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"bytes"
	"context"
	"sync"

	"github.com/bureau-foundation/outpost/packet"
	"github.com/bureau-foundation/outpost/shellstate"
	"github.com/bureau-foundation/outpost/statestore"
)

// CmdCanceled is the status of an ephemeral command canceled before it
// finished. It is never stored.
const CmdCanceled statestore.CmdStatus = "canceled"

// Result is how a command ended.
type Result struct {
	Status     statestore.CmdStatus
	ExitCode   int
	DurationMs int64

	// StatePtr is the remote instance's pointer after the returned
	// state was persisted. Ephemeral commands never persist.
	StatePtr *shellstate.ShellStatePtr

	// State is the sanitized state the command returned, if any.
	State *shellstate.ShellState

	// StateErr reports a returned state that could not be reconciled
	// or persisted. The command's own exit status is unaffected.
	StateErr error

	HangupReason string
}

// Handle tracks one started command.
type Handle struct {
	CK        packet.CommandKey
	Pid       int
	Ephemeral bool

	store *statestore.Store

	done   chan struct{}
	once   sync.Once
	result Result

	mu     sync.Mutex
	output bytes.Buffer
}

func newHandle(ck packet.CommandKey, pid int, ephemeral bool, store *statestore.Store) *Handle {
	return &Handle{CK: ck, Pid: pid, Ephemeral: ephemeral, store: store, done: make(chan struct{})}
}

// Done is closed when the command has finished.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Result is valid once Done is closed.
func (h *Handle) Result() Result {
	<-h.done
	return h.result
}

// Wait blocks until the command finishes or ctx ends.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Output returns everything the command has written so far: from
// memory for ephemeral commands, from the store otherwise.
func (h *Handle) Output(ctx context.Context) ([]byte, error) {
	if h.Ephemeral {
		h.mu.Lock()
		defer h.mu.Unlock()
		return bytes.Clone(h.output.Bytes()), nil
	}
	return h.store.ReadOutput(ctx, h.CK, 0)
}

func (h *Handle) appendOutput(data []byte) {
	h.mu.Lock()
	h.output.Write(data)
	h.mu.Unlock()
}

// finish records the first result; later calls are ignored.
func (h *Handle) finish(result Result) {
	h.once.Do(func() {
		h.result = result
		close(h.done)
	})
}
