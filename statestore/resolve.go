// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package statestore

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"

	"github.com/bureau-foundation/outpost/shellstate"
)

// Resolve loads ptr's base and applies its diffs in order.
func (s *Store) Resolve(ctx context.Context, ptr *shellstate.ShellStatePtr) (*shellstate.ShellState, error) {
	if ptr.IsEmpty() {
		return nil, fmt.Errorf("resolving empty state pointer: %w", ErrNotFound)
	}
	var state *shellstate.ShellState
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		var err error
		state, err = resolve(conn, ptr)
		return err
	})
	return state, err
}

func resolve(conn *sqlite.Conn, ptr *shellstate.ShellStatePtr) (*shellstate.ShellState, error) {
	state, err := getBase(conn, ptr.BaseHash)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", ptr, err)
	}
	for _, diffHash := range ptr.DiffHashArr {
		diff, err := getDiff(conn, diffHash)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", ptr, err)
		}
		state, err = shellstate.ApplyDiff(state, diff)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: diff %s: %w", ptr, diffHash, err)
		}
	}
	return state, nil
}

// Reconcile turns a command's returned state into a full snapshot.
//
// A full final state is used as is. A diff whose declared pointer is
// the command's original pointer is applied to originalState, which
// the caller already holds. A diff declaring any other pointer is
// applied to that pointer's resolved state; if it cannot be resolved
// the error is returned and nothing is changed. The result is always
// sanitized. Reconcile returns (nil, nil) when there is nothing to
// reconcile.
func (s *Store) Reconcile(ctx context.Context, originalPtr *shellstate.ShellStatePtr, originalState *shellstate.ShellState,
	finalState *shellstate.ShellState, finalDiff *shellstate.ShellStateDiff) (*shellstate.ShellState, error) {
	if finalState != nil {
		return shellstate.Sanitize(finalState), nil
	}
	if finalDiff == nil {
		return nil, nil
	}
	declared := finalDiff.Ptr()
	base := originalState
	if !declared.Equal(originalPtr) || originalState == nil {
		s.logger.Debug("returned diff names a different base",
			"declared", declared.String(), "original", originalPtr.String())
		resolved, err := s.Resolve(ctx, declared)
		if err != nil {
			return nil, fmt.Errorf("reconciling returned state: %w", err)
		}
		base = resolved
	}
	applied, err := shellstate.ApplyDiff(base, finalDiff)
	if err != nil {
		return nil, fmt.Errorf("reconciling returned state: %w", err)
	}
	return shellstate.Sanitize(applied), nil
}

// PersistResult describes what Persist wrote.
type PersistResult struct {
	Ptr *shellstate.ShellStatePtr

	// Rebased is true when a new base was stored instead of a diff.
	Rebased bool

	// DiffSize is the encoded size of the diff that was considered, or
	// zero when no diff was computed.
	DiffSize int
}

// Persist records newState as the current state of the remote
// instance. The diff from the instance's current state is appended to
// its chain unless it encodes larger than the threshold (or the chain
// is at its maximum length), in which case newState becomes a new base
// with an empty chain. The front-end summary is always replaced.
func (s *Store) Persist(ctx context.Context, key RIKey, fe shellstate.FeState, newState *shellstate.ShellState) (*PersistResult, error) {
	if newState == nil {
		return nil, fmt.Errorf("persisting state for %s: nil state", key)
	}
	var result *PersistResult
	err := s.withTx(ctx, func(conn *sqlite.Conn) error {
		current, err := getRemoteInstance(conn, key)
		if err != nil && !isNotFound(err) {
			return err
		}
		result, err = s.persistState(conn, current, newState)
		if err != nil {
			return err
		}
		return s.upsertRemoteInstance(conn, key, current, fe, result.Ptr)
	})
	if err != nil {
		return nil, fmt.Errorf("persisting state for %s: %w", key, err)
	}
	return result, nil
}

func (s *Store) persistState(conn *sqlite.Conn, current *RemoteInstance, newState *shellstate.ShellState) (*PersistResult, error) {
	rebase := func(diffSize int) (*PersistResult, error) {
		hash, err := s.storeBase(conn, newState)
		if err != nil {
			return nil, err
		}
		return &PersistResult{Ptr: &shellstate.ShellStatePtr{BaseHash: hash}, Rebased: true, DiffSize: diffSize}, nil
	}

	if current == nil || current.StatePtr.IsEmpty() {
		return rebase(0)
	}
	currentState, err := resolve(conn, current.StatePtr)
	if err != nil {
		s.logger.Warn("current state unresolvable, storing new base", "ptr", current.StatePtr.String(), "error", err)
		return rebase(0)
	}
	if currentState.ShellType != newState.ShellType {
		return rebase(0)
	}
	if s.maxDiffChain > 0 && len(current.StatePtr.DiffHashArr) >= s.maxDiffChain {
		return rebase(0)
	}
	diff, err := shellstate.MakeDiff(currentState, newState, current.StatePtr)
	if err != nil {
		return nil, err
	}
	if diff.IsEmpty() {
		return &PersistResult{Ptr: current.StatePtr.Clone()}, nil
	}
	encoded, hash, err := diff.Encode()
	if err != nil {
		return nil, err
	}
	if len(encoded) > s.diffThreshold {
		s.logger.Debug("diff over threshold, storing new base", "diff_size", len(encoded), "threshold", s.diffThreshold)
		return rebase(len(encoded))
	}
	if err := s.storeEncodedDiff(conn, diff, encoded, hash); err != nil {
		return nil, err
	}
	return &PersistResult{Ptr: current.StatePtr.Append(hash), DiffSize: len(encoded)}, nil
}
