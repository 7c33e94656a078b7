// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package statestore

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/outpost/lib/codec"
	"github.com/bureau-foundation/outpost/packet"
	"github.com/bureau-foundation/outpost/shellstate"
)

// RIKey identifies a remote instance.
type RIKey struct {
	SessionID string
	ScreenID  string
	Remote    packet.RemotePtr
}

func (k RIKey) String() string {
	return k.SessionID + "/" + k.ScreenID + "@" + k.Remote.String()
}

// RemoteInstance is one screen's binding to a remote's state.
type RemoteInstance struct {
	RIID      string
	Key       RIKey
	FeState   shellstate.FeState
	StatePtr  *shellstate.ShellStatePtr
	UpdatedTs int64
}

const remoteInstanceColumns = `riid, session_id, screen_id, remote_owner_id, remote_id, name,
	fe_state, state_base_hash, state_diff_hash_arr, updated_ts`

// GetRemoteInstance returns ErrNotFound when the screen has never
// persisted state on this remote.
func (s *Store) GetRemoteInstance(ctx context.Context, key RIKey) (*RemoteInstance, error) {
	var instance *RemoteInstance
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		var err error
		instance, err = getRemoteInstance(conn, key)
		return err
	})
	return instance, err
}

func getRemoteInstance(conn *sqlite.Conn, key RIKey) (*RemoteInstance, error) {
	instances, err := queryRemoteInstances(conn,
		`SELECT `+remoteInstanceColumns+` FROM remote_instance
		 WHERE session_id = ? AND screen_id = ? AND remote_owner_id = ? AND remote_id = ? AND name = ?`,
		key.SessionID, key.ScreenID, key.Remote.OwnerID, key.Remote.RemoteID, key.Remote.Name)
	if err != nil {
		return nil, err
	}
	if len(instances) == 0 {
		return nil, fmt.Errorf("remote instance %s: %w", key, ErrNotFound)
	}
	return instances[0], nil
}

// ListRemoteInstances returns every instance bound to remoteID.
func (s *Store) ListRemoteInstances(ctx context.Context, remoteID string) ([]*RemoteInstance, error) {
	var instances []*RemoteInstance
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		var err error
		instances, err = queryRemoteInstances(conn,
			`SELECT `+remoteInstanceColumns+` FROM remote_instance WHERE remote_id = ? ORDER BY session_id, screen_id`,
			remoteID)
		return err
	})
	return instances, err
}

func queryRemoteInstances(conn *sqlite.Conn, query string, args ...any) ([]*RemoteInstance, error) {
	var instances []*RemoteInstance
	err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			instance := &RemoteInstance{
				RIID: stmt.ColumnText(0),
				Key: RIKey{
					SessionID: stmt.ColumnText(1),
					ScreenID:  stmt.ColumnText(2),
					Remote: packet.RemotePtr{
						OwnerID:  stmt.ColumnText(3),
						RemoteID: stmt.ColumnText(4),
						Name:     stmt.ColumnText(5),
					},
				},
				StatePtr: &shellstate.ShellStatePtr{
					BaseHash:    stmt.ColumnText(7),
					DiffHashArr: splitHashes(stmt.ColumnText(8)),
				},
				UpdatedTs: stmt.ColumnInt64(9),
			}
			feBytes := make([]byte, stmt.ColumnLen(6))
			stmt.ColumnBytes(6, feBytes)
			if err := codec.Unmarshal(feBytes, &instance.FeState); err != nil {
				return fmt.Errorf("decoding fe_state of %s: %w", instance.RIID, err)
			}
			instances = append(instances, instance)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("querying remote instances: %w", err)
	}
	return instances, nil
}

// SetRemoteInstanceBase stores state as a new base and points the
// instance at it with an empty chain. Used by reset.
func (s *Store) SetRemoteInstanceBase(ctx context.Context, key RIKey, state *shellstate.ShellState) (*shellstate.ShellStatePtr, error) {
	var ptr *shellstate.ShellStatePtr
	err := s.withTx(ctx, func(conn *sqlite.Conn) error {
		current, err := getRemoteInstance(conn, key)
		if err != nil && !isNotFound(err) {
			return err
		}
		hash, err := s.storeBase(conn, state)
		if err != nil {
			return err
		}
		ptr = &shellstate.ShellStatePtr{BaseHash: hash}
		return s.upsertRemoteInstance(conn, key, current, shellstate.FeStateOf(state), ptr)
	})
	if err != nil {
		return nil, fmt.Errorf("resetting state for %s: %w", key, err)
	}
	return ptr, nil
}

// DeleteRemoteInstance removes the binding. Stored snapshots remain.
func (s *Store) DeleteRemoteInstance(ctx context.Context, key RIKey) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`DELETE FROM remote_instance
			 WHERE session_id = ? AND screen_id = ? AND remote_owner_id = ? AND remote_id = ? AND name = ?`,
			&sqlitex.ExecOptions{Args: []any{key.SessionID, key.ScreenID, key.Remote.OwnerID, key.Remote.RemoteID, key.Remote.Name}})
		if err != nil {
			return fmt.Errorf("deleting remote instance %s: %w", key, err)
		}
		return nil
	})
}

func (s *Store) upsertRemoteInstance(conn *sqlite.Conn, key RIKey, current *RemoteInstance, fe shellstate.FeState, ptr *shellstate.ShellStatePtr) error {
	if fe == nil {
		fe = shellstate.FeState{}
	}
	feBytes, err := codec.Marshal(fe)
	if err != nil {
		return fmt.Errorf("encoding fe_state: %w", err)
	}
	now := s.clock.Now().UnixMilli()
	if current != nil {
		err = sqlitex.Execute(conn,
			`UPDATE remote_instance SET fe_state = ?, state_base_hash = ?, state_diff_hash_arr = ?, updated_ts = ?
			 WHERE riid = ?`,
			&sqlitex.ExecOptions{Args: []any{feBytes, ptr.BaseHash, joinHashes(ptr.DiffHashArr), now, current.RIID}})
	} else {
		err = sqlitex.Execute(conn,
			`INSERT INTO remote_instance (`+remoteInstanceColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				uuid.NewString(), key.SessionID, key.ScreenID, key.Remote.OwnerID, key.Remote.RemoteID, key.Remote.Name,
				feBytes, ptr.BaseHash, joinHashes(ptr.DiffHashArr), now,
			}})
	}
	if err != nil {
		return fmt.Errorf("writing remote instance %s: %w", key, err)
	}
	return nil
}
