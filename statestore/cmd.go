// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package statestore

import (
	"context"
	"fmt"
	"strings"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/outpost/packet"
	"github.com/bureau-foundation/outpost/shellstate"
)

// CmdStatus is the lifecycle state of a command row.
type CmdStatus string

const (
	StatusRunning CmdStatus = "running"
	StatusDone    CmdStatus = "done"
	StatusError   CmdStatus = "error"
	StatusHangup  CmdStatus = "hangup"
)

// Cmd is one persisted command.
type Cmd struct {
	CK          packet.CommandKey
	Remote      packet.RemotePtr
	CmdStr      string
	Status      CmdStatus
	Pid         int
	ExitCode    int
	DurationMs  int64
	StartTs     int64
	DoneTs      int64
	RtnState    bool
	StatePtr    *shellstate.ShellStatePtr
	RtnStatePtr *shellstate.ShellStatePtr
}

// InsertCmd writes a new command row. Inserting an existing key fails.
func (s *Store) InsertCmd(ctx context.Context, cmd *Cmd) error {
	if err := cmd.CK.Validate("insert cmd"); err != nil {
		return err
	}
	statePtr := cmd.StatePtr
	if statePtr == nil {
		statePtr = &shellstate.ShellStatePtr{}
	}
	startTs := cmd.StartTs
	if startTs == 0 {
		startTs = s.clock.Now().UnixMilli()
	}
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`INSERT INTO cmd (screen_id, line_id, remote_owner_id, remote_id, remote_name, cmd_str, status, pid,
			                  exit_code, duration_ms, start_ts, done_ts, rtn_state, state_base_hash, state_diff_hash_arr)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				cmd.CK.ScreenID, cmd.CK.LineID, cmd.Remote.OwnerID, cmd.Remote.RemoteID, cmd.Remote.Name,
				cmd.CmdStr, string(cmd.Status), cmd.Pid, cmd.ExitCode, cmd.DurationMs, startTs, cmd.DoneTs,
				cmd.RtnState, statePtr.BaseHash, joinHashes(statePtr.DiffHashArr),
			}})
		if err != nil {
			return fmt.Errorf("inserting cmd %s: %w", cmd.CK, err)
		}
		return nil
	})
}

// CmdDoneUpdate is the result recorded when a command finishes.
type CmdDoneUpdate struct {
	Status      CmdStatus
	ExitCode    int
	DurationMs  int64
	RtnStatePtr *shellstate.ShellStatePtr
}

// UpdateCmdDone records a command's completion. It only changes rows
// that are still running, so a late hangup never overwrites a done
// status. It reports whether a row changed.
func (s *Store) UpdateCmdDone(ctx context.Context, ck packet.CommandKey, update CmdDoneUpdate) (bool, error) {
	rtn := update.RtnStatePtr
	if rtn == nil {
		rtn = &shellstate.ShellStatePtr{}
	}
	var changed bool
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`UPDATE cmd SET status = ?, exit_code = ?, duration_ms = ?, done_ts = ?, rtn_base_hash = ?, rtn_diff_hash_arr = ?
			 WHERE screen_id = ? AND line_id = ? AND status = ?`,
			&sqlitex.ExecOptions{Args: []any{
				string(update.Status), update.ExitCode, update.DurationMs, s.clock.Now().UnixMilli(),
				rtn.BaseHash, joinHashes(rtn.DiffHashArr),
				ck.ScreenID, ck.LineID, string(StatusRunning),
			}})
		if err != nil {
			return fmt.Errorf("updating cmd %s: %w", ck, err)
		}
		changed = conn.Changes() > 0
		return nil
	})
	return changed, err
}

// SetCmdRtnState records the state pointer a finished command returned.
func (s *Store) SetCmdRtnState(ctx context.Context, ck packet.CommandKey, ptr *shellstate.ShellStatePtr) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`UPDATE cmd SET rtn_base_hash = ?, rtn_diff_hash_arr = ? WHERE screen_id = ? AND line_id = ?`,
			&sqlitex.ExecOptions{Args: []any{ptr.BaseHash, joinHashes(ptr.DiffHashArr), ck.ScreenID, ck.LineID}})
		if err != nil {
			return fmt.Errorf("setting returned state of %s: %w", ck, err)
		}
		return nil
	})
}

// HangupCmds marks the given running commands as hung up.
func (s *Store) HangupCmds(ctx context.Context, cks []packet.CommandKey) error {
	if len(cks) == 0 {
		return nil
	}
	return s.withTx(ctx, func(conn *sqlite.Conn) error {
		now := s.clock.Now().UnixMilli()
		for _, ck := range cks {
			err := sqlitex.Execute(conn,
				`UPDATE cmd SET status = ?, done_ts = ? WHERE screen_id = ? AND line_id = ? AND status = ?`,
				&sqlitex.ExecOptions{Args: []any{string(StatusHangup), now, ck.ScreenID, ck.LineID, string(StatusRunning)}})
			if err != nil {
				return fmt.Errorf("hanging up %s: %w", ck, err)
			}
		}
		return nil
	})
}

// HangupRemoteCmds marks every running command on remoteID as hung up,
// covering rows left behind by a previous process.
func (s *Store) HangupRemoteCmds(ctx context.Context, remoteID string) (int, error) {
	var count int
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`UPDATE cmd SET status = ?, done_ts = ? WHERE remote_id = ? AND status = ?`,
			&sqlitex.ExecOptions{Args: []any{string(StatusHangup), s.clock.Now().UnixMilli(), remoteID, string(StatusRunning)}})
		if err != nil {
			return fmt.Errorf("hanging up commands on %s: %w", remoteID, err)
		}
		count = conn.Changes()
		return nil
	})
	return count, err
}

const cmdColumns = `screen_id, line_id, remote_owner_id, remote_id, remote_name, cmd_str, status, pid, exit_code,
	duration_ms, start_ts, done_ts, rtn_state, state_base_hash, state_diff_hash_arr, rtn_base_hash, rtn_diff_hash_arr`

// GetCmd loads one command row.
func (s *Store) GetCmd(ctx context.Context, ck packet.CommandKey) (*Cmd, error) {
	cmds, err := s.queryCmds(ctx, `SELECT `+cmdColumns+` FROM cmd WHERE screen_id = ? AND line_id = ?`, ck.ScreenID, ck.LineID)
	if err != nil {
		return nil, err
	}
	if len(cmds) == 0 {
		return nil, fmt.Errorf("cmd %s: %w", ck, ErrNotFound)
	}
	return cmds[0], nil
}

// ListCmds returns a screen's commands in start order.
func (s *Store) ListCmds(ctx context.Context, screenID string) ([]*Cmd, error) {
	return s.queryCmds(ctx, `SELECT `+cmdColumns+` FROM cmd WHERE screen_id = ? ORDER BY start_ts, line_id`, screenID)
}

func (s *Store) queryCmds(ctx context.Context, query string, args ...any) ([]*Cmd, error) {
	var cmds []*Cmd
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				cmds = append(cmds, &Cmd{
					CK: packet.MakeCommandKey(stmt.ColumnText(0), stmt.ColumnText(1)),
					Remote: packet.RemotePtr{
						OwnerID:  stmt.ColumnText(2),
						RemoteID: stmt.ColumnText(3),
						Name:     stmt.ColumnText(4),
					},
					CmdStr:     stmt.ColumnText(5),
					Status:     CmdStatus(stmt.ColumnText(6)),
					Pid:        stmt.ColumnInt(7),
					ExitCode:   stmt.ColumnInt(8),
					DurationMs: stmt.ColumnInt64(9),
					StartTs:    stmt.ColumnInt64(10),
					DoneTs:     stmt.ColumnInt64(11),
					RtnState:   stmt.ColumnBool(12),
					StatePtr: &shellstate.ShellStatePtr{
						BaseHash:    stmt.ColumnText(13),
						DiffHashArr: splitHashes(stmt.ColumnText(14)),
					},
					RtnStatePtr: &shellstate.ShellStatePtr{
						BaseHash:    stmt.ColumnText(15),
						DiffHashArr: splitHashes(stmt.ColumnText(16)),
					},
				})
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("querying cmds: %w", err)
	}
	return cmds, nil
}

// AppendOutput stores a chunk of command output at offset. Rewriting
// the same offset is ignored, so a replayed packet is harmless.
func (s *Store) AppendOutput(ctx context.Context, ck packet.CommandKey, offset int64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`INSERT OR IGNORE INTO cmd_output (screen_id, line_id, byte_offset, data) VALUES (?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{ck.ScreenID, ck.LineID, offset, data}})
		if err != nil {
			return fmt.Errorf("appending output of %s: %w", ck, err)
		}
		return nil
	})
}

// ReadOutput returns a command's output from offset onward.
func (s *Store) ReadOutput(ctx context.Context, ck packet.CommandKey, from int64) ([]byte, error) {
	var builder strings.Builder
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT byte_offset, data FROM cmd_output WHERE screen_id = ? AND line_id = ? ORDER BY byte_offset`,
			&sqlitex.ExecOptions{
				Args: []any{ck.ScreenID, ck.LineID},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					offset := stmt.ColumnInt64(0)
					chunk := make([]byte, stmt.ColumnLen(1))
					stmt.ColumnBytes(1, chunk)
					end := offset + int64(len(chunk))
					if end <= from {
						return nil
					}
					if offset < from {
						chunk = chunk[from-offset:]
					}
					builder.Write(chunk)
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("reading output of %s: %w", ck, err)
	}
	return []byte(builder.String()), nil
}
