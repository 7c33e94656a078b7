// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/bureau-foundation/outpost/packet"
	"github.com/bureau-foundation/outpost/shellstate"
	"github.com/bureau-foundation/outpost/statestore"
)

// MaxInputSize bounds one SendInput call.
const MaxInputSize = 64 * 1024

// ErrCommandExists is returned by RunCommand for a key that is already
// running or starting.
var ErrCommandExists = errors.New("command key already in use")

// RunOptions carries what RunCommand needs beyond the run packet.
type RunOptions struct {
	// SessionID and the run's screen id select the remote instance
	// whose state the command starts from and returns to.
	SessionID string

	// Remote is the pointer the screen uses for this remote. Defaults
	// to the session's own pointer.
	Remote packet.RemotePtr

	// StatePtr starts the command from a specific state instead of the
	// remote instance's current one, as when restarting a command.
	StatePtr *shellstate.ShellStatePtr

	// OverrideCwd and OverrideEnv change the starting state of an
	// ephemeral command without persisting anything.
	OverrideCwd string
	OverrideEnv map[string]string
}

// pendingKey names the state a state-returning command may replace.
type pendingKey struct {
	ScreenID string
	Remote   packet.RemotePtr
}

type pendingHolder struct {
	ck        packet.CommandKey
	command   string
	ephemeral bool
}

// waitGate queues a command's packets until its caller has recorded
// it.
type waitGate struct {
	queue []packet.Commander
}

// runningCmd is the session's record of a started command.
type runningCmd struct {
	handle     *Handle
	riKey      statestore.RIKey
	command    string
	startPtr   *shellstate.ShellStatePtr
	startState *shellstate.ShellState
	pending    *pendingKey
	ephemeral  bool

	// Guarded by the session lock.
	offset   int64
	canceled bool
}

// RunCommand starts run on the remote, connecting first when the
// remote's connect mode allows it. The caller must not set the run's
// state; it is resolved here from opts and the remote instance.
//
// On success the command is recorded (unless ephemeral) and running.
// Its packets are held back until the returned release function is
// called, so a caller that records the command elsewhere first never
// sees output for a command it does not know yet. release is safe to
// call more than once. On failure nothing is recorded.
//
// A run with ReturnState is refused with a *StatefulRunningError while
// another state-returning command runs on the same screen and remote
// pointer, unless both are ephemeral, in which case the older one is
// canceled.
func (s *Session) RunCommand(ctx context.Context, opts RunOptions, run *packet.RunPacket) (*Handle, func(), error) {
	if run == nil {
		return nil, nil, errors.New("run: nil packet")
	}
	if err := run.CK.Validate("run"); err != nil {
		return nil, nil, err
	}
	if run.State != nil || run.StatePtr != nil {
		return nil, nil, fmt.Errorf("run %s: state is resolved by the session and must not be set", run.CK)
	}
	if !run.Ephemeral && (opts.OverrideCwd != "" || len(opts.OverrideEnv) > 0) {
		return nil, nil, fmt.Errorf("run %s: cwd and env overrides are only allowed for ephemeral commands", run.CK)
	}
	if opts.SessionID == "" {
		return nil, nil, fmt.Errorf("run %s: missing session id", run.CK)
	}
	if opts.Remote.RemoteID == "" {
		opts.Remote = s.Ptr()
	}

	conn, gen, err := s.ensureConnected(ctx)
	if err != nil {
		return nil, nil, err
	}
	ck := run.CK
	key := pendingKey{ScreenID: ck.ScreenID, Remote: opts.Remote}
	riKey := statestore.RIKey{SessionID: opts.SessionID, ScreenID: ck.ScreenID, Remote: opts.Remote}

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return nil, nil, fmt.Errorf("run %s: %w", ck, ErrNotConnected)
	}
	if _, exists := s.running[ck]; exists {
		s.mu.Unlock()
		return nil, nil, fmt.Errorf("run %s: %w", ck, ErrCommandExists)
	}
	if _, exists := s.gates[ck]; exists {
		s.mu.Unlock()
		return nil, nil, fmt.Errorf("run %s: %w", ck, ErrCommandExists)
	}
	var preempted *runningCmd
	var heldKey *pendingKey
	if run.ReturnState {
		if holder := s.pending[key]; holder != nil {
			if !run.Ephemeral || !holder.ephemeral {
				s.mu.Unlock()
				return nil, nil, &StatefulRunningError{Holder: holder.ck, Command: holder.command}
			}
			if preempted = s.running[holder.ck]; preempted != nil {
				preempted.canceled = true
			}
		}
		s.pending[key] = &pendingHolder{ck: ck, command: run.Command, ephemeral: run.Ephemeral}
		heldKey = &key
	}
	gate := &waitGate{}
	s.gates[ck] = gate
	defaultState := s.defaultState
	s.mu.Unlock()

	if preempted != nil {
		s.logger.Info("preempting ephemeral command", "line_id", preempted.handle.CK.LineID, "by", ck.LineID)
		preempted.handle.finish(Result{Status: CmdCanceled})
		if err := conn.Send(&packet.InputPacket{CK: preempted.handle.CK, SigName: "SIGTERM"}); err != nil {
			s.logger.Debug("signalling preempted command", "error", err)
		}
	}

	fail := func(err error) (*Handle, func(), error) {
		s.abortStart(ck, gate, heldKey, err)
		return nil, nil, fmt.Errorf("run %s: %w", ck, err)
	}

	startPtr, startState, err := s.startingState(ctx, riKey, opts.StatePtr, defaultState)
	if err != nil {
		return fail(err)
	}
	if run.Ephemeral {
		startState = shellstate.OverrideEnv(startState, opts.OverrideCwd, opts.OverrideEnv)
	}
	run.State = shellstate.InjectMarkers(startState, s.version)
	run.StatePtr = startPtr
	if run.ReqID == "" {
		run.ReqID = uuid.NewString()
	}

	response, err := conn.Call(ctx, run, s.timeouts.Start)
	if err != nil {
		return fail(fmt.Errorf("starting command: %w", err))
	}
	var pid int
	switch response := response.(type) {
	case *packet.CmdStartPacket:
		pid = response.Pid
	case *packet.ResponsePacket:
		if err := response.Err(); err != nil {
			return fail(fmt.Errorf("helper rejected command: %w", err))
		}
		return fail(errors.New("helper answered run without starting it"))
	default:
		return fail(fmt.Errorf("unexpected %s response to run", response.PacketType()))
	}

	if !run.Ephemeral {
		record := &statestore.Cmd{
			CK:       ck,
			Remote:   opts.Remote,
			CmdStr:   run.Command,
			Status:   statestore.StatusRunning,
			Pid:      pid,
			RtnState: run.ReturnState,
			StatePtr: startPtr,
		}
		if err := s.store.InsertCmd(ctx, record); err != nil {
			if sendErr := conn.Send(&packet.InputPacket{CK: ck, SigName: "SIGKILL"}); sendErr != nil {
				s.logger.Debug("killing unrecorded command", "error", sendErr)
			}
			return fail(err)
		}
	}

	handle := newHandle(ck, pid, run.Ephemeral, s.store)
	cmd := &runningCmd{
		handle:     handle,
		riKey:      riKey,
		command:    run.Command,
		startPtr:   startPtr,
		startState: run.State,
		pending:    heldKey,
		ephemeral:  run.Ephemeral,
	}

	s.mu.Lock()
	if s.generation != gen {
		// The connection ended while the command started.
		s.mu.Unlock()
		s.hangup([]*runningCmd{cmd}, "connection lost during start")
		return handle, func() {}, nil
	}
	s.running[ck] = cmd
	s.mu.Unlock()
	s.publish()
	s.logger.Info("command started", "ck", ck.String(), "pid", pid, "return_state", run.ReturnState, "ephemeral", run.Ephemeral)

	return handle, sync.OnceFunc(func() { s.releaseGate(ck, gate) }), nil
}

// startingState resolves the state a command starts from. Without an
// explicit pointer it is the remote instance's current state; an
// instance that does not exist yet is created from the helper's login
// state.
func (s *Session) startingState(ctx context.Context, riKey statestore.RIKey, explicit *shellstate.ShellStatePtr,
	defaultState *shellstate.ShellState) (*shellstate.ShellStatePtr, *shellstate.ShellState, error) {
	ptr := explicit
	if ptr.IsEmpty() {
		instance, err := s.store.GetRemoteInstance(ctx, riKey)
		switch {
		case err == nil && !instance.StatePtr.IsEmpty():
			ptr = instance.StatePtr
		case err == nil || errors.Is(err, statestore.ErrNotFound):
			if defaultState == nil {
				return nil, nil, errors.New("no login state from helper")
			}
			ptr, err = s.store.SetRemoteInstanceBase(ctx, riKey, defaultState)
			if err != nil {
				return nil, nil, err
			}
		default:
			return nil, nil, err
		}
	}
	state, err := s.store.Resolve(ctx, ptr)
	if err != nil {
		return nil, nil, fmt.Errorf("resolving starting state: %w", err)
	}
	return ptr, state, nil
}

// abortStart undoes RunCommand's bookkeeping after a failed start.
func (s *Session) abortStart(ck packet.CommandKey, gate *waitGate, held *pendingKey, cause error) {
	s.mu.Lock()
	if s.gates[ck] == gate {
		delete(s.gates, ck)
	}
	if held != nil {
		if holder := s.pending[*held]; holder != nil && holder.ck == ck {
			delete(s.pending, *held)
		}
	}
	termLog := s.termLog
	s.mu.Unlock()
	fmt.Fprintf(termLog, "[outpost] command %s failed to start: %v\n", ck, cause)
	s.logger.Warn("command failed to start", "ck", ck.String(), "error", cause)
}

// releaseGate delivers the packets queued for ck in arrival order and
// removes the gate. Packets that arrive while it runs are queued behind
// the ones being delivered.
func (s *Session) releaseGate(ck packet.CommandKey, gate *waitGate) {
	for {
		s.mu.Lock()
		if s.gates[ck] != gate {
			s.mu.Unlock()
			return
		}
		if len(gate.queue) == 0 {
			delete(s.gates, ck)
			s.mu.Unlock()
			return
		}
		next := gate.queue[0]
		gate.queue = gate.queue[1:]
		conn := s.conn
		s.mu.Unlock()
		s.handleCommandPacket(conn, next)
	}
}

// dispatch routes one packet from the helper.
func (s *Session) dispatch(conn *packet.Conn, p packet.Packet) {
	switch p := p.(type) {
	case *packet.DataPacket, *packet.CmdDonePacket, *packet.CmdFinalPacket:
		commander := p.(packet.Commander)
		ck := commander.GetCK()
		s.mu.Lock()
		if gate := s.gates[ck]; gate != nil {
			gate.queue = append(gate.queue, commander)
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		s.handleCommandPacket(conn, commander)
	case *packet.CmdStartPacket:
		// A start confirmation that outlived its caller's timeout.
		s.mu.Lock()
		_, known := s.running[p.CK]
		s.mu.Unlock()
		if !known {
			s.logger.Warn("late start for unknown command, killing it", "ck", p.CK.String(), "pid", p.Pid)
			if err := conn.Send(&packet.InputPacket{CK: p.CK, SigName: "SIGKILL"}); err != nil {
				s.logger.Debug("killing orphaned command", "error", err)
			}
		}
	case *packet.DataAckPacket:
		if p.Error != "" {
			s.logger.Debug("input rejected by helper", "ck", p.CK.String(), "fd", p.FdNum, "error", p.Error)
		}
	case *packet.MessagePacket:
		s.diagnostic("[helper] %s\n", p.Message)
	case *packet.RawPacket:
		s.diagnostic("%s\n", p.Data)
	default:
		s.logger.Warn("unexpected packet from helper", "type", p.PacketType())
	}
}

func (s *Session) diagnostic(format string, args ...any) {
	s.mu.Lock()
	termLog := s.termLog
	s.mu.Unlock()
	fmt.Fprintf(termLog, format, args...)
}

func (s *Session) handleCommandPacket(conn *packet.Conn, p packet.Commander) {
	switch p := p.(type) {
	case *packet.DataPacket:
		s.handleData(conn, p)
	case *packet.CmdDonePacket:
		s.handleDone(p)
	case *packet.CmdFinalPacket:
		s.handleFinal(p)
	}
}

// handleData stores output and always acknowledges it, with an error
// for commands that are not running.
func (s *Session) handleData(conn *packet.Conn, p *packet.DataPacket) {
	ack := &packet.DataAckPacket{CK: p.CK, FdNum: p.FdNum, AckLen: len(p.Data)}
	s.mu.Lock()
	cmd := s.running[p.CK]
	var offset int64
	if cmd != nil {
		offset = cmd.offset
		cmd.offset += int64(len(p.Data))
	}
	s.mu.Unlock()

	if cmd == nil {
		ack.AckLen = 0
		ack.Error = fmt.Sprintf("no running command %s", p.CK)
	} else if len(p.Data) > 0 {
		if cmd.ephemeral {
			cmd.handle.appendOutput(p.Data)
		} else if err := s.store.AppendOutput(context.Background(), p.CK, offset, p.Data); err != nil {
			s.logger.Error("storing command output", "ck", p.CK.String(), "error", err)
		}
		s.events.Publish(CommandTopic(p.CK), Event{Command: &CommandEvent{
			Kind: CommandOutput, CK: p.CK, Offset: offset, Data: p.Data,
		}})
	}
	if p.Error != "" {
		s.logger.Debug("helper stream error", "ck", p.CK.String(), "fd", p.FdNum, "error", p.Error)
	}
	if conn == nil {
		return
	}
	if err := conn.Send(ack); err != nil {
		s.logger.Debug("sending data ack", "error", err)
	}
}

// handleDone finishes a command: the returned state is reconciled and
// persisted, then the record is updated, and only then is the screen's
// pending marker released so the next stateful command starts from the
// new state.
func (s *Session) handleDone(p *packet.CmdDonePacket) {
	s.mu.Lock()
	cmd := s.running[p.CK]
	delete(s.running, p.CK)
	canceled := cmd != nil && cmd.canceled
	s.mu.Unlock()
	if cmd == nil {
		s.logger.Debug("done for unknown command", "ck", p.CK.String())
		return
	}
	ctx := context.Background()
	if canceled {
		cmd.handle.finish(Result{Status: CmdCanceled, ExitCode: p.ExitCode, DurationMs: p.DurationMs})
		s.publish()
		return
	}

	result := Result{Status: statestore.StatusDone, ExitCode: p.ExitCode, DurationMs: p.DurationMs}
	newState, err := s.store.Reconcile(ctx, cmd.startPtr, cmd.startState, p.FinalState, p.FinalStateDiff)
	switch {
	case err != nil:
		result.StateErr = err
		s.logger.Warn("returned state not reconciled", "ck", p.CK.String(), "error", err)
	case newState != nil && cmd.ephemeral:
		result.State = newState
	case newState != nil:
		result.State = newState
		persisted, err := s.store.Persist(ctx, cmd.riKey, shellstate.FeStateOf(newState), newState)
		if err != nil {
			result.StateErr = err
			s.logger.Warn("returned state not persisted", "ck", p.CK.String(), "error", err)
		} else {
			result.StatePtr = persisted.Ptr
			s.logger.Debug("state persisted", "ck", p.CK.String(), "ptr", persisted.Ptr.String(),
				"rebased", persisted.Rebased, "diff_size", persisted.DiffSize)
		}
	}

	if !cmd.ephemeral {
		_, err := s.store.UpdateCmdDone(ctx, p.CK, statestore.CmdDoneUpdate{
			Status:      statestore.StatusDone,
			ExitCode:    p.ExitCode,
			DurationMs:  p.DurationMs,
			RtnStatePtr: result.StatePtr,
		})
		if err != nil {
			s.logger.Error("recording command completion", "ck", p.CK.String(), "error", err)
		}
	}
	s.releasePending(cmd)
	cmd.handle.finish(result)
	s.events.Publish(CommandTopic(p.CK), Event{Command: &CommandEvent{
		Kind: CommandDone, CK: p.CK, Status: result.Status, ExitCode: result.ExitCode,
	}})
	s.publish()
	s.logger.Info("command done", "ck", p.CK.String(), "exit_code", p.ExitCode, "duration_ms", p.DurationMs)
}

// handleFinal hangs up a command the helper tore down without a done
// packet.
func (s *Session) handleFinal(p *packet.CmdFinalPacket) {
	s.mu.Lock()
	cmd := s.running[p.CK]
	delete(s.running, p.CK)
	s.mu.Unlock()
	if cmd == nil {
		return
	}
	reason := p.Error
	if reason == "" {
		reason = "command ended without a result"
	}
	s.hangup([]*runningCmd{cmd}, reason)
	s.publish()
}

func (s *Session) releasePending(cmd *runningCmd) {
	if cmd.pending == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if holder := s.pending[*cmd.pending]; holder != nil && holder.ck == cmd.handle.CK {
		delete(s.pending, *cmd.pending)
	}
}

// hangup marks commands as hung up in the store and finishes their
// handles. The commands must already be out of the running map.
func (s *Session) hangup(cmds []*runningCmd, reason string) {
	if len(cmds) == 0 {
		return
	}
	var recorded []packet.CommandKey
	for _, cmd := range cmds {
		if !cmd.ephemeral {
			recorded = append(recorded, cmd.handle.CK)
		}
	}
	if err := s.store.HangupCmds(context.Background(), recorded); err != nil {
		s.logger.Error("recording hangup", "error", err, "count", len(recorded))
	}
	for _, cmd := range cmds {
		s.releasePending(cmd)
		cmd.handle.finish(Result{Status: statestore.StatusHangup, HangupReason: reason})
		s.events.Publish(CommandTopic(cmd.handle.CK), Event{Command: &CommandEvent{
			Kind: CommandHangup, CK: cmd.handle.CK, Status: statestore.StatusHangup,
		}})
	}
}

func (s *Session) runningCommand(ck packet.CommandKey) (*runningCmd, *packet.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd := s.running[ck]
	if cmd == nil {
		return nil, nil, fmt.Errorf("%s: %w", ck, ErrUnknownCommand)
	}
	return cmd, s.conn, nil
}

// HasCommand reports whether ck is running on this remote.
func (s *Session) HasCommand(ck packet.CommandKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[ck]
	return ok
}

// SendSignal delivers a signal (by name, "SIGINT" or "INT") to a
// running command's process group.
func (s *Session) SendSignal(ck packet.CommandKey, signal string) error {
	_, conn, err := s.runningCommand(ck)
	if err != nil {
		return err
	}
	return conn.Send(&packet.InputPacket{CK: ck, SigName: signal})
}

// ResizeCommand changes the window size of a command run with a pty.
func (s *Session) ResizeCommand(ck packet.CommandKey, rows, cols int) error {
	if rows <= 0 || cols <= 0 {
		return fmt.Errorf("resize %s: invalid size %dx%d", ck, rows, cols)
	}
	_, conn, err := s.runningCommand(ck)
	if err != nil {
		return err
	}
	return conn.Send(&packet.InputPacket{CK: ck, WinSize: &packet.WinSize{Rows: rows, Cols: cols}})
}

// SendInput writes data to a running command's stdin, closing it after
// the data when eof is set.
func (s *Session) SendInput(ck packet.CommandKey, data []byte, eof bool) error {
	if len(data) > MaxInputSize {
		return fmt.Errorf("input for %s is %d bytes, limit %d: %w", ck, len(data), MaxInputSize, ErrInputTooLarge)
	}
	_, conn, err := s.runningCommand(ck)
	if err != nil {
		return err
	}
	chunkSize := s.limits.MuxPacketSize
	for len(data) > chunkSize {
		if err := conn.Send(&packet.DataPacket{CK: ck, FdNum: 0, Data: data[:chunkSize]}); err != nil {
			return err
		}
		data = data[chunkSize:]
	}
	if len(data) == 0 && !eof {
		return nil
	}
	return conn.Send(&packet.DataPacket{CK: ck, FdNum: 0, Data: data, Eof: eof})
}

// CancelEphemeral stops an ephemeral command. Its result is discarded
// and its handle finishes immediately with CmdCanceled.
func (s *Session) CancelEphemeral(ck packet.CommandKey) error {
	s.mu.Lock()
	cmd := s.running[ck]
	if cmd == nil {
		s.mu.Unlock()
		return fmt.Errorf("%s: %w", ck, ErrUnknownCommand)
	}
	if !cmd.ephemeral {
		s.mu.Unlock()
		return fmt.Errorf("%s is not ephemeral", ck)
	}
	cmd.canceled = true
	conn := s.conn
	s.mu.Unlock()

	s.releasePending(cmd)
	cmd.handle.finish(Result{Status: CmdCanceled})
	return conn.Send(&packet.InputPacket{CK: ck, SigName: "SIGTERM"})
}

// ResetState replaces a screen's state on this remote with a freshly
// captured login-shell state. It fails while a state-returning command
// runs on the screen.
func (s *Session) ResetState(ctx context.Context, sessionID, screenID string, remote packet.RemotePtr) (*shellstate.ShellStatePtr, error) {
	if remote.RemoteID == "" {
		remote = s.Ptr()
	}
	conn, _, err := s.connected()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if holder := s.pending[pendingKey{ScreenID: screenID, Remote: remote}]; holder != nil {
		s.mu.Unlock()
		return nil, &StatefulRunningError{Holder: holder.ck, Command: holder.command}
	}
	shellType := ""
	if s.hello != nil {
		shellType = s.hello.Shell
	}
	s.mu.Unlock()

	response, err := conn.Call(ctx, &packet.ReInitPacket{ReqID: uuid.NewString(), ShellType: shellType}, s.timeouts.RPC)
	if err != nil {
		return nil, fmt.Errorf("reinit: %w", err)
	}
	reply, ok := response.(*packet.ResponsePacket)
	if !ok {
		return nil, fmt.Errorf("reinit: unexpected %s response", response.PacketType())
	}
	if err := reply.Err(); err != nil {
		return nil, fmt.Errorf("reinit: %w", err)
	}
	if reply.State == nil {
		return nil, errors.New("reinit: response carried no state")
	}
	state := shellstate.Sanitize(reply.State)
	ptr, err := s.store.SetRemoteInstanceBase(ctx, statestore.RIKey{SessionID: sessionID, ScreenID: screenID, Remote: remote}, state)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.defaultState = state
	s.mu.Unlock()
	return ptr, nil
}
