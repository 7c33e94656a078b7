// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package helper is the remote side of outpost: a server that reads
// packets on stdin, runs commands in a shell rebuilt from the state it
// is handed, streams their descriptors back through a multiplexer, and
// reports the resulting shell state as a diff against that input.
//
// The server announces itself with an init packet carrying its version,
// platform, and the state of a fresh login shell. After that it serves
// run, reinit and input requests until stdin closes, at which point
// every command it started is killed.
package helper

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/user"
	"runtime"
	"runtime/debug"

	"github.com/bureau-foundation/outpost/lib/clock"
	"github.com/bureau-foundation/outpost/lib/version"
	"github.com/bureau-foundation/outpost/mux"
	"github.com/bureau-foundation/outpost/packet"
	"github.com/bureau-foundation/outpost/shellstate"
)

// Config configures a Server.
type Config struct {
	// ShellType is the default shell. Empty means detect from $SHELL.
	ShellType string

	// Version is reported in the init packet. Defaults to
	// version.Version.
	Version string

	// CaptureState produces the login-shell state for init and reinit.
	// Defaults to CaptureLoginState.
	CaptureState func(ctx context.Context, shellType string) (*shellstate.ShellState, error)

	MuxBufferLimit int
	MuxPacketSize  int

	Clock  clock.Clock
	Logger *slog.Logger
}

// Server serves one packet stream.
type Server struct {
	shellType    string
	version      string
	captureState func(ctx context.Context, shellType string) (*shellstate.ShellState, error)
	muxConfig    mux.Config
	clock        clock.Clock
	logger       *slog.Logger

	conn     *packet.Conn
	commands map[packet.CommandKey]*command
	finished chan *command
}

// NewServer returns a server with defaults applied.
func NewServer(cfg Config) *Server {
	if cfg.ShellType == "" {
		cfg.ShellType = DetectShellType(os.Getenv("SHELL"))
	}
	if cfg.Version == "" {
		cfg.Version = version.Version
	}
	if cfg.CaptureState == nil {
		cfg.CaptureState = CaptureLoginState
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		shellType:    cfg.ShellType,
		version:      cfg.Version,
		captureState: cfg.CaptureState,
		muxConfig:    mux.Config{BufferLimit: cfg.MuxBufferLimit, PacketSize: cfg.MuxPacketSize},
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		commands:     make(map[packet.CommandKey]*command),
		finished:     make(chan *command),
	}
}

// Serve sends the init packet and handles requests from stdin until it
// closes or ctx is canceled.
func (s *Server) Serve(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	s.conn = packet.NewConn(stdin, stdout, packet.ConnConfig{Clock: s.clock, Logger: s.logger})
	defer s.conn.CloseSend()

	hello, err := s.initPacket(ctx)
	if err != nil {
		s.logger.Warn("login state capture failed", "shell", s.shellType, "error", err)
	}
	if err := s.conn.Send(hello); err != nil {
		return fmt.Errorf("sending init: %w", err)
	}

	defer s.killAll()
	packets := s.conn.Packets()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case finished := <-s.finished:
			s.retire(finished)
		case p, ok := <-packets:
			if !ok {
				return s.conn.Err()
			}
			s.handle(ctx, p)
		}
	}
}

func (s *Server) initPacket(ctx context.Context) (*packet.InitPacket, error) {
	hello := &packet.InitPacket{
		Version:   s.version,
		BuildTime: version.BuildTime,
		UName:     runtime.GOOS + "|" + runtime.GOARCH,
		Shell:     s.shellType,
	}
	hello.HostName, _ = os.Hostname()
	if current, err := user.Current(); err == nil {
		hello.User = current.Username
		hello.HomeDir = current.HomeDir
	}
	state, err := s.captureState(ctx, s.shellType)
	if err != nil {
		// Init always carries a state; a failed capture is reported in it.
		hello.State = &shellstate.ShellState{
			Version:   shellstate.FormatVersion,
			ShellType: s.shellType,
			Cwd:       hello.HomeDir,
			Error:     err.Error(),
		}
		return hello, err
	}
	hello.State = state
	return hello, nil
}

// handle dispatches one packet. Panics are contained to the packet
// that caused them.
func (s *Server) handle(ctx context.Context, p packet.Packet) {
	defer func() {
		if recovered := recover(); recovered != nil {
			s.logger.Error("panic in helper packet handler",
				"type", p.PacketType(), "panic", recovered, "stack", string(debug.Stack()))
		}
	}()

	switch p := p.(type) {
	case *packet.RunPacket:
		s.startCommand(p)
	case *packet.ReInitPacket:
		s.reinit(ctx, p)
	case *packet.InputPacket:
		if cmd := s.commands[p.CK]; cmd != nil {
			cmd.input(p)
		} else {
			s.logger.Debug("input for unknown command", "ck", p.CK.String())
		}
	case *packet.DataPacket, *packet.DataAckPacket:
		ck := p.(packet.Commander).GetCK()
		if cmd := s.commands[ck]; cmd != nil {
			cmd.muxInput <- p
		} else if data, ok := p.(*packet.DataPacket); ok {
			s.send(&packet.DataAckPacket{CK: ck, FdNum: data.FdNum, Error: "command is not running"})
		}
	default:
		s.logger.Debug("helper ignoring packet", "type", p.PacketType())
	}
}

func (s *Server) startCommand(run *packet.RunPacket) {
	if err := run.CK.Validate("run"); err != nil {
		s.send(&packet.ResponsePacket{RespID: run.ReqID, Error: err.Error()})
		return
	}
	if _, running := s.commands[run.CK]; running {
		s.send(&packet.ResponsePacket{RespID: run.ReqID, Error: fmt.Sprintf("command %s is already running", run.CK)})
		return
	}
	state := run.State
	if state == nil {
		state = &shellstate.ShellState{Version: shellstate.FormatVersion, ShellType: s.shellType}
	}
	muxConfig := s.muxConfig
	muxConfig.CK = run.CK
	muxConfig.Sender = s.conn
	muxConfig.Logger = s.logger
	cmd, err := startCommand(run, state, muxConfig, s.clock, s.logger)
	if err != nil {
		s.logger.Info("command failed to start", "ck", run.CK.String(), "error", err)
		s.send(&packet.ResponsePacket{RespID: run.ReqID, Error: err.Error()})
		return
	}
	s.commands[run.CK] = cmd
	s.send(&packet.CmdStartPacket{RespID: run.ReqID, CK: run.CK, Pid: cmd.pid()})
	go func() {
		cmd.wait(s.conn)
		s.finished <- cmd
	}()
}

// retire forgets a finished command. Only the serve loop sends on
// muxInput, so closing it here cannot race a send.
func (s *Server) retire(cmd *command) {
	if s.commands[cmd.ck] == cmd {
		delete(s.commands, cmd.ck)
	}
	close(cmd.muxInput)
}

func (s *Server) reinit(ctx context.Context, req *packet.ReInitPacket) {
	shellType := req.ShellType
	if shellType == "" {
		shellType = s.shellType
	}
	// Capture runs outside the serve loop; a slow profile must not
	// stall command output.
	go func() {
		state, err := s.captureState(ctx, shellType)
		if err != nil {
			s.send(&packet.ResponsePacket{RespID: req.ReqID, Error: err.Error()})
			return
		}
		s.send(&packet.ResponsePacket{RespID: req.ReqID, Success: true, State: state})
	}()
}

func (s *Server) send(p packet.Packet) {
	if err := s.conn.Send(p); err != nil {
		s.logger.Debug("helper send failed", "type", p.PacketType(), "error", err)
	}
}

// killAll terminates every running command and waits for their
// goroutines to report back.
func (s *Server) killAll() {
	for _, cmd := range s.commands {
		cmd.kill()
	}
	for len(s.commands) > 0 {
		s.retire(<-s.finished)
	}
}
