// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package helper

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/outpost/lib/clock"
	"github.com/bureau-foundation/outpost/mux"
	"github.com/bureau-foundation/outpost/packet"
	"github.com/bureau-foundation/outpost/shellstate"
)

// command is one process started by a run request.
type command struct {
	ck       packet.CommandKey
	run      *packet.RunPacket
	state    *shellstate.ShellState
	boundary string

	cmd      *exec.Cmd
	mux      *mux.Multiplexer
	muxInput chan packet.Packet

	// master is the pty for UsePty commands.
	master *os.File

	capture chan []byte

	started time.Time
	clock   clock.Clock
	logger  *slog.Logger
}

func startCommand(run *packet.RunPacket, state *shellstate.ShellState, muxConfig mux.Config,
	clk clock.Clock, logger *slog.Logger) (*command, error) {

	c := &command{
		ck:       run.CK,
		run:      run,
		state:    state,
		boundary: newBoundary(),
		mux:      mux.New(muxConfig),
		muxInput: make(chan packet.Packet, 64),
		clock:    clk,
		logger:   logger.With("ck", run.CK.String()),
	}
	script := runScript(state, run.Command, run.ReturnState, c.boundary)
	c.cmd = exec.Command(ShellBinary(state.ShellType), "-c", script)
	c.cmd.Env = environ(state.Vars)
	if info, err := os.Stat(state.Cwd); err == nil && info.IsDir() {
		c.cmd.Dir = state.Cwd
	}

	// Descriptors the child inherits; closed in the parent once it runs.
	var childEnds []*os.File
	closeChildEnds := func() {
		for _, f := range childEnds {
			f.Close()
		}
	}

	var captureR *os.File
	if run.ReturnState {
		r, w, err := os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("creating capture pipe: %w", err)
		}
		captureR = r
		childEnds = append(childEnds, w)
		c.cmd.ExtraFiles = []*os.File{w}
	}

	if run.UsePty {
		if err := c.attachPty(&childEnds); err != nil {
			closeChildEnds()
			if captureR != nil {
				captureR.Close()
			}
			return nil, err
		}
	} else {
		if err := c.attachPipes(&childEnds); err != nil {
			closeChildEnds()
			if captureR != nil {
				captureR.Close()
			}
			c.mux.Close()
			return nil, err
		}
	}

	c.started = clk.Now()
	err := c.cmd.Start()
	closeChildEnds()
	if err != nil {
		if captureR != nil {
			captureR.Close()
		}
		c.mux.Close()
		return nil, fmt.Errorf("starting shell: %w", err)
	}

	c.capture = make(chan []byte, 1)
	if captureR != nil {
		go func() {
			defer captureR.Close()
			data, _ := io.ReadAll(captureR)
			c.capture <- data
		}()
	} else {
		c.capture <- nil
	}
	return c, nil
}

// attachPipes connects stdin, stdout and stderr through pipes.
func (c *command) attachPipes(childEnds *[]*os.File) error {
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		return fmt.Errorf("creating stderr pipe: %w", err)
	}
	*childEnds = append(*childEnds, stdinR, stdoutW, stderrW)
	c.cmd.Stdin = stdinR
	c.cmd.Stdout = stdoutW
	c.cmd.Stderr = stderrW
	c.cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	c.mux.AddWriter(0, stdinW)
	c.mux.AddReader(1, stdoutR)
	c.mux.AddReader(2, stderrR)
	return nil
}

// attachPty gives the command a pseudo-terminal as its controlling
// terminal. Output arrives on fd 1; fd 0 writes to the same master.
func (c *command) attachPty(childEnds *[]*os.File) error {
	master, slave, err := pty.Open()
	if err != nil {
		return fmt.Errorf("allocating pty: %w", err)
	}
	if size := c.run.WinSize; size != nil && size.Rows > 0 && size.Cols > 0 {
		if err := pty.Setsize(master, &pty.Winsize{Rows: uint16(size.Rows), Cols: uint16(size.Cols)}); err != nil {
			c.logger.Debug("setting initial pty size", "error", err)
		}
	}
	dupFd, err := unix.Dup(int(master.Fd()))
	if err != nil {
		master.Close()
		slave.Close()
		return fmt.Errorf("duplicating pty master: %w", err)
	}
	*childEnds = append(*childEnds, slave)
	c.master = master
	c.cmd.Stdin = slave
	c.cmd.Stdout = slave
	c.cmd.Stderr = slave
	c.cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Setctty: true, Ctty: 0}
	c.mux.AddWriter(0, os.NewFile(uintptr(dupFd), "pty-input"))
	c.mux.AddReader(1, master)
	return nil
}

func (c *command) pid() int {
	if c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// wait streams output until the command's descriptors close, reaps the
// process, and sends the done packet.
func (c *command) wait(sender mux.Sender) {
	c.mux.RunIOAndWait(c.muxInput, true, false, false)
	waitErr := c.cmd.Wait()
	c.mux.Close()

	done := &packet.CmdDonePacket{
		CK:         c.ck,
		Ts:         c.clock.Now().UnixMilli(),
		ExitCode:   exitCode(waitErr),
		DurationMs: c.clock.Now().Sub(c.started).Milliseconds(),
	}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		c.logger.Warn("waiting for command", "error", waitErr)
		sendPacket(sender, &packet.CmdFinalPacket{CK: c.ck, Error: waitErr.Error()}, c.logger)
		return
	}

	if output := <-c.capture; c.run.ReturnState {
		c.attachFinalState(done, output)
	}
	sendPacket(sender, done, c.logger)
}

// attachFinalState sets the diff from the starting state, or the full
// state when there is no pointer to label a diff with.
func (c *command) attachFinalState(done *packet.CmdDonePacket, output []byte) {
	final, err := parseCapture(output, c.boundary, c.state.ShellType)
	if err != nil {
		// The command exited the shell before capture ran.
		c.logger.Debug("no state captured", "error", err)
		return
	}
	if c.run.State == nil || c.run.StatePtr.IsEmpty() {
		done.FinalState = final
		return
	}
	diff, err := shellstate.MakeDiff(c.run.State, final, c.run.StatePtr)
	if err != nil {
		c.logger.Warn("diffing final state", "error", err)
		done.FinalState = final
		return
	}
	done.FinalStateDiff = diff
}

// input applies a signal or window size change.
func (c *command) input(p *packet.InputPacket) {
	if p.SigName != "" {
		sig, err := parseSignal(p.SigName)
		if err != nil {
			c.logger.Info("ignoring signal request", "signal", p.SigName, "error", err)
			return
		}
		if pid := c.pid(); pid > 0 {
			if err := unix.Kill(-pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
				c.logger.Info("signalling command", "signal", p.SigName, "error", err)
			}
		}
	}
	if size := p.WinSize; size != nil && c.master != nil && size.Rows > 0 && size.Cols > 0 {
		if err := pty.Setsize(c.master, &pty.Winsize{Rows: uint16(size.Rows), Cols: uint16(size.Cols)}); err != nil {
			c.logger.Debug("resizing pty", "error", err)
		}
	}
}

func (c *command) kill() {
	if pid := c.pid(); pid > 0 {
		unix.Kill(-pid, unix.SIGKILL)
	}
}

// parseSignal accepts "INT", "SIGINT" or a number.
func parseSignal(name string) (unix.Signal, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	if !strings.HasPrefix(upper, "SIG") {
		upper = "SIG" + upper
	}
	if sig := unix.SignalNum(upper); sig != 0 {
		return sig, nil
	}
	var number int
	if _, err := fmt.Sscanf(name, "%d", &number); err == nil && number > 0 && number < 65 {
		return unix.Signal(number), nil
	}
	return 0, fmt.Errorf("unknown signal %q", name)
}

// exitCode follows shell convention: 128+n for a signal.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return -1
	}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return 128 + int(status.Signal())
	}
	return exitErr.ExitCode()
}

func environ(vars map[string]string) []string {
	env := make([]string, 0, len(vars))
	for name, value := range vars {
		env = append(env, name+"="+value)
	}
	slices.Sort(env)
	return env
}

func sendPacket(sender mux.Sender, p packet.Packet, logger *slog.Logger) {
	if err := sender.Send(p); err != nil {
		logger.Debug("send failed", "type", p.PacketType(), "error", err)
	}
}
