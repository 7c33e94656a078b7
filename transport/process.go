// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// processTransport runs a local command whose stdin and stdout are
// pipes and whose stderr is the slave side of a fresh pty. The child
// is a session leader with that pty as its controlling terminal, so
// ssh and sudo prompt on it instead of on ours.
type processTransport struct {
	spec   Spec
	logger *slog.Logger
	cmd    *exec.Cmd

	master *os.File
	stdin  io.WriteCloser
	stdout io.ReadCloser

	closeOnce sync.Once
	waitOnce  sync.Once
	waitErr   error
}

func newProcessTransport(spec Spec, logger *slog.Logger) (*processTransport, error) {
	argv, err := processArgv(spec)
	if err != nil {
		return nil, err
	}
	master, slave, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("allocating pty: %w", err)
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stderr = slave
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
		Ctty:    2, // the child's stderr is the pty slave
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		master.Close()
		slave.Close()
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		master.Close()
		slave.Close()
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	return &processTransport{
		spec:   spec,
		logger: logger.With("transport", string(spec.Type)),
		cmd:    cmd,
		master: master,
		stdin:  stdin,
		stdout: stdout,
	}, nil
}

// ProcessArgv returns the command line a process transport would run.
func ProcessArgv(spec Spec) ([]string, error) {
	return processArgv(spec)
}

func processArgv(spec Spec) ([]string, error) {
	if spec.Command == "" {
		return nil, fmt.Errorf("transport spec has no command")
	}
	switch spec.Type {
	case TypeLocal:
		return []string{"/bin/sh", "-c", spec.Command}, nil
	case TypeSudo:
		return []string{"sudo", "-p", "[sudo] password for %u: ", "--", "/bin/sh", "-c", spec.Command}, nil
	case TypeSSH:
		if spec.SSH.Host == "" {
			return nil, fmt.Errorf("ssh transport has no host")
		}
		argv := []string{"ssh", "-T", "-o", "ServerAliveInterval=20"}
		if spec.SSH.Port != 0 && spec.SSH.Port != 22 {
			argv = append(argv, "-p", strconv.Itoa(spec.SSH.Port))
		}
		if spec.SSH.IdentityFile != "" {
			argv = append(argv, "-i", spec.SSH.IdentityFile)
		}
		if spec.SSH.KnownHosts != "" {
			argv = append(argv, "-o", "UserKnownHostsFile="+spec.SSH.KnownHosts)
		}
		target := spec.SSH.Host
		if spec.SSH.User != "" {
			target = spec.SSH.User + "@" + target
		}
		return append(argv, target, spec.Command), nil
	}
	return nil, fmt.Errorf("transport type %q is not a process transport", spec.Type)
}

func (t *processTransport) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		t.Close()
		return err
	}
	slave, _ := t.cmd.Stderr.(*os.File)
	err := t.cmd.Start()
	// The child holds its own copy of the slave.
	if slave != nil {
		slave.Close()
	}
	if err != nil {
		t.Close()
		return fmt.Errorf("starting %s: %w", t.cmd.Path, err)
	}
	t.logger.Debug("helper process started", "pid", t.cmd.Process.Pid, "argv0", t.cmd.Args[0])
	return nil
}

func (t *processTransport) Stdin() io.WriteCloser   { return t.stdin }
func (t *processTransport) Stdout() io.Reader       { return t.stdout }
func (t *processTransport) Terminal() io.ReadWriter { return t.master }

func (t *processTransport) Wait() error {
	t.waitOnce.Do(func() {
		if t.cmd.Process == nil {
			t.waitErr = errors.New("transport not started")
			return
		}
		t.waitErr = t.cmd.Wait()
	})
	return t.waitErr
}

// Close kills the whole process group: ssh may have spawned a
// ProxyCommand and sudo forks the shell.
func (t *processTransport) Close() error {
	t.closeOnce.Do(func() {
		if t.cmd.Process != nil {
			if err := unix.Kill(-t.cmd.Process.Pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
				t.logger.Debug("killing helper process group", "error", err)
			}
		}
		t.stdin.Close()
		t.master.Close()
	})
	return nil
}
