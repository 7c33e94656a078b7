// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package remote_test

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bureau-foundation/outpost/eventbus"
	"github.com/bureau-foundation/outpost/lib/clock"
	"github.com/bureau-foundation/outpost/lib/config"
	"github.com/bureau-foundation/outpost/lib/testutil"
	"github.com/bureau-foundation/outpost/packet"
	"github.com/bureau-foundation/outpost/remote"
	"github.com/bureau-foundation/outpost/shellstate"
	"github.com/bureau-foundation/outpost/statestore"
	"github.com/bureau-foundation/outpost/transport"
	"github.com/bureau-foundation/outpost/userinput"
)

const (
	testTimeout     = 10 * time.Second
	frontVersion    = "0.4.0"
	testRemoteID    = "box"
	testSessionID   = "session-1"
	testHelperBytes = "#!/bin/sh\n# outpost-helper build\n"
)

func loginState() *shellstate.ShellState {
	return &shellstate.ShellState{
		Version:   shellstate.FormatVersion,
		ShellType: shellstate.ShellBash,
		Cwd:       "/home/dev",
		Vars:      map[string]string{"HOME": "/home/dev", "PATH": "/usr/bin:/bin", "SHLVL": "1"},
		Aliases:   map[string]string{"ll": "ls -l"},
	}
}

// fakeHelper is a scripted outpost-helper behind a Pipe transport. It
// confirms every run and leaves finishing commands to the test.
type fakeHelper struct {
	version string

	// prompt, when set, is printed on the terminal before the
	// handshake until a line equal to password is typed.
	prompt   string
	password string

	// silent helpers never answer.
	silent bool

	// installDigest, when set, prints a sha256sum line for the
	// received binary after "installed".
	installDigest func(data []byte) string

	notFound   atomic.Bool
	rejectRuns atomic.Bool
	nextPid    atomic.Int32
	installs   atomic.Int32
	bootstraps atomic.Int32

	runs   chan *packet.RunPacket
	inputs chan *packet.InputPacket
	stdin  chan *packet.DataPacket
	acks   chan *packet.DataAckPacket

	mu        sync.Mutex
	conn      *packet.Conn
	stop      chan struct{}
	installed []byte
	specs     []transport.Spec
}

func newFakeHelper() *fakeHelper {
	return &fakeHelper{
		version: "0.4.1",
		runs:    make(chan *packet.RunPacket, 64),
		inputs:  make(chan *packet.InputPacket, 64),
		stdin:   make(chan *packet.DataPacket, 64),
		acks:    make(chan *packet.DataAckPacket, 256),
	}
}

func (f *fakeHelper) factory() transport.Factory {
	return transport.FactoryFunc(func(spec transport.Spec) (transport.Transport, error) {
		f.mu.Lock()
		f.specs = append(f.specs, spec)
		f.mu.Unlock()
		if strings.Contains(spec.Command, "cat >") {
			return transport.NewPipe(f.serveInstall), nil
		}
		return transport.NewPipe(f.serve), nil
	})
}

func (f *fakeHelper) serveInstall(ctx context.Context, stdin io.Reader, stdout io.Writer, terminal io.ReadWriter) error {
	data, err := io.ReadAll(stdin)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.installed = data
	f.mu.Unlock()
	f.notFound.Store(false)
	f.installs.Add(1)
	report := "installed\n"
	if f.installDigest != nil {
		report += f.installDigest(data) + "  .outpost/bin/outpost-helper\n"
	}
	_, err = io.WriteString(stdout, report)
	return err
}

func (f *fakeHelper) serve(ctx context.Context, stdin io.Reader, stdout io.Writer, terminal io.ReadWriter) error {
	f.bootstraps.Add(1)
	if f.silent {
		<-ctx.Done()
		return ctx.Err()
	}
	if f.prompt != "" {
		reader := bufio.NewReader(terminal)
		for {
			fmt.Fprint(terminal, f.prompt)
			line, err := reader.ReadString('\n')
			if err != nil {
				return err
			}
			if strings.TrimSpace(line) == f.password {
				fmt.Fprint(terminal, "\r\n")
				break
			}
			fmt.Fprint(terminal, "\r\nPermission denied, please try again.\r\n")
		}
	}
	if f.notFound.Load() {
		_, err := io.WriteString(stdout, "##!notfound linux x86_64\n")
		return err
	}

	conn := packet.NewConn(stdin, stdout, packet.ConnConfig{})
	stop := make(chan struct{})
	f.mu.Lock()
	f.conn = conn
	f.stop = stop
	f.mu.Unlock()
	fmt.Fprintln(stdout, "Last login: Mon Oct 19 09:12:44 2026")
	if err := conn.Send(&packet.InitPacket{
		Version: f.version, UName: "linux|amd64", Shell: shellstate.ShellBash, State: loginState(),
	}); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		case p, ok := <-conn.Packets():
			if !ok {
				return conn.Err()
			}
			f.handle(conn, p)
		}
	}
}

func (f *fakeHelper) handle(conn *packet.Conn, p packet.Packet) {
	switch p := p.(type) {
	case *packet.RunPacket:
		if f.rejectRuns.Load() {
			conn.Send(&packet.ResponsePacket{RespID: p.ReqID, Error: "exec: no such shell"})
			return
		}
		conn.Send(&packet.CmdStartPacket{RespID: p.ReqID, CK: p.CK, Pid: 1000 + int(f.nextPid.Add(1))})
		f.runs <- p
	case *packet.InputPacket:
		f.inputs <- p
	case *packet.DataPacket:
		f.stdin <- p
	case *packet.DataAckPacket:
		f.acks <- p
	case *packet.ReInitPacket:
		state := loginState()
		state.Vars["RESET"] = "1"
		conn.Send(&packet.ResponsePacket{RespID: p.ReqID, Success: true, State: state})
	}
}

// send delivers p to the front-end over the current connection.
func (f *fakeHelper) send(t *testing.T, p packet.Packet) {
	t.Helper()
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		t.Fatal("fake helper is not connected")
	}
	if err := conn.Send(p); err != nil {
		t.Fatalf("fake helper send %s: %v", p.PacketType(), err)
	}
}

// exit makes the connected helper exit as if it crashed.
func (f *fakeHelper) exit() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stop != nil {
		close(f.stop)
		f.stop = nil
	}
}

// finish sends a done packet whose returned state is next, as a diff
// against the state the run was started with.
func (f *fakeHelper) finish(t *testing.T, run *packet.RunPacket, exitCode int, next *shellstate.ShellState) {
	t.Helper()
	done := &packet.CmdDonePacket{CK: run.CK, ExitCode: exitCode, DurationMs: 12}
	if next != nil {
		diff, err := shellstate.MakeDiff(run.State, next, run.StatePtr)
		if err != nil {
			t.Fatalf("MakeDiff: %v", err)
		}
		done.FinalStateDiff = diff
	}
	f.send(t, done)
}

type harness struct {
	manager *remote.Manager
	session *remote.Session
	store   *statestore.Store
	helper  *fakeHelper
	prompts *userinput.Broker
	events  *eventbus.Bus[remote.Event]
	config  *config.Config
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	settings *config.Config
	clock    clock.Clock
	logger   *slog.Logger
}

func withRemote(mutate func(*config.RemoteConfig)) harnessOption {
	return func(h *harnessConfig) { mutate(&h.settings.Remotes[0]) }
}

func withSettings(mutate func(*config.Config)) harnessOption {
	return func(h *harnessConfig) { mutate(h.settings) }
}

func withClock(c clock.Clock) harnessOption {
	return func(h *harnessConfig) { h.clock = c }
}

func withLogger(logger *slog.Logger) harnessOption {
	return func(h *harnessConfig) { h.logger = logger }
}

func newHarness(t *testing.T, helper *fakeHelper, options ...harnessOption) *harness {
	t.Helper()
	settings := config.Default()
	settings.Paths.Root = t.TempDir()
	settings.Paths.Database = filepath.Join(settings.Paths.Root, "outpost.db")
	settings.Paths.HelperDir = filepath.Join(settings.Paths.Root, "helpers")
	settings.Timeouts.PasswordPoll = 5 * time.Millisecond
	settings.Timeouts.DeadlineTick = 50 * time.Millisecond
	settings.Remotes = []config.RemoteConfig{{
		ID:            testRemoteID,
		Alias:         "devbox",
		CanonicalName: "dev@box",
		Type:          config.RemoteSSH,
		SSH:           config.SSHConfig{Host: "box", User: "dev"},
		ConnectMode:   config.ConnectAuto,
	}}
	built := &harnessConfig{settings: settings, clock: clock.Real()}
	for _, option := range options {
		option(built)
	}

	if err := os.MkdirAll(settings.Paths.HelperDir, 0o755); err != nil {
		t.Fatal(err)
	}
	binary := filepath.Join(settings.Paths.HelperDir, "outpost-helper-linux-amd64")
	if err := os.WriteFile(binary, []byte(testHelperBytes), 0o755); err != nil {
		t.Fatal(err)
	}

	store, err := statestore.Open(context.Background(), statestore.Config{Path: settings.Paths.Database})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	prompts := userinput.New(userinput.Config{})
	events := eventbus.New[remote.Event](1024, nil)
	manager, err := remote.NewManager(remote.Config{
		Settings:   settings,
		Store:      store,
		Transports: helper.factory(),
		Prompts:    prompts,
		Events:     events,
		Clock:      built.clock,
		Logger:     built.logger,
		Version:    frontVersion,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(manager.Close)
	session, err := manager.Session(testRemoteID)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	return &harness{
		manager: manager,
		session: session,
		store:   store,
		helper:  helper,
		prompts: prompts,
		events:  events,
		config:  settings,
	}
}

func (h *harness) connect(t *testing.T) {
	t.Helper()
	if err := h.session.Launch(context.Background(), false); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if status := h.session.Snapshot().Status; status != remote.StatusConnected {
		t.Fatalf("status after Launch = %s", status)
	}
}

// start runs command on screen and releases its gate. The helper's
// view of the run is returned with the handle.
func (h *harness) start(t *testing.T, screen, line, command string, returnState bool) (*remote.Handle, *packet.RunPacket) {
	t.Helper()
	run := &packet.RunPacket{CK: packet.MakeCommandKey(screen, line), Command: command, ReturnState: returnState}
	handle, release, err := h.manager.RunCommand(context.Background(), testRemoteID, remote.RunOptions{SessionID: testSessionID}, run)
	if err != nil {
		t.Fatalf("RunCommand %q: %v", command, err)
	}
	release()
	seen := testutil.RequireReceive(t, h.helper.runs, testTimeout, "helper waiting for run %s", run.CK)
	return handle, seen
}

// waitStatus waits for a published runtime state matching want.
func waitStatus(t *testing.T, events <-chan remote.Event, want func(remote.RuntimeState) bool, what string) remote.RuntimeState {
	t.Helper()
	deadline := time.After(testTimeout)
	for {
		select {
		case event := <-events:
			if event.Remote != nil && want(*event.Remote) {
				return *event.Remote
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func waitResult(t *testing.T, handle *remote.Handle) remote.Result {
	t.Helper()
	testutil.RequireClosed(t, handle.Done(), testTimeout, "waiting for %s", handle.CK)
	return handle.Result()
}
