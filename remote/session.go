// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/bureau-foundation/outpost/helper"
	"github.com/bureau-foundation/outpost/lib/clock"
	"github.com/bureau-foundation/outpost/lib/config"
	"github.com/bureau-foundation/outpost/lib/version"
	"github.com/bureau-foundation/outpost/packet"
	"github.com/bureau-foundation/outpost/shellstate"
	"github.com/bureau-foundation/outpost/statestore"
	"github.com/bureau-foundation/outpost/transport"
	"github.com/bureau-foundation/outpost/userinput"
)

// deps is what every Session shares with its Manager.
type deps struct {
	store        *statestore.Store
	transports   transport.Factory
	prompts      *userinput.Broker
	events       eventPublisher
	clock        clock.Clock
	logger       *slog.Logger
	version      string
	detectPrompt PromptDetector
	paths        config.PathsConfig
	timeouts     config.TimeoutsConfig
	limits       config.LimitsConfig
}

type eventPublisher interface {
	Publish(topic string, event Event)
}

// Session is the connection to one remote: its helper transport, the
// commands running on it, and the pending-state markers of its screens.
// Every field below mu is guarded by it; mu is never held across I/O.
type Session struct {
	*deps
	logger *slog.Logger

	mu            sync.Mutex
	remote        config.RemoteConfig
	status        Status
	installStatus Status
	errText       string
	installErr    string

	waitingForPassword bool
	deadline           time.Time
	termLog            *transport.TermLog

	attemptCancel context.CancelCauseFunc
	installCancel context.CancelCauseFunc

	// generation changes whenever the current connection is replaced
	// or torn down. Goroutines tied to an older connection compare it
	// before touching session state.
	generation uint64

	transport    transport.Transport
	conn         *packet.Conn
	hello        *packet.InitPacket
	platformOS   string
	platformArch string
	defaultState *shellstate.ShellState

	running map[packet.CommandKey]*runningCmd
	pending map[pendingKey]*pendingHolder
	gates   map[packet.CommandKey]*waitGate

	connectAttempts int
	installErrored  bool
}

func newSession(d *deps, remote config.RemoteConfig) *Session {
	return &Session{
		deps:          d,
		logger:        d.logger.With("remote_id", remote.ID),
		remote:        remote,
		status:        StatusDisconnected,
		installStatus: StatusDisconnected,
		termLog:       transport.NewTermLog(d.limits.RingSize),
		running:       make(map[packet.CommandKey]*runningCmd),
		pending:       make(map[pendingKey]*pendingHolder),
		gates:         make(map[packet.CommandKey]*waitGate),
	}
}

// ID returns the remote id.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote.ID
}

// Remote returns a copy of the remote's configuration.
func (s *Session) Remote() config.RemoteConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// Ptr returns the RemotePtr that names this remote with no owner.
func (s *Session) Ptr() packet.RemotePtr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return packet.RemotePtr{RemoteID: s.remote.ID, Name: s.remote.Alias}
}

// Diagnostics returns the retained terminal and stray helper output.
func (s *Session) Diagnostics() []byte {
	s.mu.Lock()
	termLog := s.termLog
	s.mu.Unlock()
	return termLog.Bytes()
}

// Snapshot returns the current runtime state.
func (s *Session) Snapshot() RuntimeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() RuntimeState {
	state := RuntimeState{
		RemoteID:           s.remote.ID,
		Alias:              s.remote.Alias,
		CanonicalName:      s.remote.CanonicalName,
		Type:               s.remote.Type,
		ConnectMode:        s.remote.ConnectMode,
		Archived:           s.remote.Archived,
		Status:             s.status,
		InstallStatus:      s.installStatus,
		ErrorText:          s.errText,
		InstallError:       s.installErr,
		AuthType:           authType(s.remote),
		WaitingForPassword: s.waitingForPassword,
		OS:                 s.platformOS,
		Arch:               s.platformArch,
		RunningCommands:    len(s.running),
	}
	if !s.deadline.IsZero() {
		state.ConnectTimeout = max(s.deadline.Sub(s.clock.Now()), 0)
	}
	if s.hello != nil {
		state.HelperVersion = s.hello.Version
		state.ShellType = s.hello.Shell
	}
	return state
}

func authType(remote config.RemoteConfig) string {
	switch remote.Type {
	case config.RemoteLocal:
		return "none"
	case config.RemoteSudo:
		return "password"
	}
	switch {
	case remote.SSH.IdentityFile != "" && remote.Password != "":
		return "key+password"
	case remote.SSH.IdentityFile != "":
		return "key"
	case remote.Password != "":
		return "password"
	}
	return "agent"
}

func (s *Session) publish() {
	state := s.Snapshot()
	s.events.Publish(RemoteTopic(state.RemoteID), Event{Remote: &state})
}

func (s *Session) transportSpec(remote config.RemoteConfig, command string) transport.Spec {
	spec := transport.Spec{
		Command: command,
		SSH: transport.SSHOptions{
			Host:         remote.SSH.Host,
			User:         remote.SSH.User,
			Port:         remote.SSH.Port,
			IdentityFile: remote.SSH.IdentityFile,
			KnownHosts:   remote.SSH.KnownHosts,
		},
	}
	switch remote.Type {
	case config.RemoteLocal:
		spec.Type = transport.TypeLocal
	case config.RemoteSudo:
		spec.Type = transport.TypeSudo
	default:
		spec.Type = transport.TypeSSH
		if remote.SSH.Native {
			spec.Type = transport.TypeNativeSSH
		}
	}
	return spec
}

// Launch connects to the remote and starts its helper. It returns nil
// without doing anything when the remote is already connected or
// connecting, or while an install runs. interactive allows the user to
// be asked for a password.
//
// When the helper is missing (or cannot speak this front-end's
// protocol version) the remote goes to Error and, for remotes with
// AutoInstall that have not failed an install before, an install is
// started in the background.
func (s *Session) Launch(ctx context.Context, interactive bool) error {
	s.mu.Lock()
	if s.remote.Archived {
		s.mu.Unlock()
		return fmt.Errorf("%s: %w", s.remote.ID, ErrArchived)
	}
	if s.status == StatusConnected || s.status == StatusConnecting || s.installStatus == StatusConnecting {
		s.mu.Unlock()
		return nil
	}
	s.generation++
	gen := s.generation
	attemptCtx, cancel := context.WithCancelCause(ctx)
	s.attemptCancel = cancel
	s.status = StatusConnecting
	s.errText = ""
	s.waitingForPassword = false
	s.termLog = transport.NewTermLog(s.limits.RingSize)
	s.deadline = s.clock.Now().Add(s.timeouts.Connect)
	remote := s.remote
	s.mu.Unlock()
	s.publish()
	s.logger.Info("connecting", "type", string(remote.Type), "canonical_name", remote.CanonicalName)

	link, err := s.connect(attemptCtx, gen, remote, interactive, cancel)
	cancel(nil)

	s.mu.Lock()
	if s.generation != gen {
		// Disconnect won the race; it already set the status.
		s.mu.Unlock()
		if link != nil && link.transport != nil {
			link.transport.Close()
		}
		if err == nil {
			err = ErrDisconnected
		}
		return fmt.Errorf("connecting %s: %w", remote.ID, err)
	}
	s.attemptCancel = nil
	s.deadline = time.Time{}
	s.waitingForPassword = false
	if link != nil && link.hello != nil {
		s.platformOS, s.platformArch = link.hello.OSArch()
		s.platformArch = helper.NormalizeArch(s.platformArch)
	}
	if err != nil {
		if errors.Is(err, ErrDisconnected) {
			s.status = StatusDisconnected
		} else {
			s.status = StatusError
			s.errText = err.Error()
		}
		autoInstall := errors.Is(err, ErrHelperNotFound) && s.remote.AutoInstall && !s.installErrored
		s.mu.Unlock()
		s.publish()
		s.logger.Warn("connect failed", "error", err, "auto_install", autoInstall)
		if autoInstall {
			go s.runInstall(context.WithoutCancel(ctx), true, interactive)
		}
		return fmt.Errorf("connecting %s: %w", remote.ID, err)
	}

	s.transport = link.transport
	s.conn = link.conn
	s.hello = link.hello
	s.defaultState = shellstate.Sanitize(link.hello.State)
	s.status = StatusConnected
	clear(s.running)
	clear(s.pending)
	clear(s.gates)
	s.mu.Unlock()

	go s.serve(gen, link.transport, link.conn)
	s.publish()
	s.logger.Info("connected", "helper_version", link.hello.Version, "shell", link.hello.Shell, "uname", link.hello.UName)
	return nil
}

type helperLink struct {
	transport transport.Transport
	conn      *packet.Conn
	hello     *packet.InitPacket
}

// connect starts the transport and completes the handshake. On error
// the returned link, when non-nil, only carries the init packet of a
// helper that could not be used.
func (s *Session) connect(ctx context.Context, gen uint64, remote config.RemoteConfig, interactive bool, cancel context.CancelCauseFunc) (*helperLink, error) {
	tr, err := s.transports.New(s.transportSpec(remote, helper.BootstrapCommand(s.paths.RemoteInstallDir)))
	if err != nil {
		return nil, fmt.Errorf("creating transport: %w", err)
	}
	stopClose := context.AfterFunc(ctx, func() { tr.Close() })
	fail := func(err error) (*helperLink, error) {
		stopClose()
		tr.Close()
		if ctx.Err() != nil {
			err = context.Cause(ctx)
		}
		return nil, err
	}

	s.mu.Lock()
	termLog := s.termLog
	s.mu.Unlock()

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go s.relayTerminal(gen, tr.Terminal(), termLog)
	go s.watchPrompts(watchCtx, gen, promptTarget{terminal: tr.Terminal(), log: termLog}, interactive, remote.Password, cancel)
	go s.watchDeadline(watchCtx, gen, cancel)

	if err := tr.Start(ctx); err != nil {
		return fail(err)
	}
	conn := packet.NewConn(tr.Stdout(), tr.Stdin(), packet.ConnConfig{Clock: s.clock, Logger: s.logger})
	hello, err := s.handshake(ctx, gen, conn, termLog)
	if err != nil {
		link, failErr := fail(err)
		if hello != nil {
			link = &helperLink{hello: hello}
		}
		return link, failErr
	}
	if !stopClose() {
		return fail(context.Cause(ctx))
	}
	return &helperLink{transport: tr, conn: conn, hello: hello}, nil
}

// handshake waits for the helper's init packet. Anything printed
// before it goes to the diagnostic log.
func (s *Session) handshake(ctx context.Context, gen uint64, conn *packet.Conn, termLog *transport.TermLog) (*packet.InitPacket, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		case p, ok := <-conn.Packets():
			if !ok {
				if err := conn.Err(); err != nil {
					return nil, fmt.Errorf("helper stream closed before handshake: %w", err)
				}
				return nil, errors.New("helper stream closed before handshake")
			}
			s.touch(gen)
			switch p := p.(type) {
			case *packet.RawPacket:
				fmt.Fprintf(termLog, "%s\n", p.Data)
			case *packet.MessagePacket:
				fmt.Fprintf(termLog, "[helper] %s\n", p.Message)
			case *packet.InitPacket:
				if p.NotFound {
					return p, fmt.Errorf("%w (platform %s)", ErrHelperNotFound, p.UName)
				}
				if err := version.Compatible(s.version, p.Version); err != nil {
					return p, fmt.Errorf("%w: %w", ErrHelperNotFound, err)
				}
				if p.State == nil {
					return p, errors.New("helper init carried no shell state")
				}
				return p, nil
			default:
				s.logger.Warn("unexpected packet before handshake", "type", p.PacketType())
			}
		}
	}
}

// Disconnect tears down the connection and cancels a connect attempt
// in flight. Running commands are hung up when force is set; otherwise
// their presence makes Disconnect fail with ErrCommandsRunning.
func (s *Session) Disconnect(force bool) error {
	s.mu.Lock()
	if len(s.running) > 0 && !force {
		count := len(s.running)
		s.mu.Unlock()
		return fmt.Errorf("%d running: %w", count, ErrCommandsRunning)
	}
	s.generation++
	cancel := s.attemptCancel
	tr := s.transport
	running := s.takeRunningLocked()
	s.attemptCancel = nil
	s.transport = nil
	s.conn = nil
	s.status = StatusDisconnected
	s.errText = ""
	s.waitingForPassword = false
	s.deadline = time.Time{}
	s.mu.Unlock()

	if cancel != nil {
		cancel(ErrDisconnected)
	}
	if tr != nil {
		tr.Close()
	}
	s.hangup(running, "disconnected")
	s.publish()
	s.logger.Info("disconnected", "hung_up", len(running))
	return nil
}

// takeRunningLocked empties the command maps and returns what was
// running.
func (s *Session) takeRunningLocked() []*runningCmd {
	running := make([]*runningCmd, 0, len(s.running))
	for _, cmd := range s.running {
		running = append(running, cmd)
	}
	clear(s.running)
	clear(s.pending)
	clear(s.gates)
	return running
}

// serve is the packet loop of one connection.
func (s *Session) serve(gen uint64, tr transport.Transport, conn *packet.Conn) {
	defer func() {
		if recovered := recover(); recovered != nil {
			s.logger.Error("panic in packet loop", "panic", recovered, "stack", string(debug.Stack()))
			tr.Close()
			s.connectionLost(gen, fmt.Errorf("internal error: %v", recovered))
		}
	}()
	for p := range conn.Packets() {
		s.dispatch(conn, p)
	}
	readErr := conn.Err()
	tr.Close()
	waitErr := tr.Wait()
	err := errors.Join(readErr, waitErr)
	if err == nil {
		err = errors.New("helper exited")
	}
	s.connectionLost(gen, err)
}

// connectionLost moves a connection that ended on its own to Error and
// hangs up its commands. It does nothing when the connection was
// already replaced or torn down.
func (s *Session) connectionLost(gen uint64, cause error) {
	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return
	}
	s.generation++
	running := s.takeRunningLocked()
	s.transport = nil
	s.conn = nil
	s.status = StatusError
	s.errText = "connection lost: " + cause.Error()
	s.mu.Unlock()

	s.logger.Warn("connection lost", "error", cause, "hung_up", len(running))
	s.hangup(running, cause.Error())
	s.publish()
}

// connected returns the live connection and its generation.
func (s *Session) connected() (*packet.Conn, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remote.Archived {
		return nil, 0, fmt.Errorf("%s: %w", s.remote.ID, ErrArchived)
	}
	if s.status != StatusConnected || s.conn == nil {
		return nil, 0, fmt.Errorf("%s: %w", s.remote.ID, ErrNotConnected)
	}
	return s.conn, s.generation, nil
}

// ensureConnected returns the live connection, connecting first for
// remotes whose connect mode allows it. Automatic connects are limited
// to MaxReconnect per process lifetime.
func (s *Session) ensureConnected(ctx context.Context) (*packet.Conn, uint64, error) {
	if conn, gen, err := s.connected(); err == nil || errors.Is(err, ErrArchived) {
		return conn, gen, err
	}
	s.mu.Lock()
	id := s.remote.ID
	if s.remote.ConnectMode == config.ConnectManual {
		s.mu.Unlock()
		return nil, 0, fmt.Errorf("%s: %w", id, ErrNotConnected)
	}
	if s.connectAttempts >= s.limits.MaxReconnect {
		s.mu.Unlock()
		return nil, 0, fmt.Errorf("%s: %w (automatic connect limit of %d reached)", id, ErrNotConnected, s.limits.MaxReconnect)
	}
	s.connectAttempts++
	s.mu.Unlock()

	if err := s.Launch(ctx, false); err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrNotConnected, err)
	}
	return s.connected()
}

// updateConfig replaces the remote definition without touching the
// connection.
func (s *Session) updateConfig(remote config.RemoteConfig) {
	s.mu.Lock()
	s.remote = remote
	s.mu.Unlock()
	s.publish()
}

// touch pushes the attempt deadline out after activity.
func (s *Session) touch(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation == gen && !s.deadline.IsZero() {
		s.deadline = s.clock.Now().Add(s.timeouts.Connect)
	}
}

func (s *Session) setWaitingForPassword(gen uint64, waiting bool) {
	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return
	}
	s.waitingForPassword = waiting
	if !waiting && !s.deadline.IsZero() {
		s.deadline = s.clock.Now().Add(s.timeouts.Connect)
	}
	s.mu.Unlock()
	s.publish()
}
