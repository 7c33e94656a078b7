// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package remote manages connections to outpost-helper on configured
// remotes and runs commands through them.
//
// A [Manager] owns one [Session] per configured remote. A Session
// connects by starting a transport whose login shell execs the helper,
// answers credential prompts through the user input broker, installs
// the helper when it is missing, and then runs commands: it resolves
// each command's starting shell state from the state store, sends it
// with the run request, and persists the state the command returns.
//
// Runtime state and command output are published on an event bus:
//
//	events, unsubscribe := bus.Subscribe(remote.RemoteTopic("prod"))
//	defer unsubscribe()
//	for event := range events {
//		fmt.Println(event.Remote.Status)
//	}
package remote

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/bureau-foundation/outpost/eventbus"
	"github.com/bureau-foundation/outpost/lib/clock"
	"github.com/bureau-foundation/outpost/lib/config"
	"github.com/bureau-foundation/outpost/lib/version"
	"github.com/bureau-foundation/outpost/packet"
	"github.com/bureau-foundation/outpost/shellstate"
	"github.com/bureau-foundation/outpost/statestore"
	"github.com/bureau-foundation/outpost/transport"
	"github.com/bureau-foundation/outpost/userinput"
)

// Config configures NewManager.
type Config struct {
	// Settings supplies paths, timeouts, limits and the initial
	// remotes. Required.
	Settings *config.Config

	// Store persists shell state and command records. Required.
	Store *statestore.Store

	// Transports defaults to transport.DefaultFactory.
	Transports transport.Factory

	// Prompts defaults to a broker nobody answers, so credential
	// prompts and install confirmations fail with ErrNoResponder.
	Prompts *userinput.Broker

	// Events defaults to a private bus.
	Events *eventbus.Bus[Event]

	Clock  clock.Clock
	Logger *slog.Logger

	// Version is sent to the helper in injected markers and checked
	// against its init. Defaults to version.Version.
	Version string

	// DetectPrompt defaults to DefaultPromptDetector.
	DetectPrompt PromptDetector
}

// Manager is the registry of remote sessions.
type Manager struct {
	deps   *deps
	logger *slog.Logger
	events *eventbus.Bus[Event]

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a session for every configured remote. Nothing
// connects until Launch, ConnectStartupRemotes or RunCommand.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Settings == nil {
		return nil, errors.New("remote manager: settings are required")
	}
	if cfg.Store == nil {
		return nil, errors.New("remote manager: store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Transports == nil {
		cfg.Transports = transport.DefaultFactory(cfg.Logger)
	}
	if cfg.Prompts == nil {
		cfg.Prompts = userinput.New(userinput.Config{Clock: cfg.Clock, Logger: cfg.Logger})
	}
	if cfg.Events == nil {
		cfg.Events = eventbus.New[Event](0, cfg.Logger)
	}
	if cfg.Version == "" {
		cfg.Version = version.Version
	}
	if cfg.DetectPrompt == nil {
		cfg.DetectPrompt = DefaultPromptDetector
	}
	manager := &Manager{
		deps: &deps{
			store:        cfg.Store,
			transports:   cfg.Transports,
			prompts:      cfg.Prompts,
			events:       cfg.Events,
			clock:        cfg.Clock,
			logger:       cfg.Logger,
			version:      cfg.Version,
			detectPrompt: cfg.DetectPrompt,
			paths:        cfg.Settings.Paths,
			timeouts:     cfg.Settings.Timeouts,
			limits:       cfg.Settings.Limits,
		},
		logger:   cfg.Logger,
		events:   cfg.Events,
		sessions: make(map[string]*Session),
	}
	manager.Sync(cfg.Settings.Remotes)
	return manager, nil
}

// Events returns the bus runtime state and command events go to.
func (m *Manager) Events() *eventbus.Bus[Event] { return m.events }

// Prompts returns the broker credential and confirm prompts go to.
func (m *Manager) Prompts() *userinput.Broker { return m.deps.prompts }

// Sync applies a new remote list. New remotes get a session, changed
// ones get the new definition without losing their connection, and
// remotes no longer listed are archived and disconnected when nothing
// runs on them.
func (m *Manager) Sync(remotes []config.RemoteConfig) {
	listed := make(map[string]bool, len(remotes))
	var archive []*Session
	var added, updated []*Session

	m.mu.Lock()
	for _, remote := range remotes {
		listed[remote.ID] = true
		session := m.sessions[remote.ID]
		if session == nil {
			session = newSession(m.deps, remote)
			m.sessions[remote.ID] = session
			added = append(added, session)
			continue
		}
		if session.Remote() != remote {
			session.updateConfig(remote)
			updated = append(updated, session)
			if remote.Archived {
				archive = append(archive, session)
			}
		}
	}
	for id, session := range m.sessions {
		if listed[id] {
			continue
		}
		current := session.Remote()
		if current.Archived {
			continue
		}
		current.Archived = true
		session.updateConfig(current)
		archive = append(archive, session)
	}
	m.mu.Unlock()

	for _, session := range added {
		session.publish()
	}
	for _, session := range archive {
		if err := session.Disconnect(false); err != nil {
			m.logger.Warn("archived remote still has running commands", "remote_id", session.ID(), "error", err)
		}
	}
	if len(added)+len(updated)+len(archive) > 0 {
		m.logger.Info("remotes synced", "added", len(added), "updated", len(updated), "archived", len(archive))
	}
}

// Session finds a remote by id, then by alias.
func (m *Manager) Session(idOrAlias string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if session := m.sessions[idOrAlias]; session != nil {
		return session, nil
	}
	for _, session := range m.sessions {
		if session.Remote().Alias == idOrAlias {
			return session, nil
		}
	}
	return nil, fmt.Errorf("%q: %w", idOrAlias, ErrUnknownRemote)
}

func (m *Manager) allSessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	return sessions
}

// List returns every remote's runtime state ordered by alias.
func (m *Manager) List() []RuntimeState {
	sessions := m.allSessions()
	states := make([]RuntimeState, 0, len(sessions))
	for _, session := range sessions {
		states = append(states, session.Snapshot())
	}
	slices.SortFunc(states, func(a, b RuntimeState) int {
		return cmp.Or(cmp.Compare(a.Alias, b.Alias), cmp.Compare(a.RemoteID, b.RemoteID))
	})
	return states
}

// ConnectStartupRemotes launches every non-archived remote whose
// connect mode is startup, concurrently, and returns their joined
// errors.
func (m *Manager) ConnectStartupRemotes(ctx context.Context) error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs []error
	for _, session := range m.allSessions() {
		remote := session.Remote()
		if remote.Archived || remote.ConnectMode != config.ConnectStartup {
			continue
		}
		wg.Go(func() {
			if err := session.Launch(ctx, false); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	return errors.Join(errs...)
}

// RunCommand runs a command on the named remote. See Session.RunCommand.
func (m *Manager) RunCommand(ctx context.Context, idOrAlias string, opts RunOptions, run *packet.RunPacket) (*Handle, func(), error) {
	session, err := m.Session(idOrAlias)
	if err != nil {
		return nil, nil, err
	}
	return session.RunCommand(ctx, opts, run)
}

// commandSession finds the session running ck.
func (m *Manager) commandSession(ck packet.CommandKey) (*Session, error) {
	for _, session := range m.allSessions() {
		if session.HasCommand(ck) {
			return session, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", ck, ErrUnknownCommand)
}

// SendSignal signals a running command on whichever remote runs it.
func (m *Manager) SendSignal(ck packet.CommandKey, signal string) error {
	session, err := m.commandSession(ck)
	if err != nil {
		return err
	}
	return session.SendSignal(ck, signal)
}

// ResizeCommand resizes a running command's pty.
func (m *Manager) ResizeCommand(ck packet.CommandKey, rows, cols int) error {
	session, err := m.commandSession(ck)
	if err != nil {
		return err
	}
	return session.ResizeCommand(ck, rows, cols)
}

// SendInput writes to a running command's stdin.
func (m *Manager) SendInput(ck packet.CommandKey, data []byte, eof bool) error {
	if len(data) > MaxInputSize {
		return fmt.Errorf("input for %s is %d bytes, limit %d: %w", ck, len(data), MaxInputSize, ErrInputTooLarge)
	}
	session, err := m.commandSession(ck)
	if err != nil {
		return err
	}
	return session.SendInput(ck, data, eof)
}

// CancelEphemeral cancels a running ephemeral command.
func (m *Manager) CancelEphemeral(ck packet.CommandKey) error {
	session, err := m.commandSession(ck)
	if err != nil {
		return err
	}
	return session.CancelEphemeral(ck)
}

// ReturnStateSummary describes how a finished command changed its
// screen's state, one shell statement per line. It is empty for
// commands that returned no state.
func (m *Manager) ReturnStateSummary(ctx context.Context, ck packet.CommandKey) ([]string, error) {
	store := m.deps.store
	cmd, err := store.GetCmd(ctx, ck)
	if err != nil {
		return nil, err
	}
	if cmd.RtnStatePtr.IsEmpty() {
		return nil, nil
	}
	before, err := store.Resolve(ctx, cmd.StatePtr)
	if err != nil {
		return nil, fmt.Errorf("resolving starting state of %s: %w", ck, err)
	}
	after, err := store.Resolve(ctx, cmd.RtnStatePtr)
	if err != nil {
		return nil, fmt.Errorf("resolving returned state of %s: %w", ck, err)
	}
	return shellstate.DescribeDiff(shellstate.Sanitize(before), after), nil
}

// HangupStale marks commands recorded as running by an earlier process
// as hung up. Call it before any remote connects.
func (m *Manager) HangupStale(ctx context.Context) (int, error) {
	total := 0
	for _, session := range m.allSessions() {
		count, err := m.deps.store.HangupRemoteCmds(ctx, session.ID())
		if err != nil {
			return total, err
		}
		total += count
	}
	if total > 0 {
		m.logger.Info("hung up commands left running by a previous process", "count", total)
	}
	return total, nil
}

// Close disconnects every remote, hanging up running commands.
func (m *Manager) Close() {
	for _, session := range m.allSessions() {
		session.CancelInstall()
		session.Disconnect(true)
	}
}
