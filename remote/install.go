// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bureau-foundation/outpost/helper"
	"github.com/bureau-foundation/outpost/lib/binhash"
	"github.com/bureau-foundation/outpost/lib/config"
)

// installOutputLimit bounds what is read from an install or probe
// command's stdout.
const installOutputLimit = 64 * 1024

// RunInstall copies the helper binary for the remote's platform onto
// the remote and, when the connect mode calls for it, connects again.
// A connected remote is disconnected first; unless autoInstall is set
// the user must confirm that. Only one install runs at a time.
func (s *Session) RunInstall(ctx context.Context, autoInstall bool) error {
	return s.runInstall(ctx, autoInstall, !autoInstall)
}

func (s *Session) runInstall(ctx context.Context, autoInstall, interactive bool) error {
	s.mu.Lock()
	if s.remote.Archived {
		s.mu.Unlock()
		return fmt.Errorf("%s: %w", s.remote.ID, ErrArchived)
	}
	if s.installStatus == StatusConnecting {
		s.mu.Unlock()
		return fmt.Errorf("%s: %w", s.remote.ID, ErrInstallRunning)
	}
	s.installStatus = StatusConnecting
	s.installErr = ""
	installCtx, cancel := context.WithCancelCause(ctx)
	s.installCancel = cancel
	wasConnected := s.status == StatusConnected
	active := wasConnected || s.status == StatusConnecting
	remote := s.remote
	s.mu.Unlock()
	s.publish()
	s.logger.Info("installing helper", "auto", autoInstall, "was_connected", wasConnected)

	err := s.install(installCtx, remote, autoInstall, interactive, wasConnected, active)
	cancel(nil)

	s.mu.Lock()
	s.installCancel = nil
	s.deadline = time.Time{}
	s.waitingForPassword = false
	if err != nil {
		s.installStatus = StatusError
		s.installErr = err.Error()
		s.installErrored = true
	} else {
		s.installStatus = StatusDisconnected
		s.installErrored = false
	}
	s.mu.Unlock()
	s.publish()
	if err != nil {
		s.logger.Warn("install failed", "error", err)
		return fmt.Errorf("installing helper on %s: %w", remote.ID, err)
	}
	s.logger.Info("helper installed")

	if autoInstall || wasConnected || remote.ConnectMode != config.ConnectManual {
		if err := s.Launch(context.WithoutCancel(ctx), interactive); err != nil {
			return fmt.Errorf("helper installed on %s, reconnect failed: %w", remote.ID, err)
		}
	}
	return nil
}

// CancelInstall interrupts a running install.
func (s *Session) CancelInstall() {
	s.mu.Lock()
	cancel := s.installCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel(context.Canceled)
	}
}

func (s *Session) install(ctx context.Context, remote config.RemoteConfig, autoInstall, interactive, wasConnected, active bool) error {
	if wasConnected && !autoInstall {
		confirmed, err := s.prompts.Confirm(ctx,
			fmt.Sprintf("Install outpost-helper on %s", remote.CanonicalName),
			"The helper is connected and will be restarted. Continue?",
			s.timeouts.Password)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInstallDeclined, err)
		}
		if !confirmed {
			return ErrInstallDeclined
		}
	}
	if active {
		if err := s.Disconnect(false); err != nil {
			return err
		}
	}

	s.mu.Lock()
	osName, arch := s.platformOS, s.platformArch
	gen := s.generation
	s.mu.Unlock()
	if osName == "" || arch == "" {
		output, err := s.runOneShot(ctx, gen, remote, "uname -s; uname -m", nil, interactive)
		if err != nil {
			return fmt.Errorf("detecting platform: %w", err)
		}
		lines := firstLines(output, 2)
		if len(lines) < 2 {
			return fmt.Errorf("detecting platform: unexpected uname output %q", output)
		}
		osName, arch = strings.ToLower(lines[0]), helper.NormalizeArch(lines[1])
		s.mu.Lock()
		s.platformOS, s.platformArch = osName, arch
		s.mu.Unlock()
	}

	binaryPath := filepath.Join(s.paths.HelperDir, fmt.Sprintf("%s-%s-%s", helper.BinaryName, osName, arch))
	binary, err := os.Open(binaryPath)
	if err != nil {
		return fmt.Errorf("no helper build for %s/%s: %w", osName, arch, err)
	}
	defer binary.Close()

	sent := binhash.NewReader(binary)
	output, err := s.runOneShot(ctx, gen, remote, helper.InstallCommand(s.paths.RemoteInstallDir), sent, interactive)
	if err != nil {
		return err
	}
	if !bytes.Contains(output, []byte("installed")) {
		return fmt.Errorf("install did not complete: %s", strings.Join(firstLines(output, 3), "; "))
	}
	// Remotes without sha256sum or shasum report no digest.
	if installed, ok := binhash.FindDigest(output); ok && installed != sent.Sum() {
		return fmt.Errorf("%w: sent %d bytes with sha256 %s, remote has %s", ErrInstallCorrupt, sent.Size(), sent.Sum(), installed)
	}
	s.logger.Info("helper binary sent", "path", binaryPath, "bytes", sent.Size(), "sha256", sent.Sum().String())
	return nil
}

// runOneShot runs command over a fresh transport, feeding it stdin and
// returning its stdout. Credential prompts and the attempt deadline are
// handled as for a connect.
func (s *Session) runOneShot(ctx context.Context, gen uint64, remote config.RemoteConfig, command string, stdin io.Reader, interactive bool) ([]byte, error) {
	tr, err := s.transports.New(s.transportSpec(remote, command))
	if err != nil {
		return nil, fmt.Errorf("creating transport: %w", err)
	}
	defer tr.Close()

	attemptCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stopClose := context.AfterFunc(attemptCtx, func() { tr.Close() })
	defer stopClose()

	s.mu.Lock()
	termLog := s.termLog
	s.deadline = s.clock.Now().Add(s.timeouts.Connect)
	s.mu.Unlock()

	go s.relayTerminal(gen, tr.Terminal(), termLog)
	go s.watchPrompts(attemptCtx, gen, promptTarget{terminal: tr.Terminal(), log: termLog}, interactive, remote.Password, cancel)
	go s.watchDeadline(attemptCtx, gen, cancel)

	if err := tr.Start(attemptCtx); err != nil {
		return nil, causeOr(attemptCtx, fmt.Errorf("starting transport: %w", err))
	}

	copyDone := make(chan error, 1)
	go func() {
		var err error
		if stdin != nil {
			_, err = io.Copy(activityWriter{w: tr.Stdin(), activity: func() { s.touch(gen) }}, stdin)
		}
		if closeErr := tr.Stdin().Close(); err == nil {
			err = closeErr
		}
		copyDone <- err
	}()

	output, readErr := io.ReadAll(io.LimitReader(tr.Stdout(), installOutputLimit))
	copyErr := <-copyDone
	waitErr := tr.Wait()
	if attemptCtx.Err() != nil {
		return output, context.Cause(attemptCtx)
	}
	if copyErr != nil {
		return output, fmt.Errorf("sending to remote: %w", copyErr)
	}
	if readErr != nil {
		return output, fmt.Errorf("reading from remote: %w", readErr)
	}
	if waitErr != nil {
		return output, fmt.Errorf("remote command failed: %w", waitErr)
	}
	return output, nil
}

func causeOr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
			return cause
		}
	}
	return err
}
