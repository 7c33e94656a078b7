// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package remote_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/outpost/lib/clock"
	"github.com/bureau-foundation/outpost/lib/config"
	"github.com/bureau-foundation/outpost/lib/testutil"
	"github.com/bureau-foundation/outpost/remote"
	"github.com/bureau-foundation/outpost/transport"
	"github.com/bureau-foundation/outpost/userinput"
)

func TestLaunchCompletesHandshake(t *testing.T) {
	helper := newFakeHelper()
	h := newHarness(t, helper)
	h.connect(t)

	state := h.session.Snapshot()
	if state.HelperVersion != "0.4.1" {
		t.Errorf("HelperVersion = %q, want 0.4.1", state.HelperVersion)
	}
	if state.OS != "linux" || state.Arch != "amd64" {
		t.Errorf("platform = %s/%s, want linux/amd64", state.OS, state.Arch)
	}
	if state.ShellType != "bash" {
		t.Errorf("ShellType = %q, want bash", state.ShellType)
	}
	if state.AuthType != "agent" {
		t.Errorf("AuthType = %q, want agent", state.AuthType)
	}
	if state.ConnectTimeout != 0 {
		t.Errorf("ConnectTimeout = %v after connecting, want 0", state.ConnectTimeout)
	}
	if !bytes.Contains(h.session.Diagnostics(), []byte("Last login")) {
		t.Errorf("diagnostics %q missing the banner printed before init", h.session.Diagnostics())
	}

	helper.mu.Lock()
	spec := helper.specs[0]
	helper.mu.Unlock()
	if spec.Type != transport.TypeSSH || spec.SSH.Host != "box" || spec.SSH.User != "dev" {
		t.Errorf("transport spec = %+v", spec)
	}
	if !strings.Contains(spec.Command, "--server") || !strings.Contains(spec.Command, "notfound") {
		t.Errorf("bootstrap command %q does not exec the helper with a not-found fallback", spec.Command)
	}

	if err := h.session.Launch(context.Background(), false); err != nil {
		t.Fatalf("second Launch: %v", err)
	}
	if got := helper.bootstraps.Load(); got != 1 {
		t.Errorf("bootstraps = %d, want 1 (Launch on a connected remote is a no-op)", got)
	}
}

func TestVersionMismatchCountsAsMissingHelper(t *testing.T) {
	helper := newFakeHelper()
	helper.version = "0.3.9"
	h := newHarness(t, helper)

	err := h.session.Launch(context.Background(), false)
	if !errors.Is(err, remote.ErrHelperNotFound) {
		t.Fatalf("Launch error = %v, want ErrHelperNotFound", err)
	}
	state := h.session.Snapshot()
	if state.Status != remote.StatusError || state.ErrorText == "" {
		t.Errorf("state = %s %q, want error with text", state.Status, state.ErrorText)
	}
	if state.OS != "linux" || state.Arch != "amd64" {
		t.Errorf("platform from rejected init = %s/%s", state.OS, state.Arch)
	}
	if helper.installs.Load() != 0 {
		t.Errorf("install ran for a remote without auto-install")
	}
}

func TestMissingHelperIsInstalledAutomatically(t *testing.T) {
	helper := newFakeHelper()
	helper.notFound.Store(true)
	h := newHarness(t, helper, withRemote(func(r *config.RemoteConfig) { r.AutoInstall = true }))
	events, unsubscribe := h.events.Subscribe(remote.RemoteTopic(testRemoteID))
	defer unsubscribe()

	err := h.session.Launch(context.Background(), false)
	if !errors.Is(err, remote.ErrHelperNotFound) {
		t.Fatalf("Launch error = %v, want ErrHelperNotFound", err)
	}
	waitStatus(t, events, func(state remote.RuntimeState) bool {
		return state.Status == remote.StatusConnected
	}, "connect after install")

	helper.mu.Lock()
	installed := string(helper.installed)
	var installCommand string
	for _, spec := range helper.specs {
		if strings.Contains(spec.Command, "cat >") {
			installCommand = spec.Command
		}
	}
	helper.mu.Unlock()
	if installed != testHelperBytes {
		t.Errorf("installed %q, want the linux/amd64 build", installed)
	}
	if !strings.Contains(installCommand, ".outpost/bin") {
		t.Errorf("install command %q does not target the install directory", installCommand)
	}
	if got := helper.installs.Load(); got != 1 {
		t.Errorf("installs = %d, want 1", got)
	}
	if state := h.session.Snapshot(); state.InstallStatus != remote.StatusDisconnected || state.InstallError != "" {
		t.Errorf("install state = %s %q", state.InstallStatus, state.InstallError)
	}
}

func TestInstallChecksReportedDigest(t *testing.T) {
	tests := []struct {
		name    string
		digest  func(data []byte) string
		wantErr error
	}{
		{
			name: "matching",
			digest: func(data []byte) string {
				sum := sha256.Sum256(data)
				return hex.EncodeToString(sum[:])
			},
		},
		{
			name:    "corrupted",
			digest:  func([]byte) string { return strings.Repeat("0", 64) },
			wantErr: remote.ErrInstallCorrupt,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			helper := newFakeHelper()
			helper.notFound.Store(true)
			helper.installDigest = test.digest
			h := newHarness(t, helper)

			// The failed connect learns the platform.
			if err := h.session.Launch(context.Background(), false); !errors.Is(err, remote.ErrHelperNotFound) {
				t.Fatalf("Launch error = %v, want ErrHelperNotFound", err)
			}
			err := h.session.RunInstall(context.Background(), false)
			if test.wantErr == nil {
				if err != nil {
					t.Fatalf("RunInstall: %v", err)
				}
				if status := h.session.Snapshot().Status; status != remote.StatusConnected {
					t.Errorf("status after install = %s, want connected", status)
				}
				return
			}
			if !errors.Is(err, test.wantErr) {
				t.Fatalf("RunInstall error = %v, want %v", err, test.wantErr)
			}
			if state := h.session.Snapshot(); state.InstallStatus != remote.StatusError {
				t.Errorf("install status = %s, want error", state.InstallStatus)
			}
		})
	}
}

func TestInstallOnConnectedRemoteNeedsConfirmation(t *testing.T) {
	helper := newFakeHelper()
	h := newHarness(t, helper)
	h.connect(t)

	result := make(chan error, 1)
	go func() { result <- h.session.RunInstall(context.Background(), false) }()
	request := testutil.RequireReceive(t, h.prompts.Requests(), testTimeout, "waiting for install confirmation")
	if request.Kind != userinput.KindConfirm {
		t.Fatalf("request kind = %s, want confirm", request.Kind)
	}
	if err := h.prompts.Respond(userinput.Response{ID: request.ID, Confirmed: false}); err != nil {
		t.Fatal(err)
	}
	err := testutil.RequireReceive(t, result, testTimeout, "declined install")
	if !errors.Is(err, remote.ErrInstallDeclined) {
		t.Fatalf("declined install error = %v", err)
	}
	if status := h.session.Snapshot().Status; status != remote.StatusConnected {
		t.Fatalf("status after declined install = %s, want connected", status)
	}

	go func() { result <- h.session.RunInstall(context.Background(), false) }()
	request = testutil.RequireReceive(t, h.prompts.Requests(), testTimeout, "waiting for install confirmation")
	if err := h.prompts.Respond(userinput.Response{ID: request.ID, Confirmed: true}); err != nil {
		t.Fatal(err)
	}
	if err := testutil.RequireReceive(t, result, testTimeout, "confirmed install"); err != nil {
		t.Fatalf("RunInstall: %v", err)
	}
	if status := h.session.Snapshot().Status; status != remote.StatusConnected {
		t.Errorf("status after install = %s, want reconnected", status)
	}
	if helper.installs.Load() != 1 || helper.bootstraps.Load() != 2 {
		t.Errorf("installs=%d bootstraps=%d, want 1 and 2", helper.installs.Load(), helper.bootstraps.Load())
	}
}

func TestPasswordPromptAnsweredByUser(t *testing.T) {
	helper := newFakeHelper()
	helper.prompt = "dev@box's password: "
	helper.password = "hunter2"
	h := newHarness(t, helper)

	result := make(chan error, 1)
	go func() { result <- h.session.Launch(context.Background(), true) }()

	request := testutil.RequireReceive(t, h.prompts.Requests(), testTimeout, "waiting for password prompt")
	if !request.Sensitive || request.Kind != userinput.KindText {
		t.Errorf("request = %+v, want a sensitive text prompt", request)
	}
	if !strings.Contains(request.Message, "password") {
		t.Errorf("prompt message %q does not show the remote's prompt", request.Message)
	}
	if !h.session.Snapshot().WaitingForPassword {
		t.Error("WaitingForPassword is false while the user is being asked")
	}
	if err := h.prompts.Respond(userinput.Response{ID: request.ID, Text: "hunter2"}); err != nil {
		t.Fatal(err)
	}
	if err := testutil.RequireReceive(t, result, testTimeout, "Launch"); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	state := h.session.Snapshot()
	if state.Status != remote.StatusConnected || state.WaitingForPassword {
		t.Errorf("state = %s waiting=%v, want connected and not waiting", state.Status, state.WaitingForPassword)
	}
}

func TestStoredPasswordUsedOnce(t *testing.T) {
	helper := newFakeHelper()
	helper.prompt = "Password: "
	helper.password = "hunter2"

	t.Run("correct", func(t *testing.T) {
		h := newHarness(t, helper, withRemote(func(r *config.RemoteConfig) { r.Password = "hunter2" }))
		h.connect(t)
		if got := h.session.Snapshot().AuthType; got != "password" {
			t.Errorf("AuthType = %q, want password", got)
		}
	})

	t.Run("wrong without interaction", func(t *testing.T) {
		h := newHarness(t, helper, withRemote(func(r *config.RemoteConfig) { r.Password = "nope" }))
		err := h.session.Launch(context.Background(), false)
		if !errors.Is(err, remote.ErrAuthFailed) {
			t.Fatalf("Launch error = %v, want ErrAuthFailed", err)
		}
		if status := h.session.Snapshot().Status; status != remote.StatusError {
			t.Errorf("status = %s, want error", status)
		}
	})

	t.Run("rejected after two answers", func(t *testing.T) {
		h := newHarness(t, helper, withRemote(func(r *config.RemoteConfig) { r.Password = "nope" }))
		result := make(chan error, 1)
		go func() { result <- h.session.Launch(context.Background(), true) }()
		request := testutil.RequireReceive(t, h.prompts.Requests(), testTimeout, "waiting for second prompt")
		if err := h.prompts.Respond(userinput.Response{ID: request.ID, Text: "still wrong"}); err != nil {
			t.Fatal(err)
		}
		err := testutil.RequireReceive(t, result, testTimeout, "Launch")
		if !errors.Is(err, remote.ErrAuthFailed) || !strings.Contains(err.Error(), "rejected") {
			t.Fatalf("Launch error = %v, want a rejected credential", err)
		}
	})
}

func TestPromptDuringNonInteractiveConnectFails(t *testing.T) {
	helper := newFakeHelper()
	helper.prompt = "Enter passphrase for key '/home/dev/.ssh/id_ed25519': "
	helper.password = "x"
	h := newHarness(t, helper)

	err := h.session.Launch(context.Background(), false)
	if !errors.Is(err, remote.ErrAuthFailed) {
		t.Fatalf("Launch error = %v, want ErrAuthFailed", err)
	}
	if !strings.Contains(err.Error(), "passphrase") {
		t.Errorf("error %q does not name the credential kind", err)
	}
}

func TestConnectDeadline(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC))
	helper := newFakeHelper()
	helper.silent = true
	h := newHarness(t, helper, withClock(fake))

	result := make(chan error, 1)
	go func() { result <- h.session.Launch(context.Background(), false) }()

	// The prompt watcher and the deadline watcher.
	fake.WaitForTimers(2)
	if remaining := h.session.Snapshot().ConnectTimeout; remaining != h.config.Timeouts.Connect {
		t.Errorf("ConnectTimeout = %v before any time passed, want %v", remaining, h.config.Timeouts.Connect)
	}
	fake.Advance(h.config.Timeouts.Connect + time.Second)

	err := testutil.RequireReceive(t, result, testTimeout, "Launch")
	if !errors.Is(err, remote.ErrConnectTimeout) {
		t.Fatalf("Launch error = %v, want ErrConnectTimeout", err)
	}
	if status := h.session.Snapshot().Status; status != remote.StatusError {
		t.Errorf("status = %s, want error", status)
	}
}

func TestDisconnectCancelsConnectAttempt(t *testing.T) {
	helper := newFakeHelper()
	helper.silent = true
	h := newHarness(t, helper)
	events, unsubscribe := h.events.Subscribe(remote.RemoteTopic(testRemoteID))
	defer unsubscribe()

	result := make(chan error, 1)
	go func() { result <- h.session.Launch(context.Background(), false) }()
	waitStatus(t, events, func(state remote.RuntimeState) bool {
		return state.Status == remote.StatusConnecting
	}, "connecting")

	if err := h.session.Disconnect(false); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	err := testutil.RequireReceive(t, result, testTimeout, "Launch")
	if !errors.Is(err, remote.ErrDisconnected) {
		t.Fatalf("Launch error = %v, want ErrDisconnected", err)
	}
	if status := h.session.Snapshot().Status; status != remote.StatusDisconnected {
		t.Errorf("status = %s, want disconnected", status)
	}
}

func TestDefaultPromptDetector(t *testing.T) {
	tests := []struct {
		line string
		kind string
		ok   bool
	}{
		{"dev@box's password: ", "password", true},
		{"[sudo] password for dev:", "password", true},
		{"Password:", "password", true},
		{"Enter passphrase for key '/home/dev/.ssh/id_rsa': ", "passphrase", true},
		{"\x1b[1mPassword:\x1b[0m ", "password", true},
		{"Last login: Mon Oct 19 09:12:44 2026", "", false},
		{"password changed successfully", "", false},
		{"", "", false},
	}
	for _, test := range tests {
		kind, ok := remote.DefaultPromptDetector(test.line)
		if kind != test.kind || ok != test.ok {
			t.Errorf("DefaultPromptDetector(%q) = %q, %v; want %q, %v", test.line, kind, ok, test.kind, test.ok)
		}
	}
}
