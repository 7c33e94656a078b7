// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/outpost/lib/clock"
	"github.com/bureau-foundation/outpost/lib/testutil"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Timeouts.Connect != 15*time.Second {
		t.Errorf("connect timeout = %v, want 15s", cfg.Timeouts.Connect)
	}
	if cfg.Timeouts.Password != 60*time.Second {
		t.Errorf("password timeout = %v, want 60s", cfg.Timeouts.Password)
	}
	if cfg.Limits.DiffThreshold != 30*1024 {
		t.Errorf("diff threshold = %d, want 30 KiB", cfg.Limits.DiffThreshold)
	}
	if cfg.Limits.MaxReconnect != 5 {
		t.Errorf("max reconnect = %d, want 5", cfg.Limits.MaxReconnect)
	}
}

func TestLoad_RequiresOutpostConfig(t *testing.T) {
	t.Setenv("OUTPOST_CONFIG", "")
	_, err := Load()
	if err == nil {
		t.Fatal("expected error when OUTPOST_CONFIG is not set")
	}
	if !strings.HasPrefix(err.Error(), "OUTPOST_CONFIG environment variable not set") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestParse_Remotes(t *testing.T) {
	t.Setenv("HOME", "/home/tester")
	cfg, err := Parse([]byte(`
paths:
  root: ${HOME}/outpost
  database: ${OUTPOST_ROOT}/state.db
timeouts:
  connect: 30s
limits:
  diff_threshold: 0
remotes:
  - id: laptop
    type: local
    connect_mode: startup
  - id: build
    alias: builder
    ssh:
      host: build.example.com
      user: ci
      identity_file: ${HOME}/.ssh/id_ed25519
    auto_install: true
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Paths.Database != "/home/tester/outpost/state.db" {
		t.Errorf("database = %q", cfg.Paths.Database)
	}
	if cfg.Timeouts.Connect != 30*time.Second {
		t.Errorf("connect = %v, want 30s", cfg.Timeouts.Connect)
	}
	if cfg.Timeouts.Start != 5*time.Second {
		t.Errorf("start = %v, want default 5s", cfg.Timeouts.Start)
	}
	if cfg.Limits.DiffThreshold != 30*1024 {
		t.Errorf("zero diff threshold not defaulted: %d", cfg.Limits.DiffThreshold)
	}

	build, ok := cfg.Remote("builder")
	if !ok {
		t.Fatal("remote lookup by alias failed")
	}
	if build.Type != RemoteSSH || build.SSH.Port != 22 || build.ConnectMode != ConnectAuto {
		t.Errorf("ssh defaults not applied: %+v", build)
	}
	if build.CanonicalName != "ci@build.example.com" {
		t.Errorf("canonical name = %q", build.CanonicalName)
	}
	if build.SSH.IdentityFile != "/home/tester/.ssh/id_ed25519" {
		t.Errorf("identity file = %q", build.SSH.IdentityFile)
	}
	laptop, _ := cfg.Remote("laptop")
	if laptop.Alias != "laptop" || laptop.CanonicalName != "local" {
		t.Errorf("local defaults not applied: %+v", laptop)
	}
}

func TestValidate_Errors(t *testing.T) {
	_, err := Parse([]byte(`
remotes:
  - id: a
    type: local
  - id: a
    type: local
  - id: b
    type: telnet
  - id: c
    type: ssh
  - id: d
    type: local
    connect_mode: sometimes
`))
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, fragment := range []string{`duplicate id "a"`, "type must be local, sudo or ssh", "ssh.host is required", "connect_mode must be"} {
		if !strings.Contains(err.Error(), fragment) {
			t.Errorf("error %q missing %q", err, fragment)
		}
	}
}

func TestLoadFile_RejectsEmpty(t *testing.T) {
	directory := t.TempDir()
	for name, content := range map[string]string{"empty": "", "blank": "  \n\t\n"} {
		path := filepath.Join(directory, name+".yaml")
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadFile(path); !errors.Is(err, ErrEmpty) {
			t.Errorf("LoadFile(%s) error = %v, want ErrEmpty", name, err)
		}
	}
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	directory := t.TempDir()
	path := filepath.Join(directory, "outpost.yaml")
	write := func(content string) {
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("writing config: %v", err)
		}
	}
	remoteConfig := func(id string) string {
		return "paths:\n  database: " + filepath.Join(directory, "db") + "\nremotes:\n  - id: " + id + "\n    type: local\n"
	}
	write(remoteConfig("first"))

	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reloaded := make(chan *Config, 16)
	watchDone := make(chan error, 1)
	go func() {
		watchDone <- Watch(ctx, path, WatchOptions{Clock: fake, Debounce: time.Second}, func(cfg *Config) {
			reloaded <- cfg
		})
	}()

	// The watcher registers asynchronously; keep blanking the file
	// until an event arms the debounce timer. Alternating contents
	// makes every write a change.
	deadline := time.Now().Add(5 * time.Second)
	blanks := []string{"", "\n"}
	for i := 0; fake.PendingTimers() == 0; i++ {
		if time.Now().After(deadline) {
			t.Fatal("config change never observed")
		}
		write(blanks[i%2])
		time.Sleep(10 * time.Millisecond)
	}

	// Nothing is reloaded before the debounce interval passes, and an
	// empty file is never handed on.
	fake.Advance(500 * time.Millisecond)
	testutil.RequireNoReceive(t, reloaded, 50*time.Millisecond, "reloaded before debounce elapsed")
	fake.Advance(time.Second)
	testutil.RequireNoReceive(t, reloaded, 100*time.Millisecond, "empty config was reloaded")

	write(remoteConfig("second"))
	fake.WaitForTimers(1)
	fake.Advance(time.Second)
	cfg := testutil.RequireReceive(t, reloaded, 5*time.Second, "waiting for reload")
	if _, ok := cfg.Remote("second"); !ok {
		t.Fatalf("reloaded config missing remote: %+v", cfg.Remotes)
	}
	cancel()
	if err := testutil.RequireReceive(t, watchDone, 5*time.Second, "waiting for Watch to return"); err != nil {
		t.Fatalf("Watch: %v", err)
	}
}
