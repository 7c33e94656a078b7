// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package helper

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/bureau-foundation/outpost/lib/binhash"
	"github.com/bureau-foundation/outpost/packet"
	"github.com/bureau-foundation/outpost/shellstate"
)

func requireShell(t *testing.T, name string) string {
	t.Helper()
	path, err := exec.LookPath(name)
	if err != nil {
		t.Skipf("%s not available", name)
	}
	return path
}

func TestShellQuoteRoundTrip(t *testing.T) {
	sh := requireShell(t, "sh")
	for _, value := range []string{"plain", "with space", "it's", "", "$HOME `x` \"q\"", "a\nb"} {
		out, err := exec.Command(sh, "-c", "printf %s "+shellQuote(value)).Output()
		if err != nil {
			t.Fatalf("sh with %q: %v", value, err)
		}
		if string(out) != value {
			t.Errorf("quoted %q came back as %q", value, out)
		}
	}
}

func TestBootstrapReportsMissingHelper(t *testing.T) {
	sh := requireShell(t, "sh")
	out, err := exec.Command(sh, "-c", BootstrapCommand(filepath.Join(t.TempDir(), "missing"))).Output()
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	p, err := packet.ParseLine(out)
	if err != nil {
		t.Fatalf("ParseLine(%q): %v", out, err)
	}
	hello, ok := p.(*packet.InitPacket)
	if !ok || !hello.NotFound {
		t.Fatalf("parsed %#v, want a not-found init", p)
	}
	osName, arch := hello.OSArch()
	if osName != runtime.GOOS {
		t.Errorf("os = %q, want %q", osName, runtime.GOOS)
	}
	if NormalizeArch(arch) != runtime.GOARCH {
		t.Errorf("arch %q normalizes to %q, want %q", arch, NormalizeArch(arch), runtime.GOARCH)
	}
}

func TestInstallThenBootstrapExecsHelper(t *testing.T) {
	sh := requireShell(t, "sh")
	dir := filepath.Join(t.TempDir(), "nested", "bin")

	binary := "#!/bin/sh\necho \"helper $1\"\n"
	sent := binhash.NewReader(strings.NewReader(binary))
	install := exec.Command(sh, "-c", InstallCommand(dir))
	install.Stdin = sent
	out, err := install.Output()
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	if !strings.HasPrefix(string(out), "installed\n") {
		t.Errorf("install printed %q", out)
	}
	if digest, ok := binhash.FindDigest(out); ok && digest != sent.Sum() {
		t.Errorf("remote digest %s, sent %s", digest, sent.Sum())
	}
	info, err := os.Stat(filepath.Join(dir, BinaryName))
	if err != nil {
		t.Fatalf("installed binary: %v", err)
	}
	if info.Mode().Perm()&0o100 == 0 {
		t.Errorf("installed binary mode %v is not executable", info.Mode())
	}

	out, err = exec.Command(sh, "-c", BootstrapCommand(dir)).Output()
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if string(out) != "helper --server\n" {
		t.Errorf("bootstrap printed %q", out)
	}
}

func TestNormalizeArch(t *testing.T) {
	for input, want := range map[string]string{
		"x86_64": "amd64", "aarch64": "arm64", "arm64": "arm64", "i686": "386", "riscv64": "riscv64",
	} {
		if got := NormalizeArch(input); got != want {
			t.Errorf("NormalizeArch(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestDetectShellType(t *testing.T) {
	for input, want := range map[string]string{
		"/bin/bash": shellstate.ShellBash, "/usr/local/bin/zsh": shellstate.ShellZsh,
		"/bin/dash": shellstate.ShellSh, "": shellstate.ShellSh, "fish": shellstate.ShellSh,
	} {
		if got := DetectShellType(input); got != want {
			t.Errorf("DetectShellType(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestParseSignal(t *testing.T) {
	for _, name := range []string{"INT", "sigint", "SIGINT", "2"} {
		sig, err := parseSignal(name)
		if err != nil || int(sig) != 2 {
			t.Errorf("parseSignal(%q) = %v, %v", name, sig, err)
		}
	}
	if _, err := parseSignal("NOPE"); err == nil {
		t.Error("unknown signal should fail")
	}
}
