// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package helper

import (
	"fmt"
	"slices"
	"strings"

	"github.com/bureau-foundation/outpost/shellstate"
)

// BinaryName is the installed helper's file name.
const BinaryName = "outpost-helper"

// NotFoundPrefix starts the line the bootstrap prints when no helper
// is installed.
const NotFoundPrefix = "##!notfound"

// internalPrefix marks shell names the helper defines for itself.
// They are never captured.
const internalPrefix = "__outpost"

// BootstrapCommand returns the snippet run by a transport's login
// shell: it execs the installed helper in server mode, or reports the
// platform so the front-end can install the right binary. A relative
// installDir is taken from the remote user's home.
func BootstrapCommand(installDir string) string {
	return fmt.Sprintf(`h=%s; if [ -x "$h" ]; then exec "$h" --server; fi; `+
		`printf '%s %%s %%s\n' "$(uname -s | tr '[:upper:]' '[:lower:]')" "$(uname -m)"`,
		remotePath(installDir, BinaryName), NotFoundPrefix)
}

// InstallCommand returns the snippet that reads a helper binary from
// stdin and moves it into place atomically. After "installed" it prints
// the sha256sum line of the installed file when the remote has
// sha256sum or shasum.
func InstallCommand(installDir string) string {
	dir := remotePath(installDir, "")
	temp := remotePath(installDir, "."+BinaryName+".tmp")
	target := remotePath(installDir, BinaryName)
	return fmt.Sprintf(`mkdir -p %s && cat > %s && chmod 0755 %s && mv -f %s %s && printf 'installed\n' && `+
		`{ sha256sum %s || shasum -a 256 %s; } 2>/dev/null; exit 0`,
		dir, temp, temp, temp, target, target, target)
}

func remotePath(dir, name string) string {
	path := strings.TrimSuffix(dir, "/")
	if name != "" {
		path += "/" + name
	}
	if strings.HasPrefix(path, "/") {
		return shellQuote(path)
	}
	return `"$HOME"/` + shellQuote(path)
}

// NormalizeArch maps uname -m output onto GOARCH names.
func NormalizeArch(machine string) string {
	switch strings.ToLower(machine) {
	case "x86_64", "amd64":
		return "amd64"
	case "aarch64", "arm64", "armv8l":
		return "arm64"
	case "i386", "i686":
		return "386"
	case "armv7l", "armv6l":
		return "arm"
	}
	return strings.ToLower(machine)
}

// shellQuote wraps s in single quotes for any POSIX shell.
func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, needsQuote) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func needsQuote(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	}
	return !strings.ContainsRune("@%_-+=:,./", r)
}

// ShellBinary returns the executable for a shell type.
func ShellBinary(shellType string) string {
	switch shellType {
	case shellstate.ShellBash:
		return "bash"
	case shellstate.ShellZsh:
		return "zsh"
	}
	return "/bin/sh"
}

// DetectShellType maps a $SHELL path onto a supported shell type.
func DetectShellType(shellPath string) string {
	name := shellPath
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	switch name {
	case "bash":
		return shellstate.ShellBash
	case "zsh":
		return shellstate.ShellZsh
	}
	return shellstate.ShellSh
}

// runScript builds the script that restores state's aliases and
// functions, runs command, and (with returnState) writes a capture of
// the resulting state to descriptor 3. The command itself runs with
// descriptor 3 closed.
func runScript(state *shellstate.ShellState, command string, returnState bool, boundary string) string {
	var b strings.Builder
	shellType := shellstate.ShellSh
	if state != nil {
		shellType = state.ShellType
	}
	if shellType == shellstate.ShellBash {
		b.WriteString("shopt -s expand_aliases 2>/dev/null\n")
	}
	if state != nil {
		if state.Cwd != "" {
			fmt.Fprintf(&b, "cd -- %s\n", shellQuote(state.Cwd))
		}
		for _, name := range sortedKeys(state.Aliases) {
			fmt.Fprintf(&b, "alias %s=%s\n", name, shellQuote(state.Aliases[name]))
		}
		for _, name := range sortedKeys(state.Funcs) {
			b.WriteString(state.Funcs[name])
			b.WriteString("\n")
		}
	}
	if returnState {
		b.WriteString(captureFunction(shellType, boundary))
	}
	fmt.Fprintf(&b, "{\n%s\n} 3>&-\n", command)
	b.WriteString(internalPrefix + "_rc=$?\n")
	if returnState {
		b.WriteString(internalPrefix + "_capture >&3\n")
	}
	b.WriteString("exit $" + internalPrefix + "_rc\n")
	return b.String()
}

// captureFunction defines __outpost_capture, which prints the current
// state as boundary-delimited sections.
func captureFunction(shellType, boundary string) string {
	var b strings.Builder
	b.WriteString(internalPrefix + "_capture() {\n")
	fmt.Fprintf(&b, "printf '\\n%%s cwd\\n%%s' %s \"$PWD\"\n", boundary)
	fmt.Fprintf(&b, "printf '\\n%%s env\\n' %s; env -0\n", boundary)
	fmt.Fprintf(&b, "printf '\\n%%s aliases\\n' %s; alias\n", boundary)
	switch shellType {
	case shellstate.ShellBash:
		fmt.Fprintf(&b, "for %[1]s_f in $(compgen -A function); do printf '\\n%%s func %%s\\n' %[2]s \"$%[1]s_f\"; declare -f \"$%[1]s_f\"; done\n",
			internalPrefix, boundary)
	case shellstate.ShellZsh:
		fmt.Fprintf(&b, "for %[1]s_f in ${(k)functions}; do printf '\\n%%s func %%s\\n' %[2]s \"$%[1]s_f\"; functions -- \"$%[1]s_f\"; done\n",
			internalPrefix, boundary)
	}
	fmt.Fprintf(&b, "printf '\\n%%s end\\n' %s\n", boundary)
	b.WriteString("}\n")
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}
