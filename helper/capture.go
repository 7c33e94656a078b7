// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package helper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/outpost/shellstate"
)

// captureTimeout bounds a login-shell state capture. Slow profiles are
// common; hung ones should not wedge the helper.
const captureTimeout = 20 * time.Second

// newBoundary returns a section separator no shell value will contain.
func newBoundary() string {
	return "OUTPOST-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// CaptureLoginState starts an interactive login shell of shellType,
// lets it read its profile, and returns the resulting state.
func CaptureLoginState(ctx context.Context, shellType string) (*shellstate.ShellState, error) {
	ctx, cancel := context.WithTimeout(ctx, captureTimeout)
	defer cancel()

	boundary := newBoundary()
	script := captureFunction(shellType, boundary) + internalPrefix + "_capture >&3\n"
	args := []string{"-l", "-c", script}
	if shellType != shellstate.ShellSh {
		args = []string{"-l", "-i", "-c", script}
	}
	cmd := exec.CommandContext(ctx, ShellBinary(shellType), args...)
	if home, err := os.UserHomeDir(); err == nil {
		cmd.Dir = home
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	output, err := runWithCapture(cmd)
	if err != nil && len(output) == 0 {
		return nil, fmt.Errorf("capturing %s login state: %w", shellType, err)
	}
	state, parseErr := parseCapture(output, boundary, shellType)
	if parseErr != nil {
		return nil, parseErr
	}
	if err != nil {
		state.Error = err.Error()
	}
	return state, nil
}

// runWithCapture runs cmd with descriptor 3 connected to a pipe and
// returns everything written to it.
func runWithCapture(cmd *exec.Cmd) ([]byte, error) {
	reader, writer, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	cmd.ExtraFiles = []*os.File{writer}
	if err := cmd.Start(); err != nil {
		writer.Close()
		return nil, err
	}
	writer.Close()
	output, readErr := io.ReadAll(reader)
	waitErr := cmd.Wait()
	return output, errors.Join(readErr, waitErr)
}

// parseCapture turns __outpost_capture output into a state. Names the
// helper uses internally and volatile variables are dropped.
func parseCapture(output []byte, boundary, shellType string) (*shellstate.ShellState, error) {
	state := &shellstate.ShellState{
		Version:   shellstate.FormatVersion,
		ShellType: shellType,
	}
	separator := []byte("\n" + boundary + " ")
	sections := bytes.Split(output, separator)
	complete := false
	for _, section := range sections[1:] {
		header, payload, _ := bytes.Cut(section, []byte("\n"))
		kind, name, _ := strings.Cut(string(header), " ")
		switch kind {
		case "cwd":
			state.Cwd = string(payload)
		case "env":
			state.Vars = parseEnv(payload)
		case "aliases":
			aliases, err := parseAliases(string(payload))
			if err != nil {
				return nil, fmt.Errorf("parsing aliases: %w", err)
			}
			state.Aliases = aliases
		case "func":
			if strings.HasPrefix(name, internalPrefix) {
				continue
			}
			if state.Funcs == nil {
				state.Funcs = make(map[string]string)
			}
			state.Funcs[name] = strings.TrimRight(string(payload), "\n")
		case "end":
			complete = true
		}
	}
	if !complete {
		return nil, errors.New("state capture ended early")
	}
	return state, nil
}

func parseEnv(payload []byte) map[string]string {
	vars := make(map[string]string)
	for entry := range bytes.SplitSeq(payload, []byte{0}) {
		name, value, ok := bytes.Cut(entry, []byte("="))
		if !ok || len(name) == 0 {
			continue
		}
		key := string(name)
		if shellstate.IsVolatileVar(key) || strings.HasPrefix(key, "__OUTPOST") {
			continue
		}
		vars[key] = string(value)
	}
	if len(vars) == 0 {
		return nil
	}
	return vars
}

// parseAliases reads the output of the alias builtin: one
// [alias ]name=word per line, where word may be single-quoted with
// '\'' escapes and may span lines.
func parseAliases(text string) (map[string]string, error) {
	aliases := make(map[string]string)
	for pos := 0; pos < len(text); {
		if text[pos] == '\n' || text[pos] == ' ' {
			pos++
			continue
		}
		line := text[pos:]
		line = strings.TrimPrefix(line, "alias ")
		pos += len(text[pos:]) - len(line)

		eq := strings.IndexByte(line, '=')
		newline := strings.IndexByte(line, '\n')
		if eq < 0 || (newline >= 0 && newline < eq) {
			return nil, fmt.Errorf("malformed alias line %q", firstLine(line))
		}
		name := line[:eq]
		value, consumed, err := readShellWord(line[eq+1:])
		if err != nil {
			return nil, fmt.Errorf("alias %s: %w", name, err)
		}
		aliases[name] = value
		pos += eq + 1 + consumed
	}
	if len(aliases) == 0 {
		return nil, nil
	}
	return aliases, nil
}

// readShellWord decodes one word made of single-quoted runs, backslash
// escapes and bare characters, ending at a newline or the end of s.
func readShellWord(s string) (string, int, error) {
	var b strings.Builder
	i := 0
	for i < len(s) {
		switch c := s[i]; c {
		case '\n':
			return b.String(), i, nil
		case '\'':
			end := strings.IndexByte(s[i+1:], '\'')
			if end < 0 {
				return "", 0, errors.New("unterminated quote")
			}
			b.WriteString(s[i+1 : i+1+end])
			i += end + 2
		case '\\':
			if i+1 < len(s) {
				b.WriteByte(s[i+1])
				i += 2
			} else {
				i++
			}
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String(), i, nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
