// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/x/ansi"

	"github.com/bureau-foundation/outpost/transport"
	"github.com/bureau-foundation/outpost/userinput"
)

// PromptDetector inspects the last, unterminated line of terminal
// output and reports whether it asks for a credential. kind names the
// credential ("password" or "passphrase") for the user prompt.
type PromptDetector func(line string) (kind string, ok bool)

// DefaultPromptDetector recognizes ssh, sudo and key passphrase
// prompts: a line ending in ':' that mentions a password or
// passphrase, after escape sequences are removed.
func DefaultPromptDetector(line string) (string, bool) {
	line = strings.ToLower(strings.TrimRight(ansi.Strip(line), " \t\r"))
	if !strings.HasSuffix(line, ":") {
		return "", false
	}
	switch {
	case strings.Contains(line, "passphrase"):
		return "passphrase", true
	case strings.Contains(line, "assword"):
		return "password", true
	}
	return "", false
}

// maxCredentials is how many answers one attempt may give before a
// further prompt counts as a rejected credential.
const maxCredentials = 2

// relayTerminal copies the controlling terminal into the diagnostic
// log until the transport closes it. Output counts as activity for the
// attempt deadline.
func (s *Session) relayTerminal(gen uint64, terminal io.Reader, termLog *transport.TermLog) {
	buffer := make([]byte, 4096)
	for {
		n, err := terminal.Read(buffer)
		if n > 0 {
			termLog.Write(buffer[:n])
			s.touch(gen)
		}
		if err != nil {
			return
		}
	}
}

type promptTarget struct {
	terminal io.Writer
	log      *transport.TermLog
}

// watchPrompts polls the diagnostic log for credential prompts and
// answers them on the terminal. The stored password answers the first
// password prompt; later prompts go to the user when interactive. A
// prompt after maxCredentials answers, a declined prompt, or any prompt
// in a non-interactive attempt ends the attempt with ErrAuthFailed.
func (s *Session) watchPrompts(ctx context.Context, gen uint64, target promptTarget, interactive bool, stored string, cancel context.CancelCauseFunc) {
	ticker := s.clock.NewTicker(s.timeouts.PasswordPoll)
	defer ticker.Stop()

	var seen uint64
	var line string
	answered := 0
	storedUsed := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		data, offset := target.log.Since(seen)
		if offset == seen {
			continue
		}
		line = lastLine(line + string(data))
		seen = offset

		kind, ok := s.detectPrompt(line)
		if !ok {
			continue
		}
		prompt := strings.TrimSpace(ansi.Strip(line))
		line = ""
		if answered >= maxCredentials {
			cancel(fmt.Errorf("%w: %s rejected", ErrAuthFailed, kind))
			return
		}

		var secret string
		switch {
		case kind == "password" && stored != "" && !storedUsed:
			secret = stored
			storedUsed = true
		case !interactive:
			cancel(fmt.Errorf("%w: %s prompt during non-interactive connect", ErrAuthFailed, kind))
			return
		default:
			s.setWaitingForPassword(gen, true)
			response, err := s.prompts.Ask(ctx, userinput.Request{
				Kind:      userinput.KindText,
				Title:     fmt.Sprintf("%s for %s", kind, s.Remote().CanonicalName),
				Message:   prompt,
				Sensitive: true,
				Timeout:   s.timeouts.Password,
			})
			s.setWaitingForPassword(gen, false)
			if err != nil {
				cancel(fmt.Errorf("%w: %w", ErrAuthFailed, err))
				return
			}
			secret = response.Text
		}
		if _, err := io.WriteString(target.terminal, secret+"\n"); err != nil {
			s.logger.Debug("writing credential to terminal", "error", err)
			return
		}
		answered++
		s.logger.Debug("answered credential prompt", "kind", kind, "answered", answered)
	}
}

func lastLine(text string) string {
	if i := strings.LastIndexByte(text, '\n'); i >= 0 {
		return text[i+1:]
	}
	return text
}

// watchDeadline ends the attempt with ErrConnectTimeout once the
// deadline passes. The deadline does not run while the user is being
// asked for a credential.
func (s *Session) watchDeadline(ctx context.Context, gen uint64, cancel context.CancelCauseFunc) {
	ticker := s.clock.NewTicker(s.timeouts.DeadlineTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s.mu.Lock()
		if s.generation != gen {
			s.mu.Unlock()
			return
		}
		expired := !s.waitingForPassword && !s.deadline.IsZero() && !s.clock.Now().Before(s.deadline)
		s.mu.Unlock()
		if expired {
			s.logger.Warn("attempt deadline expired", "timeout", s.timeouts.Connect)
			cancel(ErrConnectTimeout)
			return
		}
		s.publish()
	}
}

// activityWriter reports every successful write so long transfers keep
// the attempt deadline alive.
type activityWriter struct {
	w        io.Writer
	activity func()
}

func (a activityWriter) Write(p []byte) (int, error) {
	n, err := a.w.Write(p)
	if n > 0 {
		a.activity()
	}
	return n, err
}

// firstLines returns up to n non-empty lines of text, for error
// messages built from command output.
func firstLines(text []byte, n int) []string {
	var lines []string
	for _, line := range bytes.Split(text, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		lines = append(lines, string(line))
		if len(lines) == n {
			break
		}
	}
	return lines
}
