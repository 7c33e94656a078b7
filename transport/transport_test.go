// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"slices"
	"strings"
	"testing"
	"time"
)

func TestTermLogWrapsAndAddressesByOffset(t *testing.T) {
	log := NewTermLog(8)
	log.Write([]byte("abcde"))
	if got := string(log.Bytes()); got != "abcde" {
		t.Fatalf("Bytes = %q, want abcde", got)
	}
	mark := log.Offset()
	log.Write([]byte("fghij"))
	data, next := log.Since(mark)
	if string(data) != "fghij" || next != 10 {
		t.Errorf("Since(%d) = %q, %d, want fghij, 10", mark, data, next)
	}
	if got := string(log.Bytes()); got != "cdefghij" {
		t.Errorf("Bytes after wrap = %q, want cdefghij", got)
	}
	if data, next := log.Since(log.Offset()); data != nil || next != 10 {
		t.Errorf("Since(current) = %q, %d, want nil, 10", data, next)
	}

	log.Write([]byte("0123456789xyz"))
	if got := string(log.Bytes()); got != "56789xyz" {
		t.Errorf("Bytes after oversized write = %q, want 56789xyz", got)
	}
	if log.Offset() != 23 {
		t.Errorf("Offset = %d, want 23", log.Offset())
	}
}

func TestTermLogSinceDeliversEachByteOnce(t *testing.T) {
	log := NewTermLog(1 << 20)
	var want bytes.Buffer
	for i := range 2000 {
		want.WriteString("Password: " + strings.Repeat("x", i%7) + "\n")
	}

	written := make(chan struct{})
	go func() {
		defer close(written)
		payload := want.Bytes()
		for len(payload) > 0 {
			n := min(len(payload), 13)
			log.Write(payload[:n])
			payload = payload[n:]
		}
	}()

	var got bytes.Buffer
	var seen uint64
	drain := func() {
		data, next := log.Since(seen)
		got.Write(data)
		seen = next
	}
	for {
		select {
		case <-written:
			drain()
			if !bytes.Equal(got.Bytes(), want.Bytes()) {
				t.Fatalf("reader saw %d bytes, want %d written once each", got.Len(), want.Len())
			}
			return
		default:
			drain()
		}
	}
}

func TestProcessArgv(t *testing.T) {
	tests := []struct {
		name string
		spec Spec
		want []string
	}{
		{
			name: "local",
			spec: Spec{Type: TypeLocal, Command: "exec helper"},
			want: []string{"/bin/sh", "-c", "exec helper"},
		},
		{
			name: "sudo",
			spec: Spec{Type: TypeSudo, Command: "exec helper"},
			want: []string{"sudo", "-p", "[sudo] password for %u: ", "--", "/bin/sh", "-c", "exec helper"},
		},
		{
			name: "ssh with options",
			spec: Spec{Type: TypeSSH, Command: "exec helper", SSH: SSHOptions{
				Host: "build.example.com", User: "ops", Port: 2222, IdentityFile: "/k/id", KnownHosts: "/k/hosts",
			}},
			want: []string{"ssh", "-T", "-o", "ServerAliveInterval=20", "-p", "2222", "-i", "/k/id",
				"-o", "UserKnownHostsFile=/k/hosts", "ops@build.example.com", "exec helper"},
		},
		{
			name: "ssh default port",
			spec: Spec{Type: TypeSSH, Command: "x", SSH: SSHOptions{Host: "h", Port: 22}},
			want: []string{"ssh", "-T", "-o", "ServerAliveInterval=20", "h", "x"},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := ProcessArgv(test.spec)
			if err != nil {
				t.Fatalf("ProcessArgv: %v", err)
			}
			if !slices.Equal(got, test.want) {
				t.Errorf("argv = %q, want %q", got, test.want)
			}
		})
	}

	if _, err := ProcessArgv(Spec{Type: TypeSSH, Command: "x"}); err == nil {
		t.Error("ssh without host should fail")
	}
	if _, err := ProcessArgv(Spec{Type: TypeLocal}); err == nil {
		t.Error("empty command should fail")
	}
	if _, err := DefaultFactory(nil).New(Spec{Type: "carrier-pigeon", Command: "x"}); err == nil {
		t.Error("unknown type should fail")
	}
}

func TestLocalProcessSeparatesStreams(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	tr, err := DefaultFactory(nil).New(Spec{
		Type:    TypeLocal,
		Command: `read line; echo "stdout:$line"; echo "terminal-note" >&2`,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer tr.Close()

	terminal := make(chan string, 1)
	go func() {
		var seen bytes.Buffer
		buf := make([]byte, 256)
		for {
			n, err := tr.Terminal().Read(buf)
			seen.Write(buf[:n])
			if strings.Contains(seen.String(), "terminal-note") || err != nil {
				terminal <- seen.String()
				return
			}
		}
	}()

	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := io.WriteString(tr.Stdin(), "ping\n"); err != nil {
		t.Fatalf("writing stdin: %v", err)
	}
	line, err := bufio.NewReader(tr.Stdout()).ReadString('\n')
	if err != nil {
		t.Fatalf("reading stdout: %v", err)
	}
	if line != "stdout:ping\n" {
		t.Errorf("stdout = %q", line)
	}
	if err := tr.Wait(); err != nil {
		t.Errorf("Wait: %v", err)
	}
	select {
	case got := <-terminal:
		if !strings.Contains(got, "terminal-note") {
			t.Errorf("terminal output = %q, want terminal-note", got)
		}
		if strings.Contains(got, "stdout:") {
			t.Errorf("stdout leaked onto the terminal: %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("terminal output never arrived")
	}
}

func TestSyntheticTerminalAnswersPrompts(t *testing.T) {
	term := newSyntheticTerminal()
	defer term.Close()

	output := make(chan string, 1)
	go func() {
		var seen bytes.Buffer
		buf := make([]byte, 64)
		for {
			n, err := term.Read(buf)
			seen.Write(buf[:n])
			if err != nil || strings.Contains(seen.String(), "\r\n") {
				output <- seen.String()
				return
			}
		}
	}()

	// Typed ahead of the prompt.
	if _, err := term.Write([]byte("hunter2\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	answer, err := term.ask("ops@h's password: ")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if answer != "hunter2" {
		t.Errorf("answer = %q, want hunter2", answer)
	}
	if got := <-output; !strings.HasPrefix(got, "ops@h's password: ") {
		t.Errorf("terminal showed %q", got)
	}
}

func TestPipeTransport(t *testing.T) {
	pipe := NewPipe(func(ctx context.Context, stdin io.Reader, stdout io.Writer, terminal io.ReadWriter) error {
		io.WriteString(terminal, "Password: ")
		password, err := bufio.NewReader(terminal).ReadString('\n')
		if err != nil {
			return err
		}
		line, err := bufio.NewReader(stdin).ReadString('\n')
		if err != nil {
			return err
		}
		_, err = io.WriteString(stdout, strings.TrimSpace(password)+":"+line)
		return err
	})
	defer pipe.Close()

	if err := pipe.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := pipe.Start(context.Background()); err == nil {
		t.Error("second Start should fail")
	}

	prompt := make([]byte, len("Password: "))
	if _, err := io.ReadFull(pipe.Terminal(), prompt); err != nil {
		t.Fatalf("reading prompt: %v", err)
	}
	pipe.Terminal().Write([]byte("secret\n"))
	go io.WriteString(pipe.Stdin(), "hello\n")

	got, err := io.ReadAll(pipe.Stdout())
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "secret:hello\n" {
		t.Errorf("stdout = %q", got)
	}
	if err := pipe.Wait(); err != nil {
		t.Errorf("Wait: %v", err)
	}
}

func TestPipeCloseBeforeStart(t *testing.T) {
	pipe := NewPipe(func(context.Context, io.Reader, io.Writer, io.ReadWriter) error {
		t.Error("serve ran after Close")
		return nil
	})
	pipe.Close()
	if err := pipe.Start(context.Background()); err == nil {
		t.Error("Start after Close should fail")
	}
	pipe.Wait()
}
