// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// nativeSSH dials with x/crypto/ssh. Authentication prompts are written
// to the synthetic terminal and answered with a line read back from it.
type nativeSSH struct {
	spec   Spec
	logger *slog.Logger

	term *syntheticTerminal

	mu      sync.Mutex
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
	closed  bool

	closeOnce sync.Once
	waitOnce  sync.Once
	waitErr   error
}

func newNativeSSH(spec Spec, logger *slog.Logger) (*nativeSSH, error) {
	if spec.SSH.Host == "" {
		return nil, fmt.Errorf("ssh transport has no host")
	}
	if spec.Command == "" {
		return nil, fmt.Errorf("transport spec has no command")
	}
	return &nativeSSH{
		spec:   spec,
		logger: logger.With("transport", string(spec.Type), "host", spec.SSH.Host),
		term:   newSyntheticTerminal(),
	}, nil
}

func (t *nativeSSH) Start(ctx context.Context) error {
	config, err := t.clientConfig()
	if err != nil {
		t.Close()
		return err
	}
	port := t.spec.SSH.Port
	if port == 0 {
		port = 22
	}
	address := net.JoinHostPort(t.spec.SSH.Host, strconv.Itoa(port))

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		t.term.printf("ssh: connect to host %s port %d: %v\r\n", t.spec.SSH.Host, port, err)
		t.Close()
		return fmt.Errorf("dialing %s: %w", address, err)
	}
	// Authentication can wait on a human, so the handshake is bounded by
	// ctx rather than by a fixed timeout.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	clientConn, chans, reqs, err := ssh.NewClientConn(conn, address, config)
	stop()
	if err != nil {
		conn.Close()
		t.term.printf("ssh: %v\r\n", err)
		t.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("ssh handshake with %s: %w", address, err)
	}
	client := ssh.NewClient(clientConn, chans, reqs)

	session, err := client.NewSession()
	if err != nil {
		client.Close()
		t.Close()
		return fmt.Errorf("opening ssh session: %w", err)
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		client.Close()
		t.Close()
		return fmt.Errorf("ssh stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		client.Close()
		t.Close()
		return fmt.Errorf("ssh stdout pipe: %w", err)
	}
	session.Stderr = t.term.output()
	if err := session.Start(t.spec.Command); err != nil {
		session.Close()
		client.Close()
		t.Close()
		return fmt.Errorf("starting remote command: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		session.Close()
		client.Close()
		return errors.New("transport closed during start")
	}
	t.client = client
	t.session = session
	t.stdin = stdin
	t.stdout = stdout
	t.logger.Debug("ssh session started")
	return nil
}

func (t *nativeSSH) clientConfig() (*ssh.ClientConfig, error) {
	user := t.spec.SSH.User
	if user == "" {
		user = os.Getenv("USER")
	}
	hostKeys, err := t.hostKeyCallback()
	if err != nil {
		return nil, err
	}

	var methods []ssh.AuthMethod
	if socket := os.Getenv("SSH_AUTH_SOCK"); socket != "" {
		if conn, err := net.Dial("unix", socket); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		} else {
			t.logger.Debug("ssh agent unavailable", "error", err)
		}
	}
	if t.spec.SSH.IdentityFile != "" {
		methods = append(methods, ssh.PublicKeysCallback(func() ([]ssh.Signer, error) {
			signer, err := t.loadIdentity(t.spec.SSH.IdentityFile)
			if err != nil {
				return nil, err
			}
			return []ssh.Signer{signer}, nil
		}))
	}
	prompt := fmt.Sprintf("%s@%s's password: ", user, t.spec.SSH.Host)
	methods = append(methods,
		ssh.KeyboardInteractive(func(name, instruction string, questions []string, echos []bool) ([]string, error) {
			if instruction != "" {
				t.term.printf("%s\r\n", instruction)
			}
			answers := make([]string, len(questions))
			for i, question := range questions {
				answer, err := t.term.ask(question)
				if err != nil {
					return nil, err
				}
				answers[i] = answer
			}
			return answers, nil
		}),
		ssh.PasswordCallback(func() (string, error) {
			return t.term.ask(prompt)
		}),
	)

	return &ssh.ClientConfig{
		User:            user,
		Auth:            methods,
		HostKeyCallback: hostKeys,
		Timeout:         30 * time.Second,
	}, nil
}

func (t *nativeSSH) hostKeyCallback() (ssh.HostKeyCallback, error) {
	path := t.spec.SSH.KnownHosts
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("locating known_hosts: %w", err)
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}
	callback, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("loading known hosts %s: %w", path, err)
	}
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := callback(hostname, remote, key)
		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) {
			if len(keyErr.Want) == 0 {
				t.term.printf("Host key for %s is not in %s (%s %s)\r\n",
					hostname, path, key.Type(), ssh.FingerprintSHA256(key))
			} else {
				t.term.printf("WARNING: REMOTE HOST IDENTIFICATION HAS CHANGED for %s\r\n", hostname)
			}
		}
		return err
	}, nil
}

func (t *nativeSSH) loadIdentity(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading identity %s: %w", path, err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) {
		passphrase, askErr := t.term.ask(fmt.Sprintf("Enter passphrase for key '%s': ", path))
		if askErr != nil {
			return nil, askErr
		}
		return ssh.ParsePrivateKeyWithPassphrase(data, []byte(passphrase))
	}
	if err != nil {
		return nil, fmt.Errorf("parsing identity %s: %w", path, err)
	}
	return signer, nil
}

func (t *nativeSSH) Stdin() io.WriteCloser {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stdin
}

func (t *nativeSSH) Stdout() io.Reader {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stdout
}

func (t *nativeSSH) Terminal() io.ReadWriter { return t.term }

func (t *nativeSSH) Wait() error {
	t.waitOnce.Do(func() {
		t.mu.Lock()
		session := t.session
		t.mu.Unlock()
		if session == nil {
			t.waitErr = errors.New("transport not started")
			return
		}
		t.waitErr = session.Wait()
		t.term.closeOutput()
	})
	return t.waitErr
}

func (t *nativeSSH) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		session, client := t.session, t.client
		t.mu.Unlock()
		if session != nil {
			session.Close()
		}
		if client != nil {
			client.Close()
		}
		t.term.Close()
	})
	return nil
}

// syntheticTerminal stands in for a pty. Reads return prompt and
// diagnostic text; writes supply answers, one per line.
type syntheticTerminal struct {
	outR *io.PipeReader
	outW *io.PipeWriter
	in   *bufPipe

	answers *bufio.Reader
	askMu   sync.Mutex
}

func newSyntheticTerminal() *syntheticTerminal {
	outR, outW := io.Pipe()
	in := newBufPipe()
	return &syntheticTerminal{
		outR:    outR,
		outW:    outW,
		in:      in,
		answers: bufio.NewReader(in),
	}
}

func (s *syntheticTerminal) Read(p []byte) (int, error)  { return s.outR.Read(p) }
func (s *syntheticTerminal) Write(p []byte) (int, error) { return s.in.Write(p) }

func (s *syntheticTerminal) output() io.Writer { return s.outW }

func (s *syntheticTerminal) printf(format string, args ...any) {
	fmt.Fprintf(s.outW, format, args...)
}

// ask shows a prompt and blocks for one line of input. Input written
// before the prompt is consumed by the next ask.
func (s *syntheticTerminal) ask(prompt string) (string, error) {
	s.askMu.Lock()
	defer s.askMu.Unlock()
	if _, err := io.WriteString(s.outW, prompt); err != nil {
		return "", err
	}
	line, err := s.answers.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("reading answer: %w", err)
	}
	io.WriteString(s.outW, "\r\n")
	return strings.TrimRight(line, "\r\n"), nil
}

func (s *syntheticTerminal) closeOutput() { s.outW.Close() }

func (s *syntheticTerminal) Close() error {
	s.outW.Close()
	s.in.Close()
	return nil
}
