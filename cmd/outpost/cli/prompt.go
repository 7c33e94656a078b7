// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/bureau-foundation/outpost/userinput"
)

// Prompter answers user input requests on a terminal.
type Prompter struct {
	out        io.Writer
	lines      *bufio.Reader
	readSecret func() (string, error)
}

// NewTerminalPrompter reads answers from stdin, without echo for
// sensitive prompts. It returns nil when stdin is not a terminal; the
// caller should then leave requests unanswered so they fail with
// userinput.ErrNoResponder.
func NewTerminalPrompter(out io.Writer) *Prompter {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil
	}
	return &Prompter{
		out:   out,
		lines: bufio.NewReader(os.Stdin),
		readSecret: func() (string, error) {
			secret, err := term.ReadPassword(fd)
			return string(secret), err
		},
	}
}

// NewPrompter answers from in, reading sensitive answers as ordinary
// lines.
func NewPrompter(in io.Reader, out io.Writer) *Prompter {
	p := &Prompter{out: out, lines: bufio.NewReader(in)}
	p.readSecret = p.readLine
	return p
}

// Serve answers requests from broker until ctx is done.
func (p *Prompter) Serve(ctx context.Context, broker *userinput.Broker) {
	for {
		select {
		case <-ctx.Done():
			return
		case request := <-broker.Requests():
			response := p.answer(request)
			if err := broker.Respond(response); err != nil {
				fmt.Fprintf(p.out, "\n%s: answer arrived too late\n", request.Title)
			}
		}
	}
}

func (p *Prompter) answer(request userinput.Request) userinput.Response {
	response := userinput.Response{ID: request.ID}
	if request.Title != "" {
		fmt.Fprintf(p.out, "%s\n", request.Title)
	}
	switch request.Kind {
	case userinput.KindConfirm:
		fmt.Fprintf(p.out, "%s [y/N] ", request.Message)
		line, err := p.readLine()
		if err != nil {
			response.Canceled = true
			return response
		}
		answer := strings.ToLower(strings.TrimSpace(line))
		response.Confirmed = answer == "y" || answer == "yes"
	default:
		fmt.Fprintf(p.out, "%s ", strings.TrimSpace(request.Message))
		read := p.readLine
		if request.Sensitive {
			read = p.readSecret
		}
		text, err := read()
		if request.Sensitive {
			fmt.Fprintln(p.out)
		}
		if err != nil {
			response.Canceled = true
			return response
		}
		response.Text = strings.TrimRight(text, "\r\n")
	}
	return response
}

func (p *Prompter) readLine() (string, error) {
	line, err := p.lines.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return line, nil
}
