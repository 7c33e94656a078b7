// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"io"
	"sync"
)

// ServeFunc is the far end of a [Pipe]: it reads packets from stdin,
// writes packets to stdout, and may print to or read from its terminal.
type ServeFunc func(ctx context.Context, stdin io.Reader, stdout io.Writer, terminal io.ReadWriter) error

// Pipe runs a helper in-process over memory pipes. It backs tests and
// the embedded helper.
type Pipe struct {
	serve ServeFunc

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	termOutR *io.PipeReader
	termOutW *io.PipeWriter
	termIn   *bufPipe

	cancel    context.CancelFunc
	done      chan struct{}
	err       error
	startOnce sync.Once
	closeOnce sync.Once
}

// NewPipe returns an unstarted in-process transport.
func NewPipe(serve ServeFunc) *Pipe {
	p := &Pipe{serve: serve, done: make(chan struct{}), termIn: newBufPipe()}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	p.termOutR, p.termOutW = io.Pipe()
	return p
}

func (p *Pipe) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	started := false
	p.startOnce.Do(func() {
		started = true
		serveCtx, cancel := context.WithCancel(context.Background())
		p.cancel = cancel
		go func() {
			defer close(p.done)
			err := p.serve(serveCtx, p.stdinR, p.stdoutW, pipeTerminal{p.termIn, p.termOutW})
			p.err = err
			p.stdoutW.CloseWithError(io.EOF)
			p.termOutW.Close()
			p.stdinR.Close()
		}()
	})
	if !started {
		return errors.New("pipe transport already started")
	}
	return nil
}

func (p *Pipe) Stdin() io.WriteCloser { return p.stdinW }
func (p *Pipe) Stdout() io.Reader     { return p.stdoutR }

func (p *Pipe) Terminal() io.ReadWriter { return pipeTerminal{p.termOutR, p.termIn} }

func (p *Pipe) Wait() error {
	<-p.done
	return p.err
}

func (p *Pipe) Close() error {
	p.closeOnce.Do(func() {
		// Claim the start so a later Start fails instead of serving.
		p.startOnce.Do(func() { close(p.done) })
		if p.cancel != nil {
			p.cancel()
		}
		p.stdinW.Close()
		p.stdoutR.Close()
		p.termOutR.Close()
		p.termIn.Close()
	})
	return nil
}

type pipeTerminal struct {
	io.Reader
	io.Writer
}
