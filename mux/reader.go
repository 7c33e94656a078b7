// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mux

import (
	"errors"
	"io"
	"os"
	"sync"
	"syscall"

	"github.com/bureau-foundation/outpost/packet"
)

type fdReader struct {
	mux *Multiplexer
	fd  int
	r   io.ReadCloser

	mu          sync.Mutex
	cond        *sync.Cond
	outstanding int
	closed      bool
	closeOnce   sync.Once
}

func newFdReader(m *Multiplexer, fd int, r io.ReadCloser) *fdReader {
	reader := &fdReader{mux: m, fd: fd, r: r}
	reader.cond = sync.NewCond(&reader.mu)
	return reader
}

// run reads until EOF, error or close. Before each read it waits until
// the unacknowledged total is below the limit and never asks for more
// than the remaining headroom, so outstanding stays <= BufferLimit.
func (r *fdReader) run() {
	buffer := make([]byte, r.mux.packetSize)
	for {
		r.mu.Lock()
		for r.outstanding >= r.mux.bufferLimit && !r.closed {
			r.cond.Wait()
		}
		if r.closed {
			r.mu.Unlock()
			return
		}
		size := min(len(buffer), r.mux.bufferLimit-r.outstanding)
		r.mu.Unlock()

		n, err := r.r.Read(buffer[:size])
		if n > 0 {
			r.mu.Lock()
			r.outstanding += n
			r.mu.Unlock()
			chunk := make([]byte, n)
			copy(chunk, buffer[:n])
			r.mux.send(&packet.DataPacket{CK: r.mux.ck, FdNum: r.fd, Data: chunk})
		}
		if err != nil {
			r.finish(err)
			return
		}
	}
}

func (r *fdReader) finish(err error) {
	r.mu.Lock()
	wasClosed := r.closed
	r.closed = true
	r.mu.Unlock()
	if wasClosed {
		return
	}
	eof := &packet.DataPacket{CK: r.mux.ck, FdNum: r.fd, Eof: true}
	if !isEOF(err) {
		eof.Error = err.Error()
	}
	r.mux.send(eof)
	r.closeSource()
}

// acknowledge releases n bytes of headroom. An ack carrying an error
// means the peer's writer is gone; reading stops.
func (r *fdReader) acknowledge(n int, ackErr string) {
	r.mu.Lock()
	r.outstanding -= n
	if r.outstanding < 0 {
		r.outstanding = 0
	}
	if ackErr != "" {
		r.closed = true
	}
	r.cond.Broadcast()
	r.mu.Unlock()
	if ackErr != "" {
		r.mux.logger.Debug("peer rejected data", "fd", r.fd, "error", ackErr)
		r.closeSource()
	}
}

func (r *fdReader) close() {
	r.mu.Lock()
	r.closed = true
	r.cond.Broadcast()
	r.mu.Unlock()
	r.closeSource()
}

func (r *fdReader) closeSource() {
	r.closeOnce.Do(func() { r.r.Close() })
}

// isEOF treats EIO from a pty master as end of stream: Linux returns it
// once the slave side has no open descriptors left.
func isEOF(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	var pathErr *os.PathError
	return errors.As(err, &pathErr) && errors.Is(pathErr.Err, syscall.EIO)
}
