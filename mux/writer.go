// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mux

import (
	"io"
	"sync"

	"github.com/bureau-foundation/outpost/packet"
)

type fdWriter struct {
	mux *Multiplexer
	fd  int
	w   io.WriteCloser

	mu        sync.Mutex
	cond      *sync.Cond
	queue     []*packet.DataPacket
	eof       bool
	closed    bool
	closeOnce sync.Once
}

func newFdWriter(m *Multiplexer, fd int, w io.WriteCloser) *fdWriter {
	writer := &fdWriter{mux: m, fd: fd, w: w}
	writer.cond = sync.NewCond(&writer.mu)
	return writer
}

func newClosedWriter(m *Multiplexer, fd int) *fdWriter {
	writer := newFdWriter(m, fd, nil)
	writer.closed = true
	return writer
}

func (w *fdWriter) enqueue(p *packet.DataPacket) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.eof {
		return
	}
	w.queue = append(w.queue, p)
	if p.Eof || p.Error != "" {
		w.eof = true
	}
	w.cond.Broadcast()
}

// run drains the queue in order. Each write is acknowledged with the
// bytes written, or with the error that ended the writer.
func (w *fdWriter) run() {
	for {
		w.mu.Lock()
		for len(w.queue) == 0 && !w.closed && !w.eof {
			w.cond.Wait()
		}
		if w.closed {
			w.mu.Unlock()
			return
		}
		if len(w.queue) == 0 {
			w.closed = true
			w.mu.Unlock()
			w.closeSink()
			return
		}
		next := w.queue[0]
		w.queue = w.queue[1:]
		w.mu.Unlock()

		if len(next.Data) > 0 {
			n, err := w.w.Write(next.Data)
			ack := &packet.DataAckPacket{CK: w.mux.ck, FdNum: w.fd, AckLen: n}
			if err != nil {
				ack.Error = err.Error()
			}
			w.mux.send(ack)
			if err != nil {
				w.close()
				return
			}
		}
	}
}

func (w *fdWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.queue = nil
	w.cond.Broadcast()
	w.mu.Unlock()
	w.closeSink()
}

func (w *fdWriter) closeSink() {
	w.closeOnce.Do(func() {
		if w.w != nil {
			w.w.Close()
		}
	})
}
