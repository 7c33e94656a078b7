// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import "sync"

// DefaultTermLogSize holds the tail of what a connection printed to
// its terminal: enough for a prompt, a banner and an error message.
const DefaultTermLogSize = 64 * 1024

// TermLog is a fixed-size circular log of terminal output addressed by
// absolute byte offset. Readers remember an offset and later ask for
// everything after it; writes past capacity discard the oldest bytes.
//
// All methods are safe for concurrent use.
type TermLog struct {
	mu    sync.Mutex
	buf   []byte
	head  int    // next write position in buf
	total uint64 // bytes ever written
}

// NewTermLog returns a log holding at most size bytes.
func NewTermLog(size int) *TermLog {
	if size <= 0 {
		size = DefaultTermLogSize
	}
	return &TermLog{buf: make([]byte, size)}
}

// Write implements io.Writer. It never fails.
func (l *TermLog) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(p)
	l.total += uint64(n)
	if n >= len(l.buf) {
		copy(l.buf, p[n-len(l.buf):])
		l.head = 0
		return n, nil
	}
	first := copy(l.buf[l.head:], p)
	copy(l.buf, p[first:])
	l.head = (l.head + n) % len(l.buf)
	return n, nil
}

// Since returns the bytes written after offset together with the
// offset they end at, read under one lock so that passing the returned
// offset to the next call neither repeats nor skips bytes. An offset
// older than the retained window yields the whole window.
func (l *TermLog) Since(offset uint64) ([]byte, uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if offset >= l.total {
		return nil, l.total
	}
	stored := min(l.total, uint64(len(l.buf)))
	oldest := l.total - stored
	offset = max(offset, oldest)
	count := int(l.total - offset)

	out := make([]byte, count)
	start := (l.head - count + len(l.buf)) % len(l.buf)
	first := copy(out, l.buf[start:min(start+count, len(l.buf))])
	copy(out[first:], l.buf[:count-first])
	return out, l.total
}

// Bytes returns everything retained.
func (l *TermLog) Bytes() []byte {
	data, _ := l.Since(0)
	return data
}

// Offset is the total number of bytes ever written.
func (l *TermLog) Offset() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}
