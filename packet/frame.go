// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package packet

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/bureau-foundation/outpost/lib/codec"
)

const (
	framePrefix    = "##"
	notFoundPrefix = "##!notfound"
)

type envelope struct {
	Type string           `cbor:"type"`
	Body codec.RawMessage `cbor:"body"`
}

// Marshal encodes p as a CBOR envelope.
func Marshal(p Packet) ([]byte, error) {
	body, err := codec.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding %s packet: %w", p.PacketType(), err)
	}
	data, err := codec.Marshal(envelope{Type: p.PacketType(), Body: body})
	if err != nil {
		return nil, fmt.Errorf("encoding %s envelope: %w", p.PacketType(), err)
	}
	return data, nil
}

// Unmarshal decodes a CBOR envelope.
func Unmarshal(data []byte) (Packet, error) {
	var env envelope
	if err := codec.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding packet envelope: %w", err)
	}
	p, err := newPacket(env.Type)
	if err != nil {
		return nil, err
	}
	if err := codec.Unmarshal(env.Body, p); err != nil {
		return nil, fmt.Errorf("decoding %s packet: %w", env.Type, err)
	}
	return p, nil
}

// FrameLine returns p as one "##<base64>\n" line.
func FrameLine(p Packet) ([]byte, error) {
	data, err := Marshal(p)
	if err != nil {
		return nil, err
	}
	line := make([]byte, len(framePrefix)+base64.StdEncoding.EncodedLen(len(data))+1)
	copy(line, framePrefix)
	base64.StdEncoding.Encode(line[len(framePrefix):], data)
	line[len(line)-1] = '\n'
	return line, nil
}

// ParseLine converts one line (with or without its newline) into a
// packet. Lines that are not frames become RawPackets; a frame that
// fails to decode is an error and the caller decides what to surface.
func ParseLine(line []byte) (Packet, error) {
	line = bytes.TrimRight(line, "\r\n")
	if bytes.HasPrefix(line, []byte(notFoundPrefix)) {
		fields := strings.Fields(string(line[len(notFoundPrefix):]))
		handshake := &InitPacket{NotFound: true}
		if len(fields) >= 2 {
			handshake.UName = fields[0] + "|" + fields[1]
		}
		return handshake, nil
	}
	if !bytes.HasPrefix(line, []byte(framePrefix)) {
		return &RawPacket{Data: string(line)}, nil
	}
	encoded := line[len(framePrefix):]
	data := make([]byte, base64.StdEncoding.DecodedLen(len(encoded)))
	n, err := base64.StdEncoding.Decode(data, encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding packet frame: %w", err)
	}
	return Unmarshal(data[:n])
}

// ErrSenderClosed is returned by Send after Close or a write failure.
var ErrSenderClosed = errors.New("packet sender closed")

// Sender writes framed packets. Each packet is written with a single
// Write call under a lock, so concurrent senders never interleave.
type Sender struct {
	mu     sync.Mutex
	w      io.Writer
	err    error
	closed bool
}

// NewSender wraps w.
func NewSender(w io.Writer) *Sender {
	return &Sender{w: w}
}

// Send frames and writes p. After the first write error every Send
// returns that error.
func (s *Sender) Send(p Packet) error {
	line, err := FrameLine(p)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSenderClosed
	}
	if s.err != nil {
		return s.err
	}
	if _, err := s.w.Write(line); err != nil {
		s.err = fmt.Errorf("writing %s packet: %w", p.PacketType(), err)
		return s.err
	}
	return nil
}

// Close stops further sends. It does not close the underlying writer.
func (s *Sender) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}
