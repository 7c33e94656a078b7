// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package mux carries the file descriptors of one command over a single
// packet stream.
//
// Local readable descriptors (a command's stdout and stderr on the
// helper side) are wrapped in readers that turn bytes into data packets
// and stop reading once BufferLimit bytes are unacknowledged. Local
// writable descriptors (stdin) are wrapped in writers that apply
// incoming data packets in arrival order and acknowledge each write.
// One input loop routes incoming data and ack packets by descriptor
// number and ends when a done packet arrives or the input closes.
package mux

import (
	"io"
	"log/slog"
	"sync"

	"github.com/bureau-foundation/outpost/packet"
)

// Defaults for Config.
const (
	DefaultBufferLimit = 256 * 1024
	DefaultPacketSize  = 4 * 1024
)

// Sender is the outgoing half of the packet stream.
type Sender interface {
	Send(packet.Packet) error
}

// Config configures New.
type Config struct {
	CK     packet.CommandKey
	Sender Sender

	// BufferLimit is the most bytes a reader may have sent but not
	// had acknowledged.
	BufferLimit int

	// PacketSize caps the payload of each data packet.
	PacketSize int

	Logger *slog.Logger
}

// Multiplexer owns the readers and writers of one command.
type Multiplexer struct {
	ck          packet.CommandKey
	sender      Sender
	bufferLimit int
	packetSize  int
	logger      *slog.Logger

	mu      sync.Mutex
	readers map[int]*fdReader
	writers map[int]*fdWriter

	closeOnce sync.Once
}

// New returns an empty Multiplexer.
func New(cfg Config) *Multiplexer {
	if cfg.BufferLimit <= 0 {
		cfg.BufferLimit = DefaultBufferLimit
	}
	if cfg.PacketSize <= 0 {
		cfg.PacketSize = DefaultPacketSize
	}
	if cfg.PacketSize > cfg.BufferLimit {
		cfg.PacketSize = cfg.BufferLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Multiplexer{
		ck:          cfg.CK,
		sender:      cfg.Sender,
		bufferLimit: cfg.BufferLimit,
		packetSize:  cfg.PacketSize,
		logger:      cfg.Logger.With("ck", cfg.CK.String()),
		readers:     make(map[int]*fdReader),
		writers:     make(map[int]*fdWriter),
	}
}

// AddReader registers a local source whose bytes are sent to the peer
// as descriptor fd.
func (m *Multiplexer) AddReader(fd int, r io.ReadCloser) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readers[fd] = newFdReader(m, fd, r)
}

// AddWriter registers a local sink for data the peer sends to fd.
func (m *Multiplexer) AddWriter(fd int, w io.WriteCloser) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writers[fd] = newFdWriter(m, fd, w)
}

// RunIOAndWait starts every reader and writer loop and the input loop
// over input. It blocks until the selected groups finish: all readers
// have reached EOF, all writers have closed, and/or the input loop has
// seen a done packet or the end of input. The done packet is returned
// when the input loop observed one before RunIOAndWait returned.
func (m *Multiplexer) RunIOAndWait(input <-chan packet.Packet, waitReaders, waitWriters, waitInput bool) *packet.CmdDonePacket {
	var readerGroup, writerGroup sync.WaitGroup
	m.mu.Lock()
	for _, reader := range m.readers {
		readerGroup.Go(reader.run)
	}
	for _, writer := range m.writers {
		writerGroup.Go(writer.run)
	}
	m.mu.Unlock()

	var done *packet.CmdDonePacket
	inputDone := make(chan struct{})
	go func() {
		defer close(inputDone)
		done = m.runInput(input)
	}()

	if waitReaders {
		readerGroup.Wait()
	}
	if waitWriters {
		writerGroup.Wait()
	}
	if waitInput {
		<-inputDone
		return done
	}
	select {
	case <-inputDone:
		return done
	default:
		return nil
	}
}

func (m *Multiplexer) runInput(input <-chan packet.Packet) *packet.CmdDonePacket {
	for p := range input {
		switch p := p.(type) {
		case *packet.DataPacket:
			m.deliverData(p)
		case *packet.DataAckPacket:
			m.deliverAck(p)
		case *packet.CmdDonePacket:
			return p
		default:
			m.logger.Debug("mux ignoring packet", "type", p.PacketType())
		}
	}
	return nil
}

func (m *Multiplexer) deliverData(p *packet.DataPacket) {
	m.mu.Lock()
	writer, ok := m.writers[p.FdNum]
	if !ok {
		// Record a closed placeholder so that further stray packets
		// for this descriptor are dropped without another error.
		writer = newClosedWriter(m, p.FdNum)
		m.writers[p.FdNum] = writer
		m.mu.Unlock()
		m.logger.Warn("data for unknown descriptor", "fd", p.FdNum)
		m.send(&packet.DataAckPacket{CK: m.ck, FdNum: p.FdNum, Error: "write to closed descriptor"})
		return
	}
	m.mu.Unlock()
	writer.enqueue(p)
}

func (m *Multiplexer) deliverAck(p *packet.DataAckPacket) {
	m.mu.Lock()
	reader, ok := m.readers[p.FdNum]
	m.mu.Unlock()
	if !ok {
		m.logger.Debug("ack for unknown descriptor", "fd", p.FdNum)
		return
	}
	reader.acknowledge(p.AckLen, p.Error)
}

func (m *Multiplexer) send(p packet.Packet) {
	if err := m.sender.Send(p); err != nil {
		m.logger.Debug("mux send failed", "type", p.PacketType(), "error", err)
	}
}

// Close closes every reader and writer exactly once. Blocked loops
// return.
func (m *Multiplexer) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		readers := make([]*fdReader, 0, len(m.readers))
		for _, reader := range m.readers {
			readers = append(readers, reader)
		}
		writers := make([]*fdWriter, 0, len(m.writers))
		for _, writer := range m.writers {
			writers = append(writers, writer)
		}
		m.mu.Unlock()
		for _, reader := range readers {
			reader.close()
		}
		for _, writer := range writers {
			writer.close()
		}
	})
}
