// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package packet

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/outpost/lib/clock"
)

// ErrRPCTimeout is returned by Call when no response arrives in time.
var ErrRPCTimeout = errors.New("rpc response timeout")

// ErrConnClosed is returned by Call when the stream ends first.
var ErrConnClosed = errors.New("packet stream closed")

// ConnConfig configures NewConn.
type ConnConfig struct {
	// Clock drives RPC timeouts. Defaults to the real clock.
	Clock clock.Clock

	// Logger defaults to a discard logger.
	Logger *slog.Logger

	// Buffer is the capacity of the Packets channel. Defaults to 64.
	Buffer int
}

// Conn is a bidirectional packet stream. Responses to calls made with
// Call are routed to their caller; everything else is delivered on
// Packets in arrival order.
type Conn struct {
	sender *Sender
	clock  clock.Clock
	logger *slog.Logger

	packets chan Packet
	done    chan struct{}

	mu      sync.Mutex
	pending map[string]chan RPCResponse
	readErr error
}

// NewConn starts reading r. Packets is closed when r reaches EOF or
// fails.
func NewConn(r io.Reader, w io.Writer, cfg ConnConfig) *Conn {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	conn := &Conn{
		sender:  NewSender(w),
		clock:   cfg.Clock,
		logger:  cfg.Logger,
		packets: make(chan Packet, cfg.Buffer),
		done:    make(chan struct{}),
		pending: make(map[string]chan RPCResponse),
	}
	go conn.readLoop(r)
	return conn
}

// Packets delivers every packet that is not a response to a pending
// call.
func (c *Conn) Packets() <-chan Packet { return c.packets }

// Done is closed when the read side ends.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the read error that ended the stream, or nil after a
// clean EOF.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readErr
}

// Send writes one packet.
func (c *Conn) Send(p Packet) error {
	return c.sender.Send(p)
}

// CloseSend stops further writes.
func (c *Conn) CloseSend() {
	c.sender.Close()
}

// Call sends req and waits for the response with the same id. The
// wait ends with ErrRPCTimeout after timeout, ctx.Err() on
// cancellation, or ErrConnClosed if the stream ends.
func (c *Conn) Call(ctx context.Context, req RPCRequest, timeout time.Duration) (RPCResponse, error) {
	reqID := req.GetReqID()
	if reqID == "" {
		return nil, fmt.Errorf("%s request has no reqid", req.PacketType())
	}
	responses := make(chan RPCResponse, 1)
	c.mu.Lock()
	if _, exists := c.pending[reqID]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("duplicate reqid %s", reqID)
	}
	c.pending[reqID] = responses
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, reqID)
		c.mu.Unlock()
	}()

	if err := c.Send(req); err != nil {
		return nil, err
	}
	select {
	case response := <-responses:
		return response, nil
	case <-c.clock.After(timeout):
		return nil, fmt.Errorf("%s %s: %w", req.PacketType(), reqID, ErrRPCTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		// A response racing with EOF may already be queued.
		select {
		case response := <-responses:
			return response, nil
		default:
		}
		return nil, fmt.Errorf("%s %s: %w", req.PacketType(), reqID, ErrConnClosed)
	}
}

func (c *Conn) readLoop(r io.Reader) {
	defer close(c.done)
	defer close(c.packets)

	reader := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			c.dispatch(line)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.mu.Lock()
				c.readErr = err
				c.mu.Unlock()
			}
			return
		}
	}
}

func (c *Conn) dispatch(line []byte) {
	p, err := ParseLine(line)
	if err != nil {
		c.logger.Warn("dropping malformed packet frame", "error", err, "length", len(line))
		c.packets <- &RawPacket{Data: fmt.Sprintf("[malformed packet: %v]", err)}
		return
	}
	if response, ok := p.(RPCResponse); ok {
		c.mu.Lock()
		waiter, found := c.pending[response.GetRespID()]
		if found {
			delete(c.pending, response.GetRespID())
		}
		c.mu.Unlock()
		if found {
			waiter <- response
			return
		}
	}
	c.packets <- p
}
