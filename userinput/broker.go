// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package userinput is the out-of-band prompt channel between the
// connection manager and whatever UI is attached. The manager calls
// Ask and blocks; the UI reads Requests and answers with Respond.
package userinput

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/outpost/lib/clock"
)

var (
	// ErrTimeout is returned by Ask when nobody answers in time.
	ErrTimeout = errors.New("user input timed out")

	// ErrCanceled is returned by Ask when the caller's context ends or
	// the user dismissed the prompt.
	ErrCanceled = errors.New("user input canceled")

	// ErrUnknownRequest is returned by Respond for an id that is not
	// pending (already answered, timed out, or never asked).
	ErrUnknownRequest = errors.New("no pending user input request")

	// ErrNoResponder is returned by Ask when no UI is draining
	// Requests.
	ErrNoResponder = errors.New("no user input responder attached")
)

// Kind selects the prompt style.
type Kind string

const (
	KindText    Kind = "text"
	KindConfirm Kind = "confirm"
)

// Request is one prompt.
type Request struct {
	ID      string
	Kind    Kind
	Title   string
	Message string

	// Sensitive asks the UI not to echo the answer.
	Sensitive bool

	// Timeout bounds the wait. Zero means DefaultTimeout.
	Timeout time.Duration

	// Deadline is set by Ask so UIs can show a countdown.
	Deadline time.Time
}

// Response answers a Request.
type Response struct {
	ID        string
	Text      string
	Confirmed bool

	// Canceled reports that the user dismissed the prompt.
	Canceled bool
}

// DefaultTimeout applies to requests without a Timeout.
const DefaultTimeout = 60 * time.Second

// Config configures New.
type Config struct {
	Clock  clock.Clock
	Logger *slog.Logger

	// QueueSize is the capacity of the Requests channel. Defaults to 16.
	QueueSize int
}

// Broker pairs prompts with answers.
type Broker struct {
	clock    clock.Clock
	logger   *slog.Logger
	requests chan Request

	mu      sync.Mutex
	pending map[string]chan Response
}

// New returns a Broker.
func New(cfg Config) *Broker {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	return &Broker{
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		requests: make(chan Request, cfg.QueueSize),
		pending:  make(map[string]chan Response),
	}
}

// Requests delivers prompts to the UI.
func (b *Broker) Requests() <-chan Request { return b.requests }

// Ask publishes req and waits for its answer. A dismissed prompt and a
// canceled ctx both yield ErrCanceled; ctx's own error is wrapped too.
func (b *Broker) Ask(ctx context.Context, req Request) (Response, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Kind == "" {
		req.Kind = KindText
	}
	if req.Timeout <= 0 {
		req.Timeout = DefaultTimeout
	}
	req.Deadline = b.clock.Now().Add(req.Timeout)

	answer := make(chan Response, 1)
	b.mu.Lock()
	b.pending[req.ID] = answer
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, req.ID)
		b.mu.Unlock()
	}()

	select {
	case b.requests <- req:
	default:
		return Response{}, ErrNoResponder
	}
	b.logger.Debug("user input requested", "id", req.ID, "kind", string(req.Kind), "title", req.Title)

	select {
	case response := <-answer:
		if response.Canceled {
			return response, ErrCanceled
		}
		return response, nil
	case <-b.clock.After(req.Timeout):
		return Response{}, fmt.Errorf("%s: %w", req.Title, ErrTimeout)
	case <-ctx.Done():
		return Response{}, fmt.Errorf("%w: %w", ErrCanceled, ctx.Err())
	}
}

// Respond delivers the answer to a pending request.
func (b *Broker) Respond(response Response) error {
	b.mu.Lock()
	answer, ok := b.pending[response.ID]
	if ok {
		delete(b.pending, response.ID)
	}
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", response.ID, ErrUnknownRequest)
	}
	answer <- response
	return nil
}

// Confirm asks a yes/no question.
func (b *Broker) Confirm(ctx context.Context, title, message string, timeout time.Duration) (bool, error) {
	response, err := b.Ask(ctx, Request{Kind: KindConfirm, Title: title, Message: message, Timeout: timeout})
	if err != nil {
		return false, err
	}
	return response.Confirmed, nil
}
