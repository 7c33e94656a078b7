// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package userinput_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bureau-foundation/outpost/lib/clock"
	"github.com/bureau-foundation/outpost/lib/testutil"
	"github.com/bureau-foundation/outpost/userinput"
)

type result struct {
	response userinput.Response
	err      error
}

func ask(broker *userinput.Broker, ctx context.Context, req userinput.Request) <-chan result {
	results := make(chan result, 1)
	go func() {
		response, err := broker.Ask(ctx, req)
		results <- result{response, err}
	}()
	return results
}

func TestAskRespond(t *testing.T) {
	broker := userinput.New(userinput.Config{Clock: clock.Fake(time.Unix(0, 0))})
	results := ask(broker, context.Background(), userinput.Request{Title: "password", Sensitive: true, Timeout: time.Minute})

	req := testutil.RequireReceive(t, broker.Requests(), 5*time.Second, "request")
	if req.ID == "" || req.Kind != userinput.KindText || !req.Sensitive {
		t.Fatalf("request = %+v", req)
	}
	if err := broker.Respond(userinput.Response{ID: req.ID, Text: "hunter2"}); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	got := testutil.RequireReceive(t, results, 5*time.Second, "answer")
	if got.err != nil || got.response.Text != "hunter2" {
		t.Fatalf("Ask = %+v, %v", got.response, got.err)
	}
	if err := broker.Respond(userinput.Response{ID: req.ID}); !errors.Is(err, userinput.ErrUnknownRequest) {
		t.Errorf("second Respond = %v, want ErrUnknownRequest", err)
	}
}

func TestAskTimeout(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	broker := userinput.New(userinput.Config{Clock: fake})
	results := ask(broker, context.Background(), userinput.Request{Title: "password", Timeout: 60 * time.Second})
	req := testutil.RequireReceive(t, broker.Requests(), 5*time.Second, "request")
	if want := time.Unix(60, 0); !req.Deadline.Equal(want) {
		t.Errorf("deadline = %v, want %v", req.Deadline, want)
	}
	fake.WaitForTimers(1)
	fake.Advance(60 * time.Second)
	got := testutil.RequireReceive(t, results, 5*time.Second, "answer")
	if !errors.Is(got.err, userinput.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", got.err)
	}
}

func TestAskCanceled(t *testing.T) {
	broker := userinput.New(userinput.Config{Clock: clock.Fake(time.Unix(0, 0))})
	ctx, cancel := context.WithCancel(context.Background())
	results := ask(broker, ctx, userinput.Request{Title: "install?"})
	testutil.RequireReceive(t, broker.Requests(), 5*time.Second, "request")
	cancel()
	got := testutil.RequireReceive(t, results, 5*time.Second, "answer")
	if !errors.Is(got.err, userinput.ErrCanceled) || !errors.Is(got.err, context.Canceled) {
		t.Fatalf("err = %v, want ErrCanceled wrapping context.Canceled", got.err)
	}
	if errors.Is(got.err, userinput.ErrTimeout) {
		t.Error("cancellation reported as a timeout")
	}
}

func TestConfirmDismissed(t *testing.T) {
	broker := userinput.New(userinput.Config{Clock: clock.Fake(time.Unix(0, 0))})
	results := make(chan error, 1)
	go func() {
		_, err := broker.Confirm(context.Background(), "install", "restart helper?", time.Minute)
		results <- err
	}()
	req := testutil.RequireReceive(t, broker.Requests(), 5*time.Second, "request")
	if req.Kind != userinput.KindConfirm {
		t.Fatalf("kind = %s", req.Kind)
	}
	broker.Respond(userinput.Response{ID: req.ID, Canceled: true})
	if err := testutil.RequireReceive(t, results, 5*time.Second, "confirm"); !errors.Is(err, userinput.ErrCanceled) {
		t.Errorf("Confirm error = %v", err)
	}
}

func TestAskWithoutResponder(t *testing.T) {
	broker := userinput.New(userinput.Config{QueueSize: 1})
	go broker.Ask(context.Background(), userinput.Request{Title: "first", Timeout: time.Hour})
	// Wait for the first request to fill the queue.
	for len(broker.Requests()) == 0 {
		time.Sleep(time.Millisecond)
	}
	if _, err := broker.Ask(context.Background(), userinput.Request{Title: "second"}); !errors.Is(err, userinput.ErrNoResponder) {
		t.Errorf("Ask with full queue = %v, want ErrNoResponder", err)
	}
}
