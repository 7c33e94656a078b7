// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package eventbus_test

import (
	"testing"
	"time"

	"github.com/bureau-foundation/outpost/eventbus"
	"github.com/bureau-foundation/outpost/lib/testutil"
)

func TestPublishByTopic(t *testing.T) {
	bus := eventbus.New[string](4, nil)
	remoteEvents, unsubscribeRemote := bus.Subscribe("remote:a")
	defer unsubscribeRemote()
	all, unsubscribeAll := bus.Subscribe(eventbus.AllTopics)
	defer unsubscribeAll()

	bus.Publish("remote:a", "connected")
	bus.Publish("remote:b", "error")

	if got := testutil.RequireReceive(t, remoteEvents, time.Second, "topic event"); got != "connected" {
		t.Errorf("topic subscriber got %q", got)
	}
	testutil.RequireNoReceive(t, remoteEvents, 10*time.Millisecond, "other topic leaked")
	for _, want := range []string{"connected", "error"} {
		if got := testutil.RequireReceive(t, all, time.Second, "wildcard"); got != want {
			t.Errorf("wildcard subscriber got %q, want %q", got, want)
		}
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	bus := eventbus.New[int](2, nil)
	events, unsubscribe := bus.Subscribe("t")
	defer unsubscribe()
	for i := range 5 {
		bus.Publish("t", i)
	}
	if bus.Dropped() != 3 {
		t.Errorf("Dropped = %d, want 3", bus.Dropped())
	}
	if got := <-events; got != 0 {
		t.Errorf("first event = %d", got)
	}
}

func TestUnsubscribeCloses(t *testing.T) {
	bus := eventbus.New[int](1, nil)
	events, unsubscribe := bus.Subscribe("t")
	unsubscribe()
	unsubscribe()
	if _, ok := <-events; ok {
		t.Error("channel not closed after unsubscribe")
	}
	bus.Publish("t", 1)
}
