// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package eventbus fans events out to subscribers by topic.
//
// Publish never blocks: each subscriber has a bounded queue and events
// that do not fit are dropped for that subscriber and counted. This
// lets the connection manager publish while holding no locks and
// without spawning a goroutine per notification.
package eventbus

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// AllTopics subscribes to every topic.
const AllTopics = "*"

// DefaultDepth is the per-subscriber queue length.
const DefaultDepth = 256

// Bus delivers events of type E.
type Bus[E any] struct {
	mu      sync.Mutex
	subs    map[string]map[*subscription[E]]struct{}
	depth   int
	logger  *slog.Logger
	dropped atomic.Uint64
}

type subscription[E any] struct {
	ch     chan E
	closed bool
}

// New returns a Bus. depth <= 0 means DefaultDepth.
func New[E any](depth int, logger *slog.Logger) *Bus[E] {
	if depth <= 0 {
		depth = DefaultDepth
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Bus[E]{
		subs:   make(map[string]map[*subscription[E]]struct{}),
		depth:  depth,
		logger: logger,
	}
}

// Subscribe returns a channel of events published on topic (or on any
// topic for AllTopics) and a function that unsubscribes and closes it.
func (b *Bus[E]) Subscribe(topic string) (<-chan E, func()) {
	sub := &subscription[E]{ch: make(chan E, b.depth)}
	b.mu.Lock()
	topicSubs := b.subs[topic]
	if topicSubs == nil {
		topicSubs = make(map[*subscription[E]]struct{})
		b.subs[topic] = topicSubs
	}
	topicSubs[sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if subs := b.subs[topic]; subs != nil {
				delete(subs, sub)
				if len(subs) == 0 {
					delete(b.subs, topic)
				}
			}
			sub.closed = true
			close(sub.ch)
		})
	}
}

// Publish delivers event to subscribers of topic and of AllTopics.
func (b *Bus[E]) Publish(topic string, event E) {
	b.mu.Lock()
	defer b.mu.Unlock()
	dropped := 0
	for _, key := range []string{topic, AllTopics} {
		for sub := range b.subs[key] {
			if sub.closed {
				continue
			}
			select {
			case sub.ch <- event:
			default:
				dropped++
			}
		}
	}
	if dropped > 0 {
		b.dropped.Add(uint64(dropped))
		b.logger.Debug("eventbus dropped events", "topic", topic, "count", dropped)
	}
}

// Dropped returns the number of events dropped for slow subscribers.
func (b *Bus[E]) Dropped() uint64 {
	return b.dropped.Load()
}
