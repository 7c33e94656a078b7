// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a Clock whose time only moves when Advance is called.
// Safe for concurrent use.
type FakeClock struct {
	mu      sync.Mutex
	changed *sync.Cond
	now     time.Time
	pending []*fakeTimer
}

type fakeTimer struct {
	when     time.Time
	period   time.Duration // zero for one-shot timers
	channel  chan time.Time
	canceled bool
}

// Fake returns a FakeClock frozen at start.
func Fake(start time.Time) *FakeClock {
	fake := &FakeClock{now: start}
	fake.changed = sync.NewCond(&fake.mu)
	return fake
}

// Now returns the fake current time.
func (f *FakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// After registers a one-shot timer that fires when the clock is
// advanced past now+d.
func (f *FakeClock) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- f.now
		return channel
	}
	f.addLocked(&fakeTimer{when: f.now.Add(d), channel: channel})
	return channel
}

// NewTicker registers a periodic timer.
func (f *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	timer := &fakeTimer{when: f.now.Add(d), period: d, channel: make(chan time.Time, 1)}
	f.addLocked(timer)
	return &Ticker{
		C: timer.channel,
		stop: func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			timer.canceled = true
			f.removeLocked(timer)
		},
	}
}

// Sleep blocks until the clock has been advanced by at least d.
func (f *FakeClock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	<-f.After(d)
}

// Advance moves time forward by d and fires every timer whose deadline
// falls inside the window, in deadline order. A ticker spanning several
// periods fires once per period; ticks that do not fit in the channel
// buffer are dropped.
func (f *FakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	target := f.now
	var due []firing
	for {
		timer := f.earliestLocked()
		if timer == nil || timer.when.After(target) {
			break
		}
		due = append(due, firing{timer: timer, at: timer.when})
		if timer.period > 0 {
			timer.when = timer.when.Add(timer.period)
		} else {
			f.removeLocked(timer)
		}
	}
	f.mu.Unlock()

	for _, fire := range due {
		select {
		case fire.timer.channel <- fire.at:
		default:
		}
	}
}

type firing struct {
	timer *fakeTimer
	at    time.Time
}

// WaitForTimers blocks until at least n timers or tickers are pending.
// Call it after starting a goroutine and before Advance so the goroutine
// has registered the timer the test intends to fire.
func (f *FakeClock) WaitForTimers(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for len(f.pending) < n {
		f.changed.Wait()
	}
}

// PendingTimers returns the number of registered timers and tickers.
func (f *FakeClock) PendingTimers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

func (f *FakeClock) addLocked(timer *fakeTimer) {
	f.pending = append(f.pending, timer)
	f.changed.Broadcast()
}

func (f *FakeClock) removeLocked(timer *fakeTimer) {
	for i, candidate := range f.pending {
		if candidate == timer {
			f.pending = append(f.pending[:i], f.pending[i+1:]...)
			return
		}
	}
}

func (f *FakeClock) earliestLocked() *fakeTimer {
	if len(f.pending) == 0 {
		return nil
	}
	sort.SliceStable(f.pending, func(i, j int) bool {
		return f.pending[i].when.Before(f.pending[j].when)
	})
	return f.pending[0]
}
