// Converge - Conversion Delivery and Reconciliation Engine
// Copyright 2026 Yamakawa Tours Engineering
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yamakawa-tours/converge

package clock

import (
	"sync"
	"time"
)

// Mock is a controllable clock for tests. After returns immediately while
// recording the requested duration, so retry loops run without sleeping
// and tests can assert the exact delays that would have been waited.
type Mock struct {
	mu      sync.Mutex
	now     time.Time
	waited  []time.Duration
	tickers []*MockTicker
}

// NewMock creates a mock clock frozen at the given time.
func NewMock(now time.Time) *Mock {
	return &Mock{now: now}
}

// Now returns the mock's current time.
func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock's current time forward.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// After records the duration and fires immediately at now+d.
func (m *Mock) After(d time.Duration) <-chan time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.waited = append(m.waited, d)
	m.now = m.now.Add(d)
	ch := make(chan time.Time, 1)
	ch <- m.now
	return ch
}

// Waited returns every duration passed to After, in call order.
func (m *Mock) Waited() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]time.Duration, len(m.waited))
	copy(out, m.waited)
	return out
}

// NewTicker returns a ticker that only fires when Tick is called.
func (m *Mock) NewTicker(d time.Duration) Ticker {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &MockTicker{ch: make(chan time.Time, 1), interval: d}
	m.tickers = append(m.tickers, t)
	return t
}

// Tickers returns every ticker created so far, in creation order.
func (m *Mock) Tickers() []*MockTicker {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*MockTicker, len(m.tickers))
	copy(out, m.tickers)
	return out
}

// MockTicker is a manually driven Ticker.
type MockTicker struct {
	ch       chan time.Time
	interval time.Duration
	stopped  sync.Once
}

// C returns the tick channel.
func (t *MockTicker) C() <-chan time.Time {
	return t.ch
}

// Stop marks the ticker stopped. Pending ticks are not drained.
func (t *MockTicker) Stop() {
	t.stopped.Do(func() {})
}

// Interval returns the duration the ticker was created with.
func (t *MockTicker) Interval() time.Duration {
	return t.interval
}

// Tick fires one tick carrying the given time. It blocks if the previous
// tick has not been consumed, mirroring time.Ticker's 1-buffer channel.
func (t *MockTicker) Tick(now time.Time) {
	t.ch <- now
}
