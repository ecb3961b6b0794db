// Package clock provides the time sources the exchange engine reads from.
package clock

import (
	"sync"
	"time"
)

// Source supplies the current time in milliseconds along with a confidence
// in [0, 1] that the reading agrees with the peers' consensus time.
type Source interface {
	NowMs() int64
	Confidence() float64
}

// System reads the local wall clock and reports full confidence.
type System struct{}

// NowMs returns the wall-clock time in milliseconds.
func (System) NowMs() int64 { return time.Now().UnixMilli() }

// Confidence always reports 1.
func (System) Confidence() float64 { return 1 }

// Manual is a settable source, safe for concurrent use.
type Manual struct {
	mu   sync.Mutex
	now  int64
	conf float64
}

// NewManual returns a manual source starting at nowMs.
func NewManual(nowMs int64) *Manual {
	return &Manual{now: nowMs, conf: 1}
}

// NowMs returns the current manual time.
func (m *Manual) NowMs() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Confidence returns the configured confidence.
func (m *Manual) Confidence() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conf
}

// Set moves the clock to nowMs.
func (m *Manual) Set(nowMs int64) {
	m.mu.Lock()
	m.now = nowMs
	m.mu.Unlock()
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now += d.Milliseconds()
	m.mu.Unlock()
}

// SetConfidence overrides the reported confidence.
func (m *Manual) SetConfidence(c float64) {
	m.mu.Lock()
	m.conf = c
	m.mu.Unlock()
}
