package gateway

import (
	"sync"
	"time"
)

type failureRecord struct {
	count       int
	lastFailure time.Time
}

// Throttle tracks failed authentications per originating address and blocks
// new attempts once a threshold is hit inside a rolling window. Records
// expire lazily on the next check; there is no background sweep.
type Throttle struct {
	mu       sync.Mutex
	failures map[string]*failureRecord

	limit  int
	window time.Duration
	now    func() time.Time
}

func NewThrottle(limit int, window time.Duration) *Throttle {
	return &Throttle{
		failures: make(map[string]*failureRecord),
		limit:    limit,
		window:   window,
		now:      time.Now,
	}
}

// Blocked reports whether new connection attempts from the address should be
// rejected before any authentication work. An expired record is dropped as a
// side effect.
func (t *Throttle) Blocked(addr string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.failures[addr]
	if !ok {
		return false
	}

	if t.now().Sub(rec.lastFailure) > t.window {
		delete(t.failures, addr)
		return false
	}

	return rec.count >= t.limit
}

// RecordFailure notes a failed authentication from the address.
func (t *Throttle) RecordFailure(addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if rec, ok := t.failures[addr]; ok {
		rec.count++
		rec.lastFailure = t.now()
		return
	}
	t.failures[addr] = &failureRecord{count: 1, lastFailure: t.now()}
}

// FailureCount returns the current count for an address, zero if none.
func (t *Throttle) FailureCount(addr string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if rec, ok := t.failures[addr]; ok {
		return rec.count
	}
	return 0
}
