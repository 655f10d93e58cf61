package supervisor

import (
	"sync"
	"time"
)

// InflightTracker counts messages the child is currently processing so a
// soft shutdown can drain before signalling.
type InflightTracker struct {
	mu        sync.Mutex
	count     int
	accepting bool
	zero      chan struct{}
}

// NewInflightTracker starts in the accepting state.
func NewInflightTracker() *InflightTracker {
	return &InflightTracker{accepting: true}
}

// TrackMessage registers one in-flight message. Returns false when the
// supervisor is draining and new messages must be rejected.
func (t *InflightTracker) TrackMessage() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.accepting {
		return false
	}
	t.count++
	return true
}

// Release marks one message finished.
func (t *InflightTracker) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.count > 0 {
		t.count--
	}
	if t.count == 0 && t.zero != nil {
		close(t.zero)
		t.zero = nil
	}
}

// CanAcceptMessages reports whether new messages are admitted.
func (t *InflightTracker) CanAcceptMessages() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.accepting
}

// Count returns the number of in-flight messages.
func (t *InflightTracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// StopAccepting flips to draining: TrackMessage starts rejecting.
func (t *InflightTracker) StopAccepting() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.accepting = false
}

// WaitIdle blocks until the in-flight count reaches zero or the timeout
// elapses. Returns true when fully drained.
func (t *InflightTracker) WaitIdle(timeout time.Duration) bool {
	t.mu.Lock()
	if t.count == 0 {
		t.mu.Unlock()
		return true
	}
	if t.zero == nil {
		t.zero = make(chan struct{})
	}
	zero := t.zero
	t.mu.Unlock()

	select {
	case <-zero:
		return true
	case <-time.After(timeout):
		return false
	}
}
