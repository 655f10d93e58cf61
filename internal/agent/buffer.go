package agent

import (
	"sync"
	"time"
)

// Line is one line of agent stderr.
type Line struct {
	Timestamp time.Time `json:"timestamp"`
	Content   string    `json:"content"`
}

// Subscriber is a channel that receives stderr lines as they arrive.
type Subscriber chan Line

// StderrBuffer is a ring buffer over the agent's stderr that supports
// live subscribers. The usage tracker reads /usage output through it.
type StderrBuffer struct {
	lines []Line
	size  int
	head  int
	count int
	mu    sync.RWMutex

	subscribers map[Subscriber]struct{}
	subMu       sync.RWMutex
}

// NewStderrBuffer creates a buffer with the given capacity.
func NewStderrBuffer(size int) *StderrBuffer {
	return &StderrBuffer{
		lines:       make([]Line, size),
		size:        size,
		subscribers: make(map[Subscriber]struct{}),
	}
}

// Add appends a line, evicting the oldest when full, and notifies
// subscribers without blocking.
func (b *StderrBuffer) Add(line Line) {
	b.mu.Lock()
	idx := (b.head + b.count) % b.size
	if b.count < b.size {
		b.count++
	} else {
		b.head = (b.head + 1) % b.size
	}
	b.lines[idx] = line
	b.mu.Unlock()

	b.subMu.RLock()
	for sub := range b.subscribers {
		select {
		case sub <- line:
		default:
			// Subscriber is slow, skip
		}
	}
	b.subMu.RUnlock()
}

// GetAll returns all buffered lines, oldest first.
func (b *StderrBuffer) GetAll() []Line {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]Line, b.count)
	for i := 0; i < b.count; i++ {
		result[i] = b.lines[(b.head+i)%b.size]
	}
	return result
}

// GetLast returns the last n lines.
func (b *StderrBuffer) GetLast(n int) []Line {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n > b.count {
		n = b.count
	}
	result := make([]Line, n)
	start := b.count - n
	for i := 0; i < n; i++ {
		result[i] = b.lines[(b.head+start+i)%b.size]
	}
	return result
}

// Subscribe returns a buffered channel receiving lines in real time.
func (b *StderrBuffer) Subscribe() Subscriber {
	sub := make(Subscriber, 100)
	b.subMu.Lock()
	b.subscribers[sub] = struct{}{}
	b.subMu.Unlock()
	return sub
}

// Unsubscribe removes and closes a subscriber.
func (b *StderrBuffer) Unsubscribe(sub Subscriber) {
	b.subMu.Lock()
	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
	b.subMu.Unlock()
}

// Count returns the number of buffered lines.
func (b *StderrBuffer) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Clear drops all buffered lines.
func (b *StderrBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head = 0
	b.count = 0
}
