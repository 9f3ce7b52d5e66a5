package logging

import (
	"slices"
	"sync"
	"time"
)

// LogEntry represents a single log line stored in the ring buffer.
type LogEntry struct {
	Timestamp  time.Time      `json:"timestamp"`
	Level      string         `json:"level"`
	Module     string         `json:"module"`
	Message    string         `json:"message"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// RingBuffer keeps the most recent log entries. It is safe for concurrent use.
type RingBuffer struct {
	mu      sync.RWMutex
	entries []LogEntry
	next    int
	full    bool
}

// NewRingBuffer creates a buffer holding up to size entries.
func NewRingBuffer(size int) *RingBuffer {
	return &RingBuffer{entries: make([]LogEntry, max(size, 1))}
}

// Write adds an entry, dropping the oldest one when the buffer is full.
func (rb *RingBuffer) Write(entry LogEntry) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.entries[rb.next] = entry
	rb.next++
	if rb.next == len(rb.entries) {
		rb.next = 0
		rb.full = true
	}
}

// Count returns the number of entries held.
func (rb *RingBuffer) Count() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count()
}

// ReadAll returns every entry held, oldest first.
func (rb *RingBuffer) ReadAll() []LogEntry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	n := rb.count()
	if n == 0 {
		return nil
	}
	out := make([]LogEntry, n)
	for i := range n {
		out[i] = rb.at(i)
	}
	return out
}

// Tail returns up to n of the most recent entries accepted by keep, oldest
// first. A nil keep accepts every entry. keep runs under the buffer's read
// lock and must not write to it.
func (rb *RingBuffer) Tail(n int, keep func(LogEntry) bool) []LogEntry {
	if n <= 0 {
		return nil
	}
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	var picked []LogEntry
	for i := rb.count() - 1; i >= 0 && len(picked) < n; i-- {
		if e := rb.at(i); keep == nil || keep(e) {
			picked = append(picked, e)
		}
	}
	slices.Reverse(picked)
	return picked
}

func (rb *RingBuffer) count() int {
	if rb.full {
		return len(rb.entries)
	}
	return rb.next
}

// at returns the i-th oldest entry.
func (rb *RingBuffer) at(i int) LogEntry {
	start := 0
	if rb.full {
		start = rb.next
	}
	return rb.entries[(start+i)%len(rb.entries)]
}
