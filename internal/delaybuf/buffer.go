// Package delaybuf holds recent timestamped telemetry so that consumers can
// look up the state as it was a fixed delay ago, compensating for the latency
// between camera exposure and the gimbal report.
package delaybuf

import (
	"sync"
	"time"

	"github.com/banshee-data/aimlink/internal/frame"
)

// DefaultCapacity matches the controller's default state queue size.
const DefaultCapacity = 1000

// Entry is a decoded state and the time it was received.
type Entry struct {
	At    time.Time
	State frame.StateFrame
}

// Result is the answer to a Query.
type Result struct {
	Entry
	// Exhausted is set when no entry was young enough and the newest entry
	// was returned instead.
	Exhausted bool
}

// Buffer is a bounded FIFO of entries ordered by time. When full, Push evicts
// the oldest entry. It is safe for concurrent use.
type Buffer struct {
	mu      sync.Mutex
	entries []Entry
	head    int // index of the oldest entry
	n       int
}

// New returns a Buffer holding at most capacity entries. A non-positive
// capacity selects DefaultCapacity.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{entries: make([]Entry, capacity)}
}

// Push appends state received at at. Timestamps earlier than the newest entry
// are clamped to it so the buffer stays ordered.
func (b *Buffer) Push(at time.Time, state frame.StateFrame) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.n > 0 {
		if newest := b.entries[b.index(b.n-1)].At; at.Before(newest) {
			at = newest
		}
	}

	if b.n == len(b.entries) {
		b.entries[b.head] = Entry{At: at, State: state}
		b.head = (b.head + 1) % len(b.entries)
		return
	}
	b.entries[b.index(b.n)] = Entry{At: at, State: state}
	b.n++
}

func (b *Buffer) index(i int) int {
	return (b.head + i) % len(b.entries)
}

// Latest returns the newest entry.
func (b *Buffer) Latest() (Entry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.n == 0 {
		return Entry{}, false
	}
	return b.entries[b.index(b.n-1)], true
}

// Query returns the oldest entry whose age at now is below threshold. If no
// entry qualifies the newest entry is returned with Exhausted set. A
// threshold of zero or less disables the delay and returns the newest entry.
// The boolean is false only when the buffer is empty.
func (b *Buffer) Query(now time.Time, threshold time.Duration) (Result, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.n == 0 {
		return Result{}, false
	}
	newest := b.entries[b.index(b.n-1)]
	if threshold <= 0 {
		return Result{Entry: newest}, true
	}

	for i := 0; i < b.n; i++ {
		e := b.entries[b.index(i)]
		if now.Sub(e.At) < threshold {
			return Result{Entry: e}, true
		}
	}
	return Result{Entry: newest, Exhausted: true}, true
}

// Len returns the number of buffered entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.n
}

// Cap returns the buffer capacity.
func (b *Buffer) Cap() int {
	return len(b.entries)
}

// Snapshot returns the entries from oldest to newest.
func (b *Buffer) Snapshot() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Entry, b.n)
	for i := range out {
		out[i] = b.entries[b.index(i)]
	}
	return out
}
