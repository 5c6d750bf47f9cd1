package monitoring

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// LinkCounters are the receive and send path counters of one controller.
// All fields are safe for concurrent use.
type LinkCounters struct {
	FramesOK        atomic.Uint64
	CRCMismatches   atomic.Uint64
	BadStartMarkers atomic.Uint64
	SyncFailures    atomic.Uint64
	ReadErrors      atomic.Uint64
	WriteErrors     atomic.Uint64
	DelayExhausted  atomic.Uint64
	CommandsSent    atomic.Uint64
	CommandsDropped atomic.Uint64
}

// CounterSnapshot is a point-in-time copy of LinkCounters.
type CounterSnapshot struct {
	FramesOK        uint64 `json:"frames_ok"`
	CRCMismatches   uint64 `json:"crc_mismatches"`
	BadStartMarkers uint64 `json:"bad_start_markers"`
	SyncFailures    uint64 `json:"sync_failures"`
	ReadErrors      uint64 `json:"read_errors"`
	WriteErrors     uint64 `json:"write_errors"`
	DelayExhausted  uint64 `json:"delay_exhausted"`
	CommandsSent    uint64 `json:"commands_sent"`
	CommandsDropped uint64 `json:"commands_dropped"`
}

// Snapshot copies the current counter values.
func (c *LinkCounters) Snapshot() CounterSnapshot {
	return CounterSnapshot{
		FramesOK:        c.FramesOK.Load(),
		CRCMismatches:   c.CRCMismatches.Load(),
		BadStartMarkers: c.BadStartMarkers.Load(),
		SyncFailures:    c.SyncFailures.Load(),
		ReadErrors:      c.ReadErrors.Load(),
		WriteErrors:     c.WriteErrors.Load(),
		DelayExhausted:  c.DelayExhausted.Load(),
		CommandsSent:    c.CommandsSent.Load(),
		CommandsDropped: c.CommandsDropped.Load(),
	}
}

func (s CounterSnapshot) String() string {
	return fmt.Sprintf("ok=%d crc=%d badsof=%d syncfail=%d rerr=%d werr=%d exhausted=%d sent=%d dropped=%d",
		s.FramesOK, s.CRCMismatches, s.BadStartMarkers, s.SyncFailures,
		s.ReadErrors, s.WriteErrors, s.DelayExhausted, s.CommandsSent, s.CommandsDropped)
}

// DefaultIntervalWindow is the number of intervals IntervalStats keeps.
const DefaultIntervalWindow = 256

// IntervalStats tracks the spacing between successive events (decoded
// frames) over a sliding window.
type IntervalStats struct {
	mu     sync.Mutex
	last   time.Time
	window []float64
	next   int
	full   bool
}

// NewIntervalStats returns an IntervalStats over the last size intervals.
func NewIntervalStats(size int) *IntervalStats {
	if size <= 0 {
		size = DefaultIntervalWindow
	}
	return &IntervalStats{window: make([]float64, size)}
}

// Mark records an event at t. The first event only sets the reference time.
// A t earlier than the previous mark is ignored.
func (s *IntervalStats) Mark(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.last.IsZero() {
		s.last = t
		return
	}
	d := t.Sub(s.last)
	if d < 0 {
		return
	}
	s.last = t

	s.window[s.next] = d.Seconds() * 1000
	s.next++
	if s.next == len(s.window) {
		s.next = 0
		s.full = true
	}
}

// IntervalSummary describes the interval distribution in milliseconds.
type IntervalSummary struct {
	Count  int     `json:"count"`
	MeanMS float64 `json:"mean_ms"`
	StdMS  float64 `json:"std_ms"`
	MinMS  float64 `json:"min_ms"`
	MaxMS  float64 `json:"max_ms"`
	P95MS  float64 `json:"p95_ms"`
}

// Summary computes statistics over the current window.
func (s *IntervalStats) Summary() IntervalSummary {
	s.mu.Lock()
	n := s.next
	if s.full {
		n = len(s.window)
	}
	xs := make([]float64, n)
	copy(xs, s.window[:n])
	s.mu.Unlock()

	if n == 0 {
		return IntervalSummary{}
	}

	sum := IntervalSummary{Count: n, MinMS: floats.Min(xs), MaxMS: floats.Max(xs)}
	if n == 1 {
		sum.MeanMS = xs[0]
		sum.P95MS = xs[0]
		return sum
	}
	sum.MeanMS, sum.StdMS = stat.MeanStdDev(xs, nil)
	sort.Float64s(xs)
	sum.P95MS = stat.Quantile(0.95, stat.Empirical, xs, nil)
	return sum
}

func (s IntervalSummary) String() string {
	return fmt.Sprintf("n=%d mean=%.2fms std=%.2fms min=%.2fms max=%.2fms p95=%.2fms",
		s.Count, s.MeanMS, s.StdMS, s.MinMS, s.MaxMS, s.P95MS)
}
