package monitoring

import (
	"log"
	"sync/atomic"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Sampler logs only every Nth event. It is used on the receive path, where a
// noisy line can produce a bad frame every few milliseconds.
type Sampler struct {
	every uint64
	n     atomic.Uint64
}

// NewSampler returns a Sampler that logs the first event and then every
// every-th one. every <= 1 logs everything.
func NewSampler(every int) *Sampler {
	if every < 1 {
		every = 1
	}
	return &Sampler{every: uint64(every)}
}

// Logf counts the event and logs it through Logf when it is due. The running
// event count is appended to the arguments, so format should end with a %d.
func (s *Sampler) Logf(format string, v ...interface{}) bool {
	n := s.n.Add(1)
	if (n-1)%s.every != 0 {
		return false
	}
	Logf(format, append(v, n)...)
	return true
}

// Count returns the number of events seen.
func (s *Sampler) Count() uint64 {
	return s.n.Load()
}
