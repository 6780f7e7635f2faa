package lookup

import "sync"

// MapStatsSink accumulates named counters behind a mutex, safe for
// concurrent lookups sharing one sink, for callers with no metrics system
// wired in yet and for tests that assert on specific counters (spec.md §8
// concrete scenario 5).
type MapStatsSink struct {
	mu       sync.Mutex
	counters map[string]uint64
}

// NewMapStatsSink returns an empty, ready-to-use sink.
func NewMapStatsSink() *MapStatsSink {
	return &MapStatsSink{counters: make(map[string]uint64)}
}

// Add implements StatsSink.
func (s *MapStatsSink) Add(counter string, delta uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[counter] += delta
}

// Get returns the current value of counter, or 0 if it was never touched.
func (s *MapStatsSink) Get(counter string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[counter]
}
