package store

import (
	"math"
	"sort"
	"sync"
)

// Series is the sorted, append-only sample collection of one metric.
// Writers hold mu exclusively for the whole search-and-shift, so readers
// only ever see the state before or after an insertion.
type Series struct {
	mu     sync.RWMutex
	values []float64
}

func newSeries() *Series {
	return &Series{values: make([]float64, 0)}
}

// less is the ordering used by sort.Float64s: NaN sorts first.
func less(a, b float64) bool {
	return a < b || (math.IsNaN(a) && !math.IsNaN(b))
}

// insert places v at its sorted position and returns the new length.
// Cost is O(log n) to search plus O(n) to shift.
func (s *Series) insert(v float64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := sort.Search(len(s.values), func(i int) bool {
		return !less(s.values[i], v)
	})

	s.values = append(s.values, 0)
	copy(s.values[i+1:], s.values[i:])
	s.values[i] = v

	return len(s.values)
}

func (s *Series) snapshot() []float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]float64, len(s.values))
	copy(out, s.values)
	return out
}

func (s *Series) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}

func (s *Series) min() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.values) == 0 {
		return 0
	}
	return s.values[0]
}

func (s *Series) max() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.values) == 0 {
		return 0
	}
	return s.values[len(s.values)-1]
}

func (s *Series) median() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.values)
	if n == 0 {
		return 0
	}

	mid := n / 2
	if n%2 == 0 {
		return (s.values[mid-1] + s.values[mid]) / 2
	}
	return s.values[mid]
}

func (s *Series) mean() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.values) == 0 {
		return 0
	}

	var sum float64
	for _, v := range s.values {
		sum += v
	}
	return sum / float64(len(s.values))
}
