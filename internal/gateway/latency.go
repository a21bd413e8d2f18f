package gateway

import (
	"math"
	"sort"
	"sync"
)

// LatencyTracker keeps the last N commit-to-broadcast lags (ms) and reports
// percentiles over them.
type LatencyTracker struct {
	mu      sync.Mutex
	samples []float64
	next    int
	filled  bool
}

func NewLatencyTracker(capacity int) *LatencyTracker {
	if capacity <= 0 {
		capacity = 4096
	}
	return &LatencyTracker{samples: make([]float64, capacity)}
}

func (lt *LatencyTracker) Record(ms float64) {
	lt.mu.Lock()
	lt.samples[lt.next] = ms
	lt.next++
	if lt.next == len(lt.samples) {
		lt.next = 0
		lt.filled = true
	}
	lt.mu.Unlock()
}

// Percentiles returns p50, p95 and p99 using nearest-rank; zeros when empty.
func (lt *LatencyTracker) Percentiles() (p50, p95, p99 float64) {
	lt.mu.Lock()
	n := lt.next
	if lt.filled {
		n = len(lt.samples)
	}
	sorted := append([]float64(nil), lt.samples[:n]...)
	lt.mu.Unlock()

	if n == 0 {
		return 0, 0, 0
	}
	sort.Float64s(sorted)
	rank := func(p float64) float64 {
		i := int(math.Ceil(p*float64(n))) - 1
		if i < 0 {
			i = 0
		}
		if i >= n {
			i = n - 1
		}
		return sorted[i]
	}
	return rank(0.50), rank(0.95), rank(0.99)
}
