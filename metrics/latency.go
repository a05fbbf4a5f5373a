package metrics

import (
	"sort"
	"time"
)

// number of accept-call samples per reporting window
const DefaultWindowSize = 10000

type LatencyStats struct {
	Window int
	Avg    time.Duration
	Median time.Duration
	P95    time.Duration
	P99    time.Duration
}

// LatencyWindow is a fixed-size rolling window of duration samples with an
// explicit report/reset cycle. It is owned by a single caller and is not
// safe for concurrent use.
type LatencyWindow struct {
	samples []time.Duration
	i       int
}

func NewLatencyWindow(size int) *LatencyWindow {
	if size <= 0 {
		size = DefaultWindowSize
	}
	return &LatencyWindow{
		samples: make([]time.Duration, size),
	}
}

// records a sample; when the window fills up, returns the statistics over the
// full window and resets the sample index
func (lw *LatencyWindow) Observe(d time.Duration) (LatencyStats, bool) {
	lw.samples[lw.i] = d
	lw.i++
	if lw.i < len(lw.samples) {
		return LatencyStats{}, false
	}
	lw.i = 0
	return lw.stats(), true
}

func (lw *LatencyWindow) stats() LatencyStats {
	sorted := make([]time.Duration, len(lw.samples))
	copy(sorted, lw.samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return LatencyStats{
		Window: len(sorted),
		Avg:    sum / time.Duration(len(sorted)),
		Median: percentile(sorted, 50),
		P95:    percentile(sorted, 95),
		P99:    percentile(sorted, 99),
	}
}

func percentile(sorted []time.Duration, p int) time.Duration {
	idx := len(sorted) * p / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
