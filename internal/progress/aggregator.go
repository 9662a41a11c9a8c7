package progress

import (
	"math"
	"sync"
)

// Aggregator combines the progress of the parts of one multipart upload
// into a single percentage.
//
// Overall progress is the sum of every known part's percentage divided by the
// total number of parts, so parts that have not reported yet count as 0 and the
// result never exceeds 100. The per-part map only grows.
type Aggregator struct {
	mu         sync.Mutex
	totalParts int
	parts      map[int]float64
	overall    float64
	onChange   func(float64)
}

// NewAggregator creates an aggregator for totalParts parts. onChange, if not
// nil, receives the recomputed overall value after every update. Calls are
// serialized.
func NewAggregator(totalParts int, onChange func(float64)) *Aggregator {
	return &Aggregator{
		totalParts: totalParts,
		parts:      make(map[int]float64, totalParts),
		onChange:   onChange,
	}
}

// Update records the latest percentage for partNumber and returns the new overall value.
// A later update for the same part overwrites the earlier one.
func (a *Aggregator) Update(partNumber int, percent float64) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.parts[partNumber] = percent

	if a.totalParts > 0 {
		var sum float64
		for _, p := range a.parts {
			sum += p
		}
		a.overall = math.Round(sum*100/float64(a.totalParts)) / 100
	}

	if a.onChange != nil {
		a.onChange(a.overall)
	}
	return a.overall
}

// Overall returns the last computed overall percentage.
func (a *Aggregator) Overall() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.overall
}

// Known returns how many parts have reported at least once.
func (a *Aggregator) Known() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.parts)
}

// Percent converts done/total into a percentage rounded to two decimals.
func Percent(done, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return math.Round(float64(done)*10000/float64(total)) / 100
}
