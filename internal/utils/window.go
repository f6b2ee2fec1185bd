package utils

import (
	"sync"
	"time"
)

// Trim drops every timestamp at or before cutoff and returns the remaining
// slice. The input must be in ascending order; the result shares the input's
// backing array.
func Trim(hits []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for _, hit := range hits {
		if hit.After(cutoff) {
			break
		}
		idx++
	}
	return hits[idx:]
}

// CountSince returns how many timestamps fall strictly after cutoff without
// mutating the slice.
func CountSince(hits []time.Time, cutoff time.Time) int {
	count := 0
	for i := len(hits) - 1; i >= 0; i-- {
		if !hits[i].After(cutoff) {
			break
		}
		count++
	}
	return count
}

// SlidingWindow is a mutex-guarded rolling window of event timestamps.
type SlidingWindow struct {
	mu     sync.Mutex
	window time.Duration
	hits   []time.Time
}

func NewSlidingWindow(window time.Duration) *SlidingWindow {
	return &SlidingWindow{window: window}
}

// Add records an event at now and returns the number of events still inside
// the window.
func (w *SlidingWindow) Add(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.hits = Trim(w.hits, now.Add(-w.window))
	w.hits = append(w.hits, now)
	return len(w.hits)
}

// Count trims expired events and returns the live count.
func (w *SlidingWindow) Count(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.hits = Trim(w.hits, now.Add(-w.window))
	return len(w.hits)
}
