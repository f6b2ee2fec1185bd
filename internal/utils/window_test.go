package utils

import (
	"testing"
	"time"
)

func TestSlidingWindowAdd(t *testing.T) {
	window := NewSlidingWindow(2 * time.Second)
	now := time.Now()
	if count := window.Add(now); count != 1 {
		t.Fatalf("expected 1, got %d", count)
	}
	window.Add(now.Add(500 * time.Millisecond))
	if count := window.Count(now.Add(1 * time.Second)); count != 2 {
		t.Fatalf("expected 2, got %d", count)
	}
	if count := window.Count(now.Add(3 * time.Second)); count != 0 {
		t.Fatalf("expected 0, got %d", count)
	}
}

func TestTrim(t *testing.T) {
	now := time.Unix(1000, 0)
	hits := []time.Time{now.Add(-90 * time.Second), now.Add(-30 * time.Second), now}
	trimmed := Trim(hits, now.Add(-60*time.Second))
	if len(trimmed) != 2 {
		t.Fatalf("expected 2, got %d", len(trimmed))
	}
	if !trimmed[0].Equal(now.Add(-30 * time.Second)) {
		t.Fatalf("wrong first element: %v", trimmed[0])
	}
}

func TestCountSince(t *testing.T) {
	now := time.Unix(1000, 0)
	hits := []time.Time{now.Add(-3 * time.Second), now.Add(-2 * time.Second), now.Add(-1 * time.Second)}
	if got := CountSince(hits, now.Add(-2500*time.Millisecond)); got != 2 {
		t.Fatalf("expected 2, got %d", got)
	}
	if got := CountSince(nil, now); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
}
