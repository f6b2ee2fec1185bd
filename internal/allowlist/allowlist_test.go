package allowlist

import (
	"testing"
	"time"
)

type fakeClock struct{ now time.Time }

func (f fakeClock) Now() time.Time { return f.now }

func TestAllowlistExpiry(t *testing.T) {
	list := New()
	clock := &fakeClock{now: time.Unix(0, 0)}
	list.WithClock(clock)

	list.Add("g1", "u1", 10*time.Minute)
	if !list.Allowed("g1", "u1") {
		t.Fatalf("expected allowed")
	}
	if list.Allowed("g1", "u2") {
		t.Fatalf("unexpected grant")
	}

	clock.now = clock.now.Add(11 * time.Minute)
	list.WithClock(*clock)
	if list.Allowed("g1", "u1") {
		t.Fatalf("expected expired")
	}
	if entries := list.List("g1"); len(entries) != 0 {
		t.Fatalf("expected swept, got %v", entries)
	}
}

func TestAllowlistListAndRemove(t *testing.T) {
	list := New()
	list.Add("g1", "u2", time.Hour)
	list.Add("g1", "u1", time.Hour)
	list.Add("g2", "u3", time.Hour)

	entries := list.List("g1")
	if len(entries) != 2 || entries[0].UserID != "u1" || entries[1].UserID != "u2" {
		t.Fatalf("unexpected entries: %v", entries)
	}

	if !list.Remove("g1", "u1") {
		t.Fatalf("expected removal")
	}
	if list.Remove("g1", "u1") {
		t.Fatalf("expected already gone")
	}
}
