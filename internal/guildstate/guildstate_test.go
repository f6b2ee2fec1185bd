package guildstate

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeTimer struct {
	stopped bool
	fn      func()
}

func (t *fakeTimer) Stop() bool {
	t.stopped = true
	return true
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func (f *fakeClock) Now() time.Time { return f.now }

func (f *fakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{fn: fn}
	f.timers = append(f.timers, t)
	return t
}

func (f *fakeClock) Fire() {
	f.mu.Lock()
	pending := f.timers
	f.timers = nil
	f.mu.Unlock()
	for _, t := range pending {
		if !t.stopped {
			t.fn()
		}
	}
}

func TestEnsureLoadedOnce(t *testing.T) {
	var loads int32
	m := New(time.Second, func(ctx context.Context, guildID string) error {
		atomic.AddInt32(&loads, 1)
		return nil
	}, func(ctx context.Context, guildID string) error { return nil }, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.EnsureLoaded(context.Background(), "g1")
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&loads); got != 1 {
		t.Fatalf("expected 1 load, got %d", got)
	}
}

func TestMarkDirtyDebounces(t *testing.T) {
	var saves int32
	m := New(time.Second, func(ctx context.Context, guildID string) error { return nil },
		func(ctx context.Context, guildID string) error {
			atomic.AddInt32(&saves, 1)
			return nil
		}, zap.NewNop())
	clock := &fakeClock{now: time.Unix(0, 0)}
	m.WithClock(clock)

	m.MarkDirty("g1")
	m.MarkDirty("g1")
	m.MarkDirty("g1")
	clock.Fire()

	if got := atomic.LoadInt32(&saves); got != 1 {
		t.Fatalf("expected 1 coalesced save, got %d", got)
	}
}

func TestClearSuppressesLoadAndSave(t *testing.T) {
	var loads, saves int32
	m := New(time.Second, func(ctx context.Context, guildID string) error {
		atomic.AddInt32(&loads, 1)
		return nil
	}, func(ctx context.Context, guildID string) error {
		atomic.AddInt32(&saves, 1)
		return nil
	}, zap.NewNop())
	clock := &fakeClock{now: time.Unix(0, 0)}
	m.WithClock(clock)

	m.MarkDirty("g1")
	m.Clear("g1")
	clock.Fire()
	if got := atomic.LoadInt32(&saves); got != 0 {
		t.Fatalf("expected no save after clear, got %d", got)
	}

	if err := m.EnsureLoaded(context.Background(), "g1"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if got := atomic.LoadInt32(&loads); got != 0 {
		t.Fatalf("expected no load after clear, got %d", got)
	}

	m.Flush("g1")
	if got := atomic.LoadInt32(&saves); got != 0 {
		t.Fatalf("expected no flush save after clear, got %d", got)
	}
}

func TestDoSerializesPerGuild(t *testing.T) {
	m := New(time.Second, func(ctx context.Context, guildID string) error { return nil },
		func(ctx context.Context, guildID string) error { return nil }, zap.NewNop())

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Do("g1", func() { counter++ })
		}()
	}
	wg.Wait()
	if counter != 50 {
		t.Fatalf("expected 50, got %d", counter)
	}
}
