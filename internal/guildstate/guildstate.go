// Package guildstate serializes all mutation of a guild's enforcement
// state and manages its persistence lifecycle: one exclusive critical
// section per guild, a cold load that runs at most once per process, and
// debounced write-behind saves.
package guildstate

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	Stop() bool
}

type realClock struct{}

type realTimer struct{ t *time.Timer }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return realTimer{t: time.AfterFunc(d, f)}
}

func (t realTimer) Stop() bool { return t.t.Stop() }

// LoadFunc populates in-memory state from the document store. SaveFunc
// writes it back. Both receive the guild id and must tolerate an
// unavailable store by succeeding as a no-op.
type (
	LoadFunc func(ctx context.Context, guildID string) error
	SaveFunc func(ctx context.Context, guildID string) error
)

type loadOnce struct {
	once sync.Once
	err  error
}

// Manager is instantiated once per persisted subsystem.
type Manager struct {
	clock  Clock
	delay  time.Duration
	load   LoadFunc
	save   SaveFunc
	logger *zap.Logger

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	loads   map[string]*loadOnce
	pending map[string]Timer
	cleared map[string]struct{}
}

func New(delay time.Duration, load LoadFunc, save SaveFunc, logger *zap.Logger) *Manager {
	if delay <= 0 {
		delay = 1200 * time.Millisecond
	}
	return &Manager{
		clock:   realClock{},
		delay:   delay,
		load:    load,
		save:    save,
		logger:  logger,
		locks:   make(map[string]*sync.Mutex),
		loads:   make(map[string]*loadOnce),
		pending: make(map[string]Timer),
		cleared: make(map[string]struct{}),
	}
}

func (m *Manager) WithClock(clock Clock) {
	m.clock = clock
}

// Do runs fn inside the guild's exclusive critical section. Events for
// different guilds proceed independently.
func (m *Manager) Do(guildID string, fn func()) {
	lock := m.guildLock(guildID)
	lock.Lock()
	defer lock.Unlock()
	fn()
}

func (m *Manager) guildLock(guildID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock := m.locks[guildID]
	if lock == nil {
		lock = &sync.Mutex{}
		m.locks[guildID] = lock
	}
	return lock
}

// EnsureLoaded runs the cold load for guildID at most once per process.
// Concurrent callers share the in-flight load instead of issuing duplicate
// queries. A cleared guild is never loaded again.
func (m *Manager) EnsureLoaded(ctx context.Context, guildID string) error {
	m.mu.Lock()
	if _, gone := m.cleared[guildID]; gone {
		m.mu.Unlock()
		return nil
	}
	lo := m.loads[guildID]
	if lo == nil {
		lo = &loadOnce{}
		m.loads[guildID] = lo
	}
	m.mu.Unlock()

	lo.once.Do(func() {
		lo.err = m.load(ctx, guildID)
		if lo.err != nil && m.logger != nil {
			m.logger.Warn("guild state load failed, continuing from memory",
				zap.String("guild_id", guildID), zap.Error(lo.err))
		}
	})
	return lo.err
}

// MarkDirty schedules a save, coalescing bursts of mutations into one
// write after the debounce delay.
func (m *Manager) MarkDirty(guildID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, gone := m.cleared[guildID]; gone {
		return
	}
	if _, scheduled := m.pending[guildID]; scheduled {
		return
	}
	m.pending[guildID] = m.clock.AfterFunc(m.delay, func() {
		m.mu.Lock()
		delete(m.pending, guildID)
		_, gone := m.cleared[guildID]
		m.mu.Unlock()
		if gone {
			return
		}
		m.runSave(guildID)
	})
}

// Flush cancels any pending debounce and saves immediately.
func (m *Manager) Flush(guildID string) {
	m.mu.Lock()
	if timer, ok := m.pending[guildID]; ok {
		timer.Stop()
		delete(m.pending, guildID)
	}
	_, gone := m.cleared[guildID]
	m.mu.Unlock()
	if gone {
		return
	}
	m.runSave(guildID)
}

func (m *Manager) runSave(guildID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.save(ctx, guildID); err != nil && m.logger != nil {
		m.logger.Warn("guild state save failed",
			zap.String("guild_id", guildID), zap.Error(err))
	}
}

// Clear marks the guild gone (bot removed): pending saves are cancelled
// and any later load or save for it is suppressed.
func (m *Manager) Clear(guildID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleared[guildID] = struct{}{}
	if timer, ok := m.pending[guildID]; ok {
		timer.Stop()
		delete(m.pending, guildID)
	}
	delete(m.loads, guildID)
}
