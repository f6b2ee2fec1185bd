// Package allowlist grants short-lived maintenance bypasses: an allowed
// user's privileged actions are not fed to the tracker while the grant is
// live. Expired grants are swept lazily on access.
package allowlist

import (
	"sort"
	"sync"
	"time"
)

type Entry struct {
	GuildID   string
	UserID    string
	ExpiresAt time.Time
}

type key struct {
	GuildID string
	UserID  string
}

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type List struct {
	mu      sync.Mutex
	clock   Clock
	entries map[key]time.Time
}

func New() *List {
	return &List{clock: realClock{}, entries: make(map[key]time.Time)}
}

func (l *List) WithClock(clock Clock) {
	l.clock = clock
}

func (l *List) Add(guildID, userID string, duration time.Duration) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	expires := l.clock.Now().Add(duration)
	l.entries[key{guildID, userID}] = expires
	return Entry{GuildID: guildID, UserID: userID, ExpiresAt: expires}
}

func (l *List) Remove(guildID, userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := key{guildID, userID}
	_, ok := l.entries[k]
	delete(l.entries, k)
	return ok
}

// Allowed reports whether the user holds a live grant. Expired grants
// found along the way are dropped.
func (l *List) Allowed(guildID, userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := key{guildID, userID}
	expires, ok := l.entries[k]
	if !ok {
		return false
	}
	if !l.clock.Now().Before(expires) {
		delete(l.entries, k)
		return false
	}
	return true
}

func (l *List) List(guildID string) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	var live []Entry
	for k, expires := range l.entries {
		if !now.Before(expires) {
			delete(l.entries, k)
			continue
		}
		if k.GuildID != guildID {
			continue
		}
		live = append(live, Entry{GuildID: k.GuildID, UserID: k.UserID, ExpiresAt: expires})
	}
	sort.Slice(live, func(i, j int) bool { return live[i].UserID < live[j].UserID })
	return live
}
