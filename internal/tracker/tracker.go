// Package tracker maintains per-executor rate and heat accounting for
// privileged actions. It is the first stage of the enforcement engine:
// every audit event lands here, and its verdict decides whether the panic
// state machine gets involved.
package tracker

import (
	"sync"
	"time"

	"warden-core/internal/config"
	"warden-core/internal/platform"
	"warden-core/internal/utils"
)

const (
	minuteWindow = time.Minute
	hourWindow   = time.Hour
	maxHeat      = 100.0
)

// Key identifies one executor inside one guild.
type Key struct {
	GuildID    string
	ExecutorID string
}

type dedupeKey struct {
	GuildID    string
	ExecutorID string
	Action     platform.Action
	TargetID   string
}

// Result is the verdict for a single recorded hit.
type Result struct {
	MinuteCount int
	HourCount   int
	Heat        float64
	Deduped     bool
	// Triggered means this executor crossed a per-category limit and the
	// punish cooldown was open.
	Triggered bool
	// BurstTriggered means the guild-wide cross-category accumulator
	// crossed the burst threshold, independent of per-category limits.
	BurstTriggered bool
}

type entry struct {
	minuteHits []time.Time
	hourHits   []time.Time
	lastPunish time.Time
}

type burstHit struct {
	at   time.Time
	heat float64
}

// Tracker is safe for concurrent use.
type Tracker struct {
	mu         sync.Mutex
	cfg        config.TrackerConfig
	categories map[platform.Action]map[Key]*entry
	bursts     map[string][]burstHit
	dedupe     map[dedupeKey]time.Time
	lastSweep  time.Time
}

func New(cfg config.TrackerConfig) *Tracker {
	return &Tracker{
		cfg:        cfg.Clone(),
		categories: make(map[platform.Action]map[Key]*entry),
		bursts:     make(map[string][]burstHit),
		dedupe:     make(map[dedupeKey]time.Time),
	}
}

// SetConfig swaps the tunables, used by preset application and live reload.
// The copy keeps its own category map so later mutations of the caller's
// config cannot race RecordHit.
func (t *Tracker) SetConfig(cfg config.TrackerConfig) {
	t.mu.Lock()
	t.cfg = cfg.Clone()
	t.mu.Unlock()
}

// RecordHit registers one privileged action and returns the counts, the
// derived heat and whether a trigger fired. Platform audit feeds deliver
// duplicate notifications for a single action, so identical events inside
// a short TTL collapse into one hit.
func (t *Tracker) RecordHit(category platform.Action, guildID, executorID, targetID string, now time.Time) Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.sweepLocked(now)

	if t.dedupedLocked(category, guildID, executorID, targetID, now) {
		return Result{Deduped: true}
	}

	limits, ok := t.cfg.Categories[string(category)]
	if !ok {
		return Result{}
	}

	key := Key{GuildID: guildID, ExecutorID: executorID}
	byKey := t.categories[category]
	if byKey == nil {
		byKey = make(map[Key]*entry)
		t.categories[category] = byKey
	}
	e := byKey[key]
	if e == nil {
		e = &entry{}
		byKey[key] = e
	}

	e.minuteHits = utils.Trim(e.minuteHits, now.Add(-minuteWindow))
	e.hourHits = utils.Trim(e.hourHits, now.Add(-hourWindow))
	e.minuteHits = append(e.minuteHits, now)
	e.hourHits = append(e.hourHits, now)

	heat := float64(len(e.hourHits)) * limits.HeatPerAction
	if heat > maxHeat {
		heat = maxHeat
	}

	result := Result{
		MinuteCount: len(e.minuteHits),
		HourCount:   len(e.hourHits),
		Heat:        heat,
	}

	crossed := result.MinuteCount >= limits.MinuteLimit ||
		result.HourCount >= limits.HourLimit ||
		heat >= maxHeat
	if crossed {
		cooldown := time.Duration(t.cfg.PunishCooldownSecs) * time.Second
		if e.lastPunish.IsZero() || now.Sub(e.lastPunish) >= cooldown {
			e.lastPunish = now
			result.Triggered = true
		}
	}

	result.BurstTriggered = t.recordBurstLocked(guildID, limits.HeatPerAction, now)
	return result
}

// recordBurstLocked feeds the guild-wide accumulator that catches
// multi-vector attacks staying under every individual category limit.
func (t *Tracker) recordBurstLocked(guildID string, heat float64, now time.Time) bool {
	window := time.Duration(t.cfg.BurstWindowSecs) * time.Second
	cutoff := now.Add(-window)

	hits := t.bursts[guildID]
	idx := 0
	for _, hit := range hits {
		if hit.at.After(cutoff) {
			break
		}
		idx++
	}
	hits = append(hits[idx:], burstHit{at: now, heat: heat})
	t.bursts[guildID] = hits

	total := 0.0
	for _, hit := range hits {
		total += hit.heat
	}
	if total >= t.cfg.BurstHeatThreshold {
		// Drain so one sustained burst does not re-trigger every event.
		t.bursts[guildID] = nil
		return true
	}
	return false
}

func (t *Tracker) dedupedLocked(category platform.Action, guildID, executorID, targetID string, now time.Time) bool {
	ttl := time.Duration(t.cfg.DedupeNoTargetMillis) * time.Millisecond
	if targetID != "" {
		ttl = time.Duration(t.cfg.DedupeTargetMillis) * time.Millisecond
	}

	key := dedupeKey{GuildID: guildID, ExecutorID: executorID, Action: category, TargetID: targetID}
	if last, seen := t.dedupe[key]; seen && now.Sub(last) < ttl {
		return true
	}
	t.dedupe[key] = now
	return false
}

// sweepLocked garbage-collects idle heat-less entries and stale dedupe
// keys. Runs opportunistically, at most once per sweep interval.
func (t *Tracker) sweepLocked(now time.Time) {
	interval := time.Duration(t.cfg.IdleSweepMinutes) * time.Minute
	if interval <= 0 {
		interval = time.Hour
	}
	if !t.lastSweep.IsZero() && now.Sub(t.lastSweep) < interval {
		return
	}
	t.lastSweep = now

	for category, byKey := range t.categories {
		for key, e := range byKey {
			e.hourHits = utils.Trim(e.hourHits, now.Add(-hourWindow))
			if len(e.hourHits) == 0 && now.Sub(e.lastPunish) > hourWindow {
				delete(byKey, key)
			}
		}
		if len(byKey) == 0 {
			delete(t.categories, category)
		}
	}
	for key, last := range t.dedupe {
		if now.Sub(last) > time.Minute {
			delete(t.dedupe, key)
		}
	}
	for guildID, hits := range t.bursts {
		if len(hits) == 0 || now.Sub(hits[len(hits)-1].at) > time.Minute {
			delete(t.bursts, guildID)
		}
	}
}

// CategoryStats summarizes one category for a status snapshot.
type CategoryStats struct {
	Executors int
	HourHits  int
	MaxHeat   float64
}

// GuildSnapshot returns read-only per-category stats for one guild.
func (t *Tracker) GuildSnapshot(guildID string, now time.Time) map[platform.Action]CategoryStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	snapshot := make(map[platform.Action]CategoryStats)
	for category, byKey := range t.categories {
		limits := t.cfg.Categories[string(category)]
		stats := CategoryStats{}
		for key, e := range byKey {
			if key.GuildID != guildID {
				continue
			}
			hour := utils.CountSince(e.hourHits, now.Add(-hourWindow))
			if hour == 0 {
				continue
			}
			stats.Executors++
			stats.HourHits += hour
			heat := float64(hour) * limits.HeatPerAction
			if heat > maxHeat {
				heat = maxHeat
			}
			if heat > stats.MaxHeat {
				stats.MaxHeat = heat
			}
		}
		if stats.Executors > 0 {
			snapshot[category] = stats
		}
	}
	return snapshot
}
