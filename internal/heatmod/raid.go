package heatmod

import (
	"time"

	"warden-core/internal/config"
)

// noteInstantLocked feeds the coordinated-raid correlation: one hit per
// instant-category offender. When the distinct-account count inside the
// rolling window reaches the threshold, the raid window opens and the
// contributors become raiders. Returns true only on the opening
// transition.
func (e *Engine) noteInstantLocked(cfg config.HeatConfig, guildID, userID string, now time.Time) bool {
	if cfg.RaidAccounts <= 0 {
		return false
	}
	rs := e.raids[guildID]
	if rs == nil {
		rs = &raidState{raiders: make(map[string]struct{})}
		e.raids[guildID] = rs
	}

	window := time.Duration(cfg.RaidWindowSecs) * time.Second
	cutoff := now.Add(-window)
	trimmed := rs.hits[:0]
	for _, hit := range rs.hits {
		if hit.at.After(cutoff) {
			trimmed = append(trimmed, hit)
		}
	}
	rs.hits = append(trimmed, raidHit{at: now, userID: userID})

	if now.Before(rs.until) {
		// Window already open; the offender joins the raider set but does
		// not re-signal.
		rs.raiders[userID] = struct{}{}
		return false
	}

	distinct := make(map[string]struct{}, len(rs.hits))
	for _, hit := range rs.hits {
		distinct[hit.userID] = struct{}{}
	}
	if len(distinct) < cfg.RaidAccounts {
		return false
	}

	rs.until = now.Add(time.Duration(cfg.RaidDurationSecs) * time.Second)
	for id := range distinct {
		rs.raiders[id] = struct{}{}
	}
	return true
}

// isRaiderLocked reports whether userID contributed to the currently open
// raid window. Non-contributors keep normal heat accumulation even during
// a raid.
func (e *Engine) isRaiderLocked(guildID, userID string, now time.Time) bool {
	rs := e.raids[guildID]
	if rs == nil || now.After(rs.until) {
		return false
	}
	_, ok := rs.raiders[userID]
	return ok
}

// ActivateRaidWindow is the cross-system entry point: the join-raid
// detector forces the message-side raid window open so message enforcement
// tightens for the same attack. Known raider ids seed the set.
func (e *Engine) ActivateRaidWindow(guildID string, duration time.Duration, raiderIDs []string) {
	now := e.clock.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	rs := e.raids[guildID]
	if rs == nil {
		rs = &raidState{raiders: make(map[string]struct{})}
		e.raids[guildID] = rs
	}
	until := now.Add(duration)
	if until.After(rs.until) {
		rs.until = until
	}
	for _, id := range raiderIDs {
		rs.raiders[id] = struct{}{}
	}
}

// RaidActive reports whether a message-side raid window is open.
func (e *Engine) RaidActive(guildID string) bool {
	now := e.clock.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	rs := e.raids[guildID]
	return rs != nil && now.Before(rs.until)
}
