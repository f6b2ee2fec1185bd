// Package joinraid watches the join feed for coordinated mass-join
// attacks: bursts of accounts with correlated creation times or templated
// names. A confirmed raid opens a time-boxed window during which matching
// joiners are punished, with temporary bans that survive a process
// restart.
package joinraid

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"warden-core/internal/config"
	"warden-core/internal/guildstate"
	"warden-core/internal/metrics"
	"warden-core/internal/modules/audit"
	"warden-core/internal/platform"
	"warden-core/internal/storage"
	"warden-core/internal/utils"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// banMarkerPrefix tags raid bans in the audit reason so the restart
// reconciliation never reverses a ban a moderator placed independently.
const banMarkerPrefix = "warden:join-raid"

const (
	reasonIDCorrelation = "id_correlation"
	reasonNoAvatar      = "no_avatar"
	reasonYoungAccount  = "young_account"
)

type sample struct {
	At        time.Time `json:"ts"`
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
	Skeleton  string    `json:"skeleton"`
}

type flaggedJoin struct {
	At      time.Time `json:"ts"`
	UserID  string    `json:"userId"`
	Reasons []string  `json:"reasons"`
}

type tempBan struct {
	UserID  string    `json:"userId"`
	UnbanAt time.Time `json:"unbanAt"`
	Marker  string    `json:"marker"`
}

type guildRaid struct {
	Samples []sample      `json:"samples"`
	Flagged []flaggedJoin `json:"flagged"`
	Bans    []tempBan     `json:"tempBans"`

	RaidUntil     time.Time `json:"raidUntil"`
	RaidCaseCode  string    `json:"raidCaseCode"`
	RaidStartedAt time.Time `json:"raidStartedAt"`

	InitialFlaggedUserIDs []string `json:"raidInitialFlaggedUserIds"`
	CaughtUserIDs         []string `json:"raidCaughtUserIds"`

	closeTimer guildstate.Timer
	banTimers  map[string]guildstate.Timer
}

func newGuildRaid() *guildRaid {
	return &guildRaid{banTimers: make(map[string]guildstate.Timer)}
}

func (g *guildRaid) raidOpen(now time.Time) bool {
	return now.Before(g.RaidUntil)
}

// RaidActivator is the cross-system hook into the message-side raid
// window.
type RaidActivator interface {
	ActivateRaidWindow(guildID string, duration time.Duration, raiderIDs []string)
}

type Engine struct {
	cfg     atomic.Pointer[config.RaidConfig]
	adapter platform.Adapter
	store   *storage.Store
	manager *guildstate.Manager
	audit   *audit.Logger
	logger  *zap.Logger
	metrics *metrics.Metrics
	clock   guildstate.Clock

	// activator is optional; nil means no message-side escalation.
	activator RaidActivator

	statesMu sync.Mutex
	states   map[string]*guildRaid
}

func New(cfg config.RaidConfig, adapter platform.Adapter, store *storage.Store, auditLogger *audit.Logger, logger *zap.Logger, m *metrics.Metrics) *Engine {
	e := &Engine{
		adapter: adapter,
		store:   store,
		audit:   auditLogger,
		logger:  logger,
		metrics: m,
		clock:   realClock{},
		states:  make(map[string]*guildRaid),
	}
	e.cfg.Store(&cfg)
	e.manager = guildstate.New(0, e.loadDoc, e.saveDoc, logger)
	return e
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) guildstate.Timer {
	return realTimer{t: time.AfterFunc(d, f)}
}

type realTimer struct{ t *time.Timer }

func (t realTimer) Stop() bool { return t.t.Stop() }

func (e *Engine) WithClock(clock guildstate.Clock) {
	e.clock = clock
	e.manager.WithClock(clock)
}

func (e *Engine) SetActivator(a RaidActivator) { e.activator = a }

func (e *Engine) SetConfig(cfg config.RaidConfig) {
	e.cfg.Store(&cfg)
}

func (e *Engine) conf() config.RaidConfig { return *e.cfg.Load() }

// stateLocked must only be called inside the guild's critical section;
// the map itself still needs its own lock since guilds share it.
func (e *Engine) stateLocked(guildID string) *guildRaid {
	e.statesMu.Lock()
	defer e.statesMu.Unlock()
	gr := e.states[guildID]
	if gr == nil {
		gr = newGuildRaid()
		e.states[guildID] = gr
	}
	return gr
}

// HandleJoin records one member join and runs the full detection pass.
func (e *Engine) HandleJoin(ctx context.Context, member platform.Member) {
	if member.IsBot {
		return
	}
	_ = e.manager.EnsureLoaded(ctx, member.GuildID)
	e.manager.Do(member.GuildID, func() {
		now := member.JoinedAt
		if now.IsZero() {
			now = e.clock.Now()
		}
		gr := e.stateLocked(member.GuildID)
		cfg := e.conf()

		s := sample{
			At:        now,
			UserID:    member.UserID,
			CreatedAt: member.CreatedAt,
			Skeleton:  utils.Skeleton(member.DisplayName),
		}
		reasons := e.flagReasonsLocked(cfg, gr, s, member, now)
		e.trimSamplesLocked(cfg, gr, now)
		gr.Samples = append(gr.Samples, s)

		if !matchesFilter(cfg.AccountFilter, reasons) {
			e.manager.MarkDirty(member.GuildID)
			return
		}
		gr.Flagged = append(gr.Flagged, flaggedJoin{At: now, UserID: member.UserID, Reasons: reasons})
		e.trimFlaggedLocked(cfg, gr, now)

		if !gr.raidOpen(now) && e.triggerCountLocked(cfg, gr, now) >= cfg.TriggerCount {
			e.openRaidLocked(ctx, member.GuildID, gr, now)
		}
		if gr.raidOpen(now) {
			e.punishLocked(ctx, member.GuildID, gr, member, reasons, now)
		}
		e.manager.MarkDirty(member.GuildID)
	})
}

// flagReasonsLocked computes why this join looks suspicious. The sample
// being scored is not yet in the window, so correlation counts only peers.
func (e *Engine) flagReasonsLocked(cfg config.RaidConfig, gr *guildRaid, s sample, member platform.Member, now time.Time) []string {
	var reasons []string

	if matches := e.correlationMatchesLocked(cfg, gr, s, now); matches >= e.requiredMatchesLocked(cfg, gr) {
		reasons = append(reasons, reasonIDCorrelation)
	}
	if !member.HasAvatar {
		reasons = append(reasons, reasonNoAvatar)
	}
	if !member.CreatedAt.IsZero() && cfg.YoungAccountHours > 0 {
		if now.Sub(member.CreatedAt) < time.Duration(cfg.YoungAccountHours)*time.Hour {
			reasons = append(reasons, reasonYoungAccount)
		}
	}
	return reasons
}

func (e *Engine) correlationMatchesLocked(cfg config.RaidConfig, gr *guildRaid, s sample, now time.Time) int {
	delta := time.Duration(cfg.IDDeltaSecs) * time.Second
	window := now.Add(-time.Duration(cfg.CompareWindowSecs) * time.Second)

	matches := 0
	for _, peer := range gr.Samples {
		if !peer.At.After(window) || peer.UserID == s.UserID {
			continue
		}
		creationClose := !peer.CreatedAt.IsZero() && !s.CreatedAt.IsZero() &&
			absDuration(peer.CreatedAt.Sub(s.CreatedAt)) <= delta
		skeletonClose := cfg.SkeletonPrefixLen > 0 &&
			len(s.Skeleton) >= cfg.SkeletonPrefixLen && len(peer.Skeleton) >= cfg.SkeletonPrefixLen &&
			strings.HasPrefix(peer.Skeleton, s.Skeleton[:cfg.SkeletonPrefixLen])
		if creationClose || skeletonClose {
			matches++
		}
	}
	return matches
}

// requiredMatchesLocked scales the correlation bar with join volume:
// recent samples / 6, clamped. Falls back to the static count when
// adaptive correlation is off.
func (e *Engine) requiredMatchesLocked(cfg config.RaidConfig, gr *guildRaid) int {
	if !cfg.AdaptiveCorrelation {
		return cfg.StaticMatches
	}
	required := len(gr.Samples) / 6
	if required < 2 {
		required = 2
	}
	if required > 10 {
		required = 10
	}
	return required
}

func (e *Engine) triggerCountLocked(cfg config.RaidConfig, gr *guildRaid, now time.Time) int {
	cutoff := now.Add(-time.Duration(cfg.TriggerWindowSecs) * time.Second)
	if !cfg.DistinctUsers {
		count := 0
		for _, f := range gr.Flagged {
			if f.At.After(cutoff) {
				count++
			}
		}
		return count
	}
	distinct := make(map[string]struct{})
	for _, f := range gr.Flagged {
		if f.At.After(cutoff) {
			distinct[f.UserID] = struct{}{}
		}
	}
	return len(distinct)
}

func (e *Engine) trimSamplesLocked(cfg config.RaidConfig, gr *guildRaid, now time.Time) {
	cutoff := now.Add(-time.Duration(cfg.CompareWindowSecs) * time.Second)
	trimmed := gr.Samples[:0]
	for _, s := range gr.Samples {
		if s.At.After(cutoff) {
			trimmed = append(trimmed, s)
		}
	}
	gr.Samples = trimmed
}

func (e *Engine) trimFlaggedLocked(cfg config.RaidConfig, gr *guildRaid, now time.Time) {
	cutoff := now.Add(-time.Duration(cfg.TriggerWindowSecs) * time.Second)
	trimmed := gr.Flagged[:0]
	for _, f := range gr.Flagged {
		if f.At.After(cutoff) {
			trimmed = append(trimmed, f)
		}
	}
	gr.Flagged = trimmed
}

func matchesFilter(filter string, reasons []string) bool {
	has := func(want string) bool {
		for _, r := range reasons {
			if r == want {
				return true
			}
		}
		return false
	}
	switch filter {
	case "any":
		return len(reasons) > 0
	case "young":
		return has(reasonYoungAccount)
	case "no-pfp":
		return has(reasonNoAvatar)
	case "young-or-no-pfp":
		return has(reasonYoungAccount) || has(reasonNoAvatar)
	case "id-only":
		return has(reasonIDCorrelation)
	default:
		return len(reasons) > 0
	}
}

func (e *Engine) openRaidLocked(ctx context.Context, guildID string, gr *guildRaid, now time.Time) {
	cfg := e.conf()
	duration := time.Duration(cfg.RaidDurationSecs) * time.Second

	gr.RaidUntil = now.Add(duration)
	gr.RaidStartedAt = now
	gr.RaidCaseCode = uuid.NewString()
	gr.CaughtUserIDs = nil
	gr.InitialFlaggedUserIDs = nil
	seen := make(map[string]struct{})
	for _, f := range gr.Flagged {
		if _, dup := seen[f.UserID]; dup {
			continue
		}
		seen[f.UserID] = struct{}{}
		gr.InitialFlaggedUserIDs = append(gr.InitialFlaggedUserIDs, f.UserID)
	}

	if e.metrics != nil {
		e.metrics.RaidsDetected.Inc()
	}
	e.audit.Log(ctx, audit.LevelCrit, guildID, "", "raid_open",
		fmt.Sprintf("case=%s flagged=%d until=%s", gr.RaidCaseCode, len(gr.InitialFlaggedUserIDs),
			gr.RaidUntil.UTC().Format(time.RFC3339)))
	e.adapter.Notify(ctx, platform.Report{
		GuildID: guildID,
		Kind:    "raid_open",
		Title:   "Join raid detected",
		Fields: map[string]string{
			"case":    gr.RaidCaseCode,
			"flagged": fmt.Sprintf("%d", len(gr.InitialFlaggedUserIDs)),
			"until":   gr.RaidUntil.UTC().Format(time.RFC3339),
		},
		At: now,
	})

	if e.activator != nil {
		e.activator.ActivateRaidWindow(guildID, duration, gr.InitialFlaggedUserIDs)
	}
	e.armCloseLocked(guildID, gr, now)
}

// armCloseLocked schedules the window-close report. The timer re-checks
// under the lock: the window may have been extended or already closed.
func (e *Engine) armCloseLocked(guildID string, gr *guildRaid, now time.Time) {
	if gr.closeTimer != nil {
		gr.closeTimer.Stop()
	}
	delay := gr.RaidUntil.Sub(now)
	if delay < 0 {
		delay = 0
	}
	gr.closeTimer = e.clock.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		e.manager.Do(guildID, func() {
			gr := e.stateLocked(guildID)
			now := e.clock.Now()
			if gr.RaidCaseCode == "" {
				return
			}
			if now.Before(gr.RaidUntil) {
				e.armCloseLocked(guildID, gr, now)
				return
			}
			e.closeRaidLocked(ctx, guildID, gr, now)
		})
	})
}

func (e *Engine) closeRaidLocked(ctx context.Context, guildID string, gr *guildRaid, now time.Time) {
	e.audit.Log(ctx, audit.LevelWarn, guildID, "", "raid_close",
		fmt.Sprintf("case=%s caught=%d", gr.RaidCaseCode, len(gr.CaughtUserIDs)))
	e.adapter.Notify(ctx, platform.Report{
		GuildID: guildID,
		Kind:    "raid_close",
		Title:   "Join raid window closed",
		Fields: map[string]string{
			"case":     gr.RaidCaseCode,
			"caught":   fmt.Sprintf("%d", len(gr.CaughtUserIDs)),
			"duration": now.Sub(gr.RaidStartedAt).Truncate(time.Second).String(),
		},
		At: now,
	})

	gr.RaidUntil = time.Time{}
	gr.RaidCaseCode = ""
	gr.RaidStartedAt = time.Time{}
	gr.InitialFlaggedUserIDs = nil
	gr.closeTimer = nil
	e.manager.MarkDirty(guildID)
}

// Snapshot is the read-only raid view for status queries.
type Snapshot struct {
	RaidActive    bool
	RaidCaseCode  string
	RaidUntil     time.Time
	FlaggedCount  int
	CaughtCount   int
	TempBanCount  int
	SampleCount   int
	RaidStartedAt time.Time
}

func (e *Engine) Snapshot(guildID string) Snapshot {
	var snap Snapshot
	e.manager.Do(guildID, func() {
		gr := e.stateLocked(guildID)
		now := e.clock.Now()
		snap = Snapshot{
			RaidActive:    gr.raidOpen(now),
			RaidCaseCode:  gr.RaidCaseCode,
			RaidUntil:     gr.RaidUntil,
			FlaggedCount:  len(gr.Flagged),
			CaughtCount:   len(gr.CaughtUserIDs),
			TempBanCount:  len(gr.Bans),
			SampleCount:   len(gr.Samples),
			RaidStartedAt: gr.RaidStartedAt,
		}
	})
	return snap
}

// Forget drops state after the bot leaves a guild.
func (e *Engine) Forget(guildID string) {
	e.manager.Do(guildID, func() {
		e.statesMu.Lock()
		gr := e.states[guildID]
		delete(e.states, guildID)
		e.statesMu.Unlock()
		if gr == nil {
			return
		}
		if gr.closeTimer != nil {
			gr.closeTimer.Stop()
		}
		for _, t := range gr.banTimers {
			t.Stop()
		}
	})
	e.manager.Clear(guildID)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
