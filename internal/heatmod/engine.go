// Package heatmod scores every message against an ordered detector battery
// and walks offenders up the warn/delete/timeout ladder. Instant
// categories (invites, scams, blacklist, mass mentions) skip accumulation
// entirely, and enough distinct instant offenders in a short window raises
// a coordinated-raid signal.
package heatmod

import (
	"context"
	"fmt"
	"math"
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

	"go.uber.org/zap"
)

// Message is the scored view of one incoming message. Only derived facts
// cross this boundary; the engine never retains content after scoring.
type Message struct {
	GuildID   string
	ChannelID string
	MessageID string
	UserID    string
	Content   string

	MentionUsers     int
	MentionRoles     int
	MentionsEveryone bool

	Attachments int
	Embeds      int
	Stickers    int

	IsWebhook       bool
	WebhookID       string
	ApplicationID   string
	WebhookVerified bool

	AccountCreatedAt time.Time
	At               time.Time
}

type normEntry struct {
	norm string
	at   time.Time
}

type userState struct {
	heat          float64
	heatUpdatedAt time.Time
	lastAt        time.Time
	lastWarnAt    time.Time

	msgTimes         []time.Time
	normHistory      []normEntry
	mentionTimes     []time.Time
	mentionHourTimes []time.Time
}

type userKey struct {
	GuildID string
	UserID  string
}

type raidState struct {
	until   time.Time
	raiders map[string]struct{}
	// hits are the instant-category offenders feeding the correlation
	// window.
	hits []raidHit
}

type raidHit struct {
	at     time.Time
	userID string
}

// Decision is what the engine did about one message, exposed for callers
// and tests.
type Decision struct {
	Action     string // none, warn, delete, timeout, webhook_delete
	Heat       float64
	Instant    bool
	Violations []Violation
	RaidSignal bool
}

type Engine struct {
	cfg      atomic.Pointer[config.HeatConfig]
	adapter  platform.Adapter
	store    *storage.Store
	audit    *audit.Logger
	logger   *zap.Logger
	metrics  *metrics.Metrics
	clock    guildstate.Clock
	resolver *utils.Resolver

	mu        sync.Mutex
	users     map[userKey]*userState
	raids     map[string]*raidState
	lastSweep time.Time
}

const (
	userIdleEviction = 2 * time.Hour
	historyWindow    = 5 * time.Minute
	historyMax       = 10
)

func New(cfg config.HeatConfig, adapter platform.Adapter, store *storage.Store, auditLogger *audit.Logger, logger *zap.Logger, m *metrics.Metrics) *Engine {
	e := &Engine{
		adapter: adapter,
		store:   store,
		audit:   auditLogger,
		logger:  logger,
		metrics: m,
		clock:   realClock{},
		users:   make(map[userKey]*userState),
		raids:   make(map[string]*raidState),
		resolver: utils.NewResolver(cfg.ShortLinkHops),
	}
	e.cfg.Store(&cfg)
	return e
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) guildstate.Timer {
	return timerAdapter{t: time.AfterFunc(d, f)}
}

type timerAdapter struct{ t *time.Timer }

func (t timerAdapter) Stop() bool { return t.t.Stop() }

func (e *Engine) WithClock(clock guildstate.Clock) { e.clock = clock }

func (e *Engine) SetConfig(cfg config.HeatConfig) {
	e.cfg.Store(&cfg)
	e.resolver.MaxHops = cfg.ShortLinkHops
}

func (e *Engine) conf() config.HeatConfig { return *e.cfg.Load() }

// HandleMessage scores one message and applies whatever the ladder says.
func (e *Engine) HandleMessage(ctx context.Context, msg Message) Decision {
	if e.metrics != nil {
		e.metrics.MessagesScored.Inc()
	}
	cfg := e.conf()
	now := msg.At
	if now.IsZero() {
		now = e.clock.Now()
	}

	if msg.IsWebhook {
		return e.handleWebhookMessage(ctx, cfg, msg)
	}
	if msg.UserID == "" {
		return Decision{Action: "none"}
	}

	violations := e.score(ctx, cfg, msg, now)
	total, instant, kept := normalizeViolations(cfg, msg.Content, violations)

	e.mu.Lock()
	key := userKey{msg.GuildID, msg.UserID}
	st := e.users[key]
	if st == nil {
		st = &userState{heatUpdatedAt: now, lastAt: now}
		e.users[key] = st
	}

	raidSignal := false
	if instant {
		raidSignal = e.noteInstantLocked(cfg, msg.GuildID, msg.UserID, now)
	} else if e.isRaiderLocked(msg.GuildID, msg.UserID, now) && len(kept) > 0 {
		// During a raid window, contributing raiders get no accumulation
		// grace; any violation is instant.
		instant = true
	}

	e.decayLocked(st, cfg, now)
	if instant {
		st.heat = 100
	} else {
		st.heat = math.Min(100, st.heat+total)
	}
	heat := st.heat
	canWarn := now.Sub(st.lastWarnAt) > 30*time.Second
	if heat >= cfg.WarnThreshold && heat < cfg.DeleteThreshold && canWarn {
		st.lastWarnAt = now
	}
	e.mu.Unlock()

	decision := Decision{Heat: heat, Instant: instant, Violations: kept, RaidSignal: raidSignal, Action: "none"}
	switch {
	case heat >= cfg.TimeoutThreshold:
		decision.Action = e.applyTimeout(ctx, cfg, msg, kept)
	case heat >= cfg.DeleteThreshold:
		decision.Action = e.applyDelete(ctx, msg, kept)
	case heat >= cfg.WarnThreshold && canWarn:
		decision.Action = "warn"
		e.audit.Log(ctx, audit.LevelInfo, msg.GuildID, msg.UserID, "automod_warn",
			fmt.Sprintf("heat=%.0f %s", heat, summarize(kept)))
		e.countAction("warn")
	}

	if raidSignal {
		e.audit.Log(ctx, audit.LevelCrit, msg.GuildID, "", "automod_raid",
			fmt.Sprintf("distinct instant offenders reached %d", cfg.RaidAccounts))
	}
	return decision
}

// score updates the user's rolling history under the lock, then runs the
// detector battery outside it (link expansion can block on the network).
func (e *Engine) score(ctx context.Context, cfg config.HeatConfig, msg Message, now time.Time) []Violation {
	e.mu.Lock()
	e.sweepLocked(now)
	key := userKey{msg.GuildID, msg.UserID}
	st := e.users[key]
	if st == nil {
		st = &userState{heatUpdatedAt: now}
		e.users[key] = st
	}
	st.lastAt = now

	burstWindow := time.Duration(cfg.BurstWindowSecs) * time.Second
	st.msgTimes = utils.Trim(append(st.msgTimes, now), now.Add(-burstWindow))

	mentions := msg.MentionUsers + msg.MentionRoles
	for i := 0; i < mentions; i++ {
		st.mentionTimes = append(st.mentionTimes, now)
		st.mentionHourTimes = append(st.mentionHourTimes, now)
	}
	st.mentionTimes = utils.Trim(st.mentionTimes, now.Add(-time.Duration(cfg.MentionBurstSecs)*time.Second))
	st.mentionHourTimes = utils.Trim(st.mentionHourTimes, now.Add(-time.Hour))

	snapshot := *st
	e.mu.Unlock()

	violations := e.detect(ctx, cfg, msg, &snapshot, now)

	e.mu.Lock()
	if st := e.users[key]; st != nil {
		norm := normalizeContent(msg.Content)
		if norm != "" {
			st.normHistory = append(st.normHistory, normEntry{norm: norm, at: now})
			cutoff := now.Add(-historyWindow)
			trimmed := st.normHistory[:0]
			for _, entry := range st.normHistory {
				if entry.at.After(cutoff) {
					trimmed = append(trimmed, entry)
				}
			}
			if len(trimmed) > historyMax {
				trimmed = trimmed[len(trimmed)-historyMax:]
			}
			st.normHistory = trimmed
		}
	}
	e.mu.Unlock()
	return violations
}

func (e *Engine) handleWebhookMessage(ctx context.Context, cfg config.HeatConfig, msg Message) Decision {
	if msg.WebhookVerified {
		return Decision{Action: "none"}
	}
	for _, id := range cfg.TrustedWebhookIDs {
		if id == msg.WebhookID {
			return Decision{Action: "none"}
		}
	}
	for _, id := range cfg.TrustedAppIDs {
		if id != "" && id == msg.ApplicationID {
			return Decision{Action: "none"}
		}
	}

	if err := e.adapter.DeleteMessage(ctx, msg.ChannelID, msg.MessageID); err != nil && !platform.IsGone(err) {
		e.logger.Warn("webhook message delete failed",
			zap.String("guild_id", msg.GuildID), zap.String("webhook_id", msg.WebhookID), zap.Error(err))
		return Decision{Action: "none"}
	}
	e.audit.Log(ctx, audit.LevelWarn, msg.GuildID, "", "webhook_filtered",
		fmt.Sprintf("webhook=%s app=%s", msg.WebhookID, msg.ApplicationID))
	e.countAction("webhook_delete")
	return Decision{Action: "webhook_delete"}
}

func (e *Engine) decayLocked(st *userState, cfg config.HeatConfig, now time.Time) {
	if st.heatUpdatedAt.IsZero() {
		st.heatUpdatedAt = now
		return
	}
	if elapsed := now.Sub(st.heatUpdatedAt).Seconds(); elapsed > 0 {
		st.heat = math.Max(0, st.heat-elapsed*cfg.DecayPerSecond)
	}
	st.heatUpdatedAt = now
}

// applyTimeout escalates the timeout duration through the strike record and
// falls back to delete when the platform refuses.
func (e *Engine) applyTimeout(ctx context.Context, cfg config.HeatConfig, msg Message, violations []Violation) string {
	now := e.clock.Now()
	duration := time.Duration(cfg.TimeoutBaseMins) * time.Minute

	rec, err := e.store.IncrementStrikes(ctx, msg.GuildID, msg.UserID, time.Duration(cfg.StrikeResetMins)*time.Minute)
	if err != nil {
		e.logger.Warn("strike increment failed, using base duration",
			zap.String("guild_id", msg.GuildID), zap.String("user_id", msg.UserID), zap.Error(err))
	} else {
		scaled := float64(cfg.TimeoutBaseMins) * math.Pow(cfg.TimeoutMultiplier, float64(rec.CountCurrent-1))
		duration = time.Duration(math.Min(scaled, float64(cfg.TimeoutCapMins))) * time.Minute
		// Every 5th lifetime timeout is a forced hour regardless of the
		// current ladder position.
		if rec.LifetimeCount > 0 && rec.LifetimeCount%5 == 0 {
			duration = time.Hour
		}
	}

	if err := e.adapter.TimeoutMember(ctx, msg.GuildID, msg.UserID, now.Add(duration)); err != nil {
		if platform.IsGone(err) {
			return "none"
		}
		e.logger.Warn("timeout failed, falling back to delete",
			zap.String("guild_id", msg.GuildID), zap.String("user_id", msg.UserID), zap.Error(err))
		return e.applyDelete(ctx, msg, violations)
	}

	e.mu.Lock()
	if st := e.users[userKey{msg.GuildID, msg.UserID}]; st != nil {
		st.heat = 0
	}
	e.mu.Unlock()

	e.audit.Log(ctx, audit.LevelCrit, msg.GuildID, msg.UserID, "automod_timeout",
		fmt.Sprintf("duration=%s %s", duration, summarize(violations)))
	e.countAction("timeout")
	return "timeout"
}

func (e *Engine) applyDelete(ctx context.Context, msg Message, violations []Violation) string {
	if err := e.adapter.DeleteMessage(ctx, msg.ChannelID, msg.MessageID); err != nil && !platform.IsGone(err) {
		e.logger.Warn("message delete failed",
			zap.String("guild_id", msg.GuildID), zap.String("message_id", msg.MessageID), zap.Error(err))
		return "none"
	}
	e.audit.Log(ctx, audit.LevelWarn, msg.GuildID, msg.UserID, "automod_delete", summarize(violations))
	e.countAction("delete")
	return "delete"
}

func (e *Engine) countAction(action string) {
	if e.metrics != nil {
		e.metrics.MessageActions.WithLabelValues(action).Inc()
	}
}

// sweepLocked evicts users idle past the horizon with nothing left worth
// keeping. Runs at most once a minute.
func (e *Engine) sweepLocked(now time.Time) {
	if now.Sub(e.lastSweep) < time.Minute {
		return
	}
	e.lastSweep = now
	for key, st := range e.users {
		if now.Sub(st.lastAt) < userIdleEviction {
			continue
		}
		cfg := e.conf()
		e.decayLocked(st, cfg, now)
		if st.heat == 0 {
			delete(e.users, key)
		}
	}
	for guildID, rs := range e.raids {
		if now.After(rs.until) && len(rs.hits) == 0 {
			delete(e.raids, guildID)
		}
	}
}

func summarize(violations []Violation) string {
	if len(violations) == 0 {
		return "no violations"
	}
	parts := make([]string, 0, len(violations))
	for _, v := range violations {
		parts = append(parts, fmt.Sprintf("%s(%.0f)", v.Key, v.Heat))
	}
	return strings.Join(parts, " ")
}
