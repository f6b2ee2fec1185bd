// Package panicmode implements the guild-wide lockdown state machine.
// Heat from the privileged-action tracker or an external signal pushes a
// guild into panic: permissions are frozen from snapshots, attacker
// artifacts are rolled back, and on expiry everything is restored, with a
// retry schedule for whatever the platform refuses on the first pass.
package panicmode

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"warden-core/internal/config"
	"warden-core/internal/guildstate"
	"warden-core/internal/metrics"
	"warden-core/internal/modules/audit"
	"warden-core/internal/platform"
	"warden-core/internal/storage"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type State int

const (
	StateIdle State = iota
	StateActive
	StateUnlocking
	StateRestorePending
	StateRetryingRestore
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateUnlocking:
		return "unlocking"
	case StateRestorePending:
		return "restore_pending"
	case StateRetryingRestore:
		return "retrying_restore"
	default:
		return "idle"
	}
}

// OverwriteSnapshot is the pre-lock permission overwrite of one target in
// one channel. HadOverwrite=false means the lock created the overwrite and
// restore must delete it rather than rewrite it.
type OverwriteSnapshot struct {
	HadOverwrite bool  `json:"had"`
	Allow        int64 `json:"allow"`
	Deny         int64 `json:"deny"`
	IsRole       bool  `json:"role"`
}

// Report counts what a panic window touched, for the closing summary.
type Report struct {
	RolesLocked         int `json:"rolesLocked"`
	ChannelsLocked      int `json:"channelsLocked"`
	RolesRestored       int `json:"rolesRestored"`
	ChannelsRestored    int `json:"channelsRestored"`
	RolesDeleted        int `json:"rolesDeleted"`
	ChannelsDeleted     int `json:"channelsDeleted"`
	WebhooksDeleted     int `json:"webhooksDeleted"`
	RolesRecreated      int `json:"rolesRecreated"`
	ChannelsRecreated   int `json:"channelsRecreated"`
	CategoriesRecreated int `json:"categoriesRecreated"`
	Quarantined         int `json:"quarantined"`
}

type guildPanic struct {
	State         State
	Heat          float64
	HeatUpdatedAt time.Time
	StartedAt     time.Time
	ActiveUntil   time.Time
	CaseID        string

	LockedRoles    map[string]int64
	LockedChannels map[string]map[string]OverwriteSnapshot

	CreatedRoleIDs    map[string]struct{}
	CreatedChannelIDs map[string]struct{}
	CreatedWebhookIDs map[string]struct{}

	DeletedRoleSnapshots    map[string]platform.RoleSnapshot
	DeletedChannelSnapshots map[string]platform.ChannelSnapshot

	RestoreRetryCount int
	Report            Report

	creatorCooldowns map[string]time.Time
	quarantined      map[string]time.Time
	// recreatedParents maps deleted category ids to their recreated
	// replacements so child channels land under the right parent.
	recreatedParents map[string]string

	unlockTimer guildstate.Timer
	retryTimer  guildstate.Timer
}

func newGuildPanic() *guildPanic {
	return &guildPanic{
		LockedRoles:             make(map[string]int64),
		LockedChannels:          make(map[string]map[string]OverwriteSnapshot),
		CreatedRoleIDs:          make(map[string]struct{}),
		CreatedChannelIDs:       make(map[string]struct{}),
		CreatedWebhookIDs:       make(map[string]struct{}),
		DeletedRoleSnapshots:    make(map[string]platform.RoleSnapshot),
		DeletedChannelSnapshots: make(map[string]platform.ChannelSnapshot),
		creatorCooldowns:        make(map[string]time.Time),
		quarantined:             make(map[string]time.Time),
	}
}

// Engine runs one panic state machine per guild. All per-guild state is
// mutated inside the guild's critical section; timers re-enter it before
// touching anything.
type Engine struct {
	cfg     atomic.Pointer[config.PanicConfig]
	adapter platform.Adapter
	store   *storage.Store
	manager *guildstate.Manager
	audit   *audit.Logger
	logger  *zap.Logger
	metrics *metrics.Metrics
	clock   guildstate.Clock

	statesMu sync.Mutex
	states   map[string]*guildPanic

	// sleep is the batch throttle, replaced in tests.
	sleep func(time.Duration)
}

func New(cfg config.PanicConfig, adapter platform.Adapter, store *storage.Store, auditLogger *audit.Logger, logger *zap.Logger, m *metrics.Metrics) *Engine {
	e := &Engine{
		adapter: adapter,
		store:   store,
		audit:   auditLogger,
		logger:  logger,
		metrics: m,
		clock:   realClock{},
		states:  make(map[string]*guildPanic),
		sleep:   time.Sleep,
	}
	e.cfg.Store(&cfg)
	e.manager = guildstate.New(0, e.loadDoc, e.saveDoc, logger)
	return e
}

func (e *Engine) conf() config.PanicConfig { return *e.cfg.Load() }

type realClock struct{}

type realTimer struct{ t *time.Timer }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) guildstate.Timer {
	return realTimer{t: time.AfterFunc(d, f)}
}

func (t realTimer) Stop() bool { return t.t.Stop() }

func (e *Engine) WithClock(clock guildstate.Clock) {
	e.clock = clock
	e.manager.WithClock(clock)
}

func (e *Engine) SetConfig(cfg config.PanicConfig) {
	e.cfg.Store(&cfg)
}

func (e *Engine) stateLocked(guildID string) *guildPanic {
	e.statesMu.Lock()
	defer e.statesMu.Unlock()
	gp := e.states[guildID]
	if gp == nil {
		gp = newGuildPanic()
		e.states[guildID] = gp
	}
	return gp
}

// touch brings the guild's persisted state in before first use.
func (e *Engine) touch(ctx context.Context, guildID string) {
	_ = e.manager.EnsureLoaded(ctx, guildID)
}

// decayLocked applies the leaky bucket: heat drains at a fixed rate per
// second since the last update.
func (e *Engine) decayLocked(gp *guildPanic, now time.Time) {
	if gp.HeatUpdatedAt.IsZero() {
		gp.HeatUpdatedAt = now
		return
	}
	elapsed := now.Sub(gp.HeatUpdatedAt).Seconds()
	if elapsed > 0 {
		gp.Heat -= elapsed * e.conf().DecayPerSecond
		if gp.Heat < 0 {
			gp.Heat = 0
		}
	}
	gp.HeatUpdatedAt = now
}

// clampHeatLocked saturates the bucket at twice the trigger threshold so a
// sustained attack cannot bank hours of decay.
func (e *Engine) clampHeatLocked(gp *guildPanic) {
	if limit := e.conf().HeatThreshold * 2; gp.Heat > limit {
		gp.Heat = limit
	}
}

// AddHeat feeds tracker heat into the panic bucket and triggers the
// lockdown once the configured threshold is crossed.
func (e *Engine) AddHeat(ctx context.Context, guildID string, heat float64, reason string) {
	e.touch(ctx, guildID)
	e.manager.Do(guildID, func() {
		now := e.clock.Now()
		gp := e.stateLocked(guildID)
		e.decayLocked(gp, now)
		gp.Heat += heat
		e.clampHeatLocked(gp)

		if gp.State == StateActive {
			e.escalateLocked(ctx, guildID, gp, now, reason)
			return
		}
		if gp.State == StateIdle && gp.Heat >= e.conf().HeatThreshold {
			e.enterLocked(ctx, guildID, gp, now, reason, "heat")
		}
	})
}

// TriggerExternal is the cross-system entry point (raid detector, operator
// signal). Magnitude is heat-equivalent and bypasses the threshold check:
// an explicit signal always locks down.
func (e *Engine) TriggerExternal(ctx context.Context, guildID, reason string, magnitude float64) {
	e.touch(ctx, guildID)
	e.manager.Do(guildID, func() {
		now := e.clock.Now()
		gp := e.stateLocked(guildID)
		e.decayLocked(gp, now)
		gp.Heat += magnitude
		e.clampHeatLocked(gp)

		switch gp.State {
		case StateActive:
			e.escalateLocked(ctx, guildID, gp, now, reason)
		case StateIdle:
			if gp.Heat >= e.conf().HeatThreshold {
				e.enterLocked(ctx, guildID, gp, now, reason, "external")
			}
		}
	})
}

// escalateLocked extends the active window, capped by the hard maximum
// measured from the panic start. ActiveUntil never moves backwards.
func (e *Engine) escalateLocked(ctx context.Context, guildID string, gp *guildPanic, now time.Time, reason string) {
	extended := gp.ActiveUntil.Add(time.Duration(e.conf().ExtendSecs) * time.Second)
	hardCap := gp.StartedAt.Add(time.Duration(e.conf().MaxDurationSecs) * time.Second)
	if extended.After(hardCap) {
		extended = hardCap
	}
	if extended.After(gp.ActiveUntil) {
		gp.ActiveUntil = extended
		e.armUnlockLocked(guildID, gp, now)
		e.audit.Log(ctx, audit.LevelWarn, guildID, "", "panic_extend",
			fmt.Sprintf("case=%s until=%s reason=%s", gp.CaseID, gp.ActiveUntil.UTC().Format(time.RFC3339), reason))
		e.manager.MarkDirty(guildID)
	}
}

func (e *Engine) enterLocked(ctx context.Context, guildID string, gp *guildPanic, now time.Time, reason, source string) {
	gp.State = StateActive
	gp.StartedAt = now
	gp.ActiveUntil = now.Add(time.Duration(e.conf().DurationSecs) * time.Second)
	gp.CaseID = uuid.NewString()
	gp.Report = Report{}
	gp.RestoreRetryCount = 0

	if e.metrics != nil {
		e.metrics.PanicsTriggered.WithLabelValues(source).Inc()
	}
	e.audit.Log(ctx, audit.LevelCrit, guildID, "", "panic_enter",
		fmt.Sprintf("case=%s heat=%.1f reason=%s", gp.CaseID, gp.Heat, reason))

	e.lockdownLocked(ctx, guildID, gp)
	e.armUnlockLocked(guildID, gp, now)
	e.manager.MarkDirty(guildID)

	e.adapter.Notify(ctx, platform.Report{
		GuildID: guildID,
		Kind:    "panic_enter",
		Title:   "Panic mode engaged",
		Fields: map[string]string{
			"case":   gp.CaseID,
			"reason": reason,
			"until":  gp.ActiveUntil.UTC().Format(time.RFC3339),
		},
		At: now,
	})
}

// armUnlockLocked (re)schedules the unlock timer for the current
// ActiveUntil. The timer re-acquires the guild lock and re-validates:
// a manual stop or an escalation may have changed the world meanwhile.
func (e *Engine) armUnlockLocked(guildID string, gp *guildPanic, now time.Time) {
	if gp.unlockTimer != nil {
		gp.unlockTimer.Stop()
	}
	delay := gp.ActiveUntil.Sub(now)
	if delay < 0 {
		delay = 0
	}
	gp.unlockTimer = e.clock.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		e.manager.Do(guildID, func() {
			gp := e.stateLocked(guildID)
			if gp.State != StateActive {
				return
			}
			if e.clock.Now().Before(gp.ActiveUntil) {
				// Escalated since scheduling; push the timer out.
				e.armUnlockLocked(guildID, gp, e.clock.Now())
				return
			}
			e.unlockLocked(ctx, guildID, gp, "expired")
		})
	})
}

// Stop ends the panic immediately, independent of the timer.
func (e *Engine) Stop(ctx context.Context, guildID, reason, actorID string) bool {
	e.touch(ctx, guildID)
	stopped := false
	e.manager.Do(guildID, func() {
		gp := e.stateLocked(guildID)
		if gp.State != StateActive && gp.State != StateRestorePending && gp.State != StateRetryingRestore {
			return
		}
		if gp.unlockTimer != nil {
			gp.unlockTimer.Stop()
			gp.unlockTimer = nil
		}
		if gp.retryTimer != nil {
			gp.retryTimer.Stop()
			gp.retryTimer = nil
		}
		e.audit.Log(ctx, audit.LevelWarn, guildID, actorID, "panic_stop",
			fmt.Sprintf("case=%s reason=%s", gp.CaseID, reason))
		e.unlockLocked(ctx, guildID, gp, reason)
		stopped = true
	})
	return stopped
}

// Snapshot is the read-only view for status queries.
type Snapshot struct {
	State       string
	Heat        float64
	CaseID      string
	StartedAt   time.Time
	ActiveUntil time.Time
	RetryCount  int
	Report      Report
}

func (e *Engine) Snapshot(guildID string) Snapshot {
	var snap Snapshot
	e.manager.Do(guildID, func() {
		gp := e.stateLocked(guildID)
		e.decayLocked(gp, e.clock.Now())
		snap = Snapshot{
			State:       gp.State.String(),
			Heat:        gp.Heat,
			CaseID:      gp.CaseID,
			StartedAt:   gp.StartedAt,
			ActiveUntil: gp.ActiveUntil,
			RetryCount:  gp.RestoreRetryCount,
			Report:      gp.Report,
		}
	})
	return snap
}

// Active reports whether the guild is currently locked down.
func (e *Engine) Active(guildID string) bool {
	active := false
	e.manager.Do(guildID, func() {
		active = e.stateLocked(guildID).State == StateActive
	})
	return active
}

// Forget drops all state after the bot leaves a guild and suppresses any
// further persistence for it.
func (e *Engine) Forget(guildID string) {
	e.manager.Do(guildID, func() {
		e.statesMu.Lock()
		gp := e.states[guildID]
		delete(e.states, guildID)
		e.statesMu.Unlock()
		if gp == nil {
			return
		}
		if gp.unlockTimer != nil {
			gp.unlockTimer.Stop()
		}
		if gp.retryTimer != nil {
			gp.retryTimer.Stop()
		}
	})
	e.manager.Clear(guildID)
}
