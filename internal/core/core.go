// Package core is the operator surface of the enforcement engine. It owns
// the live configuration, fans tunable changes out to the subsystems and
// aggregates their state into one status snapshot. Command handlers and the
// reload watcher talk to this package, never to the engines directly.
package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"warden-core/internal/allowlist"
	"warden-core/internal/config"
	"warden-core/internal/heatmod"
	"warden-core/internal/joinraid"
	"warden-core/internal/modules/audit"
	"warden-core/internal/panicmode"
	"warden-core/internal/platform"
	"warden-core/internal/tracker"

	"go.uber.org/zap"
)

const (
	maintenanceMin = time.Minute
	maintenanceMax = 12 * time.Hour
)

// Status aggregates the per-guild state of every subsystem.
type Status struct {
	GuildID     string                                   `json:"guildId"`
	Preset      string                                   `json:"preset"`
	Panic       panicmode.Snapshot                       `json:"panic"`
	Raid        joinraid.Snapshot                        `json:"raid"`
	HeatRaid    bool                                     `json:"heatRaidWindow"`
	Tracker     map[platform.Action]tracker.CategoryStats `json:"tracker"`
	Maintenance []allowlist.Entry                        `json:"maintenance"`
}

// Core is safe for concurrent use. Config mutations serialize on mu; the
// engines keep their own copies and receive updates through SetConfig.
type Core struct {
	mu      sync.Mutex
	cfg     config.Config
	tracker *tracker.Tracker
	panic   *panicmode.Engine
	heat    *heatmod.Engine
	raid    *joinraid.Engine
	allow   *allowlist.List
	audit   *audit.Logger
	logger  *zap.Logger
}

func New(cfg config.Config, trk *tracker.Tracker, panicEngine *panicmode.Engine, heatEngine *heatmod.Engine, raidEngine *joinraid.Engine, allow *allowlist.List, auditLogger *audit.Logger, logger *zap.Logger) *Core {
	return &Core{
		cfg:     cfg,
		tracker: trk,
		panic:   panicEngine,
		heat:    heatEngine,
		raid:    raidEngine,
		allow:   allow,
		audit:   auditLogger,
		logger:  logger,
	}
}

// Status returns a read-only aggregate of one guild's enforcement state.
func (c *Core) Status(guildID string, now time.Time) Status {
	c.mu.Lock()
	preset := c.cfg.Preset
	c.mu.Unlock()

	return Status{
		GuildID:     guildID,
		Preset:      preset,
		Panic:       c.panic.Snapshot(guildID),
		Raid:        c.raid.Snapshot(guildID),
		HeatRaid:    c.heat.RaidActive(guildID),
		Tracker:     c.tracker.GuildSnapshot(guildID, now),
		Maintenance: c.allow.List(guildID),
	}
}

// Config returns a copy of the live configuration.
func (c *Core) Config() config.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Clone()
}

// ApplyPreset bulk-overwrites the detection tunables and pushes the result
// into every subsystem. Identifier fields survive the overwrite.
func (c *Core) ApplyPreset(ctx context.Context, name, actorID string) error {
	normalized := config.NormalizePreset(name)

	c.mu.Lock()
	config.ApplyPreset(&c.cfg, normalized)
	cfg := c.cfg
	c.mu.Unlock()

	c.fanOut(cfg)
	c.audit.Log(ctx, audit.LevelInfo, "", actorID, "preset_applied", "preset="+normalized)
	c.logger.Info("preset applied", zap.String("preset", normalized), zap.String("actor_id", actorID))
	return nil
}

// UpdateConfig applies one dotted-path tunable change. The trial copy owns
// its category map, so a rejected update leaves the live config untouched
// and a committed one never writes into a map an engine already holds.
func (c *Core) UpdateConfig(ctx context.Context, path, value, actorID string) error {
	c.mu.Lock()
	trial := c.cfg.Clone()
	if err := trial.Update(path, value); err != nil {
		c.mu.Unlock()
		return err
	}
	if err := trial.Validate(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.cfg = trial
	cfg := c.cfg
	c.mu.Unlock()

	c.fanOut(cfg)
	c.audit.Log(ctx, audit.LevelInfo, "", actorID, "config_updated",
		fmt.Sprintf("path=%s value=%s", path, value))
	return nil
}

// ReplaceConfig swaps the whole configuration, used by the file reload
// watcher. Token and identifier fields come along unchanged.
func (c *Core) ReplaceConfig(cfg config.Config) {
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
	c.fanOut(cfg)
	c.logger.Info("configuration replaced", zap.String("preset", cfg.Preset))
}

func (c *Core) fanOut(cfg config.Config) {
	c.tracker.SetConfig(cfg.Tracker)
	c.panic.SetConfig(cfg.Panic)
	c.heat.SetConfig(cfg.Heat)
	c.raid.SetConfig(cfg.Raid)
}

// TriggerPanic feeds an external signal into the panic state machine, the
// path used by the raid detector and by operator commands.
func (c *Core) TriggerPanic(ctx context.Context, guildID, reason string, magnitude float64) {
	c.panic.TriggerExternal(ctx, guildID, reason, magnitude)
}

// StopPanic cancels an active lockdown and starts the restore pass.
// Returns false when the guild was not in panic.
func (c *Core) StopPanic(ctx context.Context, guildID, reason, actorID string) bool {
	return c.panic.Stop(ctx, guildID, reason, actorID)
}

// AllowMaintenance grants a temporary tracker bypass. Durations clamp to
// [1m, 12h]; an open-ended bypass defeats the point of the tracker.
func (c *Core) AllowMaintenance(ctx context.Context, guildID, userID string, duration time.Duration, actorID string) allowlist.Entry {
	if duration < maintenanceMin {
		duration = maintenanceMin
	}
	if duration > maintenanceMax {
		duration = maintenanceMax
	}
	entry := c.allow.Add(guildID, userID, duration)
	c.audit.Log(ctx, audit.LevelWarn, guildID, userID, "maintenance_allow",
		fmt.Sprintf("by=%s duration=%s", actorID, duration))
	return entry
}

// RevokeMaintenance drops a bypass grant early.
func (c *Core) RevokeMaintenance(ctx context.Context, guildID, userID, actorID string) bool {
	removed := c.allow.Remove(guildID, userID)
	if removed {
		c.audit.Log(ctx, audit.LevelInfo, guildID, userID, "maintenance_revoke", "by="+actorID)
	}
	return removed
}

// MaintenanceList returns the live grants for one guild.
func (c *Core) MaintenanceList(guildID string) []allowlist.Entry {
	return c.allow.List(guildID)
}

// Bypassed reports whether the executor currently holds a maintenance
// grant. The event pipeline consults this before feeding the tracker.
func (c *Core) Bypassed(guildID, userID string) bool {
	return c.allow.Allowed(guildID, userID)
}

// Forget drops all in-memory state for a guild the bot left.
func (c *Core) Forget(guildID string) {
	c.panic.Forget(guildID)
	c.raid.Forget(guildID)
}
