package core

import (
	"context"
	"testing"
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

type noopAdapter struct{}

func (noopAdapter) BotTopRolePosition(ctx context.Context, guildID string) (int, error) {
	return 100, nil
}

func (noopAdapter) Roles(ctx context.Context, guildID string) ([]platform.Role, error) {
	return nil, nil
}

func (noopAdapter) SetRolePermissions(ctx context.Context, guildID, roleID string, perms int64) error {
	return nil
}

func (noopAdapter) CreateRole(ctx context.Context, guildID string, snap platform.RoleSnapshot) (string, error) {
	return "role-new", nil
}

func (noopAdapter) DeleteRole(ctx context.Context, guildID, roleID string) error { return nil }

func (noopAdapter) Channels(ctx context.Context, guildID string) ([]platform.Channel, error) {
	return nil, nil
}

func (noopAdapter) SetChannelOverwrite(ctx context.Context, channelID string, ow platform.Overwrite) error {
	return nil
}

func (noopAdapter) DeleteChannelOverwrite(ctx context.Context, channelID, targetID string) error {
	return nil
}

func (noopAdapter) CreateChannel(ctx context.Context, guildID string, snap platform.ChannelSnapshot) (string, error) {
	return "chan-new", nil
}

func (noopAdapter) DeleteChannel(ctx context.Context, channelID string) error { return nil }

func (noopAdapter) Webhooks(ctx context.Context, guildID string) ([]platform.Webhook, error) {
	return nil, nil
}

func (noopAdapter) DeleteWebhook(ctx context.Context, webhookID string) error { return nil }

func (noopAdapter) AddMemberRole(ctx context.Context, guildID, userID, roleID string) error {
	return nil
}

func (noopAdapter) RemoveMemberRole(ctx context.Context, guildID, userID, roleID string) error {
	return nil
}

func (noopAdapter) TimeoutMember(ctx context.Context, guildID, userID string, until time.Time) error {
	return nil
}

func (noopAdapter) KickMember(ctx context.Context, guildID, userID, reason string) error { return nil }

func (noopAdapter) BanMember(ctx context.Context, guildID, userID, reason string, purgeDays int) error {
	return nil
}

func (noopAdapter) UnbanMember(ctx context.Context, guildID, userID string) error { return nil }

func (noopAdapter) Bans(ctx context.Context, guildID string) ([]platform.Ban, error) {
	return nil, nil
}

func (noopAdapter) DeleteMessage(ctx context.Context, channelID, messageID string) error { return nil }

func (noopAdapter) SendDM(ctx context.Context, userID, content string) error { return nil }

func (noopAdapter) Notify(ctx context.Context, report platform.Report) {}

func newTestCore(t *testing.T) *Core {
	t.Helper()
	cfg := config.DefaultConfig()
	logger := zap.NewNop()
	auditLogger := audit.NewLogger(nil, logger)
	adapter := noopAdapter{}

	trk := tracker.New(cfg.Tracker)
	panicEngine := panicmode.New(cfg.Panic, adapter, nil, auditLogger, logger, nil)
	heatEngine := heatmod.New(cfg.Heat, adapter, nil, auditLogger, logger, nil)
	raidEngine := joinraid.New(cfg.Raid, adapter, nil, auditLogger, logger, nil)
	raidEngine.SetActivator(heatEngine)

	return New(cfg, trk, panicEngine, heatEngine, raidEngine, allowlist.New(), auditLogger, logger)
}

func TestUpdateConfigRejectsBadInput(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	if err := c.UpdateConfig(ctx, "nonsense.path", "1", "op-1"); err == nil {
		t.Fatal("expected unknown path error")
	}
	if err := c.UpdateConfig(ctx, "raid.trigger_count", "banana", "op-1"); err == nil {
		t.Fatal("expected parse error")
	}
	if err := c.UpdateConfig(ctx, "raid.trigger_count", "1", "op-1"); err == nil {
		t.Fatal("expected range error")
	}
	if got := c.Config().Raid.TriggerCount; got != 10 {
		t.Fatalf("config mutated by rejected update: %d", got)
	}
}

func TestUpdateConfigApplies(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	if err := c.UpdateConfig(ctx, "raid.trigger_count", "5", "op-1"); err != nil {
		t.Fatalf("update: %v", err)
	}
	if got := c.Config().Raid.TriggerCount; got != 5 {
		t.Fatalf("trigger count = %d, want 5", got)
	}

	if err := c.UpdateConfig(ctx, "tracker.categories.kick_ban.minute_limit", "2", "op-1"); err != nil {
		t.Fatalf("category update: %v", err)
	}
	if got := c.Config().Tracker.Categories["kick_ban"].MinuteLimit; got != 2 {
		t.Fatalf("minute limit = %d, want 2", got)
	}
}

func TestApplyPresetKeepsIdentifiers(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	c.mu.Lock()
	c.cfg.Panic.QuarantineRoleID = "role-q"
	c.cfg.Heat.VanityCode = "myserver"
	c.mu.Unlock()

	if err := c.ApplyPreset(ctx, "STRICT", "op-1"); err != nil {
		t.Fatalf("apply preset: %v", err)
	}

	cfg := c.Config()
	if cfg.Preset != config.PresetStrict {
		t.Fatalf("preset = %q", cfg.Preset)
	}
	if cfg.Raid.TriggerCount != 6 {
		t.Fatalf("strict trigger count = %d, want 6", cfg.Raid.TriggerCount)
	}
	if cfg.Panic.QuarantineRoleID != "role-q" || cfg.Heat.VanityCode != "myserver" {
		t.Fatal("identifiers lost across preset application")
	}
}

func TestMaintenanceGrantClampsAndExpires(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	entry := c.AllowMaintenance(ctx, "guild-1", "user-1", time.Second, "op-1")
	if until := time.Until(entry.ExpiresAt); until < 50*time.Second {
		t.Fatalf("grant not clamped up: expires in %s", until)
	}

	entry = c.AllowMaintenance(ctx, "guild-1", "user-2", 48*time.Hour, "op-1")
	if until := time.Until(entry.ExpiresAt); until > 13*time.Hour {
		t.Fatalf("grant not clamped down: expires in %s", until)
	}

	if !c.Bypassed("guild-1", "user-1") {
		t.Fatal("expected live bypass")
	}
	if c.Bypassed("guild-2", "user-1") {
		t.Fatal("bypass leaked across guilds")
	}
	if got := len(c.MaintenanceList("guild-1")); got != 2 {
		t.Fatalf("list length = %d, want 2", got)
	}

	if !c.RevokeMaintenance(ctx, "guild-1", "user-1", "op-1") {
		t.Fatal("revoke of live grant returned false")
	}
	if c.RevokeMaintenance(ctx, "guild-1", "user-1", "op-1") {
		t.Fatal("second revoke returned true")
	}
}

func TestStatusAggregatesSubsystems(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	status := c.Status("guild-1", time.Now())
	if status.Panic.State != "idle" {
		t.Fatalf("fresh guild panic state = %q", status.Panic.State)
	}
	if status.Raid.RaidActive {
		t.Fatal("fresh guild reports raid active")
	}

	c.TriggerPanic(ctx, "guild-1", "operator_test", 150)
	status = c.Status("guild-1", time.Now())
	if status.Panic.State != "active" {
		t.Fatalf("panic state after trigger = %q", status.Panic.State)
	}

	if !c.StopPanic(ctx, "guild-1", "drill over", "op-1") {
		t.Fatal("stop of active panic returned false")
	}
	if c.StopPanic(ctx, "guild-1", "drill over", "op-1") {
		t.Fatal("stop of idle panic returned true")
	}
}
