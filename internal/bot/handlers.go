package bot

import (
	"context"
	"fmt"
	"time"

	"warden-core/internal/modules/audit"
	"warden-core/internal/panicmode"
	"warden-core/internal/platform"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// auditActorMaxAge bounds how far back an audit log entry may be and still
// count as the attribution for a gateway event just received.
const auditActorMaxAge = 30 * time.Second

// recordAction feeds one attributed privileged action through the tracker
// and escalates into the panic engine when a limit trips. The bot's own
// actions (rollback, recreation) never count against anyone.
func (b *Bot) recordAction(ctx context.Context, guildID string, action platform.Action, actorID, targetID string) {
	if actorID == "" || actorID == b.session.State.User.ID {
		return
	}
	if b.core.Bypassed(guildID, actorID) {
		b.logger.Debug("maintenance bypass",
			zap.String("guild_id", guildID), zap.String("actor_id", actorID), zap.String("action", string(action)))
		return
	}

	result := b.tracker.RecordHit(action, guildID, actorID, targetID, time.Now())
	if result.Deduped {
		return
	}

	if result.Triggered {
		if b.metrics != nil {
			b.metrics.TrackerTriggers.WithLabelValues(string(action)).Inc()
		}
		b.audit.Log(ctx, audit.LevelWarn, guildID, actorID, "tracker_triggered",
			fmt.Sprintf("action=%s minute=%d hour=%d heat=%.0f", action, result.MinuteCount, result.HourCount, result.Heat))
		// A triggered executor is contained right away; the heat below only
		// decides whether the whole guild locks down.
		b.panic.QuarantineExecutor(ctx, guildID, actorID, "trigger=tracker:"+string(action))
		b.panic.AddHeat(ctx, guildID, result.Heat, "tracker:"+string(action))
	}
	if result.BurstTriggered {
		if b.metrics != nil {
			b.metrics.TrackerTriggers.WithLabelValues("burst").Inc()
		}
		b.panic.TriggerExternal(ctx, guildID, "tracker_burst", b.core.Config().Panic.HeatThreshold)
	}
}

// resolveAuditActor finds who performed an action by scanning the guild
// audit log for a fresh entry matching the target. Empty means the platform
// could not attribute it in time.
func (b *Bot) resolveAuditActor(guildID string, actionType discordgo.AuditLogAction, targetID string) string {
	logs, err := b.session.GuildAuditLog(guildID, "", "", int(actionType), 5)
	if err != nil || logs == nil {
		return ""
	}
	for _, entry := range logs.AuditLogEntries {
		if entry == nil {
			continue
		}
		if targetID != "" && entry.TargetID != targetID {
			continue
		}
		ts, err := discordgo.SnowflakeTimestamp(entry.ID)
		if err == nil && time.Since(ts) > auditActorMaxAge {
			continue
		}
		return entry.UserID
	}
	return ""
}

func (b *Bot) onChannelCreate(session *discordgo.Session, event *discordgo.ChannelCreate) {
	if event.Channel == nil || event.GuildID == "" {
		return
	}
	b.snapMu.Lock()
	if channels := b.chanSnaps[event.GuildID]; channels != nil {
		channels[event.ID] = channelSnapshot(event.Channel)
	}
	b.snapMu.Unlock()

	ctx := context.Background()
	actorID := b.resolveAuditActor(event.GuildID, discordgo.AuditLogActionChannelCreate, event.ID)
	b.recordAction(ctx, event.GuildID, platform.ActionChannelCreate, actorID, event.ID)
	b.panic.NoteCreated(ctx, event.GuildID, panicmode.KindChannel, event.ID, actorID)
}

func (b *Bot) onChannelUpdate(session *discordgo.Session, event *discordgo.ChannelUpdate) {
	if event.Channel == nil || event.GuildID == "" {
		return
	}
	b.snapMu.Lock()
	if channels := b.chanSnaps[event.GuildID]; channels != nil {
		channels[event.ID] = channelSnapshot(event.Channel)
	}
	b.snapMu.Unlock()
}

func (b *Bot) onChannelDelete(session *discordgo.Session, event *discordgo.ChannelDelete) {
	if event.Channel == nil || event.GuildID == "" {
		return
	}
	snap := channelSnapshot(event.Channel)
	b.snapMu.Lock()
	if channels := b.chanSnaps[event.GuildID]; channels != nil {
		if cached, ok := channels[event.ID]; ok {
			snap = cached
		}
		delete(channels, event.ID)
	}
	b.snapMu.Unlock()

	ctx := context.Background()
	actorID := b.resolveAuditActor(event.GuildID, discordgo.AuditLogActionChannelDelete, event.ID)
	b.recordAction(ctx, event.GuildID, platform.ActionChannelDelete, actorID, event.ID)
	b.panic.NoteChannelDeleted(ctx, event.GuildID, snap)
}

func (b *Bot) onRoleCreate(session *discordgo.Session, event *discordgo.GuildRoleCreate) {
	if event.Role == nil || event.GuildID == "" {
		return
	}
	b.snapMu.Lock()
	if roles := b.roleSnaps[event.GuildID]; roles != nil {
		roles[event.Role.ID] = roleSnapshot(event.Role)
	}
	b.snapMu.Unlock()

	ctx := context.Background()
	actorID := b.resolveAuditActor(event.GuildID, discordgo.AuditLogActionRoleCreate, event.Role.ID)
	b.recordAction(ctx, event.GuildID, platform.ActionRoleCreate, actorID, event.Role.ID)
	b.panic.NoteCreated(ctx, event.GuildID, panicmode.KindRole, event.Role.ID, actorID)
}

func (b *Bot) onRoleUpdate(session *discordgo.Session, event *discordgo.GuildRoleUpdate) {
	if event.Role == nil || event.GuildID == "" {
		return
	}
	b.snapMu.Lock()
	if roles := b.roleSnaps[event.GuildID]; roles != nil {
		roles[event.Role.ID] = roleSnapshot(event.Role)
	}
	b.snapMu.Unlock()
}

func (b *Bot) onRoleDelete(session *discordgo.Session, event *discordgo.GuildRoleDelete) {
	if event.RoleID == "" || event.GuildID == "" {
		return
	}
	var snap platform.RoleSnapshot
	var have bool
	b.snapMu.Lock()
	if roles := b.roleSnaps[event.GuildID]; roles != nil {
		snap, have = roles[event.RoleID]
		delete(roles, event.RoleID)
	}
	b.snapMu.Unlock()

	ctx := context.Background()
	actorID := b.resolveAuditActor(event.GuildID, discordgo.AuditLogActionRoleDelete, event.RoleID)
	b.recordAction(ctx, event.GuildID, platform.ActionRoleDelete, actorID, event.RoleID)
	if have {
		b.panic.NoteRoleDeleted(ctx, event.GuildID, snap)
	}
}

// onWebhooksUpdate carries no detail of its own; the audit log tells us
// whether this was a create, an update or a delete, and by whom.
func (b *Bot) onWebhooksUpdate(session *discordgo.Session, event *discordgo.WebhooksUpdate) {
	if event.GuildID == "" {
		return
	}
	ctx := context.Background()

	kinds := []struct {
		auditAction discordgo.AuditLogAction
		action      platform.Action
	}{
		{discordgo.AuditLogActionWebhookCreate, platform.ActionWebhookCreate},
		{discordgo.AuditLogActionWebhookUpdate, platform.ActionWebhookUpdate},
		{discordgo.AuditLogActionWebhookDelete, platform.ActionWebhookDelete},
	}
	for _, kind := range kinds {
		logs, err := b.session.GuildAuditLog(event.GuildID, "", "", int(kind.auditAction), 5)
		if err != nil || logs == nil {
			continue
		}
		for _, entry := range logs.AuditLogEntries {
			if entry == nil {
				continue
			}
			ts, err := discordgo.SnowflakeTimestamp(entry.ID)
			if err == nil && time.Since(ts) > auditActorMaxAge {
				continue
			}
			b.recordAction(ctx, event.GuildID, kind.action, entry.UserID, entry.TargetID)
			if kind.action == platform.ActionWebhookCreate {
				b.panic.NoteCreated(ctx, event.GuildID, panicmode.KindWebhook, entry.TargetID, entry.UserID)
			}
		}
	}
}

func (b *Bot) onGuildBanAdd(session *discordgo.Session, event *discordgo.GuildBanAdd) {
	if event.User == nil || event.GuildID == "" {
		return
	}
	ctx := context.Background()
	actorID := b.resolveAuditActor(event.GuildID, discordgo.AuditLogActionMemberBanAdd, event.User.ID)
	b.recordAction(ctx, event.GuildID, platform.ActionKickBan, actorID, event.User.ID)
}

// onGuildMemberRemove fires on leaves, kicks and bans alike; only a fresh
// kick entry in the audit log turns it into a tracked action. Bans already
// arrive through onGuildBanAdd.
func (b *Bot) onGuildMemberRemove(session *discordgo.Session, event *discordgo.GuildMemberRemove) {
	if event.User == nil || event.GuildID == "" {
		return
	}
	actorID := b.resolveAuditActor(event.GuildID, discordgo.AuditLogActionMemberKick, event.User.ID)
	if actorID == "" {
		return
	}
	b.recordAction(context.Background(), event.GuildID, platform.ActionKickBan, actorID, event.User.ID)
}

func (b *Bot) onInviteCreate(session *discordgo.Session, event *discordgo.InviteCreate) {
	if event.GuildID == "" || event.Inviter == nil {
		return
	}
	b.recordAction(context.Background(), event.GuildID, platform.ActionInviteCreate, event.Inviter.ID, event.Code)
}
