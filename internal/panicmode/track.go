package panicmode

import (
	"context"
	"time"

	"warden-core/internal/modules/audit"
	"warden-core/internal/platform"

	"go.uber.org/zap"
)

// EntityKind names the artifact types tracked during an active panic.
type EntityKind string

const (
	KindRole    EntityKind = "role"
	KindChannel EntityKind = "channel"
	KindWebhook EntityKind = "webhook"
)

// NoteCreated records an artifact created while the guild is locked down.
// With instant rollback enabled the artifact is deleted on the spot, and a
// creator who keeps producing artifacts inside the cooldown window is
// quarantined.
func (e *Engine) NoteCreated(ctx context.Context, guildID string, kind EntityKind, id, creatorID string) {
	e.touch(ctx, guildID)
	e.manager.Do(guildID, func() {
		gp := e.stateLocked(guildID)
		if gp.State != StateActive {
			return
		}

		switch kind {
		case KindRole:
			gp.CreatedRoleIDs[id] = struct{}{}
		case KindChannel:
			gp.CreatedChannelIDs[id] = struct{}{}
		case KindWebhook:
			gp.CreatedWebhookIDs[id] = struct{}{}
		default:
			return
		}

		if e.conf().InstantRollback {
			e.rollbackCreatedLocked(ctx, guildID, gp, kind, id)
		}

		if creatorID != "" {
			now := e.clock.Now()
			cooldown := time.Duration(e.conf().CreatorCooldownMs) * time.Millisecond
			last, seen := gp.creatorCooldowns[creatorID]
			gp.creatorCooldowns[creatorID] = now
			if seen && now.Sub(last) < cooldown {
				e.quarantineLocked(ctx, guildID, gp, creatorID, "case="+gp.CaseID)
			}
		}

		e.manager.MarkDirty(guildID)
	})
}

func (e *Engine) rollbackCreatedLocked(ctx context.Context, guildID string, gp *guildPanic, kind EntityKind, id string) {
	var err error
	switch kind {
	case KindRole:
		err = e.adapter.DeleteRole(ctx, guildID, id)
	case KindChannel:
		err = e.adapter.DeleteChannel(ctx, id)
	case KindWebhook:
		err = e.adapter.DeleteWebhook(ctx, id)
	}
	if err != nil && !platform.IsGone(err) {
		// Leave it in the created set; the restore pass takes another shot.
		e.logger.Warn("instant rollback failed",
			zap.String("guild_id", guildID), zap.String("kind", string(kind)),
			zap.String("id", id), zap.Error(err))
		return
	}
	switch kind {
	case KindRole:
		delete(gp.CreatedRoleIDs, id)
		gp.Report.RolesDeleted++
	case KindChannel:
		delete(gp.CreatedChannelIDs, id)
		gp.Report.ChannelsDeleted++
	case KindWebhook:
		delete(gp.CreatedWebhookIDs, id)
		gp.Report.WebhooksDeleted++
	}
}

// NoteRoleDeleted snapshots a role deleted during an active panic so the
// backup sync can recreate it.
func (e *Engine) NoteRoleDeleted(ctx context.Context, guildID string, snap platform.RoleSnapshot) {
	e.touch(ctx, guildID)
	e.manager.Do(guildID, func() {
		gp := e.stateLocked(guildID)
		if gp.State != StateActive || !e.conf().BackupSync {
			return
		}
		// A role the attacker created and then deleted needs no recreation.
		if _, created := gp.CreatedRoleIDs[snap.ID]; created {
			delete(gp.CreatedRoleIDs, snap.ID)
			e.manager.MarkDirty(guildID)
			return
		}
		gp.DeletedRoleSnapshots[snap.ID] = snap
		e.manager.MarkDirty(guildID)
	})
}

// NoteChannelDeleted snapshots a channel deleted during an active panic.
func (e *Engine) NoteChannelDeleted(ctx context.Context, guildID string, snap platform.ChannelSnapshot) {
	e.touch(ctx, guildID)
	e.manager.Do(guildID, func() {
		gp := e.stateLocked(guildID)
		if gp.State != StateActive || !e.conf().BackupSync {
			return
		}
		if _, created := gp.CreatedChannelIDs[snap.ID]; created {
			delete(gp.CreatedChannelIDs, snap.ID)
			e.manager.MarkDirty(guildID)
			return
		}
		gp.DeletedChannelSnapshots[snap.ID] = snap
		e.manager.MarkDirty(guildID)
	})
}

// QuarantineExecutor contains an executor that tripped a tracker limit.
// Unlike the in-panic path it works from any state; the tracker's punish
// cooldown gates how often a single executor can land here.
func (e *Engine) QuarantineExecutor(ctx context.Context, guildID, userID, reason string) {
	e.touch(ctx, guildID)
	e.manager.Do(guildID, func() {
		gp := e.stateLocked(guildID)
		e.quarantineLocked(ctx, guildID, gp, userID, reason)
	})
}

// quarantineLocked contains an offender: quarantine role first, hour
// timeout when no role is configured or the role assignment fails. One
// attempt per user per hour, whichever path led here.
func (e *Engine) quarantineLocked(ctx context.Context, guildID string, gp *guildPanic, userID, detail string) {
	now := e.clock.Now()
	if last, done := gp.quarantined[userID]; done && now.Sub(last) < time.Hour {
		return
	}
	gp.quarantined[userID] = now

	cfg := e.conf()
	if cfg.QuarantineRoleID != "" {
		if err := e.adapter.AddMemberRole(ctx, guildID, userID, cfg.QuarantineRoleID); err == nil {
			gp.Report.Quarantined++
			e.audit.Log(ctx, audit.LevelCrit, guildID, userID, "quarantine",
				detail+" method=role")
			return
		} else if !platform.IsGone(err) {
			e.logger.Warn("quarantine role failed, falling back to timeout",
				zap.String("guild_id", guildID), zap.String("user_id", userID), zap.Error(err))
		}
	}

	if err := e.adapter.TimeoutMember(ctx, guildID, userID, now.Add(time.Hour)); err != nil {
		if !platform.IsGone(err) {
			e.logger.Warn("quarantine timeout failed",
				zap.String("guild_id", guildID), zap.String("user_id", userID), zap.Error(err))
		}
		return
	}
	gp.Report.Quarantined++
	e.audit.Log(ctx, audit.LevelCrit, guildID, userID, "quarantine",
		detail+" method=timeout")
}
