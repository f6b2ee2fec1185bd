package panicmode

import (
	"context"
	"fmt"
	"sort"
	"time"

	"warden-core/internal/modules/audit"
	"warden-core/internal/platform"

	"go.uber.org/zap"
)

// unlockLocked runs one full restore pass and settles the outcome: either
// the guild returns to idle with a closing report, or the remaining work is
// parked on the retry schedule. Safe to call repeatedly; restored entries
// leave the snapshot maps, so a second pass only touches what is left.
func (e *Engine) unlockLocked(ctx context.Context, guildID string, gp *guildPanic, reason string) {
	gp.State = StateUnlocking
	e.restorePassLocked(ctx, guildID, gp)
	if e.conf().BackupSync {
		e.backupSyncLocked(ctx, guildID, gp)
	}
	e.settleLocked(ctx, guildID, gp, reason)
}

func (e *Engine) restorePassLocked(ctx context.Context, guildID string, gp *guildPanic) {
	throttle := e.newThrottle(e.conf())

	for roleID, perms := range gp.LockedRoles {
		err := e.adapter.SetRolePermissions(ctx, guildID, roleID, perms)
		switch {
		case err == nil:
			gp.Report.RolesRestored++
		case platform.IsGone(err):
			// Role vanished during the panic; nothing to put back.
		default:
			e.logger.Warn("restore: role permissions failed",
				zap.String("guild_id", guildID), zap.String("role_id", roleID), zap.Error(err))
			continue
		}
		delete(gp.LockedRoles, roleID)
		throttle()
	}

	for channelID, targets := range gp.LockedChannels {
		for targetID, snap := range targets {
			var err error
			if snap.HadOverwrite {
				err = e.adapter.SetChannelOverwrite(ctx, channelID, platform.Overwrite{
					TargetID: targetID,
					IsRole:   snap.IsRole,
					Allow:    snap.Allow,
					Deny:     snap.Deny,
				})
			} else {
				err = e.adapter.DeleteChannelOverwrite(ctx, channelID, targetID)
			}
			if err != nil && !platform.IsGone(err) {
				e.logger.Warn("restore: channel overwrite failed",
					zap.String("guild_id", guildID), zap.String("channel_id", channelID), zap.Error(err))
				continue
			}
			delete(targets, targetID)
			throttle()
		}
		if len(targets) == 0 {
			delete(gp.LockedChannels, channelID)
			gp.Report.ChannelsRestored++
		}
	}
}

// backupSyncLocked reconciles the guild with its pre-panic shape: artifacts
// the attacker created are deleted, artifacts the attacker deleted are
// recreated from their snapshots.
func (e *Engine) backupSyncLocked(ctx context.Context, guildID string, gp *guildPanic) {
	throttle := e.newThrottle(e.conf())

	for id := range gp.CreatedWebhookIDs {
		if err := e.adapter.DeleteWebhook(ctx, id); err != nil && !platform.IsGone(err) {
			e.logger.Warn("restore: webhook rollback failed",
				zap.String("guild_id", guildID), zap.String("webhook_id", id), zap.Error(err))
			continue
		}
		delete(gp.CreatedWebhookIDs, id)
		gp.Report.WebhooksDeleted++
		throttle()
	}
	for id := range gp.CreatedRoleIDs {
		if err := e.adapter.DeleteRole(ctx, guildID, id); err != nil && !platform.IsGone(err) {
			e.logger.Warn("restore: role rollback failed",
				zap.String("guild_id", guildID), zap.String("role_id", id), zap.Error(err))
			continue
		}
		delete(gp.CreatedRoleIDs, id)
		gp.Report.RolesDeleted++
		throttle()
	}
	for id := range gp.CreatedChannelIDs {
		if err := e.adapter.DeleteChannel(ctx, id); err != nil && !platform.IsGone(err) {
			e.logger.Warn("restore: channel rollback failed",
				zap.String("guild_id", guildID), zap.String("channel_id", id), zap.Error(err))
			continue
		}
		delete(gp.CreatedChannelIDs, id)
		gp.Report.ChannelsDeleted++
		throttle()
	}

	// Recreate highest roles first so the hierarchy comes back in order.
	roleSnaps := make([]platform.RoleSnapshot, 0, len(gp.DeletedRoleSnapshots))
	for _, snap := range gp.DeletedRoleSnapshots {
		roleSnaps = append(roleSnaps, snap)
	}
	sort.Slice(roleSnaps, func(i, j int) bool { return roleSnaps[i].Position > roleSnaps[j].Position })
	for _, snap := range roleSnaps {
		if _, err := e.adapter.CreateRole(ctx, guildID, snap); err != nil {
			e.logger.Warn("restore: role recreate failed",
				zap.String("guild_id", guildID), zap.String("name", snap.Name), zap.Error(err))
			continue
		}
		delete(gp.DeletedRoleSnapshots, snap.ID)
		gp.Report.RolesRecreated++
		throttle()
	}

	// Categories before their children, then by position, so ParentID can be
	// remapped to the recreated category.
	chanSnaps := make([]platform.ChannelSnapshot, 0, len(gp.DeletedChannelSnapshots))
	for _, snap := range gp.DeletedChannelSnapshots {
		chanSnaps = append(chanSnaps, snap)
	}
	sort.Slice(chanSnaps, func(i, j int) bool {
		ci, cj := chanSnaps[i].Type == platform.ChannelCategory, chanSnaps[j].Type == platform.ChannelCategory
		if ci != cj {
			return ci
		}
		return chanSnaps[i].Position < chanSnaps[j].Position
	})
	for _, snap := range chanSnaps {
		newID, err := e.adapter.CreateChannel(ctx, guildID, sanitizeChannelSnapshot(snap, gp.recreatedParents))
		if err != nil {
			e.logger.Warn("restore: channel recreate failed",
				zap.String("guild_id", guildID), zap.String("name", snap.Name), zap.Error(err))
			continue
		}
		if snap.Type == platform.ChannelCategory {
			if gp.recreatedParents == nil {
				gp.recreatedParents = make(map[string]string)
			}
			gp.recreatedParents[snap.ID] = newID
			gp.Report.CategoriesRecreated++
		} else {
			gp.Report.ChannelsRecreated++
		}
		delete(gp.DeletedChannelSnapshots, snap.ID)
		throttle()
	}
}

// sanitizeChannelSnapshot strips fields the target channel type cannot
// carry and remaps the parent to its recreated id when the original
// category went down with the raid.
func sanitizeChannelSnapshot(snap platform.ChannelSnapshot, parents map[string]string) platform.ChannelSnapshot {
	if !snap.Type.VoiceCapable() {
		snap.Bitrate = 0
		snap.UserLimit = 0
	}
	if snap.Type == platform.ChannelCategory || snap.Type.VoiceCapable() {
		snap.Slowmode = 0
	}
	if newID, ok := parents[snap.ParentID]; ok {
		snap.ParentID = newID
	}
	return snap
}

func restoreComplete(gp *guildPanic, backupSync bool) bool {
	if len(gp.LockedRoles) != 0 || len(gp.LockedChannels) != 0 {
		return false
	}
	if !backupSync {
		return true
	}
	return len(gp.CreatedRoleIDs) == 0 && len(gp.CreatedChannelIDs) == 0 && len(gp.CreatedWebhookIDs) == 0 &&
		len(gp.DeletedRoleSnapshots) == 0 && len(gp.DeletedChannelSnapshots) == 0
}

func (e *Engine) settleLocked(ctx context.Context, guildID string, gp *guildPanic, reason string) {
	cfg := e.conf()
	if restoreComplete(gp, cfg.BackupSync) {
		e.finishLocked(ctx, guildID, gp, reason)
		return
	}

	gp.State = StateRestorePending
	if gp.RestoreRetryCount >= cfg.RestoreRetryMax {
		// Retries exhausted. Shout instead of failing silently; a manual
		// stop can attempt the restore again once permissions are fixed.
		e.audit.Log(ctx, audit.LevelCrit, guildID, "", "restore_pending",
			fmt.Sprintf("case=%s retries=%d roles=%d channels=%d", gp.CaseID, gp.RestoreRetryCount,
				len(gp.LockedRoles), len(gp.LockedChannels)))
		e.adapter.Notify(ctx, platform.Report{
			GuildID: guildID,
			Kind:    "restore_pending",
			Title:   "Restore pending: manual intervention needed",
			Fields: map[string]string{
				"case":             gp.CaseID,
				"retries":          fmt.Sprintf("%d", gp.RestoreRetryCount),
				"roles_pending":    fmt.Sprintf("%d", len(gp.LockedRoles)),
				"channels_pending": fmt.Sprintf("%d", len(gp.LockedChannels)),
			},
			At: e.clock.Now(),
		})
		e.manager.MarkDirty(guildID)
		return
	}

	e.scheduleRetryLocked(guildID, gp)
	e.manager.MarkDirty(guildID)
}

func (e *Engine) scheduleRetryLocked(guildID string, gp *guildPanic) {
	if gp.retryTimer != nil {
		gp.retryTimer.Stop()
	}
	delay := time.Duration(e.conf().RestoreRetrySecs) * time.Second
	gp.retryTimer = e.clock.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		e.manager.Do(guildID, func() {
			gp := e.stateLocked(guildID)
			if gp.State != StateRestorePending {
				return
			}
			e.retryRestoreLocked(ctx, guildID, gp)
		})
	})
}

func (e *Engine) retryRestoreLocked(ctx context.Context, guildID string, gp *guildPanic) {
	gp.State = StateRetryingRestore
	gp.RestoreRetryCount++
	if e.metrics != nil {
		e.metrics.RestoresRetried.Inc()
	}
	e.restorePassLocked(ctx, guildID, gp)
	if e.conf().BackupSync {
		e.backupSyncLocked(ctx, guildID, gp)
	}
	e.settleLocked(ctx, guildID, gp, "retry")
}

// finishLocked closes the panic window: state back to idle, heat drained,
// closing report emitted, persisted document dropped.
func (e *Engine) finishLocked(ctx context.Context, guildID string, gp *guildPanic, reason string) {
	if gp.unlockTimer != nil {
		gp.unlockTimer.Stop()
		gp.unlockTimer = nil
	}
	if gp.retryTimer != nil {
		gp.retryTimer.Stop()
		gp.retryTimer = nil
	}

	report := gp.Report
	caseID := gp.CaseID

	gp.State = StateIdle
	gp.Heat = 0
	gp.HeatUpdatedAt = e.clock.Now()
	gp.RestoreRetryCount = 0
	gp.recreatedParents = nil
	gp.creatorCooldowns = make(map[string]time.Time)
	gp.quarantined = make(map[string]time.Time)

	if e.metrics != nil {
		e.metrics.PanicsRestored.Inc()
	}
	e.audit.Log(ctx, audit.LevelWarn, guildID, "", "panic_restored",
		fmt.Sprintf("case=%s reason=%s roles=%d channels=%d quarantined=%d",
			caseID, reason, report.RolesRestored, report.ChannelsRestored, report.Quarantined))
	e.adapter.Notify(ctx, platform.Report{
		GuildID: guildID,
		Kind:    "panic_restored",
		Title:   "Panic mode lifted",
		Fields: map[string]string{
			"case":                 caseID,
			"reason":               reason,
			"roles_restored":       fmt.Sprintf("%d", report.RolesRestored),
			"channels_restored":    fmt.Sprintf("%d", report.ChannelsRestored),
			"roles_rolled_back":    fmt.Sprintf("%d", report.RolesDeleted),
			"channels_rolled_back": fmt.Sprintf("%d", report.ChannelsDeleted),
			"webhooks_rolled_back": fmt.Sprintf("%d", report.WebhooksDeleted),
			"roles_recreated":      fmt.Sprintf("%d", report.RolesRecreated),
			"channels_recreated":   fmt.Sprintf("%d", report.ChannelsRecreated+report.CategoriesRecreated),
			"quarantined":          fmt.Sprintf("%d", report.Quarantined),
		},
		At: e.clock.Now(),
	})
	e.manager.MarkDirty(guildID)
}
