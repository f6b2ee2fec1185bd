package panicmode

import (
	"context"
	"time"

	"warden-core/internal/config"
	"warden-core/internal/platform"

	"go.uber.org/zap"
)

// Discord permission bits. Role locking strips the bits that let an
// attacker keep doing damage; channel locking denies the bits that let
// members post or speak while the guild is frozen.
const (
	permKickMembers    int64 = 1 << 1
	permBanMembers     int64 = 1 << 2
	permAdministrator  int64 = 1 << 3
	permManageChannels int64 = 1 << 4
	permManageGuild    int64 = 1 << 5
	permAddReactions   int64 = 1 << 6
	permSendMessages   int64 = 1 << 11
	permManageMessages int64 = 1 << 13
	permMentionEveryone int64 = 1 << 17
	permConnect        int64 = 1 << 20
	permSpeak          int64 = 1 << 21
	permManageRoles    int64 = 1 << 28
	permManageWebhooks int64 = 1 << 29

	permCreatePublicThreads   int64 = 1 << 35
	permCreatePrivateThreads  int64 = 1 << 36
	permSendMessagesInThreads int64 = 1 << 38
)

const dangerousRolePerms = permAdministrator |
	permKickMembers | permBanMembers |
	permManageChannels | permManageGuild |
	permManageRoles | permManageWebhooks |
	permManageMessages | permMentionEveryone

const channelLockMask = permSendMessages | permAddReactions |
	permConnect | permSpeak |
	permCreatePublicThreads | permCreatePrivateThreads | permSendMessagesInThreads

// lockdownLocked freezes the guild: dangerous permission bits are stripped
// from every role the bot can edit, and channel overwrites deny posting for
// @everyone plus any configured extra roles. Pre-lock values are snapshotted
// before each mutation so the unlock can put everything back. Mutations are
// throttled in batches to stay under the platform's rate ceiling.
func (e *Engine) lockdownLocked(ctx context.Context, guildID string, gp *guildPanic) {
	cfg := e.conf()
	throttle := e.newThrottle(cfg)

	allowed := make(map[string]struct{}, len(cfg.AllowedRoleIDs))
	for _, id := range cfg.AllowedRoleIDs {
		allowed[id] = struct{}{}
	}

	topPos, err := e.adapter.BotTopRolePosition(ctx, guildID)
	if err != nil {
		e.logger.Warn("lockdown: bot role position unavailable, skipping role freeze",
			zap.String("guild_id", guildID), zap.Error(err))
	} else if roles, err := e.adapter.Roles(ctx, guildID); err != nil {
		e.logger.Warn("lockdown: role list unavailable",
			zap.String("guild_id", guildID), zap.Error(err))
	} else {
		for _, role := range roles {
			if role.Managed || role.Position >= topPos {
				continue
			}
			if _, ok := allowed[role.ID]; ok {
				continue
			}
			if role.Permissions&dangerousRolePerms == 0 {
				continue
			}
			if _, done := gp.LockedRoles[role.ID]; done {
				continue
			}
			if err := e.adapter.SetRolePermissions(ctx, guildID, role.ID, role.Permissions&^dangerousRolePerms); err != nil {
				e.logger.Warn("lockdown: role freeze failed",
					zap.String("guild_id", guildID), zap.String("role_id", role.ID), zap.Error(err))
				continue
			}
			gp.LockedRoles[role.ID] = role.Permissions
			gp.Report.RolesLocked++
			throttle()
		}
	}

	// The @everyone role shares the guild's id.
	targets := append([]string{guildID}, cfg.ExtraLockRoleIDs...)

	channels, err := e.adapter.Channels(ctx, guildID)
	if err != nil {
		e.logger.Warn("lockdown: channel list unavailable",
			zap.String("guild_id", guildID), zap.Error(err))
		return
	}
	for _, ch := range channels {
		locked := false
		for _, target := range targets {
			prev, had := findOverwrite(ch.Overwrites, target)
			if had && prev.Deny&channelLockMask == channelLockMask {
				continue
			}
			ow := platform.Overwrite{
				TargetID: target,
				IsRole:   true,
				Allow:    prev.Allow &^ channelLockMask,
				Deny:     prev.Deny | channelLockMask,
			}
			if err := e.adapter.SetChannelOverwrite(ctx, ch.ID, ow); err != nil {
				e.logger.Warn("lockdown: channel freeze failed",
					zap.String("guild_id", guildID), zap.String("channel_id", ch.ID), zap.Error(err))
				continue
			}
			if gp.LockedChannels[ch.ID] == nil {
				gp.LockedChannels[ch.ID] = make(map[string]OverwriteSnapshot)
			}
			if _, done := gp.LockedChannels[ch.ID][target]; !done {
				gp.LockedChannels[ch.ID][target] = OverwriteSnapshot{
					HadOverwrite: had,
					Allow:        prev.Allow,
					Deny:         prev.Deny,
					IsRole:       true,
				}
			}
			locked = true
			throttle()
		}
		if locked {
			gp.Report.ChannelsLocked++
		}
	}
}

func (e *Engine) newThrottle(cfg config.PanicConfig) func() {
	pause := time.Duration(cfg.BatchPauseMillis) * time.Millisecond
	ops := 0
	return func() {
		ops++
		if cfg.BatchSize > 0 && pause > 0 && ops%cfg.BatchSize == 0 {
			e.sleep(pause)
		}
	}
}

func findOverwrite(ows []platform.Overwrite, targetID string) (platform.Overwrite, bool) {
	for _, ow := range ows {
		if ow.TargetID == targetID && ow.IsRole {
			return ow, true
		}
	}
	return platform.Overwrite{}, false
}
