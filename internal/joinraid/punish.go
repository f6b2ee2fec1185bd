package joinraid

import (
	"context"
	"fmt"
	"strings"
	"time"

	"warden-core/internal/modules/audit"
	"warden-core/internal/platform"

	"go.uber.org/zap"
)

// punishLocked applies the configured punishment to a joiner caught inside
// an open raid window. Primary action falls back to timeout when the
// platform refuses; bans are temporary and scheduled for reversal at
// window expiry.
func (e *Engine) punishLocked(ctx context.Context, guildID string, gr *guildRaid, member platform.Member, reasons []string, now time.Time) {
	cfg := e.conf()

	for _, caught := range gr.CaughtUserIDs {
		if caught == member.UserID {
			return
		}
	}

	// DM before the ban lands; afterwards the shared guild is gone.
	if cfg.DMNotice != "" {
		if err := e.adapter.SendDM(ctx, member.UserID, cfg.DMNotice); err != nil {
			e.logger.Debug("raid DM failed", zap.String("user_id", member.UserID), zap.Error(err))
		}
	}

	marker := fmt.Sprintf("%s case=%s", banMarkerPrefix, gr.RaidCaseCode)
	kind := cfg.Punishment
	var err error
	switch cfg.Punishment {
	case "ban":
		err = e.adapter.BanMember(ctx, guildID, member.UserID, marker, cfg.BanPurgeDays)
	case "kick":
		err = e.adapter.KickMember(ctx, guildID, member.UserID, marker)
	default:
		kind = "timeout"
		err = e.adapter.TimeoutMember(ctx, guildID, member.UserID, now.Add(time.Duration(cfg.TimeoutMinutes)*time.Minute))
	}

	if err != nil && !platform.IsGone(err) && kind != "timeout" {
		e.logger.Warn("raid punishment failed, falling back to timeout",
			zap.String("guild_id", guildID), zap.String("user_id", member.UserID),
			zap.String("punishment", kind), zap.Error(err))
		kind = "timeout"
		err = e.adapter.TimeoutMember(ctx, guildID, member.UserID, now.Add(time.Duration(cfg.TimeoutMinutes)*time.Minute))
	}
	if err != nil && !platform.IsGone(err) {
		e.logger.Warn("raid punishment failed",
			zap.String("guild_id", guildID), zap.String("user_id", member.UserID), zap.Error(err))
		return
	}

	gr.CaughtUserIDs = append(gr.CaughtUserIDs, member.UserID)
	if kind == "ban" {
		gr.Bans = append(gr.Bans, tempBan{UserID: member.UserID, UnbanAt: gr.RaidUntil, Marker: marker})
		e.armUnbanLocked(guildID, gr, member.UserID, gr.RaidUntil, now)
	}
	if e.metrics != nil {
		e.metrics.RaidPunishments.WithLabelValues(kind).Inc()
	}
	e.audit.Log(ctx, audit.LevelCrit, guildID, member.UserID, "raid_punish",
		fmt.Sprintf("case=%s action=%s reasons=%s", gr.RaidCaseCode, kind, strings.Join(reasons, ",")))
}

// armUnbanLocked schedules the reversal of one temporary ban. The timer
// re-enters the guild lock and re-validates the entry still exists, since a
// restart reconciliation may already have handled it.
func (e *Engine) armUnbanLocked(guildID string, gr *guildRaid, userID string, unbanAt, now time.Time) {
	if t := gr.banTimers[userID]; t != nil {
		t.Stop()
	}
	delay := unbanAt.Sub(now)
	if delay < 0 {
		delay = 0
	}
	gr.banTimers[userID] = e.clock.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		e.manager.Do(guildID, func() {
			gr := e.stateLocked(guildID)
			e.liftBanLocked(ctx, guildID, gr, userID)
		})
	})
}

// liftBanLocked reverses one temp ban and drops its entry. Not-found means
// someone already unbanned the user, which is still success.
func (e *Engine) liftBanLocked(ctx context.Context, guildID string, gr *guildRaid, userID string) {
	idx := -1
	for i, ban := range gr.Bans {
		if ban.UserID == userID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}

	if err := e.adapter.UnbanMember(ctx, guildID, userID); err != nil && !platform.IsGone(err) {
		e.logger.Warn("temp ban reversal failed, keeping entry",
			zap.String("guild_id", guildID), zap.String("user_id", userID), zap.Error(err))
		return
	}

	gr.Bans = append(gr.Bans[:idx], gr.Bans[idx+1:]...)
	delete(gr.banTimers, userID)
	if e.metrics != nil {
		e.metrics.TempBansReversed.Inc()
	}
	e.audit.Log(ctx, audit.LevelInfo, guildID, userID, "raid_unban", "temporary raid ban lifted")
	e.manager.MarkDirty(guildID)
}
