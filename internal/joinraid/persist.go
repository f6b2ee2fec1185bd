package joinraid

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"warden-core/internal/storage"

	"go.uber.org/zap"
)

// raidDoc is the persisted per-guild document. Field names match the
// guildRaid json tags; timers are process-local and rebuilt on resume.
type raidDoc struct {
	GuildID string `json:"guildId"`
	guildRaid
}

func (e *Engine) saveDoc(ctx context.Context, guildID string) error {
	var payload []byte
	var empty bool
	var err error
	e.manager.Do(guildID, func() {
		e.statesMu.Lock()
		gr := e.states[guildID]
		e.statesMu.Unlock()
		if gr == nil || (len(gr.Samples) == 0 && len(gr.Flagged) == 0 && len(gr.Bans) == 0 && gr.RaidCaseCode == "") {
			empty = true
			return
		}
		payload, err = json.Marshal(raidDoc{GuildID: guildID, guildRaid: *gr})
	})
	if err != nil {
		return fmt.Errorf("marshal raid doc: %w", err)
	}
	if empty {
		return e.store.DeleteGuildDoc(ctx, storage.DocJoinRaid, guildID)
	}
	return e.store.UpsertGuildDoc(ctx, storage.DocJoinRaid, guildID, payload)
}

func (e *Engine) loadDoc(ctx context.Context, guildID string) error {
	payload, err := e.store.GetGuildDoc(ctx, storage.DocJoinRaid, guildID)
	if err != nil || payload == nil {
		return err
	}

	var doc raidDoc
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("unmarshal raid doc: %w", err)
	}

	e.manager.Do(guildID, func() {
		e.statesMu.Lock()
		defer e.statesMu.Unlock()
		if existing := e.states[guildID]; existing != nil {
			return
		}
		gr := newGuildRaid()
		gr.Samples = doc.Samples
		gr.Flagged = doc.Flagged
		gr.Bans = doc.Bans
		gr.RaidUntil = doc.RaidUntil
		gr.RaidCaseCode = doc.RaidCaseCode
		gr.RaidStartedAt = doc.RaidStartedAt
		gr.InitialFlaggedUserIDs = doc.InitialFlaggedUserIDs
		gr.CaughtUserIDs = doc.CaughtUserIDs
		e.states[guildID] = gr
	})
	return nil
}

// ResumeAll is the restart pass: re-arm the close timer for a still-open
// raid window, re-arm unexpired temp bans at their original unbanAt, and
// reconcile already-expired ones immediately, but only when the live ban
// reason still carries this subsystem's marker.
func (e *Engine) ResumeAll(ctx context.Context) error {
	guildIDs, err := e.store.ListGuildDocs(ctx, storage.DocJoinRaid)
	if err != nil {
		return err
	}

	for _, guildID := range guildIDs {
		if err := e.manager.EnsureLoaded(ctx, guildID); err != nil {
			continue
		}
		e.resumeGuild(ctx, guildID)
	}
	return nil
}

func (e *Engine) resumeGuild(ctx context.Context, guildID string) {
	var expired []tempBan
	e.manager.Do(guildID, func() {
		gr := e.stateLocked(guildID)
		now := e.clock.Now()

		if gr.RaidCaseCode != "" {
			if gr.raidOpen(now) {
				e.logger.Info("resuming open raid window",
					zap.String("guild_id", guildID), zap.String("case", gr.RaidCaseCode))
				e.armCloseLocked(guildID, gr, now)
			} else {
				e.closeRaidLocked(ctx, guildID, gr, now)
			}
		}

		for _, ban := range gr.Bans {
			if ban.UnbanAt.After(now) {
				e.armUnbanLocked(guildID, gr, ban.UserID, ban.UnbanAt, now)
			} else {
				expired = append(expired, ban)
			}
		}
	})

	if len(expired) == 0 {
		return
	}

	// The ban list read goes outside the guild lock; reconciliation
	// re-enters it per entry.
	bans, err := e.adapter.Bans(ctx, guildID)
	if err != nil {
		e.logger.Warn("ban list unavailable, deferring reconciliation",
			zap.String("guild_id", guildID), zap.Error(err))
		return
	}
	liveReasons := make(map[string]string, len(bans))
	for _, ban := range bans {
		liveReasons[ban.UserID] = ban.Reason
	}

	e.manager.Do(guildID, func() {
		gr := e.stateLocked(guildID)
		for _, ban := range expired {
			reason, stillBanned := liveReasons[ban.UserID]
			if stillBanned && !strings.HasPrefix(reason, banMarkerPrefix) {
				// A moderator re-banned this user for their own reasons;
				// drop our entry without touching the ban.
				e.dropBanEntryLocked(gr, ban.UserID)
				e.logger.Info("skipping reconciliation, ban reason no longer ours",
					zap.String("guild_id", guildID), zap.String("user_id", ban.UserID))
				continue
			}
			e.liftBanLocked(ctx, guildID, gr, ban.UserID)
		}
		e.manager.MarkDirty(guildID)
	})
}

func (e *Engine) dropBanEntryLocked(gr *guildRaid, userID string) {
	for i, ban := range gr.Bans {
		if ban.UserID == userID {
			gr.Bans = append(gr.Bans[:i], gr.Bans[i+1:]...)
			return
		}
	}
}

// FlushAll forces pending saves out, used on shutdown.
func (e *Engine) FlushAll(ctx context.Context) {
	_ = ctx
	e.statesMu.Lock()
	ids := make([]string, 0, len(e.states))
	for id := range e.states {
		ids = append(ids, id)
	}
	e.statesMu.Unlock()
	for _, guildID := range ids {
		e.manager.Flush(guildID)
	}
}
