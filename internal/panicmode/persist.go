package panicmode

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"warden-core/internal/platform"
	"warden-core/internal/storage"

	"go.uber.org/zap"
)

// panicDoc is the crash-safe wire form of an in-flight panic. Timers and
// per-user cooldowns are rebuilt, not persisted.
type panicDoc struct {
	State         int       `json:"state"`
	Heat          float64   `json:"heat"`
	HeatUpdatedAt time.Time `json:"heatUpdatedAt"`
	StartedAt     time.Time `json:"startedAt"`
	ActiveUntil   time.Time `json:"activeUntil"`
	CaseID        string    `json:"caseId"`

	LockedRoles    map[string]int64                        `json:"lockedRoles,omitempty"`
	LockedChannels map[string]map[string]OverwriteSnapshot `json:"lockedChannels,omitempty"`

	CreatedRoleIDs    []string `json:"createdRoles,omitempty"`
	CreatedChannelIDs []string `json:"createdChannels,omitempty"`
	CreatedWebhookIDs []string `json:"createdWebhooks,omitempty"`

	DeletedRoles    map[string]platform.RoleSnapshot    `json:"deletedRoles,omitempty"`
	DeletedChannels map[string]platform.ChannelSnapshot `json:"deletedChannels,omitempty"`

	RestoreRetryCount int    `json:"restoreRetryCount"`
	Report            Report `json:"report"`
}

func setToSlice(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

func sliceToSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// saveDoc is the manager's write-behind target. An idle guild gets its
// document deleted instead of an empty write.
func (e *Engine) saveDoc(ctx context.Context, guildID string) error {
	var doc *panicDoc
	e.manager.Do(guildID, func() {
		e.statesMu.Lock()
		gp := e.states[guildID]
		e.statesMu.Unlock()
		if gp == nil || gp.State == StateIdle {
			return
		}
		doc = &panicDoc{
			State:             int(gp.State),
			Heat:              gp.Heat,
			HeatUpdatedAt:     gp.HeatUpdatedAt,
			StartedAt:         gp.StartedAt,
			ActiveUntil:       gp.ActiveUntil,
			CaseID:            gp.CaseID,
			LockedRoles:       gp.LockedRoles,
			LockedChannels:    gp.LockedChannels,
			CreatedRoleIDs:    setToSlice(gp.CreatedRoleIDs),
			CreatedChannelIDs: setToSlice(gp.CreatedChannelIDs),
			CreatedWebhookIDs: setToSlice(gp.CreatedWebhookIDs),
			DeletedRoles:      gp.DeletedRoleSnapshots,
			DeletedChannels:   gp.DeletedChannelSnapshots,
			RestoreRetryCount: gp.RestoreRetryCount,
			Report:            gp.Report,
		}
	})

	if doc == nil {
		return e.store.DeleteGuildDoc(ctx, storage.DocPanic, guildID)
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal panic doc: %w", err)
	}
	return e.store.UpsertGuildDoc(ctx, storage.DocPanic, guildID, payload)
}

// loadDoc is the manager's cold load. It only fills a guild that has no
// live state yet; a panic already running in memory wins over the disk.
func (e *Engine) loadDoc(ctx context.Context, guildID string) error {
	payload, err := e.store.GetGuildDoc(ctx, storage.DocPanic, guildID)
	if err != nil || payload == nil {
		return err
	}

	var doc panicDoc
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("unmarshal panic doc: %w", err)
	}

	e.statesMu.Lock()
	defer e.statesMu.Unlock()
	if existing := e.states[guildID]; existing != nil && existing.State != StateIdle {
		return nil
	}

	gp := newGuildPanic()
	gp.State = State(doc.State)
	gp.Heat = doc.Heat
	gp.HeatUpdatedAt = doc.HeatUpdatedAt
	gp.StartedAt = doc.StartedAt
	gp.ActiveUntil = doc.ActiveUntil
	gp.CaseID = doc.CaseID
	if doc.LockedRoles != nil {
		gp.LockedRoles = doc.LockedRoles
	}
	if doc.LockedChannels != nil {
		gp.LockedChannels = doc.LockedChannels
	}
	gp.CreatedRoleIDs = sliceToSet(doc.CreatedRoleIDs)
	gp.CreatedChannelIDs = sliceToSet(doc.CreatedChannelIDs)
	gp.CreatedWebhookIDs = sliceToSet(doc.CreatedWebhookIDs)
	if doc.DeletedRoles != nil {
		gp.DeletedRoleSnapshots = doc.DeletedRoles
	}
	if doc.DeletedChannels != nil {
		gp.DeletedChannelSnapshots = doc.DeletedChannels
	}
	gp.RestoreRetryCount = doc.RestoreRetryCount
	gp.Report = doc.Report
	e.states[guildID] = gp
	return nil
}

// ResumeAll picks up in-flight panics after a restart: expired or
// mid-restore guilds get an immediate restore pass, still-active guilds get
// their unlock timer re-armed.
func (e *Engine) ResumeAll(ctx context.Context) error {
	guildIDs, err := e.store.ListGuildDocs(ctx, storage.DocPanic)
	if err != nil {
		return err
	}

	for _, guildID := range guildIDs {
		if err := e.manager.EnsureLoaded(ctx, guildID); err != nil {
			continue
		}
		e.manager.Do(guildID, func() {
			gp := e.stateLocked(guildID)
			now := e.clock.Now()
			switch gp.State {
			case StateActive:
				if now.Before(gp.ActiveUntil) {
					e.logger.Info("resuming active panic",
						zap.String("guild_id", guildID), zap.String("case", gp.CaseID),
						zap.Time("until", gp.ActiveUntil))
					e.armUnlockLocked(guildID, gp, now)
				} else {
					e.unlockLocked(ctx, guildID, gp, "expired")
				}
			case StateUnlocking, StateRestorePending, StateRetryingRestore:
				e.logger.Info("resuming interrupted restore",
					zap.String("guild_id", guildID), zap.String("case", gp.CaseID))
				e.unlockLocked(ctx, guildID, gp, "resume")
			}
		})
	}
	return nil
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
