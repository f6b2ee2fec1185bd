package config

import "strings"

// Preset names. A preset bulk-overwrites the detection tunables; identifiers
// (roles, channels, invite codes) are never touched by a preset.
const (
	PresetSafe     = "safe"
	PresetBalanced = "balanced"
	PresetStrict   = "strict"
)

func NormalizePreset(value string) string {
	switch strings.ToLower(value) {
	case PresetSafe, PresetStrict:
		return strings.ToLower(value)
	default:
		return PresetBalanced
	}
}

// ApplyPreset overwrites the tunables of cfg in place. Balanced is the
// DefaultConfig baseline; safe loosens everything, strict tightens it.
func ApplyPreset(cfg *Config, name string) {
	base := DefaultConfig()
	keepIdentifiers := struct {
		quarantine string
		allowed    []string
		extraLock  []string
		invites    []string
		vanity     string
		webhooks   []string
		apps       []string
		blacklist  []string
		nsfw       []string
		dmNotice   string
	}{
		quarantine: cfg.Panic.QuarantineRoleID,
		allowed:    cfg.Panic.AllowedRoleIDs,
		extraLock:  cfg.Panic.ExtraLockRoleIDs,
		invites:    cfg.Heat.OwnInviteCodes,
		vanity:     cfg.Heat.VanityCode,
		webhooks:   cfg.Heat.TrustedWebhookIDs,
		apps:       cfg.Heat.TrustedAppIDs,
		blacklist:  cfg.Heat.BlacklistWords,
		nsfw:       cfg.Heat.NSFWDomains,
		dmNotice:   cfg.Raid.DMNotice,
	}

	cfg.Tracker = base.Tracker
	cfg.Panic = base.Panic
	cfg.Heat = base.Heat
	cfg.Raid = base.Raid

	switch NormalizePreset(name) {
	case PresetSafe:
		scaleCategories(cfg.Tracker.Categories, 2, 0.6)
		cfg.Tracker.BurstHeatThreshold = 90
		cfg.Panic.HeatThreshold = 120
		cfg.Panic.InstantRollback = false
		cfg.Heat.WarnThreshold = 55
		cfg.Heat.DeleteThreshold = 80
		cfg.Heat.BurstMessages = 9
		cfg.Heat.RaidAccounts = 6
		cfg.Raid.TriggerCount = 14
		cfg.Raid.AccountFilter = "id-only"
		cfg.Raid.Punishment = "timeout"
	case PresetStrict:
		scaleCategories(cfg.Tracker.Categories, -1, 1.4)
		cfg.Tracker.BurstHeatThreshold = 45
		cfg.Panic.HeatThreshold = 80
		cfg.Panic.DurationSecs = 600
		cfg.Heat.WarnThreshold = 30
		cfg.Heat.DeleteThreshold = 55
		cfg.Heat.TimeoutThreshold = 85
		cfg.Heat.BurstMessages = 4
		cfg.Heat.RaidAccounts = 3
		cfg.Raid.TriggerCount = 6
		cfg.Raid.AccountFilter = "any"
		cfg.Raid.Punishment = "ban"
	}

	cfg.Preset = NormalizePreset(name)
	cfg.Panic.QuarantineRoleID = keepIdentifiers.quarantine
	cfg.Panic.AllowedRoleIDs = keepIdentifiers.allowed
	cfg.Panic.ExtraLockRoleIDs = keepIdentifiers.extraLock
	cfg.Heat.OwnInviteCodes = keepIdentifiers.invites
	cfg.Heat.VanityCode = keepIdentifiers.vanity
	cfg.Heat.TrustedWebhookIDs = keepIdentifiers.webhooks
	cfg.Heat.TrustedAppIDs = keepIdentifiers.apps
	cfg.Heat.BlacklistWords = keepIdentifiers.blacklist
	cfg.Heat.NSFWDomains = keepIdentifiers.nsfw
	cfg.Raid.DMNotice = keepIdentifiers.dmNotice
}

func scaleCategories(categories map[string]CategoryLimits, limitDelta int, heatScale float64) {
	for name, limits := range categories {
		limits.MinuteLimit += limitDelta
		if limits.MinuteLimit < 2 {
			limits.MinuteLimit = 2
		}
		limits.HourLimit += limitDelta * 3
		if limits.HourLimit < limits.MinuteLimit {
			limits.HourLimit = limits.MinuteLimit
		}
		limits.HeatPerAction *= heatScale
		categories[name] = limits
	}
}
