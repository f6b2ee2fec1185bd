package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Update applies a single dotted-path tunable change, validating both the
// path and the value. Only detection tunables are reachable; identifiers
// and credentials are not updatable at runtime.
func (c *Config) Update(path, value string) error {
	switch path {
	case "panic.heat_threshold":
		return setFloat(&c.Panic.HeatThreshold, value, 1, 500)
	case "panic.decay_per_second":
		return setFloat(&c.Panic.DecayPerSecond, value, 0, 100)
	case "panic.duration_seconds":
		return setInt(&c.Panic.DurationSecs, value, 30, c.Panic.MaxDurationSecs)
	case "panic.extend_seconds":
		return setInt(&c.Panic.ExtendSecs, value, 10, 3600)
	case "panic.max_duration_seconds":
		return setInt(&c.Panic.MaxDurationSecs, value, c.Panic.DurationSecs, 86400)
	case "panic.instant_rollback":
		return setBool(&c.Panic.InstantRollback, value)
	case "panic.backup_sync":
		return setBool(&c.Panic.BackupSync, value)
	case "tracker.burst_heat_threshold":
		return setFloat(&c.Tracker.BurstHeatThreshold, value, 1, 1000)
	case "tracker.punish_cooldown_seconds":
		return setInt(&c.Tracker.PunishCooldownSecs, value, 1, 600)
	case "heat.warn_threshold":
		return setFloat(&c.Heat.WarnThreshold, value, 1, c.Heat.DeleteThreshold-1)
	case "heat.delete_threshold":
		return setFloat(&c.Heat.DeleteThreshold, value, c.Heat.WarnThreshold+1, c.Heat.TimeoutThreshold-1)
	case "heat.timeout_threshold":
		return setFloat(&c.Heat.TimeoutThreshold, value, c.Heat.DeleteThreshold+1, 200)
	case "heat.decay_per_second":
		return setFloat(&c.Heat.DecayPerSecond, value, 0, 100)
	case "heat.raid_accounts":
		return setInt(&c.Heat.RaidAccounts, value, 2, 100)
	case "raid.trigger_count":
		return setInt(&c.Raid.TriggerCount, value, 2, 1000)
	case "raid.trigger_window_seconds":
		return setInt(&c.Raid.TriggerWindowSecs, value, 5, 3600)
	case "raid.raid_duration_seconds":
		return setInt(&c.Raid.RaidDurationSecs, value, 60, 86400)
	case "raid.account_filter":
		return setEnum(&c.Raid.AccountFilter, value, "any", "young", "no-pfp", "young-or-no-pfp", "id-only")
	case "raid.punishment":
		return setEnum(&c.Raid.Punishment, value, "ban", "kick", "timeout")
	case "raid.adaptive_correlation":
		return setBool(&c.Raid.AdaptiveCorrelation, value)
	default:
		if limits, field, ok := c.trackerCategoryPath(path); ok {
			return c.setCategoryField(limits, field, value)
		}
		return fmt.Errorf("unknown config path %q", path)
	}
}

// tracker.categories.<name>.<field>
func (c *Config) trackerCategoryPath(path string) (string, string, bool) {
	parts := strings.Split(path, ".")
	if len(parts) != 4 || parts[0] != "tracker" || parts[1] != "categories" {
		return "", "", false
	}
	if _, ok := c.Tracker.Categories[parts[2]]; !ok {
		return "", "", false
	}
	return parts[2], parts[3], true
}

func (c *Config) setCategoryField(name, field, value string) error {
	limits := c.Tracker.Categories[name]
	var err error
	switch field {
	case "minute_limit":
		err = setInt(&limits.MinuteLimit, value, 1, 1000)
	case "hour_limit":
		err = setInt(&limits.HourLimit, value, 1, 10000)
	case "heat_per_action":
		err = setFloat(&limits.HeatPerAction, value, 0, 100)
	default:
		return fmt.Errorf("unknown category field %q", field)
	}
	if err != nil {
		return err
	}
	c.Tracker.Categories[name] = limits
	return nil
}

func setInt(dst *int, value string, lo, hi int) error {
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("not an integer: %q", value)
	}
	if parsed < lo || parsed > hi {
		return fmt.Errorf("value %d out of range [%d, %d]", parsed, lo, hi)
	}
	*dst = parsed
	return nil
}

func setFloat(dst *float64, value string, lo, hi float64) error {
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("not a number: %q", value)
	}
	if parsed < lo || parsed > hi {
		return fmt.Errorf("value %g out of range [%g, %g]", parsed, lo, hi)
	}
	*dst = parsed
	return nil
}

func setBool(dst *bool, value string) error {
	switch strings.ToLower(value) {
	case "true", "1", "yes", "on":
		*dst = true
	case "false", "0", "no", "off":
		*dst = false
	default:
		return fmt.Errorf("not a boolean: %q", value)
	}
	return nil
}

func setEnum(dst *string, value string, options ...string) error {
	lower := strings.ToLower(value)
	for _, option := range options {
		if lower == option {
			*dst = option
			return nil
		}
	}
	return fmt.Errorf("value %q not one of %v", value, options)
}
