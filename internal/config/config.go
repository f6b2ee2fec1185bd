package config

import (
	"errors"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

type Config struct {
	DiscordToken string        `yaml:"discord_token"`
	DatabasePath string        `yaml:"database_path"`
	LogLevel     string        `yaml:"log_level"`
	LogChannelID string        `yaml:"log_channel_id"`
	Preset       string        `yaml:"preset"`
	Health       HealthConfig  `yaml:"health"`
	Tracker      TrackerConfig `yaml:"tracker"`
	Panic        PanicConfig   `yaml:"panic"`
	Heat         HeatConfig    `yaml:"heat"`
	Raid         RaidConfig    `yaml:"raid"`
}

type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Clone returns a config sharing no mutable state with the receiver. The
// category map is the one field a dotted-path update writes through, so
// trial copies and engine copies must not alias it.
func (c Config) Clone() Config {
	out := c
	out.Tracker = c.Tracker.Clone()
	return out
}

// CategoryLimits are the per-category thresholds of the privileged-action
// tracker. HeatPerAction is a percentage of the 0-100 heat scale added per
// hit inside the hour window.
type CategoryLimits struct {
	MinuteLimit   int     `yaml:"minute_limit"`
	HourLimit     int     `yaml:"hour_limit"`
	HeatPerAction float64 `yaml:"heat_per_action"`
}

type TrackerConfig struct {
	Categories           map[string]CategoryLimits `yaml:"categories"`
	PunishCooldownSecs   int                       `yaml:"punish_cooldown_seconds"`
	BurstWindowSecs      int                       `yaml:"burst_window_seconds"`
	BurstHeatThreshold   float64                   `yaml:"burst_heat_threshold"`
	DedupeTargetMillis   int                       `yaml:"dedupe_target_millis"`
	DedupeNoTargetMillis int                       `yaml:"dedupe_no_target_millis"`
	IdleSweepMinutes     int                       `yaml:"idle_sweep_minutes"`
}

// Clone copies the tunables with a category map of their own.
func (t TrackerConfig) Clone() TrackerConfig {
	out := t
	out.Categories = make(map[string]CategoryLimits, len(t.Categories))
	for name, limits := range t.Categories {
		out.Categories[name] = limits
	}
	return out
}

type PanicConfig struct {
	HeatThreshold     float64  `yaml:"heat_threshold"`
	DecayPerSecond    float64  `yaml:"decay_per_second"`
	DurationSecs      int      `yaml:"duration_seconds"`
	ExtendSecs        int      `yaml:"extend_seconds"`
	MaxDurationSecs   int      `yaml:"max_duration_seconds"`
	InstantRollback   bool     `yaml:"instant_rollback"`
	BackupSync        bool     `yaml:"backup_sync"`
	BatchSize         int      `yaml:"batch_size"`
	BatchPauseMillis  int      `yaml:"batch_pause_millis"`
	RestoreRetrySecs  int      `yaml:"restore_retry_seconds"`
	RestoreRetryMax   int      `yaml:"restore_retry_max"`
	QuarantineRoleID  string   `yaml:"quarantine_role_id"`
	AllowedRoleIDs    []string `yaml:"allowed_role_ids"`
	ExtraLockRoleIDs  []string `yaml:"extra_lock_role_ids"`
	CreatorCooldownMs int      `yaml:"creator_cooldown_millis"`
}

type HeatConfig struct {
	WarnThreshold     float64  `yaml:"warn_threshold"`
	DeleteThreshold   float64  `yaml:"delete_threshold"`
	TimeoutThreshold  float64  `yaml:"timeout_threshold"`
	DecayPerSecond    float64  `yaml:"decay_per_second"`
	ClusterCap        float64  `yaml:"cluster_cap"`
	BurstMessages     int      `yaml:"burst_messages"`
	BurstWindowSecs   int      `yaml:"burst_window_seconds"`
	SimilarityMin     float64  `yaml:"similarity_min"`
	MentionHourCap    int      `yaml:"mention_hour_cap"`
	MentionBurstCap   int      `yaml:"mention_burst_cap"`
	MentionBurstSecs  int      `yaml:"mention_burst_seconds"`
	MaxNewlines       int      `yaml:"max_newlines"`
	MaxEmoji          int      `yaml:"max_emoji"`
	CapsRatioMax      float64  `yaml:"caps_ratio_max"`
	ZalgoRatioMax     float64  `yaml:"zalgo_ratio_max"`
	MaxAttachments    int      `yaml:"max_attachments"`
	MaxLinks          int      `yaml:"max_links"`
	TimeoutBaseMins   int      `yaml:"timeout_base_minutes"`
	TimeoutCapMins    int      `yaml:"timeout_cap_minutes"`
	TimeoutMultiplier float64  `yaml:"timeout_multiplier"`
	StrikeResetMins   int      `yaml:"strike_reset_minutes"`
	RaidAccounts      int      `yaml:"raid_accounts"`
	RaidWindowSecs    int      `yaml:"raid_window_seconds"`
	RaidDurationSecs  int      `yaml:"raid_duration_seconds"`
	YoungAccountHours int      `yaml:"young_account_hours"`
	ShortLinkHops     int      `yaml:"short_link_hops"`
	OwnInviteCodes    []string `yaml:"own_invite_codes"`
	VanityCode        string   `yaml:"vanity_code"`
	BlacklistWords    []string `yaml:"blacklist_words"`
	NSFWDomains       []string `yaml:"nsfw_domains"`
	TrustedWebhookIDs []string `yaml:"trusted_webhook_ids"`
	TrustedAppIDs     []string `yaml:"trusted_app_ids"`
}

type RaidConfig struct {
	TriggerCount        int    `yaml:"trigger_count"`
	TriggerWindowSecs   int    `yaml:"trigger_window_seconds"`
	RaidDurationSecs    int    `yaml:"raid_duration_seconds"`
	CompareWindowSecs   int    `yaml:"compare_window_seconds"`
	AccountFilter       string `yaml:"account_filter"`
	DistinctUsers       bool   `yaml:"distinct_users"`
	YoungAccountHours   int    `yaml:"young_account_hours"`
	IDDeltaSecs         int    `yaml:"id_delta_seconds"`
	SkeletonPrefixLen   int    `yaml:"skeleton_prefix_len"`
	AdaptiveCorrelation bool   `yaml:"adaptive_correlation"`
	StaticMatches       int    `yaml:"static_matches"`
	Punishment          string `yaml:"punishment"`
	TimeoutMinutes      int    `yaml:"timeout_minutes"`
	BanPurgeDays        int    `yaml:"ban_purge_days"`
	DMNotice            string `yaml:"dm_notice"`
}

func DefaultConfig() Config {
	return Config{
		DatabasePath: "/data/warden.db",
		LogLevel:     "info",
		Preset:       "balanced",
		Health:       HealthConfig{Enabled: false, Addr: ":8080"},
		Tracker: TrackerConfig{
			Categories: map[string]CategoryLimits{
				"kick_ban":       {MinuteLimit: 4, HourLimit: 12, HeatPerAction: 12},
				"role_create":    {MinuteLimit: 5, HourLimit: 15, HeatPerAction: 8},
				"role_delete":    {MinuteLimit: 3, HourLimit: 10, HeatPerAction: 14},
				"channel_create": {MinuteLimit: 5, HourLimit: 15, HeatPerAction: 8},
				"channel_delete": {MinuteLimit: 3, HourLimit: 10, HeatPerAction: 14},
				"webhook_create": {MinuteLimit: 4, HourLimit: 12, HeatPerAction: 10},
				"webhook_update": {MinuteLimit: 6, HourLimit: 20, HeatPerAction: 6},
				"webhook_delete": {MinuteLimit: 4, HourLimit: 12, HeatPerAction: 10},
				"invite_create":  {MinuteLimit: 8, HourLimit: 30, HeatPerAction: 4},
			},
			PunishCooldownSecs:   15,
			BurstWindowSecs:      20,
			BurstHeatThreshold:   60,
			DedupeTargetMillis:   3500,
			DedupeNoTargetMillis: 900,
			IdleSweepMinutes:     60,
		},
		Panic: PanicConfig{
			HeatThreshold:     100,
			DecayPerSecond:    0.8,
			DurationSecs:      300,
			ExtendSecs:        120,
			MaxDurationSecs:   1800,
			InstantRollback:   true,
			BackupSync:        true,
			BatchSize:         5,
			BatchPauseMillis:  750,
			RestoreRetrySecs:  60,
			RestoreRetryMax:   30,
			CreatorCooldownMs: 20000,
		},
		Heat: HeatConfig{
			WarnThreshold:     40,
			DeleteThreshold:   70,
			TimeoutThreshold:  100,
			DecayPerSecond:    1.5,
			ClusterCap:        60,
			BurstMessages:     6,
			BurstWindowSecs:   8,
			SimilarityMin:     0.85,
			MentionHourCap:    30,
			MentionBurstCap:   8,
			MentionBurstSecs:  20,
			MaxNewlines:       15,
			MaxEmoji:          12,
			CapsRatioMax:      0.8,
			ZalgoRatioMax:     0.3,
			MaxAttachments:    6,
			MaxLinks:          4,
			TimeoutBaseMins:   10,
			TimeoutCapMins:    60,
			TimeoutMultiplier: 2,
			StrikeResetMins:   120,
			RaidAccounts:      4,
			RaidWindowSecs:    60,
			RaidDurationSecs:  600,
			YoungAccountHours: 72,
			ShortLinkHops:     4,
		},
		Raid: RaidConfig{
			TriggerCount:        10,
			TriggerWindowSecs:   60,
			RaidDurationSecs:    900,
			CompareWindowSecs:   120,
			AccountFilter:       "young-or-no-pfp",
			DistinctUsers:       true,
			YoungAccountHours:   168,
			IDDeltaSecs:         3600,
			SkeletonPrefixLen:   5,
			AdaptiveCorrelation: true,
			StaticMatches:       3,
			Punishment:          "ban",
			TimeoutMinutes:      60,
			BanPurgeDays:        1,
			DMNotice:            "You were removed during an anti-raid lockdown. If this was a mistake, rejoin once the lockdown lifts.",
		},
	}
}

func Load() (Config, error) {
	cfg := DefaultConfig()

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, err
		}
	}

	applyEnv(&cfg)
	if cfg.DiscordToken == "" {
		return Config{}, errors.New("DISCORD_TOKEN is required")
	}

	cfg.Preset = NormalizePreset(cfg.Preset)
	ApplyPreset(&cfg, cfg.Preset)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadFile reads a specific config file, used by the reload watcher.
func LoadFile(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	applyEnv(&cfg)
	cfg.Preset = NormalizePreset(cfg.Preset)
	ApplyPreset(&cfg, cfg.Preset)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces ordering and range invariants the engines rely on.
func (c Config) Validate() error {
	if !(c.Heat.WarnThreshold < c.Heat.DeleteThreshold && c.Heat.DeleteThreshold < c.Heat.TimeoutThreshold) {
		return errors.New("heat thresholds must be ordered warn < delete < timeout")
	}
	if c.Panic.MaxDurationSecs < c.Panic.DurationSecs {
		return errors.New("panic max duration must be >= duration")
	}
	if c.Raid.TriggerCount <= 0 || c.Raid.TriggerWindowSecs <= 0 {
		return errors.New("raid trigger count and window must be positive")
	}
	switch c.Raid.AccountFilter {
	case "any", "young", "no-pfp", "young-or-no-pfp", "id-only":
	default:
		return errors.New("unknown raid account filter: " + c.Raid.AccountFilter)
	}
	switch c.Raid.Punishment {
	case "ban", "kick", "timeout":
	default:
		return errors.New("unknown raid punishment: " + c.Raid.Punishment)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.DiscordToken = envString("DISCORD_TOKEN", cfg.DiscordToken)
	cfg.DatabasePath = envString("DATABASE_PATH", cfg.DatabasePath)
	cfg.LogLevel = envString("LOG_LEVEL", cfg.LogLevel)
	cfg.LogChannelID = envString("LOG_CHANNEL_ID", cfg.LogChannelID)
	cfg.Preset = envString("PRESET", cfg.Preset)
	cfg.Health.Enabled = envBool("HEALTH_ENABLED", cfg.Health.Enabled)
	cfg.Health.Addr = envString("HEALTH_ADDR", cfg.Health.Addr)
	cfg.Panic.InstantRollback = envBool("PANIC_INSTANT_ROLLBACK", cfg.Panic.InstantRollback)
	cfg.Panic.BackupSync = envBool("PANIC_BACKUP_SYNC", cfg.Panic.BackupSync)
	cfg.Panic.QuarantineRoleID = envString("QUARANTINE_ROLE_ID", cfg.Panic.QuarantineRoleID)
	cfg.Raid.TriggerCount = envInt("RAID_TRIGGER_COUNT", cfg.Raid.TriggerCount)
	cfg.Raid.TriggerWindowSecs = envInt("RAID_TRIGGER_WINDOW_SECONDS", cfg.Raid.TriggerWindowSecs)
	cfg.Raid.Punishment = envString("RAID_PUNISHMENT", cfg.Raid.Punishment)
}

func BuildLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "json"
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.MessageKey = "message"
	cfg.EncoderConfig.LevelKey = "level"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	lvl := strings.ToLower(level)
	switch lvl {
	case "debug", "info", "warn", "error":
		cfg.Level = zap.NewAtomicLevelAt(parseLevel(lvl))
	default:
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	return cfg.Build()
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func envString(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		lower := strings.ToLower(value)
		return lower == "1" || lower == "true" || lower == "yes"
	}
	return fallback
}
