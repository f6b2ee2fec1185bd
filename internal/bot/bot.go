// Package bot binds the enforcement core to the Discord gateway. It owns
// the session, translates gateway events into core calls and keeps the
// role/channel snapshots the rollback machinery needs when something gets
// deleted out from under it.
package bot

import (
	"context"
	"sync"
	"time"

	"warden-core/internal/allowlist"
	"warden-core/internal/analytics"
	"warden-core/internal/config"
	"warden-core/internal/core"
	"warden-core/internal/heatmod"
	"warden-core/internal/joinraid"
	"warden-core/internal/metrics"
	"warden-core/internal/modules/audit"
	"warden-core/internal/panicmode"
	"warden-core/internal/platform"
	"warden-core/internal/storage"
	"warden-core/internal/tracker"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

type Bot struct {
	logger  *zap.Logger
	store   *storage.Store
	session *discordgo.Session
	adapter *sessionAdapter
	metrics *metrics.Metrics
	audit   *audit.Logger

	core      *core.Core
	tracker   *tracker.Tracker
	panic     *panicmode.Engine
	heat      *heatmod.Engine
	raid      *joinraid.Engine
	analytics *analytics.Service

	// Snapshots of live roles and channels, taken from gateway state so a
	// delete event still has something to hand the rollback pass.
	snapMu    sync.Mutex
	roleSnaps map[string]map[string]platform.RoleSnapshot
	chanSnaps map[string]map[string]platform.ChannelSnapshot
}

func New(cfg config.Config, logger *zap.Logger, store *storage.Store, m *metrics.Metrics) (*Bot, error) {
	session, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		return nil, err
	}

	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildBans |
		discordgo.IntentsGuildWebhooks |
		discordgo.IntentsGuildInvites |
		discordgo.IntentsMessageContent

	b := &Bot{
		logger:    logger,
		store:     store,
		session:   session,
		metrics:   m,
		roleSnaps: make(map[string]map[string]platform.RoleSnapshot),
		chanSnaps: make(map[string]map[string]platform.ChannelSnapshot),
	}

	b.adapter = newSessionAdapter(session, cfg.LogChannelID, logger)
	auditLogger := audit.NewLogger(store, logger)
	b.audit = auditLogger

	b.tracker = tracker.New(cfg.Tracker)
	b.panic = panicmode.New(cfg.Panic, b.adapter, store, auditLogger, logger, m)
	b.heat = heatmod.New(cfg.Heat, b.adapter, store, auditLogger, logger, m)
	b.raid = joinraid.New(cfg.Raid, b.adapter, store, auditLogger, logger, m)
	b.raid.SetActivator(b.heat)
	b.analytics = analytics.New(store)

	b.core = core.New(cfg, b.tracker, b.panic, b.heat, b.raid, allowlist.New(), auditLogger, logger)

	return b, nil
}

// Core exposes the operator surface for the reload watcher and tooling.
func (b *Bot) Core() *core.Core { return b.core }

func (b *Bot) Start() error {
	b.session.AddHandler(b.onReady)
	b.session.AddHandler(b.onGuildCreate)
	b.session.AddHandler(b.onGuildDelete)
	b.session.AddHandler(b.onMessageCreate)
	b.session.AddHandler(b.onGuildMemberAdd)
	b.session.AddHandler(b.onGuildMemberRemove)
	b.session.AddHandler(b.onGuildBanAdd)
	b.session.AddHandler(b.onChannelCreate)
	b.session.AddHandler(b.onChannelUpdate)
	b.session.AddHandler(b.onChannelDelete)
	b.session.AddHandler(b.onRoleCreate)
	b.session.AddHandler(b.onRoleUpdate)
	b.session.AddHandler(b.onRoleDelete)
	b.session.AddHandler(b.onWebhooksUpdate)
	b.session.AddHandler(b.onInviteCreate)
	b.session.AddHandler(b.onInteractionCreate)

	if err := b.session.Open(); err != nil {
		return err
	}
	return b.registerCommands()
}

// Resume replays persisted state: interrupted panic restores and open raid
// windows with their temp bans. Runs after the gateway is up so adapter
// calls can succeed.
func (b *Bot) Resume(ctx context.Context) {
	if err := b.panic.ResumeAll(ctx); err != nil {
		b.logger.Warn("panic state resume failed", zap.Error(err))
	}
	if err := b.raid.ResumeAll(ctx); err != nil {
		b.logger.Warn("raid state resume failed", zap.Error(err))
	}
}

func (b *Bot) Close(ctx context.Context) {
	b.panic.FlushAll(ctx)
	b.raid.FlushAll(ctx)
	if b.session != nil {
		_ = b.session.Close()
	}
}

func (b *Bot) onReady(session *discordgo.Session, event *discordgo.Ready) {
	b.logger.Info("gateway ready",
		zap.String("user", session.State.User.Username),
		zap.Int("guilds", len(event.Guilds)))
}

func (b *Bot) onGuildCreate(session *discordgo.Session, event *discordgo.GuildCreate) {
	if event.Guild == nil || event.Guild.ID == "" {
		return
	}
	b.snapMu.Lock()
	roles := make(map[string]platform.RoleSnapshot, len(event.Guild.Roles))
	for _, role := range event.Guild.Roles {
		if role == nil {
			continue
		}
		roles[role.ID] = roleSnapshot(role)
	}
	b.roleSnaps[event.Guild.ID] = roles

	channels := make(map[string]platform.ChannelSnapshot, len(event.Guild.Channels))
	for _, channel := range event.Guild.Channels {
		if channel == nil {
			continue
		}
		channels[channel.ID] = channelSnapshot(channel)
	}
	b.chanSnaps[event.Guild.ID] = channels
	b.snapMu.Unlock()
}

func (b *Bot) onGuildDelete(session *discordgo.Session, event *discordgo.GuildDelete) {
	if event.Guild == nil || event.Guild.ID == "" {
		return
	}
	// An outage marks the guild unavailable without removing the bot; only
	// a real removal drops state.
	if event.Unavailable {
		return
	}
	b.core.Forget(event.Guild.ID)
	b.snapMu.Lock()
	delete(b.roleSnaps, event.Guild.ID)
	delete(b.chanSnaps, event.Guild.ID)
	b.snapMu.Unlock()
	b.logger.Info("guild removed, state dropped", zap.String("guild_id", event.Guild.ID))
}

func (b *Bot) onMessageCreate(session *discordgo.Session, msg *discordgo.MessageCreate) {
	if msg.Author == nil || msg.GuildID == "" {
		return
	}
	if msg.Author.ID == session.State.User.ID {
		return
	}
	if msg.Author.Bot && msg.WebhookID == "" {
		return
	}

	created, _ := discordgo.SnowflakeTimestamp(msg.Author.ID)
	b.heat.HandleMessage(context.Background(), heatmod.Message{
		GuildID:          msg.GuildID,
		ChannelID:        msg.ChannelID,
		MessageID:        msg.ID,
		UserID:           msg.Author.ID,
		Content:          msg.Content,
		MentionUsers:     len(msg.Mentions),
		MentionRoles:     len(msg.MentionRoles),
		MentionsEveryone: msg.MentionEveryone,
		Attachments:      len(msg.Attachments),
		Embeds:           len(msg.Embeds),
		Stickers:         len(msg.StickerItems),
		IsWebhook:        msg.WebhookID != "",
		WebhookID:        msg.WebhookID,
		ApplicationID:    msg.ApplicationID,
		WebhookVerified:  msg.ApplicationID != "",
		AccountCreatedAt: created,
		At:               time.Now(),
	})
}

func (b *Bot) onGuildMemberAdd(session *discordgo.Session, event *discordgo.GuildMemberAdd) {
	if event.Member == nil || event.Member.User == nil || event.GuildID == "" {
		return
	}
	user := event.Member.User
	created, _ := discordgo.SnowflakeTimestamp(user.ID)
	display := event.Member.Nick
	if display == "" {
		display = user.Username
	}
	b.raid.HandleJoin(context.Background(), platform.Member{
		GuildID:     event.GuildID,
		UserID:      user.ID,
		DisplayName: display,
		CreatedAt:   created,
		HasAvatar:   user.Avatar != "",
		IsBot:       user.Bot,
		JoinedAt:    time.Now(),
	})
}

func roleSnapshot(role *discordgo.Role) platform.RoleSnapshot {
	return platform.RoleSnapshot{
		ID:          role.ID,
		Name:        role.Name,
		Permissions: role.Permissions,
		Position:    role.Position,
		Color:       role.Color,
		Hoist:       role.Hoist,
		Mentionable: role.Mentionable,
	}
}

func channelSnapshot(channel *discordgo.Channel) platform.ChannelSnapshot {
	snap := toPlatformChannel(channel)
	return platform.ChannelSnapshot{
		ID:         snap.ID,
		Name:       snap.Name,
		Type:       snap.Type,
		ParentID:   snap.ParentID,
		Position:   snap.Position,
		Topic:      snap.Topic,
		NSFW:       snap.NSFW,
		Bitrate:    snap.Bitrate,
		UserLimit:  snap.UserLimit,
		Slowmode:   snap.Slowmode,
		Overwrites: snap.Overwrites,
	}
}
