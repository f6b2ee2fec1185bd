package bot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"warden-core/internal/platform"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// sessionAdapter implements platform.Adapter on a discordgo session. All
// REST failures collapse into the two error classes the core understands.
type sessionAdapter struct {
	session      *discordgo.Session
	logChannelID string
	logger       *zap.Logger
}

func newSessionAdapter(session *discordgo.Session, logChannelID string, logger *zap.Logger) *sessionAdapter {
	return &sessionAdapter{session: session, logChannelID: logChannelID, logger: logger}
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil {
		switch rest.Response.StatusCode {
		case http.StatusForbidden:
			return fmt.Errorf("%w: %v", platform.ErrPermission, err)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %v", platform.ErrNotFound, err)
		}
	}
	return err
}

func (a *sessionAdapter) BotTopRolePosition(ctx context.Context, guildID string) (int, error) {
	_ = ctx
	guild, err := a.session.State.Guild(guildID)
	if err != nil || guild == nil {
		if guild, err = a.session.Guild(guildID); err != nil {
			return 0, mapErr(err)
		}
	}
	member, err := a.session.State.Member(guildID, a.session.State.User.ID)
	if err != nil || member == nil {
		if member, err = a.session.GuildMember(guildID, a.session.State.User.ID); err != nil {
			return 0, mapErr(err)
		}
	}

	roleSet := make(map[string]struct{}, len(member.Roles))
	for _, id := range member.Roles {
		roleSet[id] = struct{}{}
	}
	top := 0
	for _, role := range guild.Roles {
		if _, ok := roleSet[role.ID]; !ok {
			continue
		}
		if role.Position > top {
			top = role.Position
		}
	}
	return top, nil
}

func (a *sessionAdapter) Roles(ctx context.Context, guildID string) ([]platform.Role, error) {
	_ = ctx
	roles, err := a.session.GuildRoles(guildID)
	if err != nil {
		return nil, mapErr(err)
	}
	out := make([]platform.Role, 0, len(roles))
	for _, role := range roles {
		if role == nil {
			continue
		}
		out = append(out, platform.Role{
			ID:          role.ID,
			Name:        role.Name,
			Permissions: role.Permissions,
			Position:    role.Position,
			Color:       role.Color,
			Hoist:       role.Hoist,
			Mentionable: role.Mentionable,
			Managed:     role.Managed,
		})
	}
	return out, nil
}

func (a *sessionAdapter) SetRolePermissions(ctx context.Context, guildID, roleID string, perms int64) error {
	_ = ctx
	_, err := a.session.GuildRoleEdit(guildID, roleID, &discordgo.RoleParams{Permissions: &perms})
	return mapErr(err)
}

func (a *sessionAdapter) CreateRole(ctx context.Context, guildID string, snap platform.RoleSnapshot) (string, error) {
	_ = ctx
	role, err := a.session.GuildRoleCreate(guildID, &discordgo.RoleParams{
		Name:        snap.Name,
		Color:       &snap.Color,
		Hoist:       &snap.Hoist,
		Permissions: &snap.Permissions,
		Mentionable: &snap.Mentionable,
	})
	if err != nil {
		return "", mapErr(err)
	}
	return role.ID, nil
}

func (a *sessionAdapter) DeleteRole(ctx context.Context, guildID, roleID string) error {
	_ = ctx
	return mapErr(a.session.GuildRoleDelete(guildID, roleID))
}

func (a *sessionAdapter) Channels(ctx context.Context, guildID string) ([]platform.Channel, error) {
	_ = ctx
	channels, err := a.session.GuildChannels(guildID)
	if err != nil {
		return nil, mapErr(err)
	}
	out := make([]platform.Channel, 0, len(channels))
	for _, channel := range channels {
		if channel == nil {
			continue
		}
		out = append(out, toPlatformChannel(channel))
	}
	return out, nil
}

func (a *sessionAdapter) SetChannelOverwrite(ctx context.Context, channelID string, ow platform.Overwrite) error {
	_ = ctx
	kind := discordgo.PermissionOverwriteTypeMember
	if ow.IsRole {
		kind = discordgo.PermissionOverwriteTypeRole
	}
	return mapErr(a.session.ChannelPermissionSet(channelID, ow.TargetID, kind, ow.Allow, ow.Deny))
}

func (a *sessionAdapter) DeleteChannelOverwrite(ctx context.Context, channelID, targetID string) error {
	_ = ctx
	return mapErr(a.session.ChannelPermissionDelete(channelID, targetID))
}

func (a *sessionAdapter) CreateChannel(ctx context.Context, guildID string, snap platform.ChannelSnapshot) (string, error) {
	_ = ctx
	overwrites := make([]*discordgo.PermissionOverwrite, 0, len(snap.Overwrites))
	for _, ow := range snap.Overwrites {
		kind := discordgo.PermissionOverwriteTypeMember
		if ow.IsRole {
			kind = discordgo.PermissionOverwriteTypeRole
		}
		overwrites = append(overwrites, &discordgo.PermissionOverwrite{
			ID:    ow.TargetID,
			Type:  kind,
			Allow: ow.Allow,
			Deny:  ow.Deny,
		})
	}
	channel, err := a.session.GuildChannelCreateComplex(guildID, discordgo.GuildChannelCreateData{
		Name:                 snap.Name,
		Type:                 toDiscordChannelType(snap.Type),
		Topic:                snap.Topic,
		Bitrate:              snap.Bitrate,
		UserLimit:            snap.UserLimit,
		RateLimitPerUser:     snap.Slowmode,
		Position:             snap.Position,
		PermissionOverwrites: overwrites,
		ParentID:             snap.ParentID,
		NSFW:                 snap.NSFW,
	})
	if err != nil {
		return "", mapErr(err)
	}
	return channel.ID, nil
}

func (a *sessionAdapter) DeleteChannel(ctx context.Context, channelID string) error {
	_ = ctx
	_, err := a.session.ChannelDelete(channelID)
	return mapErr(err)
}

func (a *sessionAdapter) Webhooks(ctx context.Context, guildID string) ([]platform.Webhook, error) {
	_ = ctx
	hooks, err := a.session.GuildWebhooks(guildID)
	if err != nil {
		return nil, mapErr(err)
	}
	out := make([]platform.Webhook, 0, len(hooks))
	for _, hook := range hooks {
		if hook == nil {
			continue
		}
		out = append(out, platform.Webhook{
			ID:            hook.ID,
			ChannelID:     hook.ChannelID,
			Name:          hook.Name,
			ApplicationID: hook.ApplicationID,
		})
	}
	return out, nil
}

func (a *sessionAdapter) DeleteWebhook(ctx context.Context, webhookID string) error {
	_ = ctx
	return mapErr(a.session.WebhookDelete(webhookID))
}

func (a *sessionAdapter) AddMemberRole(ctx context.Context, guildID, userID, roleID string) error {
	_ = ctx
	return mapErr(a.session.GuildMemberRoleAdd(guildID, userID, roleID))
}

func (a *sessionAdapter) RemoveMemberRole(ctx context.Context, guildID, userID, roleID string) error {
	_ = ctx
	return mapErr(a.session.GuildMemberRoleRemove(guildID, userID, roleID))
}

func (a *sessionAdapter) TimeoutMember(ctx context.Context, guildID, userID string, until time.Time) error {
	_ = ctx
	return mapErr(a.session.GuildMemberTimeout(guildID, userID, &until))
}

func (a *sessionAdapter) KickMember(ctx context.Context, guildID, userID, reason string) error {
	_ = ctx
	return mapErr(a.session.GuildMemberDeleteWithReason(guildID, userID, reason))
}

func (a *sessionAdapter) BanMember(ctx context.Context, guildID, userID, reason string, purgeDays int) error {
	_ = ctx
	return mapErr(a.session.GuildBanCreateWithReason(guildID, userID, reason, purgeDays))
}

func (a *sessionAdapter) UnbanMember(ctx context.Context, guildID, userID string) error {
	_ = ctx
	return mapErr(a.session.GuildBanDelete(guildID, userID))
}

func (a *sessionAdapter) Bans(ctx context.Context, guildID string) ([]platform.Ban, error) {
	_ = ctx
	var out []platform.Ban
	after := ""
	for {
		page, err := a.session.GuildBans(guildID, 1000, "", after)
		if err != nil {
			return nil, mapErr(err)
		}
		for _, ban := range page {
			if ban == nil || ban.User == nil {
				continue
			}
			out = append(out, platform.Ban{UserID: ban.User.ID, Reason: ban.Reason})
		}
		if len(page) < 1000 {
			return out, nil
		}
		after = page[len(page)-1].User.ID
	}
}

func (a *sessionAdapter) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	_ = ctx
	return mapErr(a.session.ChannelMessageDelete(channelID, messageID))
}

func (a *sessionAdapter) SendDM(ctx context.Context, userID, content string) error {
	_ = ctx
	channel, err := a.session.UserChannelCreate(userID)
	if err != nil {
		return mapErr(err)
	}
	_, err = a.session.ChannelMessageSend(channel.ID, content)
	return mapErr(err)
}

// Notify renders a report as an embed in the configured log channel. Kinds
// map to colors; missing channel means reports only reach the process log.
func (a *sessionAdapter) Notify(ctx context.Context, report platform.Report) {
	_ = ctx
	if a.logChannelID == "" {
		return
	}

	names := make([]string, 0, len(report.Fields))
	for name := range report.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	fields := make([]*discordgo.MessageEmbedField, 0, len(names))
	for _, name := range names {
		value := report.Fields[name]
		if value == "" {
			value = "-"
		}
		fields = append(fields, &discordgo.MessageEmbedField{Name: name, Value: value, Inline: true})
	}

	embed := &discordgo.MessageEmbed{
		Title:     report.Title,
		Color:     reportColor(report.Kind),
		Timestamp: report.At.Format(time.RFC3339),
		Footer:    &discordgo.MessageEmbedFooter{Text: report.Kind},
		Fields:    fields,
	}
	if _, err := a.session.ChannelMessageSendEmbed(a.logChannelID, embed); err != nil {
		a.logger.Warn("report delivery failed",
			zap.String("guild_id", report.GuildID), zap.String("kind", report.Kind), zap.Error(err))
	}
}

func reportColor(kind string) int {
	switch kind {
	case "panic_triggered", "raid_open", "restore_pending":
		return 0xE74C3C
	case "panic_restored", "raid_close":
		return 0x2ECC71
	default:
		return 0xF1C40F
	}
}

func toPlatformChannel(channel *discordgo.Channel) platform.Channel {
	overwrites := make([]platform.Overwrite, 0, len(channel.PermissionOverwrites))
	for _, ow := range channel.PermissionOverwrites {
		if ow == nil {
			continue
		}
		overwrites = append(overwrites, platform.Overwrite{
			TargetID: ow.ID,
			IsRole:   ow.Type == discordgo.PermissionOverwriteTypeRole,
			Allow:    ow.Allow,
			Deny:     ow.Deny,
		})
	}
	return platform.Channel{
		ID:         channel.ID,
		Name:       channel.Name,
		Type:       toPlatformChannelType(channel.Type),
		ParentID:   channel.ParentID,
		Position:   channel.Position,
		Topic:      channel.Topic,
		NSFW:       channel.NSFW,
		Bitrate:    channel.Bitrate,
		UserLimit:  channel.UserLimit,
		Slowmode:   channel.RateLimitPerUser,
		Overwrites: overwrites,
	}
}

func toPlatformChannelType(t discordgo.ChannelType) platform.ChannelType {
	switch t {
	case discordgo.ChannelTypeGuildVoice:
		return platform.ChannelVoice
	case discordgo.ChannelTypeGuildCategory:
		return platform.ChannelCategory
	case discordgo.ChannelTypeGuildNews:
		return platform.ChannelNews
	case discordgo.ChannelTypeGuildStageVoice:
		return platform.ChannelStage
	case discordgo.ChannelTypeGuildForum:
		return platform.ChannelForum
	default:
		return platform.ChannelText
	}
}

func toDiscordChannelType(t platform.ChannelType) discordgo.ChannelType {
	switch t {
	case platform.ChannelVoice:
		return discordgo.ChannelTypeGuildVoice
	case platform.ChannelCategory:
		return discordgo.ChannelTypeGuildCategory
	case platform.ChannelNews:
		return discordgo.ChannelTypeGuildNews
	case platform.ChannelStage:
		return discordgo.ChannelTypeGuildStageVoice
	case platform.ChannelForum:
		return discordgo.ChannelTypeGuildForum
	default:
		return discordgo.ChannelTypeGuildText
	}
}
