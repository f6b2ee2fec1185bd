// Package platform defines the boundary between the enforcement core and
// the chat platform. The core never talks to the gateway directly; it sees
// roles, channels and members through the Adapter and receives audit events
// as plain values.
package platform

import (
	"context"
	"time"
)

// Action identifies a privileged-action category observed on the audit feed.
type Action string

const (
	ActionKickBan       Action = "kick_ban"
	ActionRoleCreate    Action = "role_create"
	ActionRoleDelete    Action = "role_delete"
	ActionChannelCreate Action = "channel_create"
	ActionChannelDelete Action = "channel_delete"
	ActionWebhookCreate Action = "webhook_create"
	ActionWebhookUpdate Action = "webhook_update"
	ActionWebhookDelete Action = "webhook_delete"
	ActionInviteCreate  Action = "invite_create"
)

// Actions lists every tracked category in a stable order.
var Actions = []Action{
	ActionKickBan,
	ActionRoleCreate,
	ActionRoleDelete,
	ActionChannelCreate,
	ActionChannelDelete,
	ActionWebhookCreate,
	ActionWebhookUpdate,
	ActionWebhookDelete,
	ActionInviteCreate,
}

type Role struct {
	ID          string
	Name        string
	Permissions int64
	Position    int
	Color       int
	Hoist       bool
	Mentionable bool
	Managed     bool
}

type ChannelType int

const (
	ChannelText ChannelType = iota
	ChannelVoice
	ChannelCategory
	ChannelNews
	ChannelStage
	ChannelForum
)

// VoiceCapable reports whether voice-only fields (bitrate, user limit)
// apply to this channel type.
func (t ChannelType) VoiceCapable() bool {
	return t == ChannelVoice || t == ChannelStage
}

// ThreadCapable reports whether thread-only fields apply.
func (t ChannelType) ThreadCapable() bool {
	return t == ChannelText || t == ChannelNews || t == ChannelForum
}

type Overwrite struct {
	TargetID string
	IsRole   bool
	Allow    int64
	Deny     int64
}

type Channel struct {
	ID         string
	Name       string
	Type       ChannelType
	ParentID   string
	Position   int
	Topic      string
	NSFW       bool
	Bitrate    int
	UserLimit  int
	Slowmode   int
	Overwrites []Overwrite
}

type Webhook struct {
	ID            string
	ChannelID     string
	Name          string
	ApplicationID string
}

// RoleSnapshot is a value copy of a role taken before a destructive
// mutation, sufficient to recreate it.
type RoleSnapshot struct {
	ID          string
	Name        string
	Permissions int64
	Position    int
	Color       int
	Hoist       bool
	Mentionable bool
}

// ChannelSnapshot is a value copy of a channel taken before deletion.
type ChannelSnapshot struct {
	ID         string
	Name       string
	Type       ChannelType
	ParentID   string
	Position   int
	Topic      string
	NSFW       bool
	Bitrate    int
	UserLimit  int
	Slowmode   int
	Overwrites []Overwrite
}

// Event is one entry from the platform's audit/event feed. ExecutorID is
// empty when the platform could not attribute the action.
type Event struct {
	GuildID    string
	ExecutorID string
	Action     Action
	TargetID   string
	At         time.Time
}

// Report is a structured notification destined for the guild's log sink.
type Report struct {
	GuildID string
	Kind    string
	Title   string
	Fields  map[string]string
	At      time.Time
}

// Member carries the join-time facts the raid detector needs.
type Member struct {
	GuildID     string
	UserID      string
	DisplayName string
	CreatedAt   time.Time
	HasAvatar   bool
	IsBot       bool
	JoinedAt    time.Time
}

// Ban is one entry from the guild ban list.
type Ban struct {
	UserID string
	Reason string
}

// Adapter is the platform surface the core mutates through. Every call can
// fail with ErrPermission or ErrNotFound; callers treat ErrNotFound as a
// successful no-op.
type Adapter interface {
	BotTopRolePosition(ctx context.Context, guildID string) (int, error)

	Roles(ctx context.Context, guildID string) ([]Role, error)
	SetRolePermissions(ctx context.Context, guildID, roleID string, perms int64) error
	CreateRole(ctx context.Context, guildID string, snap RoleSnapshot) (string, error)
	DeleteRole(ctx context.Context, guildID, roleID string) error

	Channels(ctx context.Context, guildID string) ([]Channel, error)
	SetChannelOverwrite(ctx context.Context, channelID string, ow Overwrite) error
	DeleteChannelOverwrite(ctx context.Context, channelID, targetID string) error
	CreateChannel(ctx context.Context, guildID string, snap ChannelSnapshot) (string, error)
	DeleteChannel(ctx context.Context, channelID string) error

	Webhooks(ctx context.Context, guildID string) ([]Webhook, error)
	DeleteWebhook(ctx context.Context, webhookID string) error

	AddMemberRole(ctx context.Context, guildID, userID, roleID string) error
	RemoveMemberRole(ctx context.Context, guildID, userID, roleID string) error
	TimeoutMember(ctx context.Context, guildID, userID string, until time.Time) error
	KickMember(ctx context.Context, guildID, userID, reason string) error
	BanMember(ctx context.Context, guildID, userID, reason string, purgeDays int) error
	UnbanMember(ctx context.Context, guildID, userID string) error
	Bans(ctx context.Context, guildID string) ([]Ban, error)

	DeleteMessage(ctx context.Context, channelID, messageID string) error
	SendDM(ctx context.Context, userID, content string) error

	Notify(ctx context.Context, report Report)
}
