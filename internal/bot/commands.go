package bot

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"warden-core/internal/platform"

	"github.com/bwmarrin/discordgo"
)

func (b *Bot) registerCommands() error {
	commands := []*discordgo.ApplicationCommand{
		{
			Name:        "status",
			Description: "Show the enforcement state of this guild",
		},
		{
			Name:        "panic",
			Description: "Control the panic lockdown",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "action",
					Description: "trigger or stop",
					Required:    true,
					Choices: []*discordgo.ApplicationCommandOptionChoice{
						{Name: "trigger", Value: "trigger"},
						{Name: "stop", Value: "stop"},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "reason",
					Description: "why",
					Required:    false,
				},
			},
		},
		{
			Name:        "preset",
			Description: "Apply a tuning preset",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "name",
					Description: "safe, balanced or strict",
					Required:    true,
					Choices: []*discordgo.ApplicationCommandOptionChoice{
						{Name: "safe", Value: "safe"},
						{Name: "balanced", Value: "balanced"},
						{Name: "strict", Value: "strict"},
					},
				},
			},
		},
		{
			Name:        "maintenance",
			Description: "Manage tracker bypass grants for planned admin work",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "action",
					Description: "add, remove or list",
					Required:    true,
					Choices: []*discordgo.ApplicationCommandOptionChoice{
						{Name: "add", Value: "add"},
						{Name: "remove", Value: "remove"},
						{Name: "list", Value: "list"},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionUser,
					Name:        "user",
					Description: "target user",
					Required:    false,
				},
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        "minutes",
					Description: "grant duration in minutes",
					Required:    false,
				},
			},
		},
		{
			Name:        "report",
			Description: "Summarize enforcement activity",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "period",
					Description: "day or week",
					Required:    true,
					Choices: []*discordgo.ApplicationCommandOptionChoice{
						{Name: "day", Value: "day"},
						{Name: "week", Value: "week"},
					},
				},
			},
		},
		{
			Name:        "config",
			Description: "Change one detection tunable",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "path",
					Description: "dotted path, e.g. raid.trigger_count",
					Required:    true,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "value",
					Description: "new value",
					Required:    true,
				},
			},
		},
	}

	appID := b.session.State.User.ID
	for _, cmd := range commands {
		if _, err := b.session.ApplicationCommandCreate(appID, "", cmd); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bot) onInteractionCreate(session *discordgo.Session, interaction *discordgo.InteractionCreate) {
	if interaction.Type != discordgo.InteractionApplicationCommand {
		return
	}
	if interaction.GuildID == "" {
		b.respond(session, interaction, "Commands only work inside a guild.")
		return
	}
	if !isManager(interaction) {
		b.respond(session, interaction, "You need Manage Server for that.")
		return
	}

	ctx := context.Background()
	data := interaction.ApplicationCommandData()
	switch data.Name {
	case "status":
		b.handleStatus(session, interaction)
	case "panic":
		b.handlePanic(ctx, session, interaction, data.Options)
	case "preset":
		b.handlePreset(ctx, session, interaction, data.Options)
	case "maintenance":
		b.handleMaintenance(ctx, session, interaction, data.Options)
	case "report":
		b.handleReport(ctx, session, interaction, data.Options)
	case "config":
		b.handleConfig(ctx, session, interaction, data.Options)
	}
}

func isManager(interaction *discordgo.InteractionCreate) bool {
	if interaction.Member == nil {
		return false
	}
	perms := interaction.Member.Permissions
	return perms&(discordgo.PermissionAdministrator|discordgo.PermissionManageServer) != 0
}

func actorID(interaction *discordgo.InteractionCreate) string {
	if interaction.Member != nil && interaction.Member.User != nil {
		return interaction.Member.User.ID
	}
	return ""
}

func (b *Bot) handleStatus(session *discordgo.Session, interaction *discordgo.InteractionCreate) {
	status := b.core.Status(interaction.GuildID, time.Now())

	panicValue := status.Panic.State
	if status.Panic.CaseID != "" {
		panicValue = fmt.Sprintf("%s (case %s, heat %.0f)", status.Panic.State, status.Panic.CaseID, status.Panic.Heat)
	}

	raidValue := "quiet"
	if status.Raid.RaidActive {
		raidValue = fmt.Sprintf("open (case %s, %d caught, %d temp bans)",
			status.Raid.RaidCaseCode, status.Raid.CaughtCount, status.Raid.TempBanCount)
	} else if status.Raid.TempBanCount > 0 {
		raidValue = fmt.Sprintf("quiet, %d temp bans pending reversal", status.Raid.TempBanCount)
	}

	trackerValue := "no recent activity"
	if len(status.Tracker) > 0 {
		names := make([]string, 0, len(status.Tracker))
		for action := range status.Tracker {
			names = append(names, string(action))
		}
		sort.Strings(names)
		lines := make([]string, 0, len(names))
		for _, name := range names {
			stats := status.Tracker[platform.Action(name)]
			lines = append(lines, fmt.Sprintf("%s: %d hits / %d executors, peak heat %.0f",
				name, stats.HourHits, stats.Executors, stats.MaxHeat))
		}
		trackerValue = strings.Join(lines, "\n")
	}

	maintValue := "none"
	if len(status.Maintenance) > 0 {
		lines := make([]string, 0, len(status.Maintenance))
		for _, entry := range status.Maintenance {
			lines = append(lines, fmt.Sprintf("<@%s> until <t:%d:R>", entry.UserID, entry.ExpiresAt.Unix()))
		}
		maintValue = strings.Join(lines, "\n")
	}

	messageValue := "quiet"
	if status.HeatRaid {
		messageValue = "raid window open, instant enforcement"
	}

	b.respondEmbed(session, interaction, &discordgo.MessageEmbed{
		Title:     "Enforcement status",
		Color:     0x3498DB,
		Timestamp: time.Now().Format(time.RFC3339),
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Preset", Value: status.Preset, Inline: true},
			{Name: "Panic", Value: panicValue, Inline: true},
			{Name: "Join raid", Value: raidValue, Inline: true},
			{Name: "Message raid", Value: messageValue, Inline: true},
			{Name: "Tracker (last hour)", Value: trackerValue, Inline: false},
			{Name: "Maintenance bypasses", Value: maintValue, Inline: false},
		},
	})
}

func (b *Bot) handlePanic(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, options []*discordgo.ApplicationCommandInteractionDataOption) {
	if len(options) == 0 {
		b.respond(session, interaction, "Missing action.")
		return
	}
	action := options[0].StringValue()
	reason := "manual"
	if len(options) > 1 {
		reason = options[1].StringValue()
	}

	switch action {
	case "trigger":
		b.core.TriggerPanic(ctx, interaction.GuildID, "operator:"+reason, b.core.Config().Panic.HeatThreshold)
		b.respond(session, interaction, "Panic triggered. Roles and channels are being locked.")
	case "stop":
		if b.core.StopPanic(ctx, interaction.GuildID, reason, actorID(interaction)) {
			b.respond(session, interaction, "Panic stopped. Restore pass running.")
			return
		}
		b.respond(session, interaction, "No active panic for this guild.")
	default:
		b.respond(session, interaction, "Unknown action.")
	}
}

func (b *Bot) handlePreset(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, options []*discordgo.ApplicationCommandInteractionDataOption) {
	if len(options) == 0 {
		b.respond(session, interaction, "Missing preset name.")
		return
	}
	name := options[0].StringValue()
	if err := b.core.ApplyPreset(ctx, name, actorID(interaction)); err != nil {
		b.respond(session, interaction, "Preset failed: "+err.Error())
		return
	}
	b.respond(session, interaction, "Preset applied: "+name)
}

func (b *Bot) handleMaintenance(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, options []*discordgo.ApplicationCommandInteractionDataOption) {
	if len(options) == 0 {
		b.respond(session, interaction, "Missing action.")
		return
	}
	action := options[0].StringValue()

	var userID string
	minutes := 30
	for _, opt := range options[1:] {
		switch opt.Name {
		case "user":
			if user := opt.UserValue(session); user != nil {
				userID = user.ID
			}
		case "minutes":
			minutes = int(opt.IntValue())
		}
	}

	switch action {
	case "list":
		entries := b.core.MaintenanceList(interaction.GuildID)
		if len(entries) == 0 {
			b.respond(session, interaction, "No live maintenance grants.")
			return
		}
		lines := make([]string, 0, len(entries))
		for _, entry := range entries {
			lines = append(lines, fmt.Sprintf("<@%s> until <t:%d:R>", entry.UserID, entry.ExpiresAt.Unix()))
		}
		b.respond(session, interaction, strings.Join(lines, "\n"))
	case "add":
		if userID == "" {
			b.respond(session, interaction, "Pick a user.")
			return
		}
		entry := b.core.AllowMaintenance(ctx, interaction.GuildID, userID, time.Duration(minutes)*time.Minute, actorID(interaction))
		b.respond(session, interaction, fmt.Sprintf("Bypass granted to <@%s> until <t:%d:R>.", userID, entry.ExpiresAt.Unix()))
	case "remove":
		if userID == "" {
			b.respond(session, interaction, "Pick a user.")
			return
		}
		if b.core.RevokeMaintenance(ctx, interaction.GuildID, userID, actorID(interaction)) {
			b.respond(session, interaction, fmt.Sprintf("Bypass revoked for <@%s>.", userID))
			return
		}
		b.respond(session, interaction, "No live grant for that user.")
	default:
		b.respond(session, interaction, "Unknown action.")
	}
}

func (b *Bot) handleReport(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, options []*discordgo.ApplicationCommandInteractionDataOption) {
	if len(options) == 0 {
		b.respond(session, interaction, "Missing period.")
		return
	}
	since := time.Now().Add(-24 * time.Hour)
	if options[0].StringValue() == "week" {
		since = time.Now().Add(-7 * 24 * time.Hour)
	}

	report, err := b.analytics.Report(ctx, interaction.GuildID, since)
	if err != nil {
		b.respond(session, interaction, "Report failed: "+err.Error())
		return
	}

	eventValue := "none"
	if len(report.ByEvent) > 0 {
		names := make([]string, 0, len(report.ByEvent))
		for name := range report.ByEvent {
			names = append(names, name)
		}
		sort.Strings(names)
		lines := make([]string, 0, len(names))
		for _, name := range names {
			lines = append(lines, fmt.Sprintf("%s: %d", name, report.ByEvent[name]))
		}
		eventValue = strings.Join(lines, "\n")
	}

	b.respondEmbed(session, interaction, &discordgo.MessageEmbed{
		Title:     "Enforcement report",
		Color:     0x3498DB,
		Timestamp: time.Now().Format(time.RFC3339),
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Total", Value: fmt.Sprintf("%d", report.Total), Inline: true},
			{Name: "Info", Value: fmt.Sprintf("%d", report.ByLevel["INFO"]), Inline: true},
			{Name: "Warn", Value: fmt.Sprintf("%d", report.ByLevel["WARN"]), Inline: true},
			{Name: "Crit", Value: fmt.Sprintf("%d", report.ByLevel["CRIT"]), Inline: true},
			{Name: "By event", Value: eventValue, Inline: false},
		},
	})
}

func (b *Bot) handleConfig(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, options []*discordgo.ApplicationCommandInteractionDataOption) {
	if len(options) < 2 {
		b.respond(session, interaction, "Need both path and value.")
		return
	}
	path := options[0].StringValue()
	value := options[1].StringValue()
	if err := b.core.UpdateConfig(ctx, path, value, actorID(interaction)); err != nil {
		b.respond(session, interaction, "Rejected: "+err.Error())
		return
	}
	b.respond(session, interaction, fmt.Sprintf("Updated %s = %s.", path, value))
}

func (b *Bot) respond(session *discordgo.Session, interaction *discordgo.InteractionCreate, content string) {
	_ = session.InteractionRespond(interaction.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
}

func (b *Bot) respondEmbed(session *discordgo.Session, interaction *discordgo.InteractionCreate, embed *discordgo.MessageEmbed) {
	_ = session.InteractionRespond(interaction.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Embeds: []*discordgo.MessageEmbed{embed},
			Flags:  discordgo.MessageFlagsEphemeral,
		},
	})
}
