package lorian

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"runtime"
	"sort"
	"strings"
	"time"
)

const (
	// pingResponseContent is always the content of the /ping response
	pingResponseContent = "Pong!"

	helpSelectCustomID = "help_select"
	helpBackCustomID   = "help_back"

	colorDefault          = 0x695acd
	colorReminderConfirm  = 0x8a2be2
	colorReminderDelivery = 0xffa500
	colorStatusUpdated    = 0x57f287
	colorClosing          = 0xffa500
	colorFeedback         = 0x9370db
	colorTicket           = 0x5865f2

	userInfoMaxRoles   = 10
	purgeMaxMessageAge = 14 * 24 * time.Hour
	bytesPerMegabyte   = 1024 * 1024
)

// helpCommands are the commands listed in the /help select menu
var helpCommands = []string{
	DiscordSlashCommandPing,
	DiscordSlashCommandInfo,
	DiscordSlashCommandHola,
	DiscordSlashCommandStats,
	DiscordSlashCommandImages,
	"userinfo",
	DiscordSlashCommandPurge,
	DiscordSlashCommandReminder,
}

// commandHandler handles an application command or message component.
// Returned errors are reported to the user with a short ephemeral message,
// so handlers only return an error before they've responded.
type commandHandler func(
	ctx context.Context,
	b *Bot,
	handler InteractionHandler,
	u *User,
) error

// commandRegistry maps application command names to their handlers
var commandRegistry = map[string]commandHandler{
	DiscordSlashCommandPing:            commandPing,
	DiscordSlashCommandInfo:            commandInfo,
	DiscordSlashCommandHola:            commandHola,
	DiscordSlashCommandHelp:            commandHelp,
	DiscordSlashCommandStats:           commandStats,
	DiscordSlashCommandImages:          commandImages,
	DiscordUserCommandUserInfo:         commandUserInfo,
	DiscordSlashCommandPurge:           commandPurge,
	DiscordSlashCommandReminder:        commandReminder,
	DiscordSlashCommandTicketSetup:     commandTicketSetup,
	DiscordSlashCommandTicketClose:     commandTicketClose,
	DiscordSlashCommandCommissionSetup: commandCommissionSetup,
	DiscordSlashCommandCommissionClose: commandCommissionClose,
	DiscordSlashCommandFeedbackSetup:   commandFeedbackSetup,
	DiscordSlashCommandExport:          commandExport,
}

func commandPing(
	ctx context.Context,
	b *Bot,
	handler InteractionHandler,
	_ *User,
) error {
	var latency time.Duration
	if b.discord.session != nil {
		latency = b.discord.session.HeartbeatLatency()
	}
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	_ = handler.Respond(
		ctx,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: pingResponseContent,
				Embeds: []*discordgo.MessageEmbed{
					b.pingEmbed(latency, b.Uptime(), float64(mem.HeapAlloc)/bytesPerMegabyte),
				},
			},
		},
	)
	return nil
}

func (b *Bot) pingEmbed(
	latency time.Duration,
	uptime time.Duration,
	heapMB float64,
) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       b.lang.Text("ping.title", nil),
		Description: b.lang.Text("ping.description", nil),
		Color:       colorDefault,
		Fields: []*discordgo.MessageEmbedField{
			{
				Name:   b.lang.Text("ping.latency_field", nil),
				Value:  b.lang.Textf("ping.latency_value", "latency", fmt.Sprintf("%d", latency.Milliseconds())),
				Inline: true,
			},
			{
				Name:   b.lang.Text("ping.uptime_field", nil),
				Value:  b.lang.Textf("ping.uptime_value", "uptime", formatUptime(uptime)),
				Inline: true,
			},
			{
				Name:   b.lang.Text("ping.memory_field", nil),
				Value:  b.lang.Textf("ping.memory_value", "memory", fmt.Sprintf("%.1f", heapMB)),
				Inline: true,
			},
		},
		Thumbnail: &discordgo.MessageEmbedThumbnail{URL: b.lang.Image("showing.ping")},
		Footer:    &discordgo.MessageEmbedFooter{Text: b.lang.Text("ping.footer", nil)},
	}
}

func commandInfo(
	ctx context.Context,
	b *Bot,
	handler InteractionHandler,
	_ *User,
) error {
	embed := &discordgo.MessageEmbed{
		Title:       b.lang.Text("info.title", nil),
		Description: b.lang.Text("info.description", nil),
		Color:       colorDefault,
		Fields: []*discordgo.MessageEmbedField{
			{Name: b.lang.Text("info.version_field", nil), Value: Version, Inline: true},
			{Name: b.lang.Text("info.uptime_field", nil), Value: formatUptime(b.Uptime()), Inline: true},
			{
				Name:   b.lang.Text("info.commands_field", nil),
				Value:  fmt.Sprintf("%d", len(applicationCommands())),
				Inline: true,
			},
			{Name: b.lang.Text("info.features_field", nil), Value: b.lang.Text("info.features", nil)},
		},
		Thumbnail: &discordgo.MessageEmbedThumbnail{URL: b.lang.Image("avatar.default")},
		Footer:    &discordgo.MessageEmbedFooter{Text: b.lang.Text("info.footer", nil)},
	}
	_ = handler.Respond(ctx, embedResponse(false, embed))
	return nil
}

// holaContent returns the greeting for the given user ID. The result
// always mentions the user, even if the greeting template doesn't.
func (b *Bot) holaContent(userID string) string {
	mention := userMention(userID)
	content := b.lang.Textf("hola.greeting", "user", mention)
	if !strings.Contains(content, mention) {
		content = mention + " " + content
	}
	return content
}

func commandHola(
	ctx context.Context,
	b *Bot,
	handler InteractionHandler,
	u *User,
) error {
	_ = handler.Respond(
		ctx,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: b.holaContent(u.ID),
				AllowedMentions: &discordgo.MessageAllowedMentions{
					Users: []string{u.ID},
				},
			},
		},
	)
	return nil
}

func (b *Bot) helpEmbed() *discordgo.MessageEmbed {
	fields := make([]*discordgo.MessageEmbedField, 0, len(helpCommands))
	for _, name := range helpCommands {
		fields = append(
			fields,
			&discordgo.MessageEmbedField{
				Name:  b.lang.Text("help.commands."+name+".title", nil),
				Value: b.lang.Text("help.commands."+name+".description", nil),
			},
		)
	}
	return &discordgo.MessageEmbed{
		Title:       b.lang.Text("help.title", nil),
		Description: b.lang.Text("help.description", nil),
		Color:       colorDefault,
		Fields:      fields,
		Thumbnail:   &discordgo.MessageEmbedThumbnail{URL: b.lang.Image("showing.help")},
		Footer:      &discordgo.MessageEmbedFooter{Text: b.lang.Text("help.footer", nil)},
	}
}

func (b *Bot) helpComponents() []discordgo.MessageComponent {
	options := make([]discordgo.SelectMenuOption, 0, len(helpCommands))
	for _, name := range helpCommands {
		options = append(
			options,
			discordgo.SelectMenuOption{
				Label:       b.lang.Text("help.commands."+name+".title", nil),
				Value:       name,
				Description: shortenString(b.lang.Text("help.commands."+name+".description", nil), 100),
			},
		)
	}
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.SelectMenu{
					MenuType:    discordgo.StringSelectMenu,
					CustomID:    helpSelectCustomID,
					Placeholder: b.lang.Text("help.select_placeholder", nil),
					Options:     options,
				},
			},
		},
	}
}

// helpDetailEmbed returns the detailed help for a single command
func (b *Bot) helpDetailEmbed(name string) *discordgo.MessageEmbed {
	prefix := "help.commands." + name
	return &discordgo.MessageEmbed{
		Title:       b.lang.Text(prefix+".title", nil),
		Description: b.lang.Text(prefix+".description", nil),
		Color:       colorDefault,
		Fields: []*discordgo.MessageEmbedField{
			{Name: b.lang.Text("help.usage_field", nil), Value: b.lang.Text(prefix+".usage", nil)},
			{Name: b.lang.Text("help.details_field", nil), Value: b.lang.Text(prefix+".details", nil)},
		},
		Footer: &discordgo.MessageEmbedFooter{Text: b.lang.Text("help.footer", nil)},
	}
}

func commandHelp(
	ctx context.Context,
	b *Bot,
	handler InteractionHandler,
	_ *User,
) error {
	_ = handler.Respond(
		ctx,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Embeds:     []*discordgo.MessageEmbed{b.helpEmbed()},
				Components: b.helpComponents(),
			},
		},
	)
	return nil
}

func componentHelpSelect(
	ctx context.Context,
	b *Bot,
	handler InteractionHandler,
	_ *User,
) error {
	values := handler.GetInteraction().MessageComponentData().Values
	if len(values) == 0 {
		_ = handler.Respond(ctx, updateMessageResponse(b.helpComponents(), b.helpEmbed()))
		return nil
	}
	name := values[0]
	known := false
	for _, c := range helpCommands {
		if c == name {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("unknown help option: %q", name)
	}

	back := []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label:    b.lang.Text("help.back_button", nil),
					Style:    discordgo.SecondaryButton,
					CustomID: helpBackCustomID,
				},
			},
		},
	}
	_ = handler.Respond(ctx, updateMessageResponse(back, b.helpDetailEmbed(name)))
	return nil
}

func componentHelpBack(
	ctx context.Context,
	b *Bot,
	handler InteractionHandler,
	_ *User,
) error {
	_ = handler.Respond(ctx, updateMessageResponse(b.helpComponents(), b.helpEmbed()))
	return nil
}

func commandStats(
	ctx context.Context,
	b *Bot,
	handler InteractionHandler,
	_ *User,
) error {
	stats, err := b.collectStats(ctx)
	if err != nil {
		return err
	}
	_ = handler.Respond(ctx, embedResponse(false, b.statsEmbed(stats)))
	return nil
}

func (b *Bot) statsEmbed(stats BotStats) *discordgo.MessageEmbed {
	field := func(key string, value int64) *discordgo.MessageEmbedField {
		return &discordgo.MessageEmbedField{
			Name:   b.lang.Text("stats."+key, nil),
			Value:  fmt.Sprintf("%d", value),
			Inline: true,
		}
	}
	return &discordgo.MessageEmbed{
		Title: b.lang.Text("stats.title", nil),
		Color: colorDefault,
		Fields: []*discordgo.MessageEmbedField{
			field("conversations", stats.Conversations),
			field("total_messages", stats.TotalMessages),
			field("users", stats.Users),
			field("open_tickets", stats.OpenTickets),
			field("open_commissions", stats.OpenCommissions),
			field("feedback", stats.FeedbackMessages),
			field("pending_reminders", stats.PendingReminders),
			field("button_messages", stats.ButtonMessages),
			{
				Name:  b.lang.Text("stats.last_updated", nil),
				Value: discordTimestamp(stats.LastUpdated, "R"),
			},
		},
	}
}

func commandImages(
	ctx context.Context,
	b *Bot,
	handler InteractionHandler,
	_ *User,
) error {
	counts := b.lang.ImageCategories()
	categories := make([]string, 0, len(counts))
	total := 0
	for c, n := range counts {
		categories = append(categories, c)
		total += n
	}
	sort.Strings(categories)

	fields := make([]*discordgo.MessageEmbedField, 0, len(categories))
	for _, c := range categories {
		fields = append(
			fields,
			&discordgo.MessageEmbedField{
				Name:   strings.ToUpper(c[:1]) + c[1:],
				Value:  b.lang.Textf("images.count", "count", fmt.Sprintf("%d", counts[c])),
				Inline: true,
			},
		)
	}
	embed := &discordgo.MessageEmbed{
		Title:       b.lang.Text("images.title", nil),
		Description: b.lang.Text("images.description", nil),
		Color:       colorDefault,
		Fields:      fields,
		Thumbnail:   &discordgo.MessageEmbedThumbnail{URL: b.lang.Image("showing.gallery")},
		Footer: &discordgo.MessageEmbedFooter{
			Text: b.lang.Textf("images.footer", "total", fmt.Sprintf("%d", total)),
		},
	}
	_ = handler.Respond(ctx, embedResponse(false, embed))
	return nil
}

func commandUserInfo(
	ctx context.Context,
	b *Bot,
	handler InteractionHandler,
	requester *User,
) error {
	data := handler.GetInteraction().ApplicationCommandData()
	targetID := data.TargetID
	var target *discordgo.User
	var member *discordgo.Member
	if data.Resolved != nil {
		target = data.Resolved.Users[targetID]
		member = data.Resolved.Members[targetID]
	}
	if target == nil {
		return fmt.Errorf("target user %q not resolved", targetID)
	}
	if guildID := handler.GetInteraction().GuildID; member == nil && guildID != "" {
		m, err := b.discord.session.GuildMember(guildID, targetID)
		if err != nil {
			handler.Logger().WarnContext(ctx, "error getting guild member", tint.Err(err))
		} else {
			member = m
		}
	}

	fields := []*discordgo.MessageEmbedField{
		{Name: b.lang.Text("userinfo.user_id_field", nil), Value: target.ID, Inline: true},
	}
	if created, err := discordgo.SnowflakeTimestamp(target.ID); err == nil {
		fields = append(
			fields,
			&discordgo.MessageEmbedField{
				Name:   b.lang.Text("userinfo.account_created_field", nil),
				Value:  discordTimestamp(created, "F"),
				Inline: true,
			},
		)
	}
	if member != nil {
		if !member.JoinedAt.IsZero() {
			fields = append(
				fields,
				&discordgo.MessageEmbedField{
					Name:   b.lang.Text("userinfo.server_joined_field", nil),
					Value:  discordTimestamp(member.JoinedAt, "F"),
					Inline: true,
				},
			)
		}
		roles := b.lang.Text("userinfo.no_roles", nil)
		if len(member.Roles) > 0 {
			shown := member.Roles
			if len(shown) > userInfoMaxRoles {
				shown = shown[:userInfoMaxRoles]
			}
			mentions := make([]string, 0, len(shown))
			for _, r := range shown {
				mentions = append(mentions, roleMention(r))
			}
			roles = strings.Join(mentions, " ")
		}
		fields = append(
			fields,
			&discordgo.MessageEmbedField{
				Name:  b.lang.Text("userinfo.roles_field", nil),
				Value: roles,
			},
		)
	}

	summary := b.lang.Text("userinfo.no_ai_summary", nil)
	if stored := b.db.GetUser(target.ID); stored != nil && stored.Summary != "" {
		summary = shortenString(stored.Summary, 1024)
	}
	fields = append(
		fields,
		&discordgo.MessageEmbedField{
			Name:  b.lang.Text("userinfo.ai_summary_field", nil),
			Value: summary,
		},
	)

	name := target.GlobalName
	if name == "" {
		name = target.Username
	}
	embed := &discordgo.MessageEmbed{
		Title:       b.lang.Text("userinfo.title", nil),
		Description: b.lang.Textf("userinfo.description", "username", name),
		Color:       colorDefault,
		Fields:      fields,
		Thumbnail:   &discordgo.MessageEmbedThumbnail{URL: target.AvatarURL("")},
		Footer: &discordgo.MessageEmbedFooter{
			Text: b.lang.Textf("userinfo.footer", "requester", requester.DisplayName()),
		},
	}
	_ = handler.Respond(ctx, embedResponse(true, embed))
	return nil
}

func commandPurge(
	ctx context.Context,
	b *Bot,
	handler InteractionHandler,
	_ *User,
) error {
	_, logger := b.getLogger(ctx)
	i := handler.GetInteraction()
	if i.GuildID == "" || i.Member == nil ||
		i.Member.Permissions&discordgo.PermissionManageMessages == 0 {
		_ = handler.Respond(ctx, ephemeralResponse(b.lang.Text("purge.error_permission", nil)))
		return nil
	}

	var amount int
	for _, opt := range i.ApplicationCommandData().Options {
		if opt.Name == purgeOptionAmount {
			amount = int(opt.IntValue())
		}
	}
	if amount < 1 || amount > purgeMaxMessages {
		_ = handler.Respond(ctx, ephemeralResponse(b.lang.Text("purge.error_invalid_amount", nil)))
		return nil
	}

	if err := handler.Respond(
		ctx,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{Flags: discordgo.MessageFlagsEphemeral},
		},
	); err != nil {
		return nil
	}

	deleted, err := b.purgeMessages(ctx, i.ChannelID, amount)
	content := b.lang.Textf("purge.success_message", "count", fmt.Sprintf("%d", deleted))
	if err != nil {
		logger.ErrorContext(ctx, "error purging messages", tint.Err(err))
		content = b.lang.Textf("purge.error_failed", "error", err.Error())
	}
	_, _ = handler.Edit(ctx, &discordgo.WebhookEdit{Content: &content})
	return nil
}

// purgeMessages deletes up to amount recent messages from the channel,
// skipping messages too old to bulk delete. Returns the number deleted.
func (b *Bot) purgeMessages(ctx context.Context, channelID string, amount int) (int, error) {
	messages, err := b.discord.session.ChannelMessages(channelID, amount, "", "", "")
	if err != nil {
		return 0, fmt.Errorf("error fetching messages: %w", err)
	}
	cutoff := time.Now().Add(-purgeMaxMessageAge)
	ids := make([]string, 0, len(messages))
	for _, m := range messages {
		if !m.Timestamp.IsZero() && m.Timestamp.Before(cutoff) {
			continue
		}
		ids = append(ids, m.ID)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err = b.discord.session.ChannelMessagesBulkDelete(channelID, ids); err != nil {
		return 0, fmt.Errorf("error deleting messages: %w", err)
	}
	_, logger := b.getLogger(ctx)
	logger.InfoContext(ctx, "purged messages", "channel_id", channelID, "count", len(ids))
	return len(ids), nil
}

func commandExport(
	ctx context.Context,
	b *Bot,
	handler InteractionHandler,
	u *User,
) error {
	if !b.isOwner(u.ID) {
		return ErrNotAdmin
	}
	if err := handler.Respond(
		ctx,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{Flags: discordgo.MessageFlagsEphemeral},
		},
	); err != nil {
		return nil
	}

	path, err := ExportData(ctx, b.db.DB(), b.config.DataDir, time.Now())
	var content string
	if err != nil {
		_, logger := b.getLogger(ctx)
		logger.ErrorContext(ctx, "error exporting data", tint.Err(err))
		content = b.lang.Text("general.error", nil)
	} else {
		content = b.lang.Textf("export.success", "path", path)
	}
	_, _ = handler.Edit(ctx, &discordgo.WebhookEdit{Content: &content})
	return nil
}
