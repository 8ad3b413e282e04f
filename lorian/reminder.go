package lorian

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"strings"
	"time"
)

type ReminderVisibility string

const (
	ReminderVisibilityPublic  ReminderVisibility = "public"
	ReminderVisibilityPrivate ReminderVisibility = "private"
)

type ReminderMention string

const (
	ReminderMentionNone     ReminderMention = "none"
	ReminderMentionCreator  ReminderMention = "creator"
	ReminderMentionEveryone ReminderMention = "everyone"
)

const (
	reminderStatusPrefix = "reminder_status_"

	// sent reminders without a status selector are removed after this
	reminderRetention = 24 * time.Hour

	// max reminders delivered concurrently per tick
	reminderSendConcurrency = 5

	reminderFooterIDLength = 8

	columnReminderSent      = "sent"
	columnReminderSentAt    = "sent_at"
	columnReminderMessageID = "message_id"
	columnReminderStatus    = "status"
)

// reminderStatuses are the options of the status selector, in order
var reminderStatuses = []struct {
	Value string
	Emoji string
}{
	{"confirmed", "✅"},
	{"created", "⭐"},
	{"completed", "🎉"},
	{"cancelled", "❌"},
	{"failed", "💥"},
}

// Reminder is a message delivered to the reminder channel at RemindAt.
//
//nolint:lll // struct tags can't be split
type Reminder struct {
	ID          string             `json:"id" gorm:"primaryKey;type:string"`
	UserID      string             `json:"user_id" gorm:"type:string;index;not null"`
	Username    string             `json:"username" gorm:"type:string"`
	ChannelID   string             `json:"channel_id" gorm:"type:string;not null"`
	Message     string             `json:"message" gorm:"type:string;not null"`
	RemindAt    int64              `json:"remind_at" gorm:"index;not null"`
	Visibility  ReminderVisibility `json:"visibility" gorm:"type:string;default:public"`
	MentionType ReminderMention    `json:"mention_type" gorm:"type:string;default:none"`
	HasStatus   bool               `json:"has_status"`
	Status      string             `json:"status,omitempty" gorm:"type:string"`
	Sent        bool               `json:"sent" gorm:"index;default:false"`
	SentAt      int64              `json:"sent_at,omitempty"`
	MessageID   string             `json:"message_id,omitempty" gorm:"type:string"`
	CreatedAt   int64              `json:"created_at" gorm:"autoCreateTime:milli"`
	UpdatedAt   int64              `json:"updated_at" gorm:"autoUpdateTime:milli"`
}

// Private returns true if only the creator should be notified
func (r Reminder) Private() bool {
	return r.Visibility == ReminderVisibilityPrivate
}

// reminderMention returns the message content and allowed mentions for
// a reminder delivery. Private reminders always mention the creator.
func reminderMention(r Reminder) (string, *discordgo.MessageAllowedMentions) {
	mentionCreator := func() (string, *discordgo.MessageAllowedMentions) {
		return userMention(r.UserID), &discordgo.MessageAllowedMentions{Users: []string{r.UserID}}
	}
	if r.Private() {
		return mentionCreator()
	}
	switch r.MentionType {
	case ReminderMentionCreator:
		return mentionCreator()
	case ReminderMentionEveryone:
		return "@everyone", &discordgo.MessageAllowedMentions{
			Parse: []discordgo.AllowedMentionType{discordgo.AllowedMentionTypeEveryone},
		}
	default:
		return "", &discordgo.MessageAllowedMentions{Parse: []discordgo.AllowedMentionType{}}
	}
}

func reminderStringOption(
	options []*discordgo.ApplicationCommandInteractionDataOption,
	name string,
) string {
	for _, opt := range options {
		if opt.Name == name && opt.Type == discordgo.ApplicationCommandOptionString {
			return strings.TrimSpace(opt.StringValue())
		}
	}
	return ""
}

// newReminderFromOptions builds a Reminder from the /reminder options
func newReminderFromOptions(
	options []*discordgo.ApplicationCommandInteractionDataOption,
	u *User,
	channelID string,
	now time.Time,
) (*Reminder, error) {
	duration, err := parseReminderDuration(reminderStringOption(options, reminderOptionTime))
	if err != nil {
		return nil, err
	}
	r := &Reminder{
		ID:          uuid.NewString(),
		UserID:      u.ID,
		Username:    u.Username,
		ChannelID:   channelID,
		Message:     reminderStringOption(options, reminderOptionMessage),
		RemindAt:    now.Add(duration).UnixMilli(),
		Visibility:  ReminderVisibilityPublic,
		MentionType: ReminderMentionNone,
	}
	if ReminderVisibility(reminderStringOption(options, reminderOptionVisibility)) == ReminderVisibilityPrivate {
		r.Visibility = ReminderVisibilityPrivate
	}
	switch m := ReminderMention(reminderStringOption(options, reminderOptionMentionType)); m {
	case ReminderMentionCreator, ReminderMentionEveryone:
		r.MentionType = m
	}
	for _, opt := range options {
		if opt.Name == reminderOptionHasStatus && opt.Type == discordgo.ApplicationCommandOptionBoolean {
			r.HasStatus = opt.BoolValue()
		}
	}
	return r, nil
}

func commandReminder(
	ctx context.Context,
	b *Bot,
	handler InteractionHandler,
	u *User,
) error {
	if !b.isOwner(u.ID) {
		return ErrNotAdmin
	}
	channelID := b.config.Channels.Reminder
	if channelID == "" {
		return ErrMissingChannel
	}

	options := handler.GetInteraction().ApplicationCommandData().Options
	r, err := newReminderFromOptions(options, u, channelID, time.Now())
	if err != nil {
		return err
	}
	if r.Message == "" {
		_ = handler.Respond(ctx, ephemeralResponse(b.lang.Text("reminder.error_empty_message", nil)))
		return nil
	}

	if _, err = b.db.Create(ctx, r); err != nil {
		return fmt.Errorf("error saving reminder: %w", err)
	}
	_, logger := b.getLogger(ctx)
	logger.InfoContext(
		ctx,
		"created reminder",
		"reminder_id", r.ID,
		"remind_at", time.UnixMilli(r.RemindAt),
	)

	_ = handler.Respond(ctx, embedResponse(false, b.reminderConfirmEmbed(*r)))
	return nil
}

func (b *Bot) reminderConfirmEmbed(r Reminder) *discordgo.MessageEmbed {
	remindAt := discordTimestamp(time.UnixMilli(r.RemindAt), "F")
	visibility := b.lang.Text("reminder.visibility_public", nil)
	if r.Private() {
		visibility = b.lang.Text("reminder.visibility_private", nil)
	}
	status := b.lang.Text("reminder.status_disabled", nil)
	if r.HasStatus {
		status = b.lang.Text("reminder.status_enabled", nil)
	}
	return &discordgo.MessageEmbed{
		Title:       b.lang.Emoji("interface.bell") + " " + b.lang.Text("reminder.title", nil),
		Description: b.lang.Textf("reminder.success", "time", remindAt),
		Color:       colorReminderConfirm,
		Thumbnail:   &discordgo.MessageEmbedThumbnail{URL: b.lang.Image("reactions.wow_alert")},
		Fields: []*discordgo.MessageEmbedField{
			{Name: b.lang.Text("reminder.time_field", nil), Value: remindAt, Inline: true},
			{Name: b.lang.Text("reminder.message_field", nil), Value: shortenString(r.Message, 1024), Inline: true},
			{Name: b.lang.Text("reminder.channel_field", nil), Value: channelMention(r.ChannelID), Inline: true},
			{Name: b.lang.Text("reminder.visibility_field", nil), Value: visibility, Inline: true},
			{
				Name:   b.lang.Text("reminder.mention_field", nil),
				Value:  b.lang.Text("reminder.mention_"+string(r.MentionType), nil),
				Inline: true,
			},
			{Name: b.lang.Text("reminder.status_field", nil), Value: status, Inline: true},
		},
		Footer: &discordgo.MessageEmbedFooter{
			Text: b.lang.Textf("reminder.footer", "id", truncate(r.ID, reminderFooterIDLength)),
		},
		Timestamp: time.Now().Format(time.RFC3339),
	}
}

// reminderDeliveryEmbed is the embed posted when the reminder is due.
// The creator is only shown on public reminders.
func (b *Bot) reminderDeliveryEmbed(r Reminder) *discordgo.MessageEmbed {
	fields := []*discordgo.MessageEmbedField{
		{
			Name:   b.lang.Text("reminder_notification.created_field", nil),
			Value:  discordTimestamp(time.UnixMilli(r.CreatedAt), "R"),
			Inline: true,
		},
	}
	if !r.Private() {
		fields = append(
			fields,
			&discordgo.MessageEmbedField{
				Name:   b.lang.Text("reminder_notification.user_field", nil),
				Value:  userMention(r.UserID),
				Inline: true,
			},
		)
	}
	return &discordgo.MessageEmbed{
		Title: b.lang.Emoji("interface.bell") + " " + b.lang.Text("reminder_notification.title", nil),
		Description: fmt.Sprintf(
			"%s\n\n**%s**",
			b.lang.Text("reminder_notification.description", nil),
			r.Message,
		),
		Color:     colorReminderDelivery,
		Thumbnail: &discordgo.MessageEmbedThumbnail{URL: b.lang.Image("reactions.wow_alert")},
		Fields:    fields,
		Footer:    &discordgo.MessageEmbedFooter{Text: b.lang.Text("reminder_notification.footer", nil)},
		Timestamp: time.Now().Format(time.RFC3339),
	}
}

func (b *Bot) reminderStatusComponents(reminderID string) []discordgo.MessageComponent {
	options := make([]discordgo.SelectMenuOption, 0, len(reminderStatuses))
	for _, s := range reminderStatuses {
		options = append(
			options,
			discordgo.SelectMenuOption{
				Label:       b.lang.Text("reminder_status.options."+s.Value+".label", nil),
				Value:       s.Value,
				Description: b.lang.Text("reminder_status.options."+s.Value+".description", nil),
				Emoji:       &discordgo.ComponentEmoji{Name: s.Emoji},
			},
		)
	}
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.SelectMenu{
					MenuType:    discordgo.StringSelectMenu,
					CustomID:    reminderStatusPrefix + reminderID,
					Placeholder: b.lang.Text("reminder_notification.status_placeholder", nil),
					Options:     options,
				},
			},
		},
	}
}

// runReminderWorker delivers due reminders and removes old ones every
// Config.ReminderCheckInterval, until ctx is done
func (b *Bot) runReminderWorker(ctx context.Context) {
	logger := b.logger.With(loggerNameKey, "reminders")
	ctx = WithLogger(ctx, logger)
	ticker := time.NewTicker(b.config.ReminderCheckInterval)
	defer ticker.Stop()

	logger.InfoContext(ctx, "starting reminder worker", "interval", b.config.ReminderCheckInterval)
	for {
		now := time.Now()
		if sent, err := b.deliverDueReminders(ctx, now); err != nil {
			logger.ErrorContext(ctx, "error delivering reminders", tint.Err(err))
		} else if sent > 0 {
			logger.InfoContext(ctx, "delivered reminders", "count", sent)
		}
		if removed, err := b.cleanupReminders(ctx, now); err != nil {
			logger.ErrorContext(ctx, "error cleaning up reminders", tint.Err(err))
		} else if removed > 0 {
			logger.InfoContext(ctx, "removed old reminders", "count", removed)
		}

		select {
		case <-ctx.Done():
			logger.InfoContext(ctx, "stopping reminder worker")
			return
		case <-ticker.C:
		}
	}
}

// pendingReminders returns reminders which are due and unsent
func (b *Bot) pendingReminders(ctx context.Context, now time.Time) ([]Reminder, error) {
	var reminders []Reminder
	err := b.db.DB().WithContext(ctx).
		Where("sent = ? AND remind_at <= ?", false, now.UnixMilli()).
		Order("remind_at asc").
		Find(&reminders).Error
	return reminders, err
}

// deliverDueReminders sends every pending reminder, and marks each
// delivered one as sent. Returns the number sent.
func (b *Bot) deliverDueReminders(ctx context.Context, now time.Time) (int, error) {
	reminders, err := b.pendingReminders(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("error getting pending reminders: %w", err)
	}
	if len(reminders) == 0 {
		return 0, nil
	}

	var sent int64
	errs := make([]error, len(reminders))
	g := new(errgroup.Group)
	g.SetLimit(reminderSendConcurrency)
	for idx := range reminders {
		r := &reminders[idx]
		g.Go(
			func() error {
				if sendErr := b.sendReminder(ctx, r); sendErr != nil {
					errs[idx] = fmt.Errorf("reminder %s: %w", r.ID, sendErr)
					return nil
				}
				b.remindersSent.Add(1)
				return nil
			},
		)
	}
	_ = g.Wait()
	for _, e := range errs {
		if e == nil {
			sent++
		}
	}
	return int(sent), errors.Join(errs...)
}

func (b *Bot) sendReminder(ctx context.Context, r *Reminder) error {
	content, allowed := reminderMention(*r)
	send := &discordgo.MessageSend{
		Content:         content,
		Embeds:          []*discordgo.MessageEmbed{b.reminderDeliveryEmbed(*r)},
		AllowedMentions: allowed,
	}
	if r.HasStatus {
		send.Components = b.reminderStatusComponents(r.ID)
	}
	msg, err := b.discord.session.ChannelMessageSendComplex(r.ChannelID, send)
	if err != nil {
		return err
	}
	_, err = b.db.Updates(
		ctx,
		r,
		map[string]any{
			columnReminderSent:      true,
			columnReminderSentAt:    time.Now().UnixMilli(),
			columnReminderMessageID: msg.ID,
		},
	)
	if err != nil {
		return fmt.Errorf("sent, but error marking as sent: %w", err)
	}
	return nil
}

// cleanupReminders deletes sent reminders without a status selector
// which were sent more than reminderRetention ago
func (b *Bot) cleanupReminders(ctx context.Context, now time.Time) (int64, error) {
	return b.db.Delete(
		ctx,
		&Reminder{},
		"sent = ? AND has_status = ? AND sent_at < ?",
		true,
		false,
		now.Add(-reminderRetention).UnixMilli(),
	)
}

// componentReminderStatus handles the status selector attached to a
// delivered reminder. The message is edited to show the chosen status,
// and the reminder is deleted.
func componentReminderStatus(
	ctx context.Context,
	b *Bot,
	handler InteractionHandler,
	u *User,
) error {
	_, logger := b.getLogger(ctx)
	data := handler.GetInteraction().MessageComponentData()
	reminderID := strings.TrimPrefix(data.CustomID, reminderStatusPrefix)
	if len(data.Values) == 0 {
		return fmt.Errorf("no status selected for reminder %q", reminderID)
	}
	status := data.Values[0]
	emoji := ""
	for _, s := range reminderStatuses {
		if s.Value == status {
			emoji = s.Emoji
		}
	}
	if emoji == "" {
		return fmt.Errorf("unknown reminder status %q", status)
	}

	embed := &discordgo.MessageEmbed{
		Title: b.lang.Emoji("interface.bell") + " " + b.lang.Text("reminder_status.title", nil),
		Description: b.lang.Textf(
			"reminder_status.description",
			"status", emoji+" "+b.lang.Text("reminder_status.options."+status+".label", nil),
		),
		Color:     colorStatusUpdated,
		Footer:    &discordgo.MessageEmbedFooter{Text: b.lang.Text("reminder_status.footer", nil)},
		Timestamp: time.Now().Format(time.RFC3339),
	}

	var r Reminder
	err := b.db.DB().WithContext(ctx).Where("id = ?", reminderID).Take(&r).Error
	switch {
	case err == nil:
		embed.Description = fmt.Sprintf("%s\n\n**%s**", embed.Description, r.Message)
		embed.Fields = []*discordgo.MessageEmbedField{
			{
				Name:   b.lang.Text("reminder_notification.created_field", nil),
				Value:  discordTimestamp(time.UnixMilli(r.CreatedAt), "R"),
				Inline: true,
			},
			{
				Name:   b.lang.Text("reminder_status.updated_by_field", nil),
				Value:  userMention(u.ID),
				Inline: true,
			},
		}
		if !r.Private() {
			embed.Fields = append(
				embed.Fields,
				&discordgo.MessageEmbedField{
					Name:   b.lang.Text("reminder_notification.user_field", nil),
					Value:  userMention(r.UserID),
					Inline: true,
				},
			)
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		logger.WarnContext(ctx, "reminder not found for status update", "reminder_id", reminderID)
	default:
		return fmt.Errorf("error getting reminder %q: %w", reminderID, err)
	}

	if respErr := handler.Respond(ctx, updateMessageResponse(nil, embed)); respErr != nil {
		return nil
	}
	if r.ID == "" {
		return nil
	}

	if _, err = b.db.Update(ctx, &r, columnReminderStatus, status); err != nil {
		logger.ErrorContext(ctx, "error saving reminder status", tint.Err(err))
	}
	if _, err = b.db.Delete(ctx, &r); err != nil {
		logger.ErrorContext(ctx, "error deleting completed reminder", tint.Err(err))
		return nil
	}
	logger.InfoContext(ctx, "reminder completed", "reminder_id", r.ID, "status", status)
	return nil
}
