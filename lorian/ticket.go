package lorian

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"regexp"
	"strings"
	"sync"
	"time"
)

type TicketKind string

const (
	TicketKindTicket     TicketKind = "ticket"
	TicketKindCommission TicketKind = "commission"

	ticketCreateCustomID     = "ticket_create"
	commissionCreateCustomID = "commission_create"
	ticketClosePrefix        = "ticket_close_"
	commissionClosePrefix    = "commission_close_"

	buttonMessageKindFeedback = "feedback"

	columnTicketClosedBy = "closed_by"

	ticketChannelNameMaxLength = 100
	ticketIDSuffixLength       = 8

	ticketMemberPermissions = discordgo.PermissionViewChannel |
		discordgo.PermissionSendMessages |
		discordgo.PermissionReadMessageHistory
)

var (
	ErrTicketExists     = errors.New("user already has an open ticket")
	ErrNotTicketOwner   = errors.New("only the ticket creator or the owner can close it")
	ErrNotTicketChannel = errors.New("not a ticket channel")

	channelNameInvalidChars = regexp.MustCompile(`[^a-z0-9_-]+`)
)

// Ticket is a private support channel opened by a user. Commissions are
// tickets of kind [TicketKindCommission]. Closing a ticket soft-deletes it,
// so open tickets are the rows without deleted_at.
//
//nolint:lll // struct tags can't be split
type Ticket struct {
	// ID is "<kind>-<user id>-<8 hex chars>"
	ID        string     `json:"id" gorm:"primaryKey;type:string"`
	Kind      TicketKind `json:"kind" gorm:"type:string;index;not null"`
	UserID    string     `json:"user_id" gorm:"type:string;index;not null"`
	Username  string     `json:"username" gorm:"type:string"`
	ChannelID string     `json:"channel_id" gorm:"type:string;index"`
	GuildID   string     `json:"guild_id" gorm:"type:string"`
	ClosedBy  string     `json:"closed_by,omitempty" gorm:"type:string"`
	ModelUnixTime
}

// ButtonMessage records a message posted by one of the setup commands
type ButtonMessage struct {
	ModelUintID
	MessageID string `json:"message_id" gorm:"type:string;not null"`
	ChannelID string `json:"channel_id" gorm:"type:string;not null"`
	Kind      string `json:"kind" gorm:"type:string;index"`
	ModelUnixTime
}

// ticketFlow holds what differs between tickets and commissions
type ticketFlow struct {
	kind           TicketKind
	createCustomID string
	closePrefix    string
	closeDelay     time.Duration
	setupChannel   func(ChannelConfig) string
}

// langKey returns the lang key for this flow, ex: "commission.closing_title"
func (f ticketFlow) langKey(name string) string {
	return string(f.kind) + "." + name
}

var (
	ticketFlowTicket = ticketFlow{
		kind:           TicketKindTicket,
		createCustomID: ticketCreateCustomID,
		closePrefix:    ticketClosePrefix,
		closeDelay:     3 * time.Second,
		setupChannel:   func(c ChannelConfig) string { return c.Ticket },
	}
	ticketFlowCommission = ticketFlow{
		kind:           TicketKindCommission,
		createCustomID: commissionCreateCustomID,
		closePrefix:    commissionClosePrefix,
		closeDelay:     10 * time.Second,
		setupChannel:   func(c ChannelConfig) string { return c.Commission },
	}
)

func newTicketID(kind TicketKind, userID string) (string, error) {
	suffix, err := generateRandomHexString(ticketIDSuffixLength)
	if err != nil {
		return "", fmt.Errorf("error generating ticket ID: %w", err)
	}
	return fmt.Sprintf("%s-%s-%s", kind, userID, suffix), nil
}

// ticketChannelName returns a valid channel name like "ticket-someuser"
func ticketChannelName(kind TicketKind, username string) string {
	name := strings.ToLower(string(kind) + "-" + username)
	name = channelNameInvalidChars.ReplaceAllString(name, "-")
	name = strings.Trim(name, "-")
	return truncate(name, ticketChannelNameMaxLength)
}

// ticketPermissionOverwrites hides the channel from @everyone, and lets
// the creator, the bot and the owner view and post in it
func ticketPermissionOverwrites(
	guildID string,
	userID string,
	botUserID string,
	ownerID string,
) []*discordgo.PermissionOverwrite {
	overwrites := []*discordgo.PermissionOverwrite{
		{
			// the @everyone role ID is the guild ID
			ID:   guildID,
			Type: discordgo.PermissionOverwriteTypeRole,
			Deny: discordgo.PermissionViewChannel,
		},
	}
	seen := map[string]bool{}
	for _, id := range []string{userID, botUserID, ownerID} {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		overwrites = append(
			overwrites,
			&discordgo.PermissionOverwrite{
				ID:    id,
				Type:  discordgo.PermissionOverwriteTypeMember,
				Allow: ticketMemberPermissions,
			},
		)
	}
	return overwrites
}

// openTicket returns the user's open ticket of the given kind, or nil
func (b *Bot) openTicket(ctx context.Context, kind TicketKind, userID string) (*Ticket, error) {
	var t Ticket
	err := b.db.DB().WithContext(ctx).
		Where("kind = ? AND user_id = ?", kind, userID).
		Take(&t).Error
	switch {
	case err == nil:
		return &t, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, nil
	default:
		return nil, err
	}
}

func (b *Bot) ticketSetup(
	ctx context.Context,
	handler InteractionHandler,
	u *User,
	flow ticketFlow,
) error {
	if !b.isOwner(u.ID) {
		return ErrNotAdmin
	}
	channelID := flow.setupChannel(b.config.Channels)
	if channelID == "" {
		return ErrMissingChannel
	}

	embed := &discordgo.MessageEmbed{
		Title:       b.lang.Text(flow.langKey("setup_title"), nil),
		Description: b.lang.Text(flow.langKey("setup_description"), nil),
		Color:       colorTicket,
		Thumbnail:   &discordgo.MessageEmbedThumbnail{URL: b.lang.Image("showing." + string(flow.kind))},
	}
	msg, err := b.discord.session.ChannelMessageSendComplex(
		channelID,
		&discordgo.MessageSend{
			Embeds: []*discordgo.MessageEmbed{embed},
			Components: []discordgo.MessageComponent{
				discordgo.ActionsRow{
					Components: []discordgo.MessageComponent{
						discordgo.Button{
							Label:    b.lang.Text(flow.langKey("setup_button"), nil),
							Style:    discordgo.PrimaryButton,
							CustomID: flow.createCustomID,
							Emoji:    &discordgo.ComponentEmoji{Name: b.lang.Emoji("tickets." + string(flow.kind))},
						},
					},
				},
			},
		},
	)
	if err != nil {
		return fmt.Errorf("error posting %s setup message: %w", flow.kind, err)
	}

	if _, err = b.db.Create(
		ctx,
		&ButtonMessage{MessageID: msg.ID, ChannelID: channelID, Kind: string(flow.kind)},
	); err != nil {
		_, logger := b.getLogger(ctx)
		logger.ErrorContext(ctx, "error saving button message", tint.Err(err))
	}

	_ = handler.Respond(
		ctx,
		ephemeralResponse(
			b.lang.Textf(flow.langKey("setup_success"), "channel", channelMention(channelID)),
		),
	)
	return nil
}

// createTicket opens a private channel for the user, posts the welcome
// message with a close button, and stores the Ticket
func (b *Bot) createTicket(
	ctx context.Context,
	handler InteractionHandler,
	u *User,
	flow ticketFlow,
) error {
	_, logger := b.getLogger(ctx)
	i := handler.GetInteraction()
	if i.GuildID == "" {
		return fmt.Errorf("%s created outside of a guild", flow.kind)
	}

	unlock := b.lockTicketCreate(flow.kind, u.ID)
	defer unlock()

	existing, err := b.openTicket(ctx, flow.kind, u.ID)
	if err != nil {
		return fmt.Errorf("error checking for open %s: %w", flow.kind, err)
	}
	if existing != nil {
		return fmt.Errorf("%w: %s", ErrTicketExists, existing.ID)
	}

	if err = handler.Respond(
		ctx,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{Flags: discordgo.MessageFlagsEphemeral},
		},
	); err != nil {
		return nil
	}

	content, err := b.openTicketChannel(ctx, i.GuildID, u, flow)
	if err != nil {
		logger.ErrorContext(ctx, "error creating ticket", "kind", flow.kind, tint.Err(err))
		content = b.lang.Text(flow.langKey("error_create"), nil)
	}
	_, _ = handler.Edit(ctx, &discordgo.WebhookEdit{Content: &content})
	return nil
}

// lockTicketCreate blocks until the user isn't creating another ticket
// of the same kind, and returns the func releasing the lock
func (b *Bot) lockTicketCreate(kind TicketKind, userID string) func() {
	key := string(kind) + ":" + userID
	b.ticketLocksMu.Lock()
	if b.ticketLocks == nil {
		b.ticketLocks = map[string]*sync.Mutex{}
	}
	l, ok := b.ticketLocks[key]
	if !ok {
		l = &sync.Mutex{}
		b.ticketLocks[key] = l
	}
	b.ticketLocksMu.Unlock()
	l.Lock()
	return l.Unlock
}

// openTicketChannel does the work of createTicket after the interaction
// has been deferred, returning the confirmation text
func (b *Bot) openTicketChannel(
	ctx context.Context,
	guildID string,
	u *User,
	flow ticketFlow,
) (string, error) {
	ticketID, err := newTicketID(flow.kind, u.ID)
	if err != nil {
		return "", err
	}

	ch, err := b.discord.session.GuildChannelCreateComplex(
		guildID,
		discordgo.GuildChannelCreateData{
			Name:     ticketChannelName(flow.kind, u.Username),
			Type:     discordgo.ChannelTypeGuildText,
			Topic:    ticketID,
			ParentID: b.config.Channels.TicketCategory,
			PermissionOverwrites: ticketPermissionOverwrites(
				guildID,
				u.ID,
				b.discord.BotUserID(),
				b.config.OwnerID,
			),
		},
	)
	if err != nil {
		return "", fmt.Errorf("error creating channel: %w", err)
	}

	ticket := &Ticket{
		ID:        ticketID,
		Kind:      flow.kind,
		UserID:    u.ID,
		Username:  u.Username,
		ChannelID: ch.ID,
		GuildID:   guildID,
	}
	if _, err = b.db.Create(ctx, ticket); err != nil {
		_, _ = b.discord.session.ChannelDelete(ch.ID)
		return "", fmt.Errorf("error saving %s: %w", flow.kind, err)
	}

	welcome := &discordgo.MessageEmbed{
		Title: b.lang.Text(flow.langKey("welcome_title"), nil),
		Description: b.lang.Textf(
			flow.langKey("welcome_description"),
			"user", userMention(u.ID),
			"owner", userMention(b.config.OwnerID),
		),
		Color:  colorTicket,
		Footer: &discordgo.MessageEmbedFooter{Text: ticketID},
	}
	if _, err = b.discord.session.ChannelMessageSendComplex(
		ch.ID,
		&discordgo.MessageSend{
			Content: userMention(u.ID) + " " + userMention(b.config.OwnerID),
			Embeds:  []*discordgo.MessageEmbed{welcome},
			Components: []discordgo.MessageComponent{
				discordgo.ActionsRow{
					Components: []discordgo.MessageComponent{
						discordgo.Button{
							Label:    b.lang.Text(flow.langKey("close_button"), nil),
							Style:    discordgo.DangerButton,
							CustomID: flow.closePrefix + ticketID,
						},
					},
				},
			},
			AllowedMentions: &discordgo.MessageAllowedMentions{
				Users: []string{u.ID, b.config.OwnerID},
			},
		},
	); err != nil {
		_, logger := b.getLogger(ctx)
		logger.ErrorContext(ctx, "error sending welcome message", tint.Err(err))
	}

	return b.lang.Textf(flow.langKey("created"), "channel", channelMention(ch.ID)), nil
}

// closeTicket posts the closing notice, removes the record, and deletes
// the channel after the flow's delay
func (b *Bot) closeTicket(
	ctx context.Context,
	handler InteractionHandler,
	u *User,
	ticket *Ticket,
	flow ticketFlow,
) error {
	if u.ID != ticket.UserID && !b.isOwner(u.ID) {
		return ErrNotTicketOwner
	}
	_, logger := b.getLogger(ctx)

	embed := &discordgo.MessageEmbed{
		Title: b.lang.Text(flow.langKey("closing_title"), nil),
		Description: b.lang.Textf(
			flow.langKey("closing_description"),
			"seconds", fmt.Sprintf("%d", int(flow.closeDelay.Seconds())),
		),
		Color: colorClosing,
	}
	if err := handler.Respond(ctx, embedResponse(false, embed)); err != nil {
		return nil
	}

	if _, err := b.db.Update(ctx, ticket, columnTicketClosedBy, u.ID); err != nil {
		logger.ErrorContext(ctx, "error recording ticket closer", tint.Err(err))
	}
	if _, err := b.db.Delete(ctx, ticket); err != nil {
		logger.ErrorContext(ctx, "error deleting ticket", tint.Err(err))
	}
	logger.InfoContext(
		ctx,
		"closing ticket",
		"ticket_id", ticket.ID,
		"kind", ticket.Kind,
		"closed_by", u.ID,
	)

	channelID := ticket.ChannelID
	b.after(
		ctx, flow.closeDelay, func() {
			if _, err := b.discord.session.ChannelDelete(channelID); err != nil {
				logger.Error("error deleting ticket channel", tint.Err(err), "channel_id", channelID)
			}
		},
	)
	return nil
}

// closeTicketFromComponent handles the close button, whose custom ID
// carries the ticket ID
func (b *Bot) closeTicketFromComponent(
	ctx context.Context,
	handler InteractionHandler,
	u *User,
	flow ticketFlow,
) error {
	customID := handler.GetInteraction().MessageComponentData().CustomID
	ticketID := strings.TrimPrefix(customID, flow.closePrefix)

	var ticket Ticket
	err := b.db.DB().WithContext(ctx).
		Where("id = ? AND kind = ?", ticketID, flow.kind).
		Take(&ticket).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotTicketChannel
	}
	if err != nil {
		return fmt.Errorf("error getting ticket %q: %w", ticketID, err)
	}
	return b.closeTicket(ctx, handler, u, &ticket, flow)
}

// closeTicketFromCommand handles the close command, which must be used
// in the ticket's own channel
func (b *Bot) closeTicketFromCommand(
	ctx context.Context,
	handler InteractionHandler,
	u *User,
	flow ticketFlow,
) error {
	channelID := handler.GetInteraction().ChannelID

	var ticket Ticket
	err := b.db.DB().WithContext(ctx).
		Where("channel_id = ? AND kind = ?", channelID, flow.kind).
		Take(&ticket).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotTicketChannel
	}
	if err != nil {
		return fmt.Errorf("error getting ticket for channel %q: %w", channelID, err)
	}
	return b.closeTicket(ctx, handler, u, &ticket, flow)
}

func commandTicketSetup(ctx context.Context, b *Bot, handler InteractionHandler, u *User) error {
	return b.ticketSetup(ctx, handler, u, ticketFlowTicket)
}

func commandCommissionSetup(ctx context.Context, b *Bot, handler InteractionHandler, u *User) error {
	return b.ticketSetup(ctx, handler, u, ticketFlowCommission)
}

func commandTicketClose(ctx context.Context, b *Bot, handler InteractionHandler, u *User) error {
	return b.closeTicketFromCommand(ctx, handler, u, ticketFlowTicket)
}

func commandCommissionClose(ctx context.Context, b *Bot, handler InteractionHandler, u *User) error {
	return b.closeTicketFromCommand(ctx, handler, u, ticketFlowCommission)
}

func componentTicketCreate(ctx context.Context, b *Bot, handler InteractionHandler, u *User) error {
	return b.createTicket(ctx, handler, u, ticketFlowTicket)
}

func componentCommissionCreate(ctx context.Context, b *Bot, handler InteractionHandler, u *User) error {
	return b.createTicket(ctx, handler, u, ticketFlowCommission)
}

func componentTicketClose(ctx context.Context, b *Bot, handler InteractionHandler, u *User) error {
	return b.closeTicketFromComponent(ctx, handler, u, ticketFlowTicket)
}

func componentCommissionClose(ctx context.Context, b *Bot, handler InteractionHandler, u *User) error {
	return b.closeTicketFromComponent(ctx, handler, u, ticketFlowCommission)
}
