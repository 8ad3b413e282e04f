package lorian

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"strings"
	"sync"
)

type DiscordInteractionReceiveMethod string

const (
	discordInteractionReceiveMethodGateway DiscordInteractionReceiveMethod = "gateway"
	discordInteractionReceiveMethodWebhook DiscordInteractionReceiveMethod = "webhook"
)

//nolint:lll // struct tags can't be split
type InteractionLog struct {
	ModelUintID
	Method        DiscordInteractionReceiveMethod `json:"method" gorm:"type:string"` // webhook or gateway
	InteractionID string                          `json:"interaction_id" gorm:"not null"`
	Type          string                          `json:"type" gorm:"type:string"`
	Name          string                          `json:"name" gorm:"type:string"`
	UserID        string                          `json:"user_id" gorm:"not null"`
	Username      string                          `json:"username" gorm:"type:string"`
	GuildID       string                          `json:"guild_id" gorm:"type:string"`
	ChannelID     string                          `json:"channel_id" gorm:"type:string"`
	Payload       string                          `json:"payload" gorm:"type:string"`
	CreatedAt     int64                           `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

func newInteractionLog(
	i *discordgo.InteractionCreate,
	u *discordgo.User,
	handler InteractionHandler,
) (*InteractionLog, error) {
	p, err := json.Marshal(i)
	if err != nil {
		return nil, fmt.Errorf("error marshaling interaction: %w", err)
	}

	return &InteractionLog{
		InteractionID: i.ID,
		Type:          i.Type.String(),
		Name:          interactionName(i),
		UserID:        u.ID,
		Username:      u.String(),
		GuildID:       i.GuildID,
		ChannelID:     i.ChannelID,
		Payload:       string(p),
		Method:        handler.InteractionReceiveMethod(),
	}, nil
}

// interactionName returns the command name or component custom ID
func interactionName(i *discordgo.InteractionCreate) string {
	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		return i.ApplicationCommandData().Name
	case discordgo.InteractionMessageComponent:
		return i.MessageComponentData().CustomID
	default:
		return ""
	}
}

// InteractionHandler defines the interface for handling Discord interactions.
// It provides methods for responding to interactions and editing the
// response.
type InteractionHandler interface {
	// Respond sends an initial response to a Discord interaction.
	Respond(ctx context.Context, i *discordgo.InteractionResponse) error

	// Edit modifies an existing interaction response.
	Edit(
		ctx context.Context,
		e *discordgo.WebhookEdit,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// GetInteraction returns the original InteractionCreate event.
	GetInteraction() *discordgo.InteractionCreate

	// InteractionReceiveMethod returns the method used to receive the
	// interaction (webhook or gateway).
	InteractionReceiveMethod() DiscordInteractionReceiveMethod

	// Logger returns the logger associated with this handler.
	Logger() *slog.Logger
}

// GatewayHandler implements [InteractionHandler] when receiving interactions
// via the discord websocket gateway.
type GatewayHandler struct {
	session     DiscordSessionHandler
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger
	mu          *sync.RWMutex
}

func (GatewayHandler) InteractionReceiveMethod() DiscordInteractionReceiveMethod {
	return discordInteractionReceiveMethodGateway
}

func (w GatewayHandler) Respond(
	ctx context.Context,
	response *discordgo.InteractionResponse,
) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	err := w.session.InteractionRespond(w.interaction.Interaction, response)
	if err != nil {
		w.logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
	} else {
		w.logger.InfoContext(ctx, "responded to interaction")
	}
	return err
}

func (w GatewayHandler) GetInteraction() *discordgo.InteractionCreate {
	return w.interaction
}

func (w GatewayHandler) Edit(
	ctx context.Context,
	wh *discordgo.WebhookEdit,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	msg, err := w.session.InteractionResponseEdit(
		w.interaction.Interaction,
		wh,
		opts...,
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error editing interaction response", tint.Err(err))
	} else {
		w.logger.InfoContext(ctx, "edited interaction")
	}
	return msg, err
}

func (w GatewayHandler) Logger() *slog.Logger {
	return w.logger
}

// handleInteraction processes incoming Discord interactions, regardless
// of whether they arrived via the gateway or webhook.
//
// The interaction is logged and saved as an [InteractionLog]. Interactions
// from bots are ignored. Application commands are looked up in
// commandRegistry, and message components are routed by custom ID.
// While the bot is paused, only the owner's interactions are handled.
func (b *Bot) handleInteraction(
	ctx context.Context,
	handler InteractionHandler,
) {
	defer func() {
		if rc := recover(); rc != nil {
			b.handleRecover(ctx, rc)
		}
	}()

	logger := handler.Logger()
	i := handler.GetInteraction()
	discordUser := getDiscordUser(i)
	if discordUser == nil {
		logger.ErrorContext(
			ctx,
			"no user found in interaction",
			"interaction", structToSlogValue(i),
		)
		return
	}

	logger = logger.With(slog.Group("user", discordUserLogAttrs(discordUser)...))
	ctx = WithLogger(ctx, logger)
	logger.InfoContext(ctx, "received new interaction", "name", interactionName(i))

	wg := &sync.WaitGroup{}
	defer wg.Wait()

	if interactionLog, err := newInteractionLog(i, discordUser, handler); err != nil {
		logger.ErrorContext(ctx, "error marshaling interaction", tint.Err(err))
	} else {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, createErr := b.db.Create(ctx, interactionLog); createErr != nil {
				logger.ErrorContext(ctx, "error logging interaction", tint.Err(createErr))
			}
		}()
	}

	if discordUser.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring")
		return
	}

	if i.Type == discordgo.InteractionPing {
		_ = handler.Respond(
			ctx,
			&discordgo.InteractionResponse{Type: discordgo.InteractionResponsePong},
		)
		return
	}

	u, _, err := b.db.GetOrCreateUser(ctx, *discordUser)
	if err != nil {
		logger.ErrorContext(ctx, "error getting user", tint.Err(err))
		_ = handler.Respond(ctx, ephemeralResponse(b.lang.Text("general.error", nil)))
		return
	}

	if b.paused.Load() && !b.isOwner(u.ID) {
		logger.InfoContext(ctx, "paused, ignoring interaction")
		_ = handler.Respond(ctx, ephemeralResponse(b.lang.Text("general.paused", nil)))
		return
	}

	b.metricInteractions.Add(1)

	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		name := i.ApplicationCommandData().Name
		cmd, ok := commandRegistry[name]
		if !ok {
			logger.WarnContext(ctx, "unknown command", "command", name)
			_ = handler.Respond(
				ctx,
				ephemeralResponse(b.lang.Text("general.unknown_command", nil)),
			)
			return
		}
		if cmdErr := cmd(ctx, b, handler, u); cmdErr != nil {
			b.respondWithError(ctx, handler, cmdErr)
		}
	case discordgo.InteractionMessageComponent:
		customID := i.MessageComponentData().CustomID
		route, ok := findComponentHandler(customID)
		if !ok {
			logger.WarnContext(ctx, "unknown component", "custom_id", customID)
			return
		}
		if routeErr := route(ctx, b, handler, u); routeErr != nil {
			b.respondWithError(ctx, handler, routeErr)
		}
	default:
		logger.WarnContext(ctx, "unhandled interaction type", "type", i.Type.String())
	}
}

// componentHandlers maps exact custom IDs to handlers
var componentHandlers = map[string]commandHandler{
	helpSelectCustomID:       componentHelpSelect,
	helpBackCustomID:         componentHelpBack,
	ticketCreateCustomID:     componentTicketCreate,
	commissionCreateCustomID: componentCommissionCreate,
}

// componentPrefixHandlers maps custom ID prefixes to handlers, for
// components whose custom ID carries a record ID
var componentPrefixHandlers = []struct {
	prefix  string
	handler commandHandler
}{
	{ticketClosePrefix, componentTicketClose},
	{commissionClosePrefix, componentCommissionClose},
	{reminderStatusPrefix, componentReminderStatus},
}

// findComponentHandler returns the handler for the given custom ID,
// checking exact matches before prefixes
func findComponentHandler(customID string) (commandHandler, bool) {
	if h, ok := componentHandlers[customID]; ok {
		return h, true
	}
	for _, p := range componentPrefixHandlers {
		if strings.HasPrefix(customID, p.prefix) {
			return p.handler, true
		}
	}
	return nil, false
}

// ephemeralResponse returns a message response only visible to the user
func ephemeralResponse(content string) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	}
}

// embedResponse returns a message response with the given embeds
func embedResponse(
	ephemeral bool,
	embeds ...*discordgo.MessageEmbed,
) *discordgo.InteractionResponse {
	data := &discordgo.InteractionResponseData{Embeds: embeds}
	if ephemeral {
		data.Flags = discordgo.MessageFlagsEphemeral
	}
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: data,
	}
}

// updateMessageResponse returns a response which edits the message the
// component is attached to
func updateMessageResponse(
	components []discordgo.MessageComponent,
	embeds ...*discordgo.MessageEmbed,
) *discordgo.InteractionResponse {
	if components == nil {
		components = []discordgo.MessageComponent{}
	}
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseUpdateMessage,
		Data: &discordgo.InteractionResponseData{
			Embeds:     embeds,
			Components: components,
		},
	}
}
