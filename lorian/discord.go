package lorian

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DiscordSlashCommandPing            = "ping"
	DiscordSlashCommandInfo            = "info"
	DiscordSlashCommandHola            = "hola"
	DiscordSlashCommandHelp            = "help"
	DiscordSlashCommandStats           = "stats"
	DiscordSlashCommandImages          = "images"
	DiscordSlashCommandPurge           = "purge"
	DiscordSlashCommandReminder        = "reminder"
	DiscordSlashCommandTicketSetup     = "ticket_setup"
	DiscordSlashCommandTicketClose     = "ticket_close"
	DiscordSlashCommandCommissionSetup = "commission_setup"
	DiscordSlashCommandCommissionClose = "commission_close"
	DiscordSlashCommandFeedbackSetup   = "feedback_setup"
	DiscordSlashCommandExport          = "export"
	DiscordUserCommandUserInfo         = "User Info"

	purgeOptionAmount         = "amount"
	purgeMaxMessages          = 100
	reminderOptionTime        = "time"
	reminderOptionMessage     = "message"
	reminderOptionVisibility  = "visibility"
	reminderOptionMentionType = "mention_type"
	reminderOptionHasStatus   = "has_status"
)

// Discord manages the discord session, and the gateway event handlers
// which keep track of the connection.
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	publicKey                   ed25519.PublicKey
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	connected                   atomic.Bool
	discordgoRemoveHandlerFuncs []func()
	httpClient                  *http.Client

	// botUser is the bot's own user, set from the Ready event
	botUser   *discordgo.User
	botUserMu sync.RWMutex

	bot *Bot
}

// newDiscord initializes a new Discord instance with the provided configuration
func newDiscord(config *DiscordConfig, httpClient *http.Client) (*Discord, error) {
	d := &Discord{
		config:                      config,
		discordgoRemoveHandlerFuncs: []func(){},
		httpClient:                  httpClient,
	}

	if config.WebhookServer.PublicKey != "" {
		publicKey, err := hex.DecodeString(config.WebhookServer.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("error decoding public key: %w", err)
		}
		d.publicKey = ed25519.PublicKey(publicKey)
	}

	return d, nil
}

// newSession initializes a new discordgo session, wrapped in DiscordSession
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.StateEnabled = true
	session.session = disc
	if d.httpClient != nil {
		session.SetHTTPClient(d.httpClient)
	}

	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}
	return session, nil
}

// BotUserID returns the bot's user ID, once known
func (d *Discord) BotUserID() string {
	d.botUserMu.RLock()
	defer d.botUserMu.RUnlock()
	if d.botUser == nil {
		return ""
	}
	return d.botUser.ID
}

func (d *Discord) setBotUser(u *discordgo.User) {
	d.botUserMu.Lock()
	defer d.botUserMu.Unlock()
	d.botUser = u
}

// handlerReady logs the connection, records the application ID and bot
// user, and registers commands if enabled
func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		if r == nil {
			return
		}
		if r.User != nil {
			d.setBotUser(r.User)
		}
		if d.config.ApplicationID == "" && r.Application != nil {
			d.config.ApplicationID = r.Application.ID
		}

		logAttrs := []any{
			"session_id", r.SessionID,
			"guilds", len(r.Guilds),
			"application_id", d.config.ApplicationID,
		}
		if r.User != nil {
			logAttrs = append(logAttrs, slog.Group("user", discordUserLogAttrs(r.User)...))
		}
		d.logger.Info("Ready", logAttrs...)

		var runtimeCfg RuntimeConfig
		if d.bot != nil {
			runtimeCfg = d.bot.RuntimeConfig()
		}
		if !runtimeCfg.Paused && runtimeCfg.DiscordCustomStatus != "" {
			if err := d.updateCustomStatus(runtimeCfg.DiscordCustomStatus); err != nil {
				d.logger.Error("error updating custom status", tint.Err(err))
			}
		}

		if d.config.RegisterCommands {
			if _, err := d.registerCommands(); err != nil {
				d.logger.Error("error registering commands", tint.Err(err))
			}
		}
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(s *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		var sessionID string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
		}
		d.logger.Info(
			"Connected",
			"session_id", sessionID,
			"connects", d.metricConnects.Load(),
		)
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(s *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)

		var sessionID string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
		}
		d.logger.Info(
			"disconnected",
			"session_id", sessionID,
			"disconnects", d.metricDisconnects.Load(),
		)
	}
}

func (d *Discord) updateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

func (d *Discord) updateStatusComplex(data discordgo.UpdateStatusData) error {
	return d.session.UpdateStatusComplex(data)
}

// applicationCommands returns every command the bot registers
func applicationCommands() []*discordgo.ApplicationCommand {
	manageMessages := int64(discordgo.PermissionManageMessages)
	minAmount := float64(1)

	return []*discordgo.ApplicationCommand{
		{
			Name:        DiscordSlashCommandPing,
			Description: "Check if the bot is alive",
		},
		{
			Name:        DiscordSlashCommandInfo,
			Description: "Information about the bot",
		},
		{
			Name:        DiscordSlashCommandHola,
			Description: "Say hello",
		},
		{
			Name:        DiscordSlashCommandHelp,
			Description: "List the available commands",
		},
		{
			Name:        DiscordSlashCommandStats,
			Description: "Show bot statistics",
		},
		{
			Name:        DiscordSlashCommandImages,
			Description: "Show the image gallery",
		},
		{
			Name: DiscordUserCommandUserInfo,
			Type: discordgo.UserApplicationCommand,
		},
		{
			Name:                     DiscordSlashCommandPurge,
			Description:              "Delete recent messages in this channel",
			DefaultMemberPermissions: &manageMessages,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        purgeOptionAmount,
					Description: "Number of messages to delete (1-100)",
					Required:    true,
					MinValue:    &minAmount,
					MaxValue:    purgeMaxMessages,
				},
			},
		},
		{
			Name:        DiscordSlashCommandReminder,
			Description: "Schedule a reminder",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        reminderOptionTime,
					Description: "When to remind (ex: 30s, 10m, 2h, 1d)",
					Required:    true,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        reminderOptionMessage,
					Description: "Reminder message",
					Required:    true,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        reminderOptionVisibility,
					Description: "Who can see the reminder",
					Choices: []*discordgo.ApplicationCommandOptionChoice{
						{Name: "Public", Value: string(ReminderVisibilityPublic)},
						{Name: "Private", Value: string(ReminderVisibilityPrivate)},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        reminderOptionMentionType,
					Description: "Who to mention when the reminder is sent",
					Choices: []*discordgo.ApplicationCommandOptionChoice{
						{Name: "None", Value: string(ReminderMentionNone)},
						{Name: "Creator", Value: string(ReminderMentionCreator)},
						{Name: "Everyone", Value: string(ReminderMentionEveryone)},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionBoolean,
					Name:        reminderOptionHasStatus,
					Description: "Attach a status selector to the reminder",
				},
			},
		},
		{
			Name:        DiscordSlashCommandTicketSetup,
			Description: "Post the ticket creation message",
		},
		{
			Name:        DiscordSlashCommandTicketClose,
			Description: "Close this ticket",
		},
		{
			Name:        DiscordSlashCommandCommissionSetup,
			Description: "Post the commission request message",
		},
		{
			Name:        DiscordSlashCommandCommissionClose,
			Description: "Close this commission",
		},
		{
			Name:        DiscordSlashCommandFeedbackSetup,
			Description: "Post the feedback channel explanation",
		},
		{
			Name:        DiscordSlashCommandExport,
			Description: "Export all stored data to a JSON file",
		},
	}
}

// registerCommands sends the bot's commands to the discord bulk overwrite
// endpoint
func (d *Discord) registerCommands(
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	if d.config.ApplicationID == "" {
		return nil, fmt.Errorf("application ID not set")
	}
	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		applicationCommands(),
		options...,
	)
	if err != nil {
		return created, err
	}
	if len(created) == 0 {
		d.logger.Warn("no commands created")
	}
	return created, nil
}

// DiscordSessionHandler defines the methods from `discordgo.Session` which
// are used by the bot, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// SetIdentify sets the identify object that's sent during the initial
	// handshake with the discord gateway
	SetIdentify(discordgo.Identify)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// HeartbeatLatency returns the latency between heartbeat
	// acknowledgement and heartbeat send
	HeartbeatLatency() time.Duration

	// UpdateCustomStatus sets the bot's user status to the given string.
	// If empty, sets the bot user to active and removes any existing
	// custom status.
	UpdateCustomStatus(status string) error

	// UpdateStatusComplex sends the given status update, untouched
	UpdateStatusComplex(data discordgo.UpdateStatusData) error

	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error
	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)
	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
	ChannelMessageEditComplex(
		m *discordgo.MessageEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
	ChannelMessageDelete(
		channelID string,
		messageID string,
		options ...discordgo.RequestOption,
	) error
	ChannelMessage(
		channelID string,
		messageID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
	ChannelMessages(
		channelID string,
		limit int,
		beforeID string,
		afterID string,
		aroundID string,
		options ...discordgo.RequestOption,
	) ([]*discordgo.Message, error)
	ChannelMessagesBulkDelete(
		channelID string,
		messages []string,
		options ...discordgo.RequestOption,
	) error
	MessageReactionAdd(
		channelID string,
		messageID string,
		emojiID string,
		options ...discordgo.RequestOption,
	) error

	GuildChannelCreateComplex(
		guildID string,
		data discordgo.GuildChannelCreateData,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)
	ChannelDelete(
		channelID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)
	GuildMember(
		guildID string,
		userID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Member, error)
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	d.session.Identify = i
}

func (d DiscordSession) HeartbeatLatency() time.Duration {
	return d.session.HeartbeatLatency()
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

func (d DiscordSession) UpdateStatusComplex(data discordgo.UpdateStatusData) error {
	return d.session.UpdateStatusComplex(data)
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	for _, c := range created {
		d.logger.Info("Created command", "command", c.Name, "id", c.ID)
	}
	return created, nil
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.InteractionResponseEdit(interaction, newresp, options...)
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, message, opts...)
}

func (d DiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendComplex(channelID, data, options...)
	if err != nil {
		d.logger.Error(
			"error sending message",
			tint.Err(err),
			"channel_id", channelID,
		)
	} else {
		d.logger.Debug("sent message", "channel_id", channelID, "message_id", msg.ID)
	}
	return msg, err
}

func (d DiscordSession) ChannelMessageEditComplex(
	m *discordgo.MessageEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageEditComplex(m, options...)
	if err != nil {
		d.logger.Error(
			"error editing message",
			tint.Err(err),
			"channel_id", m.Channel,
			"message_id", m.ID,
		)
	}
	return msg, err
}

func (d DiscordSession) ChannelMessageDelete(
	channelID string,
	messageID string,
	options ...discordgo.RequestOption,
) error {
	err := d.session.ChannelMessageDelete(channelID, messageID, options...)
	if err != nil {
		d.logger.Error(
			"error deleting message",
			tint.Err(err),
			"channel_id", channelID,
			"message_id", messageID,
		)
	}
	return err
}

func (d DiscordSession) ChannelMessage(
	channelID string,
	messageID string,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessage(channelID, messageID, options...)
}

func (d DiscordSession) ChannelMessages(
	channelID string,
	limit int,
	beforeID string,
	afterID string,
	aroundID string,
	options ...discordgo.RequestOption,
) ([]*discordgo.Message, error) {
	return d.session.ChannelMessages(channelID, limit, beforeID, afterID, aroundID, options...)
}

func (d DiscordSession) ChannelMessagesBulkDelete(
	channelID string,
	messages []string,
	options ...discordgo.RequestOption,
) error {
	err := d.session.ChannelMessagesBulkDelete(channelID, messages, options...)
	if err != nil {
		d.logger.Error(
			"error bulk deleting messages",
			tint.Err(err),
			"channel_id", channelID,
			"count", len(messages),
		)
	} else {
		d.logger.Info("bulk deleted messages", "channel_id", channelID, "count", len(messages))
	}
	return err
}

func (d DiscordSession) MessageReactionAdd(
	channelID string,
	messageID string,
	emojiID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.MessageReactionAdd(channelID, messageID, emojiID, options...)
}

func (d DiscordSession) GuildChannelCreateComplex(
	guildID string,
	data discordgo.GuildChannelCreateData,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	ch, err := d.session.GuildChannelCreateComplex(guildID, data, options...)
	if err != nil {
		d.logger.Error(
			"error creating channel",
			tint.Err(err),
			"guild_id", guildID,
			"name", data.Name,
		)
	} else {
		d.logger.Info("created channel", "guild_id", guildID, "channel_id", ch.ID, "name", ch.Name)
	}
	return ch, err
}

func (d DiscordSession) ChannelDelete(
	channelID string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	ch, err := d.session.ChannelDelete(channelID, options...)
	if err != nil {
		d.logger.Error("error deleting channel", tint.Err(err), "channel_id", channelID)
	} else {
		d.logger.Info("deleted channel", "channel_id", channelID)
	}
	return ch, err
}

func (d DiscordSession) GuildMember(
	guildID string,
	userID string,
	options ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	return d.session.GuildMember(guildID, userID, options...)
}

// messageMentionsUser checks if a given discord message mentions the
// given user ID via @
func messageMentionsUser(m *discordgo.Message, userID string) bool {
	if m == nil {
		return false
	}
	for _, mention := range m.Mentions {
		if mention.ID == userID {
			return true
		}
	}
	return false
}
