package lorian

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"log/slog"
	"net/http"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/Lorian-Workspace/Lorian-s-DiscordBot/lorian.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var (
	ErrNotAdmin       = errors.New("only the bot owner can do that")
	ErrMissingChannel = errors.New("channel not configured")
)

// Bot is Lorian's discord bot. It owns the discord session, the database,
// the AI client, and the optional admin API and webhook servers.
type Bot struct {
	config *Config

	// gorm.DB wrapper. When using sqlite, writes are serialized.
	db DBI

	// Standard logger. Missing loggers will try to use this,
	// and fall back to slog.Default()
	logger *slog.Logger

	discord *Discord
	ai      *AI
	lang    *Lang

	// Admin API, when enabled
	api *API

	// Receives interactions over HTTP, when enabled
	discordWebhookServer *DiscordWebhookServer

	// Handler for interactions received via webhook
	webhookInteractionHandler func(c *gin.Context)

	// signalStop enables an explicit stop signal to be sent to the bot
	signalStop chan struct{}

	// signalReady has a value sent on it when Run has finished starting up
	signalReady chan struct{}

	// A signal is sent on this channel when shutdown finishes
	eventShutdown chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// While paused, only the owner's commands are handled
	paused atomic.Bool

	// The time Run was called
	startedAt time.Time

	// runtimeWG tracks handler goroutines and delayed follow-ups, which
	// shutdown waits on
	runtimeWG *sync.WaitGroup

	// getInteractionHandlerFunc returns the InteractionHandler for an
	// incoming gateway interaction
	getInteractionHandlerFunc func(
		ctx context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler

	runtimeConfig *RuntimeConfig
	cfgMu         sync.RWMutex

	// ticketLocks hold a lock per ticket kind and user while a ticket is
	// being created, so only one can be open at a time
	ticketLocks   map[string]*sync.Mutex
	ticketLocksMu sync.Mutex

	// dbNotifier tells other instances sharing the database about
	// runtime config changes
	dbNotifier DBNotifier

	metricInteractions    atomic.Int64
	metricMessagesHandled atomic.Int64
	remindersSent         atomic.Int64
}

// New creates a new Bot from the given configuration. The config isn't
// validated until Run is called.
func New(config *Config) (*Bot, error) {
	var errs []error

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}
	if config.Discord == nil {
		config.Discord = DefaultConfig().Discord
	}
	if config.AI == nil {
		config.AI = DefaultConfig().AI
	}
	if config.API == nil {
		config.API = DefaultConfig().API
	}
	if config.LogLevel == nil {
		config.LogLevel = newLevelVar(DefaultLogLevel)
	}

	b := &Bot{
		config:        config,
		signalReady:   make(chan struct{}, 1),
		eventShutdown: make(chan struct{}, 1),
		runtimeWG:     &sync.WaitGroup{},
	}

	b.logger = newComponentLogger("bot", config.LogLevel)
	slog.SetDefault(b.logger)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(defaultLogWriter, config.Discord.DiscordGoLogLevel).WithAttrs(
			[]slog.Attr{slog.String(loggerNameKey, "discordgo")},
		),
	)

	disc, err := newDiscord(config.Discord, config.HTTPClient)
	if err != nil {
		errs = append(errs, err)
		disc = &Discord{config: config.Discord}
	}
	disc.logger = newComponentLogger("discord", config.Discord.LogLevel)
	disc.bot = b
	b.discord = disc

	lang, err := newLang(langOverrideDir(config.DataDir))
	if err != nil {
		errs = append(errs, err)
	}
	b.lang = lang

	b.ai = newAI(config.AI, config.HTTPClient)
	owner, err := loadOwnerInfo(config.DataDir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		b.logger.Info("no owner info found, using defaults", "file", ownerInfoFile)
	case err != nil:
		errs = append(errs, err)
	}
	b.ai.owner = owner

	api, err := newAPI(b, config.API)
	errs = append(errs, err)
	b.api = api

	if config.Discord.WebhookServer.Enabled {
		webhookServer, e := newWebhookServer(b, config.Discord.WebhookServer)
		errs = append(errs, e)
		b.discordWebhookServer = webhookServer
	}

	return b, errors.Join(errs...)
}

func (b *Bot) getLogger(ctx context.Context) (context.Context, *slog.Logger) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = b.logger
		ctx = WithLogger(ctx, logger)
	}
	return ctx, logger
}

// RuntimeConfig returns a copy of the current runtime configuration
func (b *Bot) RuntimeConfig() RuntimeConfig {
	b.cfgMu.RLock()
	defer b.cfgMu.RUnlock()
	if b.runtimeConfig == nil {
		return DefaultRuntimeConfig()
	}
	return *b.runtimeConfig
}

func (b *Bot) isOwner(userID string) bool {
	return userID != "" && userID == b.config.OwnerID
}

// Uptime returns the time since Run was called
func (b *Bot) Uptime() time.Duration {
	if b.startedAt.IsZero() {
		return 0
	}
	return time.Since(b.startedAt)
}

// Ready returns a channel which receives a value once Run has finished
// starting up
func (b *Bot) Ready() <-chan struct{} {
	return b.signalReady
}

// Stop signals a running bot to shut down
func (b *Bot) Stop() {
	if b.signalStop == nil {
		return
	}
	select {
	case b.signalStop <- struct{}{}:
	default:
	}
}

// Run starts the bot, and blocks until the context is canceled or Stop
// is called. It returns an error without opening a discord session if
// the config is invalid (ex: missing DISCORD_TOKEN or OWNER_ID).
func (b *Bot) Run(ctx context.Context) error {
	// prevents concurrent runs
	b.runMu.Lock()
	defer b.runMu.Unlock()

	logger := b.logger
	if err := ValidateConfig(b.config); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	b.signalStop = make(chan struct{}, 1)
	b.startedAt = time.Now()
	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))

	if b.webhookInteractionHandler == nil {
		b.webhookInteractionHandler = webhookReceiveHandler(ctx, b)
	}

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-b.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- b.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	if b.api != nil && b.config.API.Enabled {
		b.runtimeWG.Add(1)
		go func() {
			defer b.runtimeWG.Done()
			httpErr := b.api.Serve(ctx)
			if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
				logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
			}
		}()
	}

	if discErr := b.initDiscordSession(ctx); discErr != nil {
		logger.ErrorContext(ctx, "error creating discord session", tint.Err(discErr))
		return discErr
	}

	if b.discordWebhookServer != nil {
		b.startWebhookServer(ctx)
	}

	logger.InfoContext(ctx, "connecting to discord")
	if err := b.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		return fmt.Errorf("error connecting to discord: %w", err)
	}

	b.runtimeWG.Add(1)
	go func() {
		defer b.runtimeWG.Done()
		b.runReminderWorker(ctx)
	}()

	b.runtimeWG.Add(1)
	go func() {
		defer b.runtimeWG.Done()
		if err := b.dbNotifier.Listen(ctx); err != nil {
			logger.ErrorContext(ctx, "db listener error", tint.Err(err))
		}
	}()

	b.signalReady <- struct{}{}
	logger.InfoContext(ctx, "sent ready signal")

	// block until something cancels the main runtime context
	<-ctx.Done()

	return b.shutdown(ctx)
}

func (b *Bot) startWebhookServer(ctx context.Context) {
	b.runtimeWG.Add(1)
	go func() {
		defer b.runtimeWG.Done()
		httpErr := b.discordWebhookServer.Serve(ctx)
		if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
			b.logger.ErrorContext(ctx, "error serving webhook HTTP", tint.Err(httpErr))
		}
	}()
}

// initRun initializes the database, and loads or creates the runtime config
func (b *Bot) initRun(ctx context.Context) error {
	if b.db == nil {
		b.logger.Debug("initializing DB...")
		if err := b.initDB(ctx); err != nil {
			return fmt.Errorf("error initializing database: %w", err)
		}
		b.logger.Debug("finished initializing DB")
	}

	var botState RuntimeConfig
	getStateErr := b.db.DB().WithContext(ctx).Last(&botState).Error
	if getStateErr != nil {
		if !errors.Is(getStateErr, gorm.ErrRecordNotFound) {
			return fmt.Errorf("error getting config: %w", getStateErr)
		}
		botState = DefaultRuntimeConfig()
		if _, err := b.db.Create(ctx, &botState); err != nil {
			return fmt.Errorf("error creating config: %w", err)
		}
	}
	if validationErr := structValidator.Struct(botState); validationErr != nil {
		return fmt.Errorf("invalid runtime config: %w", validationErr)
	}
	if !botState.AdminConfigured() && b.config.API.Enabled {
		b.logger.WarnContext(
			ctx,
			fmt.Sprintf(
				"admin credentials not set, use the 'init' command or POST %s",
				apiPathSetup,
			),
		)
	}

	b.paused.Store(botState.Paused)
	setRuntimeLevels(b.config, botState)

	b.cfgMu.Lock()
	b.runtimeConfig = &botState
	b.cfgMu.Unlock()

	if b.dbNotifier == nil {
		notifier, err := newDBNotifier(b)
		if err != nil {
			return fmt.Errorf("error creating db notifier: %w", err)
		}
		b.dbNotifier = notifier
	}

	return nil
}

func (b *Bot) initDB(ctx context.Context) error {
	db, err := CreateDB(ctx, b.config.DatabaseType, b.config.Database)
	if err != nil {
		return err
	}
	handler := newLogHandler(defaultLogWriter, b.config.DatabaseLogLevel)
	db.Logger = newGORMLogger(handler, b.config.DatabaseSlowThreshold)

	b.db = NewDatabase(db, b.logger, b.config.DatabaseType == dbTypePostgres)
	users := b.db.LoadUsers()
	b.logger.InfoContext(ctx, "loaded users", "count", len(users))
	return nil
}

// initDiscordSession creates the discord session (if not already set),
// and adds the gateway event handlers
func (b *Bot) initDiscordSession(ctx context.Context) error {
	logger := b.logger.With(loggerNameKey, "discord_session")

	if b.discord.session == nil {
		disc, discErr := b.discord.newSession()
		if discErr != nil {
			return fmt.Errorf("error creating discord session: %w", discErr)
		}
		b.discord.session = disc
	}

	ctx = WithLogger(ctx, logger)

	for _, h := range b.discord.discordgoRemoveHandlerFuncs {
		h()
	}

	b.discord.session.SetIdentify(
		discordgo.Identify{
			Intents:  b.config.Discord.GatewayIntents,
			Presence: getDiscordPresenceStatusUpdate(b.RuntimeConfig()),
		},
	)

	b.discord.discordgoRemoveHandlerFuncs = []func(){
		b.discord.session.AddHandler(b.discord.handlerConnect()),
		b.discord.session.AddHandler(b.discord.handlerDisconnect()),
		b.discord.session.AddHandler(b.discord.handlerReady()),
		b.discord.session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				handler := b.getInteractionHandlerFunc(ctx, i)
				b.runtimeWG.Add(1)
				go func() {
					defer b.runtimeWG.Done()
					b.handleInteraction(ctx, handler)
				}()
			},
		),
		b.discord.session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.MessageCreate) {
				b.runtimeWG.Add(1)
				go func() {
					defer b.runtimeWG.Done()
					b.handleDiscordMessage(ctx, m)
				}()
			},
		),
		b.discord.session.AddHandler(
			func(_ *discordgo.Session, r *discordgo.MessageReactionAdd) {
				if r == nil || r.MessageReaction == nil {
					return
				}
				b.runtimeWG.Add(1)
				go func() {
					defer b.runtimeWG.Done()
					b.handleReactionChange(ctx, r.MessageReaction)
				}()
			},
		),
		b.discord.session.AddHandler(
			func(_ *discordgo.Session, r *discordgo.MessageReactionRemove) {
				if r == nil || r.MessageReaction == nil {
					return
				}
				b.runtimeWG.Add(1)
				go func() {
					defer b.runtimeWG.Done()
					b.handleReactionChange(ctx, r.MessageReaction)
				}()
			},
		),
	}

	if b.getInteractionHandlerFunc == nil {
		b.getInteractionHandlerFunc = func(
			_ context.Context,
			i *discordgo.InteractionCreate,
		) InteractionHandler {
			return GatewayHandler{
				session:     b.discord.session,
				interaction: i,
				mu:          &sync.RWMutex{},
				logger: b.logger.With(
					slog.Group("interaction", interactionLogAttrs(*i)...),
				),
			}
		}
	}
	return nil
}

// handleDiscordMessage routes incoming messages. Messages in the feedback
// channel are reposted as rated feedback, and messages in the AI channel
// are answered by the AI. Mentions of the bot elsewhere get a short hint.
func (b *Bot) handleDiscordMessage(ctx context.Context, m *discordgo.MessageCreate) {
	defer func() {
		if rc := recover(); rc != nil {
			b.handleRecover(ctx, rc)
		}
	}()

	if m == nil || m.Message == nil {
		return
	}
	author := discordMessageAuthor(m.Message)
	if author == nil || author.Bot || m.WebhookID != "" {
		return
	}

	b.metricMessagesHandled.Add(1)
	ctx, logger := b.getLogger(ctx)
	logger = logger.With(
		slog.Group(
			"message",
			"id", m.ID,
			"channel_id", m.ChannelID,
			slog.Group("author", discordUserLogAttrs(author)...),
		),
	)
	ctx = WithLogger(ctx, logger)

	channels := b.config.Channels
	switch {
	case channels.Feedback != "" && m.ChannelID == channels.Feedback:
		if err := b.handleFeedbackMessage(ctx, m.Message); err != nil {
			logger.ErrorContext(ctx, "error handling feedback message", tint.Err(err))
		}
	case channels.AI != "" && m.ChannelID == channels.AI:
		if err := b.handleAIMessage(ctx, m.Message); err != nil {
			logger.ErrorContext(ctx, "error handling ai message", tint.Err(err))
		}
	default:
		botUserID := b.discord.BotUserID()
		if botUserID == "" || !messageMentionsUser(m.Message, botUserID) {
			return
		}
		if b.paused.Load() {
			return
		}
		if _, err := b.discord.session.ChannelMessageSendComplex(
			m.ChannelID,
			&discordgo.MessageSend{
				Content: b.lang.Textf("general.mention_hint", "user", userMention(author.ID)),
				Reference: &discordgo.MessageReference{
					MessageID: m.ID,
					ChannelID: m.ChannelID,
					GuildID:   m.GuildID,
				},
				AllowedMentions: &discordgo.MessageAllowedMentions{
					Users: []string{author.ID},
				},
			},
		); err != nil {
			logger.ErrorContext(ctx, "error replying to mention", tint.Err(err))
		}
	}
}

// respondWithError responds to the interaction with a short ephemeral
// message describing err
func (b *Bot) respondWithError(
	ctx context.Context,
	handler InteractionHandler,
	err error,
) {
	_, logger := b.getLogger(ctx)
	key := "general.error"
	switch {
	case errors.Is(err, ErrNotAdmin):
		key = "general.owner_only"
	case errors.Is(err, ErrMissingChannel):
		key = "general.missing_channel"
	case errors.Is(err, ErrInvalidDuration):
		key = "reminder.invalid_time"
	case errors.Is(err, ErrTicketExists):
		key = "ticket.already_open"
	case errors.Is(err, ErrNotTicketOwner):
		key = "ticket.not_owner"
	case errors.Is(err, ErrNotTicketChannel):
		key = "ticket.not_ticket_channel"
	default:
		logger.ErrorContext(ctx, "error handling interaction", tint.Err(err))
	}
	_ = handler.Respond(ctx, ephemeralResponse(b.lang.Text(key, nil)))
}

// after runs fn once d has elapsed, or immediately when ctx is done,
// tracked by the runtime wait group so shutdown waits for it
func (b *Bot) after(ctx context.Context, d time.Duration, fn func()) {
	b.runtimeWG.Add(1)
	go func() {
		defer b.runtimeWG.Done()
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
		}
		fn()
	}()
}

// Pause 'pauses' the bot. While paused, only the owner's interactions
// are handled, and AI/mention replies are skipped. Returns false if
// the bot was already paused.
func (b *Bot) Pause(ctx context.Context) bool {
	if prev := b.paused.Swap(true); prev {
		return false
	}
	b.logger.InfoContext(ctx, "bot paused")

	if b.discord.session != nil {
		if err := b.discord.updateStatusComplex(
			discordgo.UpdateStatusData{
				AFK:    true,
				Status: string(discordgo.StatusDoNotDisturb),
			},
		); err != nil {
			b.logger.ErrorContext(ctx, "unable to update afk status", tint.Err(err))
		}
	}

	b.cfgMu.Lock()
	defer b.cfgMu.Unlock()
	if b.runtimeConfig != nil && !b.runtimeConfig.Paused {
		if _, err := b.db.Update(
			ctx, b.runtimeConfig, columnRuntimeConfigPaused, true,
		); err != nil {
			b.logger.ErrorContext(ctx, "unable to set paused in db", tint.Err(err))
		}
	}
	return true
}

// Resume resumes handling interactions and messages. It returns a bool
// indicating whether the bot was paused at the time the function was called.
func (b *Bot) Resume(ctx context.Context) bool {
	if prev := b.paused.Swap(false); !prev {
		b.logger.Warn("bot not paused")
		return false
	}
	b.logger.InfoContext(ctx, "bot resumed")

	b.cfgMu.Lock()
	defer b.cfgMu.Unlock()
	if b.discord.session != nil && b.runtimeConfig != nil {
		if err := b.discord.updateCustomStatus(b.runtimeConfig.DiscordCustomStatus); err != nil {
			b.logger.ErrorContext(ctx, "unable to update online status", tint.Err(err))
		}
	}
	if b.runtimeConfig != nil && b.runtimeConfig.Paused {
		if _, err := b.db.Update(
			ctx, b.runtimeConfig, columnRuntimeConfigPaused, false,
		); err != nil {
			b.logger.ErrorContext(ctx, "unable to set resumed in db", tint.Err(err))
		}
	}
	return true
}

// shutdown closes the discord session and servers, and waits for
// in-flight handlers, up to Config.ShutdownTimeout
func (b *Bot) shutdown(ctx context.Context) error {
	b.logger.WarnContext(ctx, "shutting down")
	defer func() {
		select {
		case b.eventShutdown <- struct{}{}:
		default:
		}
	}()

	shutdownStart := time.Now()
	shutdownDeadline := shutdownStart.Add(b.config.ShutdownTimeout)
	closeCtx, closeCancel := context.WithDeadline(context.Background(), shutdownDeadline)
	defer closeCancel()

	b.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", b.config.ShutdownTimeout,
		"shutdown_deadline", shutdownDeadline,
	)

	g, gctx := errgroup.WithContext(closeCtx)
	if b.discord.session != nil {
		g.Go(
			func() error {
				for _, h := range b.discord.discordgoRemoveHandlerFuncs {
					h()
				}
				if err := b.discord.session.Close(); err != nil {
					return fmt.Errorf("error closing discord session: %w", err)
				}
				return nil
			},
		)
	}
	if b.api != nil && b.api.httpServer != nil && b.config.API.Enabled {
		g.Go(
			func() error {
				return b.api.httpServer.Shutdown(gctx)
			},
		)
	}
	if b.discordWebhookServer != nil {
		g.Go(
			func() error {
				return b.discordWebhookServer.httpServer.Shutdown(gctx)
			},
		)
	}
	closeErr := g.Wait()
	if closeErr != nil {
		b.logger.ErrorContext(ctx, "error closing connections", tint.Err(closeErr))
	}

	// Graceful shutdown - at least until closeCtx is closed
	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		b.runtimeWG.Wait()
		gracefulShutdownCh <- struct{}{}
	}()

	select {
	case <-gracefulShutdownCh:
		if sqlDB, err := b.sqlDB(); err == nil {
			if err = sqlDB.Close(); err != nil {
				b.logger.ErrorContext(ctx, "error closing database", tint.Err(err))
			}
		}
		b.logger.InfoContext(
			ctx,
			"shutdown complete",
			"shutdown_duration", time.Since(shutdownStart),
		)
		return closeErr
	case <-closeCtx.Done():
		b.logger.Warn("handlers did not stop in time, forcing close")
		if b.api != nil && b.api.httpServer != nil {
			_ = b.api.httpServer.Close()
		}
		if b.discordWebhookServer != nil {
			_ = b.discordWebhookServer.httpServer.Close()
		}
		return errors.Join(closeErr, errors.New("handlers did not stop in time"))
	}
}

func (b *Bot) sqlDB() (*sql.DB, error) {
	if b.db == nil || b.db.DB() == nil {
		return nil, errors.New("database not initialized")
	}
	return b.db.DB().DB()
}

func (*Bot) handleRecover(ctx context.Context, rc any) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = slog.Default()
	}
	stackTrace := string(debug.Stack())
	if nerr, ok := rc.(error); ok {
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(nerr),
			"stack_trace", stackTrace,
		)
		return
	}
	if nerr, ok := rc.(string); ok {
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(errors.New(nerr)),
			"stack_trace", stackTrace,
		)
		return
	}
	logger.ErrorContext(
		ctx,
		"recovered from panic",
		"panic_arg", rc,
		"stack_trace", stackTrace,
	)
}
