package lorian

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	pprofPrefix              = "/debug"
	apiPrefix                = "/api"
	apiPathLogin             = "/login"
	apiPathLogout            = "/logout"
	apiPathLoggedIn          = "/logged_in"
	apiHealthCheck           = "/healthz"
	apiPathSetup             = "/setup"
	apiPathSetupStatus       = "/setup/status"
	apiPathStats             = "/stats"
	apiPathMetrics           = "/metrics"
	apiPathTickets           = "/tickets"
	apiPathFeedback          = "/feedback"
	apiPathReminders         = "/reminders"
	apiPathReminder          = "/reminder/:id"
	apiPathConversations     = "/conversations"
	apiPathConversation      = "/conversation/:user_id"
	apiPathConfig            = "/config"
	apiPathRegisterCommands  = "/discord/register_commands"
	apiPathExport            = "/export"
	apiDiscordInteractions   = "/discord/interactions"
	apiDefaultListLimit      = 50
	apiLoginRequestsPerSec   = 1
	apiSessionSecretByteSize = 64
)

const (
	xRequestIDHeader = "X-Request-ID"
	sessionVarName   = "lorian"
	sessionVarField  = "username"
)

var structValidator = validator.New()

//nolint:gochecknoinits // the validator uses the same tag name as gin
func init() {
	structValidator.SetTagName("binding")
}

type httpError struct {
	Error string `json:"error"`
}

type httpReply struct {
	Message string `json:"message"`
}

type setupResponse struct {
	Required bool `json:"required"`
}

type adminSetupPayload struct {
	Username        string `json:"username" binding:"required,min=1,max=64"`
	Password        string `json:"password" binding:"required,min=8,max=128"`
	ConfirmPassword string `json:"confirm_password" binding:"required,eqfield=Password"`
}

type userLogin struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type loggedInResponse struct {
	Username string `json:"username"`
}

type healthCheckResponse struct {
	Connected bool   `json:"discord_gateway_connected"`
	Paused    bool   `json:"paused"`
	Uptime    string `json:"uptime"`
	AIEnabled bool   `json:"ai_enabled"`
}

type exportResponse struct {
	Path string `json:"path"`
}

// listParams are the query parameters accepted by list endpoints
type listParams struct {
	Limit  int `form:"limit" binding:"omitempty,min=1,max=500"`
	Offset int `form:"offset" binding:"omitempty,min=0"`
}

func (p listParams) scope(db *gorm.DB) *gorm.DB {
	limit := p.Limit
	if limit == 0 {
		limit = apiDefaultListLimit
	}
	return db.Limit(limit).Offset(p.Offset)
}

// API is the admin HTTP server. It exposes stats, stored data and the
// runtime config, behind a session cookie obtained from /login.
type API struct {
	config              *APIConfig
	httpServer          *http.Server
	listener            net.Listener
	engine              *gin.Engine
	store               CookieStore
	loginRequestLimiter *rate.Limiter
	requestMetrics      map[string]int
	requestMetricsMu    sync.Mutex
	logger              *slog.Logger

	handlers *APIHandlers
}

func newAPI(b *Bot, config *APIConfig) (*API, error) {
	if !config.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	api := &API{
		config:              config,
		engine:              r,
		requestMetrics:      map[string]int{},
		loginRequestLimiter: rate.NewLimiter(rate.Limit(apiLoginRequestsPerSec), 1),
		logger:              newComponentLogger("api", config.LogLevel),
	}
	handlers := newAPIHandlers(b, api)
	api.handlers = handlers
	api.store = handlers.store

	tlsCfg, err := tlsConfig(config.SSL)
	if err != nil {
		return nil, fmt.Errorf("error loading SSL certs: %w", err)
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowAllOrigins = config.Development
		if !config.Development {
			corsConfig.AllowOrigins = []string{"http://" + config.Listen}
		}
	}
	if corsConfig.AllowAllOrigins {
		corsConfig.AllowCredentials = false
	}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(api.logger),
		metricMiddleware(api),
		cors.New(corsConfig),
		sessions.Sessions(sessionVarName, handlers.store),
	)

	r.GET(apiHealthCheck, handlers.healthCheck)
	r.POST(apiPathLogin, handlers.loginHandler)
	r.POST(apiPathLogout, handlers.logoutHandler)
	r.POST(apiPathSetup, handlers.adminSetup)
	r.GET(apiPathSetupStatus, handlers.setupStatus)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(b))

	protected.GET(apiPathLoggedIn, handlers.loggedIn)
	protected.GET(apiPathStats, handlers.getStats)
	protected.GET(apiPathMetrics, handlers.getMetrics)
	protected.GET(apiPathTickets, handlers.getTickets)
	protected.GET(apiPathFeedback, handlers.getFeedback)
	protected.GET(apiPathReminders, handlers.getReminders)
	protected.DELETE(apiPathReminder, handlers.deleteReminder)
	protected.GET(apiPathConversations, handlers.getConversations)
	protected.DELETE(apiPathConversation, handlers.deleteConversation)
	protected.GET(apiPathConfig, handlers.getConfig)
	protected.PATCH(apiPathConfig, handlers.updateRuntimeConfig)
	protected.POST(apiPathRegisterCommands, handlers.discordRegisterCommands)
	protected.POST(apiPathExport, handlers.exportData)

	r.NoRoute(
		func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusNotFound, httpError{Error: "not found"})
		},
	)
	return api, nil
}

// Serve listens on the configured address (with TLS, if certs are
// configured) and serves until the server is shut down
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		network := a.config.ListenNetwork
		if network == "" {
			network = defaultListenNetwork
		}
		ln, err := listenCfg.Listen(ctx, network, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		}
		a.listener = ln
	}
	a.logger.InfoContext(ctx, "api listening", "addr", a.listener.Addr().String())
	return a.httpServer.Serve(a.listener)
}

// RequestMetrics returns a copy of the request counts, keyed by
// "<method> <path>"
func (a *API) RequestMetrics() map[string]int {
	a.requestMetricsMu.Lock()
	defer a.requestMetricsMu.Unlock()
	return maps.Clone(a.requestMetrics)
}

type CookieStore interface {
	sessions.Store
}

func NewCookieStore(keyPairs ...[]byte) CookieStore {
	return &cookieStore{gsessions.NewCookieStore(keyPairs...)}
}

type cookieStore struct {
	*gsessions.CookieStore
}

func (c *cookieStore) Options(options sessions.Options) {
	c.CookieStore.Options = options.ToGorillaOptions()
}

// APIHandlers contains the handlers for the admin API endpoints
type APIHandlers struct {
	b      *Bot
	api    *API
	logger *slog.Logger
	store  CookieStore
}

func newAPIHandlers(b *Bot, api *API) *APIHandlers {
	logger := api.logger

	var secretKey []byte
	switch sk := api.config.Secret; sk {
	case "":
		logger.Warn(
			"api secret not set, generating random secret " +
				"(sessions will not persist across restarts)",
		)
		secretKey = securecookie.GenerateRandomKey(apiSessionSecretByteSize)
	default:
		secretKey = derive64ByteKey(sk)
	}

	store := NewCookieStore(secretKey)
	store.Options(sessionOptions(api.config))
	return &APIHandlers{b: b, api: api, logger: logger, store: store}
}

func sessionOptions(config *APIConfig) sessions.Options {
	sameSite := http.SameSiteStrictMode
	if config.Development {
		sameSite = http.SameSiteNoneMode
	}
	return sessions.Options{
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		MaxAge:   int(config.SessionMaxAge.Seconds()),
		SameSite: sameSite,
	}
}

func (h *APIHandlers) setupStatus(c *gin.Context) {
	c.JSON(http.StatusOK, setupResponse{Required: !h.b.RuntimeConfig().AdminConfigured()})
}

// adminSetup sets the admin credentials, only if they haven't been set
func (h *APIHandlers) adminSetup(c *gin.Context) {
	logger := ginContextLogger(c)
	if h.b.RuntimeConfig().AdminConfigured() {
		c.JSON(http.StatusForbidden, httpError{Error: "Forbidden"})
		return
	}

	var payload adminSetupPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		logger.Warn("bad payload", tint.Err(err))
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	logger.Info("first time admin setup")

	if err := h.b.setAdminCredentials(c, payload.Username, payload.Password); err != nil {
		if errors.Is(err, ErrAdminAlreadySet) {
			c.JSON(http.StatusForbidden, httpError{Error: "Forbidden"})
			return
		}
		logger.Error("error setting admin credentials", tint.Err(err))
		ginReplyError(c, "error setting admin credentials")
		return
	}
	c.JSON(http.StatusCreated, httpReply{Message: "admin credentials set"})
}

func (h *APIHandlers) loginHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	if !h.api.loginRequestLimiter.Allow() {
		logger.Warn("login rate limited")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, httpError{Error: "too many requests"})
		return
	}

	var login userLogin
	if err := c.ShouldBindJSON(&login); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	runtimeConfig := h.b.RuntimeConfig()
	if !runtimeConfig.AdminConfigured() {
		logger.Warn("admin username and password not set")
		c.JSON(http.StatusUnauthorized, httpError{Error: "Unauthorized"})
		return
	}
	valid, err := VerifyPassword(runtimeConfig.AdminPassword, login.Password)
	if err != nil {
		logger.Error("error verifying password", tint.Err(err))
		ginReplyError(c, "Internal Server Error")
		return
	}
	if !valid || login.Username != runtimeConfig.AdminUsername {
		logger.Warn("invalid login attempt", "username", login.Username)
		c.JSON(http.StatusUnauthorized, httpError{Error: "Unauthorized"})
		return
	}

	session := sessions.Default(c)
	session.Options(sessionOptions(h.api.config))
	session.Set(sessionVarField, login.Username)
	if err = session.Save(); err != nil {
		logger.Error("error saving session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	logger.Info("saved user session", "username", login.Username)
	c.JSON(http.StatusOK, loggedInResponse{Username: login.Username})
}

func (h *APIHandlers) logoutHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	session := sessions.Default(c)
	session.Clear()
	session.Options(sessions.Options{Path: "/", MaxAge: -1})
	if err := session.Save(); err != nil {
		logger.Error("error saving session", tint.Err(err))
	}
	ginReplyMessage(c, "logged out")
}

func (h *APIHandlers) loggedIn(c *gin.Context) {
	username, _ := sessions.Default(c).Get(sessionVarField).(string)
	c.JSON(http.StatusOK, loggedInResponse{Username: username})
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	b := h.b
	c.JSON(
		http.StatusOK, healthCheckResponse{
			Connected: b.discord != nil && b.discord.connected.Load(),
			Paused:    b.paused.Load(),
			Uptime:    formatUptime(b.Uptime()),
			AIEnabled: b.aiEnabled(),
		},
	)
}

func (h *APIHandlers) getStats(c *gin.Context) {
	stats, err := h.b.collectStats(c)
	if err != nil {
		ginContextLogger(c).Error("error collecting stats", tint.Err(err))
		ginReplyError(c, "error collecting stats")
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *APIHandlers) getMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.api.RequestMetrics())
}

// listModels binds listParams from the query, and finds the matching
// rows of T, newest first
func listModels[T any](
	c *gin.Context,
	b *Bot,
	order string,
	scopes ...func(*gorm.DB) *gorm.DB,
) ([]T, bool) {
	var params listParams
	if err := c.ShouldBindQuery(&params); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return nil, false
	}
	rows := []T{}
	err := b.db.DB().WithContext(c).
		Scopes(scopes...).
		Scopes(params.scope).
		Order(order).
		Find(&rows).Error
	if err != nil {
		ginContextLogger(c).Error("error listing records", tint.Err(err))
		ginReplyError(c, "error listing records")
		return nil, false
	}
	return rows, true
}

func (h *APIHandlers) getTickets(c *gin.Context) {
	var scopes []func(*gorm.DB) *gorm.DB
	switch kind := TicketKind(c.Query("kind")); kind {
	case "":
	case TicketKindTicket, TicketKindCommission:
		scopes = append(
			scopes, func(db *gorm.DB) *gorm.DB {
				return db.Where("kind = ?", kind)
			},
		)
	default:
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid kind"})
		return
	}
	if tickets, ok := listModels[Ticket](c, h.b, "created_at desc", scopes...); ok {
		c.JSON(http.StatusOK, tickets)
	}
}

func (h *APIHandlers) getFeedback(c *gin.Context) {
	if feedback, ok := listModels[FeedbackMessage](c, h.b, "created_at desc"); ok {
		c.JSON(http.StatusOK, feedback)
	}
}

func (h *APIHandlers) getReminders(c *gin.Context) {
	var scopes []func(*gorm.DB) *gorm.DB
	if c.Query("pending") == "true" {
		scopes = append(
			scopes, func(db *gorm.DB) *gorm.DB {
				return db.Where("sent = ?", false)
			},
		)
	}
	if reminders, ok := listModels[Reminder](c, h.b, "remind_at asc", scopes...); ok {
		c.JSON(http.StatusOK, reminders)
	}
}

func (h *APIHandlers) deleteReminder(c *gin.Context) {
	id := c.Param("id")
	deleted, err := h.b.db.Delete(c, &Reminder{}, "id = ?", id)
	if err != nil {
		ginContextLogger(c).Error("error deleting reminder", tint.Err(err))
		ginReplyError(c, "error deleting reminder")
		return
	}
	if deleted == 0 {
		c.JSON(http.StatusNotFound, httpError{Error: "reminder not found"})
		return
	}
	ginReplyMessage(c, "reminder deleted")
}

func (h *APIHandlers) getConversations(c *gin.Context) {
	if conversations, ok := listModels[Conversation](c, h.b, "updated_at desc"); ok {
		c.JSON(http.StatusOK, conversations)
	}
}

func (h *APIHandlers) deleteConversation(c *gin.Context) {
	userID := c.Param("user_id")
	deleted, err := h.b.db.Delete(c, &Conversation{}, "user_id = ?", userID)
	if err != nil {
		ginContextLogger(c).Error("error deleting conversation", tint.Err(err))
		ginReplyError(c, "error deleting conversation")
		return
	}
	if deleted == 0 {
		c.JSON(http.StatusNotFound, httpError{Error: "conversation not found"})
		return
	}
	ginReplyMessage(c, "conversation deleted")
}

func (h *APIHandlers) getConfig(c *gin.Context) {
	cfg := h.b.RuntimeConfig()
	cfg.AdminPassword = ""
	c.JSON(http.StatusOK, cfg)
}

func (h *APIHandlers) updateRuntimeConfig(c *gin.Context) {
	logger := ginContextLogger(c)
	var update RuntimeConfigUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		logger.Warn("bad payload", tint.Err(err))
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	cfg, err := h.b.updateRuntimeConfig(WithLogger(c, logger), update)
	if err != nil {
		var validationErrs validator.ValidationErrors
		if errors.As(err, &validationErrs) {
			c.JSON(http.StatusBadRequest, httpError{Error: validationErrs.Error()})
			return
		}
		logger.Error("error updating config", tint.Err(err))
		ginReplyError(c, "error updating config")
		return
	}
	cfg.AdminPassword = ""
	c.JSON(http.StatusAccepted, cfg)
}

func (h *APIHandlers) discordRegisterCommands(c *gin.Context) {
	logger := ginContextLogger(c)
	logger.Info("registering commands")
	if h.b.discord == nil || h.b.discord.session == nil {
		c.JSON(http.StatusServiceUnavailable, httpError{Error: "discord session not ready"})
		return
	}
	created, err := h.b.discord.registerCommands()
	if err != nil {
		logger.Error("error registering commands", tint.Err(err))
		ginReplyError(c, "error registering commands")
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *APIHandlers) exportData(c *gin.Context) {
	logger := ginContextLogger(c)
	path, err := ExportData(WithLogger(c, logger), h.b.db.DB(), h.b.config.DataDir, time.Now())
	if err != nil {
		logger.Error("error exporting data", tint.Err(err))
		ginReplyError(c, "error exporting data")
		return
	}
	c.JSON(http.StatusCreated, exportResponse{Path: path})
}

// authMiddleware rejects requests without a logged-in session
func authMiddleware(b *Bot) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)
		if !b.RuntimeConfig().AdminConfigured() {
			logger.Warn("admin username and password not set")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		username, _ := sessions.Default(c).Get(sessionVarField).(string)
		if username == "" {
			logger.Warn("username not found in session")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		c.Next()
	}
}

// requestIDMiddleware assigns a random request ID to each request, and
// returns it in the X-Request-ID header
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the logger set on the gin context, creating
// one with request details if it isn't set yet
func ginContextLogger(c *gin.Context) *slog.Logger {
	if v, ok := c.Get(string(loggerContextKey)); ok {
		if logger, isLogger := v.(*slog.Logger); isLogger {
			return logger
		}
	}
	return setGinContextLogger(c, slog.Default())
}

func setGinContextLogger(c *gin.Context, base *slog.Logger) *slog.Logger {
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}
	logger := base.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), logger)
	return logger
}

// ginLoggingMiddleware logs each request once it finishes
func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestLogger := setGinContextLogger(c, base)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		msg := fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL.Path)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			requestLogger.Error(msg, "duration", latency, "errors", errs.Errors(), response)
			return
		}
		requestLogger.Info(msg, "duration", latency, response)
	}
}

// metricMiddleware counts requests per method and route
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		key := c.Request.Method + " " + strings.TrimSpace(route)
		a.requestMetricsMu.Lock()
		a.requestMetrics[key]++
		a.requestMetricsMu.Unlock()
		c.Next()
	}
}

func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}
