//nolint:lll // struct tags can't be split
package lorian

import (
	"crypto/tls"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"github.com/go-playground/validator/v10"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	EnvvarSetEnvPrefix           = "LORIAN_ENV_PREFIX"
	DefaultEnvPrefix             = "LB"
	DefaultDatabaseType          = "sqlite"
	DefaultDatabase              = "data/lorian.sqlite3"
	DefaultDataDir               = "data"
	DefaultLogLevel              = slog.LevelInfo
	DefaultStartupTimeout        = 30 * time.Second
	DefaultShutdownTimeout       = 30 * time.Second
	DefaultReminderCheckInterval = 60 * time.Second
	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelWarn
	DefaultDiscordLogLevel       = slog.LevelInfo
	DefaultDiscordgoLogLevel     = slog.LevelWarn
	DefaultAILogLevel            = slog.LevelInfo
	DefaultAPILogLevel           = slog.LevelInfo
	DefaultWebhookLogLevel       = slog.LevelInfo

	DefaultDiscordGatewayIntent = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMessageReactions |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsMessageContent
	DefaultDiscordCustomStatus = "/help for commands"

	DefaultAIBaseURL           = "https://generativelanguage.googleapis.com/v1beta/openai/"
	DefaultAIModel             = "gemini-1.5-flash"
	DefaultAITemperature       = 0.7
	DefaultAITopP              = 0.8
	DefaultAIMaxTokens         = 1000
	DefaultAIRequestsPerMinute = 6
	DefaultAIRequestBurst      = 2
	DefaultAITimeout           = 60 * time.Second

	DefaultAPIListen                 = "127.0.0.1:5000"
	DefaultWebhookServerListen       = "127.0.0.1:5001"
	DefaultReadTimeout               = 5 * time.Second
	DefaultReadHeaderTimeout         = 5 * time.Second
	DefaultWriteTimeout              = 10 * time.Second
	DefaultIdleTimeout               = 30 * time.Second
	DefaultAPISessionMaxAge          = 6 * time.Hour
	DefaultAPICORSAllowCredentials   = true
	DefaultTLSMinVersion             = tls.VersionTLS12
	defaultListenNetwork             = "tcp"
	discordMaxMessageLength          = 2000
	discordMaxEmbedDescriptionLength = 4096
)

var (
	ErrMissingDiscordToken = errors.New("discord token is required (set DISCORD_TOKEN)")
	ErrMissingOwnerID      = errors.New("owner ID is required (set OWNER_ID)")
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodPatch,
		http.MethodDelete,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-Requested-With",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		xRequestIDHeader,
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

// Config is the static configuration of the bot, loaded from the
// environment at startup.
type Config struct {
	// OwnerID is the discord user ID of the bot owner. The owner is the
	// only user allowed to run administrative commands.
	OwnerID string `yaml:"owner_id" mapstructure:"owner_id" json:"owner_id" binding:"required"`

	// Database connection string, or sqlite file path
	Database string `yaml:"database" mapstructure:"database" json:"database" binding:"required"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	DatabaseLogLevel      *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`
	DatabaseSlowThreshold time.Duration  `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// DataDir holds exports and the optional owner_info.toml
	DataDir string `yaml:"data_dir" mapstructure:"data_dir" json:"data_dir"`

	// LogLevel is the base log level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	StartupTimeout  time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout" binding:"min=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout" binding:"min=0"`

	// ReminderCheckInterval is how often due reminders are delivered
	ReminderCheckInterval time.Duration `yaml:"reminder_check_interval" mapstructure:"reminder_check_interval" json:"reminder_check_interval" binding:"min=1s"`

	Discord  *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`
	Channels ChannelConfig  `yaml:"channels" mapstructure:"channels" json:"channels"`
	AI       *AIConfig      `yaml:"ai" mapstructure:"ai" json:"ai"`
	API      *APIConfig     `yaml:"api" mapstructure:"api" json:"api"`

	Development bool `yaml:"development" mapstructure:"development" json:"development"`

	HTTPClient *http.Client `mapstructure:"-" json:"-" log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DiscordConfig configures the discord connection
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// ApplicationID is optional, and is taken from the Ready event if unset
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id"`

	// GuildID restricts command registration to a single guild. If empty,
	// commands are registered globally.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	LogLevel          *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// RegisterCommands overwrites the application commands when the
	// gateway reports ready
	RegisterCommands bool `yaml:"register_commands" mapstructure:"register_commands" json:"register_commands"`

	WebhookServer WebhookServerConfig `yaml:"webhook_server" mapstructure:"webhook_server" json:"webhook_server"`
}

// ChannelConfig holds the IDs of the channels used by individual features.
// A feature with no channel configured is disabled.
type ChannelConfig struct {
	Reminder   string `yaml:"reminder" mapstructure:"reminder" json:"reminder"`
	Ticket     string `yaml:"ticket" mapstructure:"ticket" json:"ticket"`
	Commission string `yaml:"commission" mapstructure:"commission" json:"commission"`
	Feedback   string `yaml:"feedback" mapstructure:"feedback" json:"feedback"`
	AI         string `yaml:"ai" mapstructure:"ai" json:"ai"`

	// TicketCategory, if set, is the parent category for ticket and
	// commission channels
	TicketCategory string `yaml:"ticket_category" mapstructure:"ticket_category" json:"ticket_category"`
}

// AIConfig configures the chat completions backend used in the AI channel.
// The defaults target Gemini's OpenAI-compatible endpoint.
type AIConfig struct {
	Token             string         `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]"`
	BaseURL           string         `yaml:"base_url" mapstructure:"base_url" json:"base_url" binding:"omitempty,url"`
	Model             string         `yaml:"model" mapstructure:"model" json:"model"`
	Temperature       float32        `yaml:"temperature" mapstructure:"temperature" json:"temperature" binding:"min=0,max=2"`
	TopP              float32        `yaml:"top_p" mapstructure:"top_p" json:"top_p" binding:"min=0,max=1"`
	MaxTokens         int            `yaml:"max_tokens" mapstructure:"max_tokens" json:"max_tokens" binding:"min=1"`
	RequestsPerMinute float64        `yaml:"requests_per_minute" mapstructure:"requests_per_minute" json:"requests_per_minute" binding:"min=0"`
	RequestBurst      int            `yaml:"request_burst" mapstructure:"request_burst" json:"request_burst" binding:"min=0"`
	Timeout           time.Duration  `yaml:"timeout" mapstructure:"timeout" json:"timeout"`
	LogLevel          *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// Enabled returns true if a token has been configured
func (c AIConfig) Enabled() bool {
	return c.Token != ""
}

// APIConfig configures the admin API server
type APIConfig struct {
	Enabled       bool           `yaml:"enabled" mapstructure:"enabled" json:"enabled"`
	Listen        string         `yaml:"listen" mapstructure:"listen" json:"listen" binding:"omitempty,hostname_port"`
	ListenNetwork string         `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"omitempty,oneof=tcp tcp4 tcp6"`
	Secret        string         `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]"`
	SSL           SSLConfig      `yaml:"ssl" mapstructure:"ssl" json:"ssl"`
	LogLevel      *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
	CORS          CORSConfig     `yaml:"cors" mapstructure:"cors" json:"cors"`

	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`
	SessionMaxAge     time.Duration `yaml:"session_max_age" mapstructure:"session_max_age" json:"session_max_age"`

	// If true, cookies are sent with SameSite=None and pprof is registered
	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

// WebhookServerConfig configures the optional server which receives
// interactions over HTTP instead of the gateway
type WebhookServerConfig struct {
	Enabled           bool           `yaml:"enabled" mapstructure:"enabled" json:"enabled"`
	Listen            string         `yaml:"listen" mapstructure:"listen" json:"listen" binding:"omitempty,hostname_port"`
	PublicKey         string         `yaml:"public_key" mapstructure:"public_key" json:"public_key" binding:"required_if=Enabled true"`
	SSL               SSLConfig      `yaml:"ssl" mapstructure:"ssl" json:"ssl"`
	LogLevel          *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
	ReadTimeout       time.Duration  `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`
	ReadHeaderTimeout time.Duration  `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`
	WriteTimeout      time.Duration  `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	Cert          string `yaml:"cert" mapstructure:"cert" json:"cert"`
	Key           string `yaml:"key" mapstructure:"key" json:"key"`
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     append([]string{}, DefaultCORSAllowMethods...),
		AllowHeaders:     append([]string{}, DefaultCORSAllowHeaders...),
		ExposeHeaders:    append([]string{}, DefaultCORSExposeHeaders...),
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

func newLevelVar(lvl slog.Level) *slog.LevelVar {
	v := &slog.LevelVar{}
	v.Set(lvl)
	return v
}

// DefaultConfig returns a Config with all default settings populated.
// OwnerID and Discord.Token are left empty, and must be provided.
func DefaultConfig() *Config {
	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      newLevelVar(DefaultDatabaseLogLevel),
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		DataDir:               DefaultDataDir,
		LogLevel:              newLevelVar(DefaultLogLevel),
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		ReminderCheckInterval: DefaultReminderCheckInterval,
		Discord: &DiscordConfig{
			LogLevel:          newLevelVar(DefaultDiscordLogLevel),
			DiscordGoLogLevel: newLevelVar(DefaultDiscordgoLogLevel),
			GatewayIntents:    DefaultDiscordGatewayIntent,
			RegisterCommands:  true,
			WebhookServer: WebhookServerConfig{
				Listen:            DefaultWebhookServerListen,
				LogLevel:          newLevelVar(DefaultWebhookLogLevel),
				SSL:               SSLConfig{TLSMinVersion: DefaultTLSMinVersion},
				ReadTimeout:       DefaultReadTimeout,
				ReadHeaderTimeout: DefaultReadHeaderTimeout,
				WriteTimeout:      DefaultWriteTimeout,
			},
		},
		AI: &AIConfig{
			BaseURL:           DefaultAIBaseURL,
			Model:             DefaultAIModel,
			Temperature:       DefaultAITemperature,
			TopP:              DefaultAITopP,
			MaxTokens:         DefaultAIMaxTokens,
			RequestsPerMinute: DefaultAIRequestsPerMinute,
			RequestBurst:      DefaultAIRequestBurst,
			Timeout:           DefaultAITimeout,
			LogLevel:          newLevelVar(DefaultAILogLevel),
		},
		API: &APIConfig{
			Listen:            DefaultAPIListen,
			ListenNetwork:     defaultListenNetwork,
			SSL:               SSLConfig{TLSMinVersion: DefaultTLSMinVersion},
			LogLevel:          newLevelVar(DefaultAPILogLevel),
			CORS:              DefaultCORSConfig(),
			ReadTimeout:       DefaultReadTimeout,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			SessionMaxAge:     DefaultAPISessionMaxAge,
		},
	}
}

// ValidateConfig checks the given config, returning an error describing
// every problem found. Missing discord token and owner ID are reported
// with ErrMissingDiscordToken and ErrMissingOwnerID, so callers can
// errors.Is against them.
func ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	var errs []error
	if strings.TrimSpace(cfg.OwnerID) == "" {
		errs = append(errs, ErrMissingOwnerID)
	}
	if cfg.Discord == nil || strings.TrimSpace(cfg.Discord.Token) == "" {
		errs = append(errs, ErrMissingDiscordToken)
	}
	if err := structValidator.Struct(cfg); err != nil {
		var validationErrs validator.ValidationErrors
		if errors.As(err, &validationErrs) {
			for _, fe := range validationErrs {
				switch fe.Namespace() {
				case "Config.OwnerID", "Config.Discord.Token":
					// already reported above
					continue
				}
				errs = append(
					errs,
					fmt.Errorf("invalid config field %s: failed '%s'", fe.Namespace(), fe.Tag()),
				)
			}
		} else {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
