package cmd

import (
	"context"
	"fmt"
	"github.com/Lorian-Workspace/Lorian-s-DiscordBot/lorian"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
)

var (
	cfg        = lorian.DefaultConfig()
	configFile string
)

// plainEnvBindings are the unprefixed environment variable names
// accepted in addition to the prefixed ones
var plainEnvBindings = map[string]string{
	"discord.token":       "DISCORD_TOKEN",
	"owner_id":            "OWNER_ID",
	"log_level":           "LOG_LEVEL",
	"channels.reminder":   "REMINDER_CHANNEL_ID",
	"channels.ticket":     "TICKET_CHANNEL_ID",
	"channels.commission": "COMMISSION_CHANNEL_ID",
	"channels.feedback":   "FEEDBACK_CHANNEL_ID",
	"channels.ai":         "AI_CHANNEL_ID",
	"ai.token":            "GEMINI_API_KEY",
}

// envOnlyKeys have no default, but still need to be bound so
// AutomaticEnv picks them up when unmarshalling
var envOnlyKeys = []string{
	"discord.application_id",
	"discord.guild_id",
	"discord.webhook_server.public_key",
	"discord.webhook_server.ssl.cert",
	"discord.webhook_server.ssl.key",
	"discord.webhook_server.ssl.tls_min_version",
	"channels.ticket_category",
	"api.secret",
	"api.ssl.cert",
	"api.ssl.key",
	"api.ssl.tls_min_version",
}

// levelKeys are converted from strings to *slog.LevelVar
var levelKeys = []string{
	"log_level",
	"database_log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"discord.webhook_server.log_level",
	"ai.log_level",
	"api.log_level",
}

var rootCmd = &cobra.Command{
	Use:   "lorian [flags]",
	Short: "Lorian, a Discord bot for tickets, commissions, feedback, reminders and AI chat",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			return fmt.Errorf("error loading config: %w", err)
		}
		return nil
	},
	SilenceUsage: true,
}

func getLogLevel(level string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
	return lvl, nil
}

var levelVarType = reflect.TypeOf(slog.LevelVar{})

// LevelToStringHookFunc decodes level names (ex: "INFO", "debug") into
// *slog.LevelVar
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		// non-nil *slog.LevelVar fields are decoded into their
		// element, so the target may be the struct itself
		if t.Kind() == reflect.Ptr {
			t = t.Elem()
		}
		if t != levelVarType {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, err
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

// Execute runs the root command, canceling its context on SIGINT/SIGTERM
func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		cancel()
		os.Exit(1) //nolint:gocritic // cancel is called above
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		if err := godotenv.Load(configFile); err != nil {
			log.Printf("error loading %s: %v", configFile, err)
		}
	}

	defaults := map[string]any{
		"database":                lorian.DefaultDatabase,
		"database_type":           lorian.DefaultDatabaseType,
		"database_slow_threshold": lorian.DefaultDatabaseSlowThreshold,
		"database_log_level":      lorian.DefaultDatabaseLogLevel.String(),
		"data_dir":                lorian.DefaultDataDir,
		"development":             false,
		"log_level":               lorian.DefaultLogLevel.String(),
		"owner_id":                "",
		"startup_timeout":         lorian.DefaultStartupTimeout,
		"shutdown_timeout":        lorian.DefaultShutdownTimeout,
		"reminder_check_interval": lorian.DefaultReminderCheckInterval,

		"channels.reminder":   "",
		"channels.ticket":     "",
		"channels.commission": "",
		"channels.feedback":   "",
		"channels.ai":         "",

		// Discord
		"discord.token":               "",
		"discord.log_level":           lorian.DefaultDiscordLogLevel.String(),
		"discord.discordgo_log_level": lorian.DefaultDiscordgoLogLevel.String(),
		"discord.gateway_intents":     lorian.DefaultDiscordGatewayIntent,
		"discord.register_commands":   true,

		// Discord: webhook server
		"discord.webhook_server.enabled":             false,
		"discord.webhook_server.listen":              lorian.DefaultWebhookServerListen,
		"discord.webhook_server.read_timeout":        lorian.DefaultReadTimeout,
		"discord.webhook_server.read_header_timeout": lorian.DefaultReadHeaderTimeout,
		"discord.webhook_server.write_timeout":       lorian.DefaultWriteTimeout,
		"discord.webhook_server.log_level":           lorian.DefaultWebhookLogLevel.String(),

		// AI
		"ai.token":               "",
		"ai.base_url":            lorian.DefaultAIBaseURL,
		"ai.model":               lorian.DefaultAIModel,
		"ai.temperature":         lorian.DefaultAITemperature,
		"ai.top_p":               lorian.DefaultAITopP,
		"ai.max_tokens":          lorian.DefaultAIMaxTokens,
		"ai.requests_per_minute": lorian.DefaultAIRequestsPerMinute,
		"ai.request_burst":       lorian.DefaultAIRequestBurst,
		"ai.timeout":             lorian.DefaultAITimeout,
		"ai.log_level":           lorian.DefaultAILogLevel.String(),

		// API
		"api.enabled":                false,
		"api.listen":                 lorian.DefaultAPIListen,
		"api.development":            false,
		"api.session_max_age":        lorian.DefaultAPISessionMaxAge,
		"api.read_timeout":           lorian.DefaultReadTimeout,
		"api.read_header_timeout":    lorian.DefaultReadHeaderTimeout,
		"api.write_timeout":          lorian.DefaultWriteTimeout,
		"api.idle_timeout":           lorian.DefaultIdleTimeout,
		"api.log_level":              lorian.DefaultAPILogLevel.String(),
		"api.cors.allow_headers":     lorian.DefaultCORSAllowHeaders,
		"api.cors.allow_methods":     lorian.DefaultCORSAllowMethods,
		"api.cors.expose_headers":    lorian.DefaultCORSExposeHeaders,
		"api.cors.allow_origins":     []string{},
		"api.cors.max_age":           lorian.DefaultCORSMaxAge,
		"api.cors.allow_credentials": lorian.DefaultAPICORSAllowCredentials,
	}
	for k, v := range defaults {
		viper.SetDefault(k, v)
	}

	envPrefix := os.Getenv(lorian.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = lorian.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}
	for _, k := range envOnlyKeys {
		fatalErr(viper.BindEnv(k))
	}
	// the prefixed name wins when both are set
	for k, plain := range plainEnvBindings {
		prefixed := strings.ToUpper(envPrefix + "_" + replacer.Replace(k))
		fatalErr(viper.BindEnv(k, prefixed, plain))
	}

	// whitespace-separated lists
	for _, k := range []string{
		"api.cors.allow_headers",
		"api.cors.allow_origins",
		"api.cors.allow_methods",
		"api.cors.expose_headers",
	} {
		viper.Set(k, viper.GetStringSlice(k))
	}

	for _, k := range levelKeys {
		if _, err := getLogLevel(viper.GetString(k)); err != nil {
			log.Fatalf("error parsing %s: %v", k, err)
		}
	}
}

//nolint:gochecknoinits // cobra registration
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"env file to load (defaults to .env)",
	)
}
