package cmd

import (
	"bytes"
	"fmt"
	"github.com/Lorian-Workspace/Lorian-s-DiscordBot/lorian"
	"github.com/bwmarrin/discordgo"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// resetEnv clears the environment for the duration of the test, and
// restores it (along with viper and the global config) afterward
func resetEnv(t testing.TB) {
	t.Helper()
	originalEnv := os.Environ()
	t.Cleanup(
		func() {
			os.Clearenv()
			for _, envVar := range originalEnv {
				parts := strings.SplitN(envVar, "=", 2)
				_ = os.Setenv(parts[0], parts[1])
			}
			viper.Reset()
			cfg = lorian.DefaultConfig()
			rootCmd.SetArgs(nil)
			rootCmd.SetOut(nil)
			rootCmd.SetErr(nil)
		},
	)
	os.Clearenv()
	viper.Reset()
	cfg = lorian.DefaultConfig()
	rootCmd.SetOut(io.Discard)
}

func writeEnvFile(t testing.TB, content string) string {
	t.Helper()
	envFile := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(envFile, []byte(content), 0o600))
	return envFile
}

func TestLoadConfigFromEnvFile(t *testing.T) {
	resetEnv(t)

	envFile := writeEnvFile(
		t, `
# General/database config

LB_DATABASE=/home/foo/lorian.sqlite3
LB_DATABASE_TYPE=sqlite
LB_DATABASE_LOG_LEVEL=INFO
LB_DATABASE_SLOW_THRESHOLD=300ms
LB_DATA_DIR=/home/foo/data
LB_STARTUP_TIMEOUT=20s
LB_SHUTDOWN_TIMEOUT=45s
LB_REMINDER_CHECK_INTERVAL=30s
LB_DEVELOPMENT=true

# Discord

DISCORD_TOKEN=your-discord-bot-token
OWNER_ID=123456789
LOG_LEVEL=DEBUG
LB_DISCORD_APPLICATION_ID=your-discord-bot-app-id
LB_DISCORD_LOG_LEVEL=WARN
LB_DISCORD_DISCORDGO_LOG_LEVEL=ERROR
LB_DISCORD_GATEWAY_INTENTS=3243773
LB_DISCORD_REGISTER_COMMANDS=false

# Channels

REMINDER_CHANNEL_ID=1001
TICKET_CHANNEL_ID=1002
COMMISSION_CHANNEL_ID=1003
FEEDBACK_CHANNEL_ID=1004
AI_CHANNEL_ID=1005
LB_CHANNELS_TICKET_CATEGORY=1006

# AI

GEMINI_API_KEY=your-gemini-key
LB_AI_MODEL=gemini-1.5-pro
LB_AI_TEMPERATURE=0.5
LB_AI_MAX_TOKENS=500
LB_AI_REQUESTS_PER_MINUTE=10
LB_AI_TIMEOUT=15s
LB_AI_LOG_LEVEL=WARN

# Webhook server

LB_DISCORD_WEBHOOK_SERVER_ENABLED=true
LB_DISCORD_WEBHOOK_SERVER_LISTEN=127.0.0.1:5101
LB_DISCORD_WEBHOOK_SERVER_PUBLIC_KEY=your_discord_public_key_here
LB_DISCORD_WEBHOOK_SERVER_SSL_CERT=/etc/ssl/cert.pem
LB_DISCORD_WEBHOOK_SERVER_SSL_KEY=/etc/ssl/cert.key
LB_DISCORD_WEBHOOK_SERVER_SSL_TLS_MIN_VERSION=771
LB_DISCORD_WEBHOOK_SERVER_LOG_LEVEL=DEBUG

# API

LB_API_ENABLED=true
LB_API_LISTEN=127.0.0.1:5100
LB_API_SECRET=your-api-secret
LB_API_LOG_LEVEL=DEBUG
LB_API_CORS_ALLOW_ORIGINS=https://127.0.0.1:5100 https://localhost:5100
LB_API_CORS_ALLOW_METHODS=GET POST PATCH
LB_API_CORS_MAX_AGE=2h
LB_API_SESSION_MAX_AGE=3h
`,
	)

	rootCmd.SetArgs([]string{fmt.Sprintf("--config=%s", envFile), "version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "/home/foo/lorian.sqlite3", viper.GetString("database"))
	assert.Equal(t, "/home/foo/lorian.sqlite3", cfg.Database)
	assert.Equal(t, "sqlite", cfg.DatabaseType)
	assert.Equal(t, slog.LevelInfo, cfg.DatabaseLogLevel.Level())
	assert.Equal(t, 300*time.Millisecond, cfg.DatabaseSlowThreshold)
	assert.Equal(t, "/home/foo/data", cfg.DataDir)
	assert.Equal(t, 20*time.Second, cfg.StartupTimeout)
	assert.Equal(t, 45*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 30*time.Second, cfg.ReminderCheckInterval)
	assert.True(t, cfg.Development)

	assert.Equal(t, "123456789", cfg.OwnerID)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel.Level())

	assert.Equal(t, "your-discord-bot-token", cfg.Discord.Token)
	assert.Equal(t, "your-discord-bot-app-id", cfg.Discord.ApplicationID)
	assert.Equal(t, slog.LevelWarn, cfg.Discord.LogLevel.Level())
	assert.Equal(t, slog.LevelError, cfg.Discord.DiscordGoLogLevel.Level())
	assert.Equal(t, discordgo.Intent(3243773), cfg.Discord.GatewayIntents)
	assert.False(t, cfg.Discord.RegisterCommands)

	assert.Equal(t, "1001", cfg.Channels.Reminder)
	assert.Equal(t, "1002", cfg.Channels.Ticket)
	assert.Equal(t, "1003", cfg.Channels.Commission)
	assert.Equal(t, "1004", cfg.Channels.Feedback)
	assert.Equal(t, "1005", cfg.Channels.AI)
	assert.Equal(t, "1006", cfg.Channels.TicketCategory)

	assert.Equal(t, "your-gemini-key", cfg.AI.Token)
	assert.Equal(t, "gemini-1.5-pro", cfg.AI.Model)
	assert.InDelta(t, 0.5, cfg.AI.Temperature, 0.0001)
	assert.InDelta(t, lorian.DefaultAITopP, cfg.AI.TopP, 0.0001)
	assert.Equal(t, 500, cfg.AI.MaxTokens)
	assert.InDelta(t, 10.0, cfg.AI.RequestsPerMinute, 0.0001)
	assert.Equal(t, 15*time.Second, cfg.AI.Timeout)
	assert.Equal(t, slog.LevelWarn, cfg.AI.LogLevel.Level())

	wh := cfg.Discord.WebhookServer
	assert.True(t, wh.Enabled)
	assert.Equal(t, "127.0.0.1:5101", wh.Listen)
	assert.Equal(t, "your_discord_public_key_here", wh.PublicKey)
	assert.Equal(t, "/etc/ssl/cert.pem", wh.SSL.Cert)
	assert.Equal(t, "/etc/ssl/cert.key", wh.SSL.Key)
	assert.Equal(t, uint16(771), wh.SSL.TLSMinVersion)
	assert.Equal(t, slog.LevelDebug, wh.LogLevel.Level())
	assert.Equal(t, lorian.DefaultWriteTimeout, wh.WriteTimeout)

	assert.True(t, cfg.API.Enabled)
	assert.Equal(t, "127.0.0.1:5100", cfg.API.Listen)
	assert.Equal(t, "your-api-secret", cfg.API.Secret)
	assert.Equal(t, slog.LevelDebug, cfg.API.LogLevel.Level())
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5100", "https://localhost:5100"},
		cfg.API.CORS.AllowOrigins,
	)
	assert.Equal(t, []string{"GET", "POST", "PATCH"}, cfg.API.CORS.AllowMethods)
	assert.Equal(t, lorian.DefaultCORSAllowHeaders, cfg.API.CORS.AllowHeaders)
	assert.Equal(t, 2*time.Hour, cfg.API.CORS.MaxAge)
	assert.Equal(t, 3*time.Hour, cfg.API.SessionMaxAge)
	assert.Equal(t, lorian.DefaultIdleTimeout, cfg.API.IdleTimeout)

	assert.NoError(t, lorian.ValidateConfig(cfg))
}

func TestLoadConfigDefaults(t *testing.T) {
	resetEnv(t)

	envFile := writeEnvFile(t, "LB_DISCORD_TOKEN=foo\n")
	rootCmd.SetArgs([]string{fmt.Sprintf("--config=%s", envFile), "version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, lorian.DefaultDatabase, cfg.Database)
	assert.Equal(t, lorian.DefaultDatabaseType, cfg.DatabaseType)
	assert.Equal(t, lorian.DefaultDataDir, cfg.DataDir)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel.Level())
	assert.Equal(t, lorian.DefaultReminderCheckInterval, cfg.ReminderCheckInterval)
	assert.Equal(t, lorian.DefaultAIModel, cfg.AI.Model)
	assert.Equal(t, lorian.DefaultAIBaseURL, cfg.AI.BaseURL)
	assert.Equal(t, lorian.DefaultAPIListen, cfg.API.Listen)
	assert.False(t, cfg.API.Enabled)
	assert.False(t, cfg.Discord.WebhookServer.Enabled)
	assert.True(t, cfg.Discord.RegisterCommands)

	assert.Equal(t, "foo", cfg.Discord.Token)
	assert.Empty(t, cfg.OwnerID)
	assert.ErrorIs(t, lorian.ValidateConfig(cfg), lorian.ErrMissingOwnerID)
}

func TestPrefixedEnvTakesPrecedence(t *testing.T) {
	resetEnv(t)

	t.Setenv("OWNER_ID", "plain")
	t.Setenv("LB_OWNER_ID", "prefixed")
	t.Setenv("DISCORD_TOKEN", "plain-token")

	envFile := writeEnvFile(t, "")
	rootCmd.SetArgs([]string{fmt.Sprintf("--config=%s", envFile), "version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "prefixed", cfg.OwnerID)
	assert.Equal(t, "plain-token", cfg.Discord.Token)
}

func TestCustomEnvPrefix(t *testing.T) {
	resetEnv(t)

	t.Setenv(lorian.EnvvarSetEnvPrefix, "FOO")
	t.Setenv("FOO_DISCORD_TOKEN", "foo-token")
	t.Setenv("FOO_AI_MODEL", "foo-model")
	t.Setenv("LB_AI_MODEL", "ignored")

	envFile := writeEnvFile(t, "")
	rootCmd.SetArgs([]string{fmt.Sprintf("--config=%s", envFile), "version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "foo-token", cfg.Discord.Token)
	assert.Equal(t, "foo-model", cfg.AI.Model)
}

func TestGetLogLevel(t *testing.T) {
	testCases := []struct {
		input    string
		expected slog.Level
		wantErr  bool
	}{
		{input: "DEBUG", expected: slog.LevelDebug},
		{input: "info", expected: slog.LevelInfo},
		{input: " warn ", expected: slog.LevelWarn},
		{input: "ERROR", expected: slog.LevelError},
		{input: "verbose", expected: slog.LevelInfo, wantErr: true},
	}
	for _, tc := range testCases {
		t.Run(
			tc.input, func(t *testing.T) {
				lvl, err := getLogLevel(tc.input)
				if tc.wantErr {
					assert.Error(t, err)
				} else {
					assert.NoError(t, err)
				}
				assert.Equal(t, tc.expected, lvl)
			},
		)
	}
}

func TestLevelToStringHookFunc(t *testing.T) {
	c := lorian.DefaultConfig()
	logLevel := c.LogLevel
	discordLevel := c.Discord.LogLevel

	decoder, err := mapstructure.NewDecoder(
		&mapstructure.DecoderConfig{
			Result:           c,
			WeaklyTypedInput: true,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				LevelToStringHookFunc(),
			),
		},
	)
	require.NoError(t, err)
	require.NoError(
		t,
		decoder.Decode(
			map[string]any{
				"log_level": "DEBUG",
				"discord":   map[string]any{"log_level": "error"},
				"ai":        map[string]any{"log_level": "WARN"},
			},
		),
	)

	assert.Equal(t, slog.LevelDebug, c.LogLevel.Level())
	assert.Equal(t, slog.LevelError, c.Discord.LogLevel.Level())
	assert.Equal(t, slog.LevelWarn, c.AI.LogLevel.Level())
	assert.Same(t, logLevel, c.LogLevel, "existing level vars are updated in place")
	assert.Same(t, discordLevel, c.Discord.LogLevel)

	t.Run(
		"nil level var", func(t *testing.T) {
			c := lorian.DefaultConfig()
			c.LogLevel = nil
			decoder, err := mapstructure.NewDecoder(
				&mapstructure.DecoderConfig{Result: c, DecodeHook: LevelToStringHookFunc()},
			)
			require.NoError(t, err)
			require.NoError(t, decoder.Decode(map[string]any{"log_level": "WARN"}))
			require.NotNil(t, c.LogLevel)
			assert.Equal(t, slog.LevelWarn, c.LogLevel.Level())
		},
	)

	t.Run(
		"invalid", func(t *testing.T) {
			decoder, err := mapstructure.NewDecoder(
				&mapstructure.DecoderConfig{
					Result:     lorian.DefaultConfig(),
					DecodeHook: LevelToStringHookFunc(),
				},
			)
			require.NoError(t, err)
			assert.Error(t, decoder.Decode(map[string]any{"log_level": "LOUD"}))
		},
	)
}

func TestExecute_ErrorPrintedOnce(t *testing.T) {
	resetEnv(t)

	var stderr bytes.Buffer
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs([]string{"version", "--nope"})
	t.Cleanup(
		func() {
			rootCmd.SetErr(nil)
			rootCmd.SetArgs(nil)
		},
	)
	require.Error(t, rootCmd.Execute())
	assert.Equal(t, 1, strings.Count(stderr.String(), "unknown flag: --nope"))
}
