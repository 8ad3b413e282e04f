package lorian

import (
	"context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"testing"
)

func ptr[T any](v T) *T {
	return &v
}

func TestRuntimeConfig_FilterWords(t *testing.T) {
	rc := RuntimeConfig{FeedbackFilterWords: " Spam, ,SCAM,abuse ,"}
	assert.Equal(t, []string{"spam", "scam", "abuse"}, rc.FilterWords())
	assert.Empty(t, RuntimeConfig{}.FilterWords())
}

func TestRuntimeConfig_LogValueRedacted(t *testing.T) {
	rc := DefaultRuntimeConfig()
	rc.AdminUsername = "admin"
	rc.AdminPassword = "hash"
	assert.NotContains(t, rc.LogValue().String(), "hash")
	assert.Contains(t, rc.LogValue().String(), "[redacted]")
}

func TestRuntimeConfigUpdate_Validate(t *testing.T) {
	assert.NoError(t, RuntimeConfigUpdate{}.validate())
	assert.NoError(t, RuntimeConfigUpdate{LogLevel: ptr(DBLogLevelDebug)}.validate())
	assert.Error(t, RuntimeConfigUpdate{LogLevel: ptr(DBLogLevel("TRACE"))}.validate())

	long := make([]byte, 129)
	for i := range long {
		long[i] = 'a'
	}
	assert.Error(t, RuntimeConfigUpdate{DiscordCustomStatus: ptr(string(long))}.validate())
}

func TestRuntimeConfigUpdate_Apply(t *testing.T) {
	rc := DefaultRuntimeConfig()
	rc.LogLevel = ptr(DBLogLevelWarn)

	changes := RuntimeConfigUpdate{
		Paused:              ptr(true),
		AIEnabled:           ptr(true),
		FeedbackFilterWords: ptr("foo"),
		LogLevel:            ptr(DBLogLevelWarn),
		APILogLevel:         ptr(DBLogLevelDebug),
	}.apply(&rc)

	assert.Equal(
		t,
		map[string]any{
			columnRuntimeConfigPaused:              true,
			columnRuntimeConfigFeedbackFilterWords: "foo",
			"api_log_level":                        DBLogLevelDebug,
		},
		changes,
	)
	assert.True(t, rc.Paused)
	assert.Equal(t, "foo", rc.FeedbackFilterWords)
	require.NotNil(t, rc.APILogLevel)
	assert.Equal(t, DBLogLevelDebug, *rc.APILogLevel)
}

func TestSetRuntimeLevels(t *testing.T) {
	cfg := DefaultConfig()
	setRuntimeLevels(cfg, RuntimeConfig{})
	assert.Equal(t, DefaultLogLevel, cfg.LogLevel.Level())

	setRuntimeLevels(
		cfg,
		RuntimeConfig{
			LogLevel:               ptr(DBLogLevelDebug),
			AILogLevel:             ptr(DBLogLevelError),
			DiscordWebhookLogLevel: ptr(DBLogLevelWarn),
		},
	)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel.Level())
	assert.Equal(t, slog.LevelError, cfg.AI.LogLevel.Level())
	assert.Equal(t, slog.LevelWarn, cfg.Discord.WebhookServer.LogLevel.Level())
	assert.Equal(t, DefaultAPILogLevel, cfg.API.LogLevel.Level())
}

func TestUpdateRuntimeConfig(t *testing.T) {
	b, session := newTestBot(t)
	ctx := context.Background()

	updated, err := b.updateRuntimeConfig(
		ctx,
		RuntimeConfigUpdate{
			DiscordCustomStatus: ptr("busy"),
			AIEnabled:           ptr(false),
			LogLevel:            ptr(DBLogLevelDebug),
		},
	)
	require.NoError(t, err)
	assert.Equal(t, "busy", updated.DiscordCustomStatus)
	assert.False(t, updated.AIEnabled)
	assert.Equal(t, slog.LevelDebug, b.config.LogLevel.Level())

	var stored RuntimeConfig
	require.NoError(t, b.db.DB().Last(&stored).Error)
	assert.Equal(t, "busy", stored.DiscordCustomStatus)
	assert.False(t, stored.AIEnabled)
	require.NotNil(t, stored.LogLevel)
	assert.Equal(t, DBLogLevelDebug, *stored.LogLevel)

	session.mu.Lock()
	assert.Contains(t, session.statuses, "busy")
	session.mu.Unlock()

	t.Run(
		"pause through update", func(t *testing.T) {
			_, err = b.updateRuntimeConfig(ctx, RuntimeConfigUpdate{Paused: ptr(true)})
			require.NoError(t, err)
			assert.True(t, b.paused.Load())
			assert.True(t, b.RuntimeConfig().Paused)

			_, err = b.updateRuntimeConfig(ctx, RuntimeConfigUpdate{Paused: ptr(false)})
			require.NoError(t, err)
			assert.False(t, b.paused.Load())
		},
	)

	t.Run(
		"invalid", func(t *testing.T) {
			_, err = b.updateRuntimeConfig(
				ctx,
				RuntimeConfigUpdate{APILogLevel: ptr(DBLogLevel("LOUD"))},
			)
			assert.Error(t, err)
			assert.Nil(t, b.RuntimeConfig().APILogLevel)
		},
	)
}

func TestSetAdminCredentials(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	assert.Error(t, SetAdminCredentials(ctx, db, " ", "password"))
	assert.Error(t, SetAdminCredentials(ctx, db, "admin", ""))

	require.NoError(t, SetAdminCredentials(ctx, db, " admin ", "password"))
	var rc RuntimeConfig
	require.NoError(t, db.Last(&rc).Error)
	assert.True(t, rc.AdminConfigured())
	assert.Equal(t, "admin", rc.AdminUsername)
	assert.True(t, rc.AIEnabled)

	ok, err := VerifyPassword(rc.AdminPassword, "password")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBot_SetAdminCredentials(t *testing.T) {
	b, _ := newTestBot(t)
	ctx := context.Background()

	require.NoError(t, b.setAdminCredentials(ctx, "admin", "password"))
	assert.True(t, b.RuntimeConfig().AdminConfigured())

	err := b.setAdminCredentials(ctx, "other", "password")
	assert.ErrorIs(t, err, ErrAdminAlreadySet)
	assert.Equal(t, "admin", b.RuntimeConfig().AdminUsername)
}
