package lorian

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"log/slog"
	"strings"
)

const (
	columnRuntimeConfigAdminUsername       = "admin_username"
	columnRuntimeConfigAdminPassword       = "admin_password"
	columnRuntimeConfigPaused              = "paused"
	columnRuntimeConfigDiscordCustomStatus = "discord_custom_status"
	columnRuntimeConfigAIEnabled           = "ai_enabled"
	columnRuntimeConfigFeedbackFilterWords = "feedback_filter_words"
)

const DefaultFeedbackFilterWords = "spam,scam,abuse"

var ErrAdminAlreadySet = errors.New("admin credentials already set")

// RuntimeConfig stores settings that can be changed while the bot is
// running, and which should persist across restarts (ex: being paused).
//
// Log level fields are overrides. When nil, the level from [Config] is
// used, so LOG_LEVEL keeps working until a level is set through the API.
//
//nolint:lll // struct tags can't be split
type RuntimeConfig struct {
	ModelUintID
	ModelUnixTime

	// Paused indicates whether the bot is currently paused. While paused,
	// only the owner's commands are handled.
	Paused bool `json:"paused" gorm:"not null;default:false"`

	// DiscordCustomStatus is the custom status message displayed for the bot
	DiscordCustomStatus string `json:"discord_custom_status" gorm:"type:string" binding:"max=128"`

	// AIEnabled toggles responses in the AI channel
	AIEnabled bool `json:"ai_enabled" gorm:"not null;default:true"`

	// FeedbackFilterWords is a comma-separated list of words which cause
	// a feedback message to be removed instead of reposted
	FeedbackFilterWords string `json:"feedback_filter_words" gorm:"type:string"`

	// AdminUsername for the admin API
	AdminUsername string `json:"admin_username" gorm:"type:string" log:"[redacted]"`

	// AdminPassword stores the hashed password for the admin user
	AdminPassword string `json:"admin_password" gorm:"type:string" log:"[redacted]"`

	LogLevel               *DBLogLevel `gorm:"type:string" json:"log_level"`
	AILogLevel             *DBLogLevel `gorm:"column:ai_log_level;type:string" json:"ai_log_level"`
	DiscordLogLevel        *DBLogLevel `gorm:"type:string" json:"discord_log_level"`
	DiscordGoLogLevel      *DBLogLevel `gorm:"column:discordgo_log_level;type:string" json:"discordgo_log_level"`
	DatabaseLogLevel       *DBLogLevel `gorm:"type:string" json:"database_log_level"`
	DiscordWebhookLogLevel *DBLogLevel `gorm:"type:string" json:"discord_webhook_log_level"`
	APILogLevel            *DBLogLevel `gorm:"type:string" json:"api_log_level"`
}

func (RuntimeConfig) TableName() string {
	return "config"
}

func (r RuntimeConfig) LogValue() slog.Value {
	return structToSlogValue(r)
}

func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		DiscordCustomStatus: DefaultDiscordCustomStatus,
		AIEnabled:           true,
		FeedbackFilterWords: DefaultFeedbackFilterWords,
	}
}

// FilterWords returns the lower-cased, non-empty feedback filter words
func (r RuntimeConfig) FilterWords() []string {
	var words []string
	for _, w := range strings.Split(r.FeedbackFilterWords, ",") {
		w = strings.ToLower(strings.TrimSpace(w))
		if w != "" {
			words = append(words, w)
		}
	}
	return words
}

// AdminConfigured returns true if admin credentials have been set
func (r RuntimeConfig) AdminConfigured() bool {
	return r.AdminUsername != "" && r.AdminPassword != ""
}

// RuntimeConfigUpdate is the payload for partially updating [RuntimeConfig]
// through the admin API. Nil fields are left unchanged.
//
//nolint:lll // can't break tags
type RuntimeConfigUpdate struct {
	Paused              *bool   `json:"paused,omitempty"`
	DiscordCustomStatus *string `json:"discord_custom_status,omitempty" binding:"omitnil,max=128"`
	AIEnabled           *bool   `json:"ai_enabled,omitempty"`
	FeedbackFilterWords *string `json:"feedback_filter_words,omitempty" binding:"omitnil,max=2000"`

	LogLevel               *DBLogLevel `json:"log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	AILogLevel             *DBLogLevel `json:"ai_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel        *DBLogLevel `json:"discord_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel      *DBLogLevel `json:"discordgo_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel       *DBLogLevel `json:"database_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordWebhookLogLevel *DBLogLevel `json:"discord_webhook_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	APILogLevel            *DBLogLevel `json:"api_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

func (u RuntimeConfigUpdate) validate() error {
	return structValidator.Struct(u)
}

// apply copies the non-nil fields of the update onto cfg, returning the
// column/value pairs which changed
func (u RuntimeConfigUpdate) apply(cfg *RuntimeConfig) map[string]any {
	changes := map[string]any{}
	if u.Paused != nil && *u.Paused != cfg.Paused {
		cfg.Paused = *u.Paused
		changes[columnRuntimeConfigPaused] = cfg.Paused
	}
	if u.DiscordCustomStatus != nil && *u.DiscordCustomStatus != cfg.DiscordCustomStatus {
		cfg.DiscordCustomStatus = *u.DiscordCustomStatus
		changes[columnRuntimeConfigDiscordCustomStatus] = cfg.DiscordCustomStatus
	}
	if u.AIEnabled != nil && *u.AIEnabled != cfg.AIEnabled {
		cfg.AIEnabled = *u.AIEnabled
		changes[columnRuntimeConfigAIEnabled] = cfg.AIEnabled
	}
	if u.FeedbackFilterWords != nil && *u.FeedbackFilterWords != cfg.FeedbackFilterWords {
		cfg.FeedbackFilterWords = *u.FeedbackFilterWords
		changes[columnRuntimeConfigFeedbackFilterWords] = cfg.FeedbackFilterWords
	}

	levels := []struct {
		column string
		update *DBLogLevel
		target **DBLogLevel
	}{
		{"log_level", u.LogLevel, &cfg.LogLevel},
		{"ai_log_level", u.AILogLevel, &cfg.AILogLevel},
		{"discord_log_level", u.DiscordLogLevel, &cfg.DiscordLogLevel},
		{"discordgo_log_level", u.DiscordGoLogLevel, &cfg.DiscordGoLogLevel},
		{"database_log_level", u.DatabaseLogLevel, &cfg.DatabaseLogLevel},
		{"discord_webhook_log_level", u.DiscordWebhookLogLevel, &cfg.DiscordWebhookLogLevel},
		{"api_log_level", u.APILogLevel, &cfg.APILogLevel},
	}
	for _, l := range levels {
		if l.update == nil {
			continue
		}
		if *l.target != nil && **l.target == *l.update {
			continue
		}
		lvl := *l.update
		*l.target = &lvl
		changes[l.column] = lvl
	}
	return changes
}

// setRuntimeLevels applies any log level overrides from the runtime config
// to the corresponding level vars
func setRuntimeLevels(cfg *Config, state RuntimeConfig) {
	set := func(v *slog.LevelVar, lvl *DBLogLevel) {
		if v != nil && lvl != nil {
			v.Set(lvl.Level())
		}
	}
	set(cfg.LogLevel, state.LogLevel)
	set(cfg.DatabaseLogLevel, state.DatabaseLogLevel)
	if cfg.AI != nil {
		set(cfg.AI.LogLevel, state.AILogLevel)
	}
	if cfg.API != nil {
		set(cfg.API.LogLevel, state.APILogLevel)
	}
	if cfg.Discord != nil {
		set(cfg.Discord.LogLevel, state.DiscordLogLevel)
		set(cfg.Discord.DiscordGoLogLevel, state.DiscordGoLogLevel)
		set(cfg.Discord.WebhookServer.LogLevel, state.DiscordWebhookLogLevel)
	}
}

// updateRuntimeConfig validates and persists the given update, then applies
// it to the running bot
func (b *Bot) updateRuntimeConfig(
	ctx context.Context,
	update RuntimeConfigUpdate,
) (RuntimeConfig, error) {
	if err := update.validate(); err != nil {
		return b.RuntimeConfig(), err
	}

	b.cfgMu.Lock()
	current := *b.runtimeConfig
	changes := update.apply(&current)
	if len(changes) > 0 {
		if _, err := b.db.Updates(ctx, b.runtimeConfig, changes); err != nil {
			b.cfgMu.Unlock()
			return *b.runtimeConfig, fmt.Errorf("error updating config: %w", err)
		}
	}
	*b.runtimeConfig = current
	b.cfgMu.Unlock()

	b.logger.InfoContext(ctx, "runtime config updated", "changes", changes)
	setRuntimeLevels(b.config, current)
	if len(changes) > 0 {
		b.notifyRuntimeConfigUpdated(ctx)
	}

	if _, ok := changes[columnRuntimeConfigPaused]; ok {
		if current.Paused {
			b.Pause(ctx)
		} else {
			b.Resume(ctx)
		}
	} else if _, ok := changes[columnRuntimeConfigDiscordCustomStatus]; ok && !current.Paused {
		if err := b.discord.updateCustomStatus(current.DiscordCustomStatus); err != nil {
			b.logger.ErrorContext(ctx, "error updating custom status", tint.Err(err))
		}
	}
	return current, nil
}

// adminCredentialUpdates hashes password, returning the columns to update
func adminCredentialUpdates(username, password string) (map[string]any, error) {
	if strings.TrimSpace(username) == "" || password == "" {
		return nil, errors.New("username and password are required")
	}
	hashed, err := HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("error hashing password: %w", err)
	}
	return map[string]any{
		columnRuntimeConfigAdminUsername: strings.TrimSpace(username),
		columnRuntimeConfigAdminPassword: hashed,
	}, nil
}

// SetAdminCredentials sets the admin API credentials on the stored runtime
// config, creating the config if it doesn't exist yet. Used by the 'init'
// command, before the bot runs.
func SetAdminCredentials(ctx context.Context, db *gorm.DB, username, password string) error {
	updates, err := adminCredentialUpdates(username, password)
	if err != nil {
		return err
	}
	db = db.WithContext(ctx)
	var cfg RuntimeConfig
	if err = db.Last(&cfg).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("error getting config: %w", err)
		}
		cfg = DefaultRuntimeConfig()
		if err = db.Create(&cfg).Error; err != nil {
			return fmt.Errorf("error creating config: %w", err)
		}
	}
	return db.Model(&cfg).Updates(updates).Error
}

// setAdminCredentials sets the admin credentials on the running bot's
// config, returning ErrAdminAlreadySet if they've already been set
func (b *Bot) setAdminCredentials(ctx context.Context, username, password string) error {
	updates, err := adminCredentialUpdates(username, password)
	if err != nil {
		return err
	}
	b.cfgMu.Lock()
	defer b.cfgMu.Unlock()
	if b.runtimeConfig == nil {
		return errors.New("config not loaded")
	}
	if b.runtimeConfig.AdminConfigured() {
		return ErrAdminAlreadySet
	}
	current := *b.runtimeConfig
	if _, err = b.db.Updates(ctx, &current, updates); err != nil {
		return fmt.Errorf("error updating admin credentials: %w", err)
	}
	b.runtimeConfig.AdminUsername = updates[columnRuntimeConfigAdminUsername].(string)
	b.runtimeConfig.AdminPassword = updates[columnRuntimeConfigAdminPassword].(string)
	b.notifyRuntimeConfigUpdated(ctx)
	return nil
}

// reloadRuntimeConfig replaces the running config with the latest stored
// one, applying pause and status changes made by another instance
func (b *Bot) reloadRuntimeConfig(ctx context.Context) error {
	var cfg RuntimeConfig
	if err := b.db.DB().WithContext(ctx).Last(&cfg).Error; err != nil {
		return fmt.Errorf("error getting config: %w", err)
	}
	if err := structValidator.Struct(cfg); err != nil {
		return fmt.Errorf("invalid runtime config: %w", err)
	}

	b.cfgMu.Lock()
	var previous RuntimeConfig
	if b.runtimeConfig == nil {
		b.runtimeConfig = &cfg
	} else {
		previous = *b.runtimeConfig
		*b.runtimeConfig = cfg
	}
	b.cfgMu.Unlock()

	b.logger.InfoContext(ctx, "runtime config reloaded", "config", cfg)
	setRuntimeLevels(b.config, cfg)

	switch {
	case cfg.Paused != b.paused.Load():
		if cfg.Paused {
			b.Pause(ctx)
		} else {
			b.Resume(ctx)
		}
	case cfg.DiscordCustomStatus != previous.DiscordCustomStatus && !cfg.Paused:
		if b.discord.session == nil {
			break
		}
		if err := b.discord.updateCustomStatus(cfg.DiscordCustomStatus); err != nil {
			b.logger.ErrorContext(ctx, "error updating custom status", tint.Err(err))
		}
	}
	return nil
}

func (b *Bot) notifyRuntimeConfigUpdated(ctx context.Context) {
	if b.dbNotifier != nil {
		b.dbNotifier.RuntimeConfigUpdated(ctx)
	}
}

func getDiscordPresenceStatusUpdate(config RuntimeConfig) discordgo.GatewayStatusUpdate {
	if config.Paused {
		return discordgo.GatewayStatusUpdate{
			AFK:    true,
			Status: string(discordgo.StatusDoNotDisturb),
		}
	}
	return discordgo.GatewayStatusUpdate{Status: config.DiscordCustomStatus}
}
