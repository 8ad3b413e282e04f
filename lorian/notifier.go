package lorian

import (
	"context"
	"errors"
	"fmt"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
	"log/slog"
	"time"
)

const (
	postgresNotifyChannelRuntimeConfigUpdated = "lorian_runtime_config_updated"
	dbNotifierRetryDelay                      = 5 * time.Second
)

// DBNotifier notifies other bot instances sharing the same database that
// the runtime config changed, so they reload it.
type DBNotifier interface {
	// ID returns the identifier for this notifier. Listeners ignore
	// notifications carrying their own ID.
	ID() string

	// RuntimeConfigUpdated tells other instances to reload their runtime
	// config from the DB
	RuntimeConfigUpdated(ctx context.Context) bool

	// Listen blocks, reloading the runtime config when another instance
	// reports a change, until ctx is canceled
	Listen(ctx context.Context) error
}

func newDBNotifier(b *Bot) (DBNotifier, error) {
	notifyID, err := generateRandomHexString(16)
	if err != nil {
		return nil, err
	}
	log := b.logger.With(loggerNameKey, "db_notifier")
	switch b.config.DatabaseType {
	case dbTypeSQLite:
		return &sqliteNotifier{logger: log, id: notifyID}, nil
	case dbTypePostgres:
		return &postgresNotifier{b: b, logger: log, id: notifyID}, nil
	default:
		return nil, fmt.Errorf("invalid database type: %q", b.config.DatabaseType)
	}
}

// sqliteNotifier is used when the database isn't shared with other
// instances, so there's nobody to notify.
type sqliteNotifier struct {
	logger *slog.Logger
	id     string
}

func (s *sqliteNotifier) ID() string {
	return s.id
}

func (s *sqliteNotifier) RuntimeConfigUpdated(context.Context) bool {
	s.logger.Debug("runtime config updated, no listeners to notify")
	return false
}

func (s *sqliteNotifier) Listen(context.Context) error {
	s.logger.Debug("listener not supported for sqlite")
	return nil
}

type postgresNotifier struct {
	b      *Bot
	logger *slog.Logger
	id     string
}

func (p *postgresNotifier) ID() string {
	return p.id
}

func (p *postgresNotifier) RuntimeConfigUpdated(ctx context.Context) bool {
	err := p.b.db.DB().WithContext(ctx).Exec(
		"SELECT pg_notify(?, ?)",
		postgresNotifyChannelRuntimeConfigUpdated,
		p.ID(),
	).Error
	if err != nil {
		p.logger.ErrorContext(ctx, "error sending runtime config NOTIFY", tint.Err(err))
		return false
	}
	p.logger.InfoContext(ctx, "sent runtime config notification", "pg_notify_id", p.ID())
	return true
}

func (p *postgresNotifier) Listen(ctx context.Context) error {
	channel := postgresNotifyChannelRuntimeConfigUpdated
	logger := p.logger.With("channel", channel)

	config, err := pgxpool.ParseConfig(p.b.config.Database)
	if err != nil {
		logger.ErrorContext(ctx, "error parsing database config", tint.Err(err))
		return err
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		logger.ErrorContext(ctx, "error creating connection pool", tint.Err(err))
		return err
	}
	defer pool.Close()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "error acquiring connection", tint.Err(err))
		return err
	}
	defer conn.Release()

	if _, err = conn.Exec(ctx, "LISTEN "+channel); err != nil {
		logger.ErrorContext(ctx, "error setting up listener", tint.Err(err))
		return err
	}
	logger.InfoContext(ctx, "started listening")

	for ctx.Err() == nil {
		notification, e := conn.Conn().WaitForNotification(ctx)
		if e != nil {
			if errors.Is(e, context.Canceled) || ctx.Err() != nil {
				break
			}
			logger.ErrorContext(ctx, "error waiting for notification", tint.Err(e))
			select {
			case <-ctx.Done():
			case <-time.After(dbNotifierRetryDelay):
			}
			continue
		}
		if notification.Payload == p.ID() {
			logger.Debug("ignoring notification from self")
			continue
		}
		logger.InfoContext(
			ctx,
			"received runtime config notification",
			"payload", notification.Payload,
		)
		if reloadErr := p.b.reloadRuntimeConfig(ctx); reloadErr != nil {
			logger.ErrorContext(ctx, "error reloading runtime config", tint.Err(reloadErr))
		}
	}
	return nil
}
