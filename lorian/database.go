package lorian

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
	}
	dbOperationTimeout = 30 * time.Second
)

// ModelUnixTime is an embeddable model with Unix timestamps for
// creation, update, and deletion.
type ModelUnixTime struct {
	CreatedAt int64          `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64          `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// allModels lists every model which is migrated on startup
func allModels() []any {
	return []any{
		&User{},
		&Conversation{},
		&Ticket{},
		&ButtonMessage{},
		&FeedbackMessage{},
		&Reminder{},
		&RuntimeConfig{},
		&InteractionLog{},
	}
}

// DBI defines the interface for database operations. [database]
// implements it, and it's mocked in tests where a real database isn't
// needed.
type DBI interface {
	DB() *gorm.DB
	Lock()
	Unlock()

	LoadUsers() []User
	GetUser(userID string) *User
	GetOrCreateUser(ctx context.Context, u discordgo.User) (*User, bool, error)

	Create(ctx context.Context, value any, omit ...string) (rowsAffected int64, err error)
	Save(ctx context.Context, value any, omit ...string) (rowsAffected int64, err error)
	Updates(ctx context.Context, model any, values any) (rowsAffected int64, err error)
	Update(ctx context.Context, model any, column string, value any) (
		rowsAffected int64,
		err error,
	)
	UpdatesWhere(
		ctx context.Context,
		model any,
		values map[string]any,
		query any,
		conds ...any,
	) (rowsAffected int64, err error)
	Delete(ctx context.Context, value any, conds ...any) (rowsAffected int64, err error)
	Transaction(
		ctx context.Context,
		fc func(tx *gorm.DB) error,
		opts ...*sql.TxOptions,
	) error
}

// database wraps a gorm.DB for writes. When concurrent writes are
// disabled (sqlite), every write holds mu, and every operation without
// a deadline gets dbOperationTimeout.
type database struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	userCache              map[string]*User
	cacheMu                sync.Mutex
	enableConcurrentWrites bool
}

// NewDatabase returns a DBI wrapping the given connection
func NewDatabase(
	db *gorm.DB,
	log *slog.Logger,
	enableConcurrentWrites bool,
) DBI {
	if log == nil {
		log = slog.Default()
	}
	return &database{
		db:                     db,
		userCache:              map[string]*User{},
		logger:                 log.With(loggerNameKey, "writedb"),
		enableConcurrentWrites: enableConcurrentWrites,
	}
}

func (d *database) DB() *gorm.DB {
	return d.db
}

func (d *database) Lock() {
	if d.enableConcurrentWrites {
		return
	}
	d.mu.Lock()
}

func (d *database) Unlock() {
	if d.enableConcurrentWrites {
		return
	}
	d.mu.Unlock()
}

// opContext returns ctx with dbOperationTimeout applied, if ctx
// doesn't already have a deadline
func opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dbOperationTimeout)
}

// LoadUsers replaces the user cache with users seen in the last week
func (d *database) LoadUsers() []User {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()
	d.userCache = map[string]*User{}

	var users []User
	if err := d.db.Where(
		"last_seen = 0 OR last_seen >= ?",
		time.Now().Add(-7*24*time.Hour).UnixMilli(),
	).Find(&users).Error; err != nil {
		d.logger.Error("error loading users", tint.Err(err))
		return nil
	}
	for i := range users {
		u := users[i]
		d.userCache[u.ID] = &u
	}
	return users
}

func (d *database) GetUser(userID string) *User {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()
	if u, ok := d.userCache[userID]; ok {
		return u
	}
	var user User
	if err := d.db.Where("id = ?", userID).Take(&user).Error; err != nil {
		return nil
	}
	d.userCache[userID] = &user
	return &user
}

// GetOrCreateUser retrieves a user from the cache or the database,
// and creates a new user if one does not exist. The returned bool
// is true if the user was created.
func (d *database) GetOrCreateUser(
	ctx context.Context,
	u discordgo.User,
) (*User, bool, error) {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()

	log, ok := ContextLogger(ctx)
	if log == nil || !ok {
		log = d.logger
	}

	now := time.Now().UTC().UnixMilli()

	user, cached := d.userCache[u.ID]
	if !cached {
		var existing User
		err := d.db.WithContext(ctx).Where("id = ?", u.ID).Take(&existing).Error
		switch {
		case err == nil:
			user = &existing
			d.userCache[u.ID] = user
		case errors.Is(err, gorm.ErrRecordNotFound):
			user = NewUser(u)
			user.LastSeen = now
			log.InfoContext(ctx, "creating new user", "user", user)
			if _, createErr := d.Create(ctx, user); createErr != nil {
				return nil, true, fmt.Errorf("error creating user: %w", createErr)
			}
			d.userCache[u.ID] = user
			return user, true, nil
		default:
			return nil, false, fmt.Errorf("error getting user: %w", err)
		}
	}

	updates := map[string]any{columnUserLastSeen: now}
	if user.Username != u.Username || user.GlobalName != u.GlobalName {
		log.InfoContext(
			ctx,
			"user changed username since last seen",
			slog.Group("old", "username", user.Username, "global_name", user.GlobalName),
			slog.Group("new", "username", u.Username, "global_name", u.GlobalName),
		)
		updates[columnUserUsername] = u.Username
		updates[columnUserGlobalName] = u.GlobalName
	}
	if _, err := d.Updates(ctx, user, updates); err != nil {
		log.ErrorContext(ctx, "error updating user", "user", user, tint.Err(err))
	}
	return user, false, nil
}

func (d *database) Create(ctx context.Context, value any, omit ...string) (int64, error) {
	d.Lock()
	defer d.Unlock()
	ctx, cancel := opContext(ctx)
	defer cancel()

	db := d.db.WithContext(ctx)
	if len(omit) > 0 {
		db = db.Omit(omit...)
	}
	rv := db.Create(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Save(ctx context.Context, value any, omit ...string) (int64, error) {
	d.Lock()
	defer d.Unlock()
	ctx, cancel := opContext(ctx)
	defer cancel()

	db := d.db.WithContext(ctx)
	if len(omit) > 0 {
		db = db.Omit(omit...)
	}
	rv := db.Save(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Updates(ctx context.Context, model, values any) (int64, error) {
	d.Lock()
	defer d.Unlock()
	ctx, cancel := opContext(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Model(model).Updates(values)
	return rv.RowsAffected, rv.Error
}

func (d *database) Update(
	ctx context.Context,
	model any,
	column string,
	value any,
) (int64, error) {
	d.Lock()
	defer d.Unlock()
	ctx, cancel := opContext(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Model(model).Update(column, value)
	return rv.RowsAffected, rv.Error
}

func (d *database) UpdatesWhere(
	ctx context.Context,
	model any,
	values map[string]any,
	query any,
	conds ...any,
) (int64, error) {
	d.Lock()
	defer d.Unlock()
	ctx, cancel := opContext(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Model(model).Where(query, conds...).Updates(values)
	return rv.RowsAffected, rv.Error
}

func (d *database) Delete(ctx context.Context, value any, conds ...any) (int64, error) {
	d.Lock()
	defer d.Unlock()
	ctx, cancel := opContext(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Delete(value, conds...)
	return rv.RowsAffected, rv.Error
}

func (d *database) Transaction(
	ctx context.Context,
	fc func(tx *gorm.DB) error,
	opts ...*sql.TxOptions,
) error {
	d.Lock()
	defer d.Unlock()
	ctx, cancel := opContext(ctx)
	defer cancel()

	return d.db.WithContext(ctx).Transaction(fc, opts...)
}

// CreateDB opens the database and migrates all models.
//
// Parameters:
//   - ctx: The context for the database operations.
//   - databaseType: The type of the database, must be 'sqlite' or 'postgres'.
//   - dsn: The database connection string, or SQLite file path.
func CreateDB(ctx context.Context, databaseType string, dsn string) (*gorm.DB, error) {
	handler := newLogHandler(defaultLogWriter, slog.LevelWarn)
	gormLogger := newGORMLogger(handler, DefaultDatabaseSlowThreshold)

	slog.New(handler).InfoContext(
		ctx,
		"initializing database",
		"database_type", databaseType,
		"database", dsn,
	)
	db, err := getDB(databaseType, dsn, gormLogger)
	if err != nil {
		return nil, err
	}
	if err = configureDB(ctx, db, databaseType); err != nil {
		return db, err
	}
	if err = migrateDB(ctx, db); err != nil {
		return db, err
	}
	return db, nil
}

// getDB initializes and returns a GORM database connection based on the
// specified database type. For sqlite, the parent directory of the file
// is created if needed.
func getDB(
	databaseType string,
	dsn string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
	switch databaseType {
	case dbTypeSQLite:
		if parentDir := filepath.Dir(dsn); parentDir != "" {
			if err := os.MkdirAll(parentDir, 0o755); err != nil && !errors.Is(err, os.ErrExist) {
				return nil, err
			}
		}
		return gorm.Open(sqlite.Open(dsn), gormConfig)
	case dbTypePostgres:
		return gorm.Open(postgres.Open(dsn), gormConfig)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}

// configureDB applies sqlite connection limits and pragmas
func configureDB(ctx context.Context, db *gorm.DB, databaseType string) error {
	if databaseType != dbTypeSQLite {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("error getting database connection: %w", err)
	}
	sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
	sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
	sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)

	pragmaErrors := make([]error, 0, len(sqliteExecPragma))
	for _, p := range sqliteExecPragma {
		pragmaErrors = append(pragmaErrors, db.WithContext(ctx).Exec(p).Error)
	}
	return errors.Join(pragmaErrors...)
}

func migrateDB(ctx context.Context, db *gorm.DB) error {
	if err := db.WithContext(ctx).AutoMigrate(allModels()...); err != nil {
		return fmt.Errorf("error migrating database: %w", err)
	}
	if err := migrateConversationUserNames(ctx, db); err != nil {
		return fmt.Errorf("error migrating conversation user names: %w", err)
	}
	return nil
}
