package personabot

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
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

// DBI is the write-path interface used throughout the bot. When using
// sqlite, writes are serialized under a mutex; postgres writes are
// passed through unserialized.
type DBI interface {
	Create(ctx context.Context, value any) (rowsAffected int64, err error)
	Save(ctx context.Context, value any) (rowsAffected int64, err error)
	Update(ctx context.Context, model any, column string, value any, conds ...any) (rowsAffected int64, err error)
	Updates(ctx context.Context, model any, values map[string]any) (rowsAffected int64, err error)
	Delete(ctx context.Context, value any, conds ...any) (rowsAffected int64, err error)
	DB() *gorm.DB
}

type database struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
}

// NewDatabase wraps the given gorm connection in the write-path DBI.
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
		logger:                 log.With(loggerNameKey, "writedb"),
		enableConcurrentWrites: enableConcurrentWrites,
	}
}

func (d *database) DB() *gorm.DB {
	return d.db
}

func (d *database) withTimeout(ctx context.Context) (
	context.Context,
	context.CancelFunc,
) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dbOperationTimeout)
}

func (d *database) Create(ctx context.Context, value any) (int64, error) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	rv := d.db.WithContext(ctx).Create(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Save(ctx context.Context, value any) (int64, error) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	rv := d.db.WithContext(ctx).Save(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Update(
	ctx context.Context,
	model any,
	column string,
	value any,
	conds ...any,
) (int64, error) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	tx := d.db.WithContext(ctx).Model(model)
	if len(conds) > 0 {
		tx = tx.Where(conds[0], conds[1:]...)
	}
	rv := tx.Update(column, value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Updates(
	ctx context.Context,
	model any,
	values map[string]any,
) (int64, error) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	rv := d.db.WithContext(ctx).Model(model).Updates(values)
	return rv.RowsAffected, rv.Error
}

func (d *database) Delete(ctx context.Context, value any, conds ...any) (
	int64,
	error,
) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	rv := d.db.WithContext(ctx).Delete(value, conds...)
	return rv.RowsAffected, rv.Error
}

// CreateDB opens and migrates a database for out-of-band administrative
// commands, outside the lifecycle of a running bot.
func CreateDB(databaseType string, database string) (*gorm.DB, error) {
	config := DefaultConfig()
	config.DatabaseType = databaseType
	config.Database = database
	handler := tint.NewHandler(
		os.Stdout,
		&tint.Options{Level: config.DatabaseLogLevel},
	)
	return openDatabase(config, handler)
}

// openDatabase opens the configured database, applies connection settings
// and pragmas, and runs auto-migration for the bot's models.
func openDatabase(
	config *Config,
	logHandler slog.Handler,
) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger: newGORMLogger(logHandler, config.DatabaseSlowThreshold),
	}

	var db *gorm.DB
	var err error

	switch config.DatabaseType {
	case dbTypeSQLite:
		dsn := config.Database
		if !strings.Contains(dsn, "?") {
			dsn = fmt.Sprintf("%s?_busy_timeout=5000", dsn)
		}
		db, err = gorm.Open(sqlite.Open(dsn), gormConfig)
	case dbTypePostgres:
		db, err = gorm.Open(postgres.Open(config.Database), gormConfig)
	default:
		return nil, fmt.Errorf("unknown database type: %q", config.DatabaseType)
	}
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	if config.DatabaseType == dbTypeSQLite {
		sqlDB, dbErr := db.DB()
		if dbErr != nil {
			return nil, dbErr
		}
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)
		for _, pragma := range sqliteExecPragma {
			if execErr := db.Exec(pragma).Error; execErr != nil {
				return nil, fmt.Errorf(
					"error executing %q: %w",
					pragma,
					execErr,
				)
			}
		}
	}

	if err = db.AutoMigrate(
		&Persona{},
		&Memory{},
		&GuildConversationConfig{},
		&DirectMessageBinding{},
	); err != nil {
		return nil, fmt.Errorf("error migrating database: %w", err)
	}

	return db, nil
}
