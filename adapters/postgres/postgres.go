// Package postgres stores event streams, projection records and table read
// models in PostgreSQL through gorm.
package postgres

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/crypto/blake2b"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/fjogeleit/event-store/core/cache"
	"github.com/fjogeleit/event-store/core/es"
)

type Config struct {
	Log *slog.Logger
	DSN string
	// WriteLock is taken around every append in addition to the
	// transaction scoped advisory lock. Defaults to es.NoWriteLock.
	WriteLock       es.WriteLockStrategy
	StreamCacheSize int
	MaxOpenConns    int
	// SQLLog enables gorm's statement logger.
	SQLLog bool
}

// Store implements es.PersistenceStrategy and es.ProjectionStore.
type Store struct {
	log       *slog.Logger
	db        *gorm.DB
	writeLock es.WriteLockStrategy
	streams   cache.Cache[bool]
}

type streamRow struct {
	No             int64  `gorm:"primaryKey;autoIncrement"`
	RealStreamName string `gorm:"uniqueIndex;not null"`
	StreamName     string `gorm:"not null"`
	Metadata       string `gorm:"type:jsonb;not null;default:'{}'"`
}

func (streamRow) TableName() string { return "event_streams" }

type projectionRow struct {
	No          int64   `gorm:"primaryKey;autoIncrement"`
	Name        string  `gorm:"uniqueIndex;not null"`
	Position    string  `gorm:"type:jsonb;not null;default:'{}'"`
	State       *string `gorm:"type:jsonb"`
	Status      string  `gorm:"not null"`
	LockedUntil *time.Time
}

func (projectionRow) TableName() string { return "projections" }

type eventRow struct {
	No        int64
	EventID   string
	EventName string
	Payload   string
	Metadata  string
	CreatedAt time.Time
}

func Open(ctx context.Context, cfg Config) (*Store, error) {
	gcfg := &gorm.Config{
		TranslateError: true,
		Logger:         logger.Discard,
	}
	if cfg.SQLLog {
		gcfg.Logger = logger.Default.LogMode(logger.Info)
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN), gcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get DB instance: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	sqlDB.SetConnMaxLifetime(time.Hour)
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	wl := cfg.WriteLock
	if wl == nil {
		wl = es.NoWriteLock{}
	}
	return &Store{
		log:       log.With(slog.String("component", "postgres")),
		db:        db,
		writeLock: wl,
		streams:   cache.NewLRU[bool](cache.LRUOpts{Size: cfg.StreamCacheSize}),
	}, nil
}

func (s *Store) DB() *gorm.DB { return s.db }

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func quote(ident string) string { return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"` }

func pgCode(err error) string {
	var e *pgconn.PgError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func isUniqueViolation(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey) || pgCode(err) == "23505"
}

func isMissingTable(err error) bool { return pgCode(err) == "42P01" }

var (
	_ es.PersistenceStrategy = (*Store)(nil)
	_ es.ProjectionStore     = (*Store)(nil)
)

// advisoryKey maps name onto the 64 bit key space of postgres advisory
// locks. hashtext only covers 32 bits.
func advisoryKey(name string) int64 {
	sum := blake2b.Sum256([]byte(name))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}
