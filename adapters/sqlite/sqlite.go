// Package sqlite stores event streams and projection records in a SQLite
// database using the pure Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/fjogeleit/event-store/core/cache"
	"github.com/fjogeleit/event-store/core/es"
)

const (
	streamsTable     = "event_streams"
	projectionsTable = "projections"
)

type Config struct {
	Log *slog.Logger
	// Path of the database file. ":memory:" opens a private in-memory database.
	Path string
	// WriteLock guards appends per stream. Transactions already serialize
	// writers of one database, so the default is es.NoWriteLock.
	WriteLock       es.WriteLockStrategy
	StreamCacheSize int
}

// Store implements es.PersistenceStrategy and es.ProjectionStore.
type Store struct {
	log       *slog.Logger
	db        *sql.DB
	writeLock es.WriteLockStrategy
	streams   cache.Cache[bool]
}

func dsn(path string) string {
	if path == "" || path == ":memory:" {
		return ":memory:?_pragma=foreign_keys(1)"
	}
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
}

func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", dsn(cfg.Path))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	// One connection: SQLite has a single writer anyway, and an in-memory
	// database exists per connection.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping sqlite db: %w", err)
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
		log:       log.With(slog.String("component", "sqlite")),
		db:        db,
		writeLock: wl,
		streams:   cache.NewLRU[bool](cache.LRUOpts{Size: cfg.StreamCacheSize}),
	}, nil
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func quote(ident string) string { return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"` }

func sqliteCode(err error) (int, bool) {
	var e *sqlite.Error
	if !errors.As(err, &e) {
		return 0, false
	}
	return e.Code(), true
}

func isUniqueViolation(err error) bool {
	code, ok := sqliteCode(err)
	return ok && (code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY)
}

func isMissingTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}

var (
	_ es.PersistenceStrategy = (*Store)(nil)
	_ es.ProjectionStore     = (*Store)(nil)
)
